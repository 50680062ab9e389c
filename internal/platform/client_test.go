package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/terra-clan/ctf-conductor/internal/models"
)

const formPage = `<html><script>
	var init = {
		'urlRoot': "",
		'csrfNonce': "a1b2c3",
	}
</script></html>`

// fakeCTFd is a minimal CTFd imitation
type fakeCTFd struct {
	mu         sync.Mutex
	teams      map[string]string
	registered []string
	challenges map[int]string
	pageSize   int
	scoreboard string
}

func newFakeCTFd() *fakeCTFd {
	return &fakeCTFd{
		teams:      make(map[string]string),
		challenges: map[int]string{
			1: `{"id":1,"name":"baby-pwn","category":" pwn ","value":100,"description":"smash it","tags":["easy"],"files":["/files/abc/chall?token=x"]}`,
			2: `{"id":2,"name":"rsa","category":"crypto","value":250,"description":"","tags":[{"value":"math"}],"files":[]}`,
			3: `{"id":3,"name":"web1","category":"Web","value":50,"description":"xss","tags":[],"files":["https://cdn.example/f.zip"]}`,
		},
		pageSize:   2,
		scoreboard: `{"success":true,"data":[{"pos":2,"name":"us","score":150.5},{"pos":1,"name":"them","score":300}]}`,
	}
}

func (f *fakeCTFd) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, formPage)
			return
		}
		r.ParseForm()
		if r.Form.Get("nonce") != "a1b2c3" {
			http.Error(w, "bad nonce", http.StatusForbidden)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		name := r.Form.Get("name")
		if _, ok := f.teams[name]; ok {
			fmt.Fprint(w, `<div class="alert alert-danger alert-dismissable" role="alert"><span>That team name is already taken</span></div>`)
			return
		}
		f.teams[name] = r.Form.Get("password")
		f.registered = append(f.registered, name)
		http.Redirect(w, r, "/challenges", http.StatusFound)
	})

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, formPage)
			return
		}
		r.ParseForm()
		f.mu.Lock()
		defer f.mu.Unlock()
		if pw, ok := f.teams[r.Form.Get("name")]; !ok || pw != r.Form.Get("password") {
			fmt.Fprint(w, `<div class="alert alert-danger">Your username or password is incorrect</div>`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: r.Form.Get("name"), Path: "/"})
		http.Redirect(w, r, "/challenges", http.StatusFound)
	})

	mux.HandleFunc("/challenges", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>challenges</html>")
	})

	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := r.Cookie("session"); err != nil {
				http.Error(w, `{"success":false}`, http.StatusForbidden)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("/api/v1/challenges", authed(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		start := (page-1)*f.pageSize + 1
		var items string
		for id := start; id < start+f.pageSize && id <= len(f.challenges); id++ {
			if items != "" {
				items += ","
			}
			items += fmt.Sprintf(`{"id":%d,"name":"c%d","type":"standard"}`, id, id)
		}
		next := "null"
		if start+f.pageSize <= len(f.challenges) {
			next = fmt.Sprintf("%d", page+1)
		}
		fmt.Fprintf(w, `{"success":true,"data":[%s],"meta":{"pagination":{"page":%d,"next":%s}}}`, items, page, next)
	}))

	mux.HandleFunc("/api/v1/challenges/", authed(func(w http.ResponseWriter, r *http.Request) {
		var id int
		fmt.Sscanf(r.URL.Path, "/api/v1/challenges/%d", &id)
		body, ok := f.challenges[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"success":true,"data":%s}`, body)
	}))

	mux.HandleFunc("/api/v1/scoreboard", authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, f.scoreboard)
	}))

	return mux
}

func TestRegister(t *testing.T) {
	fake := newFakeCTFd()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := NewClient("ua")
	ctx := context.Background()

	result, err := c.Register(ctx, srv.URL, "us", "secret", "us@example.com")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got reason %q", result.Reason)
	}

	result, err = c.Register(ctx, srv.URL+"/", "us", "other", "us@example.com")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if result.Success {
		t.Fatal("expected duplicate registration to be refused")
	}
	if result.Reason != "That team name is already taken" {
		t.Errorf("unexpected reason: %q", result.Reason)
	}
}

func TestInvalidEndpoint(t *testing.T) {
	c := NewClient("ua")
	ctx := context.Background()

	for _, raw := range []string{"", "ftp://ctf.example", "ctf.example/register", "https://"} {
		if _, err := c.Register(ctx, raw, "us", "pw", "e"); !errors.Is(err, models.ErrInvalidEndpoint) {
			t.Errorf("Register(%q): expected ErrInvalidEndpoint, got %v", raw, err)
		}
		if _, err := c.FetchScoreboard(ctx, raw, "us", "pw"); !errors.Is(err, models.ErrInvalidEndpoint) {
			t.Errorf("FetchScoreboard(%q): expected ErrInvalidEndpoint, got %v", raw, err)
		}
	}
}

func TestNonPlatformEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not a ctfd</html>")
	}))
	defer srv.Close()

	_, err := NewClient("ua").Register(context.Background(), srv.URL, "us", "pw", "e")
	if !errors.Is(err, models.ErrInvalidEndpoint) {
		t.Fatalf("expected ErrInvalidEndpoint, got %v", err)
	}
}

func TestListTasks(t *testing.T) {
	fake := newFakeCTFd()
	fake.teams["us"] = "pw"
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	var got []models.TaskDescriptor
	for d, err := range NewClient("ua").ListTasks(context.Background(), srv.URL, "us", "pw") {
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		got = append(got, d)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 tasks across pages, got %d", len(got))
	}

	first := got[0]
	if first.ExternalID != "1" || first.Name != "baby-pwn" || first.Value != 100 {
		t.Errorf("unexpected first task: %+v", first)
	}
	if len(first.Files) != 1 || first.Files[0] != srv.URL+"/files/abc/chall?token=x" {
		t.Errorf("expected absolute file url, got %v", first.Files)
	}
	if len(got[1].Tags) != 1 || got[1].Tags[0] != "math" {
		t.Errorf("expected object tags to flatten, got %v", got[1].Tags)
	}
	if got[2].Files[0] != "https://cdn.example/f.zip" {
		t.Errorf("absolute file urls must be kept, got %v", got[2].Files)
	}
}

func TestListTasksStopsEarly(t *testing.T) {
	fake := newFakeCTFd()
	fake.teams["us"] = "pw"
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	count := 0
	for _, err := range NewClient("ua").ListTasks(context.Background(), srv.URL, "us", "pw") {
		if err != nil {
			t.Fatalf("ListTasks failed: %v", err)
		}
		count++
		break
	}
	if count != 1 {
		t.Errorf("expected to stop after one, got %d", count)
	}
}

func TestListTasksBadLogin(t *testing.T) {
	fake := newFakeCTFd()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	var errs []error
	for _, err := range NewClient("ua").ListTasks(context.Background(), srv.URL, "nobody", "pw") {
		errs = append(errs, err)
	}

	var fetchErr *models.FetchError
	if len(errs) != 1 || !errors.As(errs[0], &fetchErr) {
		t.Fatalf("expected a single FetchError, got %v", errs)
	}
}

func TestFetchScoreboard(t *testing.T) {
	fake := newFakeCTFd()
	fake.teams["us"] = "pw"
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	standings, err := NewClient("ua").FetchScoreboard(context.Background(), srv.URL, "us", "pw")
	if err != nil {
		t.Fatalf("FetchScoreboard failed: %v", err)
	}

	if len(standings) != 2 {
		t.Fatalf("expected 2 standings, got %d", len(standings))
	}
	if standings[0].TeamName != "them" || standings[0].Rank != 1 {
		t.Errorf("expected sorted by rank, got %+v", standings)
	}
	if standings[1].Score != 150.5 {
		t.Errorf("unexpected score: %v", standings[1].Score)
	}
}
