package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/terra-clan/ctf-conductor/internal/models"
)

const eventJSON = `{
	"id": 2024,
	"title": "FooCTF 2024",
	"start": "2024-03-01T10:00:00+00:00",
	"finish": "2024-03-03T10:00:00+00:00",
	"description": "  Yearly competition.  ",
	"organizers": [{"id": 1, "name": "Foo Team"}, {"id": 2, "name": "Bar"}],
	"format": "Jeopardy",
	"onsite": false,
	"weight": 24.5,
	"logo": "%s/logo.png",
	"url": "https://foo.example"
}`

func newTestServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()

	var agents []string
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)

	mux.HandleFunc("/api/v1/events/", func(w http.ResponseWriter, r *http.Request) {
		agents = append(agents, r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/api/v1/events/":
			if r.URL.Query().Get("limit") != "10" {
				t.Errorf("expected limit=10, got %q", r.URL.Query().Get("limit"))
			}
			fmt.Fprint(w, `[{"id": 2024, "title": "FooCTF 2024"}, {"id": 7, "title": "Other"}]`)
		case "/api/v1/events/2024/":
			fmt.Fprintf(w, eventJSON, srv.URL)
		case "/api/v1/events/7/":
			fmt.Fprint(w, `{"id": 7, "title": "", "start": "bad"}`)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PNG"))
	})

	t.Cleanup(srv.Close)
	return srv, &agents
}

func TestListUpcoming(t *testing.T) {
	srv, agents := newTestServer(t)
	c := NewClient(srv.URL+"/", "test-agent", WithRateLimit(0))

	events, err := c.ListUpcoming(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListUpcoming failed: %v", err)
	}

	if len(events) != 2 || events[0].ID != 2024 || events[0].Name != "FooCTF 2024" {
		t.Errorf("unexpected events: %+v", events)
	}
	if len(*agents) != 1 || (*agents)[0] != "test-agent" {
		t.Errorf("expected user agent to be sent, got %v", *agents)
	}
}

func TestFetchDetail(t *testing.T) {
	srv, _ := newTestServer(t)
	c := NewClient(srv.URL, "test-agent", WithRateLimit(0))

	event, err := c.FetchDetail(context.Background(), 2024)
	if err != nil {
		t.Fatalf("FetchDetail failed: %v", err)
	}

	if event.Name != "FooCTF 2024" {
		t.Errorf("expected name FooCTF 2024, got %q", event.Name)
	}
	if !event.Start.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start: %v", event.Start)
	}
	if event.Description != "Yearly competition." {
		t.Errorf("expected trimmed description, got %q", event.Description)
	}
	if len(event.Organizers) != 2 || event.Organizers[0] != "Foo Team" {
		t.Errorf("unexpected organizers: %v", event.Organizers)
	}
	if event.Location != "Online" {
		t.Errorf("expected Online location, got %q", event.Location)
	}
	if string(event.Logo) != "PNG" {
		t.Errorf("expected logo bytes, got %q", event.Logo)
	}
	if event.WebsiteURL != "https://foo.example" {
		t.Errorf("unexpected website: %q", event.WebsiteURL)
	}
	if got := c.EventURL(event.ID); got != srv.URL+"/event/2024" {
		t.Errorf("unexpected event url: %s", got)
	}
}

func TestFetchDetailRejectsMalformed(t *testing.T) {
	srv, _ := newTestServer(t)
	c := NewClient(srv.URL, "test-agent", WithRateLimit(0))

	_, err := c.FetchDetail(context.Background(), 7)
	var fetchErr *models.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
}

func TestFetchDetailNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	c := NewClient(srv.URL, "test-agent", WithRateLimit(0))

	_, err := c.FetchDetail(context.Background(), 99)
	var fetchErr *models.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fetchErr.Source != "catalog" {
		t.Errorf("expected catalog source, got %q", fetchErr.Source)
	}
}

func TestFetchDetailLogoFailure(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/api/v1/events/1/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":1,"title":"NoLogo","start":"2024-03-01T10:00:00Z","finish":"2024-03-02T10:00:00Z","logo":"%s/missing.png"}`, srv.URL)
	})

	c := NewClient(srv.URL, "ua", WithRateLimit(0))
	event, err := c.FetchDetail(context.Background(), 1)
	if err != nil {
		t.Fatalf("logo failure must not fail the descriptor: %v", err)
	}
	if len(event.Logo) != 0 {
		t.Errorf("expected empty logo, got %q", event.Logo)
	}
}
