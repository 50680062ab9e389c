package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/terra-clan/ctf-conductor/internal/models"
)

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(ts.URL+"/", "sk_test")
}

func TestListSessionsSendsFilters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/api/v1/sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("state"); got != "pending,live" {
			t.Errorf("unexpected state filter %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("unexpected limit %q", got)
		}
		writeEnvelope(w, http.StatusOK, map[string]any{
			"sessions": []models.Session{{ID: "a", Name: "FooCTF", State: models.StateLive}},
			"total":    1,
		})
	})

	sessions, err := c.ListSessions(context.Background(), ListOptions{
		States: []models.LifecycleState{models.StatePending, models.StateLive},
		Limit:  5,
	})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Name != "FooCTF" || sessions[0].State != models.StateLive {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestCreateSessionBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		var req models.CreateSessionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad body %s", body)
		}
		if req.Name != "FooCTF" || !req.Live {
			t.Errorf("unexpected request %+v", req)
		}
		writeEnvelope(w, http.StatusCreated, models.CreateSessionResponse{
			Session: &models.Session{ID: "a", Name: req.Name, State: models.StateLive},
			Created: true,
		})
	})

	resp, err := c.CreateSession(context.Background(), "FooCTF", true)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if !resp.Created || resp.Session.ID != "a" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCreateSessionAccepted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusAccepted, models.CreateSessionResponse{
			Session: &models.Session{ID: "a", Name: "FooCTF", State: models.StatePending},
			Created: true,
			Warning: "session workspace not ready: FooCTF",
		})
	})

	resp, err := c.CreateSession(context.Background(), "FooCTF", false)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if resp.Session.ID != "a" || resp.Warning == "" {
		t.Fatalf("expected session with warning, got %+v", resp)
	}
}

func TestPullTasks(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/a/pull" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeEnvelope(w, http.StatusOK, map[string]int{"provisioned": 4})
	})

	n, err := c.PullTasks(context.Background(), "a")
	if err != nil {
		t.Fatalf("PullTasks failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4, got %d", n)
	}
}

func TestAPIErrorIsTyped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusConflict, "illegal_transition", "archived -> archived")
	})

	_, err := c.ArchiveSession(context.Background(), "a")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Code != "illegal_transition" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestAuthErrorIsTyped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key", "message": "nope"})
	})

	_, err := c.GetSession(context.Background(), "a")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	healthy := true
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeEnvelope(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}

	healthy = false
	if err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error for unhealthy service")
	}
}
