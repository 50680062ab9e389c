package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/terra-clan/ctf-conductor/internal/lifecycle"
	"github.com/terra-clan/ctf-conductor/internal/models"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filters := models.SessionFilters{Limit: 50}

	if stateStr := r.URL.Query().Get("state"); stateStr != "" {
		for _, part := range strings.Split(stateStr, ",") {
			state := models.LifecycleState(strings.TrimSpace(part))
			if !state.Valid() {
				respondError(w, http.StatusBadRequest, "validation_error", "unknown state: "+part)
				return
			}
			filters.States = append(filters.States, state)
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filters.Limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			filters.Offset = o
		}
	}

	sessions, err := s.repo.ListSessions(r.Context(), filters)
	if err != nil {
		slog.Error("failed to list sessions", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name is required")
		return
	}

	session, created, err := s.engine.EnsureSession(r.Context(), req.Name, req.Live)
	if err != nil && session != nil {
		// Stored, but the workspace is still incomplete and is finished later
		slog.Warn("session workspace incomplete", "error", err, "name", req.Name)
		respondJSON(w, http.StatusAccepted, models.CreateSessionResponse{
			Session: session,
			Created: created,
			Warning: err.Error(),
		})
		return
	}
	if err != nil {
		slog.Error("failed to create session", "error", err, "name", req.Name)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	respondJSON(w, status, models.CreateSessionResponse{
		Session: session,
		Created: created,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	tasks, err := s.repo.ListTasks(r.Context(), session.ID)
	if err != nil {
		slog.Error("failed to list tasks", "error", err, "session", session.Name)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"total": len(tasks),
	})
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	session, err := s.engine.Archive(r.Context(), id)
	if err != nil {
		respondEngineError(w, err, "failed to archive session")
		return
	}

	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var creds models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if creds.URL == "" || creds.Username == "" || creds.Password == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "url, username and password are required")
		return
	}

	session, err := s.engine.SetCredentials(r.Context(), id, creds)
	if err != nil {
		respondEngineError(w, err, "failed to set credentials")
		return
	}

	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handlePullTasks(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	if !session.State.IsActive() {
		respondError(w, http.StatusConflict, "illegal_state", "session is "+string(session.State))
		return
	}

	provisioned, err := s.engine.IngestTasks(r.Context(), session)
	if err != nil {
		respondEngineError(w, err, "failed to pull tasks")
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{
		"provisioned": provisioned,
	})
}

// loadSession fetches the session named by the id URL parameter and writes
// the error response when it cannot
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	id := chi.URLParam(r, "id")

	session, err := s.repo.GetSession(r.Context(), id)
	if err != nil {
		slog.Error("failed to get session", "error", err, "id", id)
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to get session")
		return nil, false
	}
	if session == nil {
		respondError(w, http.StatusNotFound, "not_found", "session not found")
		return nil, false
	}

	return session, true
}

func respondEngineError(w http.ResponseWriter, err error, message string) {
	var fetchErr *models.FetchError

	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, models.ErrIllegalTransition):
		respondError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, lifecycle.ErrIngestionInProgress):
		respondError(w, http.StatusConflict, "ingestion_in_progress", err.Error())
	case errors.Is(err, lifecycle.ErrWorkspaceNotReady):
		respondError(w, http.StatusConflict, "workspace_not_ready", err.Error())
	case errors.Is(err, lifecycle.ErrNoCredentials):
		respondError(w, http.StatusConflict, "no_credentials", err.Error())
	case errors.Is(err, models.ErrInvalidEndpoint):
		respondError(w, http.StatusUnprocessableEntity, "invalid_endpoint", err.Error())
	case errors.As(err, &fetchErr):
		slog.Error(message, "error", err)
		respondError(w, http.StatusBadGateway, "upstream_error", err.Error())
	default:
		slog.Error(message, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", message)
	}
}
