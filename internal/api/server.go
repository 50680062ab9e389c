package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/terra-clan/ctf-conductor/internal/config"
	"github.com/terra-clan/ctf-conductor/internal/models"
	"github.com/terra-clan/ctf-conductor/internal/storage"
)

// Engine is the part of the lifecycle engine exposed to operators
type Engine interface {
	EnsureSession(ctx context.Context, name string, live bool) (*models.Session, bool, error)
	Archive(ctx context.Context, id string) (*models.Session, error)
	SetCredentials(ctx context.Context, id string, creds models.Credentials) (*models.Session, error)
	IngestTasks(ctx context.Context, s *models.Session) (int, error)
}

// Server represents the operator HTTP API server
type Server struct {
	config         config.ServerConfig
	router         *chi.Mux
	engine         Engine
	repo           storage.Repository
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server
func NewServer(
	cfg config.ServerConfig,
	apiKey string,
	engine Engine,
	repo storage.Repository,
) *Server {
	s := &Server{
		config:         cfg,
		engine:         engine,
		repo:           repo,
		authMiddleware: NewAuthMiddleware(apiKey),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	// Health check (outside versioned API - public)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware.Authenticate)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Get("/tasks", s.handleListTasks)
				r.Post("/archive", s.handleArchiveSession)
				r.Put("/credentials", s.handleSetCredentials)
				r.Post("/pull", s.handlePullTasks)
			})
		})
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
