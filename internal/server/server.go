package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/codebench/internal/assignment"
	"github.com/michaelbrown/codebench/internal/progress"
	"github.com/michaelbrown/codebench/internal/session"
	"github.com/michaelbrown/codebench/internal/storage"
)

// Server is the HTTP server for the codebench API.
type Server struct {
	catalog  *assignment.Catalog
	sessions *session.Manager
	tracker  *progress.Tracker
	store    storage.Store // nil when persistence is off
	logger   *slog.Logger
	router   chi.Router
	http     *http.Server
}

// New creates a new Server.
func New(catalog *assignment.Catalog, sessions *session.Manager, tracker *progress.Tracker, store storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		catalog:  catalog,
		sessions: sessions,
		tracker:  tracker,
		store:    store,
		logger:   logger,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/assignments", s.handleListAssignments)
		r.Get("/assignments/{id}", s.handleGetAssignment)

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Put("/sessions/{id}/source", s.handleSetSource)
		r.Put("/sessions/{id}/blocks", s.handleSetBlocks)
		r.Post("/sessions/{id}/run", s.handleRun)
		r.Post("/sessions/{id}/submit", s.handleSubmit)
		r.Post("/sessions/{id}/install", s.handleInstall)
		r.Post("/sessions/{id}/progress/in-progress", s.handleMarkInProgress)

		// WebSocket (no JSON content-type)
		r.Get("/sessions/{id}/ws", s.handleWebSocket)

		r.Get("/progress", s.handleListProgress)
		r.Get("/progress/{student}/{assignment}", s.handleGetProgress)

		r.Get("/submissions", s.handleListSubmissions)
		r.Get("/submissions/{id}", s.handleGetSubmission)
		r.Get("/submissions/{id}/export", s.handleExportSubmission)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"took", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("codebench server starting", "addr", "http://localhost"+addr)
	return s.http.ListenAndServe()
}

// Shutdown closes every session and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.sessions.CloseAll()
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
