// Package api serves the job submission, status, and listing HTTP surface.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelsec/reconforge/internal/events"
	"github.com/kestrelsec/reconforge/internal/metrics"
	"github.com/kestrelsec/reconforge/internal/queue"
	"github.com/kestrelsec/reconforge/internal/recon"
	"github.com/kestrelsec/reconforge/internal/workspace"
)

// JobQueuer is the queue operations the API depends on.
type JobQueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	List(ctx context.Context, workspace string, limit int) ([]*queue.Job, error)
	Depth(ctx context.Context) (int, error)
}

// ModuleRegistry is the registry view the API depends on.
type ModuleRegistry interface {
	Resolve(name string) (*recon.Descriptor, bool)
	All() []*recon.Descriptor
	Len() int
}

// WorkspaceStore is the workspace operations the API depends on.
type WorkspaceStore interface {
	Ensure(ctx context.Context, name string) (*workspace.Workspace, error)
	List(ctx context.Context) ([]*workspace.Workspace, error)
	OutDir(workspace, target, module string) (string, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey guards every endpoint except /healthz and /metrics when set.
	APIKey      string
	MaxAttempts int
}

// Server is the HTTP API server.
type Server struct {
	config     Config
	queue      JobQueuer
	registry   ModuleRegistry
	workspaces WorkspaceStore
	events     *events.Hub
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates an API server. hub, m, and gatherer may be nil; the
// corresponding endpoints then serve empty streams / default registries.
func New(config Config, q JobQueuer, reg ModuleRegistry, ws WorkspaceStore, hub *events.Hub, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		config:     config,
		queue:      q,
		registry:   reg,
		workspaces: ws,
		events:     hub,
		metrics:    m,
		gatherer:   gatherer,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/workspaces", s.handleListWorkspaces)
		r.Get("/modules", s.handleListModules)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware enforces the bearer API key when one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		presented := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.config.APIKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
