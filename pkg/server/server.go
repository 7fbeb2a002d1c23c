// Package server exposes a core.Client over HTTP as a thin JSON API.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oceanbase/memtier-go/pkg/core"
)

// Server routes HTTP requests to a memtier client.
type Server struct {
	client  *core.Client
	router  chi.Router
	logger  *slog.Logger
	version string
	started time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for failed requests.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a server for client. The caller keeps ownership of client.
func New(client *core.Client, version string, opts ...Option) *Server {
	s := &Server{
		client:  client,
		logger:  slog.Default(),
		version: version,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", s.handleHealth)

	r.Route("/memory/short-term", func(r chi.Router) {
		r.Post("/", s.handleCreateShortTerm)
		r.Post("/search", s.handleSearchShortTerm)
		r.Get("/{id}", s.handleGetShortTerm)
		r.Patch("/{id}", s.handleUpdateShortTerm)
		r.Delete("/{id}", s.handleDeleteShortTerm)
		r.Post("/{id}/lock", s.handleLockShortTerm)
		r.Post("/{id}/unlock", s.handleUnlockShortTerm)
		r.Post("/{id}/extend", s.handleExtendShortTerm)
		r.Post("/{id}/mark", s.handleMarkShortTerm)
	})

	r.Route("/memory/long-term", func(r chi.Router) {
		r.Post("/", s.handleCreateLongTerm)
		r.Post("/search", s.handleSearchLongTerm)
		r.Post("/similarity", s.handleSimilarity)
		r.Get("/{id}", s.handleGetLongTerm)
		r.Patch("/{id}", s.handleUpdateLongTerm)
		r.Delete("/{id}", s.handleDeleteLongTerm)
		r.Get("/{id}/relationships", s.handleRelationships)
	})

	r.Post("/consolidate", s.handleConsolidate)
	r.Post("/sweep", s.handleSweep)
	r.Post("/retrieve/{id}", s.handleRetrieve)
	r.Delete("/forget/{id}", s.handleForget)

	r.Route("/world-state", func(r chi.Router) {
		r.Get("/", s.handleGetWorldState)
		r.Patch("/", s.handleUpdateWorldState)
		r.Get("/history", s.handleWorldStateHistory)
		r.Get("/versions/{version}", s.handleWorldStateVersion)
		r.Post("/rollback", s.handleRollback)
	})

	r.Route("/goals", func(r chi.Router) {
		r.Post("/", s.handleCreateGoal)
		r.Get("/", s.handleQueryGoals)
		r.Get("/{id}", s.handleGetGoal)
		r.Put("/{id}/status", s.handleSetGoalStatus)
		r.Post("/{id}/dependencies", s.handleAddGoalDependency)
	})

	r.Get("/audit/{subject}", s.handleAuditTrail)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":              "ok",
		"version":             s.version,
		"uptime":              time.Since(s.started).Round(time.Second).String(),
		"world_state_version": s.client.WorldState().Version,
	}
	if stats, ok := s.client.SchedulerStats(core.TaskDecaySweep); ok {
		body["sweep"] = stats
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an engine error kind to a status code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrVersionNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidState),
		errors.Is(err, core.ErrCyclicDependency),
		errors.Is(err, core.ErrDependencyViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrConsolidationFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
	return false
}

func ttlFromSeconds(secs *int) *time.Duration {
	if secs == nil {
		return nil
	}
	d := time.Duration(*secs) * time.Second
	return &d
}
