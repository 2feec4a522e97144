// Package server exposes the scheduler over a JSON REST API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/dispatchq/internal/config"
	"github.com/me/dispatchq/internal/executor"
	"github.com/me/dispatchq/internal/scheduler"
	"github.com/me/dispatchq/internal/store"
)

// Server is the dispatchq REST API server.
type Server struct {
	router     chi.Router
	logger     *slog.Logger
	config     config.ServerConfig
	startTime  time.Time
	dispatcher scheduler.Dispatcher
	store      store.Store        // optional; result history and stats samples
	registry   *executor.Registry // builds executors for submitted tasks

	// baseCtx parents every submitted task's cancellation token so tasks
	// outlive the request that created them.
	baseCtx context.Context

	mu      sync.Mutex
	tracked map[string]*trackedTask
}

// trackedTask is a task submitted through this server.
type trackedTask struct {
	handle      *scheduler.Handle
	cancel      context.CancelFunc
	submittedAt time.Time
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore sets the result history used by /results and for tasks that are
// no longer tracked in memory.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithExecutorRegistry replaces the default executor registry.
func WithExecutorRegistry(reg *executor.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithBaseContext sets the context every submitted task derives from.
// Cancelling it aborts all tasks submitted through the server.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.baseCtx = ctx
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, d scheduler.Dispatcher, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger.With("component", "server"),
		config:     cfg,
		startTime:  time.Now(),
		dispatcher: d,
		baseCtx:    context.Background(),
		tracked:    make(map[string]*trackedTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = executor.NewDefaultRegistry("", logger)
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Scheduler views
		r.Get("/stats", s.handleStats)
		r.Get("/stats/history", s.handleStatsHistory)
		r.Get("/utilization", s.handleUtilization)
		r.Get("/queue", s.handleQueue)
		r.Get("/permits", s.handlePermits)

		// Tasks
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleSubmitTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Delete("/", s.handleCancelTask)
			})
		})

		// History
		r.Get("/results", s.handleListResults)
	})
}

// track registers a submitted task. Once it settles its context is released
// and, if a store holds its record, it is forgotten.
func (s *Server) track(id string, t *trackedTask) {
	s.mu.Lock()
	s.tracked[id] = t
	s.mu.Unlock()

	go func() {
		<-t.handle.Done()
		t.cancel()
		if s.store == nil {
			return
		}
		s.mu.Lock()
		if s.tracked[id] == t {
			delete(s.tracked, id)
		}
		s.mu.Unlock()
	}()
}

func (s *Server) lookup(id string) (*trackedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracked[id]
	return t, ok
}
