// Package api is the operator-facing admin surface: run history, manual run
// triggers, and single-member diagnostics. It is not a member-facing API;
// every route except the health check sits behind the static admin key.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"renewalhub/internal/types"
)

// defaultLockTTL bounds how long a manual run may hold the daily job lock.
const defaultLockTTL = 30 * time.Minute

// ServerConfig holds the dependencies for the admin API server.
type ServerConfig struct {
	Runs     RunReader
	Runner   Runner
	Locker   RunLocker // optional; nil disables run locking
	AdminKey types.SecretString
	LockTTL  time.Duration
	Logger   *slog.Logger
}

// Server owns the chi router and the handler dependencies.
type Server struct {
	router   *chi.Mux
	runs     RunReader
	runner   Runner
	locker   RunLocker
	adminKey types.SecretString
	lockTTL  time.Duration
	logger   *slog.Logger
}

// NewServer creates the admin API server and mounts its routes.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}

	s := &Server{
		router:   chi.NewRouter(),
		runs:     cfg.Runs,
		runner:   cfg.Runner,
		locker:   cfg.Locker,
		adminKey: cfg.AdminKey,
		lockTTL:  lockTTL,
		logger:   logger,
	}
	s.mountRoutes()
	return s
}

// Handler returns the root http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// mountRoutes registers the global middleware chain and the route tree.
// Middleware order matters: Recoverer outermost, then request ID so the
// logger and error responses can correlate, then logging, then auth.
func (s *Server) mountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.logger))

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.AdminAuth)

		r.Get("/runs/latest", s.handleGetLatestRun)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Post("/runs", s.handleTriggerRun)
		r.Post("/members/{memberID}/process", s.handleProcessMember)
	})
}
