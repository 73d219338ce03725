// Package core provides the HTTP chassis for the campaign engine: a chi
// router with the cross-cutting middleware (request ids, logging, panic
// recovery), the JSON response envelope, and health probes. Domain handlers
// mount on top of it.
package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"outreach/internal/config"
)

// Server bundles the router with the dependencies every handler needs.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer creates the server and installs the base middleware chain:
// panic recovery outermost, then request-id propagation, then request
// logging.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}

	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(logger))
	s.router.Get("/health", s.HandleHealth)

	return s, nil
}

// RegisterProbe adds a health probe checked by GET /health.
func (s *Server) RegisterProbe(p HealthProbe) {
	s.HealthProbes = append(s.HealthProbes, p)
}

// Handler returns the router as an http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}
