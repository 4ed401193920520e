// Package api assembles the claims HTTP API.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hospitalops/claimflow/internal/api/handlers"
	"github.com/hospitalops/claimflow/internal/api/middleware"
)

// Options configure the router
type Options struct {
	ServiceName string
	Version     string
	// APIKeys maps accepted keys to client names; empty disables auth
	APIKeys map[string]string
	// Ready reports whether backing stores are reachable; nil is always ready
	Ready func(ctx context.Context) error
	// Metrics serves /metrics when set
	Metrics http.Handler
}

// NewRouter returns the API router with health, metrics and /api/v1 routes
func NewRouter(svc handlers.ClaimsService, opts Options, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(opts.ServiceName))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": opts.ServiceName,
			"version": opts.Version,
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready != nil {
			if err := opts.Ready(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(opts.APIKeys))
		r.Mount("/", handlers.NewClaimsHandler(svc, logger).Routes())
	})
	return r
}
