// Package api exposes the operator and integration HTTP surface.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server serves the trust, risk and operator endpoints.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer builds the router. alerts and metrics may be nil, which leaves
// /alerts/stream and /metrics unrouted.
func NewServer(cfg domain.ServerConfig, deps Deps, alerts *AlertHub, metrics http.Handler) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(RecoverMiddleware)
	router.Use(middleware.RealIP)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)

	// Probes and scraping are never throttled.
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if metrics != nil {
		router.Method(http.MethodGet, "/metrics", metrics)
	}

	// Live alert feed, outside compression so the upgrade can hijack
	if alerts != nil {
		router.Method(http.MethodGet, "/alerts/stream", alerts)
	}

	router.Group(func(r chi.Router) {
		r.Use(CORSMiddleware)
		r.Use(RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))
		r.Use(middleware.Compress(5))

		// Accounts
		r.Put("/users/{id}", handler.RegisterUser)

		// Trust and risk queries
		r.Get("/users/{id}/trust", handler.GetTrust)
		r.Get("/users/{id}/threshold", handler.GetThreshold)
		r.Get("/users/{id}/rate-limit", handler.GetRateLimit)
		r.Get("/users/{id}/risk", handler.GetRisk)

		// Actions and verdicts
		r.Post("/users/{id}/can-perform", handler.CanPerform)
		r.Post("/users/{id}/actions", handler.SubmitAction)
		r.Post("/users/{id}/resistance", handler.Resistance)

		// Operator controls
		r.Post("/users/{id}/analyze", handler.Analyze)
		r.Post("/users/{id}/reinstate", handler.Reinstate)
		r.Post("/scans/coordinated", handler.ScanCoordinated)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start listens on the configured address and blocks until Shutdown.
// The write timeout does not apply to the alert stream once upgraded.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	slog.Info("api listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the routes, for in-process serving.
func (s *Server) Router() *chi.Mux {
	return s.router
}
