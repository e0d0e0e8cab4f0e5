package observability

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminRouterConfig wires the operational endpoints every binary exposes.
type AdminRouterConfig struct {
	HealthHandler *HealthHandler
	Metrics       *Metrics
	Logger        *slog.Logger
}

// NewAdminRouter builds the admin HTTP surface: /health, /ready and /metrics.
// The pipeline itself has no public HTTP API; this router exists for probes
// and scraping only.
func NewAdminRouter(cfg AdminRouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(LoggingMiddleware(cfg.Logger))
	}

	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", cfg.HealthHandler.Health)
	r.Get("/ready", cfg.HealthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
