// Package app assembles the HTTP surface of the server binary: router,
// middleware stack and readiness probes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commercewatch/prodscan/internal/adapter/httpserver"
	"github.com/commercewatch/prodscan/internal/adapter/observability"
	"github.com/commercewatch/prodscan/internal/config"
)

// BuildRouter wires the full middleware stack and API routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, ready *Readiness) http.Handler {
	r := chi.NewRouter()

	r.Use(httpserver.Recoverer())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(httpserver.SecurityHeaders)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowOrigins, ","),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/healthz", healthHandler)
	r.Get("/readyz", ready.Handler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/workflows", func(r chi.Router) {
		r.With(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute)).
			Post("/execute", srv.ExecuteWorkflow)
		r.Get("/", srv.ListWorkflows)
		r.Get("/jobs/{jobID}", srv.GetJob)
		r.Delete("/jobs/{jobID}", srv.CancelJob)
	})
	r.Get("/platforms/{platform}/jobs", srv.ListRecentJobs)
	r.Get("/queues", srv.QueueStats)

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
