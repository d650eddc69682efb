package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter assembles the public HTTP surface. metricsHandler may be nil.
func NewRouter(h *HTTPHandler, d *Dashboard, corsOrigins []string, metricsHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(CORSMiddleware(corsOrigins))
	r.Use(Metrics)

	r.Get("/health", HealthCheck)
	r.Get("/ingest", h.HandleIngestInfo)
	r.Post("/ingest", h.HandleIngest)
	r.Mount("/dashboard", d.Routes())
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	return r
}
