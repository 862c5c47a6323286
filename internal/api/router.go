package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tierroute/tierroute/internal/api/handlers"
	"github.com/tierroute/tierroute/internal/api/middleware"
)

// NewRouter creates the HTTP router for the routing service.
func NewRouter(h *handlers.Handlers) http.Handler {
	r := newBase()

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/version", h.GetVersion)

	r.Post("/route", h.Route)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/route", h.Route)
		r.Get("/models", h.ListModels)
		r.Get("/cost", h.GetCostSummary)
		r.Get("/routes", h.ListRoutes)
	})

	return r
}

// NewClassifierRouter creates the HTTP router for the classifier service.
func NewClassifierRouter(h *handlers.ClassifierHandlers) http.Handler {
	r := newBase()
	r.Post("/predict", h.Predict)
	r.Get("/healthz", h.Healthz)
	return r
}

func newBase() chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "X-Trace-Id"},
		MaxAge:         300,
	}))
	return r
}
