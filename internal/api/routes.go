package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Mounter registers extra top-level routes (the tracking handler).
type Mounter interface {
	Mount(r chi.Router)
}

// RouterOptions collects what SetupRoutes wires.
type RouterOptions struct {
	AllowedOrigins []string
	Owners         *OwnerResolver
	Health         *HealthChecker
	Tracking       Mounter
}

// SetupRoutes configures all routes.
func SetupRoutes(h *Handlers, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", OwnerHeader, "X-Webhook-Token"},
		MaxAge:         300,
	}))

	if opts.Health != nil {
		r.Get("/health", opts.Health.HandleHealth)
		r.Get("/health/ready", opts.Health.HandleReadiness)
	} else {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"healthy"}`))
		})
	}

	// Webhook and tracking links carry no owner; correlation resolves it.
	if opts.Tracking != nil {
		opts.Tracking.Mount(r)
	}

	owners := opts.Owners
	if owners == nil {
		owners = NewOwnerResolver()
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(owners.RequireOwner)

		r.Route("/automations/{id}", func(r chi.Router) {
			if h.saver != nil {
				r.Put("/", h.SaveAutomation)
			}
			r.Post("/publish", h.Publish)
			r.Post("/enrollments", h.Enroll)
			r.Post("/enrollments/bulk", h.BulkEnroll)
		})

		// static segment first so "failed" is not taken as an id
		r.Get("/enrollments/failed", h.ListFailed)
		r.Route("/enrollments/{id}", func(r chi.Router) {
			r.Get("/", h.GetEnrollment)
			r.Post("/pause", h.Pause)
			r.Post("/resume", h.Resume)
			r.Post("/exit", h.Exit)
			r.Post("/complete", h.Complete)
			r.Post("/progress", h.UpdateProgress)
		})
	})

	return r
}
