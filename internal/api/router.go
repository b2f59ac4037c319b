package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint (no auth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/status", s.handleStatus)
			r.Post("/publish", s.handlePublish)

			r.Route("/brokers", func(r chi.Router) {
				r.Get("/", s.handleListBrokers)
				r.Post("/", s.handleCreateBroker)

				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", s.handleGetBroker)
					r.Put("/", s.handleUpdateBroker)
					r.Delete("/", s.handleDeleteBroker)
				})
			})

			r.Route("/dead-letters", func(r chi.Router) {
				r.Get("/", s.handleListDeadLetters)
				r.Post("/sweep", s.handleSweepDeadLetters)
			})
		})
	})

	return r
}
