/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/allocations/*   Allocation lifecycle
  /api/capacity/*      Per shop/month capacity ledger
  /api/events          SSE capacity-change stream

SEE ALSO:
  - handlers.go: Handler implementations
  - events.go: SSE stream handler
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Allocation routes
		r.Route("/allocations", func(r chi.Router) {
			r.Get("/", h.ListAllocations)
			r.Post("/", h.CreateAllocation)
			r.Get("/{id}", h.GetAllocation)
			r.Delete("/{id}", h.DeleteAllocation)
			r.Post("/{id}/status", h.UpdateAllocationStatus)
			r.Post("/{id}/reassign", h.ReassignAllocation)
			r.Post("/{id}/revert", h.RevertAllocation)
			r.Get("/{id}/revert", h.GetRevertCheck)
			r.Get("/{id}/transitions", h.GetTransitions)
		})

		// Capacity routes
		r.Route("/capacity", func(r chi.Router) {
			r.Get("/{shop}/{month}", h.GetCapacity)
			r.Put("/{shop}/{month}", h.SetCapacity)
		})

		// Live event stream
		r.Get("/events", h.StreamEvents)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
