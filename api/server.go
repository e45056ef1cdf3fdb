/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for admin frontends
  5. httprate:   Per-IP rate limit on the allocation route only - draws
                 hold the write path, and a retry storm after a conflict
                 should back off at the edge rather than in the store

ROUTE GROUPS:
  /api/accounts/*       Account, allocation and revocation operations
  /api/keys/*           Redemption (consume), keyed by key ID
  /api/admin/*          Pool management and the expiry sweep

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.
  The account {id} segment is trusted as the caller's identity.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Post("/credits", h.GrantCredits)
				r.Get("/ledger", h.GetLedger)

				r.With(httprate.LimitByIP(30, time.Minute)).
					Post("/allocations", h.Allocate)

				r.Get("/batches", h.ListBatches)
				r.Get("/batches/{batchId}", h.GetBatch)
				r.Delete("/batches/{batchId}", h.RevokeBatch)

				r.Get("/keys", h.ListKeys)
				r.Delete("/keys/{keyId}", h.RevokeKey)
			})
		})

		// Redemption routes
		r.Route("/keys", func(r chi.Router) {
			r.Post("/{keyId}/consume", h.ConsumeKey)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/pool", h.PoolStats)
			r.Post("/pool/replenish", h.Replenish)
			r.Post("/pool/import", h.Import)
			r.Post("/expire", h.RunExpiry)
		})
	})

	return r
}
