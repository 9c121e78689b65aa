/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the dashboard frontend
  6. Auth:       Bearer JWT on everything under /api (auth.go)

ROUTE GROUPS:
  /health               Liveness, public
  /api/medicines/*      Catalogue
  /api/batches/*        Stock movements
  /api/audit/*          Ledger
  /api/dashboard        Summary
  /api/alerts           Expiring / low stock
  /api/admin/*          Admin operations

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the knobs that differ between deployments.
type RouterConfig struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	anyRole := RequireRole(RoleAdmin, RolePharmacist, RoleStaff)
	stockRoles := RequireRole(RoleAdmin, RolePharmacist)
	adminOnly := RequireRole(RoleAdmin)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		// Medicine routes
		r.Route("/medicines", func(r chi.Router) {
			r.With(anyRole).Get("/", h.ListMedicines)
			r.With(adminOnly).Post("/", h.CreateMedicine)
			r.With(anyRole).Get("/{id}", h.GetMedicine)
			r.With(stockRoles).Get("/{id}/stock-level", h.GetStockLevel)
		})

		// Batch routes
		r.Route("/batches", func(r chi.Router) {
			r.With(anyRole).Get("/", h.ListBatches)
			r.With(anyRole).Get("/medicine/{medicineID}", h.ListMedicineBatches)
			r.With(stockRoles).Post("/stock-in", h.StockIn)
			r.With(stockRoles).Post("/stock-out", h.StockOut)
			r.With(adminOnly).Post("/{id}/adjust", h.AdjustBatch)
		})

		r.With(stockRoles).Get("/audit/logs", h.ListAuditLogs)
		r.With(anyRole).Get("/dashboard", h.GetDashboard)
		r.With(stockRoles).Get("/alerts", h.GetAlerts)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(adminOnly)
			r.Post("/expire", h.TriggerExpiry)
		})
	})

	return r
}
