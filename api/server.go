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
  5. Auth:       Bearer-token validation on everything under /api except login

ROLE GATING:
  Writes are gated by role group:
  - admin:              users, directory, vaccines, campaigns
  - admin+manager:      lots, stocks
  - admin+professional: applications
  Reads require any authenticated caller.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Middleware and RequireRole
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/vaxtrace/vaccine-engine/core"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/auth/login", h.Login)

		// Everything else requires a valid token
		r.Group(func(r chi.Router) {
			r.Use(h.Auth.Middleware)

			adminOnly := RequireRole(core.RoleAdmin)
			stockRoles := RequireRole(core.RoleAdmin, core.RoleManager)
			applierRoles := RequireRole(core.RoleAdmin, core.RoleProfessional)

			r.Route("/users", func(r chi.Router) {
				r.Get("/", h.ListUsers)
				r.Get("/{id}", h.GetUser)
				r.With(adminOnly).Post("/", h.CreateUser)
				r.With(adminOnly).Put("/{id}", h.UpdateUser)
				r.With(adminOnly).Delete("/{id}", h.DeleteUser)
			})

			r.Route("/units", func(r chi.Router) {
				r.Get("/", h.ListUnits)
				r.Get("/{id}", h.GetUnit)
				r.With(adminOnly).Post("/", h.CreateUnit)
				r.With(adminOnly).Put("/{id}", h.UpdateUnit)
				r.With(adminOnly).Delete("/{id}", h.DeleteUnit)
			})

			r.Route("/suppliers", func(r chi.Router) {
				r.Get("/", h.ListSuppliers)
				r.With(adminOnly).Post("/", h.CreateSupplier)
				r.With(adminOnly).Delete("/{cnpj}", h.DeleteSupplier)
			})

			r.Route("/manufacturers", func(r chi.Router) {
				r.Get("/", h.ListManufacturers)
				r.With(adminOnly).Post("/", h.CreateManufacturer)
				r.With(adminOnly).Delete("/{cnpj}", h.DeleteManufacturer)
			})

			r.Route("/stocks", func(r chi.Router) {
				r.Get("/", h.ListStocks)
				r.With(stockRoles).Post("/", h.CreateStock)
				r.With(stockRoles).Delete("/{id}", h.DeleteStock)
			})

			r.Route("/vaccines", func(r chi.Router) {
				r.Get("/", h.ListVaccines)
				r.Get("/{id}", h.GetVaccine)
				r.Get("/{id}/lots", h.ListVaccineLots)
				r.With(adminOnly).Post("/", h.CreateVaccine)
				r.With(adminOnly).Put("/{id}/scheme", h.ReconcileScheme)
				r.With(adminOnly).Delete("/{id}", h.DeleteVaccine)
			})

			r.Route("/lots", func(r chi.Router) {
				r.Get("/{id}", h.GetLot)
				r.With(stockRoles).Post("/", h.CreateLot)
				r.With(stockRoles).Put("/{id}", h.UpdateLot)
				r.With(stockRoles).Delete("/{id}", h.DeleteLot)
			})

			r.Route("/applications", func(r chi.Router) {
				r.Get("/{id}", h.GetApplication)
				r.With(applierRoles).Post("/", h.CreateApplication)
				r.With(applierRoles).Put("/{id}", h.UpdateApplication)
				r.With(applierRoles).Delete("/{id}", h.DeleteApplication)
			})

			r.Get("/patients/{id}/card", h.PatientCard)

			r.Route("/campaigns", func(r chi.Router) {
				r.Get("/", h.ListCampaigns)
				r.Get("/{id}", h.GetCampaign)
				r.With(adminOnly).Post("/", h.CreateCampaign)
				r.With(adminOnly).Put("/{id}", h.UpdateCampaign)
				r.With(adminOnly).Delete("/{id}", h.DeleteCampaign)
				r.With(adminOnly).Post("/{id}/vaccines", h.PublishVaccine)
				r.With(adminOnly).Delete("/{id}/vaccines/{vaccineID}", h.UnpublishVaccine)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Get("/expiring", h.ExpiringLots)
				r.Get("/{year}", h.YearReport)
			})
		})
	})

	return r
}
