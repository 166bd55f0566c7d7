package main

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	httphandlers "finsync/internal/interfaces/http"
	"finsync/internal/shared/config"
	"finsync/internal/shared/middleware"
	"finsync/internal/shared/telemetry"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Tracing)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(cfg.Server.AllowedHosts))

	// Public routes
	r.Get("/health", httphandlers.HandleHealth(deps.DB))
	if cfg.Telemetry.Enabled && cfg.Telemetry.MetricsPort == "" {
		r.Handle("/metrics", telemetry.MetricsHandler())
	}
	r.Post("/webhooks/{provider}", deps.WebhookHandler.HandleWebhook)

	// Protected routes
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NoStore)
		r.Use(middleware.Auth(cfg.JWT.Secret))

		r.Post("/enrollments", deps.EnrollmentHandler.HandleConnect)
		r.Get("/enrollments", deps.EnrollmentHandler.HandleListEnrollments)

		r.Get("/accounts", deps.AccountHandler.HandleListAccounts)
		r.Post("/accounts", deps.AccountHandler.HandleCreateAccount)
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Delete("/", deps.AccountHandler.HandleDisconnect)
			r.Post("/sync", deps.AccountHandler.HandleSync)
			r.Put("/primary", deps.AccountHandler.HandleSetPrimary)
			r.Post("/disable", deps.AccountHandler.HandleDisable)
			r.Get("/transactions", deps.TransactionHandler.HandleListTransactions)
			r.Post("/transactions", deps.TransactionHandler.HandleCreateTransaction)
		})

		r.Patch("/transactions/{id}", deps.TransactionHandler.HandleUpdateTransaction)
		r.Delete("/transactions/{id}", deps.TransactionHandler.HandleDeleteTransaction)
	})

	var handler http.Handler = r
	if cfg.Telemetry.Enabled {
		handler = middleware.Telemetry(cfg.Telemetry.ServiceName)(handler)
	}

	// Apply security middleware when TLS is enabled
	if cfg.TLS.Enabled {
		handler = middleware.HSTS(handler)
		log.Println("TLS security middleware enabled (HSTS)")
	}

	return handler
}
