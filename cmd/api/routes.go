package main

import (
	"log/slog"
	"net/http"

	httphandlers "ledgersync/internal/interfaces/http"
	"ledgersync/internal/shared/config"
	"ledgersync/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("GET /health", httphandlers.HandleHealth(deps.DB))
	mux.HandleFunc("POST /webhook", deps.WebhookHandler.HandleWebhook)

	// Gateway routes: service token plus forwarded user identity
	internal := middleware.InternalAuth(cfg.Auth.InternalToken)
	protected := func(h http.HandlerFunc) http.Handler {
		return internal(middleware.Identity(h))
	}

	mux.Handle("POST /link/session", protected(deps.LinkHandler.HandleCreateSession))
	mux.Handle("POST /link/exchange", protected(deps.LinkHandler.HandleExchange))
	mux.Handle("GET /items/{id}", protected(deps.LinkHandler.HandleGetItem))
	mux.Handle("POST /items/{id}/deactivate", protected(deps.LinkHandler.HandleDeactivate))
	mux.Handle("POST /sync/manual", protected(deps.SyncHandler.HandleManualSync))
	mux.Handle("POST /transactions/import", protected(deps.ImportHandler.HandleImport))

	var handler http.Handler = mux
	handler = middleware.Tracing(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Telemetry(handler)

	return handler
}
