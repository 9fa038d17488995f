/**
 * @description
 * This file sets up the HTTP router for the entitlement-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * the necessary middleware for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes creates and returns the router for the entitlement service.
func Routes(h *EntitlementHandlers, webhook *WebhookHandler, internalAPIKey, customerJWTSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Payment provider webhook; authenticated by HMAC signature, not a session.
	r.Method(http.MethodPost, "/webhooks/payments", webhook)

	// Customer-facing download endpoint.
	r.Group(func(r chi.Router) {
		r.Use(CustomerAuthMiddleware(customerJWTSecret))
		r.Get("/downloads/{templateID}", h.DownloadLinkHandler)
	})

	// Internal surfaces: catalog publishing, delivery authorization, operator reads.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/catalog/templates", h.PublishTemplateHandler)
		r.Get("/catalog/templates/{templateID}", h.GetTemplateHandler)
		r.Post("/catalog/price-tiers", h.PublishPriceTierHandler)
		r.Get("/catalog/price-tiers/{tierID}", h.GetPriceTierHandler)

		r.Get("/entitlements/{customerID}", h.ListEntitlementsHandler)
		r.Get("/entitlements/{customerID}/{templateID}", h.IsEntitledHandler)

		r.Get("/operator/pending-revokes", h.PendingRevokesHandler)
		r.Get("/operator/rejected-events", h.RejectedEventsHandler)
	})

	return r
}
