/**
 * @description
 * This file sets up the HTTP router for the collections-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
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

// CollectionsRoutes creates and returns a new router for the collections
// service. The webhook endpoint is signature-authenticated by its handler;
// admin endpoints require a JWT, and internal endpoints a shared key.
func CollectionsRoutes(h *CollectionsHandlers, webhook *WebhookHandler, jwksURL, internalKey string) http.Handler {
	r := chi.NewRouter()

	// Standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Gateway-facing endpoint. Authenticity comes from the HMAC signature,
	// never from a bearer token.
	r.Post("/webhooks/paygate", webhook.ServeHTTP)

	// Admin endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AdminAuthMiddleware(jwksURL))

		r.Post("/collections/runs", h.RunChargeHandler)
		r.Get("/collections/claims/{claimID}", h.GetClaimHandler)
		r.Get("/collections/claims/{claimID}/transactions", h.ListClaimTransactionsHandler)
	})

	// Server-to-server endpoints for sibling services.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Post("/internal/collections/runs", h.RunChargeHandler)
	})

	return r
}
