/**
 * @description
 * This file contains the HTTP handler for processing incoming webhooks from
 * the payment gateway. It is the entry point for all asynchronous charge
 * outcomes, payment instrument changes, and dispute notifications.
 *
 * Key features:
 * - Security: Validates the HMAC-SHA256 signature of every webhook over the
 *   raw request body before any parsing happens.
 * - Parsing: Decodes the payload into the typed gateway event union.
 * - Status discipline: 400 for unverifiable or malformed deliveries (the
 *   gateway must not retry those), 500 for transient processing failures
 *   (the gateway should redeliver), 200 for everything absorbed.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/hex: For webhook signature validation.
 * - internal/app, internal/domain: Reconciliation logic and event parsing.
 */

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/umoja/collections-service/internal/app"
	"github.com/umoja/collections-service/internal/domain"
)

// SignatureHeader carries the gateway's hex-encoded HMAC-SHA256 of the raw
// request body.
const SignatureHeader = "X-Paygate-Signature"

// WebhookHandler processes incoming webhooks from the payment gateway.
type WebhookHandler struct {
	reconciler *app.Reconciler
	secret     string
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(reconciler *app.Reconciler, secret string) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, secret: secret}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. Read the raw body. The signature is computed over these exact bytes,
	// so verification must happen before any decoding.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("level=error component=webhook msg=\"failed to read request body\" err=%v", err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	// 2. Verify authenticity.
	if !h.isValidSignature(r.Header.Get(SignatureHeader), body) {
		log.Printf("level=warn component=webhook remote=%s msg=\"invalid webhook signature\"", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	// 3. Decode into the typed event union.
	event, err := domain.ParseGatewayEvent(body)
	if err != nil {
		log.Printf("level=warn component=webhook msg=\"malformed webhook payload\" err=%v", err)
		http.Error(w, "Malformed payload", http.StatusBadRequest)
		return
	}

	// 4. Apply. A processing error returns 500 so the gateway redelivers.
	if err := h.reconciler.HandleGatewayEvent(r.Context(), event); err != nil {
		log.Printf("level=error component=webhook event_id=%s event_type=%s msg=\"event processing failed\" err=%v", event.ID, event.Kind, err)
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"received":true}`))
}

// isValidSignature compares the gateway's signature header against the
// HMAC-SHA256 of the raw body in constant time.
func (h *WebhookHandler) isValidSignature(signatureHeader string, body []byte) bool {
	if h.secret == "" {
		// Refuse everything rather than fail open on a misconfigured secret.
		log.Println("level=error component=webhook msg=\"webhook secret is not configured; rejecting delivery\"")
		return false
	}

	header := strings.TrimSpace(signatureHeader)
	if header == "" {
		return false
	}
	// Tolerate a "sha256=" prefix on the header value.
	header = strings.TrimPrefix(header, "sha256=")

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(header)))
}
