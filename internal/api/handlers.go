/**
 * @description
 * This file contains the HTTP handlers for the collections-service's admin
 * API. Handlers parse incoming requests, call the application service, and
 * write the HTTP response. They are the bridge between the web layer and the
 * business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/umoja/collections-service/internal/app"
	"github.com/umoja/collections-service/internal/domain"
	"github.com/umoja/collections-service/internal/store"
)

// CollectionsHandlers holds the application services that handlers will use.
type CollectionsHandlers struct {
	service *app.Service
}

// NewCollectionsHandlers creates a new instance of CollectionsHandlers.
func NewCollectionsHandlers(service *app.Service) *CollectionsHandlers {
	return &CollectionsHandlers{service: service}
}

// RunChargeHandler handles requests to start a community-wide charge run for
// a claim. The response is the full structured breakdown of every member
// outcome, not a bare success flag.
func (h *CollectionsHandlers) RunChargeHandler(w http.ResponseWriter, r *http.Request) {
	var input domain.ChargeRunInput
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	result, err := h.service.RunCharge(r.Context(), input)
	if err != nil {
		if errors.Is(err, store.ErrClaimAlreadyProcessing) {
			h.writeError(w, http.StatusConflict, "A charge run for this claim is already in progress")
			return
		}
		log.Printf("level=error component=api msg=\"charge run failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Charge run could not be started")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// GetClaimHandler returns one claim with its aggregate counters.
func (h *CollectionsHandlers) GetClaimHandler(w http.ResponseWriter, r *http.Request) {
	claimID, ok := h.claimIDFromURL(w, r)
	if !ok {
		return
	}

	claim, err := h.service.GetClaim(r.Context(), claimID)
	if err != nil {
		if errors.Is(err, store.ErrClaimNotFound) {
			h.writeError(w, http.StatusNotFound, "Claim not found")
			return
		}
		log.Printf("level=error component=api claim_id=%s msg=\"claim lookup failed\" err=%v", claimID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not load claim")
		return
	}

	h.writeJSON(w, http.StatusOK, claim)
}

// ListClaimTransactionsHandler returns every per-member attempt record for a
// claim, in creation order.
func (h *CollectionsHandlers) ListClaimTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	claimID, ok := h.claimIDFromURL(w, r)
	if !ok {
		return
	}

	transactions, err := h.service.ListClaimTransactions(r.Context(), claimID)
	if err != nil {
		if errors.Is(err, store.ErrClaimNotFound) {
			h.writeError(w, http.StatusNotFound, "Claim not found")
			return
		}
		log.Printf("level=error component=api claim_id=%s msg=\"transaction listing failed\" err=%v", claimID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not load transactions")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"claim_id":     claimID,
		"transactions": transactions,
	})
}

func (h *CollectionsHandlers) claimIDFromURL(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claimID, err := uuid.Parse(chi.URLParam(r, "claimID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid claim ID format")
		return uuid.Nil, false
	}
	return claimID, true
}

// writeJSON is a helper for writing JSON responses.
func (h *CollectionsHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *CollectionsHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
