/**
 * @description
 * Internal (server-to-server) HTTP handlers. These endpoints are protected by
 * the internal API key and exist for operators and trusted services: forcing
 * an expiry sweep, inspecting parked confirmations, and applying payout
 * confirmations out-of-band when the message bus is unavailable.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/melodious/settlement-service/internal/store"
)

// ExpireDueHandler runs the subscription expiry sweep on demand.
func (h *Handlers) ExpireDueHandler(w http.ResponseWriter, r *http.Request) {
	count, err := h.subs.ExpireDue(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=expire_due outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"expired": count})
}

// DeactivatePlanHandler retires a plan version so no new subscriptions can be
// opened against it. Existing subscriptions are untouched.
func (h *Handlers) DeactivatePlanHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "Plan name is required")
		return
	}

	if err := h.subs.DeactivatePlan(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrPlanNotFound) {
			h.writeError(w, http.StatusNotFound, "Plan not found")
			return
		}
		log.Printf("level=error component=api endpoint=deactivate_plan outcome=failed plan=%s err=%v", name, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"plan": name, "status": "inactive"})
}

// ParkedConfirmationsHandler lists parked confirmations that exhausted their
// retries and need operator attention.
func (h *Handlers) ParkedConfirmationsHandler(w http.ResponseWriter, r *http.Request) {
	parked, err := h.reconciler.ListNeedingAttention(r.Context(), parseIntQuery(r, "limit", 50))
	if err != nil {
		log.Printf("level=error component=api endpoint=parked_confirmations outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, parked)
}

type payoutConfirmedRequest struct {
	PointTransactionID uuid.UUID `json:"point_transaction_id"`
	TransactionHash    string    `json:"transaction_hash"`
}

// PayoutConfirmedHandler stamps a conversion with its settlement hash. It is
// the HTTP twin of the payout-confirmed queue consumer.
func (h *Handlers) PayoutConfirmedHandler(w http.ResponseWriter, r *http.Request) {
	var req payoutConfirmedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.PointTransactionID == uuid.Nil || req.TransactionHash == "" {
		h.writeError(w, http.StatusBadRequest, "point_transaction_id and transaction_hash are required")
		return
	}

	tx, err := h.reconciler.OnConversionPayoutConfirmed(r.Context(), req.PointTransactionID, req.TransactionHash)
	if err != nil {
		log.Printf("level=warn component=api endpoint=payout_confirmed outcome=failed point_transaction_id=%s err=%v", req.PointTransactionID, err)
		if errors.Is(err, store.ErrPointTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Point transaction not found")
			return
		}
		if errors.Is(err, store.ErrNotAConversion) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, store.ErrConflictingSettlement) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}
