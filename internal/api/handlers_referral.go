/**
 * @description
 * HTTP handlers for referral lifecycle, points ledger reads, and point
 * conversion. Conversion is the money-adjacent path: its handler maps business
 * rejections to 422 and idempotent replays to 200.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/melodious/settlement-service/internal/app"
	"github.com/melodious/settlement-service/internal/domain"
	"github.com/melodious/settlement-service/internal/store"
)

// CreateReferralHandler registers a pending referral for the caller.
func (h *Handlers) CreateReferralHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_referral outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	account, ok := h.callerAccount(r, w, req.ReferrerAccount)
	if !ok {
		return
	}
	req.ReferrerAccount = account

	referral, err := h.referrals.CreateReferral(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_referral outcome=failed referrer=%s err=%v", account, err)
		if errors.Is(err, domain.ErrInvalidAccountAddress) ||
			errors.Is(err, app.ErrBlankReferralCode) ||
			errors.Is(err, app.ErrNegativePoints) ||
			errors.Is(err, app.ErrSelfReferral) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusCreated, referral)
}

type completeReferralRequest struct {
	EventTime *time.Time `json:"event_time,omitempty"`
}

// CompleteReferralHandler marks a referral completed and credits the earn.
// Completing an already-completed referral is a conflict, never a second earn.
func (h *Handlers) CompleteReferralHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid referral id")
		return
	}

	var req completeReferralRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}
	var eventTime time.Time
	if req.EventTime != nil {
		eventTime = *req.EventTime
	}

	referral, err := h.referrals.CompleteReferral(r.Context(), id, eventTime)
	if err != nil {
		log.Printf("level=warn component=api endpoint=complete_referral outcome=failed referral_id=%s err=%v", id, err)
		if errors.Is(err, store.ErrReferralNotFound) {
			h.writeError(w, http.StatusNotFound, "Referral not found")
			return
		}
		if errors.Is(err, app.ErrReferralCompleted) || errors.Is(err, app.ErrReferralCancelled) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, referral)
}

// CancelReferralHandler voids a pending referral. Cancelling an already
// cancelled referral is a no-op.
func (h *Handlers) CancelReferralHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid referral id")
		return
	}

	referral, err := h.referrals.CancelReferral(r.Context(), id)
	if err != nil {
		log.Printf("level=warn component=api endpoint=cancel_referral outcome=failed referral_id=%s err=%v", id, err)
		if errors.Is(err, store.ErrReferralNotFound) {
			h.writeError(w, http.StatusNotFound, "Referral not found")
			return
		}
		if errors.Is(err, app.ErrCannotCancelCompleted) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, referral)
}

// GetReferralHandler fetches a single referral.
func (h *Handlers) GetReferralHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid referral id")
		return
	}

	referral, err := h.referrals.GetReferral(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrReferralNotFound) {
			h.writeError(w, http.StatusNotFound, "Referral not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_referral outcome=failed referral_id=%s err=%v", id, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, referral)
}

// GetPointTransactionHandler fetches one ledger row. The storefront polls it
// after a conversion to show the settlement hash once the payout lands.
func (h *Handlers) GetPointTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid point transaction id")
		return
	}

	tx, err := h.referrals.GetPointTransaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrPointTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Point transaction not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_point_transaction outcome=failed id=%s err=%v", id, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if _, ok := h.callerAccount(r, w, tx.AccountID); !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

type pointsOverviewResponse struct {
	Balance      *domain.PointBalance         `json:"balance"`
	Transactions *domain.PointTransactionList `json:"transactions"`
}

// PointsOverviewHandler returns the derived balance plus paginated ledger
// history for an account.
func (h *Handlers) PointsOverviewHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.callerAccount(r, w, chi.URLParam(r, "accountID"))
	if !ok {
		return
	}

	balance, err := h.referrals.PointBalance(r.Context(), account)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAccountAddress) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=points_overview outcome=failed account=%s err=%v", account, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	transactions, err := h.referrals.ListPointTransactions(r.Context(), account,
		parseIntQuery(r, "limit", 20), parseIntQuery(r, "offset", 0))
	if err != nil {
		log.Printf("level=error component=api endpoint=points_overview outcome=failed account=%s err=%v", account, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, pointsOverviewResponse{Balance: balance, Transactions: transactions})
}

// ConvertPointsHandler debits points and records a pending token payout.
func (h *Handlers) ConvertPointsHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ConvertPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=convert_points outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	account, ok := h.callerAccount(r, w, req.AccountID)
	if !ok {
		return
	}
	req.AccountID = account

	log.Printf("level=info component=api endpoint=convert_points outcome=accepted account=%s points=%d request_id=%s", account, req.Points, req.RequestID)

	tx, err := h.referrals.ConvertPoints(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=convert_points outcome=failed account=%s err=%v", account, err)
		switch {
		case errors.Is(err, domain.ErrInvalidAccountAddress),
			errors.Is(err, app.ErrMissingRequestID),
			errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrConversionRateLimited):
			h.writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, app.ErrBelowMinimumConversion),
			errors.Is(err, store.ErrInsufficientPoints),
			errors.Is(err, store.ErrDailyCapExceeded):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, tx)
}

// VoucherStatusHandler answers whether a payout voucher has executed on the
// base layer, serving from the short-window cache when possible.
func (h *Handlers) VoucherStatusHandler(w http.ResponseWriter, r *http.Request) {
	inIdx, err := parseIndexParam(r, "inputIndex")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	vIdx, err := parseIndexParam(r, "voucherIndex")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	executed, err := h.reconciler.CheckVoucherExecuted(r.Context(), inIdx, vIdx)
	if err != nil {
		log.Printf("level=warn component=api endpoint=voucher_status outcome=failed input_index=%d voucher_index=%d err=%v", inIdx, vIdx, err)
		h.writeError(w, http.StatusBadGateway, "Voucher status lookup failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"input_index":   inIdx,
		"voucher_index": vIdx,
		"executed":      executed,
	})
}

func parseIndexParam(r *http.Request, name string) (int, error) {
	raw := chi.URLParam(r, name)
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return value, nil
}
