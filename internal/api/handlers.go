/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's plan and
 * subscription endpoints. Handlers are responsible for parsing incoming
 * requests, calling the appropriate methods on the application service, and
 * writing the HTTP response. They act as the bridge between the web layer and
 * the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/melodious/settlement-service/internal/app"
	"github.com/melodious/settlement-service/internal/domain"
	"github.com/melodious/settlement-service/internal/store"
)

// Handlers holds the application services that handlers will use.
type Handlers struct {
	subs       *app.Service
	referrals  *app.ReferralService
	reconciler *app.Reconciler
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(subs *app.Service, referrals *app.ReferralService, reconciler *app.Reconciler) *Handlers {
	return &Handlers{subs: subs, referrals: referrals, reconciler: reconciler}
}

// callerAccount resolves the authenticated chain address for the request. When
// the body carries an explicit account it must match the token's subject.
func (h *Handlers) callerAccount(r *http.Request, w http.ResponseWriter, requested string) (string, bool) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get account address from context")
		return "", false
	}
	if requested != "" && !strings.EqualFold(strings.TrimSpace(requested), address) {
		h.writeError(w, http.StatusForbidden, "Account in request does not match authenticated account")
		return "", false
	}
	return address, true
}

// CreatePlanHandler handles admin plan creation (internal key protected).
func (h *Handlers) CreatePlanHandler(w http.ResponseWriter, r *http.Request) {
	var plan domain.SubscriptionPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		log.Printf("level=warn component=api endpoint=create_plan outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	created, err := h.subs.CreatePlan(r.Context(), &plan)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_plan outcome=failed plan=%s err=%v", plan.Name, err)
		if errors.Is(err, app.ErrInvalidAmount) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// ListPlansHandler returns the plan catalog. Inactive plans are included only
// when ?all=true is passed.
func (h *Handlers) ListPlansHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") != "true"
	plans, err := h.subs.ListPlans(r.Context(), activeOnly)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_plans outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, plans)
}

// OpenSubscriptionHandler handles requests to open a pending subscription.
func (h *Handlers) OpenSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=open_subscription outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	account, ok := h.callerAccount(r, w, req.AccountID)
	if !ok {
		return
	}
	req.AccountID = account

	log.Printf("level=info component=api endpoint=open_subscription outcome=accepted account=%s plan=%s", account, req.PlanName)

	sub, err := h.subs.OpenSubscription(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=open_subscription outcome=failed account=%s err=%v", account, err)
		if errors.Is(err, store.ErrPlanNotFound) {
			h.writeError(w, http.StatusNotFound, "Plan not found")
			return
		}
		if errors.Is(err, app.ErrAlreadySubscribed) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		if errors.Is(err, domain.ErrInvalidAccountAddress) || errors.Is(err, app.ErrPlanNotActive) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusCreated, sub)
}

// ConfirmPaymentHandler applies a synchronous payment confirmation to a
// subscription. Redelivery of the same external payment id is a no-op.
func (h *Handlers) ConfirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	subID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid subscription id")
		return
	}

	var req domain.ConfirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=confirm_payment outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	record, err := h.subs.ConfirmPayment(r.Context(), subID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=confirm_payment outcome=failed subscription_id=%s err=%v", subID, err)
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			h.writeError(w, http.StatusNotFound, "Subscription not found")
			return
		}
		if errors.Is(err, store.ErrInvalidTransition) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		if errors.Is(err, app.ErrInvalidAmount) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// UpdateSubscriptionHandler applies partial updates: cancellation and the
// auto-renew flag.
func (h *Handlers) UpdateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	subID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid subscription id")
		return
	}

	var req domain.UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=update_subscription outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	sub, err := h.subs.UpdateSubscription(r.Context(), subID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=update_subscription outcome=failed subscription_id=%s err=%v", subID, err)
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			h.writeError(w, http.StatusNotFound, "Subscription not found")
			return
		}
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, app.ErrInvalidTransition) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}

// GetSubscriptionHandler fetches a single subscription.
func (h *Handlers) GetSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	subID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid subscription id")
		return
	}

	sub, err := h.subs.GetSubscription(r.Context(), subID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			h.writeError(w, http.StatusNotFound, "Subscription not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_subscription outcome=failed subscription_id=%s err=%v", subID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}

// ListSubscriptionsHandler lists the caller's subscriptions, newest first.
func (h *Handlers) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.callerAccount(r, w, r.URL.Query().Get("account_id"))
	if !ok {
		return
	}

	opts := domain.SubscriptionListOptions{
		Limit:  parseIntQuery(r, "limit", 20),
		Offset: parseIntQuery(r, "offset", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = &status
	}

	list, err := h.subs.ListSubscriptions(r.Context(), account, opts)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAccountAddress) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=list_subscriptions outcome=failed account=%s err=%v", account, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

// ListPaymentsHandler returns a subscription's payment history.
func (h *Handlers) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	subID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid subscription id")
		return
	}

	payments, err := h.subs.ListPayments(r.Context(), subID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			h.writeError(w, http.StatusNotFound, "Subscription not found")
			return
		}
		log.Printf("level=error component=api endpoint=list_payments outcome=failed subscription_id=%s err=%v", subID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, payments)
}

func parseIntQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
