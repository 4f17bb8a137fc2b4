/**
 * @description
 * This file defines the core domain models for the settlement-service's
 * subscription side: catalog plans, subscriptions, and their payment history.
 * These structs map directly to the corresponding database tables and are the
 * DTOs returned by the API layer.
 *
 * @notes
 * - Monetary amounts are stored as `int64` in the smallest CTSI unit to avoid
 *   floating-point inaccuracies with financial data.
 * - A subscription's payment history is append-only; the `payment_records`
 *   table is the audit trail for every activation.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Subscription statuses. A subscription is created 'pending', becomes
// 'active' only when the settlement layer confirms payment, and ends up
// 'expired' (via the sweep) or 'cancelled'. Both end states are terminal.
const (
	SubscriptionStatusPending   = "pending"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusCancelled = "cancelled"
)

// Payment record statuses.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

// SubscriptionPlan is an immutable-per-version catalog entry. Plans are never
// mutated in place; changing a plan means deactivating the current version and
// inserting a new one.
type SubscriptionPlan struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	Price        int64     `json:"price"` // smallest CTSI unit
	Currency     string    `json:"currency"`
	DurationDays int       `json:"duration_days"`
	Features     []string  `json:"features"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Subscription maps to the `subscriptions` table. At most one subscription per
// account may be 'pending' or 'active' at any time; the store enforces this
// with a partial unique index.
type Subscription struct {
	ID           uuid.UUID  `json:"id"`
	AccountID    string     `json:"account_id"` // canonical lowercase 0x address
	PlanName     string     `json:"plan_name"`
	Status       string     `json:"status"`
	StartDate    time.Time  `json:"start_date"`
	EndDate      time.Time  `json:"end_date"`
	AutoRenew    bool       `json:"auto_renew"`
	CancelReason *string    `json:"cancel_reason,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PaymentRecord maps to the `payment_records` table. ExternalPaymentID is the
// idempotency key: it carries a unique index, so a replayed confirmation can
// never produce a second row.
type PaymentRecord struct {
	ID                uuid.UUID `json:"id"`
	SubscriptionID    uuid.UUID `json:"subscription_id"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	PaymentMethod     string    `json:"payment_method"`
	ExternalPaymentID string    `json:"external_payment_id"`
	RawMeta           []byte    `json:"raw_meta,omitempty"` // opaque settlement metadata (JSON)
	Status            string    `json:"status"`
	ProcessedAt       time.Time `json:"processed_at"`
}

// OpenSubscriptionRequest is the DTO for opening a new subscription.
type OpenSubscriptionRequest struct {
	AccountID         string `json:"account_id"`
	PlanName          string `json:"plan_name"`
	PaymentMethod     string `json:"payment_method"`
	ExternalPaymentID string `json:"external_payment_id"`
}

// ConfirmPaymentRequest is the DTO for the synchronous confirm-payment endpoint.
type ConfirmPaymentRequest struct {
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	PaymentMethod     string `json:"payment_method"`
	ExternalPaymentID string `json:"external_payment_id"`
	RawMeta           []byte `json:"raw_meta,omitempty"`
}

// UpdateSubscriptionRequest is the DTO for subscription updates. Only the
// fields present in the request are applied.
type UpdateSubscriptionRequest struct {
	Status       *string `json:"status,omitempty"`
	AutoRenew    *bool   `json:"auto_renew,omitempty"`
	CancelReason *string `json:"cancel_reason,omitempty"`
}

// SubscriptionListOptions controls the subscription list read path.
type SubscriptionListOptions struct {
	Status *string
	Limit  int
	Offset int
}

// SubscriptionList is the paginated response for the list endpoint.
type SubscriptionList struct {
	Items []Subscription `json:"items"`
	Total int64          `json:"total"`
}
