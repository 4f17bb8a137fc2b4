package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentConfirmedEvent is the confirmation message emitted by the settlement
// layer bridge when a subscription payment has been executed on-chain.
// SubscriptionID may be nil when the bridge could not correlate the payment
// locally; the reconciler then parks the event and retries.
type PaymentConfirmedEvent struct {
	SubscriptionID    *uuid.UUID `json:"subscription_id,omitempty"`
	ExternalPaymentID string     `json:"external_payment_id"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency"`
	TransactionHash   string     `json:"transaction_hash"`
	OccurredAt        time.Time  `json:"occurred_at"`
}

// PayoutConfirmedEvent is emitted when the voucher backing a point conversion
// has been executed on-chain.
type PayoutConfirmedEvent struct {
	PointTransactionID uuid.UUID `json:"point_transaction_id"`
	TransactionHash    string    `json:"transaction_hash"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// ParkedConfirmation is a payment confirmation that arrived before the local
// pending subscription was committed. It is retried a bounded number of times
// and then surfaced to operators; it is never silently dropped.
type ParkedConfirmation struct {
	ID                uuid.UUID  `json:"id"`
	ExternalPaymentID string     `json:"external_payment_id"`
	SubscriptionID    *uuid.UUID `json:"subscription_id,omitempty"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency"`
	TransactionHash   string     `json:"transaction_hash"`
	Attempts          int        `json:"attempts"`
	LastError         *string    `json:"last_error,omitempty"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Parked confirmation statuses.
const (
	ParkedStatusPending        = "pending"
	ParkedStatusResolved       = "resolved"
	ParkedStatusNeedsAttention = "needs_attention"
)

// AuditEntry is one immutable row of the audit log. Every monetary-mutating
// path appends an entry on both success and rejection so disputes can be
// resolved without relying on ledger row history alone.
type AuditEntry struct {
	ID         uuid.UUID `json:"id"`
	EntityType string    `json:"entity_type"` // 'subscription', 'referral', 'point_transaction'
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`          // 'ok' or 'rejected'
	Detail     []byte    `json:"detail,omitempty"` // JSON
	CreatedAt  time.Time `json:"created_at"`
}

// VoucherStatus is the settlement layer's answer to "has payout X landed".
type VoucherStatus struct {
	InputIndex      int     `json:"input_index"`
	VoucherIndex    int     `json:"voucher_index"`
	Executed        bool    `json:"executed"`
	TransactionHash *string `json:"transaction_hash,omitempty"`
}
