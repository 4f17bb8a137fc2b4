/**
 * @description
 * This file defines the referral-program domain models: referral records and
 * the append-only point transaction ledger. An account's point balance is
 * always derived as sum(earned) - sum(converted); it is never stored as a
 * mutable counter, so the ledger cannot drift from the balance.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Referral statuses. A referral completes at most once; a completed referral
// can never be cancelled because its points have already been paid out.
const (
	ReferralStatusPending   = "pending"
	ReferralStatusCompleted = "completed"
	ReferralStatusCancelled = "cancelled"
)

// Point transaction types.
const (
	PointTxEarned    = "earned"
	PointTxConverted = "converted"
)

// Referral maps to the `referrals` table. Account ids are canonical lowercase
// 0x addresses; the referral code is stored upper-cased.
type Referral struct {
	ID              uuid.UUID  `json:"id"`
	ReferrerAccount string     `json:"referrer_account"`
	ReferredAccount string     `json:"referred_account"`
	ReferrerName    string     `json:"referrer_name"`
	ReferredName    string     `json:"referred_name"`
	Code            string     `json:"code"`
	PointsEarned    int64      `json:"points_earned"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// PointTransaction is one row of the append-only points ledger.
//
// For 'converted' rows TokenAmount and ConversionRate are set and RequestID
// carries the client-supplied idempotency key (unique index). For 'earned'
// rows ReferralID points back at the originating referral.
// SettlementTxHash is attached later by the reconciler once the on-chain
// payout for a conversion has been confirmed.
type PointTransaction struct {
	ID               uuid.UUID  `json:"id"`
	AccountID        string     `json:"account_id"`
	Type             string     `json:"type"`
	Points           int64      `json:"points"`
	TokenAmount      *float64   `json:"token_amount,omitempty"`
	ConversionRate   *float64   `json:"conversion_rate,omitempty"`
	ReferralID       *uuid.UUID `json:"referral_id,omitempty"`
	RequestID        *string    `json:"request_id,omitempty"`
	SettlementTxHash *string    `json:"settlement_tx_hash,omitempty"`
	Description      string     `json:"description"`
	CreatedAt        time.Time  `json:"created_at"`
}

// CreateReferralRequest is the DTO for creating a referral.
type CreateReferralRequest struct {
	ReferrerAccount string `json:"referrer_account"`
	ReferredAccount string `json:"referred_account"`
	ReferrerName    string `json:"referrer_name"`
	ReferredName    string `json:"referred_name"`
	Code            string `json:"code"`
	Points          int64  `json:"points"`
}

// ConvertPointsRequest is the DTO for the convert-points endpoint. RequestID
// is mandatory: it is the idempotency key that prevents a double-submitted
// conversion from debiting the ledger twice.
type ConvertPointsRequest struct {
	AccountID string `json:"account_id"`
	Points    int64  `json:"points"`
	RequestID string `json:"request_id"`
}

// PointBalance is the derived balance response for an account.
type PointBalance struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// PointTransactionList is the paginated ledger history for an account.
type PointTransactionList struct {
	Items []PointTransaction `json:"items"`
	Total int64              `json:"total"`
}
