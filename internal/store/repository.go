/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access required by the settlement-service. The interface decouples the
 * business logic from PostgreSQL, which keeps the service layer testable with
 * lightweight stubs.
 *
 * Every operation that must observe-then-decide (open-subscription
 * uniqueness, payment idempotency, point balance checks) is exposed as a
 * single atomic method so that the store, not the caller, owns the
 * transaction boundary.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For surrogate keys.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/melodious/settlement-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Plan catalog
	CreatePlan(ctx context.Context, plan *domain.SubscriptionPlan) (*domain.SubscriptionPlan, error)
	FindPlanByName(ctx context.Context, name string) (*domain.SubscriptionPlan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]domain.SubscriptionPlan, error)
	DeactivatePlan(ctx context.Context, name string) error

	// Subscriptions
	// CreateSubscriptionExclusive inserts a pending subscription only if the
	// account has no other pending or active subscription. The check and the
	// insert run in one transaction; a racing insert is caught by the partial
	// unique index and reported as ErrOpenSubscriptionExists.
	CreateSubscriptionExclusive(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	FindSubscriptionByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	// RecordPaymentAndActivate atomically inserts a completed payment record
	// and flips the subscription to active with the given period. If a record
	// with the same external payment id already exists, the existing record is
	// returned with created=false and nothing is written.
	RecordPaymentAndActivate(ctx context.Context, record *domain.PaymentRecord, startDate, endDate time.Time) (rec *domain.PaymentRecord, created bool, err error)
	FindPaymentByExternalID(ctx context.Context, externalPaymentID string) (*domain.PaymentRecord, error)
	ListPaymentsBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]domain.PaymentRecord, error)
	// UpdateSubscriptionGuarded applies the update only when the current status
	// is in params.AllowedFrom; a guard miss is reported as ErrInvalidTransition.
	UpdateSubscriptionGuarded(ctx context.Context, id uuid.UUID, params UpdateSubscriptionParams) (*domain.Subscription, error)
	ExpireDueSubscriptions(ctx context.Context, now time.Time) (int64, error)
	ListSubscriptionsByAccount(ctx context.Context, accountID string, opts domain.SubscriptionListOptions) ([]domain.Subscription, int64, error)

	// Referrals
	CreateReferral(ctx context.Context, ref *domain.Referral) (*domain.Referral, error)
	FindReferralByID(ctx context.Context, id uuid.UUID) (*domain.Referral, error)
	// CompleteReferralWithEarning flips a pending referral to completed and
	// inserts the referrer's earned point transaction in the same transaction,
	// so a referral can never complete without its earning or vice versa.
	CompleteReferralWithEarning(ctx context.Context, id uuid.UUID, completedAt time.Time) (*domain.Referral, *domain.PointTransaction, error)
	CancelReferral(ctx context.Context, id uuid.UUID) (*domain.Referral, error)

	// Points ledger
	PointBalance(ctx context.Context, accountID string) (int64, error)
	// CreateConversionExclusive checks the derived balance and the daily
	// conversion cap and inserts the converted row under a per-account lock.
	// A duplicate request id returns the previously recorded row with
	// created=false.
	CreateConversionExclusive(ctx context.Context, conv *domain.PointTransaction, maxDailyConversion int64) (tx *domain.PointTransaction, created bool, err error)
	FindPointTransactionByID(ctx context.Context, id uuid.UUID) (*domain.PointTransaction, error)
	FindPointTransactionByRequestID(ctx context.Context, requestID string) (*domain.PointTransaction, error)
	ListPointTransactions(ctx context.Context, accountID string, limit, offset int) ([]domain.PointTransaction, int64, error)
	// AttachSettlementHash records the on-chain payout hash on a converted
	// row. Re-attaching the same hash is a no-op; a different hash is
	// ErrConflictingSettlement.
	AttachSettlementHash(ctx context.Context, id uuid.UUID, txHash string) (*domain.PointTransaction, error)

	// Reconciler parking
	ParkConfirmation(ctx context.Context, evt domain.PaymentConfirmedEvent, lastErr string) error
	ListRetryableParkedConfirmations(ctx context.Context, maxAttempts, limit int) ([]domain.ParkedConfirmation, error)
	ResolveParkedConfirmation(ctx context.Context, id uuid.UUID) error
	RecordParkedAttempt(ctx context.Context, id uuid.UUID, attemptErr string, needsAttention bool) error
	ListParkedNeedingAttention(ctx context.Context, limit int) ([]domain.ParkedConfirmation, error)

	// Audit log
	AppendAuditEntry(ctx context.Context, entry domain.AuditEntry) error
}

// UpdateSubscriptionParams carries the optional fields of a guarded
// subscription update. AllowedFrom lists the statuses the row must currently
// be in for the update to apply.
type UpdateSubscriptionParams struct {
	Status       *string
	AutoRenew    *bool
	CancelReason *string
	CancelledAt  *time.Time
	AllowedFrom  []string
}
