/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. All invariant-bearing writes (open-subscription uniqueness,
 * payment idempotency, conversion balance/cap checks, settlement hash
 * attachment) run inside a single transaction here so that concurrent callers
 * are serialized by the database, never by application-level locks.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/melodious/settlement-service/internal/domain"
)

var (
	ErrPlanNotFound             = errors.New("plan not found")
	ErrSubscriptionNotFound     = errors.New("subscription not found")
	ErrPaymentNotFound          = errors.New("payment record not found")
	ErrReferralNotFound         = errors.New("referral not found")
	ErrReferralNotPending       = errors.New("referral is not pending")
	ErrPointTransactionNotFound = errors.New("point transaction not found")
	ErrNotAConversion           = errors.New("point transaction is not a conversion")
	ErrOpenSubscriptionExists   = errors.New("account already has an open subscription")
	ErrInsufficientPoints       = errors.New("insufficient point balance")
	ErrDailyCapExceeded         = errors.New("daily conversion cap exceeded")
	ErrConflictingSettlement    = errors.New("conversion already settled with a different transaction hash")
	ErrInvalidTransition        = errors.New("invalid subscription status transition")
	ErrParkedNotFound           = errors.New("parked confirmation not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Plan catalog ---

const planColumns = `id, name, display_name, price, currency, duration_days, features, is_active, created_at`

func scanPlan(row pgx.Row) (*domain.SubscriptionPlan, error) {
	var p domain.SubscriptionPlan
	err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Price, &p.Currency, &p.DurationDays, &p.Features, &p.IsActive, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePlan inserts a new catalog plan version.
func (r *PostgresRepository) CreatePlan(ctx context.Context, plan *domain.SubscriptionPlan) (*domain.SubscriptionPlan, error) {
	query := `
        INSERT INTO subscription_plans (name, display_name, price, currency, duration_days, features, is_active)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING ` + planColumns
	return scanPlan(r.db.QueryRow(ctx, query,
		plan.Name, plan.DisplayName, plan.Price, plan.Currency, plan.DurationDays, plan.Features, plan.IsActive))
}

// FindPlanByName retrieves a plan by its unique name.
func (r *PostgresRepository) FindPlanByName(ctx context.Context, name string) (*domain.SubscriptionPlan, error) {
	query := `SELECT ` + planColumns + ` FROM subscription_plans WHERE name = $1`
	plan, err := scanPlan(r.db.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return plan, nil
}

// ListPlans returns the catalog, optionally restricted to active plans.
func (r *PostgresRepository) ListPlans(ctx context.Context, activeOnly bool) ([]domain.SubscriptionPlan, error) {
	query := `SELECT ` + planColumns + ` FROM subscription_plans`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []domain.SubscriptionPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// DeactivatePlan retires a plan version. The row itself is never mutated
// beyond the active flag; price changes mean a new row.
func (r *PostgresRepository) DeactivatePlan(ctx context.Context, name string) error {
	tag, err := r.db.Exec(ctx, `UPDATE subscription_plans SET is_active = false WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPlanNotFound
	}
	return nil
}

// --- Subscriptions ---

const subscriptionColumns = `id, account_id, plan_name, status, start_date, end_date, auto_renew, cancel_reason, cancelled_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(&s.ID, &s.AccountID, &s.PlanName, &s.Status, &s.StartDate, &s.EndDate,
		&s.AutoRenew, &s.CancelReason, &s.CancelledAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSubscriptionExclusive creates a pending subscription while holding a
// lock on any open subscription rows for the account. The partial unique
// index on (account_id) WHERE status IN ('pending','active') is the backstop
// for writers racing through the gap.
func (r *PostgresRepository) CreateSubscriptionExclusive(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var openID uuid.UUID
	err = tx.QueryRow(ctx, `
        SELECT id FROM subscriptions
        WHERE account_id = $1 AND status IN ('pending', 'active')
        LIMIT 1
        FOR UPDATE`, sub.AccountID).Scan(&openID)
	if err == nil {
		return nil, ErrOpenSubscriptionExists
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	created, err := scanSubscription(tx.QueryRow(ctx, `
        INSERT INTO subscriptions (account_id, plan_name, status, start_date, end_date, auto_renew)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING `+subscriptionColumns,
		sub.AccountID, sub.PlanName, sub.Status, sub.StartDate, sub.EndDate, sub.AutoRenew))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrOpenSubscriptionExists
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

// FindSubscriptionByID retrieves a subscription by id.
func (r *PostgresRepository) FindSubscriptionByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

const paymentColumns = `id, subscription_id, amount, currency, payment_method, external_payment_id, raw_meta, status, processed_at`

func scanPayment(row pgx.Row) (*domain.PaymentRecord, error) {
	var p domain.PaymentRecord
	err := row.Scan(&p.ID, &p.SubscriptionID, &p.Amount, &p.Currency, &p.PaymentMethod,
		&p.ExternalPaymentID, &p.RawMeta, &p.Status, &p.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RecordPaymentAndActivate performs the payment-confirmation write path in a
// single transaction: the external payment id lookup is the idempotency
// check, and the unique index catches the remaining race window. A replayed
// confirmation returns the original record and leaves the subscription alone.
func (r *PostgresRepository) RecordPaymentAndActivate(ctx context.Context, record *domain.PaymentRecord, startDate, endDate time.Time) (*domain.PaymentRecord, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	existing, err := scanPayment(tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_records WHERE external_payment_id = $1`, record.ExternalPaymentID))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	// Lock the subscription row for the activation update.
	var subStatus string
	err = tx.QueryRow(ctx,
		`SELECT status FROM subscriptions WHERE id = $1 FOR UPDATE`, record.SubscriptionID).Scan(&subStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrSubscriptionNotFound
		}
		return nil, false, err
	}
	// Expired and cancelled are terminal: a late confirmation must not revive
	// the subscription.
	if subStatus != domain.SubscriptionStatusPending && subStatus != domain.SubscriptionStatusActive {
		return nil, false, ErrInvalidTransition
	}

	inserted, err := scanPayment(tx.QueryRow(ctx, `
        INSERT INTO payment_records (subscription_id, amount, currency, payment_method, external_payment_id, raw_meta, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING `+paymentColumns,
		record.SubscriptionID, record.Amount, record.Currency, record.PaymentMethod,
		record.ExternalPaymentID, record.RawMeta, domain.PaymentStatusCompleted))
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent confirmation won the insert; surface its record.
			tx.Rollback(ctx)
			winner, findErr := r.FindPaymentByExternalID(ctx, record.ExternalPaymentID)
			if findErr != nil {
				return nil, false, findErr
			}
			return winner, false, nil
		}
		return nil, false, err
	}

	_, err = tx.Exec(ctx, `
        UPDATE subscriptions
        SET status = $2, start_date = $3, end_date = $4, updated_at = NOW()
        WHERE id = $1`,
		record.SubscriptionID, domain.SubscriptionStatusActive, startDate, endDate)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return inserted, true, nil
}

// FindPaymentByExternalID retrieves a payment record by its idempotency key.
func (r *PostgresRepository) FindPaymentByExternalID(ctx context.Context, externalPaymentID string) (*domain.PaymentRecord, error) {
	rec, err := scanPayment(r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_records WHERE external_payment_id = $1`, externalPaymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListPaymentsBySubscription returns a subscription's append-only payment history.
func (r *PostgresRepository) ListPaymentsBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]domain.PaymentRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payment_records WHERE subscription_id = $1 ORDER BY processed_at DESC`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// UpdateSubscriptionGuarded applies a subscription update only when the row's
// current status is in AllowedFrom, so a stale caller cannot revive a
// terminal subscription.
func (r *PostgresRepository) UpdateSubscriptionGuarded(ctx context.Context, id uuid.UUID, params UpdateSubscriptionParams) (*domain.Subscription, error) {
	if len(params.AllowedFrom) == 0 {
		return nil, fmt.Errorf("guarded update requires at least one allowed source status")
	}

	sub, err := scanSubscription(r.db.QueryRow(ctx, `
        UPDATE subscriptions
        SET status        = COALESCE($2, status),
            auto_renew    = COALESCE($3, auto_renew),
            cancel_reason = COALESCE($4, cancel_reason),
            cancelled_at  = COALESCE($5, cancelled_at),
            updated_at    = NOW()
        WHERE id = $1 AND status = ANY($6)
        RETURNING `+subscriptionColumns,
		id, params.Status, params.AutoRenew, params.CancelReason, params.CancelledAt, params.AllowedFrom))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a missing row from a guard miss.
			if _, findErr := r.FindSubscriptionByID(ctx, id); findErr != nil {
				return nil, findErr
			}
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	return sub, nil
}

// ExpireDueSubscriptions moves every active subscription whose period has
// elapsed to expired. Rows already expired are untouched, so the sweep is
// safe to run repeatedly.
func (r *PostgresRepository) ExpireDueSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE subscriptions
        SET status = $2, updated_at = NOW()
        WHERE status = $1 AND end_date < $3`,
		domain.SubscriptionStatusActive, domain.SubscriptionStatusExpired, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListSubscriptionsByAccount returns an account's subscriptions newest-first.
func (r *PostgresRepository) ListSubscriptionsByAccount(ctx context.Context, accountID string, opts domain.SubscriptionListOptions) ([]domain.Subscription, int64, error) {
	var total int64
	countQuery := `SELECT COUNT(*) FROM subscriptions WHERE account_id = $1 AND ($2::text IS NULL OR status = $2)`
	if err := r.db.QueryRow(ctx, countQuery, accountID, opts.Status).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(ctx, `
        SELECT `+subscriptionColumns+` FROM subscriptions
        WHERE account_id = $1 AND ($2::text IS NULL OR status = $2)
        ORDER BY created_at DESC
        LIMIT $3 OFFSET $4`,
		accountID, opts.Status, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *s)
	}
	return items, total, rows.Err()
}

// --- Referrals ---

const referralColumns = `id, referrer_account, referred_account, referrer_name, referred_name, code, points_earned, status, created_at, completed_at`

func scanReferral(row pgx.Row) (*domain.Referral, error) {
	var ref domain.Referral
	err := row.Scan(&ref.ID, &ref.ReferrerAccount, &ref.ReferredAccount, &ref.ReferrerName,
		&ref.ReferredName, &ref.Code, &ref.PointsEarned, &ref.Status, &ref.CreatedAt, &ref.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// CreateReferral inserts a pending referral.
func (r *PostgresRepository) CreateReferral(ctx context.Context, ref *domain.Referral) (*domain.Referral, error) {
	return scanReferral(r.db.QueryRow(ctx, `
        INSERT INTO referrals (referrer_account, referred_account, referrer_name, referred_name, code, points_earned, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING `+referralColumns,
		ref.ReferrerAccount, ref.ReferredAccount, ref.ReferrerName, ref.ReferredName,
		ref.Code, ref.PointsEarned, ref.Status))
}

// FindReferralByID retrieves a referral by id.
func (r *PostgresRepository) FindReferralByID(ctx context.Context, id uuid.UUID) (*domain.Referral, error) {
	ref, err := scanReferral(r.db.QueryRow(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReferralNotFound
		}
		return nil, err
	}
	return ref, nil
}

const pointTxColumns = `id, account_id, tx_type, points, token_amount, conversion_rate, referral_id, request_id, settlement_tx_hash, description, created_at`

func scanPointTx(row pgx.Row) (*domain.PointTransaction, error) {
	var p domain.PointTransaction
	err := row.Scan(&p.ID, &p.AccountID, &p.Type, &p.Points, &p.TokenAmount, &p.ConversionRate,
		&p.ReferralID, &p.RequestID, &p.SettlementTxHash, &p.Description, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CompleteReferralWithEarning is the single-transaction completion path: the
// status flip is guarded on 'pending', so a concurrent completion loses the
// guard and no second earning row can ever be written.
func (r *PostgresRepository) CompleteReferralWithEarning(ctx context.Context, id uuid.UUID, completedAt time.Time) (*domain.Referral, *domain.PointTransaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	ref, err := scanReferral(tx.QueryRow(ctx, `
        UPDATE referrals
        SET status = $2, completed_at = $3
        WHERE id = $1 AND status = $4
        RETURNING `+referralColumns,
		id, domain.ReferralStatusCompleted, completedAt, domain.ReferralStatusPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, findErr := r.FindReferralByID(ctx, id); findErr != nil {
				return nil, nil, findErr
			}
			return nil, nil, ErrReferralNotPending
		}
		return nil, nil, err
	}

	// Ledger rows carry strictly positive points; a zero-point referral
	// completes without an earning row.
	var earning *domain.PointTransaction
	if ref.PointsEarned > 0 {
		earning, err = scanPointTx(tx.QueryRow(ctx, `
        INSERT INTO point_transactions (account_id, tx_type, points, referral_id, description)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING `+pointTxColumns,
			ref.ReferrerAccount, domain.PointTxEarned, ref.PointsEarned, ref.ID,
			fmt.Sprintf("Referral bonus for inviting %s", ref.ReferredName)))
		if err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return ref, earning, nil
}

// CancelReferral cancels a pending referral. The guard on 'pending' makes a
// completed referral non-cancelable at the store level.
func (r *PostgresRepository) CancelReferral(ctx context.Context, id uuid.UUID) (*domain.Referral, error) {
	ref, err := scanReferral(r.db.QueryRow(ctx, `
        UPDATE referrals
        SET status = $2
        WHERE id = $1 AND status = $3
        RETURNING `+referralColumns,
		id, domain.ReferralStatusCancelled, domain.ReferralStatusPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, findErr := r.FindReferralByID(ctx, id); findErr != nil {
				return nil, findErr
			}
			return nil, ErrReferralNotPending
		}
		return nil, err
	}
	return ref, nil
}

// --- Points ledger ---

// PointBalance derives the account balance from the append-only ledger.
func (r *PostgresRepository) PointBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `
        SELECT COALESCE(SUM(CASE WHEN tx_type = 'earned' THEN points ELSE -points END), 0)
        FROM point_transactions
        WHERE account_id = $1`, accountID).Scan(&balance)
	return balance, err
}

// CreateConversionExclusive serializes conversions per account with a
// transaction-scoped advisory lock, then checks the derived balance and the
// rolling daily cap before inserting the converted row. The unique index on
// request_id is the backstop for duplicate submissions that race past the
// initial lookup.
func (r *PostgresRepository) CreateConversionExclusive(ctx context.Context, conv *domain.PointTransaction, maxDailyConversion int64) (*domain.PointTransaction, bool, error) {
	if conv.RequestID == nil || *conv.RequestID == "" {
		return nil, false, fmt.Errorf("conversion requires a request id")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, conv.AccountID); err != nil {
		return nil, false, err
	}

	existing, err := scanPointTx(tx.QueryRow(ctx,
		`SELECT `+pointTxColumns+` FROM point_transactions WHERE request_id = $1`, *conv.RequestID))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	var balance int64
	err = tx.QueryRow(ctx, `
        SELECT COALESCE(SUM(CASE WHEN tx_type = 'earned' THEN points ELSE -points END), 0)
        FROM point_transactions
        WHERE account_id = $1`, conv.AccountID).Scan(&balance)
	if err != nil {
		return nil, false, err
	}
	if balance < conv.Points {
		return nil, false, ErrInsufficientPoints
	}

	var convertedToday int64
	err = tx.QueryRow(ctx, `
        SELECT COALESCE(SUM(points), 0)
        FROM point_transactions
        WHERE account_id = $1 AND tx_type = 'converted' AND created_at >= date_trunc('day', NOW())`,
		conv.AccountID).Scan(&convertedToday)
	if err != nil {
		return nil, false, err
	}
	if maxDailyConversion > 0 && convertedToday+conv.Points > maxDailyConversion {
		return nil, false, ErrDailyCapExceeded
	}

	inserted, err := scanPointTx(tx.QueryRow(ctx, `
        INSERT INTO point_transactions (account_id, tx_type, points, token_amount, conversion_rate, request_id, description)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING `+pointTxColumns,
		conv.AccountID, domain.PointTxConverted, conv.Points, conv.TokenAmount,
		conv.ConversionRate, conv.RequestID, conv.Description))
	if err != nil {
		if isUniqueViolation(err) {
			tx.Rollback(ctx)
			winner, findErr := r.FindPointTransactionByRequestID(ctx, *conv.RequestID)
			if findErr != nil {
				return nil, false, findErr
			}
			return winner, false, nil
		}
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return inserted, true, nil
}

// FindPointTransactionByID retrieves a ledger row by id.
func (r *PostgresRepository) FindPointTransactionByID(ctx context.Context, id uuid.UUID) (*domain.PointTransaction, error) {
	p, err := scanPointTx(r.db.QueryRow(ctx,
		`SELECT `+pointTxColumns+` FROM point_transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPointTransactionNotFound
		}
		return nil, err
	}
	return p, nil
}

// FindPointTransactionByRequestID retrieves a conversion by its idempotency key.
func (r *PostgresRepository) FindPointTransactionByRequestID(ctx context.Context, requestID string) (*domain.PointTransaction, error) {
	p, err := scanPointTx(r.db.QueryRow(ctx,
		`SELECT `+pointTxColumns+` FROM point_transactions WHERE request_id = $1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPointTransactionNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListPointTransactions returns an account's ledger history newest-first.
func (r *PostgresRepository) ListPointTransactions(ctx context.Context, accountID string, limit, offset int) ([]domain.PointTransaction, int64, error) {
	var total int64
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM point_transactions WHERE account_id = $1`, accountID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(ctx, `
        SELECT `+pointTxColumns+` FROM point_transactions
        WHERE account_id = $1
        ORDER BY created_at DESC
        LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []domain.PointTransaction
	for rows.Next() {
		p, err := scanPointTx(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *p)
	}
	return items, total, rows.Err()
}

// AttachSettlementHash pairs a converted row with its on-chain payout. The
// row is locked for the compare-and-set so two reconcilers cannot interleave.
func (r *PostgresRepository) AttachSettlementHash(ctx context.Context, id uuid.UUID, txHash string) (*domain.PointTransaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanPointTx(tx.QueryRow(ctx,
		`SELECT `+pointTxColumns+` FROM point_transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPointTransactionNotFound
		}
		return nil, err
	}
	if current.Type != domain.PointTxConverted {
		return nil, ErrNotAConversion
	}

	if current.SettlementTxHash != nil {
		if *current.SettlementTxHash == txHash {
			// Replayed confirmation; nothing to do.
			return current, nil
		}
		return nil, ErrConflictingSettlement
	}

	updated, err := scanPointTx(tx.QueryRow(ctx, `
        UPDATE point_transactions
        SET settlement_tx_hash = $2
        WHERE id = $1
        RETURNING `+pointTxColumns, id, txHash))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// --- Reconciler parking ---

const parkedColumns = `id, external_payment_id, subscription_id, amount, currency, tx_hash, attempts, last_error, status, created_at, updated_at`

func scanParked(row pgx.Row) (*domain.ParkedConfirmation, error) {
	var p domain.ParkedConfirmation
	err := row.Scan(&p.ID, &p.ExternalPaymentID, &p.SubscriptionID, &p.Amount, &p.Currency,
		&p.TransactionHash, &p.Attempts, &p.LastError, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ParkConfirmation stores an unmatched confirmation for later retry. Parking
// is keyed on the external payment id, so re-delivered events collapse into
// one parked row instead of multiplying.
func (r *PostgresRepository) ParkConfirmation(ctx context.Context, evt domain.PaymentConfirmedEvent, lastErr string) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO parked_confirmations (external_payment_id, subscription_id, amount, currency, tx_hash, attempts, last_error, status)
        VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
        ON CONFLICT (external_payment_id) DO UPDATE
        SET last_error = EXCLUDED.last_error, updated_at = NOW()`,
		evt.ExternalPaymentID, evt.SubscriptionID, evt.Amount, evt.Currency,
		evt.TransactionHash, lastErr, domain.ParkedStatusPending)
	return err
}

// ListRetryableParkedConfirmations returns pending parked rows still under
// the attempt bound, oldest first.
func (r *PostgresRepository) ListRetryableParkedConfirmations(ctx context.Context, maxAttempts, limit int) ([]domain.ParkedConfirmation, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+parkedColumns+` FROM parked_confirmations
        WHERE status = $1 AND attempts < $2
        ORDER BY created_at
        LIMIT $3`, domain.ParkedStatusPending, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.ParkedConfirmation
	for rows.Next() {
		p, err := scanParked(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *p)
	}
	return items, rows.Err()
}

// ResolveParkedConfirmation marks a parked row as applied.
func (r *PostgresRepository) ResolveParkedConfirmation(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE parked_confirmations SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, domain.ParkedStatusResolved)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrParkedNotFound
	}
	return nil
}

// RecordParkedAttempt bumps the attempt counter and optionally escalates the
// row to needs_attention once the retry bound is exhausted.
func (r *PostgresRepository) RecordParkedAttempt(ctx context.Context, id uuid.UUID, attemptErr string, needsAttention bool) error {
	status := domain.ParkedStatusPending
	if needsAttention {
		status = domain.ParkedStatusNeedsAttention
	}
	tag, err := r.db.Exec(ctx, `
        UPDATE parked_confirmations
        SET attempts = attempts + 1, last_error = $2, status = $3, updated_at = NOW()
        WHERE id = $1`, id, attemptErr, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrParkedNotFound
	}
	return nil
}

// ListParkedNeedingAttention returns escalated rows for the operator endpoint.
func (r *PostgresRepository) ListParkedNeedingAttention(ctx context.Context, limit int) ([]domain.ParkedConfirmation, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+parkedColumns+` FROM parked_confirmations
        WHERE status = $1
        ORDER BY created_at
        LIMIT $2`, domain.ParkedStatusNeedsAttention, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.ParkedConfirmation
	for rows.Next() {
		p, err := scanParked(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *p)
	}
	return items, rows.Err()
}

// --- Audit log ---

// AppendAuditEntry writes one immutable audit row.
func (r *PostgresRepository) AppendAuditEntry(ctx context.Context, entry domain.AuditEntry) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO audit_entries (entity_type, entity_id, action, outcome, detail)
        VALUES ($1, $2, $3, $4, $5)`,
		entry.EntityType, entry.EntityID, entry.Action, entry.Outcome, entry.Detail)
	return err
}
