/**
 * @description
 * This file contains the settlement reconciler: the bridge between "an
 * external confirmation exists" and "the ledger reflects it", exactly once,
 * despite redelivery and out-of-order arrival.
 *
 * The reconciler never writes ledger rows itself. It only requests
 * transitions through the subscription and referral services, which own the
 * invariants. A confirmation that cannot be matched yet is parked in the
 * store and retried a bounded number of times before being escalated to
 * operators; it is never silently dropped.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rollupclient (via the VoucherReader interface): Settlement layer reads.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/melodious/settlement-service/internal/domain"
	"github.com/melodious/settlement-service/internal/store"
)

const (
	defaultParkedMaxAttempts = 5
	defaultParkedBatchSize   = 100
	voucherLookupTimeout     = 10 * time.Second
)

// VoucherReader answers "has voucher X been executed" against the external
// settlement layer. Reads are side-effect-free and safe to repeat.
type VoucherReader interface {
	VoucherStatus(ctx context.Context, inputIndex, voucherIndex int) (*domain.VoucherStatus, error)
}

// VoucherCache is a short-window cache in front of the settlement layer so
// list-view polling does not hammer it. A nil cache disables caching.
type VoucherCache interface {
	Get(ctx context.Context, inputIndex, voucherIndex int) (*domain.VoucherStatus, error)
	Put(ctx context.Context, status domain.VoucherStatus) error
}

// Reconciler applies external confirmation events to the ledger.
type Reconciler struct {
	subs        *Service
	repo        store.Repository
	rollup      VoucherReader
	cache       VoucherCache
	maxAttempts int
}

// NewReconciler creates a new settlement reconciler.
func NewReconciler(subs *Service, repo store.Repository, rollup VoucherReader, maxAttempts int) *Reconciler {
	if maxAttempts <= 0 {
		maxAttempts = defaultParkedMaxAttempts
	}
	return &Reconciler{subs: subs, repo: repo, rollup: rollup, maxAttempts: maxAttempts}
}

// SetVoucherCache attaches the short-window voucher status cache.
func (r *Reconciler) SetVoucherCache(cache VoucherCache) {
	r.cache = cache
}

// OnPaymentConfirmed applies one payment confirmation. Idempotency lives in
// the subscription service's external-payment-id check, so redelivery is
// harmless. An event that references a subscription we do not know yet is
// parked: the confirmation may have arrived before the local pending
// subscription was committed.
func (r *Reconciler) OnPaymentConfirmed(ctx context.Context, evt domain.PaymentConfirmedEvent) error {
	if evt.ExternalPaymentID == "" {
		return fmt.Errorf("confirmation missing external payment id")
	}

	if evt.SubscriptionID == nil {
		if err := r.repo.ParkConfirmation(ctx, evt, "confirmation carried no subscription reference"); err != nil {
			return fmt.Errorf("park unreferenced confirmation: %w", err)
		}
		log.Printf("level=warn component=reconciler msg=\"confirmation parked without subscription reference\" external_payment_id=%s", evt.ExternalPaymentID)
		return nil
	}

	_, err := r.subs.ConfirmPayment(ctx, *evt.SubscriptionID, domain.ConfirmPaymentRequest{
		Amount:            evt.Amount,
		Currency:          evt.Currency,
		PaymentMethod:     "settlement",
		ExternalPaymentID: evt.ExternalPaymentID,
		RawMeta:           []byte(fmt.Sprintf(`{"transaction_hash":%q}`, evt.TransactionHash)),
	})
	if err != nil {
		// Not-found may just mean the pending subscription is not committed
		// yet; a terminal-state rejection will never succeed on its own.
		// Both are parked rather than requeued, so the confirmation ends up
		// in front of an operator instead of cycling on the queue.
		if errors.Is(err, store.ErrSubscriptionNotFound) || errors.Is(err, store.ErrInvalidTransition) {
			if parkErr := r.repo.ParkConfirmation(ctx, evt, err.Error()); parkErr != nil {
				return fmt.Errorf("park unmatched confirmation: %w", parkErr)
			}
			log.Printf("level=warn component=reconciler msg=\"confirmation parked\" subscription_id=%s external_payment_id=%s reason=%v", *evt.SubscriptionID, evt.ExternalPaymentID, err)
			return nil
		}
		return err
	}
	return nil
}

// DrainParked retries pending parked confirmations once each. A row that
// exhausts the attempt bound is escalated to needs_attention for the
// operator endpoint rather than retried forever.
func (r *Reconciler) DrainParked(ctx context.Context) (applied, escalated int, err error) {
	parked, err := r.repo.ListRetryableParkedConfirmations(ctx, r.maxAttempts, defaultParkedBatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list parked confirmations: %w", err)
	}

	for _, p := range parked {
		if p.SubscriptionID == nil {
			// Nothing to correlate against; only an operator can resolve it.
			if markErr := r.repo.RecordParkedAttempt(ctx, p.ID, "no subscription reference", true); markErr != nil {
				log.Printf("level=error component=reconciler msg=\"failed to escalate unreferenced confirmation\" parked_id=%s err=%v", p.ID, markErr)
			}
			escalated++
			continue
		}

		_, confirmErr := r.subs.ConfirmPayment(ctx, *p.SubscriptionID, domain.ConfirmPaymentRequest{
			Amount:            p.Amount,
			Currency:          p.Currency,
			PaymentMethod:     "settlement",
			ExternalPaymentID: p.ExternalPaymentID,
			RawMeta:           []byte(fmt.Sprintf(`{"transaction_hash":%q}`, p.TransactionHash)),
		})
		if confirmErr == nil {
			if resolveErr := r.repo.ResolveParkedConfirmation(ctx, p.ID); resolveErr != nil {
				log.Printf("level=warn component=reconciler msg=\"applied parked confirmation but failed to resolve row\" parked_id=%s err=%v", p.ID, resolveErr)
			}
			applied++
			log.Printf("level=info component=reconciler msg=\"parked confirmation applied\" parked_id=%s external_payment_id=%s", p.ID, p.ExternalPaymentID)
			continue
		}

		exhausted := p.Attempts+1 >= r.maxAttempts
		if markErr := r.repo.RecordParkedAttempt(ctx, p.ID, confirmErr.Error(), exhausted); markErr != nil {
			log.Printf("level=error component=reconciler msg=\"failed to record parked attempt\" parked_id=%s err=%v", p.ID, markErr)
			continue
		}
		if exhausted {
			escalated++
			log.Printf("level=error component=reconciler msg=\"parked confirmation escalated after retry bound\" parked_id=%s external_payment_id=%s attempts=%d err=%v", p.ID, p.ExternalPaymentID, p.Attempts+1, confirmErr)
		}
	}

	return applied, escalated, nil
}

// ListNeedingAttention returns escalated confirmations for operators.
func (r *Reconciler) ListNeedingAttention(ctx context.Context, limit int) ([]domain.ParkedConfirmation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.repo.ListParkedNeedingAttention(ctx, limit)
}

// CheckVoucherExecuted answers "has payout X actually landed". The read is
// pure; recent results are served from the cache to keep list-view polling
// off the settlement layer.
func (r *Reconciler) CheckVoucherExecuted(ctx context.Context, inputIndex, voucherIndex int) (bool, error) {
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, inputIndex, voucherIndex); err == nil && cached != nil {
			return cached.Executed, nil
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, voucherLookupTimeout)
	defer cancel()

	status, err := r.rollup.VoucherStatus(lookupCtx, inputIndex, voucherIndex)
	if err != nil {
		return false, fmt.Errorf("voucher status lookup: %w", err)
	}

	if r.cache != nil {
		if putErr := r.cache.Put(ctx, *status); putErr != nil {
			log.Printf("level=warn component=reconciler msg=\"voucher cache write failed\" input_index=%d voucher_index=%d err=%v", inputIndex, voucherIndex, putErr)
		}
	}
	return status.Executed, nil
}

// OnConversionPayoutConfirmed pairs a recorded point conversion with its
// on-chain payout hash. Re-delivery with the same hash is a no-op; a
// different hash is a hard conflict, because one debit must correspond to
// exactly one payout.
func (r *Reconciler) OnConversionPayoutConfirmed(ctx context.Context, pointTransactionID uuid.UUID, transactionHash string) (*domain.PointTransaction, error) {
	if transactionHash == "" {
		return nil, fmt.Errorf("transaction hash is required")
	}

	updated, err := r.repo.AttachSettlementHash(ctx, pointTransactionID, transactionHash)
	if err != nil {
		if errors.Is(err, store.ErrConflictingSettlement) {
			log.Printf("level=error component=reconciler msg=\"conflicting settlement for conversion\" point_transaction_id=%s tx_hash=%s", pointTransactionID, transactionHash)
		}
		return nil, err
	}

	log.Printf("level=info component=reconciler msg=\"conversion payout settled\" point_transaction_id=%s tx_hash=%s", pointTransactionID, transactionHash)
	return updated, nil
}
