/**
 * @description
 * This file contains the referral-program business logic: creating and
 * resolving referrals and converting earned points into token payouts. Point
 * balances are always derived from the append-only ledger; conversion is
 * idempotent on a client-supplied request id so a double-submitted form can
 * never debit a user twice.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, log, strings, time: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Event publication.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/melodious/settlement-service/internal/domain"
	"github.com/melodious/settlement-service/internal/store"
	"github.com/melodious/settlement-service/pkg/rabbitmq"
)

// ConversionPolicy holds the operator-configured conversion parameters.
type ConversionPolicy struct {
	Rate     float64 // points per token
	Minimum  int64   // smallest convertible amount
	DailyCap int64   // max points converted per account per day; 0 disables the cap
}

// RateLimiter bounds conversion submissions per account. Implementations may
// be backed by Redis; a nil limiter disables limiting.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// ReferralService provides the referral-ledger business logic.
type ReferralService struct {
	repo     store.Repository
	producer rabbitmq.Publisher
	policy   ConversionPolicy

	limiter          RateLimiter
	conversionPerMin int
}

// NewReferralService creates a new referral service instance.
func NewReferralService(repo store.Repository, producer rabbitmq.Publisher, policy ConversionPolicy) *ReferralService {
	return &ReferralService{repo: repo, producer: producer, policy: policy}
}

// SetConversionRateLimiter attaches a per-account submission limiter.
func (s *ReferralService) SetConversionRateLimiter(limiter RateLimiter, perMinute int) {
	s.limiter = limiter
	s.conversionPerMin = perMinute
}

func (s *ReferralService) audit(ctx context.Context, entityType, entityID, action, outcome string, detail any) {
	var payload []byte
	if detail != nil {
		var err error
		payload, err = json.Marshal(detail)
		if err != nil {
			log.Printf("level=warn component=referral msg=\"audit detail marshal failed\" action=%s err=%v", action, err)
		}
	}
	if err := s.repo.AppendAuditEntry(ctx, domain.AuditEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Outcome:    outcome,
		Detail:     payload,
	}); err != nil {
		log.Printf("level=warn component=referral msg=\"audit append failed\" action=%s entity_id=%s err=%v", action, entityID, err)
	}
}

func (s *ReferralService) publish(ctx context.Context, routingKey string, body any) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, eventsExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=referral msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

// CreateReferral validates and records a pending referral. All rejections
// happen before any write.
func (s *ReferralService) CreateReferral(ctx context.Context, req domain.CreateReferralRequest) (*domain.Referral, error) {
	referrer, err := domain.NormalizeAddress(req.ReferrerAccount)
	if err != nil {
		return nil, fmt.Errorf("referrer: %w", err)
	}
	referred, err := domain.NormalizeAddress(req.ReferredAccount)
	if err != nil {
		return nil, fmt.Errorf("referred: %w", err)
	}
	if referrer == referred {
		return nil, ErrSelfReferral
	}
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		return nil, ErrBlankReferralCode
	}
	if req.Points < 0 {
		return nil, ErrNegativePoints
	}

	ref := &domain.Referral{
		ReferrerAccount: referrer,
		ReferredAccount: referred,
		ReferrerName:    strings.TrimSpace(req.ReferrerName),
		ReferredName:    strings.TrimSpace(req.ReferredName),
		Code:            code,
		PointsEarned:    req.Points,
		Status:          domain.ReferralStatusPending,
	}

	created, err := s.repo.CreateReferral(ctx, ref)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, "referral", created.ID.String(), "create", "ok", map[string]any{
		"referrer": referrer, "referred": referred, "code": code, "points": req.Points,
	})
	log.Printf("level=info component=referral msg=\"referral created\" referral_id=%s referrer=%s code=%s", created.ID, referrer, code)
	return created, nil
}

// CompleteReferral flips a pending referral to completed and credits the
// referrer's earned points in one storage transaction. A referral completes
// at most once; the store guard makes concurrent completions lose cleanly.
// eventTime carries the external event timestamp when the completion was
// observed on-chain; zero means now.
func (s *ReferralService) CompleteReferral(ctx context.Context, id uuid.UUID, eventTime time.Time) (*domain.Referral, error) {
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}

	ref, earning, err := s.repo.CompleteReferralWithEarning(ctx, id, eventTime)
	if err != nil {
		if errors.Is(err, store.ErrReferralNotPending) {
			current, findErr := s.repo.FindReferralByID(ctx, id)
			if findErr != nil {
				return nil, findErr
			}
			s.audit(ctx, "referral", id.String(), "complete", "rejected", map[string]string{"status": current.Status})
			switch current.Status {
			case domain.ReferralStatusCompleted:
				return nil, ErrReferralCompleted
			case domain.ReferralStatusCancelled:
				return nil, ErrReferralCancelled
			}
		}
		return nil, err
	}

	detail := map[string]any{"referrer": ref.ReferrerAccount, "points": ref.PointsEarned}
	if earning != nil {
		detail["earning_id"] = earning.ID
	}
	s.audit(ctx, "referral", ref.ID.String(), "complete", "ok", detail)
	s.publish(ctx, "referral.completed", map[string]any{
		"referral_id": ref.ID, "referrer": ref.ReferrerAccount, "points": ref.PointsEarned,
	})
	log.Printf("level=info component=referral msg=\"referral completed\" referral_id=%s referrer=%s points=%d", ref.ID, ref.ReferrerAccount, ref.PointsEarned)
	return ref, nil
}

/// CancelReferral cancels a pending referral. A completed referral is final:
// its points have been paid out and cancellation is forbidden.
func (s *ReferralService) CancelReferral(ctx context.Context, id uuid.UUID) (*domain.Referral, error) {
	ref, err := s.repo.CancelReferral(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrReferralNotPending) {
			current, findErr := s.repo.FindReferralByID(ctx, id)
			if findErr != nil {
				return nil, findErr
			}
			if current.Status == domain.ReferralStatusCompleted {
				s.audit(ctx, "referral", id.String(), "cancel", "rejected", map[string]string{"reason": "completed"})
				return nil, ErrCannotCancelCompleted
			}
			// Already cancelled; treat the repeat as a no-op.
			return current, nil
		}
		return nil, err
	}

	s.audit(ctx, "referral", ref.ID.String(), "cancel", "ok", nil)
	return ref, nil
}

// GetReferral retrieves one referral.
func (s *ReferralService) GetReferral(ctx context.Context, id uuid.UUID) (*domain.Referral, error) {
	return s.repo.FindReferralByID(ctx, id)
}

// GetPointTransaction retrieves one ledger row; the storefront polls it for
// a conversion's settlement hash.
func (s *ReferralService) GetPointTransaction(ctx context.Context, id uuid.UUID) (*domain.PointTransaction, error) {
	return s.repo.FindPointTransactionByID(ctx, id)
}

// PointBalance derives the account's balance from the ledger.
func (s *ReferralService) PointBalance(ctx context.Context, accountID string) (*domain.PointBalance, error) {
	normalized, err := domain.NormalizeAddress(accountID)
	if err != nil {
		return nil, err
	}
	balance, err := s.repo.PointBalance(ctx, normalized)
	if err != nil {
		return nil, err
	}
	return &domain.PointBalance{AccountID: normalized, Balance: balance}, nil
}

// ListPointTransactions returns the account's ledger history, newest first.
func (s *ReferralService) ListPointTransactions(ctx context.Context, accountID string, limit, offset int) (*domain.PointTransactionList, error) {
	normalized, err := domain.NormalizeAddress(accountID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	items, total, err := s.repo.ListPointTransactions(ctx, normalized, limit, offset)
	if err != nil {
		return nil, err
	}
	return &domain.PointTransactionList{Items: items, Total: total}, nil
}

// ConvertPoints records the ledger-side debit for a point-to-token
// conversion. It does not move tokens; the settlement reconciler later pairs
// the row with the on-chain payout. The request id makes the call idempotent:
// replaying it returns the originally recorded transaction.
func (s *ReferralService) ConvertPoints(ctx context.Context, req domain.ConvertPointsRequest) (*domain.PointTransaction, error) {
	accountID, err := domain.NormalizeAddress(req.AccountID)
	if err != nil {
		return nil, err
	}
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		return nil, ErrMissingRequestID
	}
	if req.Points <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Points < s.policy.Minimum {
		return nil, ErrBelowMinimumConversion
	}
	if s.policy.Rate <= 0 {
		return nil, fmt.Errorf("conversion rate is not configured")
	}

	if s.limiter != nil && s.conversionPerMin > 0 {
		count, _, limitErr := s.limiter.ConsumeRateLimit(ctx, "convert_points", accountID, s.conversionPerMin, time.Minute)
		if limitErr != nil {
			log.Printf("level=warn component=referral msg=\"rate limiter unavailable; allowing request\" account_id=%s err=%v", accountID, limitErr)
		} else if count > s.conversionPerMin {
			return nil, ErrConversionRateLimited
		}
	}

	tokenAmount := float64(req.Points) / s.policy.Rate
	rate := s.policy.Rate
	conv := &domain.PointTransaction{
		AccountID:      accountID,
		Type:           domain.PointTxConverted,
		Points:         req.Points,
		TokenAmount:    &tokenAmount,
		ConversionRate: &rate,
		RequestID:      &requestID,
		Description:    fmt.Sprintf("Converted %d points to %.4f tokens", req.Points, tokenAmount),
	}

	recorded, created, err := s.repo.CreateConversionExclusive(ctx, conv, s.policy.DailyCap)
	if err != nil {
		s.audit(ctx, "point_transaction", accountID, "convert", "rejected", map[string]any{
			"points": req.Points, "request_id": requestID, "error": err.Error(),
		})
		return nil, err
	}
	if !created {
		log.Printf("level=info component=referral msg=\"duplicate conversion request ignored\" account_id=%s request_id=%s", accountID, requestID)
		return recorded, nil
	}

	s.audit(ctx, "point_transaction", recorded.ID.String(), "convert", "ok", map[string]any{
		"account_id": accountID, "points": req.Points, "token_amount": tokenAmount, "request_id": requestID,
	})
	s.publish(ctx, "points.converted", map[string]any{
		"point_transaction_id": recorded.ID, "account_id": accountID,
		"points": req.Points, "token_amount": tokenAmount,
	})
	log.Printf("level=info component=referral msg=\"points converted\" account_id=%s points=%d token_amount=%f", accountID, req.Points, tokenAmount)
	return recorded, nil
}
