/**
 * @description
 * This file contains the subscription side of the settlement-service's
 * business logic. The `Service` struct owns the subscription lifecycle:
 * opening a pending subscription against the plan catalog, applying payment
 * confirmations idempotently, enforcing the status transition table, and the
 * expiry sweep.
 *
 * Key invariants enforced here (with the store as the serialization point):
 * - At most one pending-or-active subscription per account.
 * - A confirmation replayed with the same external payment id has exactly
 *   one effect.
 * - The paid period is computed at confirmation time, not at open time, so a
 *   delayed settlement never shrinks what the subscriber paid for.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, log, time: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Event publication for downstream consumers.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/melodious/settlement-service/internal/domain"
	"github.com/melodious/settlement-service/internal/store"
	"github.com/melodious/settlement-service/pkg/rabbitmq"
)

const eventsExchange = "melodious.events"

// Service provides the subscription-management business logic.
type Service struct {
	repo     store.Repository
	producer rabbitmq.Publisher
}

// NewService creates a new subscription service instance.
func NewService(repo store.Repository, producer rabbitmq.Publisher) *Service {
	return &Service{repo: repo, producer: producer}
}

// audit appends an immutable audit entry. Audit failures are logged and
// swallowed: the audit trail is a side effect, not part of the invariant
// surface.
func (s *Service) audit(ctx context.Context, entityType, entityID, action, outcome string, detail any) {
	var payload []byte
	if detail != nil {
		var err error
		payload, err = json.Marshal(detail)
		if err != nil {
			log.Printf("level=warn component=service msg=\"audit detail marshal failed\" action=%s err=%v", action, err)
		}
	}
	entry := domain.AuditEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Outcome:    outcome,
		Detail:     payload,
	}
	if err := s.repo.AppendAuditEntry(ctx, entry); err != nil {
		log.Printf("level=warn component=service msg=\"audit append failed\" action=%s entity_id=%s err=%v", action, entityID, err)
	}
}

// publish emits a topic event for downstream consumers (storefront cache
// invalidation, notifications). Publish failures are logged, never surfaced.
func (s *Service) publish(ctx context.Context, routingKey string, body any) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, eventsExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

// --- Plan catalog ---

// CreatePlan seeds a new catalog plan version.
func (s *Service) CreatePlan(ctx context.Context, plan *domain.SubscriptionPlan) (*domain.SubscriptionPlan, error) {
	if plan.Name == "" {
		return nil, fmt.Errorf("plan name is required")
	}
	if plan.Price < 0 {
		return nil, ErrInvalidAmount
	}
	if plan.DurationDays <= 0 {
		return nil, fmt.Errorf("plan duration must be positive")
	}
	plan.IsActive = true
	return s.repo.CreatePlan(ctx, plan)
}

// ListPlans returns the active plan catalog.
func (s *Service) ListPlans(ctx context.Context, activeOnly bool) ([]domain.SubscriptionPlan, error) {
	return s.repo.ListPlans(ctx, activeOnly)
}

// DeactivatePlan retires a plan version. Existing subscriptions keep their
// plan reference; only new opens are blocked. Price or duration changes mean
// deactivating the current version and seeding a new one.
func (s *Service) DeactivatePlan(ctx context.Context, name string) error {
	if err := s.repo.DeactivatePlan(ctx, name); err != nil {
		return err
	}
	s.audit(ctx, "plan", name, "deactivate", "ok", nil)
	log.Printf("level=info component=service msg=\"plan deactivated\" plan=%s", name)
	return nil
}

// --- Subscription lifecycle ---

// OpenSubscription creates a pending subscription for the account against the
// named plan. The open-subscription uniqueness check and the insert run in
// one storage transaction, so two concurrent opens are serialized by the
// store rather than by this method.
func (s *Service) OpenSubscription(ctx context.Context, req domain.OpenSubscriptionRequest) (*domain.Subscription, error) {
	accountID, err := domain.NormalizeAddress(req.AccountID)
	if err != nil {
		return nil, err
	}

	plan, err := s.repo.FindPlanByName(ctx, req.PlanName)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, ErrPlanNotActive
	}

	now := time.Now().UTC()
	sub := &domain.Subscription{
		AccountID: accountID,
		PlanName:  plan.Name,
		Status:    domain.SubscriptionStatusPending,
		StartDate: now,
		EndDate:   now.AddDate(0, 0, plan.DurationDays),
		AutoRenew: false,
	}

	created, err := s.repo.CreateSubscriptionExclusive(ctx, sub)
	if err != nil {
		if errors.Is(err, store.ErrOpenSubscriptionExists) {
			s.audit(ctx, "subscription", accountID, "open", "rejected", map[string]string{
				"plan": plan.Name, "reason": "already_subscribed",
			})
			return nil, ErrAlreadySubscribed
		}
		return nil, err
	}

	s.audit(ctx, "subscription", created.ID.String(), "open", "ok", map[string]any{
		"account_id": accountID, "plan": plan.Name, "external_payment_id": req.ExternalPaymentID,
	})
	s.publish(ctx, "subscription.opened", created)
	log.Printf("level=info component=service msg=\"subscription opened\" subscription_id=%s account_id=%s plan=%s", created.ID, accountID, plan.Name)
	return created, nil
}

// ConfirmPayment applies a payment confirmation to a subscription. The
// external payment id is the idempotency key: a replayed confirmation
// returns the original record unchanged and does not re-activate anything.
// On first confirmation the period is recomputed from the plan duration at
// confirmation time.
func (s *Service) ConfirmPayment(ctx context.Context, subscriptionID uuid.UUID, req domain.ConfirmPaymentRequest) (*domain.PaymentRecord, error) {
	if req.ExternalPaymentID == "" {
		return nil, fmt.Errorf("external payment id is required")
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	sub, err := s.repo.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != domain.SubscriptionStatusPending && sub.Status != domain.SubscriptionStatusActive {
		// Expired and cancelled are terminal; a late confirmation must not
		// revive the subscription. A replay of an already-applied payment is
		// still answered with its original record.
		if existing, findErr := s.repo.FindPaymentByExternalID(ctx, req.ExternalPaymentID); findErr == nil && existing.SubscriptionID == sub.ID {
			return existing, nil
		}
		s.audit(ctx, "subscription", sub.ID.String(), "confirm_payment", "rejected", map[string]string{
			"external_payment_id": req.ExternalPaymentID, "reason": "terminal_status", "status": sub.Status,
		})
		log.Printf("level=warn component=service msg=\"payment confirmation on finished subscription rejected\" subscription_id=%s status=%s external_payment_id=%s", sub.ID, sub.Status, req.ExternalPaymentID)
		return nil, store.ErrInvalidTransition
	}
	plan, err := s.repo.FindPlanByName(ctx, sub.PlanName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record := &domain.PaymentRecord{
		SubscriptionID:    sub.ID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		PaymentMethod:     req.PaymentMethod,
		ExternalPaymentID: req.ExternalPaymentID,
		RawMeta:           req.RawMeta,
		Status:            domain.PaymentStatusCompleted,
	}

	rec, created, err := s.repo.RecordPaymentAndActivate(ctx, record, now, now.AddDate(0, 0, plan.DurationDays))
	if err != nil {
		s.audit(ctx, "subscription", sub.ID.String(), "confirm_payment", "rejected", map[string]string{
			"external_payment_id": req.ExternalPaymentID, "error": err.Error(),
		})
		return nil, err
	}
	if !created {
		log.Printf("level=info component=service msg=\"duplicate payment confirmation ignored\" subscription_id=%s external_payment_id=%s", sub.ID, req.ExternalPaymentID)
		return rec, nil
	}

	s.audit(ctx, "subscription", sub.ID.String(), "confirm_payment", "ok", map[string]any{
		"external_payment_id": req.ExternalPaymentID, "amount": req.Amount, "currency": req.Currency,
	})
	s.publish(ctx, "subscription.activated", map[string]any{
		"subscription_id": sub.ID, "account_id": sub.AccountID, "plan": sub.PlanName,
	})
	log.Printf("level=info component=service msg=\"subscription activated\" subscription_id=%s external_payment_id=%s", sub.ID, req.ExternalPaymentID)
	return rec, nil
}

// UpdateSubscription applies the transition table: pending|active may be
// cancelled, auto-renew may be toggled on any non-terminal row. Everything
// else is an invalid transition. Expiry is not reachable here; only the
// sweep moves active rows to expired.
func (s *Service) UpdateSubscription(ctx context.Context, id uuid.UUID, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	params := store.UpdateSubscriptionParams{
		AutoRenew: req.AutoRenew,
	}

	if req.Status != nil {
		if *req.Status != domain.SubscriptionStatusCancelled {
			return nil, ErrInvalidTransition
		}
		now := time.Now().UTC()
		cancelled := domain.SubscriptionStatusCancelled
		params.Status = &cancelled
		params.CancelledAt = &now
		params.CancelReason = req.CancelReason
		params.AllowedFrom = []string{domain.SubscriptionStatusPending, domain.SubscriptionStatusActive}
	} else {
		if req.AutoRenew == nil {
			return nil, fmt.Errorf("update requires at least one field")
		}
		params.AllowedFrom = []string{domain.SubscriptionStatusPending, domain.SubscriptionStatusActive}
	}

	sub, err := s.repo.UpdateSubscriptionGuarded(ctx, id, params)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			s.audit(ctx, "subscription", id.String(), "update", "rejected", map[string]string{"reason": "invalid_transition"})
			return nil, ErrInvalidTransition
		}
		return nil, err
	}

	s.audit(ctx, "subscription", sub.ID.String(), "update", "ok", req)
	if req.Status != nil {
		s.publish(ctx, "subscription.cancelled", map[string]any{
			"subscription_id": sub.ID, "account_id": sub.AccountID,
		})
	}
	return sub, nil
}

// ExpireDue moves every active subscription whose period has elapsed to
// expired. The sweep is idempotent; rows already expired are no-ops.
func (s *Service) ExpireDue(ctx context.Context) (int64, error) {
	count, err := s.repo.ExpireDueSubscriptions(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.audit(ctx, "subscription", "sweep", "expire_due", "ok", map[string]int64{"expired": count})
		log.Printf("level=info component=service msg=\"expiry sweep completed\" expired=%d", count)
	}
	return count, nil
}

// ListSubscriptions is the paginated read path, newest first.
func (s *Service) ListSubscriptions(ctx context.Context, accountID string, opts domain.SubscriptionListOptions) (*domain.SubscriptionList, error) {
	normalized, err := domain.NormalizeAddress(accountID)
	if err != nil {
		return nil, err
	}
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	items, total, err := s.repo.ListSubscriptionsByAccount(ctx, normalized, opts)
	if err != nil {
		return nil, err
	}
	return &domain.SubscriptionList{Items: items, Total: total}, nil
}

// GetSubscription fetches a single subscription by id.
func (s *Service) GetSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return s.repo.FindSubscriptionByID(ctx, id)
}

// ListPayments returns a subscription's payment history.
func (s *Service) ListPayments(ctx context.Context, subscriptionID uuid.UUID) ([]domain.PaymentRecord, error) {
	if _, err := s.repo.FindSubscriptionByID(ctx, subscriptionID); err != nil {
		return nil, err
	}
	return s.repo.ListPaymentsBySubscription(ctx, subscriptionID)
}
