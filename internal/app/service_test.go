package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/melodious/settlement-service/internal/domain"
	"github.com/melodious/settlement-service/internal/store"
)

type subscriptionRepoStub struct {
	store.Repository

	plan *domain.SubscriptionPlan
	sub  *domain.Subscription

	createErr       error
	createCalled    bool
	existingPayment *domain.PaymentRecord
	recordCalled    bool
	recordedEndDate time.Time
	deactivateErr   error
	updateErr       error
	updateParams    store.UpdateSubscriptionParams
	expiredCount    int64
	expireCalled    bool
	auditEntries    []domain.AuditEntry
}

func (s *subscriptionRepoStub) FindPlanByName(ctx context.Context, name string) (*domain.SubscriptionPlan, error) {
	if s.plan == nil || s.plan.Name != name {
		return nil, store.ErrPlanNotFound
	}
	return s.plan, nil
}

func (s *subscriptionRepoStub) DeactivatePlan(ctx context.Context, name string) error {
	return s.deactivateErr
}

func (s *subscriptionRepoStub) CreateSubscriptionExclusive(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	s.createCalled = true
	if s.createErr != nil {
		return nil, s.createErr
	}
	created := *sub
	created.ID = uuid.New()
	return &created, nil
}

func (s *subscriptionRepoStub) FindSubscriptionByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	if s.sub == nil || s.sub.ID != id {
		return nil, store.ErrSubscriptionNotFound
	}
	return s.sub, nil
}

func (s *subscriptionRepoStub) RecordPaymentAndActivate(ctx context.Context, record *domain.PaymentRecord, startDate, endDate time.Time) (*domain.PaymentRecord, bool, error) {
	s.recordCalled = true
	s.recordedEndDate = endDate
	if s.existingPayment != nil {
		return s.existingPayment, false, nil
	}
	created := *record
	created.ID = uuid.New()
	created.ProcessedAt = startDate
	return &created, true, nil
}

func (s *subscriptionRepoStub) FindPaymentByExternalID(ctx context.Context, externalPaymentID string) (*domain.PaymentRecord, error) {
	if s.existingPayment == nil || s.existingPayment.ExternalPaymentID != externalPaymentID {
		return nil, store.ErrPaymentNotFound
	}
	return s.existingPayment, nil
}

func (s *subscriptionRepoStub) UpdateSubscriptionGuarded(ctx context.Context, id uuid.UUID, params store.UpdateSubscriptionParams) (*domain.Subscription, error) {
	s.updateParams = params
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	updated := *s.sub
	if params.Status != nil {
		updated.Status = *params.Status
	}
	return &updated, nil
}

func (s *subscriptionRepoStub) ExpireDueSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	s.expireCalled = true
	return s.expiredCount, nil
}

func (s *subscriptionRepoStub) AppendAuditEntry(ctx context.Context, entry domain.AuditEntry) error {
	s.auditEntries = append(s.auditEntries, entry)
	return nil
}

func basicPlan() *domain.SubscriptionPlan {
	return &domain.SubscriptionPlan{
		ID:           uuid.New(),
		Name:         "premium",
		DisplayName:  "Premium",
		Price:        5000,
		Currency:     "CTSI",
		DurationDays: 30,
		IsActive:     true,
	}
}

const testAccount = "0xAbC0000000000000000000000000000000000001"

func TestOpenSubscription_CreatesPending(t *testing.T) {
	repo := &subscriptionRepoStub{plan: basicPlan()}
	service := NewService(repo, nil)

	sub, err := service.OpenSubscription(context.Background(), domain.OpenSubscriptionRequest{
		AccountID: testAccount,
		PlanName:  "premium",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if sub.Status != domain.SubscriptionStatusPending {
		t.Fatalf("expected pending status, got %q", sub.Status)
	}
	if sub.AccountID != "0xabc0000000000000000000000000000000000001" {
		t.Fatalf("expected normalized lowercase account, got %q", sub.AccountID)
	}
	if !repo.createCalled {
		t.Fatal("expected exclusive create to be called")
	}
}

func TestOpenSubscription_RejectsSecondOpenSubscription(t *testing.T) {
	repo := &subscriptionRepoStub{
		plan:      basicPlan(),
		createErr: store.ErrOpenSubscriptionExists,
	}
	service := NewService(repo, nil)

	_, err := service.OpenSubscription(context.Background(), domain.OpenSubscriptionRequest{
		AccountID: testAccount,
		PlanName:  "premium",
	})
	if !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("expected ErrAlreadySubscribed, got %v", err)
	}
}

func TestOpenSubscription_RejectsInactivePlan(t *testing.T) {
	plan := basicPlan()
	plan.IsActive = false
	repo := &subscriptionRepoStub{plan: plan}
	service := NewService(repo, nil)

	_, err := service.OpenSubscription(context.Background(), domain.OpenSubscriptionRequest{
		AccountID: testAccount,
		PlanName:  "premium",
	})
	if !errors.Is(err, ErrPlanNotActive) {
		t.Fatalf("expected ErrPlanNotActive, got %v", err)
	}
	if repo.createCalled {
		t.Fatal("did not expect a create for an inactive plan")
	}
}

func TestOpenSubscription_RejectsInvalidAddress(t *testing.T) {
	repo := &subscriptionRepoStub{plan: basicPlan()}
	service := NewService(repo, nil)

	_, err := service.OpenSubscription(context.Background(), domain.OpenSubscriptionRequest{
		AccountID: "not-an-address",
		PlanName:  "premium",
	})
	if !errors.Is(err, domain.ErrInvalidAccountAddress) {
		t.Fatalf("expected ErrInvalidAccountAddress, got %v", err)
	}
}

func TestConfirmPayment_ActivatesAndRecomputesPeriod(t *testing.T) {
	subID := uuid.New()
	repo := &subscriptionRepoStub{
		plan: basicPlan(),
		sub: &domain.Subscription{
			ID:        subID,
			AccountID: "0xabc0000000000000000000000000000000000001",
			PlanName:  "premium",
			Status:    domain.SubscriptionStatusPending,
		},
	}
	service := NewService(repo, nil)

	before := time.Now().UTC()
	rec, err := service.ConfirmPayment(context.Background(), subID, domain.ConfirmPaymentRequest{
		Amount:            5000,
		Currency:          "CTSI",
		PaymentMethod:     "settlement",
		ExternalPaymentID: "pay_001",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if rec.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected completed payment, got %q", rec.Status)
	}

	// The period must be computed from confirmation time, not open time.
	minEnd := before.AddDate(0, 0, 30).Add(-time.Minute)
	if repo.recordedEndDate.Before(minEnd) {
		t.Fatalf("expected end date near now+30d, got %v", repo.recordedEndDate)
	}
}

func TestConfirmPayment_DuplicateIsNoOp(t *testing.T) {
	subID := uuid.New()
	existing := &domain.PaymentRecord{
		ID:                uuid.New(),
		SubscriptionID:    subID,
		Amount:            5000,
		ExternalPaymentID: "pay_001",
		Status:            domain.PaymentStatusCompleted,
	}
	repo := &subscriptionRepoStub{
		plan: basicPlan(),
		sub: &domain.Subscription{
			ID:       subID,
			PlanName: "premium",
			Status:   domain.SubscriptionStatusActive,
		},
		existingPayment: existing,
	}
	service := NewService(repo, nil)

	rec, err := service.ConfirmPayment(context.Background(), subID, domain.ConfirmPaymentRequest{
		Amount:            5000,
		Currency:          "CTSI",
		ExternalPaymentID: "pay_001",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if rec.ID != existing.ID {
		t.Fatal("expected the original payment record to be returned for a replay")
	}
}

func TestConfirmPayment_RejectsFinishedSubscription(t *testing.T) {
	for _, status := range []string{domain.SubscriptionStatusCancelled, domain.SubscriptionStatusExpired} {
		repo := &subscriptionRepoStub{
			plan: basicPlan(),
			sub: &domain.Subscription{
				ID:       uuid.New(),
				PlanName: "premium",
				Status:   status,
			},
		}
		service := NewService(repo, nil)

		_, err := service.ConfirmPayment(context.Background(), repo.sub.ID, domain.ConfirmPaymentRequest{
			Amount:            5000,
			Currency:          "CTSI",
			ExternalPaymentID: "pay-late-1",
		})
		if !errors.Is(err, store.ErrInvalidTransition) {
			t.Fatalf("status %s: expected ErrInvalidTransition, got %v", status, err)
		}
		if repo.recordCalled {
			t.Fatalf("status %s: expected no payment write on a finished subscription", status)
		}
	}
}

func TestConfirmPayment_ReplayOnExpiredReturnsOriginal(t *testing.T) {
	subID := uuid.New()
	existing := &domain.PaymentRecord{
		ID:                uuid.New(),
		SubscriptionID:    subID,
		ExternalPaymentID: "pay_001",
		Status:            domain.PaymentStatusCompleted,
	}
	repo := &subscriptionRepoStub{
		plan: basicPlan(),
		sub: &domain.Subscription{
			ID:       subID,
			PlanName: "premium",
			Status:   domain.SubscriptionStatusExpired,
		},
		existingPayment: existing,
	}
	service := NewService(repo, nil)

	rec, err := service.ConfirmPayment(context.Background(), subID, domain.ConfirmPaymentRequest{
		Amount:            5000,
		Currency:          "CTSI",
		ExternalPaymentID: "pay_001",
	})
	if err != nil {
		t.Fatalf("expected a replay to stay idempotent after expiry, got %v", err)
	}
	if rec.ID != existing.ID {
		t.Fatal("expected the original payment record for a replayed confirmation")
	}
	if repo.recordCalled {
		t.Fatal("expected no new payment write for a replay")
	}
}

func TestConfirmPayment_RejectsNonPositiveAmount(t *testing.T) {
	service := NewService(&subscriptionRepoStub{}, nil)

	_, err := service.ConfirmPayment(context.Background(), uuid.New(), domain.ConfirmPaymentRequest{
		Amount:            0,
		ExternalPaymentID: "pay_002",
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestUpdateSubscription_OnlyCancellationAllowed(t *testing.T) {
	repo := &subscriptionRepoStub{
		sub: &domain.Subscription{ID: uuid.New(), Status: domain.SubscriptionStatusActive},
	}
	service := NewService(repo, nil)

	active := domain.SubscriptionStatusActive
	_, err := service.UpdateSubscription(context.Background(), repo.sub.ID, domain.UpdateSubscriptionRequest{
		Status: &active,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for status=active request, got %v", err)
	}
}

func TestUpdateSubscription_CancelGuardsOnOpenStatuses(t *testing.T) {
	repo := &subscriptionRepoStub{
		sub: &domain.Subscription{ID: uuid.New(), Status: domain.SubscriptionStatusActive},
	}
	service := NewService(repo, nil)

	cancelled := domain.SubscriptionStatusCancelled
	reason := "user request"
	sub, err := service.UpdateSubscription(context.Background(), repo.sub.ID, domain.UpdateSubscriptionRequest{
		Status:       &cancelled,
		CancelReason: &reason,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if sub.Status != domain.SubscriptionStatusCancelled {
		t.Fatalf("expected cancelled status, got %q", sub.Status)
	}
	if len(repo.updateParams.AllowedFrom) != 2 {
		t.Fatalf("expected guard on pending and active, got %v", repo.updateParams.AllowedFrom)
	}
	if repo.updateParams.CancelledAt == nil {
		t.Fatal("expected cancelled_at to be stamped")
	}
}

func TestUpdateSubscription_TerminalRowIsConflict(t *testing.T) {
	repo := &subscriptionRepoStub{
		sub:       &domain.Subscription{ID: uuid.New(), Status: domain.SubscriptionStatusExpired},
		updateErr: store.ErrInvalidTransition,
	}
	service := NewService(repo, nil)

	cancelled := domain.SubscriptionStatusCancelled
	_, err := service.UpdateSubscription(context.Background(), repo.sub.ID, domain.UpdateSubscriptionRequest{
		Status: &cancelled,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDeactivatePlan_AuditsRetirement(t *testing.T) {
	repo := &subscriptionRepoStub{plan: basicPlan()}
	service := NewService(repo, nil)

	if err := service.DeactivatePlan(context.Background(), "premium"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(repo.auditEntries) != 1 || repo.auditEntries[0].Action != "deactivate" {
		t.Fatalf("expected a deactivate audit entry, got %v", repo.auditEntries)
	}
}

func TestDeactivatePlan_UnknownPlan(t *testing.T) {
	repo := &subscriptionRepoStub{deactivateErr: store.ErrPlanNotFound}
	service := NewService(repo, nil)

	err := service.DeactivatePlan(context.Background(), "gold")
	if !errors.Is(err, store.ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
	if len(repo.auditEntries) != 0 {
		t.Fatal("did not expect an audit entry for a failed deactivation")
	}
}

func TestExpireDue_ReportsCount(t *testing.T) {
	repo := &subscriptionRepoStub{expiredCount: 3}
	service := NewService(repo, nil)

	count, err := service.ExpireDue(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 expired, got %d", count)
	}
	if !repo.expireCalled {
		t.Fatal("expected expiry sweep to hit the store")
	}
}
