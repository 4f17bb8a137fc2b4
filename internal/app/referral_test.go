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

type referralRepoStub struct {
	store.Repository

	referral    *domain.Referral
	completeErr error
	cancelErr   error

	pointTx *domain.PointTransaction

	conversion      *domain.PointTransaction
	conversionErr   error
	duplicateConv   bool
	convertCalled   bool
	recordedConv    *domain.PointTransaction
	recordedMaxCap  int64
	completedCalled bool
}

func (s *referralRepoStub) CreateReferral(ctx context.Context, ref *domain.Referral) (*domain.Referral, error) {
	created := *ref
	created.ID = uuid.New()
	return &created, nil
}

func (s *referralRepoStub) FindReferralByID(ctx context.Context, id uuid.UUID) (*domain.Referral, error) {
	if s.referral == nil {
		return nil, store.ErrReferralNotFound
	}
	return s.referral, nil
}

func (s *referralRepoStub) CompleteReferralWithEarning(ctx context.Context, id uuid.UUID, completedAt time.Time) (*domain.Referral, *domain.PointTransaction, error) {
	s.completedCalled = true
	if s.completeErr != nil {
		return nil, nil, s.completeErr
	}
	ref := *s.referral
	ref.Status = domain.ReferralStatusCompleted
	ref.CompletedAt = &completedAt
	if ref.PointsEarned == 0 {
		return &ref, nil, nil
	}
	earning := &domain.PointTransaction{
		ID:        uuid.New(),
		AccountID: ref.ReferrerAccount,
		Type:      domain.PointTxEarned,
		Points:    ref.PointsEarned,
	}
	return &ref, earning, nil
}

func (s *referralRepoStub) CancelReferral(ctx context.Context, id uuid.UUID) (*domain.Referral, error) {
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	ref := *s.referral
	ref.Status = domain.ReferralStatusCancelled
	return &ref, nil
}

func (s *referralRepoStub) CreateConversionExclusive(ctx context.Context, conv *domain.PointTransaction, maxDailyConversion int64) (*domain.PointTransaction, bool, error) {
	s.convertCalled = true
	s.recordedConv = conv
	s.recordedMaxCap = maxDailyConversion
	if s.conversionErr != nil {
		return nil, false, s.conversionErr
	}
	if s.duplicateConv {
		return s.conversion, false, nil
	}
	created := *conv
	created.ID = uuid.New()
	return &created, true, nil
}

func (s *referralRepoStub) FindPointTransactionByID(ctx context.Context, id uuid.UUID) (*domain.PointTransaction, error) {
	if s.pointTx == nil || s.pointTx.ID != id {
		return nil, store.ErrPointTransactionNotFound
	}
	return s.pointTx, nil
}

func (s *referralRepoStub) AppendAuditEntry(ctx context.Context, entry domain.AuditEntry) error {
	return nil
}

func referralServiceForTest(repo store.Repository) *ReferralService {
	return NewReferralService(repo, nil, ConversionPolicy{
		Rate:     100,
		Minimum:  100,
		DailyCap: 10000,
	})
}

const (
	referrerAccount = "0x1111111111111111111111111111111111111111"
	referredAccount = "0x2222222222222222222222222222222222222222"
)

func TestCreateReferral_Validation(t *testing.T) {
	tests := []struct {
		name    string
		req     domain.CreateReferralRequest
		wantErr error
	}{
		{
			name: "self referral rejected",
			req: domain.CreateReferralRequest{
				ReferrerAccount: referrerAccount,
				ReferredAccount: referrerAccount,
				Code:            "WELCOME",
				Points:          100,
			},
			wantErr: ErrSelfReferral,
		},
		{
			name: "self referral rejected case-insensitively",
			req: domain.CreateReferralRequest{
				ReferrerAccount: "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
				ReferredAccount: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
				Code:            "WELCOME",
				Points:          100,
			},
			wantErr: ErrSelfReferral,
		},
		{
			name: "blank code rejected",
			req: domain.CreateReferralRequest{
				ReferrerAccount: referrerAccount,
				ReferredAccount: referredAccount,
				Code:            "   ",
				Points:          100,
			},
			wantErr: ErrBlankReferralCode,
		},
		{
			name: "negative points rejected",
			req: domain.CreateReferralRequest{
				ReferrerAccount: referrerAccount,
				ReferredAccount: referredAccount,
				Code:            "WELCOME",
				Points:          -1,
			},
			wantErr: ErrNegativePoints,
		},
		{
			name: "malformed referrer rejected",
			req: domain.CreateReferralRequest{
				ReferrerAccount: "0xzz",
				ReferredAccount: referredAccount,
				Code:            "WELCOME",
				Points:          100,
			},
			wantErr: domain.ErrInvalidAccountAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := referralServiceForTest(&referralRepoStub{})
			_, err := service.CreateReferral(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCreateReferral_NormalizesCodeAndAddresses(t *testing.T) {
	repo := &referralRepoStub{}
	service := referralServiceForTest(repo)

	ref, err := service.CreateReferral(context.Background(), domain.CreateReferralRequest{
		ReferrerAccount: "0x1111111111111111111111111111111111111111",
		ReferredAccount: "0x2222222222222222222222222222222222222222",
		Code:            "  welcome10 ",
		Points:          100,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if ref.Code != "WELCOME10" {
		t.Fatalf("expected upper-cased trimmed code, got %q", ref.Code)
	}
	if ref.Status != domain.ReferralStatusPending {
		t.Fatalf("expected pending referral, got %q", ref.Status)
	}
}

func TestCompleteReferral_CreditsEarningOnce(t *testing.T) {
	repo := &referralRepoStub{
		referral: &domain.Referral{
			ID:              uuid.New(),
			ReferrerAccount: referrerAccount,
			ReferredAccount: referredAccount,
			PointsEarned:    250,
			Status:          domain.ReferralStatusPending,
		},
	}
	service := referralServiceForTest(repo)

	ref, err := service.CompleteReferral(context.Background(), repo.referral.ID, time.Time{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if ref.Status != domain.ReferralStatusCompleted {
		t.Fatalf("expected completed referral, got %q", ref.Status)
	}
	if ref.CompletedAt == nil {
		t.Fatal("expected completed_at to be stamped")
	}
	if !repo.completedCalled {
		t.Fatal("expected the completion to run through the store transaction")
	}
}

func TestCompleteReferral_ZeroPointReferralCompletes(t *testing.T) {
	repo := &referralRepoStub{
		referral: &domain.Referral{
			ID:              uuid.New(),
			ReferrerAccount: referrerAccount,
			ReferredAccount: referredAccount,
			PointsEarned:    0,
			Status:          domain.ReferralStatusPending,
		},
	}
	service := referralServiceForTest(repo)

	ref, err := service.CompleteReferral(context.Background(), repo.referral.ID, time.Time{})
	if err != nil {
		t.Fatalf("expected a zero-point referral to complete, got %v", err)
	}
	if ref.Status != domain.ReferralStatusCompleted {
		t.Fatalf("expected completed referral, got %q", ref.Status)
	}
}

func TestCompleteReferral_AlreadyCompletedIsConflict(t *testing.T) {
	repo := &referralRepoStub{
		referral: &domain.Referral{
			ID:     uuid.New(),
			Status: domain.ReferralStatusCompleted,
		},
		completeErr: store.ErrReferralNotPending,
	}
	service := referralServiceForTest(repo)

	_, err := service.CompleteReferral(context.Background(), repo.referral.ID, time.Time{})
	if !errors.Is(err, ErrReferralCompleted) {
		t.Fatalf("expected ErrReferralCompleted, got %v", err)
	}
}

func TestCompleteReferral_CancelledIsConflict(t *testing.T) {
	repo := &referralRepoStub{
		referral: &domain.Referral{
			ID:     uuid.New(),
			Status: domain.ReferralStatusCancelled,
		},
		completeErr: store.ErrReferralNotPending,
	}
	service := referralServiceForTest(repo)

	_, err := service.CompleteReferral(context.Background(), repo.referral.ID, time.Time{})
	if !errors.Is(err, ErrReferralCancelled) {
		t.Fatalf("expected ErrReferralCancelled, got %v", err)
	}
}

func TestCancelReferral_CompletedIsFinal(t *testing.T) {
	repo := &referralRepoStub{
		referral: &domain.Referral{
			ID:     uuid.New(),
			Status: domain.ReferralStatusCompleted,
		},
		cancelErr: store.ErrReferralNotPending,
	}
	service := referralServiceForTest(repo)

	_, err := service.CancelReferral(context.Background(), repo.referral.ID)
	if !errors.Is(err, ErrCannotCancelCompleted) {
		t.Fatalf("expected ErrCannotCancelCompleted, got %v", err)
	}
}

func TestCancelReferral_RepeatCancelIsNoOp(t *testing.T) {
	repo := &referralRepoStub{
		referral: &domain.Referral{
			ID:     uuid.New(),
			Status: domain.ReferralStatusCancelled,
		},
		cancelErr: store.ErrReferralNotPending,
	}
	service := referralServiceForTest(repo)

	ref, err := service.CancelReferral(context.Background(), repo.referral.ID)
	if err != nil {
		t.Fatalf("expected nil error for repeat cancel, got %v", err)
	}
	if ref.Status != domain.ReferralStatusCancelled {
		t.Fatalf("expected cancelled referral, got %q", ref.Status)
	}
}

func TestConvertPoints_RecordsDebitWithTokenAmount(t *testing.T) {
	repo := &referralRepoStub{}
	service := referralServiceForTest(repo)

	tx, err := service.ConvertPoints(context.Background(), domain.ConvertPointsRequest{
		AccountID: referrerAccount,
		Points:    250,
		RequestID: "req-001",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if tx.Type != domain.PointTxConverted {
		t.Fatalf("expected converted row, got %q", tx.Type)
	}
	if tx.TokenAmount == nil || *tx.TokenAmount != 2.5 {
		t.Fatalf("expected token amount 2.5 at rate 100, got %v", tx.TokenAmount)
	}
	if tx.ConversionRate == nil || *tx.ConversionRate != 100 {
		t.Fatalf("expected recorded rate 100, got %v", tx.ConversionRate)
	}
	if repo.recordedMaxCap != 10000 {
		t.Fatalf("expected daily cap 10000 passed to store, got %d", repo.recordedMaxCap)
	}
	if repo.recordedConv == nil || repo.recordedConv.RequestID == nil || *repo.recordedConv.RequestID != "req-001" {
		t.Fatal("expected the request id to be recorded with the conversion")
	}
}

func TestConvertPoints_Validation(t *testing.T) {
	tests := []struct {
		name    string
		req     domain.ConvertPointsRequest
		wantErr error
	}{
		{
			name:    "missing request id",
			req:     domain.ConvertPointsRequest{AccountID: referrerAccount, Points: 250},
			wantErr: ErrMissingRequestID,
		},
		{
			name:    "zero points",
			req:     domain.ConvertPointsRequest{AccountID: referrerAccount, Points: 0, RequestID: "r"},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "below minimum",
			req:     domain.ConvertPointsRequest{AccountID: referrerAccount, Points: 50, RequestID: "r"},
			wantErr: ErrBelowMinimumConversion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &referralRepoStub{}
			service := referralServiceForTest(repo)
			_, err := service.ConvertPoints(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if repo.convertCalled {
				t.Fatal("expected rejection before any write")
			}
		})
	}
}

func TestConvertPoints_StoreRejectionsPropagate(t *testing.T) {
	for _, storeErr := range []error{store.ErrInsufficientPoints, store.ErrDailyCapExceeded} {
		repo := &referralRepoStub{conversionErr: storeErr}
		service := referralServiceForTest(repo)

		_, err := service.ConvertPoints(context.Background(), domain.ConvertPointsRequest{
			AccountID: referrerAccount,
			Points:    250,
			RequestID: "req-001",
		})
		if !errors.Is(err, storeErr) {
			t.Fatalf("expected %v, got %v", storeErr, err)
		}
	}
}

func TestConvertPoints_DuplicateRequestReturnsOriginal(t *testing.T) {
	existing := &domain.PointTransaction{
		ID:        uuid.New(),
		AccountID: referrerAccount,
		Type:      domain.PointTxConverted,
		Points:    250,
	}
	repo := &referralRepoStub{conversion: existing, duplicateConv: true}
	service := referralServiceForTest(repo)

	tx, err := service.ConvertPoints(context.Background(), domain.ConvertPointsRequest{
		AccountID: referrerAccount,
		Points:    250,
		RequestID: "req-001",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if tx.ID != existing.ID {
		t.Fatal("expected the originally recorded conversion for a replayed request id")
	}
}

type fixedRateLimiter struct {
	count int
	err   error
}

func (l *fixedRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return l.count, 30, l.err
}

func TestConvertPoints_RateLimited(t *testing.T) {
	repo := &referralRepoStub{}
	service := referralServiceForTest(repo)
	service.SetConversionRateLimiter(&fixedRateLimiter{count: 11}, 10)

	_, err := service.ConvertPoints(context.Background(), domain.ConvertPointsRequest{
		AccountID: referrerAccount,
		Points:    250,
		RequestID: "req-001",
	})
	if !errors.Is(err, ErrConversionRateLimited) {
		t.Fatalf("expected ErrConversionRateLimited, got %v", err)
	}
	if repo.convertCalled {
		t.Fatal("expected rate limit to reject before any write")
	}
}

func TestConvertPoints_LimiterOutageAllowsRequest(t *testing.T) {
	repo := &referralRepoStub{}
	service := referralServiceForTest(repo)
	service.SetConversionRateLimiter(&fixedRateLimiter{err: errors.New("redis down")}, 10)

	_, err := service.ConvertPoints(context.Background(), domain.ConvertPointsRequest{
		AccountID: referrerAccount,
		Points:    250,
		RequestID: "req-001",
	})
	if err != nil {
		t.Fatalf("expected limiter outage to fail open, got %v", err)
	}
}

func TestGetPointTransaction_LookupByID(t *testing.T) {
	tx := &domain.PointTransaction{
		ID:        uuid.New(),
		AccountID: referrerAccount,
		Type:      domain.PointTxConverted,
		Points:    -250,
	}
	service := referralServiceForTest(&referralRepoStub{pointTx: tx})

	got, err := service.GetPointTransaction(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got.ID != tx.ID {
		t.Fatalf("expected transaction %s, got %s", tx.ID, got.ID)
	}

	_, err = service.GetPointTransaction(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrPointTransactionNotFound) {
		t.Fatalf("expected ErrPointTransactionNotFound, got %v", err)
	}
}
