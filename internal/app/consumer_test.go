package app

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/melodious/settlement-service/internal/domain"
	"github.com/melodious/settlement-service/internal/store"
)

func consumerForTest(repo *reconcilerRepoStub) *SettlementConsumer {
	return NewSettlementConsumer(reconcilerForTest(repo, nil, 5))
}

func TestHandlePaymentConfirmed_MalformedPayloadIsDropped(t *testing.T) {
	consumer := consumerForTest(&reconcilerRepoStub{})

	if ack := consumer.HandlePaymentConfirmed([]byte("{not json")); !ack {
		t.Fatal("expected malformed payload to be acked and dropped")
	}
}

func TestHandlePaymentConfirmed_MissingPaymentIDIsDropped(t *testing.T) {
	consumer := consumerForTest(&reconcilerRepoStub{})

	body, _ := json.Marshal(domain.PaymentConfirmedEvent{Amount: 5000})
	if ack := consumer.HandlePaymentConfirmed(body); !ack {
		t.Fatal("expected event without payment id to be acked and dropped")
	}
}

func TestHandlePaymentConfirmed_UnknownSubscriptionIsParkedAndAcked(t *testing.T) {
	repo := &reconcilerRepoStub{}
	consumer := consumerForTest(repo)

	unknown := uuid.New()
	body, _ := json.Marshal(domain.PaymentConfirmedEvent{
		SubscriptionID:    &unknown,
		ExternalPaymentID: "pay_300",
		Amount:            5000,
		OccurredAt:        time.Now().UTC(),
	})
	if ack := consumer.HandlePaymentConfirmed(body); !ack {
		t.Fatal("expected parked confirmation to be acked, not requeued")
	}
	if !repo.parkCalled {
		t.Fatal("expected the confirmation to be parked")
	}
}

func TestHandlePaymentConfirmed_AppliesAndAcks(t *testing.T) {
	subID := uuid.New()
	repo := &reconcilerRepoStub{
		sub:  &domain.Subscription{ID: subID, PlanName: "premium", Status: domain.SubscriptionStatusPending},
		plan: &domain.SubscriptionPlan{Name: "premium", DurationDays: 30, IsActive: true},
	}
	consumer := consumerForTest(repo)

	body, _ := json.Marshal(domain.PaymentConfirmedEvent{
		SubscriptionID:    &subID,
		ExternalPaymentID: "pay_301",
		Amount:            5000,
		Currency:          "CTSI",
	})
	if ack := consumer.HandlePaymentConfirmed(body); !ack {
		t.Fatal("expected applied confirmation to be acked")
	}
	if repo.parkCalled {
		t.Fatal("did not expect parking for a known subscription")
	}
}

func TestHandlePayoutConfirmed_ConflictIsAcked(t *testing.T) {
	repo := &reconcilerRepoStub{attachErr: store.ErrConflictingSettlement}
	consumer := consumerForTest(repo)

	body, _ := json.Marshal(domain.PayoutConfirmedEvent{
		PointTransactionID: uuid.New(),
		TransactionHash:    "0xhash",
	})
	if ack := consumer.HandlePayoutConfirmed(body); !ack {
		t.Fatal("expected conflicting settlement to be acked; requeueing only replays the conflict")
	}
}

func TestHandlePayoutConfirmed_MissingConversionIsRequeued(t *testing.T) {
	repo := &reconcilerRepoStub{attachErr: store.ErrPointTransactionNotFound}
	consumer := consumerForTest(repo)

	body, _ := json.Marshal(domain.PayoutConfirmedEvent{
		PointTransactionID: uuid.New(),
		TransactionHash:    "0xhash",
	})
	if ack := consumer.HandlePayoutConfirmed(body); ack {
		t.Fatal("expected not-yet-committed conversion to be requeued")
	}
}

func TestHandlePayoutConfirmed_AppliesAndAcks(t *testing.T) {
	txID := uuid.New()
	hash := "0xhash"
	repo := &reconcilerRepoStub{
		attachResult: &domain.PointTransaction{
			ID:               txID,
			Type:             domain.PointTxConverted,
			SettlementTxHash: &hash,
		},
	}
	consumer := consumerForTest(repo)

	body, _ := json.Marshal(domain.PayoutConfirmedEvent{
		PointTransactionID: txID,
		TransactionHash:    hash,
	})
	if ack := consumer.HandlePayoutConfirmed(body); !ack {
		t.Fatal("expected applied payout to be acked")
	}
}
