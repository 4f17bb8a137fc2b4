package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/melodious/settlement-service/internal/domain"
	"github.com/melodious/settlement-service/internal/store"
)

// SettlementConsumer handles confirmation messages from the settlement layer
// bridge. Handler return values follow the broker contract: true acks the
// delivery, false requeues it.
type SettlementConsumer struct {
	reconciler *Reconciler
}

func NewSettlementConsumer(reconciler *Reconciler) *SettlementConsumer {
	return &SettlementConsumer{reconciler: reconciler}
}

// HandlePaymentConfirmed processes one payment confirmation delivery.
// Malformed payloads are acked to drop them; the reconciler's own parking
// logic handles the "subscription not yet committed" case, so a processing
// error here means infrastructure trouble and the message is requeued.
func (c *SettlementConsumer) HandlePaymentConfirmed(body []byte) bool {
	var event domain.PaymentConfirmedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("settlement-consumer: failed to unmarshal payment confirmation: %v", err)
		return true
	}
	if event.ExternalPaymentID == "" {
		log.Printf("settlement-consumer: missing external payment id in event %+v", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.reconciler.OnPaymentConfirmed(ctx, event); err != nil {
		log.Printf("settlement-consumer: processing error for payment %s: %v", event.ExternalPaymentID, err)
		return false
	}
	return true
}

// HandlePayoutConfirmed processes one conversion payout confirmation.
// A conflicting settlement is a definitive failure: requeueing would only
// replay the conflict, so the message is acked and the conflict stays
// visible through the error log and audit trail.
func (c *SettlementConsumer) HandlePayoutConfirmed(body []byte) bool {
	var event domain.PayoutConfirmedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("settlement-consumer: failed to unmarshal payout confirmation: %v", err)
		return true
	}
	if event.TransactionHash == "" {
		log.Printf("settlement-consumer: missing transaction hash in payout event %+v", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := c.reconciler.OnConversionPayoutConfirmed(ctx, event.PointTransactionID, event.TransactionHash); err != nil {
		if errors.Is(err, store.ErrConflictingSettlement) || errors.Is(err, store.ErrNotAConversion) {
			return true
		}
		if errors.Is(err, store.ErrPointTransactionNotFound) {
			// The conversion row may not be committed yet; retry via requeue.
			log.Printf("settlement-consumer: conversion %s not found yet; requeueing", event.PointTransactionID)
			return false
		}
		log.Printf("settlement-consumer: processing error for payout %s: %v", event.PointTransactionID, err)
		return false
	}
	return true
}
