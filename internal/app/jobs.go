/**
 * @description
 * Scheduled job implementations: the subscription expiry sweep and the
 * parked-confirmation drain. Both are idempotent, so overlapping or repeated
 * runs are harmless.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// SubscriptionExpirer is the slice of the subscription service the sweep needs.
type SubscriptionExpirer interface {
	ExpireDue(ctx context.Context) (int64, error)
}

// ParkedDrainer is the slice of the reconciler the drain job needs.
type ParkedDrainer interface {
	DrainParked(ctx context.Context) (applied, escalated int, err error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	expirer SubscriptionExpirer
	drainer ParkedDrainer
	logger  *slog.Logger
	timeout time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(expirer SubscriptionExpirer, drainer ParkedDrainer, logger *slog.Logger) *Jobs {
	return &Jobs{
		expirer: expirer,
		drainer: drainer,
		logger:  logger,
		timeout: 2 * time.Minute,
	}
}

// RunExpirySweep moves every lapsed active subscription to expired.
func (j *Jobs) RunExpirySweep() {
	j.logger.Info("starting subscription expiry sweep")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	count, err := j.expirer.ExpireDue(ctx)
	if err != nil {
		j.logger.Error("expiry sweep failed", "error", err)
		return
	}
	j.logger.Info("subscription expiry sweep finished", "expired", count)
}

// RunParkedDrain retries parked payment confirmations and escalates the ones
// that exhausted their retry bound.
func (j *Jobs) RunParkedDrain() {
	j.logger.Info("starting parked confirmation drain")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	applied, escalated, err := j.drainer.DrainParked(ctx)
	if err != nil {
		j.logger.Error("parked confirmation drain failed", "error", err)
		return
	}
	if escalated > 0 {
		j.logger.Warn("parked confirmations escalated for operator attention", "count", escalated)
	}
	j.logger.Info("parked confirmation drain finished", "applied", applied, "escalated", escalated)
}
