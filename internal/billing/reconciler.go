package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/mmynk/coachledger/internal/models"
)

// Reconciler resolves charges left in processing by a crashed sweep or an
// unknown gateway outcome.
//
// A stuck charge is resubmitted with the idempotency key it was claimed
// with, so the gateway replays the original result instead of billing twice.
type Reconciler struct {
	p *Processor
}

// NewReconciler shares the processor's gateway, limiter and settings.
func NewReconciler(p *Processor) *Reconciler {
	return &Reconciler{p: p}
}

// Run resubmits every charge claimed more than StuckAfter before now.
func (r *Reconciler) Run(ctx context.Context, now time.Time) (*Result, error) {
	p := r.p
	stuck, err := p.store.ListStuckCharges(ctx, now.Add(-p.cfg.StuckAfter), p.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck charges: %w", err)
	}

	res := &Result{}
	for i := range stuck {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		charge := &stuck[i]
		res.Processed++

		if charge.IdempotencyKey == "" {
			charge.IdempotencyKey = charge.AttemptKey(charge.AttemptCount + 1)
		}
		p.logger.Info("Resubmitting stuck charge",
			"charge_id", charge.ID,
			"stuck_for", stuckSince(charge, now),
			"idempotency_key", charge.IdempotencyKey,
		)

		outcome, _ := p.charge(ctx, charge, now)
		res.add(outcome, charge)
		p.metrics.Charge(outcome)
	}

	if res.Processed > 0 {
		p.logger.Info("Stuck charge sweep finished",
			"processed", res.Processed,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
			"unknown", res.Unknown,
		)
	}
	return res, nil
}

// stuckSince reports how long a charge has been processing.
func stuckSince(c *models.DueCharge, now time.Time) time.Duration {
	if c.ClaimedAt.IsZero() {
		return 0
	}
	return now.Sub(c.ClaimedAt)
}
