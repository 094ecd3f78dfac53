package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/mmynk/coachledger/internal/gateway"
	"github.com/mmynk/coachledger/internal/metrics"
	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

// Result summarizes one processor or reconciler sweep.
type Result struct {
	Processed int
	Succeeded int
	Retrying  int
	Failed    int
	Unknown   int
	Skipped   int
	Errored   int

	// Charged lists the charges that succeeded in this sweep, ready for the
	// payment recorder.
	Charged []models.DueCharge
}

func (r *Result) add(outcome string, due *models.DueCharge) {
	switch outcome {
	case metrics.OutcomeSucceeded:
		r.Succeeded++
		r.Charged = append(r.Charged, *due)
	case metrics.OutcomeRetry:
		r.Retrying++
	case metrics.OutcomeFailed:
		r.Failed++
	case metrics.OutcomeUnknown:
		r.Unknown++
	case metrics.OutcomeSkipped:
		r.Skipped++
	case metrics.OutcomeErrored:
		r.Errored++
	}
}

// Attempt is the outcome of charging a single installment.
type Attempt struct {
	Charge  models.DueCharge
	Outcome string

	// GatewayErr is the gateway's answer when the charge did not succeed.
	GatewayErr error
}

// Processor bills due charges.
type Processor struct {
	store   ChargeStore
	gateway gateway.Gateway
	limiter *rate.Limiter
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProcessor creates a Processor. m and logger may be nil.
func NewProcessor(store ChargeStore, gw gateway.Gateway, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Processor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.GatewayRPS > 0 {
		limit = rate.Limit(cfg.GatewayRPS)
	}
	return &Processor{
		store:   store,
		gateway: gw,
		limiter: rate.NewLimiter(limit, cfg.GatewayBurst),
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Run bills every charge due at now, one at a time. Gateway failures are
// recorded on the charge and never stop the sweep; a storage failure only
// skips the affected charge.
func (p *Processor) Run(ctx context.Context, now time.Time) (*Result, error) {
	due, err := p.store.ListDueCharges(ctx, now, p.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list due charges: %w", err)
	}

	res := &Result{}
	for i := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		charge := &due[i]
		res.Processed++

		outcome := p.claimAndCharge(ctx, charge, now)
		res.add(outcome, charge)
		p.metrics.Charge(outcome)
	}

	p.logger.Info("Charge sweep finished",
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"retrying", res.Retrying,
		"failed", res.Failed,
		"unknown", res.Unknown,
		"skipped", res.Skipped,
		"errored", res.Errored,
	)
	return res, nil
}

// ChargeInitial bills the first installment of a pending_initial schedule.
// Success activates the schedule.
func (p *Processor) ChargeInitial(ctx context.Context, scheduleID string, now time.Time) (*Attempt, error) {
	schedule, err := p.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if schedule.Status != models.SchedulePendingInitial {
		return nil, fmt.Errorf("%w: schedule %s is %s", ErrScheduleState, scheduleID, schedule.Status)
	}

	charges, err := p.store.ListCharges(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if len(charges) == 0 || charges[0].Status != models.ChargePending {
		return nil, fmt.Errorf("%w: schedule %s has no pending first installment", ErrScheduleState, scheduleID)
	}

	due, err := p.store.GetDueCharge(ctx, charges[0].ID)
	if err != nil {
		return nil, err
	}

	attempt := &Attempt{}
	ok, err := p.claim(ctx, due, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: first installment of schedule %s is already being charged", storage.ErrConflict, scheduleID)
	}

	attempt.Outcome, attempt.GatewayErr = p.charge(ctx, due, now)
	attempt.Charge = *due
	p.metrics.Charge(attempt.Outcome)
	return attempt, nil
}

func (p *Processor) claimAndCharge(ctx context.Context, due *models.DueCharge, now time.Time) string {
	ok, err := p.claim(ctx, due, now)
	if err != nil {
		p.logger.Error("Failed to claim charge", "charge_id", due.ID, "error", err)
		return metrics.OutcomeErrored
	}
	if !ok {
		p.logger.Debug("Charge already claimed", "charge_id", due.ID)
		return metrics.OutcomeSkipped
	}
	outcome, _ := p.charge(ctx, due, now)
	return outcome
}

// claim moves the charge to processing under a fresh idempotency key.
func (p *Processor) claim(ctx context.Context, due *models.DueCharge, now time.Time) (bool, error) {
	key := due.AttemptKey(due.AttemptCount + 1)
	ok, err := p.store.ClaimCharge(ctx, due.ID, due.AttemptCount, key, now)
	if err != nil || !ok {
		return ok, err
	}
	due.Status = models.ChargeProcessing
	due.IdempotencyKey = key
	due.ClaimedAt = now
	return true, nil
}

// charge submits a claimed charge and applies the gateway's answer.
func (p *Processor) charge(ctx context.Context, due *models.DueCharge, now time.Time) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		// Not submitted. The stuck reconciler picks the charge up again.
		p.recordUnknown(ctx, due, fmt.Errorf("%w: %v", gateway.ErrUnknownOutcome, err))
		return metrics.OutcomeUnknown, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.GatewayTimeout)
	defer cancel()

	result, err := p.gateway.CreateCharge(callCtx, gateway.ChargeRequest{
		CustomerID:      due.GatewayCustomerID,
		PaymentMethodID: due.GatewayPaymentMethodID,
		Amount:          due.Amount,
		Currency:        p.cfg.Currency,
		IdempotencyKey:  due.IdempotencyKey,
		Metadata: map[string]string{
			"charge_id":   due.ID,
			"schedule_id": due.ScheduleID,
			"client_id":   due.ClientID,
			"sequence":    strconv.Itoa(due.Sequence),
		},
	})
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !gateway.Definitive(err) {
		err = fmt.Errorf("%w: %v", gateway.ErrUnknownOutcome, err)
	}
	return p.apply(ctx, due, result, err, now), err
}

// apply records the gateway's answer on a processing charge.
func (p *Processor) apply(ctx context.Context, due *models.DueCharge, result *gateway.ChargeResult, gwErr error, now time.Time) string {
	log := p.logger.With("charge_id", due.ID, "schedule_id", due.ScheduleID)

	switch {
	case gwErr == nil:
		ok, err := p.store.CompleteCharge(ctx, due.ID, result.ID, now)
		if err != nil {
			log.Error("Charge succeeded at gateway but could not be recorded", "gateway_payment_id", result.ID, "error", err)
			return metrics.OutcomeErrored
		}
		if !ok {
			log.Warn("Charge was no longer processing when completing", "gateway_payment_id", result.ID)
			return metrics.OutcomeSkipped
		}
		due.Status = models.ChargeSucceeded
		due.GatewayPaymentID = result.ID
		due.ChargedAt = now
		due.LastError = ""
		p.advanceSchedule(ctx, due.ScheduleID, now)
		log.Info("Charge succeeded", "gateway_payment_id", result.ID, "amount", due.Amount.StringFixed(2))
		return metrics.OutcomeSucceeded

	case gateway.Definitive(gwErr):
		attempts := due.AttemptCount + 1
		msg := gwErr.Error()
		if attempts < p.cfg.MaxAttempts {
			next := now.Add(p.cfg.RetryBackoff)
			ok, err := p.store.RetryCharge(ctx, due.ID, attempts, next, msg)
			if err != nil || !ok {
				log.Error("Failed to reschedule declined charge", "ok", ok, "error", err)
				return metrics.OutcomeErrored
			}
			due.Status = models.ChargePending
			due.AttemptCount = attempts
			due.DueAt = next
			due.LastError = msg
			log.Warn("Charge declined, retry scheduled", "attempt", attempts, "next_due", next, "error", gwErr)
			return metrics.OutcomeRetry
		}

		ok, err := p.store.FailCharge(ctx, due.ID, attempts, msg)
		if err != nil || !ok {
			log.Error("Failed to mark charge failed", "ok", ok, "error", err)
			return metrics.OutcomeErrored
		}
		due.Status = models.ChargeFailed
		due.AttemptCount = attempts
		due.LastError = msg
		if err := p.store.FlagSchedule(ctx, due.ScheduleID, models.ReasonChargeFailed, now); err != nil {
			log.Error("Failed to flag schedule", "error", err)
		}
		p.raise(ctx, models.SubjectCharge, due.ID, models.ReasonChargeFailed, msg, now)
		log.Error("Charge failed permanently", "attempts", attempts, "error", gwErr)
		return metrics.OutcomeFailed

	default:
		p.recordUnknown(ctx, due, gwErr)
		return metrics.OutcomeUnknown
	}
}

func (p *Processor) recordUnknown(ctx context.Context, due *models.DueCharge, gwErr error) {
	due.LastError = gwErr.Error()
	if err := p.store.NoteChargeError(ctx, due.ID, due.LastError); err != nil {
		p.logger.Error("Failed to record charge error", "charge_id", due.ID, "error", err)
	}
	p.logger.Warn("Charge outcome unknown, left processing", "charge_id", due.ID, "error", gwErr)
}

// advanceSchedule activates a schedule after its first payment and completes
// it once every installment is settled. Both updates are guarded no-ops when
// they do not apply.
func (p *Processor) advanceSchedule(ctx context.Context, scheduleID string, now time.Time) {
	if _, err := p.store.TransitionSchedule(ctx, scheduleID,
		[]models.ScheduleStatus{models.SchedulePendingInitial}, models.ScheduleActive, now); err != nil {
		p.logger.Error("Failed to activate schedule", "schedule_id", scheduleID, "error", err)
		return
	}

	settled, err := p.store.ScheduleSettled(ctx, scheduleID)
	if err != nil {
		p.logger.Error("Failed to check schedule completion", "schedule_id", scheduleID, "error", err)
		return
	}
	if !settled {
		return
	}
	ok, err := p.store.TransitionSchedule(ctx, scheduleID,
		[]models.ScheduleStatus{models.ScheduleActive}, models.ScheduleCompleted, now)
	if err != nil {
		p.logger.Error("Failed to complete schedule", "schedule_id", scheduleID, "error", err)
		return
	}
	if ok {
		p.logger.Info("Schedule completed", "schedule_id", scheduleID)
	}
}

func (p *Processor) raise(ctx context.Context, subject models.SubjectType, id, reason, detail string, now time.Time) {
	created, err := p.store.RaiseFlag(ctx, &models.ReviewFlag{
		SubjectType: subject,
		SubjectID:   id,
		Reason:      reason,
		Detail:      detail,
		CreatedAt:   now,
	})
	if err != nil {
		p.logger.Error("Failed to raise review flag", "subject_id", id, "reason", reason, "error", err)
		return
	}
	if created {
		p.metrics.Flag(reason)
	}
}
