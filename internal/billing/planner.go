package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/calculator"
	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

// MaxInstallments bounds the length of a plan.
const MaxInstallments = 60

// PlanRequest describes a payment plan a client signed.
//
// Exactly one of InstallmentAmount and TotalAmount is set. With TotalAmount
// the total is split into equal installments, remainder cents first.
type PlanRequest struct {
	ClientID               string
	GatewayCustomerID      string
	GatewayPaymentMethodID string

	InstallmentAmount decimal.Decimal
	TotalAmount       decimal.Decimal
	Count             int

	FirstDueAt time.Time
	Interval   calculator.Interval
}

// PlannerStore is what the Planner needs from storage.
type PlannerStore interface {
	storage.ClientStore
	storage.ScheduleStore
	storage.ChargeStore
}

// Planner creates schedules and handles staff-driven lifecycle changes.
type Planner struct {
	store  PlannerStore
	logger *slog.Logger
}

func NewPlanner(store PlannerStore, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{store: store, logger: logger}
}

// CreateSchedule stores a pending_initial schedule with all of its charges.
func (p *Planner) CreateSchedule(ctx context.Context, req PlanRequest, now time.Time) (*models.PaymentSchedule, []models.ScheduledCharge, error) {
	if req.GatewayCustomerID == "" || req.GatewayPaymentMethodID == "" {
		return nil, nil, fmt.Errorf("%w: a gateway customer and payment method are required", ErrInvalidPlan)
	}
	if req.Count <= 0 || req.Count > MaxInstallments {
		return nil, nil, fmt.Errorf("%w: installment count must be between 1 and %d", ErrInvalidPlan, MaxInstallments)
	}
	if req.FirstDueAt.IsZero() {
		req.FirstDueAt = now
	}
	if req.Interval == "" {
		req.Interval = calculator.Monthly
	}

	if _, err := p.store.GetClient(ctx, req.ClientID); err != nil {
		return nil, nil, err
	}

	amounts, err := planAmounts(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	dates, err := calculator.InstallmentDates(req.FirstDueAt.UTC(), req.Count, req.Interval)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	schedule := &models.PaymentSchedule{
		ClientID:               req.ClientID,
		GatewayCustomerID:      req.GatewayCustomerID,
		GatewayPaymentMethodID: req.GatewayPaymentMethodID,
		Status:                 models.SchedulePendingInitial,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	charges := make([]models.ScheduledCharge, req.Count)
	for i := range charges {
		charges[i] = models.ScheduledCharge{
			Sequence: i + 1,
			Amount:   amounts[i],
			DueAt:    dates[i],
			Status:   models.ChargePending,
		}
	}

	if err := p.store.CreateSchedule(ctx, schedule, charges); err != nil {
		return nil, nil, err
	}
	p.logger.Info("Schedule created",
		"schedule_id", schedule.ID,
		"client_id", schedule.ClientID,
		"installments", len(charges),
		"interval", req.Interval,
	)
	return schedule, charges, nil
}

func planAmounts(req PlanRequest) ([]decimal.Decimal, error) {
	hasInstallment := !req.InstallmentAmount.IsZero()
	hasTotal := !req.TotalAmount.IsZero()
	switch {
	case hasInstallment == hasTotal:
		return nil, errors.New("set exactly one of installment amount and total amount")
	case hasTotal:
		return calculator.SplitAmount(req.TotalAmount, req.Count)
	}

	amount := calculator.RoundMoney(req.InstallmentAmount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("installment amount must be positive, got %s", req.InstallmentAmount)
	}
	amounts := make([]decimal.Decimal, req.Count)
	for i := range amounts {
		amounts[i] = amount
	}
	return amounts, nil
}

// Activate marks a pending_initial schedule active without charging, for a
// first payment taken outside the gateway.
func (p *Planner) Activate(ctx context.Context, scheduleID string, now time.Time) error {
	return p.transition(ctx, scheduleID, []models.ScheduleStatus{models.SchedulePendingInitial}, models.ScheduleActive, now)
}

// Cancel stops a schedule. Its pending installments are skipped; a charge
// already processing finishes normally.
func (p *Planner) Cancel(ctx context.Context, scheduleID string, now time.Time) error {
	err := p.transition(ctx, scheduleID,
		[]models.ScheduleStatus{models.SchedulePendingInitial, models.ScheduleActive}, models.ScheduleCancelled, now)
	if err != nil {
		return err
	}
	return skipOpenCharges(ctx, p.store, scheduleID)
}

func (p *Planner) transition(ctx context.Context, scheduleID string, from []models.ScheduleStatus, to models.ScheduleStatus, now time.Time) error {
	schedule, err := p.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	ok, err := p.store.TransitionSchedule(ctx, scheduleID, from, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: schedule %s is %s", ErrScheduleState, scheduleID, schedule.Status)
	}
	p.logger.Info("Schedule transitioned", "schedule_id", scheduleID, "from", schedule.Status, "to", to)
	return nil
}

// skipOpenCharges moves every pending charge of a cancelled schedule to
// skipped.
func skipOpenCharges(ctx context.Context, store storage.ChargeStore, scheduleID string) error {
	charges, err := store.ListCharges(ctx, scheduleID)
	if err != nil {
		return err
	}
	for _, c := range charges {
		if c.Status != models.ChargePending {
			continue
		}
		if _, err := store.SkipCharge(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}
