// Package payroll aggregates approved commission into payroll runs.
package payroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/coachledger/internal/calculator"
	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

var (
	// ErrEmptyPeriod is returned when a period has nothing to pay.
	ErrEmptyPeriod = errors.New("no approved commission or adjustments in period")

	// ErrRunState is returned when a run is not in the status an action needs.
	ErrRunState = errors.New("payroll run is not in the expected status")
)

// DefaultAnchor is the start of the first pay period.
var DefaultAnchor = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// DefaultPayoutDelayDays is the gap between period end and payout.
const DefaultPayoutDelayDays = 5

// Store is what the Aggregator needs from storage.
type Store interface {
	storage.PayrollStore
	storage.LedgerStore
}

// Aggregator builds payroll runs.
type Aggregator struct {
	store       Store
	anchor      time.Time
	payoutDelay int
	logger      *slog.Logger
}

// NewAggregator creates an Aggregator. A zero anchor uses DefaultAnchor and a
// negative delay uses DefaultPayoutDelayDays.
func NewAggregator(store Store, anchor time.Time, payoutDelayDays int, logger *slog.Logger) *Aggregator {
	if anchor.IsZero() {
		anchor = DefaultAnchor
	}
	if payoutDelayDays < 0 {
		payoutDelayDays = DefaultPayoutDelayDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, anchor: anchor.UTC(), payoutDelay: payoutDelayDays, logger: logger}
}

// LastCompletedPeriod is the most recent period that ended at or before now.
func (a *Aggregator) LastCompletedPeriod(now time.Time) calculator.PayPeriod {
	return calculator.PreviousPayPeriod(a.anchor, now)
}

// Run creates a draft run for period and locks every approved entry and open
// adjustment in it. Locking happens in one transaction: if another writer
// touches any of the rows first, nothing is locked and storage.ErrConflict is
// returned.
func (a *Aggregator) Run(ctx context.Context, period calculator.PayPeriod, createdBy string) (*models.PayrollRun, error) {
	entries, err := a.store.ListPayableEntries(ctx, period.Start, period.End)
	if err != nil {
		return nil, err
	}
	adjustments, err := a.store.ListOpenAdjustments(ctx, period.Start, period.End)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 && len(adjustments) == 0 {
		return nil, fmt.Errorf("%w: %s to %s", ErrEmptyPeriod, period.Start.Format(time.DateOnly), period.End.Format(time.DateOnly))
	}

	totals := calculator.SumPayroll(entries, adjustments)
	run := &models.PayrollRun{
		PeriodStart:      period.Start,
		PeriodEnd:        period.End,
		PayoutDate:       period.PayoutDate(a.payoutDelay),
		Status:           models.PayrollDraft,
		TotalCommission:  totals.Commission,
		TotalAdjustments: totals.Adjustments,
		TotalPayout:      totals.Payout,
		TransactionCount: totals.TransactionCount,
		CreatedBy:        createdBy,
	}

	entryIDs := make([]string, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	adjustmentIDs := make([]string, len(adjustments))
	for i, adj := range adjustments {
		adjustmentIDs[i] = adj.ID
	}

	if err := a.store.CreatePayrollRun(ctx, run, entryIDs, adjustmentIDs); err != nil {
		return nil, err
	}

	a.logger.Info("Payroll run created",
		"run_id", run.ID,
		"period_start", period.Start,
		"period_end", period.End,
		"entries", len(entryIDs),
		"adjustments", len(adjustmentIDs),
		"total_payout", run.TotalPayout.StringFixed(2),
	)
	return run, nil
}

// Statement is a run with its per-staff breakdown.
type Statement struct {
	Run     *models.PayrollRun
	Payouts []calculator.UserPayout
}

// Statement loads a run and breaks it down per staff member.
func (a *Aggregator) Statement(ctx context.Context, runID string) (*Statement, error) {
	run, err := a.store.GetPayrollRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	entries, err := a.store.ListEntries(ctx, storage.EntryFilter{PayrollRunID: runID})
	if err != nil {
		return nil, err
	}
	adjustments, err := a.store.ListRunAdjustments(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &Statement{Run: run, Payouts: calculator.PayoutsByUser(entries, adjustments)}, nil
}

// Approve moves a draft run to approved.
func (a *Aggregator) Approve(ctx context.Context, runID string) error {
	return a.transition(ctx, runID, models.PayrollDraft, models.PayrollApproved)
}

// MarkPaid moves an approved run to paid.
func (a *Aggregator) MarkPaid(ctx context.Context, runID string) error {
	return a.transition(ctx, runID, models.PayrollApproved, models.PayrollPaid)
}

func (a *Aggregator) transition(ctx context.Context, runID string, from, to models.PayrollStatus) error {
	ok, err := a.store.TransitionPayrollRun(ctx, runID, from, to)
	if err != nil {
		return err
	}
	if !ok {
		run, err := a.store.GetPayrollRun(ctx, runID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: run %s is %s, want %s", ErrRunState, runID, run.Status, from)
	}
	a.logger.Info("Payroll run transitioned", "run_id", runID, "from", from, "to", to)
	return nil
}
