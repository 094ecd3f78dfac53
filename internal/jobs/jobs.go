// Package jobs runs the operator sweeps by name and summarizes each run.
// Every job is safe to trigger again at any time.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmynk/coachledger/internal/billing"
	"github.com/mmynk/coachledger/internal/commission"
	"github.com/mmynk/coachledger/internal/metrics"
	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/notify"
	"github.com/mmynk/coachledger/internal/payroll"
)

// Job names.
const (
	ProcessCharges    = "process-charges"
	CleanupSchedules  = "cleanup-schedules"
	ReconcileCharges  = "reconcile-charges"
	ReconcileFees     = "reconcile-fees"
	ResolveDuplicates = "resolve-duplicates"
	RunPayroll        = "run-payroll"
)

// Names lists every job in the order an operator would usually run them.
var Names = []string{ProcessCharges, ReconcileCharges, ReconcileFees, CleanupSchedules, ResolveDuplicates, RunPayroll}

// UsesGateway reports whether the named job calls the payment gateway.
func UsesGateway(name string) bool {
	switch name {
	case ProcessCharges, ReconcileCharges, ReconcileFees:
		return true
	}
	return false
}

// ErrUnknownJob is returned for a job name that does not exist.
var ErrUnknownJob = errors.New("unknown job")

// Summary is the outcome of one job run.
type Summary struct {
	Job       string `json:"job"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Unknown   int    `json:"unknown,omitempty"`
	Skipped   int    `json:"skipped,omitempty"`
	Errored   int    `json:"errored,omitempty"`

	// Flagged counts review flags first raised by this run.
	Flagged int `json:"flagged,omitempty"`

	// Details carries job specific counters such as entries created.
	Details map[string]any `json:"details,omitempty"`

	DurationMS int64 `json:"duration_ms"`
}

func (s *Summary) detail(key string, value any) {
	if s.Details == nil {
		s.Details = make(map[string]any)
	}
	s.Details[key] = value
}

// Runner owns the components every job needs.
type Runner struct {
	Processor     *billing.Processor
	Reconciler    *billing.Reconciler
	Recorder      *billing.Recorder
	Fees          *billing.FeeReconciler
	Cleaner       *billing.Cleaner
	Calculator    *commission.Calculator
	Resolver      *commission.Resolver
	Payroll       *payroll.Aggregator
	Notifier      notify.Notifier
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Timeout       time.Duration
	BackfillLimit int

	// Now defaults to time.Now.
	Now func() time.Time
}

// Run executes the named job under the runner's timeout.
func (r *Runner) Run(ctx context.Context, name string) (*Summary, error) {
	fn, ok := r.jobs()[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (want one of %s)", ErrUnknownJob, name, strings.Join(Names, ", "))
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	started := time.Now()
	summary := &Summary{Job: name}
	err := fn(ctx, r.now().UTC(), summary)
	summary.DurationMS = time.Since(started).Milliseconds()
	r.Metrics.Job(name, started, err)

	log := r.logger().With("job", name, "duration_ms", summary.DurationMS)
	if err != nil {
		log.Error("Job failed", "error", err)
		r.alert(ctx, notify.Alert{
			Subject: name + " failed",
			Body:    fmt.Sprintf("Job %s failed: %v", name, err),
		})
		return summary, err
	}
	log.Info("Job finished",
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"unknown", summary.Unknown,
		"flagged", summary.Flagged,
	)
	if summary.Failed > 0 || summary.Unknown > 0 || summary.Flagged > 0 {
		r.alert(ctx, notify.Alert{
			Subject: fmt.Sprintf("%s: %d failed, %d unknown, %d flagged", name, summary.Failed, summary.Unknown, summary.Flagged),
			Body:    describe(summary),
		})
	}
	return summary, nil
}

func (r *Runner) jobs() map[string]func(context.Context, time.Time, *Summary) error {
	return map[string]func(context.Context, time.Time, *Summary) error{
		ProcessCharges:    r.processCharges,
		CleanupSchedules:  r.cleanupSchedules,
		ReconcileCharges:  r.reconcileCharges,
		ReconcileFees:     r.reconcileFees,
		ResolveDuplicates: r.resolveDuplicates,
		RunPayroll:        r.runPayroll,
	}
}

func (r *Runner) processCharges(ctx context.Context, now time.Time, s *Summary) error {
	res, err := r.Processor.Run(ctx, now)
	if err != nil {
		return err
	}
	applyChargeResult(s, res)
	return r.settle(ctx, now, res.Charged, s)
}

func (r *Runner) reconcileCharges(ctx context.Context, now time.Time, s *Summary) error {
	res, err := r.Reconciler.Run(ctx, now)
	if err != nil {
		return err
	}
	applyChargeResult(s, res)
	return r.settle(ctx, now, res.Charged, s)
}

// settle records payments for charges that succeeded in this run, computes
// their commission, then picks up anything an earlier crashed run left behind.
func (r *Runner) settle(ctx context.Context, now time.Time, charged []models.DueCharge, s *Summary) error {
	log := r.logger()
	var recorded, entries, commissionErrors, flagged int

	for _, charge := range charged {
		payment, _, err := r.Recorder.Record(ctx, charge)
		if err != nil {
			s.Errored++
			log.Error("Failed to record payment", "charge_id", charge.ID, "error", err)
			continue
		}
		recorded++

		created, err := r.Calculator.Calculate(ctx, payment.ID, now)
		if err != nil {
			commissionErrors++
			if commission.NewFlag(err) {
				flagged++
			}
			log.Warn("Commission not calculated", "payment_id", payment.ID, "error", err)
			continue
		}
		entries += len(created)
	}

	backfilled, err := r.Recorder.Backfill(ctx, r.backfillLimit())
	if err != nil {
		return err
	}
	recorded += len(backfilled)

	res, err := r.Calculator.Backfill(ctx, now)
	if err != nil {
		return err
	}
	entries += res.Created
	commissionErrors += res.Errored
	flagged += res.Flagged
	s.Flagged += flagged

	s.detail("payments_recorded", recorded)
	s.detail("entries_created", entries)
	if commissionErrors > 0 {
		s.detail("commission_errors", commissionErrors)
	}
	return nil
}

func (r *Runner) cleanupSchedules(ctx context.Context, now time.Time, s *Summary) error {
	res, err := r.Cleaner.Run(ctx, now)
	if err != nil {
		return err
	}
	s.Processed = res.Processed
	s.Succeeded = res.Expired
	s.detail("expired", res.Expired)
	return nil
}

func (r *Runner) reconcileFees(ctx context.Context, _ time.Time, s *Summary) error {
	res, err := r.Fees.Run(ctx)
	if err != nil {
		return err
	}
	s.Processed = res.Processed
	s.Succeeded = res.Updated
	s.Skipped = res.Pending
	s.Errored = res.Errored
	s.detail("pending", res.Pending)
	return nil
}

func (r *Runner) resolveDuplicates(ctx context.Context, now time.Time, s *Summary) error {
	res, err := r.Resolver.Run(ctx, now)
	if err != nil {
		return err
	}
	s.Processed = res.Payments
	s.Succeeded = res.Voided
	s.Errored = res.Errored
	s.Flagged = res.Flagged
	s.detail("voided", res.Voided)
	return nil
}

func (r *Runner) runPayroll(ctx context.Context, now time.Time, s *Summary) error {
	period := r.Payroll.LastCompletedPeriod(now)
	s.detail("period_start", period.Start.Format(time.DateOnly))
	s.detail("period_end", period.End.Format(time.DateOnly))

	run, err := r.Payroll.Run(ctx, period, "system")
	if errors.Is(err, payroll.ErrEmptyPeriod) {
		s.detail("run_id", "")
		return nil
	}
	if err != nil {
		return err
	}
	s.Processed = run.TransactionCount
	s.Succeeded = 1
	s.detail("run_id", run.ID)
	s.detail("total_payout", run.TotalPayout.StringFixed(2))
	return nil
}

func applyChargeResult(s *Summary, res *billing.Result) {
	s.Processed = res.Processed
	s.Succeeded = res.Succeeded
	s.Failed = res.Failed
	s.Unknown = res.Unknown
	s.Skipped = res.Skipped
	s.Errored = res.Errored
	if res.Retrying > 0 {
		s.detail("retrying", res.Retrying)
	}
}

func describe(s *Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job: %s\n", s.Job)
	fmt.Fprintf(&b, "Processed: %d\nSucceeded: %d\nFailed: %d\nUnknown: %d\nErrored: %d\nNew review flags: %d\n",
		s.Processed, s.Succeeded, s.Failed, s.Unknown, s.Errored, s.Flagged)
	b.WriteString("\nFailed charges and flagged payments are listed as open review flags.\n")
	return b.String()
}

func (r *Runner) alert(ctx context.Context, alert notify.Alert) {
	if r.Notifier == nil {
		return
	}
	if err := r.Notifier.Notify(ctx, alert); err != nil {
		r.logger().Warn("Failed to send alert", "subject", alert.Subject, "error", err)
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) backfillLimit() int {
	if r.BackfillLimit > 0 {
		return r.BackfillLimit
	}
	return 100
}
