package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mmynk/coachledger/internal/billing"
	"github.com/mmynk/coachledger/internal/commission"
	"github.com/mmynk/coachledger/internal/gateway"
	"github.com/mmynk/coachledger/internal/gateway/gatewaytest"
	"github.com/mmynk/coachledger/internal/metrics"
	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/notify"
	"github.com/mmynk/coachledger/internal/storage"
	"github.com/mmynk/coachledger/internal/storage/sqlstore"
	"github.com/mmynk/coachledger/internal/testutil"
)

type fixture struct {
	store   *sqlstore.Store
	fake    *gatewaytest.Fake
	alerts  *notify.Recorder
	metrics *metrics.Metrics
	runner  *Runner
	coach   *models.Staff
	client  *models.Client
	now     time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := testutil.NewStore(t)
	if err := store.UpsertSetting(context.Background(), &models.CommissionSetting{
		Key: "coach.company_sourced", Value: testutil.Money(t, "0.10"), UpdatedBy: "test",
	}); err != nil {
		t.Fatalf("UpsertSetting failed: %v", err)
	}
	coach := testutil.SeedStaff(t, store, "coach", "coach")
	client := testutil.SeedClient(t, store, models.Client{CoachID: coach.ID})

	f := &fixture{
		store:   store,
		fake:    gatewaytest.New(),
		alerts:  &notify.Recorder{},
		metrics: metrics.New(prometheus.NewRegistry()),
		coach:   coach,
		client:  client,
		now:     testutil.Epoch,
	}
	settings := commission.NewSettingsCache(store, nil, 0, nil)
	f.runner = NewRunner(store, f.fake, settings, cfg, f.alerts, f.metrics, nil)
	f.runner.Now = func() time.Time { return f.now }
	return f
}

func TestProcessChargesSettlesCommission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	_, charges := testutil.SeedSchedule(t, f.store, f.client.ID, models.ScheduleActive, f.now.Add(-time.Hour), "1000.00", "1000.00")

	s, err := f.runner.Run(ctx, ProcessCharges)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.Job != ProcessCharges || s.Processed != 1 || s.Succeeded != 1 || s.Failed != 0 {
		t.Errorf("Unexpected summary: %+v", s)
	}
	if s.Details["payments_recorded"] != 1 || s.Details["entries_created"] != 1 {
		t.Errorf("Unexpected details: %v", s.Details)
	}

	payments, err := f.store.ListClientPaymentsSince(ctx, f.client.ID, time.Time{})
	if err != nil {
		t.Fatalf("ListClientPaymentsSince failed: %v", err)
	}
	if len(payments) != 1 || payments[0].ChargeID != charges[0].ID {
		t.Fatalf("Unexpected payments: %+v", payments)
	}
	entries, err := f.store.ListEntries(ctx, storage.EntryFilter{PaymentID: payments[0].ID})
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].CommissionAmount.StringFixed(2) != "100.00" || entries[0].UserID != f.coach.ID {
		t.Errorf("Unexpected entries: %+v", entries)
	}

	// Nothing is due any more: a second run changes nothing.
	s, err = f.runner.Run(ctx, ProcessCharges)
	if err != nil || s.Processed != 0 {
		t.Errorf("second run: summary=%+v err=%v", s, err)
	}
	if got := len(f.fake.Payments()); got != 1 {
		t.Errorf("Gateway executed %d charges, want 1", got)
	}
	if got := promtest.ToFloat64(f.metrics.JobRuns.WithLabelValues(ProcessCharges, "ok")); got != 2 {
		t.Errorf("job runs metric = %v, want 2", got)
	}
	if len(f.alerts.Alerts()) != 0 {
		t.Errorf("Expected no alerts, got %+v", f.alerts.Alerts())
	}
}

func TestProcessChargesAlertsOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Billing: billing.Config{MaxAttempts: 1}})
	schedule, _ := testutil.SeedSchedule(t, f.store, f.client.ID, models.ScheduleActive, f.now.Add(-time.Hour), "250.00")
	f.fake.DeclinePaymentMethod(schedule.GatewayPaymentMethodID, fmt.Errorf("%w: insufficient_funds", gateway.ErrDeclined))

	s, err := f.runner.Run(ctx, ProcessCharges)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.Failed != 1 {
		t.Fatalf("Expected a failed charge, got %+v", s)
	}
	alerts := f.alerts.Alerts()
	if len(alerts) != 1 || alerts[0].Subject != "process-charges: 1 failed, 0 unknown, 0 flagged" {
		t.Errorf("Unexpected alerts: %+v", alerts)
	}
}

func TestProcessChargesAlertsOnMissingRate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	closer := testutil.SeedStaff(t, f.store, "closer", "closer")
	client := testutil.SeedClient(t, f.store, models.Client{CoachID: f.coach.ID, CloserID: closer.ID})
	testutil.SeedSchedule(t, f.store, client.ID, models.ScheduleActive, f.now.Add(-time.Hour), "500.00")

	s, err := f.runner.Run(ctx, ProcessCharges)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.Succeeded != 1 || s.Flagged != 1 || s.Details["commission_errors"] == nil {
		t.Fatalf("Expected a charged payment with a missing-rate flag, got %+v", s)
	}
	alerts := f.alerts.Alerts()
	if len(alerts) != 1 || alerts[0].Subject != "process-charges: 0 failed, 0 unknown, 1 flagged" {
		t.Errorf("Unexpected alerts: %+v", alerts)
	}

	// The flag is already open: later runs stay quiet.
	if _, err := f.runner.Run(ctx, ProcessCharges); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if got := len(f.alerts.Alerts()); got != 1 {
		t.Errorf("Expected no new alert, got %d alerts", got)
	}
}

func TestResolveDuplicatesAlertsOnFlags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	other := testutil.SeedStaff(t, f.store, "other-coach", "coach")
	payment := testutil.SeedPayment(t, f.store, f.client.ID, "100.00", f.now)
	for _, userID := range []string{other.ID, testutil.SeedStaff(t, f.store, "third-coach", "coach").ID} {
		testutil.SeedEntry(t, f.store, models.LedgerEntry{
			PaymentID:        payment.ID,
			UserID:           userID,
			ClientID:         f.client.ID,
			CommissionAmount: testutil.Money(t, "10.00"),
			NetAmount:        payment.Amount,
			Percentage:       testutil.Money(t, "0.10"),
		})
	}

	s, err := f.runner.Run(ctx, ResolveDuplicates)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.Flagged != 1 {
		t.Fatalf("Expected one flagged payment, got %+v", s)
	}
	alerts := f.alerts.Alerts()
	if len(alerts) != 1 || alerts[0].Subject != "resolve-duplicates: 0 failed, 0 unknown, 1 flagged" {
		t.Errorf("Unexpected alerts: %+v", alerts)
	}
}

func TestReconcileChargesRecordsPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	testutil.SeedSchedule(t, f.store, f.client.ID, models.ScheduleActive, f.now.Add(-time.Hour), "400.00")
	f.fake.LoseNextResponse()

	s, err := f.runner.Run(ctx, ProcessCharges)
	if err != nil || s.Unknown != 1 {
		t.Fatalf("process: summary=%+v err=%v", s, err)
	}
	if len(f.alerts.Alerts()) != 1 {
		t.Errorf("Expected an alert for the unknown outcome, got %d", len(f.alerts.Alerts()))
	}

	f.now = f.now.Add(time.Hour)
	s, err = f.runner.Run(ctx, ReconcileCharges)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if s.Succeeded != 1 || s.Details["payments_recorded"] != 1 {
		t.Errorf("Unexpected summary: %+v", s)
	}
	if got := len(f.fake.Payments()); got != 1 {
		t.Errorf("Gateway executed %d charges, want 1", got)
	}
}

func TestRunPayroll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	s, err := f.runner.Run(ctx, RunPayroll)
	if err != nil {
		t.Fatalf("empty period should not fail: %v", err)
	}
	if s.Succeeded != 0 || s.Details["run_id"] != "" {
		t.Errorf("Unexpected summary: %+v", s)
	}

	period := f.runner.Payroll.LastCompletedPeriod(f.now)
	payment := testutil.SeedPayment(t, f.store, f.client.ID, "1000.00", period.Start)
	entry := testutil.SeedEntry(t, f.store, models.LedgerEntry{
		PaymentID:        payment.ID,
		UserID:           f.coach.ID,
		ClientID:         f.client.ID,
		CommissionAmount: testutil.Money(t, "100.00"),
		CreatedAt:        period.Start.Add(time.Hour),
	})
	if _, err := f.store.ApproveEntry(ctx, entry.ID); err != nil {
		t.Fatalf("ApproveEntry failed: %v", err)
	}

	s, err = f.runner.Run(ctx, RunPayroll)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.Succeeded != 1 || s.Processed != 1 || s.Details["total_payout"] != "100.00" {
		t.Errorf("Unexpected summary: %+v", s)
	}
}

func TestSummaryJSON(t *testing.T) {
	s := &Summary{Job: CleanupSchedules, Processed: 2, Succeeded: 1}
	s.detail("expired", 1)

	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	for _, key := range []string{"job", "processed", "succeeded", "failed"} {
		if _, ok := got[key]; !ok {
			t.Errorf("Expected %q in %s", key, raw)
		}
	}
}

func TestUnknownJob(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.runner.Run(context.Background(), "drop-tables"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Expected ErrUnknownJob, got %v", err)
	}
}

func TestEveryJobRuns(t *testing.T) {
	f := newFixture(t, Config{})
	for _, name := range Names {
		t.Run(name, func(t *testing.T) {
			s, err := f.runner.Run(context.Background(), name)
			if err != nil {
				t.Fatalf("Run(%s) failed: %v", name, err)
			}
			if s.Job != name {
				t.Errorf("Job = %q, want %q", s.Job, name)
			}
		})
	}
}

func TestUsesGateway(t *testing.T) {
	want := map[string]bool{
		ProcessCharges:    true,
		ReconcileCharges:  true,
		ReconcileFees:     true,
		CleanupSchedules:  false,
		ResolveDuplicates: false,
		RunPayroll:        false,
	}
	for _, name := range Names {
		if got := UsesGateway(name); got != want[name] {
			t.Errorf("UsesGateway(%s) = %v, want %v", name, got, want[name])
		}
	}
}

func TestGatewayFreeJobsRunWithDisabledGateway(t *testing.T) {
	store := testutil.NewStore(t)
	settings := commission.NewSettingsCache(store, nil, 0, nil)
	runner := NewRunner(store, gateway.Disabled{}, settings, Config{}, nil, metrics.New(prometheus.NewRegistry()), nil)
	runner.Now = func() time.Time { return testutil.Epoch }

	for _, name := range Names {
		if UsesGateway(name) {
			continue
		}
		if _, err := runner.Run(context.Background(), name); err != nil {
			t.Errorf("Run(%s) failed: %v", name, err)
		}
	}
}
