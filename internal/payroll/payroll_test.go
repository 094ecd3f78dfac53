package payroll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmynk/coachledger/internal/calculator"
	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
	"github.com/mmynk/coachledger/internal/storage/sqlstore"
	"github.com/mmynk/coachledger/internal/testutil"
)

type fixture struct {
	store   *sqlstore.Store
	coach   *models.Staff
	closer  *models.Staff
	client  *models.Client
	payment *models.Payment
	period  calculator.PayPeriod
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewStore(t)
	coach := testutil.SeedStaff(t, store, "coach", "coach")
	closer := testutil.SeedStaff(t, store, "closer", "closer")
	client := testutil.SeedClient(t, store, models.Client{CoachID: coach.ID, CloserID: closer.ID})
	return &fixture{
		store:   store,
		coach:   coach,
		closer:  closer,
		client:  client,
		payment: testutil.SeedPayment(t, store, client.ID, "1000.00", testutil.Epoch),
		period:  calculator.PayPeriodFor(DefaultAnchor, testutil.Epoch),
	}
}

// approvedEntry seeds an approved entry for user inside the fixture's period.
func (f *fixture) approvedEntry(t *testing.T, userID string, role models.SplitRole, amount string, createdAt time.Time) *models.LedgerEntry {
	t.Helper()
	e := testutil.SeedEntry(t, f.store, models.LedgerEntry{
		PaymentID:        f.payment.ID,
		UserID:           userID,
		ClientID:         f.client.ID,
		CommissionAmount: testutil.Money(t, amount),
		NetAmount:        f.payment.Amount,
		Percentage:       testutil.Money(t, "0.10"),
		Role:             role,
		CreatedAt:        createdAt,
	})
	if ok, err := f.store.ApproveEntry(context.Background(), e.ID); err != nil || !ok {
		t.Fatalf("ApproveEntry: ok=%v err=%v", ok, err)
	}
	return e
}

func (f *fixture) adjustment(t *testing.T, userID, amount string, effectiveAt time.Time) *models.CommissionAdjustment {
	t.Helper()
	adj := &models.CommissionAdjustment{
		UserID:      userID,
		Amount:      testutil.Money(t, amount),
		Reason:      "correction",
		EffectiveAt: effectiveAt,
		CreatedBy:   "admin",
	}
	if err := f.store.CreateAdjustment(context.Background(), adj); err != nil {
		t.Fatalf("CreateAdjustment failed: %v", err)
	}
	return adj
}

func TestAggregatorRun(t *testing.T) {
	ctx := context.Background()

	t.Run("totals entries and adjustments", func(t *testing.T) {
		f := newFixture(t)
		in := f.period.Start.Add(24 * time.Hour)
		a := f.approvedEntry(t, f.coach.ID, models.RoleCoach, "100.00", in)
		b := f.approvedEntry(t, f.closer.ID, models.RoleCloser, "50.00", in.Add(time.Hour))
		adj := f.adjustment(t, f.coach.ID, "-10.00", in)

		// Outside the period or not approved: left alone.
		late := f.approvedEntry(t, f.coach.ID, models.RoleSetter, "70.00", f.period.End)
		other := testutil.SeedPayment(t, f.store, f.client.ID, "300.00", in)
		pending := testutil.SeedEntry(t, f.store, models.LedgerEntry{
			PaymentID: other.ID, UserID: f.coach.ID, ClientID: f.client.ID,
			CommissionAmount: testutil.Money(t, "30.00"), CreatedAt: in,
		})

		agg := NewAggregator(f.store, time.Time{}, -1, nil)
		run, err := agg.Run(ctx, f.period, "admin")
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if run.TotalCommission.StringFixed(2) != "150.00" {
			t.Errorf("TotalCommission = %s, want 150.00", run.TotalCommission.StringFixed(2))
		}
		if run.TotalAdjustments.StringFixed(2) != "-10.00" {
			t.Errorf("TotalAdjustments = %s, want -10.00", run.TotalAdjustments.StringFixed(2))
		}
		if run.TotalPayout.StringFixed(2) != "140.00" {
			t.Errorf("TotalPayout = %s, want 140.00", run.TotalPayout.StringFixed(2))
		}
		if run.TransactionCount != 2 || run.Status != models.PayrollDraft {
			t.Errorf("Unexpected run: %+v", run)
		}
		if want := f.period.End.AddDate(0, 0, 5); !run.PayoutDate.Equal(want) {
			t.Errorf("PayoutDate = %s, want %s", run.PayoutDate, want)
		}

		locked, err := f.store.ListEntries(ctx, storage.EntryFilter{PayrollRunID: run.ID})
		if err != nil {
			t.Fatalf("ListEntries failed: %v", err)
		}
		ids := map[string]models.EntryStatus{}
		for _, e := range locked {
			ids[e.ID] = e.Status
		}
		if len(ids) != 2 || ids[a.ID] != models.EntryPaid || ids[b.ID] != models.EntryPaid {
			t.Errorf("Unexpected locked entries: %v", ids)
		}
		if _, ok := ids[late.ID]; ok {
			t.Error("Entry created at period end must not be locked")
		}
		if _, ok := ids[pending.ID]; ok {
			t.Error("Pending entry must not be locked")
		}

		adjs, err := f.store.ListRunAdjustments(ctx, run.ID)
		if err != nil || len(adjs) != 1 || adjs[0].ID != adj.ID {
			t.Errorf("Unexpected locked adjustments: %+v err=%v", adjs, err)
		}

		stmt, err := agg.Statement(ctx, run.ID)
		if err != nil {
			t.Fatalf("Statement failed: %v", err)
		}
		if len(stmt.Payouts) != 2 || stmt.Payouts[0].UserID != f.coach.ID || stmt.Payouts[0].Total.StringFixed(2) != "90.00" {
			t.Errorf("Unexpected payouts: %+v", stmt.Payouts)
		}

		// Everything is locked now.
		if _, err := agg.Run(ctx, f.period, "admin"); !errors.Is(err, ErrEmptyPeriod) {
			t.Errorf("Expected ErrEmptyPeriod on rerun, got %v", err)
		}
	})

	t.Run("empty period creates no run", func(t *testing.T) {
		f := newFixture(t)
		agg := NewAggregator(f.store, time.Time{}, -1, nil)

		if _, err := agg.Run(ctx, f.period, "admin"); !errors.Is(err, ErrEmptyPeriod) {
			t.Fatalf("Expected ErrEmptyPeriod, got %v", err)
		}
		runs, err := f.store.ListPayrollRuns(ctx, 10)
		if err != nil || len(runs) != 0 {
			t.Errorf("Expected no runs, got %d err=%v", len(runs), err)
		}
	})

	t.Run("adjustments alone make a run", func(t *testing.T) {
		f := newFixture(t)
		f.adjustment(t, f.coach.ID, "25.00", f.period.Start)

		run, err := NewAggregator(f.store, time.Time{}, -1, nil).Run(ctx, f.period, "admin")
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if run.TotalPayout.StringFixed(2) != "25.00" || run.TransactionCount != 0 {
			t.Errorf("Unexpected run: %+v", run)
		}
	})
}

func TestLastCompletedPeriod(t *testing.T) {
	agg := NewAggregator(nil, time.Time{}, -1, nil)
	now := time.Date(2024, time.January, 20, 9, 0, 0, 0, time.UTC)

	p := agg.LastCompletedPeriod(now)
	if !p.Start.Equal(DefaultAnchor) || !p.End.Equal(DefaultAnchor.AddDate(0, 0, 14)) {
		t.Errorf("LastCompletedPeriod = %s..%s", p.Start, p.End)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.approvedEntry(t, f.coach.ID, models.RoleCoach, "100.00", f.period.Start)
	agg := NewAggregator(f.store, time.Time{}, -1, nil)

	run, err := agg.Run(ctx, f.period, "admin")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if err := agg.MarkPaid(ctx, run.ID); !errors.Is(err, ErrRunState) {
		t.Errorf("Expected ErrRunState paying a draft run, got %v", err)
	}
	if err := agg.Approve(ctx, run.ID); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if err := agg.MarkPaid(ctx, run.ID); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	got, err := f.store.GetPayrollRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetPayrollRun failed: %v", err)
	}
	if got.Status != models.PayrollPaid {
		t.Errorf("Status = %s, want paid", got.Status)
	}
	if err := agg.Approve(ctx, "nonexistent"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
