package calculator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCommission(t *testing.T) {
	tests := []struct {
		name    string
		basis   string
		rate    string
		want    string
		wantErr bool
	}{
		{name: "ten percent of a thousand", basis: "1000.00", rate: "0.10", want: "100.00"},
		{name: "rounds half up to cents", basis: "33.35", rate: "0.10", want: "3.34"},
		{name: "net basis after fees", basis: "970.70", rate: "0.15", want: "145.61"},
		{name: "zero rate", basis: "500.00", rate: "0", want: "0.00"},
		{name: "negative rate rejected", basis: "100.00", rate: "-0.10", wantErr: true},
		{name: "negative basis rejected", basis: "-100.00", rate: "0.10", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Commission(d(tt.basis), d(tt.rate))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Commission() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.StringFixed(2) != tt.want {
				t.Errorf("Commission(%s, %s) = %s, want %s", tt.basis, tt.rate, got.StringFixed(2), tt.want)
			}
		})
	}
}

func TestRateKind(t *testing.T) {
	start := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		source models.LeadSource
		now    time.Time
		want   string
	}{
		{"company lead in first month", models.LeadCompany, start.AddDate(0, 1, 0), models.RateCompanySourced},
		{"coach lead in first month", models.LeadCoach, start.AddDate(0, 1, 0), models.RateCoachSourced},
		{"last day of term", models.LeadCoach, start.AddDate(1, 0, -1), models.RateCoachSourced},
		{"term boundary is a re-sign", models.LeadCompany, start.AddDate(1, 0, 0), models.RateResign},
		{"second year", models.LeadCoach, start.AddDate(1, 6, 0), models.RateResign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &models.Client{StartDate: start, LeadSource: tt.source}
			if got := RateKind(client, tt.now, 12); got != tt.want {
				t.Errorf("RateKind() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPayPeriodFor(t *testing.T) {
	anchor := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		t         time.Time
		wantStart time.Time
	}{
		{"anchor itself", anchor, anchor},
		{"inside first period", anchor.Add(13 * 24 * time.Hour), anchor},
		{"second period starts on day 14", anchor.AddDate(0, 0, 14), anchor.AddDate(0, 0, 14)},
		{"later in the year", time.Date(2024, time.March, 20, 9, 30, 0, 0, time.UTC), time.Date(2024, time.March, 11, 0, 0, 0, 0, time.UTC)},
		{"before anchor", anchor.Add(-time.Hour), anchor.AddDate(0, 0, -14)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PayPeriodFor(anchor, tt.t)
			if !p.Start.Equal(tt.wantStart) {
				t.Errorf("Start = %s, want %s", p.Start, tt.wantStart)
			}
			if p.End.Sub(p.Start) != PayPeriodLength {
				t.Errorf("period length = %s", p.End.Sub(p.Start))
			}
			if !p.Contains(tt.t) {
				t.Errorf("period %s..%s does not contain %s", p.Start, p.End, tt.t)
			}
		})
	}

	t.Run("previous period and payout date", func(t *testing.T) {
		now := time.Date(2024, time.January, 20, 0, 0, 0, 0, time.UTC)
		prev := PreviousPayPeriod(anchor, now)
		if !prev.Start.Equal(anchor) || !prev.End.Equal(anchor.AddDate(0, 0, 14)) {
			t.Errorf("PreviousPayPeriod = %s..%s", prev.Start, prev.End)
		}
		want := time.Date(2024, time.January, 20, 0, 0, 0, 0, time.UTC)
		if got := prev.PayoutDate(5); !got.Equal(want) {
			t.Errorf("PayoutDate = %s, want %s", got, want)
		}
	})
}

func TestInstallmentDates(t *testing.T) {
	first := time.Date(2024, time.January, 31, 10, 0, 0, 0, time.UTC)

	t.Run("monthly clamps to month end", func(t *testing.T) {
		dates, err := InstallmentDates(first, 3, Monthly)
		if err != nil {
			t.Fatalf("InstallmentDates failed: %v", err)
		}
		want := []time.Time{
			first,
			time.Date(2024, time.February, 29, 10, 0, 0, 0, time.UTC),
			time.Date(2024, time.March, 31, 10, 0, 0, 0, time.UTC),
		}
		for i := range want {
			if !dates[i].Equal(want[i]) {
				t.Errorf("date %d = %s, want %s", i, dates[i], want[i])
			}
		}
	})

	t.Run("biweekly", func(t *testing.T) {
		dates, err := InstallmentDates(first, 2, Biweekly)
		if err != nil {
			t.Fatalf("InstallmentDates failed: %v", err)
		}
		if got := dates[1].Sub(dates[0]); got != 14*24*time.Hour {
			t.Errorf("spacing = %s", got)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		if _, err := InstallmentDates(first, 0, Monthly); err == nil {
			t.Error("Expected error for zero installments")
		}
		if _, err := ParseInterval("yearly"); err == nil {
			t.Error("Expected error for unknown interval")
		}
	})
}

func TestSumPayroll(t *testing.T) {
	entries := []models.LedgerEntry{
		{UserID: "a", CommissionAmount: d("100.00"), Status: models.EntryApproved},
		{UserID: "b", CommissionAmount: d("50.00"), Status: models.EntryApproved},
		{UserID: "a", CommissionAmount: d("75.00"), Status: models.EntryVoid},
	}
	adjustments := []models.CommissionAdjustment{
		{UserID: "a", Amount: d("-10.00")},
	}

	totals := SumPayroll(entries, adjustments)
	if totals.Commission.StringFixed(2) != "150.00" {
		t.Errorf("Commission = %s, want 150.00", totals.Commission)
	}
	if totals.Adjustments.StringFixed(2) != "-10.00" {
		t.Errorf("Adjustments = %s, want -10.00", totals.Adjustments)
	}
	if totals.Payout.StringFixed(2) != "140.00" {
		t.Errorf("Payout = %s, want 140.00", totals.Payout)
	}
	if totals.TransactionCount != 2 {
		t.Errorf("TransactionCount = %d, want 2", totals.TransactionCount)
	}

	payouts := PayoutsByUser(entries, adjustments)
	if len(payouts) != 2 {
		t.Fatalf("Expected 2 payouts, got %d", len(payouts))
	}
	if payouts[0].UserID != "a" || payouts[0].Total.StringFixed(2) != "90.00" {
		t.Errorf("first payout = %+v, want a/90.00", payouts[0])
	}
	if payouts[1].UserID != "b" || payouts[1].Total.StringFixed(2) != "50.00" {
		t.Errorf("second payout = %+v, want b/50.00", payouts[1])
	}
}

func TestSplitAmount(t *testing.T) {
	tests := []struct {
		total string
		count int
		want  []string
	}{
		{"3000.00", 3, []string{"1000.00", "1000.00", "1000.00"}},
		{"100.00", 3, []string{"33.34", "33.33", "33.33"}},
		{"0.05", 2, []string{"0.03", "0.02"}},
	}

	for _, tt := range tests {
		t.Run(tt.total, func(t *testing.T) {
			got, err := SplitAmount(d(tt.total), tt.count)
			if err != nil {
				t.Fatalf("SplitAmount failed: %v", err)
			}
			sum := decimal.Zero
			for i, a := range got {
				if a.StringFixed(2) != tt.want[i] {
					t.Errorf("installment %d = %s, want %s", i, a.StringFixed(2), tt.want[i])
				}
				sum = sum.Add(a)
			}
			if !sum.Equal(d(tt.total)) {
				t.Errorf("installments sum to %s, want %s", sum, tt.total)
			}
		})
	}

	if _, err := SplitAmount(d("0.01"), 2); err == nil {
		t.Error("Expected error when an installment would be zero")
	}
}
