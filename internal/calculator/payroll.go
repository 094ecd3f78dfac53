package calculator

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/models"
)

// PayrollTotals are the headline numbers of a payroll run.
type PayrollTotals struct {
	Commission       decimal.Decimal
	Adjustments      decimal.Decimal
	Payout           decimal.Decimal
	TransactionCount int
}

// UserPayout is one staff member's share of a payroll run.
type UserPayout struct {
	UserID      string
	Commission  decimal.Decimal
	Adjustments decimal.Decimal
	Total       decimal.Decimal
	Entries     int
}

// SumPayroll totals entries and adjustments. Void entries are ignored, so
// the result matches what a run would lock.
//
// Payout = Commission + Adjustments, all rounded to cents.
func SumPayroll(entries []models.LedgerEntry, adjustments []models.CommissionAdjustment) PayrollTotals {
	totals := PayrollTotals{Commission: decimal.Zero, Adjustments: decimal.Zero}
	for _, e := range entries {
		if e.Status == models.EntryVoid {
			continue
		}
		totals.Commission = totals.Commission.Add(e.CommissionAmount)
		totals.TransactionCount++
	}
	for _, a := range adjustments {
		totals.Adjustments = totals.Adjustments.Add(a.Amount)
	}

	totals.Commission = RoundMoney(totals.Commission)
	totals.Adjustments = RoundMoney(totals.Adjustments)
	totals.Payout = totals.Commission.Add(totals.Adjustments)
	return totals
}

// PayoutsByUser breaks a run down per staff member, largest total first.
func PayoutsByUser(entries []models.LedgerEntry, adjustments []models.CommissionAdjustment) []UserPayout {
	byUser := make(map[string]*UserPayout)
	get := func(id string) *UserPayout {
		if p, ok := byUser[id]; ok {
			return p
		}
		p := &UserPayout{UserID: id, Commission: decimal.Zero, Adjustments: decimal.Zero}
		byUser[id] = p
		return p
	}

	for _, e := range entries {
		if e.Status == models.EntryVoid {
			continue
		}
		p := get(e.UserID)
		p.Commission = p.Commission.Add(e.CommissionAmount)
		p.Entries++
	}
	for _, a := range adjustments {
		p := get(a.UserID)
		p.Adjustments = p.Adjustments.Add(a.Amount)
	}

	out := make([]UserPayout, 0, len(byUser))
	for _, p := range byUser {
		p.Total = RoundMoney(p.Commission.Add(p.Adjustments))
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Total.Cmp(out[j].Total); c != 0 {
			return c > 0
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
