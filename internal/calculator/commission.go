// Package calculator holds the pure money and calendar math behind
// commissions, payroll periods and installment plans. Nothing here touches
// storage.
package calculator

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/models"
)

// RoundMoney rounds half away from zero to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Commission computes round2(basis × rate).
//
// Rates are fractions: 0.10 means 10%. A negative rate or basis is rejected
// because refunds are handled by voiding entries, never by negative ones.
func Commission(basis, rate decimal.Decimal) (decimal.Decimal, error) {
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("commission rate cannot be negative: %s", rate)
	}
	if basis.IsNegative() {
		return decimal.Zero, fmt.Errorf("commission basis cannot be negative: %s", basis)
	}
	return RoundMoney(basis.Mul(rate)), nil
}

// RateKind picks which rate applies to a client's payment made at paidAt.
//
// Within the initial term (start date + termMonths) the rate depends on who
// sourced the lead; afterwards every payment is a re-sign.
func RateKind(client *models.Client, paidAt time.Time, termMonths int) string {
	termEnd := AddMonths(client.StartDate, termMonths)
	if paidAt.Before(termEnd) {
		if client.LeadSource == models.LeadCoach {
			return models.RateCoachSourced
		}
		return models.RateCompanySourced
	}
	return models.RateResign
}
