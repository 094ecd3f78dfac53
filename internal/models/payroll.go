package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayrollRun aggregates ledger entries and adjustments for one pay period.
//
// TotalPayout always equals TotalCommission + TotalAdjustments, and the
// entries locked to the run never change after creation.
type PayrollRun struct {
	ID string

	// PeriodStart is inclusive, PeriodEnd exclusive.
	PeriodStart time.Time
	PeriodEnd   time.Time
	PayoutDate  time.Time

	Status PayrollStatus

	TotalCommission  decimal.Decimal
	TotalAdjustments decimal.Decimal
	TotalPayout      decimal.Decimal
	TransactionCount int

	CreatedBy string
	CreatedAt time.Time
}
