package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is one commission attribution for one payment and one role.
// At most one non-void entry may exist per (PaymentID, Role).
type LedgerEntry struct {
	ID        string
	PaymentID string
	UserID    string
	ClientID  string

	CommissionAmount decimal.Decimal

	// NetAmount is the basis the commission was computed on.
	NetAmount decimal.Decimal

	// Percentage is the rate applied, as a fraction (0.10 == 10%).
	Percentage decimal.Decimal

	Role   SplitRole
	Status EntryStatus

	// PayrollRunID is set when the entry is locked into a payroll run.
	PayrollRunID string

	CreatedAt time.Time
	VoidedAt  time.Time
}

// Active reports whether the entry counts toward the one-per-role invariant.
func (e *LedgerEntry) Active() bool {
	return e.Status != EntryVoid
}

// CommissionAdjustment is a signed manual correction for a staff member.
type CommissionAdjustment struct {
	ID     string
	UserID string

	// Amount is signed: negative values claw commission back.
	Amount decimal.Decimal
	Reason string

	// EffectiveAt decides which pay period picks the adjustment up.
	EffectiveAt time.Time

	PayrollRunID string
	CreatedBy    string
	CreatedAt    time.Time
}
