// Package models defines the core domain models for coachledger.
//
// # Models
//
//   - Client: a coaching client and the staff currently assigned to them
//   - PaymentSchedule / ScheduledCharge: an agreed installment plan and its installments
//   - Payment: the settlement record of a succeeded charge (or a one-off payment)
//   - LedgerEntry: one commission attribution for one payment and one split role
//   - CommissionAdjustment: a signed manual correction for a staff member
//   - PayrollRun: a locked batch of ledger entries and adjustments for a pay period
//   - CommissionSetting: a named commission rate
//   - ReviewFlag: something an operator has to look at
//
// # Conventions
//
// Money is decimal.Decimal rounded to cents. Instants are UTC time.Time values.
// Relationships are ID strings, never pointers.
//
// Status values read from storage must go through the Parse* functions in
// status.go, which reject anything not listed here.
package models
