package models

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownStatus is returned when a stored enum value is not recognized.
var ErrUnknownStatus = errors.New("unknown status value")

// ScheduleStatus is the lifecycle state of a PaymentSchedule.
type ScheduleStatus string

const (
	SchedulePendingInitial ScheduleStatus = "pending_initial"
	ScheduleActive         ScheduleStatus = "active"
	ScheduleCompleted      ScheduleStatus = "completed"
	ScheduleExpired        ScheduleStatus = "expired"
	ScheduleCancelled      ScheduleStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s ScheduleStatus) Terminal() bool {
	return s == ScheduleCompleted || s == ScheduleExpired || s == ScheduleCancelled
}

// ChargeStatus is the state of one installment.
type ChargeStatus string

const (
	ChargePending    ChargeStatus = "pending"
	ChargeProcessing ChargeStatus = "processing"
	ChargeSucceeded  ChargeStatus = "succeeded"
	ChargeFailed     ChargeStatus = "failed"
	ChargeSkipped    ChargeStatus = "skipped"
)

// PaymentStatus is the state of a settled payment.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentRefunded  PaymentStatus = "refunded"
)

// EntryStatus is the state of a commission ledger entry.
type EntryStatus string

const (
	EntryPending  EntryStatus = "pending"
	EntryApproved EntryStatus = "approved"
	EntryVoid     EntryStatus = "void"
	EntryPaid     EntryStatus = "paid"
)

// SplitRole is the staff function being compensated.
type SplitRole string

const (
	RoleCoach  SplitRole = "coach"
	RoleCloser SplitRole = "closer"
	RoleSetter SplitRole = "setter"
)

// Roles lists every split role in the order commissions are derived.
var Roles = []SplitRole{RoleCoach, RoleCloser, RoleSetter}

// LeadSource records where a client came from.
type LeadSource string

const (
	LeadCompany LeadSource = "company"
	LeadCoach   LeadSource = "coach"
)

// PayrollStatus is the state of a payroll run.
type PayrollStatus string

const (
	PayrollDraft    PayrollStatus = "draft"
	PayrollApproved PayrollStatus = "approved"
	PayrollPaid     PayrollStatus = "paid"
)

// SubjectType names the kind of record a ReviewFlag points at.
type SubjectType string

const (
	SubjectSchedule SubjectType = "schedule"
	SubjectCharge   SubjectType = "charge"
	SubjectPayment  SubjectType = "payment"
)

func ParseScheduleStatus(s string) (ScheduleStatus, error) {
	return parseEnum("schedule status", s,
		SchedulePendingInitial, ScheduleActive, ScheduleCompleted, ScheduleExpired, ScheduleCancelled)
}

func ParseChargeStatus(s string) (ChargeStatus, error) {
	return parseEnum("charge status", s,
		ChargePending, ChargeProcessing, ChargeSucceeded, ChargeFailed, ChargeSkipped)
}

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	return parseEnum("payment status", s, PaymentSucceeded, PaymentRefunded)
}

func ParseEntryStatus(s string) (EntryStatus, error) {
	return parseEnum("entry status", s, EntryPending, EntryApproved, EntryVoid, EntryPaid)
}

func ParseSplitRole(s string) (SplitRole, error) {
	return parseEnum("split role", s, Roles...)
}

func ParseLeadSource(s string) (LeadSource, error) {
	return parseEnum("lead source", s, LeadCompany, LeadCoach)
}

func ParsePayrollStatus(s string) (PayrollStatus, error) {
	return parseEnum("payroll status", s, PayrollDraft, PayrollApproved, PayrollPaid)
}

func ParseSubjectType(s string) (SubjectType, error) {
	return parseEnum("subject type", s, SubjectSchedule, SubjectCharge, SubjectPayment)
}

func parseEnum[T ~string](kind, raw string, allowed ...T) (T, error) {
	if slices.Contains(allowed, T(raw)) {
		return T(raw), nil
	}
	var zero T
	return zero, fmt.Errorf("%w: %s %q", ErrUnknownStatus, kind, raw)
}
