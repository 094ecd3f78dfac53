package models

import "time"

// Review reasons raised by the sweeps.
const (
	ReasonChargeFailed          = "charge_failed"
	ReasonMissingRate           = "missing_commission_rate"
	ReasonNoEntryForCoach       = "no_entry_for_current_coach"
	ReasonPaidEntryForPrevCoach = "paid_entry_for_previous_coach"
	ReasonRefundedAfterPayout   = "refunded_after_payout"
)

// ReviewFlag marks a record an operator has to look at.
// Only one unresolved flag exists per (SubjectType, SubjectID, Reason).
type ReviewFlag struct {
	ID          string
	SubjectType SubjectType
	SubjectID   string
	Reason      string
	Detail      string
	CreatedAt   time.Time
	ResolvedAt  time.Time
}
