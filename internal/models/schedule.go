package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentSchedule is a client's agreed installment plan.
// Only active schedules produce charges.
type PaymentSchedule struct {
	ID       string
	ClientID string

	// GatewayCustomerID and GatewayPaymentMethodID identify the stored card.
	GatewayCustomerID      string
	GatewayPaymentMethodID string

	Status ScheduleStatus

	// NeedsReview is set when an installment failed for good.
	NeedsReview  bool
	ReviewReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduledCharge is one installment of a schedule.
type ScheduledCharge struct {
	ID         string
	ScheduleID string

	// Sequence is the 1-based installment number within the schedule.
	Sequence int

	Amount decimal.Decimal
	DueAt  time.Time
	Status ChargeStatus

	AttemptCount int
	LastError    string

	// GatewayPaymentID is set once the gateway accepted the charge.
	GatewayPaymentID string

	// IdempotencyKey is the key of the current (or last) attempt. A charge left
	// in processing is resubmitted with the same key.
	IdempotencyKey string

	ClaimedAt time.Time
	ChargedAt time.Time
}

// AttemptKey returns the idempotency key for the given attempt number.
func (c *ScheduledCharge) AttemptKey(attempt int) string {
	return "charge_" + c.ID + "_attempt_" + strconv.Itoa(attempt)
}

// DueCharge is a claimable charge joined with what is needed to bill it.
type DueCharge struct {
	ScheduledCharge
	ClientID               string
	GatewayCustomerID      string
	GatewayPaymentMethodID string
}
