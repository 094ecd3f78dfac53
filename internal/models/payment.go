package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment is money the business actually received: the settlement record of
// a succeeded charge, or a one-off payment recorded by staff.
type Payment struct {
	ID string

	// ClientID is empty for payments that cannot be tied to a client.
	// Such payments never produce commission.
	ClientID   string
	ScheduleID string
	ChargeID   string

	GatewayPaymentID string

	Amount decimal.Decimal

	// Fee and NetAmount stay null until settlement data is available.
	Fee       decimal.NullDecimal
	NetAmount decimal.NullDecimal

	Status     PaymentStatus
	PaidAt     time.Time
	RefundedAt time.Time
}

// CommissionBasis is the amount commission is computed on: the net amount
// when fee data is known, otherwise the gross amount.
func (p *Payment) CommissionBasis() decimal.Decimal {
	if p.NetAmount.Valid {
		return p.NetAmount.Decimal
	}
	return p.Amount
}
