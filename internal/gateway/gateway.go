// Package gateway abstracts the card payment processor used to bill
// scheduled charges, read settlement fees and issue refunds.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Definitive outcomes. The charge did not happen and retrying with the same
// request will not change that.
var (
	ErrDeclined             = errors.New("payment declined")
	ErrMissingPaymentMethod = errors.New("payment method missing")
	ErrInvalidRequest       = errors.New("invalid gateway request")
)

// ErrUnknownOutcome means the request may or may not have been executed
// (timeout, network failure, gateway 5xx). The charge must be resubmitted with
// the same idempotency key to learn the result.
var ErrUnknownOutcome = errors.New("gateway outcome unknown")

// ErrSettlementPending means fee data is not available yet.
var ErrSettlementPending = errors.New("settlement not yet available")

// Definitive reports whether err is a gateway answer that will not change on
// retry with the same idempotency key.
func Definitive(err error) bool {
	return errors.Is(err, ErrDeclined) || errors.Is(err, ErrMissingPaymentMethod) || errors.Is(err, ErrInvalidRequest)
}

// ChargeRequest is an off-session charge against a stored payment method.
type ChargeRequest struct {
	CustomerID      string
	PaymentMethodID string
	Amount          decimal.Decimal
	Currency        string

	// IdempotencyKey makes resubmission safe: the gateway replays the
	// original result instead of charging again.
	IdempotencyKey string

	Metadata map[string]string
}

// ChargeResult is a charge the gateway accepted.
type ChargeResult struct {
	ID     string
	Status string
}

// Settlement is the fee breakdown of a settled payment.
type Settlement struct {
	Fee decimal.Decimal
	Net decimal.Decimal
}

// Gateway is the payment processor.
type Gateway interface {
	// CreateCharge charges the stored payment method. Errors wrap one of the
	// sentinels above.
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)

	// RetrieveSettlement returns fee data for a payment, or ErrSettlementPending.
	RetrieveSettlement(ctx context.Context, paymentID string) (*Settlement, error)

	// Refund refunds a payment in full.
	Refund(ctx context.Context, paymentID string) error
}

// ErrNotConfigured is returned by every Disabled call.
var ErrNotConfigured = errors.New("payment gateway is not configured")

// Disabled stands in for the gateway when no credentials are configured.
// Commands that never charge, settle or refund can run with it.
type Disabled struct{}

func (Disabled) CreateCharge(context.Context, ChargeRequest) (*ChargeResult, error) {
	return nil, ErrNotConfigured
}

func (Disabled) RetrieveSettlement(context.Context, string) (*Settlement, error) {
	return nil, ErrNotConfigured
}

func (Disabled) Refund(context.Context, string) error {
	return ErrNotConfigured
}
