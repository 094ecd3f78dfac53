// Package gatewaytest provides an in-memory gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/gateway"
)

// Fake records charges in memory and replays results by idempotency key, the
// way a real processor does.
type Fake struct {
	mu sync.Mutex

	// FeeRate is the processor fee as a fraction of the amount. Zero means
	// settlement data is reported as pending.
	FeeRate decimal.Decimal

	// BeforeCharge, if set, runs before every CreateCharge.
	BeforeCharge func(req gateway.ChargeRequest)

	byKey    map[string]outcome
	payments map[string]*Payment
	queued   []queuedError
	methods  map[string]error
	requests []gateway.ChargeRequest
	refunds  []string
}

// Payment is a charge the fake executed.
type Payment struct {
	ID       string
	Request  gateway.ChargeRequest
	Refunded bool
}

type outcome struct {
	result *gateway.ChargeResult
	err    error
}

type queuedError struct {
	err         error
	afterCharge bool
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		byKey:    make(map[string]outcome),
		payments: make(map[string]*Payment),
		methods:  make(map[string]error),
	}
}

// FailNext makes the next CreateCharge return err without charging.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, queuedError{err: err})
}

// LoseNextResponse makes the next CreateCharge charge the card and then
// return ErrUnknownOutcome, as if the response was lost in transit.
func (f *Fake) LoseNextResponse() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, queuedError{err: gateway.ErrUnknownOutcome, afterCharge: true})
}

// DeclinePaymentMethod makes every charge against pm fail with err.
func (f *Fake) DeclinePaymentMethod(pm string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods[pm] = err
}

// CreateCharge implements gateway.Gateway.
func (f *Fake) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	if f.BeforeCharge != nil {
		f.BeforeCharge(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUnknownOutcome, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	if prev, ok := f.byKey[req.IdempotencyKey]; ok {
		return prev.result, prev.err
	}

	var q *queuedError
	if len(f.queued) > 0 {
		q = &f.queued[0]
		f.queued = f.queued[1:]
	}
	if q != nil && !q.afterCharge {
		// Definitive answers are replayed, unknown ones are not.
		if gateway.Definitive(q.err) {
			f.byKey[req.IdempotencyKey] = outcome{err: q.err}
		}
		return nil, q.err
	}
	if err, ok := f.methods[req.PaymentMethodID]; ok {
		f.byKey[req.IdempotencyKey] = outcome{err: err}
		return nil, err
	}

	p := &Payment{ID: "pi_" + uuid.NewString(), Request: req}
	f.payments[p.ID] = p
	res := &gateway.ChargeResult{ID: p.ID, Status: "succeeded"}
	f.byKey[req.IdempotencyKey] = outcome{result: res}

	if q != nil {
		return nil, q.err
	}
	return res, nil
}

// RetrieveSettlement implements gateway.Gateway.
func (f *Fake) RetrieveSettlement(ctx context.Context, paymentID string) (*gateway.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment %s", gateway.ErrInvalidRequest, paymentID)
	}
	if f.FeeRate.IsZero() {
		return nil, gateway.ErrSettlementPending
	}
	fee := p.Request.Amount.Mul(f.FeeRate).Round(2)
	return &gateway.Settlement{Fee: fee, Net: p.Request.Amount.Sub(fee)}, nil
}

// Refund implements gateway.Gateway.
func (f *Fake) Refund(ctx context.Context, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.payments[paymentID]
	if !ok {
		return fmt.Errorf("%w: no such payment %s", gateway.ErrInvalidRequest, paymentID)
	}
	p.Refunded = true
	f.refunds = append(f.refunds, paymentID)
	return nil
}

// AddPayment registers a payment the fake did not create, e.g. one recorded
// directly in the store.
func (f *Fake) AddPayment(id string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[id] = &Payment{ID: id, Request: gateway.ChargeRequest{Amount: amount}}
}

// Payments returns every charge actually executed.
func (f *Fake) Payments() []Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Payment, 0, len(f.payments))
	for _, p := range f.payments {
		out = append(out, *p)
	}
	return out
}

// Requests returns every CreateCharge call, replays included.
func (f *Fake) Requests() []gateway.ChargeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.ChargeRequest(nil), f.requests...)
}

// Refunds returns the refunded payment IDs in order.
func (f *Fake) Refunds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refunds...)
}
