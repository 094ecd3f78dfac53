package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey string
	Timeout   time.Duration

	// BackendURL overrides the API endpoint. Empty means api.stripe.com.
	BackendURL string

	// MaxNetworkRetries is handed to stripe-go. The retries reuse the
	// idempotency key, so they are safe.
	MaxNetworkRetries int64
}

// Stripe implements Gateway with PaymentIntents.
type Stripe struct {
	api *client.API
}

var _ Gateway = (*Stripe)(nil)

// NewStripe creates a Stripe gateway.
func NewStripe(cfg StripeConfig) (*Stripe, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})
	return &Stripe{api: api}, nil
}

// CreateCharge creates and confirms an off-session PaymentIntent.
func (s *Stripe) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.PaymentMethodID == "" || req.CustomerID == "" {
		return nil, ErrMissingPaymentMethod
	}
	cents := req.Amount.Shift(2).Round(0)
	if !cents.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s", ErrInvalidRequest, req.Amount)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(cents.IntPart()),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify(err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return &ChargeResult{ID: pi.ID, Status: string(pi.Status)}, nil
	case stripe.PaymentIntentStatusProcessing:
		return nil, fmt.Errorf("%w: payment intent %s is processing", ErrUnknownOutcome, pi.ID)
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return nil, fmt.Errorf("%w: payment intent %s needs a new payment method", ErrDeclined, pi.ID)
	default:
		return nil, fmt.Errorf("%w: payment intent %s in status %s", ErrDeclined, pi.ID, pi.Status)
	}
}

// RetrieveSettlement reads the balance transaction of the intent's latest charge.
func (s *Stripe) RetrieveSettlement(ctx context.Context, paymentID string) (*Settlement, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge.balance_transaction")

	pi, err := s.api.PaymentIntents.Get(paymentID, params)
	if err != nil {
		return nil, classify(err)
	}
	if pi.LatestCharge == nil || pi.LatestCharge.BalanceTransaction == nil {
		return nil, ErrSettlementPending
	}

	bt := pi.LatestCharge.BalanceTransaction
	return &Settlement{
		Fee: decimal.New(bt.Fee, -2),
		Net: decimal.New(bt.Net, -2),
	}, nil
}

// Refund refunds the intent in full.
func (s *Stripe) Refund(ctx context.Context, paymentID string) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentID)}
	params.Context = ctx
	params.SetIdempotencyKey("refund_" + paymentID)

	if _, err := s.api.Refunds.New(params); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps a stripe-go error onto the gateway sentinels. Anything that is
// not a Stripe API answer is treated as an unknown outcome, and so is an
// idempotency error: the original request under that key may still succeed.
func classify(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
	}

	switch {
	case se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests || se.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("%w: %s", ErrUnknownOutcome, se.Msg)
	case se.HTTPStatusCode == http.StatusConflict || se.Type == stripe.ErrorTypeIdempotency:
		return fmt.Errorf("%w: %s", ErrUnknownOutcome, se.Msg)
	case se.Type == stripe.ErrorTypeCard:
		return fmt.Errorf("%w: %s (%s)", ErrDeclined, se.Msg, se.Code)
	case se.Code == stripe.ErrorCodeResourceMissing && (se.Param == "payment_method" || se.Param == "customer"):
		return fmt.Errorf("%w: %s", ErrMissingPaymentMethod, se.Msg)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, se.Msg)
	}
}
