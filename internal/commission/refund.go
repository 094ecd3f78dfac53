package commission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/coachledger/internal/gateway"
	"github.com/mmynk/coachledger/internal/metrics"
	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

// RefundResult describes what a refund changed.
type RefundResult struct {
	Payment *models.Payment
	Voided  int

	// PaidEntries counts entries that were already paid out and stay as they are.
	PaidEntries int
}

// Refunder refunds payments and takes back commission that has not been paid.
type Refunder struct {
	store   Store
	gateway gateway.Gateway
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRefunder(store Store, gw gateway.Gateway, m *metrics.Metrics, logger *slog.Logger) *Refunder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refunder{store: store, gateway: gw, metrics: m, logger: logger}
}

// Refund refunds the payment at the gateway, marks it refunded and voids its
// pending and approved entries. Paid entries are kept and the payment is
// flagged instead.
//
// Calling Refund on an already refunded payment only finishes voiding.
func (r *Refunder) Refund(ctx context.Context, paymentID string, now time.Time) (*RefundResult, error) {
	payment, err := r.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if payment.Status == models.PaymentSucceeded {
		if err := r.gateway.Refund(ctx, payment.GatewayPaymentID); err != nil {
			return nil, fmt.Errorf("gateway refund of payment %s: %w", paymentID, err)
		}
		if _, err := r.store.MarkPaymentRefunded(ctx, paymentID, now); err != nil {
			return nil, err
		}
		payment.Status = models.PaymentRefunded
		payment.RefundedAt = now
		r.logger.Info("Payment refunded", "payment_id", paymentID, "amount", payment.Amount.StringFixed(2))
	}

	entries, err := r.store.ListEntries(ctx, storage.EntryFilter{PaymentID: paymentID})
	if err != nil {
		return nil, err
	}

	res := &RefundResult{Payment: payment}
	for _, e := range entries {
		switch e.Status {
		case models.EntryVoid:
			continue
		case models.EntryPaid:
			res.PaidEntries++
			continue
		}
		ok, err := r.store.VoidEntry(ctx, e.ID, now)
		if err != nil {
			return res, err
		}
		if ok {
			res.Voided++
		}
	}

	if res.PaidEntries > 0 {
		raiseFlag(ctx, r.store, r.metrics, r.logger, paymentID, models.ReasonRefundedAfterPayout,
			fmt.Sprintf("%d entries already paid out", res.PaidEntries), now)
	}
	return res, nil
}
