package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mmynk/coachledger/internal/gateway"
	"github.com/mmynk/coachledger/internal/storage"
)

// FeeResult summarizes a fee reconciliation sweep.
type FeeResult struct {
	Processed int
	Updated   int
	Pending   int
	Errored   int
}

// FeeReconciler backfills processor fees on payments once the gateway has
// settled them.
type FeeReconciler struct {
	store   storage.PaymentStore
	gateway gateway.Gateway
	cfg     Config
	logger  *slog.Logger
}

func NewFeeReconciler(store storage.PaymentStore, gw gateway.Gateway, cfg Config, logger *slog.Logger) *FeeReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeeReconciler{store: store, gateway: gw, cfg: cfg.withDefaults(), logger: logger}
}

// Run fetches settlement data for succeeded payments that have no fee yet.
// Payments whose settlement is still pending are left for the next run; no
// gateway error ever changes a payment's status.
func (f *FeeReconciler) Run(ctx context.Context) (*FeeResult, error) {
	payments, err := f.store.ListPaymentsMissingFees(ctx, f.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments missing fees: %w", err)
	}

	res := &FeeResult{}
	for _, payment := range payments {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Processed++

		callCtx, cancel := context.WithTimeout(ctx, f.cfg.GatewayTimeout)
		settlement, err := f.gateway.RetrieveSettlement(callCtx, payment.GatewayPaymentID)
		cancel()

		switch {
		case errors.Is(err, gateway.ErrSettlementPending):
			res.Pending++
			continue
		case err != nil:
			res.Errored++
			f.logger.Warn("Failed to retrieve settlement", "payment_id", payment.ID, "error", err)
			continue
		}

		net := payment.Amount.Sub(settlement.Fee)
		ok, err := f.store.SetPaymentFee(ctx, payment.ID, settlement.Fee, net)
		if err != nil {
			res.Errored++
			f.logger.Error("Failed to store payment fee", "payment_id", payment.ID, "error", err)
			continue
		}
		if ok {
			res.Updated++
			f.logger.Debug("Payment fee reconciled", "payment_id", payment.ID, "fee", settlement.Fee.StringFixed(2))
		}
	}

	f.logger.Info("Fee sweep finished",
		"processed", res.Processed,
		"updated", res.Updated,
		"pending", res.Pending,
		"errored", res.Errored,
	)
	return res, nil
}
