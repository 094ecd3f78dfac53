package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

// RecorderStore is what the Recorder needs from storage.
type RecorderStore interface {
	storage.PaymentStore
	ListUnrecordedCharges(ctx context.Context, limit int) ([]models.DueCharge, error)
}

// Recorder turns succeeded charges into payments. There is exactly one
// payment per charge no matter how often a charge is recorded.
type Recorder struct {
	store  RecorderStore
	logger *slog.Logger
}

func NewRecorder(store RecorderStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record stores the payment for a succeeded charge and reports whether it was
// new.
func (r *Recorder) Record(ctx context.Context, charge models.DueCharge) (*models.Payment, bool, error) {
	if charge.Status != models.ChargeSucceeded || charge.GatewayPaymentID == "" {
		return nil, false, fmt.Errorf("charge %s has not succeeded", charge.ID)
	}

	payment, created, err := r.store.RecordChargePayment(ctx, &models.Payment{
		ClientID:         charge.ClientID,
		ScheduleID:       charge.ScheduleID,
		ChargeID:         charge.ID,
		GatewayPaymentID: charge.GatewayPaymentID,
		Amount:           charge.Amount,
		Status:           models.PaymentSucceeded,
		PaidAt:           charge.ChargedAt,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		r.logger.Info("Payment recorded", "payment_id", payment.ID, "charge_id", charge.ID, "amount", payment.Amount.StringFixed(2))
	}
	return payment, created, nil
}

// Backfill records payments for succeeded charges that have none, which
// happens when a sweep dies between completing a charge and recording it.
func (r *Recorder) Backfill(ctx context.Context, limit int) ([]models.Payment, error) {
	charges, err := r.store.ListUnrecordedCharges(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unrecorded charges: %w", err)
	}

	var payments []models.Payment
	for _, c := range charges {
		payment, created, err := r.Record(ctx, c)
		if err != nil {
			r.logger.Error("Failed to backfill payment", "charge_id", c.ID, "error", err)
			continue
		}
		if created {
			payments = append(payments, *payment)
		}
	}
	return payments, nil
}
