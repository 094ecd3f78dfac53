package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

const paymentColumns = `p.id, p.client_id, p.schedule_id, p.charge_id, p.gateway_payment_id, p.amount,
	p.fee, p.net_amount, p.status, p.paid_at, p.refunded_at`

// RecordChargePayment inserts the payment unless one exists for its charge,
// then returns whichever row is stored.
func (s *Store) RecordChargePayment(ctx context.Context, payment *models.Payment) (*models.Payment, bool, error) {
	if payment.ChargeID == "" {
		return nil, false, fmt.Errorf("charge payment needs a charge id")
	}
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	if payment.PaidAt.IsZero() {
		payment.PaidAt = time.Now().UTC()
	}
	if payment.Status == "" {
		payment.Status = models.PaymentSucceeded
	}

	n, err := s.exec(ctx, s.db,
		`INSERT INTO payments (id, client_id, schedule_id, charge_id, gateway_payment_id, amount, fee, net_amount, status, paid_at, refunded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		paymentArgs(payment)...,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert payment: %w", err)
	}

	stored, err := scanPayment(s.queryRow(ctx, s.db,
		"SELECT "+paymentColumns+" FROM payments p WHERE p.charge_id = ?", payment.ChargeID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load payment for charge %s: %w", payment.ChargeID, err)
	}
	return stored, n == 1, nil
}

// CreatePayment persists a payment that did not come from a scheduled charge.
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	if payment.PaidAt.IsZero() {
		payment.PaidAt = time.Now().UTC()
	}
	if payment.Status == "" {
		payment.Status = models.PaymentSucceeded
	}

	_, err := s.exec(ctx, s.db,
		`INSERT INTO payments (id, client_id, schedule_id, charge_id, gateway_payment_id, amount, fee, net_amount, status, paid_at, refunded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		paymentArgs(payment)...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: payment %s", storage.ErrConflict, payment.ID)
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by ID.
func (s *Store) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := scanPayment(s.queryRow(ctx, s.db,
		"SELECT "+paymentColumns+" FROM payments p WHERE p.id = ?", paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: payment %s", storage.ErrNotFound, paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return payment, nil
}

// ListPaymentsMissingFees returns succeeded payments without fee data, oldest first.
func (s *Store) ListPaymentsMissingFees(ctx context.Context, limit int) ([]models.Payment, error) {
	return s.listPayments(ctx,
		"SELECT "+paymentColumns+` FROM payments p
		 WHERE p.status = ? AND p.fee IS NULL ORDER BY p.paid_at LIMIT ?`,
		string(models.PaymentSucceeded), limit,
	)
}

// SetPaymentFee stores fee and net amount if they are still missing.
func (s *Store) SetPaymentFee(ctx context.Context, paymentID string, fee, net decimal.Decimal) (bool, error) {
	n, err := s.exec(ctx, s.db,
		"UPDATE payments SET fee = ?, net_amount = ? WHERE id = ? AND fee IS NULL",
		fee.StringFixed(2), net.StringFixed(2), paymentID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set payment fee: %w", err)
	}
	return n == 1, nil
}

// MarkPaymentRefunded moves succeeded -> refunded.
func (s *Store) MarkPaymentRefunded(ctx context.Context, paymentID string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, s.db,
		"UPDATE payments SET status = ?, refunded_at = ? WHERE id = ? AND status = ?",
		string(models.PaymentRefunded), unix(now), paymentID, string(models.PaymentSucceeded),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark payment refunded: %w", err)
	}
	return n == 1, nil
}

// ListPaymentsWithoutEntries returns succeeded client payments with no ledger
// entries whose id sorts after `after`.
func (s *Store) ListPaymentsWithoutEntries(ctx context.Context, after string, limit int) ([]models.Payment, error) {
	return s.listPayments(ctx,
		"SELECT "+paymentColumns+` FROM payments p
		 WHERE p.status = ? AND p.client_id IS NOT NULL AND p.id > ?
		   AND NOT EXISTS (SELECT 1 FROM ledger_entries e WHERE e.payment_id = p.id)
		 ORDER BY p.id LIMIT ?`,
		string(models.PaymentSucceeded), after, limit,
	)
}

// ListClientPaymentsSince returns the client's succeeded payments paid at or after since.
func (s *Store) ListClientPaymentsSince(ctx context.Context, clientID string, since time.Time) ([]models.Payment, error) {
	return s.listPayments(ctx,
		"SELECT "+paymentColumns+` FROM payments p
		 WHERE p.client_id = ? AND p.status = ? AND p.paid_at >= ?
		 ORDER BY p.paid_at`,
		clientID, string(models.PaymentSucceeded), unix(since),
	)
}

func (s *Store) listPayments(ctx context.Context, query string, args ...any) ([]models.Payment, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return payments, nil
}

func paymentArgs(p *models.Payment) []any {
	var fee, net any
	if p.Fee.Valid {
		fee = p.Fee.Decimal.StringFixed(2)
	}
	if p.NetAmount.Valid {
		net = p.NetAmount.Decimal.StringFixed(2)
	}
	return []any{
		p.ID, nullString(p.ClientID), nullString(p.ScheduleID), nullString(p.ChargeID), p.GatewayPaymentID,
		p.Amount.StringFixed(2), fee, net, string(p.Status), unix(p.PaidAt), nullUnix(p.RefundedAt),
	}
}

func scanPayment(row scanner) (*models.Payment, error) {
	p := &models.Payment{}
	var clientID, scheduleID, chargeID, fee, net sql.NullString
	var amount, status string
	var paidAt int64
	var refundedAt sql.NullInt64

	if err := row.Scan(&p.ID, &clientID, &scheduleID, &chargeID, &p.GatewayPaymentID, &amount,
		&fee, &net, &status, &paidAt, &refundedAt); err != nil {
		return nil, err
	}

	var err error
	if p.Status, err = models.ParsePaymentStatus(status); err != nil {
		return nil, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("payment %s amount: %w", p.ID, err)
	}
	if p.Fee, err = parseNullDecimal(fee); err != nil {
		return nil, fmt.Errorf("payment %s fee: %w", p.ID, err)
	}
	if p.NetAmount, err = parseNullDecimal(net); err != nil {
		return nil, fmt.Errorf("payment %s net amount: %w", p.ID, err)
	}
	p.ClientID = clientID.String
	p.ScheduleID = scheduleID.String
	p.ChargeID = chargeID.String
	p.PaidAt = fromUnix(paidAt)
	p.RefundedAt = fromNullUnix(refundedAt)
	return p, nil
}

func parseNullDecimal(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
