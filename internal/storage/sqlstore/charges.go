package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

const chargeColumns = `c.id, c.schedule_id, c.sequence, c.amount, c.due_at, c.status, c.attempt_count,
	c.last_error, c.gateway_payment_id, c.idempotency_key, c.claimed_at, c.charged_at`

const dueChargeSelect = "SELECT " + chargeColumns + `, s.client_id, s.gateway_customer_id, s.gateway_payment_method_id
	FROM scheduled_charges c JOIN payment_schedules s ON s.id = c.schedule_id`

// ListCharges returns all charges of a schedule in installment order.
func (s *Store) ListCharges(ctx context.Context, scheduleID string) ([]models.ScheduledCharge, error) {
	rows, err := s.query(ctx, s.db,
		"SELECT "+chargeColumns+" FROM scheduled_charges c WHERE c.schedule_id = ? ORDER BY c.sequence",
		scheduleID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list charges: %w", err)
	}
	defer rows.Close()

	var charges []models.ScheduledCharge
	for rows.Next() {
		charge, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		charges = append(charges, *charge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate charges: %w", err)
	}
	return charges, nil
}

// GetDueCharge loads a single charge with its schedule's billing details.
func (s *Store) GetDueCharge(ctx context.Context, chargeID string) (*models.DueCharge, error) {
	due, err := scanDueCharge(s.queryRow(ctx, s.db, dueChargeSelect+" WHERE c.id = ?", chargeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: charge %s", storage.ErrNotFound, chargeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get charge: %w", err)
	}
	return due, nil
}

// ListDueCharges returns pending charges of active schedules due at or before now.
func (s *Store) ListDueCharges(ctx context.Context, now time.Time, limit int) ([]models.DueCharge, error) {
	return s.listDueCharges(ctx,
		dueChargeSelect+` WHERE c.status = ? AND c.due_at <= ? AND s.status = ?
		 ORDER BY c.due_at, c.sequence LIMIT ?`,
		string(models.ChargePending), unix(now), string(models.ScheduleActive), limit,
	)
}

// ListStuckCharges returns processing charges claimed before cutoff.
func (s *Store) ListStuckCharges(ctx context.Context, cutoff time.Time, limit int) ([]models.DueCharge, error) {
	return s.listDueCharges(ctx,
		dueChargeSelect+` WHERE c.status = ? AND c.claimed_at < ?
		 ORDER BY c.claimed_at LIMIT ?`,
		string(models.ChargeProcessing), unix(cutoff), limit,
	)
}

// ListUnrecordedCharges returns succeeded charges without a payment row.
func (s *Store) ListUnrecordedCharges(ctx context.Context, limit int) ([]models.DueCharge, error) {
	return s.listDueCharges(ctx,
		dueChargeSelect+` WHERE c.status = ?
		   AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.charge_id = c.id)
		 ORDER BY c.charged_at LIMIT ?`,
		string(models.ChargeSucceeded), limit,
	)
}

func (s *Store) listDueCharges(ctx context.Context, query string, args ...any) ([]models.DueCharge, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list charges: %w", err)
	}
	defer rows.Close()

	var charges []models.DueCharge
	for rows.Next() {
		due, err := scanDueCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		charges = append(charges, *due)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate charges: %w", err)
	}
	return charges, nil
}

// ClaimCharge moves pending -> processing. The update only matches while the
// charge is still pending at the expected attempt count and its schedule can
// still bill, so concurrent sweeps cannot both claim it. The partial unique
// index on processing charges also rejects a second in-flight installment of
// the same schedule; that case is reported as not claimed.
func (s *Store) ClaimCharge(ctx context.Context, chargeID string, attemptCount int, idempotencyKey string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, s.db,
		`UPDATE scheduled_charges SET status = ?, claimed_at = ?, idempotency_key = ?
		 WHERE id = ? AND status = ? AND attempt_count = ?
		   AND EXISTS (SELECT 1 FROM payment_schedules s
		               WHERE s.id = scheduled_charges.schedule_id AND s.status IN (?, ?))`,
		string(models.ChargeProcessing), unix(now), idempotencyKey,
		chargeID, string(models.ChargePending), attemptCount,
		string(models.ScheduleActive), string(models.SchedulePendingInitial),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim charge: %w", err)
	}
	return n == 1, nil
}

// CompleteCharge moves processing -> succeeded.
func (s *Store) CompleteCharge(ctx context.Context, chargeID, gatewayPaymentID string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, s.db,
		`UPDATE scheduled_charges SET status = ?, gateway_payment_id = ?, charged_at = ?, last_error = ''
		 WHERE id = ? AND status = ?`,
		string(models.ChargeSucceeded), gatewayPaymentID, unix(now),
		chargeID, string(models.ChargeProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete charge: %w", err)
	}
	return n == 1, nil
}

// RetryCharge moves processing -> pending with a later due date.
func (s *Store) RetryCharge(ctx context.Context, chargeID string, attemptCount int, nextDue time.Time, lastError string) (bool, error) {
	n, err := s.exec(ctx, s.db,
		`UPDATE scheduled_charges SET status = ?, attempt_count = ?, due_at = ?, last_error = ?, claimed_at = NULL
		 WHERE id = ? AND status = ?`,
		string(models.ChargePending), attemptCount, unix(nextDue), lastError,
		chargeID, string(models.ChargeProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("failed to reschedule charge: %w", err)
	}
	return n == 1, nil
}

// FailCharge moves processing -> failed.
func (s *Store) FailCharge(ctx context.Context, chargeID string, attemptCount int, lastError string) (bool, error) {
	n, err := s.exec(ctx, s.db,
		`UPDATE scheduled_charges SET status = ?, attempt_count = ?, last_error = ?
		 WHERE id = ? AND status = ?`,
		string(models.ChargeFailed), attemptCount, lastError,
		chargeID, string(models.ChargeProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("failed to fail charge: %w", err)
	}
	return n == 1, nil
}

// NoteChargeError records lastError without touching the status.
func (s *Store) NoteChargeError(ctx context.Context, chargeID, lastError string) error {
	if _, err := s.exec(ctx, s.db,
		"UPDATE scheduled_charges SET last_error = ? WHERE id = ?", lastError, chargeID,
	); err != nil {
		return fmt.Errorf("failed to record charge error: %w", err)
	}
	return nil
}

// SkipCharge moves pending -> skipped.
func (s *Store) SkipCharge(ctx context.Context, chargeID string) (bool, error) {
	n, err := s.exec(ctx, s.db,
		"UPDATE scheduled_charges SET status = ? WHERE id = ? AND status = ?",
		string(models.ChargeSkipped), chargeID, string(models.ChargePending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to skip charge: %w", err)
	}
	return n == 1, nil
}

// ScheduleSettled reports whether the schedule has charges and all of them
// are succeeded or skipped.
func (s *Store) ScheduleSettled(ctx context.Context, scheduleID string) (bool, error) {
	var total, open int
	err := s.queryRow(ctx, s.db,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 0 ELSE 1 END), 0)
		 FROM scheduled_charges WHERE schedule_id = ?`,
		string(models.ChargeSucceeded), string(models.ChargeSkipped), scheduleID,
	).Scan(&total, &open)
	if err != nil {
		return false, fmt.Errorf("failed to count schedule charges: %w", err)
	}
	return total > 0 && open == 0, nil
}

func scanCharge(row scanner, extra ...any) (*models.ScheduledCharge, error) {
	c := &models.ScheduledCharge{}
	var amount, status string
	var dueAt int64
	var gatewayID, idemKey sql.NullString
	var claimedAt, chargedAt sql.NullInt64

	dest := []any{&c.ID, &c.ScheduleID, &c.Sequence, &amount, &dueAt, &status, &c.AttemptCount,
		&c.LastError, &gatewayID, &idemKey, &claimedAt, &chargedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	var err error
	if c.Status, err = models.ParseChargeStatus(status); err != nil {
		return nil, fmt.Errorf("charge %s: %w", c.ID, err)
	}
	if c.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("charge %s amount: %w", c.ID, err)
	}
	c.DueAt = fromUnix(dueAt)
	c.GatewayPaymentID = gatewayID.String
	c.IdempotencyKey = idemKey.String
	c.ClaimedAt = fromNullUnix(claimedAt)
	c.ChargedAt = fromNullUnix(chargedAt)
	return c, nil
}

func scanDueCharge(row scanner) (*models.DueCharge, error) {
	due := &models.DueCharge{}
	charge, err := scanCharge(row, &due.ClientID, &due.GatewayCustomerID, &due.GatewayPaymentMethodID)
	if err != nil {
		return nil, err
	}
	due.ScheduledCharge = *charge
	return due, nil
}
