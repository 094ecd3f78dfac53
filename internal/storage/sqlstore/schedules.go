package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

const scheduleColumns = `id, client_id, gateway_customer_id, gateway_payment_method_id, status,
	needs_review, review_reason, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

// CreateSchedule persists a schedule and its charges in one transaction.
// IDs and timestamps are generated when unset.
func (s *Store) CreateSchedule(ctx context.Context, schedule *models.PaymentSchedule, charges []models.ScheduledCharge) error {
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now().UTC()
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = schedule.CreatedAt
	}
	if schedule.Status == "" {
		schedule.Status = models.SchedulePendingInitial
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`INSERT INTO payment_schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			schedule.ID, schedule.ClientID, schedule.GatewayCustomerID, schedule.GatewayPaymentMethodID,
			string(schedule.Status), boolInt(schedule.NeedsReview), schedule.ReviewReason,
			unix(schedule.CreatedAt), unix(schedule.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert schedule: %w", err)
		}

		for i := range charges {
			c := &charges[i]
			if c.ID == "" {
				c.ID = uuid.New().String()
			}
			c.ScheduleID = schedule.ID
			if c.Status == "" {
				c.Status = models.ChargePending
			}

			_, err = s.exec(ctx, tx,
				`INSERT INTO scheduled_charges (id, schedule_id, sequence, amount, due_at, status, attempt_count, last_error)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.ScheduleID, c.Sequence, c.Amount.StringFixed(2), unix(c.DueAt),
				string(c.Status), c.AttemptCount, c.LastError,
			)
			if err != nil {
				return fmt.Errorf("failed to insert charge %d: %w", c.Sequence, err)
			}
		}
		return nil
	})
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID string) (*models.PaymentSchedule, error) {
	schedule, err := scanSchedule(s.queryRow(ctx, s.db,
		"SELECT "+scheduleColumns+" FROM payment_schedules WHERE id = ?", scheduleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: schedule %s", storage.ErrNotFound, scheduleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return schedule, nil
}

// ListSchedulesCreatedBefore returns schedules in status created strictly before cutoff.
func (s *Store) ListSchedulesCreatedBefore(ctx context.Context, status models.ScheduleStatus, cutoff time.Time, limit int) ([]models.PaymentSchedule, error) {
	rows, err := s.query(ctx, s.db,
		"SELECT "+scheduleColumns+` FROM payment_schedules
		 WHERE status = ? AND created_at < ? ORDER BY created_at LIMIT ?`,
		string(status), unix(cutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.PaymentSchedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, *schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schedules: %w", err)
	}
	return schedules, nil
}

// TransitionSchedule moves a schedule to `to` if its status is one of `from`.
func (s *Store) TransitionSchedule(ctx context.Context, scheduleID string, from []models.ScheduleStatus, to models.ScheduleStatus, now time.Time) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition to %s needs at least one source status", to)
	}
	args := []any{string(to), unix(now), scheduleID}
	for _, st := range from {
		args = append(args, string(st))
	}

	n, err := s.exec(ctx, s.db,
		"UPDATE payment_schedules SET status = ?, updated_at = ? WHERE id = ? AND status IN ("+placeholders(len(from))+")",
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition schedule: %w", err)
	}
	return n == 1, nil
}

// FlagSchedule marks the schedule for staff review.
func (s *Store) FlagSchedule(ctx context.Context, scheduleID, reason string, now time.Time) error {
	n, err := s.exec(ctx, s.db,
		"UPDATE payment_schedules SET needs_review = 1, review_reason = ?, updated_at = ? WHERE id = ?",
		reason, unix(now), scheduleID,
	)
	if err != nil {
		return fmt.Errorf("failed to flag schedule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: schedule %s", storage.ErrNotFound, scheduleID)
	}
	return nil
}

func scanSchedule(row scanner) (*models.PaymentSchedule, error) {
	schedule := &models.PaymentSchedule{}
	var status string
	var needsReview int
	var createdAt, updatedAt int64

	if err := row.Scan(&schedule.ID, &schedule.ClientID, &schedule.GatewayCustomerID, &schedule.GatewayPaymentMethodID,
		&status, &needsReview, &schedule.ReviewReason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if schedule.Status, err = models.ParseScheduleStatus(status); err != nil {
		return nil, fmt.Errorf("schedule %s: %w", schedule.ID, err)
	}
	schedule.NeedsReview = needsReview != 0
	schedule.CreatedAt = fromUnix(createdAt)
	schedule.UpdatedAt = fromUnix(updatedAt)
	return schedule, nil
}
