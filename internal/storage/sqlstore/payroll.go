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

const runColumns = `id, period_start, period_end, payout_date, status, total_commission,
	total_adjustments, total_payout, transaction_count, created_by, created_at`

const adjustmentColumns = `id, user_id, amount, reason, effective_at, payroll_run_id, created_by, created_at`

// ListPayableEntries returns approved, unlocked entries created in [start, end).
func (s *Store) ListPayableEntries(ctx context.Context, start, end time.Time) ([]models.LedgerEntry, error) {
	return s.listEntries(ctx, s.db,
		"SELECT "+entryColumns+` FROM ledger_entries e
		 WHERE e.status = ? AND e.payroll_run_id IS NULL AND e.created_at >= ? AND e.created_at < ?
		 ORDER BY e.created_at, e.id`,
		string(models.EntryApproved), unix(start), unix(end),
	)
}

// ListOpenAdjustments returns unlocked adjustments effective in [start, end).
func (s *Store) ListOpenAdjustments(ctx context.Context, start, end time.Time) ([]models.CommissionAdjustment, error) {
	return s.listAdjustments(ctx,
		"SELECT "+adjustmentColumns+` FROM commission_adjustments
		 WHERE payroll_run_id IS NULL AND effective_at >= ? AND effective_at < ?
		 ORDER BY effective_at, id`,
		unix(start), unix(end),
	)
}

// ListRunAdjustments returns the adjustments locked to a run.
func (s *Store) ListRunAdjustments(ctx context.Context, runID string) ([]models.CommissionAdjustment, error) {
	return s.listAdjustments(ctx,
		"SELECT "+adjustmentColumns+" FROM commission_adjustments WHERE payroll_run_id = ? ORDER BY effective_at, id",
		runID,
	)
}

// CreatePayrollRun inserts the run and locks entries and adjustments to it.
// Every lock is guarded by the row still being unlocked (and, for entries,
// approved); a single miss rolls the whole transaction back.
func (s *Store) CreatePayrollRun(ctx context.Context, run *models.PayrollRun, entryIDs, adjustmentIDs []string) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.PayrollDraft
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`INSERT INTO payroll_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, unix(run.PeriodStart), unix(run.PeriodEnd), unix(run.PayoutDate), string(run.Status),
			run.TotalCommission.StringFixed(2), run.TotalAdjustments.StringFixed(2), run.TotalPayout.StringFixed(2),
			run.TransactionCount, run.CreatedBy, unix(run.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert payroll run: %w", err)
		}

		for _, id := range entryIDs {
			n, err := s.exec(ctx, tx,
				`UPDATE ledger_entries SET payroll_run_id = ?, status = ?
				 WHERE id = ? AND status = ? AND payroll_run_id IS NULL`,
				run.ID, string(models.EntryPaid), id, string(models.EntryApproved),
			)
			if err != nil {
				return fmt.Errorf("failed to lock entry %s: %w", id, err)
			}
			if n != 1 {
				return fmt.Errorf("%w: entry %s is no longer payable", storage.ErrConflict, id)
			}
		}

		for _, id := range adjustmentIDs {
			n, err := s.exec(ctx, tx,
				"UPDATE commission_adjustments SET payroll_run_id = ? WHERE id = ? AND payroll_run_id IS NULL",
				run.ID, id,
			)
			if err != nil {
				return fmt.Errorf("failed to lock adjustment %s: %w", id, err)
			}
			if n != 1 {
				return fmt.Errorf("%w: adjustment %s already belongs to a run", storage.ErrConflict, id)
			}
		}
		return nil
	})
}

// GetPayrollRun retrieves a payroll run by ID.
func (s *Store) GetPayrollRun(ctx context.Context, runID string) (*models.PayrollRun, error) {
	run, err := scanRun(s.queryRow(ctx, s.db, "SELECT "+runColumns+" FROM payroll_runs WHERE id = ?", runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: payroll run %s", storage.ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payroll run: %w", err)
	}
	return run, nil
}

// ListPayrollRuns returns the most recent runs first.
func (s *Store) ListPayrollRuns(ctx context.Context, limit int) ([]models.PayrollRun, error) {
	rows, err := s.query(ctx, s.db,
		"SELECT "+runColumns+" FROM payroll_runs ORDER BY period_start DESC, created_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list payroll runs: %w", err)
	}
	defer rows.Close()

	var runs []models.PayrollRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payroll run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payroll runs: %w", err)
	}
	return runs, nil
}

// TransitionPayrollRun moves a run from -> to.
func (s *Store) TransitionPayrollRun(ctx context.Context, runID string, from, to models.PayrollStatus) (bool, error) {
	n, err := s.exec(ctx, s.db,
		"UPDATE payroll_runs SET status = ? WHERE id = ? AND status = ?",
		string(to), runID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition payroll run: %w", err)
	}
	return n == 1, nil
}

func (s *Store) listAdjustments(ctx context.Context, query string, args ...any) ([]models.CommissionAdjustment, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list adjustments: %w", err)
	}
	defer rows.Close()

	var adjustments []models.CommissionAdjustment
	for rows.Next() {
		a := models.CommissionAdjustment{}
		var amount string
		var runID sql.NullString
		var effectiveAt, createdAt int64

		if err := rows.Scan(&a.ID, &a.UserID, &amount, &a.Reason, &effectiveAt, &runID, &a.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		if a.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("adjustment %s amount: %w", a.ID, err)
		}
		a.PayrollRunID = runID.String
		a.EffectiveAt = fromUnix(effectiveAt)
		a.CreatedAt = fromUnix(createdAt)
		adjustments = append(adjustments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate adjustments: %w", err)
	}
	return adjustments, nil
}

func scanRun(row scanner) (*models.PayrollRun, error) {
	r := &models.PayrollRun{}
	var start, end, payout, createdAt int64
	var status, commission, adjustments, total string

	if err := row.Scan(&r.ID, &start, &end, &payout, &status, &commission,
		&adjustments, &total, &r.TransactionCount, &r.CreatedBy, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if r.Status, err = models.ParsePayrollStatus(status); err != nil {
		return nil, fmt.Errorf("payroll run %s: %w", r.ID, err)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&r.TotalCommission, commission},
		{&r.TotalAdjustments, adjustments},
		{&r.TotalPayout, total},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("payroll run %s totals: %w", r.ID, err)
		}
	}
	r.PeriodStart = fromUnix(start)
	r.PeriodEnd = fromUnix(end)
	r.PayoutDate = fromUnix(payout)
	r.CreatedAt = fromUnix(createdAt)
	return r, nil
}
