package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

const entryColumns = `e.id, e.payment_id, e.user_id, e.client_id, e.commission_amount, e.net_amount,
	e.percentage, e.split_role, e.status, e.payroll_run_id, e.created_at, e.voided_at`

// insertEntrySelect inserts one entry from bound parameters. The casts keep
// PostgreSQL from typing the bare parameters as text.
const insertEntrySelect = `INSERT INTO ledger_entries
	(id, payment_id, user_id, client_id, commission_amount, net_amount, percentage, split_role, status, created_at)
	SELECT CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT),
	       CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS BIGINT)
	WHERE NOT EXISTS (
	    SELECT 1 FROM ledger_entries x
	    WHERE x.payment_id = ? AND x.split_role = ? AND x.status <> ?`

// InsertEntryIfAbsent inserts entry unless a non-void entry exists for its
// payment and role.
func (s *Store) InsertEntryIfAbsent(ctx context.Context, entry *models.LedgerEntry) (bool, error) {
	prepareEntry(entry)
	args := append(entryArgs(entry), entry.PaymentID, string(entry.Role), string(models.EntryVoid))

	n, err := s.exec(ctx, s.db, insertEntrySelect+")", args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return n == 1, nil
}

// InsertEntryForUserIfAbsent inserts entry unless a non-void entry exists for
// its payment, role and user.
func (s *Store) InsertEntryForUserIfAbsent(ctx context.Context, entry *models.LedgerEntry) (bool, error) {
	prepareEntry(entry)
	args := append(entryArgs(entry), entry.PaymentID, string(entry.Role), string(models.EntryVoid), entry.UserID)

	n, err := s.exec(ctx, s.db, insertEntrySelect+" AND x.user_id = ?)", args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return n == 1, nil
}

// ListEntries returns entries matching filter, oldest first.
func (s *Store) ListEntries(ctx context.Context, filter storage.EntryFilter) ([]models.LedgerEntry, error) {
	var where []string
	var args []any
	if filter.PaymentID != "" {
		where = append(where, "e.payment_id = ?")
		args = append(args, filter.PaymentID)
	}
	if filter.UserID != "" {
		where = append(where, "e.user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "e.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PayrollRunID != "" {
		where = append(where, "e.payroll_run_id = ?")
		args = append(args, filter.PayrollRunID)
	}

	query := "SELECT " + entryColumns + " FROM ledger_entries e"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.created_at, e.id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.listEntries(ctx, s.db, query, args...)
}

// ListPaymentsWithDuplicateEntries returns payments holding more than one
// non-void entry for role whose id sorts after `after`.
func (s *Store) ListPaymentsWithDuplicateEntries(ctx context.Context, role models.SplitRole, after string, limit int) ([]string, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT payment_id FROM ledger_entries
		 WHERE split_role = ? AND status <> ? AND payment_id > ?
		 GROUP BY payment_id HAVING COUNT(*) > 1
		 ORDER BY payment_id LIMIT ?`,
		string(role), string(models.EntryVoid), after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicate entries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan payment id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate duplicate entries: %w", err)
	}
	return ids, nil
}

// VoidEntry moves a pending or approved entry to void. Paid entries never change.
func (s *Store) VoidEntry(ctx context.Context, entryID string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, s.db,
		"UPDATE ledger_entries SET status = ?, voided_at = ? WHERE id = ? AND status IN (?, ?) AND payroll_run_id IS NULL",
		string(models.EntryVoid), unix(now), entryID, string(models.EntryPending), string(models.EntryApproved),
	)
	if err != nil {
		return false, fmt.Errorf("failed to void entry: %w", err)
	}
	return n == 1, nil
}

// ApproveEntry moves pending -> approved.
func (s *Store) ApproveEntry(ctx context.Context, entryID string) (bool, error) {
	n, err := s.exec(ctx, s.db,
		"UPDATE ledger_entries SET status = ? WHERE id = ? AND status = ?",
		string(models.EntryApproved), entryID, string(models.EntryPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to approve entry: %w", err)
	}
	return n == 1, nil
}

// CreateAdjustment persists a manual commission adjustment.
func (s *Store) CreateAdjustment(ctx context.Context, adj *models.CommissionAdjustment) error {
	if adj.ID == "" {
		adj.ID = uuid.New().String()
	}
	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = time.Now().UTC()
	}
	if adj.EffectiveAt.IsZero() {
		adj.EffectiveAt = adj.CreatedAt
	}

	_, err := s.exec(ctx, s.db,
		`INSERT INTO commission_adjustments (id, user_id, amount, reason, effective_at, payroll_run_id, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		adj.ID, adj.UserID, adj.Amount.StringFixed(2), adj.Reason, unix(adj.EffectiveAt),
		nullString(adj.PayrollRunID), adj.CreatedBy, unix(adj.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert adjustment: %w", err)
	}
	return nil
}

func prepareEntry(e *models.LedgerEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = models.EntryPending
	}
}

func entryArgs(e *models.LedgerEntry) []any {
	return []any{
		e.ID, e.PaymentID, e.UserID, e.ClientID,
		e.CommissionAmount.StringFixed(2), e.NetAmount.StringFixed(2), e.Percentage.String(),
		string(e.Role), string(e.Status), unix(e.CreatedAt),
	}
}

func (s *Store) listEntries(ctx context.Context, q querier, query string, args ...any) ([]models.LedgerEntry, error) {
	rows, err := s.query(ctx, q, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}
	return entries, nil
}

func scanEntry(row scanner) (*models.LedgerEntry, error) {
	e := &models.LedgerEntry{}
	var commission, net, pct, role, status string
	var runID sql.NullString
	var createdAt int64
	var voidedAt sql.NullInt64

	if err := row.Scan(&e.ID, &e.PaymentID, &e.UserID, &e.ClientID, &commission, &net,
		&pct, &role, &status, &runID, &createdAt, &voidedAt); err != nil {
		return nil, err
	}

	var err error
	if e.Role, err = models.ParseSplitRole(role); err != nil {
		return nil, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	if e.Status, err = models.ParseEntryStatus(status); err != nil {
		return nil, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	if e.CommissionAmount, err = decimal.NewFromString(commission); err != nil {
		return nil, fmt.Errorf("entry %s commission: %w", e.ID, err)
	}
	if e.NetAmount, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("entry %s net amount: %w", e.ID, err)
	}
	if e.Percentage, err = decimal.NewFromString(pct); err != nil {
		return nil, fmt.Errorf("entry %s percentage: %w", e.ID, err)
	}
	e.PayrollRunID = runID.String
	e.CreatedAt = fromUnix(createdAt)
	e.VoidedAt = fromNullUnix(voidedAt)
	return e, nil
}
