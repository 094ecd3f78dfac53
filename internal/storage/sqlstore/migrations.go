package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// schema sets up the database. It runs on every Open, so every statement must
// be idempotent, and it has to stay valid for both SQLite and PostgreSQL:
// TEXT for ids and decimals, BIGINT unix seconds for instants.
// Tables are ordered so foreign keys point backwards.
const schema = `
CREATE TABLE IF NOT EXISTS staff (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT NOT NULL UNIQUE,
    role TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS clients (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    coach_id TEXT NOT NULL REFERENCES staff(id),
    closer_id TEXT REFERENCES staff(id),
    setter_id TEXT REFERENCES staff(id),
    lead_source TEXT NOT NULL,
    start_date BIGINT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_schedules (
    id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL REFERENCES clients(id),
    gateway_customer_id TEXT NOT NULL,
    gateway_payment_method_id TEXT NOT NULL,
    status TEXT NOT NULL,
    needs_review INTEGER NOT NULL DEFAULT 0,
    review_reason TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_charges (
    id TEXT PRIMARY KEY,
    schedule_id TEXT NOT NULL REFERENCES payment_schedules(id) ON DELETE CASCADE,
    sequence INTEGER NOT NULL,
    amount TEXT NOT NULL,
    due_at BIGINT NOT NULL,
    status TEXT NOT NULL,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    gateway_payment_id TEXT,
    idempotency_key TEXT,
    claimed_at BIGINT,
    charged_at BIGINT,
    UNIQUE (schedule_id, sequence)
);

CREATE TABLE IF NOT EXISTS payments (
    id TEXT PRIMARY KEY,
    client_id TEXT REFERENCES clients(id),
    schedule_id TEXT REFERENCES payment_schedules(id),
    charge_id TEXT UNIQUE REFERENCES scheduled_charges(id),
    gateway_payment_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    fee TEXT,
    net_amount TEXT,
    status TEXT NOT NULL,
    paid_at BIGINT NOT NULL,
    refunded_at BIGINT
);

CREATE TABLE IF NOT EXISTS payroll_runs (
    id TEXT PRIMARY KEY,
    period_start BIGINT NOT NULL,
    period_end BIGINT NOT NULL,
    payout_date BIGINT NOT NULL,
    status TEXT NOT NULL,
    total_commission TEXT NOT NULL,
    total_adjustments TEXT NOT NULL,
    total_payout TEXT NOT NULL,
    transaction_count INTEGER NOT NULL,
    created_by TEXT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id TEXT PRIMARY KEY,
    payment_id TEXT NOT NULL REFERENCES payments(id),
    user_id TEXT NOT NULL REFERENCES staff(id),
    client_id TEXT NOT NULL REFERENCES clients(id),
    commission_amount TEXT NOT NULL,
    net_amount TEXT NOT NULL,
    percentage TEXT NOT NULL,
    split_role TEXT NOT NULL,
    status TEXT NOT NULL,
    payroll_run_id TEXT REFERENCES payroll_runs(id),
    created_at BIGINT NOT NULL,
    voided_at BIGINT
);

CREATE TABLE IF NOT EXISTS commission_adjustments (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES staff(id),
    amount TEXT NOT NULL,
    reason TEXT NOT NULL,
    effective_at BIGINT NOT NULL,
    payroll_run_id TEXT REFERENCES payroll_runs(id),
    created_by TEXT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS commission_settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_by TEXT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS review_flags (
    id TEXT PRIMARY KEY,
    subject_type TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    resolved_at BIGINT
);

CREATE INDEX IF NOT EXISTS idx_schedules_status_created ON payment_schedules(status, created_at);
CREATE INDEX IF NOT EXISTS idx_charges_status_due ON scheduled_charges(status, due_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_charges_one_processing ON scheduled_charges(schedule_id) WHERE status = 'processing';
CREATE INDEX IF NOT EXISTS idx_payments_client ON payments(client_id, paid_at);
CREATE INDEX IF NOT EXISTS idx_ledger_payment_role ON ledger_entries(payment_id, split_role);
CREATE INDEX IF NOT EXISTS idx_ledger_status_created ON ledger_entries(status, created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_run ON ledger_entries(payroll_run_id);
CREATE INDEX IF NOT EXISTS idx_adjustments_effective ON commission_adjustments(effective_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_review_flags_open ON review_flags(subject_type, subject_id, reason) WHERE resolved_at IS NULL
`

// Migrate executes the schema setup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w\n%s", err, stmt)
		}
	}
	return nil
}
