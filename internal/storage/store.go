// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a guarded write lost a race or hit a
	// uniqueness constraint. Transactional writes roll back on it.
	ErrConflict = errors.New("write conflict")
)

// Store is the full persistence surface. Components depend on the narrower
// interfaces below so tests and alternative backends only need what is used.
type Store interface {
	ClientStore
	ScheduleStore
	ChargeStore
	PaymentStore
	LedgerStore
	PayrollStore
	SettingsStore
	ReviewStore

	// Close releases any resources held by the store.
	Close() error
}

// ClientStore persists clients and staff.
type ClientStore interface {
	CreateStaff(ctx context.Context, staff *models.Staff) error
	GetStaff(ctx context.Context, staffID string) (*models.Staff, error)

	CreateClient(ctx context.Context, client *models.Client) error
	GetClient(ctx context.Context, clientID string) (*models.Client, error)

	// UpdateClientCoach reassigns the client's coach.
	UpdateClientCoach(ctx context.Context, clientID, coachID string) error
}

// ScheduleStore persists payment schedules.
type ScheduleStore interface {
	// CreateSchedule inserts the schedule and all of its charges atomically.
	CreateSchedule(ctx context.Context, schedule *models.PaymentSchedule, charges []models.ScheduledCharge) error
	GetSchedule(ctx context.Context, scheduleID string) (*models.PaymentSchedule, error)

	// ListSchedulesCreatedBefore returns schedules in status created before cutoff.
	ListSchedulesCreatedBefore(ctx context.Context, status models.ScheduleStatus, cutoff time.Time, limit int) ([]models.PaymentSchedule, error)

	// TransitionSchedule moves a schedule to `to` only if its current status is
	// one of `from`. It reports whether a row changed.
	TransitionSchedule(ctx context.Context, scheduleID string, from []models.ScheduleStatus, to models.ScheduleStatus, now time.Time) (bool, error)

	// FlagSchedule marks the schedule as needing staff review.
	FlagSchedule(ctx context.Context, scheduleID, reason string, now time.Time) error
}

// ChargeStore persists scheduled charges. Every state change is a single-row
// update guarded by the expected previous status.
type ChargeStore interface {
	ListCharges(ctx context.Context, scheduleID string) ([]models.ScheduledCharge, error)
	GetDueCharge(ctx context.Context, chargeID string) (*models.DueCharge, error)

	// ListDueCharges returns pending charges due at or before now that belong
	// to active schedules, oldest first.
	ListDueCharges(ctx context.Context, now time.Time, limit int) ([]models.DueCharge, error)

	// ListStuckCharges returns processing charges claimed before cutoff.
	ListStuckCharges(ctx context.Context, cutoff time.Time, limit int) ([]models.DueCharge, error)

	// ClaimCharge moves pending -> processing if the charge is still pending
	// with the given attempt count. A false result means another sweep got it.
	ClaimCharge(ctx context.Context, chargeID string, attemptCount int, idempotencyKey string, now time.Time) (bool, error)

	// CompleteCharge moves processing -> succeeded.
	CompleteCharge(ctx context.Context, chargeID, gatewayPaymentID string, now time.Time) (bool, error)

	// RetryCharge moves processing -> pending with a later due date.
	RetryCharge(ctx context.Context, chargeID string, attemptCount int, nextDue time.Time, lastError string) (bool, error)

	// FailCharge moves processing -> failed. Terminal.
	FailCharge(ctx context.Context, chargeID string, attemptCount int, lastError string) (bool, error)

	// NoteChargeError records an error on a charge without changing its status.
	NoteChargeError(ctx context.Context, chargeID, lastError string) error

	// SkipCharge moves pending -> skipped.
	SkipCharge(ctx context.Context, chargeID string) (bool, error)

	// ScheduleSettled reports whether every charge of the schedule is
	// succeeded or skipped.
	ScheduleSettled(ctx context.Context, scheduleID string) (bool, error)

	// ListUnrecordedCharges returns succeeded charges that have no payment row.
	ListUnrecordedCharges(ctx context.Context, limit int) ([]models.DueCharge, error)
}

// PaymentStore persists settled payments.
type PaymentStore interface {
	// RecordChargePayment inserts a payment for a succeeded charge unless one
	// already exists for the charge. It returns the stored payment and whether
	// it was created by this call.
	RecordChargePayment(ctx context.Context, payment *models.Payment) (*models.Payment, bool, error)

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, paymentID string) (*models.Payment, error)

	// ListPaymentsMissingFees returns succeeded payments without fee data.
	ListPaymentsMissingFees(ctx context.Context, limit int) ([]models.Payment, error)

	// SetPaymentFee stores fee data if it is still missing.
	SetPaymentFee(ctx context.Context, paymentID string, fee, net decimal.Decimal) (bool, error)

	// MarkPaymentRefunded moves succeeded -> refunded.
	MarkPaymentRefunded(ctx context.Context, paymentID string, now time.Time) (bool, error)

	// ListPaymentsWithoutEntries returns succeeded client payments that have no
	// ledger entries at all, ordered by id and starting after the given id.
	ListPaymentsWithoutEntries(ctx context.Context, after string, limit int) ([]models.Payment, error)

	// ListClientPaymentsSince returns the client's succeeded payments paid at or after since.
	ListClientPaymentsSince(ctx context.Context, clientID string, since time.Time) ([]models.Payment, error)
}

// EntryFilter narrows ListEntries. Zero fields do not filter.
type EntryFilter struct {
	PaymentID    string
	UserID       string
	Status       models.EntryStatus
	PayrollRunID string
	Limit        int
}

// LedgerStore persists commission ledger entries and adjustments.
type LedgerStore interface {
	// InsertEntryIfAbsent inserts the entry unless a non-void entry already
	// exists for (PaymentID, Role). The check and insert are one statement.
	InsertEntryIfAbsent(ctx context.Context, entry *models.LedgerEntry) (bool, error)

	// InsertEntryForUserIfAbsent inserts the entry unless a non-void entry
	// already exists for (PaymentID, Role, UserID).
	InsertEntryForUserIfAbsent(ctx context.Context, entry *models.LedgerEntry) (bool, error)

	ListEntries(ctx context.Context, filter EntryFilter) ([]models.LedgerEntry, error)

	// ListPaymentsWithDuplicateEntries returns payment IDs with more than one
	// non-void entry for role, in id order starting after the given id.
	ListPaymentsWithDuplicateEntries(ctx context.Context, role models.SplitRole, after string, limit int) ([]string, error)

	// VoidEntry moves a pending or approved entry to void.
	VoidEntry(ctx context.Context, entryID string, now time.Time) (bool, error)

	// ApproveEntry moves pending -> approved.
	ApproveEntry(ctx context.Context, entryID string) (bool, error)

	CreateAdjustment(ctx context.Context, adjustment *models.CommissionAdjustment) error
}

// PayrollStore persists payroll runs.
type PayrollStore interface {
	// ListPayableEntries returns approved, unlocked entries created in [start, end).
	ListPayableEntries(ctx context.Context, start, end time.Time) ([]models.LedgerEntry, error)

	// ListOpenAdjustments returns unlocked adjustments effective in [start, end).
	ListOpenAdjustments(ctx context.Context, start, end time.Time) ([]models.CommissionAdjustment, error)

	// CreatePayrollRun inserts the run and locks every listed entry and
	// adjustment to it in one transaction. If any row cannot be locked the
	// whole write is rolled back and ErrConflict is returned.
	CreatePayrollRun(ctx context.Context, run *models.PayrollRun, entryIDs, adjustmentIDs []string) error

	GetPayrollRun(ctx context.Context, runID string) (*models.PayrollRun, error)
	ListPayrollRuns(ctx context.Context, limit int) ([]models.PayrollRun, error)
	ListRunAdjustments(ctx context.Context, runID string) ([]models.CommissionAdjustment, error)

	// TransitionPayrollRun moves a run from -> to.
	TransitionPayrollRun(ctx context.Context, runID string, from, to models.PayrollStatus) (bool, error)
}

// SettingsStore persists commission settings.
type SettingsStore interface {
	ListSettings(ctx context.Context) ([]models.CommissionSetting, error)
	UpsertSetting(ctx context.Context, setting *models.CommissionSetting) error
}

// ReviewStore persists review flags.
type ReviewStore interface {
	// RaiseFlag inserts the flag unless an unresolved one with the same
	// subject and reason exists.
	RaiseFlag(ctx context.Context, flag *models.ReviewFlag) (bool, error)
	ListOpenFlags(ctx context.Context, limit int) ([]models.ReviewFlag, error)
	ResolveFlag(ctx context.Context, flagID string, now time.Time) (bool, error)
}
