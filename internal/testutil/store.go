// Package testutil provides fixtures shared by package tests: a throwaway
// SQLite store and helpers that seed staff, clients, schedules and payments.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage/sqlstore"
)

// Epoch is a fixed "now" for tests.
var Epoch = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

// NewStore creates a SQLite store in a temp directory that is removed when
// the test finishes.
func NewStore(t *testing.T) *sqlstore.Store {
	t.Helper()

	store, err := sqlstore.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// Money parses a decimal literal or fails the test.
func Money(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

// SeedStaff inserts an active staff member with the given role.
func SeedStaff(t *testing.T, store *sqlstore.Store, name, role string) *models.Staff {
	t.Helper()
	staff := &models.Staff{
		Name:   name,
		Email:  name + "-" + uuid.NewString()[:8] + "@example.com",
		Role:   role,
		Active: true,
	}
	if err := store.CreateStaff(context.Background(), staff); err != nil {
		t.Fatalf("CreateStaff failed: %v", err)
	}
	return staff
}

// SeedClient inserts a client. Zero StartDate defaults to Epoch and an empty
// LeadSource defaults to company.
func SeedClient(t *testing.T, store *sqlstore.Store, client models.Client) *models.Client {
	t.Helper()
	if client.Name == "" {
		client.Name = "Client " + uuid.NewString()[:8]
	}
	if client.StartDate.IsZero() {
		client.StartDate = Epoch
	}
	if client.LeadSource == "" {
		client.LeadSource = models.LeadCompany
	}
	if err := store.CreateClient(context.Background(), &client); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}
	return &client
}

// SeedSchedule inserts a schedule in status with one charge per amount, the
// first due at firstDue and the rest a month apart.
func SeedSchedule(t *testing.T, store *sqlstore.Store, clientID string, status models.ScheduleStatus, firstDue time.Time, amounts ...string) (*models.PaymentSchedule, []models.ScheduledCharge) {
	t.Helper()
	schedule := &models.PaymentSchedule{
		ClientID:               clientID,
		GatewayCustomerID:      "cus_" + uuid.NewString()[:8],
		GatewayPaymentMethodID: "pm_" + uuid.NewString()[:8],
		Status:                 status,
		CreatedAt:              firstDue.Add(-24 * time.Hour),
	}
	charges := make([]models.ScheduledCharge, len(amounts))
	for i, amount := range amounts {
		charges[i] = models.ScheduledCharge{
			Sequence: i + 1,
			Amount:   Money(t, amount),
			DueAt:    firstDue.AddDate(0, i, 0),
		}
	}
	if err := store.CreateSchedule(context.Background(), schedule, charges); err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}
	return schedule, charges
}

// SeedPayment inserts a succeeded one-off payment for clientID (may be empty).
func SeedPayment(t *testing.T, store *sqlstore.Store, clientID, amount string, paidAt time.Time) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		ClientID:         clientID,
		GatewayPaymentID: "pi_" + uuid.NewString()[:8],
		Amount:           Money(t, amount),
		Status:           models.PaymentSucceeded,
		PaidAt:           paidAt,
	}
	if err := store.CreatePayment(context.Background(), payment); err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	return payment
}

// SeedEntry inserts a ledger entry directly, bypassing the one-per-role check,
// the way legacy imports and racing writers can.
func SeedEntry(t *testing.T, store *sqlstore.Store, entry models.LedgerEntry) *models.LedgerEntry {
	t.Helper()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = Epoch
	}
	if entry.Role == "" {
		entry.Role = models.RoleCoach
	}
	ok, err := store.InsertEntryForUserIfAbsent(context.Background(), &entry)
	if err != nil {
		t.Fatalf("insert entry failed: %v", err)
	}
	if !ok {
		t.Fatalf("entry for payment %s user %s already exists", entry.PaymentID, entry.UserID)
	}
	return &entry
}
