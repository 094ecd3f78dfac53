// Package commission turns payments into commission ledger entries and keeps
// the ledger consistent: duplicate resolution, coach reattribution and
// refunds.
//
// Every write is a guarded single-row statement, so each operation can be
// retried or run concurrently with itself without creating a second entry.
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/calculator"
	"github.com/mmynk/coachledger/internal/metrics"
	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

// DefaultInitialTermMonths is the length of a client's first contract.
const DefaultInitialTermMonths = 12

// ConfigError reports a commission rate that is not configured.
type ConfigError struct {
	Role models.SplitRole
	Key  string

	// Flagged is set when this failure raised a new review flag.
	Flagged bool
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("no commission rate configured for %s (setting %q)", e.Role, e.Key)
}

// Store is what the commission package needs from storage.
type Store interface {
	storage.ClientStore
	storage.PaymentStore
	storage.LedgerStore
	storage.ReviewStore
}

// Calculator derives ledger entries from payments.
type Calculator struct {
	store      Store
	settings   *SettingsCache
	termMonths int
	batchSize  int
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Options tune a Calculator. Zero values use defaults.
type Options struct {
	InitialTermMonths int
	BatchSize         int
}

func NewCalculator(store Store, settings *SettingsCache, opts Options, m *metrics.Metrics, logger *slog.Logger) *Calculator {
	if opts.InitialTermMonths <= 0 {
		opts.InitialTermMonths = DefaultInitialTermMonths
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{
		store:      store,
		settings:   settings,
		termMonths: opts.InitialTermMonths,
		batchSize:  opts.BatchSize,
		metrics:    m,
		logger:     logger,
	}
}

// Calculate creates the pending entries for a payment and returns the ones
// created by this call. Roles that already carry a non-void entry are left
// alone, so calling it twice creates nothing the second time.
//
// If any assigned role has no configured rate, no entry is created for any
// role and the payment is flagged for review.
func (c *Calculator) Calculate(ctx context.Context, paymentID string, now time.Time) ([]models.LedgerEntry, error) {
	payment, err := c.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.ClientID == "" || payment.Status != models.PaymentSucceeded {
		return nil, nil
	}

	client, err := c.store.GetClient(ctx, payment.ClientID)
	if err != nil {
		return nil, err
	}

	rates, err := c.ratesFor(ctx, client, payment.PaidAt)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Flagged = c.flag(ctx, payment.ID, models.ReasonMissingRate, err.Error(), now)
		}
		return nil, err
	}

	basis := payment.CommissionBasis()
	var created []models.LedgerEntry
	for _, role := range models.Roles {
		rate, ok := rates[role]
		if !ok || rate.IsZero() {
			continue
		}
		entry, inserted, err := c.insert(ctx, payment, client.StaffFor(role), role, basis, rate, now, false)
		if err != nil {
			return created, err
		}
		if inserted {
			created = append(created, *entry)
		}
	}
	return created, nil
}

// BackfillResult summarizes a Backfill sweep.
type BackfillResult struct {
	Processed int
	Created   int
	Errored   int

	// Flagged counts review flags raised by this sweep.
	Flagged int
}

// Backfill runs Calculate over succeeded payments that have no entries yet.
// Payments that still yield nothing (zero rates, a missing rate) stay in the
// result set, so the sweep pages past them by payment id.
func (c *Calculator) Backfill(ctx context.Context, now time.Time) (*BackfillResult, error) {
	res := &BackfillResult{}
	after := ""
	for {
		payments, err := c.store.ListPaymentsWithoutEntries(ctx, after, c.batchSize)
		if err != nil {
			return res, fmt.Errorf("failed to list payments without entries: %w", err)
		}
		for _, p := range payments {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Processed++
			entries, err := c.Calculate(ctx, p.ID, now)
			if err != nil {
				res.Errored++
				if NewFlag(err) {
					res.Flagged++
				}
				c.logger.Warn("Commission backfill failed", "payment_id", p.ID, "error", err)
				continue
			}
			res.Created += len(entries)
		}
		if len(payments) < c.batchSize {
			break
		}
		after = payments[len(payments)-1].ID
	}
	if res.Processed > 0 {
		c.logger.Info("Commission backfill finished", "processed", res.Processed, "created", res.Created, "errored", res.Errored)
	}
	return res, nil
}

// ReassignCoach moves a client to a new coach and reattributes the client's
// payments since `since`.
func (c *Calculator) ReassignCoach(ctx context.Context, clientID, coachID string, since, now time.Time) ([]models.LedgerEntry, error) {
	if _, err := c.store.GetStaff(ctx, coachID); err != nil {
		return nil, err
	}
	if err := c.store.UpdateClientCoach(ctx, clientID, coachID); err != nil {
		return nil, err
	}
	c.logger.Info("Client coach reassigned", "client_id", clientID, "coach_id", coachID)
	return c.Reattribute(ctx, clientID, since, now)
}

// Reattribute gives the client's current coach a pending entry on every
// succeeded payment since `since` that lacks one for that coach. Each payment
// is priced at the rate that applied when it was paid. Entries of the
// previous coach stay until the resolver voids them.
func (c *Calculator) Reattribute(ctx context.Context, clientID string, since, now time.Time) ([]models.LedgerEntry, error) {
	client, err := c.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	rates, err := c.settings.Rates(ctx)
	if err != nil {
		return nil, err
	}

	payments, err := c.store.ListClientPaymentsSince(ctx, clientID, since)
	if err != nil {
		return nil, err
	}

	var created []models.LedgerEntry
	for i := range payments {
		key := models.RateKey(models.RoleCoach, calculator.RateKind(client, payments[i].PaidAt, c.termMonths))
		rate, ok := rates[key]
		if !ok {
			return created, &ConfigError{Role: models.RoleCoach, Key: key}
		}
		if rate.IsZero() {
			continue
		}
		entry, inserted, err := c.insert(ctx, &payments[i], client.CoachID, models.RoleCoach, payments[i].CommissionBasis(), rate, now, true)
		if err != nil {
			return created, err
		}
		if inserted {
			created = append(created, *entry)
		}
	}
	c.logger.Info("Coach entries reattributed", "client_id", clientID, "coach_id", client.CoachID, "created", len(created))
	return created, nil
}

// ratesFor resolves the rate of every role the client has staff assigned to,
// as of paidAt.
func (c *Calculator) ratesFor(ctx context.Context, client *models.Client, paidAt time.Time) (map[models.SplitRole]decimal.Decimal, error) {
	all, err := c.settings.Rates(ctx)
	if err != nil {
		return nil, err
	}
	kind := calculator.RateKind(client, paidAt, c.termMonths)

	rates := make(map[models.SplitRole]decimal.Decimal, len(models.Roles))
	for _, role := range models.Roles {
		if client.StaffFor(role) == "" {
			continue
		}
		key := models.RateKey(role, kind)
		rate, ok := all[key]
		if !ok {
			return nil, &ConfigError{Role: role, Key: key}
		}
		rates[role] = rate
	}
	return rates, nil
}

func (c *Calculator) insert(ctx context.Context, payment *models.Payment, userID string, role models.SplitRole, basis, rate decimal.Decimal, now time.Time, perUser bool) (*models.LedgerEntry, bool, error) {
	amount, err := calculator.Commission(basis, rate)
	if err != nil {
		return nil, false, fmt.Errorf("payment %s %s commission: %w", payment.ID, role, err)
	}
	entry := &models.LedgerEntry{
		PaymentID:        payment.ID,
		UserID:           userID,
		ClientID:         payment.ClientID,
		CommissionAmount: amount,
		NetAmount:        basis,
		Percentage:       rate,
		Role:             role,
		Status:           models.EntryPending,
		CreatedAt:        now,
	}

	var inserted bool
	if perUser {
		inserted, err = c.store.InsertEntryForUserIfAbsent(ctx, entry)
	} else {
		inserted, err = c.store.InsertEntryIfAbsent(ctx, entry)
	}
	if err != nil {
		return nil, false, err
	}
	if inserted {
		c.metrics.Entry(string(role))
		c.logger.Debug("Ledger entry created",
			"payment_id", payment.ID,
			"user_id", userID,
			"role", role,
			"amount", amount.StringFixed(2),
		)
	}
	return entry, inserted, nil
}

// NewFlag reports whether err is a missing-rate failure that raised a new
// review flag.
func NewFlag(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr) && cfgErr.Flagged
}

func (c *Calculator) flag(ctx context.Context, paymentID, reason, detail string, now time.Time) bool {
	return raiseFlag(ctx, c.store, c.metrics, c.logger, paymentID, reason, detail, now)
}

func raiseFlag(ctx context.Context, store storage.ReviewStore, m *metrics.Metrics, logger *slog.Logger, paymentID, reason, detail string, now time.Time) bool {
	created, err := store.RaiseFlag(ctx, &models.ReviewFlag{
		SubjectType: models.SubjectPayment,
		SubjectID:   paymentID,
		Reason:      reason,
		Detail:      detail,
		CreatedAt:   now,
	})
	if err != nil {
		logger.Error("Failed to raise review flag", "payment_id", paymentID, "reason", reason, "error", err)
		return false
	}
	if created {
		m.Flag(reason)
		logger.Warn("Payment flagged for review", "payment_id", paymentID, "reason", reason)
	}
	return created
}
