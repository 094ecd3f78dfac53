package commission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/coachledger/internal/metrics"
	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

// ResolveResult summarizes a Resolver run.
type ResolveResult struct {
	Payments int
	Voided   int
	Flagged  int
	Errored  int
}

// Resolver collapses duplicate coach entries on a payment down to the one for
// the client's current coach. It takes no locks and can be re-run at any time.
type Resolver struct {
	store     Store
	batchSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewResolver(store Store, batchSize int, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, batchSize: batchSize, metrics: m, logger: logger}
}

// Run resolves every payment with more than one non-void coach entry.
// Flagged payments keep their duplicates, so the sweep pages through the
// whole set by payment id instead of rereading the first batch.
func (r *Resolver) Run(ctx context.Context, now time.Time) (*ResolveResult, error) {
	res := &ResolveResult{}
	after := ""
	for {
		paymentIDs, err := r.store.ListPaymentsWithDuplicateEntries(ctx, models.RoleCoach, after, r.batchSize)
		if err != nil {
			return res, fmt.Errorf("failed to list duplicate entries: %w", err)
		}
		for _, id := range paymentIDs {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Payments++
			if err := r.resolve(ctx, id, now, res); err != nil {
				res.Errored++
				r.logger.Error("Failed to resolve duplicate entries", "payment_id", id, "error", err)
			}
		}
		if len(paymentIDs) < r.batchSize {
			break
		}
		after = paymentIDs[len(paymentIDs)-1]
	}

	r.logger.Info("Duplicate resolution finished",
		"payments", res.Payments,
		"voided", res.Voided,
		"flagged", res.Flagged,
		"errored", res.Errored,
	)
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, paymentID string, now time.Time, res *ResolveResult) error {
	all, err := r.store.ListEntries(ctx, storage.EntryFilter{PaymentID: paymentID})
	if err != nil {
		return err
	}
	var entries []models.LedgerEntry
	for _, e := range all {
		if e.Role == models.RoleCoach && e.Active() {
			entries = append(entries, e)
		}
	}
	if len(entries) < 2 {
		return nil
	}

	client, err := r.store.GetClient(ctx, entries[0].ClientID)
	if err != nil {
		return err
	}

	keeper := pickKeeper(entries, client.CoachID)
	if keeper == nil {
		if raiseFlag(ctx, r.store, r.metrics, r.logger, paymentID, models.ReasonNoEntryForCoach,
			fmt.Sprintf("%d coach entries, none for current coach %s", len(entries), client.CoachID), now) {
			res.Flagged++
		}
		return nil
	}

	for _, e := range entries {
		if e.ID == keeper.ID {
			continue
		}
		if e.Status == models.EntryPaid {
			if raiseFlag(ctx, r.store, r.metrics, r.logger, paymentID, models.ReasonPaidEntryForPrevCoach,
				fmt.Sprintf("entry %s for %s is already paid", e.ID, e.UserID), now) {
				res.Flagged++
			}
			continue
		}
		ok, err := r.store.VoidEntry(ctx, e.ID, now)
		if err != nil {
			return err
		}
		if ok {
			res.Voided++
			r.logger.Info("Duplicate entry voided", "payment_id", paymentID, "entry_id", e.ID, "user_id", e.UserID, "kept", keeper.ID)
		}
	}
	return nil
}

// pickKeeper returns the entry of the current coach, preferring paid, then
// approved, then the earliest created. entries are ordered by creation.
func pickKeeper(entries []models.LedgerEntry, coachID string) *models.LedgerEntry {
	rank := func(s models.EntryStatus) int {
		switch s {
		case models.EntryPaid:
			return 0
		case models.EntryApproved:
			return 1
		}
		return 2
	}

	var keeper *models.LedgerEntry
	for i := range entries {
		e := &entries[i]
		if e.UserID != coachID {
			continue
		}
		if keeper == nil || rank(e.Status) < rank(keeper.Status) {
			keeper = e
		}
	}
	return keeper
}
