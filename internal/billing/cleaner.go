package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/coachledger/internal/models"
)

// CleanResult summarizes an abandoned-schedule sweep.
type CleanResult struct {
	Processed int
	Expired   int
}

// Cleaner expires schedules whose first payment never happened.
type Cleaner struct {
	store  ChargeStore
	cfg    Config
	logger *slog.Logger
}

func NewCleaner(store ChargeStore, cfg Config, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{store: store, cfg: cfg.withDefaults(), logger: logger}
}

// Run expires pending_initial schedules created more than AbandonAfter
// before now. Their charges are left as they are; the due-charge query only
// picks up charges of active schedules.
func (c *Cleaner) Run(ctx context.Context, now time.Time) (*CleanResult, error) {
	schedules, err := c.store.ListSchedulesCreatedBefore(ctx, models.SchedulePendingInitial, now.Add(-c.cfg.AbandonAfter), c.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned schedules: %w", err)
	}

	res := &CleanResult{}
	for _, s := range schedules {
		res.Processed++
		ok, err := c.store.TransitionSchedule(ctx, s.ID,
			[]models.ScheduleStatus{models.SchedulePendingInitial}, models.ScheduleExpired, now)
		if err != nil {
			c.logger.Error("Failed to expire schedule", "schedule_id", s.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		res.Expired++
		c.logger.Info("Abandoned schedule expired", "schedule_id", s.ID, "created_at", s.CreatedAt)
	}
	return res, nil
}
