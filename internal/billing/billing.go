// Package billing turns payment schedules into gateway charges.
//
// Every sweep is safe to run concurrently with itself: a charge is claimed
// with a guarded update before the gateway is called, and every later state
// change is guarded by the state the sweep left it in.
package billing

import (
	"errors"
	"time"

	"github.com/mmynk/coachledger/internal/storage"
)

// ErrScheduleState is returned when an operation does not apply to the
// schedule's current status.
var ErrScheduleState = errors.New("schedule is not in a valid state for this operation")

// ErrInvalidPlan is returned when a plan request cannot produce a schedule.
var ErrInvalidPlan = errors.New("invalid payment plan")

// Config tunes the billing sweeps. Zero values fall back to the defaults.
type Config struct {
	Currency       string
	MaxAttempts    int
	RetryBackoff   time.Duration
	StuckAfter     time.Duration
	AbandonAfter   time.Duration
	GatewayTimeout time.Duration

	// GatewayRPS caps gateway calls per second. Zero means unlimited.
	GatewayRPS   float64
	GatewayBurst int

	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 72 * time.Hour
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 15 * time.Minute
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = 7 * 24 * time.Hour
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 30 * time.Second
	}
	if c.GatewayBurst <= 0 {
		c.GatewayBurst = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// ChargeStore is what the processor and reconcilers need from storage.
type ChargeStore interface {
	storage.ScheduleStore
	storage.ChargeStore
	storage.ReviewStore
}
