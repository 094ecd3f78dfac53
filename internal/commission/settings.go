package commission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

// DefaultSettingsTTL is how long a settings snapshot is trusted.
const DefaultSettingsTTL = time.Minute

// SharedCache is a settings snapshot shared between instances, such as
// cache.Redis.
type SharedCache interface {
	GetSettings(ctx context.Context) ([]models.CommissionSetting, bool, error)
	PutSettings(ctx context.Context, settings []models.CommissionSetting) error
	InvalidateSettings(ctx context.Context) error
}

// SettingsCache serves commission rates from a TTL snapshot of the settings
// table. Shared cache failures fall back to the store.
type SettingsCache struct {
	store  storage.SettingsStore
	shared SharedCache
	ttl    time.Duration
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	rates    map[string]decimal.Decimal
	loadedAt time.Time
}

// NewSettingsCache creates a cache. shared and logger may be nil; ttl <= 0
// uses DefaultSettingsTTL.
func NewSettingsCache(store storage.SettingsStore, shared SharedCache, ttl time.Duration, logger *slog.Logger) *SettingsCache {
	if ttl <= 0 {
		ttl = DefaultSettingsTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsCache{
		store:  store,
		shared: shared,
		ttl:    ttl,
		logger: logger,
		clock:  time.Now,
	}
}

// Rates returns the current rate for every configured key.
func (c *SettingsCache) Rates(ctx context.Context) (map[string]decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rates != nil && c.clock().Sub(c.loadedAt) < c.ttl {
		return c.rates, nil
	}

	settings, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	rates := make(map[string]decimal.Decimal, len(settings))
	for _, s := range settings {
		rates[s.Key] = s.Value
	}
	c.rates = rates
	c.loadedAt = c.clock()
	return rates, nil
}

// List returns every setting straight from the store.
func (c *SettingsCache) List(ctx context.Context) ([]models.CommissionSetting, error) {
	return c.store.ListSettings(ctx)
}

// Set writes a setting and drops every cached snapshot so the next read sees it.
func (c *SettingsCache) Set(ctx context.Context, setting *models.CommissionSetting) error {
	if setting.Value.IsNegative() {
		return fmt.Errorf("setting %s cannot be negative", setting.Key)
	}
	if err := c.store.UpsertSetting(ctx, setting); err != nil {
		return err
	}
	c.Invalidate(ctx)
	c.logger.Info("Commission setting updated", "key", setting.Key, "value", setting.Value.String(), "updated_by", setting.UpdatedBy)
	return nil
}

// Invalidate drops the local and shared snapshots.
func (c *SettingsCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.rates = nil
	c.mu.Unlock()

	if c.shared == nil {
		return
	}
	if err := c.shared.InvalidateSettings(ctx); err != nil {
		c.logger.Warn("Failed to invalidate shared settings cache", "error", err)
	}
}

func (c *SettingsCache) load(ctx context.Context) ([]models.CommissionSetting, error) {
	if c.shared != nil {
		settings, ok, err := c.shared.GetSettings(ctx)
		if err != nil {
			c.logger.Warn("Shared settings cache unavailable", "error", err)
		} else if ok {
			return settings, nil
		}
	}

	settings, err := c.store.ListSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load commission settings: %w", err)
	}
	if c.shared != nil {
		if err := c.shared.PutSettings(ctx, settings); err != nil {
			c.logger.Warn("Failed to populate shared settings cache", "error", err)
		}
	}
	return settings, nil
}
