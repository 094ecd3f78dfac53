package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/models"
)

// ListSettings returns every commission setting ordered by key.
func (s *Store) ListSettings(ctx context.Context) ([]models.CommissionSetting, error) {
	rows, err := s.query(ctx, s.db,
		"SELECT key, value, updated_by, updated_at FROM commission_settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var settings []models.CommissionSetting
	for rows.Next() {
		var setting models.CommissionSetting
		var value string
		var updatedAt int64
		if err := rows.Scan(&setting.Key, &value, &setting.UpdatedBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		if setting.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("setting %s: %w", setting.Key, err)
		}
		setting.UpdatedAt = fromUnix(updatedAt)
		settings = append(settings, setting)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settings: %w", err)
	}
	return settings, nil
}

// UpsertSetting creates or replaces a setting.
func (s *Store) UpsertSetting(ctx context.Context, setting *models.CommissionSetting) error {
	if setting.UpdatedAt.IsZero() {
		setting.UpdatedAt = time.Now().UTC()
	}

	_, err := s.exec(ctx, s.db,
		`INSERT INTO commission_settings (key, value, updated_by, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		setting.Key, setting.Value.String(), setting.UpdatedBy, unix(setting.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert setting: %w", err)
	}
	return nil
}
