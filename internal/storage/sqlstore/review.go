package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/coachledger/internal/models"
)

// RaiseFlag inserts the flag unless an unresolved one already exists for the
// same subject and reason.
func (s *Store) RaiseFlag(ctx context.Context, flag *models.ReviewFlag) (bool, error) {
	if flag.ID == "" {
		flag.ID = uuid.New().String()
	}
	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = time.Now().UTC()
	}

	n, err := s.exec(ctx, s.db,
		`INSERT INTO review_flags (id, subject_type, subject_id, reason, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		flag.ID, string(flag.SubjectType), flag.SubjectID, flag.Reason, flag.Detail, unix(flag.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to raise review flag: %w", err)
	}
	return n == 1, nil
}

// ListOpenFlags returns unresolved flags, oldest first.
func (s *Store) ListOpenFlags(ctx context.Context, limit int) ([]models.ReviewFlag, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, subject_type, subject_id, reason, detail, created_at, resolved_at
		 FROM review_flags WHERE resolved_at IS NULL ORDER BY created_at, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list review flags: %w", err)
	}
	defer rows.Close()

	var flags []models.ReviewFlag
	for rows.Next() {
		var f models.ReviewFlag
		var subjectType string
		var createdAt int64
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&f.ID, &subjectType, &f.SubjectID, &f.Reason, &f.Detail, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review flag: %w", err)
		}
		if f.SubjectType, err = models.ParseSubjectType(subjectType); err != nil {
			return nil, fmt.Errorf("review flag %s: %w", f.ID, err)
		}
		f.CreatedAt = fromUnix(createdAt)
		f.ResolvedAt = fromNullUnix(resolvedAt)
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate review flags: %w", err)
	}
	return flags, nil
}

// ResolveFlag marks an open flag resolved.
func (s *Store) ResolveFlag(ctx context.Context, flagID string, now time.Time) (bool, error) {
	n, err := s.exec(ctx, s.db,
		"UPDATE review_flags SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL",
		unix(now), flagID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve review flag: %w", err)
	}
	return n == 1, nil
}
