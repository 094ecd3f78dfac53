package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

// CreateStaff persists a new staff member.
func (s *Store) CreateStaff(ctx context.Context, staff *models.Staff) error {
	if staff.ID == "" {
		staff.ID = uuid.New().String()
	}
	if staff.CreatedAt.IsZero() {
		staff.CreatedAt = time.Now().UTC()
	}

	_, err := s.exec(ctx, s.db,
		"INSERT INTO staff (id, name, email, role, active, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		staff.ID, staff.Name, staff.Email, staff.Role, boolInt(staff.Active), unix(staff.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: staff email %s already exists", storage.ErrConflict, staff.Email)
		}
		return fmt.Errorf("failed to insert staff: %w", err)
	}
	return nil
}

// GetStaff retrieves a staff member by ID.
func (s *Store) GetStaff(ctx context.Context, staffID string) (*models.Staff, error) {
	staff := &models.Staff{}
	var active int
	var createdAt int64

	err := s.queryRow(ctx, s.db,
		"SELECT id, name, email, role, active, created_at FROM staff WHERE id = ?",
		staffID,
	).Scan(&staff.ID, &staff.Name, &staff.Email, &staff.Role, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: staff %s", storage.ErrNotFound, staffID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get staff: %w", err)
	}

	staff.Active = active != 0
	staff.CreatedAt = fromUnix(createdAt)
	return staff, nil
}

// CreateClient persists a new client.
func (s *Store) CreateClient(ctx context.Context, client *models.Client) error {
	if client.ID == "" {
		client.ID = uuid.New().String()
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}

	_, err := s.exec(ctx, s.db,
		`INSERT INTO clients (id, name, coach_id, closer_id, setter_id, lead_source, start_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ID, client.Name, client.CoachID, nullString(client.CloserID), nullString(client.SetterID),
		string(client.LeadSource), unix(client.StartDate), unix(client.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	client := &models.Client{}
	var closerID, setterID sql.NullString
	var leadSource string
	var startDate, createdAt int64

	err := s.queryRow(ctx, s.db,
		`SELECT id, name, coach_id, closer_id, setter_id, lead_source, start_date, created_at
		 FROM clients WHERE id = ?`,
		clientID,
	).Scan(&client.ID, &client.Name, &client.CoachID, &closerID, &setterID, &leadSource, &startDate, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	if client.LeadSource, err = models.ParseLeadSource(leadSource); err != nil {
		return nil, fmt.Errorf("client %s: %w", clientID, err)
	}
	client.CloserID = closerID.String
	client.SetterID = setterID.String
	client.StartDate = fromUnix(startDate)
	client.CreatedAt = fromUnix(createdAt)
	return client, nil
}

// UpdateClientCoach reassigns the client's coach.
func (s *Store) UpdateClientCoach(ctx context.Context, clientID, coachID string) error {
	n, err := s.exec(ctx, s.db, "UPDATE clients SET coach_id = ? WHERE id = ?", coachID, clientID)
	if err != nil {
		return fmt.Errorf("failed to update client coach: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}
	return nil
}
