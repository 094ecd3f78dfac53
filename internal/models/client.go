package models

import "time"

// Client is a coaching client and the staff currently assigned to them.
type Client struct {
	ID   string
	Name string

	// CoachID is the currently assigned coach. Reassignment changes this field;
	// existing ledger entries keep the coach they were created for.
	CoachID string

	// CloserID and SetterID are the staff credited with the sale, if any.
	CloserID string
	SetterID string

	LeadSource LeadSource

	// StartDate anchors the initial-term window used for commission rates.
	StartDate time.Time

	CreatedAt time.Time
}

// StaffFor returns the staff member assigned to role, or "" if nobody is.
func (c *Client) StaffFor(role SplitRole) string {
	switch role {
	case RoleCoach:
		return c.CoachID
	case RoleCloser:
		return c.CloserID
	case RoleSetter:
		return c.SetterID
	}
	return ""
}
