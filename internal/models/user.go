package models

import "time"

// Staff is a staff member who can be credited with commission.
//
// Staff accounts are owned by the upstream identity system; this service keeps
// only what it needs to attribute ledger entries and sign operator tokens.
type Staff struct {
	// ID is the unique identifier for the staff member (UUID format).
	ID string

	// Name is the display name used in payroll listings.
	Name string

	// Email is where payout notices go. Unique.
	Email string

	// Role is the staff member's default function (coach, closer, setter)
	// or "admin" for operators.
	Role string

	// Active is false once the staff member has left.
	Active bool

	CreatedAt time.Time
}
