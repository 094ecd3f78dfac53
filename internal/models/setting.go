package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rate kinds. A setting key is "<role>.<kind>", e.g. "coach.company_sourced".
const (
	RateCompanySourced = "company_sourced"
	RateCoachSourced   = "coach_sourced"
	RateResign         = "resign"
)

// CommissionSetting is a named commission rate.
type CommissionSetting struct {
	Key       string
	Value     decimal.Decimal
	UpdatedBy string
	UpdatedAt time.Time
}

// RateKey builds the setting key for a role and rate kind.
func RateKey(role SplitRole, kind string) string {
	return string(role) + "." + kind
}
