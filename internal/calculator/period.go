package calculator

import (
	"time"
)

// PayPeriodLength is the length of a biweekly payroll period.
const PayPeriodLength = 14 * 24 * time.Hour

// PayPeriod is the half-open interval [Start, End).
type PayPeriod struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p PayPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// PayoutDate is the period end plus delayDays.
func (p PayPeriod) PayoutDate(delayDays int) time.Time {
	return p.End.AddDate(0, 0, delayDays)
}

// PayPeriodFor returns the period containing t. Periods are consecutive
// 14-day blocks starting at anchor; t before anchor maps to earlier blocks.
func PayPeriodFor(anchor, t time.Time) PayPeriod {
	anchor = anchor.UTC()
	offset := t.UTC().Sub(anchor)
	n := offset / PayPeriodLength
	if offset < 0 && offset%PayPeriodLength != 0 {
		n--
	}
	start := anchor.Add(n * PayPeriodLength)
	return PayPeriod{Start: start, End: start.Add(PayPeriodLength)}
}

// PreviousPayPeriod returns the last period that ended at or before t.
func PreviousPayPeriod(anchor, t time.Time) PayPeriod {
	current := PayPeriodFor(anchor, t)
	return PayPeriod{Start: current.Start.Add(-PayPeriodLength), End: current.Start}
}
