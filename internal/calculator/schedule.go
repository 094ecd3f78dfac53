package calculator

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Interval is the spacing between installments.
type Interval string

const (
	Monthly  Interval = "monthly"
	Biweekly Interval = "biweekly"
	Weekly   Interval = "weekly"
)

// ParseInterval validates an interval name.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case Monthly, Biweekly, Weekly:
		return Interval(s), nil
	}
	return "", fmt.Errorf("unknown installment interval %q", s)
}

// InstallmentDates returns count due dates starting at first.
func InstallmentDates(first time.Time, count int, interval Interval) ([]time.Time, error) {
	if count <= 0 {
		return nil, fmt.Errorf("installment count must be positive, got %d", count)
	}

	dates := make([]time.Time, count)
	for i := range dates {
		switch interval {
		case Monthly:
			dates[i] = AddMonths(first, i)
		case Biweekly:
			dates[i] = first.AddDate(0, 0, 14*i)
		case Weekly:
			dates[i] = first.AddDate(0, 0, 7*i)
		default:
			return nil, fmt.Errorf("unknown installment interval %q", interval)
		}
	}
	return dates, nil
}

// AddMonths adds n calendar months, clamping to the last day of the target
// month (Jan 31 + 1 month = Feb 28/29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	firstOfTarget := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return firstOfTarget.AddDate(0, 0, d-1)
}

// SplitAmount divides total into count installments of whole cents. The
// remainder goes to the first installment so later charges are equal.
func SplitAmount(total decimal.Decimal, count int) ([]decimal.Decimal, error) {
	if count <= 0 {
		return nil, fmt.Errorf("installment count must be positive, got %d", count)
	}
	if !total.IsPositive() {
		return nil, fmt.Errorf("total must be positive, got %s", total)
	}

	cents := total.Shift(2).Round(0).IntPart()
	base := cents / int64(count)
	if base == 0 {
		return nil, fmt.Errorf("total %s is too small for %d installments", total, count)
	}
	rem := cents - base*int64(count)

	amounts := make([]decimal.Decimal, count)
	for i := range amounts {
		c := base
		if i == 0 {
			c += rem
		}
		amounts[i] = decimal.New(c, -2)
	}
	return amounts, nil
}
