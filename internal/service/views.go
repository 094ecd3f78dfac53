package service

import (
	"time"

	"github.com/mmynk/coachledger/internal/calculator"
	"github.com/mmynk/coachledger/internal/models"
)

// Money values are decimal strings with two places.

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Entry struct {
	ID               string     `json:"id"`
	PaymentID        string     `json:"payment_id"`
	UserID           string     `json:"user_id"`
	ClientID         string     `json:"client_id"`
	Role             string     `json:"role"`
	Status           string     `json:"status"`
	CommissionAmount string     `json:"commission_amount"`
	NetAmount        string     `json:"net_amount"`
	Percentage       string     `json:"percentage"`
	PayrollRunID     string     `json:"payroll_run_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	VoidedAt         *time.Time `json:"voided_at,omitempty"`
}

type Adjustment struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      string    `json:"amount"`
	Reason      string    `json:"reason"`
	EffectiveAt time.Time `json:"effective_at"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type ReviewFlag struct {
	ID          string    `json:"id"`
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	Reason      string    `json:"reason"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type PayrollRun struct {
	ID               string    `json:"id"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	PayoutDate       time.Time `json:"payout_date"`
	Status           string    `json:"status"`
	TotalCommission  string    `json:"total_commission"`
	TotalAdjustments string    `json:"total_adjustments"`
	TotalPayout      string    `json:"total_payout"`
	TransactionCount int       `json:"transaction_count"`
	CreatedBy        string    `json:"created_by"`
	CreatedAt        time.Time `json:"created_at"`
}

type Payout struct {
	UserID      string `json:"user_id"`
	Commission  string `json:"commission"`
	Adjustments string `json:"adjustments"`
	Total       string `json:"total"`
	Entries     int    `json:"entries"`
}

type Client struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CoachID    string    `json:"coach_id"`
	CloserID   string    `json:"closer_id,omitempty"`
	SetterID   string    `json:"setter_id,omitempty"`
	LeadSource string    `json:"lead_source"`
	StartDate  time.Time `json:"start_date"`
	CreatedAt  time.Time `json:"created_at"`
}

type Schedule struct {
	ID                     string    `json:"id"`
	ClientID               string    `json:"client_id"`
	GatewayCustomerID      string    `json:"gateway_customer_id"`
	GatewayPaymentMethodID string    `json:"gateway_payment_method_id"`
	Status                 string    `json:"status"`
	NeedsReview            bool      `json:"needs_review"`
	ReviewReason           string    `json:"review_reason,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

type Charge struct {
	ID               string     `json:"id"`
	Sequence         int        `json:"sequence"`
	Amount           string     `json:"amount"`
	DueAt            time.Time  `json:"due_at"`
	Status           string     `json:"status"`
	AttemptCount     int        `json:"attempt_count"`
	LastError        string     `json:"last_error,omitempty"`
	GatewayPaymentID string     `json:"gateway_payment_id,omitempty"`
	ChargedAt        *time.Time `json:"charged_at,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toSetting(s models.CommissionSetting) Setting {
	return Setting{
		Key:       s.Key,
		Value:     s.Value.String(),
		UpdatedBy: s.UpdatedBy,
		UpdatedAt: s.UpdatedAt,
	}
}

func toEntry(e models.LedgerEntry) Entry {
	return Entry{
		ID:               e.ID,
		PaymentID:        e.PaymentID,
		UserID:           e.UserID,
		ClientID:         e.ClientID,
		Role:             string(e.Role),
		Status:           string(e.Status),
		CommissionAmount: e.CommissionAmount.StringFixed(2),
		NetAmount:        e.NetAmount.StringFixed(2),
		Percentage:       e.Percentage.String(),
		PayrollRunID:     e.PayrollRunID,
		CreatedAt:        e.CreatedAt,
		VoidedAt:         optionalTime(e.VoidedAt),
	}
}

func toEntries(entries []models.LedgerEntry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = toEntry(e)
	}
	return out
}

func toAdjustment(a *models.CommissionAdjustment) Adjustment {
	return Adjustment{
		ID:          a.ID,
		UserID:      a.UserID,
		Amount:      a.Amount.StringFixed(2),
		Reason:      a.Reason,
		EffectiveAt: a.EffectiveAt,
		CreatedBy:   a.CreatedBy,
		CreatedAt:   a.CreatedAt,
	}
}

func toReviewFlag(f models.ReviewFlag) ReviewFlag {
	return ReviewFlag{
		ID:          f.ID,
		SubjectType: string(f.SubjectType),
		SubjectID:   f.SubjectID,
		Reason:      f.Reason,
		Detail:      f.Detail,
		CreatedAt:   f.CreatedAt,
	}
}

func toPayrollRun(r *models.PayrollRun) PayrollRun {
	return PayrollRun{
		ID:               r.ID,
		PeriodStart:      r.PeriodStart,
		PeriodEnd:        r.PeriodEnd,
		PayoutDate:       r.PayoutDate,
		Status:           string(r.Status),
		TotalCommission:  r.TotalCommission.StringFixed(2),
		TotalAdjustments: r.TotalAdjustments.StringFixed(2),
		TotalPayout:      r.TotalPayout.StringFixed(2),
		TransactionCount: r.TransactionCount,
		CreatedBy:        r.CreatedBy,
		CreatedAt:        r.CreatedAt,
	}
}

func toPayout(p calculator.UserPayout) Payout {
	return Payout{
		UserID:      p.UserID,
		Commission:  p.Commission.StringFixed(2),
		Adjustments: p.Adjustments.StringFixed(2),
		Total:       p.Total.StringFixed(2),
		Entries:     p.Entries,
	}
}

func toClient(c *models.Client) Client {
	return Client{
		ID:         c.ID,
		Name:       c.Name,
		CoachID:    c.CoachID,
		CloserID:   c.CloserID,
		SetterID:   c.SetterID,
		LeadSource: string(c.LeadSource),
		StartDate:  c.StartDate,
		CreatedAt:  c.CreatedAt,
	}
}

func toSchedule(s *models.PaymentSchedule) Schedule {
	return Schedule{
		ID:                     s.ID,
		ClientID:               s.ClientID,
		GatewayCustomerID:      s.GatewayCustomerID,
		GatewayPaymentMethodID: s.GatewayPaymentMethodID,
		Status:                 string(s.Status),
		NeedsReview:            s.NeedsReview,
		ReviewReason:           s.ReviewReason,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}
}

func toCharge(c models.ScheduledCharge) Charge {
	return Charge{
		ID:               c.ID,
		Sequence:         c.Sequence,
		Amount:           c.Amount.StringFixed(2),
		DueAt:            c.DueAt,
		Status:           string(c.Status),
		AttemptCount:     c.AttemptCount,
		LastError:        c.LastError,
		GatewayPaymentID: c.GatewayPaymentID,
		ChargedAt:        optionalTime(c.ChargedAt),
	}
}

func toCharges(charges []models.ScheduledCharge) []Charge {
	out := make([]Charge, len(charges))
	for i, c := range charges {
		out[i] = toCharge(c)
	}
	return out
}
