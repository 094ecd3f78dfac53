package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/mmynk/coachledger/internal/middleware"
	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/storage"
)

const (
	LedgerServiceName = "coachledger.v1.LedgerService"

	CreateAdjustmentProcedure  = "/" + LedgerServiceName + "/CreateAdjustment"
	ApproveEntriesProcedure    = "/" + LedgerServiceName + "/ApproveEntries"
	ListEntriesProcedure       = "/" + LedgerServiceName + "/ListEntries"
	ReassignCoachProcedure     = "/" + LedgerServiceName + "/ReassignCoach"
	RefundPaymentProcedure     = "/" + LedgerServiceName + "/RefundPayment"
	ListReviewFlagsProcedure   = "/" + LedgerServiceName + "/ListReviewFlags"
	ResolveReviewFlagProcedure = "/" + LedgerServiceName + "/ResolveReviewFlag"
)

const defaultListLimit = 100

type CreateAdjustmentRequest struct {
	UserID string `json:"user_id" validate:"required"`
	// Amount is signed; negative values claw commission back.
	Amount      string     `json:"amount" validate:"required,decimal"`
	Reason      string     `json:"reason" validate:"required,max=500"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
}

type CreateAdjustmentResponse struct {
	Adjustment Adjustment `json:"adjustment"`
}

type ApproveEntriesRequest struct {
	EntryIDs []string `json:"entry_ids" validate:"required,min=1,max=500,dive,required"`
}

type ApproveEntriesResponse struct {
	Approved int `json:"approved"`
	// Skipped lists entries that were not pending.
	Skipped []string `json:"skipped"`
}

type ListEntriesRequest struct {
	PaymentID    string `json:"payment_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Status       string `json:"status,omitempty" validate:"omitempty,oneof=pending approved void paid"`
	PayrollRunID string `json:"payroll_run_id,omitempty"`
	Limit        int    `json:"limit,omitempty" validate:"min=0,max=500"`
}

type ListEntriesResponse struct {
	Entries []Entry `json:"entries"`
}

type ReassignCoachRequest struct {
	ClientID string `json:"client_id" validate:"required"`
	CoachID  string `json:"coach_id" validate:"required"`
	// Since limits reattribution to payments at or after it. Empty means
	// every payment of the client.
	Since *time.Time `json:"since,omitempty"`
}

type ReassignCoachResponse struct {
	Created []Entry `json:"created"`
}

type RefundPaymentRequest struct {
	PaymentID string `json:"payment_id" validate:"required"`
}

type RefundPaymentResponse struct {
	PaymentID   string `json:"payment_id"`
	Status      string `json:"status"`
	Voided      int    `json:"voided"`
	PaidEntries int    `json:"paid_entries"`
}

type ListReviewFlagsRequest struct {
	Limit int `json:"limit,omitempty" validate:"min=0,max=500"`
}

type ListReviewFlagsResponse struct {
	Flags []ReviewFlag `json:"flags"`
}

type ResolveReviewFlagRequest struct {
	FlagID string `json:"flag_id" validate:"required"`
}

type ResolveReviewFlagResponse struct{}

// LedgerService lets staff inspect and correct the commission ledger.
type LedgerService struct {
	deps Deps
}

func NewLedgerService(deps Deps) *LedgerService {
	return &LedgerService{deps: deps}
}

// Handler returns the mount path and handler for the service.
func (s *LedgerService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	return mount(LedgerServiceName,
		unary(CreateAdjustmentProcedure, s.CreateAdjustment, opts),
		unary(ApproveEntriesProcedure, s.ApproveEntries, opts),
		unary(ListEntriesProcedure, s.ListEntries, opts),
		unary(ReassignCoachProcedure, s.ReassignCoach, opts),
		unary(RefundPaymentProcedure, s.RefundPayment, opts),
		unary(ListReviewFlagsProcedure, s.ListReviewFlags, opts),
		unary(ResolveReviewFlagProcedure, s.ResolveReviewFlag, opts),
	)
}

// CreateAdjustment records a manual correction. The next payroll run whose
// period contains EffectiveAt picks it up.
func (s *LedgerService) CreateAdjustment(ctx context.Context, req *connect.Request[CreateAdjustmentRequest]) (*connect.Response[CreateAdjustmentResponse], error) {
	amount, err := parseMoney("amount", req.Msg.Amount)
	if err != nil {
		return nil, toConnectError(err)
	}
	if amount.IsZero() {
		return nil, toConnectError(invalid("amount must not be zero"))
	}
	if _, err := s.deps.Store.GetStaff(ctx, req.Msg.UserID); err != nil {
		return nil, toConnectError(err)
	}

	now := s.deps.now()
	adj := &models.CommissionAdjustment{
		UserID:      req.Msg.UserID,
		Amount:      amount.Round(2),
		Reason:      req.Msg.Reason,
		EffectiveAt: orNow(req.Msg.EffectiveAt, now),
		CreatedBy:   middleware.GetUserID(ctx),
		CreatedAt:   now,
	}
	if err := s.deps.Store.CreateAdjustment(ctx, adj); err != nil {
		s.deps.logger().Error("CreateAdjustment failed", "user_id", adj.UserID, "error", err)
		return nil, toConnectError(err)
	}

	s.deps.logger().Info("Adjustment created",
		"adjustment_id", adj.ID,
		"user_id", adj.UserID,
		"amount", adj.Amount.StringFixed(2),
		"created_by", adj.CreatedBy,
	)
	return connect.NewResponse(&CreateAdjustmentResponse{Adjustment: toAdjustment(adj)}), nil
}

// ApproveEntries moves pending entries to approved so payroll can pick them up.
func (s *LedgerService) ApproveEntries(ctx context.Context, req *connect.Request[ApproveEntriesRequest]) (*connect.Response[ApproveEntriesResponse], error) {
	res := &ApproveEntriesResponse{Skipped: []string{}}
	for _, id := range req.Msg.EntryIDs {
		ok, err := s.deps.Store.ApproveEntry(ctx, id)
		if err != nil {
			s.deps.logger().Error("ApproveEntries failed", "entry_id", id, "error", err)
			return nil, toConnectError(err)
		}
		if ok {
			res.Approved++
		} else {
			res.Skipped = append(res.Skipped, id)
		}
	}

	s.deps.logger().Info("Entries approved", "approved", res.Approved, "skipped", len(res.Skipped), "by", middleware.GetUserID(ctx))
	return connect.NewResponse(res), nil
}

// ListEntries returns ledger entries matching the filter, oldest first.
func (s *LedgerService) ListEntries(ctx context.Context, req *connect.Request[ListEntriesRequest]) (*connect.Response[ListEntriesResponse], error) {
	entries, err := s.deps.Store.ListEntries(ctx, storage.EntryFilter{
		PaymentID:    req.Msg.PaymentID,
		UserID:       req.Msg.UserID,
		Status:       models.EntryStatus(req.Msg.Status),
		PayrollRunID: req.Msg.PayrollRunID,
		Limit:        limitOr(req.Msg.Limit, defaultListLimit),
	})
	if err != nil {
		s.deps.logger().Error("ListEntries failed", "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ListEntriesResponse{Entries: toEntries(entries)}), nil
}

// ReassignCoach points the client at a new coach and credits the new coach
// for the client's payments since the given instant.
func (s *LedgerService) ReassignCoach(ctx context.Context, req *connect.Request[ReassignCoachRequest]) (*connect.Response[ReassignCoachResponse], error) {
	var since time.Time
	if req.Msg.Since != nil {
		since = req.Msg.Since.UTC()
	}

	created, err := s.deps.Calculator.ReassignCoach(ctx, req.Msg.ClientID, req.Msg.CoachID, since, s.deps.now())
	if err != nil {
		s.deps.logger().Error("ReassignCoach failed", "client_id", req.Msg.ClientID, "coach_id", req.Msg.CoachID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ReassignCoachResponse{Created: toEntries(created)}), nil
}

// RefundPayment refunds a payment and voids its unpaid commission.
func (s *LedgerService) RefundPayment(ctx context.Context, req *connect.Request[RefundPaymentRequest]) (*connect.Response[RefundPaymentResponse], error) {
	res, err := s.deps.Refunder.Refund(ctx, req.Msg.PaymentID, s.deps.now())
	if err != nil {
		s.deps.logger().Error("RefundPayment failed", "payment_id", req.Msg.PaymentID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&RefundPaymentResponse{
		PaymentID:   res.Payment.ID,
		Status:      string(res.Payment.Status),
		Voided:      res.Voided,
		PaidEntries: res.PaidEntries,
	}), nil
}

// ListReviewFlags returns unresolved flags, oldest first.
func (s *LedgerService) ListReviewFlags(ctx context.Context, req *connect.Request[ListReviewFlagsRequest]) (*connect.Response[ListReviewFlagsResponse], error) {
	flags, err := s.deps.Store.ListOpenFlags(ctx, limitOr(req.Msg.Limit, defaultListLimit))
	if err != nil {
		s.deps.logger().Error("ListReviewFlags failed", "error", err)
		return nil, toConnectError(err)
	}

	out := make([]ReviewFlag, len(flags))
	for i, f := range flags {
		out[i] = toReviewFlag(f)
	}
	return connect.NewResponse(&ListReviewFlagsResponse{Flags: out}), nil
}

// ResolveReviewFlag closes an open flag.
func (s *LedgerService) ResolveReviewFlag(ctx context.Context, req *connect.Request[ResolveReviewFlagRequest]) (*connect.Response[ResolveReviewFlagResponse], error) {
	ok, err := s.deps.Store.ResolveFlag(ctx, req.Msg.FlagID, s.deps.now())
	if err != nil {
		s.deps.logger().Error("ResolveReviewFlag failed", "flag_id", req.Msg.FlagID, "error", err)
		return nil, toConnectError(err)
	}
	if !ok {
		return nil, toConnectError(fmt.Errorf("%w: open review flag %s", storage.ErrNotFound, req.Msg.FlagID))
	}

	s.deps.logger().Info("Review flag resolved", "flag_id", req.Msg.FlagID, "by", middleware.GetUserID(ctx))
	return connect.NewResponse(&ResolveReviewFlagResponse{}), nil
}
