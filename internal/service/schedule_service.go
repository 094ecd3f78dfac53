package service

import (
	"context"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/billing"
	"github.com/mmynk/coachledger/internal/calculator"
	"github.com/mmynk/coachledger/internal/metrics"
	"github.com/mmynk/coachledger/internal/middleware"
	"github.com/mmynk/coachledger/internal/models"
)

const (
	ScheduleServiceName = "coachledger.v1.ScheduleService"

	CreateClientProcedure     = "/" + ScheduleServiceName + "/CreateClient"
	CreateScheduleProcedure   = "/" + ScheduleServiceName + "/CreateSchedule"
	ActivateScheduleProcedure = "/" + ScheduleServiceName + "/ActivateSchedule"
	ChargeInitialProcedure    = "/" + ScheduleServiceName + "/ChargeInitial"
	CancelScheduleProcedure   = "/" + ScheduleServiceName + "/CancelSchedule"
	GetScheduleProcedure      = "/" + ScheduleServiceName + "/GetSchedule"
)

type CreateClientRequest struct {
	Name       string     `json:"name" validate:"required,max=200"`
	CoachID    string     `json:"coach_id" validate:"required"`
	CloserID   string     `json:"closer_id,omitempty"`
	SetterID   string     `json:"setter_id,omitempty"`
	LeadSource string     `json:"lead_source" validate:"required,oneof=company coach"`
	StartDate  *time.Time `json:"start_date,omitempty"`
}

type CreateClientResponse struct {
	Client Client `json:"client"`
}

// CreateScheduleRequest takes exactly one of InstallmentAmount and TotalAmount.
type CreateScheduleRequest struct {
	ClientID               string     `json:"client_id" validate:"required"`
	GatewayCustomerID      string     `json:"gateway_customer_id" validate:"required"`
	GatewayPaymentMethodID string     `json:"gateway_payment_method_id" validate:"required"`
	InstallmentAmount      string     `json:"installment_amount,omitempty" validate:"omitempty,decimal"`
	TotalAmount            string     `json:"total_amount,omitempty" validate:"omitempty,decimal"`
	Count                  int        `json:"count" validate:"required,min=1,max=60"`
	FirstDueAt             *time.Time `json:"first_due_at,omitempty"`
	Interval               string     `json:"interval,omitempty" validate:"omitempty,oneof=monthly biweekly weekly"`
}

type ScheduleRequest struct {
	ScheduleID string `json:"schedule_id" validate:"required"`
}

type ScheduleResponse struct {
	Schedule Schedule `json:"schedule"`
	Charges  []Charge `json:"charges"`
}

type ChargeInitialResponse struct {
	Outcome string `json:"outcome"`
	Charge  Charge `json:"charge"`
	// Error is the gateway's answer when the charge did not succeed.
	Error          string `json:"error,omitempty"`
	PaymentID      string `json:"payment_id,omitempty"`
	EntriesCreated int    `json:"entries_created"`
	// CommissionError is set when the payment was recorded but its
	// commission could not be calculated yet.
	CommissionError string `json:"commission_error,omitempty"`
}

// ScheduleService manages clients and their payment plans.
type ScheduleService struct {
	deps Deps
}

func NewScheduleService(deps Deps) *ScheduleService {
	return &ScheduleService{deps: deps}
}

// Handler returns the mount path and handler for the service.
func (s *ScheduleService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	return mount(ScheduleServiceName,
		unary(CreateClientProcedure, s.CreateClient, opts),
		unary(CreateScheduleProcedure, s.CreateSchedule, opts),
		unary(ActivateScheduleProcedure, s.ActivateSchedule, opts),
		unary(ChargeInitialProcedure, s.ChargeInitial, opts),
		unary(CancelScheduleProcedure, s.CancelSchedule, opts),
		unary(GetScheduleProcedure, s.GetSchedule, opts),
	)
}

// CreateClient registers a client and the staff credited for them.
func (s *ScheduleService) CreateClient(ctx context.Context, req *connect.Request[CreateClientRequest]) (*connect.Response[CreateClientResponse], error) {
	for _, id := range []string{req.Msg.CoachID, req.Msg.CloserID, req.Msg.SetterID} {
		if id == "" {
			continue
		}
		if _, err := s.deps.Store.GetStaff(ctx, id); err != nil {
			return nil, toConnectError(err)
		}
	}

	now := s.deps.now()
	client := &models.Client{
		Name:       req.Msg.Name,
		CoachID:    req.Msg.CoachID,
		CloserID:   req.Msg.CloserID,
		SetterID:   req.Msg.SetterID,
		LeadSource: models.LeadSource(req.Msg.LeadSource),
		StartDate:  orNow(req.Msg.StartDate, now),
		CreatedAt:  now,
	}
	if err := s.deps.Store.CreateClient(ctx, client); err != nil {
		s.deps.logger().Error("CreateClient failed", "error", err)
		return nil, toConnectError(err)
	}

	s.deps.logger().Info("Client created", "client_id", client.ID, "coach_id", client.CoachID, "by", middleware.GetUserID(ctx))
	return connect.NewResponse(&CreateClientResponse{Client: toClient(client)}), nil
}

// CreateSchedule stores a plan in pending_initial. Nothing is charged until
// ChargeInitial or ActivateSchedule is called.
func (s *ScheduleService) CreateSchedule(ctx context.Context, req *connect.Request[CreateScheduleRequest]) (*connect.Response[ScheduleResponse], error) {
	now := s.deps.now()
	plan := billing.PlanRequest{
		ClientID:               req.Msg.ClientID,
		GatewayCustomerID:      req.Msg.GatewayCustomerID,
		GatewayPaymentMethodID: req.Msg.GatewayPaymentMethodID,
		Count:                  req.Msg.Count,
		FirstDueAt:             orNow(req.Msg.FirstDueAt, now),
		Interval:               calculator.Interval(req.Msg.Interval),
	}

	var err error
	if req.Msg.InstallmentAmount != "" {
		if plan.InstallmentAmount, err = parseMoney("installment_amount", req.Msg.InstallmentAmount); err != nil {
			return nil, toConnectError(err)
		}
	}
	if req.Msg.TotalAmount != "" {
		if plan.TotalAmount, err = parseMoney("total_amount", req.Msg.TotalAmount); err != nil {
			return nil, toConnectError(err)
		}
		if !plan.TotalAmount.GreaterThan(decimal.Zero) {
			return nil, toConnectError(invalid("total_amount must be positive"))
		}
	}

	schedule, charges, err := s.deps.Planner.CreateSchedule(ctx, plan, now)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ScheduleResponse{Schedule: toSchedule(schedule), Charges: toCharges(charges)}), nil
}

// ActivateSchedule starts billing a schedule whose first payment was taken
// outside the gateway.
func (s *ScheduleService) ActivateSchedule(ctx context.Context, req *connect.Request[ScheduleRequest]) (*connect.Response[ScheduleResponse], error) {
	if err := s.deps.Planner.Activate(ctx, req.Msg.ScheduleID, s.deps.now()); err != nil {
		return nil, toConnectError(err)
	}
	return s.load(ctx, req.Msg.ScheduleID)
}

// ChargeInitial bills the first installment now. A successful charge
// activates the schedule and is recorded with its commission.
func (s *ScheduleService) ChargeInitial(ctx context.Context, req *connect.Request[ScheduleRequest]) (*connect.Response[ChargeInitialResponse], error) {
	now := s.deps.now()
	attempt, err := s.deps.Processor.ChargeInitial(ctx, req.Msg.ScheduleID, now)
	if err != nil {
		return nil, toConnectError(err)
	}

	res := &ChargeInitialResponse{
		Outcome: attempt.Outcome,
		Charge:  toCharge(attempt.Charge.ScheduledCharge),
	}
	if attempt.GatewayErr != nil {
		res.Error = attempt.GatewayErr.Error()
	}
	if attempt.Outcome != metrics.OutcomeSucceeded {
		return connect.NewResponse(res), nil
	}

	payment, _, err := s.deps.Recorder.Record(ctx, attempt.Charge)
	if err != nil {
		// The charge went through. The next sweep records the payment.
		s.deps.logger().Error("Failed to record initial payment", "charge_id", attempt.Charge.ID, "error", err)
		return connect.NewResponse(res), nil
	}
	res.PaymentID = payment.ID

	entries, err := s.deps.Calculator.Calculate(ctx, payment.ID, now)
	if err != nil {
		s.deps.logger().Warn("Commission not calculated for initial payment", "payment_id", payment.ID, "error", err)
		res.CommissionError = err.Error()
	}
	res.EntriesCreated = len(entries)
	return connect.NewResponse(res), nil
}

// CancelSchedule stops a schedule and skips its pending installments.
func (s *ScheduleService) CancelSchedule(ctx context.Context, req *connect.Request[ScheduleRequest]) (*connect.Response[ScheduleResponse], error) {
	if err := s.deps.Planner.Cancel(ctx, req.Msg.ScheduleID, s.deps.now()); err != nil {
		return nil, toConnectError(err)
	}
	s.deps.logger().Info("Schedule cancelled", "schedule_id", req.Msg.ScheduleID, "by", middleware.GetUserID(ctx))
	return s.load(ctx, req.Msg.ScheduleID)
}

// GetSchedule returns a schedule with all of its installments.
func (s *ScheduleService) GetSchedule(ctx context.Context, req *connect.Request[ScheduleRequest]) (*connect.Response[ScheduleResponse], error) {
	return s.load(ctx, req.Msg.ScheduleID)
}

func (s *ScheduleService) load(ctx context.Context, scheduleID string) (*connect.Response[ScheduleResponse], error) {
	schedule, err := s.deps.Store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, toConnectError(err)
	}
	charges, err := s.deps.Store.ListCharges(ctx, scheduleID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ScheduleResponse{Schedule: toSchedule(schedule), Charges: toCharges(charges)}), nil
}
