package service

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/coachledger/internal/middleware"
)

const (
	PayrollServiceName = "coachledger.v1.PayrollService"

	ListPayrollRunsProcedure    = "/" + PayrollServiceName + "/ListPayrollRuns"
	GetPayrollRunProcedure      = "/" + PayrollServiceName + "/GetPayrollRun"
	ApprovePayrollRunProcedure  = "/" + PayrollServiceName + "/ApprovePayrollRun"
	MarkPayrollRunPaidProcedure = "/" + PayrollServiceName + "/MarkPayrollRunPaid"
)

type ListPayrollRunsRequest struct {
	Limit int `json:"limit,omitempty" validate:"min=0,max=500"`
}

type ListPayrollRunsResponse struct {
	Runs []PayrollRun `json:"runs"`
}

type GetPayrollRunRequest struct {
	RunID string `json:"run_id" validate:"required"`
}

type GetPayrollRunResponse struct {
	Run     PayrollRun `json:"run"`
	Payouts []Payout   `json:"payouts"`
}

type PayrollRunRequest struct {
	RunID string `json:"run_id" validate:"required"`
}

type PayrollRunResponse struct {
	Run PayrollRun `json:"run"`
}

// PayrollService reviews payroll runs and moves them through
// draft -> approved -> paid.
type PayrollService struct {
	deps Deps
}

func NewPayrollService(deps Deps) *PayrollService {
	return &PayrollService{deps: deps}
}

// Handler returns the mount path and handler for the service.
func (s *PayrollService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	return mount(PayrollServiceName,
		unary(ListPayrollRunsProcedure, s.ListPayrollRuns, opts),
		unary(GetPayrollRunProcedure, s.GetPayrollRun, opts),
		unary(ApprovePayrollRunProcedure, s.ApprovePayrollRun, opts),
		unary(MarkPayrollRunPaidProcedure, s.MarkPayrollRunPaid, opts),
	)
}

// ListPayrollRuns returns the most recent runs first.
func (s *PayrollService) ListPayrollRuns(ctx context.Context, req *connect.Request[ListPayrollRunsRequest]) (*connect.Response[ListPayrollRunsResponse], error) {
	runs, err := s.deps.Store.ListPayrollRuns(ctx, limitOr(req.Msg.Limit, defaultListLimit))
	if err != nil {
		s.deps.logger().Error("ListPayrollRuns failed", "error", err)
		return nil, toConnectError(err)
	}

	out := make([]PayrollRun, len(runs))
	for i := range runs {
		out[i] = toPayrollRun(&runs[i])
	}
	return connect.NewResponse(&ListPayrollRunsResponse{Runs: out}), nil
}

// GetPayrollRun returns a run with its per-staff payouts.
func (s *PayrollService) GetPayrollRun(ctx context.Context, req *connect.Request[GetPayrollRunRequest]) (*connect.Response[GetPayrollRunResponse], error) {
	stmt, err := s.deps.Payroll.Statement(ctx, req.Msg.RunID)
	if err != nil {
		return nil, toConnectError(err)
	}

	payouts := make([]Payout, len(stmt.Payouts))
	for i, p := range stmt.Payouts {
		payouts[i] = toPayout(p)
	}
	return connect.NewResponse(&GetPayrollRunResponse{Run: toPayrollRun(stmt.Run), Payouts: payouts}), nil
}

// ApprovePayrollRun moves a draft run to approved.
func (s *PayrollService) ApprovePayrollRun(ctx context.Context, req *connect.Request[PayrollRunRequest]) (*connect.Response[PayrollRunResponse], error) {
	if err := s.deps.Payroll.Approve(ctx, req.Msg.RunID); err != nil {
		return nil, toConnectError(err)
	}
	s.deps.logger().Info("Payroll run approved", "run_id", req.Msg.RunID, "by", middleware.GetUserID(ctx))
	return s.load(ctx, req.Msg.RunID)
}

// MarkPayrollRunPaid records that an approved run was paid out.
func (s *PayrollService) MarkPayrollRunPaid(ctx context.Context, req *connect.Request[PayrollRunRequest]) (*connect.Response[PayrollRunResponse], error) {
	if err := s.deps.Payroll.MarkPaid(ctx, req.Msg.RunID); err != nil {
		return nil, toConnectError(err)
	}
	s.deps.logger().Info("Payroll run marked paid", "run_id", req.Msg.RunID, "by", middleware.GetUserID(ctx))
	return s.load(ctx, req.Msg.RunID)
}

func (s *PayrollService) load(ctx context.Context, runID string) (*connect.Response[PayrollRunResponse], error) {
	run, err := s.deps.Store.GetPayrollRun(ctx, runID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&PayrollRunResponse{Run: toPayrollRun(run)}), nil
}
