package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/mmynk/coachledger/internal/auth"
	"github.com/mmynk/coachledger/internal/billing"
	"github.com/mmynk/coachledger/internal/calculator"
	"github.com/mmynk/coachledger/internal/commission"
	"github.com/mmynk/coachledger/internal/gateway/gatewaytest"
	"github.com/mmynk/coachledger/internal/metrics"
	"github.com/mmynk/coachledger/internal/middleware"
	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/payroll"
	"github.com/mmynk/coachledger/internal/storage/sqlstore"
	"github.com/mmynk/coachledger/internal/testutil"
)

// testAuthInterceptor returns a Connect interceptor that sets a test staff member in the context.
func testAuthInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			return next(middleware.WithUser(ctx, "staff-1", auth.RoleFinance), req)
		}
	}
}

type testEnv struct {
	store  *sqlstore.Store
	fake   *gatewaytest.Fake
	deps   Deps
	server *httptest.Server
}

func newDeps(store *sqlstore.Store, fake *gatewaytest.Fake) Deps {
	settings := commission.NewSettingsCache(store, nil, 0, nil)
	return Deps{
		Store:      store,
		Planner:    billing.NewPlanner(store, nil),
		Processor:  billing.NewProcessor(store, fake, billing.Config{}, nil, nil),
		Recorder:   billing.NewRecorder(store, nil),
		Calculator: commission.NewCalculator(store, settings, commission.Options{}, nil, nil),
		Refunder:   commission.NewRefunder(store, fake, nil, nil),
		Settings:   settings,
		Payroll:    payroll.NewAggregator(store, time.Time{}, -1, nil),
		Now:        func() time.Time { return testutil.Epoch },
	}
}

func mountAll(mux *http.ServeMux, deps Deps, opts ...connect.HandlerOption) {
	for _, h := range []interface {
		Handler(...connect.HandlerOption) (string, http.Handler)
	}{
		NewSettingsService(deps),
		NewLedgerService(deps),
		NewPayrollService(deps),
		NewScheduleService(deps),
	} {
		path, handler := h.Handler(opts...)
		mux.Handle(path, handler)
	}
}

// setupTestServer serves every staff service over an in-memory store.
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	store := testutil.NewStore(t)
	fake := gatewaytest.New()
	deps := newDeps(store, fake)

	mux := http.NewServeMux()
	mountAll(mux, deps, connect.WithInterceptors(testAuthInterceptor()))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testEnv{store: store, fake: fake, deps: deps, server: server}
}

func call[Req, Res any](t *testing.T, env *testEnv, procedure string, msg *Req) (*Res, error) {
	t.Helper()
	client := connect.NewClient[Req, Res](env.server.Client(), env.server.URL+procedure, connect.WithCodec(JSONCodec{}))
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func wantCode(t *testing.T, err error, code connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected %s error, got nil", code)
	}
	if got := connect.CodeOf(err); got != code {
		t.Fatalf("Expected code %s, got %s (%v)", code, got, err)
	}
}

func setRate(t *testing.T, env *testEnv, key, value string) {
	t.Helper()
	if _, err := call[SetSettingRequest, SetSettingResponse](t, env, SetSettingProcedure,
		&SetSettingRequest{Key: key, Value: value}); err != nil {
		t.Fatalf("SetSetting(%s) failed: %v", key, err)
	}
}

func TestSettingsService(t *testing.T) {
	env := setupTestServer(t)

	resp, err := call[SetSettingRequest, SetSettingResponse](t, env, SetSettingProcedure,
		&SetSettingRequest{Key: "coach.company_sourced", Value: "0.10"})
	if err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if resp.Setting.UpdatedBy != "staff-1" {
		t.Errorf("UpdatedBy = %q, want staff-1", resp.Setting.UpdatedBy)
	}

	list, err := call[ListSettingsRequest, ListSettingsResponse](t, env, ListSettingsProcedure, &ListSettingsRequest{})
	if err != nil {
		t.Fatalf("ListSettings failed: %v", err)
	}
	if len(list.Settings) != 1 || list.Settings[0].Key != "coach.company_sourced" || list.Settings[0].Value != "0.1" {
		t.Errorf("Settings = %+v", list.Settings)
	}

	tests := []struct {
		name string
		req  SetSettingRequest
	}{
		{"unknown role", SetSettingRequest{Key: "manager.company_sourced", Value: "0.1"}},
		{"unknown kind", SetSettingRequest{Key: "coach.bonus", Value: "0.1"}},
		{"missing value", SetSettingRequest{Key: "coach.resign"}},
		{"not a number", SetSettingRequest{Key: "coach.resign", Value: "ten"}},
		{"negative", SetSettingRequest{Key: "coach.resign", Value: "-0.05"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call[SetSettingRequest, SetSettingResponse](t, env, SetSettingProcedure, &tt.req)
			wantCode(t, err, connect.CodeInvalidArgument)
		})
	}
}

func TestScheduleService(t *testing.T) {
	env := setupTestServer(t)
	coach := testutil.SeedStaff(t, env.store, "coach", "coach")
	setRate(t, env, "coach.company_sourced", "0.10")

	client, err := call[CreateClientRequest, CreateClientResponse](t, env, CreateClientProcedure, &CreateClientRequest{
		Name:       "Dana",
		CoachID:    coach.ID,
		LeadSource: "company",
	})
	if err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}
	if !client.Client.StartDate.Equal(testutil.Epoch) {
		t.Errorf("StartDate = %s, want %s", client.Client.StartDate, testutil.Epoch)
	}

	created, err := call[CreateScheduleRequest, ScheduleResponse](t, env, CreateScheduleProcedure, &CreateScheduleRequest{
		ClientID:               client.Client.ID,
		GatewayCustomerID:      "cus_1",
		GatewayPaymentMethodID: "pm_1",
		TotalAmount:            "1000",
		Count:                  3,
	})
	if err != nil {
		t.Fatalf("CreateSchedule failed: %v", err)
	}
	if created.Schedule.Status != string(models.SchedulePendingInitial) {
		t.Errorf("Status = %s, want pending_initial", created.Schedule.Status)
	}
	want := []string{"333.34", "333.33", "333.33"}
	for i, c := range created.Charges {
		if c.Amount != want[i] {
			t.Errorf("charge %d amount = %s, want %s", i+1, c.Amount, want[i])
		}
	}
	scheduleID := created.Schedule.ID

	t.Run("charge initial records payment and commission", func(t *testing.T) {
		resp, err := call[ScheduleRequest, ChargeInitialResponse](t, env, ChargeInitialProcedure, &ScheduleRequest{ScheduleID: scheduleID})
		if err != nil {
			t.Fatalf("ChargeInitial failed: %v", err)
		}
		if resp.Outcome != metrics.OutcomeSucceeded {
			t.Fatalf("Outcome = %s (%s), want succeeded", resp.Outcome, resp.Error)
		}
		if resp.PaymentID == "" || resp.EntriesCreated != 1 {
			t.Errorf("PaymentID = %q, EntriesCreated = %d", resp.PaymentID, resp.EntriesCreated)
		}

		got, err := call[ScheduleRequest, ScheduleResponse](t, env, GetScheduleProcedure, &ScheduleRequest{ScheduleID: scheduleID})
		if err != nil {
			t.Fatalf("GetSchedule failed: %v", err)
		}
		if got.Schedule.Status != string(models.ScheduleActive) {
			t.Errorf("Status = %s, want active", got.Schedule.Status)
		}
		if got.Charges[0].Status != string(models.ChargeSucceeded) {
			t.Errorf("first charge = %s, want succeeded", got.Charges[0].Status)
		}

		_, err = call[ScheduleRequest, ChargeInitialResponse](t, env, ChargeInitialProcedure, &ScheduleRequest{ScheduleID: scheduleID})
		wantCode(t, err, connect.CodeFailedPrecondition)
	})

	t.Run("cancel skips the remaining installments", func(t *testing.T) {
		got, err := call[ScheduleRequest, ScheduleResponse](t, env, CancelScheduleProcedure, &ScheduleRequest{ScheduleID: scheduleID})
		if err != nil {
			t.Fatalf("CancelSchedule failed: %v", err)
		}
		if got.Schedule.Status != string(models.ScheduleCancelled) {
			t.Errorf("Status = %s, want cancelled", got.Schedule.Status)
		}
		for _, c := range got.Charges[1:] {
			if c.Status != string(models.ChargeSkipped) {
				t.Errorf("charge %d = %s, want skipped", c.Sequence, c.Status)
			}
		}

		_, err = call[ScheduleRequest, ScheduleResponse](t, env, ActivateScheduleProcedure, &ScheduleRequest{ScheduleID: scheduleID})
		wantCode(t, err, connect.CodeFailedPrecondition)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := call[ScheduleRequest, ScheduleResponse](t, env, GetScheduleProcedure, &ScheduleRequest{ScheduleID: "nonexistent"})
		wantCode(t, err, connect.CodeNotFound)

		_, err = call[CreateClientRequest, CreateClientResponse](t, env, CreateClientProcedure, &CreateClientRequest{
			Name: "Eve", CoachID: "nonexistent", LeadSource: "company",
		})
		wantCode(t, err, connect.CodeNotFound)

		_, err = call[CreateClientRequest, CreateClientResponse](t, env, CreateClientProcedure, &CreateClientRequest{
			Name: "Eve", CoachID: coach.ID, LeadSource: "referral",
		})
		wantCode(t, err, connect.CodeInvalidArgument)

		_, err = call[CreateScheduleRequest, ScheduleResponse](t, env, CreateScheduleProcedure, &CreateScheduleRequest{
			ClientID:               client.Client.ID,
			GatewayCustomerID:      "cus_1",
			GatewayPaymentMethodID: "pm_1",
			InstallmentAmount:      "100",
			TotalAmount:            "300",
			Count:                  3,
		})
		wantCode(t, err, connect.CodeInvalidArgument)

		_, err = call[CreateScheduleRequest, ScheduleResponse](t, env, CreateScheduleProcedure, &CreateScheduleRequest{
			ClientID:               client.Client.ID,
			GatewayCustomerID:      "cus_1",
			GatewayPaymentMethodID: "pm_1",
			InstallmentAmount:      "100",
			Count:                  3,
			Interval:               "yearly",
		})
		wantCode(t, err, connect.CodeInvalidArgument)
	})
}

func TestLedgerService(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	coach := testutil.SeedStaff(t, env.store, "coach", "coach")
	client := testutil.SeedClient(t, env.store, models.Client{CoachID: coach.ID})
	setRate(t, env, "coach.company_sourced", "0.10")

	payment := testutil.SeedPayment(t, env.store, client.ID, "1000.00", testutil.Epoch)
	env.fake.AddPayment(payment.GatewayPaymentID, payment.Amount)
	if _, err := env.deps.Calculator.Calculate(ctx, payment.ID, testutil.Epoch); err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	list, err := call[ListEntriesRequest, ListEntriesResponse](t, env, ListEntriesProcedure, &ListEntriesRequest{PaymentID: payment.ID})
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(list.Entries) != 1 || list.Entries[0].CommissionAmount != "100.00" {
		t.Fatalf("Entries = %+v, want one entry of 100.00", list.Entries)
	}
	entryID := list.Entries[0].ID

	t.Run("approve entries", func(t *testing.T) {
		resp, err := call[ApproveEntriesRequest, ApproveEntriesResponse](t, env, ApproveEntriesProcedure,
			&ApproveEntriesRequest{EntryIDs: []string{entryID, "nonexistent"}})
		if err != nil {
			t.Fatalf("ApproveEntries failed: %v", err)
		}
		if resp.Approved != 1 || len(resp.Skipped) != 1 || resp.Skipped[0] != "nonexistent" {
			t.Errorf("resp = %+v", resp)
		}

		_, err = call[ApproveEntriesRequest, ApproveEntriesResponse](t, env, ApproveEntriesProcedure, &ApproveEntriesRequest{})
		wantCode(t, err, connect.CodeInvalidArgument)
	})

	t.Run("list by status", func(t *testing.T) {
		resp, err := call[ListEntriesRequest, ListEntriesResponse](t, env, ListEntriesProcedure, &ListEntriesRequest{Status: "approved"})
		if err != nil {
			t.Fatalf("ListEntries failed: %v", err)
		}
		if len(resp.Entries) != 1 {
			t.Errorf("got %d approved entries, want 1", len(resp.Entries))
		}

		_, err = call[ListEntriesRequest, ListEntriesResponse](t, env, ListEntriesProcedure, &ListEntriesRequest{Status: "done"})
		wantCode(t, err, connect.CodeInvalidArgument)
	})

	t.Run("adjustments", func(t *testing.T) {
		resp, err := call[CreateAdjustmentRequest, CreateAdjustmentResponse](t, env, CreateAdjustmentProcedure, &CreateAdjustmentRequest{
			UserID: coach.ID,
			Amount: "-10",
			Reason: "chargeback",
		})
		if err != nil {
			t.Fatalf("CreateAdjustment failed: %v", err)
		}
		if resp.Adjustment.Amount != "-10.00" || resp.Adjustment.CreatedBy != "staff-1" {
			t.Errorf("Adjustment = %+v", resp.Adjustment)
		}
		if !resp.Adjustment.EffectiveAt.Equal(testutil.Epoch) {
			t.Errorf("EffectiveAt = %s, want %s", resp.Adjustment.EffectiveAt, testutil.Epoch)
		}

		_, err = call[CreateAdjustmentRequest, CreateAdjustmentResponse](t, env, CreateAdjustmentProcedure,
			&CreateAdjustmentRequest{UserID: coach.ID, Amount: "0", Reason: "nothing"})
		wantCode(t, err, connect.CodeInvalidArgument)

		_, err = call[CreateAdjustmentRequest, CreateAdjustmentResponse](t, env, CreateAdjustmentProcedure,
			&CreateAdjustmentRequest{UserID: "nonexistent", Amount: "5", Reason: "bonus"})
		wantCode(t, err, connect.CodeNotFound)
	})

	t.Run("reassign coach", func(t *testing.T) {
		next := testutil.SeedStaff(t, env.store, "next", "coach")
		resp, err := call[ReassignCoachRequest, ReassignCoachResponse](t, env, ReassignCoachProcedure,
			&ReassignCoachRequest{ClientID: client.ID, CoachID: next.ID})
		if err != nil {
			t.Fatalf("ReassignCoach failed: %v", err)
		}
		if len(resp.Created) != 1 || resp.Created[0].UserID != next.ID {
			t.Errorf("Created = %+v, want one entry for the new coach", resp.Created)
		}

		_, err = call[ReassignCoachRequest, ReassignCoachResponse](t, env, ReassignCoachProcedure,
			&ReassignCoachRequest{ClientID: client.ID, CoachID: "nonexistent"})
		wantCode(t, err, connect.CodeNotFound)
	})

	t.Run("refund voids unpaid commission", func(t *testing.T) {
		resp, err := call[RefundPaymentRequest, RefundPaymentResponse](t, env, RefundPaymentProcedure,
			&RefundPaymentRequest{PaymentID: payment.ID})
		if err != nil {
			t.Fatalf("RefundPayment failed: %v", err)
		}
		if resp.Status != string(models.PaymentRefunded) || resp.Voided != 2 || resp.PaidEntries != 0 {
			t.Errorf("resp = %+v", resp)
		}
		if refunds := env.fake.Refunds(); len(refunds) != 1 {
			t.Errorf("gateway refunds = %v, want 1", refunds)
		}

		_, err = call[RefundPaymentRequest, RefundPaymentResponse](t, env, RefundPaymentProcedure,
			&RefundPaymentRequest{PaymentID: "nonexistent"})
		wantCode(t, err, connect.CodeNotFound)
	})

	t.Run("review flags", func(t *testing.T) {
		closer := testutil.SeedStaff(t, env.store, "closer", "closer")
		other := testutil.SeedClient(t, env.store, models.Client{CoachID: coach.ID, CloserID: closer.ID})
		unrated := testutil.SeedPayment(t, env.store, other.ID, "500.00", testutil.Epoch)
		if _, err := env.deps.Calculator.Calculate(ctx, unrated.ID, testutil.Epoch); err == nil {
			t.Fatal("Expected missing rate error")
		}

		flags, err := call[ListReviewFlagsRequest, ListReviewFlagsResponse](t, env, ListReviewFlagsProcedure, &ListReviewFlagsRequest{})
		if err != nil {
			t.Fatalf("ListReviewFlags failed: %v", err)
		}
		var flagID string
		for _, f := range flags.Flags {
			if f.SubjectID == unrated.ID && f.Reason == models.ReasonMissingRate {
				flagID = f.ID
			}
		}
		if flagID == "" {
			t.Fatalf("no missing rate flag in %+v", flags.Flags)
		}

		if _, err := call[ResolveReviewFlagRequest, ResolveReviewFlagResponse](t, env, ResolveReviewFlagProcedure,
			&ResolveReviewFlagRequest{FlagID: flagID}); err != nil {
			t.Fatalf("ResolveReviewFlag failed: %v", err)
		}
		_, err = call[ResolveReviewFlagRequest, ResolveReviewFlagResponse](t, env, ResolveReviewFlagProcedure,
			&ResolveReviewFlagRequest{FlagID: flagID})
		wantCode(t, err, connect.CodeNotFound)
	})
}

func TestPayrollService(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	coach := testutil.SeedStaff(t, env.store, "coach", "coach")
	client := testutil.SeedClient(t, env.store, models.Client{CoachID: coach.ID})
	setRate(t, env, "coach.company_sourced", "0.10")

	payment := testutil.SeedPayment(t, env.store, client.ID, "500.00", testutil.Epoch)
	entries, err := env.deps.Calculator.Calculate(ctx, payment.ID, testutil.Epoch)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Calculate: entries=%d err=%v", len(entries), err)
	}
	if ok, err := env.store.ApproveEntry(ctx, entries[0].ID); err != nil || !ok {
		t.Fatalf("ApproveEntry: ok=%v err=%v", ok, err)
	}

	period := calculator.PayPeriodFor(payroll.DefaultAnchor, entries[0].CreatedAt)
	run, err := env.deps.Payroll.Run(ctx, period, "admin")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	list, err := call[ListPayrollRunsRequest, ListPayrollRunsResponse](t, env, ListPayrollRunsProcedure, &ListPayrollRunsRequest{})
	if err != nil {
		t.Fatalf("ListPayrollRuns failed: %v", err)
	}
	if len(list.Runs) != 1 || list.Runs[0].ID != run.ID {
		t.Fatalf("Runs = %+v", list.Runs)
	}

	got, err := call[GetPayrollRunRequest, GetPayrollRunResponse](t, env, GetPayrollRunProcedure, &GetPayrollRunRequest{RunID: run.ID})
	if err != nil {
		t.Fatalf("GetPayrollRun failed: %v", err)
	}
	if got.Run.TotalPayout != "50.00" || got.Run.Status != string(models.PayrollDraft) {
		t.Errorf("Run = %+v", got.Run)
	}
	if len(got.Payouts) != 1 || got.Payouts[0].UserID != coach.ID || got.Payouts[0].Total != "50.00" {
		t.Errorf("Payouts = %+v", got.Payouts)
	}

	_, err = call[PayrollRunRequest, PayrollRunResponse](t, env, MarkPayrollRunPaidProcedure, &PayrollRunRequest{RunID: run.ID})
	wantCode(t, err, connect.CodeFailedPrecondition)

	approved, err := call[PayrollRunRequest, PayrollRunResponse](t, env, ApprovePayrollRunProcedure, &PayrollRunRequest{RunID: run.ID})
	if err != nil {
		t.Fatalf("ApprovePayrollRun failed: %v", err)
	}
	if approved.Run.Status != string(models.PayrollApproved) {
		t.Errorf("Status = %s, want approved", approved.Run.Status)
	}

	paid, err := call[PayrollRunRequest, PayrollRunResponse](t, env, MarkPayrollRunPaidProcedure, &PayrollRunRequest{RunID: run.ID})
	if err != nil {
		t.Fatalf("MarkPayrollRunPaid failed: %v", err)
	}
	if paid.Run.Status != string(models.PayrollPaid) {
		t.Errorf("Status = %s, want paid", paid.Run.Status)
	}

	_, err = call[GetPayrollRunRequest, GetPayrollRunResponse](t, env, GetPayrollRunProcedure, &GetPayrollRunRequest{RunID: "nonexistent"})
	wantCode(t, err, connect.CodeNotFound)
}

func TestAuthRequired(t *testing.T) {
	store := testutil.NewStore(t)
	jwtManager := auth.NewJWTManager("test-secret-key-for-services", time.Hour)

	mux := http.NewServeMux()
	mountAll(mux, newDeps(store, gatewaytest.New()),
		connect.WithInterceptors(middleware.RequireAuth(jwtManager, auth.ToolingRoles...), middleware.LoggingInterceptor(nil)))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	token := func(role string) string {
		tok, err := jwtManager.Generate("staff-1", role)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		return tok
	}

	tests := []struct {
		name   string
		header string
		want   connect.Code
	}{
		{"no token", "", connect.CodeUnauthenticated},
		{"malformed header", "Token abc", connect.CodeUnauthenticated},
		{"coach role", "Bearer " + token("coach"), connect.CodePermissionDenied},
		{"finance role", "Bearer " + token(auth.RoleFinance), 0},
		{"admin role", "Bearer " + token(auth.RoleAdmin), 0},
	}
	client := connect.NewClient[ListSettingsRequest, ListSettingsResponse](
		server.Client(), server.URL+ListSettingsProcedure, connect.WithCodec(JSONCodec{}))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := connect.NewRequest(&ListSettingsRequest{})
			if tt.header != "" {
				req.Header().Set("Authorization", tt.header)
			}
			_, err := client.CallUnary(context.Background(), req)
			if tt.want == 0 {
				if err != nil {
					t.Fatalf("Expected success, got %v", err)
				}
				return
			}
			wantCode(t, err, tt.want)
		})
	}
}

func TestToConnectError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want connect.Code
	}{
		{"config error", &commission.ConfigError{Role: models.RoleCoach, Key: "coach.resign"}, connect.CodeFailedPrecondition},
		{"schedule state", billing.ErrScheduleState, connect.CodeFailedPrecondition},
		{"run state", payroll.ErrRunState, connect.CodeFailedPrecondition},
		{"invalid plan", billing.ErrInvalidPlan, connect.CodeInvalidArgument},
		{"other", context.DeadlineExceeded, connect.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := connect.CodeOf(toConnectError(tt.err)); got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
		})
	}
}
