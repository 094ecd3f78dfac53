package service

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/coachledger/internal/middleware"
	"github.com/mmynk/coachledger/internal/models"
)

const (
	SettingsServiceName = "coachledger.v1.SettingsService"

	ListSettingsProcedure = "/" + SettingsServiceName + "/ListSettings"
	SetSettingProcedure   = "/" + SettingsServiceName + "/SetSetting"
)

type ListSettingsRequest struct{}

type ListSettingsResponse struct {
	Settings []Setting `json:"settings"`
}

type SetSettingRequest struct {
	Key   string `json:"key" validate:"required,rate_key"`
	Value string `json:"value" validate:"required,decimal"`
}

type SetSettingResponse struct {
	Setting Setting `json:"setting"`
}

// SettingsService reads and writes commission rates.
type SettingsService struct {
	deps Deps
}

func NewSettingsService(deps Deps) *SettingsService {
	return &SettingsService{deps: deps}
}

// Handler returns the mount path and handler for the service.
func (s *SettingsService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	return mount(SettingsServiceName,
		unary(ListSettingsProcedure, s.ListSettings, opts),
		unary(SetSettingProcedure, s.SetSetting, opts),
	)
}

// ListSettings returns every configured rate.
func (s *SettingsService) ListSettings(ctx context.Context, req *connect.Request[ListSettingsRequest]) (*connect.Response[ListSettingsResponse], error) {
	settings, err := s.deps.Settings.List(ctx)
	if err != nil {
		s.deps.logger().Error("ListSettings failed", "error", err)
		return nil, toConnectError(err)
	}

	out := make([]Setting, len(settings))
	for i, setting := range settings {
		out[i] = toSetting(setting)
	}
	return connect.NewResponse(&ListSettingsResponse{Settings: out}), nil
}

// SetSetting creates or replaces one rate. The new value applies to
// commissions calculated after the call.
func (s *SettingsService) SetSetting(ctx context.Context, req *connect.Request[SetSettingRequest]) (*connect.Response[SetSettingResponse], error) {
	value, err := parseMoney("value", req.Msg.Value)
	if err != nil {
		return nil, toConnectError(err)
	}
	if value.IsNegative() {
		return nil, toConnectError(invalid("value must not be negative"))
	}

	setting := &models.CommissionSetting{
		Key:       req.Msg.Key,
		Value:     value,
		UpdatedBy: middleware.GetUserID(ctx),
		UpdatedAt: s.deps.now(),
	}
	if err := s.deps.Settings.Set(ctx, setting); err != nil {
		s.deps.logger().Error("SetSetting failed", "key", setting.Key, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&SetSettingResponse{Setting: toSetting(*setting)}), nil
}
