// Package service exposes the staff tooling over Connect RPC.
//
// Messages are plain Go structs carried by a JSON codec, so clients can call
// every procedure with a POST of application/json. Requests are validated
// with struct tags before a handler runs.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mmynk/coachledger/internal/billing"
	"github.com/mmynk/coachledger/internal/commission"
	"github.com/mmynk/coachledger/internal/gateway"
	"github.com/mmynk/coachledger/internal/models"
	"github.com/mmynk/coachledger/internal/payroll"
	"github.com/mmynk/coachledger/internal/storage"
)

// errInvalid marks request errors found after tag validation.
var errInvalid = errors.New("invalid argument")

// JSONCodec marshals messages with encoding/json. It replaces Connect's
// protobuf JSON codec under the same name.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, msg)
}

// Deps are the components the staff services call into.
type Deps struct {
	Store      storage.Store
	Planner    *billing.Planner
	Processor  *billing.Processor
	Recorder   *billing.Recorder
	Calculator *commission.Calculator
	Refunder   *commission.Refunder
	Settings   *commission.SettingsCache
	Payroll    *payroll.Aggregator
	Logger     *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// NewValidator returns the validator used for every request message.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("rate_key", func(fl validator.FieldLevel) bool {
		return validRateKey(fl.Field().String())
	})
	_ = v.RegisterValidation("decimal", func(fl validator.FieldLevel) bool {
		_, err := decimal.NewFromString(fl.Field().String())
		return err == nil
	})
	return v
}

func validRateKey(key string) bool {
	role, kind, ok := strings.Cut(key, ".")
	if !ok {
		return false
	}
	if _, err := models.ParseSplitRole(role); err != nil {
		return false
	}
	switch kind {
	case models.RateCompanySourced, models.RateCoachSourced, models.RateResign:
		return true
	}
	return false
}

// ValidationInterceptor rejects requests whose message fails tag validation.
func ValidationInterceptor(v *validator.Validate) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if err := v.Struct(req.Any()); err != nil {
				var verrs validator.ValidationErrors
				if errors.As(err, &verrs) {
					return nil, connect.NewError(connect.CodeInvalidArgument, describeValidation(verrs))
				}
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			return next(ctx, req)
		}
	}
}

func describeValidation(verrs validator.ValidationErrors) error {
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		if fe.Param() != "" {
			msgs[i] = fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		} else {
			msgs[i] = fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
		}
	}
	return fmt.Errorf("%w: %s", errInvalid, strings.Join(msgs, "; "))
}

// toConnectError maps domain errors onto Connect codes.
func toConnectError(err error) error {
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	var cfgErr *commission.ConfigError
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, errInvalid), errors.Is(err, billing.ErrInvalidPlan), errors.As(err, &verrs):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, billing.ErrScheduleState),
		errors.Is(err, payroll.ErrRunState),
		errors.Is(err, payroll.ErrEmptyPeriod),
		errors.As(err, &cfgErr),
		gateway.Definitive(err):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, gateway.ErrUnknownOutcome):
		return connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalid, fmt.Sprintf(format, args...))
}

func parseMoney(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, invalid("%s: %v", field, err)
	}
	return d, nil
}

func orNow(t *time.Time, now time.Time) time.Time {
	if t == nil || t.IsZero() {
		return now
	}
	return t.UTC()
}

func limitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

type procedure struct {
	path    string
	handler http.Handler
}

func unary[Req, Res any](path string, fn func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error), opts []connect.HandlerOption) procedure {
	return procedure{path: path, handler: connect.NewUnaryHandler(path, fn, opts...)}
}

// handlerOptions adds the JSON codec and, innermost, request validation.
func handlerOptions(opts []connect.HandlerOption) []connect.HandlerOption {
	all := make([]connect.HandlerOption, 0, len(opts)+2)
	all = append(all, opts...)
	all = append(all,
		connect.WithCodec(JSONCodec{}),
		connect.WithInterceptors(ValidationInterceptor(defaultValidator)),
	)
	return all
}

func mount(service string, procs ...procedure) (string, http.Handler) {
	mux := http.NewServeMux()
	for _, p := range procs {
		mux.Handle(p.path, p.handler)
	}
	return "/" + service + "/", mux
}

var defaultValidator = NewValidator()
