// Package server assembles the HTTP surface: the job endpoints a scheduler
// calls, the staff Connect services, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mmynk/coachledger/internal/auth"
	"github.com/mmynk/coachledger/internal/jobs"
	"github.com/mmynk/coachledger/internal/middleware"
	"github.com/mmynk/coachledger/internal/service"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the handler. JobSecret may be nil to leave the job
// endpoints open; JWT may be nil to leave the staff services unmounted.
type Options struct {
	Jobs      *jobs.Runner
	Services  service.Deps
	JWT       *auth.JWTManager
	JobSecret *auth.SecretVerifier

	Gatherer    prometheus.Gatherer
	Health      Pinger
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewHandler returns the root handler, ready for http.Server.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("POST /jobs/{name}", middleware.RequireJobSecret(opts.JobSecret, jobHandler(opts.Jobs)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", healthHandler(opts.Health))

	if opts.JWT != nil {
		interceptors := connect.WithInterceptors(
			middleware.RequireAuth(opts.JWT, auth.ToolingRoles...),
			middleware.LoggingInterceptor(logger),
		)
		for _, svc := range []interface {
			Handler(...connect.HandlerOption) (string, http.Handler)
		}{
			service.NewSettingsService(opts.Services),
			service.NewLedgerService(opts.Services),
			service.NewPayrollService(opts.Services),
			service.NewScheduleService(opts.Services),
		} {
			path, handler := svc.Handler(interceptors)
			mux.Handle(path, handler)
		}
	} else {
		logger.Warn("No JWT secret configured, staff services are disabled")
	}

	var handler http.Handler = mux
	// An empty origin list would make cors allow everyone.
	if len(opts.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Connect-Protocol-Version", "Connect-Timeout-Ms"},
			ExposedHeaders: []string{"Connect-Protocol-Version", "Connect-Timeout-Ms"},
		}).Handler(mux)
	}

	// h2c gives Connect HTTP/2 without TLS.
	return h2c.NewHandler(middleware.Logging(logger, handler), &http2.Server{})
}

func jobHandler(runner *jobs.Runner) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")

		// Sweeps run to completion even if the caller disconnects.
		summary, err := runner.Run(context.WithoutCancel(r.Context()), name)
		switch {
		case errors.Is(err, jobs.ErrUnknownJob):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, struct {
				*jobs.Summary
				Error string `json:"error"`
			}{summary, err.Error()})
		default:
			writeJSON(w, http.StatusOK, summary)
		}
	})
}

func healthHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the handler on addr until ctx is cancelled, then drains
// in-flight requests for up to grace.
func Serve(ctx context.Context, addr string, handler http.Handler, grace time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("HTTP server shutting down", "grace", grace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
