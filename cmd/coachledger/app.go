package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmynk/coachledger/internal/billing"
	"github.com/mmynk/coachledger/internal/cache"
	"github.com/mmynk/coachledger/internal/commission"
	"github.com/mmynk/coachledger/internal/config"
	"github.com/mmynk/coachledger/internal/gateway"
	"github.com/mmynk/coachledger/internal/jobs"
	"github.com/mmynk/coachledger/internal/metrics"
	"github.com/mmynk/coachledger/internal/notify"
	"github.com/mmynk/coachledger/internal/service"
	"github.com/mmynk/coachledger/internal/storage/sqlstore"
	"github.com/mmynk/coachledger/pkg/logging"
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *sqlstore.Store
	redis   *cache.Redis
	metrics *metrics.Metrics
	runner  *jobs.Runner
	deps    service.Deps
}

// loadConfig reads configuration and installs the default logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.Configure(cfg.LogFormat, cfg.LogLevel), nil
}

// newApp wires every component. Without needGateway a missing Stripe key is
// tolerated and gateway calls fail with gateway.ErrNotConfigured.
func newApp(ctx context.Context, needGateway bool) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	anchor, err := cfg.Anchor()
	if err != nil {
		return nil, err
	}

	store, err := sqlstore.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	logger.Info("Storage initialized", "driver", cfg.DBDriver)
	a := &app{cfg: cfg, logger: logger, store: store}

	var gw gateway.Gateway = gateway.Disabled{}
	if needGateway || cfg.StripeSecretKey != "" {
		gw, err = gateway.NewStripe(gateway.StripeConfig{
			SecretKey:         cfg.StripeSecretKey,
			Timeout:           cfg.GatewayTimeout,
			BackendURL:        cfg.StripeBackendURL,
			MaxNetworkRetries: 2,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
	} else {
		logger.Warn("No Stripe key configured, gateway calls are disabled")
	}

	var shared commission.SharedCache
	if cfg.RedisURL != "" {
		a.redis, err = cache.NewRedis(ctx, cfg.RedisURL, cfg.SettingsTTL)
		if err != nil {
			a.Close()
			return nil, err
		}
		shared = a.redis
		logger.Info("Shared settings cache enabled")
	}
	settings := commission.NewSettingsCache(store, shared, cfg.SettingsTTL, logger.With("component", "settings"))

	var notifier notify.Notifier = notify.Nop{}
	if cfg.SMTPHost != "" {
		notifier, err = notify.NewMailer(notify.MailerConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.AlertFrom,
			To:       cfg.AlertTo,
		}, logger.With("component", "notify"))
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.metrics = metrics.New(prometheus.DefaultRegisterer)
	billingCfg := billing.Config{
		Currency:       cfg.Currency,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBackoff:   cfg.RetryBackoff,
		StuckAfter:     cfg.StuckAfter,
		AbandonAfter:   cfg.AbandonAfter,
		GatewayTimeout: cfg.GatewayTimeout,
		GatewayRPS:     cfg.GatewayRPS,
		GatewayBurst:   cfg.GatewayBurst,
		BatchSize:      cfg.BatchSize,
	}
	a.runner = jobs.NewRunner(store, gw, settings, jobs.Config{
		Billing: billingCfg,
		Commission: commission.Options{
			InitialTermMonths: cfg.InitialTermMonths,
			BatchSize:         cfg.BatchSize,
		},
		PayrollAnchor:   anchor,
		PayoutDelayDays: cfg.PayoutDelayDays,
		Timeout:         cfg.JobTimeout,
	}, notifier, a.metrics, logger)

	a.deps = service.Deps{
		Store:      store,
		Planner:    billing.NewPlanner(store, logger.With("component", "planner")),
		Processor:  a.runner.Processor,
		Recorder:   a.runner.Recorder,
		Calculator: a.runner.Calculator,
		Refunder:   commission.NewRefunder(store, gw, a.metrics, logger.With("component", "refunds")),
		Settings:   settings,
		Payroll:    a.runner.Payroll,
		Logger:     logger.With("component", "rpc"),
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store", "error", err)
	}
}
