package jobs

import (
	"log/slog"
	"time"

	"github.com/mmynk/coachledger/internal/billing"
	"github.com/mmynk/coachledger/internal/commission"
	"github.com/mmynk/coachledger/internal/gateway"
	"github.com/mmynk/coachledger/internal/metrics"
	"github.com/mmynk/coachledger/internal/notify"
	"github.com/mmynk/coachledger/internal/payroll"
	"github.com/mmynk/coachledger/internal/storage"
)

// Config collects the settings of every sweep.
type Config struct {
	Billing         billing.Config
	Commission      commission.Options
	PayrollAnchor   time.Time
	PayoutDelayDays int
	Timeout         time.Duration
}

// NewRunner wires every sweep against one store and gateway. notifier, m and
// logger may be nil.
func NewRunner(store storage.Store, gw gateway.Gateway, settings *commission.SettingsCache, cfg Config, notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	processor := billing.NewProcessor(store, gw, cfg.Billing, m, logger.With("component", "processor"))
	return &Runner{
		Processor:     processor,
		Reconciler:    billing.NewReconciler(processor),
		Recorder:      billing.NewRecorder(store, logger.With("component", "recorder")),
		Fees:          billing.NewFeeReconciler(store, gw, cfg.Billing, logger.With("component", "fees")),
		Cleaner:       billing.NewCleaner(store, cfg.Billing, logger.With("component", "cleaner")),
		Calculator:    commission.NewCalculator(store, settings, cfg.Commission, m, logger.With("component", "commission")),
		Resolver:      commission.NewResolver(store, cfg.Billing.BatchSize, m, logger.With("component", "resolver")),
		Payroll:       payroll.NewAggregator(store, cfg.PayrollAnchor, cfg.PayoutDelayDays, logger.With("component", "payroll")),
		Notifier:      notifier,
		Metrics:       m,
		Logger:        logger,
		Timeout:       cfg.Timeout,
		BackfillLimit: cfg.Billing.BatchSize,
	}
}
