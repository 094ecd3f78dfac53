// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Charge outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeUnknown   = "unknown"
	OutcomeSkipped   = "skipped"
	OutcomeErrored   = "errored"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Charges       *prometheus.CounterVec
	JobRuns       *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	LedgerEntries *prometheus.CounterVec
	ReviewFlags   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachledger",
			Name:      "charges_total",
			Help:      "Scheduled charge attempts by outcome.",
		}, []string{"outcome"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachledger",
			Name:      "job_runs_total",
			Help:      "Sweep invocations by job and status.",
		}, []string{"job", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coachledger",
			Name:      "job_duration_seconds",
			Help:      "Sweep duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),
		LedgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachledger",
			Name:      "ledger_entries_total",
			Help:      "Commission ledger entries created by role.",
		}, []string{"role"}),
		ReviewFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachledger",
			Name:      "review_flags_total",
			Help:      "Review flags raised by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.Charges, m.JobRuns, m.JobDuration, m.LedgerEntries, m.ReviewFlags)
	return m
}

func (m *Metrics) Charge(outcome string) {
	if m == nil {
		return
	}
	m.Charges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Entry(role string) {
	if m == nil {
		return
	}
	m.LedgerEntries.WithLabelValues(role).Inc()
}

func (m *Metrics) Flag(reason string) {
	if m == nil {
		return
	}
	m.ReviewFlags.WithLabelValues(reason).Inc()
}

// Job records one sweep run.
func (m *Metrics) Job(job string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}
