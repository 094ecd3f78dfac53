package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Charge(OutcomeSucceeded)
	m.Charge(OutcomeSucceeded)
	m.Charge(OutcomeFailed)
	m.Job("process-charges", time.Now(), nil)
	m.Job("process-charges", time.Now(), errors.New("boom"))

	if got := testutil.ToFloat64(m.Charges.WithLabelValues(OutcomeSucceeded)); got != 2 {
		t.Errorf("succeeded charges = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.JobRuns.WithLabelValues("process-charges", "error")); got != 1 {
		t.Errorf("errored job runs = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.JobDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Charge(OutcomeFailed)
	m.Entry("coach")
	m.Flag("charge_failed")
	m.Job("x", time.Now(), nil)
}
