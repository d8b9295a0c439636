package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the audit chain.
type Metrics struct {
	Appended         *prometheus.CounterVec
	AppendFailures   prometheus.Counter
	AppendDuration   prometheus.Histogram
	VerifyMismatches prometheus.Counter
}

// NewMetrics registers the chain metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Appended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nest_audit_entries_appended_total",
			Help: "Total number of audit chain entries appended, by outcome",
		}, []string{"outcome"}),
		AppendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "nest_audit_append_failures_total",
			Help: "Total number of audit chain appends that failed",
		}),
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nest_audit_append_duration_seconds",
			Help:    "Time to link and persist one audit entry",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		VerifyMismatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "nest_audit_verify_mismatches_total",
			Help: "Total number of verification runs that found a broken link",
		}),
	}
}

func (m *Metrics) IncAppended(outcome string) {
	m.Appended.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncAppendFailures() {
	m.AppendFailures.Inc()
}

func (m *Metrics) ObserveAppendDuration(start time.Time) {
	m.AppendDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncVerifyMismatches() {
	m.VerifyMismatches.Inc()
}
