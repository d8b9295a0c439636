package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the escrow service.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	LockWait          prometheus.Histogram
	LedgerAmount      *prometheus.CounterVec
	ApprovalsExpired  prometheus.Counter
	PublishFailures   prometheus.Counter
	IntegrityHolds    prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New creates and registers all metrics on reg. Pass prometheus.NewRegistry()
// in tests so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nest_escrow_operations_total",
			Help: "Escrow operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nest_escrow_operation_duration_seconds",
			Help:    "Latency of escrow operations including lock wait and commit",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),
		LockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nest_escrow_lock_wait_seconds",
			Help:    "Time spent waiting for the per-account lock",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		LedgerAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nest_ledger_amount_ore_total",
			Help: "Absolute amount recorded in the ledger, in øre, by transaction type",
		}, []string{"type"}),
		ApprovalsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "nest_approvals_expired_total",
			Help: "Approval requests expired by the deadline sweep",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "nest_event_publish_failures_total",
			Help: "Domain event batches that failed to publish after commit",
		}),
		IntegrityHolds: factory.NewCounter(prometheus.CounterOpts{
			Name: "nest_integrity_holds_total",
			Help: "Escrows placed on integrity hold after a failed audit verification",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nest_http_requests_total",
			Help: "HTTP requests by route pattern, method and status",
		}, []string{"route", "method", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nest_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

func (m *Metrics) IncOperation(operation, outcome string) {
	m.Operations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveOperation(operation string, start time.Time) {
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveLockWait(start time.Time) {
	m.LockWait.Observe(time.Since(start).Seconds())
}

func (m *Metrics) AddLedgerAmount(txType string, amount int64) {
	if amount < 0 {
		amount = -amount
	}
	m.LedgerAmount.WithLabelValues(txType).Add(float64(amount))
}

func (m *Metrics) AddApprovalsExpired(n int) {
	m.ApprovalsExpired.Add(float64(n))
}

func (m *Metrics) IncPublishFailures() {
	m.PublishFailures.Inc()
}

func (m *Metrics) IncIntegrityHolds() {
	m.IntegrityHolds.Inc()
}

func (m *Metrics) ObserveHTTP(route, method string, status int, start time.Time) {
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
}
