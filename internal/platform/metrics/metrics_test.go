package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncOperation("fund", "success")
	m.IncOperation("fund", "success")
	m.IncOperation("fund", "failure")
	m.AddLedgerAmount("ADJUSTMENT", -500)
	m.AddApprovalsExpired(3)
	m.ObserveOperation("fund", time.Now())

	assert.InDelta(t, 2, testutil.ToFloat64(m.Operations.WithLabelValues("fund", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Operations.WithLabelValues("fund", "failure")), 0)
	assert.InDelta(t, 500, testutil.ToFloat64(m.LedgerAmount.WithLabelValues("ADJUSTMENT")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.ApprovalsExpired), 0)
}

func TestNewOnSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
