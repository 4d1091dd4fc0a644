package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.LedgerMutation("deduct")
	m.LedgerMutation("deduct")
	m.Refund("applied")
	m.WebhookEvent("checkout.completed", "processed")
	m.SetStaleTasks(3)
	m.ObserveSubmit("face-swap", 120*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ledgerMutations.WithLabelValues("deduct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refunds.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("checkout.completed", "processed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.staleTasks))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LedgerMutation("deduct")
		m.Generation("face-swap", "submitted")
		m.SetStaleTasks(1)
		m.ObserveHTTP("GET", "/health", "200", time.Millisecond)
	})
}
