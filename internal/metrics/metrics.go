package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 积分与结算相关的 Prometheus 指标
// 所有方法对 nil 接收者安全，测试中可以不注入
type Metrics struct {
	ledgerMutations *prometheus.CounterVec
	generations     *prometheus.CounterVec
	submitDuration  *prometheus.HistogramVec
	refunds         *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	outboxDispatch  *prometheus.CounterVec
	staleTasks      prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ledgerMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pointsystem_ledger_mutations_total",
			Help: "Committed ledger mutations by action.",
		}, []string{"action"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pointsystem_generation_requests_total",
			Help: "Generation requests by tool and outcome.",
		}, []string{"tool", "outcome"}),
		submitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pointsystem_upstream_submit_duration_seconds",
			Help:    "Latency of upstream task submission.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pointsystem_refunds_total",
			Help: "Settlement refunds by outcome.",
		}, []string{"outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pointsystem_webhook_events_total",
			Help: "Payment webhook events by type and outcome.",
		}, []string{"event_type", "outcome"}),
		outboxDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pointsystem_outbox_dispatch_total",
			Help: "Outbox messages dispatched by status.",
		}, []string{"status"}),
		staleTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pointsystem_stale_tasks",
			Help: "Generation tasks still WAITING past the stale threshold.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pointsystem_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pointsystem_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ledgerMutations,
			m.generations,
			m.submitDuration,
			m.refunds,
			m.webhookEvents,
			m.outboxDispatch,
			m.staleTasks,
			m.httpRequests,
			m.httpDuration,
		)
	}
	return m
}

func (m *Metrics) LedgerMutation(action string) {
	if m == nil {
		return
	}
	m.ledgerMutations.WithLabelValues(action).Inc()
}

func (m *Metrics) Generation(tool, outcome string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) ObserveSubmit(tool string, d time.Duration) {
	if m == nil {
		return
	}
	m.submitDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) Refund(outcome string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) OutboxDispatch(status string) {
	if m == nil {
		return
	}
	m.outboxDispatch.WithLabelValues(status).Inc()
}

func (m *Metrics) SetStaleTasks(n int64) {
	if m == nil {
		return
	}
	m.staleTasks.Set(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
