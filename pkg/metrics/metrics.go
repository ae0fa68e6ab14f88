package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "receiptkit"

// Metrics holds the billing engine's Prometheus instruments. A nil *Metrics is
// valid and records nothing, so components can be built without instrumentation.
type Metrics struct {
	webhooksTotal    *prometheus.CounterVec
	webhookDuration  *prometheus.HistogramVec
	checkoutsTotal   *prometheus.CounterVec
	usageGateTotal   *prometheus.CounterVec
	referralsTotal   *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
}

// New creates the instruments and registers them on reg.
// Pass prometheus.NewRegistry() in tests to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		webhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Billing webhook deliveries by provider, event type and outcome",
			},
			[]string{"provider", "event_type", "outcome"},
		),
		webhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "processing_seconds",
				Help:      "Time spent processing a verified webhook event",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"provider", "event_type"},
		),
		checkoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "checkout",
				Name:      "sessions_total",
				Help:      "Checkout session requests by tier and result",
			},
			[]string{"tier", "result"},
		),
		usageGateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usage",
				Name:      "gate_decisions_total",
				Help:      "Usage gate decisions by feature, tier and decision",
			},
			[]string{"feature", "tier", "decision"},
		),
		referralsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "referral",
				Name:      "credits_total",
				Help:      "Referral credit attempts by result",
			},
			[]string{"result"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "entitlement",
				Name:      "transitions_total",
				Help:      "Entitlement status transitions",
			},
			[]string{"from", "to"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.webhooksTotal,
			m.webhookDuration,
			m.checkoutsTotal,
			m.usageGateTotal,
			m.referralsTotal,
			m.transitionsTotal,
		)
	}
	return m
}

// NewRegistry returns a registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WebhookProcessed counts a delivery and observes its processing time.
func (m *Metrics) WebhookProcessed(provider, eventType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(provider, eventType, outcome).Inc()
	if d > 0 {
		m.webhookDuration.WithLabelValues(provider, eventType).Observe(d.Seconds())
	}
}

// CheckoutRequested counts a checkout attempt.
func (m *Metrics) CheckoutRequested(tier, result string) {
	if m == nil {
		return
	}
	m.checkoutsTotal.WithLabelValues(tier, result).Inc()
}

// UsageGate counts an allow/deny decision.
func (m *Metrics) UsageGate(feature, tier string, allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.usageGateTotal.WithLabelValues(feature, tier, decision).Inc()
}

// ReferralCredited counts a referral credit attempt.
func (m *Metrics) ReferralCredited(result string) {
	if m == nil {
		return
	}
	m.referralsTotal.WithLabelValues(result).Inc()
}

// Transition counts a status change. Self-edges are not counted.
func (m *Metrics) Transition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}
