package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the checkout collectors. Use NewMetrics with a dedicated
// registry in tests so counts start from zero.
type Metrics struct {
	StepTransitions        *prometheus.CounterVec
	ValidationFailures     *prometheus.CounterVec
	PaymentAttempts        *prometheus.CounterVec
	StatusChecks           *prometheus.CounterVec
	ProviderLatency        *prometheus.HistogramVec
	ReconciliationConflict prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_step_transitions_total",
			Help: "Checkout step transitions by origin and destination step.",
		}, []string{"from", "to"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_validation_failures_total",
			Help: "Rejected step submissions by step.",
		}, []string{"step"}),
		PaymentAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_attempts_total",
			Help: "Payment initiations by provider and outcome.",
		}, []string{"provider", "outcome"}),
		StatusChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_status_checks_total",
			Help: "Provider status checks by provider and observed canonical status.",
		}, []string{"provider", "status"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payment_provider_latency_seconds",
			Help:    "Latency of provider adapter calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
		ReconciliationConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payment_reconciliation_conflicts_total",
			Help: "Transactions whose provider status disagreed with a terminal local record.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.StepTransitions,
			m.ValidationFailures,
			m.PaymentAttempts,
			m.StatusChecks,
			m.ProviderLatency,
			m.ReconciliationConflict,
		)
	}
	return m
}

// NopMetrics returns unregistered collectors.
func NopMetrics() *Metrics {
	return NewMetrics(nil)
}
