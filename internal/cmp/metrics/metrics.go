// Package metrics implements component J: Prometheus instrumentation for
// the transaction state machine, grounded on the retrieval pack's periodic
// task metrics interface (a small named-counter/histogram facade rather than
// raw prometheus client calls scattered through business logic).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cmp"

// Metrics bundles every counter/histogram the transaction state machine
// updates. A nil *Metrics is valid and turns every method into a no-op, so
// callers that do not care about metrics (most tests) need not construct a
// registry.
type Metrics struct {
	transactions *prometheus.CounterVec
	polls        prometheus.Counter
	duration     prometheus.Histogram
}

// New registers the CMP metrics on reg and returns a handle to them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "CMP transactions grouped by terminal outcome.",
		}, []string{"outcome"}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Number of pollReq messages sent.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Wall-clock duration of a CMP transaction from Initial to its terminal state.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.transactions, m.polls, m.duration)
	return m
}

// Outcome increments the transactions_total counter for outcome ("done",
// "failed", "cancelled", ...).
func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(outcome).Inc()
}

// Poll increments polls_total.
func (m *Metrics) Poll() {
	if m == nil {
		return
	}
	m.polls.Inc()
}

// ObserveDuration records seconds on the transaction_duration_seconds
// histogram.
func (m *Metrics) ObserveDuration(seconds float64) {
	if m == nil {
		return
	}
	m.duration.Observe(seconds)
}
