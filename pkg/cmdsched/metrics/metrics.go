// Package metrics wires the scheduler's ambient observability into
// Prometheus, using github.com/prometheus/client_golang the way the
// karpenter examples register their own metric vectors: against a
// caller-supplied prometheus.Registerer, never the global DefaultRegisterer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cmdsched"

// Metrics bundles every metric vector the scheduler emits to. A nil
// *Metrics is safe to call methods on — every method is a no-op in that
// case, so components can take a *Metrics argument without a separate
// "metrics enabled" branch.
type Metrics struct {
	commandsScheduled *prometheus.CounterVec
	commandsElided    *prometheus.CounterVec
	deliveryAttempts  *prometheus.CounterVec
	deliveryDuration  *prometheus.HistogramVec
	clockAdvances     *prometheus.CounterVec
	storeErrors       *prometheus.CounterVec
}

// New constructs Metrics and registers every vector against reg. Passing a
// fresh prometheus.NewRegistry() (rather than relying on the global
// default) keeps multiple scheduler instances in a single process from
// colliding on metric registration, matching the "caller-supplied
// Registerer" convention used across the karpenter controllers.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_scheduled_total",
			Help:      "Total CommandScheduled events processed by the front-end, by clock.",
		}, []string{"clock"}),
		commandsElided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_elided_total",
			Help:      "Total commands elided from durable storage because they were already due and non-durable.",
		}, []string{"clock"}),
		deliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total delivery attempts, partitioned by outcome (succeeded, retried, abandoned).",
		}, []string{"clock", "outcome"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Wall-clock duration of repository.applyScheduledCommand calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"clock"}),
		clockAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clock_advances_total",
			Help:      "Total AdvanceClock calls, by clock.",
		}, []string{"clock"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total store operations that returned a non-sentinel (infrastructure) error, by operation.",
		}, []string{"operation"}),
	}
	reg.MustRegister(
		m.commandsScheduled,
		m.commandsElided,
		m.deliveryAttempts,
		m.deliveryDuration,
		m.clockAdvances,
		m.storeErrors,
	)
	return m
}

func (m *Metrics) ObserveScheduled(clockName string, elided bool) {
	if m == nil {
		return
	}
	m.commandsScheduled.WithLabelValues(clockName).Inc()
	if elided {
		m.commandsElided.WithLabelValues(clockName).Inc()
	}
}

func (m *Metrics) ObserveDelivery(clockName, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deliveryAttempts.WithLabelValues(clockName, outcome).Inc()
	m.deliveryDuration.WithLabelValues(clockName).Observe(duration.Seconds())
}

func (m *Metrics) ObserveAdvance(clockName string) {
	if m == nil {
		return
	}
	m.clockAdvances.WithLabelValues(clockName).Inc()
}

func (m *Metrics) ObserveStoreError(operation string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(operation).Inc()
}
