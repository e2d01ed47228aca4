package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	audit "cohort/pkg/platform/audit"
)

// Metrics holds Prometheus metrics for audit publishing. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Emitted             *prometheus.CounterVec
	Dropped             prometheus.Counter
	PersistFailures     prometheus.Counter
	CircuitBreakerState prometheus.Gauge
}

// NewMetrics registers the audit metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Emitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_audit_events_emitted_total",
			Help: "Total number of audit events persisted, by category",
		}, []string{"category"}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_audit_events_dropped_total",
			Help: "Audit events dropped because the buffer was full or the sink circuit was open",
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_audit_persist_failures_total",
			Help: "Failed audit store or sink writes",
		}),
		CircuitBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cohort_audit_sink_circuit_open",
			Help: "Audit sink circuit breaker state (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) incEmitted(category audit.EventCategory) {
	if m != nil {
		m.Emitted.WithLabelValues(string(category)).Inc()
	}
}

func (m *Metrics) incDropped() {
	if m != nil {
		m.Dropped.Inc()
	}
}

func (m *Metrics) incFailures() {
	if m != nil {
		m.PersistFailures.Inc()
	}
}

func (m *Metrics) setBreakerState(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitBreakerState.Set(1)
	} else {
		m.CircuitBreakerState.Set(0)
	}
}
