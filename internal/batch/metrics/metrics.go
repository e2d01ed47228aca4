package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the batch ledger.
type Metrics struct {
	Joins            *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	BalancesPaid     prometheus.Counter
	Slashes          prometheus.Counter
	Commitments      prometheus.Counter
	ParticipantsGone prometheus.Counter
	CurrentFill      prometheus.Gauge
	JoinDuration     prometheus.Histogram
}

// New registers the batch metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Joins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_batch_joins_total",
			Help: "Join attempts by outcome (admitted, already_joined, batch_full, error)",
		}, []string{"outcome"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_batch_transitions_total",
			Help: "Batch state transitions by target state",
		}, []string{"state"}),
		BalancesPaid: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_batch_balances_paid_total",
			Help: "Balance payments recorded",
		}),
		Slashes: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_batch_slashes_total",
			Help: "Participants slashed for missing the balance deadline",
		}),
		Commitments: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_batch_commitments_registered_total",
			Help: "Kit commitments registered",
		}),
		ParticipantsGone: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_batch_participants_removed_total",
			Help: "Slashed participants removed after the patience window",
		}),
		CurrentFill: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cohort_batch_current_participants",
			Help: "Participants admitted to the batch currently accepting joins",
		}),
		JoinDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cohort_batch_join_duration_seconds",
			Help:    "Duration of Join including retries onto a fresh batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (m *Metrics) IncJoin(outcome string) {
	if m != nil {
		m.Joins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncTransition(state string) {
	if m != nil {
		m.Transitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) IncBalancePaid() {
	if m != nil {
		m.BalancesPaid.Inc()
	}
}

func (m *Metrics) IncSlash() {
	if m != nil {
		m.Slashes.Inc()
	}
}

func (m *Metrics) IncCommitment() {
	if m != nil {
		m.Commitments.Inc()
	}
}

func (m *Metrics) AddRemoved(n int) {
	if m != nil && n > 0 {
		m.ParticipantsGone.Add(float64(n))
	}
}

func (m *Metrics) SetCurrentFill(n int) {
	if m != nil {
		m.CurrentFill.Set(float64(n))
	}
}

// ObserveJoin records the duration of a Join call started at start.
func (m *Metrics) ObserveJoin(start time.Time) {
	if m != nil {
		m.JoinDuration.Observe(time.Since(start).Seconds())
	}
}
