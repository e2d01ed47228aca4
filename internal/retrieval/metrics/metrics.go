package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers verification and token issuance.
type Metrics struct {
	Verifications     *prometheus.CounterVec
	TokensIssued      prometheus.Counter
	TokensRejected    prometheus.Counter
	Lockouts          prometheus.Counter
	CandidateTimeouts prometheus.Counter
	ScanDuration      prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cohort_retrieval_verifications_total",
			Help: "Kit verifications by outcome (matched, no_match, not_ready, locked, error)",
		}, []string{"outcome"}),
		TokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_retrieval_tokens_issued_total",
			Help: "Retrieval tokens minted",
		}),
		TokensRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_retrieval_tokens_rejected_total",
			Help: "Retrieval tokens that failed validation",
		}),
		Lockouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_retrieval_lockouts_total",
			Help: "Verification attempts refused because the client is locked out",
		}),
		CandidateTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "cohort_retrieval_candidate_timeouts_total",
			Help: "Candidate comparisons abandoned after the per-candidate timeout",
		}),
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cohort_retrieval_scan_duration_seconds",
			Help:    "Duration of the candidate scan in FindMatch",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}
}

func (m *Metrics) IncVerification(outcome string) {
	if m != nil {
		m.Verifications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncTokenIssued() {
	if m != nil {
		m.TokensIssued.Inc()
	}
}

func (m *Metrics) IncTokenRejected() {
	if m != nil {
		m.TokensRejected.Inc()
	}
}

func (m *Metrics) IncLockout() {
	if m != nil {
		m.Lockouts.Inc()
	}
}

func (m *Metrics) IncCandidateTimeout() {
	if m != nil {
		m.CandidateTimeouts.Inc()
	}
}

func (m *Metrics) ObserveScan(start time.Time) {
	if m != nil {
		m.ScanDuration.Observe(time.Since(start).Seconds())
	}
}
