package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"cohort/internal/batch/models"
	"cohort/internal/commitment"
	retrievalmetrics "cohort/internal/retrieval/metrics"
	"cohort/internal/retrieval/token"
	id "cohort/pkg/domain"
	audit "cohort/pkg/platform/audit"
)

const (
	DefaultCandidateTimeout = 50 * time.Millisecond
	DefaultMaxFailures      = 5
	DefaultLockoutWindow    = 15 * time.Minute
)

// BatchReader is the slice of the batch coordinator retrieval depends on.
type BatchReader interface {
	GetBatch(ctx context.Context, batchID id.BatchID) (*models.Batch, error)
	Policy() models.Policy
}

// LockoutStore counts failed verifications per key inside a window.
type LockoutStore interface {
	Failures(ctx context.Context, key string) (int, error)
	RecordFailure(ctx context.Context, key string, window time.Duration) (int, error)
	Reset(ctx context.Context, key string) error
}

// Presigner produces time-limited download URLs for result objects.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Issuer proves kit ownership against registered commitments and mints
// retrieval tokens for the file-fetch side.
type Issuer struct {
	batches   BatchReader
	signer    *token.Signer
	lockout   LockoutStore
	presigner Presigner

	candidateTimeout time.Duration
	maxFailures      int
	lockoutWindow    time.Duration
	resultExt        string
	presignTTL       time.Duration

	verify func(kitID, secret string, stored commitment.Digest) bool

	logger       *slog.Logger
	metrics      *retrievalmetrics.Metrics
	auditEmitter *auditEmitter
	tracer       trace.Tracer
}

type Option func(*Issuer)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Issuer) {
		s.logger = logger
	}
}

func WithMetrics(m *retrievalmetrics.Metrics) Option {
	return func(s *Issuer) {
		s.metrics = m
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Issuer) {
		s.auditEmitter = newAuditEmitter(nil, p)
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Issuer) {
		s.tracer = t
	}
}

// WithCandidateTimeout bounds each commitment comparison during a scan.
func WithCandidateTimeout(d time.Duration) Option {
	return func(s *Issuer) {
		if d > 0 {
			s.candidateTimeout = d
		}
	}
}

// WithLockout enables the failed-verification limiter used by Redeem.
func WithLockout(store LockoutStore, maxFailures int, window time.Duration) Option {
	return func(s *Issuer) {
		s.lockout = store
		if maxFailures > 0 {
			s.maxFailures = maxFailures
		}
		if window > 0 {
			s.lockoutWindow = window
		}
	}
}

// WithObjectStore enables presigned download URLs. presignTTL caps the URL
// lifetime further than the token's remaining validity; zero means no extra
// cap.
func WithObjectStore(p Presigner, ext string, presignTTL time.Duration) Option {
	return func(s *Issuer) {
		s.presigner = p
		s.resultExt = ext
		s.presignTTL = presignTTL
	}
}

func New(batches BatchReader, signer *token.Signer, opts ...Option) *Issuer {
	s := &Issuer{
		batches:          batches,
		signer:           signer,
		candidateTimeout: DefaultCandidateTimeout,
		maxFailures:      DefaultMaxFailures,
		lockoutWindow:    DefaultLockoutWindow,
		verify:           commitment.Verify,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.auditEmitter == nil {
		s.auditEmitter = newAuditEmitter(s.logger, nil)
	}
	s.auditEmitter.logger = s.logger
	if s.tracer == nil {
		s.tracer = otel.Tracer("cohort/retrieval")
	}
	return s
}
