package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	batchmetrics "cohort/internal/batch/metrics"
	"cohort/internal/batch/models"
	id "cohort/pkg/domain"
	dErrors "cohort/pkg/domain-errors"
	audit "cohort/pkg/platform/audit"
)

// Store is the persistence port for batches. Execute must run validate and
// mutate under a lock scoped to one batch and commit all-or-nothing.
type Store interface {
	EnsurePending(ctx context.Context, capacity int, now time.Time) (*models.Batch, error)
	FindByID(ctx context.Context, batchID id.BatchID) (*models.Batch, error)
	List(ctx context.Context) ([]*models.Batch, error)
	Execute(ctx context.Context, batchID id.BatchID, validate func(*models.Batch) error, mutate func(*models.Batch)) (*models.Batch, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Coordinator owns the batch lifecycle: admission, payments, slashing,
// commitments and state transitions.
type Coordinator struct {
	store        Store
	policy       models.Policy
	logger       *slog.Logger
	metrics      *batchmetrics.Metrics
	auditEmitter *auditEmitter
	tracer       trace.Tracer
}

type config struct {
	policy         models.Policy
	logger         *slog.Logger
	metrics        *batchmetrics.Metrics
	auditPublisher AuditPublisher
	tracer         trace.Tracer
}

type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func WithMetrics(m *batchmetrics.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(c *config) {
		c.auditPublisher = publisher
	}
}

// WithPolicy overrides capacity, windows and penalty.
func WithPolicy(p models.Policy) Option {
	return func(c *config) {
		c.policy = p
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *config) {
		c.tracer = t
	}
}

// New constructs a Coordinator and validates its policy.
func New(store Store, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "batch store is required")
	}
	cfg := &config{policy: models.DefaultPolicy()}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer("cohort/batch")
	}
	return &Coordinator{
		store:        store,
		policy:       cfg.policy,
		logger:       cfg.logger,
		metrics:      cfg.metrics,
		auditEmitter: newAuditEmitter(cfg.logger, cfg.auditPublisher),
		tracer:       cfg.tracer,
	}, nil
}

// Policy returns the rules this coordinator enforces.
func (s *Coordinator) Policy() models.Policy {
	return s.policy
}
