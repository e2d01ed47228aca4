// Package admin is the privileged control surface over batch lifecycles.
// Every operation is a direct call into the batch coordinator with the same
// error codes; the verified admin actor travels in the request context and is
// stamped onto every audit event the coordinator emits.
package admin

//go:generate mockgen -source=admin.go -destination=mocks/mocks.go -package=mocks Coordinator,AuditReader,AuditPublisher

import (
	"context"
	"log/slog"

	"cohort/internal/batch/models"
	id "cohort/pkg/domain"
	dErrors "cohort/pkg/domain-errors"
	audit "cohort/pkg/platform/audit"
	"cohort/pkg/requestcontext"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// Coordinator is the subset of the batch coordinator reachable by admins.
type Coordinator interface {
	Stage(ctx context.Context, batchID id.BatchID) (*models.Batch, error)
	Activate(ctx context.Context, batchID id.BatchID) (*models.Batch, error)
	StartSequencing(ctx context.Context, batchID id.BatchID) (*models.Batch, error)
	Complete(ctx context.Context, batchID id.BatchID) (*models.Batch, error)
	Purge(ctx context.Context, batchID id.BatchID) (*models.Batch, error)
	FastForward(ctx context.Context, batchID id.BatchID, target models.State) (*models.Batch, error)
	Slash(ctx context.Context, batchID id.BatchID, identity id.Identity) (*models.Participant, error)
	ExpireOverdue(ctx context.Context, batchID id.BatchID) (int, error)
	GetBatch(ctx context.Context, batchID id.BatchID) (*models.Batch, error)
	ListBatches(ctx context.Context) ([]*models.Batch, error)
	Policy() models.Policy
}

// AuditReader answers audit trail queries.
type AuditReader interface {
	List(ctx context.Context, batchID id.BatchID) ([]audit.Event, error)
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Action names a single lifecycle step an admin may request.
type Action string

const (
	ActionStage           Action = "stage"
	ActionActivate        Action = "activate"
	ActionStartSequencing Action = "start-sequencing"
	ActionComplete        Action = "complete"
	ActionPurge           Action = "purge"
)

type Service struct {
	batches   Coordinator
	audits    AuditReader
	publisher AuditPublisher
	logger    *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithAuditPublisher records rejected admin credentials.
func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func New(batches Coordinator, audits AuditReader, opts ...Option) (*Service, error) {
	if batches == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "batch coordinator is required")
	}
	if audits == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "audit reader is required")
	}
	s := &Service{
		batches: batches,
		audits:  audits,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Apply performs one lifecycle step on a batch.
func (s *Service) Apply(ctx context.Context, batchID id.BatchID, action Action) (*BatchDetail, error) {
	var step func(context.Context, id.BatchID) (*models.Batch, error)
	switch action {
	case ActionStage:
		step = s.batches.Stage
	case ActionActivate:
		step = s.batches.Activate
	case ActionStartSequencing:
		step = s.batches.StartSequencing
	case ActionComplete:
		step = s.batches.Complete
	case ActionPurge:
		step = s.batches.Purge
	default:
		return nil, dErrors.New(dErrors.CodeInvalidArgument, "unknown admin action: "+string(action))
	}

	b, err := step(ctx, batchID)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "admin lifecycle action",
		"action", action,
		"batch_id", batchID,
		"state", b.State,
		"actor", requestcontext.ActorID(ctx),
	)
	return s.detail(ctx, b), nil
}

// FastForward walks the batch through every intermediate state up to target.
func (s *Service) FastForward(ctx context.Context, batchID id.BatchID, target models.State) (*BatchDetail, error) {
	b, err := s.batches.FastForward(ctx, batchID, target)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "admin fast-forward",
		"batch_id", batchID,
		"target", target,
		"actor", requestcontext.ActorID(ctx),
	)
	return s.detail(ctx, b), nil
}

func (s *Service) Slash(ctx context.Context, batchID id.BatchID, identity id.Identity) (*ParticipantView, error) {
	p, err := s.batches.Slash(ctx, batchID, identity)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "admin slashed participant",
		"batch_id", batchID,
		"penalty", p.PenaltyAmount,
		"actor", requestcontext.ActorID(ctx),
	)
	view := toParticipantView(p, requestcontext.Now(ctx), s.batches.Policy())
	return &view, nil
}

func (s *Service) ExpireOverdue(ctx context.Context, batchID id.BatchID) (int, error) {
	return s.batches.ExpireOverdue(ctx, batchID)
}

func (s *Service) Batch(ctx context.Context, batchID id.BatchID) (*BatchDetail, error) {
	b, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, b), nil
}

func (s *Service) ListBatches(ctx context.Context) ([]BatchOverview, error) {
	batches, err := s.batches.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	policy := s.batches.Policy()
	out := make([]BatchOverview, 0, len(batches))
	for _, b := range batches {
		out = append(out, toBatchOverview(b, now, policy))
	}
	return out, nil
}

// AuditTrail lists the events recorded for one batch, oldest first.
func (s *Service) AuditTrail(ctx context.Context, batchID id.BatchID) ([]AuditEntry, error) {
	if batchID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidArgument, "batch id is required")
	}
	events, err := s.audits.List(ctx, batchID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read audit trail")
	}
	return toAuditEntries(events), nil
}

// RecentAudit lists the newest events across all batches. limit is clamped
// to [1, 1000] with 100 as the default.
func (s *Service) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	switch {
	case limit <= 0:
		limit = defaultAuditLimit
	case limit > maxAuditLimit:
		limit = maxAuditLimit
	}
	events, err := s.audits.Recent(ctx, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read audit trail")
	}
	return toAuditEntries(events), nil
}

// RecordAuthFailure is the admin middleware's failure hook.
func (s *Service) RecordAuthFailure(ctx context.Context, reason string) {
	if s.publisher == nil {
		return
	}
	event := audit.Event{
		Timestamp: requestcontext.Now(ctx),
		Action:    string(audit.EventAdminAuthFailed),
		Decision:  "denied",
		Reason:    reason,
		RequestID: requestcontext.RequestID(ctx),
		IP:        requestcontext.ClientIP(ctx),
		Client:    requestcontext.ClientName(ctx),
	}
	if err := s.publisher.Emit(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}

func (s *Service) detail(ctx context.Context, b *models.Batch) *BatchDetail {
	return toBatchDetail(b, requestcontext.Now(ctx), s.batches.Policy())
}
