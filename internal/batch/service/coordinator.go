package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cohort/internal/batch/models"
	"cohort/internal/commitment"
	id "cohort/pkg/domain"
	dErrors "cohort/pkg/domain-errors"
	"cohort/pkg/platform/sentinel"
	"cohort/pkg/requestcontext"
)

// maxJoinAttempts bounds how often an implicit join follows the current
// batch after losing the final slot to a concurrent admission.
const maxJoinAttempts = 3

// JoinRequest admits Identity once the payment rail has confirmed its
// deposit. A zero BatchID targets the current batch.
//
// Join is not idempotent across batches. When a response is lost, retry with
// the BatchID of the first attempt if it is known: the retry then fails with
// AlreadyJoined instead of admitting the identity (and charging a second
// deposit) into the next batch, which an implicit retry can do if the first
// admission filled its batch.
type JoinRequest struct {
	BatchID       id.BatchID
	Identity      id.Identity
	DepositAmount int64
}

type JoinResult struct {
	BatchID     id.BatchID          `json:"batch_id"`
	Participant *models.Participant `json:"participant"`
	// Staged is true for the admission that filled the batch.
	Staged       bool `json:"staged"`
	Participants int  `json:"participants"`
	Capacity     int  `json:"capacity"`
}

// Join admits a participant. An explicit batch that is full or no longer
// pending fails with BatchFull. An implicit join retries on the next current
// batch when it loses the last slot of the previous one.
func (s *Coordinator) Join(ctx context.Context, req JoinRequest) (result *JoinResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "batch.Join",
		trace.WithAttributes(attribute.Int64("batch.requested_id", int64(req.BatchID))))
	defer func() {
		s.metrics.ObserveJoin(start)
		s.metrics.IncJoin(joinOutcome(err))
		endSpan(span, err)
	}()

	if req.Identity.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidArgument, "identity is required")
	}

	now := requestcontext.Now(ctx)
	explicit := !req.BatchID.IsNil()
	target := req.BatchID

	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		if !explicit {
			current, err := s.store.EnsurePending(ctx, s.policy.Capacity, now)
			if errors.Is(err, sentinel.ErrNotFound) {
				// The pending batch staged between insert and read.
				s.logger.DebugContext(ctx, "current batch moved on, retrying",
					"attempt", attempt+1)
				continue
			}
			if err != nil {
				return nil, wrapBatchErr(err)
			}
			target = current.ID
		}

		var staged bool
		b, err := s.store.Execute(ctx, target,
			func(b *models.Batch) error {
				return b.CanJoin(req.Identity, req.DepositAmount)
			},
			func(b *models.Batch) {
				_, staged = b.ApplyJoin(req.Identity, req.DepositAmount, now)
			},
		)
		if err != nil {
			if !explicit && dErrors.HasCode(err, dErrors.CodeBatchFull) {
				s.logger.DebugContext(ctx, "lost final slot, retrying on next batch",
					"batch_id", target, "attempt", attempt+1)
				continue
			}
			return nil, wrapBatchErr(err)
		}

		p, _ := b.Lookup(req.Identity)
		span.SetAttributes(attribute.Int64("batch.id", int64(b.ID)), attribute.Bool("batch.staged", staged))
		s.auditEmitter.emitJoined(ctx, b.ID, req.Identity)

		if staged {
			s.onStaged(ctx, b.ID, now)
		} else {
			s.metrics.SetCurrentFill(b.ParticipantCount())
		}

		s.logger.InfoContext(ctx, "participant joined",
			"batch_id", b.ID,
			"participants", b.ParticipantCount(),
			"capacity", b.Capacity,
			"staged", staged,
		)
		return &JoinResult{
			BatchID:      b.ID,
			Participant:  p,
			Staged:       staged,
			Participants: b.ParticipantCount(),
			Capacity:     b.Capacity,
		}, nil
	}
	return nil, dErrors.New(dErrors.CodeBatchFull, "no batch is accepting participants, retry shortly")
}

// onStaged records the pending→staged step and opens the next batch so
// there is always a current batch to join.
func (s *Coordinator) onStaged(ctx context.Context, staged id.BatchID, now time.Time) {
	s.metrics.IncTransition(string(models.StateStaged))
	s.auditEmitter.emitTransition(ctx, staged, models.StateStaged)
	s.metrics.SetCurrentFill(0)

	next, err := s.store.EnsurePending(ctx, s.policy.Capacity, now)
	if err != nil {
		// The next Join or CurrentBatch call creates it instead.
		s.logger.ErrorContext(ctx, "failed to open next batch", "after_batch_id", staged, "error", err)
		return
	}
	s.auditEmitter.emitCreated(ctx, next.ID)
}

// PayBalance records the balance payment confirmed by the payment rail.
// A slashed participant may still pay inside the patience window and keeps
// the penalty.
func (s *Coordinator) PayBalance(ctx context.Context, batchID id.BatchID, identity id.Identity, amount int64) (*models.Participant, error) {
	if err := requireBatchAndIdentity(batchID, identity); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	b, err := s.store.Execute(ctx, batchID,
		func(b *models.Batch) error {
			return b.CanPayBalance(identity, amount, now, s.policy)
		},
		func(b *models.Batch) {
			b.ApplyPayBalance(identity, amount, now)
		},
	)
	if err != nil {
		return nil, wrapBatchErr(err)
	}

	p, _ := b.Lookup(identity)
	s.metrics.IncBalancePaid()
	s.auditEmitter.emitBalancePaid(ctx, batchID, p)
	return p, nil
}

// Slash penalises a participant whose balance deadline has passed unpaid.
func (s *Coordinator) Slash(ctx context.Context, batchID id.BatchID, identity id.Identity) (*models.Participant, error) {
	if err := requireBatchAndIdentity(batchID, identity); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	b, err := s.store.Execute(ctx, batchID,
		func(b *models.Batch) error {
			return b.CanSlash(identity, now, s.policy)
		},
		func(b *models.Batch) {
			b.ApplySlash(identity, now, s.policy)
		},
	)
	if err != nil {
		return nil, wrapBatchErr(err)
	}

	p, _ := b.Lookup(identity)
	s.metrics.IncSlash()
	s.auditEmitter.emitSlashed(ctx, batchID, identity)
	s.logger.InfoContext(ctx, "participant slashed",
		"batch_id", batchID,
		"penalty", p.PenaltyAmount,
		"patience_ends_at", p.PatienceEndsAt(s.policy.PatienceWindow),
	)
	return p, nil
}

// RegisterCommitment stores the write-once kit commitment for a participant.
func (s *Coordinator) RegisterCommitment(ctx context.Context, batchID id.BatchID, identity id.Identity, digest commitment.Digest) error {
	if err := requireBatchAndIdentity(batchID, identity); err != nil {
		return err
	}
	now := requestcontext.Now(ctx)
	_, err := s.store.Execute(ctx, batchID,
		func(b *models.Batch) error {
			return b.CanRegisterCommitment(identity, digest, now, s.policy)
		},
		func(b *models.Batch) {
			b.ApplyRegisterCommitment(identity, digest)
		},
	)
	if err != nil {
		return wrapBatchErr(err)
	}
	s.metrics.IncCommitment()
	s.auditEmitter.emitCommitment(ctx, batchID, identity)
	return nil
}

// Transition moves a batch exactly one state forward.
func (s *Coordinator) Transition(ctx context.Context, batchID id.BatchID, target models.State) (*models.Batch, error) {
	if batchID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidArgument, "batch id is required")
	}
	now := requestcontext.Now(ctx)
	b, err := s.store.Execute(ctx, batchID,
		func(b *models.Batch) error {
			return b.CanTransitionTo(target)
		},
		func(b *models.Batch) {
			b.ApplyTransition(target, now, s.policy)
		},
	)
	if err != nil {
		return nil, wrapBatchErr(err)
	}
	s.afterTransition(ctx, b, []models.State{target}, now)
	return b, nil
}

func (s *Coordinator) Stage(ctx context.Context, batchID id.BatchID) (*models.Batch, error) {
	return s.Transition(ctx, batchID, models.StateStaged)
}

// Activate stamps every live participant's balance deadline.
func (s *Coordinator) Activate(ctx context.Context, batchID id.BatchID) (*models.Batch, error) {
	return s.Transition(ctx, batchID, models.StateActive)
}

// StartSequencing is allowed with unpaid balances outstanding.
func (s *Coordinator) StartSequencing(ctx context.Context, batchID id.BatchID) (*models.Batch, error) {
	return s.Transition(ctx, batchID, models.StateSequencing)
}

// Complete marks results as retrievable.
func (s *Coordinator) Complete(ctx context.Context, batchID id.BatchID) (*models.Batch, error) {
	return s.Transition(ctx, batchID, models.StateCompleted)
}

// Purge destroys participant records, keeping only aggregates.
func (s *Coordinator) Purge(ctx context.Context, batchID id.BatchID) (*models.Batch, error) {
	return s.Transition(ctx, batchID, models.StatePurged)
}

// FastForward moves a batch several states forward in one atomic step,
// applying each skipped state's side effects in order.
func (s *Coordinator) FastForward(ctx context.Context, batchID id.BatchID, target models.State) (*models.Batch, error) {
	if batchID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidArgument, "batch id is required")
	}
	now := requestcontext.Now(ctx)
	var steps []models.State
	b, err := s.store.Execute(ctx, batchID,
		func(b *models.Batch) error {
			if err := b.CanFastForward(target); err != nil {
				return err
			}
			steps, _ = b.State.StepsTo(target)
			return nil
		},
		func(b *models.Batch) {
			b.ApplyFastForward(target, now, s.policy)
		},
	)
	if err != nil {
		return nil, wrapBatchErr(err)
	}
	s.afterTransition(ctx, b, steps, now)
	return b, nil
}

func (s *Coordinator) afterTransition(ctx context.Context, b *models.Batch, steps []models.State, now time.Time) {
	for _, step := range steps {
		if step == models.StateStaged {
			s.onStaged(ctx, b.ID, now)
			continue
		}
		s.metrics.IncTransition(string(step))
		s.auditEmitter.emitTransition(ctx, b.ID, step)
	}
	s.logger.InfoContext(ctx, "batch transitioned",
		"batch_id", b.ID,
		"state", b.State,
		"actor", requestcontext.ActorID(ctx),
	)
}

// ExpireOverdue persists removal of slashed participants whose patience
// window has lapsed. Removal is already observed lazily by every other
// operation; this makes it durable and frees their capacity accounting.
func (s *Coordinator) ExpireOverdue(ctx context.Context, batchID id.BatchID) (int, error) {
	if batchID.IsNil() {
		return 0, dErrors.New(dErrors.CodeInvalidArgument, "batch id is required")
	}
	now := requestcontext.Now(ctx)
	removed := 0
	_, err := s.store.Execute(ctx, batchID,
		func(b *models.Batch) error {
			if b.State == models.StatePurged {
				return dErrors.New(dErrors.CodeWrongState, "batch is purged")
			}
			return nil
		},
		func(b *models.Batch) {
			removed = b.ExpireOverdue(now, s.policy)
		},
	)
	if err != nil {
		return 0, wrapBatchErr(err)
	}
	s.metrics.AddRemoved(removed)
	s.auditEmitter.emitExpired(ctx, batchID, removed)
	return removed, nil
}

func (s *Coordinator) GetBatch(ctx context.Context, batchID id.BatchID) (*models.Batch, error) {
	if batchID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidArgument, "batch id is required")
	}
	b, err := s.store.FindByID(ctx, batchID)
	if err != nil {
		return nil, wrapBatchErr(err)
	}
	return b, nil
}

// CurrentBatch returns the batch accepting admissions, opening one on first
// use.
func (s *Coordinator) CurrentBatch(ctx context.Context) (*models.Batch, error) {
	b, err := s.store.EnsurePending(ctx, s.policy.Capacity, requestcontext.Now(ctx))
	if err != nil {
		return nil, wrapBatchErr(err)
	}
	return b, nil
}

func (s *Coordinator) ListBatches(ctx context.Context) ([]*models.Batch, error) {
	batches, err := s.store.List(ctx)
	if err != nil {
		return nil, wrapBatchErr(err)
	}
	return batches, nil
}

// BatchView is the public, identity-free description of a batch.
type BatchView struct {
	ID             id.BatchID   `json:"id"`
	State          models.State `json:"state"`
	Capacity       int          `json:"capacity"`
	Participants   int          `json:"participants"`
	CreatedAt      time.Time    `json:"created_at"`
	StateChangedAt time.Time    `json:"state_changed_at"`
}

func (s *Coordinator) View(ctx context.Context, batchID id.BatchID) (*BatchView, error) {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, b), nil
}

func (s *Coordinator) CurrentView(ctx context.Context) (*BatchView, error) {
	b, err := s.CurrentBatch(ctx)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, b), nil
}

func (s *Coordinator) view(ctx context.Context, b *models.Batch) *BatchView {
	return &BatchView{
		ID:             b.ID,
		State:          b.State,
		Capacity:       b.Capacity,
		Participants:   b.Summarize(requestcontext.Now(ctx), s.policy).Participants,
		CreatedAt:      b.CreatedAt,
		StateChangedAt: b.StateChangedAt,
	}
}

// Summary returns the money ledger totals for a batch.
func (s *Coordinator) Summary(ctx context.Context, batchID id.BatchID) (*models.Summary, error) {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	sum := b.Summarize(requestcontext.Now(ctx), s.policy)
	return &sum, nil
}

func requireBatchAndIdentity(batchID id.BatchID, identity id.Identity) error {
	if batchID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidArgument, "batch id is required")
	}
	if identity.IsNil() {
		return dErrors.New(dErrors.CodeInvalidArgument, "identity is required")
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	}
	span.End()
}
