package service

import (
	"context"
	"log/slog"

	"cohort/internal/batch/models"
	id "cohort/pkg/domain"
	audit "cohort/pkg/platform/audit"
	"cohort/pkg/requestcontext"
)

// auditEmitter turns ledger facts into audit events. Emission happens after
// the store commits; a failed emit is logged and never rolls back the ledger.
type auditEmitter struct {
	logger    *slog.Logger
	publisher AuditPublisher
}

func newAuditEmitter(logger *slog.Logger, publisher AuditPublisher) *auditEmitter {
	return &auditEmitter{logger: logger, publisher: publisher}
}

func (e *auditEmitter) emit(ctx context.Context, action audit.AuditEvent, batchID id.BatchID, subject id.Identity, decision string) {
	if e.publisher == nil {
		return
	}
	event := audit.Event{
		Timestamp: requestcontext.Now(ctx),
		BatchID:   batchID,
		Subject:   subject.String(),
		Action:    string(action),
		Decision:  decision,
		RequestID: requestcontext.RequestID(ctx),
		ActorID:   requestcontext.ActorID(ctx),
		IP:        requestcontext.ClientIP(ctx),
		Client:    requestcontext.ClientName(ctx),
	}
	if err := e.publisher.Emit(ctx, event); err != nil {
		e.logger.ErrorContext(ctx, "failed to emit audit event",
			"action", action,
			"batch_id", batchID,
			"error", err,
		)
	}
}

func (e *auditEmitter) emitJoined(ctx context.Context, batchID id.BatchID, identity id.Identity) {
	e.emit(ctx, audit.EventParticipantJoined, batchID, identity, "admitted")
}

func (e *auditEmitter) emitBalancePaid(ctx context.Context, batchID id.BatchID, p *models.Participant) {
	decision := "paid"
	if p.Slashed {
		decision = "paid_after_slash"
	}
	e.emit(ctx, audit.EventBalancePaid, batchID, p.Identity, decision)
}

func (e *auditEmitter) emitSlashed(ctx context.Context, batchID id.BatchID, identity id.Identity) {
	e.emit(ctx, audit.EventParticipantSlashed, batchID, identity, "slashed")
}

func (e *auditEmitter) emitCommitment(ctx context.Context, batchID id.BatchID, identity id.Identity) {
	e.emit(ctx, audit.EventCommitmentRegistered, batchID, identity, "registered")
}

func (e *auditEmitter) emitExpired(ctx context.Context, batchID id.BatchID, removed int) {
	if removed == 0 {
		return
	}
	e.emit(ctx, audit.EventParticipantsExpired, batchID, "", "removed")
}

func (e *auditEmitter) emitCreated(ctx context.Context, batchID id.BatchID) {
	e.emit(ctx, audit.EventBatchCreated, batchID, "", string(models.StatePending))
}

func (e *auditEmitter) emitTransition(ctx context.Context, batchID id.BatchID, to models.State) {
	action := audit.EventBatchTransitioned
	if to == models.StatePurged {
		action = audit.EventBatchPurged
	}
	e.emit(ctx, action, batchID, "", string(to))
}
