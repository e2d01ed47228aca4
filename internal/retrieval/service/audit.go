package service

import (
	"context"
	"log/slog"

	id "cohort/pkg/domain"
	audit "cohort/pkg/platform/audit"
	"cohort/pkg/requestcontext"
)

// auditEmitter records verification outcomes. Kit ids go out as the event
// subject and are pseudonymised by the publisher like identities.
type auditEmitter struct {
	logger    *slog.Logger
	publisher AuditPublisher
}

func newAuditEmitter(logger *slog.Logger, publisher AuditPublisher) *auditEmitter {
	return &auditEmitter{logger: logger, publisher: publisher}
}

func (e *auditEmitter) emit(ctx context.Context, action audit.AuditEvent, batchID id.BatchID, kitID id.KitID, decision, reason string) {
	if e.publisher == nil {
		return
	}
	err := e.publisher.Emit(ctx, audit.Event{
		Timestamp: requestcontext.Now(ctx),
		BatchID:   batchID,
		Subject:   kitID.String(),
		Action:    string(action),
		Decision:  decision,
		Reason:    reason,
		RequestID: requestcontext.RequestID(ctx),
		IP:        requestcontext.ClientIP(ctx),
		Client:    requestcontext.ClientName(ctx),
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to emit audit event", "action", action, "batch_id", batchID, "error", err)
	}
}
