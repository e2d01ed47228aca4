package audit

import (
	"context"
	"time"

	id "cohort/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers money movement and data destruction.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers failed proofs, lockouts and rejected credentials.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine lifecycle activity and can be sampled.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
//
// Participant identities and kit ids never appear in clear. Emitters set
// Subject; the publisher replaces it with a keyed SubjectHash before any
// store or sink sees the event.
type Event struct {
	Category    EventCategory
	Timestamp   time.Time
	BatchID     id.BatchID
	Subject     string `json:"-"`
	SubjectHash string
	Action      string
	Decision    string
	Reason      string
	RequestID   string
	// ActorID names the admin when the action was taken on someone's behalf.
	ActorID string
	IP      string
	Client  string
}

type AuditEvent string

const (
	// Ledger events
	EventParticipantJoined    AuditEvent = "participant_joined"
	EventBalancePaid          AuditEvent = "balance_paid"
	EventParticipantSlashed   AuditEvent = "participant_slashed"
	EventParticipantsExpired  AuditEvent = "participants_expired"
	EventCommitmentRegistered AuditEvent = "commitment_registered"

	// Lifecycle events
	EventBatchCreated      AuditEvent = "batch_created"
	EventBatchTransitioned AuditEvent = "batch_transitioned"
	EventBatchPurged       AuditEvent = "batch_purged"

	// Retrieval events
	EventVerificationFailed AuditEvent = "verification_failed"
	EventVerificationLocked AuditEvent = "verification_locked"
	EventTokenIssued        AuditEvent = "token_issued"
	EventTokenRejected      AuditEvent = "token_rejected"
	EventDownloadResolved   AuditEvent = "download_resolved"

	// Access events
	EventAdminAuthFailed AuditEvent = "admin_auth_failed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventParticipantJoined:    CategoryCompliance,
	EventBalancePaid:          CategoryCompliance,
	EventParticipantSlashed:   CategoryCompliance,
	EventParticipantsExpired:  CategoryCompliance,
	EventCommitmentRegistered: CategoryCompliance,
	EventBatchPurged:          CategoryCompliance,

	EventVerificationFailed: CategorySecurity,
	EventVerificationLocked: CategorySecurity,
	EventTokenRejected:      CategorySecurity,
	EventAdminAuthFailed:    CategorySecurity,

	EventBatchCreated:      CategoryOperations,
	EventBatchTransitioned: CategoryOperations,
	EventTokenIssued:       CategoryOperations,
	EventDownloadResolved:  CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events and answers the admin queries over them.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByBatch(ctx context.Context, batchID id.BatchID) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

// Sink receives a copy of every persisted event, e.g. a message stream.
type Sink interface {
	Append(ctx context.Context, event Event) error
}
