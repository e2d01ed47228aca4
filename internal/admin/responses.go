package admin

import (
	"time"

	"cohort/internal/batch/models"
	id "cohort/pkg/domain"
	audit "cohort/pkg/platform/audit"
)

// BatchOverview is one row of the admin batch listing.
type BatchOverview struct {
	ID                    id.BatchID   `json:"id"`
	State                 models.State `json:"state"`
	Capacity              int          `json:"capacity"`
	Participants          int          `json:"participants"`
	FinalParticipantCount int          `json:"final_participant_count"`
	CreatedAt             time.Time    `json:"created_at"`
	StateChangedAt        time.Time    `json:"state_changed_at"`
	Version               int64        `json:"version"`
}

// BatchDetail adds the ledger summary and per-participant payment facts.
// Commitments are never returned.
type BatchDetail struct {
	BatchOverview
	Summary          models.Summary    `json:"summary"`
	ParticipantViews []ParticipantView `json:"participants_detail"`
}

type ParticipantView struct {
	Identity        id.Identity `json:"identity"`
	JoinedAt        time.Time   `json:"joined_at"`
	DepositAmount   int64       `json:"deposit_amount"`
	BalancePaid     bool        `json:"balance_paid"`
	BalanceAmount   int64       `json:"balance_amount"`
	BalanceDeadline *time.Time  `json:"balance_deadline,omitempty"`
	Slashed         bool        `json:"slashed"`
	PenaltyAmount   int64       `json:"penalty_amount"`
	HasCommitment   bool        `json:"has_commitment"`
	Removed         bool        `json:"removed"`
}

type BatchListResponse struct {
	Batches []BatchOverview `json:"batches"`
	Total   int             `json:"total"`
}

type ExpireResponse struct {
	BatchID id.BatchID `json:"batch_id"`
	Removed int        `json:"removed"`
}

// AuditEntry is an audit event as shown to admins. Subjects stay hashed.
type AuditEntry struct {
	Timestamp   time.Time  `json:"timestamp"`
	Category    string     `json:"category"`
	Action      string     `json:"action"`
	BatchID     id.BatchID `json:"batch_id,omitempty"`
	SubjectHash string     `json:"subject_hash,omitempty"`
	Decision    string     `json:"decision,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	ActorID     string     `json:"actor_id,omitempty"`
	RequestID   string     `json:"request_id,omitempty"`
}

type AuditListResponse struct {
	Events []AuditEntry `json:"events"`
	Total  int          `json:"total"`
}

func toBatchOverview(b *models.Batch, now time.Time, policy models.Policy) BatchOverview {
	return BatchOverview{
		ID:                    b.ID,
		State:                 b.State,
		Capacity:              b.Capacity,
		Participants:          b.Summarize(now, policy).Participants,
		FinalParticipantCount: b.FinalParticipantCount,
		CreatedAt:             b.CreatedAt,
		StateChangedAt:        b.StateChangedAt,
		Version:               b.Version,
	}
}

func toBatchDetail(b *models.Batch, now time.Time, policy models.Policy) *BatchDetail {
	views := make([]ParticipantView, 0, len(b.Participants))
	for _, p := range b.Participants {
		views = append(views, toParticipantView(p, now, policy))
	}
	return &BatchDetail{
		BatchOverview:    toBatchOverview(b, now, policy),
		Summary:          b.Summarize(now, policy),
		ParticipantViews: views,
	}
}

func toParticipantView(p *models.Participant, now time.Time, policy models.Policy) ParticipantView {
	v := ParticipantView{
		Identity:      p.Identity,
		JoinedAt:      p.JoinedAt,
		DepositAmount: p.DepositAmount,
		BalancePaid:   p.BalancePaid,
		BalanceAmount: p.BalanceAmount,
		Slashed:       p.Slashed,
		PenaltyAmount: p.PenaltyAmount,
		HasCommitment: p.HasCommitment(),
		Removed:       p.IsRemovedAt(now, policy.PatienceWindow),
	}
	if p.HasDeadline() {
		deadline := p.BalanceDeadline
		v.BalanceDeadline = &deadline
	}
	return v
}

func toAuditEntries(events []audit.Event) []AuditEntry {
	out := make([]AuditEntry, 0, len(events))
	for _, e := range events {
		category := e.Category
		if category == "" {
			category = audit.AuditEvent(e.Action).Category()
		}
		out = append(out, AuditEntry{
			Timestamp:   e.Timestamp,
			Category:    string(category),
			Action:      e.Action,
			BatchID:     e.BatchID,
			SubjectHash: e.SubjectHash,
			Decision:    e.Decision,
			Reason:      e.Reason,
			ActorID:     e.ActorID,
			RequestID:   e.RequestID,
		})
	}
	return out
}
