package handler

import (
	"time"

	"cohort/internal/batch/models"
	"cohort/internal/batch/service"
	"cohort/internal/commitment"
	id "cohort/pkg/domain"
	dErrors "cohort/pkg/domain-errors"
)

// DepositRequest is the payment rail's confirmation of a deposit. BatchID is
// optional; omitted means the current batch. Retries should send the batch
// id returned by the first attempt.
type DepositRequest struct {
	BatchID  uint64 `json:"batch_id,omitempty"`
	Identity string `json:"identity"`
	Amount   int64  `json:"amount"`

	batchID  id.BatchID
	identity id.Identity
}

func (r *DepositRequest) Validate() error {
	identity, err := id.ParseIdentity(r.Identity)
	if err != nil {
		return err
	}
	if r.Amount <= 0 {
		return dErrors.New(dErrors.CodeInvalidArgument, "amount must be positive")
	}
	r.identity = identity
	r.batchID = id.BatchID(r.BatchID)
	return nil
}

// BalanceRequest is the payment rail's confirmation of a balance payment.
type BalanceRequest struct {
	BatchID  uint64 `json:"batch_id"`
	Identity string `json:"identity"`
	Amount   int64  `json:"amount"`

	batchID  id.BatchID
	identity id.Identity
}

func (r *BalanceRequest) Validate() error {
	if r.BatchID == 0 {
		return dErrors.New(dErrors.CodeInvalidArgument, "batch_id is required")
	}
	identity, err := id.ParseIdentity(r.Identity)
	if err != nil {
		return err
	}
	if r.Amount <= 0 {
		return dErrors.New(dErrors.CodeInvalidArgument, "amount must be positive")
	}
	r.identity = identity
	r.batchID = id.BatchID(r.BatchID)
	return nil
}

// CommitmentRequest registers the hex commitment for a participant's kit.
type CommitmentRequest struct {
	Identity   string `json:"identity"`
	Commitment string `json:"commitment"`

	identity id.Identity
	digest   commitment.Digest
}

func (r *CommitmentRequest) Validate() error {
	identity, err := id.ParseIdentity(r.Identity)
	if err != nil {
		return err
	}
	digest, err := commitment.ParseDigest(r.Commitment)
	if err != nil {
		return err
	}
	r.identity = identity
	r.digest = digest
	return nil
}

type JoinResponse struct {
	BatchID      id.BatchID `json:"batch_id"`
	Identity     string     `json:"identity"`
	JoinedAt     time.Time  `json:"joined_at"`
	Staged       bool       `json:"staged"`
	Participants int        `json:"participants"`
	Capacity     int        `json:"capacity"`
}

func toJoinResponse(res *service.JoinResult) JoinResponse {
	out := JoinResponse{
		BatchID:      res.BatchID,
		Staged:       res.Staged,
		Participants: res.Participants,
		Capacity:     res.Capacity,
	}
	if res.Participant != nil {
		out.Identity = res.Participant.Identity.String()
		out.JoinedAt = res.Participant.JoinedAt
	}
	return out
}

// ParticipantResponse omits the commitment.
type ParticipantResponse struct {
	BatchID         id.BatchID `json:"batch_id"`
	Identity        string     `json:"identity"`
	BalancePaid     bool       `json:"balance_paid"`
	BalanceDeadline time.Time  `json:"balance_deadline"`
	Slashed         bool       `json:"slashed"`
	PenaltyAmount   int64      `json:"penalty_amount"`
}

func toParticipantResponse(batchID id.BatchID, p *models.Participant) ParticipantResponse {
	return ParticipantResponse{
		BatchID:         batchID,
		Identity:        p.Identity.String(),
		BalancePaid:     p.BalancePaid,
		BalanceDeadline: p.BalanceDeadline,
		Slashed:         p.Slashed,
		PenaltyAmount:   p.PenaltyAmount,
	}
}
