package models

import (
	"time"

	"cohort/internal/commitment"
	id "cohort/pkg/domain"
)

// Participant is one admission into a batch.
//
// Invariants:
//   - BalancePaid implies DepositPaid
//   - Commitment is written at most once
//   - Slashed is set at most once and never before BalanceDeadline
//   - Removed participants keep their history but no longer count toward
//     capacity and are never matched during retrieval
type Participant struct {
	Identity id.Identity `json:"identity"`
	JoinedAt time.Time   `json:"joined_at"`

	DepositPaid   bool      `json:"deposit_paid"`
	DepositPaidAt time.Time `json:"deposit_paid_at"`
	DepositAmount int64     `json:"deposit_amount"`

	BalancePaid   bool       `json:"balance_paid"`
	BalancePaidAt *time.Time `json:"balance_paid_at,omitempty"`
	BalanceAmount int64      `json:"balance_amount"`

	// BalanceDeadline is zero until the batch is activated.
	BalanceDeadline time.Time `json:"balance_deadline"`

	Slashed       bool       `json:"slashed"`
	SlashedAt     *time.Time `json:"slashed_at,omitempty"`
	PenaltyAmount int64      `json:"penalty_amount"`

	Commitment commitment.Digest `json:"-"`

	Removed   bool       `json:"removed"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// HasCommitment reports whether a commitment has been registered.
func (p *Participant) HasCommitment() bool {
	return !p.Commitment.IsZero()
}

// HasDeadline reports whether the balance deadline has been stamped.
func (p *Participant) HasDeadline() bool {
	return !p.BalanceDeadline.IsZero()
}

// PatienceEndsAt is the last instant a slashed participant may still pay.
func (p *Participant) PatienceEndsAt(patience time.Duration) time.Time {
	return p.BalanceDeadline.Add(patience)
}

// IsRemovedAt reports whether the participant is out of the batch at now.
// A slashed participant who has not paid by the end of the patience window
// is removed even before ExpireOverdue persists the flag.
func (p *Participant) IsRemovedAt(now time.Time, patience time.Duration) bool {
	if p.Removed {
		return true
	}
	return p.patienceLapsed(now, patience)
}

func (p *Participant) patienceLapsed(now time.Time, patience time.Duration) bool {
	return p.Slashed && !p.BalancePaid && p.HasDeadline() && !now.Before(p.PatienceEndsAt(patience))
}

func (p *Participant) markRemoved(now time.Time) {
	p.Removed = true
	p.RemovedAt = &now
}

func (p *Participant) clone() *Participant {
	c := *p
	if p.BalancePaidAt != nil {
		t := *p.BalancePaidAt
		c.BalancePaidAt = &t
	}
	if p.SlashedAt != nil {
		t := *p.SlashedAt
		c.SlashedAt = &t
	}
	if p.RemovedAt != nil {
		t := *p.RemovedAt
		c.RemovedAt = &t
	}
	return &c
}
