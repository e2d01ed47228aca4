package models

import (
	"fmt"
	"time"

	"cohort/internal/commitment"
	id "cohort/pkg/domain"
	dErrors "cohort/pkg/domain-errors"
)

// Batch is the aggregate root for one cohort.
//
// Invariants:
//   - Non-removed participants never exceed Capacity
//   - State only moves forward (see State.CanTransitionTo)
//   - pending→staged happens exactly when the Capacity-th admission commits
//   - Once purged, Participants is empty and only aggregates remain
//
// Mutations follow the Can*/Apply* pair used by store.Execute: Can* validates
// without touching the batch, Apply* mutates and must not fail.
type Batch struct {
	ID                    id.BatchID     `json:"id"`
	State                 State          `json:"state"`
	Capacity              int            `json:"capacity"`
	Participants          []*Participant `json:"participants,omitempty"`
	FinalParticipantCount int            `json:"final_participant_count"`
	CreatedAt             time.Time      `json:"created_at"`
	StateChangedAt        time.Time      `json:"state_changed_at"`
	// Version increases by one on every committed mutation.
	Version int64 `json:"version"`
}

func NewBatch(batchID id.BatchID, capacity int, now time.Time) (*Batch, error) {
	if batchID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidArgument, "batch id must be positive")
	}
	if capacity <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidArgument, "batch capacity must be positive")
	}
	return &Batch{
		ID:             batchID,
		State:          StatePending,
		Capacity:       capacity,
		CreatedAt:      now,
		StateChangedAt: now,
	}, nil
}

// Clone returns a deep copy safe to hand outside a lock.
func (b *Batch) Clone() *Batch {
	c := *b
	c.Participants = make([]*Participant, len(b.Participants))
	for i, p := range b.Participants {
		c.Participants[i] = p.clone()
	}
	return &c
}

// Lookup returns the live (non-removed) participant for identity.
func (b *Batch) Lookup(identity id.Identity) (*Participant, bool) {
	for _, p := range b.Participants {
		if p.Identity == identity && !p.Removed {
			return p, true
		}
	}
	return nil, false
}

// latest returns the most recent admission for identity, removed or not.
func (b *Batch) latest(identity id.Identity) (*Participant, bool) {
	for i := len(b.Participants) - 1; i >= 0; i-- {
		if b.Participants[i].Identity == identity {
			return b.Participants[i], true
		}
	}
	return nil, false
}

// ParticipantCount counts participants that have not been removed.
func (b *Batch) ParticipantCount() int {
	if b.State == StatePurged {
		return b.FinalParticipantCount
	}
	n := 0
	for _, p := range b.Participants {
		if !p.Removed {
			n++
		}
	}
	return n
}

func (b *Batch) IsFull() bool {
	return b.ParticipantCount() >= b.Capacity
}

// Candidates returns the participants eligible for retrieval matching at now,
// in admission order.
func (b *Batch) Candidates(now time.Time, policy Policy) []*Participant {
	out := make([]*Participant, 0, len(b.Participants))
	for _, p := range b.Participants {
		if !p.IsRemovedAt(now, policy.PatienceWindow) {
			out = append(out, p)
		}
	}
	return out
}

// --- admission ---

func (b *Batch) CanJoin(identity id.Identity, deposit int64) error {
	if identity.IsNil() {
		return dErrors.New(dErrors.CodeInvalidArgument, "identity is required")
	}
	if deposit <= 0 {
		return dErrors.New(dErrors.CodeInvalidArgument, "deposit amount must be positive")
	}
	// Checked before capacity so a retried final admission reports the
	// duplicate rather than a full batch.
	if _, ok := b.Lookup(identity); ok {
		return dErrors.New(dErrors.CodeAlreadyJoined, "identity already joined this batch")
	}
	if b.State != StatePending || b.IsFull() {
		return dErrors.New(dErrors.CodeBatchFull, "batch is not accepting participants")
	}
	return nil
}

// ApplyJoin admits identity with a confirmed deposit. It reports whether the
// admission filled the batch and staged it.
func (b *Batch) ApplyJoin(identity id.Identity, deposit int64, now time.Time) (*Participant, bool) {
	p := &Participant{
		Identity:      identity,
		JoinedAt:      now,
		DepositPaid:   true,
		DepositPaidAt: now,
		DepositAmount: deposit,
	}
	b.Participants = append(b.Participants, p)
	if b.IsFull() {
		b.setState(StateStaged, now)
		return p, true
	}
	return p, false
}

// --- payments ---

func (b *Batch) CanPayBalance(identity id.Identity, amount int64, now time.Time, policy Policy) error {
	if amount <= 0 {
		return dErrors.New(dErrors.CodeInvalidArgument, "balance amount must be positive")
	}
	p, ok := b.latest(identity)
	if !ok {
		return dErrors.New(dErrors.CodeNotFound, "participant not found")
	}
	if b.State != StateActive {
		return dErrors.New(dErrors.CodeWrongState, "balance can only be paid while the batch is active")
	}
	if p.BalancePaid {
		return dErrors.New(dErrors.CodeAlreadyBalancePaid, "balance already paid")
	}
	if p.IsRemovedAt(now, policy.PatienceWindow) {
		return dErrors.New(dErrors.CodeAlreadySlashed, "participant was slashed and the patience window has elapsed")
	}
	return nil
}

// ApplyPayBalance records the balance. A slashed participant keeps the
// penalty and the Slashed flag.
func (b *Batch) ApplyPayBalance(identity id.Identity, amount int64, now time.Time) *Participant {
	p, _ := b.Lookup(identity)
	p.BalancePaid = true
	p.BalancePaidAt = &now
	p.BalanceAmount = amount
	return p
}

// --- slashing ---

func (b *Batch) CanSlash(identity id.Identity, now time.Time, policy Policy) error {
	if b.State != StateActive && b.State != StateSequencing {
		return dErrors.New(dErrors.CodeWrongState, "participants can only be slashed while the batch is active or sequencing")
	}
	p, ok := b.Lookup(identity)
	if !ok || p.IsRemovedAt(now, policy.PatienceWindow) {
		return dErrors.New(dErrors.CodeNotFound, "participant not found")
	}
	if p.BalancePaid {
		return dErrors.New(dErrors.CodeAlreadyBalancePaid, "balance already paid")
	}
	if p.Slashed {
		return dErrors.New(dErrors.CodeAlreadySlashed, "participant already slashed")
	}
	if !p.HasDeadline() || now.Before(p.BalanceDeadline) {
		return dErrors.New(dErrors.CodeTooEarly, "balance deadline has not passed")
	}
	return nil
}

func (b *Batch) ApplySlash(identity id.Identity, now time.Time, policy Policy) *Participant {
	p, _ := b.Lookup(identity)
	p.Slashed = true
	p.SlashedAt = &now
	p.PenaltyAmount = policy.Penalty(p.DepositAmount)
	return p
}

// ExpireOverdue persists removal for every slashed participant whose
// patience window has lapsed and returns how many were removed.
func (b *Batch) ExpireOverdue(now time.Time, policy Policy) int {
	n := 0
	for _, p := range b.Participants {
		if !p.Removed && p.patienceLapsed(now, policy.PatienceWindow) {
			p.markRemoved(now)
			n++
		}
	}
	return n
}

// --- commitments ---

func (b *Batch) CanRegisterCommitment(identity id.Identity, digest commitment.Digest, now time.Time, policy Policy) error {
	if digest.IsZero() {
		return dErrors.New(dErrors.CodeInvalidArgument, "commitment must not be zero")
	}
	p, ok := b.Lookup(identity)
	if !ok || p.IsRemovedAt(now, policy.PatienceWindow) {
		return dErrors.New(dErrors.CodeNotFound, "participant not found")
	}
	if b.State != StateActive && b.State != StateSequencing {
		return dErrors.New(dErrors.CodeWrongState, "commitments can only be registered while the batch is active or sequencing")
	}
	if p.HasCommitment() {
		return dErrors.New(dErrors.CodeAlreadyRegistered, "commitment already registered")
	}
	return nil
}

func (b *Batch) ApplyRegisterCommitment(identity id.Identity, digest commitment.Digest) *Participant {
	p, _ := b.Lookup(identity)
	p.Commitment = digest
	return p
}

// --- lifecycle ---

// CanTransitionTo validates a single forward step to target.
func (b *Batch) CanTransitionTo(target State) error {
	if !target.IsValid() {
		return dErrors.New(dErrors.CodeInvalidArgument, "unknown batch state: "+string(target))
	}
	if !b.State.CanTransitionTo(target) {
		return dErrors.New(dErrors.CodeInvalidTransition,
			"cannot move batch from "+string(b.State)+" to "+string(target))
	}
	if target == StateStaged {
		return b.canStage()
	}
	return nil
}

// canStage holds pending→staged to the Capacity-th admission.
func (b *Batch) canStage() error {
	if !b.IsFull() {
		return dErrors.New(dErrors.CodeInvalidTransition,
			fmt.Sprintf("batch has %d of %d participants; only a full batch is staged", b.ParticipantCount(), b.Capacity))
	}
	return nil
}

// ApplyTransition moves the batch one step forward and applies the side
// effects of entering target.
func (b *Batch) ApplyTransition(target State, now time.Time, policy Policy) {
	switch target {
	case StateActive:
		deadline := now.Add(policy.PaymentWindow)
		for _, p := range b.Participants {
			if !p.Removed {
				p.BalanceDeadline = deadline
			}
		}
	case StatePurged:
		b.FinalParticipantCount = len(b.Candidates(now, policy))
		b.Participants = nil
	}
	b.setState(target, now)
}

// CanFastForward validates a multi-step forward move to target.
func (b *Batch) CanFastForward(target State) error {
	steps, err := b.State.StepsTo(target)
	if err != nil {
		return err
	}
	if steps[0] == StateStaged {
		return b.canStage()
	}
	return nil
}

// ApplyFastForward walks every intermediate state so each step's side
// effects still apply.
func (b *Batch) ApplyFastForward(target State, now time.Time, policy Policy) {
	steps, _ := b.State.StepsTo(target)
	for _, s := range steps {
		b.ApplyTransition(s, now, policy)
	}
}

func (b *Batch) setState(s State, now time.Time) {
	b.State = s
	b.StateChangedAt = now
}

// Summary aggregates the money held for a batch.
type Summary struct {
	Participants      int   `json:"participants"`
	Removed           int   `json:"removed"`
	BalancesPaid      int   `json:"balances_paid"`
	Slashed           int   `json:"slashed"`
	DepositsCollected int64 `json:"deposits_collected"`
	BalancesCollected int64 `json:"balances_collected"`
	Penalties         int64 `json:"penalties"`
	ForfeitedDeposits int64 `json:"forfeited_deposits"`
}

// Summarize computes ledger totals at now. Removed participants forfeit their
// deposit.
func (b *Batch) Summarize(now time.Time, policy Policy) Summary {
	var s Summary
	for _, p := range b.Participants {
		s.DepositsCollected += p.DepositAmount
		s.BalancesCollected += p.BalanceAmount
		if p.BalancePaid {
			s.BalancesPaid++
		}
		if p.Slashed {
			s.Slashed++
			s.Penalties += p.PenaltyAmount
		}
		if p.IsRemovedAt(now, policy.PatienceWindow) {
			s.Removed++
			s.ForfeitedDeposits += p.DepositAmount
			continue
		}
		s.Participants++
	}
	if b.State == StatePurged {
		s.Participants = b.FinalParticipantCount
	}
	return s
}
