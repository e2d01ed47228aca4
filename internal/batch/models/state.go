package models

import (
	dErrors "cohort/pkg/domain-errors"
)

// State is a batch lifecycle state. States only move forward.
type State string

const (
	StatePending    State = "pending"
	StateStaged     State = "staged"
	StateActive     State = "active"
	StateSequencing State = "sequencing"
	StateCompleted  State = "completed"
	StatePurged     State = "purged"
)

var stateOrder = []State{
	StatePending,
	StateStaged,
	StateActive,
	StateSequencing,
	StateCompleted,
	StatePurged,
}

func (s State) String() string {
	return string(s)
}

// rank is the position of s in the lifecycle, or -1 for unknown states.
func (s State) rank() int {
	for i, candidate := range stateOrder {
		if candidate == s {
			return i
		}
	}
	return -1
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	return s.rank() >= 0
}

// Next returns the state that follows s. Purged has no successor.
func (s State) Next() (State, bool) {
	r := s.rank()
	if r < 0 || r == len(stateOrder)-1 {
		return "", false
	}
	return stateOrder[r+1], true
}

// CanTransitionTo reports whether target is exactly one step after s.
func (s State) CanTransitionTo(target State) bool {
	next, ok := s.Next()
	return ok && next == target
}

// IsBefore reports whether s comes strictly earlier in the lifecycle.
func (s State) IsBefore(other State) bool {
	return s.rank() >= 0 && other.rank() >= 0 && s.rank() < other.rank()
}

// ParseState validates a state name.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidArgument, "unknown batch state: "+v)
	}
	return s, nil
}

// StepsTo lists the states walked from s to target, excluding s. It fails
// when target is not strictly ahead of s.
func (s State) StepsTo(target State) ([]State, error) {
	if !target.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidArgument, "unknown batch state: "+string(target))
	}
	if !s.IsBefore(target) {
		return nil, dErrors.New(dErrors.CodeInvalidTransition,
			"cannot move batch from "+string(s)+" to "+string(target))
	}
	return append([]State(nil), stateOrder[s.rank()+1:target.rank()+1]...), nil
}
