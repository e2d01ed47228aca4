package models

import (
	"time"

	dErrors "cohort/pkg/domain-errors"
)

const (
	DefaultCapacity       = 24
	DefaultPaymentWindow  = 7 * 24 * time.Hour
	DefaultPatienceWindow = 180 * 24 * time.Hour
	DefaultPenaltyBps     = 100

	bpsDenominator = 10_000
)

// Policy holds the economic and timing rules applied to every batch.
type Policy struct {
	// Capacity is stamped onto batches at creation.
	Capacity int
	// PaymentWindow is added to the activation time to give BalanceDeadline.
	PaymentWindow time.Duration
	// PatienceWindow runs from BalanceDeadline; slashed participants may still
	// pay inside it.
	PatienceWindow time.Duration
	// PenaltyBps is the slash penalty in basis points of the deposit.
	PenaltyBps int64
}

func DefaultPolicy() Policy {
	return Policy{
		Capacity:       DefaultCapacity,
		PaymentWindow:  DefaultPaymentWindow,
		PatienceWindow: DefaultPatienceWindow,
		PenaltyBps:     DefaultPenaltyBps,
	}
}

func (p Policy) Validate() error {
	if p.Capacity <= 0 {
		return dErrors.New(dErrors.CodeInvalidArgument, "capacity must be positive")
	}
	if p.PaymentWindow <= 0 || p.PatienceWindow <= 0 {
		return dErrors.New(dErrors.CodeInvalidArgument, "payment and patience windows must be positive")
	}
	if p.PenaltyBps < 0 || p.PenaltyBps > bpsDenominator {
		return dErrors.New(dErrors.CodeInvalidArgument, "penalty must be between 0 and 10000 bps")
	}
	return nil
}

// Penalty is the slash amount for a deposit, rounded down.
func (p Policy) Penalty(deposit int64) int64 {
	return deposit * p.PenaltyBps / bpsDenominator
}
