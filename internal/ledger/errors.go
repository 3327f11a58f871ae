package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/conserve/internal/ir"
)

var (
	// ErrStaleProposal is returned when a descriptor was proposed against a
	// ledger version that has since moved.
	ErrStaleProposal = errors.New("ledger: stale proposal")

	// ErrAlreadyCommitted is returned when a descriptor is committed twice.
	ErrAlreadyCommitted = errors.New("ledger: transaction already committed")
)

// PoolExhaustedError is returned when an allocation exceeds the free pool.
type PoolExhaustedError struct {
	Entity    ir.EntityID
	Requested ir.Energy
	Available ir.Energy
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("pool exhausted: requested %s for %s, available %s", e.Requested, e.Entity, e.Available)
}

// InsufficientBalanceError is returned when a transfer exceeds the source balance.
type InsufficientBalanceError struct {
	Entity    ir.EntityID
	Requested ir.Energy
	Available ir.Energy
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: %s requested %s, holds %s", e.Entity, e.Requested, e.Available)
}

// RateExceededError is returned when a transfer would push the source past
// its sliding-window transfer limit.
type RateExceededError struct {
	Entity    ir.EntityID
	Requested ir.Energy
	Used      ir.Energy
	Limit     ir.Energy
	Window    time.Duration
}

func (e *RateExceededError) Error() string {
	return fmt.Sprintf("transfer rate exceeded: %s moved %s in %s, requested %s, limit %s",
		e.Entity, e.Used, e.Window, e.Requested, e.Limit)
}

// InvalidAmountError is returned for non-positive or otherwise malformed amounts.
type InvalidAmountError struct {
	Field  string
	Amount ir.Energy
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Amount)
}

// ConsistencyError signals that the conservation invariant failed after a
// commit that should have been safe. It indicates a bug, not a bad request.
type ConsistencyError struct {
	TxID      string
	Entity    ir.EntityID
	Allocated ir.Energy
	Total     ir.Energy
	Reason    string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("internal consistency failure in tx %s (%s): allocated %s, total %s",
		e.TxID, e.Reason, e.Allocated, e.Total)
}

// IsConsistencyError reports whether err is a ConsistencyError.
// Uses errors.As to handle wrapped errors.
func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
