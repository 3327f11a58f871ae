package engine

import (
	"context"
	"time"

	"github.com/roach88/conserve/internal/ir"
)

// AuditRecord is one committed operation in the audit trail.
//
// Rejected operations never produce a record. A fatal violation produces a
// record for the resulting termination, with Cause set to the violation kind.
type AuditRecord struct {
	Seq          int64           `json:"seq"`
	Kind         OpKind          `json:"kind"`
	Actor        ir.EntityID     `json:"actor"`
	Operation    OperationRecord `json:"operation"`
	Digest       string          `json:"digest"`
	Transaction  *ir.Transaction `json:"transaction,omitempty"`
	Event        *ir.Event       `json:"event,omitempty"`
	Cause        ViolationKind   `json:"cause,omitempty"`
	BalancesHash string          `json:"balances_hash"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Clone returns a deep copy.
func (r AuditRecord) Clone() AuditRecord {
	if r.Transaction != nil {
		tx := r.Transaction.Clone()
		r.Transaction = &tx
	}
	r.Event = cloneEvent(r.Event)
	r.Operation.Event = cloneEvent(r.Operation.Event)
	return r
}

// AuditSink receives audit records in commit order.
//
// Sinks are called synchronously while the committing operation still holds
// its locks, so they should be fast. A sink error is logged and does not undo
// the commit.
type AuditSink interface {
	WriteAudit(ctx context.Context, rec AuditRecord) error
}

// Outcome summarizes one Execute call for observers.
type Outcome struct {
	Kind      OpKind
	Committed bool
	Violation ViolationKind
	Fatal     bool
	Duration  time.Duration
	Allocated ir.Energy
	Total     ir.Energy
	Entities  int
}

// Observer is notified after every Execute, committed or rejected.
type Observer interface {
	ObserveOutcome(Outcome)
}
