package engine

import (
	"slices"

	"github.com/roach88/conserve/internal/ir"
	"github.com/roach88/conserve/internal/ledger"
)

// Snapshot is a deep copy of all externally observable engine state.
type Snapshot struct {
	Total        ir.Energy                                 `json:"total"`
	Allocated    ir.Energy                                 `json:"allocated"`
	Balances     map[ir.EntityID]ir.Energy                 `json:"balances"`
	BalancesHash string                                    `json:"balances_hash"`
	Capabilities map[ir.EntityID][]ir.Capability           `json:"capabilities"`
	Revoked      map[ir.EntityID][]ir.Capability           `json:"revoked"`
	Usage        map[ir.EntityID]map[ir.ResourceKind]int64 `json:"usage"`
	Terminated   []ir.EntityID                             `json:"terminated"`
	Events       []ir.Event                                `json:"events"`
	Transactions []ir.Transaction                          `json:"transactions"`
	AuditSeq     int64                                     `json:"audit_seq"`
}

// Snapshot captures every component under shared locks taken in the global
// order.
func (e *Engine) Snapshot() Snapshot {
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	e.limiterMu.RLock()
	defer e.limiterMu.RUnlock()
	e.ledgerMu.RLock()
	defer e.ledgerMu.RUnlock()

	balances := e.ledger.Balances()
	s := Snapshot{
		Total:        e.ledger.Total(),
		Allocated:    e.ledger.Allocated(),
		Balances:     balances,
		BalancesHash: ir.MustBalancesHash(balances),
		Capabilities: e.registry.Snapshot(),
		Revoked:      e.registry.RevokedSnapshot(),
		Usage:        e.limiter.Snapshot(e.now()),
		Terminated:   e.Terminated(),
		Events:       e.graph.Events(),
		Transactions: e.ledger.Transactions(),
		AuditSeq:     e.clock.Current(),
	}
	return s
}

// Balance returns an entity's current balance.
func (e *Engine) Balance(id ir.EntityID) ir.Energy {
	e.ledgerMu.RLock()
	defer e.ledgerMu.RUnlock()
	return e.ledger.Balance(id)
}

// Balances returns a copy of every non-zero balance.
func (e *Engine) Balances() map[ir.EntityID]ir.Energy {
	e.ledgerMu.RLock()
	defer e.ledgerMu.RUnlock()
	return e.ledger.Balances()
}

// State returns the pool summary and balance distribution.
func (e *Engine) State() ledger.EnergyState {
	e.ledgerMu.RLock()
	defer e.ledgerMu.RUnlock()
	return e.ledger.State()
}

// Transactions returns the ledger's transaction log.
func (e *Engine) Transactions() []ir.Transaction {
	e.ledgerMu.RLock()
	defer e.ledgerMu.RUnlock()
	return e.ledger.Transactions()
}

// Events returns accepted events in insertion order.
func (e *Engine) Events() []ir.Event {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	return e.graph.Events()
}

// Check reports whether entity holds c.
func (e *Engine) Check(id ir.EntityID, c ir.Capability) bool {
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()
	return e.registry.Check(id, c)
}

// Holds returns the capabilities entity holds.
func (e *Engine) Holds(id ir.EntityID) []ir.Capability {
	e.registryMu.RLock()
	defer e.registryMu.RUnlock()
	return e.registry.Holds(id)
}

// Usage returns an entity's current count for kind.
func (e *Engine) Usage(id ir.EntityID, kind ir.ResourceKind) int64 {
	e.limiterMu.RLock()
	defer e.limiterMu.RUnlock()
	return e.limiter.Usage(id, kind, e.now())
}

// IsTerminated reports whether id has been terminated.
func (e *Engine) IsTerminated(id ir.EntityID) bool {
	e.termMu.RLock()
	defer e.termMu.RUnlock()
	return e.terminated[id]
}

// Terminated returns every terminated entity, sorted.
func (e *Engine) Terminated() []ir.EntityID {
	e.termMu.RLock()
	defer e.termMu.RUnlock()
	out := make([]ir.EntityID, 0, len(e.terminated))
	for id := range e.terminated {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Audit returns a copy of the audit trail in commit order.
func (e *Engine) Audit() []AuditRecord {
	e.auditMu.RLock()
	defer e.auditMu.RUnlock()
	out := make([]AuditRecord, len(e.audit))
	for i, r := range e.audit {
		out[i] = r.Clone()
	}
	return out
}

// AuditSince returns records with Seq greater than seq.
func (e *Engine) AuditSince(seq int64) []AuditRecord {
	e.auditMu.RLock()
	defer e.auditMu.RUnlock()
	i, _ := slices.BinarySearchFunc(e.audit, seq+1, func(r AuditRecord, target int64) int {
		switch {
		case r.Seq < target:
			return -1
		case r.Seq > target:
			return 1
		}
		return 0
	})
	out := make([]AuditRecord, 0, len(e.audit)-i)
	for _, r := range e.audit[i:] {
		out = append(out, r.Clone())
	}
	return out
}
