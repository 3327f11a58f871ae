// Package engine is the transactional entry point of the constraint core.
//
// Every state-changing operation goes through Engine.Execute, which validates
// it against the capability registry, the causal graph, the resource limiter
// and the ledger, in that order, and then either commits all resulting
// mutations as one unit or rejects the operation with a *Violation and
// changes nothing.
//
// ARCHITECTURE:
//
// Operation lifecycle: Received, Validating, then Committed or Rejected in
// one step. There is no retry state; retries are a caller concern.
//
// Audit trail: each commit appends an AuditRecord numbered by the logical
// Clock and pushes it to the configured AuditSinks in commit order.
// Rejections are never audited, so a rejected operation leaves no trace in
// any observable state.
//
// Fatal violations: SelfCausation and InternalConsistencyFailure terminate
// the offending entity. Its balance is forfeited to the pool, its
// capabilities and counters are dropped, and any later operation involving
// it fails with EntityTerminated.
//
// CRITICAL PATTERNS:
//
// Lock order: entity stripes, then registry, graph, limiter, ledger.
// Audit seq values come from Clock.Next(), never from wall-clock time.
package engine
