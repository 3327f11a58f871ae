// Package store persists the engine's audit trail in SQLite.
//
// The store is an external collaborator of the engine: it implements
// engine.AuditSink and receives every committed record in commit order.
// Tables:
//   - audit_records: one row per committed operation, with its payload
//   - transactions: ledger transactions, keyed by id
//   - events: accepted causal events, keyed by id
//   - snapshots: point-in-time engine snapshots
//
// # Critical Patterns
//
// Logical ordering:
//   - All reads ORDER BY seq ASC (the engine's logical clock), never timestamps
//   - Replay re-executes records in that order
//
// Idempotent writes:
//   - Every insert uses ON CONFLICT DO NOTHING, so re-delivering a record is safe
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
