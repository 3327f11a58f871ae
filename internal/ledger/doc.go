// Package ledger implements the conservation ledger for the shared energy
// pool.
//
// The ledger is the sole writer of balances. Every mutation is a two-step
// proposal: a Propose* call validates against the current state and returns
// a Pending descriptor without touching anything; Commit applies it.
// After every commit the ledger recomputes sum(balances) and verifies
// sum <= total. A failure there is a ConsistencyError, never a normal
// rejection.
//
// A Ledger is not safe for concurrent use. The engine holds exclusive access
// for the whole propose+commit sequence; read-only accessors may run under
// shared access.
package ledger
