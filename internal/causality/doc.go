// Package causality validates events against a causal DAG.
//
// An event is accepted only if every parent is already present, its
// timestamp is not earlier than any parent's, and it does not close a cycle.
// Accepted events are kept in insertion order and never pruned.
//
// Graph is not safe for concurrent use. The engine serializes access.
package causality
