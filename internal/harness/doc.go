// Package harness runs YAML scenarios through a real engine.
//
// # Scenario Format
//
//	name: transfer_requires_capability
//	description: "What this scenario validates"
//	config:                 # optional, same keys as the config file
//	  total_energy: 1.0
//	start: 2026-01-01T00:00:00Z   # optional wall clock start
//	setup:                  # steps that must commit
//	  - op: allocate
//	    entity: A
//	    amount: 0.6
//	flow:
//	  - op: transfer
//	    from: A
//	    to: B
//	    amount: 0.3
//	    advance: 1s         # move the clock before executing
//	    expect:
//	      violation: CapabilityDenied
//	assertions:
//	  - type: balance
//	    entity: A
//	    equals: 0.6
//
// A step is an operation record plus the harness keys advance and expect.
// A flow step without expect must commit. Events without a timestamp are
// stamped with the current scenario clock.
//
// # Assertion Types
//
//   - balance, allocated, free: energy equality
//   - holds, revoked: capability state for an entity
//   - terminated: whether an entity has been terminated
//   - usage: a resource counter's value
//   - audit_count, audit_kinds, event_count: trail contents
//   - conserved: sum of balances within the pool
//   - replay: re-executing the persisted trail reproduces the balances hash
//
// # Deterministic Testing
//
// Every run uses a manual wall clock, sequential transaction ids and a fresh
// in-memory SQLite store, so traces are byte-identical across runs and can
// be compared against golden files.
package harness
