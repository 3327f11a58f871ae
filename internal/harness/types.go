package harness

import (
	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/store"
)

// Trace outcome values.
const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
	OutcomeFatal     = "fatal"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Phase        string               `json:"phase"` // "setup" or "flow"
	Step         int                  `json:"step"`
	Op           engine.OpKind        `json:"op"`
	Outcome      string               `json:"outcome"`
	Violation    engine.ViolationKind `json:"violation,omitempty"`
	Seq          int64                `json:"seq,omitempty"`
	BalancesHash string               `json:"balances_hash"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Final is the engine state after the last step.
	Final engine.Snapshot `json:"final"`

	// Audit is the committed trail, in seq order.
	Audit []engine.AuditRecord `json:"audit"`

	// Replay is set when a replay assertion ran.
	Replay *store.ReplayResult `json:"replay,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
