package ir

import "time"

// EntityID identifies an actor participating in the resource economy.
// Entities are created lazily on first reference.
type EntityID string

// Capability is a named permission token, e.g. "transfer-energy".
type Capability string

// ResourceKind names a per-entity consumption counter.
type ResourceKind string

// Well-known resource kinds. Any kind present in configuration is accepted.
const (
	ResourceMessages   ResourceKind = "messages"
	ResourceConcurrent ResourceKind = "concurrent"
	ResourceMemory     ResourceKind = "memory"
)

// Event is a node in the causal DAG.
type Event struct {
	ID        string    `json:"id" yaml:"id" mapstructure:"id"`
	ParentIDs []string  `json:"parent_ids,omitempty" yaml:"parent_ids,omitempty" mapstructure:"parent_ids"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp" mapstructure:"timestamp"`
	Origin    EntityID  `json:"origin" yaml:"origin" mapstructure:"origin"`
}

// TxKind is the ledger transaction category.
type TxKind string

const (
	TxAllocate  TxKind = "allocate"
	TxTransfer  TxKind = "transfer"
	TxDecay     TxKind = "decay"
	TxRelease   TxKind = "release"
	TxTerminate TxKind = "terminate"
)

// Transaction is an immutable ledger record.
//
// Participants and Amounts are parallel: Amounts[i] is the signed balance
// change applied to Participants[i].
type Transaction struct {
	ID           string     `json:"id"`
	Seq          int64      `json:"seq"`
	Kind         TxKind     `json:"kind"`
	Participants []EntityID `json:"participants"`
	Amounts      []Energy   `json:"amounts"`
	Timestamp    time.Time  `json:"timestamp"`
	BalancesHash string     `json:"balances_hash"`
}

// Clone returns a deep copy.
func (t Transaction) Clone() Transaction {
	t.Participants = append([]EntityID(nil), t.Participants...)
	t.Amounts = append([]Energy(nil), t.Amounts...)
	return t
}

// Clone returns a deep copy.
func (e Event) Clone() Event {
	e.ParentIDs = append([]string(nil), e.ParentIDs...)
	return e
}
