package engine

import (
	"fmt"
	"time"

	"github.com/roach88/conserve/internal/ir"
)

// OperationRecord is the flat serialized form of an Operation.
//
// It is what scenario files, the audit trail and the store carry. Which
// fields are meaningful depends on Op.
type OperationRecord struct {
	Op         OpKind          `json:"op" yaml:"op" mapstructure:"op"`
	By         ir.EntityID     `json:"by,omitempty" yaml:"by,omitempty" mapstructure:"by"`
	Entity     ir.EntityID     `json:"entity,omitempty" yaml:"entity,omitempty" mapstructure:"entity"`
	From       ir.EntityID     `json:"from,omitempty" yaml:"from,omitempty" mapstructure:"from"`
	To         ir.EntityID     `json:"to,omitempty" yaml:"to,omitempty" mapstructure:"to"`
	Amount     ir.Energy       `json:"amount,omitempty" yaml:"amount,omitempty" mapstructure:"amount"`
	Elapsed    time.Duration   `json:"elapsed,omitempty" yaml:"elapsed,omitempty" mapstructure:"elapsed"`
	Capability ir.Capability   `json:"capability,omitempty" yaml:"capability,omitempty" mapstructure:"capability"`
	Resource   ir.ResourceKind `json:"resource,omitempty" yaml:"resource,omitempty" mapstructure:"resource"`
	Units      int64           `json:"units,omitempty" yaml:"units,omitempty" mapstructure:"units"`
	Reason     string          `json:"reason,omitempty" yaml:"reason,omitempty" mapstructure:"reason"`
	Event      *ir.Event       `json:"event,omitempty" yaml:"event,omitempty" mapstructure:"event"`
}

// Decode converts the record into its Operation variant.
func (r OperationRecord) Decode() (Operation, error) {
	switch r.Op {
	case OpAllocate:
		return Allocate{Entity: r.Entity, Amount: r.Amount, Event: r.Event}, nil
	case OpTransfer:
		return Transfer{From: r.From, To: r.To, Amount: r.Amount, Event: r.Event}, nil
	case OpDecay:
		return Decay{Entity: r.Entity, Elapsed: r.Elapsed, Event: r.Event}, nil
	case OpRelease:
		return Release{Entity: r.Entity, Event: r.Event}, nil
	case OpRecordEvent:
		if r.Event == nil {
			return nil, fmt.Errorf("decode %s: event is required", r.Op)
		}
		return RecordEvent{Event: *r.Event}, nil
	case OpGrantCapability:
		return GrantCapability{By: r.By, Entity: r.Entity, Capability: r.Capability, Event: r.Event}, nil
	case OpRevokeCapability:
		return RevokeCapability{By: r.By, Entity: r.Entity, Capability: r.Capability, Event: r.Event}, nil
	case OpConsumeResource:
		return ConsumeResource{Entity: r.Entity, Resource: r.Resource, Amount: r.Units, Event: r.Event}, nil
	case OpFreeResource:
		return FreeResource{Entity: r.Entity, Resource: r.Resource, Amount: r.Units, Event: r.Event}, nil
	case OpTerminate:
		return Terminate{By: r.By, Entity: r.Entity, Reason: r.Reason, Event: r.Event}, nil
	case "":
		return nil, fmt.Errorf("decode operation: op is required")
	default:
		return nil, fmt.Errorf("decode operation: unknown op %q", r.Op)
	}
}

// Encode converts an Operation into its record form.
func Encode(op Operation) OperationRecord {
	r := OperationRecord{Op: op.Kind(), Event: cloneEvent(op.Attached())}
	switch o := op.(type) {
	case Allocate:
		r.Entity, r.Amount = o.Entity, o.Amount
	case Transfer:
		r.From, r.To, r.Amount = o.From, o.To, o.Amount
	case Decay:
		r.Entity, r.Elapsed = o.Entity, o.Elapsed
	case Release:
		r.Entity = o.Entity
	case RecordEvent:
	case GrantCapability:
		r.By, r.Entity, r.Capability = o.By, o.Entity, o.Capability
	case RevokeCapability:
		r.By, r.Entity, r.Capability = o.By, o.Entity, o.Capability
	case ConsumeResource:
		r.Entity, r.Resource, r.Units = o.Entity, o.Resource, o.Amount
	case FreeResource:
		r.Entity, r.Resource, r.Units = o.Entity, o.Resource, o.Amount
	case Terminate:
		r.By, r.Entity, r.Reason = o.By, o.Entity, o.Reason
	}
	return r
}

// Payload returns the canonical map form used for digests.
func (r OperationRecord) Payload() map[string]any {
	p := map[string]any{"op": string(r.Op)}
	set := func(k, v string) {
		if v != "" {
			p[k] = v
		}
	}
	set("by", string(r.By))
	set("entity", string(r.Entity))
	set("from", string(r.From))
	set("to", string(r.To))
	set("capability", string(r.Capability))
	set("resource", string(r.Resource))
	set("reason", r.Reason)
	if r.Amount != 0 {
		p["amount"] = r.Amount
	}
	if r.Elapsed != 0 {
		p["elapsed_ns"] = int64(r.Elapsed)
	}
	if r.Units != 0 {
		p["units"] = r.Units
	}
	if r.Event != nil {
		parents := make([]any, len(r.Event.ParentIDs))
		for i, id := range r.Event.ParentIDs {
			parents[i] = id
		}
		p["event"] = map[string]any{
			"id":         r.Event.ID,
			"parent_ids": parents,
			"timestamp":  r.Event.Timestamp.UTC().Format(time.RFC3339Nano),
			"origin":     string(r.Event.Origin),
		}
	}
	return p
}

// Digest returns the domain-separated SHA-256 of the canonical payload.
func (r OperationRecord) Digest() string {
	d, err := ir.OperationDigest(r.Payload())
	if err != nil {
		// Payload only builds strings, integers and nested maps.
		panic(err)
	}
	return d
}

func cloneEvent(ev *ir.Event) *ir.Event {
	if ev == nil {
		return nil
	}
	c := ev.Clone()
	return &c
}
