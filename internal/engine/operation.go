package engine

import (
	"fmt"
	"time"

	"github.com/roach88/conserve/internal/ir"
)

// OpKind names an operation variant.
type OpKind string

const (
	OpAllocate         OpKind = "allocate"
	OpTransfer         OpKind = "transfer"
	OpDecay            OpKind = "decay"
	OpRelease          OpKind = "release"
	OpRecordEvent      OpKind = "record_event"
	OpGrantCapability  OpKind = "grant_capability"
	OpRevokeCapability OpKind = "revoke_capability"
	OpConsumeResource  OpKind = "consume_resource"
	OpFreeResource     OpKind = "free_resource"
	OpTerminate        OpKind = "terminate"
)

// OpKinds lists every operation kind in declaration order.
var OpKinds = []OpKind{
	OpAllocate, OpTransfer, OpDecay, OpRelease, OpRecordEvent,
	OpGrantCapability, OpRevokeCapability, OpConsumeResource,
	OpFreeResource, OpTerminate,
}

// Operation is a request submitted to Execute.
//
// The set of variants is closed; only types in this package implement it.
type Operation interface {
	Kind() OpKind

	// Actor is the entity on whose behalf the operation runs. Capability
	// checks and the per-actor message counter apply to it.
	Actor() ir.EntityID

	// Entities returns every entity the operation touches, including the actor.
	Entities() []ir.EntityID

	// Attached returns the event recorded atomically with the operation, or nil.
	Attached() *ir.Event

	validate() error
	isOperation()
}

// Allocate grants Amount from the free pool to Entity.
type Allocate struct {
	Entity ir.EntityID
	Amount ir.Energy
	Event  *ir.Event
}

// Transfer moves Amount from From to To.
type Transfer struct {
	From   ir.EntityID
	To     ir.EntityID
	Amount ir.Energy
	Event  *ir.Event
}

// Decay reduces an idle entity's balance by decay_rate * Elapsed.
// A zero Elapsed decays by the idle time since the entity's last activity.
type Decay struct {
	Entity  ir.EntityID
	Elapsed time.Duration
	Event   *ir.Event
}

// Release returns Entity's whole balance to the pool.
type Release struct {
	Entity ir.EntityID
	Event  *ir.Event
}

// RecordEvent appends Event to the causal graph. The actor is Event.Origin.
type RecordEvent struct {
	Event ir.Event
}

// GrantCapability gives Capability to Entity on behalf of By.
type GrantCapability struct {
	By         ir.EntityID
	Entity     ir.EntityID
	Capability ir.Capability
	Event      *ir.Event
}

// RevokeCapability permanently removes Capability from Entity.
type RevokeCapability struct {
	By         ir.EntityID
	Entity     ir.EntityID
	Capability ir.Capability
	Event      *ir.Event
}

// ConsumeResource charges Amount units of Resource to Entity.
type ConsumeResource struct {
	Entity   ir.EntityID
	Resource ir.ResourceKind
	Amount   int64
	Event    *ir.Event
}

// FreeResource returns Amount units of a standing Resource quota.
type FreeResource struct {
	Entity   ir.EntityID
	Resource ir.ResourceKind
	Amount   int64
	Event    *ir.Event
}

// Terminate irreversibly removes Entity: its balance is forfeited to the
// pool and its capabilities and counters are dropped.
type Terminate struct {
	By     ir.EntityID
	Entity ir.EntityID
	Reason string
	Event  *ir.Event
}

func (Allocate) Kind() OpKind         { return OpAllocate }
func (Transfer) Kind() OpKind         { return OpTransfer }
func (Decay) Kind() OpKind            { return OpDecay }
func (Release) Kind() OpKind          { return OpRelease }
func (RecordEvent) Kind() OpKind      { return OpRecordEvent }
func (GrantCapability) Kind() OpKind  { return OpGrantCapability }
func (RevokeCapability) Kind() OpKind { return OpRevokeCapability }
func (ConsumeResource) Kind() OpKind  { return OpConsumeResource }
func (FreeResource) Kind() OpKind     { return OpFreeResource }
func (Terminate) Kind() OpKind        { return OpTerminate }

func (o Allocate) Actor() ir.EntityID         { return o.Entity }
func (o Transfer) Actor() ir.EntityID         { return o.From }
func (o Decay) Actor() ir.EntityID            { return o.Entity }
func (o Release) Actor() ir.EntityID          { return o.Entity }
func (o RecordEvent) Actor() ir.EntityID      { return o.Event.Origin }
func (o GrantCapability) Actor() ir.EntityID  { return o.By }
func (o RevokeCapability) Actor() ir.EntityID { return o.By }
func (o ConsumeResource) Actor() ir.EntityID  { return o.Entity }
func (o FreeResource) Actor() ir.EntityID     { return o.Entity }
func (o Terminate) Actor() ir.EntityID        { return o.By }

func (o Allocate) Entities() []ir.EntityID         { return with(o.Event, o.Entity) }
func (o Transfer) Entities() []ir.EntityID         { return with(o.Event, o.From, o.To) }
func (o Decay) Entities() []ir.EntityID            { return with(o.Event, o.Entity) }
func (o Release) Entities() []ir.EntityID          { return with(o.Event, o.Entity) }
func (o RecordEvent) Entities() []ir.EntityID      { return with(&o.Event) }
func (o GrantCapability) Entities() []ir.EntityID  { return with(o.Event, o.By, o.Entity) }
func (o RevokeCapability) Entities() []ir.EntityID { return with(o.Event, o.By, o.Entity) }
func (o ConsumeResource) Entities() []ir.EntityID  { return with(o.Event, o.Entity) }
func (o FreeResource) Entities() []ir.EntityID     { return with(o.Event, o.Entity) }
func (o Terminate) Entities() []ir.EntityID        { return with(o.Event, o.By, o.Entity) }

func (o Allocate) Attached() *ir.Event         { return o.Event }
func (o Transfer) Attached() *ir.Event         { return o.Event }
func (o Decay) Attached() *ir.Event            { return o.Event }
func (o Release) Attached() *ir.Event          { return o.Event }
func (o RecordEvent) Attached() *ir.Event      { return &o.Event }
func (o GrantCapability) Attached() *ir.Event  { return o.Event }
func (o RevokeCapability) Attached() *ir.Event { return o.Event }
func (o ConsumeResource) Attached() *ir.Event  { return o.Event }
func (o FreeResource) Attached() *ir.Event     { return o.Event }
func (o Terminate) Attached() *ir.Event        { return o.Event }

func (Allocate) isOperation()         {}
func (Transfer) isOperation()         {}
func (Decay) isOperation()            {}
func (Release) isOperation()          {}
func (RecordEvent) isOperation()      {}
func (GrantCapability) isOperation()  {}
func (RevokeCapability) isOperation() {}
func (ConsumeResource) isOperation()  {}
func (FreeResource) isOperation()     {}
func (Terminate) isOperation()        {}

// with returns the distinct non-empty ids plus the event origin.
func with(ev *ir.Event, ids ...ir.EntityID) []ir.EntityID {
	out := make([]ir.EntityID, 0, len(ids)+1)
	seen := make(map[ir.EntityID]bool, len(ids)+1)
	add := func(id ir.EntityID) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range ids {
		add(id)
	}
	if ev != nil {
		add(ev.Origin)
	}
	return out
}

// fieldError is a malformed-operation detail.
type fieldError struct {
	field   string
	message string
}

func (e *fieldError) Error() string { return fmt.Sprintf("%s: %s", e.field, e.message) }

func required(field string, v string) error {
	if v == "" {
		return &fieldError{field, "is required"}
	}
	return nil
}

func positive[T ~int64](field string, v T) error {
	if v <= 0 {
		return &fieldError{field, "must be positive"}
	}
	return nil
}

func validEvent(field string, ev *ir.Event) error {
	if ev == nil {
		return nil
	}
	if ev.ID == "" {
		return &fieldError{field + ".id", "is required"}
	}
	if ev.Timestamp.IsZero() {
		return &fieldError{field + ".timestamp", "is required"}
	}
	if ev.Origin == "" {
		return &fieldError{field + ".origin", "is required"}
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (o Allocate) validate() error {
	return firstErr(required("entity", string(o.Entity)), positive("amount", o.Amount), validEvent("event", o.Event))
}

func (o Transfer) validate() error {
	err := firstErr(required("from", string(o.From)), required("to", string(o.To)),
		positive("amount", o.Amount), validEvent("event", o.Event))
	if err == nil && o.From == o.To {
		err = &fieldError{"to", "must differ from from"}
	}
	return err
}

func (o Decay) validate() error {
	err := firstErr(required("entity", string(o.Entity)), validEvent("event", o.Event))
	if err == nil && o.Elapsed < 0 {
		err = &fieldError{"elapsed", "must not be negative"}
	}
	return err
}

func (o Release) validate() error {
	return firstErr(required("entity", string(o.Entity)), validEvent("event", o.Event))
}

func (o RecordEvent) validate() error {
	return validEvent("event", &o.Event)
}

func (o GrantCapability) validate() error {
	return firstErr(required("by", string(o.By)), required("entity", string(o.Entity)),
		required("capability", string(o.Capability)), validEvent("event", o.Event))
}

func (o RevokeCapability) validate() error {
	return firstErr(required("by", string(o.By)), required("entity", string(o.Entity)),
		required("capability", string(o.Capability)), validEvent("event", o.Event))
}

func (o ConsumeResource) validate() error {
	return firstErr(required("entity", string(o.Entity)), required("resource", string(o.Resource)),
		positive("amount", o.Amount), validEvent("event", o.Event))
}

func (o FreeResource) validate() error {
	return firstErr(required("entity", string(o.Entity)), required("resource", string(o.Resource)),
		positive("amount", o.Amount), validEvent("event", o.Event))
}

func (o Terminate) validate() error {
	return firstErr(required("by", string(o.By)), required("entity", string(o.Entity)), validEvent("event", o.Event))
}
