package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/conserve/internal/capability"
	"github.com/roach88/conserve/internal/causality"
	"github.com/roach88/conserve/internal/ir"
	"github.com/roach88/conserve/internal/ledger"
	"github.com/roach88/conserve/internal/limiter"
)

// TracerName is the instrumentation scope for engine spans.
const TracerName = "github.com/roach88/conserve/internal/engine"

// TransferCapability is the capability transfers require by default.
const TransferCapability ir.Capability = "transfer-energy"

// Config is the engine's static configuration. It is immutable once the
// engine is constructed.
type Config struct {
	Ledger ledger.Config
	Limits map[ir.ResourceKind]limiter.Limit

	// AdminCapability authorizes managing other entities' capabilities.
	AdminCapability ir.Capability

	// AdminOnly capabilities need AdminCapability even for self-grants.
	AdminOnly []ir.Capability

	// Required maps an operation kind to the capability its actor must hold.
	Required map[OpKind]ir.Capability

	// BootstrapAdmins are granted AdminCapability at construction.
	BootstrapAdmins []ir.EntityID
}

// DefaultConfig returns the ledger defaults, a 100 per second message rate,
// standing quotas for concurrent operations and memory, and transfers gated
// by TransferCapability.
func DefaultConfig() Config {
	return Config{
		Ledger: ledger.DefaultConfig(),
		Limits: map[ir.ResourceKind]limiter.Limit{
			ir.ResourceMessages:   {Ceiling: 100, Window: time.Second},
			ir.ResourceConcurrent: {Ceiling: 100},
			ir.ResourceMemory:     {Ceiling: 1 << 20},
		},
		AdminCapability: capability.DefaultAdmin,
		Required:        map[OpKind]ir.Capability{OpTransfer: TransferCapability},
	}
}

// Receipt is returned for a committed operation.
type Receipt struct {
	Seq     int64  `json:"seq"`
	TxID    string `json:"tx_id,omitempty"`
	Kind    OpKind `json:"kind"`
	EventID string `json:"event_id,omitempty"`

	// Balances holds the post-commit balance of every entity the operation
	// touched.
	Balances     map[ir.EntityID]ir.Energy `json:"balances"`
	BalancesHash string                    `json:"balances_hash"`
	Timestamp    time.Time                 `json:"timestamp"`
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWallClock sets the source of operation timestamps.
func WithWallClock(now WallClock) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator sets the transaction id generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) { e.ids = g }
}

// WithClock resumes audit numbering from an existing clock.
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithSink adds an audit sink.
func WithSink(s AuditSink) EngineOption {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

// WithObserver adds an outcome observer.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithTracer sets the tracer used for Execute spans.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

const stripeCount = 64

// Engine is the single entry point for state-changing operations.
//
// Thread-safety model:
//   - Execute and every read method are safe from any goroutine.
//   - Operations touching overlapping entities are serialized by per-entity
//     lock stripes, acquired in index order.
//   - Components are guarded by their own locks, always taken in the order
//     registry, graph, limiter, ledger, and held for validate+commit.
//   - Every ledger mutation holds the ledger lock exclusively, so commits
//     observe the true sum of balances.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	tracer    trace.Tracer
	now       WallClock
	ids       IDGenerator
	clock     *Clock
	sinks     []AuditSink
	observers []Observer

	stripes [stripeCount]sync.Mutex

	registryMu sync.RWMutex
	registry   *capability.Registry
	graphMu    sync.RWMutex
	graph      *causality.Graph
	limiterMu  sync.RWMutex
	limiter    *limiter.Limiter
	ledgerMu   sync.RWMutex
	ledger     *ledger.Ledger

	termMu     sync.RWMutex
	terminated map[ir.EntityID]bool

	auditMu sync.RWMutex
	audit   []AuditRecord

	// beforeCommit runs between validation and commit with every lock held.
	// Tests use it to fail a commit.
	beforeCommit func()
}

// New creates an Engine. Bootstrap admins are granted the admin capability
// through the registry's normal grant path.
func New(cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:        cfg,
		log:        slog.Default(),
		tracer:     otel.Tracer(TracerName),
		now:        systemClock,
		ids:        UUIDv7Generator{},
		clock:      NewClock(),
		terminated: make(map[ir.EntityID]bool),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.registry = capability.New(
		capability.WithAdmin(cfg.AdminCapability),
		capability.WithAdminOnly(cfg.AdminOnly...),
	)
	e.graph = causality.New()
	e.limiter = limiter.New(cfg.Limits)
	e.ledger = ledger.New(cfg.Ledger, ledger.WithIDFunc(e.ids.Generate))

	for _, id := range cfg.BootstrapAdmins {
		if err := e.registry.Grant(id, e.registry.Admin()); err != nil {
			e.log.Error("bootstrap admin grant failed", "entity", id, "error", err)
		}
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Execute validates op and commits it atomically, or rejects it.
//
// Validation order is fixed: terminated entities, capability, causality (if
// the operation carries an event), resource limits, ledger. The first
// failure is returned as a *Violation and no state changes, except that a
// fatal violation terminates the offending entity.
func (e *Engine) Execute(ctx context.Context, op Operation) (Receipt, error) {
	start := time.Now()
	if op == nil {
		return Receipt{}, &Violation{Kind: ViolationInvalidOperation, Message: "nil operation"}
	}

	ctx, span := e.tracer.Start(ctx, "engine.Execute", trace.WithAttributes(
		attribute.String("op.kind", string(op.Kind())),
		attribute.String("op.actor", string(op.Actor())),
	))
	defer span.End()

	receipt, v := e.execute(ctx, op)

	outcome := Outcome{Kind: op.Kind(), Committed: v == nil, Duration: time.Since(start)}
	if v != nil {
		outcome.Violation, outcome.Fatal = v.Kind, v.IsFatal()
		span.SetAttributes(attribute.String("violation.kind", string(v.Kind)))
		span.SetStatus(codes.Error, v.Message)
		if v.IsFatal() {
			e.log.Error("fatal violation",
				"kind", op.Kind(),
				"violation", v.Kind,
				"entity", v.Entity,
				"error", v.Message,
				"event", "entity_terminated",
			)
		} else {
			e.log.Info("operation rejected",
				"kind", op.Kind(),
				"actor", op.Actor(),
				"violation", v.Kind,
				"error", v.Message,
				"event", "op_rejected",
			)
		}
	} else {
		span.SetAttributes(attribute.Int64("audit.seq", receipt.Seq))
		e.log.Debug("operation committed",
			"seq", receipt.Seq,
			"kind", op.Kind(),
			"actor", op.Actor(),
			"tx_id", receipt.TxID,
			"event", "op_committed",
		)
	}
	e.notify(outcome)

	if v != nil {
		return Receipt{}, v
	}
	return receipt, nil
}

// plan is the validated set of mutations for one operation.
type plan struct {
	pending  *ledger.Pending
	event    *ir.Event
	charges  []charge
	free     *charge
	grant    bool
	revoke   bool
	target   ir.EntityID
	cap      ir.Capability
	terminal ir.EntityID
}

type charge struct {
	entity ir.EntityID
	kind   ir.ResourceKind
	amount int64
}

func (e *Engine) execute(ctx context.Context, op Operation) (Receipt, *Violation) {
	if err := op.validate(); err != nil {
		return Receipt{}, invalidOperation(err)
	}
	if ev := op.Attached(); ev != nil && ev.Origin != op.Actor() {
		return Receipt{}, invalidOperation(&fieldError{"event.origin", "must be the acting entity"})
	}

	entities := op.Entities()
	defer e.lockEntities(entities)()
	defer e.lockComponents(needsFull(op), op.Kind())()

	now := e.now()
	if v := e.gate(entities); v != nil {
		return Receipt{}, v
	}

	p, v := e.validate(op, now)
	if v != nil {
		if v.IsFatal() {
			e.terminate(ctx, v, now)
		}
		return Receipt{}, v
	}
	if e.beforeCommit != nil {
		e.beforeCommit()
	}
	return e.commit(ctx, op, p, now)
}

// needsFull reports whether op may touch the ledger or the graph, and with
// it trigger a fatal termination that mutates every component.
func needsFull(op Operation) bool {
	switch op.Kind() {
	case OpAllocate, OpTransfer, OpDecay, OpRelease, OpRecordEvent, OpTerminate:
		return true
	}
	return op.Attached() != nil
}

func (e *Engine) gate(entities []ir.EntityID) *Violation {
	e.termMu.RLock()
	defer e.termMu.RUnlock()
	for _, id := range entities {
		if e.terminated[id] {
			return terminated(id)
		}
	}
	return nil
}

// validate runs every check without mutating anything.
func (e *Engine) validate(op Operation, now time.Time) (*plan, *Violation) {
	p := &plan{}
	actor := op.Actor()

	// Capability.
	if required, ok := e.cfg.Required[op.Kind()]; ok && required != "" {
		if err := e.registry.Require(actor, required); err != nil {
			return nil, classify(err)
		}
	}
	switch o := op.(type) {
	case GrantCapability:
		if err := e.registry.Authorize(o.By, o.Entity, o.Capability); err != nil {
			return nil, classify(err)
		}
		if err := e.registry.ValidateGrant(o.Entity, o.Capability); err != nil {
			return nil, classify(err)
		}
		p.grant, p.target, p.cap = true, o.Entity, o.Capability
	case RevokeCapability:
		if err := e.registry.Authorize(o.By, o.Entity, o.Capability); err != nil {
			return nil, classify(err)
		}
		p.revoke, p.target, p.cap = true, o.Entity, o.Capability
	case Terminate:
		if err := e.registry.Authorize(o.By, o.Entity, ""); err != nil {
			return nil, classify(err)
		}
		p.terminal = o.Entity
	}

	// Causality.
	if ev := op.Attached(); ev != nil {
		if err := e.graph.Validate(*ev); err != nil {
			v := classify(err)
			v.Entity = ev.Origin
			return nil, v
		}
		p.event = ev
	}

	// Resource limits.
	// Termination is never rate limited.
	if e.limiter.Configured(ir.ResourceMessages) && op.Kind() != OpTerminate {
		p.charges = append(p.charges, charge{actor, ir.ResourceMessages, 1})
	}
	switch o := op.(type) {
	case ConsumeResource:
		p.charges = mergeCharge(p.charges, charge{o.Entity, o.Resource, o.Amount})
	case FreeResource:
		lim, ok := e.limiter.Limit(o.Resource)
		if !ok {
			return nil, classify(&limiter.UnknownKindError{Kind: o.Resource})
		}
		if lim.Window > 0 {
			return nil, &Violation{
				Kind:    ViolationInvalidOperation,
				Message: "resource " + string(o.Resource) + " is windowed and cannot be freed",
				Entity:  o.Entity,
				Details: map[string]string{"field": "resource"},
			}
		}
		p.free = &charge{o.Entity, o.Resource, o.Amount}
	}
	for _, c := range p.charges {
		if err := e.limiter.Check(c.entity, c.kind, c.amount, now); err != nil {
			return nil, classify(err)
		}
	}

	// Ledger.
	var err error
	switch o := op.(type) {
	case Allocate:
		p.pending, err = e.ledger.ProposeAllocation(o.Entity, o.Amount, now)
	case Transfer:
		p.pending, err = e.ledger.ProposeTransfer(o.From, o.To, o.Amount, now)
	case Decay:
		p.pending, err = e.ledger.ProposeDecay(o.Entity, o.Elapsed, now)
	case Release:
		p.pending, err = e.ledger.ProposeRelease(o.Entity, now)
	case Terminate:
		p.pending = e.ledger.ProposeForfeit(o.Entity, now)
	}
	if err != nil {
		return nil, classify(err)
	}
	return p, nil
}

func mergeCharge(charges []charge, c charge) []charge {
	for i := range charges {
		if charges[i].entity == c.entity && charges[i].kind == c.kind {
			charges[i].amount = limiter.SaturatingAdd(charges[i].amount, c.amount)
			return charges
		}
	}
	return append(charges, c)
}

// commit applies a validated plan. Only the ledger commit can fail, and it
// runs first so a failure leaves the other components untouched.
func (e *Engine) commit(ctx context.Context, op Operation, p *plan, now time.Time) (Receipt, *Violation) {
	var tx *ir.Transaction
	if p.pending != nil {
		committed, err := e.ledger.Commit(p.pending)
		if err != nil {
			v := classify(err)
			if v.Kind != ViolationInternalConsistency {
				v = &Violation{Kind: ViolationInternalConsistency, Message: err.Error(), cause: err}
			}
			if v.Entity == "" {
				v.Entity = op.Actor()
			}
			e.terminate(ctx, v, now)
			return Receipt{}, v
		}
		tx = &committed
	}
	if p.event != nil {
		e.graph.Append(*p.event)
	}
	for _, c := range p.charges {
		e.limiter.Increment(c.entity, c.kind, c.amount, now)
	}
	if p.free != nil {
		// Validated above: the kind exists and is a standing quota.
		_ = e.limiter.Decrement(p.free.entity, p.free.kind, p.free.amount)
	}
	switch {
	case p.grant:
		// ValidateGrant passed under the same lock.
		_ = e.registry.Grant(p.target, p.cap)
	case p.revoke:
		e.registry.Revoke(p.target, p.cap)
	}
	if p.terminal != "" {
		e.markTerminated(p.terminal)
	}

	rec := e.appendAudit(ctx, Encode(op), op.Actor(), tx, p.event, "", now)

	receipt := Receipt{
		Seq:          rec.Seq,
		Kind:         op.Kind(),
		Balances:     make(map[ir.EntityID]ir.Energy),
		BalancesHash: rec.BalancesHash,
		Timestamp:    now,
	}
	if tx != nil {
		receipt.TxID = tx.ID
	}
	if p.event != nil {
		receipt.EventID = p.event.ID
	}
	for _, id := range op.Entities() {
		receipt.Balances[id] = e.ledger.Balance(id)
	}
	return receipt, nil
}

// terminate applies the fatal-violation policy to v.Entity: its balance is
// forfeited, its capabilities and counters dropped, and the termination is
// audited with v.Kind as the cause. The caller holds every component lock.
func (e *Engine) terminate(ctx context.Context, v *Violation, now time.Time) {
	id := v.Entity
	if id == "" {
		return
	}
	committed, err := e.ledger.Commit(e.ledger.ProposeForfeit(id, now))
	var tx *ir.Transaction
	if err != nil {
		e.log.Error("forfeit failed", "entity", id, "error", err, "event", "forfeit_failed")
	} else {
		tx = &committed
	}
	e.markTerminated(id)

	op := Terminate{By: id, Entity: id, Reason: string(v.Kind)}
	e.appendAudit(ctx, Encode(op), id, tx, nil, v.Kind, now)
}

func (e *Engine) markTerminated(id ir.EntityID) {
	e.registry.Forfeit(id)
	e.limiter.Forfeit(id)
	e.termMu.Lock()
	e.terminated[id] = true
	e.termMu.Unlock()
}

func (e *Engine) appendAudit(ctx context.Context, op OperationRecord, actor ir.EntityID, tx *ir.Transaction, ev *ir.Event, cause ViolationKind, now time.Time) AuditRecord {
	rec := AuditRecord{
		Kind:        op.Op,
		Actor:       actor,
		Operation:   op,
		Digest:      op.Digest(),
		Transaction: tx,
		Event:       cloneEvent(ev),
		Cause:       cause,
		Timestamp:   now,
	}
	if tx != nil {
		rec.BalancesHash = tx.BalancesHash
	} else {
		rec.BalancesHash = ir.MustBalancesHash(e.ledger.Balances())
	}

	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	rec.Seq = e.clock.Next()
	e.audit = append(e.audit, rec)
	for _, s := range e.sinks {
		if err := s.WriteAudit(ctx, rec.Clone()); err != nil {
			e.log.Error("audit sink write failed", "seq", rec.Seq, "error", err, "event", "sink_failed")
		}
	}
	return rec
}

func (e *Engine) notify(o Outcome) {
	if len(e.observers) == 0 {
		return
	}
	e.ledgerMu.RLock()
	o.Allocated = e.ledger.Allocated()
	o.Total = e.ledger.Total()
	o.Entities = len(e.ledger.Balances())
	e.ledgerMu.RUnlock()
	for _, obs := range e.observers {
		obs.ObserveOutcome(o)
	}
}

// lockEntities locks the stripes for ids in index order and returns the
// unlock function.
func (e *Engine) lockEntities(ids []ir.EntityID) func() {
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		h := fnv.New32a()
		h.Write([]byte(id))
		idx = append(idx, int(h.Sum32()%stripeCount))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		e.stripes[i].Lock()
	}
	return func() {
		for i := len(idx) - 1; i >= 0; i-- {
			e.stripes[idx[i]].Unlock()
		}
	}
}

// lockComponents takes the component locks for an operation in the global
// order and returns the unlock function.
//
// Operations that may touch the ledger or the graph take every lock
// exclusively. The rest take the registry (exclusively for grant and revoke),
// the limiter exclusively and the ledger shared, for the receipt.
func (e *Engine) lockComponents(full bool, kind OpKind) func() {
	if full {
		e.registryMu.Lock()
		e.graphMu.Lock()
		e.limiterMu.Lock()
		e.ledgerMu.Lock()
		return func() {
			e.ledgerMu.Unlock()
			e.limiterMu.Unlock()
			e.graphMu.Unlock()
			e.registryMu.Unlock()
		}
	}
	writeRegistry := kind == OpGrantCapability || kind == OpRevokeCapability
	if writeRegistry {
		e.registryMu.Lock()
	} else {
		e.registryMu.RLock()
	}
	e.limiterMu.Lock()
	e.ledgerMu.RLock()
	return func() {
		e.ledgerMu.RUnlock()
		e.limiterMu.Unlock()
		if writeRegistry {
			e.registryMu.Unlock()
		} else {
			e.registryMu.RUnlock()
		}
	}
}
