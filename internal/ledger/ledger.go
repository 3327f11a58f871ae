package ledger

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/conserve/internal/ir"
)

// Config holds the static conservation parameters.
type Config struct {
	// Total is the fixed size of the pool.
	Total ir.Energy

	// DecayRate is the amount an idle entity loses per second.
	DecayRate ir.Energy

	// MaxTransfer is the most an entity may transfer out within TransferWindow.
	// Zero disables the rate check.
	MaxTransfer    ir.Energy
	TransferWindow time.Duration

	// DormancyThreshold marks funded entities below it as dormant in State.
	DormancyThreshold ir.Energy
}

// DefaultConfig returns a pool of 1.0 with 1% decay per second and a transfer
// limit of one full pool per second.
func DefaultConfig() Config {
	return Config{
		Total:             ir.EnergyFromFloat(1.0),
		DecayRate:         ir.EnergyFromFloat(0.01),
		MaxTransfer:       ir.EnergyFromFloat(1.0),
		TransferWindow:    time.Second,
		DormancyThreshold: ir.EnergyFromFloat(0.05),
	}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDFunc overrides transaction id generation (tests use fixed ids).
func WithIDFunc(fn func() string) Option {
	return func(l *Ledger) {
		l.newID = fn
	}
}

type delta struct {
	entity ir.EntityID
	amount ir.Energy
}

type transferMark struct {
	at     time.Time
	amount ir.Energy
}

// Pending is a validated, not yet applied, ledger mutation.
// It is only valid against the ledger version it was proposed on.
type Pending struct {
	id      string
	kind    ir.TxKind
	version uint64
	at      time.Time
	deltas  []delta

	// rate is set for transfers so the commit can record the window mark.
	rate *transferMark
	from ir.EntityID
}

// ID returns the transaction id the commit will carry.
func (p *Pending) ID() string { return p.id }

// Kind returns the transaction kind.
func (p *Pending) Kind() ir.TxKind { return p.kind }

// Amount returns the absolute energy moved by the descriptor.
func (p *Pending) Amount() ir.Energy {
	var moved ir.Energy
	for _, d := range p.deltas {
		if d.amount < 0 {
			moved -= d.amount
		}
	}
	if moved == 0 {
		for _, d := range p.deltas {
			moved += d.amount
		}
	}
	return moved
}

// Ledger owns the pool and every balance.
type Ledger struct {
	cfg      Config
	balances map[ir.EntityID]ir.Energy
	active   map[ir.EntityID]time.Time // last activity or decay mark
	windows  map[ir.EntityID][]transferMark
	txlog    []ir.Transaction
	applied  map[string]bool
	version  uint64
	newID    func() string
}

// New creates a Ledger with an empty pool of cfg.Total.
func New(cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		cfg:      cfg,
		balances: make(map[ir.EntityID]ir.Energy),
		active:   make(map[ir.EntityID]time.Time),
		windows:  make(map[ir.EntityID][]transferMark),
		applied:  make(map[string]bool),
		newID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the ledger's static configuration.
func (l *Ledger) Config() Config { return l.cfg }

// Total returns the pool size.
func (l *Ledger) Total() ir.Energy { return l.cfg.Total }

// Allocated returns sum(balances).
func (l *Ledger) Allocated() ir.Energy {
	var sum ir.Energy
	for _, b := range l.balances {
		sum += b
	}
	return sum
}

// Free returns the unallocated remainder of the pool.
func (l *Ledger) Free() ir.Energy {
	return l.cfg.Total - l.Allocated()
}

// Balance returns an entity's balance (zero if never funded).
func (l *Ledger) Balance(entity ir.EntityID) ir.Energy {
	return l.balances[entity]
}

// Balances returns a copy of the balance table.
func (l *Ledger) Balances() map[ir.EntityID]ir.Energy {
	out := make(map[ir.EntityID]ir.Energy, len(l.balances))
	for id, b := range l.balances {
		out[id] = b
	}
	return out
}

// Transactions returns a copy of the append-only transaction log.
func (l *Ledger) Transactions() []ir.Transaction {
	out := make([]ir.Transaction, len(l.txlog))
	for i, tx := range l.txlog {
		out[i] = tx.Clone()
	}
	return out
}

// Version returns the number of committed transactions.
func (l *Ledger) Version() uint64 { return l.version }

func (l *Ledger) pending(kind ir.TxKind, now time.Time, deltas ...delta) *Pending {
	return &Pending{
		id:      l.newID(),
		kind:    kind,
		version: l.version,
		at:      now,
		deltas:  deltas,
	}
}

// ProposeAllocation validates granting amount from the free pool to entity.
func (l *Ledger) ProposeAllocation(entity ir.EntityID, amount ir.Energy, now time.Time) (*Pending, error) {
	if amount <= 0 {
		return nil, &InvalidAmountError{Field: "amount", Amount: amount}
	}
	if free := l.Free(); amount > free {
		return nil, &PoolExhaustedError{Entity: entity, Requested: amount, Available: free}
	}
	return l.pending(ir.TxAllocate, now, delta{entity: entity, amount: amount}), nil
}

// ProposeTransfer validates moving amount from one entity to another.
func (l *Ledger) ProposeTransfer(from, to ir.EntityID, amount ir.Energy, now time.Time) (*Pending, error) {
	if amount <= 0 {
		return nil, &InvalidAmountError{Field: "amount", Amount: amount}
	}
	if from == to {
		return nil, fmt.Errorf("ledger: transfer from %s to itself", from)
	}
	if bal := l.balances[from]; amount > bal {
		return nil, &InsufficientBalanceError{Entity: from, Requested: amount, Available: bal}
	}
	if l.cfg.MaxTransfer > 0 {
		used := l.windowUsage(from, now)
		if used+amount > l.cfg.MaxTransfer {
			return nil, &RateExceededError{
				Entity:    from,
				Requested: amount,
				Used:      used,
				Limit:     l.cfg.MaxTransfer,
				Window:    l.cfg.TransferWindow,
			}
		}
	}
	p := l.pending(ir.TxTransfer, now,
		delta{entity: from, amount: -amount},
		delta{entity: to, amount: amount},
	)
	p.rate = &transferMark{at: now, amount: amount}
	p.from = from
	return p, nil
}

// ProposeDecay validates decaying an idle entity by DecayRate*elapsed,
// floored at zero.
//
// elapsed == 0 computes the idle time lazily from the entity's last activity
// or decay mark. An entity with no mark decays by nothing.
func (l *Ledger) ProposeDecay(entity ir.EntityID, elapsed time.Duration, now time.Time) (*Pending, error) {
	if elapsed < 0 {
		return nil, fmt.Errorf("ledger: negative elapsed %s", elapsed)
	}
	if elapsed == 0 {
		if mark, ok := l.active[entity]; ok && now.After(mark) {
			elapsed = now.Sub(mark)
		}
	}
	amount := ir.RateOver(l.cfg.DecayRate, elapsed)
	if bal := l.balances[entity]; amount > bal {
		amount = bal
	}
	return l.pending(ir.TxDecay, now, delta{entity: entity, amount: -amount}), nil
}

// ProposeRelease validates returning an entity's whole balance to the pool.
func (l *Ledger) ProposeRelease(entity ir.EntityID, now time.Time) (*Pending, error) {
	return l.pending(ir.TxRelease, now, delta{entity: entity, amount: -l.balances[entity]}), nil
}

// ProposeForfeit is a release recorded as a termination.
func (l *Ledger) ProposeForfeit(entity ir.EntityID, now time.Time) *Pending {
	return l.pending(ir.TxTerminate, now, delta{entity: entity, amount: -l.balances[entity]})
}

// windowUsage sums the entity's transfers inside (now-window, now].
// It never mutates; stale marks are pruned on commit.
func (l *Ledger) windowUsage(entity ir.EntityID, now time.Time) ir.Energy {
	var used ir.Energy
	cutoff := now.Add(-l.cfg.TransferWindow)
	for _, m := range l.windows[entity] {
		if m.at.After(cutoff) {
			used += m.amount
		}
	}
	return used
}

// Commit applies a pending descriptor and returns the resulting transaction.
//
// Commit rejects stale and double-applied descriptors. After applying it
// recomputes sum(balances); if the invariant fails, the deltas are reverted
// and a ConsistencyError is returned.
func (l *Ledger) Commit(p *Pending) (ir.Transaction, error) {
	if p == nil {
		return ir.Transaction{}, fmt.Errorf("ledger: nil proposal")
	}
	if l.applied[p.id] {
		return ir.Transaction{}, ErrAlreadyCommitted
	}
	if p.version != l.version {
		return ir.Transaction{}, ErrStaleProposal
	}

	prior := make(map[ir.EntityID]ir.Energy, len(p.deltas))
	for _, d := range p.deltas {
		if _, seen := prior[d.entity]; !seen {
			prior[d.entity] = l.balances[d.entity]
		}
	}
	for _, d := range p.deltas {
		l.balances[d.entity] += d.amount
	}

	if err := l.verify(p); err != nil {
		for id, b := range prior {
			l.balances[id] = b
		}
		return ir.Transaction{}, err
	}

	for _, d := range p.deltas {
		switch p.kind {
		case ir.TxRelease, ir.TxTerminate:
			delete(l.active, d.entity)
		default:
			l.active[d.entity] = p.at
		}
		if l.balances[d.entity] == 0 {
			delete(l.balances, d.entity)
		}
	}
	if p.kind == ir.TxTerminate {
		delete(l.windows, p.deltas[0].entity)
	}
	if p.rate != nil {
		l.recordTransfer(p.from, *p.rate)
	}

	l.version++
	l.applied[p.id] = true

	tx := ir.Transaction{
		ID:           p.id,
		Seq:          int64(l.version),
		Kind:         p.kind,
		Participants: make([]ir.EntityID, len(p.deltas)),
		Amounts:      make([]ir.Energy, len(p.deltas)),
		Timestamp:    p.at,
		BalancesHash: ir.MustBalancesHash(l.balances),
	}
	for i, d := range p.deltas {
		tx.Participants[i] = d.entity
		tx.Amounts[i] = d.amount
	}
	l.txlog = append(l.txlog, tx)
	return tx.Clone(), nil
}

// verify is the global invariant check run after every commit.
func (l *Ledger) verify(p *Pending) error {
	for _, d := range p.deltas {
		if l.balances[d.entity] < 0 {
			return &ConsistencyError{
				TxID:      p.id,
				Entity:    d.entity,
				Allocated: l.Allocated(),
				Total:     l.cfg.Total,
				Reason:    "negative balance",
			}
		}
	}
	if allocated := l.Allocated(); allocated > l.cfg.Total {
		return &ConsistencyError{
			TxID:      p.id,
			Entity:    p.deltas[0].entity,
			Allocated: allocated,
			Total:     l.cfg.Total,
			Reason:    "allocated exceeds total",
		}
	}
	return nil
}

func (l *Ledger) recordTransfer(entity ir.EntityID, mark transferMark) {
	cutoff := mark.at.Add(-l.cfg.TransferWindow)
	kept := l.windows[entity][:0]
	for _, m := range l.windows[entity] {
		if m.at.After(cutoff) {
			kept = append(kept, m)
		}
	}
	l.windows[entity] = append(kept, mark)
}

func sortEntities(ids []ir.EntityID) {
	slices.Sort(ids)
}
