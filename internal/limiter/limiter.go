// Package limiter enforces per-entity resource ceilings.
//
// Each (entity, kind) pair has a counter with a ceiling and a window. Windowed
// counters reset lazily on access once the window has elapsed; a zero window
// is a standing quota (concurrent operations, memory) that only Decrement
// lowers.
//
// Limiter is not safe for concurrent use. The engine serializes access.
package limiter

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/roach88/conserve/internal/ir"
)

// Limit is the ceiling and reset window for one resource kind.
type Limit struct {
	Ceiling int64
	Window  time.Duration
}

type key struct {
	entity ir.EntityID
	kind   ir.ResourceKind
}

type counter struct {
	count       int64
	windowStart time.Time
}

// Limiter tracks resource counters.
type Limiter struct {
	limits   map[ir.ResourceKind]Limit
	counters map[key]*counter
}

// New creates a Limiter for the configured kinds.
func New(limits map[ir.ResourceKind]Limit) *Limiter {
	l := &Limiter{
		limits:   make(map[ir.ResourceKind]Limit, len(limits)),
		counters: make(map[key]*counter),
	}
	for k, v := range limits {
		l.limits[k] = v
	}
	return l
}

// Configured reports whether kind has a limit.
func (l *Limiter) Configured(kind ir.ResourceKind) bool {
	_, ok := l.limits[kind]
	return ok
}

// Kinds returns the configured kinds in sorted order.
func (l *Limiter) Kinds() []ir.ResourceKind {
	out := make([]ir.ResourceKind, 0, len(l.limits))
	for k := range l.limits {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Limit returns the configuration for kind.
func (l *Limiter) Limit(kind ir.ResourceKind) (Limit, bool) {
	lim, ok := l.limits[kind]
	return lim, ok
}

// current returns the effective count, treating an elapsed window as reset.
func (l *Limiter) current(k key, lim Limit, now time.Time) int64 {
	c := l.counters[k]
	if c == nil {
		return 0
	}
	if lim.Window > 0 && !now.Before(c.windowStart.Add(lim.Window)) {
		return 0
	}
	return c.count
}

// Usage returns the current count for (entity, kind).
func (l *Limiter) Usage(entity ir.EntityID, kind ir.ResourceKind, now time.Time) int64 {
	lim, ok := l.limits[kind]
	if !ok {
		return 0
	}
	return l.current(key{entity, kind}, lim, now)
}

// Check validates adding amount to (entity, kind) without mutating.
func (l *Limiter) Check(entity ir.EntityID, kind ir.ResourceKind, amount int64, now time.Time) error {
	lim, ok := l.limits[kind]
	if !ok {
		return &UnknownKindError{Kind: kind}
	}
	if amount <= 0 {
		return fmt.Errorf("limiter: amount must be positive, got %d", amount)
	}
	current := l.current(key{entity, kind}, lim, now)
	if amount > lim.Ceiling-current {
		return &LimitExceededError{
			Entity:    entity,
			Kind:      kind,
			Limit:     lim.Ceiling,
			Attempted: SaturatingAdd(current, amount),
		}
	}
	return nil
}

// SaturatingAdd returns a+b for non-negative operands, clamped at
// math.MaxInt64.
func SaturatingAdd(a, b int64) int64 {
	if b > math.MaxInt64-a {
		return math.MaxInt64
	}
	return a + b
}

// Increment adds amount to (entity, kind), resetting an elapsed window
// first. Callers must Check first under the same lock.
func (l *Limiter) Increment(entity ir.EntityID, kind ir.ResourceKind, amount int64, now time.Time) {
	lim := l.limits[kind]
	k := key{entity, kind}
	c := l.counters[k]
	if c == nil {
		c = &counter{windowStart: now}
		l.counters[k] = c
	}
	if lim.Window > 0 && !now.Before(c.windowStart.Add(lim.Window)) {
		c.count = 0
		c.windowStart = now
	}
	c.count += amount
}

// CheckAndIncrement is Check followed by Increment.
func (l *Limiter) CheckAndIncrement(entity ir.EntityID, kind ir.ResourceKind, amount int64, now time.Time) error {
	if err := l.Check(entity, kind, amount, now); err != nil {
		return err
	}
	l.Increment(entity, kind, amount, now)
	return nil
}

// Decrement releases amount from a standing quota, floored at zero.
func (l *Limiter) Decrement(entity ir.EntityID, kind ir.ResourceKind, amount int64) error {
	lim, ok := l.limits[kind]
	if !ok {
		return &UnknownKindError{Kind: kind}
	}
	if lim.Window > 0 {
		return fmt.Errorf("limiter: %s is windowed and cannot be freed", kind)
	}
	if amount <= 0 {
		return fmt.Errorf("limiter: amount must be positive, got %d", amount)
	}
	if c := l.counters[key{entity, kind}]; c != nil {
		c.count = max(c.count-amount, 0)
	}
	return nil
}

// Forfeit drops every counter for entity.
func (l *Limiter) Forfeit(entity ir.EntityID) {
	for k := range l.counters {
		if k.entity == entity {
			delete(l.counters, k)
		}
	}
}

// Snapshot returns non-zero usage per entity and kind at now.
func (l *Limiter) Snapshot(now time.Time) map[ir.EntityID]map[ir.ResourceKind]int64 {
	out := make(map[ir.EntityID]map[ir.ResourceKind]int64)
	for k := range l.counters {
		n := l.current(k, l.limits[k.kind], now)
		if n == 0 {
			continue
		}
		if out[k.entity] == nil {
			out[k.entity] = make(map[ir.ResourceKind]int64)
		}
		out[k.entity][k.kind] = n
	}
	return out
}

// LimitExceededError is returned when an increment would pass the ceiling.
type LimitExceededError struct {
	Entity    ir.EntityID
	Kind      ir.ResourceKind
	Limit     int64
	Attempted int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s exceeded %s limit: %d > %d", e.Entity, e.Kind, e.Attempted, e.Limit)
}

// UnknownKindError is returned for resource kinds with no configured limit.
type UnknownKindError struct {
	Kind ir.ResourceKind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown resource kind %q", e.Kind)
}

// IsLimitExceededError reports whether err is a LimitExceededError.
// Uses errors.As to handle wrapped errors.
func IsLimitExceededError(err error) bool {
	var le *LimitExceededError
	return errors.As(err, &le)
}
