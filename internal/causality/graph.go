package causality

import (
	"errors"
	"slices"

	"github.com/roach88/conserve/internal/ir"
)

// Graph is the append-only set of accepted events.
type Graph struct {
	events map[string]ir.Event
	order  []string
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{events: make(map[string]ir.Event)}
}

// Validate checks ev against the current graph without modifying it.
//
// Checks run in a fixed order: self-causation (direct, then through known
// ancestors), unknown parents, duplicate id, then timestamps.
func (g *Graph) Validate(ev ir.Event) error {
	if ev.ID == "" {
		return errors.New("causality: event id is required")
	}
	if slices.Contains(ev.ParentIDs, ev.ID) {
		return &SelfCausationError{EventID: ev.ID, Path: []string{ev.ID, ev.ID}}
	}
	if path := g.pathTo(ev.ParentIDs, ev.ID); path != nil {
		return &SelfCausationError{EventID: ev.ID, Path: append([]string{ev.ID}, path...)}
	}
	for _, pid := range ev.ParentIDs {
		if _, ok := g.events[pid]; !ok {
			return &UnknownParentError{EventID: ev.ID, ParentID: pid}
		}
	}
	if _, ok := g.events[ev.ID]; ok {
		return &DuplicateEventError{EventID: ev.ID}
	}
	for _, pid := range ev.ParentIDs {
		parent := g.events[pid]
		if ev.Timestamp.Before(parent.Timestamp) {
			return &TemporalError{
				EventID:         ev.ID,
				ParentID:        pid,
				Timestamp:       ev.Timestamp,
				ParentTimestamp: parent.Timestamp,
			}
		}
	}
	return nil
}

// Append adds a validated event. Callers must call Validate first under the
// same lock.
func (g *Graph) Append(ev ir.Event) {
	g.events[ev.ID] = ev.Clone()
	g.order = append(g.order, ev.ID)
}

// ValidateAndAppend validates ev and appends it on success.
func (g *Graph) ValidateAndAppend(ev ir.Event) error {
	if err := g.Validate(ev); err != nil {
		return err
	}
	g.Append(ev)
	return nil
}

// pathTo searches the known ancestry of roots for target and returns the
// parent chain leading to it, or nil.
func (g *Graph) pathTo(roots []string, target string) []string {
	type step struct {
		id   string
		prev *step
	}
	seen := make(map[string]bool)
	queue := make([]*step, 0, len(roots))
	for _, r := range roots {
		if !seen[r] {
			seen[r] = true
			queue = append(queue, &step{id: r})
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.id == target {
			var path []string
			for s := cur; s != nil; s = s.prev {
				path = append(path, s.id)
			}
			slices.Reverse(path)
			return path
		}
		ev, ok := g.events[cur.id]
		if !ok {
			continue
		}
		for _, pid := range ev.ParentIDs {
			if !seen[pid] {
				seen[pid] = true
				queue = append(queue, &step{id: pid, prev: cur})
			}
		}
	}
	return nil
}

// Get returns an accepted event by id.
func (g *Graph) Get(id string) (ir.Event, bool) {
	ev, ok := g.events[id]
	if !ok {
		return ir.Event{}, false
	}
	return ev.Clone(), true
}

// Len returns the number of accepted events.
func (g *Graph) Len() int { return len(g.order) }

// Events returns accepted events in insertion order.
func (g *Graph) Events() []ir.Event {
	out := make([]ir.Event, len(g.order))
	for i, id := range g.order {
		out[i] = g.events[id].Clone()
	}
	return out
}

// Ancestors returns the ids of every transitive parent of id, sorted.
func (g *Graph) Ancestors(id string) []string {
	ev, ok := g.events[id]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	stack := append([]string(nil), ev.ParentIDs...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.events[cur].ParentIDs...)
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}
