package capability

import (
	"slices"

	"github.com/roach88/conserve/internal/ir"
)

// DefaultAdmin is the capability that authorizes grant and revoke on other
// entities.
const DefaultAdmin ir.Capability = "capability-admin"

// Option configures a Registry.
type Option func(*Registry)

// WithAdmin sets the admin capability name.
func WithAdmin(c ir.Capability) Option {
	return func(r *Registry) {
		if c != "" {
			r.admin = c
		}
	}
}

// WithAdminOnly marks capabilities that require the admin capability even
// for self-grants.
func WithAdminOnly(caps ...ir.Capability) Option {
	return func(r *Registry) {
		for _, c := range caps {
			r.adminOnly[c] = true
		}
	}
}

type pair struct {
	entity ir.EntityID
	cap    ir.Capability
}

// Registry holds granted capabilities and the permanent revocation set.
type Registry struct {
	admin     ir.Capability
	adminOnly map[ir.Capability]bool
	granted   map[ir.EntityID]map[ir.Capability]bool
	revoked   map[pair]bool
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		admin:     DefaultAdmin,
		adminOnly: make(map[ir.Capability]bool),
		granted:   make(map[ir.EntityID]map[ir.Capability]bool),
		revoked:   make(map[pair]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.adminOnly[r.admin] = true
	return r
}

// Admin returns the admin capability name.
func (r *Registry) Admin() ir.Capability { return r.admin }

// Check reports whether entity currently holds c.
func (r *Registry) Check(entity ir.EntityID, c ir.Capability) bool {
	return r.granted[entity][c]
}

// IsRevoked reports whether (entity, c) carries a tombstone.
func (r *Registry) IsRevoked(entity ir.EntityID, c ir.Capability) bool {
	return r.revoked[pair{entity, c}]
}

// Require returns a DeniedError unless entity holds c.
func (r *Registry) Require(entity ir.EntityID, c ir.Capability) error {
	if !r.Check(entity, c) {
		return &DeniedError{Entity: entity, Capability: c}
	}
	return nil
}

// Authorize checks whether actor may grant or revoke c on target.
//
// An actor may manage its own capabilities, except admin-only ones.
// Managing another entity, or any admin-only capability, requires the admin
// capability, checked through Check like any other.
func (r *Registry) Authorize(actor, target ir.EntityID, c ir.Capability) error {
	if actor == target && !r.adminOnly[c] {
		return nil
	}
	if r.Check(actor, r.admin) {
		return nil
	}
	reason := "managing another entity requires " + string(r.admin)
	if actor == target {
		reason = string(c) + " is admin-only"
	}
	return &DeniedError{Entity: actor, Capability: r.admin, Reason: reason}
}

// ValidateGrant is the pure half of Grant.
func (r *Registry) ValidateGrant(entity ir.EntityID, c ir.Capability) error {
	if r.revoked[pair{entity, c}] {
		return &AlreadyRevokedError{Entity: entity, Capability: c}
	}
	return nil
}

// Grant gives c to entity. Granting a held capability is a no-op.
func (r *Registry) Grant(entity ir.EntityID, c ir.Capability) error {
	if err := r.ValidateGrant(entity, c); err != nil {
		return err
	}
	set := r.granted[entity]
	if set == nil {
		set = make(map[ir.Capability]bool)
		r.granted[entity] = set
	}
	set[c] = true
	return nil
}

// Revoke removes c from entity and tombstones the pair. Revoking a capability
// that was never granted still tombstones it.
func (r *Registry) Revoke(entity ir.EntityID, c ir.Capability) {
	if set := r.granted[entity]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(r.granted, entity)
		}
	}
	r.revoked[pair{entity, c}] = true
}

// Forfeit drops every capability entity holds. Tombstones are kept.
func (r *Registry) Forfeit(entity ir.EntityID) {
	delete(r.granted, entity)
}

// Holds returns entity's capabilities in sorted order.
func (r *Registry) Holds(entity ir.EntityID) []ir.Capability {
	set := r.granted[entity]
	out := make([]ir.Capability, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Revoked returns entity's tombstoned capabilities in sorted order.
func (r *Registry) Revoked(entity ir.EntityID) []ir.Capability {
	var out []ir.Capability
	for p := range r.revoked {
		if p.entity == entity {
			out = append(out, p.cap)
		}
	}
	slices.Sort(out)
	return out
}

// Snapshot returns a copy of the granted sets keyed by entity.
func (r *Registry) Snapshot() map[ir.EntityID][]ir.Capability {
	out := make(map[ir.EntityID][]ir.Capability, len(r.granted))
	for id := range r.granted {
		out[id] = r.Holds(id)
	}
	return out
}

// RevokedSnapshot returns a copy of the tombstone set keyed by entity.
func (r *Registry) RevokedSnapshot() map[ir.EntityID][]ir.Capability {
	out := make(map[ir.EntityID][]ir.Capability)
	for p := range r.revoked {
		out[p.entity] = append(out[p.entity], p.cap)
	}
	for id := range out {
		slices.Sort(out[id])
	}
	return out
}
