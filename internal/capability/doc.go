// Package capability is the security boundary: which entity may perform
// which gated action.
//
// A capability is granted to an entity, checked on every gated operation and
// may be revoked. Revocation is permanent: the (entity, capability) pair is
// tombstoned and can never be granted again.
//
// Registry is not safe for concurrent use. The engine serializes access.
package capability
