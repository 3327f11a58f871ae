package engine

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/conserve/internal/capability"
	"github.com/roach88/conserve/internal/causality"
	"github.com/roach88/conserve/internal/ir"
	"github.com/roach88/conserve/internal/ledger"
	"github.com/roach88/conserve/internal/limiter"
)

// ViolationKind categorizes a rejected operation.
type ViolationKind string

const (
	// ViolationPoolExhausted: an allocation exceeds the free pool.
	ViolationPoolExhausted ViolationKind = "PoolExhausted"

	// ViolationInsufficientBalance: a transfer exceeds the source balance.
	ViolationInsufficientBalance ViolationKind = "InsufficientBalance"

	// ViolationRateExceeded: a transfer exceeds the sliding-window limit.
	ViolationRateExceeded ViolationKind = "RateExceeded"

	// ViolationCapabilityDenied: the actor lacks a required capability.
	ViolationCapabilityDenied ViolationKind = "CapabilityDenied"

	// ViolationAlreadyRevoked: the capability was revoked from the entity before.
	ViolationAlreadyRevoked ViolationKind = "AlreadyRevoked"

	// ViolationUnknownParent: an event references a parent not in the graph.
	ViolationUnknownParent ViolationKind = "UnknownParent"

	// ViolationTemporal: an event predates one of its parents.
	ViolationTemporal ViolationKind = "TemporalViolation"

	// ViolationSelfCausation: an event would be its own ancestor. Fatal.
	ViolationSelfCausation ViolationKind = "SelfCausation"

	// ViolationLimitExceeded: a resource counter would pass its ceiling.
	ViolationLimitExceeded ViolationKind = "LimitExceeded"

	// ViolationInternalConsistency: the conservation check failed after a
	// commit. Fatal.
	ViolationInternalConsistency ViolationKind = "InternalConsistencyFailure"

	// ViolationDuplicateEvent: the event id was already recorded.
	ViolationDuplicateEvent ViolationKind = "DuplicateEvent"

	// ViolationEntityTerminated: the operation involves a terminated entity.
	ViolationEntityTerminated ViolationKind = "EntityTerminated"

	// ViolationInvalidOperation: the operation is malformed.
	ViolationInvalidOperation ViolationKind = "InvalidOperation"
)

// ViolationKinds lists every kind, used to pre-register metric labels.
var ViolationKinds = []ViolationKind{
	ViolationPoolExhausted, ViolationInsufficientBalance, ViolationRateExceeded,
	ViolationCapabilityDenied, ViolationAlreadyRevoked, ViolationUnknownParent,
	ViolationTemporal, ViolationSelfCausation, ViolationLimitExceeded,
	ViolationInternalConsistency, ViolationDuplicateEvent,
	ViolationEntityTerminated, ViolationInvalidOperation,
}

// Violation is the structured rejection returned by Execute.
//
// Details carries the offending amounts and ids so a caller can decide
// whether to retry with adjusted parameters.
type Violation struct {
	Kind    ViolationKind
	Message string

	// Entity is the entity the violation is attributed to. For fatal
	// violations this is the entity that was terminated.
	Entity ir.EntityID

	Details map[string]string

	cause error
}

// Error implements the error interface.
func (v *Violation) Error() string {
	if v.Entity != "" {
		return fmt.Sprintf("%s: %s (entity=%s)", v.Kind, v.Message, v.Entity)
	}
	return fmt.Sprintf("%s: %s", v.Kind, v.Message)
}

// Unwrap returns the component error the violation was classified from.
func (v *Violation) Unwrap() error { return v.cause }

// IsFatal reports whether the violation terminated the offending entity.
func (v *Violation) IsFatal() bool {
	return v.Kind == ViolationSelfCausation || v.Kind == ViolationInternalConsistency
}

// AsViolation extracts a Violation from err.
// Uses errors.As to handle wrapped errors.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// IsViolation reports whether err is a Violation of the given kind.
func IsViolation(err error, kind ViolationKind) bool {
	v, ok := AsViolation(err)
	return ok && v.Kind == kind
}

// IsFatal reports whether err is a fatal Violation.
func IsFatal(err error) bool {
	v, ok := AsViolation(err)
	return ok && v.IsFatal()
}

func invalidOperation(err error) *Violation {
	v := &Violation{Kind: ViolationInvalidOperation, Message: err.Error(), cause: err}
	var fe *fieldError
	if errors.As(err, &fe) {
		v.Details = map[string]string{"field": fe.field}
	}
	return v
}

func terminated(id ir.EntityID) *Violation {
	return &Violation{
		Kind:    ViolationEntityTerminated,
		Message: "entity has been terminated",
		Entity:  id,
	}
}

// classify maps a component error to a Violation. Errors no component
// declares are reported as InvalidOperation rather than dropped.
func classify(err error) *Violation {
	var (
		poolErr  *ledger.PoolExhaustedError
		balErr   *ledger.InsufficientBalanceError
		rateErr  *ledger.RateExceededError
		amtErr   *ledger.InvalidAmountError
		consErr  *ledger.ConsistencyError
		denied   *capability.DeniedError
		revoked  *capability.AlreadyRevokedError
		unknown  *causality.UnknownParentError
		temporal *causality.TemporalError
		cycle    *causality.SelfCausationError
		dup      *causality.DuplicateEventError
		limitErr *limiter.LimitExceededError
		kindErr  *limiter.UnknownKindError
	)
	v := &Violation{Message: err.Error(), cause: err}
	switch {
	case errors.As(err, &poolErr):
		v.Kind, v.Entity = ViolationPoolExhausted, poolErr.Entity
		v.Details = map[string]string{
			"requested": poolErr.Requested.String(),
			"available": poolErr.Available.String(),
		}
	case errors.As(err, &balErr):
		v.Kind, v.Entity = ViolationInsufficientBalance, balErr.Entity
		v.Details = map[string]string{
			"requested": balErr.Requested.String(),
			"available": balErr.Available.String(),
		}
	case errors.As(err, &rateErr):
		v.Kind, v.Entity = ViolationRateExceeded, rateErr.Entity
		v.Details = map[string]string{
			"requested": rateErr.Requested.String(),
			"used":      rateErr.Used.String(),
			"limit":     rateErr.Limit.String(),
			"window":    rateErr.Window.String(),
		}
	case errors.As(err, &amtErr):
		v.Kind = ViolationInvalidOperation
		v.Details = map[string]string{"field": amtErr.Field}
	case errors.As(err, &consErr):
		v.Kind, v.Entity = ViolationInternalConsistency, consErr.Entity
		v.Details = map[string]string{
			"tx_id":     consErr.TxID,
			"allocated": consErr.Allocated.String(),
			"total":     consErr.Total.String(),
			"reason":    consErr.Reason,
		}
	case errors.As(err, &denied):
		v.Kind, v.Entity = ViolationCapabilityDenied, denied.Entity
		v.Details = map[string]string{"capability": string(denied.Capability)}
	case errors.As(err, &revoked):
		v.Kind, v.Entity = ViolationAlreadyRevoked, revoked.Entity
		v.Details = map[string]string{"capability": string(revoked.Capability)}
	case errors.As(err, &unknown):
		v.Kind = ViolationUnknownParent
		v.Details = map[string]string{"event_id": unknown.EventID, "parent_id": unknown.ParentID}
	case errors.As(err, &temporal):
		v.Kind = ViolationTemporal
		v.Details = map[string]string{"event_id": temporal.EventID, "parent_id": temporal.ParentID}
	case errors.As(err, &cycle):
		v.Kind = ViolationSelfCausation
		v.Details = map[string]string{"event_id": cycle.EventID}
	case errors.As(err, &dup):
		v.Kind = ViolationDuplicateEvent
		v.Details = map[string]string{"event_id": dup.EventID}
	case errors.As(err, &limitErr):
		v.Kind, v.Entity = ViolationLimitExceeded, limitErr.Entity
		v.Details = map[string]string{
			"kind":      string(limitErr.Kind),
			"limit":     strconv.FormatInt(limitErr.Limit, 10),
			"attempted": strconv.FormatInt(limitErr.Attempted, 10),
		}
	case errors.As(err, &kindErr):
		v.Kind = ViolationInvalidOperation
		v.Details = map[string]string{"field": "resource", "kind": string(kindErr.Kind)}
	default:
		v.Kind = ViolationInvalidOperation
	}
	return v
}
