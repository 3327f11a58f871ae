package causality

import (
	"errors"
	"fmt"
	"time"
)

// UnknownParentError is returned when a parent id is not in the graph.
type UnknownParentError struct {
	EventID  string
	ParentID string
}

func (e *UnknownParentError) Error() string {
	return fmt.Sprintf("event %s references unknown parent %s", e.EventID, e.ParentID)
}

// TemporalError is returned when an event predates one of its parents.
type TemporalError struct {
	EventID         string
	ParentID        string
	Timestamp       time.Time
	ParentTimestamp time.Time
}

func (e *TemporalError) Error() string {
	return fmt.Sprintf("event %s at %s precedes parent %s at %s",
		e.EventID, e.Timestamp.Format(time.RFC3339Nano),
		e.ParentID, e.ParentTimestamp.Format(time.RFC3339Nano))
}

// SelfCausationError is returned when an event would be its own ancestor.
// Path is the chain from the event back to itself.
type SelfCausationError struct {
	EventID string
	Path    []string
}

func (e *SelfCausationError) Error() string {
	if len(e.Path) <= 2 {
		return fmt.Sprintf("event %s lists itself as a parent", e.EventID)
	}
	return fmt.Sprintf("event %s is its own ancestor via %v", e.EventID, e.Path)
}

// DuplicateEventError is returned when an event id is already accepted.
type DuplicateEventError struct {
	EventID string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("event %s already recorded", e.EventID)
}

// IsSelfCausationError reports whether err is a SelfCausationError.
func IsSelfCausationError(err error) bool {
	var se *SelfCausationError
	return errors.As(err, &se)
}

// IsUnknownParentError reports whether err is an UnknownParentError.
func IsUnknownParentError(err error) bool {
	var ue *UnknownParentError
	return errors.As(err, &ue)
}

// IsTemporalError reports whether err is a TemporalError.
func IsTemporalError(err error) bool {
	var te *TemporalError
	return errors.As(err, &te)
}
