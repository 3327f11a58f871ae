package capability

import (
	"errors"
	"fmt"

	"github.com/roach88/conserve/internal/ir"
)

// DeniedError is returned when an entity lacks a required capability.
type DeniedError struct {
	Entity     ir.EntityID
	Capability ir.Capability
	Reason     string
}

func (e *DeniedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("capability denied: %s lacks %q (%s)", e.Entity, e.Capability, e.Reason)
	}
	return fmt.Sprintf("capability denied: %s lacks %q", e.Entity, e.Capability)
}

// AlreadyRevokedError is returned when granting a tombstoned pair.
type AlreadyRevokedError struct {
	Entity     ir.EntityID
	Capability ir.Capability
}

func (e *AlreadyRevokedError) Error() string {
	return fmt.Sprintf("capability %q was revoked from %s and cannot be re-granted", e.Capability, e.Entity)
}

// IsDeniedError reports whether err is a DeniedError.
func IsDeniedError(err error) bool {
	var de *DeniedError
	return errors.As(err, &de)
}

// IsAlreadyRevokedError reports whether err is an AlreadyRevokedError.
func IsAlreadyRevokedError(err error) bool {
	var re *AlreadyRevokedError
	return errors.As(err, &re)
}
