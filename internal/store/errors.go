// ABOUTME: Error taxonomy shared by the store, access and conversation packages
// ABOUTME: Validation, not-found and integrity failures matched with errors.Is

package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record does not exist or is not visible to
// the acting identity. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("not found")

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("validation failed")

// ErrIntegrity is matched by every *IntegrityError.
var ErrIntegrity = errors.New("integrity violation")

// ErrReadOnly is returned when a write is attempted inside Store.View.
var ErrReadOnly = errors.New("write in read-only transaction")

// ValidationError reports input that violates a data invariant.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IntegrityError reports a storage-level constraint the datastore refused.
type IntegrityError struct {
	Op  string
	Err error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation %s: %v", e.Op, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrIntegrity) true.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}
