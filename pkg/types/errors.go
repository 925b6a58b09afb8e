package types

import (
	"errors"
	"fmt"
)

// Error classes. The concrete error types below match these through errors.Is
// so callers can branch on the class without type assertions.
var (
	ErrValidation   = errors.New("validation failed")
	ErrInvalidState = errors.New("invalid state")
	ErrPersistence  = errors.New("persistence failure")
)

// Entity errors reported by stores.
var (
	ErrNotFound    = errors.New("entity not found")
	ErrForbidden   = errors.New("forbidden")
	ErrInvalidID   = errors.New("invalid entity ID")
	ErrInvalidData = errors.New("invalid entity data")
)

// Reasons carried by InvalidStateError.
var (
	ErrRunClosed     = errors.New("run is closed")
	ErrCommentLocked = errors.New("comment is locked while evaluation is PASSED")
	ErrNotTargeted   = errors.New("test case is not in the run target set")
	ErrDisposed      = errors.New("editing session is disposed")
)

// ValidationError reports malformed or incomplete input to run or test case
// creation. Nothing is committed when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError returns a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InvalidStateError reports a mutation rejected because of the run's state,
// before any network call was made.
type InvalidStateError struct {
	Op     string
	RunID  string
	Reason error
}

// NewInvalidStateError returns an InvalidStateError for op on runID.
func NewInvalidStateError(op, runID string, reason error) *InvalidStateError {
	return &InvalidStateError{Op: op, RunID: runID, Reason: reason}
}

func (e *InvalidStateError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s run %s: %v", e.Op, e.RunID, e.Reason)
}

// Is reports whether target is ErrInvalidState.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// Unwrap returns the reason so errors.Is(err, ErrRunClosed) works.
func (e *InvalidStateError) Unwrap() error {
	return e.Reason
}

// PersistenceError reports a backend or network failure during a store call.
type PersistenceError struct {
	Op  string
	Err error
}

// NewPersistenceError wraps err as a PersistenceError for op. Errors that
// are already classified (validation, invalid state, persistence) are
// returned unchanged.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidState) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Is reports whether target is ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// Unwrap returns the underlying cause.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}
