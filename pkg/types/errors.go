// Package types holds the domain records and error kinds shared by every
// memtier package.
package types

import (
	"context"
	"errors"
	"fmt"

	"github.com/oceanbase/memtier-go/pkg/value"
)

// Predefined errors for the failure kinds surfaced by the engine.
var (
	// ErrNotFound indicates that the requested id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates that the operation is not valid for the
	// record's current state (unlock-when-unlocked, update-on-consolidated).
	ErrInvalidState = errors.New("invalid state")

	// ErrVersionNotFound indicates a world state version that is not retained.
	ErrVersionNotFound = errors.New("version not found")

	// ErrCyclicDependency indicates that a goal dependency would create a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrDependencyViolation indicates that the operation would break a goal
	// dependency invariant.
	ErrDependencyViolation = errors.New("dependency violation")

	// ErrConsolidationFailed indicates that a consolidation was rolled back.
	// The short-term record is untouched and the operation is safe to retry.
	ErrConsolidationFailed = errors.New("consolidation failed")

	// ErrConflict indicates that a concurrent mutation invalidated the
	// operation. Callers should retry.
	ErrConflict = errors.New("conflict")

	// ErrTimeout indicates that an external capability did not respond in time.
	ErrTimeout = errors.New("timeout")

	// ErrValidation indicates malformed input. It is the same sentinel as
	// value.ErrInvalid.
	ErrValidation = value.ErrInvalid

	// ErrStorageOperation indicates that a storage capability failed in a way
	// that is none of the kinds above.
	ErrStorageOperation = errors.New("storage operation failed")
)

var kinds = []error{
	ErrNotFound,
	ErrInvalidState,
	ErrVersionNotFound,
	ErrCyclicDependency,
	ErrDependencyViolation,
	ErrConsolidationFailed,
	ErrConflict,
	ErrTimeout,
	ErrValidation,
	ErrStorageOperation,
}

// MemoryError wraps errors with operation context.
//
// Example:
//
//	err := &MemoryError{Op: "LockShortTerm", Err: ErrNotFound}
//	// Error() returns: "memtier: LockShortTerm: not found"
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
func (e *MemoryError) Error() string {
	return fmt.Sprintf("memtier: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping the given error.
// If err is nil, returns nil.
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{
		Op:  op,
		Err: err,
	}
}

// Errorf builds an error of the given kind with a formatted detail message.
// The result satisfies errors.Is(err, kind).
func Errorf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kind returns the error kind err belongs to, or nil if it is none of them.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Translate maps a capability error into one of the engine's error kinds.
//
// Deadline errors become ErrTimeout. A cancellation by the caller is
// returned as is, so errors.Is(err, context.Canceled) still holds. Errors
// that already carry a kind pass through unchanged. Anything else becomes
// ErrStorageOperation; the cause text is kept but the raw error is not part
// of the chain, so transport error types never leak to callers.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if Kind(err) != nil {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageOperation, err)
}
