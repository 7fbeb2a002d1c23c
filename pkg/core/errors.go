// Package core provides the memtier client: the orchestrator that ties the
// short-term tier, the long-term stores, the world state and the goal
// tracker together.
package core

import (
	"errors"

	"github.com/oceanbase/memtier-go/pkg/types"
)

// Error kinds returned by the client. They are the same values as the ones
// in package types, so errors.Is works with either.
var (
	// ErrNotFound indicates that a requested memory, goal or version is unknown.
	ErrNotFound = types.ErrNotFound

	// ErrInvalidState indicates that the operation does not apply to the
	// record's current state.
	ErrInvalidState = types.ErrInvalidState

	// ErrVersionNotFound indicates a world state version that is not retained.
	ErrVersionNotFound = types.ErrVersionNotFound

	// ErrCyclicDependency indicates that a goal dependency would create a cycle.
	ErrCyclicDependency = types.ErrCyclicDependency

	// ErrDependencyViolation indicates that a Completed goal relies on what
	// the operation would change.
	ErrDependencyViolation = types.ErrDependencyViolation

	// ErrConsolidationFailed indicates that a consolidation was rolled back.
	ErrConsolidationFailed = types.ErrConsolidationFailed

	// ErrConflict indicates a concurrent mutation; the caller should retry.
	ErrConflict = types.ErrConflict

	// ErrTimeout indicates that a storage or embedding call did not respond in time.
	ErrTimeout = types.ErrTimeout

	// ErrValidation indicates malformed input.
	ErrValidation = types.ErrValidation

	// ErrStorageOperation indicates that a storage operation failed.
	ErrStorageOperation = types.ErrStorageOperation

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// MemoryError wraps errors with operation context.
//
// Example:
//
//	err := &MemoryError{
//	    Op:  "Forget",
//	    Err: ErrConflict,
//	}
//	// Error() returns: "memtier: Forget: conflict"
type MemoryError = types.MemoryError

// NewMemoryError creates a new MemoryError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewMemoryError("Retrieve", err)
//	}
func NewMemoryError(op string, err error) error {
	return types.NewMemoryError(op, err)
}
