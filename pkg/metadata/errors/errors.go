// Package errors defines the typed errors returned by the metadata services.
// It is a leaf package so that codecs, journals and stores can all share it.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred.
type ErrorCode int

const (
	// ErrNotFound indicates the requested id does not exist.
	ErrNotFound ErrorCode = iota + 1

	// ErrAlreadyExists indicates a name is already taken in a container.
	ErrAlreadyExists

	// ErrInvalidArgument indicates an invalid argument was provided.
	ErrInvalidArgument

	// ErrConfiguration indicates a missing or inconsistent configuration value.
	// Services must not start serving after one.
	ErrConfiguration

	// ErrCorruption indicates an impossible on-disk or in-memory state, such
	// as a compaction reconciliation mismatch.
	ErrCorruption

	// ErrReadOnly indicates a mutation was attempted on a slave-mode service.
	ErrReadOnly

	// ErrIOError indicates an I/O error occurred.
	ErrIOError

	// ErrRemote indicates the remote store failed a synchronous request.
	ErrRemote
)

// String returns a human-readable name for the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrNotFound:
		return "NotFound"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrConfiguration:
		return "Configuration"
	case ErrCorruption:
		return "Corruption"
	case ErrReadOnly:
		return "ReadOnly"
	case ErrIOError:
		return "IOError"
	case ErrRemote:
		return "Remote"
	default:
		return fmt.Sprintf("Unknown(%d)", e)
	}
}

// StoreError is a metadata service error with an error code.
type StoreError struct {
	Code    ErrorCode
	Message string
	ID      uint64 // affected record id, 0 when not applicable
	Err     error  // underlying cause, may be nil
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ID != 0 {
		msg = fmt.Sprintf("%s (id: %d)", msg, e.ID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// ============================================================================
// Factory Functions
// ============================================================================

// NewNotFoundError creates a NotFound error for a record kind ("file", "container").
func NewNotFoundError(kind string, id uint64) *StoreError {
	return &StoreError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", kind),
		ID:      id,
	}
}

// NewAlreadyExistsError creates an AlreadyExists error for a child name.
func NewAlreadyExistsError(name string, parent uint64) *StoreError {
	return &StoreError{
		Code:    ErrAlreadyExists,
		Message: fmt.Sprintf("name %q already exists", name),
		ID:      parent,
	}
}

// NewInvalidArgumentError creates an InvalidArgument error.
func NewInvalidArgumentError(message string) *StoreError {
	return &StoreError{Code: ErrInvalidArgument, Message: message}
}

// NewConfigurationError creates a Configuration error.
func NewConfigurationError(message string) *StoreError {
	return &StoreError{Code: ErrConfiguration, Message: message}
}

// NewCorruptionError creates a Corruption error.
func NewCorruptionError(message string, id uint64) *StoreError {
	return &StoreError{Code: ErrCorruption, Message: message, ID: id}
}

// NewReadOnlyError creates a ReadOnly error for the named operation.
func NewReadOnlyError(operation string) *StoreError {
	return &StoreError{
		Code:    ErrReadOnly,
		Message: fmt.Sprintf("%s not allowed in slave mode", operation),
	}
}

// NewIOError wraps an I/O failure.
func NewIOError(message string, err error) *StoreError {
	return &StoreError{Code: ErrIOError, Message: message, Err: err}
}

// NewRemoteError wraps a failed synchronous remote request.
func NewRemoteError(message string, err error) *StoreError {
	return &StoreError{Code: ErrRemote, Message: message, Err: err}
}

// ============================================================================
// Error Type Checking Helpers
// ============================================================================

// CodeOf returns the code of the first StoreError in err's chain, or 0.
func CodeOf(err error) ErrorCode {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// IsNotFoundError returns true if the error is a NotFound error.
func IsNotFoundError(err error) bool {
	return CodeOf(err) == ErrNotFound
}

// IsConfigurationError returns true if the error is a Configuration error.
func IsConfigurationError(err error) bool {
	return CodeOf(err) == ErrConfiguration
}

// IsCorruptionError returns true if the error is a Corruption error.
func IsCorruptionError(err error) bool {
	return CodeOf(err) == ErrCorruption
}

// IsReadOnlyError returns true if the error is a ReadOnly error.
func IsReadOnlyError(err error) bool {
	return CodeOf(err) == ErrReadOnly
}

// IsAlreadyExistsError returns true if the error is an AlreadyExists error.
func IsAlreadyExistsError(err error) bool {
	return CodeOf(err) == ErrAlreadyExists
}
