package primitives

import (
	"fmt"

	"github.com/pkg/errors"
)

// ValidationError is returned when an operation is rejected at submission.
// Rejected operations never enter the pool.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation error: %s", e.Err) }

// Cause returns the underlying error.
func (e *ValidationError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error { return e.Err }

// CryptoError is a seal, unseal or signing failure. It is not retried.
type CryptoError struct {
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("crypto error: %s", e.Err) }

// Cause returns the underlying error.
func (e *CryptoError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *CryptoError) Unwrap() error { return e.Err }

// ExecutionError is a state transition failure of a single operation.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("execution error: %s", e.Err) }

// Cause returns the underlying error.
func (e *ExecutionError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error { return e.Err }

// PersistenceError is a state or block store write failure. It aborts the
// slot for the affected shard.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence error: %s", e.Err) }

// Cause returns the underlying error.
func (e *PersistenceError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error { return e.Err }

// NewValidationError wraps err as a validation error.
func NewValidationError(err error) error { return &ValidationError{Err: err} }

// NewCryptoError wraps err as a crypto error.
func NewCryptoError(err error) error { return &CryptoError{Err: err} }

// NewExecutionError wraps err as an execution error.
func NewExecutionError(err error) error { return &ExecutionError{Err: err} }

// NewPersistenceError wraps err as a persistence error.
func NewPersistenceError(err error) error { return &PersistenceError{Err: err} }

// IsValidationError checks if any error in the chain is a validation error.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsCryptoError checks if any error in the chain is a crypto error.
func IsCryptoError(err error) bool {
	var v *CryptoError
	return errors.As(err, &v)
}

// IsExecutionError checks if any error in the chain is an execution error.
func IsExecutionError(err error) bool {
	var v *ExecutionError
	return errors.As(err, &v)
}

// IsPersistenceError checks if any error in the chain is a persistence error.
func IsPersistenceError(err error) bool {
	var v *PersistenceError
	return errors.As(err, &v)
}
