// Package errors provides the error taxonomy shared by the pool, retry and
// database packages.
//
// This package provides:
//   - Sentinel errors for each failure kind (exhaustion, database, timeout, ...)
//   - Typed errors carrying structured context (limits, attempts, query preview)
//   - Error codes for categorizing failures at API boundaries
//   - Retryable classification used by retry policies
package errors

import (
	"errors"
	"fmt"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Error codes for categorizing errors at API boundaries.
const (
	CodeInternal          = 1000 // Unclassified internal failure
	CodeInvalidInput      = 1001 // Invalid caller input
	CodeConfiguration     = 1002 // Invalid configuration
	CodeClosed            = 1003 // Resource is closed
	CodeResourceExhausted = 1004 // Capacity reached, timed out waiting
	CodeDatabase          = 1005 // Backend reported a failure
	CodeTimeout           = 1006 // Operation exceeded its bound
	CodeConnection        = 1007 // Connection could not be established or was lost
	CodeRateLimited       = 1008 // Remote side asked us to slow down
	CodeRetryExhausted    = 1009 // Retry policy gave up
	CodeCircuitOpen       = 1010 // Circuit breaker rejected the call
	CodeUnavailable       = 1011 // Dependency unavailable
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrResourceExhausted indicates a bounded resource is at capacity.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrDatabase indicates the backend failed an operation.
	ErrDatabase = errors.New("database error")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrConnection indicates a connection error.
	ErrConnection = errors.New("connection error")

	// ErrRateLimited indicates a rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrIO indicates a generic I/O failure.
	ErrIO = errors.New("i/o error")

	// ErrRetryExhausted indicates a retry policy stopped retrying.
	ErrRetryExhausted = errors.New("retries exhausted")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrUnavailable indicates a dependency is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")
)

// Pool errors
var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = fmt.Errorf("pool: %w", ErrClosed)
)

// Database errors
var (
	// ErrUnsupportedBackend indicates an unknown backend identifier.
	ErrUnsupportedBackend = fmt.Errorf("database: unsupported backend: %w", ErrConfiguration)

	// ErrTxDone indicates a transaction was already committed or rolled back.
	ErrTxDone = errors.New("database: transaction already finished")
)

// Error is a structured error with a code and safe message.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns a client-safe error message without internal details.
func (e *Error) SafeMessage() string {
	return e.Message
}

// New creates a new structured error with the given code and message.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and safe message.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// FromError creates a structured error and assigns a code from the
// taxonomy the error belongs to.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    CodeOf(err),
		Message: err.Error(),
		Err:     err,
	}
}

// CodeOf maps an error to its taxonomy code.
func CodeOf(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrRetryExhausted):
		return CodeRetryExhausted
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrConnection):
		return CodeConnection
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrDatabase):
		return CodeDatabase
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// IsTimeout returns true if the error indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsResourceExhausted returns true if a bounded resource was at capacity.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

// IsRetryExhausted returns true if a retry policy gave up.
func IsRetryExhausted(err error) bool {
	return errors.Is(err, ErrRetryExhausted)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsCircuitOpen returns true if a circuit breaker rejected the call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
