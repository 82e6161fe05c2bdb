package errors

import (
	"fmt"
	"time"
)

// maxQueryPreview bounds how much of a statement is kept in error messages.
const maxQueryPreview = 100

// ResourceExhaustedError is returned when a bounded resource stayed at
// capacity for longer than the caller was willing to wait.
type ResourceExhaustedError struct {
	Resource string
	Active   int
	Limit    int
	Waited   time.Duration
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s exhausted: %d/%d in use after waiting %s",
		e.Resource, e.Active, e.Limit, e.Waited)
}

// Unwrap lets errors.Is match ErrResourceExhausted.
func (e *ResourceExhaustedError) Unwrap() error {
	return ErrResourceExhausted
}

// DatabaseError wraps a backend failure with the operation context.
type DatabaseError struct {
	Op      string
	Backend string
	Query   string
	Err     error
	// Transient marks the failure as safe to retry.
	Transient bool
}

// NewDatabaseError builds a DatabaseError, trimming the query to a preview.
func NewDatabaseError(op, backend, query string, err error) *DatabaseError {
	return &DatabaseError{
		Op:      op,
		Backend: backend,
		Query:   QueryPreview(query),
		Err:     err,
	}
}

func (e *DatabaseError) Error() string {
	msg := "database"
	if e.Backend != "" {
		msg += " (" + e.Backend + ")"
	}
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Query != "" {
		msg += fmt.Sprintf(" %q", e.Query)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns both the sentinel and the cause so either can be matched.
func (e *DatabaseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDatabase}
	}
	return []error{ErrDatabase, e.Err}
}

// Retryable reports whether the failure was flagged as transient.
func (e *DatabaseError) Retryable() bool {
	return e.Transient
}

// TimeoutError reports an operation that exceeded its bound.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s timed out after %s: %v", e.Op, e.Timeout, e.Err)
	}
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// Unwrap returns both the sentinel and the cause.
func (e *TimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTimeout}
	}
	return []error{ErrTimeout, e.Err}
}

// RetryExhaustedError is terminal: the policy will not retry it again.
type RetryExhaustedError struct {
	Attempts int
	Last     error
	// BudgetExhausted is set when the shared retry budget refused a retry
	// before the attempt limit was reached.
	BudgetExhausted bool
}

func (e *RetryExhaustedError) Error() string {
	reason := "max retries reached"
	if e.BudgetExhausted {
		reason = "retry budget exhausted"
	}
	return fmt.Sprintf("retry exhausted after %d attempts (%s): %v", e.Attempts, reason, e.Last)
}

// Unwrap returns both the sentinel and the last underlying error.
func (e *RetryExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrRetryExhausted}
	}
	return []error{ErrRetryExhausted, e.Last}
}

// QueryPreview shortens a statement for logs and error messages.
func QueryPreview(query string) string {
	if len(query) <= maxQueryPreview {
		return query
	}
	return query[:maxQueryPreview-3] + "..."
}
