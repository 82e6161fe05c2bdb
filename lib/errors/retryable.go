package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Retryable is implemented by errors that know whether they are transient.
type Retryable interface {
	Retryable() bool
}

// DefaultRetryable is the allow-list used when a policy configures none:
// connection errors, timeouts, rate limiting and generic I/O failures.
var DefaultRetryable = []error{
	ErrConnection,
	ErrTimeout,
	ErrRateLimited,
	ErrIO,
	context.DeadlineExceeded,
	io.ErrUnexpectedEOF,
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.EPIPE,
}

// IsRetryable classifies err against the default allow-list.
func IsRetryable(err error) bool {
	return IsRetryableWith(err, DefaultRetryable)
}

// IsRetryableWith reports whether err matches one of the allowed errors,
// is a timing-out net.Error, or is a domain error flagged retryable.
// Terminal kinds (retry exhaustion, closed resources, cancellation) never are.
func IsRetryableWith(err error, allowed []error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetryExhausted) || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return false
	}

	var r Retryable
	if errors.As(err, &r) && r.Retryable() {
		return true
	}

	for _, target := range allowed {
		if errors.Is(err, target) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
