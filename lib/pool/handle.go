package pool

import (
	"context"
	"sync"
	"time"
)

// Handle is a checked-out connection. It is owned by the goroutine that
// acquired it until Release or Discard, and must not be shared.
type Handle struct {
	pool       *Pool
	pc         *pooledConn
	acquiredAt time.Time
	once       sync.Once
}

// ID is a unique identifier of the underlying connection, stable across
// checkouts.
func (h *Handle) ID() string {
	return h.pc.id
}

// Conn returns the raw backend connection for backend-specific use.
// Statements issued on it bypass the pool's timeout and accounting.
func (h *Handle) Conn() Conn {
	return h.pc.conn
}

// AcquiredAt reports when the handle was checked out.
func (h *Handle) AcquiredAt() time.Time {
	return h.acquiredAt
}

// Execute runs a statement bounded by the pool's QueryTimeout.
func (h *Handle) Execute(ctx context.Context, query string, args ...any) (Result, error) {
	return h.pool.run(ctx, h.pc, 0, query, args)
}

// ExecuteTimeout runs a statement bounded by timeout; zero uses QueryTimeout.
// A statement that times out or is cancelled leaves the connection unusable;
// it is closed on release.
func (h *Handle) ExecuteTimeout(ctx context.Context, timeout time.Duration, query string, args ...any) (Result, error) {
	return h.pool.run(ctx, h.pc, timeout, query, args)
}

// Release returns the connection to the pool after a health probe.
// Only the first Release or Discard has an effect.
func (h *Handle) Release() {
	h.once.Do(func() { h.pool.release(h, false) })
}

// Discard closes the connection instead of returning it.
// Only the first Release or Discard has an effect.
func (h *Handle) Discard() {
	h.once.Do(func() { h.pool.release(h, true) })
}
