// Package testutil provides fake connections, connectors and an in-process
// redis server for exercising pools and databases without real backends.
package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/dbpool/lib/pool"
)

// ErrConnectionRefused is returned by a failing FakeConnector.
var ErrConnectionRefused = errors.New("testutil: connection refused")

// ExecFunc answers a statement on a fake connection.
type ExecFunc func(ctx context.Context, query string, args []any) (pool.Result, error)

// FakeConn is a pool.Conn that records statements and can be told to fail.
type FakeConn struct {
	ID int

	connector *FakeConnector

	mu         sync.Mutex
	statements []string
	closed     bool

	pingErr atomic.Value // error wrapper
}

type errBox struct{ err error }

// Execute records query and answers through the connector's ExecFunc. It
// honours ctx while the connector's delay elapses.
func (c *FakeConn) Execute(ctx context.Context, query string, args ...any) (pool.Result, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pool.Result{}, errors.New("testutil: use of closed connection")
	}
	c.statements = append(c.statements, query)
	c.mu.Unlock()

	c.connector.record(query)

	if d := c.connector.ExecDelay(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return pool.Result{}, ctx.Err()
		case <-t.C:
		}
	}

	if fn := c.connector.execFunc(); fn != nil {
		return fn(ctx, query, args)
	}
	return pool.Result{RowsAffected: 1}, nil
}

// Ping fails after SetPingError or once the connector is marked unhealthy.
func (c *FakeConn) Ping(ctx context.Context) error {
	if b, ok := c.pingErr.Load().(errBox); ok && b.err != nil {
		return b.err
	}
	return c.connector.pingError()
}

// SetPingError makes this connection's probes fail with err. nil heals it.
func (c *FakeConn) SetPingError(err error) {
	c.pingErr.Store(errBox{err})
}

// Close marks the connection closed. Closing twice is harmless.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.connector.live.Add(-1)
	}
	return nil
}

// IsClosed reports whether Close was called.
func (c *FakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Statements returns the statements executed on this connection.
func (c *FakeConn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.statements...)
}

// FakeConnector creates FakeConns and tracks how many are alive.
type FakeConnector struct {
	mu         sync.Mutex
	conns      []*FakeConn
	statements []string
	exec       ExecFunc
	connectErr error
	failNext   int
	pingErr    error
	execDelay  time.Duration
	dialDelay  time.Duration

	live    atomic.Int64
	maxLive atomic.Int64
	dials   atomic.Int64
}

// NewFakeConnector creates a connector whose connections succeed at everything.
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{}
}

// Connect is a pool.Factory.
func (f *FakeConnector) Connect(ctx context.Context) (pool.Conn, error) {
	f.dials.Add(1)

	f.mu.Lock()
	delay := f.dialDelay
	f.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		return nil, ErrConnectionRefused
	}
	if f.connectErr != nil {
		return nil, f.connectErr
	}

	c := &FakeConn{ID: len(f.conns) + 1, connector: f}
	f.conns = append(f.conns, c)
	live := f.live.Add(1)
	for {
		peak := f.maxLive.Load()
		if live <= peak || f.maxLive.CompareAndSwap(peak, live) {
			break
		}
	}
	return c, nil
}

// Factory returns Connect as a pool.Factory.
func (f *FakeConnector) Factory() pool.Factory {
	return f.Connect
}

// SetConnectError makes every later Connect fail with err. nil heals it.
func (f *FakeConnector) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// FailNext makes the next n Connect calls fail with ErrConnectionRefused.
func (f *FakeConnector) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// SetPingError makes every connection's probe fail with err. nil heals them.
func (f *FakeConnector) SetPingError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// SetExec installs the statement handler for all connections.
func (f *FakeConnector) SetExec(fn ExecFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exec = fn
}

// SetExecDelay makes every statement take d unless its context ends first.
func (f *FakeConnector) SetExecDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execDelay = d
}

// SetDialDelay makes every Connect take d unless its context ends first.
func (f *FakeConnector) SetDialDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialDelay = d
}

// ExecDelay returns the configured statement delay.
func (f *FakeConnector) ExecDelay() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execDelay
}

// Conns returns every connection created so far, in creation order.
func (f *FakeConnector) Conns() []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeConn(nil), f.conns...)
}

// Statements returns every statement executed on any connection, in order.
func (f *FakeConnector) Statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statements...)
}

// Created is the number of successful Connect calls.
func (f *FakeConnector) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Dials is the number of Connect calls, failed ones included.
func (f *FakeConnector) Dials() int64 { return f.dials.Load() }

// Live is the number of connections created and not yet closed.
func (f *FakeConnector) Live() int64 { return f.live.Load() }

// MaxLive is the highest Live value observed.
func (f *FakeConnector) MaxLive() int64 { return f.maxLive.Load() }

func (f *FakeConnector) record(query string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statements = append(f.statements, query)
}

func (f *FakeConnector) execFunc() ExecFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exec
}

func (f *FakeConnector) pingError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}
