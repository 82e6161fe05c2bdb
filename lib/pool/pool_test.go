package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/resilience"
)

// mockConn is a mock connection for testing.
type mockConn struct {
	id        int
	rec       *recorder
	unhealthy atomic.Bool

	mu     sync.Mutex
	closed bool
}

func (m *mockConn) Execute(ctx context.Context, query string, args ...any) (Result, error) {
	if m.rec != nil && m.rec.exec != nil {
		return m.rec.exec(ctx, query)
	}
	return Result{RowsAffected: 1}, nil
}

func (m *mockConn) Ping(ctx context.Context) error {
	if m.unhealthy.Load() {
		return errors.New("ping failed")
	}
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed && m.rec != nil {
		atomic.AddInt64(&m.rec.live, -1)
	}
	m.closed = true
	return nil
}

func (m *mockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// recorder creates mock connections and tracks how many are alive.
type recorder struct {
	mu      sync.Mutex
	conns   []*mockConn
	live    int64
	maxLive int64
	calls   int32

	fail      atomic.Bool
	failAfter int32 // fail once this many connections exist; 0 disables
	exec      func(ctx context.Context, query string) (Result, error)
}

func (r *recorder) factory(ctx context.Context) (Conn, error) {
	atomic.AddInt32(&r.calls, 1)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fail.Load() || (r.failAfter > 0 && len(r.conns) >= int(r.failAfter)) {
		return nil, errors.New("connection refused")
	}
	c := &mockConn{id: len(r.conns) + 1, rec: r}
	r.conns = append(r.conns, c)
	if live := atomic.AddInt64(&r.live, 1); live > r.maxLive {
		r.maxLive = live
	}
	return c, nil
}

func (r *recorder) created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *recorder) conn(i int) *mockConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[i]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.Backend = "mock"
	cfg.MinSize = 0
	cfg.ConnectionTimeout = 100 * time.Millisecond
	cfg.HealthCheckInterval = 0
	return cfg
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPoolAcquireRelease(t *testing.T) {
	rec := &recorder{}
	p := New(rec.factory, testConfig())
	defer p.Close()

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if h.ID() == "" {
		t.Error("expected connection id")
	}

	stats := p.Stats()
	if stats.TotalConnections != 1 || stats.ActiveConnections != 1 || stats.IdleConnections != 0 {
		t.Errorf("unexpected stats after acquire: %+v", stats)
	}

	h.Release()

	stats = p.Stats()
	if stats.TotalConnections != 1 || stats.ActiveConnections != 0 || stats.IdleConnections != 1 {
		t.Errorf("unexpected stats after release: %+v", stats)
	}

	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if h2.ID() != h.ID() {
		t.Error("expected the idle connection to be reused")
	}
	if rec.created() != 1 {
		t.Errorf("expected 1 connection created, got %d", rec.created())
	}
	h2.Release()
}

func TestPoolInitializeAndExhaustion(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.MinSize = 2
	cfg.MaxSize = 3
	cfg.MaxOverflow = 0
	p := New(rec.factory, cfg)
	defer p.Close()

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if rec.created() != 2 {
		t.Fatalf("Initialize created %d connections, want 2", rec.created())
	}
	if idle := p.Stats().IdleConnections; idle != 2 {
		t.Errorf("idle = %d, want 2", idle)
	}

	handles := make([]*Handle, 0, 3)
	for i := 0; i < 3; i++ {
		h, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		handles = append(handles, h)
	}
	if rec.created() != 3 {
		t.Errorf("expected 2 idle + 1 new connection, created %d", rec.created())
	}

	start := time.Now()
	_, err := p.Acquire(context.Background())
	elapsed := time.Since(start)

	var exhausted *apperrors.ResourceExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ResourceExhaustedError, got %v", err)
	}
	if exhausted.Active != 3 || exhausted.Limit != 3 {
		t.Errorf("exhausted error carries %d/%d, want 3/3", exhausted.Active, exhausted.Limit)
	}
	if elapsed < 80*time.Millisecond || elapsed > time.Second {
		t.Errorf("acquire waited %v, want about ConnectionTimeout", elapsed)
	}

	for _, h := range handles {
		h.Release()
	}
	if s := p.Stats(); s.ActiveConnections != 0 || s.IdleConnections != 3 {
		t.Errorf("unexpected stats after releasing all: %+v", s)
	}
}

func TestPoolExecuteCountsAcquireFailures(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.MinSize = 0
	cfg.MaxSize = 1
	cfg.MaxOverflow = 0
	p := New(rec.factory, cfg)

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	_, err = p.Execute(context.Background(), "SELECT 1")
	if !apperrors.IsResourceExhausted(err) {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
	if got := p.Stats().Errors; got != 1 {
		t.Errorf("errors after exhausted execute = %d, want 1", got)
	}
	h.Release()

	p.Close()
	if _, err := p.Execute(context.Background(), "SELECT 1"); err == nil {
		t.Fatal("expected error executing on a closed pool")
	}
	if got := p.Stats().Errors; got != 2 {
		t.Errorf("errors after closed execute = %d, want 2", got)
	}
}

func TestPoolInitializeRollsBack(t *testing.T) {
	rec := &recorder{failAfter: 2}
	cfg := testConfig()
	cfg.MinSize = 3
	p := New(rec.factory, cfg)
	defer p.Close()

	err := p.Initialize(context.Background())
	if !errors.Is(err, apperrors.ErrDatabase) {
		t.Fatalf("expected database error, got %v", err)
	}
	if !errors.Is(err, apperrors.ErrConnection) {
		t.Errorf("expected connection cause, got %v", err)
	}
	for i := 0; i < rec.created(); i++ {
		if !rec.conn(i).IsClosed() {
			t.Errorf("connection %d leaked after failed Initialize", i)
		}
	}
	if total := p.Stats().TotalConnections; total != 0 {
		t.Errorf("total = %d after rollback, want 0", total)
	}
}

func TestPoolOverflowRetiredOnRelease(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.MaxSize = 1
	cfg.MaxOverflow = 1
	p := New(rec.factory, cfg)
	defer p.Close()

	h1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	h2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("overflow acquire failed: %v", err)
	}

	h1.Release()
	h2.Release()

	stats := p.Stats()
	if stats.TotalConnections != 1 || stats.IdleConnections != 1 {
		t.Errorf("overflow connection should be closed on release: %+v", stats)
	}
	// The first connection returned while above MaxSize is the one retired.
	if !rec.conn(0).IsClosed() || rec.conn(1).IsClosed() {
		t.Error("expected exactly the first released connection to be closed")
	}
}

func TestPoolUnhealthyRelease(t *testing.T) {
	rec := &recorder{}
	p := New(rec.factory, testConfig())
	defer p.Close()

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec.conn(0).unhealthy.Store(true)
	h.Release()

	stats := p.Stats()
	if stats.TotalConnections != 0 || stats.IdleConnections != 0 {
		t.Errorf("unhealthy connection must not re-enter the pool: %+v", stats)
	}
	if stats.HealthCheckFails != 1 {
		t.Errorf("HealthCheckFails = %d, want 1", stats.HealthCheckFails)
	}
	if !rec.conn(0).IsClosed() {
		t.Error("unhealthy connection should be closed")
	}
}

func TestPoolFactoryErrorReleasesSlot(t *testing.T) {
	rec := &recorder{}
	rec.fail.Store(true)
	cfg := testConfig()
	cfg.MaxSize = 2
	cfg.MaxOverflow = 0
	p := New(rec.factory, cfg)
	defer p.Close()

	for i := 0; i < 5; i++ {
		_, err := p.Acquire(context.Background())
		if !errors.Is(err, apperrors.ErrConnection) {
			t.Fatalf("attempt %d: expected connection error, got %v", i, err)
		}
		if apperrors.IsResourceExhausted(err) {
			t.Fatalf("attempt %d: failed creations leaked admission slots", i)
		}
	}

	stats := p.Stats()
	if stats.TotalConnections != 0 {
		t.Errorf("total = %d after failed creates, want 0", stats.TotalConnections)
	}
	if stats.AcquireFailed != 5 {
		t.Errorf("AcquireFailed = %d, want 5", stats.AcquireFailed)
	}

	rec.fail.Store(false)
	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after recovery failed: %v", err)
	}
	h.Release()
}

func TestPoolClose(t *testing.T) {
	rec := &recorder{}
	p := New(rec.factory, testConfig())

	h1, _ := p.Acquire(context.Background())
	h2, _ := p.Acquire(context.Background())
	h1.Release()

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !rec.conn(0).IsClosed() {
		t.Error("idle connection should be closed")
	}
	if !rec.conn(1).IsClosed() {
		t.Error("active connection should be closed")
	}
	if idle := p.Stats().IdleConnections; idle != 0 {
		t.Errorf("idle = %d after close, want 0", idle)
	}

	h2.Release()
	if total := p.Stats().TotalConnections; total != 0 {
		t.Errorf("total = %d after releasing into closed pool, want 0", total)
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, apperrors.ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if err := p.Initialize(context.Background()); !errors.Is(err, apperrors.ErrPoolClosed) {
		t.Errorf("Initialize after Close: %v", err)
	}
}

func TestPoolCloseWakesWaiters(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.MaxSize = 1
	cfg.MaxOverflow = 0
	cfg.ConnectionTimeout = 5 * time.Second
	p := New(rec.factory, cfg)

	h, _ := p.Acquire(context.Background())
	defer h.Release()

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_ = p.Close()

	select {
	case err := <-done:
		if !errors.Is(err, apperrors.ErrPoolClosed) {
			t.Errorf("expected ErrPoolClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
}

func TestPoolDiscardAndDoubleRelease(t *testing.T) {
	rec := &recorder{}
	p := New(rec.factory, testConfig())
	defer p.Close()

	h, _ := p.Acquire(context.Background())
	p.Discard(h)
	p.Release(h)
	h.Release()

	stats := p.Stats()
	if stats.TotalConnections != 0 || stats.IdleConnections != 0 {
		t.Errorf("discarded connection must leave the pool: %+v", stats)
	}
	if stats.ReleaseCount != 1 {
		t.Errorf("ReleaseCount = %d, want 1", stats.ReleaseCount)
	}
	if !rec.conn(0).IsClosed() {
		t.Error("discarded connection should be closed")
	}
}

func TestPoolExecute(t *testing.T) {
	boom := errors.New(`relation "missing" does not exist`)
	rec := &recorder{
		exec: func(ctx context.Context, query string) (Result, error) {
			if query == "SELECT * FROM missing" {
				return Result{}, boom
			}
			return Result{RowsAffected: 1, Columns: []string{"n"}, Rows: [][]any{{1}}}, nil
		},
	}
	p := New(rec.factory, testConfig())
	defer p.Close()

	res, err := p.Execute(context.Background(), "SELECT 1")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(res.Rows) != 1 || res.Columns[0] != "n" {
		t.Errorf("unexpected result %+v", res)
	}

	_, err = p.Execute(context.Background(), "SELECT * FROM missing")
	var dbErr *apperrors.DatabaseError
	if !errors.As(err, &dbErr) {
		t.Fatalf("expected DatabaseError, got %v", err)
	}
	if dbErr.Backend != "mock" || dbErr.Query != "SELECT * FROM missing" {
		t.Errorf("missing context in %+v", dbErr)
	}
	if !errors.Is(err, boom) {
		t.Error("DatabaseError should wrap the driver error")
	}

	stats := p.Stats()
	if stats.QueriesExecuted != 1 || stats.Errors != 1 {
		t.Errorf("QueriesExecuted=%d Errors=%d, want 1/1", stats.QueriesExecuted, stats.Errors)
	}
	// A plain query error leaves a healthy connection reusable.
	if stats.TotalConnections != 1 || stats.IdleConnections != 1 || stats.ActiveConnections != 0 {
		t.Errorf("connection should be back in the pool: %+v", stats)
	}
}

func TestPoolExecuteTimeoutDiscardsConnection(t *testing.T) {
	tests := []struct {
		name string
		exec func(ctx context.Context, query string) (Result, error)
	}{
		{"driver honours context", func(ctx context.Context, query string) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}},
		{"driver ignores context", func(ctx context.Context, query string) (Result, error) {
			time.Sleep(300 * time.Millisecond)
			return Result{}, nil
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{exec: tc.exec}
			p := New(rec.factory, testConfig())
			defer p.Close()

			start := time.Now()
			_, err := p.ExecuteTimeout(context.Background(), 30*time.Millisecond, "SELECT pg_sleep(10)")
			elapsed := time.Since(start)

			var te *apperrors.TimeoutError
			if !errors.As(err, &te) {
				t.Fatalf("expected TimeoutError, got %v", err)
			}
			if te.Timeout != 30*time.Millisecond {
				t.Errorf("Timeout = %v", te.Timeout)
			}
			if !apperrors.IsRetryable(err) {
				t.Error("timeouts should be retryable")
			}
			if elapsed > 250*time.Millisecond {
				t.Errorf("ExecuteTimeout returned after %v", elapsed)
			}

			stats := p.Stats()
			if stats.TotalConnections != 0 || stats.Errors != 1 {
				t.Errorf("timed out connection should be discarded: %+v", stats)
			}
			if !rec.conn(0).IsClosed() {
				t.Error("timed out connection should be closed")
			}
		})
	}
}

func TestPoolAcquireContextCancelled(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.MaxSize = 1
	cfg.MaxOverflow = 0
	cfg.ConnectionTimeout = 5 * time.Second
	p := New(rec.factory, cfg)
	defer p.Close()

	h, _ := p.Acquire(context.Background())
	defer h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	// A caller deadline shorter than ConnectionTimeout is honoured too.
	ctx, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	start := time.Now()
	_, err = p.Acquire(ctx)
	if !apperrors.IsResourceExhausted(err) {
		t.Errorf("expected exhaustion at caller deadline, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("caller deadline ignored")
	}
}

func TestPoolHealthLoopReplacesUnhealthy(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.MinSize = 2
	cfg.HealthCheckInterval = 20 * time.Millisecond
	p := New(rec.factory, cfg)
	defer p.Close()

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.conn(0).unhealthy.Store(true)

	waitFor(t, "unhealthy connection to be replaced", func() bool {
		s := p.Stats()
		return rec.conn(0).IsClosed() && rec.created() >= 3 && s.TotalConnections == 2 && s.IdleConnections == 2
	})
	if p.Stats().HealthCheckFails == 0 {
		t.Error("expected health check failure to be counted")
	}
}

func TestPoolHealthLoopRetiresExpired(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.MinSize = 1
	cfg.IdleTimeout = 30 * time.Millisecond
	cfg.HealthCheckInterval = 20 * time.Millisecond
	p := New(rec.factory, cfg)
	defer p.Close()

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "expired connection to be recycled", func() bool {
		return rec.conn(0).IsClosed() && rec.created() >= 2 && p.Stats().TotalConnections == 1
	})
}

func TestPoolHealthLoopToleratesFactoryFailure(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.MinSize = 1
	cfg.HealthCheckInterval = 10 * time.Millisecond
	p := New(rec.factory, cfg)

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.fail.Store(true)
	rec.conn(0).unhealthy.Store(true)

	waitFor(t, "unhealthy connection to be removed", func() bool {
		return p.Stats().TotalConnections == 0
	})

	rec.fail.Store(false)
	waitFor(t, "pool to be replenished", func() bool {
		return p.Stats().TotalConnections == 1
	})

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPoolConcurrentBound(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 3
	cfg.MaxOverflow = 1
	cfg.ConnectionTimeout = 5 * time.Second
	cfg.HealthCheckInterval = 5 * time.Millisecond
	p := New(rec.factory, cfg)
	defer p.Close()

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var failures int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h, err := p.Acquire(context.Background())
				if err != nil {
					atomic.AddInt32(&failures, 1)
					continue
				}
				s := p.Stats()
				if s.ActiveConnections+s.IdleConnections > s.Limit {
					t.Errorf("active+idle = %d exceeds limit %d", s.ActiveConnections+s.IdleConnections, s.Limit)
				}
				time.Sleep(time.Millisecond)
				if j%7 == 0 {
					h.Discard()
				} else {
					h.Release()
				}
			}
		}()
	}
	wg.Wait()

	if failures != 0 {
		t.Errorf("%d acquires failed", failures)
	}
	rec.mu.Lock()
	maxLive := rec.maxLive
	rec.mu.Unlock()
	if maxLive > 4 {
		t.Errorf("observed %d live connections, limit is 4", maxLive)
	}

	stats := p.Stats()
	if stats.ActiveConnections != 0 {
		t.Errorf("active = %d after all releases", stats.ActiveConnections)
	}
	if stats.TotalConnections > cfg.MaxSize {
		t.Errorf("total = %d, overflow should be retired", stats.TotalConnections)
	}
}

func TestPoolCircuitBreakerFailsFast(t *testing.T) {
	rec := &recorder{}
	rec.fail.Store(true)
	cfg := testConfig()
	cfg.Breaker = resilience.NewCircuitBreaker("pool-test", resilience.Config{
		FailureThreshold: 2,
		Timeout:          time.Minute,
	})
	p := New(rec.factory, cfg)
	defer p.Close()

	for i := 0; i < 2; i++ {
		if _, err := p.Acquire(context.Background()); err == nil {
			t.Fatal("expected factory failure")
		}
	}

	_, err := p.Acquire(context.Background())
	if !apperrors.IsCircuitOpen(err) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if calls := atomic.LoadInt32(&rec.calls); calls != 2 {
		t.Errorf("factory called %d times, want 2", calls)
	}
}

func TestPoolPing(t *testing.T) {
	rec := &recorder{}
	p := New(rec.factory, testConfig())
	defer p.Close()

	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	rec.conn(0).unhealthy.Store(true)
	if err := p.Ping(context.Background()); !errors.Is(err, apperrors.ErrDatabase) {
		t.Errorf("expected database error, got %v", err)
	}
	if total := p.Stats().TotalConnections; total != 0 {
		t.Errorf("failed ping should discard the connection, total %d", total)
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{MinSize: 20, MaxSize: 4, MaxOverflow: -1}.normalize()
	if cfg.MinSize != 4 {
		t.Errorf("MinSize = %d, want clamp to MaxSize", cfg.MinSize)
	}
	if cfg.MaxOverflow != 0 {
		t.Errorf("MaxOverflow = %d, want 0", cfg.MaxOverflow)
	}
	if cfg.ConnectionTimeout != DefaultConfig().ConnectionTimeout {
		t.Errorf("ConnectionTimeout = %v, want default", cfg.ConnectionTimeout)
	}
	if cfg.Name == "" {
		t.Error("expected default name")
	}
}

func TestStatsHelpers(t *testing.T) {
	s := Stats{Limit: 4, ActiveConnections: 1, WaitTime: 1500 * time.Microsecond}
	if s.Utilization() != 0.25 {
		t.Errorf("Utilization = %v", s.Utilization())
	}
	if s.WaitTimeMillis() != 1.5 {
		t.Errorf("WaitTimeMillis = %v", s.WaitTimeMillis())
	}
}
