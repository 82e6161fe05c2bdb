package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/resilience"
)

// Conn is the capability a backend connection exposes to the pool.
// A Conn is used by one goroutine at a time: the one holding its Handle.
type Conn interface {
	// Execute runs a statement and returns its rows, if any.
	Execute(ctx context.Context, query string, args ...any) (Result, error)
	// Ping is a lightweight liveness probe.
	Ping(ctx context.Context) error
	// Close releases the underlying resources.
	Close() error
}

// Result is the backend-neutral outcome of a statement.
type Result struct {
	RowsAffected int64    `json:"rows_affected"`
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
}

// Factory creates new connections.
type Factory func(ctx context.Context) (Conn, error)

// Config configures the connection pool.
type Config struct {
	// Name identifies the pool in logs, errors and metrics.
	Name string
	// Backend names the database kind for error context.
	Backend string
	// MinSize is the number of connections created by Initialize and
	// maintained by the health loop.
	// Default: 1
	MinSize int
	// MaxSize is the number of connections kept once returned.
	// Default: 10
	MaxSize int
	// MaxOverflow is how many connections may exist above MaxSize under
	// load. Overflow connections are closed when released.
	// Default: 5
	MaxOverflow int
	// ConnectionTimeout bounds waiting for admission and creating a connection.
	// Default: 10 seconds
	ConnectionTimeout time.Duration
	// QueryTimeout bounds Execute unless overridden per call.
	// Default: 30 seconds
	QueryTimeout time.Duration
	// IdleTimeout retires connections idle longer than this. Zero disables.
	// Default: 10 minutes
	IdleTimeout time.Duration
	// HealthCheckInterval is how often idle connections are probed.
	// Set to 0 to disable the background loop.
	// Default: 30 seconds
	HealthCheckInterval time.Duration
	// HealthCheckTimeout bounds a single Ping.
	// Default: 5 seconds
	HealthCheckTimeout time.Duration
	// Breaker, if set, guards the factory.
	Breaker *resilience.CircuitBreaker
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:                "default",
		MinSize:             1,
		MaxSize:             10,
		MaxOverflow:         5,
		ConnectionTimeout:   10 * time.Second,
		QueryTimeout:        30 * time.Second,
		IdleTimeout:         10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
	}
}

// normalize fills unset fields from DefaultConfig and clamps sizes.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.MaxOverflow < 0 {
		c.MaxOverflow = 0
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = def.ConnectionTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = def.QueryTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.HealthCheckInterval < 0 {
		c.HealthCheckInterval = 0
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = def.HealthCheckTimeout
	}
	return c
}

// pooledConn wraps a connection with metadata.
type pooledConn struct {
	conn      Conn
	id        string
	createdAt time.Time
	lastUsed  time.Time

	// broken marks a connection whose state is unknown after a timed out
	// or cancelled statement. It is never reused.
	broken    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (pc *pooledConn) close() error {
	pc.closeOnce.Do(func() {
		pc.closeErr = pc.conn.Close()
	})
	return pc.closeErr
}

// Pool is a bounded pool of backend connections.
//
// An admission semaphore of weight MaxSize+MaxOverflow is held by every
// checked-out connection, by connections being created and by idle
// connections the health loop is probing. New connections are only
// created when the idle queue is empty, so the number of live
// connections never exceeds MaxSize+MaxOverflow.
type Pool struct {
	factory Factory
	config  Config
	limit   int64
	sem     *semaphore.Weighted

	// ctx is cancelled by Close; it stops the health loop and wakes
	// callers waiting for admission.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	idle        []*pooledConn
	active      map[*Handle]struct{}
	total       int
	closed      bool
	initialized bool

	queriesExecuted uint64
	queryErrors     uint64
	waitTime        time.Duration
	waitCount       uint64
	acquireCount    uint64
	acquireFailed   uint64
	releaseCount    uint64
	healthFails     uint64
}

// New creates a new connection pool. No connections are opened until
// Initialize or the first Acquire.
func New(factory Factory, cfg Config) *Pool {
	cfg = cfg.normalize()
	limit := int64(cfg.MaxSize + cfg.MaxOverflow)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		factory: factory,
		config:  cfg,
		limit:   limit,
		sem:     semaphore.NewWeighted(limit),
		ctx:     ctx,
		cancel:  cancel,
		idle:    make([]*pooledConn, 0, cfg.MaxSize),
		active:  make(map[*Handle]struct{}),
	}

	log.WithField("pool", cfg.Name).
		WithField("minSize", cfg.MinSize).
		WithField("maxSize", cfg.MaxSize).
		WithField("maxOverflow", cfg.MaxOverflow).
		Debug("pool created")
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.config
}

// Initialize opens MinSize connections and starts the health loop.
// If any connection cannot be created the ones already opened are closed
// and a DatabaseError is returned. Calling Initialize again is a no-op.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return apperrors.ErrPoolClosed
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = true
	p.mu.Unlock()

	// Creation holds slots like any other checkout; a pool already
	// saturated by early callers needs no warm-up.
	created := make([]*pooledConn, 0, p.config.MinSize)
	var slots int64
	defer func() { p.sem.Release(slots) }()

	for i := 0; i < p.config.MinSize; i++ {
		if !p.sem.TryAcquire(1) {
			break
		}
		slots++
		p.mu.Lock()
		p.total++
		p.mu.Unlock()

		pc, err := p.create(ctx)
		if err != nil {
			p.mu.Lock()
			p.total -= 1 + len(created)
			p.initialized = false
			p.mu.Unlock()
			for _, c := range created {
				if cerr := c.close(); cerr != nil {
					log.WithField("pool", p.config.Name).WithError(cerr).Debug("failed to close connection during rollback")
				}
			}
			log.WithField("pool", p.config.Name).WithField("created", len(created)).WithError(err).Error("pool initialization failed")
			return apperrors.NewDatabaseError("initialize", p.config.Backend, "", err)
		}
		created = append(created, pc)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, pc := range created {
			p.destroy(pc, "closed")
		}
		return apperrors.ErrPoolClosed
	}
	p.idle = append(p.idle, created...)
	p.mu.Unlock()

	if p.config.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop()
	}

	p.publish()
	log.WithField("pool", p.config.Name).WithField("connections", len(created)).Info("pool initialized")
	return nil
}

// Acquire checks out a connection. It waits at most ConnectionTimeout
// (or until ctx is done) for admission and returns a
// *errors.ResourceExhaustedError when the pool stays at capacity.
// The returned Handle must be released exactly once.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	start := time.Now()

	p.mu.Lock()
	p.acquireCount++
	if p.closed {
		p.acquireFailed++
		p.mu.Unlock()
		acquireTotal.WithLabelValues(p.config.Name, "closed").Inc()
		return nil, apperrors.ErrPoolClosed
	}
	p.mu.Unlock()

	if err := p.admit(ctx, start); err != nil {
		p.failAcquire(err)
		return nil, err
	}

	pc, err := p.checkout(ctx)
	if err != nil {
		p.sem.Release(1)
		p.failAcquire(err)
		return nil, err
	}

	h := &Handle{pool: p, pc: pc, acquiredAt: time.Now()}
	waited := time.Since(start)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(pc, "closed")
		p.sem.Release(1)
		p.failAcquire(apperrors.ErrPoolClosed)
		return nil, apperrors.ErrPoolClosed
	}
	p.active[h] = struct{}{}
	p.waitTime += waited
	p.waitCount++
	p.mu.Unlock()

	acquireTotal.WithLabelValues(p.config.Name, "success").Inc()
	acquireWait.WithLabelValues(p.config.Name).Observe(waited.Seconds())
	p.publish()

	log.WithField("pool", p.config.Name).WithField("conn", pc.id).Debug("connection acquired")
	return h, nil
}

func (p *Pool) failAcquire(err error) {
	p.mu.Lock()
	p.acquireFailed++
	p.mu.Unlock()

	result := "error"
	switch {
	case apperrors.IsResourceExhausted(err):
		result = "exhausted"
	case apperrors.IsClosed(err):
		result = "closed"
	case apperrors.IsTimeout(err):
		result = "timeout"
	case apperrors.IsCircuitOpen(err):
		result = "circuit_open"
	}
	acquireTotal.WithLabelValues(p.config.Name, result).Inc()
	log.WithField("pool", p.config.Name).WithError(err).Debug("acquire failed")
}

// admit takes one admission slot, waiting at most ConnectionTimeout.
func (p *Pool) admit(ctx context.Context, start time.Time) error {
	if p.sem.TryAcquire(1) {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.config.ConnectionTimeout)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if p.ctx.Err() != nil {
			return apperrors.ErrPoolClosed
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		p.mu.Lock()
		active := len(p.active)
		p.mu.Unlock()
		return &apperrors.ResourceExhaustedError{
			Resource: "pool " + p.config.Name,
			Active:   active,
			Limit:    int(p.limit),
			Waited:   time.Since(start),
		}
	}
	return nil
}

// checkout pops an idle connection or creates one. Caller holds a slot.
func (p *Pool) checkout(ctx context.Context) (*pooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, apperrors.ErrPoolClosed
	}
	if len(p.idle) > 0 {
		pc := p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]
		p.mu.Unlock()
		return pc, nil
	}
	// Reserve the connection in total before dialing so concurrent
	// snapshots never undercount.
	p.total++
	p.mu.Unlock()

	pc, err := p.create(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, err
	}
	return pc, nil
}

// create dials a new connection through the breaker, bounded by
// ConnectionTimeout. The caller has already counted it in total.
func (p *Pool) create(ctx context.Context) (*pooledConn, error) {
	var conn Conn
	dial := func(ctx context.Context) error {
		c, err := p.dial(ctx)
		conn = c
		return err
	}

	var err error
	if p.config.Breaker != nil {
		err = p.config.Breaker.ExecuteWithContext(ctx, dial)
	} else {
		err = dial(ctx)
	}
	if err != nil {
		connectFailures.WithLabelValues(p.config.Name).Inc()
		return nil, p.connectError(ctx, err)
	}

	now := time.Now()
	pc := &pooledConn{
		conn:      conn,
		id:        uuid.NewString(),
		createdAt: now,
		lastUsed:  now,
	}
	connectionsCreated.WithLabelValues(p.config.Name).Inc()
	log.WithField("pool", p.config.Name).WithField("conn", pc.id).Debug("connection created")
	return pc, nil
}

// dial runs the factory, abandoning it once ConnectionTimeout passes.
// A connection that arrives late is closed.
func (p *Pool) dial(ctx context.Context) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.ConnectionTimeout)
	defer cancel()

	type result struct {
		conn Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := p.factory(ctx)
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && r.conn == nil {
			return nil, fmt.Errorf("factory returned no connection: %w", apperrors.ErrConnection)
		}
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (p *Pool) connectError(ctx context.Context, err error) error {
	switch {
	case apperrors.IsCircuitOpen(err):
		return err
	case ctx.Err() != nil:
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &apperrors.TimeoutError{Op: "connect", Timeout: p.config.ConnectionTimeout, Err: err}
	case errors.Is(err, apperrors.ErrConnection):
		return err
	default:
		return fmt.Errorf("%w: %w", apperrors.ErrConnection, err)
	}
}

// Release returns a handle's connection to the pool. Equivalent to h.Release().
func (p *Pool) Release(h *Handle) {
	if h != nil {
		h.Release()
	}
}

// Discard closes a handle's connection instead of recycling it.
func (p *Pool) Discard(h *Handle) {
	if h != nil {
		h.Discard()
	}
}

// release runs once per handle. The admission slot is returned only
// after the connection is back in the idle queue or closed.
func (p *Pool) release(h *Handle, discard bool) {
	defer p.sem.Release(1)
	defer p.publish()

	pc := h.pc
	p.mu.Lock()
	delete(p.active, h)
	p.releaseCount++
	closed := p.closed
	p.mu.Unlock()

	switch {
	case closed:
		p.destroy(pc, "closed")
		return
	case discard:
		p.destroy(pc, "discarded")
		return
	case pc.broken.Load():
		p.destroy(pc, "broken")
		return
	}

	if !p.check(pc) {
		p.mu.Lock()
		p.healthFails++
		p.mu.Unlock()
		healthFailures.WithLabelValues(p.config.Name).Inc()
		p.destroy(pc, "unhealthy")
		return
	}

	pc.lastUsed = time.Now()
	if !p.putIdle(pc) {
		p.destroy(pc, "overflow")
		return
	}
	log.WithField("pool", p.config.Name).WithField("conn", pc.id).Debug("connection released to pool")
}

// putIdle appends pc to the idle queue if the pool is open, not above
// MaxSize and the queue has room.
func (p *Pool) putIdle(pc *pooledConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.total > p.config.MaxSize || len(p.idle) >= p.config.MaxSize {
		return false
	}
	p.idle = append(p.idle, pc)
	return true
}

// destroy closes pc and removes it from total.
func (p *Pool) destroy(pc *pooledConn, reason string) {
	if err := pc.close(); err != nil {
		log.WithField("pool", p.config.Name).WithField("conn", pc.id).WithError(err).Debug("error closing connection")
	}
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	connectionsClosed.WithLabelValues(p.config.Name, reason).Inc()
	log.WithField("pool", p.config.Name).WithField("conn", pc.id).WithField("reason", reason).Debug("connection closed")
}

// check pings pc within HealthCheckTimeout. A panicking probe is unhealthy.
func (p *Pool) check(pc *pooledConn) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("pool", p.config.Name).WithField("conn", pc.id).WithField("panic", r).Warn("health probe panicked")
			healthy = false
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.config.HealthCheckTimeout)
	defer cancel()

	if err := pc.conn.Ping(ctx); err != nil {
		log.WithField("pool", p.config.Name).WithField("conn", pc.id).WithError(err).Debug("health probe failed")
		return false
	}
	return true
}

// Execute runs a statement on a pooled connection bounded by QueryTimeout.
func (p *Pool) Execute(ctx context.Context, query string, args ...any) (Result, error) {
	return p.ExecuteTimeout(ctx, 0, query, args...)
}

// ExecuteTimeout is Execute with an explicit timeout; zero uses QueryTimeout.
// Connections whose statement timed out or was cancelled are discarded;
// other failures go through the normal health-probed release.
func (p *Pool) ExecuteTimeout(ctx context.Context, timeout time.Duration, query string, args ...any) (Result, error) {
	h, err := p.Acquire(ctx)
	if err != nil {
		p.mu.Lock()
		p.queryErrors++
		p.mu.Unlock()
		queriesTotal.WithLabelValues(p.config.Name, "unavailable").Inc()
		return Result{}, err
	}
	defer h.Release()
	return h.ExecuteTimeout(ctx, timeout, query, args...)
}

// run executes query on pc. The statement runs on its own goroutine so an
// unresponsive driver cannot hold the caller past the timeout.
func (p *Pool) run(ctx context.Context, pc *pooledConn, timeout time.Duration, query string, args []any) (Result, error) {
	if pc.broken.Load() {
		return Result{}, apperrors.NewDatabaseError("execute", p.config.Backend, query,
			fmt.Errorf("connection unusable after interrupted statement: %w", apperrors.ErrConnection))
	}
	if timeout <= 0 {
		timeout = p.config.QueryTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	start := time.Now()
	go func() {
		res, err := pc.conn.Execute(qctx, query, args...)
		ch <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-qctx.Done():
		out = outcome{err: qctx.Err()}
	}
	queryDuration.WithLabelValues(p.config.Name).Observe(time.Since(start).Seconds())

	if out.err == nil {
		p.mu.Lock()
		p.queriesExecuted++
		p.mu.Unlock()
		queriesTotal.WithLabelValues(p.config.Name, "success").Inc()
		return out.res, nil
	}

	p.mu.Lock()
	p.queryErrors++
	p.mu.Unlock()

	switch {
	case qctx.Err() != nil && errors.Is(qctx.Err(), context.DeadlineExceeded):
		pc.broken.Store(true)
		queriesTotal.WithLabelValues(p.config.Name, "timeout").Inc()
		log.WithField("pool", p.config.Name).WithField("query", apperrors.QueryPreview(query)).Warn("query timed out")
		return Result{}, &apperrors.TimeoutError{Op: "query", Timeout: timeout, Err: out.err}
	case ctx.Err() != nil:
		pc.broken.Store(true)
		queriesTotal.WithLabelValues(p.config.Name, "cancelled").Inc()
		return Result{}, apperrors.NewDatabaseError("execute", p.config.Backend, query, ctx.Err())
	default:
		queriesTotal.WithLabelValues(p.config.Name, "error").Inc()
		var dbErr *apperrors.DatabaseError
		if errors.As(out.err, &dbErr) {
			return Result{}, out.err
		}
		return Result{}, apperrors.NewDatabaseError("execute", p.config.Backend, query, out.err)
	}
}

// healthLoop periodically checks idle connections until Close.
func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runHealthCheck(p.ctx)
		}
	}
}

// runHealthCheck probes idle connections in parallel, retires unhealthy
// and expired ones and tops the pool back up to MinSize.
func (p *Pool) runHealthCheck(ctx context.Context) {
	batch := p.drainIdle()

	healthy := make([]bool, len(batch))
	var g errgroup.Group
	now := time.Now()
	for i, pc := range batch {
		if p.config.IdleTimeout > 0 && now.Sub(pc.lastUsed) > p.config.IdleTimeout {
			continue
		}
		g.Go(func() error {
			healthy[i] = p.check(pc)
			return nil
		})
	}
	_ = g.Wait()

	var retired int
	for i, pc := range batch {
		switch {
		case healthy[i] && p.putIdle(pc):
		case healthy[i]:
			p.destroy(pc, "closed")
			retired++
		case p.config.IdleTimeout > 0 && now.Sub(pc.lastUsed) > p.config.IdleTimeout:
			p.destroy(pc, "expired")
			retired++
		default:
			p.mu.Lock()
			p.healthFails++
			p.mu.Unlock()
			healthFailures.WithLabelValues(p.config.Name).Inc()
			p.destroy(pc, "unhealthy")
			retired++
		}
		p.sem.Release(1)
	}

	if retired > 0 {
		log.WithField("pool", p.config.Name).WithField("retired", retired).Debug("health check removed connections")
	}

	if ctx.Err() == nil {
		p.replenish(ctx)
	}
	p.publish()
}

// drainIdle takes idle connections out of the queue, each holding an
// admission slot. It stops early when no slot is free.
func (p *Pool) drainIdle() []*pooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	batch := make([]*pooledConn, 0, len(p.idle))
	for len(p.idle) > 0 && p.sem.TryAcquire(1) {
		batch = append(batch, p.idle[0])
		p.idle[0] = nil
		p.idle = p.idle[1:]
	}
	return batch
}

// replenish creates connections until total reaches MinSize. The first
// failure ends the pass; the next tick tries again.
func (p *Pool) replenish(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.closed || p.total >= p.config.MinSize {
			p.mu.Unlock()
			return
		}
		if !p.sem.TryAcquire(1) {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		pc, err := p.create(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.sem.Release(1)
			log.WithField("pool", p.config.Name).WithError(err).Warn("failed to replenish pool")
			return
		}
		if !p.putIdle(pc) {
			p.destroy(pc, "closed")
		}
		p.sem.Release(1)
	}
}

// Close closes the pool and all connections. It stops the health loop,
// closes idle connections and any still checked out. Handles released
// afterwards close their connection. Calling Close again returns nil.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	active := make([]*pooledConn, 0, len(p.active))
	for h := range p.active {
		active = append(active, h.pc)
	}
	p.mu.Unlock()

	for _, pc := range idle {
		p.destroy(pc, "closed")
	}
	// Active connections are closed now and leave total when released.
	for _, pc := range active {
		if err := pc.close(); err != nil {
			log.WithField("pool", p.config.Name).WithField("conn", pc.id).WithError(err).Debug("error closing active connection")
		}
	}

	p.publish()
	log.WithField("pool", p.config.Name).
		WithField("idleClosed", len(idle)).
		WithField("activeClosed", len(active)).
		Info("pool closed")
	return nil
}

// Stats is an immutable snapshot of pool state.
type Stats struct {
	Name        string `json:"name"`
	MinSize     int    `json:"min_size"`
	MaxSize     int    `json:"max_size"`
	MaxOverflow int    `json:"max_overflow"`
	// Limit is MaxSize+MaxOverflow, the bound on live connections.
	Limit int `json:"limit"`

	TotalConnections  int `json:"total_connections"`
	IdleConnections   int `json:"idle_connections"`
	ActiveConnections int `json:"active_connections"`

	// WaitTime is the cumulative time spent in successful acquires.
	WaitTime time.Duration `json:"wait_time_ns"`
	// AvgWait is WaitTime divided by successful acquires.
	AvgWait time.Duration `json:"avg_wait_ns"`

	QueriesExecuted uint64 `json:"queries_executed"`
	// Errors counts failed Execute calls, including those that could not
	// obtain a connection.
	Errors           uint64 `json:"errors"`
	AcquireCount     uint64 `json:"acquire_count"`
	AcquireFailed    uint64 `json:"acquire_failed"`
	ReleaseCount     uint64 `json:"release_count"`
	HealthCheckFails uint64 `json:"health_check_fails"`

	Closed bool `json:"closed"`
}

// WaitTimeMillis returns the cumulative wait time in milliseconds.
func (s Stats) WaitTimeMillis() float64 {
	return float64(s.WaitTime) / float64(time.Millisecond)
}

// Utilization is the share of the connection limit currently checked out.
func (s Stats) Utilization() float64 {
	if s.Limit == 0 {
		return 0
	}
	return float64(s.ActiveConnections) / float64(s.Limit)
}

// Stats returns current pool statistics. ActiveConnections is computed
// from the set of checked-out handles.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Name:              p.config.Name,
		MinSize:           p.config.MinSize,
		MaxSize:           p.config.MaxSize,
		MaxOverflow:       p.config.MaxOverflow,
		Limit:             int(p.limit),
		TotalConnections:  p.total,
		IdleConnections:   len(p.idle),
		ActiveConnections: len(p.active),
		WaitTime:          p.waitTime,
		QueriesExecuted:   p.queriesExecuted,
		Errors:            p.queryErrors,
		AcquireCount:      p.acquireCount,
		AcquireFailed:     p.acquireFailed,
		ReleaseCount:      p.releaseCount,
		HealthCheckFails:  p.healthFails,
		Closed:            p.closed,
	}
	if p.waitCount > 0 {
		s.AvgWait = p.waitTime / time.Duration(p.waitCount)
	}
	return s
}

// Ping acquires a connection and probes it. Used by readiness checks.
func (p *Pool) Ping(ctx context.Context) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	ctx, cancel := context.WithTimeout(ctx, p.config.HealthCheckTimeout)
	defer cancel()
	if err := h.pc.conn.Ping(ctx); err != nil {
		h.pc.broken.Store(true)
		return apperrors.NewDatabaseError("ping", p.config.Backend, "", err)
	}
	return nil
}

func (p *Pool) publish() {
	UpdateMetrics(p.Stats())
}
