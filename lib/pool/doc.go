// Package pool provides a bounded pool of database connections with
// admission control, health checking and timeout-bounded execution.
//
// The pool supports:
//   - A hard bound of MaxSize+MaxOverflow live connections, enforced by a
//     weighted semaphore that every checkout holds
//   - FIFO reuse of idle connections, health-probed on every release
//   - A background loop that probes idle connections in parallel, retires
//     unhealthy or expired ones and tops the pool up to MinSize
//   - Per-statement timeouts; connections left in an unknown state by a
//     timeout or cancellation are closed instead of reused
//   - An optional circuit breaker around the connection factory
//   - Prometheus metrics for utilization, waits and statement outcomes
//
// # Basic Usage
//
//	factory := func(ctx context.Context) (pool.Conn, error) {
//	    return openBackendConn(ctx, dsn)
//	}
//
//	cfg := pool.DefaultConfig()
//	cfg.Name = "orders"
//	cfg.MinSize = 2
//	cfg.MaxSize = 10
//
//	p := pool.New(factory, cfg)
//	if err := p.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	res, err := p.Execute(ctx, "SELECT id FROM orders WHERE state = $1", "open")
//
// # Handles
//
// Acquire returns a Handle that owns the connection until it is released:
//
//	h, err := p.Acquire(ctx)
//	if err != nil {
//	    return err // *errors.ResourceExhaustedError when the pool stays full
//	}
//	defer h.Release()
//
//	if _, err := h.Execute(ctx, "UPDATE orders SET state = 'paid'"); err != nil {
//	    return err
//	}
//
// Releasing twice is harmless; only the first call returns the connection.
//
// # Metrics
//
// Pool metrics are registered with the metrics package:
//   - dbpool_pool_connections{pool,state}: total, idle, active and limit
//   - dbpool_pool_acquire_total{pool,result}: acquire outcomes
//   - dbpool_pool_acquire_wait_seconds{pool}: time to obtain a connection
//   - dbpool_pool_queries_total{pool,result}: statement outcomes
//   - dbpool_pool_query_duration_seconds{pool}: statement latency
//   - dbpool_pool_connections_created_total, dbpool_pool_connections_closed_total
//   - dbpool_pool_health_check_failures_total
package pool
