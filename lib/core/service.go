package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-i2p/dbpool/lib/database"
	"github.com/go-i2p/dbpool/lib/health"
	"github.com/go-i2p/dbpool/lib/metrics"
	"github.com/go-i2p/dbpool/lib/pool"
	"github.com/go-i2p/dbpool/lib/resilience"
	"github.com/go-i2p/dbpool/lib/retry"
	"github.com/go-i2p/dbpool/lib/web"
)

// ServiceState represents the current state of the service.
type ServiceState int

const (
	// StateInitial is the initial state before Start is called.
	StateInitial ServiceState = iota
	// StateStarting means the service is in the process of starting.
	StateStarting
	// StateRunning means the service is fully operational.
	StateRunning
	// StateStopping means the service is shutting down.
	StateStopping
	// StateStopped means the service has been stopped.
	StateStopped
)

func (s ServiceState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Option customizes a Service.
type Option func(*Service)

// WithFactory replaces the backend connector, e.g. with a fake in tests.
func WithFactory(f pool.Factory) Option {
	return func(s *Service) { s.factory = f }
}

// Service owns a database pool and everything that keeps it honest: the
// retry policy and budget, the connector circuit breaker, health checks
// and the ops HTTP server.
type Service struct {
	mu     sync.RWMutex
	config *Config
	logger *slog.Logger
	state  ServiceState

	factory pool.Factory

	db      *database.DB
	budget  *retry.Budget
	policy  *retry.Policy
	circuit *resilience.HealthyCircuit
	checker *health.Checker
	web     *web.Server

	// cancel is used to signal shutdown to all goroutines
	cancel context.CancelFunc
	// done signals that the service has fully stopped
	done chan struct{}

	startedAt time.Time

	onStateChange func(oldState, newState ServiceState)
	onError       func(err error, message string)
}

// NewService creates a new Service with the given configuration.
// Nothing connects until Start() is called.
func NewService(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		config: cfg,
		logger: logger.With("component", "service"),
		state:  StateInitial,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start builds and initializes all components:
//   - retry budget and policy
//   - connector circuit breaker, probed with a database ping
//   - database pool, warmed to its minimum size
//   - health checks
//   - the web server, if enabled
//
// Start blocks until the pool is initialized or an error occurs.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInitial && s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("cannot start service in state %s", s.state)
	}
	oldState := s.state
	s.state = StateStarting
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.emitStateChange(oldState, StateStarting)

	cfg := s.config
	s.logger.Info("starting service",
		"backend", cfg.Database.Backend,
		"pool", cfg.Pool.Name,
		"max_size", cfg.Pool.MaxSize,
	)

	if err := s.build(); err != nil {
		s.transitionToStopped()
		s.emitError(err, "failed to configure database")
		return fmt.Errorf("configuring database: %w", err)
	}

	if err := s.db.Initialize(ctx); err != nil {
		s.teardown(context.Background())
		s.transitionToStopped()
		s.emitError(err, "failed to initialize pool")
		return fmt.Errorf("initializing pool: %w", err)
	}

	serviceCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if s.circuit != nil {
		s.circuit.Start(serviceCtx)
	}

	if cfg.Web.Enabled {
		srv, err := web.New(web.Config{
			ListenAddr:    cfg.Web.Listen,
			HealthTimeout: cfg.Health.Timeout.Std(),
			RateLimit: web.RateLimitConfig{
				RequestsPerSecond: cfg.Web.RequestsPerSecond,
				BurstSize:         cfg.Web.Burst,
			},
			Logger: s.logger,
		}, s)
		if err == nil {
			err = srv.Start()
		}
		if err != nil {
			cancel()
			if srv != nil {
				srv.Stop(context.Background())
			}
			s.teardown(context.Background())
			s.transitionToStopped()
			s.emitError(err, "failed to start web server")
			return fmt.Errorf("starting web server: %w", err)
		}
		s.mu.Lock()
		s.web = srv
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.cancel = cancel
	s.state = StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	metrics.RecordStartTime()
	s.emitStateChange(StateStarting, StateRunning)
	s.logger.Info("service started")

	go s.run(serviceCtx)

	return nil
}

// build creates the components without connecting anything.
func (s *Service) build() error {
	cfg := s.config

	var budget *retry.Budget
	if cfg.Budget.Enabled {
		budget = retry.NewBudget(cfg.BudgetOptions())
	}
	var policy *retry.Policy
	if cfg.Retry.Enabled {
		policy = retry.NewPolicy(cfg.RetryOptions(), budget)
	}

	dbcfg := cfg.DatabaseOptions()

	var db *database.DB
	var circuit *resilience.HealthyCircuit
	if cfg.Breaker.Enabled {
		probe := func(ctx context.Context) error { return db.Ping(ctx) }
		circuit = resilience.NewHealthyCircuit("connector-"+cfg.Pool.Name, probe, cfg.BreakerOptions())
		circuit.SetCallbacks(
			func(err error) { s.emitError(err, "database unreachable") },
			func() { s.logger.Info("database reachable again") },
		)
		dbcfg.Pool.Breaker = circuit.Circuit()
	}

	var opts []database.Option
	if policy != nil {
		opts = append(opts, database.WithRetryPolicy(policy))
	}
	if s.factory != nil {
		opts = append(opts, database.WithConnector(s.factory))
	}

	db, err := database.New(dbcfg, opts...)
	if err != nil {
		return err
	}

	checker := health.NewChecker(cfg.Health.Timeout.Std())
	checker.Register("database", health.PoolCheck(db.Pool(), cfg.Health.UtilizationThreshold), true)
	if circuit != nil {
		checker.Register("connector", health.CircuitCheck(circuit), false)
	}

	s.mu.Lock()
	s.db = db
	s.budget = budget
	s.policy = policy
	s.circuit = circuit
	s.checker = checker
	s.mu.Unlock()
	return nil
}

// run is the main loop: periodic health checks until the context is cancelled.
func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	var tick <-chan time.Time
	if iv := s.config.Health.Interval.Std(); iv > 0 {
		ticker := time.NewTicker(iv)
		defer ticker.Stop()
		tick = ticker.C
	}

	last := health.StatusHealthy
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("service shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.teardown(shutdownCtx)
			cancel()

			s.mu.Lock()
			oldState := s.state
			s.state = StateStopped
			s.mu.Unlock()

			s.emitStateChange(oldState, StateStopped)
			return
		case <-tick:
			report := s.Health(ctx)
			if report.Status != last {
				s.logger.Warn("health status changed",
					"from", last,
					"to", report.Status,
				)
				last = report.Status
			}
		}
	}
}

// teardown stops the web server and breaker probe and closes the pool.
func (s *Service) teardown(ctx context.Context) {
	s.mu.Lock()
	srv, circuit, db := s.web, s.circuit, s.db
	s.web = nil
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Stop(ctx); err != nil {
			s.logger.Error("failed to stop web server", "error", err)
		}
	}
	if circuit != nil {
		circuit.Stop()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			s.logger.Error("failed to close database", "error", err)
		}
	}
}

// Stop gracefully shuts down the service.
// It blocks until all components have stopped or the context is cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("cannot stop service in state %s", s.state)
	}
	s.state = StateStopping
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	s.emitStateChange(StateRunning, StateStopping)
	s.logger.Info("stopping service")

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		s.logger.Info("service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transitionToStopped updates the state to stopped.
func (s *Service) transitionToStopped() {
	s.mu.Lock()
	oldState := s.state
	s.state = StateStopped
	s.mu.Unlock()
	s.emitStateChange(oldState, StateStopped)
}

// State returns the current state of the service.
func (s *Service) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Config returns the service's configuration.
func (s *Service) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// DB returns the database, or nil before Start.
func (s *Service) DB() *database.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// WebAddr returns the bound address of the web server, or "" if it is not running.
func (s *Service) WebAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.web == nil || s.web.Addr() == nil {
		return ""
	}
	return s.web.Addr().String()
}

// Done returns a channel that is closed when the service has stopped.
func (s *Service) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// StartedAt returns when the service was started.
// Returns zero time if not started.
func (s *Service) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Uptime returns how long the service has been running.
// Returns zero if not running.
func (s *Service) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startedAt.IsZero() || s.state != StateRunning {
		return 0
	}
	return time.Since(s.startedAt)
}

// PoolStats returns a snapshot of the pool, zero before Start.
func (s *Service) PoolStats() pool.Stats {
	db := s.DB()
	if db == nil {
		return pool.Stats{}
	}
	return db.Stats()
}

// CircuitStats returns the connector breaker state if the breaker is enabled.
func (s *Service) CircuitStats() (resilience.HealthyCircuitStats, bool) {
	s.mu.RLock()
	circuit := s.circuit
	s.mu.RUnlock()
	if circuit == nil {
		return resilience.HealthyCircuitStats{}, false
	}
	return circuit.Stats(), true
}

// BudgetTokens returns the retry budget balance if the budget is enabled.
func (s *Service) BudgetTokens() (float64, bool) {
	s.mu.RLock()
	budget := s.budget
	s.mu.RUnlock()
	if budget == nil {
		return 0, false
	}
	return budget.Tokens(), true
}

// Health runs all health checks once.
func (s *Service) Health(ctx context.Context) health.Report {
	s.mu.RLock()
	checker := s.checker
	s.mu.RUnlock()
	if checker == nil {
		return health.Report{
			Status:    health.StatusUnhealthy,
			Timestamp: time.Now(),
			Checks: []health.CheckResult{{
				Name:     "service",
				Status:   health.StatusUnhealthy,
				Critical: true,
				Error:    "not started",
			}},
		}
	}
	return checker.Run(ctx)
}

// SetOnStateChange sets a callback for state changes.
// The callback is invoked synchronously during state transitions.
func (s *Service) SetOnStateChange(callback func(oldState, newState ServiceState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = callback
}

// SetOnError sets a callback for error events.
// The callback is invoked when recoverable errors occur.
func (s *Service) SetOnError(callback func(err error, message string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = callback
}

// emitStateChange notifies the state change callback if set.
func (s *Service) emitStateChange(oldState, newState ServiceState) {
	s.mu.RLock()
	callback := s.onStateChange
	s.mu.RUnlock()

	if callback != nil {
		callback(oldState, newState)
	}
}

// emitError notifies the error callback if set.
func (s *Service) emitError(err error, message string) {
	s.mu.RLock()
	callback := s.onError
	s.mu.RUnlock()

	if callback != nil {
		callback(err, message)
	}
}
