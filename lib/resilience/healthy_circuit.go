package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
)

var errProbePanic = fmt.Errorf("probe panicked: %w", apperrors.ErrInternal)

// Probe checks a dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// HealthyCircuitConfig configures a probe-driven circuit breaker.
type HealthyCircuitConfig struct {
	CircuitBreaker Config

	CheckInterval time.Duration
	ProbeTimeout  time.Duration
}

// DefaultHealthyCircuitConfig returns sensible defaults.
func DefaultHealthyCircuitConfig() HealthyCircuitConfig {
	return HealthyCircuitConfig{
		CircuitBreaker: DefaultConfig(),
		CheckInterval:  30 * time.Second,
		ProbeTimeout:   5 * time.Second,
	}
}

// HealthyCircuit feeds periodic probe results of a dependency into a
// circuit breaker, so callers are rejected while the dependency is down
// even if they have not failed themselves yet.
type HealthyCircuit struct {
	mu     sync.RWMutex
	config HealthyCircuitConfig
	name   string
	probe  Probe

	circuit *CircuitBreaker

	lastCheck   time.Time
	lastHealthy time.Time
	lastErr     error
	isHealthy   bool

	onUnhealthy func(error)
	onHealthy   func()

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHealthyCircuit creates a monitor for the dependency checked by probe.
func NewHealthyCircuit(name string, probe Probe, cfg HealthyCircuitConfig) *HealthyCircuit {
	def := DefaultHealthyCircuitConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}

	return &HealthyCircuit{
		config:    cfg,
		name:      name,
		probe:     probe,
		circuit:   NewCircuitBreaker(name, cfg.CircuitBreaker),
		isHealthy: true,
	}
}

// Circuit exposes the underlying breaker, e.g. to guard a pool connector.
func (hc *HealthyCircuit) Circuit() *CircuitBreaker {
	return hc.circuit
}

// SetCallbacks sets the callbacks for health transitions. They run on
// their own goroutines.
func (hc *HealthyCircuit) SetCallbacks(onUnhealthy func(error), onHealthy func()) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onUnhealthy = onUnhealthy
	hc.onHealthy = onHealthy
}

// Start begins monitoring. Calling Start on a running monitor is a no-op.
func (hc *HealthyCircuit) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	ctx, cancel := context.WithCancel(ctx)
	hc.cancel = cancel
	hc.mu.Unlock()

	log.WithField("circuit", hc.name).
		WithField("checkInterval", hc.config.CheckInterval).
		Debug("starting dependency monitor")

	hc.wg.Add(1)
	go func() {
		defer hc.wg.Done()
		hc.monitorLoop(ctx)
	}()
}

// Stop halts monitoring and waits for the loop to exit.
func (hc *HealthyCircuit) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	hc.cancel()
	hc.mu.Unlock()

	hc.wg.Wait()
	log.WithField("circuit", hc.name).Debug("dependency monitor stopped")
}

func (hc *HealthyCircuit) monitorLoop(ctx context.Context) {
	hc.Check(ctx)

	ticker := time.NewTicker(hc.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.Check(ctx)
		}
	}
}

// Check runs the probe once and records the result.
func (hc *HealthyCircuit) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, hc.config.ProbeTimeout)
	err := hc.runProbe(probeCtx)
	cancel()

	// A probe interrupted by shutdown says nothing about the dependency.
	if err != nil && ctx.Err() != nil {
		return hc.IsHealthy()
	}

	hc.mu.Lock()
	wasHealthy := hc.isHealthy
	hc.lastCheck = time.Now()
	hc.lastErr = err
	hc.isHealthy = err == nil
	if err == nil {
		hc.lastHealthy = hc.lastCheck
	}
	onUnhealthy := hc.onUnhealthy
	onHealthy := hc.onHealthy
	hc.mu.Unlock()

	if err == nil {
		hc.circuit.RecordSuccess()
		if !wasHealthy && onHealthy != nil {
			log.WithField("circuit", hc.name).Info("dependency recovered")
			go onHealthy()
		}
		return true
	}

	probeFailures.WithLabelValues(hc.name).Inc()
	hc.circuit.RecordFailure()
	if wasHealthy {
		log.WithField("circuit", hc.name).WithError(err).Warn("dependency probe failed")
		if onUnhealthy != nil {
			go onUnhealthy(err)
		}
	}
	return false
}

func (hc *HealthyCircuit) runProbe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("circuit", hc.name).WithField("panic", r).Error("probe panicked")
			err = errProbePanic
		}
	}()
	return hc.probe(ctx)
}

// Execute runs fn if the circuit allows it.
func (hc *HealthyCircuit) Execute(fn func() error) error {
	return hc.circuit.Execute(fn)
}

// ExecuteWithContext runs fn with context awareness.
func (hc *HealthyCircuit) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	return hc.circuit.ExecuteWithContext(ctx, fn)
}

// Allow checks if operations should be allowed based on circuit state.
func (hc *HealthyCircuit) Allow() bool {
	return hc.circuit.Allow()
}

// IsHealthy returns true if the last probe passed.
func (hc *HealthyCircuit) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.isHealthy
}

// Stats returns combined health and circuit breaker statistics.
func (hc *HealthyCircuit) Stats() HealthyCircuitStats {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	s := HealthyCircuitStats{
		IsHealthy:      hc.isHealthy,
		LastCheck:      hc.lastCheck,
		LastHealthy:    hc.lastHealthy,
		CircuitBreaker: hc.circuit.Stats(),
	}
	if hc.lastErr != nil {
		s.LastError = hc.lastErr.Error()
	}
	return s
}

// HealthyCircuitStats holds combined statistics.
type HealthyCircuitStats struct {
	IsHealthy      bool      `json:"healthy"`
	LastCheck      time.Time `json:"last_check"`
	LastHealthy    time.Time `json:"last_healthy"`
	LastError      string    `json:"last_error,omitempty"`
	CircuitBreaker Stats     `json:"circuit"`
}

// Reset resets both the circuit breaker and health state.
func (hc *HealthyCircuit) Reset() {
	hc.mu.Lock()
	hc.isHealthy = true
	hc.lastErr = nil
	hc.mu.Unlock()
	hc.circuit.Reset()
}
