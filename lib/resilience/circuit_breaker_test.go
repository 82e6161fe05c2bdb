package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
)

func fastConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             50 * time.Millisecond,
		MaxHalfOpenRequests: 1,
	}
}

func TestCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker("defaults", Config{})
	if cb.config.FailureThreshold != DefaultConfig().FailureThreshold {
		t.Errorf("FailureThreshold = %d, want default", cb.config.FailureThreshold)
	}
	if cb.config.Timeout != DefaultConfig().Timeout {
		t.Errorf("Timeout = %v, want default", cb.config.Timeout)
	}
	if !cb.IsClosed() || cb.IsOpen() || cb.IsHalfOpen() {
		t.Errorf("expected initial state closed, got %v", cb.State())
	}
	if cb.Name() != "defaults" {
		t.Errorf("Name() = %q", cb.Name())
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Minute
	cb := NewCircuitBreaker("opens", cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		if cb.IsOpen() {
			t.Fatalf("circuit opened too early at failure %d", i)
		}
		cb.RecordFailure()
	}

	if !cb.IsOpen() {
		t.Fatalf("expected open, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("open circuit should reject")
	}
	if got := testutil.ToFloat64(breakerTrips.WithLabelValues("opens")); got != 1 {
		t.Errorf("trips = %v, want 1", got)
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 3
	cb := NewCircuitBreaker("reset-count", cfg)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if !cb.IsClosed() {
		t.Errorf("success should reset consecutive failures, state %v", cb.State())
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("recovery", fastConfig())
	cb.RecordFailure()
	cb.RecordFailure()

	time.Sleep(60 * time.Millisecond)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after timeout, got %v", cb.State())
	}

	if !cb.Allow() {
		t.Fatal("first half-open request should be allowed")
	}
	if cb.Allow() {
		t.Error("half-open should limit trial requests")
	}

	cb.RecordSuccess()
	if !cb.IsClosed() {
		t.Errorf("expected closed after trial success, got %v", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("reopen", fastConfig())
	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(60 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("trial request should be allowed")
	}
	cb.RecordFailure()
	if cb.stateNow() != CircuitOpen {
		t.Errorf("failed trial should reopen, got %v", cb.stateNow())
	}
}

// stateNow returns the stored state without the timeout projection.
func (cb *CircuitBreaker) stateNow() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func TestCircuitBreakerExecute(t *testing.T) {
	cb := NewCircuitBreaker("execute", fastConfig())

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	boom := errors.New("connection refused")
	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected underlying error, got %v", err)
		}
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !apperrors.IsCircuitOpen(err) {
		t.Errorf("expected circuit open error, got %v", err)
	}
	if called {
		t.Error("function must not run while open")
	}
}

func TestCircuitBreakerShouldTrip(t *testing.T) {
	syntax := errors.New("syntax error")
	cfg := fastConfig()
	cfg.ShouldTrip = func(err error) bool { return !errors.Is(err, syntax) }
	cb := NewCircuitBreaker("should-trip", cfg)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return syntax })
	}
	if !cb.IsClosed() {
		t.Errorf("non-tripping errors must not open the circuit, got %v", cb.State())
	}
}

func TestCircuitBreakerExecuteWithContext(t *testing.T) {
	cb := NewCircuitBreaker("ctx", fastConfig())

	err := cb.ExecuteWithContext(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = cb.ExecuteWithContext(ctx, func(ctx context.Context) error {
		t.Error("should not run with cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	// Cancellation mid-call is not a dependency failure.
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		_ = cb.ExecuteWithContext(ctx, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
	}
	if !cb.IsClosed() {
		t.Errorf("caller cancellation should not open the circuit, got %v", cb.State())
	}
}

func TestCircuitBreakerForceAndReset(t *testing.T) {
	cb := NewCircuitBreaker("force", Config{Timeout: time.Minute})

	cb.ForceOpen()
	if !cb.IsOpen() {
		t.Errorf("expected open, got %v", cb.State())
	}
	cb.ForceClose()
	if !cb.IsClosed() {
		t.Errorf("expected closed, got %v", cb.State())
	}

	cb.ForceOpen()
	cb.Reset()
	stats := cb.Stats()
	if stats.State != CircuitClosed || stats.FailureCount != 0 {
		t.Errorf("unexpected stats after reset: %+v", stats)
	}
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	cb := NewCircuitBreaker("callback", fastConfig())

	changes := make(chan [2]CircuitState, 4)
	cb.SetStateChangeCallback(func(from, to CircuitState) {
		changes <- [2]CircuitState{from, to}
	})

	cb.RecordFailure()
	cb.RecordFailure()

	select {
	case c := <-changes:
		if c[0] != CircuitClosed || c[1] != CircuitOpen {
			t.Errorf("unexpected transition %v -> %v", c[0], c[1])
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestCircuitBreakerConcurrency(t *testing.T) {
	cb := NewCircuitBreaker("concurrency", Config{
		FailureThreshold:    100,
		SuccessThreshold:    10,
		Timeout:             time.Second,
		MaxHalfOpenRequests: 50,
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				cb.Allow()
				if n%2 == 0 {
					cb.RecordSuccess()
				} else {
					cb.RecordFailure()
				}
			}
		}(i)
	}
	wg.Wait()

	switch cb.State() {
	case CircuitClosed, CircuitOpen, CircuitHalfOpen:
	default:
		t.Errorf("unexpected state %v", cb.State())
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state    CircuitState
		expected string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("CircuitState(%d).String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}
