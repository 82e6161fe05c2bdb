package resilience

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func dialProbe(addr string) Probe {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

func TestHealthyCircuitDefaults(t *testing.T) {
	hc := NewHealthyCircuit("defaults", func(context.Context) error { return nil }, HealthyCircuitConfig{})
	if hc.config.CheckInterval != DefaultHealthyCircuitConfig().CheckInterval {
		t.Errorf("CheckInterval = %v", hc.config.CheckInterval)
	}
	if hc.config.ProbeTimeout <= 0 {
		t.Error("ProbeTimeout should be positive")
	}
	if !hc.IsHealthy() {
		t.Error("expected optimistic initial health")
	}
	if !hc.Circuit().IsClosed() {
		t.Errorf("expected closed circuit, got %v", hc.Circuit().State())
	}
}

func TestHealthyCircuitWithRealListener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	hc := NewHealthyCircuit("listener", dialProbe(listener.Addr().String()), HealthyCircuitConfig{
		CheckInterval: time.Hour,
		ProbeTimeout:  time.Second,
	})

	if !hc.Check(context.Background()) {
		t.Fatalf("expected healthy probe, stats %+v", hc.Stats())
	}
	stats := hc.Stats()
	if stats.LastHealthy.IsZero() || stats.LastCheck.IsZero() {
		t.Error("expected check timestamps to be set")
	}
	if stats.LastError != "" {
		t.Errorf("unexpected last error %q", stats.LastError)
	}
}

func TestHealthyCircuitProbeFailureOpensCircuit(t *testing.T) {
	down := errors.New("connection refused")
	hc := NewHealthyCircuit("failing", func(context.Context) error { return down }, HealthyCircuitConfig{
		CircuitBreaker: Config{FailureThreshold: 2, Timeout: time.Minute},
		CheckInterval:  10 * time.Millisecond,
		ProbeTimeout:   10 * time.Millisecond,
	})

	unhealthy := make(chan error, 1)
	hc.SetCallbacks(func(err error) { unhealthy <- err }, nil)

	hc.Start(context.Background())
	defer hc.Stop()

	select {
	case err := <-unhealthy:
		if !errors.Is(err, down) {
			t.Errorf("callback got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("onUnhealthy not invoked")
	}

	deadline := time.Now().Add(time.Second)
	for !hc.Circuit().IsOpen() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !hc.Circuit().IsOpen() {
		t.Errorf("expected open circuit, got %v", hc.Circuit().State())
	}
	if hc.Allow() {
		t.Error("open circuit should reject callers")
	}
	if hc.IsHealthy() {
		t.Error("expected unhealthy")
	}
}

func TestHealthyCircuitRecovery(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	probe := func(context.Context) error {
		if failing.Load() {
			return errors.New("down")
		}
		return nil
	}

	hc := NewHealthyCircuit("recovery", probe, HealthyCircuitConfig{
		CircuitBreaker: Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute},
	})
	recovered := make(chan struct{}, 1)
	hc.SetCallbacks(nil, func() { recovered <- struct{}{} })

	hc.Check(context.Background())
	if hc.IsHealthy() {
		t.Fatal("expected unhealthy after failing probe")
	}

	failing.Store(false)
	hc.Check(context.Background())
	if !hc.IsHealthy() {
		t.Fatal("expected healthy after passing probe")
	}
	select {
	case <-recovered:
	case <-time.After(time.Second):
		t.Fatal("onHealthy not invoked")
	}
}

func TestHealthyCircuitProbePanicIsUnhealthy(t *testing.T) {
	hc := NewHealthyCircuit("panics", func(context.Context) error { panic("boom") }, HealthyCircuitConfig{})

	if hc.Check(context.Background()) {
		t.Error("panicking probe must count as unhealthy")
	}
	if hc.Stats().LastError == "" {
		t.Error("expected last error to be recorded")
	}
}

func TestHealthyCircuitStartStopIdempotent(t *testing.T) {
	hc := NewHealthyCircuit("startstop", func(context.Context) error { return nil }, HealthyCircuitConfig{
		CheckInterval: 10 * time.Millisecond,
	})

	hc.Start(context.Background())
	hc.Start(context.Background())
	hc.Stop()
	hc.Stop()
}

func TestHealthyCircuitReset(t *testing.T) {
	hc := NewHealthyCircuit("reset", func(context.Context) error { return errors.New("down") }, HealthyCircuitConfig{
		CircuitBreaker: Config{FailureThreshold: 1, Timeout: time.Minute},
	})
	hc.Check(context.Background())
	if !hc.Circuit().IsOpen() {
		t.Fatalf("expected open, got %v", hc.Circuit().State())
	}

	hc.Reset()
	if !hc.IsHealthy() || !hc.Circuit().IsClosed() {
		t.Error("expected healthy and closed after reset")
	}

	if err := hc.ExecuteWithContext(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("unexpected error after reset: %v", err)
	}
}
