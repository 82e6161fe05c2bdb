// Package health aggregates named dependency checks into a single report
// for readiness endpoints and the CLI.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-i2p/dbpool/lib/metrics"
)

// Status is the outcome of a check or a whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// value maps a status onto the health_status gauge.
func (s Status) value() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// ErrDegraded marks a check result as degraded rather than failed.
var ErrDegraded = errors.New("degraded")

// Degraded wraps err so the check reports StatusDegraded.
func Degraded(err error) error {
	if err == nil {
		return ErrDegraded
	}
	return fmt.Errorf("%w: %w", ErrDegraded, err)
}

// CheckFunc probes one dependency. nil means healthy; an error wrapped by
// Degraded means degraded; any other error means unhealthy.
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Critical bool          `json:"critical"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report is the aggregated outcome of a Run.
type Report struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration_ns"`
}

// Healthy reports whether the service can take traffic. Degraded counts.
func (r Report) Healthy() bool {
	return r.Status != StatusUnhealthy
}

type check struct {
	name     string
	fn       CheckFunc
	critical bool
}

// Checker runs registered checks in parallel.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]check
	timeout time.Duration
	last    Report
}

// NewChecker creates a checker whose checks each get timeout to finish.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		checks:  make(map[string]check),
		timeout: timeout,
	}
}

// Register adds or replaces a named check. A failing critical check makes
// the report unhealthy; a failing non-critical one only degrades it.
func (c *Checker) Register(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check{name: name, fn: fn, critical: critical}
}

// Unregister removes a named check.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Run executes every check and aggregates the results. Check results are
// sorted by name.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make([]check, 0, len(c.checks))
	for _, ch := range c.checks {
		checks = append(checks, ch)
	}
	c.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].name < checks[j].name })

	start := time.Now()
	results := make([]CheckResult, len(checks))

	var g errgroup.Group
	for i, ch := range checks {
		g.Go(func() error {
			results[i] = c.runOne(ctx, ch)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:    aggregate(results),
		Checks:    results,
		Timestamp: start,
		Duration:  time.Since(start),
	}

	metrics.HealthStatus.Set(report.Status.value())
	for _, r := range results {
		if r.Status != StatusHealthy {
			metrics.HealthCheckFailures.WithLabelValues(r.Name).Inc()
		}
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()

	log.WithField("status", report.Status).
		WithField("checks", len(results)).
		WithField("duration", report.Duration).
		Debug("health checks completed")
	return report
}

// Last returns the most recent report. Its Timestamp is zero before the
// first Run.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Checker) runOne(ctx context.Context, ch check) (res CheckResult) {
	res = CheckResult{Name: ch.name, Critical: ch.critical, Status: StatusHealthy}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.WithField("check", ch.name).WithField("panic", r).Error("health check panicked")
			res.Status = StatusUnhealthy
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		res.Duration = time.Since(start)
	}()

	err := ch.fn(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrDegraded):
		res.Status = StatusDegraded
		res.Error = err.Error()
	default:
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		log.WithField("check", ch.name).WithField("critical", ch.critical).WithError(err).Warn("health check failed")
	}
	return res
}

func aggregate(results []CheckResult) Status {
	status := StatusHealthy
	for _, r := range results {
		switch {
		case r.Status == StatusUnhealthy && r.Critical:
			return StatusUnhealthy
		case r.Status != StatusHealthy:
			status = StatusDegraded
		}
	}
	return status
}
