package retry

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
)

// Config configures a retry Policy.
type Config struct {
	// Name labels the policy in logs and metrics.
	// Default: "default"
	Name string

	// MaxRetries is the number of retries after the first attempt.
	// Default: 3
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	// Default: 1s
	BaseDelay time.Duration

	// MaxDelay caps any single delay.
	// Default: 60s
	MaxDelay time.Duration

	// ExponentialBase is the growth factor between retries.
	// Default: 2.0
	ExponentialBase float64

	// Jitter randomizes exponential delays by up to JitterMax.
	// Default: true
	Jitter bool

	// JitterMax is the jitter fraction in [0,1].
	// Default: 0.1
	JitterMax float64

	// Strategy selects the backoff algorithm.
	// Default: StrategyExponential
	Strategy Strategy

	// RetryOn lists the errors worth retrying. Empty means
	// apperrors.DefaultRetryable.
	RetryOn []error

	// Classifier, if set, replaces RetryOn entirely.
	Classifier func(error) bool

	// OnRetry is called before each retry delay. Panics are recovered.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:            "default",
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		JitterMax:       0.1,
		Strategy:        StrategyExponential,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ExponentialBase < 1 {
		c.ExponentialBase = def.ExponentialBase
	}
	if c.JitterMax < 0 {
		c.JitterMax = 0
	}
	if c.JitterMax > 1 {
		c.JitterMax = 1
	}
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
}

// Stats describes one Execute call.
type Stats struct {
	Attempts   int
	Failures   int
	Delays     []time.Duration
	TotalDelay time.Duration
	Success    bool
	LastError  error
}

// Policy retries failed operations with backoff, optionally drawing each
// retry from a shared Budget. A Policy is safe for concurrent use.
type Policy struct {
	config Config
	budget *Budget

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a policy. budget may be nil for unlimited retries.
func NewPolicy(cfg Config, budget *Budget) *Policy {
	cfg.normalize()
	return &Policy{
		config: cfg,
		budget: budget,
		sleep:  sleepContext,
	}
}

// Config returns the normalized configuration.
func (p *Policy) Config() Config {
	return p.config
}

// Retryable reports whether err would be retried by this policy.
func (p *Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if p.config.Classifier != nil {
		return p.config.Classifier(err)
	}
	allowed := p.config.RetryOn
	if len(allowed) == 0 {
		allowed = apperrors.DefaultRetryable
	}
	return apperrors.IsRetryableWith(err, allowed)
}

// Execute runs fn until it succeeds, fails with a non-retryable error,
// runs out of attempts or budget, or ctx is done. Non-retryable errors are
// returned unchanged; exhaustion is reported as *apperrors.RetryExhaustedError.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := p.ExecuteWithStats(ctx, fn)
	return err
}

// ExecuteWithStats is Execute that also reports what happened.
func (p *Policy) ExecuteWithStats(ctx context.Context, fn func(ctx context.Context) error) (Stats, error) {
	var stats Stats
	backoff := newBackoff(p.config)
	name := p.config.Name

	for attempt := 1; ; attempt++ {
		stats.Attempts = attempt
		attemptsTotal.WithLabelValues(name).Inc()

		err := fn(ctx)
		if err == nil {
			stats.Success = true
			if attempt > 1 {
				log.WithField("policy", name).WithField("attempts", attempt).Debug("operation succeeded after retry")
			}
			return stats, nil
		}
		stats.Failures++
		stats.LastError = err

		if !p.Retryable(err) {
			return stats, err
		}

		if attempt > p.config.MaxRetries {
			exhaustedTotal.WithLabelValues(name, "attempts").Inc()
			log.WithField("policy", name).WithField("attempts", attempt).WithError(err).Warn("retries exhausted")
			return stats, &apperrors.RetryExhaustedError{Attempts: attempt, Last: err}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return stats, ctxErr
		}

		if p.budget != nil && !p.budget.Consume(1) {
			exhaustedTotal.WithLabelValues(name, "budget").Inc()
			log.WithField("policy", name).WithField("attempts", attempt).WithError(err).Warn("retry budget exhausted")
			return stats, &apperrors.RetryExhaustedError{Attempts: attempt, Last: err, BudgetExhausted: true}
		}

		delay := backoff.NextDelay(attempt-1, err)
		stats.Delays = append(stats.Delays, delay)
		stats.TotalDelay += delay
		retriesTotal.WithLabelValues(name).Inc()

		log.WithField("policy", name).
			WithField("attempt", attempt).
			WithField("delay", delay).
			WithError(err).
			Debug("retrying operation")
		p.notify(attempt, err, delay)

		if err := p.sleep(ctx, delay); err != nil {
			return stats, err
		}
	}
}

func (p *Policy) notify(attempt int, err error, delay time.Duration) {
	if p.config.OnRetry == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("policy", p.config.Name).WithField("panic", r).Error("retry callback panicked")
		}
	}()
	p.config.OnRetry(attempt, err, delay)
}

// Do runs fn under p and returns its value.
func Do[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	v, _, err := DoWithStats(ctx, p, fn)
	return v, err
}

// DoWithStats is Do that also reports what happened.
func DoWithStats[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, Stats, error) {
	var result T
	stats, err := p.ExecuteWithStats(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, stats, err
	}
	return result, stats, nil
}

// IsExhausted reports whether err came from a policy giving up.
func IsExhausted(err error) bool {
	var re *apperrors.RetryExhaustedError
	return errors.As(err, &re)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
