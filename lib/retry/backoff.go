package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Strategy names a backoff algorithm.
type Strategy string

const (
	// StrategyExponential is base*exp^attempt capped at MaxDelay, jittered
	// when Config.Jitter is set.
	StrategyExponential Strategy = "exponential"
	// StrategyJittered is exponential backoff that is always jittered.
	StrategyJittered Strategy = "jittered"
	// StrategyDecorrelated picks each delay between BaseDelay and three
	// times the previous delay, so concurrent callers drift apart.
	StrategyDecorrelated Strategy = "decorrelated"
)

// Backoff computes the delay before a retry. Attempt 0 is the first retry.
type Backoff interface {
	NextDelay(attempt int, lastErr error) time.Duration
}

// newBackoff returns a fresh strategy for one Execute call.
func newBackoff(cfg Config) Backoff {
	exp := exponentialBackoff{base: cfg.BaseDelay, max: cfg.MaxDelay, factor: cfg.ExponentialBase}
	switch {
	case cfg.Strategy == StrategyDecorrelated:
		return &decorrelatedBackoff{base: cfg.BaseDelay, max: cfg.MaxDelay, prev: cfg.BaseDelay, rng: newRand()}
	case cfg.Strategy == StrategyJittered || cfg.Jitter:
		return &jitteredBackoff{exp: exp, factor: cfg.JitterMax, rng: newRand()}
	default:
		return exp
	}
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- jitter does not need crypto randomness
}

// exponentialBackoff is min(base * factor^attempt, max).
type exponentialBackoff struct {
	base   time.Duration
	max    time.Duration
	factor float64
}

func (b exponentialBackoff) NextDelay(attempt int, _ error) time.Duration {
	if attempt < 0 {
		return 0
	}
	d := float64(b.base) * math.Pow(b.factor, float64(attempt))
	if math.IsNaN(d) || math.IsInf(d, 0) || d >= float64(b.max) {
		return b.max
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// jitteredBackoff scales the exponential delay by 1 ± factor,
// floored at zero and capped at the maximum.
type jitteredBackoff struct {
	exp    exponentialBackoff
	factor float64

	mu  sync.Mutex
	rng *rand.Rand
}

func (b *jitteredBackoff) NextDelay(attempt int, err error) time.Duration {
	d := b.exp.NextDelay(attempt, err)

	b.mu.Lock()
	mult := 1 + (b.rng.Float64()*2-1)*b.factor
	b.mu.Unlock()

	return clampDelay(time.Duration(float64(d)*mult), b.exp.max)
}

// decorrelatedBackoff draws each delay from [base, 3*previous], capped.
type decorrelatedBackoff struct {
	base time.Duration
	max  time.Duration
	prev time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func (b *decorrelatedBackoff) NextDelay(attempt int, _ error) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if attempt <= 0 {
		b.prev = b.base
		return clampDelay(b.base, b.max)
	}

	upper := min(time.Duration(float64(b.prev)*3), b.max)
	span := upper - b.base
	if span <= 0 {
		b.prev = b.base
		return clampDelay(b.base, b.max)
	}

	b.prev = b.base + time.Duration(b.rng.Int63n(int64(span)))
	return b.prev
}

func clampDelay(d, max time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > max {
		return max
	}
	return d
}
