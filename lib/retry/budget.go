package retry

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BudgetConfig configures a Budget.
type BudgetConfig struct {
	// MaxTokens is the bucket capacity.
	// Default: 100
	MaxTokens int
	// RefillRate is tokens added per second.
	// Default: 10
	RefillRate float64
	// MinThreshold is the balance a consumption may not dip below.
	// Default: 10
	MinThreshold float64
}

// DefaultBudgetConfig returns sensible defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MaxTokens:    100,
		RefillRate:   10,
		MinThreshold: 10,
	}
}

// Budget is a token bucket shared by every policy that retries against
// the same dependency. It caps aggregate retry volume so that a failing
// backend is not hit by a storm of retries from all callers at once.
type Budget struct {
	mu        sync.Mutex
	lim       *rate.Limiter
	threshold float64
	now       func() time.Time
}

// NewBudget creates a full budget.
func NewBudget(cfg BudgetConfig) *Budget {
	def := DefaultBudgetConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = def.RefillRate
	}
	if cfg.MinThreshold < 0 {
		cfg.MinThreshold = 0
	}
	if cfg.MinThreshold > float64(cfg.MaxTokens) {
		cfg.MinThreshold = float64(cfg.MaxTokens)
	}

	return &Budget{
		lim:       rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.MaxTokens),
		threshold: cfg.MinThreshold,
		now:       time.Now,
	}
}

// Consume takes n tokens if the balance stays at or above MinThreshold
// afterwards. It never blocks.
func (b *Budget) Consume(n int) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.lim.TokensAt(now)-float64(n) < b.threshold {
		budgetRejections.Inc()
		return false
	}
	return b.lim.AllowN(now, n)
}

// Tokens returns the current balance.
func (b *Budget) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.TokensAt(b.now())
}
