// Package core wires the dbpool building blocks into a running service.
// It loads configuration, builds the database pool with its retry policy,
// retry budget and connector circuit breaker, runs health checks and
// serves the ops HTTP surface.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/go-i2p/dbpool/lib/database"
	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/pool"
	"github.com/go-i2p/dbpool/lib/resilience"
	"github.com/go-i2p/dbpool/lib/retry"
	"github.com/go-i2p/dbpool/lib/validation"
)

// Default configuration values
const (
	DefaultBackend              = "postgres"
	DefaultDSN                  = "postgres://localhost:5432/postgres"
	DefaultWebListen            = "127.0.0.1:9090"
	DefaultHealthInterval       = 30 * time.Second
	DefaultHealthTimeout        = 5 * time.Second
	DefaultUtilizationThreshold = 0.9
)

// Environment variables that override the file.
const (
	EnvDSN         = "DBPOOL_DSN"
	EnvBackend     = "DBPOOL_BACKEND"
	EnvPoolMaxSize = "DBPOOL_POOL_MAX_SIZE"
	EnvWebListen   = "DBPOOL_WEB_LISTEN"
)

// Config holds all configuration for a dbpool service.
type Config struct {
	Database DatabaseConfig `toml:"database" yaml:"database"`
	Pool     PoolConfig     `toml:"pool" yaml:"pool"`
	Retry    RetryConfig    `toml:"retry" yaml:"retry"`
	Budget   BudgetConfig   `toml:"budget" yaml:"budget"`
	Breaker  BreakerConfig  `toml:"breaker" yaml:"breaker"`
	Health   HealthConfig   `toml:"health" yaml:"health"`
	Web      WebConfig      `toml:"web" yaml:"web"`
}

// DatabaseConfig selects the backend.
type DatabaseConfig struct {
	// Backend is one of postgres, mysql, sqlite or redis.
	Backend string `toml:"backend" yaml:"backend"`
	// DSN is the backend connection string
	DSN string `toml:"dsn" yaml:"dsn"`
}

// PoolConfig contains connection pool settings.
type PoolConfig struct {
	Name                string   `toml:"name" yaml:"name"`
	MinSize             int      `toml:"min_size" yaml:"min_size"`
	MaxSize             int      `toml:"max_size" yaml:"max_size"`
	MaxOverflow         int      `toml:"max_overflow" yaml:"max_overflow"`
	ConnectionTimeout   Duration `toml:"connection_timeout" yaml:"connection_timeout"`
	QueryTimeout        Duration `toml:"query_timeout" yaml:"query_timeout"`
	IdleTimeout         Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	HealthCheckInterval Duration `toml:"health_check_interval" yaml:"health_check_interval"`
	HealthCheckTimeout  Duration `toml:"health_check_timeout" yaml:"health_check_timeout"`
}

// RetryConfig contains the retry policy applied to Execute.
type RetryConfig struct {
	// Enabled wraps database Execute calls in the retry policy
	Enabled         bool     `toml:"enabled" yaml:"enabled"`
	MaxRetries      int      `toml:"max_retries" yaml:"max_retries"`
	BaseDelay       Duration `toml:"base_delay" yaml:"base_delay"`
	MaxDelay        Duration `toml:"max_delay" yaml:"max_delay"`
	ExponentialBase float64  `toml:"exponential_base" yaml:"exponential_base"`
	Jitter          bool     `toml:"jitter" yaml:"jitter"`
	JitterMax       float64  `toml:"jitter_max" yaml:"jitter_max"`
	// Strategy is exponential, jittered or decorrelated.
	Strategy string `toml:"strategy" yaml:"strategy"`
}

// BudgetConfig contains the retry budget shared by all retries.
type BudgetConfig struct {
	Enabled      bool    `toml:"enabled" yaml:"enabled"`
	MaxTokens    int     `toml:"max_tokens" yaml:"max_tokens"`
	RefillRate   float64 `toml:"refill_rate" yaml:"refill_rate"`
	MinThreshold float64 `toml:"min_threshold" yaml:"min_threshold"`
}

// BreakerConfig contains the circuit breaker guarding connection creation.
type BreakerConfig struct {
	Enabled             bool     `toml:"enabled" yaml:"enabled"`
	FailureThreshold    int      `toml:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold    int      `toml:"success_threshold" yaml:"success_threshold"`
	Timeout             Duration `toml:"timeout" yaml:"timeout"`
	MaxHalfOpenRequests int      `toml:"max_half_open_requests" yaml:"max_half_open_requests"`
	// ProbeInterval is how often the database is pinged to drive the breaker
	ProbeInterval Duration `toml:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  Duration `toml:"probe_timeout" yaml:"probe_timeout"`
}

// HealthConfig contains health check settings.
type HealthConfig struct {
	// Interval is how often checks run in the background. Zero disables.
	Interval Duration `toml:"interval" yaml:"interval"`
	// Timeout bounds each check
	Timeout Duration `toml:"timeout" yaml:"timeout"`
	// UtilizationThreshold marks the pool degraded at this active/limit ratio
	UtilizationThreshold float64 `toml:"utilization_threshold" yaml:"utilization_threshold"`
}

// WebConfig contains ops HTTP server settings.
type WebConfig struct {
	// Enabled controls whether the server is started
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// Listen is the address to bind the web server to
	Listen            string  `toml:"listen" yaml:"listen"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `toml:"burst" yaml:"burst"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	pd := pool.DefaultConfig()
	rd := retry.DefaultConfig()
	bd := retry.DefaultBudgetConfig()
	cd := resilience.DefaultConfig()
	hd := resilience.DefaultHealthyCircuitConfig()

	return &Config{
		Database: DatabaseConfig{
			Backend: DefaultBackend,
			DSN:     DefaultDSN,
		},
		Pool: PoolConfig{
			Name:                pd.Name,
			MinSize:             pd.MinSize,
			MaxSize:             pd.MaxSize,
			MaxOverflow:         pd.MaxOverflow,
			ConnectionTimeout:   Duration(pd.ConnectionTimeout),
			QueryTimeout:        Duration(pd.QueryTimeout),
			IdleTimeout:         Duration(pd.IdleTimeout),
			HealthCheckInterval: Duration(pd.HealthCheckInterval),
			HealthCheckTimeout:  Duration(pd.HealthCheckTimeout),
		},
		Retry: RetryConfig{
			Enabled:         true,
			MaxRetries:      rd.MaxRetries,
			BaseDelay:       Duration(rd.BaseDelay),
			MaxDelay:        Duration(rd.MaxDelay),
			ExponentialBase: rd.ExponentialBase,
			Jitter:          rd.Jitter,
			JitterMax:       rd.JitterMax,
			Strategy:        string(rd.Strategy),
		},
		Budget: BudgetConfig{
			Enabled:      true,
			MaxTokens:    bd.MaxTokens,
			RefillRate:   bd.RefillRate,
			MinThreshold: bd.MinThreshold,
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			FailureThreshold:    cd.FailureThreshold,
			SuccessThreshold:    cd.SuccessThreshold,
			Timeout:             Duration(cd.Timeout),
			MaxHalfOpenRequests: cd.MaxHalfOpenRequests,
			ProbeInterval:       Duration(hd.CheckInterval),
			ProbeTimeout:        Duration(hd.ProbeTimeout),
		},
		Health: HealthConfig{
			Interval:             Duration(DefaultHealthInterval),
			Timeout:              Duration(DefaultHealthTimeout),
			UtilizationThreshold: DefaultUtilizationThreshold,
		},
		Web: WebConfig{
			Enabled:           true,
			Listen:            DefaultWebListen,
			RequestsPerSecond: 10,
			Burst:             30,
		},
	}
}

type format int

const (
	formatTOML format = iota
	formatYAML
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatTOML
	}
}

// LoadConfig reads configuration from a TOML or YAML file, chosen by
// extension, then applies environment overrides.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := cfg.decode(data, formatOf(path)); err != nil {
			return nil, fmt.Errorf("parsing config file: %w: %w", apperrors.ErrConfiguration, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) decode(data []byte, f format) error {
	if f == formatYAML {
		return yaml.Unmarshal(data, c)
	}
	return toml.Unmarshal(data, c)
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvBackend); v != "" {
		c.Database.Backend = v
	}
	if v := os.Getenv(EnvPoolMaxSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MaxSize = n
		} else {
			log.WithField("value", v).WithError(err).Warn("ignoring " + EnvPoolMaxSize)
		}
	}
	if v := os.Getenv(EnvWebListen); v != "" {
		c.Web.Listen = v
	}
}

// SaveConfig writes the configuration as TOML or YAML, chosen by extension.
// It creates the parent directory if it doesn't exist. The file may hold
// credentials in the DSN, so it is written owner-only.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if formatOf(path) == formatYAML {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors. All problems are
// reported at once; the result matches apperrors.ErrConfiguration.
func (c *Config) Validate() error {
	var errs validation.Errors

	if _, err := database.ParseBackend(c.Database.Backend); err != nil {
		errs.Add(validation.NewResult("database.backend", err.Error(), validation.ErrInvalidFormat))
	}
	errs.Add(validation.Required("database.dsn", c.Database.DSN))

	errs.Add(validation.Name("pool.name", c.Pool.Name))
	errs.Add(validation.PoolSizes("pool", c.Pool.MinSize, c.Pool.MaxSize, c.Pool.MaxOverflow))
	errs.Add(validation.PositiveDuration("pool.connection_timeout", c.Pool.ConnectionTimeout.Std()))
	errs.Add(validation.PositiveDuration("pool.query_timeout", c.Pool.QueryTimeout.Std()))
	errs.Add(validation.NonNegativeDuration("pool.idle_timeout", c.Pool.IdleTimeout.Std()))
	errs.Add(validation.NonNegativeDuration("pool.health_check_interval", c.Pool.HealthCheckInterval.Std()))

	if c.Retry.Enabled {
		errs.Add(validation.IntRange("retry.max_retries", c.Retry.MaxRetries, 0, 100))
		errs.Add(validation.DurationBetween("retry.base_delay", c.Retry.BaseDelay.Std(), validation.MinDuration, validation.MaxDuration))
		errs.Add(validation.DurationBetween("retry.max_delay", c.Retry.MaxDelay.Std(), validation.MinDuration, validation.MaxDuration))
		if c.Retry.MaxDelay < c.Retry.BaseDelay {
			errs.Add(validation.NewResult("retry.max_delay", "must not be less than base_delay", validation.ErrOutOfRange))
		}
		errs.Add(validation.FloatRange("retry.exponential_base", c.Retry.ExponentialBase, 1, 10))
		errs.Add(validation.Fraction("retry.jitter_max", c.Retry.JitterMax))
		errs.Add(validation.OneOf("retry.strategy", c.Retry.Strategy,
			string(retry.StrategyExponential), string(retry.StrategyJittered), string(retry.StrategyDecorrelated)))
	}

	if c.Budget.Enabled {
		errs.Add(validation.Positive("budget.max_tokens", c.Budget.MaxTokens))
		if c.Budget.RefillRate <= 0 {
			errs.Add(validation.NewResult("budget.refill_rate", "must be positive", validation.ErrOutOfRange))
		}
		errs.Add(validation.FloatRange("budget.min_threshold", c.Budget.MinThreshold, 0, float64(c.Budget.MaxTokens)))
	}

	if c.Breaker.Enabled {
		errs.Add(validation.Positive("breaker.failure_threshold", c.Breaker.FailureThreshold))
		errs.Add(validation.Positive("breaker.success_threshold", c.Breaker.SuccessThreshold))
		errs.Add(validation.Positive("breaker.max_half_open_requests", c.Breaker.MaxHalfOpenRequests))
		errs.Add(validation.PositiveDuration("breaker.timeout", c.Breaker.Timeout.Std()))
		errs.Add(validation.PositiveDuration("breaker.probe_interval", c.Breaker.ProbeInterval.Std()))
		errs.Add(validation.PositiveDuration("breaker.probe_timeout", c.Breaker.ProbeTimeout.Std()))
	}

	errs.Add(validation.NonNegativeDuration("health.interval", c.Health.Interval.Std()))
	errs.Add(validation.PositiveDuration("health.timeout", c.Health.Timeout.Std()))
	errs.Add(validation.Fraction("health.utilization_threshold", c.Health.UtilizationThreshold))

	if c.Web.Enabled {
		errs.Add(validation.HostPort("web.listen", c.Web.Listen))
	}

	if errs.HasErrors() {
		return fmt.Errorf("%w: %w", apperrors.ErrConfiguration, errs)
	}
	return nil
}

// DatabaseOptions returns the database settings with the pool attached.
// The breaker is left nil; Service attaches one when enabled.
func (c *Config) DatabaseOptions() database.Config {
	b, _ := database.ParseBackend(c.Database.Backend)
	return database.Config{
		Backend: b,
		DSN:     c.Database.DSN,
		Pool:    c.PoolOptions(),
	}
}

// PoolOptions converts the pool section to pool.Config.
func (c *Config) PoolOptions() pool.Config {
	return pool.Config{
		Name:                c.Pool.Name,
		MinSize:             c.Pool.MinSize,
		MaxSize:             c.Pool.MaxSize,
		MaxOverflow:         c.Pool.MaxOverflow,
		ConnectionTimeout:   c.Pool.ConnectionTimeout.Std(),
		QueryTimeout:        c.Pool.QueryTimeout.Std(),
		IdleTimeout:         c.Pool.IdleTimeout.Std(),
		HealthCheckInterval: c.Pool.HealthCheckInterval.Std(),
		HealthCheckTimeout:  c.Pool.HealthCheckTimeout.Std(),
	}
}

// RetryOptions converts the retry section to retry.Config.
func (c *Config) RetryOptions() retry.Config {
	return retry.Config{
		Name:            c.Pool.Name,
		MaxRetries:      c.Retry.MaxRetries,
		BaseDelay:       c.Retry.BaseDelay.Std(),
		MaxDelay:        c.Retry.MaxDelay.Std(),
		ExponentialBase: c.Retry.ExponentialBase,
		Jitter:          c.Retry.Jitter,
		JitterMax:       c.Retry.JitterMax,
		Strategy:        retry.Strategy(c.Retry.Strategy),
	}
}

// BudgetOptions converts the budget section to retry.BudgetConfig.
func (c *Config) BudgetOptions() retry.BudgetConfig {
	return retry.BudgetConfig{
		MaxTokens:    c.Budget.MaxTokens,
		RefillRate:   c.Budget.RefillRate,
		MinThreshold: c.Budget.MinThreshold,
	}
}

// BreakerOptions converts the breaker section to a probe-driven circuit config.
func (c *Config) BreakerOptions() resilience.HealthyCircuitConfig {
	return resilience.HealthyCircuitConfig{
		CircuitBreaker: resilience.Config{
			FailureThreshold:    c.Breaker.FailureThreshold,
			SuccessThreshold:    c.Breaker.SuccessThreshold,
			Timeout:             c.Breaker.Timeout.Std(),
			MaxHalfOpenRequests: c.Breaker.MaxHalfOpenRequests,
		},
		CheckInterval: c.Breaker.ProbeInterval.Std(),
		ProbeTimeout:  c.Breaker.ProbeTimeout.Std(),
	}
}
