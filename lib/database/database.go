// Package database puts a backend-selecting façade over the connection
// pool: postgres through pgx, mysql and sqlite through database/sql, and
// redis through go-redis. It adds optional retries and transaction scopes.
package database

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/pool"
	"github.com/go-i2p/dbpool/lib/retry"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend
	// DSN is backend specific: a postgres URL or keyword string, a
	// go-sql-driver/mysql DSN, a sqlite file name, or a redis:// URL.
	DSN  string
	Pool pool.Config
}

// connector creates backend connections and owns whatever they share.
type connector interface {
	Connect(ctx context.Context) (pool.Conn, error)
	Close() error
}

type options struct {
	factory pool.Factory
	policy  *retry.Policy
}

// Option customizes New.
type Option func(*options)

// WithConnector replaces the backend driver with factory. The backend's
// dialect is still used for transactions.
func WithConnector(factory pool.Factory) Option {
	return func(o *options) { o.factory = factory }
}

// WithRetryPolicy makes Execute retry through p. Statements inside a
// Transaction are never retried.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(o *options) { o.policy = p }
}

// DB is a pooled database of one backend.
type DB struct {
	backend Backend
	dialect Dialect
	pool    *pool.Pool
	conn    connector
	policy  *retry.Policy
}

// New builds the pool for cfg.Backend. No connection is made until
// Initialize or the first Acquire.
func New(cfg Config, opts ...Option) (*DB, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dialect, err := DialectFor(cfg.Backend)
	if err != nil {
		return nil, err
	}

	pcfg := cfg.Pool
	pcfg.Backend = string(cfg.Backend)
	if pcfg.Name == "" || pcfg.Name == pool.DefaultConfig().Name {
		pcfg.Name = string(cfg.Backend)
	}

	db := &DB{
		backend: cfg.Backend,
		dialect: dialect,
		policy:  o.policy,
	}

	factory := o.factory
	if factory == nil {
		db.conn, err = newConnector(cfg.Backend, cfg.DSN, pcfg.MaxSize+pcfg.MaxOverflow)
		if err != nil {
			return nil, err
		}
		factory = db.conn.Connect
	}
	db.pool = pool.New(factory, pcfg)

	log.WithField("backend", cfg.Backend).
		WithField("pool", pcfg.Name).
		WithField("customConnector", o.factory != nil).
		Debug("database configured")
	return db, nil
}

func newConnector(b Backend, dsn string, limit int) (connector, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: %s dsn is empty", apperrors.ErrConfiguration, b)
	}
	switch b {
	case Postgres:
		return newPostgresConnector(dsn)
	case MySQL, SQLite:
		return newSQLConnector(b, dsn, limit)
	case Redis:
		return newRedisConnector(dsn, limit)
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnsupportedBackend, string(b))
	}
}

// Backend returns the configured backend.
func (db *DB) Backend() Backend { return db.backend }

// Dialect returns the backend's transaction statements.
func (db *DB) Dialect() Dialect { return db.dialect }

// Pool exposes the underlying connection pool.
func (db *DB) Pool() *pool.Pool { return db.pool }

// Initialize creates the pool's minimum connections.
func (db *DB) Initialize(ctx context.Context) error {
	return db.pool.Initialize(ctx)
}

// Execute runs a statement on a pooled connection, retrying through the
// configured policy if there is one.
func (db *DB) Execute(ctx context.Context, query string, args ...any) (pool.Result, error) {
	if db.policy == nil {
		return db.pool.Execute(ctx, query, args...)
	}
	return retry.Do(ctx, db.policy, func(ctx context.Context) (pool.Result, error) {
		return db.pool.Execute(ctx, query, args...)
	})
}

// Acquire checks out a connection for several statements. The caller
// must Release the handle.
func (db *DB) Acquire(ctx context.Context) (*pool.Handle, error) {
	return db.pool.Acquire(ctx)
}

// Ping checks one pooled connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Stats returns the pool statistics.
func (db *DB) Stats() pool.Stats {
	return db.pool.Stats()
}

// Close closes the pool and then the driver resources behind it.
func (db *DB) Close() error {
	err := db.pool.Close()
	if db.conn != nil {
		if cerr := db.conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close %s driver: %w", db.backend, cerr))
		}
	}
	return err
}
