package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/pool"
)

// Transaction is a BEGIN…COMMIT/ROLLBACK scope on one pooled connection.
// The connection goes back to the pool exactly once, when the transaction
// commits or rolls back, whether or not that statement succeeds.
type Transaction struct {
	db      *DB
	h       *pool.Handle
	started time.Time

	mu   sync.Mutex
	done bool
}

// Begin checks out a connection and starts a transaction on it.
func (db *DB) Begin(ctx context.Context) (*Transaction, error) {
	h, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := h.Execute(ctx, db.dialect.Begin); err != nil {
		h.Release()
		transactions.WithLabelValues(string(db.backend), "begin_failed").Inc()
		return nil, err
	}

	log.WithField("backend", db.backend).WithField("conn", h.ID()).Debug("transaction started")
	return &Transaction{db: db, h: h, started: time.Now()}, nil
}

// ID identifies the connection the transaction runs on.
func (tx *Transaction) ID() string {
	return tx.h.ID()
}

// Execute runs a statement inside the transaction.
func (tx *Transaction) Execute(ctx context.Context, query string, args ...any) (pool.Result, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return pool.Result{}, apperrors.ErrTxDone
	}
	return tx.h.Execute(ctx, query, args...)
}

// Commit makes the transaction's changes permanent.
func (tx *Transaction) Commit(ctx context.Context) error {
	return tx.finish(ctx, tx.db.dialect.Commit, "commit")
}

// Rollback abandons the transaction's changes.
func (tx *Transaction) Rollback(ctx context.Context) error {
	return tx.finish(ctx, tx.db.dialect.Rollback, "rollback")
}

func (tx *Transaction) finish(ctx context.Context, stmt, outcome string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return apperrors.ErrTxDone
	}
	tx.done = true

	backend := string(tx.db.backend)
	_, err := tx.h.Execute(ctx, stmt)
	if err != nil {
		// The session may still be inside the transaction.
		tx.h.Discard()
		transactions.WithLabelValues(backend, outcome+"_failed").Inc()
		log.WithField("backend", backend).WithField("conn", tx.h.ID()).WithError(err).Warn(outcome + " failed")
		return err
	}
	tx.h.Release()

	transactions.WithLabelValues(backend, outcome).Inc()
	txDuration.WithLabelValues(backend).Observe(time.Since(tx.started).Seconds())
	return nil
}

// RunInTransaction runs fn inside a transaction. It commits when fn
// returns nil and rolls back when fn returns an error or panics; a panic
// is re-raised once the connection is back in the pool.
func (db *DB) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				log.WithField("backend", db.backend).WithError(rbErr).Error("rollback after panic failed")
			}
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return fmt.Errorf("%w (rollback: %w)", err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}
