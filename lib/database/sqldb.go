package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/pool"
)

// MySQL error numbers worth retrying.
var retryableMySQLErrors = map[uint16]bool{
	1205: true, // ER_LOCK_WAIT_TIMEOUT
	1213: true, // ER_LOCK_DEADLOCK
	1040: true, // ER_CON_COUNT_ERROR
}

// sqlConnector hands out dedicated *sql.Conn sessions from one *sql.DB.
// The *sql.DB keeps no idle sessions, so closing a pooled connection
// really closes the session.
type sqlConnector struct {
	backend Backend
	driver  string
	db      *sql.DB
}

func newSQLConnector(backend Backend, dsn string, limit int) (*sqlConnector, error) {
	c := &sqlConnector{backend: backend}
	switch backend {
	case MySQL:
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return nil, fmt.Errorf("%w: mysql dsn: %w", apperrors.ErrConfiguration, err)
		}
		c.driver = "mysql"
	case SQLite:
		if dsn == "" {
			return nil, fmt.Errorf("%w: sqlite dsn is empty", apperrors.ErrConfiguration)
		}
		c.driver = "sqlite3"
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnsupportedBackend, string(backend))
	}

	db, err := sql.Open(c.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrConfiguration, backend, err)
	}
	db.SetMaxIdleConns(0)
	if limit > 0 {
		db.SetMaxOpenConns(limit)
	}
	c.db = db
	return c, nil
}

func (c *sqlConnector) Connect(ctx context.Context) (pool.Conn, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s connect: %w: %w", c.backend, apperrors.ErrConnection, err)
	}
	return &sqlConn{backend: c.backend, conn: conn}, nil
}

func (c *sqlConnector) Close() error {
	return c.db.Close()
}

type sqlConn struct {
	backend Backend
	conn    *sql.Conn
}

func (c *sqlConn) Execute(ctx context.Context, query string, args ...any) (pool.Result, error) {
	if !returnsRows(query) {
		r, err := c.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return pool.Result{}, c.wrap(query, err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			n = 0
		}
		return pool.Result{RowsAffected: n}, nil
	}

	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return pool.Result{}, c.wrap(query, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return pool.Result{}, c.wrap(query, err)
	}
	res := pool.Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return pool.Result{}, c.wrap(query, err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return pool.Result{}, c.wrap(query, err)
	}
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *sqlConn) Close() error {
	err := c.conn.Close()
	if errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}

func (c *sqlConn) wrap(query string, err error) error {
	dbErr := apperrors.NewDatabaseError("execute", string(c.backend), query, err)

	var myErr *mysql.MySQLError
	var liteErr sqlite3.Error
	switch {
	case errors.As(err, &myErr):
		dbErr.Transient = retryableMySQLErrors[myErr.Number]
	case errors.As(err, &liteErr):
		dbErr.Transient = liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	case errors.Is(err, mysql.ErrInvalidConn), errors.Is(err, sql.ErrConnDone):
		dbErr.Transient = true
	}
	return dbErr
}
