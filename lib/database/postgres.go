package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/pool"
)

// Serialization failures and deadlocks succeed when the transaction is
// run again.
var retryableSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"57P01": true, // admin_shutdown
	"08006": true, // connection_failure
	"08003": true, // connection_does_not_exist
}

type postgresConnector struct {
	config *pgx.ConnConfig
}

func newPostgresConnector(dsn string) (*postgresConnector, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres dsn: %w", apperrors.ErrConfiguration, err)
	}
	return &postgresConnector{config: cfg}, nil
}

func (c *postgresConnector) Connect(ctx context.Context) (pool.Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, c.config.Copy())
	if err != nil {
		return nil, fmt.Errorf("postgres connect %s: %w: %w", c.config.Host, apperrors.ErrConnection, err)
	}
	return &postgresConn{conn: conn}, nil
}

func (c *postgresConnector) Close() error { return nil }

type postgresConn struct {
	conn *pgx.Conn
}

func (c *postgresConn) Execute(ctx context.Context, query string, args ...any) (pool.Result, error) {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return pool.Result{}, postgresError(query, err)
	}
	defer rows.Close()

	var res pool.Result
	for _, f := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, f.Name)
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return pool.Result{}, postgresError(query, err)
		}
		res.Rows = append(res.Rows, vals)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return pool.Result{}, postgresError(query, err)
	}
	res.RowsAffected = rows.CommandTag().RowsAffected()
	return res, nil
}

func (c *postgresConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *postgresConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Close(ctx)
}

func postgresError(query string, err error) error {
	dbErr := apperrors.NewDatabaseError("execute", string(Postgres), query, err)

	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		dbErr.Transient = retryableSQLStates[pgErr.Code]
	case pgconn.SafeToRetry(err), pgconn.Timeout(err):
		dbErr.Transient = true
	}
	return dbErr
}
