package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/pool"
)

// Server replies that mean "try again shortly".
var retryableRedisPrefixes = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN"}

// redisConnector hands out sticky sessions from one go-redis client.
type redisConnector struct {
	client *redis.Client
	addr   string
}

func newRedisConnector(dsn string, limit int) (*redisConnector, error) {
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: redis dsn: %w", apperrors.ErrConfiguration, err)
	}
	if limit > 0 {
		opt.PoolSize = limit
	}
	opt.MinIdleConns = 0
	return &redisConnector{client: redis.NewClient(opt), addr: opt.Addr}, nil
}

func (c *redisConnector) Connect(ctx context.Context) (pool.Conn, error) {
	conn := c.client.Conn()
	// Sessions are dialed lazily; force it so failures surface here.
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("redis connect %s: %w: %w", c.addr, apperrors.ErrConnection, err)
	}
	return &redisConn{conn: conn}, nil
}

func (c *redisConnector) Close() error {
	return c.client.Close()
}

// redisConn is one sticky session. Statements are whitespace-separated
// commands; args are appended after the query words.
type redisConn struct {
	conn *redis.Conn

	mu      sync.Mutex
	inMulti bool
}

func (c *redisConn) Execute(ctx context.Context, query string, args ...any) (pool.Result, error) {
	words := strings.Fields(query)
	if len(words) == 0 {
		return pool.Result{}, apperrors.NewDatabaseError("execute", string(Redis), query,
			fmt.Errorf("%w: empty command", apperrors.ErrInvalidInput))
	}
	cmd := make([]any, 0, len(words)+len(args))
	for _, w := range words {
		cmd = append(cmd, w)
	}
	cmd = append(cmd, args...)

	rc := redis.NewCmd(ctx, cmd...)
	_ = c.conn.Process(ctx, rc)
	v, err := rc.Result()
	switch strings.ToUpper(words[0]) {
	case "MULTI":
		if err == nil {
			c.setMulti(true)
		}
	case "EXEC", "DISCARD":
		c.setMulti(false)
	}

	if errors.Is(err, redis.Nil) {
		return pool.Result{}, nil
	}
	if err != nil {
		return pool.Result{}, redisError(query, err)
	}
	return redisResult(v), nil
}

func (c *redisConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx).Err()
}

// Close discards an open MULTI so the session goes back clean.
func (c *redisConn) Close() error {
	c.mu.Lock()
	inMulti := c.inMulti
	c.inMulti = false
	c.mu.Unlock()

	if inMulti {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		rc := redis.NewCmd(ctx, "DISCARD")
		if err := c.conn.Process(ctx, rc); err != nil {
			log.WithError(err).Debug("failed to discard open redis transaction")
		}
		cancel()
	}
	return c.conn.Close()
}

func (c *redisConn) setMulti(v bool) {
	c.mu.Lock()
	c.inMulti = v
	c.mu.Unlock()
}

func redisResult(v any) pool.Result {
	res := pool.Result{Columns: []string{"value"}}
	switch v := v.(type) {
	case nil:
		return pool.Result{}
	case int64:
		res.RowsAffected = v
		res.Rows = [][]any{{v}}
	case []any:
		for _, item := range v {
			res.Rows = append(res.Rows, []any{item})
		}
		res.RowsAffected = int64(len(v))
	default:
		res.Rows = [][]any{{v}}
	}
	return res
}

func redisError(query string, err error) error {
	dbErr := apperrors.NewDatabaseError("execute", string(Redis), query, err)

	var rerr redis.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case errors.As(err, &rerr):
		msg := rerr.Error()
		for _, prefix := range retryableRedisPrefixes {
			if strings.HasPrefix(msg, prefix) {
				dbErr.Transient = true
				break
			}
		}
	default:
		// Anything that is not a server reply is a broken session.
		dbErr.Transient = true
	}
	return dbErr
}
