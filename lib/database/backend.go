package database

import (
	"fmt"
	"strings"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
)

// Backend names a supported database kind.
type Backend string

const (
	Postgres Backend = "postgres"
	MySQL    Backend = "mysql"
	SQLite   Backend = "sqlite"
	Redis    Backend = "redis"
)

// Backends lists every supported backend.
var Backends = []Backend{Postgres, MySQL, SQLite, Redis}

// ParseBackend resolves a backend name, accepting common aliases.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pg", "pgx":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "redis":
		return Redis, nil
	default:
		return "", fmt.Errorf("%w: %q", apperrors.ErrUnsupportedBackend, name)
	}
}

// Dialect holds the statements a backend uses for transaction control
// and liveness checks.
type Dialect struct {
	Begin    string
	Commit   string
	Rollback string
	Ping     string
}

var dialects = map[Backend]Dialect{
	Postgres: {Begin: "BEGIN", Commit: "COMMIT", Rollback: "ROLLBACK", Ping: "SELECT 1"},
	MySQL:    {Begin: "START TRANSACTION", Commit: "COMMIT", Rollback: "ROLLBACK", Ping: "SELECT 1"},
	SQLite:   {Begin: "BEGIN", Commit: "COMMIT", Rollback: "ROLLBACK", Ping: "SELECT 1"},
	Redis:    {Begin: "MULTI", Commit: "EXEC", Rollback: "DISCARD", Ping: "PING"},
}

// DialectFor returns the dialect of b.
func DialectFor(b Backend) (Dialect, error) {
	d, ok := dialects[b]
	if !ok {
		return Dialect{}, fmt.Errorf("%w: %q", apperrors.ErrUnsupportedBackend, string(b))
	}
	return d, nil
}

// returnsRows guesses whether a SQL statement produces a result set.
func returnsRows(query string) bool {
	words := strings.Fields(strings.ToUpper(query))
	if len(words) == 0 {
		return false
	}
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "PRAGMA", "EXPLAIN", "VALUES", "DESCRIBE", "TABLE"} {
		if strings.HasPrefix(words[0], prefix) {
			return true
		}
	}
	for _, w := range words[1:] {
		if w == "RETURNING" {
			return true
		}
	}
	return false
}
