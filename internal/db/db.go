// Package db opens the SQL database behind the message log and user
// directory. PostgreSQL (lib/pq) is the production backend; SQLite
// (go-sqlite3) serves local development and tests.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Supported dialects, named after the golang-migrate database drivers.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

// MigrationFS embeds the SQL migrations, one directory per dialect.
//
//go:embed migrations/postgres/*.sql migrations/sqlite3/*.sql
var MigrationFS embed.FS

// Dialect returns the dialect for a DSN based on its URL scheme.
func Dialect(dsn string) (string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DialectPostgres, nil
	case strings.HasPrefix(dsn, "sqlite3://"):
		return DialectSQLite, nil
	case dsn == "":
		return "", fmt.Errorf("db: DATABASE_URL is not set")
	default:
		return "", fmt.Errorf("db: unsupported DATABASE_URL scheme in %q", redact(dsn))
	}
}

// Open opens and pings the database named by dsn. Caller must call Close.
func Open(dsn string) (*sql.DB, error) {
	dialect, err := Dialect(dsn)
	if err != nil {
		return nil, err
	}

	var conn *sql.DB
	switch dialect {
	case DialectPostgres:
		conn, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("db: open postgres: %w", err)
		}
		conn.SetMaxOpenConns(50)
		conn.SetMaxIdleConns(20)
		conn.SetConnMaxLifetime(5 * time.Minute)
	case DialectSQLite:
		path := strings.TrimPrefix(dsn, "sqlite3://")
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		conn, err = sql.Open("sqlite3", path+sep+"_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite: %w", err)
		}
		// SQLite allows a single writer.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return conn, nil
}

// redact hides the userinfo part of a DSN for error messages.
func redact(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
