// Package dbtest provides migrated throwaway databases for package tests.
package dbtest

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/whisper/dm/internal/db"
	"github.com/whisper/dm/internal/db/migrate"
)

// SQLite returns a freshly migrated SQLite database in t's temp dir.
func SQLite(t *testing.T) *sql.DB {
	t.Helper()
	dsn := "sqlite3://" + filepath.Join(t.TempDir(), "test.db")
	return open(t, dsn)
}

// Postgres returns a migrated PostgreSQL database named by TEST_DATABASE_URL,
// skipping the test when the variable is unset or the server is unreachable.
// Tables are truncated before and after the test.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	conn, err := db.Open(dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	conn.Close()

	conn = open(t, dsn)
	truncate := func() {
		_, _ = conn.Exec("TRUNCATE messages, users")
	}
	truncate()
	t.Cleanup(truncate)
	return conn
}

func open(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	if err := migrate.Run(dsn, "up"); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	conn, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("open %s: %v", dsn, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
