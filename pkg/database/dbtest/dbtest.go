// Package dbtest opens the Postgres instance named by DATABASE_URL for
// repository tests.
package dbtest

import (
	"os"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth-go/pkg/database"
)

// EnvURL names the variable holding the test database URL.
const EnvURL = "DATABASE_URL"

// Open migrates and connects to the test database, skipping t when
// DATABASE_URL is unset. The pool is closed when t finishes.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()
	url := os.Getenv(EnvURL)
	if url == "" {
		t.Skipf("%s not set", EnvURL)
	}
	if err := database.RunMigrations(url); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := database.Open(database.Config{DSN: url, MaxConns: 10, TimeZone: "UTC"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
