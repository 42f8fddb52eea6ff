// Package storagetest provides database fixtures for package tests.
package storagetest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// MigrationSet names the migrations of one component.
type MigrationSet struct {
	Component  string
	Migrations []storage.Migration
}

// NewSQLite opens a private in-memory SQLite database, applies the given
// migration sets in order and closes the database when the test ends.
//
// The pool is pinned to one connection: every connection to ":memory:" would
// otherwise get its own empty database.
func NewSQLite(t *testing.T, sets ...MigrationSet) *sql.DB {
	t.Helper()

	db, err := sql.Open(storage.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	migrate(t, db, sets)
	return db
}

// RequirePostgres connects to GATEKEEPER_TEST_POSTGRES and applies the given
// migration sets, or skips the test if no database is configured.
func RequirePostgres(t *testing.T, sets ...MigrationSet) *sql.DB {
	t.Helper()

	dsn := os.Getenv("GATEKEEPER_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("Skipping test: GATEKEEPER_TEST_POSTGRES environment variable not set (database not available)")
	}

	db, err := sql.Open(storage.DriverPostgres, dsn)
	if err != nil {
		t.Skipf("Failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("Database not reachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	migrate(t, db, sets)
	return db
}

func migrate(t *testing.T, db *sql.DB, sets []MigrationSet) {
	t.Helper()
	for _, set := range sets {
		if _, err := storage.Migrate(context.Background(), db, set.Component, set.Migrations); err != nil {
			t.Fatalf("Failed to migrate %s: %v", set.Component, err)
		}
	}
}
