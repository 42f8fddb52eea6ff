package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

const migrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		component TEXT NOT NULL,
		version INTEGER NOT NULL,
		description TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL,
		PRIMARY KEY (component, version)
	)
`

// Migrate applies every migration of component that has not been recorded in
// schema_migrations yet, each inside its own transaction. It returns the
// number of migrations applied.
func Migrate(ctx context.Context, db *sql.DB, component string, migrations []Migration) (int, error) {
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db, component)
	if err != nil {
		return 0, err
	}

	ordered := make([]Migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	count := 0
	for _, m := range ordered {
		if applied[m.Version] {
			continue
		}
		if err := applyMigration(ctx, db, component, m); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func appliedVersions(ctx context.Context, db *sql.DB, component string) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations WHERE component = $1`, component)
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, db *sql.DB, component string, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %s/%d: %w", component, m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to apply migration %s/%d (%s): %w", component, m.Version, m.Description, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (component, version, description, applied_at) VALUES ($1, $2, $3, $4)`,
		component, m.Version, m.Description, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration %s/%d: %w", component, m.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s/%d: %w", component, m.Version, err)
	}
	return nil
}
