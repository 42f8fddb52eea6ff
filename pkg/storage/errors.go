package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness constraint rejected the write.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable indicates the store could not complete the operation.
	// Writes are keyed by deterministic ids, so callers can retry safely.
	ErrUnavailable = errors.New("store unavailable")
)

// IsUniqueViolation reports whether err is a unique or primary key violation
// from either supported driver.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// WriteError classifies a failed write. Unique violations become ErrConflict,
// context cancellation passes through, anything else becomes ErrUnavailable.
func WriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case IsUniqueViolation(err):
		return fmt.Errorf("failed to %s: %w: %v", op, ErrConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("failed to %s: %w", op, err)
	default:
		return fmt.Errorf("failed to %s: %w: %w", op, ErrUnavailable, err)
	}
}

// ReadError classifies a failed read. sql.ErrNoRows becomes ErrNotFound and
// driver failures become ErrUnavailable.
func ReadError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("failed to %s: %w", op, err)
	case errors.Is(err, ErrUnavailable):
		return fmt.Errorf("failed to %s: %w", op, err)
	default:
		return fmt.Errorf("failed to %s: %w: %w", op, ErrUnavailable, err)
	}
}
