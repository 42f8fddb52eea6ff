package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// Store persists audit entries in the audit_log table.
type Store struct {
	db    *sql.DB
	retry storage.RetryConfig
}

// NewStore creates a new database-backed audit store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, retry: storage.DefaultRetryConfig()}
}

const entryColumns = `id, org_id, user_id, action, resource_type, resource_id, permission_checked, result, context, changes, occurred_at`

// Insert writes e. Re-inserting an id that already exists is a no-op so a
// retried append never duplicates.
func (s *Store) Insert(ctx context.Context, e *Entry) error {
	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal audit context: %w", err)
	}
	if e.Context == nil {
		contextJSON = []byte("{}")
	}
	var changesJSON []byte
	if e.Changes != nil {
		changesJSON, err = json.Marshal(e.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal audit changes: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.OrgID, e.UserID, e.Action, e.ResourceType, e.ResourceID, e.PermissionChecked,
		string(e.Result), string(contextJSON), string(changesJSON), e.Timestamp)
	return storage.WriteError("insert audit entry", err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var result, contextJSON, changesJSON string
	if err := row.Scan(&e.ID, &e.OrgID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID,
		&e.PermissionChecked, &result, &contextJSON, &changesJSON, &e.Timestamp); err != nil {
		return nil, err
	}
	e.Result = Result(result)
	e.Timestamp = e.Timestamp.UTC()
	if contextJSON != "" && contextJSON != "{}" && contextJSON != "null" {
		if err := json.Unmarshal([]byte(contextJSON), &e.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit context: %w", err)
		}
	}
	if changesJSON != "" {
		e.Changes = &Changes{}
		if err := json.Unmarshal([]byte(changesJSON), e.Changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit changes: %w", err)
		}
	}
	return &e, nil
}

// Get retrieves one entry of orgID.
func (s *Store) Get(ctx context.Context, orgID, id string) (*Entry, error) {
	var e *Entry
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		var err error
		e, err = scanEntry(s.db.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM audit_log WHERE org_id = $1 AND id = $2`, orgID, id))
		return err
	})
	if err != nil {
		return nil, storage.ReadError(fmt.Sprintf("get audit entry %s", id), err)
	}
	return e, nil
}

// where builds the shared predicate of Search and Aggregate.
func (f Filter) where() (string, []interface{}) {
	clause := ` WHERE org_id = $1`
	args := []interface{}{f.OrgID}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		clause += fmt.Sprintf(" AND %s $%d", cond, len(args))
	}
	if f.UserID != "" {
		add("user_id =", f.UserID)
	}
	if f.Action != "" {
		add("action =", f.Action)
	}
	if f.ResourceType != "" {
		add("resource_type =", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id =", f.ResourceID)
	}
	if f.Result != "" {
		add("result =", string(f.Result))
	}
	if !f.From.IsZero() {
		add("occurred_at >=", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("occurred_at <", f.To.UTC())
	}
	return clause, args
}

// Search returns entries matching f, newest first.
func (s *Store) Search(ctx context.Context, f Filter) ([]Entry, error) {
	clause, args := f.where()
	query := `SELECT ` + entryColumns + ` FROM audit_log` + clause + ` ORDER BY occurred_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if f.Offset > 0 {
			args = append(args, f.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	var out []Entry
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			out = append(out, *e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("search audit log", err)
	}
	return out, nil
}

// Aggregate counts entries matching f grouped by action, user and result.
func (s *Store) Aggregate(ctx context.Context, f Filter) ([]Bucket, error) {
	clause, args := f.where()
	query := `SELECT action, user_id, result, COUNT(*) FROM audit_log` + clause +
		` GROUP BY action, user_id, result ORDER BY action, user_id, result`

	var out []Bucket
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var b Bucket
			var result string
			if err := rows.Scan(&b.Action, &b.UserID, &result, &b.Count); err != nil {
				return err
			}
			b.Result = Result(result)
			out = append(out, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("aggregate audit log", err)
	}
	return out, nil
}

// DeleteBefore removes entries older than cutoff. An empty orgID applies to
// every organization.
func (s *Store) DeleteBefore(ctx context.Context, orgID string, cutoff time.Time) (int64, error) {
	var res sql.Result
	var err error
	if orgID == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE occurred_at < $1`, cutoff.UTC())
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE org_id = $1 AND occurred_at < $2`, orgID, cutoff.UTC())
	}
	if err != nil {
		return 0, storage.WriteError("purge audit log", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storage.WriteError("purge audit log", err)
	}
	return n, nil
}
