package delegation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// Store persists delegations
type Store struct {
	db    *sql.DB
	retry storage.RetryConfig
}

// NewStore creates a new delegation store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, retry: storage.DefaultRetryConfig()}
}

const columns = `id, org_id, delegator_id, delegate_id, context_type, context_id, permission_ids,
	starts_at, ends_at, reason, revoked, revoked_by, revoked_at, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scan(row rowScanner) (*Delegation, error) {
	var d Delegation
	var ctxType string
	var perms storage.StringList
	var revokedAt sql.NullTime
	if err := row.Scan(&d.ID, &d.OrgID, &d.DelegatorID, &d.DelegateID, &ctxType, &d.Context.ID, &perms,
		&d.Start, &d.End, &d.Reason, &d.Revoked, &d.RevokedBy, &revokedAt, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Context.Type = rbac.ContextType(ctxType)
	d.PermissionIDs = []string(perms)
	d.Start = d.Start.UTC()
	d.End = d.End.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	d.RevokedAt = storage.TimePtr(revokedAt)
	return &d, nil
}

// Insert stores d unless a delegation with the same id exists, and reports
// whether it did.
func (s *Store) Insert(ctx context.Context, d *Delegation) (bool, error) {
	c := d.Context.Normalize()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delegations (id, org_id, delegator_id, delegate_id, context_type, context_id, permission_ids,
			starts_at, ends_at, reason, revoked, revoked_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, '', $11)
		ON CONFLICT (id) DO NOTHING
	`, d.ID, d.OrgID, d.DelegatorID, d.DelegateID, string(c.Type), c.ID, storage.StringList(d.PermissionIDs),
		d.Start, d.End, d.Reason, d.CreatedAt)
	if err != nil {
		return false, storage.WriteError("create delegation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.WriteError("create delegation", err)
	}
	return n > 0, nil
}

// Get retrieves a delegation of orgID by id
func (s *Store) Get(ctx context.Context, orgID, id string) (*Delegation, error) {
	var d *Delegation
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		var err error
		d, err = scan(s.db.QueryRowContext(ctx,
			`SELECT `+columns+` FROM delegations WHERE org_id = $1 AND id = $2`, orgID, id))
		return err
	})
	if err != nil {
		return nil, storage.ReadError(fmt.Sprintf("get delegation %s", id), err)
	}
	return d, nil
}

// List returns the delegations matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Delegation, error) {
	query := `SELECT ` + columns + ` FROM delegations WHERE org_id = $1`
	args := []interface{}{f.OrgID}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.DelegatorID != "" {
		add("delegator_id = $%d", f.DelegatorID)
	}
	if f.DelegateID != "" {
		add("delegate_id = $%d", f.DelegateID)
	}
	if !f.ActiveAt.IsZero() {
		query += " AND revoked = FALSE"
		add("starts_at <= $%d", f.ActiveAt)
		add("ends_at > $%d", f.ActiveAt)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	var out []Delegation
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			d, err := scan(rows)
			if err != nil {
				return err
			}
			out = append(out, *d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("list delegations", err)
	}
	return out, nil
}

// Revoke marks a delegation revoked. It reports false when it already was.
func (s *Store) Revoke(ctx context.Context, orgID, id, by string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delegations SET revoked = TRUE, revoked_by = $1, revoked_at = $2
		WHERE org_id = $3 AND id = $4 AND revoked = FALSE
	`, by, at, orgID, id)
	if err != nil {
		return false, storage.WriteError("revoke delegation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.WriteError("revoke delegation", err)
	}
	return n > 0, nil
}
