package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// Store handles RBAC data persistence
type Store struct {
	db    *sql.DB
	retry storage.RetryConfig
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, retry: storage.DefaultRetryConfig()}
}

// DB exposes the underlying handle to components sharing the store.
func (s *Store) DB() *sql.DB { return s.db }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// --- permissions -------------------------------------------------------------

const permissionColumns = `id, resource_type, action, scope, description, built_in, created_at`

func scanPermission(row rowScanner) (*Permission, error) {
	var p Permission
	var scope string
	if err := row.Scan(&p.ID, &p.ResourceType, &p.Action, &scope, &p.Description, &p.BuiltIn, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Scope = Scope(scope)
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// InsertPermission registers p unless a permission with the same id exists.
// It reports whether a row was inserted.
func (s *Store) InsertPermission(ctx context.Context, p *Permission) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO permissions (id, resource_type, action, scope, description, built_in, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.ResourceType, p.Action, string(p.Scope), p.Description, p.BuiltIn, p.CreatedAt)
	if err != nil {
		return false, storage.WriteError("insert permission", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.WriteError("insert permission", err)
	}
	return n > 0, nil
}

// GetPermission retrieves a permission by id
func (s *Store) GetPermission(ctx context.Context, id string) (*Permission, error) {
	var p *Permission
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		var err error
		p, err = scanPermission(s.db.QueryRowContext(ctx,
			`SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return nil, storage.ReadError(fmt.Sprintf("get permission %s", id), err)
	}
	return p, nil
}

// ListPermissions lists permissions, optionally restricted to one resource type.
func (s *Store) ListPermissions(ctx context.Context, resourceType string) ([]Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions`
	var args []interface{}
	if resourceType != "" {
		query += ` WHERE resource_type = $1`
		args = append(args, resourceType)
	}
	query += ` ORDER BY resource_type, action, scope`

	var perms []Permission
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		perms = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanPermission(rows)
			if err != nil {
				return err
			}
			perms = append(perms, *p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("list permissions", err)
	}
	return perms, nil
}

// UpdatePermissionDescription changes the only mutable permission field.
func (s *Store) UpdatePermissionDescription(ctx context.Context, id, description string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE permissions SET description = $1 WHERE id = $2`, description, id)
	if err != nil {
		return storage.WriteError("update permission", err)
	}
	return expectRow(res, "permission", id)
}

// PermissionReferenced reports whether any role grant or override uses id.
func (s *Store) PermissionReferenced(ctx context.Context, id string) (bool, error) {
	var n int
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT (SELECT COUNT(*) FROM role_permissions WHERE permission_id = $1)
			     + (SELECT COUNT(*) FROM user_overrides WHERE permission_id = $1)
		`, id).Scan(&n)
	})
	if err != nil {
		return false, storage.ReadError("count permission references", err)
	}
	return n > 0, nil
}

// DeletePermission removes a permission.
func (s *Store) DeletePermission(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return storage.WriteError("delete permission", err)
	}
	return expectRow(res, "permission", id)
}

// --- roles -------------------------------------------------------------------

const roleColumns = `id, org_id, code, name, description, level, is_system, created_at, updated_at`

func scanRole(row rowScanner) (*Role, error) {
	var r Role
	if err := row.Scan(&r.ID, &r.OrgID, &r.Code, &r.Name, &r.Description, &r.Level, &r.IsSystem, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// InsertRole creates a role unless one with the same id exists, and reports
// whether it did. Code or level collisions surface as storage.ErrConflict.
func (s *Store) InsertRole(ctx context.Context, r *Role) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (id, org_id, code, name, description, level, is_system, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.OrgID, r.Code, r.Name, r.Description, r.Level, r.IsSystem, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return false, storage.WriteError("create role", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.WriteError("create role", err)
	}
	return n > 0, nil
}

// GetRole retrieves a role of orgID by id
func (s *Store) GetRole(ctx context.Context, orgID, roleID string) (*Role, error) {
	return s.getRole(ctx, fmt.Sprintf("get role %s", roleID),
		`SELECT `+roleColumns+` FROM roles WHERE org_id = $1 AND id = $2`, orgID, roleID)
}

// GetRoleByCode retrieves a role of orgID by code
func (s *Store) GetRoleByCode(ctx context.Context, orgID, code string) (*Role, error) {
	return s.getRole(ctx, fmt.Sprintf("get role %s", code),
		`SELECT `+roleColumns+` FROM roles WHERE org_id = $1 AND code = $2`, orgID, code)
}

// HighestAuthorityRole returns the role with the lowest level in orgID.
func (s *Store) HighestAuthorityRole(ctx context.Context, orgID string) (*Role, error) {
	return s.getRole(ctx, "get highest authority role",
		`SELECT `+roleColumns+` FROM roles WHERE org_id = $1 ORDER BY level ASC LIMIT 1`, orgID)
}

func (s *Store) getRole(ctx context.Context, op, query string, args ...interface{}) (*Role, error) {
	var r *Role
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		var err error
		r, err = scanRole(s.db.QueryRowContext(ctx, query, args...))
		return err
	})
	if err != nil {
		return nil, storage.ReadError(op, err)
	}
	return r, nil
}

// ListRoles lists the roles of orgID from highest to lowest authority.
func (s *Store) ListRoles(ctx context.Context, orgID string) ([]Role, error) {
	var roles []Role
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		roles = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+roleColumns+` FROM roles WHERE org_id = $1 ORDER BY level ASC`, orgID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRole(rows)
			if err != nil {
				return err
			}
			roles = append(roles, *r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("list roles", err)
	}
	return roles, nil
}

// UpdateRole persists name, description and level.
func (s *Store) UpdateRole(ctx context.Context, r *Role) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE roles SET name = $1, description = $2, level = $3, updated_at = $4
		WHERE org_id = $5 AND id = $6
	`, r.Name, r.Description, r.Level, r.UpdatedAt, r.OrgID, r.ID)
	if err != nil {
		return storage.WriteError("update role", err)
	}
	return expectRow(res, "role", r.ID)
}

// DeleteRole removes a role and its grants.
func (s *Store) DeleteRole(ctx context.Context, orgID, roleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.WriteError("delete role", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return storage.WriteError("delete role grants", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE org_id = $1 AND id = $2`, orgID, roleID)
	if err != nil {
		return storage.WriteError("delete role", err)
	}
	if err := expectRow(res, "role", roleID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storage.WriteError("delete role", err)
	}
	return nil
}

// RoleHolders counts memberships and open invitations referencing roleID.
func (s *Store) RoleHolders(ctx context.Context, roleID string) (int, error) {
	var n int
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT (SELECT COUNT(*) FROM memberships WHERE role_id = $1)
			     + (SELECT COUNT(*) FROM invitations WHERE role_id = $1 AND accepted_at IS NULL)
		`, roleID).Scan(&n)
	})
	if err != nil {
		return 0, storage.ReadError("count role holders", err)
	}
	return n, nil
}

// --- role grants -------------------------------------------------------------

// SetGrant creates or updates the grant of permissionID to roleID.
func (s *Store) SetGrant(ctx context.Context, g RoleGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, granted)
		VALUES ($1, $2, $3)
		ON CONFLICT (role_id, permission_id) DO UPDATE SET granted = excluded.granted
	`, g.RoleID, g.PermissionID, g.Granted)
	return storage.WriteError("set role grant", err)
}

// DeleteGrant removes a grant row.
func (s *Store) DeleteGrant(ctx context.Context, roleID, permissionID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return storage.WriteError("delete role grant", err)
	}
	return expectRow(res, "role grant", roleID+"/"+permissionID)
}

// ListGrants lists every grant row of roleID.
func (s *Store) ListGrants(ctx context.Context, roleID string) ([]RoleGrant, error) {
	var grants []RoleGrant
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		grants = nil
		rows, err := s.db.QueryContext(ctx, `
			SELECT role_id, permission_id, granted FROM role_permissions
			WHERE role_id = $1 ORDER BY permission_id
		`, roleID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var g RoleGrant
			if err := rows.Scan(&g.RoleID, &g.PermissionID, &g.Granted); err != nil {
				return err
			}
			grants = append(grants, g)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("list role grants", err)
	}
	return grants, nil
}

// GrantedPermissions returns the permissions granted (granted = true) to any
// of roleIDs.
func (s *Store) GrantedPermissions(ctx context.Context, roleIDs []string) ([]Permission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(roleIDs))
	args := make([]interface{}, len(roleIDs))
	for i, id := range roleIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := `
		SELECT DISTINCT p.id, p.resource_type, p.action, p.scope, p.description, p.built_in, p.created_at
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.granted = TRUE AND rp.role_id IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY p.id`

	var perms []Permission
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		perms = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanPermission(rows)
			if err != nil {
				return err
			}
			perms = append(perms, *p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("list granted permissions", err)
	}
	return perms, nil
}

// --- memberships -------------------------------------------------------------

const membershipColumns = `id, org_id, user_id, role_id, context_type, context_id, granted_by, granted_at`

func scanMembership(row rowScanner) (*Membership, error) {
	var m Membership
	var ctxType string
	if err := row.Scan(&m.ID, &m.OrgID, &m.UserID, &m.RoleID, &ctxType, &m.Context.ID, &m.GrantedBy, &m.GrantedAt); err != nil {
		return nil, err
	}
	m.Context.Type = ContextType(ctxType)
	m.GrantedAt = m.GrantedAt.UTC()
	return &m, nil
}

// UpsertMembership sets the user's role in the membership's context,
// replacing any previous role there. The stored row is returned.
func (s *Store) UpsertMembership(ctx context.Context, m *Membership) (*Membership, error) {
	if err := upsertMembership(ctx, s.db, m); err != nil {
		return nil, err
	}
	return s.storedMembership(ctx, m)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertMembership(ctx context.Context, db execer, m *Membership) error {
	c := m.Context.Normalize()
	_, err := db.ExecContext(ctx, `
		INSERT INTO memberships (id, org_id, user_id, role_id, context_type, context_id, granted_by, granted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (org_id, user_id, context_type, context_id)
		DO UPDATE SET role_id = excluded.role_id, granted_by = excluded.granted_by, granted_at = excluded.granted_at
	`, m.ID, m.OrgID, m.UserID, m.RoleID, string(c.Type), c.ID, m.GrantedBy, m.GrantedAt)
	return storage.WriteError("upsert membership", err)
}

// storedMembership reads back the row m was written to.
func (s *Store) storedMembership(ctx context.Context, m *Membership) (*Membership, error) {
	c := m.Context.Normalize()
	return s.getMembership(ctx, "get membership",
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE org_id = $1 AND user_id = $2 AND context_type = $3 AND context_id = $4`,
		m.OrgID, m.UserID, string(c.Type), c.ID)
}

// GetMembership retrieves a membership of orgID by id.
func (s *Store) GetMembership(ctx context.Context, orgID, id string) (*Membership, error) {
	return s.getMembership(ctx, fmt.Sprintf("get membership %s", id),
		`SELECT `+membershipColumns+` FROM memberships WHERE org_id = $1 AND id = $2`, orgID, id)
}

func (s *Store) getMembership(ctx context.Context, op, query string, args ...interface{}) (*Membership, error) {
	var m *Membership
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		var err error
		m, err = scanMembership(s.db.QueryRowContext(ctx, query, args...))
		return err
	})
	if err != nil {
		return nil, storage.ReadError(op, err)
	}
	return m, nil
}

// ListMemberships lists memberships in orgID, optionally for one user.
func (s *Store) ListMemberships(ctx context.Context, orgID, userID string) ([]Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE org_id = $1`
	args := []interface{}{orgID}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	query += ` ORDER BY user_id, context_type, context_id`

	var out []Membership
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMembership(rows)
			if err != nil {
				return err
			}
			out = append(out, *m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("list memberships", err)
	}
	return out, nil
}

// DeleteMembership removes a membership.
func (s *Store) DeleteMembership(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memberships WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return storage.WriteError("delete membership", err)
	}
	return expectRow(res, "membership", id)
}

// UsersWithRole returns the sorted, distinct users holding the role coded
// roleCode in orgID whose membership covers c. Organization-wide memberships
// cover every context; an organization-wide c matches every membership.
func (s *Store) UsersWithRole(ctx context.Context, orgID, roleCode string, c Context) ([]string, error) {
	query := `
		SELECT DISTINCT m.user_id
		FROM memberships m
		JOIN roles r ON r.id = m.role_id
		WHERE m.org_id = $1 AND r.code = $2`
	args := []interface{}{orgID, roleCode}
	if !c.OrganizationWide() {
		query += ` AND (m.context_type = $3 OR (m.context_type = $4 AND m.context_id = $5))`
		args = append(args, string(ContextOrganization), string(c.Type), c.ID)
	}
	query += ` ORDER BY m.user_id`

	var users []string
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		users = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var u string
			if err := rows.Scan(&u); err != nil {
				return err
			}
			users = append(users, u)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("list role holders", err)
	}
	sort.Strings(users)
	return users, nil
}

// UserRoles returns the roles a user holds in orgID through any membership,
// highest authority first.
func (s *Store) UserRoles(ctx context.Context, orgID, userID string) ([]Role, error) {
	var roles []Role
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		roles = nil
		rows, err := s.db.QueryContext(ctx, `
			SELECT DISTINCT r.id, r.org_id, r.code, r.name, r.description, r.level, r.is_system, r.created_at, r.updated_at
			FROM memberships m
			JOIN roles r ON r.id = m.role_id
			WHERE m.org_id = $1 AND m.user_id = $2
			ORDER BY r.level ASC
		`, orgID, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRole(rows)
			if err != nil {
				return err
			}
			roles = append(roles, *r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("list user roles", err)
	}
	return roles, nil
}

// --- overrides ---------------------------------------------------------------

// UpsertOverride creates or replaces an override.
func (s *Store) UpsertOverride(ctx context.Context, o *Override) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_overrides (org_id, user_id, permission_id, granted, set_by, set_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (org_id, user_id, permission_id)
		DO UPDATE SET granted = excluded.granted, set_by = excluded.set_by, set_at = excluded.set_at
	`, o.OrgID, o.UserID, o.PermissionID, o.Granted, o.SetBy, o.SetAt)
	return storage.WriteError("set override", err)
}

// GetOverride returns the override for the exact permission, or storage.ErrNotFound.
func (s *Store) GetOverride(ctx context.Context, orgID, userID, permissionID string) (*Override, error) {
	var o Override
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT org_id, user_id, permission_id, granted, set_by, set_at
			FROM user_overrides WHERE org_id = $1 AND user_id = $2 AND permission_id = $3
		`, orgID, userID, permissionID).Scan(&o.OrgID, &o.UserID, &o.PermissionID, &o.Granted, &o.SetBy, &o.SetAt)
	})
	if err != nil {
		return nil, storage.ReadError("get override", err)
	}
	o.SetAt = o.SetAt.UTC()
	return &o, nil
}

// ListOverrides lists the overrides of orgID, optionally for one user.
func (s *Store) ListOverrides(ctx context.Context, orgID, userID string) ([]Override, error) {
	query := `SELECT org_id, user_id, permission_id, granted, set_by, set_at FROM user_overrides WHERE org_id = $1`
	args := []interface{}{orgID}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	query += ` ORDER BY user_id, permission_id`

	var out []Override
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var o Override
			if err := rows.Scan(&o.OrgID, &o.UserID, &o.PermissionID, &o.Granted, &o.SetBy, &o.SetAt); err != nil {
				return err
			}
			o.SetAt = o.SetAt.UTC()
			out = append(out, o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("list overrides", err)
	}
	return out, nil
}

// DeleteOverride removes an override.
func (s *Store) DeleteOverride(ctx context.Context, orgID, userID, permissionID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_overrides WHERE org_id = $1 AND user_id = $2 AND permission_id = $3`,
		orgID, userID, permissionID)
	if err != nil {
		return storage.WriteError("delete override", err)
	}
	return expectRow(res, "override", userID+"/"+permissionID)
}

// --- invitations -------------------------------------------------------------

const invitationColumns = `id, org_id, email, role_id, context_type, context_id, invited_by, token, expires_at, accepted_at, accepted_by, created_at`

func scanInvitation(row rowScanner) (*Invitation, error) {
	var inv Invitation
	var ctxType string
	var acceptedAt sql.NullTime
	if err := row.Scan(&inv.ID, &inv.OrgID, &inv.Email, &inv.RoleID, &ctxType, &inv.Context.ID,
		&inv.InvitedBy, &inv.Token, &inv.ExpiresAt, &acceptedAt, &inv.AcceptedBy, &inv.CreatedAt); err != nil {
		return nil, err
	}
	inv.Context.Type = ContextType(ctxType)
	inv.ExpiresAt = inv.ExpiresAt.UTC()
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.AcceptedAt = storage.TimePtr(acceptedAt)
	return &inv, nil
}

// InsertInvitation stores a new invitation.
func (s *Store) InsertInvitation(ctx context.Context, inv *Invitation) error {
	c := inv.Context.Normalize()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitations (id, org_id, email, role_id, context_type, context_id, invited_by, token, expires_at, accepted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, inv.ID, inv.OrgID, inv.Email, inv.RoleID, string(c.Type), c.ID, inv.InvitedBy, inv.Token, inv.ExpiresAt, "", inv.CreatedAt)
	return storage.WriteError("create invitation", err)
}

// GetInvitation retrieves an invitation of orgID by id.
func (s *Store) GetInvitation(ctx context.Context, orgID, id string) (*Invitation, error) {
	return s.getInvitation(ctx, fmt.Sprintf("get invitation %s", id),
		`SELECT `+invitationColumns+` FROM invitations WHERE org_id = $1 AND id = $2`, orgID, id)
}

// GetInvitationByToken retrieves an invitation by its secret token.
func (s *Store) GetInvitationByToken(ctx context.Context, token string) (*Invitation, error) {
	return s.getInvitation(ctx, "get invitation by token",
		`SELECT `+invitationColumns+` FROM invitations WHERE token = $1`, token)
}

func (s *Store) getInvitation(ctx context.Context, op, query string, args ...interface{}) (*Invitation, error) {
	var inv *Invitation
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		var err error
		inv, err = scanInvitation(s.db.QueryRowContext(ctx, query, args...))
		return err
	})
	if err != nil {
		return nil, storage.ReadError(op, err)
	}
	return inv, nil
}

// ListInvitations lists the invitations of orgID, newest first.
func (s *Store) ListInvitations(ctx context.Context, orgID string) ([]Invitation, error) {
	var out []Invitation
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+invitationColumns+` FROM invitations WHERE org_id = $1 ORDER BY created_at DESC, id DESC`, orgID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			inv, err := scanInvitation(rows)
			if err != nil {
				return err
			}
			inv.Token = ""
			out = append(out, *inv)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("list invitations", err)
	}
	return out, nil
}

// AcceptInvitation consumes invitation id for m.UserID and upserts m in one
// transaction. It reports false, writing nothing, when the invitation was
// already accepted.
func (s *Store) AcceptInvitation(ctx context.Context, id string, m *Membership) (*Membership, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storage.WriteError("accept invitation", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE invitations SET accepted_at = $1, accepted_by = $2
		WHERE id = $3 AND accepted_at IS NULL
	`, m.GrantedAt, m.UserID, id)
	if err != nil {
		return nil, false, storage.WriteError("accept invitation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, storage.WriteError("accept invitation", err)
	}
	if n == 0 {
		return nil, false, nil
	}
	if err := upsertMembership(ctx, tx, m); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, storage.WriteError("accept invitation", err)
	}
	ms, err := s.storedMembership(ctx, m)
	return ms, true, err
}

// DeleteInvitation removes an invitation.
func (s *Store) DeleteInvitation(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM invitations WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return storage.WriteError("delete invitation", err)
	}
	return expectRow(res, "invitation", id)
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storage.WriteError("read affected rows", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}
