package rbac

import "github.com/platinummonkey/gatekeeper/pkg/storage"

// Component is the migration component name of this package.
const Component = "rbac"

// Migrations returns all RBAC migrations
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id TEXT PRIMARY KEY,
					resource_type TEXT NOT NULL,
					action TEXT NOT NULL,
					scope TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					built_in BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL,
					UNIQUE (resource_type, action, scope)
				);
			`,
		},
		{
			Version:     2,
			Description: "Create roles and role_permissions tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id TEXT PRIMARY KEY,
					org_id TEXT NOT NULL,
					code TEXT NOT NULL,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					level INTEGER NOT NULL,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					UNIQUE (org_id, code),
					UNIQUE (org_id, level)
				);

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id TEXT NOT NULL REFERENCES permissions(id),
					granted BOOLEAN NOT NULL,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permissions_permission ON role_permissions(permission_id);
			`,
		},
		{
			Version:     3,
			Description: "Create memberships and user_overrides tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS memberships (
					id TEXT PRIMARY KEY,
					org_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					role_id TEXT NOT NULL REFERENCES roles(id),
					context_type TEXT NOT NULL,
					context_id TEXT NOT NULL DEFAULT '',
					granted_by TEXT NOT NULL DEFAULT '',
					granted_at TIMESTAMP NOT NULL,
					UNIQUE (org_id, user_id, context_type, context_id)
				);

				CREATE INDEX IF NOT EXISTS idx_memberships_role ON memberships(role_id);
				CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(org_id, user_id);

				CREATE TABLE IF NOT EXISTS user_overrides (
					org_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					permission_id TEXT NOT NULL REFERENCES permissions(id),
					granted BOOLEAN NOT NULL,
					set_by TEXT NOT NULL,
					set_at TIMESTAMP NOT NULL,
					PRIMARY KEY (org_id, user_id, permission_id)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create invitations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS invitations (
					id TEXT PRIMARY KEY,
					org_id TEXT NOT NULL,
					email TEXT NOT NULL,
					role_id TEXT NOT NULL REFERENCES roles(id),
					context_type TEXT NOT NULL,
					context_id TEXT NOT NULL DEFAULT '',
					invited_by TEXT NOT NULL,
					token TEXT NOT NULL UNIQUE,
					expires_at TIMESTAMP NOT NULL,
					accepted_at TIMESTAMP,
					accepted_by TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_invitations_org ON invitations(org_id);
			`,
		},
	}
}
