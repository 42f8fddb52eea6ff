package audit

import "github.com/platinummonkey/gatekeeper/pkg/storage"

// Component is the migration component name of this package.
const Component = "audit"

// Migrations returns the audit log schema.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create audit_log table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_log (
					id TEXT PRIMARY KEY,
					org_id TEXT NOT NULL,
					user_id TEXT NOT NULL DEFAULT '',
					action TEXT NOT NULL,
					resource_type TEXT NOT NULL DEFAULT '',
					resource_id TEXT NOT NULL DEFAULT '',
					permission_checked TEXT NOT NULL DEFAULT '',
					result TEXT NOT NULL,
					context TEXT NOT NULL DEFAULT '{}',
					changes TEXT NOT NULL DEFAULT '',
					occurred_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_audit_log_org_time ON audit_log(org_id, occurred_at);
				CREATE INDEX IF NOT EXISTS idx_audit_log_user ON audit_log(org_id, user_id);
				CREATE INDEX IF NOT EXISTS idx_audit_log_resource ON audit_log(resource_type, resource_id);
			`,
		},
	}
}
