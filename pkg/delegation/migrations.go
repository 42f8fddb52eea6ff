package delegation

import "github.com/platinummonkey/gatekeeper/pkg/storage"

// Component is the migration component name of this package.
const Component = "delegation"

// Migrations returns the delegation schema.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create delegations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS delegations (
					id TEXT PRIMARY KEY,
					org_id TEXT NOT NULL,
					delegator_id TEXT NOT NULL,
					delegate_id TEXT NOT NULL,
					context_type TEXT NOT NULL,
					context_id TEXT NOT NULL DEFAULT '',
					permission_ids TEXT NOT NULL DEFAULT '[]',
					starts_at TIMESTAMP NOT NULL,
					ends_at TIMESTAMP NOT NULL,
					reason TEXT NOT NULL DEFAULT '',
					revoked BOOLEAN NOT NULL DEFAULT FALSE,
					revoked_by TEXT NOT NULL DEFAULT '',
					revoked_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_delegations_delegate ON delegations(org_id, delegate_id, ends_at);
				CREATE INDEX IF NOT EXISTS idx_delegations_delegator ON delegations(org_id, delegator_id);
			`,
		},
	}
}
