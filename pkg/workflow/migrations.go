package workflow

import "github.com/platinummonkey/gatekeeper/pkg/storage"

// Component is the migration component name of this package.
const Component = "workflow"

// Migrations returns the workflow schema.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create workflow templates, instances and approval actions",
			SQL: `
				CREATE TABLE IF NOT EXISTS workflow_templates (
					id TEXT PRIMARY KEY,
					org_id TEXT NOT NULL,
					name TEXT NOT NULL,
					resource_type TEXT NOT NULL,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					steps TEXT NOT NULL DEFAULT '[]',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_workflow_templates_org ON workflow_templates(org_id, resource_type);

				CREATE TABLE IF NOT EXISTS workflow_instances (
					id TEXT PRIMARY KEY,
					org_id TEXT NOT NULL,
					template_id TEXT NOT NULL REFERENCES workflow_templates(id),
					resource_type TEXT NOT NULL,
					resource_id TEXT NOT NULL,
					resource_name TEXT NOT NULL DEFAULT '',
					requested_by TEXT NOT NULL,
					status TEXT NOT NULL,
					current_step INTEGER NOT NULL,
					current_approvers TEXT NOT NULL DEFAULT '[]',
					escalated BOOLEAN NOT NULL DEFAULT FALSE,
					escalate_to TEXT NOT NULL DEFAULT '',
					due_at TIMESTAMP,
					reminder_sent BOOLEAN NOT NULL DEFAULT FALSE,
					version INTEGER NOT NULL DEFAULT 1,
					settled_actions INTEGER NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					decided_at TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_workflow_instances_org ON workflow_instances(org_id, status);
				CREATE INDEX IF NOT EXISTS idx_workflow_instances_due ON workflow_instances(status, due_at);
				CREATE INDEX IF NOT EXISTS idx_workflow_instances_resource ON workflow_instances(org_id, resource_type, resource_id);

				CREATE TABLE IF NOT EXISTS approval_actions (
					id TEXT PRIMARY KEY,
					org_id TEXT NOT NULL,
					instance_id TEXT NOT NULL REFERENCES workflow_instances(id),
					step_number INTEGER NOT NULL,
					actor_id TEXT NOT NULL,
					decision TEXT NOT NULL,
					notes TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_approval_actions_instance ON approval_actions(instance_id, step_number);
			`,
		},
	}
}
