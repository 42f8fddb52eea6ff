package workflow

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// Store persists templates, instances and approval actions
type Store struct {
	db    *sql.DB
	retry storage.RetryConfig
}

// NewStore creates a new workflow store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, retry: storage.DefaultRetryConfig()}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// stepList is the JSON encoding of a template's steps.
type stepList []Step

func (l stepList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]Step(l))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal steps: %w", err)
	}
	return string(b), nil
}

func (l *stepList) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into steps", src)
	}
	var out []Step
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	*l = out
	return nil
}

func notFound(sentinel, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}

func affected(op string, res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.WriteError(op, err)
	}
	return n > 0, nil
}

// Templates

const templateColumns = `id, org_id, name, resource_type, active, steps, created_at, updated_at`

func scanTemplate(row rowScanner) (*Template, error) {
	var t Template
	var steps stepList
	if err := row.Scan(&t.ID, &t.OrgID, &t.Name, &t.ResourceType, &t.Active, &steps, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Steps = []Step(steps)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

// InsertTemplate stores t unless a template with the same id exists, and
// reports whether it did.
func (s *Store) InsertTemplate(ctx context.Context, t *Template) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_templates (id, org_id, name, resource_type, active, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.OrgID, t.Name, t.ResourceType, t.Active, stepList(t.Steps), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return false, storage.WriteError("create workflow template", err)
	}
	return affected("create workflow template", res)
}

// GetTemplate retrieves a template of orgID by id
func (s *Store) GetTemplate(ctx context.Context, orgID, id string) (*Template, error) {
	var t *Template
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		var err error
		t, err = scanTemplate(s.db.QueryRowContext(ctx,
			`SELECT `+templateColumns+` FROM workflow_templates WHERE org_id = $1 AND id = $2`, orgID, id))
		return err
	})
	if err != nil {
		return nil, notFound(ErrTemplateNotFound, storage.ReadError(fmt.Sprintf("get workflow template %s", id), err))
	}
	return t, nil
}

// ListTemplates returns the templates of orgID, optionally restricted to one
// resource type, ordered by name.
func (s *Store) ListTemplates(ctx context.Context, orgID, resourceType string) ([]Template, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates WHERE org_id = $1`
	args := []interface{}{orgID}
	if resourceType != "" {
		query += ` AND resource_type = $2`
		args = append(args, resourceType)
	}
	query += ` ORDER BY name, id`

	var out []Template
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTemplate(rows)
			if err != nil {
				return err
			}
			out = append(out, *t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("list workflow templates", err)
	}
	return out, nil
}

// UpdateTemplate writes the mutable fields of t.
func (s *Store) UpdateTemplate(ctx context.Context, t *Template) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_templates SET name = $1, active = $2, updated_at = $3
		WHERE org_id = $4 AND id = $5
	`, t.Name, t.Active, t.UpdatedAt, t.OrgID, t.ID)
	if err != nil {
		return storage.WriteError("update workflow template", err)
	}
	ok, err := affected("update workflow template", res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s: %w", ErrTemplateNotFound, t.ID, storage.ErrNotFound)
	}
	return nil
}

// LiveInstances counts the pending and in-progress instances of a template.
func (s *Store) LiveInstances(ctx context.Context, orgID, templateID string) (int, error) {
	var n int
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM workflow_instances
			WHERE org_id = $1 AND template_id = $2 AND status IN ($3, $4)
		`, orgID, templateID, string(StatusPending), string(StatusInProgress)).Scan(&n)
	})
	if err != nil {
		return 0, storage.ReadError("count live instances", err)
	}
	return n, nil
}

// DeleteTemplate removes a template along with its finished instances and
// their actions.
func (s *Store) DeleteTemplate(ctx context.Context, orgID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.WriteError("delete workflow template", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM approval_actions WHERE instance_id IN (
			SELECT id FROM workflow_instances WHERE org_id = $1 AND template_id = $2
		)`, orgID, id); err != nil {
		return storage.WriteError("delete workflow template", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_instances WHERE org_id = $1 AND template_id = $2`, orgID, id); err != nil {
		return storage.WriteError("delete workflow template", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflow_templates WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return storage.WriteError("delete workflow template", err)
	}
	ok, err := affected("delete workflow template", res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s: %w", ErrTemplateNotFound, id, storage.ErrNotFound)
	}
	return storage.WriteError("delete workflow template", tx.Commit())
}

// Instances

const instanceColumns = `id, org_id, template_id, resource_type, resource_id, resource_name, requested_by,
	status, current_step, current_approvers, escalated, escalate_to, due_at, reminder_sent, version,
	settled_actions, created_at, updated_at, decided_at`

func scanInstance(row rowScanner) (*Instance, error) {
	var i Instance
	var status string
	var approvers storage.StringList
	var dueAt, decidedAt sql.NullTime
	if err := row.Scan(&i.ID, &i.OrgID, &i.TemplateID, &i.ResourceType, &i.ResourceID, &i.ResourceName, &i.RequestedBy,
		&status, &i.CurrentStep, &approvers, &i.Escalated, &i.EscalateTo, &dueAt, &i.ReminderSent, &i.Version,
		&i.SettledActions, &i.CreatedAt, &i.UpdatedAt, &decidedAt); err != nil {
		return nil, err
	}
	i.Status = Status(status)
	i.CurrentApprovers = []string(approvers)
	i.DueAt = storage.TimePtr(dueAt)
	i.DecidedAt = storage.TimePtr(decidedAt)
	i.CreatedAt = i.CreatedAt.UTC()
	i.UpdatedAt = i.UpdatedAt.UTC()
	return &i, nil
}

func (s *Store) queryInstances(ctx context.Context, op, query string, args ...interface{}) ([]Instance, error) {
	var out []Instance
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			i, err := scanInstance(rows)
			if err != nil {
				return err
			}
			out = append(out, *i)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError(op, err)
	}
	return out, nil
}

// InsertInstance stores i unless an instance with the same id exists, and
// reports whether it did.
func (s *Store) InsertInstance(ctx context.Context, i *Instance) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (id, org_id, template_id, resource_type, resource_id, resource_name, requested_by,
			status, current_step, current_approvers, escalated, escalate_to, due_at, reminder_sent, version,
			settled_actions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING
	`, i.ID, i.OrgID, i.TemplateID, i.ResourceType, i.ResourceID, i.ResourceName, i.RequestedBy,
		string(i.Status), i.CurrentStep, storage.StringList(i.CurrentApprovers), i.Escalated, i.EscalateTo,
		storage.NullTime(i.DueAt), i.ReminderSent, i.Version, i.SettledActions, i.CreatedAt, i.UpdatedAt)
	if err != nil {
		return false, storage.WriteError("create workflow instance", err)
	}
	return affected("create workflow instance", res)
}

// GetInstance retrieves an instance by id
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var i *Instance
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		var err error
		i, err = scanInstance(s.db.QueryRowContext(ctx,
			`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return nil, notFound(ErrInstanceNotFound, storage.ReadError(fmt.Sprintf("get workflow instance %s", id), err))
	}
	return i, nil
}

// ListInstances returns the instances matching f, newest first.
func (s *Store) ListInstances(ctx context.Context, f InstanceFilter) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE org_id = $1`
	args := []interface{}{f.OrgID}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.TemplateID != "" {
		add("template_id = $%d", f.TemplateID)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.RequestedBy != "" {
		add("requested_by = $%d", f.RequestedBy)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryInstances(ctx, "list workflow instances", query, args...)
}

// CompareAndSwap writes next over the stored instance only if the stored
// status, step and version still equal those of prev. next.Version is
// expected to be prev.Version+1. It reports whether the write applied.
func (s *Store) CompareAndSwap(ctx context.Context, prev, next *Instance) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances SET
			status = $1, current_step = $2, current_approvers = $3, escalated = $4, escalate_to = $5, due_at = $6,
			reminder_sent = $7, version = $8, settled_actions = $9, updated_at = $10, decided_at = $11
		WHERE id = $12 AND status = $13 AND current_step = $14 AND version = $15
	`, string(next.Status), next.CurrentStep, storage.StringList(next.CurrentApprovers), next.Escalated, next.EscalateTo,
		storage.NullTime(next.DueAt), next.ReminderSent, next.Version, next.SettledActions, next.UpdatedAt,
		storage.NullTime(next.DecidedAt), prev.ID, string(prev.Status), prev.CurrentStep, prev.Version)
	if err != nil {
		return false, storage.WriteError("update workflow instance", err)
	}
	return affected("update workflow instance", res)
}

// Escalate reassigns an overdue instance, only if it is still in progress
// with the due date the caller read.
func (s *Store) Escalate(ctx context.Context, id string, readDueAt time.Time, approvers []string, dueAt *time.Time, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances SET
			current_approvers = $1, escalated = TRUE, due_at = $2, reminder_sent = FALSE,
			version = version + 1, updated_at = $3
		WHERE id = $4 AND status = $5 AND due_at = $6
	`, storage.StringList(approvers), storage.NullTime(dueAt), at, id, string(StatusInProgress), readDueAt)
	if err != nil {
		return false, storage.WriteError("escalate workflow instance", err)
	}
	return affected("escalate workflow instance", res)
}

// MarkReminderSent flags the reminder for the due date the caller read.
func (s *Store) MarkReminderSent(ctx context.Context, id string, readDueAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances SET reminder_sent = TRUE
		WHERE id = $1 AND status = $2 AND due_at = $3 AND reminder_sent = FALSE
	`, id, string(StatusInProgress), readDueAt)
	if err != nil {
		return false, storage.WriteError("mark reminder sent", err)
	}
	return affected("mark reminder sent", res)
}

// Overdue returns in-progress instances with an escalation role whose due
// date is at or before now, ordered by due date then id, starting after the
// given position.
func (s *Store) Overdue(ctx context.Context, now time.Time, after Cursor, limit int) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances
		WHERE status = $1 AND escalate_to <> '' AND due_at IS NOT NULL AND due_at <= $2`
	args := []interface{}{string(StatusInProgress), now}
	if after != (Cursor{}) {
		query += ` AND (due_at > $3 OR (due_at = $3 AND id > $4))`
		args = append(args, after.DueAt, after.ID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY due_at, id LIMIT $%d", len(args))
	return s.queryInstances(ctx, "list overdue instances", query, args...)
}

// DueForReminder returns in-progress instances due at or before until that
// have not been reminded.
func (s *Store) DueForReminder(ctx context.Context, until time.Time, limit int) ([]Instance, error) {
	return s.queryInstances(ctx, "list instances due for reminder", `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE status = $1 AND reminder_sent = FALSE AND due_at IS NOT NULL AND due_at <= $2
		ORDER BY due_at, id LIMIT $3
	`, string(StatusInProgress), until, limit)
}

// StalePending returns instances still pending since before.
func (s *Store) StalePending(ctx context.Context, before time.Time, limit int) ([]Instance, error) {
	return s.queryInstances(ctx, "list stale pending instances", `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at, id LIMIT $3
	`, string(StatusPending), before, limit)
}

// Unsettled returns in-progress instances whose current step has more
// actions than were last evaluated.
func (s *Store) Unsettled(ctx context.Context, limit int) ([]Instance, error) {
	return s.queryInstances(ctx, "list unsettled instances", `
		SELECT `+instanceColumns+` FROM workflow_instances i
		WHERE i.status = $1 AND (
			SELECT COUNT(*) FROM approval_actions a
			WHERE a.instance_id = i.id AND a.step_number = i.current_step
		) > i.settled_actions
		ORDER BY i.updated_at, i.id LIMIT $2
	`, string(StatusInProgress), limit)
}

// MarkSettled records that n actions on step were evaluated and left the
// step pending. It never lowers the count and does not bump the version.
func (s *Store) MarkSettled(ctx context.Context, id string, step, n int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances SET settled_actions = $1
		WHERE id = $2 AND status = $3 AND current_step = $4 AND settled_actions < $1
	`, n, id, string(StatusInProgress), step)
	return storage.WriteError("mark instance settled", err)
}

// Approval actions

const actionColumns = `id, org_id, instance_id, step_number, actor_id, decision, notes, created_at`

func scanAction(row rowScanner) (*ApprovalAction, error) {
	var a ApprovalAction
	var decision string
	if err := row.Scan(&a.ID, &a.OrgID, &a.InstanceID, &a.StepNumber, &a.ActorID, &decision, &a.Notes, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Decision = Decision(decision)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// InsertAction records a decision unless one with the same id exists, and
// reports whether it did.
func (s *Store) InsertAction(ctx context.Context, a *ApprovalAction) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_actions (id, org_id, instance_id, step_number, actor_id, decision, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.OrgID, a.InstanceID, a.StepNumber, a.ActorID, string(a.Decision), a.Notes, a.CreatedAt)
	if err != nil {
		return false, storage.WriteError("record approval action", err)
	}
	return affected("record approval action", res)
}

// GetAction retrieves an approval action by id
func (s *Store) GetAction(ctx context.Context, id string) (*ApprovalAction, error) {
	var a *ApprovalAction
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		var err error
		a, err = scanAction(s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM approval_actions WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return nil, storage.ReadError(fmt.Sprintf("get approval action %s", id), err)
	}
	return a, nil
}

// ListActions returns the actions of an instance in the order they were
// recorded. A step of zero means every step.
func (s *Store) ListActions(ctx context.Context, instanceID string, step int) ([]ApprovalAction, error) {
	query := `SELECT ` + actionColumns + ` FROM approval_actions WHERE instance_id = $1`
	args := []interface{}{instanceID}
	if step > 0 {
		query += ` AND step_number = $2`
		args = append(args, step)
	}
	query += ` ORDER BY created_at, id`

	var out []ApprovalAction
	err := storage.RetryRead(ctx, s.retry, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAction(rows)
			if err != nil {
				return err
			}
			out = append(out, *a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.ReadError("list approval actions", err)
	}
	return out, nil
}
