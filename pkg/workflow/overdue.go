package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/notify"
)

// Overdue returns a page of in-progress instances whose due date has passed
// and whose step names an escalation role, starting after the given
// position. Pass the Cursor of the last instance to get the next page.
func (e *Engine) Overdue(ctx context.Context, after Cursor, limit int) ([]Instance, error) {
	return e.store.Overdue(ctx, e.now(), after, limit)
}

// Escalate hands an overdue instance to the escalation role of its current
// step, in the step's context, and pushes its due date out by the step's
// escalation time. The write only applies if the instance is still in
// progress with the due date inst carries, so a concurrent decision or a
// second sweep wins cleanly. It reports whether the instance was escalated.
func (e *Engine) Escalate(ctx context.Context, inst Instance) (bool, error) {
	if inst.Status != StatusInProgress || inst.DueAt == nil {
		return false, nil
	}
	tmpl, err := e.store.GetTemplate(ctx, inst.OrgID, inst.TemplateID)
	if err != nil {
		return false, err
	}
	step, ok := tmpl.Step(inst.CurrentStep)
	if !ok {
		return false, fmt.Errorf("%w: template %s has no step %d", ErrMalformedTemplate, tmpl.ID, inst.CurrentStep)
	}
	if step.EscalateToRole == "" {
		return false, nil
	}
	approvers, err := e.registry.dir.UsersWithRole(ctx, inst.OrgID, step.EscalateToRole, step.ApproverContext)
	if err != nil {
		return false, err
	}
	logger := e.logger.WithFields(logrus.Fields{
		"org_id":      inst.OrgID,
		"instance_id": inst.ID,
		"step":        inst.CurrentStep,
		"role":        step.EscalateToRole,
	})
	if len(approvers) == 0 {
		logger.Warn("nobody holds the escalation role, leaving instance overdue")
		return false, nil
	}

	now := e.now()
	dueAt := step.Deadline(now)
	applied, err := e.store.Escalate(ctx, inst.ID, *inst.DueAt, approvers, dueAt, now)
	if err != nil || !applied {
		return false, err
	}

	next := inst.clone()
	next.CurrentApprovers = approvers
	next.Escalated = true
	next.DueAt = dueAt
	next.ReminderSent = false
	next.Version++
	next.UpdatedAt = now

	e.metrics.RecordTransition("escalated")
	e.record(ctx, inst.OrgID, SystemActor, "escalate", inst.ID, &audit.Changes{
		Before: map[string]interface{}{"approvers": inst.CurrentApprovers, "due_at": inst.DueAt.Format(time.RFC3339)},
		After:  map[string]interface{}{"approvers": approvers, "role": step.EscalateToRole},
	}, nil)
	logger.Info("workflow escalated")
	e.notify(ctx, notify.IntentApprovalEscalated, next, approvers)
	return true, nil
}

// DueForReminder returns in-progress instances falling due within lead that
// have not been reminded since their due date was last set.
func (e *Engine) DueForReminder(ctx context.Context, lead time.Duration, limit int) ([]Instance, error) {
	return e.store.DueForReminder(ctx, e.now().Add(lead), limit)
}

// ErrReminderSuperseded is returned by Remind when the instance moved on
// between the read and the reminder.
var ErrReminderSuperseded = errors.New("reminder superseded")

// Remind sends an approval reminder to the current approvers and marks it
// sent for the due date inst carries. Unlike transition notifications, a
// delivery failure is returned so the next run retries it.
func (e *Engine) Remind(ctx context.Context, inst Instance) error {
	if inst.DueAt == nil {
		return fmt.Errorf("%w: instance %s has no due date", ErrReminderSuperseded, inst.ID)
	}
	if err := e.notifier.Notify(ctx, e.message(notify.IntentApprovalReminder, &inst, inst.CurrentApprovers)); err != nil {
		return fmt.Errorf("remind approvers of %s: %w", inst.ID, err)
	}
	marked, err := e.store.MarkReminderSent(ctx, inst.ID, *inst.DueAt)
	if err != nil {
		return err
	}
	if !marked {
		return fmt.Errorf("%w: instance %s", ErrReminderSuperseded, inst.ID)
	}
	return nil
}

// StalePending returns instances left pending for longer than grace.
func (e *Engine) StalePending(ctx context.Context, grace time.Duration, limit int) ([]Instance, error) {
	return e.store.StalePending(ctx, e.now().Add(-grace), limit)
}

// Unsettled returns in-progress instances with decisions on the current step
// that were never evaluated.
func (e *Engine) Unsettled(ctx context.Context, limit int) ([]Instance, error) {
	return e.store.Unsettled(ctx, limit)
}
