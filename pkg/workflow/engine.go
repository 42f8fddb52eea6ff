package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/clock"
	"github.com/platinummonkey/gatekeeper/pkg/notify"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
	"github.com/platinummonkey/gatekeeper/pkg/storage/ids"
)

// SystemActor is the audit user for transitions the engine makes on its own.
const SystemActor = "system"

// maxSwapAttempts bounds the re-read loop after a lost conditional update.
const maxSwapAttempts = 5

// Engine drives workflow instances through their steps.
type Engine struct {
	store    *Store
	registry *Registry
	notifier notify.Notifier
	metrics  *observability.Metrics
	clock    clock.Clock
	logger   logrus.FieldLogger
}

// NewEngine creates an engine over the registry's store and collaborators.
// A nil notifier drops notifications; nil metrics are ignored.
func NewEngine(registry *Registry, notifier notify.Notifier, metrics *observability.Metrics) *Engine {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Engine{
		store:    registry.store,
		registry: registry,
		notifier: notifier,
		metrics:  metrics,
		clock:    registry.clock,
		logger:   registry.logger,
	}
}

// Registry returns the template registry the engine reads from.
func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) now() time.Time { return clock.Stamp(e.clock.Now()) }

func (e *Engine) record(ctx context.Context, orgID, actorID, action, instanceID string, changes *audit.Changes, opErr error) {
	record(ctx, e.registry.sink, e.logger, orgID, actorID, action, "workflow_instance", instanceID, changes, opErr)
}

func (e *Engine) require(ctx context.Context, orgID, actorID, action string) error {
	return e.registry.authz.Require(ctx, rbac.AuthorizeRequest{
		OrgID:        orgID,
		UserID:       actorID,
		ResourceType: "workflow_instance",
		Action:       action,
		Scope:        rbac.ScopeOwn,
	})
}

func (r *StartRequest) validate() error {
	var missing []string
	for name, v := range map[string]string{
		"org_id":        r.OrgID,
		"template_id":   r.TemplateID,
		"resource_type": r.ResourceType,
		"resource_id":   r.ResourceID,
		"requested_by":  r.RequestedBy,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// StartInstance runs a template against a resource. The instance is stored
// as pending first, then moved to in_progress with the approvers of step 1.
// When nobody can approve step 1 the instance is cancelled and
// ErrNoEligibleApprovers is returned. Starting again with the same id
// returns the existing instance.
func (e *Engine) StartInstance(ctx context.Context, req StartRequest) (*Instance, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := e.require(ctx, req.OrgID, req.RequestedBy, "create"); err != nil {
		return nil, err
	}
	tmpl, err := e.store.GetTemplate(ctx, req.OrgID, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.Active {
		return nil, fmt.Errorf("%w: %s", ErrTemplateInactive, tmpl.ID)
	}
	if tmpl.ResourceType != req.ResourceType {
		return nil, fmt.Errorf("%w: template %s applies to %s, not %s", ErrInvalidRequest, tmpl.ID, tmpl.ResourceType, req.ResourceType)
	}

	now := e.now()
	inst := &Instance{
		ID:           ids.OrNew(req.ID),
		OrgID:        req.OrgID,
		TemplateID:   tmpl.ID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		ResourceName: req.ResourceName,
		RequestedBy:  req.RequestedBy,
		Status:       StatusPending,
		CurrentStep:  1,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := e.store.InsertInstance(ctx, inst)
	if err != nil {
		return nil, err
	}
	if !created {
		existing, err := e.store.GetInstance(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		if existing.OrgID != req.OrgID || existing.TemplateID != req.TemplateID || existing.ResourceID != req.ResourceID {
			return nil, fmt.Errorf("instance %s exists for another resource: %w", inst.ID, storage.ErrConflict)
		}
		if existing.Status != StatusPending {
			return existing, nil
		}
		inst = existing
	} else {
		e.record(ctx, inst.OrgID, inst.RequestedBy, "start", inst.ID, &audit.Changes{
			After: map[string]interface{}{
				"template_id":   inst.TemplateID,
				"resource_type": inst.ResourceType,
				"resource_id":   inst.ResourceID,
			},
		}, nil)
	}
	return e.begin(ctx, tmpl, inst, inst.RequestedBy)
}

// begin moves a pending instance onto step 1.
func (e *Engine) begin(ctx context.Context, tmpl *Template, inst *Instance, actorID string) (*Instance, error) {
	step, ok := tmpl.Step(1)
	if !ok {
		return nil, fmt.Errorf("%w: template %s has no steps", ErrMalformedTemplate, tmpl.ID)
	}
	approvers, escalated, err := e.resolve(ctx, inst.OrgID, step)
	if err != nil {
		return nil, err
	}

	now := e.now()
	next := inst.clone()
	next.Version++
	next.UpdatedAt = now
	if len(approvers) == 0 {
		next.Status = StatusCancelled
		next.DecidedAt = &now
	} else {
		next.Status = StatusInProgress
		next.CurrentApprovers = approvers
		next.Escalated = escalated
		next.EscalateTo = step.EscalateToRole
		next.DueAt = step.Deadline(now)
		next.ReminderSent = false
		next.SettledActions = 0
	}

	swapped, err := e.swap(ctx, inst, next)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// another caller started it
		return e.store.GetInstance(ctx, inst.ID)
	}
	e.after(ctx, inst, next, actorID)
	if next.Status == StatusCancelled {
		return next, fmt.Errorf("%w: nobody holds %s in %s", ErrNoEligibleApprovers, step.ApproverRole, step.ApproverContext)
	}
	return next, nil
}

// resolve returns the users who may decide step. When nobody holds the
// approver role the escalation role is tried, and escalated reports that.
func (e *Engine) resolve(ctx context.Context, orgID string, step Step) (approvers []string, escalated bool, err error) {
	approvers, err = e.registry.dir.UsersWithRole(ctx, orgID, step.ApproverRole, step.ApproverContext)
	if err != nil || len(approvers) > 0 || step.EscalateToRole == "" {
		return approvers, false, err
	}
	approvers, err = e.registry.dir.UsersWithRole(ctx, orgID, step.EscalateToRole, step.ApproverContext)
	return approvers, len(approvers) > 0, err
}

func (e *Engine) swap(ctx context.Context, prev, next *Instance) (bool, error) {
	if err := ensureTransition(prev.Status, next.Status); err != nil {
		return false, err
	}
	return e.store.CompareAndSwap(ctx, prev, next)
}

// Decide records an approver's decision on the current step and applies the
// step rule. The action is stored before the instance changes, so a crash
// in between is repaired by Recover. Repeating a decision is harmless;
// changing it is ErrInvalidTransition.
func (e *Engine) Decide(ctx context.Context, instanceID, actorID string, decision Decision, notes string) (*Instance, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: decision must be approve or reject", ErrInvalidRequest)
	}
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	action := string(decision)
	if inst.Status != StatusInProgress {
		err := fmt.Errorf("%w: instance is %s", ErrInvalidTransition, inst.Status)
		e.record(ctx, inst.OrgID, actorID, action, inst.ID, nil, err)
		return nil, err
	}
	if !inst.IsApprover(actorID) {
		err := fmt.Errorf("%w: %s is not an approver of step %d", ErrInvalidTransition, actorID, inst.CurrentStep)
		e.record(ctx, inst.OrgID, actorID, action, inst.ID, nil, err)
		return nil, err
	}
	if err := e.require(ctx, inst.OrgID, actorID, "approve"); err != nil {
		return nil, err
	}

	a := &ApprovalAction{
		ID:         ActionID(inst.ID, inst.CurrentStep, actorID),
		OrgID:      inst.OrgID,
		InstanceID: inst.ID,
		StepNumber: inst.CurrentStep,
		ActorID:    actorID,
		Decision:   decision,
		Notes:      notes,
		CreatedAt:  e.now(),
	}
	created, err := e.store.InsertAction(ctx, a)
	if err != nil {
		return nil, err
	}
	if !created {
		prior, err := e.store.GetAction(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if prior.Decision != decision {
			err := fmt.Errorf("%w: %s already decided %s on step %d", ErrInvalidTransition, actorID, prior.Decision, a.StepNumber)
			e.record(ctx, inst.OrgID, actorID, action, inst.ID, nil, err)
			return nil, err
		}
	} else {
		e.record(ctx, inst.OrgID, actorID, action, inst.ID, &audit.Changes{
			After: map[string]interface{}{"step": a.StepNumber, "notes": notes},
		}, nil)
		e.logger.WithFields(logrus.Fields{
			"org_id":      inst.OrgID,
			"instance_id": inst.ID,
			"step":        a.StepNumber,
			"actor_id":    actorID,
			"decision":    decision,
		}).Info("approval recorded")
	}
	return e.settle(ctx, inst, actorID)
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeAdvance
	outcomeReject
)

// evaluate applies a step's rule to the actions recorded on it. Any reject
// rejects. any_one advances on the first approve; all advances once every
// current approver approved.
func evaluate(step Step, approvers []string, actions []ApprovalAction) outcome {
	approved := make(map[string]bool, len(actions))
	for _, a := range actions {
		if a.Decision == DecisionReject {
			return outcomeReject
		}
		approved[a.ActorID] = true
	}
	if len(approved) == 0 {
		return outcomePending
	}
	if step.ApprovalType == ApprovalAll {
		for _, u := range approvers {
			if !approved[u] {
				return outcomePending
			}
		}
	}
	return outcomeAdvance
}

// settle evaluates the current step of an in-progress instance and applies
// the resulting transition, re-reading on a lost conditional update.
func (e *Engine) settle(ctx context.Context, inst *Instance, actorID string) (*Instance, error) {
	for attempt := 1; ; attempt++ {
		tmpl, err := e.store.GetTemplate(ctx, inst.OrgID, inst.TemplateID)
		if err != nil {
			return nil, err
		}
		step, ok := tmpl.Step(inst.CurrentStep)
		if !ok {
			return nil, fmt.Errorf("%w: template %s has no step %d", ErrMalformedTemplate, tmpl.ID, inst.CurrentStep)
		}
		actions, err := e.store.ListActions(ctx, inst.ID, inst.CurrentStep)
		if err != nil {
			return nil, err
		}
		result := evaluate(step, inst.CurrentApprovers, actions)
		if result == outcomePending {
			if len(actions) > inst.SettledActions {
				if err := e.store.MarkSettled(ctx, inst.ID, inst.CurrentStep, len(actions)); err != nil {
					// recovery re-evaluates the step later
					e.logger.WithError(err).WithField("instance_id", inst.ID).Warn("failed to mark step settled")
				} else {
					inst.SettledActions = len(actions)
				}
			}
			return inst, nil
		}

		next, err := e.transition(ctx, tmpl, inst, result)
		if err != nil {
			return nil, err
		}
		swapped, err := e.swap(ctx, inst, next)
		if err != nil {
			return nil, err
		}
		if swapped {
			e.after(ctx, inst, next, actorID)
			return next, nil
		}
		if attempt >= maxSwapAttempts {
			return nil, fmt.Errorf("instance %s kept changing: %w", inst.ID, storage.ErrConflict)
		}
		inst, err = e.store.GetInstance(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		if inst.Status != StatusInProgress {
			return inst, nil
		}
	}
}

// transition computes the instance that follows inst under result.
func (e *Engine) transition(ctx context.Context, tmpl *Template, inst *Instance, result outcome) (*Instance, error) {
	now := e.now()
	next := inst.clone()
	next.Version++
	next.UpdatedAt = now

	if result == outcomeReject {
		next.Status = StatusRejected
		next.DecidedAt = &now
		next.DueAt = nil
		return next, nil
	}

	step, ok := tmpl.Step(inst.CurrentStep + 1)
	if !ok {
		next.Status = StatusApproved
		next.DecidedAt = &now
		next.DueAt = nil
		return next, nil
	}
	approvers, escalated, err := e.resolve(ctx, inst.OrgID, step)
	if err != nil {
		return nil, err
	}
	next.CurrentStep = step.StepNumber
	next.CurrentApprovers = approvers
	next.Escalated = escalated
	next.EscalateTo = step.EscalateToRole
	next.ReminderSent = false
	next.SettledActions = 0
	if len(approvers) == 0 {
		next.Status = StatusCancelled
		next.DecidedAt = &now
		next.DueAt = nil
		e.logger.WithFields(logrus.Fields{
			"instance_id": inst.ID,
			"step":        step.StepNumber,
			"role":        step.ApproverRole,
		}).Warn("no eligible approvers for next step, cancelling")
		return next, nil
	}
	next.DueAt = step.Deadline(now)
	return next, nil
}

func transitionLabel(prev, next *Instance) string {
	switch {
	case prev.Status == StatusPending && next.Status == StatusInProgress:
		return "started"
	case next.Status == StatusInProgress && next.CurrentStep != prev.CurrentStep:
		return "advanced"
	case next.Status == StatusInProgress && next.Escalated && !prev.Escalated:
		return "escalated"
	default:
		return string(next.Status)
	}
}

// after emits the side effects of a committed transition. Notification
// failures are logged only.
func (e *Engine) after(ctx context.Context, prev, next *Instance, actorID string) {
	label := transitionLabel(prev, next)
	e.metrics.RecordTransition(label)
	e.record(ctx, next.OrgID, actorID, "transition", next.ID, &audit.Changes{
		Before: map[string]interface{}{"status": string(prev.Status), "step": prev.CurrentStep},
		After:  map[string]interface{}{"status": string(next.Status), "step": next.CurrentStep, "approvers": strings.Join(next.CurrentApprovers, ",")},
	}, nil)
	e.logger.WithFields(logrus.Fields{
		"org_id":      next.OrgID,
		"instance_id": next.ID,
		"transition":  label,
		"status":      next.Status,
		"step":        next.CurrentStep,
	}).Info("workflow transition")

	switch next.Status {
	case StatusInProgress:
		e.notify(ctx, notify.IntentApprovalRequested, next, next.CurrentApprovers)
	case StatusApproved:
		e.notify(ctx, notify.IntentWorkflowApproved, next, []string{next.RequestedBy})
	case StatusRejected:
		e.notify(ctx, notify.IntentWorkflowRejected, next, []string{next.RequestedBy})
	case StatusCancelled:
		recipients := prev.CurrentApprovers
		if len(recipients) == 0 {
			recipients = []string{next.RequestedBy}
		}
		e.notify(ctx, notify.IntentWorkflowCancelled, next, recipients)
	}
}

func (e *Engine) message(intent notify.Intent, inst *Instance, recipients []string) notify.Message {
	return notify.Message{
		Intent:       intent,
		OrgID:        inst.OrgID,
		InstanceID:   inst.ID,
		TemplateID:   inst.TemplateID,
		ResourceType: inst.ResourceType,
		ResourceID:   inst.ResourceID,
		ResourceName: inst.ResourceName,
		Step:         inst.CurrentStep,
		Recipients:   recipients,
		DueAt:        inst.DueAt,
		Timestamp:    e.now(),
	}
}

func (e *Engine) notify(ctx context.Context, intent notify.Intent, inst *Instance, recipients []string) {
	if len(recipients) == 0 {
		return
	}
	if err := e.notifier.Notify(ctx, e.message(intent, inst, recipients)); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"instance_id": inst.ID,
			"intent":      intent,
		}).Warn("notification failed")
	}
}

// Cancel ends an instance. The requester may cancel, as may anyone whose
// authority is strictly greater than the current step's approver role.
func (e *Engine) Cancel(ctx context.Context, instanceID, actorID string) (*Instance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := e.require(ctx, inst.OrgID, actorID, "cancel"); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		if err := e.checkCancel(ctx, inst, actorID); err != nil {
			e.record(ctx, inst.OrgID, actorID, "cancel", inst.ID, nil, err)
			return nil, err
		}
		now := e.now()
		next := inst.clone()
		next.Status = StatusCancelled
		next.DecidedAt = &now
		next.DueAt = nil
		next.Version++
		next.UpdatedAt = now

		swapped, err := e.swap(ctx, inst, next)
		if err != nil {
			return nil, err
		}
		if swapped {
			e.after(ctx, inst, next, actorID)
			return next, nil
		}
		if attempt >= maxSwapAttempts {
			return nil, fmt.Errorf("instance %s kept changing: %w", inst.ID, storage.ErrConflict)
		}
		if inst, err = e.store.GetInstance(ctx, instanceID); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) checkCancel(ctx context.Context, inst *Instance, actorID string) error {
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: instance is %s", ErrInvalidTransition, inst.Status)
	}
	if actorID == inst.RequestedBy {
		return nil
	}
	tmpl, err := e.store.GetTemplate(ctx, inst.OrgID, inst.TemplateID)
	if err != nil {
		return err
	}
	step, ok := tmpl.Step(inst.CurrentStep)
	if !ok {
		return fmt.Errorf("%w: template %s has no step %d", ErrMalformedTemplate, tmpl.ID, inst.CurrentStep)
	}
	role, err := e.registry.dir.GetRoleByCode(ctx, inst.OrgID, step.ApproverRole)
	if err != nil {
		return err
	}
	above, err := e.registry.dir.HasAuthorityAbove(ctx, inst.OrgID, actorID, role.Level)
	if err != nil {
		return err
	}
	if !above {
		return fmt.Errorf("%w: %s neither requested the instance nor outranks %s", ErrInvalidTransition, actorID, role.Code)
	}
	return nil
}

// Recover finishes work a crash may have interrupted: a pending instance is
// started, and an in-progress instance has its action log replayed.
func (e *Engine) Recover(ctx context.Context, instanceID string) (*Instance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	switch inst.Status {
	case StatusPending:
		tmpl, err := e.store.GetTemplate(ctx, inst.OrgID, inst.TemplateID)
		if err != nil {
			return nil, err
		}
		return e.begin(ctx, tmpl, inst, SystemActor)
	case StatusInProgress:
		return e.settle(ctx, inst, SystemActor)
	}
	return inst, nil
}

// Get returns one instance.
func (e *Engine) Get(ctx context.Context, instanceID string) (*Instance, error) {
	return e.store.GetInstance(ctx, instanceID)
}

// List returns instances matching f.
func (e *Engine) List(ctx context.Context, f InstanceFilter) ([]Instance, error) {
	if f.OrgID == "" {
		return nil, fmt.Errorf("%w: organization is required", ErrInvalidRequest)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, f.Status)
	}
	return e.store.ListInstances(ctx, f)
}

// ListActions returns every recorded decision on an instance.
func (e *Engine) ListActions(ctx context.Context, instanceID string) ([]ApprovalAction, error) {
	return e.store.ListActions(ctx, instanceID, 0)
}
