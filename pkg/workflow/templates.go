package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/clock"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
	"github.com/platinummonkey/gatekeeper/pkg/storage/ids"
)

// Authorizer answers permission questions.
type Authorizer interface {
	Require(ctx context.Context, req rbac.AuthorizeRequest) error
}

// Directory resolves roles and their holders.
type Directory interface {
	GetRoleByCode(ctx context.Context, orgID, code string) (*rbac.Role, error)
	UsersWithRole(ctx context.Context, orgID, roleCode string, c rbac.Context) ([]string, error)
	HasAuthorityAbove(ctx context.Context, orgID, userID string, level int) (bool, error)
}

// Registry manages workflow templates.
type Registry struct {
	store  *Store
	dir    Directory
	authz  Authorizer
	sink   audit.Sink
	clock  clock.Clock
	logger logrus.FieldLogger
}

// NewRegistry creates a template registry.
func NewRegistry(store *Store, dir Directory, authz Authorizer, sink audit.Sink, clk clock.Clock, logger logrus.FieldLogger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{store: store, dir: dir, authz: authz, sink: sink, clock: clk, logger: logger}
}

func (r *Registry) require(ctx context.Context, orgID, actorID, action string) error {
	return r.authz.Require(ctx, rbac.AuthorizeRequest{
		OrgID:        orgID,
		UserID:       actorID,
		ResourceType: "workflow_template",
		Action:       action,
		Scope:        rbac.ScopeOrganization,
	})
}

func (r *Registry) record(ctx context.Context, orgID, actorID, action, templateID string, changes *audit.Changes, opErr error) {
	record(ctx, r.sink, r.logger, orgID, actorID, action, "workflow_template", templateID, changes, opErr)
}

// validate checks a template and returns its steps sorted and with
// normalized contexts.
func (r *Registry) validate(ctx context.Context, t *Template) ([]Step, error) {
	var problems []string
	if strings.TrimSpace(t.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(t.ResourceType) == "" {
		problems = append(problems, "resource_type is required")
	}
	if len(t.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}

	steps := make([]Step, len(t.Steps))
	copy(steps, t.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })

	for i := range steps {
		s := &steps[i]
		if s.StepNumber != i+1 {
			problems = append(problems, fmt.Sprintf("step numbers must run 1..%d without gaps or duplicates (found %d at position %d)", len(steps), s.StepNumber, i+1))
		}
		if s.ApproverRole == "" {
			problems = append(problems, fmt.Sprintf("step %d: approver_role is required", s.StepNumber))
		} else if err := r.roleExists(ctx, t.OrgID, s.ApproverRole); err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
			problems = append(problems, fmt.Sprintf("step %d: unknown approver_role %q", s.StepNumber, s.ApproverRole))
		}
		if err := s.ApproverContext.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("step %d: approver_context: %v", s.StepNumber, err))
		}
		s.ApproverContext = s.ApproverContext.Normalize()
		if s.ApprovalType != ApprovalAnyOne && s.ApprovalType != ApprovalAll {
			problems = append(problems, fmt.Sprintf("step %d: approval_type must be %s or %s", s.StepNumber, ApprovalAnyOne, ApprovalAll))
		}
		if s.EscalationTimeHours < 0 {
			problems = append(problems, fmt.Sprintf("step %d: escalation_time_hours must be positive", s.StepNumber))
		}
		if s.EscalateToRole != "" {
			if s.EscalationTimeHours == 0 {
				problems = append(problems, fmt.Sprintf("step %d: escalate_to_role needs escalation_time_hours", s.StepNumber))
			}
			if err := r.roleExists(ctx, t.OrgID, s.EscalateToRole); err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					return nil, err
				}
				problems = append(problems, fmt.Sprintf("step %d: unknown escalate_to_role %q", s.StepNumber, s.EscalateToRole))
			}
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMalformedTemplate, strings.Join(problems, "; "))
	}
	return steps, nil
}

func (r *Registry) roleExists(ctx context.Context, orgID, code string) error {
	_, err := r.dir.GetRoleByCode(ctx, orgID, code)
	return err
}

// CreateTemplate validates and stores a template. Passing an existing id
// returns the stored template unchanged.
func (r *Registry) CreateTemplate(ctx context.Context, actorID string, t Template) (*Template, error) {
	if t.OrgID == "" {
		return nil, fmt.Errorf("%w: organization is required", ErrInvalidRequest)
	}
	if err := r.require(ctx, t.OrgID, actorID, "create"); err != nil {
		return nil, err
	}

	steps, err := r.validate(ctx, &t)
	if err != nil {
		r.record(ctx, t.OrgID, actorID, "create", t.ID, nil, err)
		return nil, err
	}
	now := clock.Stamp(r.clock.Now())
	tmpl := &Template{
		ID:           ids.OrNew(t.ID),
		OrgID:        t.OrgID,
		Name:         strings.TrimSpace(t.Name),
		ResourceType: t.ResourceType,
		Active:       true,
		Steps:        steps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := r.store.InsertTemplate(ctx, tmpl)
	if err != nil {
		r.record(ctx, t.OrgID, actorID, "create", tmpl.ID, nil, err)
		return nil, err
	}
	if !created {
		return r.store.GetTemplate(ctx, t.OrgID, tmpl.ID)
	}
	r.record(ctx, t.OrgID, actorID, "create", tmpl.ID, &audit.Changes{
		After: map[string]interface{}{"name": tmpl.Name, "resource_type": tmpl.ResourceType, "steps": len(steps)},
	}, nil)
	r.logger.WithFields(logrus.Fields{
		"org_id":      tmpl.OrgID,
		"template_id": tmpl.ID,
		"steps":       len(steps),
	}).Info("workflow template created")
	return tmpl, nil
}

// GetTemplate returns a template.
func (r *Registry) GetTemplate(ctx context.Context, orgID, actorID, id string) (*Template, error) {
	if err := r.require(ctx, orgID, actorID, "read"); err != nil {
		return nil, err
	}
	return r.store.GetTemplate(ctx, orgID, id)
}

// ListTemplates returns the templates of an organization, optionally for
// one resource type.
func (r *Registry) ListTemplates(ctx context.Context, orgID, actorID, resourceType string) ([]Template, error) {
	if err := r.require(ctx, orgID, actorID, "read"); err != nil {
		return nil, err
	}
	return r.store.ListTemplates(ctx, orgID, resourceType)
}

// UpdateTemplate renames or (de)activates a template. Steps cannot change.
func (r *Registry) UpdateTemplate(ctx context.Context, orgID, actorID, id string, u TemplateUpdate) (*Template, error) {
	if err := r.require(ctx, orgID, actorID, "update"); err != nil {
		return nil, err
	}
	t, err := r.store.GetTemplate(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	before := map[string]interface{}{"name": t.Name, "active": t.Active}
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrMalformedTemplate)
		}
		t.Name = name
	}
	if u.Active != nil {
		t.Active = *u.Active
	}
	t.UpdatedAt = clock.Stamp(r.clock.Now())
	err = r.store.UpdateTemplate(ctx, t)
	r.record(ctx, orgID, actorID, "update", id, &audit.Changes{
		Before: before,
		After:  map[string]interface{}{"name": t.Name, "active": t.Active},
	}, err)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTemplate removes a template that no pending or in-progress instance
// uses.
func (r *Registry) DeleteTemplate(ctx context.Context, orgID, actorID, id string) error {
	if err := r.require(ctx, orgID, actorID, "delete"); err != nil {
		return err
	}
	if _, err := r.store.GetTemplate(ctx, orgID, id); err != nil {
		return err
	}
	n, err := r.store.LiveInstances(ctx, orgID, id)
	if err != nil {
		return err
	}
	if n > 0 {
		err = fmt.Errorf("%w: %d live instances", ErrTemplateInUse, n)
	} else {
		err = r.store.DeleteTemplate(ctx, orgID, id)
	}
	r.record(ctx, orgID, actorID, "delete", id, nil, err)
	return err
}

// record appends an audit entry for a workflow operation. Permission
// denials are already recorded by the resolver.
func record(ctx context.Context, sink audit.Sink, logger logrus.FieldLogger, orgID, actorID, action, resourceType, resourceID string, changes *audit.Changes, opErr error) {
	if sink == nil || errors.Is(opErr, rbac.ErrPermissionDenied) {
		return
	}
	result := audit.ResultSuccess
	switch {
	case opErr == nil:
	case errors.Is(opErr, ErrInvalidTransition):
		result = audit.ResultDenied
	default:
		result = audit.ResultFailure
	}
	entry := &audit.Entry{
		OrgID:        orgID,
		UserID:       actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Result:       result,
		Changes:      changes,
	}
	if opErr != nil {
		entry.Context = map[string]string{"error": opErr.Error()}
	}
	if err := sink.Append(ctx, entry); err != nil {
		logger.WithError(err).WithField(resourceType+"_id", resourceID).Warn("failed to record audit entry")
	}
}
