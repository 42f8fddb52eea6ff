package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

var (
	ErrTemplateNotFound = errors.New("workflow template not found")
	ErrInstanceNotFound = errors.New("workflow instance not found")
	// ErrInvalidTransition is returned for a decide or cancel on a terminal
	// instance, or by an actor who is not eligible.
	ErrInvalidTransition = errors.New("invalid workflow transition")
	// ErrMalformedTemplate is returned when a template's steps do not validate.
	ErrMalformedTemplate = errors.New("malformed workflow template")
	// ErrNoEligibleApprovers is returned when nobody holds the role a step
	// needs. The instance is cancelled.
	ErrNoEligibleApprovers = errors.New("no eligible approvers")
	ErrTemplateInactive    = errors.New("workflow template inactive")
	// ErrTemplateInUse is returned when deleting a template that still has
	// live instances.
	ErrTemplateInUse  = errors.New("workflow template in use")
	ErrInvalidRequest = errors.New("invalid workflow request")
)

// Status of a workflow instance.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// ensureTransition checks the instance lifecycle:
// pending -> in_progress|cancelled, in_progress -> approved|rejected|cancelled.
func ensureTransition(from, to Status) error {
	switch from {
	case StatusPending:
		if to == StatusInProgress || to == StatusCancelled {
			return nil
		}
	case StatusInProgress:
		if to == StatusInProgress || to == StatusApproved || to == StatusRejected || to == StatusCancelled {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ApprovalType is the rule that resolves a step.
type ApprovalType string

const (
	// ApprovalAnyOne resolves the step on the first approve.
	ApprovalAnyOne ApprovalType = "any_one"
	// ApprovalAll needs every resolved approver to approve.
	ApprovalAll ApprovalType = "all"
)

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Step is one sign-off stage of a template.
type Step struct {
	StepNumber          int          `json:"step_number"`
	ApproverRole        string       `json:"approver_role"`
	ApproverContext     rbac.Context `json:"approver_context"`
	ApprovalType        ApprovalType `json:"approval_type"`
	EscalateToRole      string       `json:"escalate_to_role,omitempty"`
	EscalationTimeHours int          `json:"escalation_time_hours,omitempty"`
}

// Deadline returns when a step entered at t falls due, or nil when the step
// has no escalation timer.
func (s Step) Deadline(t time.Time) *time.Time {
	if s.EscalationTimeHours <= 0 {
		return nil
	}
	due := t.Add(time.Duration(s.EscalationTimeHours) * time.Hour)
	return &due
}

// Template is an ordered list of approval steps for one resource type.
// Steps never change after creation.
type Template struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	Name         string    `json:"name"`
	ResourceType string    `json:"resource_type"`
	Active       bool      `json:"active"`
	Steps        []Step    `json:"steps"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Step returns step n (1-based).
func (t *Template) Step(n int) (Step, bool) {
	if n < 1 || n > len(t.Steps) {
		return Step{}, false
	}
	return t.Steps[n-1], true
}

// TemplateUpdate changes the mutable fields of a template.
type TemplateUpdate struct {
	Name   *string `json:"name,omitempty"`
	Active *bool   `json:"active,omitempty"`
}

// Instance is one run of a template against a resource.
type Instance struct {
	ID               string     `json:"id"`
	OrgID            string     `json:"org_id"`
	TemplateID       string     `json:"template_id"`
	ResourceType     string     `json:"resource_type"`
	ResourceID       string     `json:"resource_id"`
	ResourceName     string     `json:"resource_name,omitempty"`
	RequestedBy      string     `json:"requested_by"`
	Status           Status     `json:"status"`
	CurrentStep      int        `json:"current_step"`
	CurrentApprovers []string   `json:"current_approvers"`
	Escalated        bool       `json:"escalated"`
	EscalateTo       string     `json:"escalate_to,omitempty"`
	DueAt            *time.Time `json:"due_at,omitempty"`
	ReminderSent     bool       `json:"reminder_sent"`
	Version          int        `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`

	// SettledActions counts the current step's actions already evaluated
	// without a transition.
	SettledActions int `json:"-"`
}

// Cursor is a position in the overdue ordering, by due date then id. The
// zero Cursor starts from the beginning.
type Cursor struct {
	DueAt time.Time
	ID    string
}

// Cursor returns the overdue position of i.
func (i *Instance) Cursor() Cursor {
	c := Cursor{ID: i.ID}
	if i.DueAt != nil {
		c.DueAt = *i.DueAt
	}
	return c
}

// IsApprover reports whether userID may decide the current step.
func (i *Instance) IsApprover(userID string) bool {
	for _, a := range i.CurrentApprovers {
		if a == userID {
			return true
		}
	}
	return false
}

func (i *Instance) clone() *Instance {
	c := *i
	c.CurrentApprovers = append([]string(nil), i.CurrentApprovers...)
	return &c
}

// StartRequest starts an instance. ID is optional; passing one makes the
// start idempotent.
type StartRequest struct {
	ID           string `json:"id,omitempty"`
	OrgID        string `json:"org_id"`
	TemplateID   string `json:"template_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	ResourceName string `json:"resource_name,omitempty"`
	RequestedBy  string `json:"requested_by"`
}

// ApprovalAction is a recorded decision. Its id is derived from
// (instance, step, actor) so a retried decide cannot record twice.
type ApprovalAction struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	InstanceID string    `json:"instance_id"`
	StepNumber int       `json:"step_number"`
	ActorID    string    `json:"actor_id"`
	Decision   Decision  `json:"decision"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ActionID is the deterministic id of an actor's decision on a step.
func ActionID(instanceID string, step int, actorID string) string {
	return fmt.Sprintf("%s:%d:%s", instanceID, step, actorID)
}

// InstanceFilter selects instances of one organization. Zero values are
// ignored.
type InstanceFilter struct {
	OrgID        string
	Status       Status
	TemplateID   string
	ResourceType string
	ResourceID   string
	RequestedBy  string
	Limit        int
}
