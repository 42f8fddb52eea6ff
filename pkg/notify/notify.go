package notify

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// Intent names what a notification asks of its recipients.
type Intent string

const (
	IntentApprovalRequested Intent = "approval_requested"
	IntentApprovalReminder  Intent = "approval_reminder"
	IntentApprovalEscalated Intent = "approval_escalated"
	IntentWorkflowApproved  Intent = "workflow_approved"
	IntentWorkflowRejected  Intent = "workflow_rejected"
	IntentWorkflowCancelled Intent = "workflow_cancelled"
)

// Message is a single notification about a workflow instance.
type Message struct {
	Intent       Intent     `json:"intent"`
	OrgID        string     `json:"org_id"`
	InstanceID   string     `json:"instance_id"`
	TemplateID   string     `json:"template_id,omitempty"`
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	ResourceName string     `json:"resource_name,omitempty"`
	Step         int        `json:"step,omitempty"`
	Recipients   []string   `json:"recipients"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Notifier delivers messages to their recipients.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, msg Message) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Noop drops every message.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, Message) error { return nil }

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers msg through each notifier in turn.
func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type instrumented struct {
	next    Notifier
	metrics *observability.Metrics
}

// Instrument counts deliveries by intent and outcome.
func Instrument(next Notifier, metrics *observability.Metrics) Notifier {
	return &instrumented{next: next, metrics: metrics}
}

func (n *instrumented) Notify(ctx context.Context, msg Message) error {
	err := n.next.Notify(ctx, msg)
	n.metrics.RecordNotification(string(msg.Intent), err)
	return err
}
