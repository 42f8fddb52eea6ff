package notify

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogNotifier writes each message to the log. It is the default when no
// webhook is configured.
type LogNotifier struct {
	logger logrus.FieldLogger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs msg at info level.
func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	fields := logrus.Fields{
		"intent":        msg.Intent,
		"org_id":        msg.OrgID,
		"instance_id":   msg.InstanceID,
		"resource_type": msg.ResourceType,
		"resource_id":   msg.ResourceID,
		"recipients":    strings.Join(msg.Recipients, ","),
	}
	if msg.Step > 0 {
		fields["step"] = msg.Step
	}
	if msg.DueAt != nil {
		fields["due_at"] = msg.DueAt
	}
	n.logger.WithFields(fields).Info("notification")
	return nil
}
