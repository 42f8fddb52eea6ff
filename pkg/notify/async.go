package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/async"
)

type asyncNotifier struct {
	next    Notifier
	logger  logrus.FieldLogger
	timeout time.Duration
}

// Async returns a Notifier that hands each message to a background goroutine
// and returns immediately. Delivery errors are logged. The delivery is
// detached from the caller's context so it outlives the request.
func Async(next Notifier, logger logrus.FieldLogger, timeout time.Duration) Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &asyncNotifier{next: next, logger: logger, timeout: timeout}
}

func (n *asyncNotifier) Notify(ctx context.Context, msg Message) error {
	async.SafeGo(context.WithoutCancel(ctx), n.logger, n.timeout, "notify "+string(msg.Intent), func(ctx context.Context) error {
		return n.next.Notify(ctx, msg)
	})
	return nil
}
