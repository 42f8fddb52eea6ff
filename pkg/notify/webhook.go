package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/gatekeeper/pkg/storage/ids"
)

// Request headers set on every webhook delivery.
const (
	HeaderIntent    = "X-Gatekeeper-Intent"
	HeaderDelivery  = "X-Gatekeeper-Delivery"
	HeaderSignature = "X-Gatekeeper-Signature"
)

// DeliveryError is a non-2xx answer from the webhook endpoint.
type DeliveryError struct {
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook returned non-2xx status: %d", e.StatusCode)
}

// Temporary reports whether the endpoint may accept a redelivery.
func (e *DeliveryError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retry   RetryConfig
	// RatePerSecond caps deliveries; zero means unlimited.
	RatePerSecond float64
	Burst         int
}

// Envelope is the JSON body posted to the webhook.
type Envelope struct {
	DeliveryID string  `json:"delivery_id"`
	Message    Message `json:"message"`
}

// WebhookNotifier posts messages as signed JSON to a single endpoint.
type WebhookNotifier struct {
	url     string
	secret  string
	client  *http.Client
	policy  *RetryPolicy
	limiter *rate.Limiter
	logger  logrus.FieldLogger
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(config WebhookConfig, logger logrus.FieldLogger) (*WebhookNotifier, error) {
	if config.URL == "" {
		return nil, errors.New("webhook URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebhookNotifier{
		url:     config.URL,
		secret:  config.Secret,
		client:  &http.Client{Timeout: config.Timeout},
		policy:  NewRetryPolicy(config.Retry),
		limiter: rate.NewLimiter(limit, config.Burst),
		logger:  logger,
	}, nil
}

// Notify posts msg, retrying transient failures with exponential backoff
// until the retry budget or ctx runs out. Every attempt carries the same
// delivery id so receivers can deduplicate.
func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	env := Envelope{DeliveryID: ids.New(), Message: msg}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	logger := n.logger.WithFields(logrus.Fields{
		"intent":      msg.Intent,
		"instance_id": msg.InstanceID,
		"delivery_id": env.DeliveryID,
	})
	for attempt := 1; ; attempt++ {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("deliver %s: %w", msg.Intent, err)
		}
		err = n.send(ctx, env.DeliveryID, msg.Intent, payload)
		if err == nil {
			return nil
		}
		if !n.policy.ShouldRetry(attempt, err) {
			return fmt.Errorf("deliver %s after %d attempts: %w", msg.Intent, attempt, err)
		}

		delay := n.policy.NextRetryDelay(attempt)
		logger.WithError(err).WithField("attempt", attempt).Debugf("retrying webhook in %s", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("deliver %s: %w (last error: %v)", msg.Intent, ctx.Err(), err)
		case <-timer.C:
		}
	}
}

func (n *WebhookNotifier) send(ctx context.Context, deliveryID string, intent Intent, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIntent, string(intent))
	req.Header.Set(HeaderDelivery, deliveryID)
	if n.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign returns the HMAC-SHA256 signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
