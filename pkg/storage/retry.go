package storage

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"
)

// RetryConfig configures read retry behavior
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the retry configuration used for idempotent reads.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      25 * time.Millisecond,
		MaxDelay:          500 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// Delay returns the backoff before retry number attempt (1-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return c.InitialDelay
	}
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// RetryRead runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. Only use it for reads: a read has no side effect,
// so repeating it is always safe.
func RetryRead(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
