// Package retry provides an exponential-backoff retryer for LLM transport
// failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy defines the retry behavior.
type Policy struct {
	MaxRetries   int           // maximum retries (0 disables retrying)
	InitialDelay time.Duration // first backoff delay
	MaxDelay     time.Duration // backoff ceiling
	Multiplier   float64       // exponential factor
	Jitter       bool          // ±25% randomization, 防止重试雪崩
}

// DefaultPolicy suits most LLM API calls.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer runs functions under a retry policy.
type Retryer struct {
	policy *Policy
	logger *zap.Logger
}

// New creates a backoff retryer, normalizing out-of-range policy values.
func New(policy *Policy, logger *zap.Logger) *Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy, logger: logger}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// is exhausted. Retryability is decided by the Retryable interface or the
// RetryableError wrapper.
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt >= r.policy.MaxRetries {
			break
		}
	}
	return fmt.Errorf("still failing after %d retries: %w", r.policy.MaxRetries, lastErr)
}

func (r *Retryer) delay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}

// Retryable marks errors that declare their own retryability.
type Retryable interface {
	IsRetryable() bool
}

func isRetryable(err error) bool {
	var marker Retryable
	if errors.As(err, &marker) {
		return marker.IsRetryable()
	}
	var wrapped *RetryableError
	if errors.As(err, &wrapped) {
		return true
	}
	// Unknown errors default to retryable: transport blips outnumber logic
	// bugs on this path.
	return true
}

// RetryableError wraps an error to force retrying.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// WrapRetryable marks err as retryable. Returns nil for nil.
func WrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}
