package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rendis/agentpipe/internal/runtime"
	"github.com/rendis/agentpipe/pkg/schema"
)

// Backoff strategies accepted by schema.BackoffPolicy.Strategy.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// IsTransient classifies whether a failed attempt may succeed when retried
// with the same input. Anything not positively identified as transient is fatal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Cancellation means the execution is going away.
	if errors.Is(err, context.Canceled) && !schema.HasCode(err, schema.ErrCodeTransient) {
		return false
	}

	// Coded errors decide for themselves; the runtime sets the code from its own class.
	var pErr *schema.Error
	if errors.As(err, &pErr) {
		return pErr.IsRetryable()
	}

	var rerr *runtime.RuntimeError
	if errors.As(err, &rerr) {
		return rerr.Transient
	}

	// A single attempt that ran out of time.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
// A nil policy uses fallback.
func ComputeBackoff(policy, fallback *schema.BackoffPolicy, attempt int) time.Duration {
	if policy == nil {
		policy = fallback
	}
	if policy == nil || policy.Delay == "" || policy.Strategy == BackoffNone {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil || base <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Strategy {
	case BackoffExponential:
		delay = base
		for i := 0; i < attempt && delay < time.Hour; i++ {
			delay *= 2
		}
	case BackoffLinear:
		delay = base * time.Duration(attempt+1)
	default: // constant or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for delay or returns early if ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
