package netcall

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// RetryPolicy configures retries of failed requests. Max is the number of
// retries after the first attempt.
type RetryPolicy struct {
	Max      int           `json:"max"`
	Backoff  string        `json:"backoff,omitempty"` // none | constant | linear | exponential
	Delay    time.Duration `json:"delay,omitempty"`
	MaxDelay time.Duration `json:"max_delay,omitempty"`
}

// IsRetryableError classifies whether an error should be retried.
// Retryable: network errors, timeouts, transient FlowErrors and well-known
// transient messages. Cancellation and everything else is final.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) && flowErr.IsRetryable() {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// retryableStatus reports whether an HTTP status is worth retrying.
func retryableStatus(code int) bool {
	return code == 429 || code == 502 || code == 503 || code == 504
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
func ComputeBackoff(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay <= 0 {
		return 0
	}

	delay := policy.Delay
	switch policy.Backoff {
	case "exponential":
		for i := 0; i < attempt; i++ {
			delay *= 2
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				break
			}
		}
	case "linear":
		delay = policy.Delay * time.Duration(attempt+1)
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// waitForBackoff sleeps for delay or returns early if ctx is cancelled.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
