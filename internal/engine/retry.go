package engine

import (
	"time"

	"growmate/internal/types"
)

// DefaultMaxRetryAttempts caps delivery retries: attempts 0..4 yield delays
// of 1, 2, 4, 8, 16 seconds, then the delivery is terminally failed.
const DefaultMaxRetryAttempts = 5

// RetryCoordinator classifies delivery failures as retryable or fatal and
// computes exponential backoff delays for retries.
type RetryCoordinator struct {
	maxAttempts int
}

// NewRetryCoordinator creates a coordinator with the given attempt cap.
// A non-positive cap falls back to the default.
func NewRetryCoordinator(maxAttempts int) *RetryCoordinator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRetryAttempts
	}
	return &RetryCoordinator{maxAttempts: maxAttempts}
}

// Classify reports whether a failure reason is worth retrying.
// network_error and device_offline are transient; permission_denied and
// quota_exceeded are terminal and surface immediately as a failed record
// with no retry scheduled. Unknown reasons are treated as terminal so a new
// transport failure mode cannot cause an unbounded retry storm.
func (r *RetryCoordinator) Classify(reason types.FailureReason) bool {
	switch reason {
	case types.FailureNetworkError, types.FailureDeviceOffline:
		return true
	case types.FailurePermissionDenied, types.FailureQuotaExceeded:
		return false
	default:
		return false
	}
}

// BackoffDelay returns the delay before retry attempt n: 2^n seconds.
// Negative attempts clamp to zero.
func (r *RetryCoordinator) BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of completed attempts.
func (r *RetryCoordinator) ShouldRetry(attempt int) bool {
	return attempt < r.maxAttempts
}

// MaxAttempts returns the configured attempt cap.
func (r *RetryCoordinator) MaxAttempts() int {
	return r.maxAttempts
}
