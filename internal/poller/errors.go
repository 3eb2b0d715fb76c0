package poller

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is matched by every breaker or governor denial
	ErrRateLimited = errors.New("rate limited")

	// ErrStopped is returned when a tick runs on a controller that already stopped
	ErrStopped = errors.New("controller stopped")

	// ErrTerminalFailure is returned when the retry budget is exhausted
	ErrTerminalFailure = errors.New("terminal failure")
)

// RateLimitedError is a flow-control signal, not a failure
type RateLimitedError struct {
	ResourceID string
	Reason     string
	RetryAt    time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("fetch of %s rate limited: %s until %s", e.ResourceID, e.Reason, e.RetryAt.Format(time.RFC3339))
}

// Unwrap returns ErrRateLimited
func (*RateLimitedError) Unwrap() error {
	return ErrRateLimited
}
