package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries calls whose errors the classifier marks as transient.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries
	// every error.
	Retryable func(err error) bool
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do calls fn until it succeeds, returns a permanent error, or the retries
// run out. The backoff doubles after each attempt and is cut short by ctx.
func (r RetryPolicy) Do(ctx context.Context, fn func() error) error {
	wait := r.Backoff
	var err error
	for i := 0; ; i++ {
		err = fn()
		if err == nil || i >= r.MaxRetries {
			return err
		}
		if r.Retryable != nil && !r.Retryable(err) {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		wait *= 2
	}
}
