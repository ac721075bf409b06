// Package retry holds the task retry policy and a bounded in-process loop
// for transient infrastructure calls.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Loop bounds an in-process retry of a single call, such as re-enqueueing a
// retried envelope. It is unrelated to task retries, which go back through the queue.
type Loop struct {
	// Attempts is the total number of calls. Values below one mean one.
	Attempts int
	// Backoff maps the number of failed calls so far to the wait before the next.
	// Nil retries immediately.
	Backoff BackoffFunc
	// Retryable filters errors worth another call. Nil retries every error.
	Retryable func(err error) bool
	// OnRetry runs after a failed call that will be retried.
	OnRetry func(failed int, err error)
}

// Do calls fn until it succeeds or the loop gives up, and returns the last error.
// A cancelled ctx stops the loop during a wait and wraps ctx.Err().
func (l Loop) Do(ctx context.Context, fn func() error) error {
	attempts := max(l.Attempts, 1)

	for failed := 0; ; {
		err := fn()
		if err == nil {
			return nil
		}
		failed++
		if failed >= attempts || (l.Retryable != nil && !l.Retryable(err)) {
			return err
		}
		if l.OnRetry != nil {
			l.OnRetry(failed, err)
		}

		var wait time.Duration
		if l.Backoff != nil {
			wait = l.Backoff(failed)
		}
		if err := pause(ctx, wait); err != nil {
			return fmt.Errorf("retry cancelled after %d failed calls: %w", failed, err)
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
