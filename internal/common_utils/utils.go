package commonutils

import (
	"context"
	"errors"
	"time"
)

// DefaultRetryInterval is the first sleep between two TryExec attempts.
const DefaultRetryInterval = 10 * time.Millisecond

const maxRetryInterval = 250 * time.Millisecond

// ErrRetryDeadline is returned, joined with the last attempt error, when TryExec
// runs out of time.
var ErrRetryDeadline = errors.New("retry deadline exceeded")

// TryExec runs fn until it succeeds, fn reports a permanent error, ctx is done or
// timeout elapses. The sleep between attempts doubles up to a small cap. retryable
// decides which errors are worth another attempt; nil retries everything.
func TryExec(ctx context.Context, timeout time.Duration, retryable func(error) bool, fn func() error) error {
	deadline := time.Now().Add(timeout)
	interval := DefaultRetryInterval
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.Join(ErrRetryDeadline, err)
		}
		wait := min(interval, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
		interval = min(interval*2, maxRetryInterval)
	}
}
