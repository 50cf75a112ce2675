package common

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttle paces bulk page copies (checkpoint) so a large log does not starve
// foreground readers of disk bandwidth. A nil Throttle never waits.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle allows bytesPerSec bytes per second with a burst of one chunk.
// bytesPerSec <= 0 disables throttling.
func NewThrottle(bytesPerSec int64, chunk int) *Throttle {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := max(chunk, int(min(bytesPerSec, int64(1<<30))))
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Wait blocks until n bytes may be written.
func (t *Throttle) Wait(ctx context.Context, n int) error {
	if t == nil {
		return nil
	}
	if err := t.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}
	return nil
}
