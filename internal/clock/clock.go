// ABOUTME: Clock interface for injectable time in timers, backoff, and reaping
// ABOUTME: Real() wraps package time; Fake() gives tests full control

package clock

import (
	"context"
	"time"
)

// Clock abstracts the time operations used by the gateway.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks for d or until ctx is done, whichever comes first.
	// Returns ctx.Err() if the context ended the wait.
	Sleep(ctx context.Context, d time.Duration) error
}

// Ticker delivers periodic ticks on C. Call Stop to release it.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }
