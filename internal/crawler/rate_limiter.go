package crawler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DelayLimiter enforces the uniform pause between batches.
type DelayLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	delay   time.Duration
}

// NewDelayLimiter creates a limiter pausing for delay. Zero disables it.
func NewDelayLimiter(delay time.Duration) *DelayLimiter {
	return &DelayLimiter{limiter: rate.NewLimiter(limitFor(delay), 1), delay: delay}
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}

// Delay returns the current pause.
func (d *DelayLimiter) Delay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delay
}

// Raise increases the pause to delay when it is longer, e.g. for a
// robots.txt Crawl-delay. The pause is never lowered.
func (d *DelayLimiter) Raise(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if delay > d.delay {
		d.delay = delay
		d.limiter.SetLimit(limitFor(delay))
	}
}

// Pause blocks for the full delay measured from now.
func (d *DelayLimiter) Pause(ctx context.Context) error {
	// Drop any token accumulated while the batch ran.
	d.limiter.Allow()
	return d.limiter.Wait(ctx)
}
