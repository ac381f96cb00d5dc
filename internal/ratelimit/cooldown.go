package ratelimit

import (
	"sync"
	"time"
)

// Cooldown enforces a fixed quiet window per key. The stamp is set whenever
// an attempt is admitted, regardless of whether the work it gates later
// succeeds or fails — a failing attempt consumes the window just like a
// successful one. Rejected checks do not refresh the stamp, so the reported
// retryAfter decreases monotonically across immediate retries.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	stamps map[string]time.Time
	now    func() time.Time // Injectable clock for tests.
}

// NewCooldown creates a cooldown tracker with the given window.
// A zero window disables the cooldown (Check always passes).
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{
		window: window,
		stamps: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Check records an attempt for key and reports whether it is allowed.
// When rejected, retryAfter carries the remaining window.
func (c *Cooldown) Check(key string) (retryAfter time.Duration, allowed bool) {
	if c.window <= 0 {
		return 0, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	last, seen := c.stamps[key]
	if seen {
		if remaining := c.window - now.Sub(last); remaining > 0 {
			return remaining, false
		}
	}
	c.stamps[key] = now
	return 0, true
}
