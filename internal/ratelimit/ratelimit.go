// Package ratelimit implements the two throttling primitives of the service:
// a per-caller token bucket for the HTTP gateway and a per-tool cooldown
// window for schema extraction. Both are thread-safe with no background
// goroutines — state is refreshed lazily on each check, and time is read
// through an injectable clock.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a caller has exhausted their budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter grants each caller a credit budget that refills continuously over
// time. Budgets are independent: one caller cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	grants  map[string]*grant
	perSec  float64          // credit gained per second
	ceiling float64          // maximum stored credit
	now     func() time.Time // Injectable clock for tests.
}

type grant struct {
	credit    float64
	refreshed time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	ceiling := float64(cfg.BurstSize)
	if ceiling <= 0 {
		ceiling = float64(cfg.RequestsPerMinute)
	}
	if ceiling <= 0 {
		ceiling = 1 // safety floor
	}
	return &Limiter{
		grants:  make(map[string]*grant),
		perSec:  float64(cfg.RequestsPerMinute) / 60,
		ceiling: ceiling,
		now:     time.Now,
	}
}

// Allow spends one unit of the caller's credit, refreshing the budget for
// the time elapsed since the last call. Returns ErrRateLimited when the
// budget is empty.
func (l *Limiter) Allow(callerID string) error {
	if l.perSec <= 0 {
		return nil // Unlimited mode.
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	g := l.refresh(callerID, l.now())
	if g.credit < 1 {
		return ErrRateLimited
	}
	g.credit--
	return nil
}

// refresh tops up the caller's credit for the elapsed time, capped at the
// ceiling. A caller seen for the first time starts with a full budget.
// Callers must hold l.mu.
func (l *Limiter) refresh(callerID string, now time.Time) *grant {
	g, ok := l.grants[callerID]
	if !ok {
		g = &grant{credit: l.ceiling, refreshed: now}
		l.grants[callerID] = g
		return g
	}
	g.credit += now.Sub(g.refreshed).Seconds() * l.perSec
	if g.credit > l.ceiling {
		g.credit = l.ceiling
	}
	g.refreshed = now
	return g
}
