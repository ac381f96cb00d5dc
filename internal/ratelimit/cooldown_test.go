package ratelimit

import (
	"testing"
	"time"
)

// fakeClock returns a controllable now() func.
func fakeClock(start time.Time) (*time.Time, func() time.Time) {
	t := start
	return &t, func() time.Time { return t }
}

func TestCooldown_FirstAttemptAllowed(t *testing.T) {
	c := NewCooldown(time.Minute)

	if _, allowed := c.Check("demo-tool/helloWorldTool"); !allowed {
		t.Error("first attempt should be allowed")
	}
}

func TestCooldown_SecondAttemptRejected(t *testing.T) {
	c := NewCooldown(time.Minute)
	now, clock := fakeClock(time.Unix(1000, 0))
	c.now = clock

	c.Check("a")

	*now = now.Add(10 * time.Second)
	retryAfter, allowed := c.Check("a")
	if allowed {
		t.Fatal("attempt within cooldown window should be rejected")
	}
	if retryAfter != 50*time.Second {
		t.Errorf("retryAfter = %s, want 50s", retryAfter)
	}
}

func TestCooldown_RetryAfterDecreasesMonotonically(t *testing.T) {
	c := NewCooldown(time.Minute)
	now, clock := fakeClock(time.Unix(1000, 0))
	c.now = clock

	c.Check("a")

	var prev time.Duration = time.Minute
	for i := 0; i < 5; i++ {
		*now = now.Add(5 * time.Second)
		retryAfter, allowed := c.Check("a")
		if allowed {
			t.Fatalf("attempt %d should be rejected", i)
		}
		if retryAfter >= prev {
			t.Errorf("retryAfter = %s, want < %s", retryAfter, prev)
		}
		prev = retryAfter
	}
}

func TestCooldown_WindowExpiry(t *testing.T) {
	c := NewCooldown(time.Minute)
	now, clock := fakeClock(time.Unix(1000, 0))
	c.now = clock

	c.Check("a")
	*now = now.Add(61 * time.Second)

	if _, allowed := c.Check("a"); !allowed {
		t.Error("attempt after window expiry should be allowed")
	}
}

func TestCooldown_IndependentKeys(t *testing.T) {
	c := NewCooldown(time.Minute)

	c.Check("a")
	if _, allowed := c.Check("b"); !allowed {
		t.Error("different keys must not share a cooldown window")
	}
}

func TestCooldown_ZeroWindowDisabled(t *testing.T) {
	c := NewCooldown(0)

	for i := 0; i < 3; i++ {
		if _, allowed := c.Check("a"); !allowed {
			t.Fatal("zero window should disable the cooldown")
		}
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("user"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestLimiter_BurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})

	if err := l.Allow("user"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Allow("user"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Allow("user"); err == nil {
		t.Error("third immediate request should be rate limited")
	}

	// Another caller has an independent bucket.
	if err := l.Allow("other"); err != nil {
		t.Errorf("unexpected error for independent caller: %v", err)
	}
}

func TestLimiter_RefillOverTime(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	now, clock := fakeClock(time.Unix(1000, 0))
	l.now = clock

	if err := l.Allow("user"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Allow("user"); err == nil {
		t.Fatal("second immediate request should be rate limited")
	}

	// 60 per minute refills one credit per second.
	*now = now.Add(time.Second)
	if err := l.Allow("user"); err != nil {
		t.Errorf("request after refill interval = %v, want nil", err)
	}

	// Credit stops accruing at the burst ceiling.
	*now = now.Add(time.Hour)
	if err := l.Allow("user"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Allow("user"); err == nil {
		t.Error("burst ceiling of 1 should not accumulate extra credit")
	}
}
