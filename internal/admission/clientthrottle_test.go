package admission

import (
	"testing"
	"time"
)

func TestClientThrottle_ModeTracksRemainingBudget(t *testing.T) {
	t.Parallel()
	ct := NewClientThrottle(ClientThrottleOptions{})

	if got := ct.Mode(); got != ThrottleNormal {
		t.Fatalf("mode = %v before any observation, want normal", got)
	}

	ct.Observe(100, 50, time.Minute, true)
	if got := ct.Mode(); got != ThrottleNormal {
		t.Fatalf("mode = %v at 50%% remaining, want normal", got)
	}

	ct.Observe(100, 20, time.Minute, true)
	if got := ct.Mode(); got != ThrottleModerate {
		t.Fatalf("mode = %v at 20%% remaining, want moderate", got)
	}

	ct.Observe(100, 5, time.Minute, true)
	if got := ct.Mode(); got != ThrottleConservative {
		t.Fatalf("mode = %v at 5%% remaining, want conservative", got)
	}
}

func TestClientThrottle_ServerHintWinsOverBackoff(t *testing.T) {
	t.Parallel()
	ct := NewClientThrottle(ClientThrottleOptions{JitterFraction: 0.25})

	hint := 4 * time.Second
	wait := ct.RetryAfter(hint)
	if wait < 3*time.Second || wait > 5*time.Second {
		t.Fatalf("wait = %v, want the hint within a 25%% jitter band", wait)
	}
}

func TestClientThrottle_BackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()
	ct := NewClientThrottle(ClientThrottleOptions{
		BaseBackoff:    time.Second,
		MaxBackoff:     8 * time.Second,
		JitterFraction: 0.0001,
	})
	denied := &Decision{Allowed: false, Limit: 10}

	// Doubling from the base, capped at 8s. Waits at the cap are still
	// independently jittered, so compare against the un-jittered curve
	// with a tolerance instead of demanding strict growth.
	expected := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for i, want := range expected {
		ct.ObserveDecision(denied)
		got := ct.RetryAfter(0)
		if got < want-50*time.Millisecond || got > want+50*time.Millisecond {
			t.Fatalf("wait %d = %v, want about %v", i, got, want)
		}
	}

	// A successful response resets the streak.
	ct.ObserveDecision(&Decision{Allowed: true, Limit: 10, Remaining: 9})
	wait := ct.RetryAfter(0)
	if wait > 2*time.Second {
		t.Fatalf("wait = %v after a success, want the base backoff again", wait)
	}
}

func TestClientThrottle_PacesAgainstTheResetWindow(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	ct := NewClientThrottle(ClientThrottleOptions{JitterFraction: 0.0001})
	ct.SetClock(clock.Now)

	// Plenty of budget: no proactive delay.
	ct.Observe(100, 90, time.Minute, true)
	if got := ct.Pace(); got != 0 {
		t.Fatalf("pace = %v in normal mode, want 0", got)
	}

	// 2 of 100 remaining with 60s to the reset: roughly 20s per request,
	// doubled in conservative mode.
	ct.Observe(100, 2, time.Minute, true)
	got := ct.Pace()
	if got < 35*time.Second || got > 45*time.Second {
		t.Fatalf("pace = %v, want about 40s", got)
	}

	// After the reset passes there is nothing to spread.
	clock.Advance(2 * time.Minute)
	if got := ct.Pace(); got != 0 {
		t.Fatalf("pace = %v past the reset, want 0", got)
	}
}
