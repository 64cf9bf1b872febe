package admission

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestTokenBucket_DrainAndRefill(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewMemoryCounterStore(clock.Now)
	params := RuleParams{Limit: 10, Window: 10 * time.Second}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		decision, err := store.EvalTokenBucket(ctx, "k", params, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	decision, err := store.EvalTokenBucket(ctx, "k", params, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("11th request should be denied")
	}
	if decision.RetryAfter != time.Second {
		t.Fatalf("retryAfter = %v, want 1s", decision.RetryAfter)
	}
	if decision.Remaining != 0 {
		t.Fatalf("denied request must not deduct, remaining = %d", decision.Remaining)
	}

	// Refill rate is limit/window = 1 token per second.
	clock.Advance(5 * time.Second)
	for i := 0; i < 5; i++ {
		decision, err := store.EvalTokenBucket(ctx, "k", params, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("refilled request %d should be allowed", i)
		}
	}
	decision, err = store.EvalTokenBucket(ctx, "k", params, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("request beyond refilled tokens should be denied")
	}
}

func TestTokenBucket_BurstCapacityAboveLimit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewMemoryCounterStore(clock.Now)
	params := RuleParams{Limit: 10, Window: 10 * time.Second, Burst: 20}
	ctx := context.Background()

	decision, err := store.EvalTokenBucket(ctx, "k", params, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("full burst capacity should be admittable at once")
	}
	decision, err = store.EvalTokenBucket(ctx, "k", params, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("bucket should be empty after the burst")
	}
}

func TestTokenBucket_CostAboveTokensRetryCeil(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewMemoryCounterStore(clock.Now)
	params := RuleParams{Limit: 2, Window: 10 * time.Second}
	ctx := context.Background()

	if decision, _ := store.EvalTokenBucket(ctx, "k", params, 2); !decision.Allowed {
		t.Fatal("first request should drain the bucket")
	}
	decision, err := store.EvalTokenBucket(ctx, "k", params, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("empty bucket should deny")
	}
	// Rate is 0.2 tokens/sec; 2 tokens need 10s.
	if decision.RetryAfter != 10*time.Second {
		t.Fatalf("retryAfter = %v, want 10s", decision.RetryAfter)
	}
}

func TestLeakyBucket_FillLeakAndDelay(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewMemoryCounterStore(clock.Now)
	params := RuleParams{Limit: 5, Window: 5 * time.Second}
	ctx := context.Background()

	var lastDelay time.Duration
	for i := 0; i < 5; i++ {
		decision, err := store.EvalLeakyBucket(ctx, "k", params, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d should fit the bucket", i)
		}
		if decision.Delay < lastDelay {
			t.Fatalf("delay should grow with the level: %v < %v", decision.Delay, lastDelay)
		}
		lastDelay = decision.Delay
	}

	decision, err := store.EvalLeakyBucket(ctx, "k", params, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("full bucket should deny")
	}
	if decision.RetryAfter != time.Second {
		t.Fatalf("retryAfter = %v, want 1s", decision.RetryAfter)
	}

	// Leak rate is 1/s; after 2s two slots are free.
	clock.Advance(2 * time.Second)
	for i := 0; i < 2; i++ {
		decision, err := store.EvalLeakyBucket(ctx, "k", params, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("drained slot %d should be admitted", i)
		}
	}
	if decision, _ := store.EvalLeakyBucket(ctx, "k", params, 1); decision.Allowed {
		t.Fatal("bucket should be full again")
	}
}

func TestFixedWindow_BudgetAndReset(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewMemoryCounterStore(clock.Now)
	params := RuleParams{Limit: 5, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := store.EvalFixedWindow(ctx, "k", params, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d should be within the window budget", i)
		}
	}
	decision, err := store.EvalFixedWindow(ctx, "k", params, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("request beyond the budget should be denied")
	}
	if decision.RetryAfter != decision.ResetAfter {
		t.Fatalf("denial should retry at the window boundary: %v != %v", decision.RetryAfter, decision.ResetAfter)
	}

	clock.Advance(time.Minute)
	decision, err = store.EvalFixedWindow(ctx, "k", params, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("new window should reset the budget")
	}
	if decision.Remaining != 4 {
		t.Fatalf("remaining = %d, want 4", decision.Remaining)
	}
}

func TestSlidingWindow_PruneAndConservativeRetry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewMemoryCounterStore(clock.Now)
	params := RuleParams{Limit: 5, Window: 10 * time.Second}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := store.EvalSlidingWindow(ctx, "k", params, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d should be within the window", i)
		}
		clock.Advance(time.Second)
	}

	decision, err := store.EvalSlidingWindow(ctx, "k", params, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("saturated window should deny")
	}
	if decision.RetryAfter != params.Window {
		t.Fatalf("retryAfter = %v, want the full window", decision.RetryAfter)
	}

	// The first event is 5s old; 6s from now it falls out of the window.
	clock.Advance(6 * time.Second)
	decision, err = store.EvalSlidingWindow(ctx, "k", params, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expired events should free budget")
	}
}

func TestDeniedRequestDoesNotConsume(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewMemoryCounterStore(clock.Now)
	ctx := context.Background()

	// A denial in any algorithm must leave enough budget for a
	// smaller request issued immediately after.
	t.Run("token_bucket", func(t *testing.T) {
		params := RuleParams{Limit: 5, Window: 5 * time.Second}
		if d, _ := store.EvalTokenBucket(ctx, "k", params, 3); !d.Allowed {
			t.Fatal("setup request should pass")
		}
		if d, _ := store.EvalTokenBucket(ctx, "k", params, 3); d.Allowed {
			t.Fatal("oversized request should be denied")
		}
		if d, _ := store.EvalTokenBucket(ctx, "k", params, 2); !d.Allowed {
			t.Fatal("denied request consumed tokens")
		}
	})
	t.Run("fixed_window", func(t *testing.T) {
		params := RuleParams{Limit: 5, Window: time.Minute}
		if d, _ := store.EvalFixedWindow(ctx, "fw", params, 3); !d.Allowed {
			t.Fatal("setup request should pass")
		}
		if d, _ := store.EvalFixedWindow(ctx, "fw", params, 3); d.Allowed {
			t.Fatal("oversized request should be denied")
		}
		if d, _ := store.EvalFixedWindow(ctx, "fw", params, 2); !d.Allowed {
			t.Fatal("denied request consumed budget")
		}
	})
	t.Run("sliding_window", func(t *testing.T) {
		params := RuleParams{Limit: 5, Window: time.Minute}
		if d, _ := store.EvalSlidingWindow(ctx, "sw", params, 3); !d.Allowed {
			t.Fatal("setup request should pass")
		}
		if d, _ := store.EvalSlidingWindow(ctx, "sw", params, 3); d.Allowed {
			t.Fatal("oversized request should be denied")
		}
		if d, _ := store.EvalSlidingWindow(ctx, "sw", params, 2); !d.Allowed {
			t.Fatal("denied request was recorded")
		}
	})
	t.Run("leaky_bucket", func(t *testing.T) {
		params := RuleParams{Limit: 5, Window: 5 * time.Second}
		if d, _ := store.EvalLeakyBucket(ctx, "lb", params, 3); !d.Allowed {
			t.Fatal("setup request should pass")
		}
		if d, _ := store.EvalLeakyBucket(ctx, "lb", params, 3); d.Allowed {
			t.Fatal("oversized request should be denied")
		}
		if d, _ := store.EvalLeakyBucket(ctx, "lb", params, 2); !d.Allowed {
			t.Fatal("denied request raised the level")
		}
	})
}

func TestParseAlgorithm_UnknownFailsAtLoad(t *testing.T) {
	t.Parallel()

	if _, err := ParseAlgorithm("token_bucket"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := ParseAlgorithm("pid_controller")
	if err == nil {
		t.Fatal("unknown algorithm must be rejected")
	}
	if CodeOf(err) != CodeUnknownAlgorithm {
		t.Fatalf("code = %s, want %s", CodeOf(err), CodeUnknownAlgorithm)
	}
}

func TestEval_DispatchesByAlgorithm(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewMemoryCounterStore(clock.Now)
	params := RuleParams{Limit: 3, Window: time.Minute}
	ctx := context.Background()

	for _, alg := range []Algorithm{AlgorithmTokenBucket, AlgorithmLeakyBucket, AlgorithmSlidingWindow, AlgorithmFixedWindow} {
		decision, err := Eval(ctx, store, alg, "dispatch:"+alg.String(), params, 1)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", alg, err)
		}
		if !decision.Allowed {
			t.Fatalf("%s: first request should be allowed", alg)
		}
	}
}
