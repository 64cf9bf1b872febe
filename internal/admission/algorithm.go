// Package admission provides the admission algorithm engines.
package admission

import (
	"math"
	"time"
)

// Algorithm is the closed set of admission algorithms. Selection happens
// once at rule-load time; nothing switches algorithms at request time.
type Algorithm int32

const (
	AlgorithmTokenBucket Algorithm = iota
	AlgorithmLeakyBucket
	AlgorithmSlidingWindow
	AlgorithmFixedWindow
)

// ParseAlgorithm maps a configured name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "token_bucket":
		return AlgorithmTokenBucket, nil
	case "leaky_bucket":
		return AlgorithmLeakyBucket, nil
	case "sliding_window":
		return AlgorithmSlidingWindow, nil
	case "fixed_window":
		return AlgorithmFixedWindow, nil
	default:
		return 0, Wrap(CodeUnknownAlgorithm, "unknown algorithm: "+name, ErrUnknownAlgorithm)
	}
}

// String returns the configured name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmTokenBucket:
		return "token_bucket"
	case AlgorithmLeakyBucket:
		return "leaky_bucket"
	case AlgorithmSlidingWindow:
		return "sliding_window"
	case AlgorithmFixedWindow:
		return "fixed_window"
	default:
		return "unknown"
	}
}

// RuleParams captures the effective numeric parameters of a rule after
// burst adjustments have been applied.
type RuleParams struct {
	Limit  int64
	Window time.Duration
	Burst  int64
}

func (p RuleParams) window() time.Duration {
	if p.Window <= 0 {
		return time.Second
	}
	return p.Window
}

func (p RuleParams) capacity() int64 {
	if p.Burst > p.Limit {
		return p.Burst
	}
	return p.Limit
}

// tokenBucketState is the stored state of one token bucket partition.
type tokenBucketState struct {
	Tokens     float64
	LastRefill time.Time
}

// leakyBucketState is the stored state of one leaky bucket partition.
type leakyBucketState struct {
	Level    float64
	LastLeak time.Time
}

// fixedWindowState is the stored state of one fixed window partition.
type fixedWindowState struct {
	WindowStart time.Time
	Used        int64
}

// stepTokenBucket refills and deducts a token bucket. The caller holds
// whatever lock makes the read-modify-write atomic; this function is pure
// apart from mutating the passed state.
func stepTokenBucket(state *tokenBucketState, now time.Time, params RuleParams, cost int64) *Decision {
	window := params.window()
	capacity := float64(params.capacity())
	rate := float64(params.Limit) / window.Seconds()

	if state.LastRefill.IsZero() {
		state.Tokens = capacity
		state.LastRefill = now
	}
	elapsed := now.Sub(state.LastRefill).Seconds()
	if elapsed > 0 {
		state.Tokens = math.Min(capacity, state.Tokens+elapsed*rate)
	}
	state.LastRefill = now

	allowed := float64(cost) <= state.Tokens
	if allowed {
		state.Tokens -= float64(cost)
	}
	retryAfter := time.Duration(0)
	if !allowed && rate > 0 {
		needed := float64(cost) - state.Tokens
		if needed < 0 {
			needed = 0
		}
		retryAfter = time.Duration(math.Ceil(needed/rate)) * time.Second
	}
	resetAfter := time.Duration(0)
	if rate > 0 {
		resetAfter = time.Duration((capacity - state.Tokens) / rate * float64(time.Second))
	}
	return &Decision{
		Allowed:    allowed,
		Remaining:  int64(math.Floor(state.Tokens)),
		Limit:      params.Limit,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}
}

// stepLeakyBucket drains and fills a leaky bucket. Admitted requests carry
// the bucket's drain delay so callers can signal queue depth downstream.
func stepLeakyBucket(state *leakyBucketState, now time.Time, params RuleParams, cost int64) *Decision {
	window := params.window()
	capacity := float64(params.capacity())
	leakRate := float64(params.Limit) / window.Seconds()

	if state.LastLeak.IsZero() {
		state.LastLeak = now
	}
	elapsed := now.Sub(state.LastLeak).Seconds()
	if elapsed > 0 {
		state.Level = math.Max(0, state.Level-elapsed*leakRate)
	}
	state.LastLeak = now

	allowed := state.Level+float64(cost) <= capacity
	delay := time.Duration(0)
	if allowed {
		state.Level += float64(cost)
		if leakRate > 0 {
			delay = time.Duration(state.Level / leakRate * float64(time.Second))
		}
	}
	retryAfter := time.Duration(0)
	if !allowed && leakRate > 0 {
		over := state.Level + float64(cost) - capacity
		retryAfter = time.Duration(math.Ceil(over/leakRate)) * time.Second
	}
	remaining := int64(math.Floor(capacity - state.Level))
	if remaining < 0 {
		remaining = 0
	}
	resetAfter := time.Duration(0)
	if leakRate > 0 {
		resetAfter = time.Duration(state.Level / leakRate * float64(time.Second))
	}
	return &Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      params.Limit,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
		Delay:      delay,
	}
}

// stepFixedWindow resets the counter at window boundaries and admits while
// the window's budget lasts. Up to 2x limit can pass across a boundary;
// that imprecision is the algorithm's documented trade-off.
func stepFixedWindow(state *fixedWindowState, now time.Time, params RuleParams, cost int64) *Decision {
	window := params.window()
	windowStart := now.Truncate(window)
	if state.WindowStart != windowStart {
		state.WindowStart = windowStart
		state.Used = 0
	}
	allowed := state.Used+cost <= params.Limit
	if allowed {
		state.Used += cost
	}
	remaining := params.Limit - state.Used
	if remaining < 0 {
		remaining = 0
	}
	resetAfter := windowStart.Add(window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}
	retryAfter := time.Duration(0)
	if !allowed {
		retryAfter = resetAfter
	}
	return &Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      params.Limit,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}
}

// slidingEvent is one admitted request inside a sliding window.
type slidingEvent struct {
	At   time.Time
	Cost int64
}

// stepSlidingWindow prunes expired events and admits while the window's
// budget lasts. RetryAfter on denial is the full window, a conservative
// upper bound that holds regardless of which stored entry expires next.
func stepSlidingWindow(events []slidingEvent, now time.Time, params RuleParams, cost int64) ([]slidingEvent, *Decision) {
	window := params.window()
	cutoff := now.Add(-window)

	var total int64
	kept := events[:0]
	for _, event := range events {
		if event.At.Before(cutoff) {
			continue
		}
		kept = append(kept, event)
		total += event.Cost
	}
	allowed := total+cost <= params.Limit
	if allowed {
		kept = append(kept, slidingEvent{At: now, Cost: cost})
		total += cost
	}
	remaining := params.Limit - total
	if remaining < 0 {
		remaining = 0
	}
	retryAfter := time.Duration(0)
	if !allowed {
		retryAfter = window
	}
	return kept, &Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      params.Limit,
		ResetAfter: window,
		RetryAfter: retryAfter,
	}
}
