// Package admission defines the shared counter store contract.
package admission

import (
	"context"
	"time"
)

// CounterStore is the only shared mutable resource in the decision path.
// Each Eval method performs the full read-modify-write for one partition
// key as a single atomic round trip; no intermediate state is observable
// by concurrent callers. Keys expire after one window of inactivity.
type CounterStore interface {
	Healthy(ctx context.Context) bool

	EvalTokenBucket(ctx context.Context, key string, params RuleParams, cost int64) (*Decision, error)
	EvalLeakyBucket(ctx context.Context, key string, params RuleParams, cost int64) (*Decision, error)
	EvalSlidingWindow(ctx context.Context, key string, params RuleParams, cost int64) (*Decision, error)
	EvalFixedWindow(ctx context.Context, key string, params RuleParams, cost int64) (*Decision, error)

	// IncrPeriod atomically adds cost to a period counter, sets its TTL on
	// first touch, and returns the updated value.
	IncrPeriod(ctx context.Context, key string, cost int64, ttl time.Duration) (int64, error)
	// GetPeriod reads a period counter without mutating it.
	GetPeriod(ctx context.Context, key string) (int64, error)
	// MarkOnce sets a marker key if absent and reports whether this caller
	// won. Used to deduplicate threshold warnings within a period.
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Eval dispatches to the algorithm's store operation. The algorithm set is
// closed; dispatch never falls through at request time because unknown
// names are rejected at rule-load time.
func Eval(ctx context.Context, store CounterStore, alg Algorithm, key string, params RuleParams, cost int64) (*Decision, error) {
	switch alg {
	case AlgorithmTokenBucket:
		return store.EvalTokenBucket(ctx, key, params, cost)
	case AlgorithmLeakyBucket:
		return store.EvalLeakyBucket(ctx, key, params, cost)
	case AlgorithmSlidingWindow:
		return store.EvalSlidingWindow(ctx, key, params, cost)
	case AlgorithmFixedWindow:
		return store.EvalFixedWindow(ctx, key, params, cost)
	default:
		return nil, ErrUnknownAlgorithm
	}
}
