// Package admission provides an in-memory counter store.
package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCounterStore implements CounterStore in process. It serializes all
// operations behind one mutex, which stands in for the single-threaded
// execution a real store gives scripted operations. Suitable for tests and
// single-node deployments.
type MemoryCounterStore struct {
	mu             sync.Mutex
	now            func() time.Time
	tokenBuckets   map[string]*memoryEntry[tokenBucketState]
	leakyBuckets   map[string]*memoryEntry[leakyBucketState]
	fixedWindows   map[string]*memoryEntry[fixedWindowState]
	slidingWindows map[string]*memoryEntry[[]slidingEvent]
	counters       map[string]*memoryEntry[int64]
	markers        map[string]time.Time
	healthy        atomic.Bool
}

type memoryEntry[T any] struct {
	state     T
	expiresAt time.Time
}

// NewMemoryCounterStore constructs an in-memory counter store.
func NewMemoryCounterStore(now func() time.Time) *MemoryCounterStore {
	if now == nil {
		now = time.Now
	}
	store := &MemoryCounterStore{
		now:            now,
		tokenBuckets:   make(map[string]*memoryEntry[tokenBucketState]),
		leakyBuckets:   make(map[string]*memoryEntry[leakyBucketState]),
		fixedWindows:   make(map[string]*memoryEntry[fixedWindowState]),
		slidingWindows: make(map[string]*memoryEntry[[]slidingEvent]),
		counters:       make(map[string]*memoryEntry[int64]),
		markers:        make(map[string]time.Time),
	}
	store.healthy.Store(true)
	return store
}

// Healthy reports store health.
func (s *MemoryCounterStore) Healthy(ctx context.Context) bool {
	if s == nil {
		return false
	}
	return s.healthy.Load()
}

// SetHealthy updates the health flag.
func (s *MemoryCounterStore) SetHealthy(v bool) {
	if s == nil {
		return
	}
	s.healthy.Store(v)
}

func (s *MemoryCounterStore) check(params RuleParams, cost int64) error {
	if !s.healthy.Load() {
		return ErrStoreUnavailable
	}
	if cost <= 0 || params.Limit <= 0 {
		return ErrInvalidInput
	}
	return nil
}

// EvalTokenBucket executes a token bucket decision.
func (s *MemoryCounterStore) EvalTokenBucket(ctx context.Context, key string, params RuleParams, cost int64) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(params, cost); err != nil {
		return nil, err
	}
	now := s.now()
	entry := s.tokenBuckets[key]
	if entry == nil || !entry.expiresAt.After(now) {
		entry = &memoryEntry[tokenBucketState]{}
		s.tokenBuckets[key] = entry
	}
	decision := stepTokenBucket(&entry.state, now, params, cost)
	entry.expiresAt = now.Add(params.window())
	return decision, nil
}

// EvalLeakyBucket executes a leaky bucket decision.
func (s *MemoryCounterStore) EvalLeakyBucket(ctx context.Context, key string, params RuleParams, cost int64) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(params, cost); err != nil {
		return nil, err
	}
	now := s.now()
	entry := s.leakyBuckets[key]
	if entry == nil || !entry.expiresAt.After(now) {
		entry = &memoryEntry[leakyBucketState]{}
		s.leakyBuckets[key] = entry
	}
	decision := stepLeakyBucket(&entry.state, now, params, cost)
	entry.expiresAt = now.Add(params.window())
	return decision, nil
}

// EvalSlidingWindow executes a sliding window decision.
func (s *MemoryCounterStore) EvalSlidingWindow(ctx context.Context, key string, params RuleParams, cost int64) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(params, cost); err != nil {
		return nil, err
	}
	now := s.now()
	entry := s.slidingWindows[key]
	if entry == nil || !entry.expiresAt.After(now) {
		entry = &memoryEntry[[]slidingEvent]{}
		s.slidingWindows[key] = entry
	}
	events, decision := stepSlidingWindow(entry.state, now, params, cost)
	entry.state = events
	entry.expiresAt = now.Add(params.window())
	return decision, nil
}

// EvalFixedWindow executes a fixed window decision.
func (s *MemoryCounterStore) EvalFixedWindow(ctx context.Context, key string, params RuleParams, cost int64) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(params, cost); err != nil {
		return nil, err
	}
	now := s.now()
	entry := s.fixedWindows[key]
	if entry == nil || !entry.expiresAt.After(now) {
		entry = &memoryEntry[fixedWindowState]{}
		s.fixedWindows[key] = entry
	}
	decision := stepFixedWindow(&entry.state, now, params, cost)
	entry.expiresAt = now.Add(params.window())
	return decision, nil
}

// IncrPeriod atomically adds cost to a period counter.
func (s *MemoryCounterStore) IncrPeriod(ctx context.Context, key string, cost int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy.Load() {
		return 0, ErrStoreUnavailable
	}
	now := s.now()
	entry := s.counters[key]
	if entry == nil || !entry.expiresAt.After(now) {
		entry = &memoryEntry[int64]{expiresAt: now.Add(ttl)}
		s.counters[key] = entry
	}
	entry.state += cost
	return entry.state, nil
}

// GetPeriod reads a period counter.
func (s *MemoryCounterStore) GetPeriod(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy.Load() {
		return 0, ErrStoreUnavailable
	}
	entry := s.counters[key]
	if entry == nil || !entry.expiresAt.After(s.now()) {
		return 0, nil
	}
	return entry.state, nil
}

// MarkOnce sets a marker key if absent.
func (s *MemoryCounterStore) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy.Load() {
		return false, ErrStoreUnavailable
	}
	now := s.now()
	if expiry, ok := s.markers[key]; ok && expiry.After(now) {
		return false, nil
	}
	s.markers[key] = now.Add(ttl)
	return true, nil
}
