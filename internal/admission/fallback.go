// Package admission provides fallback limiting when the store is down.
package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FallbackBehavior selects what happens when the counter store cannot be
// reached. The choice is safety-critical and must be configured per
// deployment; there is no implicit default beyond config validation.
type FallbackBehavior string

const (
	// FailOpen admits through a local limiter and flags the decision.
	FailOpen FallbackBehavior = "fail_open"
	// FailClosed rejects with STORE_UNAVAILABLE.
	FailClosed FallbackBehavior = "fail_closed"
)

// FallbackPolicy controls fallback limiting behavior.
type FallbackPolicy struct {
	Behavior         FallbackBehavior
	LocalRPS         float64
	LocalBurst       int
	EmergencyRPS     float64
	EmergencyBurst   int
	MaxTrackedKeys   int
}

// FallbackLimiter applies local limiting while the shared store is
// unreachable. Counters are per-process, so the global limit is only
// approximated; decisions taken here are marked so callers can tell.
type FallbackLimiter struct {
	policy FallbackPolicy
	mode   func() OperatingMode

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	order    []string
}

// NewFallbackLimiter constructs a fallback limiter.
func NewFallbackLimiter(policy FallbackPolicy, mode func() OperatingMode) *FallbackLimiter {
	policy = normalizeFallbackPolicy(policy)
	if mode == nil {
		mode = func() OperatingMode { return ModeNormal }
	}
	return &FallbackLimiter{
		policy:   policy,
		mode:     mode,
		limiters: make(map[string]*rate.Limiter),
	}
}

func normalizeFallbackPolicy(policy FallbackPolicy) FallbackPolicy {
	if policy.Behavior == "" {
		policy.Behavior = FailClosed
	}
	if policy.LocalRPS <= 0 {
		policy.LocalRPS = 100
	}
	if policy.LocalBurst <= 0 {
		policy.LocalBurst = int(policy.LocalRPS)
	}
	if policy.EmergencyRPS <= 0 {
		policy.EmergencyRPS = 10
	}
	if policy.EmergencyBurst <= 0 {
		policy.EmergencyBurst = int(policy.EmergencyRPS)
	}
	if policy.MaxTrackedKeys <= 0 {
		policy.MaxTrackedKeys = 10000
	}
	return policy
}

// Allow applies fallback limiting for one key.
func (fl *FallbackLimiter) Allow(ctx context.Context, key string, params RuleParams, cost int64) *Decision {
	if fl == nil {
		return &Decision{Allowed: false, ErrorCode: string(CodeStoreUnavailable)}
	}
	if fl.policy.Behavior == FailClosed {
		return &Decision{
			Allowed:   false,
			Limit:     params.Limit,
			Reason:    ReasonRuleRejected,
			ErrorCode: string(CodeStoreUnavailable),
		}
	}

	rps := fl.policy.LocalRPS
	burst := fl.policy.LocalBurst
	if fl.mode() == ModeEmergency {
		rps = fl.policy.EmergencyRPS
		burst = fl.policy.EmergencyBurst
	}
	limiter := fl.limiterFor(key, rps, burst)
	allowed := limiter.AllowN(time.Now(), int(cost))
	return &Decision{
		Allowed:   allowed,
		Limit:     params.Limit,
		Remaining: int64(limiter.Tokens()),
		ErrorCode: string(CodeStoreUnavailable),
	}
}

func (fl *FallbackLimiter) limiterFor(key string, rps float64, burst int) *rate.Limiter {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if limiter, ok := fl.limiters[key]; ok {
		limiter.SetLimit(rate.Limit(rps))
		limiter.SetBurst(burst)
		return limiter
	}
	if len(fl.order) >= fl.policy.MaxTrackedKeys {
		oldest := fl.order[0]
		fl.order = fl.order[1:]
		delete(fl.limiters, oldest)
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	fl.limiters[key] = limiter
	fl.order = append(fl.order, key)
	return limiter
}
