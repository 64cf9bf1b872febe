package admission

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ThrottleMode describes how aggressively a cooperating client should
// pace itself based on the remaining budget the server last reported.
type ThrottleMode int32

const (
	ThrottleNormal ThrottleMode = iota
	ThrottleModerate
	ThrottleConservative
)

func (m ThrottleMode) String() string {
	switch m {
	case ThrottleModerate:
		return "moderate"
	case ThrottleConservative:
		return "conservative"
	default:
		return "normal"
	}
}

// ClientThrottleOptions tunes the cooperative throttle. Zero values take
// the documented defaults.
type ClientThrottleOptions struct {
	// BaseBackoff seeds exponential backoff when the server gives no
	// explicit retry hint. Default 500ms.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential backoff. Default 60s.
	MaxBackoff time.Duration
	// JitterFraction spreads computed waits by a uniform +/- fraction
	// so synchronized clients do not retry in lockstep. Default 0.25.
	JitterFraction float64
	// ModerateBelow and ConservativeBelow are remaining-budget ratios
	// that trip the corresponding pacing mode. Defaults 0.30 and 0.10.
	ModerateBelow     float64
	ConservativeBelow float64
}

func (o ClientThrottleOptions) withDefaults() ClientThrottleOptions {
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.JitterFraction <= 0 {
		o.JitterFraction = 0.25
	}
	if o.ModerateBelow <= 0 {
		o.ModerateBelow = 0.30
	}
	if o.ConservativeBelow <= 0 {
		o.ConservativeBelow = 0.10
	}
	return o
}

// ClientThrottle tracks the server's reported limit state and computes
// retry waits for a cooperating client. It never blocks; callers sleep
// on the returned durations themselves.
type ClientThrottle struct {
	opts ClientThrottleOptions

	mu        sync.Mutex
	limit     int64
	remaining int64
	resetAt   time.Time
	attempts  int
	rng       *rand.Rand
	now       func() time.Time
}

// NewClientThrottle constructs a ClientThrottle.
func NewClientThrottle(opts ClientThrottleOptions) *ClientThrottle {
	return &ClientThrottle{
		opts: opts.withDefaults(),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		now:  time.Now,
	}
}

// SetClock overrides the time source for tests.
func (ct *ClientThrottle) SetClock(now func() time.Time) {
	if ct == nil || now == nil {
		return
	}
	ct.mu.Lock()
	ct.now = now
	ct.mu.Unlock()
}

// ObserveDecision records the server's latest response. Allowed responses
// reset the failure streak; denials extend it.
func (ct *ClientThrottle) ObserveDecision(d *Decision) {
	if ct == nil || d == nil {
		return
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if d.Limit > 0 {
		ct.limit = d.Limit
	}
	ct.remaining = d.Remaining
	if d.ResetAfter > 0 {
		ct.resetAt = ct.now().Add(d.ResetAfter)
	}
	if d.Allowed {
		ct.attempts = 0
	} else {
		ct.attempts++
	}
}

// Observe records limit state taken straight from response headers, for
// clients that only see the transport representation.
func (ct *ClientThrottle) Observe(limit, remaining int64, resetAfter time.Duration, allowed bool) {
	ct.ObserveDecision(&Decision{Allowed: allowed, Limit: limit, Remaining: remaining, ResetAfter: resetAfter})
}

// Mode reports the pacing mode implied by the last observed budget.
func (ct *ClientThrottle) Mode() ThrottleMode {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.limit <= 0 {
		return ThrottleNormal
	}
	ratio := float64(ct.remaining) / float64(ct.limit)
	switch {
	case ratio < ct.opts.ConservativeBelow:
		return ThrottleConservative
	case ratio < ct.opts.ModerateBelow:
		return ThrottleModerate
	default:
		return ThrottleNormal
	}
}

// RetryAfter computes how long the client should wait before retrying a
// denied request. A server-provided hint wins over local backoff; both
// are jittered so herds of clients spread out.
func (ct *ClientThrottle) RetryAfter(serverHint time.Duration) time.Duration {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	var wait time.Duration
	if serverHint > 0 {
		wait = serverHint
	} else {
		exp := float64(ct.opts.BaseBackoff) * math.Pow(2, float64(ct.attempts))
		if exp > float64(ct.opts.MaxBackoff) {
			exp = float64(ct.opts.MaxBackoff)
		}
		wait = time.Duration(exp)
	}
	return ct.jitterLocked(wait)
}

// Pace returns a pre-request delay for proactive pacing: zero in normal
// mode, a fraction of the remaining window otherwise.
func (ct *ClientThrottle) Pace() time.Duration {
	mode := ct.Mode()
	if mode == ThrottleNormal {
		return 0
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	untilReset := ct.resetAt.Sub(ct.now())
	if untilReset <= 0 {
		return 0
	}
	share := ct.remaining
	if share < 1 {
		share = 1
	}
	spread := untilReset / time.Duration(share+1)
	if mode == ThrottleConservative {
		spread *= 2
	}
	return ct.jitterLocked(spread)
}

func (ct *ClientThrottle) jitterLocked(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	f := ct.opts.JitterFraction
	factor := 1 - f + 2*f*ct.rng.Float64()
	return time.Duration(float64(d) * factor)
}
