// Package admission provides burst parameter adjustments.
package admission

import (
	"math"
	"sync"
	"time"
)

// AdjustmentSet holds the active time-bounded parameter overrides issued by
// the burst manager. The rule evaluator reads it when resolving effective
// rule parameters; writes never happen mid-evaluation. Expired adjustments
// are ignored on read and pruned opportunistically, so the set fails open
// to baseline parameters even when no revert is issued.
type AdjustmentSet struct {
	mu          sync.RWMutex
	adjustments []BurstAdjustment
}

// NewAdjustmentSet constructs an empty adjustment set.
func NewAdjustmentSet() *AdjustmentSet {
	return &AdjustmentSet{}
}

// Add installs an adjustment.
func (as *AdjustmentSet) Add(adjustment BurstAdjustment) {
	if as == nil {
		return
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.adjustments = append(as.adjustments, adjustment)
}

// Clear removes all adjustments.
func (as *AdjustmentSet) Clear() {
	if as == nil {
		return
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.adjustments = nil
}

// Active returns the unexpired adjustments.
func (as *AdjustmentSet) Active(now time.Time) []BurstAdjustment {
	if as == nil {
		return nil
	}
	as.mu.RLock()
	defer as.mu.RUnlock()
	var active []BurstAdjustment
	for _, adjustment := range as.adjustments {
		if adjustment.ExpiresAt.After(now) {
			active = append(active, adjustment)
		}
	}
	return active
}

// Apply resolves the effective parameters for a rule. Overlapping matching
// adjustments compose multiplicatively. The capacity multiplier scales the
// burst capacity, the refill multiplier scales the sustained limit.
func (as *AdjustmentSet) Apply(rule *Rule, params RuleParams, now time.Time) RuleParams {
	if as == nil {
		return params
	}
	capacityMult := 1.0
	refillMult := 1.0
	matched := false

	as.mu.Lock()
	kept := as.adjustments[:0]
	for _, adjustment := range as.adjustments {
		if !adjustment.ExpiresAt.After(now) {
			continue
		}
		kept = append(kept, adjustment)
		if !adjustmentMatches(adjustment.ScopePattern, rule) {
			continue
		}
		matched = true
		if adjustment.CapacityMult > 0 {
			capacityMult *= adjustment.CapacityMult
		}
		if adjustment.RefillMult > 0 {
			refillMult *= adjustment.RefillMult
		}
	}
	as.adjustments = kept
	as.mu.Unlock()

	if !matched {
		return params
	}
	adjusted := params
	adjusted.Limit = scaleLimit(params.Limit, refillMult)
	adjusted.Burst = scaleLimit(params.capacity(), capacityMult)
	return adjusted
}

func adjustmentMatches(pattern string, rule *Rule) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if pattern == string(rule.Scope) {
		return true
	}
	return endpointMatches(pattern, rule.ID)
}

func scaleLimit(limit int64, mult float64) int64 {
	scaled := int64(math.Round(float64(limit) * mult))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}
