package admission

import (
	"testing"
	"time"
)

func TestAdjustmentSet_ComposesMultiplicatively(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	as := NewAdjustmentSet()
	as.Add(BurstAdjustment{ScopePattern: "*", CapacityMult: 2, RefillMult: 2, ExpiresAt: now.Add(time.Hour)})
	as.Add(BurstAdjustment{ScopePattern: "user", CapacityMult: 0.5, RefillMult: 0.75, ExpiresAt: now.Add(time.Hour)})

	rule := minuteRule("user-rpm", ScopeUser, 100)
	params := RuleParams{Limit: 100, Window: time.Minute, Burst: 200}

	adjusted := as.Apply(rule, params, now)
	if adjusted.Limit != 150 {
		t.Fatalf("limit = %d, want 150 from 2 x 0.75", adjusted.Limit)
	}
	if adjusted.Burst != 200 {
		t.Fatalf("burst = %d, want 200 from 2 x 0.5", adjusted.Burst)
	}

	// A rule outside the scoped adjustment only sees the wildcard.
	globalRule := minuteRule("global-rpm", ScopeGlobal, 100)
	adjusted = as.Apply(globalRule, params, now)
	if adjusted.Limit != 200 || adjusted.Burst != 400 {
		t.Fatalf("global adjusted = %+v, want doubled parameters", adjusted)
	}
}

func TestAdjustmentSet_ExpiredEntriesIgnoredAndPruned(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	as := NewAdjustmentSet()
	as.Add(BurstAdjustment{ScopePattern: "*", CapacityMult: 3, RefillMult: 3, ExpiresAt: now.Add(-time.Second)})

	rule := minuteRule("user-rpm", ScopeUser, 10)
	params := RuleParams{Limit: 10, Window: time.Minute}
	adjusted := as.Apply(rule, params, now)
	if adjusted.Limit != 10 {
		t.Fatalf("limit = %d, expired adjustment applied", adjusted.Limit)
	}
	if active := as.Active(now); len(active) != 0 {
		t.Fatalf("active = %+v after pruning, want none", active)
	}
}

func TestAdjustmentSet_MatchesRuleIDPattern(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	as := NewAdjustmentSet()
	as.Add(BurstAdjustment{ScopePattern: "checkout-*", RefillMult: 0.5, ExpiresAt: now.Add(time.Hour)})

	checkout := minuteRule("checkout-rpm", ScopeUser, 100)
	params := RuleParams{Limit: 100, Window: time.Minute}
	if adjusted := as.Apply(checkout, params, now); adjusted.Limit != 50 {
		t.Fatalf("limit = %d, want 50 for a matching rule id", adjusted.Limit)
	}

	other := minuteRule("search-rpm", ScopeUser, 100)
	if adjusted := as.Apply(other, params, now); adjusted.Limit != 100 {
		t.Fatalf("limit = %d, want untouched for a non-matching rule id", adjusted.Limit)
	}
}

func TestAdjustmentSet_FloorsAtOne(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	as := NewAdjustmentSet()
	as.Add(BurstAdjustment{ScopePattern: "*", CapacityMult: 0.01, RefillMult: 0.01, ExpiresAt: now.Add(time.Hour)})

	rule := minuteRule("user-rpm", ScopeUser, 10)
	adjusted := as.Apply(rule, RuleParams{Limit: 10, Window: time.Minute}, now)
	if adjusted.Limit != 1 || adjusted.Burst != 1 {
		t.Fatalf("adjusted = %+v, want both parameters floored at 1", adjusted)
	}
}
