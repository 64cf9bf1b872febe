// Package admission defines core request, rule, and quota models.
package admission

import "time"

// Scope identifies the nesting level a rule applies at.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeService  Scope = "service"
	ScopeUser     Scope = "user"
	ScopeTenant   Scope = "tenant"
	ScopeIP       Scope = "ip"
	ScopeEndpoint Scope = "endpoint"
)

// scopePrecedence orders rule evaluation from outermost to innermost scope.
func scopePrecedence(s Scope) int {
	switch s {
	case ScopeGlobal:
		return 0
	case ScopeService:
		return 1
	case ScopeUser:
		return 2
	case ScopeTenant:
		return 3
	case ScopeIP:
		return 4
	case ScopeEndpoint:
		return 5
	default:
		return 6
	}
}

// ThresholdAction binds a usage fraction to a response action.
type ThresholdAction struct {
	Threshold float64
	Action    string
}

// Threshold action names. Log and warn emit events, throttle attaches a
// retry hint to the decision, reject denies outright, queue marks the
// decision for deferred processing.
const (
	ActionLog      = "log"
	ActionWarn     = "warn"
	ActionThrottle = "throttle"
	ActionReject   = "reject"
	ActionQueue    = "queue"
)

// Rule describes one admission control limit. Rules are immutable once
// loaded; updates arrive only through a whole-set reload.
type Rule struct {
	ID        string
	Scope     Scope
	Service   string
	Endpoint  string
	Method    string
	Algorithm Algorithm
	Limit     int64
	Window    time.Duration
	Burst     int64
	KeyBy     []string
	Actions   []ThresholdAction
	Version   int64
}

// CheckRequest captures a single admission decision request.
type CheckRequest struct {
	TraceID   string
	Principal string
	TenantID  string
	ClientIP  string
	Service   string
	Method    string
	Endpoint  string
	Cost      int64
	Priority  string
}

// Decision captures the evaluated admission outcome.
type Decision struct {
	Allowed   bool
	Remaining int64
	Limit     int64
	// Window is the matched rule's window, surfaced so cooperating
	// clients can pace against it.
	Window     time.Duration
	ResetAfter time.Duration
	RetryAfter time.Duration
	// Delay reports the effective processing delay a leaky bucket assigns
	// to an admitted request, for queue-depth signaling.
	Delay     time.Duration
	Throttled bool
	Queued    bool
	RuleID    string
	Reason    string
	// UpgradeTier suggests the next tier on a hard-limit quota denial.
	UpgradeTier string
	ErrorCode   string
}

// Decision reason codes surfaced to callers.
const (
	ReasonRuleRejected   = "RULE_REJECTED"
	ReasonQuotaMonthly   = "QUOTA_EXCEEDED_MONTHLY"
	ReasonQuotaDaily     = "QUOTA_EXCEEDED_DAILY"
	ReasonQuotaBurst     = "QUOTA_EXCEEDED_BURST"
	ReasonServiceMinimal = "SERVICE_PROTECTED"
	ReasonSourceBlocked  = "SOURCE_BLOCKED"
)

// OveragePolicy selects behavior once a quota is exceeded.
type OveragePolicy string

const (
	OverageHardLimit OveragePolicy = "hard_limit"
	OverageSoftLimit OveragePolicy = "soft_limit"
	OveragePayPerUse OveragePolicy = "pay_per_use"
)

// ScopeLimits holds the per-scope ceilings of a quota allocation.
type ScopeLimits struct {
	Requests  int64
	Storage   int64
	Bandwidth int64
}

// QuotaAllocation describes the quota granted to a tier.
type QuotaAllocation struct {
	Tier          string
	Monthly       ScopeLimits
	Daily         ScopeLimits
	Burst         ScopeLimits
	OveragePolicy OveragePolicy
}

// QuotaUsage reports running counters per quota scope.
type QuotaUsage struct {
	Monthly int64
	Daily   int64
	Burst   int64
}

// QuotaResult reports the outcome of a quota check.
type QuotaResult struct {
	Allowed   bool
	Reason    string
	Scope     string
	Remaining int64
	Limit     int64
	Throttled bool
	// UpgradeTier carries the suggested next tier on a hard-limit denial.
	UpgradeTier string
	Usage       QuotaUsage
}

// BurstAdjustment is a time-bounded parameter override issued by the burst
// manager. Overlapping adjustments compose multiplicatively; an adjustment
// self-expires even when no explicit revert is issued.
type BurstAdjustment struct {
	ScopePattern string
	CapacityMult float64
	RefillMult   float64
	ExpiresAt    time.Time
}
