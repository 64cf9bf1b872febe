// Package admission provides tiered quota accounting.
package admission

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"
)

// Quota scope names, checked strictly in this order.
const (
	QuotaScopeMonthly = "monthly"
	QuotaScopeDaily   = "daily"
	QuotaScopeBurst   = "burst"
)

// quotaWarnThresholds are the usage fractions that emit a warning event,
// at most once per threshold per period.
var quotaWarnThresholds = []float64{0.50, 0.75, 0.90, 0.95}

// TierResolver maps a principal to its billing tier. The tier is an
// external attribute and read-only to this subsystem.
type TierResolver interface {
	TierOf(principal string) string
}

// StaticTierResolver resolves tiers from a fixed map.
type StaticTierResolver struct {
	Tiers       map[string]string
	DefaultTier string
}

// TierOf returns the principal's tier.
func (r *StaticTierResolver) TierOf(principal string) string {
	if r == nil {
		return ""
	}
	if tier, ok := r.Tiers[principal]; ok {
		return tier
	}
	return r.DefaultTier
}

// tierSnapshot is an immutable view of the tier table. Order is ascending:
// lower index means a smaller allocation.
type tierSnapshot struct {
	ordered []QuotaAllocation
	byName  map[string]QuotaAllocation
}

// TierTable stores quota allocations per tier with whole-table swaps.
type TierTable struct {
	snap atomic.Value
}

// NewTierTable creates an empty tier table.
func NewTierTable() *TierTable {
	table := &TierTable{}
	table.snap.Store(&tierSnapshot{byName: map[string]QuotaAllocation{}})
	return table
}

func (t *TierTable) snapshot() *tierSnapshot {
	snapshot, _ := t.snap.Load().(*tierSnapshot)
	if snapshot == nil {
		return &tierSnapshot{byName: map[string]QuotaAllocation{}}
	}
	return snapshot
}

// ReplaceAll swaps the whole tier table. Allocations keep their given
// order, which is expected to be ascending by size.
func (t *TierTable) ReplaceAll(allocations []QuotaAllocation) error {
	snapshot := &tierSnapshot{byName: make(map[string]QuotaAllocation, len(allocations))}
	for _, allocation := range allocations {
		if allocation.Tier == "" {
			return Wrap(CodeBadRule, "tier name is required", nil)
		}
		switch allocation.OveragePolicy {
		case OverageHardLimit, OverageSoftLimit, OveragePayPerUse:
		default:
			return Wrap(CodeBadRule, fmt.Sprintf("tier %s: unknown overage policy %q", allocation.Tier, allocation.OveragePolicy), nil)
		}
		snapshot.ordered = append(snapshot.ordered, allocation)
		snapshot.byName[allocation.Tier] = allocation
	}
	t.snap.Store(snapshot)
	return nil
}

// Get returns the allocation for a tier.
func (t *TierTable) Get(tier string) (QuotaAllocation, bool) {
	allocation, ok := t.snapshot().byName[tier]
	return allocation, ok
}

// NextUpgrade returns the next larger tier's name, for upgrade suggestions.
func (t *TierTable) NextUpgrade(tier string) string {
	snapshot := t.snapshot()
	for i, allocation := range snapshot.ordered {
		if allocation.Tier == tier && i+1 < len(snapshot.ordered) {
			return snapshot.ordered[i+1].Tier
		}
	}
	return ""
}

// NextLower returns the next smaller tier's allocation, used to cap
// throttled principals under a soft limit.
func (t *TierTable) NextLower(tier string) (QuotaAllocation, bool) {
	snapshot := t.snapshot()
	for i, allocation := range snapshot.ordered {
		if allocation.Tier == tier && i > 0 {
			return snapshot.ordered[i-1], true
		}
	}
	return QuotaAllocation{}, false
}

// QuotaManager tracks nested quota scopes per principal against the shared
// counter store. Checks run monthly, then daily, then burst, and stop at
// the first exceeded scope.
type QuotaManager struct {
	store    CounterStore
	tiers    *TierTable
	resolver TierResolver
	recorder *EventRecorder
	metrics  Metrics
	region   string
	now      func() time.Time
}

// NewQuotaManager constructs a QuotaManager.
func NewQuotaManager(store CounterStore, tiers *TierTable, resolver TierResolver, recorder *EventRecorder, metrics Metrics, region string) *QuotaManager {
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	return &QuotaManager{
		store:    store,
		tiers:    tiers,
		resolver: resolver,
		recorder: recorder,
		metrics:  metrics,
		region:   region,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (qm *QuotaManager) SetClock(now func() time.Time) {
	if qm == nil || now == nil {
		return
	}
	qm.now = now
}

type quotaScope struct {
	name   string
	key    string
	limit  int64
	ttl    time.Duration
	reason string
}

func (qm *QuotaManager) scopes(principal string, allocation QuotaAllocation, now time.Time) []quotaScope {
	utc := now.UTC()
	monthKey := fmt.Sprintf("m:%s:%s", principal, utc.Format("200601"))
	dayKey := fmt.Sprintf("d:%s:%s", principal, utc.Format("20060102"))
	burstKey := fmt.Sprintf("b:%s:%d", principal, utc.Unix()/60)

	nextMonth := time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	nextDay := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)

	return []quotaScope{
		{
			name:   QuotaScopeMonthly,
			key:    monthKey,
			limit:  allocation.Monthly.Requests,
			ttl:    nextMonth.Sub(utc) + 24*time.Hour,
			reason: ReasonQuotaMonthly,
		},
		{
			name:   QuotaScopeDaily,
			key:    dayKey,
			limit:  allocation.Daily.Requests,
			ttl:    nextDay.Sub(utc) + time.Hour,
			reason: ReasonQuotaDaily,
		},
		{
			name:   QuotaScopeBurst,
			key:    burstKey,
			limit:  allocation.Burst.Requests,
			ttl:    2 * time.Minute,
			reason: ReasonQuotaBurst,
		},
	}
}

// burstUsage approximates the 60-second sliding usage by weighting the
// previous minute bucket with its remaining overlap.
func (qm *QuotaManager) burstUsage(ctx context.Context, principal string, now time.Time) (int64, error) {
	utc := now.UTC()
	minute := utc.Unix() / 60
	current, err := qm.store.GetPeriod(ctx, fmt.Sprintf("b:%s:%d", principal, minute))
	if err != nil {
		return 0, err
	}
	previous, err := qm.store.GetPeriod(ctx, fmt.Sprintf("b:%s:%d", principal, minute-1))
	if err != nil {
		return 0, err
	}
	elapsed := float64(utc.Unix()%60) / 60
	return current + int64(float64(previous)*(1-elapsed)), nil
}

// Check evaluates the three quota scopes for a principal. It never
// consumes; a passing check is followed by Consume exactly once.
func (qm *QuotaManager) Check(ctx context.Context, principal string, cost int64) (*QuotaResult, error) {
	if qm == nil || qm.store == nil {
		return nil, ErrInvalidInput
	}
	if principal == "" || cost <= 0 {
		return nil, ErrInvalidInput
	}
	tier := ""
	if qm.resolver != nil {
		tier = qm.resolver.TierOf(principal)
	}
	allocation, ok := QuotaAllocation{}, false
	if qm.tiers != nil {
		allocation, ok = qm.tiers.Get(tier)
	}
	if !ok {
		// No allocation for this tier; quota does not constrain the request.
		return &QuotaResult{Allowed: true}, nil
	}

	now := qm.now()
	for _, scope := range qm.scopes(principal, allocation, now) {
		if scope.limit <= 0 {
			continue
		}
		var usage int64
		var err error
		if scope.name == QuotaScopeBurst {
			usage, err = qm.burstUsage(ctx, principal, now)
		} else {
			usage, err = qm.store.GetPeriod(ctx, scope.key)
		}
		if err != nil {
			return nil, err
		}

		qm.emitWarnings(ctx, principal, tier, scope, usage+cost, now)

		if usage+cost <= scope.limit {
			continue
		}

		result := &QuotaResult{
			Scope:     scope.name,
			Reason:    scope.reason,
			Limit:     scope.limit,
			Remaining: 0,
		}
		qm.metrics.IncQuota(scope.name, "exceeded", qm.region)
		qm.recordExceeded(ctx, principal, tier, scope, usage)

		switch allocation.OveragePolicy {
		case OverageSoftLimit:
			result.Allowed = true
			result.Throttled = true
		case OveragePayPerUse:
			result.Allowed = true
			qm.recordOverage(ctx, principal, tier, scope, cost)
		default: // hard_limit
			result.Allowed = false
			if qm.tiers != nil {
				result.UpgradeTier = qm.tiers.NextUpgrade(tier)
			}
		}
		return result, nil
	}
	qm.metrics.IncQuota("all", "allowed", qm.region)
	return &QuotaResult{Allowed: true}, nil
}

// Consume records usage against all three scopes. Consumption is
// unconditional once a check has passed and is never re-validated or
// rolled back, even if the caller abandons the request.
func (qm *QuotaManager) Consume(ctx context.Context, principal string, cost int64) (QuotaUsage, error) {
	if qm == nil || qm.store == nil {
		return QuotaUsage{}, ErrInvalidInput
	}
	tier := ""
	if qm.resolver != nil {
		tier = qm.resolver.TierOf(principal)
	}
	allocation, ok := QuotaAllocation{}, false
	if qm.tiers != nil {
		allocation, ok = qm.tiers.Get(tier)
	}
	if !ok {
		return QuotaUsage{}, nil
	}

	now := qm.now()
	var usage QuotaUsage
	for _, scope := range qm.scopes(principal, allocation, now) {
		value, err := qm.store.IncrPeriod(ctx, scope.key, cost, scope.ttl)
		if err != nil {
			return usage, err
		}
		switch scope.name {
		case QuotaScopeMonthly:
			usage.Monthly = value
		case QuotaScopeDaily:
			usage.Daily = value
		case QuotaScopeBurst:
			usage.Burst = value
		}
	}
	return usage, nil
}

// ThrottleLimit returns the next-lower tier's limit for a throttled scope,
// the effective cap applied under a soft overage.
func (qm *QuotaManager) ThrottleLimit(principal string, scope string) (int64, bool) {
	if qm == nil || qm.tiers == nil || qm.resolver == nil {
		return 0, false
	}
	lower, ok := qm.tiers.NextLower(qm.resolver.TierOf(principal))
	if !ok {
		return 0, false
	}
	switch scope {
	case QuotaScopeMonthly:
		return lower.Monthly.Requests, true
	case QuotaScopeDaily:
		return lower.Daily.Requests, true
	case QuotaScopeBurst:
		return lower.Burst.Requests, true
	default:
		return 0, false
	}
}

func (qm *QuotaManager) emitWarnings(ctx context.Context, principal, tier string, scope quotaScope, projected int64, now time.Time) {
	if qm.recorder == nil || scope.limit <= 0 {
		return
	}
	ratio := float64(projected) / float64(scope.limit)
	for _, threshold := range quotaWarnThresholds {
		if ratio < threshold {
			break
		}
		marker := fmt.Sprintf("warn:%s:%s:%s", scope.key, principal, strconv.Itoa(int(threshold*100)))
		won, err := qm.store.MarkOnce(ctx, marker, scope.ttl)
		if err != nil || !won {
			continue
		}
		qm.recorder.Record(ctx, Event{
			Kind:      EventQuotaWarning,
			Principal: principal,
			Tier:      tier,
			Scope:     scope.name,
			Threshold: threshold,
			Usage:     projected,
			Limit:     scope.limit,
			Timestamp: now,
		})
	}
}

func (qm *QuotaManager) recordExceeded(ctx context.Context, principal, tier string, scope quotaScope, usage int64) {
	if qm.recorder == nil {
		return
	}
	qm.recorder.Record(ctx, Event{
		Kind:      EventQuotaExceeded,
		Principal: principal,
		Tier:      tier,
		Scope:     scope.name,
		Usage:     usage,
		Limit:     scope.limit,
	})
}

func (qm *QuotaManager) recordOverage(ctx context.Context, principal, tier string, scope quotaScope, cost int64) {
	if qm.recorder == nil {
		return
	}
	qm.recorder.Record(ctx, Event{
		Kind:      EventOverageCharge,
		Principal: principal,
		Tier:      tier,
		Scope:     scope.name,
		Cost:      cost,
		Limit:     scope.limit,
	})
}

type tierFile struct {
	Tiers []tierFileEntry `yaml:"tiers"`
}

type tierFileEntry struct {
	Name          string             `yaml:"name"`
	OveragePolicy string             `yaml:"overage_policy"`
	Monthly       tierFileScopeEntry `yaml:"monthly"`
	Daily         tierFileScopeEntry `yaml:"daily"`
	Burst         tierFileScopeEntry `yaml:"burst"`
}

type tierFileScopeEntry struct {
	Requests  int64 `yaml:"requests"`
	Storage   int64 `yaml:"storage"`
	Bandwidth int64 `yaml:"bandwidth"`
}

// ParseTiers decodes a YAML tier document, ascending order expected.
func ParseTiers(data []byte) ([]QuotaAllocation, error) {
	var file tierFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, Wrap(CodeBadRule, "failed to decode tier file", err)
	}
	allocations := make([]QuotaAllocation, 0, len(file.Tiers))
	for _, entry := range file.Tiers {
		allocations = append(allocations, QuotaAllocation{
			Tier:          entry.Name,
			OveragePolicy: OveragePolicy(entry.OveragePolicy),
			Monthly:       ScopeLimits{Requests: entry.Monthly.Requests, Storage: entry.Monthly.Storage, Bandwidth: entry.Monthly.Bandwidth},
			Daily:         ScopeLimits{Requests: entry.Daily.Requests, Storage: entry.Daily.Storage, Bandwidth: entry.Daily.Bandwidth},
			Burst:         ScopeLimits{Requests: entry.Burst.Requests, Storage: entry.Burst.Storage, Bandwidth: entry.Burst.Bandwidth},
		})
	}
	return allocations, nil
}

// LoadTierFile reads and parses a tier file.
func LoadTierFile(path string) ([]QuotaAllocation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Wrap(CodeBadRule, "failed to read tier file", err)
	}
	return ParseTiers(data)
}
