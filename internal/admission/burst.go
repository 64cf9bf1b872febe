// Package admission provides burst detection and response.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// BurstSeverity classifies abnormal traffic against the rolling baseline.
type BurstSeverity int32

const (
	SeverityNone BurstSeverity = iota
	SeverityMinor
	SeverityMajor
	SeverityExtreme
)

// String returns the severity label.
func (s BurstSeverity) String() string {
	switch s {
	case SeverityMinor:
		return "minor"
	case SeverityMajor:
		return "major"
	case SeverityExtreme:
		return "extreme"
	default:
		return "none"
	}
}

// BaselineTracker keeps a rolling average of requests per second over a
// long historical window. It is only a comparison reference; the decision
// path never mutates it.
type BaselineTracker struct {
	mu      sync.Mutex
	window  time.Duration
	rps     float64
	samples int64
}

// NewBaselineTracker constructs a tracker over the given window.
func NewBaselineTracker(window time.Duration) *BaselineTracker {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &BaselineTracker{window: window}
}

// Seed installs an initial baseline, typically restored from history.
func (bt *BaselineTracker) Seed(rps float64) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.rps = rps
	bt.samples = 1
}

// Update folds one observed interval into the rolling average. The weight
// of new information shrinks as the sample interval shrinks relative to
// the historical window, approximating a windowed mean without storing
// per-interval history.
func (bt *BaselineTracker) Update(rps float64, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.samples == 0 {
		bt.rps = rps
		bt.samples = 1
		return
	}
	weight := float64(elapsed) / float64(bt.window)
	if weight > 1 {
		weight = 1
	}
	bt.rps = bt.rps*(1-weight) + rps*weight
	bt.samples++
}

// Rate returns the current baseline requests per second.
func (bt *BaselineTracker) Rate() float64 {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.rps
}

// burstLevel describes one severity's detection thresholds.
type burstLevel struct {
	severity BurstSeverity
	ratio    float64
	dwell    time.Duration
}

// Detection requires sustained excess over the full dwell time, not an
// instantaneous spike, which keeps the state machine from flapping.
var burstLevels = []burstLevel{
	{severity: SeverityExtreme, ratio: 5.0, dwell: 300 * time.Second},
	{severity: SeverityMajor, ratio: 3.0, dwell: 180 * time.Second},
	{severity: SeverityMinor, ratio: 1.5, dwell: 60 * time.Second},
}

// BurstOptions configures the burst manager.
type BurstOptions struct {
	Tick           time.Duration
	BaselineWindow time.Duration
	MinorRevert    time.Duration
	// MinimalAllowlist lists the endpoints that stay reachable in
	// minimal-service mode during an extreme burst.
	MinimalAllowlist []string
}

// BurstManager watches aggregate traffic against the baseline and issues
// time-bounded parameter adjustments. Its writes are inputs to the rule
// evaluator at next-evaluation time, never mid-evaluation.
type BurstManager struct {
	opts        BurstOptions
	baseline    *BaselineTracker
	adjustments *AdjustmentSet
	recorder    *EventRecorder
	metrics     Metrics
	region      string
	logger      *zap.Logger
	now         func() time.Time

	requests atomic.Int64

	mu           sync.Mutex
	severity     BurstSeverity
	excessSince  map[BurstSeverity]time.Time
	minorExpires time.Time
	blocked      map[string]struct{}
	allowlist    map[string]struct{}
	lastTick     time.Time
}

// NewBurstManager constructs a BurstManager.
func NewBurstManager(opts BurstOptions, adjustments *AdjustmentSet, recorder *EventRecorder, metrics Metrics, region string, logger *zap.Logger) *BurstManager {
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Second
	}
	if opts.MinorRevert <= 0 {
		opts.MinorRevert = 15 * time.Minute
	}
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allowlist := make(map[string]struct{}, len(opts.MinimalAllowlist))
	for _, endpoint := range opts.MinimalAllowlist {
		allowlist[endpoint] = struct{}{}
	}
	return &BurstManager{
		opts:        opts,
		baseline:    NewBaselineTracker(opts.BaselineWindow),
		adjustments: adjustments,
		recorder:    recorder,
		metrics:     metrics,
		region:      region,
		logger:      logger,
		now:         time.Now,
		severity:    SeverityNone,
		excessSince: make(map[BurstSeverity]time.Time),
		blocked:     make(map[string]struct{}),
		allowlist:   allowlist,
	}
}

// SetClock overrides the time source for tests.
func (bm *BurstManager) SetClock(now func() time.Time) {
	if bm == nil || now == nil {
		return
	}
	bm.now = now
}

// Baseline exposes the tracker for seeding.
func (bm *BurstManager) Baseline() *BaselineTracker {
	return bm.baseline
}

// Observe counts one admitted-or-rejected request toward the current rate.
func (bm *BurstManager) Observe(cost int64) {
	if bm == nil {
		return
	}
	bm.requests.Add(cost)
}

// Severity returns the current burst severity.
func (bm *BurstManager) Severity() BurstSeverity {
	if bm == nil {
		return SeverityNone
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.severity
}

// MinimalService reports whether only allow-listed endpoints are served.
func (bm *BurstManager) MinimalService() bool {
	return bm.Severity() == SeverityExtreme
}

// EndpointAllowed reports whether an endpoint stays reachable under
// minimal-service mode.
func (bm *BurstManager) EndpointAllowed(endpoint string) bool {
	if bm == nil {
		return true
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.severity != SeverityExtreme {
		return true
	}
	_, ok := bm.allowlist[endpoint]
	return ok
}

// BlockSource marks a source as suspicious during an extreme burst.
func (bm *BurstManager) BlockSource(ip string) {
	if bm == nil || ip == "" {
		return
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.blocked[ip] = struct{}{}
}

// SourceBlocked reports whether a source has been blocked.
func (bm *BurstManager) SourceBlocked(ip string) bool {
	if bm == nil {
		return false
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	_, ok := bm.blocked[ip]
	return ok
}

// Acknowledge resolves a major burst after operator review.
func (bm *BurstManager) Acknowledge() error {
	return bm.resolve(SeverityMajor)
}

// Resolve clears an extreme burst after manual resolution.
func (bm *BurstManager) Resolve() error {
	return bm.resolve(SeverityExtreme)
}

func (bm *BurstManager) resolve(expected BurstSeverity) error {
	if bm == nil {
		return errors.New("burst manager is nil")
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.severity != expected {
		return Wrap(CodeConflict, "burst severity is "+bm.severity.String(), ErrConflict)
	}
	bm.transitionLocked(SeverityNone, bm.now())
	bm.blocked = make(map[string]struct{})
	return nil
}

// Evaluate runs one detection pass. Exported for tests; Start drives it on
// the configured tick in production.
func (bm *BurstManager) Evaluate(ctx context.Context) {
	if bm == nil {
		return
	}
	now := bm.now()
	count := bm.requests.Swap(0)

	bm.mu.Lock()
	defer bm.mu.Unlock()

	elapsed := bm.opts.Tick
	if !bm.lastTick.IsZero() {
		elapsed = now.Sub(bm.lastTick)
	}
	bm.lastTick = now
	if elapsed <= 0 {
		return
	}

	rate := float64(count) / elapsed.Seconds()
	baseline := bm.baseline.Rate()
	ratio := 0.0
	if baseline > 0 {
		ratio = rate / baseline
	}
	bm.baseline.Update(rate, elapsed)

	for _, level := range burstLevels {
		if ratio >= level.ratio {
			if bm.excessSince[level.severity].IsZero() {
				bm.excessSince[level.severity] = now
			}
		} else {
			delete(bm.excessSince, level.severity)
		}
	}

	next := bm.severity
	for _, level := range burstLevels {
		since, ok := bm.excessSince[level.severity]
		if !ok || now.Sub(since) < level.dwell {
			continue
		}
		// Severity only escalates from detection; major and extreme
		// de-escalate through operator action alone.
		if level.severity > next {
			next = level.severity
		}
		break
	}

	if bm.severity == SeverityMinor {
		if ratio < 1.5 || !now.Before(bm.minorExpires) {
			next = SeverityNone
			// A fresh escalation past minor still wins.
			for _, level := range burstLevels {
				since, ok := bm.excessSince[level.severity]
				if ok && now.Sub(since) >= level.dwell && level.severity > next {
					next = level.severity
					break
				}
			}
		}
	}

	if next != bm.severity {
		bm.transitionLocked(next, now)
	} else {
		bm.refreshAdjustmentsLocked(now)
	}
}

func (bm *BurstManager) transitionLocked(next BurstSeverity, now time.Time) {
	prev := bm.severity
	bm.severity = next
	if next == SeverityMinor {
		bm.minorExpires = now.Add(bm.opts.MinorRevert)
	}
	bm.refreshAdjustmentsLocked(now)
	bm.metrics.IncBurst(next.String(), bm.region)
	bm.logger.Info("burst severity changed",
		zap.String("old", prev.String()),
		zap.String("new", next.String()),
	)
	if bm.recorder != nil {
		kind := EventBurstDetected
		if next == SeverityNone {
			kind = EventBurstReverted
		}
		bm.recorder.Record(context.Background(), Event{Kind: kind, Severity: next.String(), Timestamp: now})
	}
}

// refreshAdjustmentsLocked re-issues the active severity's parameter
// override with a bounded expiry, so the adjustment self-expires back to
// baseline if the manager stops ticking.
func (bm *BurstManager) refreshAdjustmentsLocked(now time.Time) {
	if bm.adjustments == nil {
		return
	}
	bm.adjustments.Clear()
	switch bm.severity {
	case SeverityMinor:
		bm.adjustments.Add(BurstAdjustment{
			ScopePattern: "*",
			CapacityMult: 1.5,
			RefillMult:   1.5,
			ExpiresAt:    bm.minorExpires,
		})
	case SeverityMajor, SeverityExtreme:
		bm.adjustments.Add(BurstAdjustment{
			ScopePattern: "*",
			CapacityMult: 0.8,
			RefillMult:   0.8,
			ExpiresAt:    now.Add(3 * bm.opts.Tick),
		})
	}
}

// Start drives detection on the configured tick.
func (bm *BurstManager) Start(ctx context.Context) error {
	if bm == nil {
		return errors.New("burst manager is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(bm.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			bm.Evaluate(ctx)
		}
	}
}
