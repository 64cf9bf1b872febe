// Package admission provides the admission decision handler.
package admission

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// AdmissionHandler evaluates admission requests: rule evaluation against
// the shared counter store, then quota accounting, then burst feedback.
type AdmissionHandler struct {
	rules       *RuleSet
	keys        *KeyBuilder
	store       CounterStore
	breaker     *CircuitBreaker
	fallback    *FallbackLimiter
	adjustments *AdjustmentSet
	quota       *QuotaManager
	burst       *BurstManager
	recorder    *EventRecorder
	metrics     Metrics
	region      string
	logger      *zap.Logger
	now         func() time.Time
}

// NewAdmissionHandler constructs an AdmissionHandler.
func NewAdmissionHandler(rules *RuleSet, keys *KeyBuilder, store CounterStore, breaker *CircuitBreaker, fallback *FallbackLimiter, adjustments *AdjustmentSet, quota *QuotaManager, burst *BurstManager, recorder *EventRecorder, metrics Metrics, region string, logger *zap.Logger) *AdmissionHandler {
	if keys == nil {
		keys = NewKeyBuilder()
	}
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdmissionHandler{
		rules:       rules,
		keys:        keys,
		store:       store,
		breaker:     breaker,
		fallback:    fallback,
		adjustments: adjustments,
		quota:       quota,
		burst:       burst,
		recorder:    recorder,
		metrics:     metrics,
		region:      region,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the time source for tests.
func (h *AdmissionHandler) SetClock(now func() time.Time) {
	if h == nil || now == nil {
		return
	}
	h.now = now
}

// CheckAdmission evaluates one request. Every evaluated rule's counter is
// mutated exactly once; rules evaluated before a later short-circuit keep
// their consumed cost. Quota is consumed only after every check passes,
// and is not reversed if the caller later abandons the request.
func (h *AdmissionHandler) CheckAdmission(ctx context.Context, req *CheckRequest) (*Decision, error) {
	if req == nil {
		return nil, ErrInvalidInput
	}
	if req.Principal == "" || req.Endpoint == "" {
		return nil, ErrInvalidInput
	}
	if req.Cost <= 0 {
		return nil, Wrap(CodeInvalidCost, "cost must be positive", ErrInvalidInput)
	}
	if h == nil || h.rules == nil || h.store == nil {
		return nil, errors.New("handler is not initialized")
	}
	start := time.Now()
	defer func() {
		h.metrics.ObserveLatency("check", time.Since(start), h.region)
	}()

	if h.burst != nil {
		h.burst.Observe(req.Cost)
		if h.burst.SourceBlocked(req.ClientIP) {
			decision := &Decision{Allowed: false, Reason: ReasonSourceBlocked}
			h.metrics.IncDecision("blocked", "", h.region)
			return decision, nil
		}
		if !h.burst.EndpointAllowed(req.Endpoint) {
			decision := &Decision{Allowed: false, Reason: ReasonServiceMinimal}
			h.metrics.IncDecision("minimal_service", "", h.region)
			return decision, nil
		}
	}

	decision, err := h.evaluateRules(ctx, req)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		h.metrics.IncDecision("denied", decision.RuleID, h.region)
		return decision, nil
	}

	if h.quota != nil {
		quotaResult, err := h.quota.Check(ctx, req.Principal, req.Cost)
		if err != nil {
			return h.quotaFallback(ctx, req, decision, err)
		}
		if !quotaResult.Allowed {
			decision.Allowed = false
			decision.Reason = quotaResult.Reason
			decision.Remaining = 0
			decision.UpgradeTier = quotaResult.UpgradeTier
			h.metrics.IncDecision("quota_denied", quotaResult.Scope, h.region)
			return decision, nil
		}
		if quotaResult.Throttled {
			decision.Throttled = true
			if reduced, ok := h.quota.ThrottleLimit(req.Principal, quotaResult.Scope); ok && reduced > 0 && reduced < decision.Limit {
				decision.Limit = reduced
			}
		}
		if _, err := h.quota.Consume(ctx, req.Principal, req.Cost); err != nil {
			h.metrics.IncStoreError("consume", h.region)
			h.logger.Warn("quota consumption failed", zap.Error(err))
		}
	}

	h.metrics.IncDecision("allowed", "", h.region)
	return decision, nil
}

// evaluateRules runs every applicable rule in scope order and aggregates
// with most-restrictive-wins. The first rejecting rule short-circuits;
// earlier rules' consumed state stays consumed.
func (h *AdmissionHandler) evaluateRules(ctx context.Context, req *CheckRequest) (*Decision, error) {
	now := h.now()
	matched := h.rules.Match(req)
	aggregate := &Decision{Allowed: true, Remaining: -1}

	for _, rule := range matched {
		params := RuleParams{Limit: rule.Limit, Window: rule.Window, Burst: rule.Burst}
		if h.adjustments != nil {
			params = h.adjustments.Apply(rule, params, now)
		}
		key := h.keys.BuildKey(rule, req)
		decision, usedFallback, err := h.evalOne(ctx, rule.Algorithm, h.keys.KeyToString(key), params, req.Cost)
		h.keys.ReleaseKey(key)
		if err != nil {
			return nil, err
		}
		decision.Window = params.Window
		if usedFallback {
			h.metrics.IncFallback("store", h.region)
			aggregate.ErrorCode = decision.ErrorCode
		}

		h.applyThresholdActions(ctx, rule, decision, req)

		if !decision.Allowed {
			decision.RuleID = rule.ID
			if decision.Reason == "" {
				decision.Reason = ReasonRuleRejected
			}
			if h.burst != nil && h.burst.Severity() == SeverityMinor {
				// Minor bursts enable short-timeout queuing for rejects.
				decision.Queued = true
			}
			return decision, nil
		}

		if aggregate.Remaining < 0 || decision.Remaining < aggregate.Remaining {
			aggregate.Remaining = decision.Remaining
			aggregate.Limit = decision.Limit
			aggregate.Window = decision.Window
		}
		if aggregate.ResetAfter == 0 || (decision.ResetAfter > 0 && decision.ResetAfter < aggregate.ResetAfter) {
			aggregate.ResetAfter = decision.ResetAfter
		}
		if decision.Delay > aggregate.Delay {
			aggregate.Delay = decision.Delay
		}
		if decision.Throttled {
			aggregate.Throttled = true
		}
		if decision.Queued {
			aggregate.Queued = true
		}
	}
	if aggregate.Remaining < 0 {
		aggregate.Remaining = 0
	}
	return aggregate, nil
}

// evalOne performs a single rule's atomic store round trip, guarded by the
// circuit breaker, taking the fallback path on store failure.
func (h *AdmissionHandler) evalOne(ctx context.Context, alg Algorithm, key string, params RuleParams, cost int64) (*Decision, bool, error) {
	if h.breaker != nil && !h.breaker.Allow() {
		return h.storeFallback(ctx, key, params, cost), true, nil
	}
	decision, err := Eval(ctx, h.store, alg, key, params, cost)
	if err != nil {
		if CodeOf(err) == CodeInvalidCost || errors.Is(err, ErrInvalidInput) {
			return nil, false, err
		}
		h.breaker.RecordResult(err)
		h.metrics.IncStoreError("eval", h.region)
		h.logger.Warn("counter store evaluation failed", zap.String("algorithm", alg.String()), zap.Error(err))
		return h.storeFallback(ctx, key, params, cost), true, nil
	}
	h.breaker.RecordResult(nil)
	return decision, false, nil
}

func (h *AdmissionHandler) storeFallback(ctx context.Context, key string, params RuleParams, cost int64) *Decision {
	if h.fallback == nil {
		return &Decision{Allowed: false, ErrorCode: string(CodeStoreUnavailable)}
	}
	return h.fallback.Allow(ctx, key, params, cost)
}

// quotaFallback applies the configured store fallback behavior to quota
// check failures: fail-open admits with a warning, fail-closed rejects.
func (h *AdmissionHandler) quotaFallback(ctx context.Context, req *CheckRequest, decision *Decision, err error) (*Decision, error) {
	h.metrics.IncStoreError("quota", h.region)
	if h.fallback != nil && h.fallback.policy.Behavior == FailOpen {
		h.logger.Warn("quota check failed, admitting fail-open",
			zap.String("principal", req.Principal), zap.Error(err))
		h.metrics.IncFallback("quota", h.region)
		decision.ErrorCode = string(CodeStoreUnavailable)
		return decision, nil
	}
	decision.Allowed = false
	decision.ErrorCode = string(CodeStoreUnavailable)
	return decision, nil
}

// applyThresholdActions walks the rule's ordered threshold bindings and
// applies every one the current usage ratio has crossed.
func (h *AdmissionHandler) applyThresholdActions(ctx context.Context, rule *Rule, decision *Decision, req *CheckRequest) {
	if len(rule.Actions) == 0 || decision.Limit <= 0 {
		return
	}
	used := decision.Limit - decision.Remaining
	ratio := float64(used) / float64(decision.Limit)
	for _, action := range rule.Actions {
		if ratio < action.Threshold {
			continue
		}
		switch action.Action {
		case ActionLog:
			h.logger.Debug("rule threshold crossed",
				zap.String("rule", rule.ID),
				zap.Float64("threshold", action.Threshold),
			)
		case ActionWarn:
			if h.recorder != nil {
				h.recorder.Record(ctx, Event{
					Kind:      EventQuotaWarning,
					Principal: req.Principal,
					Scope:     string(rule.Scope),
					Threshold: action.Threshold,
					Usage:     used,
					Limit:     decision.Limit,
				})
			}
		case ActionThrottle:
			decision.Throttled = true
		case ActionReject:
			decision.Allowed = false
			decision.Reason = ReasonRuleRejected
			if decision.RetryAfter == 0 {
				decision.RetryAfter = decision.ResetAfter
			}
		case ActionQueue:
			decision.Queued = true
		}
	}
}
