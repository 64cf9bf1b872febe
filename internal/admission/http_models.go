// Package admission provides HTTP transport models.
package admission

import "time"

type httpCheckRequest struct {
	TraceID   string `json:"traceID"`
	Principal string `json:"principal"`
	TenantID  string `json:"tenantID"`
	ClientIP  string `json:"clientIP"`
	Service   string `json:"service"`
	Method    string `json:"method"`
	Endpoint  string `json:"endpoint"`
	Cost      int64  `json:"cost"`
	Priority  string `json:"priority,omitempty"`
}

type httpCheckResponse struct {
	Allowed     bool   `json:"allowed"`
	Remaining   int64  `json:"remaining"`
	Limit       int64  `json:"limit"`
	ResetAfter  int64  `json:"resetAfterMs"`
	ResetAt     string `json:"resetAt,omitempty"`
	RetryAfter  int64  `json:"retryAfterMs,omitempty"`
	DelayMs     int64  `json:"delayMs,omitempty"`
	Throttled   bool   `json:"throttled,omitempty"`
	Queued      bool   `json:"queued,omitempty"`
	RuleID      string `json:"ruleID,omitempty"`
	Reason      string `json:"reason,omitempty"`
	UpgradeTier string `json:"upgradeTier,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
}

type httpRuleRequest struct {
	ID        string                `json:"id"`
	Scope     string                `json:"scope"`
	Service   string                `json:"service,omitempty"`
	Endpoint  string                `json:"endpoint,omitempty"`
	Method    string                `json:"method,omitempty"`
	Algorithm string                `json:"algorithm"`
	Limit     int64                 `json:"limit"`
	Window    string                `json:"window"`
	Burst     int64                 `json:"burst,omitempty"`
	KeyBy     []string              `json:"keyBy,omitempty"`
	Actions   []httpThresholdAction `json:"actions,omitempty"`
}

type httpThresholdAction struct {
	Threshold float64 `json:"threshold"`
	Action    string  `json:"action"`
}

type httpRuleResponse struct {
	ID        string                `json:"id"`
	Scope     string                `json:"scope"`
	Service   string                `json:"service,omitempty"`
	Endpoint  string                `json:"endpoint,omitempty"`
	Method    string                `json:"method,omitempty"`
	Algorithm string                `json:"algorithm"`
	Limit     int64                 `json:"limit"`
	Window    string                `json:"window"`
	Burst     int64                 `json:"burst,omitempty"`
	KeyBy     []string              `json:"keyBy,omitempty"`
	Actions   []httpThresholdAction `json:"actions,omitempty"`
	Version   int64                 `json:"version"`
}

func toCheckRequest(req httpCheckRequest) *CheckRequest {
	return &CheckRequest{
		TraceID:   req.TraceID,
		Principal: req.Principal,
		TenantID:  req.TenantID,
		ClientIP:  req.ClientIP,
		Service:   req.Service,
		Method:    req.Method,
		Endpoint:  req.Endpoint,
		Cost:      req.Cost,
		Priority:  req.Priority,
	}
}

func toRule(req httpRuleRequest) (*Rule, error) {
	window, err := time.ParseDuration(req.Window)
	if err != nil {
		return nil, Wrap(CodeBadRule, "invalid rule window", err)
	}
	alg, err := ParseAlgorithm(req.Algorithm)
	if err != nil {
		return nil, err
	}
	actions := make([]ThresholdAction, len(req.Actions))
	for i, action := range req.Actions {
		actions[i] = ThresholdAction{Threshold: action.Threshold, Action: action.Action}
	}
	return &Rule{
		ID:        req.ID,
		Scope:     Scope(req.Scope),
		Service:   req.Service,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		Algorithm: alg,
		Limit:     req.Limit,
		Window:    window,
		Burst:     req.Burst,
		KeyBy:     req.KeyBy,
		Actions:   actions,
	}, nil
}

func fromRule(rule *Rule) httpRuleResponse {
	if rule == nil {
		return httpRuleResponse{}
	}
	actions := make([]httpThresholdAction, len(rule.Actions))
	for i, action := range rule.Actions {
		actions[i] = httpThresholdAction{Threshold: action.Threshold, Action: action.Action}
	}
	return httpRuleResponse{
		ID:        rule.ID,
		Scope:     string(rule.Scope),
		Service:   rule.Service,
		Endpoint:  rule.Endpoint,
		Method:    rule.Method,
		Algorithm: rule.Algorithm.String(),
		Limit:     rule.Limit,
		Window:    rule.Window.String(),
		Burst:     rule.Burst,
		KeyBy:     rule.KeyBy,
		Actions:   actions,
		Version:   rule.Version,
	}
}

func fromDecision(d *Decision, now time.Time) httpCheckResponse {
	if d == nil {
		return httpCheckResponse{}
	}
	resp := httpCheckResponse{
		Allowed:     d.Allowed,
		Remaining:   d.Remaining,
		Limit:       d.Limit,
		ResetAfter:  d.ResetAfter.Milliseconds(),
		RetryAfter:  d.RetryAfter.Milliseconds(),
		DelayMs:     d.Delay.Milliseconds(),
		Throttled:   d.Throttled,
		Queued:      d.Queued,
		RuleID:      d.RuleID,
		Reason:      d.Reason,
		UpgradeTier: d.UpgradeTier,
		ErrorCode:   d.ErrorCode,
	}
	if d.ResetAfter > 0 {
		resp.ResetAt = now.Add(d.ResetAfter).UTC().Format(time.RFC3339)
	}
	return resp
}
