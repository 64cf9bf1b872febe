// Package admission provides rule storage and matching.
package admission

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"
)

// RuleSource loads the full rule set from configuration.
type RuleSource interface {
	LoadAll(ctx context.Context) ([]*Rule, error)
}

// rulesSnapshot is an immutable view of the active rule set, ordered by
// scope precedence.
type rulesSnapshot struct {
	rules   []*Rule
	version int64
}

// RuleSet stores the active rules with copy-on-write updates. Evaluation
// reads a whole snapshot, so an administrative reload is never observable
// as a partial rule set.
type RuleSet struct {
	snap atomic.Value
	mu   sync.Mutex
}

// NewRuleSet creates a rule set with an empty snapshot.
func NewRuleSet() *RuleSet {
	rs := &RuleSet{}
	rs.snap.Store(&rulesSnapshot{})
	return rs
}

func (rs *RuleSet) snapshot() *rulesSnapshot {
	snapshot, _ := rs.snap.Load().(*rulesSnapshot)
	if snapshot == nil {
		return &rulesSnapshot{}
	}
	return snapshot
}

// Version returns the active snapshot version.
func (rs *RuleSet) Version() int64 {
	return rs.snapshot().version
}

// List returns all active rules in evaluation order.
func (rs *RuleSet) List() []*Rule {
	snapshot := rs.snapshot()
	rules := make([]*Rule, len(snapshot.rules))
	copy(rules, snapshot.rules)
	return rules
}

// ReplaceAll validates the rules and swaps the whole snapshot. A single
// malformed rule rejects the entire set, leaving the previous snapshot
// active. Every installed rule is stamped with the snapshot version; the
// caller's rules are copied, not mutated.
func (rs *RuleSet) ReplaceAll(rules []*Rule) error {
	ordered := make([]*Rule, 0, len(rules))
	for _, rule := range rules {
		if rule == nil {
			continue
		}
		if err := ValidateRule(rule); err != nil {
			return err
		}
		ordered = append(ordered, rule)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return scopePrecedence(ordered[i].Scope) < scopePrecedence(ordered[j].Scope)
	})

	rs.mu.Lock()
	defer rs.mu.Unlock()
	version := rs.snapshot().version + 1
	stamped := make([]*Rule, len(ordered))
	for i, rule := range ordered {
		copied := *rule
		copied.Version = version
		stamped[i] = &copied
	}
	rs.snap.Store(&rulesSnapshot{rules: stamped, version: version})
	return nil
}

// Match returns the applicable rules for a request, outermost scope first.
func (rs *RuleSet) Match(req *CheckRequest) []*Rule {
	snapshot := rs.snapshot()
	var matched []*Rule
	for _, rule := range snapshot.rules {
		if ruleMatches(rule, req) {
			matched = append(matched, rule)
		}
	}
	return matched
}

func ruleMatches(rule *Rule, req *CheckRequest) bool {
	if rule.Service != "" && rule.Service != req.Service {
		return false
	}
	if rule.Method != "" && rule.Method != req.Method {
		return false
	}
	if rule.Endpoint != "" && !endpointMatches(rule.Endpoint, req.Endpoint) {
		return false
	}
	return true
}

// endpointMatches supports exact paths and trailing-star prefixes.
func endpointMatches(pattern, endpoint string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(endpoint, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == endpoint
}

// ValidateRule checks rule invariants. Violations are fatal at load time
// and never surface at request time.
func ValidateRule(rule *Rule) error {
	if rule == nil {
		return ErrInvalidInput
	}
	if rule.ID == "" {
		return Wrap(CodeBadRule, "rule id is required", nil)
	}
	if scopePrecedence(rule.Scope) > 5 {
		return Wrap(CodeBadRule, fmt.Sprintf("rule %s: unknown scope %q", rule.ID, rule.Scope), nil)
	}
	if rule.Limit <= 0 {
		return Wrap(CodeBadRule, fmt.Sprintf("rule %s: requests must be positive", rule.ID), nil)
	}
	if rule.Window <= 0 {
		return Wrap(CodeBadRule, fmt.Sprintf("rule %s: window must be positive", rule.ID), nil)
	}
	for _, component := range rule.KeyBy {
		if !validKeyComponent(component) {
			return Wrap(CodeBadRule, fmt.Sprintf("rule %s: unknown key component %q", rule.ID, component), nil)
		}
	}
	for _, action := range rule.Actions {
		if action.Threshold < 0 || action.Threshold > 1 {
			return Wrap(CodeBadRule, fmt.Sprintf("rule %s: threshold out of range", rule.ID), nil)
		}
		switch action.Action {
		case ActionLog, ActionWarn, ActionThrottle, ActionReject, ActionQueue:
		default:
			return Wrap(CodeBadRule, fmt.Sprintf("rule %s: unknown action %q", rule.ID, action.Action), nil)
		}
	}
	return nil
}

type ruleFile struct {
	Rules []ruleFileEntry `yaml:"rules"`
}

type ruleFileEntry struct {
	ID        string                `yaml:"id"`
	Scope     string                `yaml:"scope"`
	Service   string                `yaml:"service"`
	Endpoint  string                `yaml:"endpoint"`
	Method    string                `yaml:"method"`
	Algorithm string                `yaml:"algorithm"`
	Requests  int64                 `yaml:"requests"`
	Window    string                `yaml:"window"`
	Burst     int64                 `yaml:"burst"`
	KeyBy     []string              `yaml:"key_by"`
	Actions   []ruleFileActionEntry `yaml:"actions"`
}

type ruleFileActionEntry struct {
	Threshold float64 `yaml:"threshold"`
	Action    string  `yaml:"action"`
}

// FileRuleSource loads rules from a YAML file.
type FileRuleSource struct {
	Path string
}

// LoadAll reads and validates every rule in the file.
func (s *FileRuleSource) LoadAll(ctx context.Context) ([]*Rule, error) {
	if s == nil || s.Path == "" {
		return nil, Wrap(CodeBadRule, "rule file path is required", nil)
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, Wrap(CodeBadRule, "failed to read rule file", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule document.
func ParseRules(data []byte) ([]*Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, Wrap(CodeBadRule, "failed to decode rule file", err)
	}
	rules := make([]*Rule, 0, len(file.Rules))
	for _, entry := range file.Rules {
		algorithm, err := ParseAlgorithm(entry.Algorithm)
		if err != nil {
			return nil, err
		}
		window, err := time.ParseDuration(entry.Window)
		if err != nil {
			return nil, Wrap(CodeBadRule, fmt.Sprintf("rule %s: bad window %q", entry.ID, entry.Window), err)
		}
		rule := &Rule{
			ID:        entry.ID,
			Scope:     Scope(entry.Scope),
			Service:   entry.Service,
			Endpoint:  entry.Endpoint,
			Method:    entry.Method,
			Algorithm: algorithm,
			Limit:     entry.Requests,
			Window:    window,
			Burst:     entry.Burst,
			KeyBy:     entry.KeyBy,
		}
		for _, action := range entry.Actions {
			rule.Actions = append(rule.Actions, ThresholdAction{Threshold: action.Threshold, Action: action.Action})
		}
		if err := ValidateRule(rule); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
