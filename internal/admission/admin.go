// Package admission provides the admin control surface.
package admission

import (
	"context"

	"go.uber.org/zap"
)

// AdminHandler implements AdminService: atomic rule and tier reloads plus
// burst state transitions. A reload that fails validation leaves the
// previous snapshot serving.
type AdminHandler struct {
	rules     *RuleSet
	tiers     *TierTable
	source    RuleSource
	tiersPath string
	burst     *BurstManager
	logger    *zap.Logger
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(rules *RuleSet, tiers *TierTable, source RuleSource, tiersPath string, burst *BurstManager, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{
		rules:     rules,
		tiers:     tiers,
		source:    source,
		tiersPath: tiersPath,
		burst:     burst,
		logger:    logger,
	}
}

// ReloadRules swaps the whole rule set for the given rules. A nil slice
// re-reads the configured rule source instead. In-flight evaluations
// finish against the snapshot they started with.
func (a *AdminHandler) ReloadRules(ctx context.Context, rules []*Rule) error {
	if a == nil || a.rules == nil {
		return ErrInvalidInput
	}
	if rules == nil {
		if a.source == nil {
			return Wrap(CodeBadRule, "no rule source configured", ErrInvalidInput)
		}
		loaded, err := a.source.LoadAll(ctx)
		if err != nil {
			return Wrap(CodeBadRule, "rule source load failed", err)
		}
		rules = loaded
	}
	if err := a.rules.ReplaceAll(rules); err != nil {
		a.logger.Warn("rule reload rejected, previous rules still serving", zap.Error(err))
		return err
	}
	a.logger.Info("rules reloaded",
		zap.Int("count", len(rules)),
		zap.Int64("version", a.rules.Version()),
	)
	return nil
}

// ReloadTiers swaps the tier table for the given allocations. A nil
// slice re-reads the configured tier file instead.
func (a *AdminHandler) ReloadTiers(ctx context.Context, tiers []QuotaAllocation) error {
	if a == nil || a.tiers == nil {
		return ErrInvalidInput
	}
	if tiers == nil {
		if a.tiersPath == "" {
			return Wrap(CodeBadRule, "no tier file configured", ErrInvalidInput)
		}
		loaded, err := LoadTierFile(a.tiersPath)
		if err != nil {
			return Wrap(CodeBadRule, "tier file load failed", err)
		}
		tiers = loaded
	}
	if err := a.tiers.ReplaceAll(tiers); err != nil {
		a.logger.Warn("tier reload rejected, previous tiers still serving", zap.Error(err))
		return err
	}
	a.logger.Info("tiers reloaded", zap.Int("count", len(tiers)))
	return nil
}

// ListRules returns the currently serving rules.
func (a *AdminHandler) ListRules(ctx context.Context) ([]*Rule, error) {
	if a == nil || a.rules == nil {
		return nil, ErrInvalidInput
	}
	return a.rules.List(), nil
}

// AcknowledgeBurst confirms a major burst so its mitigations persist
// under operator supervision.
func (a *AdminHandler) AcknowledgeBurst(ctx context.Context) error {
	if a == nil || a.burst == nil {
		return ErrInvalidInput
	}
	return a.burst.Acknowledge()
}

// ResolveBurst clears an extreme burst and restores normal admission.
func (a *AdminHandler) ResolveBurst(ctx context.Context) error {
	if a == nil || a.burst == nil {
		return ErrInvalidInput
	}
	return a.burst.Resolve()
}
