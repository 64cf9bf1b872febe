// Package admission provides rule synchronization workers.
package admission

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RuleSyncWorker periodically re-reads the rule source so instances pick
// up edits without a restart. A load or validation failure keeps the
// previous rule set serving.
type RuleSyncWorker struct {
	source   RuleSource
	rules    *RuleSet
	interval time.Duration
	logger   *zap.Logger
}

// NewRuleSyncWorker constructs a RuleSyncWorker.
func NewRuleSyncWorker(source RuleSource, rules *RuleSet, interval time.Duration, logger *zap.Logger) *RuleSyncWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleSyncWorker{source: source, rules: rules, interval: interval, logger: logger}
}

// Start begins the synchronization loop.
func (w *RuleSyncWorker) Start(ctx context.Context) error {
	if w == nil || w.source == nil || w.rules == nil {
		return errors.New("rule sync worker is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	interval := w.interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rules, err := w.source.LoadAll(ctx)
			if err != nil {
				w.logger.Warn("rule source load failed", zap.Error(err))
				continue
			}
			if err := w.rules.ReplaceAll(rules); err != nil {
				w.logger.Warn("rule sync rejected", zap.Error(err))
			}
		}
	}
}
