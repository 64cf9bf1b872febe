package admission

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAdminHandler_ReloadRulesFromPayload(t *testing.T) {
	t.Parallel()
	rules := NewRuleSet()
	admin := NewAdminHandler(rules, nil, nil, "", nil, nil)
	ctx := context.Background()

	err := admin.ReloadRules(ctx, []*Rule{minuteRule("a", ScopeGlobal, 10)})
	if err != nil {
		t.Fatalf("ReloadRules: %v", err)
	}
	listed, err := admin.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "a" {
		t.Fatalf("rules = %+v", listed)
	}

	// A malformed payload keeps the old snapshot serving.
	bad := minuteRule("b", ScopeUser, 0)
	if err := admin.ReloadRules(ctx, []*Rule{bad}); err == nil {
		t.Fatalf("malformed reload accepted")
	}
	listed, _ = admin.ListRules(ctx)
	if len(listed) != 1 || listed[0].ID != "a" {
		t.Fatalf("rules after rejected reload = %+v", listed)
	}
}

func TestAdminHandler_ReloadRulesFromSource(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	doc := "rules:\n  - id: from-file\n    scope: global\n    algorithm: fixed_window\n    requests: 50\n    window: 1m\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rules := NewRuleSet()
	admin := NewAdminHandler(rules, nil, &FileRuleSource{Path: path}, "", nil, nil)

	if err := admin.ReloadRules(context.Background(), nil); err != nil {
		t.Fatalf("ReloadRules: %v", err)
	}
	listed := rules.List()
	if len(listed) != 1 || listed[0].ID != "from-file" || listed[0].Limit != 50 {
		t.Fatalf("rules = %+v", listed)
	}
}

func TestAdminHandler_ReloadRulesWithoutSourceFails(t *testing.T) {
	t.Parallel()
	admin := NewAdminHandler(NewRuleSet(), nil, nil, "", nil, nil)
	if err := admin.ReloadRules(context.Background(), nil); err == nil {
		t.Fatalf("source reload accepted with no source configured")
	}
}

func TestAdminHandler_ReloadTiers(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	doc := `
tiers:
  - name: free
    overage_policy: hard_limit
    monthly: {requests: 1000}
    daily: {requests: 100}
  - name: pro
    overage_policy: soft_limit
    monthly: {requests: 100000}
    daily: {requests: 10000}
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tiers := NewTierTable()
	admin := NewAdminHandler(nil, tiers, nil, path, nil, nil)
	if err := admin.ReloadTiers(context.Background(), nil); err != nil {
		t.Fatalf("ReloadTiers: %v", err)
	}

	free, ok := tiers.Get("free")
	if !ok || free.Monthly.Requests != 1000 || free.OveragePolicy != OverageHardLimit {
		t.Fatalf("free allocation = %+v ok=%v", free, ok)
	}
	if next := tiers.NextUpgrade("free"); next != "pro" {
		t.Fatalf("NextUpgrade(free) = %q, want pro", next)
	}

	// Payload reloads bypass the file.
	err := admin.ReloadTiers(context.Background(), []QuotaAllocation{
		{Tier: "solo", OveragePolicy: OveragePayPerUse},
	})
	if err != nil {
		t.Fatalf("ReloadTiers payload: %v", err)
	}
	if _, ok := tiers.Get("free"); ok {
		t.Fatalf("old tier survived a payload reload")
	}
	if _, ok := tiers.Get("solo"); !ok {
		t.Fatalf("payload tier missing")
	}
}

func TestRuleSyncWorker_PicksUpFileChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	write := func(limit string) {
		doc := "rules:\n  - id: synced\n    scope: global\n    algorithm: fixed_window\n    requests: " + limit + "\n    window: 1m\n"
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write("10")

	rules := NewRuleSet()
	worker := NewRuleSyncWorker(&FileRuleSource{Path: path}, rules, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Start(ctx) }()

	waitForLimit := func(want int64) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			listed := rules.List()
			if len(listed) == 1 && listed[0].Limit == want {
				return
			}
			select {
			case <-deadline:
				t.Fatalf("rules never reached limit %d: %+v", want, listed)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	waitForLimit(10)

	write("25")
	waitForLimit(25)
}
