package tracking

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// seedRegression stages scenario material: adjustment #1 raised the bid
// $1.00 -> $1.20 on an estimate of +$20, and the 7-day measurement came back
// at -$5.
func seedRegression(t *testing.T, e *Engine, store *memEffectStore, auto bool) models.RollbackRule {
	t.Helper()
	created := trackNow.AddDate(0, 0, -8)
	seedAdjustment(store, 1, 1.00, 1.20, created)
	store.nextEffect++
	store.effects[store.nextEffect] = &models.EffectTrackingRecord{
		ID:                   store.nextEffect,
		AdjustmentID:         1,
		AccountID:            7,
		CampaignID:           100,
		TargetID:             42,
		EstimatedProfitDelta: decimal.NewFromInt(20),
		ActualProfit7D:       decimal.NullDecimal{Decimal: decimal.NewFromInt(-5), Valid: true},
		ActualClicks7D:       100,
		CreatedAt:            created,
	}
	rule, err := e.CreateRule(context.Background(), models.RollbackRule{
		AccountID: 7,
		Name:      "profit guard",
		Enabled:   true,
		Conditions: models.RollbackConditions{
			ProfitThresholdPct:         20,
			MinTrackingDays:            7,
			IncludeNegativeAdjustments: true,
		},
		Actions: models.RollbackActions{AutoRollback: auto},
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	return rule
}

func TestCreateRuleValidation(t *testing.T) {
	e, _, _, _ := setupTracker(t)
	ctx := context.Background()

	cases := []struct {
		name string
		rule models.RollbackRule
	}{
		{"empty name", models.RollbackRule{Conditions: models.RollbackConditions{ProfitThresholdPct: 20, MinTrackingDays: 7}}},
		{"zero threshold", models.RollbackRule{Name: "x", Conditions: models.RollbackConditions{MinTrackingDays: 7}}},
		{"bad horizon", models.RollbackRule{Name: "x", Conditions: models.RollbackConditions{ProfitThresholdPct: 20, MinTrackingDays: 10}}},
		{"negative sample count", models.RollbackRule{Name: "x", Conditions: models.RollbackConditions{ProfitThresholdPct: 20, MinTrackingDays: 7, MinSampleCount: -1}}},
		{"unknown priority", models.RollbackRule{Name: "x", Conditions: models.RollbackConditions{ProfitThresholdPct: 20, MinTrackingDays: 7}, Actions: models.RollbackActions{Priority: "urgent"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.CreateRule(ctx, tc.rule); !errs.IsValidation(err) {
				t.Errorf("err = %v, want Validation", err)
			}
		})
	}

	rule, err := e.CreateRule(ctx, models.RollbackRule{
		Name:       "defaults",
		Enabled:    true,
		Conditions: models.RollbackConditions{ProfitThresholdPct: 20, MinTrackingDays: 14},
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if rule.ID == 0 || rule.Version != 1 {
		t.Errorf("rule = id %d version %d, want assigned id at version 1", rule.ID, rule.Version)
	}
	if rule.Actions.Priority != models.RulePriorityMedium {
		t.Errorf("priority = %q, want medium default", rule.Actions.Priority)
	}
}

func TestUpdateRuleBumpsVersion(t *testing.T) {
	e, _, _, _ := setupTracker(t)
	ctx := context.Background()

	rule, err := e.CreateRule(ctx, models.RollbackRule{
		Name:       "guard",
		Enabled:    true,
		Conditions: models.RollbackConditions{ProfitThresholdPct: 20, MinTrackingDays: 7},
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	rule.Conditions.ProfitThresholdPct = 30
	updated, err := e.UpdateRule(ctx, rule)
	if err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2 after update", updated.Version)
	}

	missing := rule
	missing.ID = 999
	if _, err := e.UpdateRule(ctx, missing); !errs.IsNotFound(err) {
		t.Errorf("err = %v, want NotFound for unknown rule", err)
	}
}

func TestEvaluateRulesCreatesSuggestion(t *testing.T) {
	e, store, _, _ := setupTracker(t)
	rule := seedRegression(t, e, store, false)

	summary, err := e.EvaluateRules(context.Background(), 7)
	if err != nil {
		t.Fatalf("EvaluateRules: %v", err)
	}
	if summary.Suggested != 1 || summary.AutoExecuted != 0 {
		t.Fatalf("summary = %+v, want 1 suggested, none executed", summary)
	}
	sg := store.onlySuggestion(t)
	if sg.Status != models.SuggestionStatusPending {
		t.Errorf("status = %s, want pending", sg.Status)
	}
	if sg.RuleID != rule.ID || sg.RuleVersion != rule.Version || sg.AdjustmentID != 1 {
		t.Errorf("suggestion linkage wrong: %+v", sg)
	}
	// (-5 - 20) / 20 = -1.25
	if diff := sg.DropPct + 1.25; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("drop pct = %v, want -1.25", sg.DropPct)
	}
	if sg.Horizon != 7 || sg.Priority != models.RulePriorityMedium {
		t.Errorf("suggestion = horizon %d priority %s, want 7/medium", sg.Horizon, sg.Priority)
	}

	again, err := e.EvaluateRules(context.Background(), 7)
	if err != nil {
		t.Fatalf("second EvaluateRules: %v", err)
	}
	if again.Suggested != 0 {
		t.Errorf("re-evaluation suggested %d, want 0 (already suggested)", again.Suggested)
	}
}

func TestEvaluateRulesSkips(t *testing.T) {
	t.Run("below sample count", func(t *testing.T) {
		e, store, _, _ := setupTracker(t)
		rule := seedRegression(t, e, store, false)
		rule.Conditions.MinSampleCount = 500 // effect has 100 clicks
		if _, err := e.UpdateRule(context.Background(), rule); err != nil {
			t.Fatalf("UpdateRule: %v", err)
		}
		summary, err := e.EvaluateRules(context.Background(), 7)
		if err != nil {
			t.Fatalf("EvaluateRules: %v", err)
		}
		if summary.Suggested != 0 {
			t.Errorf("thin record suggested: %+v", summary)
		}
	})

	t.Run("lowered bid excluded", func(t *testing.T) {
		e, store, _, _ := setupTracker(t)
		rule := seedRegression(t, e, store, false)
		store.adjustments[1].PreviousBid = decimal.NewFromFloat(1.20)
		store.adjustments[1].NewBid = decimal.NewFromFloat(1.00)
		rule.Conditions.IncludeNegativeAdjustments = false
		if _, err := e.UpdateRule(context.Background(), rule); err != nil {
			t.Fatalf("UpdateRule: %v", err)
		}
		summary, err := e.EvaluateRules(context.Background(), 7)
		if err != nil {
			t.Fatalf("EvaluateRules: %v", err)
		}
		if summary.Suggested != 0 {
			t.Errorf("lowered bid suggested despite exclusion: %+v", summary)
		}
	})

	t.Run("already rolled back", func(t *testing.T) {
		e, store, _, _ := setupTracker(t)
		seedRegression(t, e, store, false)
		store.adjustments[1].IsRolledBack = true
		summary, err := e.EvaluateRules(context.Background(), 7)
		if err != nil {
			t.Fatalf("EvaluateRules: %v", err)
		}
		if summary.Suggested != 0 {
			t.Errorf("rolled-back adjustment suggested again: %+v", summary)
		}
	})

	t.Run("healthy outcome", func(t *testing.T) {
		e, store, _, _ := setupTracker(t)
		seedRegression(t, e, store, false)
		// +18 on a +20 estimate is a 10% miss, inside the 20% threshold.
		store.effects[1].ActualProfit7D = decimal.NullDecimal{Decimal: decimal.NewFromInt(18), Valid: true}
		summary, err := e.EvaluateRules(context.Background(), 7)
		if err != nil {
			t.Fatalf("EvaluateRules: %v", err)
		}
		if summary.Suggested != 0 {
			t.Errorf("healthy outcome suggested: %+v", summary)
		}
	})
}

func TestEvaluateRulesAutoRollback(t *testing.T) {
	e, store, _, runner := setupTracker(t)
	seedRegression(t, e, store, true)

	summary, err := e.EvaluateRules(context.Background(), 7)
	if err != nil {
		t.Fatalf("EvaluateRules: %v", err)
	}
	if summary.Suggested != 1 || summary.AutoExecuted != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want 1 suggested and auto-executed", summary)
	}
	sg := store.onlySuggestion(t)
	if sg.Status != models.SuggestionStatusExecuted || sg.BatchID == "" {
		t.Errorf("suggestion = %s batch %q, want executed with a restore batch", sg.Status, sg.BatchID)
	}
	if len(runner.created) != 1 {
		t.Fatalf("restore batches created = %d, want 1", len(runner.created))
	}
	req := runner.created[0]
	if req.SourceType != models.BatchSourceRollback || req.OperationType != models.OpTypeBidAdjustment {
		t.Errorf("restore batch = %s/%s, want rollback/bid_adjustment", req.SourceType, req.OperationType)
	}
	item := req.Items[0].BidAdjustment
	if item == nil || item.TargetID != 42 || item.NewBid.StringFixed(2) != "1.00" {
		t.Errorf("restore item = %+v, want target 42 back to 1.00", item)
	}
	if !store.adjustments[1].IsRolledBack {
		t.Error("original adjustment not flagged as rolled back")
	}
}

func TestSuggestionLifecycle(t *testing.T) {
	e, store, _, _ := setupTracker(t)
	seedRegression(t, e, store, false)
	if _, err := e.EvaluateRules(context.Background(), 7); err != nil {
		t.Fatalf("EvaluateRules: %v", err)
	}
	id := store.onlySuggestion(t).ID
	ctx := context.Background()

	approved, err := e.ReviewSuggestion(ctx, id, true, "analyst")
	if err != nil {
		t.Fatalf("ReviewSuggestion: %v", err)
	}
	if approved.Status != models.SuggestionStatusApproved || approved.ReviewedBy != "analyst" {
		t.Errorf("suggestion = %+v, want approved by analyst", approved)
	}
	if _, err := e.ReviewSuggestion(ctx, id, false, "analyst"); !errs.IsConflict(err) {
		t.Errorf("double review err = %v, want Conflict", err)
	}

	executed, err := e.ExecuteSuggestion(ctx, id, "analyst")
	if err != nil {
		t.Fatalf("ExecuteSuggestion: %v", err)
	}
	if executed.Status != models.SuggestionStatusExecuted {
		t.Errorf("status = %s, want executed", executed.Status)
	}
	if !store.adjustments[1].IsRolledBack {
		t.Error("adjustment not marked rolled back")
	}
	if _, err := e.ExecuteSuggestion(ctx, id, "analyst"); !errs.IsConflict(err) {
		t.Errorf("double execute err = %v, want Conflict", err)
	}
}

func TestExecuteRequiresApproval(t *testing.T) {
	e, store, _, _ := setupTracker(t)
	seedRegression(t, e, store, false)
	if _, err := e.EvaluateRules(context.Background(), 7); err != nil {
		t.Fatalf("EvaluateRules: %v", err)
	}
	id := store.onlySuggestion(t).ID

	if _, err := e.ExecuteSuggestion(context.Background(), id, "analyst"); !errs.IsConflict(err) {
		t.Errorf("execute pending err = %v, want Conflict", err)
	}
	if _, err := e.ExecuteSuggestion(context.Background(), "nope", "analyst"); !errs.IsNotFound(err) {
		t.Errorf("execute unknown err = %v, want NotFound", err)
	}
}

func TestRejectedSuggestionNeverExecutes(t *testing.T) {
	e, store, _, runner := setupTracker(t)
	seedRegression(t, e, store, false)
	if _, err := e.EvaluateRules(context.Background(), 7); err != nil {
		t.Fatalf("EvaluateRules: %v", err)
	}
	id := store.onlySuggestion(t).ID

	rejected, err := e.ReviewSuggestion(context.Background(), id, false, "analyst")
	if err != nil {
		t.Fatalf("ReviewSuggestion: %v", err)
	}
	if rejected.Status != models.SuggestionStatusRejected {
		t.Fatalf("status = %s, want rejected", rejected.Status)
	}
	if _, err := e.ExecuteSuggestion(context.Background(), id, "analyst"); !errs.IsConflict(err) {
		t.Errorf("execute rejected err = %v, want Conflict", err)
	}
	if len(runner.created) != 0 {
		t.Errorf("restore batch created for a rejected suggestion")
	}
}

func TestFailedRestoreBatchKeepsSuggestionApproved(t *testing.T) {
	e, store, _, runner := setupTracker(t)
	seedRegression(t, e, store, false)
	if _, err := e.EvaluateRules(context.Background(), 7); err != nil {
		t.Fatalf("EvaluateRules: %v", err)
	}
	id := store.onlySuggestion(t).ID
	if _, err := e.ReviewSuggestion(context.Background(), id, true, "analyst"); err != nil {
		t.Fatalf("ReviewSuggestion: %v", err)
	}

	runner.execStatus = models.BatchStatusFailed
	_, err := e.ExecuteSuggestion(context.Background(), id, "analyst")
	if errs.KindOf(err) != errs.KindExternal {
		t.Fatalf("err = %v, want External for failed restore batch", err)
	}
	sg, _ := store.GetRollbackSuggestion(context.Background(), id)
	if sg.Status != models.SuggestionStatusApproved {
		t.Errorf("status = %s, want approved kept for retry", sg.Status)
	}
	if store.adjustments[1].IsRolledBack {
		t.Error("adjustment flagged rolled back despite failed restore")
	}

	runner.execStatus = ""
	if _, err := e.ExecuteSuggestion(context.Background(), id, "analyst"); err != nil {
		t.Fatalf("retry after restore recovery: %v", err)
	}
}

func TestCleanupHonorsRetention(t *testing.T) {
	e, store, _, _ := setupTracker(t)
	old := trackNow.AddDate(0, 0, -100)
	store.suggestions["stale-pending"] = &models.RollbackSuggestion{
		ID: "stale-pending", Status: models.SuggestionStatusPending, CreatedAt: old,
	}
	store.suggestions["stale-approved"] = &models.RollbackSuggestion{
		ID: "stale-approved", Status: models.SuggestionStatusApproved, CreatedAt: old,
	}
	store.suggestions["fresh-pending"] = &models.RollbackSuggestion{
		ID: "fresh-pending", Status: models.SuggestionStatusPending, CreatedAt: trackNow.AddDate(0, 0, -1),
	}

	removed, err := e.Cleanup(context.Background(), 0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1 (the stale pending suggestion)", removed)
	}
	if _, ok := store.suggestions["stale-approved"]; !ok {
		t.Error("approved suggestion removed; operator intent must be kept")
	}
	if _, ok := store.suggestions["fresh-pending"]; !ok {
		t.Error("fresh suggestion removed inside retention")
	}

	store.suggestions["aging-rejected"] = &models.RollbackSuggestion{
		ID: "aging-rejected", Status: models.SuggestionStatusRejected, CreatedAt: trackNow.AddDate(0, 0, -10),
	}
	removed, err = e.Cleanup(context.Background(), 5)
	if err != nil {
		t.Fatalf("Cleanup with override: %v", err)
	}
	if removed != 1 {
		t.Errorf("override removed = %d, want 1", removed)
	}
	if _, ok := store.suggestions["aging-rejected"]; ok {
		t.Error("explicit retention override not honored")
	}
}
