package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/batch"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// evalWindowDays bounds how far past its horizon a measured record is still
// re-scored. Older matches were either already suggested (the unique
// (rule, adjustment) pair absorbs re-runs) or aged out of interest.
const evalWindowDays = 30

// BatchRunner creates and executes the restore batch behind an executed
// suggestion. *batch.Machine satisfies it.
type BatchRunner interface {
	Create(ctx context.Context, req batch.CreateRequest) (*models.BatchOperation, error)
	Execute(ctx context.Context, id, by string) (*models.BatchOperation, error)
}

// Rules lists an account's rollback rules, global rules included.
func (e *Engine) Rules(ctx context.Context, accountID int) ([]models.RollbackRule, error) {
	rules, err := e.Store.ListRollbackRules(ctx, accountID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list rollback rules", err)
	}
	return rules, nil
}

// CreateRule validates and stores a new rule at version 1.
func (e *Engine) CreateRule(ctx context.Context, rule models.RollbackRule) (models.RollbackRule, error) {
	if err := validateRule(&rule); err != nil {
		return models.RollbackRule{}, err
	}
	id, err := e.Store.CreateRollbackRule(ctx, rule)
	if err != nil {
		return models.RollbackRule{}, errs.Wrap(errs.KindInternal, "create rollback rule", err)
	}
	created, err := e.Store.GetRollbackRule(ctx, id)
	if err != nil {
		return models.RollbackRule{}, errs.Wrap(errs.KindInternal, "load created rule", err)
	}
	zap.L().Info("rollback rule created",
		zap.Int("rule_id", created.ID),
		zap.String("name", created.Name),
		zap.Float64("threshold_pct", created.Conditions.ProfitThresholdPct),
		zap.Int("horizon_days", created.Conditions.MinTrackingDays))
	return created, nil
}

// UpdateRule replaces a rule's definition and bumps its version. Existing
// suggestions keep the version they were evaluated under.
func (e *Engine) UpdateRule(ctx context.Context, rule models.RollbackRule) (models.RollbackRule, error) {
	if rule.ID <= 0 {
		return models.RollbackRule{}, errs.New(errs.KindValidation, "rule update needs an id")
	}
	if err := validateRule(&rule); err != nil {
		return models.RollbackRule{}, err
	}
	version, err := e.Store.UpdateRollbackRule(ctx, rule)
	if errors.Is(err, models.ErrNotFound) {
		return models.RollbackRule{}, errs.Wrap(errs.KindNotFound, "update rollback rule", err)
	}
	if err != nil {
		return models.RollbackRule{}, errs.Wrap(errs.KindInternal, "update rollback rule", err)
	}
	rule.Version = version
	return rule, nil
}

func validateRule(rule *models.RollbackRule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return errs.New(errs.KindValidation, "rule needs a name")
	}
	if rule.Conditions.ProfitThresholdPct <= 0 {
		return errs.New(errs.KindValidation, "profit threshold must be positive")
	}
	if !validHorizon(rule.Conditions.MinTrackingDays) {
		return errs.Newf(errs.KindValidation, "min tracking days must be one of %v, got %d",
			Horizons, rule.Conditions.MinTrackingDays)
	}
	if rule.Conditions.MinSampleCount < 0 {
		return errs.New(errs.KindValidation, "min sample count cannot be negative")
	}
	switch rule.Actions.Priority {
	case "":
		rule.Actions.Priority = models.RulePriorityMedium
	case models.RulePriorityHigh, models.RulePriorityMedium, models.RulePriorityLow:
	default:
		return errs.Newf(errs.KindValidation, "unknown priority %q", rule.Actions.Priority)
	}
	return nil
}

// EvaluationSummary reports one rule-evaluation pass.
type EvaluationSummary struct {
	AccountID    int `json:"account_id"`
	Rules        int `json:"rules"`
	Checked      int `json:"checked"`
	Suggested    int `json:"suggested"`
	AutoExecuted int `json:"auto_executed"`
	Failed       int `json:"failed"`
}

// EvaluateRules scores the account's measured adjustments against its active
// rollback rules. A match inserts a pending suggestion; auto-rollback rules
// approve and execute it in the same pass. Per-record failures are logged
// and never abort the evaluation.
func (e *Engine) EvaluateRules(ctx context.Context, accountID int) (EvaluationSummary, error) {
	summary := EvaluationSummary{AccountID: accountID}
	rules, err := e.Store.ActiveRollbackRules(ctx, accountID)
	if err != nil {
		return summary, errs.Wrap(errs.KindInternal, "load rollback rules", err)
	}
	summary.Rules = len(rules)
	now := e.now().UTC()
	eps := e.Params.Current().AccuracyEpsilon

	for _, rule := range rules {
		horizon := rule.Conditions.MinTrackingDays
		if !validHorizon(horizon) {
			zap.L().Warn("rollback rule has no usable horizon",
				zap.Int("rule_id", rule.ID),
				zap.Int("min_tracking_days", horizon))
			continue
		}
		since := now.AddDate(0, 0, -(horizon + evalWindowDays))
		recs, err := e.Store.MeasuredEffects(ctx, accountID, horizon, since, 0)
		if err != nil {
			return summary, errs.Wrap(errs.KindInternal,
				fmt.Sprintf("load measured effects for rule %d", rule.ID), err)
		}
		for i := range recs {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			summary.Checked++
			created, executed, err := e.evaluateRecord(ctx, rule, &recs[i], eps, now)
			if created {
				summary.Suggested++
			}
			if executed {
				summary.AutoExecuted++
			}
			if err != nil {
				summary.Failed++
				zap.L().Warn("rule evaluation failed for record",
					zap.Int("rule_id", rule.ID),
					zap.Int64("adjustment_id", recs[i].AdjustmentID),
					zap.Error(err))
			}
		}
	}
	return summary, nil
}

// evaluateRecord applies one rule to one measured record.
func (e *Engine) evaluateRecord(ctx context.Context, rule models.RollbackRule, rec *models.EffectTrackingRecord, eps float64, now time.Time) (created, executed bool, err error) {
	horizon := rule.Conditions.MinTrackingDays
	actual := rec.ActualProfitFor(horizon)
	if !actual.Valid {
		return false, false, nil
	}
	if rec.ActualClicks7D < int64(rule.Conditions.MinSampleCount) {
		return false, false, nil
	}
	adj, err := e.Store.GetBidAdjustment(ctx, rec.AdjustmentID)
	if err != nil {
		return false, false, fmt.Errorf("load adjustment %d: %w", rec.AdjustmentID, err)
	}
	if adj.IsRolledBack {
		return false, false, nil
	}
	if !rule.Conditions.IncludeNegativeAdjustments && adj.Direction() < 0 {
		return false, false, nil
	}

	est := rec.EstimatedProfitDelta
	denom := math.Max(est.Abs().InexactFloat64(), eps)
	dropPct := actual.Decimal.Sub(est).InexactFloat64() / denom
	if dropPct > -rule.Conditions.ProfitThresholdPct/100 {
		return false, false, nil
	}

	priority := rule.Actions.Priority
	if priority == "" {
		priority = models.RulePriorityMedium
	}
	suggestion := models.RollbackSuggestion{
		ID:              uuid.NewString(),
		RuleID:          rule.ID,
		RuleVersion:     rule.Version,
		AdjustmentID:    rec.AdjustmentID,
		AccountID:       rec.AccountID,
		CampaignID:      rec.CampaignID,
		TargetID:        rec.TargetID,
		Horizon:         horizon,
		EstimatedProfit: est,
		ActualProfit:    actual.Decimal,
		DropPct:         dropPct,
		Priority:        priority,
		Reason: fmt.Sprintf("profit %s vs estimated %s at %dd (%.0f%% below estimate), rule %q",
			actual.Decimal.StringFixed(2), est.StringFixed(2), horizon, -dropPct*100, rule.Name),
		Status:    models.SuggestionStatusPending,
		CreatedAt: now,
	}
	inserted, err := e.Store.InsertRollbackSuggestion(ctx, suggestion)
	if err != nil {
		return false, false, fmt.Errorf("insert suggestion: %w", err)
	}
	if !inserted {
		// This rule already suggested this adjustment on an earlier pass.
		return false, false, nil
	}
	e.Metrics.IncrementRollbackSuggestions(priority)
	zap.L().Info("rollback suggested",
		zap.String("suggestion_id", suggestion.ID),
		zap.Int("rule_id", rule.ID),
		zap.Int64("adjustment_id", rec.AdjustmentID),
		zap.Int("target_id", rec.TargetID),
		zap.Float64("drop_pct", dropPct),
		zap.String("priority", priority))

	if !rule.Actions.AutoRollback {
		return true, false, nil
	}
	if _, err := e.ReviewSuggestion(ctx, suggestion.ID, true, "auto-rollback"); err != nil {
		return true, false, fmt.Errorf("auto-approve suggestion %s: %w", suggestion.ID, err)
	}
	if _, err := e.ExecuteSuggestion(ctx, suggestion.ID, "auto-rollback"); err != nil {
		return true, false, fmt.Errorf("auto-execute suggestion %s: %w", suggestion.ID, err)
	}
	return true, true, nil
}

// ReviewSuggestion resolves a pending suggestion. Approval does not execute
// it; execution is a separate, auditable step.
func (e *Engine) ReviewSuggestion(ctx context.Context, id string, approve bool, by string) (models.RollbackSuggestion, error) {
	status := models.SuggestionStatusRejected
	if approve {
		status = models.SuggestionStatusApproved
	}
	ok, err := e.Store.ReviewRollbackSuggestion(ctx, id, status, by)
	if err != nil {
		return models.RollbackSuggestion{}, errs.Wrap(errs.KindInternal, "review suggestion", err)
	}
	if !ok {
		s, err := e.getSuggestion(ctx, id)
		if err != nil {
			return models.RollbackSuggestion{}, err
		}
		return models.RollbackSuggestion{}, errs.Newf(errs.KindConflict,
			"suggestion %s is %s, not pending", id, s.Status)
	}
	return e.getSuggestion(ctx, id)
}

// ExecuteSuggestion restores the adjustment's previous bid through a
// single-item batch and marks the original history row rolled back. Legal
// only from approved.
func (e *Engine) ExecuteSuggestion(ctx context.Context, id, by string) (models.RollbackSuggestion, error) {
	s, err := e.getSuggestion(ctx, id)
	if err != nil {
		return models.RollbackSuggestion{}, err
	}
	if s.Status != models.SuggestionStatusApproved {
		return models.RollbackSuggestion{}, errs.Newf(errs.KindConflict,
			"suggestion %s is %s, not approved", id, s.Status)
	}
	adj, err := e.Store.GetBidAdjustment(ctx, s.AdjustmentID)
	if err != nil {
		return models.RollbackSuggestion{}, errs.Wrap(errs.KindInternal, "load adjustment", err)
	}
	if adj.IsRolledBack {
		return models.RollbackSuggestion{}, errs.Newf(errs.KindConflict,
			"adjustment %d is already rolled back", adj.ID)
	}
	if e.Batches == nil {
		return models.RollbackSuggestion{}, errs.New(errs.KindInternal, "no batch runner configured")
	}

	op, err := e.Batches.Create(ctx, batch.CreateRequest{
		AccountID:     s.AccountID,
		Owner:         by,
		OperationType: models.OpTypeBidAdjustment,
		Name:          fmt.Sprintf("restore target %d bid", s.TargetID),
		Description:   fmt.Sprintf("rollback suggestion %s: %s", s.ID, s.Reason),
		SourceType:    models.BatchSourceRollback,
		Items: []models.BatchItemPayload{{BidAdjustment: &models.BidAdjustmentPayload{
			TargetID: s.TargetID,
			NewBid:   adj.PreviousBid,
			Reason:   fmt.Sprintf("restore pre-adjustment bid per rule %d", s.RuleID),
		}}},
	})
	if err != nil {
		return models.RollbackSuggestion{}, errs.Wrap(errs.KindOf(err), "create restore batch", err)
	}
	done, err := e.Batches.Execute(ctx, op.ID, by)
	if err != nil {
		return models.RollbackSuggestion{}, errs.Wrap(errs.KindOf(err), "execute restore batch", err)
	}
	if done.Status != models.BatchStatusCompleted || done.SuccessItems == 0 {
		return models.RollbackSuggestion{}, errs.Newf(errs.KindExternal,
			"restore batch %s finished %s; suggestion stays approved for retry", done.ID, done.Status)
	}

	if ok, err := e.Store.MarkSuggestionExecuted(ctx, id, done.ID); err != nil {
		return models.RollbackSuggestion{}, errs.Wrap(errs.KindInternal, "mark suggestion executed", err)
	} else if !ok {
		return models.RollbackSuggestion{}, errs.Newf(errs.KindConflict,
			"suggestion %s was concurrently resolved", id)
	}
	if err := e.Store.MarkAdjustmentRolledBack(ctx, adj.ID); err != nil {
		zap.L().Error("adjustment rollback flag not set",
			zap.Int64("adjustment_id", adj.ID),
			zap.Error(err))
	}
	zap.L().Info("rollback suggestion executed",
		zap.String("suggestion_id", id),
		zap.String("batch_id", done.ID),
		zap.Int("target_id", s.TargetID),
		zap.String("restored_bid", adj.PreviousBid.StringFixed(2)))
	return e.getSuggestion(ctx, id)
}

// Cleanup removes resolved suggestions older than the retention window.
// retentionDays <= 0 selects the configured retention. Approved but
// unexecuted suggestions are kept regardless of age.
func (e *Engine) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	days := retentionDays
	if days <= 0 {
		days = e.Params.Current().SuggestionRetentionDays
	}
	if days <= 0 {
		days = 90
	}
	cutoff := e.now().UTC().AddDate(0, 0, -days)
	n, err := e.Store.CleanupSuggestions(ctx, cutoff)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "cleanup suggestions", err)
	}
	if n > 0 {
		zap.L().Info("rollback suggestions cleaned up",
			zap.Int64("removed", n),
			zap.Time("cutoff", cutoff))
	}
	return n, nil
}

func (e *Engine) getSuggestion(ctx context.Context, id string) (models.RollbackSuggestion, error) {
	s, err := e.Store.GetRollbackSuggestion(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return s, errs.Wrap(errs.KindNotFound, "suggestion", err)
	}
	if err != nil {
		return s, errs.Wrap(errs.KindInternal, "load suggestion", err)
	}
	return s, nil
}
