package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform"
)

// Execute runs a batch's items sequentially. Item failures are recorded and
// never abort the run; context cancellation skips the remaining items. The
// batch lands on failed only when every item failed.
func (m *Machine) Execute(ctx context.Context, id, by string) (*models.BatchOperation, error) {
	ok, err := m.Store.StartBatchExecution(ctx, id, by)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "start batch execution", err)
	}
	if !ok {
		return nil, m.transitionConflict(ctx, id, "execute", "approved (or pending without approval gate)")
	}

	op, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := m.Store.BatchItems(ctx, id)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "load batch items", err)
	}

	var success, failed, skipped int
	for i := range items {
		item := &items[i]
		if item.Status != models.ItemStatusPending {
			// Re-run after a crash: completed items keep their outcome.
			switch item.Status {
			case models.ItemStatusSuccess:
				success++
			case models.ItemStatusFailed:
				failed++
			default:
				skipped++
			}
			continue
		}
		if ctx.Err() != nil {
			item.Status = models.ItemStatusSkipped
			item.ErrorMessage = "execution cancelled before this item ran"
			skipped++
			m.persistItem(ctx, item)
			continue
		}

		snapshot, execErr := m.executeItem(ctx, op, item)
		now := m.now().UTC()
		item.ExecutedAt = &now
		if execErr != nil {
			item.Status = models.ItemStatusFailed
			item.ErrorMessage = execErr.Error()
			failed++
			zap.L().Warn("batch item failed",
				zap.String("batch_id", id),
				zap.String("item_id", item.ID),
				zap.Int("seq", item.Seq),
				zap.Error(execErr))
		} else {
			item.Status = models.ItemStatusSuccess
			item.Snapshot = snapshot
			success++
		}
		m.Metrics.IncrementBatchItems(item.Status)
		m.persistItem(ctx, item)
	}

	final := models.BatchStatusCompleted
	if failed == len(items) && len(items) > 0 {
		final = models.BatchStatusFailed
	}
	if _, err := m.Store.FinishBatch(ctx, id, final, success, failed, skipped); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "finish batch", err)
	}
	m.Metrics.IncrementBatchExecutions(final)
	zap.L().Info("batch executed",
		zap.String("batch_id", id),
		zap.String("status", final),
		zap.Int("success", success),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped))
	return m.get(ctx, id)
}

// persistItem records an item outcome; persistence failures are logged, the
// in-memory counters already carry the truth for FinishBatch.
func (m *Machine) persistItem(ctx context.Context, item *models.BatchOperationItem) {
	if err := m.Store.UpdateBatchItem(ctx, *item); err != nil {
		zap.L().Error("batch item update failed",
			zap.String("batch_id", item.BatchID),
			zap.String("item_id", item.ID),
			zap.Error(err))
	}
}

// executeItem dispatches one item to the platform and builds its rollback
// snapshot. Local mirrors are refreshed on success; mirror failures only log
// because the authoritative write already landed.
func (m *Machine) executeItem(ctx context.Context, op *models.BatchOperation, item *models.BatchOperationItem) (*models.RollbackSnapshot, error) {
	token := platform.IdempotencyToken(item.ID, 0)

	switch op.OperationType {
	case models.OpTypeBidAdjustment:
		p := item.Payload.BidAdjustment
		if p == nil {
			return nil, fmt.Errorf("item %s has no bid_adjustment payload", item.ID)
		}
		target := m.Data.GetTarget(op.AccountID, p.TargetID)
		if target == nil {
			return nil, fmt.Errorf("target %d no longer exists", p.TargetID)
		}
		original := target.CurrentBid
		if err := m.Platform.UpdateTargetBid(ctx, op.AccountID, p.TargetID, p.NewBid, token); err != nil {
			return nil, fmt.Errorf("update bid: %w", err)
		}
		if err := m.Data.UpdateTargetBid(op.AccountID, p.TargetID, p.NewBid); err != nil {
			zap.L().Warn("store bid refresh failed", zap.Int("target_id", p.TargetID), zap.Error(err))
		}
		m.recordAdjustment(ctx, op, item, target, original, p)
		return &models.RollbackSnapshot{
			RestoreBid: &models.RestoreBidSnapshot{TargetID: p.TargetID, OriginalBid: original},
		}, nil

	case models.OpTypeNegativeKeyword:
		p := item.Payload.NegativeKeyword
		if p == nil {
			return nil, fmt.Errorf("item %s has no negative_keyword payload", item.ID)
		}
		negativeID, err := m.Platform.CreateNegativeKeyword(ctx, op.AccountID, *p, token)
		if err != nil {
			return nil, fmt.Errorf("create negative keyword: %w", err)
		}
		return &models.RollbackSnapshot{
			RemoveNegative: &models.RemoveNegativeSnapshot{
				NegativeID:  negativeID,
				CampaignID:  p.CampaignID,
				AdGroupID:   p.AdGroupID,
				KeywordText: p.KeywordText,
				MatchType:   p.MatchType,
			},
		}, nil

	case models.OpTypeKeywordMigration:
		p := item.Payload.KeywordMigration
		if p == nil {
			return nil, fmt.Errorf("item %s has no keyword_migration payload", item.ID)
		}
		createToken := platform.IdempotencyToken(item.ID+"/create", 0)
		createdID, err := m.Platform.CreateKeyword(ctx, op.AccountID, p.DestAdGroupID, p.KeywordText, p.DestMatchType, p.Bid, createToken)
		if err != nil {
			return nil, fmt.Errorf("create keyword in ad group %d: %w", p.DestAdGroupID, err)
		}
		negateToken := platform.IdempotencyToken(item.ID+"/negate", 0)
		negativeID, err := m.Platform.CreateNegativeKeyword(ctx, op.AccountID, models.NegativeKeywordPayload{
			AdGroupID:   p.SourceAdGroupID,
			KeywordText: p.KeywordText,
			MatchType:   models.MatchTypeExact,
		}, negateToken)
		if err != nil {
			return nil, fmt.Errorf("negate source after creating keyword %s: %w", createdID, err)
		}
		return &models.RollbackSnapshot{
			UndoMigration: &models.UndoMigrationSnapshot{
				CreatedKeywordID: createdID,
				NegativeID:       negativeID,
				SourceAdGroupID:  p.SourceAdGroupID,
				DestAdGroupID:    p.DestAdGroupID,
			},
		}, nil

	case models.OpTypeCampaignStatus:
		p := item.Payload.CampaignStatus
		if p == nil {
			return nil, fmt.Errorf("item %s has no campaign_status payload", item.ID)
		}
		campaign := m.Data.GetCampaign(op.AccountID, p.CampaignID)
		if campaign == nil {
			return nil, fmt.Errorf("campaign %d no longer exists", p.CampaignID)
		}
		original := campaign.Status
		if err := m.Platform.SetCampaignStatus(ctx, op.AccountID, p.CampaignID, p.NewStatus, token); err != nil {
			return nil, fmt.Errorf("set campaign status: %w", err)
		}
		if err := m.Data.UpdateCampaignStatus(op.AccountID, p.CampaignID, p.NewStatus); err != nil {
			zap.L().Warn("store status refresh failed", zap.Int("campaign_id", p.CampaignID), zap.Error(err))
		}
		return &models.RollbackSnapshot{
			RestoreStatus: &models.RestoreStatusSnapshot{CampaignID: p.CampaignID, OriginalStatus: original},
		}, nil
	}
	return nil, fmt.Errorf("unknown operation type %q", op.OperationType)
}

// recordAdjustment writes the history row for an executed bid item and opens
// effect tracking on it. Both are best-effort: the bid is already live.
func (m *Machine) recordAdjustment(ctx context.Context, op *models.BatchOperation, item *models.BatchOperationItem, target *models.Target, original decimal.Decimal, p *models.BidAdjustmentPayload) {
	source := models.AdjustSourceBatchCampaign
	if op.SourceType == models.BatchSourceRollback {
		source = models.AdjustSourceRollback
	}
	rec := models.BidAdjustmentRecord{
		AccountID:           op.AccountID,
		CampaignID:          target.CampaignID,
		TargetID:            target.ID,
		TargetType:          target.TargetType,
		PreviousBid:         original,
		NewBid:              p.NewBid,
		Source:              source,
		Reason:              p.Reason,
		ExpectedProfitDelta: p.ExpectedProfitDelta,
		BatchItemID:         item.ID,
		AppliedBy:           op.Owner,
		AppliedAt:           m.now().UTC(),
	}
	id, err := m.Store.InsertBidAdjustment(ctx, rec)
	if err != nil {
		zap.L().Error("bid adjustment history insert failed",
			zap.String("item_id", item.ID),
			zap.Int("target_id", target.ID),
			zap.Error(err))
		return
	}
	rec.ID = id
	// Restore batches carry no estimate to score; they are not tracked.
	if m.Tracking != nil && source != models.AdjustSourceRollback {
		if err := m.Tracking.OpenForAdjustment(ctx, rec); err != nil {
			zap.L().Warn("effect tracking open failed",
				zap.Int64("adjustment_id", id),
				zap.Error(err))
		}
	}
}

// Rollback reverses a completed batch from its item snapshots. Legal only
// from completed, inside the rollback window, and only items that succeeded
// with a snapshot are reversed. The batch moves to rolled_back when every
// reversal lands; partial reversals leave it completed so the rollback can
// be retried.
func (m *Machine) Rollback(ctx context.Context, id, by string) (*models.BatchOperation, error) {
	op, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status != models.BatchStatusCompleted {
		return nil, errs.Newf(errs.KindConflict, "cannot roll back batch %s: status is %s, completed required", id, op.Status)
	}
	if op.CompletedAt == nil || m.now().Sub(*op.CompletedAt) > m.RollbackWindow {
		return nil, errs.Newf(errs.KindConflict, "batch %s is outside the %s rollback window", id, m.RollbackWindow)
	}

	items, err := m.Store.BatchItems(ctx, id)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "load batch items", err)
	}
	reversible := 0
	for i := range items {
		if items[i].Status == models.ItemStatusSuccess && items[i].Snapshot != nil {
			reversible++
		}
	}
	if reversible == 0 {
		return nil, errs.Newf(errs.KindConflict, "batch %s has no reversible items", id)
	}

	var reversed, failed int
	for i := range items {
		item := &items[i]
		if item.Status != models.ItemStatusSuccess || item.Snapshot == nil {
			continue
		}
		if err := m.reverseItem(ctx, op, item); err != nil {
			failed++
			zap.L().Warn("rollback item failed",
				zap.String("batch_id", id),
				zap.String("item_id", item.ID),
				zap.Error(err))
			continue
		}
		item.Status = models.ItemStatusRolledBack
		reversed++
		m.persistItem(ctx, item)
	}

	if failed > 0 {
		return nil, errs.Newf(errs.KindExternal, "rolled back %d of %d items; batch stays completed for retry", reversed, reversible)
	}
	if _, err := m.Store.MarkBatchRolledBack(ctx, id); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "mark batch rolled back", err)
	}
	m.Metrics.IncrementBatchExecutions(models.BatchStatusRolledBack)
	zap.L().Info("batch rolled back",
		zap.String("batch_id", id),
		zap.String("by", by),
		zap.Int("items", reversed))
	return m.get(ctx, id)
}

// reverseItem applies one snapshot. Tokens are derived from the item id with
// a rollback suffix, so a retried rollback cannot double-apply.
func (m *Machine) reverseItem(ctx context.Context, op *models.BatchOperation, item *models.BatchOperationItem) error {
	s := item.Snapshot
	token := platform.IdempotencyToken(item.ID+"/rollback", 0)

	switch {
	case s.RestoreBid != nil:
		r := s.RestoreBid
		current := decimal.Zero
		if target := m.Data.GetTarget(op.AccountID, r.TargetID); target != nil {
			current = target.CurrentBid
		}
		if err := m.Platform.UpdateTargetBid(ctx, op.AccountID, r.TargetID, r.OriginalBid, token); err != nil {
			return fmt.Errorf("restore bid: %w", err)
		}
		if err := m.Data.UpdateTargetBid(op.AccountID, r.TargetID, r.OriginalBid); err != nil {
			zap.L().Warn("store bid refresh failed", zap.Int("target_id", r.TargetID), zap.Error(err))
		}
		rec := models.BidAdjustmentRecord{
			AccountID:   op.AccountID,
			TargetID:    r.TargetID,
			PreviousBid: current,
			NewBid:      r.OriginalBid,
			Source:      models.AdjustSourceRollback,
			Reason:      fmt.Sprintf("rollback of batch %s", op.ID),
			BatchItemID: item.ID,
			AppliedBy:   op.Owner,
			AppliedAt:   m.now().UTC(),
		}
		if target := m.Data.GetTarget(op.AccountID, r.TargetID); target != nil {
			rec.CampaignID = target.CampaignID
			rec.TargetType = target.TargetType
		}
		if _, err := m.Store.InsertBidAdjustment(ctx, rec); err != nil {
			zap.L().Warn("rollback history insert failed", zap.Int("target_id", r.TargetID), zap.Error(err))
		}
		return nil

	case s.RemoveNegative != nil:
		if err := m.Platform.RemoveNegativeKeyword(ctx, op.AccountID, s.RemoveNegative.NegativeID, token); err != nil {
			return fmt.Errorf("remove negative keyword: %w", err)
		}
		return nil

	case s.UndoMigration != nil:
		u := s.UndoMigration
		removeToken := platform.IdempotencyToken(item.ID+"/rollback-kw", 0)
		if err := m.Platform.RemoveKeyword(ctx, op.AccountID, u.CreatedKeywordID, removeToken); err != nil {
			return fmt.Errorf("remove migrated keyword: %w", err)
		}
		if err := m.Platform.RemoveNegativeKeyword(ctx, op.AccountID, u.NegativeID, token); err != nil {
			return fmt.Errorf("remove migration negative: %w", err)
		}
		return nil

	case s.RestoreStatus != nil:
		r := s.RestoreStatus
		if err := m.Platform.SetCampaignStatus(ctx, op.AccountID, r.CampaignID, r.OriginalStatus, token); err != nil {
			return fmt.Errorf("restore campaign status: %w", err)
		}
		if err := m.Data.UpdateCampaignStatus(op.AccountID, r.CampaignID, r.OriginalStatus); err != nil {
			zap.L().Warn("store status refresh failed", zap.Int("campaign_id", r.CampaignID), zap.Error(err))
		}
		return nil
	}
	return fmt.Errorf("item %s has an empty snapshot", item.ID)
}

// Per-item execution estimates by operation type. Migration issues two
// platform calls per item.
var itemDurations = map[string]time.Duration{
	models.OpTypeBidAdjustment:    400 * time.Millisecond,
	models.OpTypeNegativeKeyword:  400 * time.Millisecond,
	models.OpTypeKeywordMigration: 900 * time.Millisecond,
	models.OpTypeCampaignStatus:   400 * time.Millisecond,
}

// EstimateDuration predicts how long a batch of the given size will take to
// execute, for review UIs. Estimates assume sequential execution under the
// normal rate budget.
func EstimateDuration(itemCount int, opType string) time.Duration {
	if itemCount <= 0 {
		return 0
	}
	per, ok := itemDurations[opType]
	if !ok {
		per = 500 * time.Millisecond
	}
	return 2*time.Second + time.Duration(itemCount)*per
}
