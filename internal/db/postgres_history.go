package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// HistoryFilter narrows ListBidAdjustments. Zero values mean "any".
type HistoryFilter struct {
	AccountID  int
	CampaignID int
	TargetID   int
	Source     string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// InsertBidAdjustment appends a history row and returns its id. The caller
// holds the target's coordination lock until this returns.
func (p *Postgres) InsertBidAdjustment(ctx context.Context, rec models.BidAdjustmentRecord) (int64, error) {
	var id int64
	err := p.DB.QueryRowContext(ctx,
		`INSERT INTO bid_adjustment_history
		        (account_id, campaign_id, target_id, target_type, previous_bid, new_bid,
		         source, reason, expected_profit_delta, coordination_id, batch_item_id,
		         applied_by, applied_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`,
		rec.AccountID, rec.CampaignID, rec.TargetID, rec.TargetType,
		rec.PreviousBid, rec.NewBid, rec.Source, nullStr(rec.Reason),
		rec.ExpectedProfitDelta, nullStr(rec.CoordinationID), nullStr(rec.BatchItemID),
		rec.AppliedBy, rec.AppliedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert bid adjustment: %w", err)
	}
	return id, nil
}

const historyColumns = `id, account_id, campaign_id, target_id, target_type,
	previous_bid, new_bid, source, COALESCE(reason, ''), expected_profit_delta,
	COALESCE(coordination_id::text, ''), COALESCE(batch_item_id::text, ''),
	applied_by, applied_at, is_rolled_back`

func scanAdjustment(scan func(dest ...interface{}) error) (models.BidAdjustmentRecord, error) {
	var rec models.BidAdjustmentRecord
	err := scan(&rec.ID, &rec.AccountID, &rec.CampaignID, &rec.TargetID, &rec.TargetType,
		&rec.PreviousBid, &rec.NewBid, &rec.Source, &rec.Reason, &rec.ExpectedProfitDelta,
		&rec.CoordinationID, &rec.BatchItemID, &rec.AppliedBy, &rec.AppliedAt, &rec.IsRolledBack)
	return rec, err
}

// GetBidAdjustment fetches one history row.
func (p *Postgres) GetBidAdjustment(ctx context.Context, id int64) (models.BidAdjustmentRecord, error) {
	row := p.DB.QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM bid_adjustment_history WHERE id = $1`, id)
	rec, err := scanAdjustment(row.Scan)
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("adjustment %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("query adjustment %d: %w", id, err)
	}
	return rec, nil
}

// ListBidAdjustments returns history rows newest first plus the unpaged total.
func (p *Postgres) ListBidAdjustments(ctx context.Context, filter HistoryFilter) ([]models.BidAdjustmentRecord, int, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.AccountID > 0 {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.CampaignID > 0 {
		add("campaign_id = $%d", filter.CampaignID)
	}
	if filter.TargetID > 0 {
		add("target_id = $%d", filter.TargetID)
	}
	if filter.Source != "" {
		add("source = $%d", filter.Source)
	}
	if !filter.Since.IsZero() {
		add("applied_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("applied_at < $%d", filter.Until)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query := `SELECT ` + historyColumns + `, COUNT(*) OVER() FROM bid_adjustment_history` + where +
		fmt.Sprintf(` ORDER BY applied_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := p.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list adjustments: %w", err)
	}
	defer rows.Close()

	var recs []models.BidAdjustmentRecord
	var total int
	for rows.Next() {
		rec, err := scanAdjustment(func(dest ...interface{}) error {
			return rows.Scan(append(dest, &total)...)
		})
		if err != nil {
			return nil, 0, fmt.Errorf("scan adjustment: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, total, rows.Err()
}

// LatestAdjustmentForTarget returns the most recent non-rolled-back change,
// or ErrNotFound when the target has no history.
func (p *Postgres) LatestAdjustmentForTarget(ctx context.Context, accountID, targetID int) (models.BidAdjustmentRecord, error) {
	row := p.DB.QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM bid_adjustment_history
		 WHERE account_id = $1 AND target_id = $2 AND is_rolled_back = FALSE
		 ORDER BY applied_at DESC, id DESC LIMIT 1`, accountID, targetID)
	rec, err := scanAdjustment(row.Scan)
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("target %d history: %w", targetID, models.ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("query latest adjustment: %w", err)
	}
	return rec, nil
}

// MarkAdjustmentRolledBack flags a history row after its restore batch
// completed. The restore itself is a new history row with source rollback.
func (p *Postgres) MarkAdjustmentRolledBack(ctx context.Context, id int64) error {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE bid_adjustment_history SET is_rolled_back = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark adjustment %d rolled back: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("adjustment %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// InsertEffectTracking opens the measurement record for an adjustment.
func (p *Postgres) InsertEffectTracking(ctx context.Context, rec models.EffectTrackingRecord) (int64, error) {
	var id int64
	err := p.DB.QueryRowContext(ctx,
		`INSERT INTO effect_tracking
		        (adjustment_id, account_id, campaign_id, target_id, estimated_profit_delta,
		         baseline_impressions, baseline_clicks, baseline_spend, baseline_sales, baseline_orders,
		         created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		rec.AdjustmentID, rec.AccountID, rec.CampaignID, rec.TargetID, rec.EstimatedProfitDelta,
		rec.BaselineImpressions, rec.BaselineClicks, rec.BaselineSpend, rec.BaselineSales,
		rec.BaselineOrders, rec.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert effect tracking: %w", err)
	}
	return id, nil
}

const effectColumns = `id, adjustment_id, account_id, campaign_id, target_id,
	estimated_profit_delta, baseline_impressions, baseline_clicks, baseline_spend,
	baseline_sales, baseline_orders, actual_profit_7d, actual_profit_14d, actual_profit_30d,
	actual_spend_7d, actual_clicks_7d, actual_conversions_7d, tracked_at, created_at`

func scanEffect(scan func(dest ...interface{}) error) (models.EffectTrackingRecord, error) {
	var rec models.EffectTrackingRecord
	var trackedAt sql.NullTime
	err := scan(&rec.ID, &rec.AdjustmentID, &rec.AccountID, &rec.CampaignID, &rec.TargetID,
		&rec.EstimatedProfitDelta, &rec.BaselineImpressions, &rec.BaselineClicks, &rec.BaselineSpend,
		&rec.BaselineSales, &rec.BaselineOrders, &rec.ActualProfit7D, &rec.ActualProfit14D,
		&rec.ActualProfit30D, &rec.ActualSpend7D, &rec.ActualClicks7D, &rec.ActualConversions7D,
		&trackedAt, &rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	rec.TrackedAt = timePtr(trackedAt)
	return rec, nil
}

// GetEffectByAdjustment fetches the measurement record for one adjustment.
func (p *Postgres) GetEffectByAdjustment(ctx context.Context, adjustmentID int64) (models.EffectTrackingRecord, error) {
	row := p.DB.QueryRowContext(ctx,
		`SELECT `+effectColumns+` FROM effect_tracking WHERE adjustment_id = $1`, adjustmentID)
	rec, err := scanEffect(row.Scan)
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("effect tracking for adjustment %d: %w", adjustmentID, models.ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("query effect tracking: %w", err)
	}
	return rec, nil
}

// DueEffectRecords returns records whose horizon has elapsed but has not been
// measured yet. Horizon must be 7, 14 or 30.
func (p *Postgres) DueEffectRecords(ctx context.Context, horizonDays int, asOf time.Time, limit int) ([]models.EffectTrackingRecord, error) {
	col, err := horizonColumn(horizonDays)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	cutoff := asOf.AddDate(0, 0, -horizonDays)
	rows, err := p.DB.QueryContext(ctx,
		`SELECT `+effectColumns+` FROM effect_tracking
		 WHERE `+col+` IS NULL AND created_at <= $1
		 ORDER BY created_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query due effect records: %w", err)
	}
	defer rows.Close()

	var recs []models.EffectTrackingRecord
	for rows.Next() {
		rec, err := scanEffect(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan effect record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpdateEffectActuals writes the measured profit for one horizon. The 7-day
// pass also records realized volume for rule sample-count checks.
func (p *Postgres) UpdateEffectActuals(ctx context.Context, id int64, horizonDays int,
	profit decimal.Decimal, spend decimal.Decimal, clicks, conversions int64) error {

	col, err := horizonColumn(horizonDays)
	if err != nil {
		return err
	}
	var res sql.Result
	if horizonDays == 7 {
		res, err = p.DB.ExecContext(ctx,
			`UPDATE effect_tracking
			 SET `+col+` = $1, actual_spend_7d = $2, actual_clicks_7d = $3,
			     actual_conversions_7d = $4, tracked_at = NOW()
			 WHERE id = $5`,
			profit, spend, clicks, conversions, id)
	} else {
		res, err = p.DB.ExecContext(ctx,
			`UPDATE effect_tracking SET `+col+` = $1, tracked_at = NOW() WHERE id = $2`,
			profit, id)
	}
	if err != nil {
		return fmt.Errorf("update effect record %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("effect record %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// MeasuredEffects returns records with a measured value at the horizon,
// newest first, for rollback rule evaluation.
func (p *Postgres) MeasuredEffects(ctx context.Context, accountID, horizonDays int, since time.Time, limit int) ([]models.EffectTrackingRecord, error) {
	col, err := horizonColumn(horizonDays)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.DB.QueryContext(ctx,
		`SELECT `+effectColumns+` FROM effect_tracking
		 WHERE account_id = $1 AND `+col+` IS NOT NULL AND created_at >= $2
		 ORDER BY created_at DESC LIMIT $3`, accountID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query measured effects: %w", err)
	}
	defer rows.Close()

	var recs []models.EffectTrackingRecord
	for rows.Next() {
		rec, err := scanEffect(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan effect record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// EffectStats aggregates estimate quality at one horizon. Accuracy per row is
// 1 - |actual-estimate| / max(|estimate|, eps), clipped to [0,1].
func (p *Postgres) EffectStats(ctx context.Context, accountID, horizonDays int, since time.Time, eps float64) (models.EffectStats, error) {
	col, err := horizonColumn(horizonDays)
	if err != nil {
		return models.EffectStats{}, err
	}
	stats := models.EffectStats{Horizon: horizonDays}
	err = p.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FILTER (WHERE `+col+` IS NOT NULL),
		        COUNT(*) FILTER (WHERE `+col+` IS NULL),
		        COALESCE(AVG(GREATEST(0, 1 - ABS(`+col+` - estimated_profit_delta) /
		                GREATEST(ABS(estimated_profit_delta), $3))) FILTER (WHERE `+col+` IS NOT NULL), 0),
		        COUNT(*) FILTER (WHERE `+col+` >= estimated_profit_delta),
		        COUNT(*) FILTER (WHERE `+col+` < estimated_profit_delta),
		        COALESCE(SUM(estimated_profit_delta) FILTER (WHERE `+col+` IS NOT NULL), 0),
		        COALESCE(SUM(`+col+`), 0),
		        COUNT(*) FILTER (WHERE b.is_rolled_back)
		 FROM effect_tracking e
		 JOIN bid_adjustment_history b ON b.id = e.adjustment_id
		 WHERE e.account_id = $1 AND e.created_at >= $2`,
		accountID, since, eps).
		Scan(&stats.TrackedCount, &stats.PendingCount, &stats.AvgAccuracy,
			&stats.ImprovedCount, &stats.RegressedCount,
			&stats.TotalEstimated, &stats.TotalActual, &stats.RolledBackCount)
	if err != nil {
		return models.EffectStats{}, fmt.Errorf("effect stats: %w", err)
	}
	return stats, nil
}

func horizonColumn(days int) (string, error) {
	switch days {
	case 7:
		return "actual_profit_7d", nil
	case 14:
		return "actual_profit_14d", nil
	case 30:
		return "actual_profit_30d", nil
	default:
		return "", fmt.Errorf("unsupported tracking horizon %d", days)
	}
}
