package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// InsertCoordinationAudit stores one coordination decision, proposals and
// all. Rows are append-only.
func (p *Postgres) InsertCoordinationAudit(ctx context.Context, res models.CoordinationResult) error {
	proposals, err := json.Marshal(res.Proposals)
	if err != nil {
		return fmt.Errorf("marshal proposals: %w", err)
	}
	_, err = p.DB.ExecContext(ctx,
		`INSERT INTO coordination_audit
		        (id, account_id, campaign_id, target_id, original_bid, final_bid,
		         theoretical_max_cpc, effective_multiplier, proposals,
		         circuit_breaker_tripped, reason, warnings, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		res.ID, res.AccountID, res.CampaignID, res.TargetID, res.OriginalBid, res.FinalBid,
		res.TheoreticalMaxCPC, res.EffectiveMultiplier, proposals,
		res.CircuitBreakerTripped, nullStr(res.Reason), pq.Array(res.Warnings), res.ComputedAt)
	if err != nil {
		return fmt.Errorf("insert coordination audit: %w", err)
	}
	return nil
}

// CoordinationAuditsForTarget returns recent decisions for one target,
// newest first.
func (p *Postgres) CoordinationAuditsForTarget(ctx context.Context, targetID, limit int) ([]models.CoordinationResult, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, account_id, campaign_id, target_id, original_bid, final_bid,
		        theoretical_max_cpc, effective_multiplier, proposals,
		        circuit_breaker_tripped, COALESCE(reason, ''), warnings, computed_at
		 FROM coordination_audit WHERE target_id = $1
		 ORDER BY computed_at DESC LIMIT $2`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("query coordination audits: %w", err)
	}
	defer rows.Close()

	var results []models.CoordinationResult
	for rows.Next() {
		var res models.CoordinationResult
		var proposals []byte
		if err := rows.Scan(&res.ID, &res.AccountID, &res.CampaignID, &res.TargetID,
			&res.OriginalBid, &res.FinalBid, &res.TheoreticalMaxCPC, &res.EffectiveMultiplier,
			&proposals, &res.CircuitBreakerTripped, &res.Reason,
			pq.Array(&res.Warnings), &res.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan coordination audit: %w", err)
		}
		if err := json.Unmarshal(proposals, &res.Proposals); err != nil {
			return nil, fmt.Errorf("decode proposals for audit %s: %w", res.ID, err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// InsertHourlyMultiplierAudit journals one pacing override write.
func (p *Postgres) InsertHourlyMultiplierAudit(ctx context.Context, rec models.HourlyMultiplierAudit) error {
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO hourly_multiplier_audit
		        (account_id, campaign_id, day, hour, multiplier, pacing_status, action, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.AccountID, rec.CampaignID, rec.Day, rec.Hour, rec.Multiplier,
		rec.PacingStatus, rec.Action, nullStr(rec.Reason))
	if err != nil {
		return fmt.Errorf("insert hourly multiplier audit: %w", err)
	}
	return nil
}

// HourlyMultiplierAuditsForDay returns a campaign's pacing trail for one UTC
// day in hour order.
func (p *Postgres) HourlyMultiplierAuditsForDay(ctx context.Context, campaignID int, day time.Time) ([]models.HourlyMultiplierAudit, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, account_id, campaign_id, day, hour, multiplier, pacing_status,
		        action, COALESCE(reason, ''), created_at
		 FROM hourly_multiplier_audit WHERE campaign_id = $1 AND day = $2
		 ORDER BY hour, created_at`, campaignID, day)
	if err != nil {
		return nil, fmt.Errorf("query hourly multiplier audits: %w", err)
	}
	defer rows.Close()

	var recs []models.HourlyMultiplierAudit
	for rows.Next() {
		var rec models.HourlyMultiplierAudit
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.CampaignID, &rec.Day, &rec.Hour,
			&rec.Multiplier, &rec.PacingStatus, &rec.Action, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan hourly multiplier audit: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// InsertConsistencyAudit journals one report-vs-stream comparison.
func (p *Postgres) InsertConsistencyAudit(ctx context.Context, rec models.ConsistencyAudit) error {
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO consistency_audit
		        (account_id, window_start, window_end, report_spend, stream_spend,
		         report_clicks, stream_clicks, report_impressions, stream_impressions,
		         max_divergence_pct, consistent, consecutive_failures, alerted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.AccountID, rec.WindowStart, rec.WindowEnd, rec.ReportSpend, rec.StreamSpend,
		rec.ReportClicks, rec.StreamClicks, rec.ReportImpressions, rec.StreamImpressions,
		rec.MaxDivergencePct, rec.Consistent, rec.ConsecutiveFailures, rec.Alerted)
	if err != nil {
		return fmt.Errorf("insert consistency audit: %w", err)
	}
	return nil
}

// LatestConsistencyAudits returns an account's recent checks, newest first.
func (p *Postgres) LatestConsistencyAudits(ctx context.Context, accountID, limit int) ([]models.ConsistencyAudit, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, account_id, window_start, window_end, report_spend, stream_spend,
		        report_clicks, stream_clicks, report_impressions, stream_impressions,
		        max_divergence_pct, consistent, consecutive_failures, alerted, checked_at
		 FROM consistency_audit WHERE account_id = $1
		 ORDER BY checked_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query consistency audits: %w", err)
	}
	defer rows.Close()

	var recs []models.ConsistencyAudit
	for rows.Next() {
		var rec models.ConsistencyAudit
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.WindowStart, &rec.WindowEnd,
			&rec.ReportSpend, &rec.StreamSpend, &rec.ReportClicks, &rec.StreamClicks,
			&rec.ReportImpressions, &rec.StreamImpressions, &rec.MaxDivergencePct,
			&rec.Consistent, &rec.ConsecutiveFailures, &rec.Alerted, &rec.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan consistency audit: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
