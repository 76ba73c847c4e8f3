package dataplane

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// CheckConsistency compares report and stream sums over the window and
// records the verdict. A divergence above the configured threshold on any
// field counts as one failure; enough consecutive failures raise an alert.
// Agreement resets the streak.
func (d *DataPlane) CheckConsistency(ctx context.Context, accountID int, windowStart, windowEnd time.Time) (*models.ConsistencyAudit, error) {
	params := d.Params.Current()
	totals, err := d.CH.SourceWindowTotals(ctx, accountID, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("consistency totals for account %d: %w", accountID, err)
	}

	worst := maxDivergencePct(totals)
	audit := &models.ConsistencyAudit{
		AccountID:         accountID,
		WindowStart:       windowStart,
		WindowEnd:         windowEnd,
		ReportSpend:       decimal.NewFromFloat(totals.ReportSpend),
		StreamSpend:       decimal.NewFromFloat(totals.StreamSpend),
		ReportClicks:      totals.ReportClicks,
		StreamClicks:      totals.StreamClicks,
		ReportImpressions: totals.ReportImpressions,
		StreamImpressions: totals.StreamImpressions,
		MaxDivergencePct:  worst,
		Consistent:        worst <= params.ConsistencyThresholdPct,
		CheckedAt:         d.now().UTC(),
	}

	if audit.Consistent {
		d.Metrics.IncrementConsistencyChecks("consistent")
		if d.Redis != nil {
			if err := d.Redis.ResetInconsistency(accountID); err != nil {
				zap.L().Warn("reset inconsistency streak", zap.Error(err), zap.Int("account_id", accountID))
			}
		}
	} else {
		d.Metrics.IncrementConsistencyChecks("divergent")
		if d.Redis != nil {
			streak, err := d.Redis.IncrInconsistency(accountID)
			if err != nil {
				zap.L().Warn("advance inconsistency streak", zap.Error(err), zap.Int("account_id", accountID))
			} else {
				audit.ConsecutiveFailures = int(streak)
				if streak >= int64(params.ConsistencyAlertRuns) {
					audit.Alerted = true
					d.Metrics.IncrementConsistencyAlerts()
					zap.L().Error("report and stream feeds keep diverging",
						zap.Int("account_id", accountID),
						zap.Float64("max_divergence_pct", worst),
						zap.Int("consecutive_failures", audit.ConsecutiveFailures))
				}
			}
		}
	}

	if d.PG != nil {
		if err := d.PG.InsertConsistencyAudit(ctx, *audit); err != nil {
			zap.L().Error("persist consistency audit", zap.Error(err), zap.Int("account_id", accountID))
		}
	}
	return audit, nil
}

// FindBackfillGaps lists (campaign, day) pairs since the given day whose
// stream telemetry has gone unconfirmed by any report row past the backfill
// threshold. The report-sync task re-requests those days.
func (d *DataPlane) FindBackfillGaps(ctx context.Context, accountID int, since time.Time) ([]BackfillGap, error) {
	olderThan := d.now().UTC().Add(-d.BackfillAfter)
	gaps, err := d.CH.StreamGapDays(ctx, accountID, since, olderThan)
	if err != nil {
		return nil, fmt.Errorf("backfill gaps for account %d: %w", accountID, err)
	}
	return gaps, nil
}

// divergencePct measures |report - stream| relative to the report value,
// the authoritative side. floor keeps near-zero denominators from exploding
// the ratio.
func divergencePct(report, stream, floor float64) float64 {
	den := report
	if den < floor {
		den = floor
	}
	return math.Abs(report-stream) / den * 100
}

// maxDivergencePct returns the worst per-field divergence across spend,
// clicks and impressions.
func maxDivergencePct(t SourceTotals) float64 {
	worst := divergencePct(t.ReportSpend, t.StreamSpend, 0.01)
	if v := divergencePct(float64(t.ReportClicks), float64(t.StreamClicks), 1); v > worst {
		worst = v
	}
	if v := divergencePct(float64(t.ReportImpressions), float64(t.StreamImpressions), 1); v > worst {
		worst = v
	}
	return worst
}
