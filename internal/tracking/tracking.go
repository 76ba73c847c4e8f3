// Package tracking measures what bid adjustments actually did and reverses
// the ones that hurt.
//
// Every applied adjustment opens a measurement record holding the estimate
// and the target's trailing KPIs. Horizon tasks re-measure realized profit
// at 7, 14 and 30 days; rollback rules score the measured records and turn
// regressions into suggestions, which are reviewed (or auto-approved) and
// executed as restore batches.
package tracking

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
)

// Horizons are the measurement checkpoints, in days after the adjustment.
var Horizons = []int{7, 14, 30}

// baselineWindowDays is the trailing window whose KPIs are snapshotted when
// tracking opens, ending the day before the adjustment.
const baselineWindowDays = 7

// Store is the persistence surface the tracker needs. *db.Postgres
// satisfies it.
type Store interface {
	InsertEffectTracking(ctx context.Context, rec models.EffectTrackingRecord) (int64, error)
	GetEffectByAdjustment(ctx context.Context, adjustmentID int64) (models.EffectTrackingRecord, error)
	DueEffectRecords(ctx context.Context, horizonDays int, asOf time.Time, limit int) ([]models.EffectTrackingRecord, error)
	UpdateEffectActuals(ctx context.Context, id int64, horizonDays int, profit, spend decimal.Decimal, clicks, conversions int64) error
	MeasuredEffects(ctx context.Context, accountID, horizonDays int, since time.Time, limit int) ([]models.EffectTrackingRecord, error)
	EffectStats(ctx context.Context, accountID, horizonDays int, since time.Time, eps float64) (models.EffectStats, error)

	GetBidAdjustment(ctx context.Context, id int64) (models.BidAdjustmentRecord, error)
	MarkAdjustmentRolledBack(ctx context.Context, id int64) error

	CreateRollbackRule(ctx context.Context, rule models.RollbackRule) (int, error)
	UpdateRollbackRule(ctx context.Context, rule models.RollbackRule) (int, error)
	GetRollbackRule(ctx context.Context, id int) (models.RollbackRule, error)
	ListRollbackRules(ctx context.Context, accountID int) ([]models.RollbackRule, error)
	ActiveRollbackRules(ctx context.Context, accountID int) ([]models.RollbackRule, error)

	InsertRollbackSuggestion(ctx context.Context, s models.RollbackSuggestion) (bool, error)
	GetRollbackSuggestion(ctx context.Context, id string) (models.RollbackSuggestion, error)
	ReviewRollbackSuggestion(ctx context.Context, id, status, by string) (bool, error)
	MarkSuggestionExecuted(ctx context.Context, id, batchID string) (bool, error)
	CleanupSuggestions(ctx context.Context, olderThan time.Time) (int64, error)
}

// WindowReader reads merged daily telemetry over explicit windows. Effect
// measurement is exempt from the freeze horizon: it reads actuals through
// the day they land. *dataplane.DataPlane satisfies it.
type WindowReader interface {
	TargetWindow(ctx context.Context, accountID, targetID int, start, end time.Time) ([]models.PerformanceSnapshot, error)
}

// Engine owns the adjustment-effect loop: open on apply, measure on
// horizon, evaluate rules, execute approved rollbacks.
type Engine struct {
	Store   Store
	Data    models.AccountDataStore
	Windows WindowReader
	Batches BatchRunner
	Params  *models.ParamsStore
	Metrics observability.MetricsRegistry

	// HorizonBatchSize bounds how many due records one measurement pass
	// picks up; the rest stay due for the next run.
	HorizonBatchSize int

	now func() time.Time
}

// NewEngine wires a tracking engine.
func NewEngine(store Store, data models.AccountDataStore, windows WindowReader, batches BatchRunner, params *models.ParamsStore, metrics observability.MetricsRegistry) *Engine {
	return &Engine{
		Store:            store,
		Data:             data,
		Windows:          windows,
		Batches:          batches,
		Params:           params,
		Metrics:          metrics,
		HorizonBatchSize: 500,
		now:              time.Now,
	}
}

// OpenForAdjustment starts measurement for an applied bid change. The
// baseline is the target's trailing 7-day window ending the day before the
// adjustment; a telemetry outage degrades to an empty baseline rather than
// losing the record.
func (e *Engine) OpenForAdjustment(ctx context.Context, rec models.BidAdjustmentRecord) error {
	if rec.ID == 0 {
		return errs.New(errs.KindValidation, "adjustment has no id")
	}
	appliedAt := rec.AppliedAt.UTC()
	effect := models.EffectTrackingRecord{
		AdjustmentID:         rec.ID,
		AccountID:            rec.AccountID,
		CampaignID:           rec.CampaignID,
		TargetID:             rec.TargetID,
		EstimatedProfitDelta: rec.ExpectedProfitDelta,
		CreatedAt:            appliedAt,
	}
	day := appliedAt.Truncate(24 * time.Hour)
	rows, err := e.Windows.TargetWindow(ctx, rec.AccountID, rec.TargetID,
		day.AddDate(0, 0, -baselineWindowDays), day.AddDate(0, 0, -1))
	if err != nil {
		zap.L().Warn("baseline window unavailable, opening with empty baseline",
			zap.Int64("adjustment_id", rec.ID),
			zap.Int("target_id", rec.TargetID),
			zap.Error(err))
	}
	for _, row := range rows {
		effect.BaselineImpressions += row.Impressions
		effect.BaselineClicks += row.Clicks
		effect.BaselineSpend = effect.BaselineSpend.Add(row.Spend)
		effect.BaselineSales = effect.BaselineSales.Add(row.Sales)
		effect.BaselineOrders += row.Orders
	}
	if _, err := e.Store.InsertEffectTracking(ctx, effect); err != nil {
		return errs.Wrap(errs.KindInternal, "open effect tracking", err)
	}
	return nil
}

// HorizonSummary reports one measurement pass.
type HorizonSummary struct {
	Horizon  int `json:"horizon"`
	Due      int `json:"due"`
	Measured int `json:"measured"`
	Failed   int `json:"failed"`
}

// RunHorizonTask measures every record whose horizon has elapsed. Failures
// are logged per record and never abort the pass; an unmeasured record
// stays due and the next run retries it.
func (e *Engine) RunHorizonTask(ctx context.Context, horizonDays int) (HorizonSummary, error) {
	if !validHorizon(horizonDays) {
		return HorizonSummary{}, errs.Newf(errs.KindValidation, "horizon must be one of %v, got %d", Horizons, horizonDays)
	}
	summary := HorizonSummary{Horizon: horizonDays}
	due, err := e.Store.DueEffectRecords(ctx, horizonDays, e.now().UTC(), e.HorizonBatchSize)
	if err != nil {
		return summary, errs.Wrap(errs.KindInternal, "list due effect records", err)
	}
	summary.Due = len(due)
	for i := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := e.measure(ctx, &due[i], horizonDays); err != nil {
			summary.Failed++
			zap.L().Warn("effect measurement failed",
				zap.Int64("effect_id", due[i].ID),
				zap.Int64("adjustment_id", due[i].AdjustmentID),
				zap.Int("horizon_days", horizonDays),
				zap.Error(err))
			continue
		}
		summary.Measured++
		e.Metrics.IncrementEffectMeasurements(strconv.Itoa(horizonDays))
	}
	if summary.Due > 0 {
		zap.L().Info("effect horizon pass finished",
			zap.Int("horizon_days", horizonDays),
			zap.Int("due", summary.Due),
			zap.Int("measured", summary.Measured),
			zap.Int("failed", summary.Failed))
	}
	return summary, nil
}

// measure reads the horizon window for one record and persists the realized
// profit. The window is horizonDays full days starting the adjustment day.
func (e *Engine) measure(ctx context.Context, rec *models.EffectTrackingRecord, horizonDays int) error {
	account := e.Data.GetAccount(rec.AccountID)
	if account == nil {
		return errs.Newf(errs.KindNotFound, "account %d not loaded", rec.AccountID)
	}
	start := rec.CreatedAt.UTC().Truncate(24 * time.Hour)
	end := start.AddDate(0, 0, horizonDays-1)
	rows, err := e.Windows.TargetWindow(ctx, rec.AccountID, rec.TargetID, start, end)
	if err != nil {
		return errs.Wrap(errs.KindExternal, "read measurement window", err)
	}
	var spend, sales decimal.Decimal
	var clicks, orders int64
	for _, row := range rows {
		spend = spend.Add(row.Spend)
		sales = sales.Add(row.Sales)
		clicks += row.Clicks
		orders += row.Orders
	}
	// Realized profit: sales net of spend grossed up by the cost margin.
	costFactor := decimal.NewFromFloat(1 + account.ProfitMarginPct)
	profit := sales.Sub(spend.Mul(costFactor))
	if err := e.Store.UpdateEffectActuals(ctx, rec.ID, horizonDays, profit, spend, clicks, orders); err != nil {
		return errs.Wrap(errs.KindInternal, "persist measured profit", err)
	}
	return nil
}

// Stats aggregates estimate accuracy for one horizon since a cutoff.
func (e *Engine) Stats(ctx context.Context, accountID, horizonDays int, since time.Time) (models.EffectStats, error) {
	if !validHorizon(horizonDays) {
		return models.EffectStats{}, errs.Newf(errs.KindValidation, "horizon must be one of %v, got %d", Horizons, horizonDays)
	}
	stats, err := e.Store.EffectStats(ctx, accountID, horizonDays, since, e.Params.Current().AccuracyEpsilon)
	if err != nil {
		return models.EffectStats{}, errs.Wrap(errs.KindInternal, "aggregate effect stats", err)
	}
	return stats, nil
}

// Summary reports stats for every horizon.
func (e *Engine) Summary(ctx context.Context, accountID int, since time.Time) ([]models.EffectStats, error) {
	out := make([]models.EffectStats, 0, len(Horizons))
	for _, h := range Horizons {
		stats, err := e.Stats(ctx, accountID, h, since)
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, nil
}

// Accuracy scores one estimate against its measured actual:
// 1 − |actual − estimated| / max(|estimated|, ε), clipped to [0, 1].
func Accuracy(estimated, actual decimal.Decimal, eps float64) float64 {
	denom := math.Max(estimated.Abs().InexactFloat64(), eps)
	acc := 1 - actual.Sub(estimated).Abs().InexactFloat64()/denom
	if acc < 0 {
		return 0
	}
	if acc > 1 {
		return 1
	}
	return acc
}

func validHorizon(days int) bool {
	for _, h := range Horizons {
		if days == h {
			return true
		}
	}
	return false
}
