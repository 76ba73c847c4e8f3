package coordinator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform"
)

// bidLockTTL bounds how long a wedged writer can hold a target hostage.
const bidLockTTL = 30 * time.Second

var decimalHundred = decimal.NewFromInt(100)

// EffectOpener starts post-adjustment effect tracking for an applied bid
// change. Implemented by the tracking engine; nil disables tracking.
type EffectOpener interface {
	OpenForAdjustment(ctx context.Context, rec models.BidAdjustmentRecord) error
}

// Engine applies coordination decisions: platform first, then the local
// mirrors, then the history row, all under the per-target Redis lock. The
// lock is held until the history insert returns so PreviousBid chains
// correctly across writers.
type Engine struct {
	Store    models.AccountDataStore
	Redis    *db.RedisStore
	PG       *db.Postgres
	Platform platform.Client
	Params   *models.ParamsStore
	Metrics  observability.MetricsRegistry
	Tracking EffectOpener

	now func() time.Time
}

// NewEngine wires a coordination engine.
func NewEngine(store models.AccountDataStore, redis *db.RedisStore, pg *db.Postgres, pc platform.Client, params *models.ParamsStore, metrics observability.MetricsRegistry) *Engine {
	return &Engine{
		Store:    store,
		Redis:    redis,
		PG:       pg,
		Platform: pc,
		Params:   params,
		Metrics:  metrics,
		now:      time.Now,
	}
}

// Run coordinates one target and applies the outcome. Unchanged outcomes
// return without side effects; throttled and locked targets return a
// Conflict so account pipelines can count and move on.
func (e *Engine) Run(ctx context.Context, in Inputs) (*models.CoordinationResult, error) {
	params := e.Params.Current()
	res := Coordinate(in, params, e.now())
	if !res.Changed() {
		e.Metrics.IncrementCoordination("unchanged")
		return res, nil
	}
	if err := e.apply(ctx, in, res, params); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context, in Inputs, res *models.CoordinationResult, params models.AlgorithmParams) error {
	accountID, targetID := res.AccountID, res.TargetID

	count, err := e.Redis.DailyAdjustments(accountID, targetID)
	if err != nil {
		e.Metrics.IncrementCoordination("failed")
		return errs.Wrap(errs.KindInternal, "read daily adjustment count", err)
	}
	if count >= int64(params.MaxDailyAdjustments) {
		e.Metrics.IncrementCoordination("skipped_daily_cap")
		return errs.Newf(errs.KindConflict, "target %d hit the daily adjustment cap (%d)", targetID, params.MaxDailyAdjustments)
	}

	cooldown := time.Duration(params.CooldownPeriodHours) * time.Hour
	ok, err := e.Redis.TryAdjustmentCooldown(accountID, targetID, cooldown)
	if err != nil {
		e.Metrics.IncrementCoordination("failed")
		return errs.Wrap(errs.KindInternal, "arm adjustment cooldown", err)
	}
	if !ok {
		e.Metrics.IncrementCoordination("skipped_cooldown")
		return errs.Newf(errs.KindConflict, "target %d is cooling down", targetID)
	}

	locked, err := e.Redis.AcquireBidLock(accountID, targetID, bidLockTTL)
	if err != nil {
		e.Metrics.IncrementCoordination("failed")
		return errs.Wrap(errs.KindInternal, "acquire bid lock", err)
	}
	if !locked {
		e.Metrics.IncrementCoordination("skipped_locked")
		return errs.Newf(errs.KindConflict, "target %d is locked by another writer", targetID)
	}
	defer func() {
		if err := e.Redis.ReleaseBidLock(accountID, targetID); err != nil {
			zap.L().Warn("release bid lock", zap.Int("target_id", targetID), zap.Error(err))
		}
	}()

	token := platform.IdempotencyToken(res.ID, 0)
	if err := e.Platform.UpdateTargetBid(ctx, accountID, targetID, res.FinalBid, token); err != nil {
		e.Metrics.IncrementCoordination("failed")
		return errs.Wrap(errs.KindOf(err), "push bid to platform", err)
	}
	if e.PG != nil {
		if err := e.PG.UpdateTargetBid(ctx, accountID, targetID, res.FinalBid); err != nil {
			e.Metrics.IncrementCoordination("failed")
			return errs.Wrap(errs.KindInternal, "persist target bid", err)
		}
	}
	if err := e.Store.UpdateTargetBid(accountID, targetID, res.FinalBid); err != nil {
		zap.L().Warn("refresh in-memory bid", zap.Int("target_id", targetID), zap.Error(err))
	}

	rec := models.BidAdjustmentRecord{
		AccountID:           accountID,
		CampaignID:          res.CampaignID,
		TargetID:            targetID,
		TargetType:          in.Target.TargetType,
		PreviousBid:         res.OriginalBid,
		NewBid:              res.FinalBid,
		Source:              models.AdjustSourceCoordinator,
		Reason:              res.Reason,
		ExpectedProfitDelta: in.ExpectedProfitDelta,
		CoordinationID:      res.ID,
		AppliedBy:           "coordinator",
		AppliedAt:           res.ComputedAt,
	}
	if e.PG != nil {
		id, err := e.PG.InsertBidAdjustment(ctx, rec)
		if err != nil {
			e.Metrics.IncrementCoordination("failed")
			return errs.Wrap(errs.KindInternal, "record bid adjustment", err)
		}
		rec.ID = id
		if err := e.PG.InsertCoordinationAudit(ctx, *res); err != nil {
			zap.L().Warn("coordination audit insert failed", zap.String("coordination_id", res.ID), zap.Error(err))
		}
	}

	if _, err := e.Redis.IncrDailyAdjustments(accountID, targetID); err != nil {
		zap.L().Warn("bump daily adjustment count", zap.Int("target_id", targetID), zap.Error(err))
	}

	if e.Tracking != nil && rec.ID != 0 {
		if err := e.Tracking.OpenForAdjustment(ctx, rec); err != nil {
			zap.L().Warn("open effect tracking", zap.Int64("adjustment_id", rec.ID), zap.Error(err))
		}
	}

	e.Metrics.IncrementCoordination("applied")
	e.Metrics.RecordBidChangePct(changePct(res))
	zap.L().Info("coordinated bid applied",
		zap.Int("account_id", accountID),
		zap.Int("target_id", targetID),
		zap.String("from", res.OriginalBid.StringFixed(2)),
		zap.String("to", res.FinalBid.StringFixed(2)),
		zap.Bool("circuit_breaker", res.CircuitBreakerTripped),
		zap.Int("proposals", len(res.Proposals)))
	return nil
}

func changePct(res *models.CoordinationResult) float64 {
	if res.OriginalBid.IsZero() {
		return 0
	}
	pct, _ := res.FinalBid.Sub(res.OriginalBid).Div(res.OriginalBid).Mul(decimalHundred).Float64()
	return pct
}
