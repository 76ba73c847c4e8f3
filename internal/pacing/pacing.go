// Package pacing implements the intraday budget-runway controller.
//
// The controller compares a campaign's spend so far today against the ideal
// spend curve and reacts through a single narrow output: the hourly
// dayparting-override table. It never touches base bids. Spend, clicks and
// impressions come exclusively from the realtime guard channel, which carries
// no conversion fields, so conversion-derived anomaly rules are impossible to
// express here on purpose.
package pacing

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
)

// minCheckInterval is the floor for the per-campaign check gate. Checks more
// frequent than this read noise, not signal.
const minCheckInterval = 15 * time.Minute

// Adjustment is the outcome of one pacing check. Only reduce_bid and
// increase_bid actions carry an hourly override; pause and alert are
// surfaced to the caller, which owns campaign status changes.
type Adjustment struct {
	AccountID  int       `json:"account_id"`
	CampaignID int       `json:"campaign_id"`
	Hour       int       `json:"hour"`
	CheckedAt  time.Time `json:"checked_at"`

	Status         string  `json:"status"`
	Action         string  `json:"action"`
	IdealSpendPct  float64 `json:"ideal_spend_pct"`
	ActualSpendPct float64 `json:"actual_spend_pct"`
	Ratio          float64 `json:"ratio"`
	Multiplier     float64 `json:"multiplier"`

	Spend       decimal.Decimal `json:"spend"`
	Clicks      int64           `json:"clicks"`
	Impressions int64           `json:"impressions"`
	DailyBudget decimal.Decimal `json:"daily_budget"`
	Source      string          `json:"source"`
	Stale       bool            `json:"stale"`

	Reason    string   `json:"reason"`
	Anomalies []string `json:"anomalies,omitempty"`
}

// Actionable reports whether the adjustment carries an hourly override to
// write. Pause and alert actions are not applied here.
func (a *Adjustment) Actionable() bool {
	return a.Action == models.PacingActionReduceBid || a.Action == models.PacingActionIncreaseBid
}

// Controller runs pacing checks and applies their overrides. One instance
// serves all campaigns; the Redis gate keeps each campaign at one check per
// interval, which also makes each (campaign, hour) override single-writer.
type Controller struct {
	Data    dataplane.Reader
	Store   models.AccountDataStore
	Redis   *db.RedisStore
	PG      *db.Postgres
	Params  *models.ParamsStore
	Metrics observability.MetricsRegistry

	Interval time.Duration

	now func() time.Time
}

// NewController wires a pacing controller. Intervals below the 15-minute
// floor are raised to it.
func NewController(data dataplane.Reader, store models.AccountDataStore, redis *db.RedisStore, pg *db.Postgres, params *models.ParamsStore, metrics observability.MetricsRegistry, interval time.Duration) *Controller {
	if interval < minCheckInterval {
		interval = minCheckInterval
	}
	return &Controller{
		Data:     data,
		Store:    store,
		Redis:    redis,
		PG:       pg,
		Params:   params,
		Metrics:  metrics,
		Interval: interval,
		now:      time.Now,
	}
}

// Run performs one gated check for the campaign and applies the override if
// the outcome calls for one. A check inside the interval window returns a
// Conflict so sweep loops can count and move on.
func (c *Controller) Run(ctx context.Context, accountID, campaignID int) (*Adjustment, error) {
	adj, err := c.CheckCampaign(ctx, accountID, campaignID)
	if err != nil {
		return nil, err
	}
	if err := c.Apply(ctx, adj); err != nil {
		return adj, err
	}
	return adj, nil
}

// CheckCampaign evaluates one campaign behind the interval gate. It does not
// write the override; callers that want the side effect use Run.
func (c *Controller) CheckCampaign(ctx context.Context, accountID, campaignID int) (*Adjustment, error) {
	campaign := c.Store.GetCampaign(accountID, campaignID)
	if campaign == nil {
		return nil, errs.Newf(errs.KindNotFound, "campaign %d not found", campaignID)
	}
	if campaign.Status != models.StatusEnabled {
		return nil, errs.Newf(errs.KindValidation, "campaign %d is %s; pacing only runs for enabled campaigns", campaignID, campaign.Status)
	}

	ok, err := c.Redis.TryPacingCheck(campaignID, c.Interval)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "arm pacing check gate", err)
	}
	if !ok {
		return nil, errs.Newf(errs.KindConflict, "campaign %d was pacing-checked within the last %s", campaignID, c.Interval)
	}

	rt, err := c.Data.RealtimeSpendForGuard(ctx, accountID, campaignID)
	if err != nil {
		return nil, errs.Wrap(errs.KindOf(err), "realtime spend for pacing check", err)
	}

	adj := Evaluate(campaign, rt, c.Params.Current(), c.now())
	c.Metrics.IncrementPacingActions(adj.Action)
	return adj, nil
}

// Snapshot evaluates a campaign without arming the gate or counting metrics.
// Read-only; used by status endpoints that must not consume the interval.
func (c *Controller) Snapshot(ctx context.Context, accountID, campaignID int) (*Adjustment, error) {
	campaign := c.Store.GetCampaign(accountID, campaignID)
	if campaign == nil {
		return nil, errs.Newf(errs.KindNotFound, "campaign %d not found", campaignID)
	}
	rt, err := c.Data.RealtimeSpendForGuard(ctx, accountID, campaignID)
	if err != nil {
		return nil, errs.Wrap(errs.KindOf(err), "realtime spend for pacing snapshot", err)
	}
	return Evaluate(campaign, rt, c.Params.Current(), c.now()), nil
}

// Apply writes the adjustment's hourly override and its audit row. Anything
// without an override (on-track, pause, alert, insufficient data) is a no-op
// here: the override table is the controller's only write surface.
func (c *Controller) Apply(ctx context.Context, adj *Adjustment) error {
	if adj == nil || !adj.Actionable() {
		return nil
	}
	day := adj.CheckedAt.UTC()
	date := day.Format("2006-01-02")
	if err := c.Redis.SetHourlyMultiplier(adj.CampaignID, date, adj.Hour, adj.Multiplier); err != nil {
		return errs.Wrap(errs.KindInternal, "write hourly multiplier override", err)
	}
	if c.PG != nil {
		rec := models.HourlyMultiplierAudit{
			AccountID:    adj.AccountID,
			CampaignID:   adj.CampaignID,
			Day:          time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC),
			Hour:         adj.Hour,
			Multiplier:   adj.Multiplier,
			PacingStatus: adj.Status,
			Action:       adj.Action,
			Reason:       adj.Reason,
		}
		if err := c.PG.InsertHourlyMultiplierAudit(ctx, rec); err != nil {
			zap.L().Warn("hourly multiplier audit insert failed",
				zap.Int("campaign_id", adj.CampaignID),
				zap.Int("hour", adj.Hour),
				zap.Error(err))
		}
	}
	zap.L().Info("pacing override applied",
		zap.Int("account_id", adj.AccountID),
		zap.Int("campaign_id", adj.CampaignID),
		zap.Int("hour", adj.Hour),
		zap.String("status", adj.Status),
		zap.Float64("multiplier", adj.Multiplier),
		zap.Float64("ratio", adj.Ratio))
	return nil
}

// Evaluate classifies one campaign's intraday spend. Pure; all inputs are
// explicit. Percentages and the ratio are rounded to two decimals before the
// ladder is applied so thresholds read the same numbers operators see.
func Evaluate(campaign *models.Campaign, rt *dataplane.RealtimeSpend, params models.AlgorithmParams, now time.Time) *Adjustment {
	hour := now.UTC().Hour()
	adj := &Adjustment{
		AccountID:   campaign.AccountID,
		CampaignID:  campaign.ID,
		Hour:        hour,
		CheckedAt:   now.UTC(),
		Status:      models.PacingStatusOnTrack,
		Action:      models.PacingActionNone,
		Multiplier:  1,
		Spend:       rt.Spend,
		Clicks:      rt.Clicks,
		Impressions: rt.Impressions,
		DailyBudget: campaign.DailyBudget,
		Source:      rt.Source,
		Stale:       rt.Stale,
	}

	if rt.Stale {
		adj.Status = models.PacingStatusInsufficient
		adj.Reason = fmt.Sprintf("realtime data is stale (last update %s); holding", rt.LastUpdate.UTC().Format(time.RFC3339))
		return adj
	}
	if !campaign.DailyBudget.IsPositive() {
		adj.Status = models.PacingStatusInsufficient
		adj.Reason = "campaign has no daily budget to pace against"
		return adj
	}

	start, end := params.PacingStartHour, params.PacingTargetEndHour
	if end <= start {
		end = start + 1
	}
	ideal := float64(hour-start) / float64(end-start)
	if ideal > 1 {
		ideal = 1
	}
	adj.IdealSpendPct = round2(ideal)

	spend, _ := rt.Spend.Float64()
	budget, _ := campaign.DailyBudget.Float64()
	adj.ActualSpendPct = round2(spend / budget)

	if adj.IdealSpendPct <= 0 {
		adj.Status = models.PacingStatusInsufficient
		adj.Reason = fmt.Sprintf("hour %d is before the pacing window start (%d)", hour, start)
		detectAnomalies(adj, rt, params, hour, start)
		return adj
	}

	adj.Ratio = round2(adj.ActualSpendPct / adj.IdealSpendPct)
	switch {
	case adj.Ratio >= params.PacingCriticalRatio:
		adj.Status = models.PacingStatusCritical
		adj.Action = models.PacingActionReduceBid
		adj.Multiplier = params.PacingCriticalFactor
	case adj.Ratio >= params.PacingOverRatio:
		adj.Status = models.PacingStatusOverspend
		adj.Action = models.PacingActionReduceBid
		adj.Multiplier = params.PacingOverFactor
	case adj.Ratio <= params.PacingUnderRatio:
		adj.Status = models.PacingStatusUnderspend
		adj.Action = models.PacingActionIncreaseBid
		adj.Multiplier = params.PacingUnderFactor
	}
	adj.Reason = fmt.Sprintf("spent %s of %s budget by hour %d (actual %.0f%% vs ideal %.0f%%, ratio %.2f)",
		rt.Spend.StringFixed(2), campaign.DailyBudget.StringFixed(2), hour,
		adj.ActualSpendPct*100, adj.IdealSpendPct*100, adj.Ratio)

	detectAnomalies(adj, rt, params, hour, start)
	return adj
}

// detectAnomalies applies the click-fraud and budget-drain rules. Fraud
// escalates to pause and drops any pending override; drain alerts unless a
// throttle is already in flight (a throttle is the stronger response).
func detectAnomalies(adj *Adjustment, rt *dataplane.RealtimeSpend, params models.AlgorithmParams, hour, startHour int) {
	elapsed := float64(hour - startHour)
	if elapsed < 1 {
		elapsed = 1
	}
	clicksPerHour := float64(rt.Clicks) / elapsed
	var ctr float64
	if rt.Impressions > 0 {
		ctr = float64(rt.Clicks) / float64(rt.Impressions)
	}

	if clicksPerHour > float64(params.ClickFraudClicksPerHour) || ctr > params.ClickFraudCTR {
		adj.Anomalies = append(adj.Anomalies,
			fmt.Sprintf("possible click fraud: %.0f clicks/hour, CTR %.1f%%", clicksPerHour, ctr*100))
		adj.Action = models.PacingActionPause
		adj.Multiplier = 1
	}

	if rt.Clicks > int64(params.BudgetDrainClicks) {
		costPerClick := rt.Spend.Div(decimal.NewFromInt(rt.Clicks))
		if costPerClick.GreaterThan(params.BudgetDrainCostPerClick) {
			adj.Anomalies = append(adj.Anomalies,
				fmt.Sprintf("budget drain: %d clicks at %s/click", rt.Clicks, costPerClick.StringFixed(2)))
			if adj.Action != models.PacingActionPause && adj.Action != models.PacingActionReduceBid {
				adj.Action = models.PacingActionAlert
				adj.Multiplier = 1
			}
		}
	}

	if len(adj.Anomalies) > 0 {
		note := strings.Join(adj.Anomalies, "; ")
		if adj.Reason == "" {
			adj.Reason = note
		} else {
			adj.Reason += "; " + note
		}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
