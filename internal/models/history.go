package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bid-adjustment sources. Every applied bid change records where it came
// from; the effect tracker and rollback rules key off this.
const (
	AdjustSourceAutoOptimal    = "auto_optimal"
	AdjustSourceAutoDayparting = "auto_dayparting"
	AdjustSourceAutoPlacement  = "auto_placement"
	AdjustSourceCoordinator    = "coordinator"
	AdjustSourceBatchCampaign  = "batch_campaign"
	AdjustSourceBatchGroup     = "batch_group"
	AdjustSourceManual         = "manual"
	AdjustSourceRollback       = "rollback"
)

// BidAdjustmentRecord is one append-only history row per applied bid change.
// Per target, rows are totally ordered by AppliedAt; the coordinator holds
// the target's write lock until the row is durable, so PreviousBid always
// equals the prior row's NewBid unless an out-of-band change was itself
// recorded.
type BidAdjustmentRecord struct {
	ID         int64  `json:"id"`
	AccountID  int    `json:"account_id"`
	CampaignID int    `json:"campaign_id"`
	TargetID   int    `json:"target_id"`
	TargetType string `json:"target_type"`

	PreviousBid decimal.Decimal `json:"previous_bid"`
	NewBid      decimal.Decimal `json:"new_bid"`
	Source      string          `json:"source"`
	Reason      string          `json:"reason,omitempty"`
	// ExpectedProfitDelta is the estimate scored by the effect tracker.
	ExpectedProfitDelta decimal.Decimal `json:"expected_profit_delta"`

	// CoordinationID links to the coordination audit row when the change
	// came through the coordinator; BatchItemID when it came through a
	// batch. Either may be empty.
	CoordinationID string `json:"coordination_id,omitempty"`
	BatchItemID    string `json:"batch_item_id,omitempty"`

	AppliedBy    string    `json:"applied_by"`
	AppliedAt    time.Time `json:"applied_at"`
	IsRolledBack bool      `json:"is_rolled_back"`
}

// Direction reports the sign of the change: +1 raise, -1 lower, 0 no-op.
func (r *BidAdjustmentRecord) Direction() int {
	switch r.NewBid.Cmp(r.PreviousBid) {
	case 1:
		return 1
	case -1:
		return -1
	default:
		return 0
	}
}

// EffectTrackingRecord accompanies a BidAdjustmentRecord through its
// measurement horizons. Baseline KPIs are captured at adjustment time from
// the trailing safe window; actuals are written once per horizon as the
// horizon crosses, never back-dated.
type EffectTrackingRecord struct {
	ID           int64 `json:"id"`
	AdjustmentID int64 `json:"adjustment_id"`
	AccountID    int   `json:"account_id"`
	CampaignID   int   `json:"campaign_id"`
	TargetID     int   `json:"target_id"`

	EstimatedProfitDelta decimal.Decimal `json:"estimated_profit_delta"`

	// Pre-adjustment KPIs over the trailing 7-day safe window.
	BaselineImpressions int64           `json:"baseline_impressions"`
	BaselineClicks      int64           `json:"baseline_clicks"`
	BaselineSpend       decimal.Decimal `json:"baseline_spend"`
	BaselineSales       decimal.Decimal `json:"baseline_sales"`
	BaselineOrders      int64           `json:"baseline_orders"`

	// Realized profit per horizon; Valid=false until the horizon task has
	// measured it.
	ActualProfit7D  decimal.NullDecimal `json:"actual_profit_7d"`
	ActualProfit14D decimal.NullDecimal `json:"actual_profit_14d"`
	ActualProfit30D decimal.NullDecimal `json:"actual_profit_30d"`

	// Realized volume over the first 7 days, used by rule sample-count
	// conditions.
	ActualSpend7D       decimal.Decimal `json:"actual_spend_7d"`
	ActualClicks7D      int64           `json:"actual_clicks_7d"`
	ActualConversions7D int64           `json:"actual_conversions_7d"`

	TrackedAt *time.Time `json:"tracked_at,omitempty"` // Last horizon write.
	CreatedAt time.Time  `json:"created_at"`
}

// ActualProfitFor returns the realized profit for a horizon in days.
func (r *EffectTrackingRecord) ActualProfitFor(days int) decimal.NullDecimal {
	switch days {
	case 7:
		return r.ActualProfit7D
	case 14:
		return r.ActualProfit14D
	case 30:
		return r.ActualProfit30D
	default:
		return decimal.NullDecimal{}
	}
}

// EffectStats aggregates estimate quality over a set of tracked adjustments
// at one horizon.
type EffectStats struct {
	Horizon         int             `json:"horizon"`
	TrackedCount    int             `json:"tracked_count"`
	PendingCount    int             `json:"pending_count"`
	AvgAccuracy     float64         `json:"avg_accuracy"`
	ImprovedCount   int             `json:"improved_count"`
	RegressedCount  int             `json:"regressed_count"`
	TotalEstimated  decimal.Decimal `json:"total_estimated"`
	TotalActual     decimal.Decimal `json:"total_actual"`
	RolledBackCount int             `json:"rolled_back_count"`
}
