package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pacing statuses derived from the spend ratio ladder.
const (
	PacingStatusCritical     = "critical_overspend"
	PacingStatusOverspend    = "overspending"
	PacingStatusOnTrack      = "on_track"
	PacingStatusUnderspend   = "underspending"
	PacingStatusInsufficient = "insufficient_data"
)

// Pacing actions recorded in the audit trail.
const (
	PacingActionReduceBid   = "reduce_bid"
	PacingActionIncreaseBid = "increase_bid"
	PacingActionPause       = "pause"
	PacingActionAlert       = "alert"
	PacingActionNone        = "none"
)

// HourlyMultiplierAudit is the durable trail behind the Redis hourly
// override; one row per write, never updated.
type HourlyMultiplierAudit struct {
	ID           int64     `json:"id"`
	AccountID    int       `json:"account_id"`
	CampaignID   int       `json:"campaign_id"`
	Day          time.Time `json:"day"` // Date only, UTC.
	Hour         int       `json:"hour"`
	Multiplier   float64   `json:"multiplier"`
	PacingStatus string    `json:"pacing_status"`
	Action       string    `json:"action"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ConsistencyAudit records one report-vs-stream comparison over a window.
type ConsistencyAudit struct {
	ID          int64     `json:"id"`
	AccountID   int       `json:"account_id"`
	WindowStart time.Time `json:"window_start"` // Date only, UTC.
	WindowEnd   time.Time `json:"window_end"`

	ReportSpend       decimal.Decimal `json:"report_spend"`
	StreamSpend       decimal.Decimal `json:"stream_spend"`
	ReportClicks      int64           `json:"report_clicks"`
	StreamClicks      int64           `json:"stream_clicks"`
	ReportImpressions int64           `json:"report_impressions"`
	StreamImpressions int64           `json:"stream_impressions"`

	MaxDivergencePct float64 `json:"max_divergence_pct"`
	Consistent       bool    `json:"consistent"`
	// ConsecutiveFailures is the Redis streak counter at check time; three
	// in a row raises the alert.
	ConsecutiveFailures int  `json:"consecutive_failures"`
	Alerted             bool `json:"alerted"`

	CheckedAt time.Time `json:"checked_at"`
}
