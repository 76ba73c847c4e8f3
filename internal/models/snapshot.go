package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot sources distinguish the slow authoritative report feed from fast
// streaming telemetry. Merged rows only exist in query responses; storage
// always records the originating feed.
const (
	SnapshotSourceReport = "report"
	SnapshotSourceStream = "stream"
	SnapshotSourceMerged = "merged"
)

// Algorithm kinds used by the data-freshness policy. Each kind hides a
// trailing window of unattributed data from the algorithm that reads it.
const (
	AlgoBid        = "bid"
	AlgoPlacement  = "placement"
	AlgoDayparting = "dayparting"
	AlgoSearchTerm = "search_term"
)

// PerformanceSnapshot is one telemetry row: a (target, day) or
// (campaign, day) observation from one source. Rows are immutable once
// written; late report arrivals produce additional rows keyed by
// (source, event time), and queries resolve duplicates by preferring the
// latest report row.
type PerformanceSnapshot struct {
	AccountID  int    `json:"account_id"`
	CampaignID int    `json:"campaign_id"`
	AdGroupID  int    `json:"ad_group_id"`
	// TargetID is zero for campaign-level rows.
	TargetID   int    `json:"target_id"`
	TargetType string `json:"target_type,omitempty"`
	// Date is the UTC event day the metrics belong to.
	Date time.Time `json:"date"`
	// Hour is the event hour for stream rows; report rows are daily and
	// carry -1.
	Hour        int             `json:"hour"`
	Source      string          `json:"source"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	Spend       decimal.Decimal `json:"spend"`
	Sales       decimal.Decimal `json:"sales"`
	Orders      int64           `json:"orders"`
	// Bid is the base bid in effect when the metrics accrued; zero for
	// campaign-level rows. The market-curve fitter pairs it with the
	// observed volume.
	Bid decimal.Decimal `json:"bid"`
	// EventTime is the ingestion instant, part of the late-arrival key.
	EventTime time.Time `json:"event_time"`
}

// CTR returns clicks/impressions, zero when there are no impressions.
func (s *PerformanceSnapshot) CTR() float64 {
	if s.Impressions == 0 {
		return 0
	}
	return float64(s.Clicks) / float64(s.Impressions)
}

// CVR returns orders/clicks, zero when there are no clicks.
func (s *PerformanceSnapshot) CVR() float64 {
	if s.Clicks == 0 {
		return 0
	}
	return float64(s.Orders) / float64(s.Clicks)
}

// ROAS returns sales/spend, zero when spend is zero.
func (s *PerformanceSnapshot) ROAS() float64 {
	if s.Spend.IsZero() {
		return 0
	}
	r, _ := s.Sales.Div(s.Spend).Float64()
	return r
}

// ACOS returns spend/sales, zero when sales are zero.
func (s *PerformanceSnapshot) ACOS() float64 {
	if s.Sales.IsZero() {
		return 0
	}
	r, _ := s.Spend.Div(s.Sales).Float64()
	return r
}

// AOV returns sales/orders, zero when there are no orders.
func (s *PerformanceSnapshot) AOV() decimal.Decimal {
	if s.Orders == 0 {
		return decimal.Zero
	}
	return s.Sales.Div(decimal.NewFromInt(s.Orders))
}

// AvgCPC returns spend/clicks, zero when there are no clicks.
func (s *PerformanceSnapshot) AvgCPC() decimal.Decimal {
	if s.Clicks == 0 {
		return decimal.Zero
	}
	return s.Spend.Div(decimal.NewFromInt(s.Clicks))
}
