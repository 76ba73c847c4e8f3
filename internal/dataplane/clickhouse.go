package dataplane

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// Store wraps the ClickHouse connection holding perf_daily, the append-only
// telemetry table both feeds write into. Report rows are daily totals keyed
// by ingestion time so late re-syncs supersede earlier ones; stream rows are
// hourly deltas that sum to a day.
type Store struct {
	DB *sql.DB
}

// ErrUnavailable is returned when the telemetry store is not configured.
var ErrUnavailable = fmt.Errorf("telemetry store unavailable")

// InitClickHouse connects to ClickHouse and ensures the perf_daily table exists.
func InitClickHouse(dsn string) (*Store, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(25)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	create := `CREATE TABLE IF NOT EXISTS perf_daily (
       account_id   Int32,
       campaign_id  Int32,
       ad_group_id  Int32,
       target_id    Int32,
       target_type  String,
       event_date   Date,
       event_hour   Int16,
       source       String,
       impressions  Int64,
       clicks       Int64,
       spend        Float64,
       sales        Float64,
       orders       Int64,
       bid          Float64,
       event_time   DateTime
   ) ENGINE=MergeTree() ORDER BY (account_id, event_date, target_id)`
	if _, err := db.ExecContext(context.Background(), create); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	zap.L().Info("Connected to ClickHouse")
	return &Store{DB: db}, nil
}

// InsertSnapshot writes a single telemetry row.
func (s *Store) InsertSnapshot(ctx context.Context, snap models.PerformanceSnapshot) error {
	return s.InsertSnapshots(ctx, []models.PerformanceSnapshot{snap})
}

// InsertSnapshots writes telemetry rows as one batch. Rows without an event
// time get the current instant, which keeps the latest-report-wins merge
// stable for re-synced reports.
func (s *Store) InsertSnapshots(ctx context.Context, snaps []models.PerformanceSnapshot) error {
	if s == nil || s.DB == nil {
		return ErrUnavailable
	}
	if len(snaps) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clickhouse begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO perf_daily (account_id, campaign_id, ad_group_id, target_id, target_type, event_date, event_hour, source, impressions, clicks, spend, sales, orders, bid, event_time) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clickhouse prepare: %w", err)
	}
	for _, snap := range snaps {
		eventTime := snap.EventTime
		if eventTime.IsZero() {
			eventTime = time.Now().UTC()
		}
		spend, _ := snap.Spend.Float64()
		sales, _ := snap.Sales.Float64()
		bid, _ := snap.Bid.Float64()
		if _, err := stmt.ExecContext(ctx,
			int32(snap.AccountID), int32(snap.CampaignID), int32(snap.AdGroupID), int32(snap.TargetID),
			snap.TargetType, snap.Date, int16(snap.Hour), snap.Source,
			snap.Impressions, snap.Clicks, spend, sales, snap.Orders, bid, eventTime,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert snapshot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clickhouse commit: %w", err)
	}
	return nil
}

// mergedColumns resolves each (entity, day) to one row: the latest report
// row when any exists, otherwise the summed stream deltas.
const mergedColumns = `
    account_id,
    campaign_id,
    ad_group_id,
    target_id,
    any(target_type) AS target_type,
    event_date,
    toInt64(countIf(source = 'report')) AS report_rows,
    argMaxIf(impressions, event_time, source = 'report') AS rep_impressions,
    argMaxIf(clicks, event_time, source = 'report') AS rep_clicks,
    argMaxIf(spend, event_time, source = 'report') AS rep_spend,
    argMaxIf(sales, event_time, source = 'report') AS rep_sales,
    argMaxIf(orders, event_time, source = 'report') AS rep_orders,
    argMaxIf(bid, event_time, source = 'report') AS rep_bid,
    sumIf(impressions, source = 'stream') AS str_impressions,
    sumIf(clicks, source = 'stream') AS str_clicks,
    sumIf(spend, source = 'stream') AS str_spend,
    sumIf(sales, source = 'stream') AS str_sales,
    sumIf(orders, source = 'stream') AS str_orders,
    maxIf(bid, source = 'stream') AS str_bid`

// MergedTargetDaily returns one merged row per (target, day) for the account
// inside the inclusive [start, end] window.
func (s *Store) MergedTargetDaily(ctx context.Context, accountID int, start, end time.Time) ([]models.PerformanceSnapshot, error) {
	return s.mergedDaily(ctx,
		`account_id = ? AND target_id > 0 AND event_date >= ? AND event_date <= ?`,
		accountID, start, end)
}

// MergedCampaignDaily returns one merged campaign-level row per day for a
// single campaign inside the inclusive [start, end] window.
func (s *Store) MergedCampaignDaily(ctx context.Context, campaignID int, start, end time.Time) ([]models.PerformanceSnapshot, error) {
	return s.mergedDaily(ctx,
		`campaign_id = ? AND target_id = 0 AND event_date >= ? AND event_date <= ?`,
		campaignID, start, end)
}

// MergedTargetWindow returns merged daily rows for one target regardless of
// the freeze horizon. Effect measurement reads actuals through this.
func (s *Store) MergedTargetWindow(ctx context.Context, accountID, targetID int, start, end time.Time) ([]models.PerformanceSnapshot, error) {
	return s.mergedDaily(ctx,
		`account_id = ? AND target_id = ? AND event_date >= ? AND event_date <= ?`,
		accountID, targetID, start, end)
}

func (s *Store) mergedDaily(ctx context.Context, where string, args ...interface{}) ([]models.PerformanceSnapshot, error) {
	if s == nil || s.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT` + mergedColumns + `
FROM perf_daily
WHERE ` + where + `
GROUP BY account_id, campaign_id, ad_group_id, target_id, event_date
ORDER BY target_id, event_date`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query merged rows: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var snaps []models.PerformanceSnapshot
	for rows.Next() {
		var (
			accountID, campaignID, adGroupID, targetID int32
			targetType                                 string
			day                                        time.Time
			reportRows                                 int64
			repImpr, repClicks, repOrders              int64
			repSpend, repSales, repBid                 float64
			strImpr, strClicks, strOrders              int64
			strSpend, strSales, strBid                 float64
		)
		if err := rows.Scan(&accountID, &campaignID, &adGroupID, &targetID, &targetType, &day,
			&reportRows, &repImpr, &repClicks, &repSpend, &repSales, &repOrders, &repBid,
			&strImpr, &strClicks, &strSpend, &strSales, &strOrders, &strBid); err != nil {
			return nil, fmt.Errorf("scan merged row: %w", err)
		}
		snap := models.PerformanceSnapshot{
			AccountID:  int(accountID),
			CampaignID: int(campaignID),
			AdGroupID:  int(adGroupID),
			TargetID:   int(targetID),
			TargetType: targetType,
			Date:       day,
			Hour:       -1,
		}
		if reportRows > 0 {
			snap.Source = models.SnapshotSourceReport
			snap.Impressions = repImpr
			snap.Clicks = repClicks
			snap.Spend = decimal.NewFromFloat(repSpend)
			snap.Sales = decimal.NewFromFloat(repSales)
			snap.Orders = repOrders
			snap.Bid = decimal.NewFromFloat(repBid)
		} else {
			snap.Source = models.SnapshotSourceStream
			snap.Impressions = strImpr
			snap.Clicks = strClicks
			snap.Spend = decimal.NewFromFloat(strSpend)
			snap.Sales = decimal.NewFromFloat(strSales)
			snap.Orders = strOrders
			snap.Bid = decimal.NewFromFloat(strBid)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return snaps, nil
}

// StreamDayTotals sums campaign-level stream rows for one day. campaignID 0
// covers the whole account. lastEvent is zero when no rows matched.
func (s *Store) StreamDayTotals(ctx context.Context, accountID, campaignID int, day time.Time) (spend float64, clicks, impressions int64, lastEvent time.Time, err error) {
	if s == nil || s.DB == nil {
		return 0, 0, 0, time.Time{}, ErrUnavailable
	}
	query := `SELECT toInt64(count()), sum(spend), sum(clicks), sum(impressions), max(event_time)
FROM perf_daily
WHERE account_id = ? AND target_id = 0 AND source = 'stream' AND event_date = ?`
	args := []interface{}{accountID, day}
	if campaignID > 0 {
		query += ` AND campaign_id = ?`
		args = append(args, campaignID)
	}
	var n int64
	var last time.Time
	if err := s.DB.QueryRowContext(ctx, query, args...).Scan(&n, &spend, &clicks, &impressions, &last); err != nil {
		return 0, 0, 0, time.Time{}, fmt.Errorf("query stream totals: %w", err)
	}
	if n == 0 {
		return 0, 0, 0, time.Time{}, nil
	}
	return spend, clicks, impressions, last, nil
}

// ReportDayTotals sums the latest campaign-level report rows for one day.
// campaignID 0 covers the whole account. lastEvent is zero when no report
// has covered the day yet.
func (s *Store) ReportDayTotals(ctx context.Context, accountID, campaignID int, day time.Time) (spend float64, clicks, impressions int64, lastEvent time.Time, err error) {
	if s == nil || s.DB == nil {
		return 0, 0, 0, time.Time{}, ErrUnavailable
	}
	query := `SELECT toInt64(count()), sum(spend), sum(clicks), sum(impressions), max(last_seen)
FROM (
    SELECT campaign_id,
           argMax(spend, event_time) AS spend,
           argMax(clicks, event_time) AS clicks,
           argMax(impressions, event_time) AS impressions,
           max(event_time) AS last_seen
    FROM perf_daily
    WHERE account_id = ? AND target_id = 0 AND source = 'report' AND event_date = ?%s
    GROUP BY campaign_id
)`
	args := []interface{}{accountID, day}
	extra := ""
	if campaignID > 0 {
		extra = ` AND campaign_id = ?`
		args = append(args, campaignID)
	}
	var n int64
	var last time.Time
	if err := s.DB.QueryRowContext(ctx, fmt.Sprintf(query, extra), args...).Scan(&n, &spend, &clicks, &impressions, &last); err != nil {
		return 0, 0, 0, time.Time{}, fmt.Errorf("query report totals: %w", err)
	}
	if n == 0 {
		return 0, 0, 0, time.Time{}, nil
	}
	return spend, clicks, impressions, last, nil
}

// SourceTotals carries report-vs-stream sums over one comparison window.
type SourceTotals struct {
	ReportSpend       float64
	ReportClicks      int64
	ReportImpressions int64
	StreamSpend       float64
	StreamClicks      int64
	StreamImpressions int64
}

// SourceWindowTotals aggregates campaign-level rows per feed over the
// inclusive [start, end] window. Report rows are deduplicated to the latest
// per (campaign, day) before summing.
func (s *Store) SourceWindowTotals(ctx context.Context, accountID int, start, end time.Time) (SourceTotals, error) {
	var t SourceTotals
	if s == nil || s.DB == nil {
		return t, ErrUnavailable
	}
	query := `SELECT
    sum(rep_spend), sum(rep_clicks), sum(rep_impressions),
    sum(str_spend), sum(str_clicks), sum(str_impressions)
FROM (
    SELECT
        campaign_id,
        event_date,
        argMaxIf(spend, event_time, source = 'report') AS rep_spend,
        argMaxIf(clicks, event_time, source = 'report') AS rep_clicks,
        argMaxIf(impressions, event_time, source = 'report') AS rep_impressions,
        sumIf(spend, source = 'stream') AS str_spend,
        sumIf(clicks, source = 'stream') AS str_clicks,
        sumIf(impressions, source = 'stream') AS str_impressions
    FROM perf_daily
    WHERE account_id = ? AND target_id = 0 AND event_date >= ? AND event_date <= ?
    GROUP BY campaign_id, event_date
)`
	if err := s.DB.QueryRowContext(ctx, query, accountID, start, end).Scan(
		&t.ReportSpend, &t.ReportClicks, &t.ReportImpressions,
		&t.StreamSpend, &t.StreamClicks, &t.StreamImpressions); err != nil {
		return t, fmt.Errorf("query source totals: %w", err)
	}
	return t, nil
}

// HourBucket aggregates stream telemetry for one hour of day across a
// profile window.
type HourBucket struct {
	Hour        int
	Impressions int64
	Clicks      int64
	Spend       float64
	Sales       float64
	Orders      int64
}

// HourlyProfile sums campaign-level stream rows by hour of day over the
// inclusive [start, end] window. Report rows are daily and carry no hour,
// so only the stream feed contributes.
func (s *Store) HourlyProfile(ctx context.Context, accountID, campaignID int, start, end time.Time) ([]HourBucket, error) {
	if s == nil || s.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT event_hour, sum(impressions), sum(clicks), sum(spend), sum(sales), sum(orders)
FROM perf_daily
WHERE account_id = ? AND campaign_id = ? AND target_id = 0 AND source = 'stream'
  AND event_hour >= 0 AND event_date >= ? AND event_date <= ?
GROUP BY event_hour
ORDER BY event_hour`
	rows, err := s.DB.QueryContext(ctx, query, accountID, campaignID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query hourly profile: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var buckets []HourBucket
	for rows.Next() {
		var hour int16
		var b HourBucket
		if err := rows.Scan(&hour, &b.Impressions, &b.Clicks, &b.Spend, &b.Sales, &b.Orders); err != nil {
			return nil, fmt.Errorf("scan hourly bucket: %w", err)
		}
		b.Hour = int(hour)
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return buckets, nil
}

// BackfillGap identifies a (campaign, day) whose stream telemetry has no
// report coverage.
type BackfillGap struct {
	CampaignID int
	Date       time.Time
}

// StreamGapDays lists (campaign, day) pairs since the given day that carry
// stream rows older than olderThan but no report row at all.
func (s *Store) StreamGapDays(ctx context.Context, accountID int, since, olderThan time.Time) ([]BackfillGap, error) {
	if s == nil || s.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT campaign_id, event_date
FROM perf_daily
WHERE account_id = ? AND target_id = 0 AND event_date >= ?
GROUP BY campaign_id, event_date
HAVING countIf(source = 'report') = 0
   AND countIf(source = 'stream') > 0
   AND minIf(event_time, source = 'stream') < ?
ORDER BY event_date, campaign_id`
	rows, err := s.DB.QueryContext(ctx, query, accountID, since, olderThan)
	if err != nil {
		return nil, fmt.Errorf("query stream gaps: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var gaps []BackfillGap
	for rows.Next() {
		var campaignID int32
		var day time.Time
		if err := rows.Scan(&campaignID, &day); err != nil {
			return nil, fmt.Errorf("scan stream gap: %w", err)
		}
		gaps = append(gaps, BackfillGap{CampaignID: int(campaignID), Date: day})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return gaps, nil
}

// Close terminates the ClickHouse connection.
func (s *Store) Close() {
	if s != nil && s.DB != nil {
		if err := s.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}
