package dataplane

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
)

// Realtime source tiers, fastest first. The guard path walks down the list
// until a tier answers.
const (
	RealtimeSourceRedis  = "redis"
	RealtimeSourceStream = "stream"
	RealtimeSourceReport = "report"
)

// AlgorithmData answers an algorithm-facing query: merged daily rows whose
// event dates all fall on or before SafeEnd.
type AlgorithmData struct {
	Algo         string
	Rows         []models.PerformanceSnapshot
	WindowStart  time.Time
	SafeEnd      time.Time
	ExcludedDays int
}

// RealtimeSpend answers a guard-facing query. It carries only spend, clicks
// and impressions: conversion-derived fields are untrusted on the intraday
// horizon and deliberately absent from this type.
type RealtimeSpend struct {
	Spend       decimal.Decimal
	Clicks      int64
	Impressions int64
	LastUpdate  time.Time
	Source      string
	Stale       bool
}

// Reader is the query surface the optimization engines and intraday guards
// consume.
type Reader interface {
	// DataForAlgorithm returns merged daily rows for the account with the
	// freshness tail for the algorithm kind excluded. lookbackDays <= 0
	// selects the configured default window.
	DataForAlgorithm(ctx context.Context, accountID int, algo string, lookbackDays int) (*AlgorithmData, error)
	// HourlyProfile aggregates a campaign's stream telemetry by hour of
	// day over the dayparting safe window.
	HourlyProfile(ctx context.Context, accountID, campaignID, lookbackDays int) ([]HourBucket, error)
	// RealtimeSpendForGuard returns today's live counters for a campaign,
	// or for the whole account when campaignID is zero.
	RealtimeSpendForGuard(ctx context.Context, accountID, campaignID int) (*RealtimeSpend, error)
}

// DataPlane serves the two query contracts over the dual-track telemetry:
// frozen-window reads for algorithms, live-buffer reads for guards. Redis
// holds today's counters, ClickHouse holds both feeds' history, Postgres
// receives consistency audit rows.
type DataPlane struct {
	CH      *Store
	Redis   *db.RedisStore
	PG      *db.Postgres
	Params  *models.ParamsStore
	Metrics observability.MetricsRegistry

	// StaleAfter bounds how old served realtime data may be before the
	// stale warning is raised.
	StaleAfter time.Duration
	// BackfillAfter is how long a stream day may go unconfirmed by a
	// report row before repair is requested.
	BackfillAfter time.Duration

	now func() time.Time
}

var _ Reader = (*DataPlane)(nil)

// New wires a data plane over its storage tiers.
func New(ch *Store, redis *db.RedisStore, pg *db.Postgres, params *models.ParamsStore, metrics observability.MetricsRegistry) *DataPlane {
	return &DataPlane{
		CH:            ch,
		Redis:         redis,
		PG:            pg,
		Params:        params,
		Metrics:       metrics,
		StaleAfter:    15 * time.Minute,
		BackfillAfter: 4 * time.Hour,
		now:           time.Now,
	}
}

// DataForAlgorithm returns merged daily target rows inside the safe window
// for the algorithm kind. Conversions attribute with up to 48 hours of
// delay, so each kind hides its own trailing slice of days.
func (d *DataPlane) DataForAlgorithm(ctx context.Context, accountID int, algo string, lookbackDays int) (*AlgorithmData, error) {
	params := d.Params.Current()
	if lookbackDays <= 0 {
		lookbackDays = params.CurveWindowDays
	}
	excluded := params.ExcludeDaysFor(algo)
	start, end := safeWindow(d.now(), excluded, lookbackDays)

	rows, err := d.CH.MergedTargetDaily(ctx, accountID, start, end)
	if err != nil {
		return nil, fmt.Errorf("algorithm data for account %d: %w", accountID, err)
	}
	return &AlgorithmData{
		Algo:         algo,
		Rows:         rows,
		WindowStart:  start,
		SafeEnd:      end,
		ExcludedDays: excluded,
	}, nil
}

// HourlyProfile sums a campaign's stream rows by hour of day inside the
// dayparting safe window. Conversion columns come back too, but on hourly
// granularity only clicks/spend/impressions are trustworthy; orders and
// sales lag attribution and stay indicative.
func (d *DataPlane) HourlyProfile(ctx context.Context, accountID, campaignID, lookbackDays int) ([]HourBucket, error) {
	params := d.Params.Current()
	if lookbackDays <= 0 {
		lookbackDays = params.CurveWindowDays
	}
	start, end := safeWindow(d.now(), params.ExcludeDaysFor(models.AlgoDayparting), lookbackDays)
	buckets, err := d.CH.HourlyProfile(ctx, accountID, campaignID, start, end)
	if err != nil {
		return nil, fmt.Errorf("hourly profile for campaign %d: %w", campaignID, err)
	}
	return buckets, nil
}

// CampaignDaily returns merged campaign-level rows for the inclusive
// [start, end] window, without freshness exclusion. Callers that feed
// algorithms must go through DataForAlgorithm instead.
func (d *DataPlane) CampaignDaily(ctx context.Context, campaignID int, start, end time.Time) ([]models.PerformanceSnapshot, error) {
	rows, err := d.CH.MergedCampaignDaily(ctx, campaignID, start, end)
	if err != nil {
		return nil, fmt.Errorf("campaign daily for campaign %d: %w", campaignID, err)
	}
	return rows, nil
}

// TargetWindow returns merged daily rows for one target over the inclusive
// [start, end] window, without freshness exclusion. Effect measurement uses
// this once the horizon has fully attributed.
func (d *DataPlane) TargetWindow(ctx context.Context, accountID, targetID int, start, end time.Time) ([]models.PerformanceSnapshot, error) {
	rows, err := d.CH.MergedTargetWindow(ctx, accountID, targetID, start, end)
	if err != nil {
		return nil, fmt.Errorf("target window for target %d: %w", targetID, err)
	}
	return rows, nil
}

// RealtimeSpendForGuard walks the realtime tiers for today's counters:
// Redis first, then summed stream rows, then the newest report rows. A
// report answer is always marked stale; the other tiers are stale once
// their newest write is older than StaleAfter.
func (d *DataPlane) RealtimeSpendForGuard(ctx context.Context, accountID, campaignID int) (*RealtimeSpend, error) {
	now := d.now().UTC()
	day := truncateDay(now)

	if d.Redis != nil {
		res, err := d.redisRealtime(accountID, campaignID, now)
		if err != nil {
			zap.L().Warn("redis realtime read failed, trying stream rows",
				zap.Error(err), zap.Int("account_id", accountID))
		} else if res != nil {
			d.finishRealtime(res)
			return res, nil
		}
	}

	spend, clicks, impressions, last, err := d.CH.StreamDayTotals(ctx, accountID, campaignID, day)
	if err != nil {
		zap.L().Warn("stream realtime read failed, trying report rows",
			zap.Error(err), zap.Int("account_id", accountID))
	} else if !last.IsZero() {
		res := &RealtimeSpend{
			Spend:       decimal.NewFromFloat(spend),
			Clicks:      clicks,
			Impressions: impressions,
			LastUpdate:  last,
			Source:      RealtimeSourceStream,
			Stale:       now.Sub(last) > d.StaleAfter,
		}
		d.finishRealtime(res)
		return res, nil
	}

	spend, clicks, impressions, last, err = d.CH.ReportDayTotals(ctx, accountID, campaignID, day)
	if err != nil {
		return nil, fmt.Errorf("realtime spend for account %d: %w", accountID, err)
	}
	res := &RealtimeSpend{
		Spend:       decimal.NewFromFloat(spend),
		Clicks:      clicks,
		Impressions: impressions,
		LastUpdate:  last,
		Source:      RealtimeSourceReport,
		Stale:       true,
	}
	d.finishRealtime(res)
	return res, nil
}

// redisRealtime reads the hot counters. A nil result without error means
// Redis has no marker for the account and the caller should fall through.
func (d *DataPlane) redisRealtime(accountID, campaignID int, now time.Time) (*RealtimeSpend, error) {
	last, err := d.Redis.LastStreamUpdate(accountID)
	if err != nil {
		return nil, err
	}
	if last.IsZero() {
		return nil, nil
	}

	day := now.Format("2006-01-02")
	var spend float64
	var clicks, impressions int64
	if campaignID > 0 {
		spend, clicks, impressions, err = d.Redis.CampaignRealtime(campaignID, day)
	} else {
		spend, clicks, impressions, err = d.Redis.AccountRealtime(accountID, day)
	}
	if err != nil {
		return nil, err
	}
	return &RealtimeSpend{
		Spend:       decimal.NewFromFloat(spend),
		Clicks:      clicks,
		Impressions: impressions,
		LastUpdate:  last,
		Source:      RealtimeSourceRedis,
		Stale:       now.Sub(last) > d.StaleAfter,
	}, nil
}

func (d *DataPlane) finishRealtime(res *RealtimeSpend) {
	d.Metrics.IncrementRealtimeReads(res.Source)
	if res.Stale {
		d.Metrics.IncrementStaleRealtime()
		zap.L().Warn("serving stale realtime data",
			zap.String("source", res.Source),
			zap.Time("last_update", res.LastUpdate))
	}
}

// safeWindow computes the inclusive [start, end] day range for an algorithm
// query. end is the newest event day outside the freeze horizon; start
// reaches lookbackDays further back.
func safeWindow(now time.Time, excludeDays, lookbackDays int) (start, end time.Time) {
	end = truncateDay(now.UTC()).AddDate(0, 0, -excludeDays)
	start = end.AddDate(0, 0, -lookbackDays)
	return start, end
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
