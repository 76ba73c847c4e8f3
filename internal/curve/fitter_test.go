package curve

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
)

// snapshotAt builds one merged daily row for the fitter input.
func snapshotAt(targetID int, bid float64, impressions, clicks, orders int64, spend, sales float64) models.PerformanceSnapshot {
	return models.PerformanceSnapshot{
		AccountID:   7,
		CampaignID:  1,
		TargetID:    targetID,
		Date:        time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC),
		Hour:        -1,
		Source:      models.SnapshotSourceMerged,
		Impressions: impressions,
		Clicks:      clicks,
		Orders:      orders,
		Spend:       decimal.NewFromFloat(spend),
		Sales:       decimal.NewFromFloat(sales),
		Bid:         decimal.NewFromFloat(bid),
	}
}

func TestGroupByBidAggregates(t *testing.T) {
	rows := []models.PerformanceSnapshot{
		snapshotAt(42, 0.50, 100, 10, 1, 5, 30),
		snapshotAt(42, 0.50, 200, 20, 2, 10, 60),
		snapshotAt(42, 0.75, 400, 30, 3, 22.5, 90),
		snapshotAt(42, 0, 999, 99, 9, 99, 999), // no bid recorded, dropped
	}

	points := groupByBid(rows)
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	if points[0].Bid != 0.50 || points[0].Impressions != 300 || points[0].Clicks != 30 {
		t.Fatalf("first point = %+v, want aggregated 0.50 bucket", points[0])
	}
	if points[1].Bid != 0.75 || points[1].Orders != 3 {
		t.Fatalf("second point = %+v, want 0.75 bucket", points[1])
	}
}

func TestFitImpressionCurveRecoversShape(t *testing.T) {
	// Points generated from impr(bid) = 1000·(1 − e^(−2·bid)) + 50.
	gen := func(bid float64) float64 { return 1000*(1-math.Exp(-2*bid)) + 50 }
	var points []models.CurvePoint
	for _, bid := range []float64{0.10, 0.25, 0.50, 0.75, 1.00, 1.50, 2.00, 3.00} {
		points = append(points, models.CurvePoint{Bid: bid, Impressions: gen(bid)})
	}

	a, b, c, r2 := fitImpressionCurve(points)
	if r2 < 0.99 {
		t.Fatalf("r2 = %v, want near-perfect fit on noiseless data", r2)
	}
	for _, bid := range []float64{0.30, 1.20, 2.50} {
		got := a*(1-math.Exp(-b*bid)) + c
		want := gen(bid)
		if math.Abs(got-want) > want*0.05 {
			t.Fatalf("fitted curve at %v = %v, want within 5%% of %v", bid, got, want)
		}
	}
}

func TestFitCTRCurveDegradesToPooledAverage(t *testing.T) {
	// A single bid level makes the 3x3 system singular; the fit should
	// settle on the impression-weighted mean CTR with no bonus terms.
	points := []models.CurvePoint{
		{Bid: 1.00, Impressions: 1000, Clicks: 50},
		{Bid: 1.00, Impressions: 3000, Clicks: 30},
	}
	base, pos, top := fitCTRCurve(points, 1.00)
	if pos != 0 || top != 0 {
		t.Fatalf("bonus terms = (%v, %v), want zero on singular system", pos, top)
	}
	want := 80.0 / 4000.0
	if math.Abs(base-want) > 1e-9 {
		t.Fatalf("pooled ctr = %v, want %v", base, want)
	}
}

func TestFitFallsBackOnAlternatingData(t *testing.T) {
	// Impressions that alternate with bid cannot satisfy a monotone
	// saturating curve; the R² gate must route the model to the
	// piecewise-linear fallback.
	rows := []models.PerformanceSnapshot{
		snapshotAt(42, 0.50, 100, 5, 1, 2.5, 25),
		snapshotAt(42, 1.00, 1000, 50, 5, 50, 250),
		snapshotAt(42, 1.50, 100, 5, 1, 7.5, 25),
		snapshotAt(42, 2.00, 1000, 50, 5, 100, 250),
		snapshotAt(42, 2.50, 100, 5, 1, 12.5, 25),
	}
	f := &Fitter{}
	model, err := f.fit(7, 42, rows, models.DefaultAlgorithmParams())
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if model.Status != models.CurveStatusFallback {
		t.Fatalf("status = %q, want %q (r2 = %v)", model.Status, models.CurveStatusFallback, model.R2)
	}
	if len(model.FallbackPoints) != 5 {
		t.Fatalf("fallback points = %d, want 5", len(model.FallbackPoints))
	}
	// The fallback interpolates between observations.
	mid := model.Impressions(0.75)
	if mid < 99 || mid > 1001 {
		t.Fatalf("interpolated impressions at 0.75 = %v, want between the neighbors", mid)
	}
}

func TestFitRejectsSparseTargets(t *testing.T) {
	rows := []models.PerformanceSnapshot{
		snapshotAt(42, 0.50, 100, 5, 1, 2.5, 25),
		snapshotAt(42, 1.00, 200, 10, 2, 10, 50),
	}
	f := &Fitter{}
	if _, err := f.fit(7, 42, rows, models.DefaultAlgorithmParams()); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestFitTargetInsufficientData(t *testing.T) {
	mock := &dataplane.MockReader{
		Data: map[string]*dataplane.AlgorithmData{
			models.AlgoBid: {
				Algo: models.AlgoBid,
				Rows: []models.PerformanceSnapshot{
					snapshotAt(42, 0.50, 100, 5, 1, 2.5, 25),
				},
			},
		},
	}
	f := NewFitter(mock, nil, models.NewParamsStore(models.DefaultAlgorithmParams()), observability.NewNoOpRegistry())
	if _, err := f.FitTarget(context.Background(), 7, 42, 30); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestOptimalBidLandsNearProfitPeak(t *testing.T) {
	// impr(b) = 1000·(1 − e^(−2b)), flat CTR 10%, CVR 10%, AOV $30,
	// margin 0.7 ⇒ value per click $2.10. The profit peak of
	// (1 − e^(−2b))·(2.1 − b) sits near $0.67.
	model := &models.MarketCurveModel{
		ImprA: 1000, ImprB: 2, ImprC: 0,
		Status:    models.CurveStatusFitted,
		CTRBase:   0.10,
		MedianBid: 1,
		CVR:       0.10,
		AOV:       30,
	}
	sol := OptimalBid(model, models.DefaultAlgorithmParams())

	bid, _ := sol.OptimalBid.Float64()
	if bid < 0.60 || bid > 0.75 {
		t.Fatalf("optimal bid = %v, want near 0.67", bid)
	}
	if !sol.MaxProfit.IsPositive() {
		t.Fatalf("max profit = %v, want positive", sol.MaxProfit)
	}
	if !sol.BreakEvenCPC.Equal(decimal.NewFromFloat(2.1)) {
		t.Fatalf("break-even cpc = %v, want 2.1", sol.BreakEvenCPC)
	}
	if math.Abs(sol.ProfitMargin-0.7) > 1e-9 {
		t.Fatalf("profit margin = %v, want 0.7", sol.ProfitMargin)
	}
}

func TestOptimalBidFloorsWhenUnprofitable(t *testing.T) {
	// No conversions ⇒ every click loses money ⇒ the search settles on
	// the floor bid rather than failing.
	model := &models.MarketCurveModel{
		ImprA: 1000, ImprB: 2, ImprC: 0,
		Status:    models.CurveStatusFitted,
		CTRBase:   0.10,
		MedianBid: 1,
	}
	params := models.DefaultAlgorithmParams()
	sol := OptimalBid(model, params)

	if !sol.OptimalBid.Equal(params.MinBid) {
		t.Fatalf("optimal bid = %v, want floor %v", sol.OptimalBid, params.MinBid)
	}
	if sol.MaxProfit.IsPositive() {
		t.Fatalf("max profit = %v, want non-positive", sol.MaxProfit)
	}
}
