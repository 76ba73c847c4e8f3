// Package curve fits per-target market response models: how impressions,
// clicks and conversions move with the bid. The fitted model prices the
// profit-maximizing bid for the base algorithm proposal source.
package curve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
)

// ErrInsufficientData is returned when a target has too few distinct bid
// points in the window to fit a curve. Callers proceed with defaults.
var ErrInsufficientData = errors.New("insufficient data for curve fit")

// Fitter rebuilds market curve models from safe-window telemetry.
type Fitter struct {
	Data    dataplane.Reader
	PG      *db.Postgres
	Params  *models.ParamsStore
	Metrics observability.MetricsRegistry
}

// NewFitter wires a fitter over its data source and model store.
func NewFitter(data dataplane.Reader, pg *db.Postgres, params *models.ParamsStore, metrics observability.MetricsRegistry) *Fitter {
	return &Fitter{Data: data, PG: pg, Params: params, Metrics: metrics}
}

// FitAccount refits every target with telemetry in the safe window and
// persists the resulting models. Targets without enough distinct bid points
// are skipped; a persistence failure skips the one target and keeps going.
func (f *Fitter) FitAccount(ctx context.Context, accountID int) ([]models.MarketCurveModel, error) {
	params := f.Params.Current()
	data, err := f.Data.DataForAlgorithm(ctx, accountID, models.AlgoBid, params.CurveWindowDays)
	if err != nil {
		return nil, fmt.Errorf("curve data for account %d: %w", accountID, err)
	}

	byTarget := make(map[int][]models.PerformanceSnapshot)
	for _, row := range data.Rows {
		if row.TargetID == 0 {
			continue
		}
		byTarget[row.TargetID] = append(byTarget[row.TargetID], row)
	}

	fitted := make([]models.MarketCurveModel, 0, len(byTarget))
	skipped := 0
	for targetID, rows := range byTarget {
		model, err := f.fit(accountID, targetID, rows, params)
		if err != nil {
			if errors.Is(err, ErrInsufficientData) {
				f.Metrics.IncrementCurveFits("insufficient_data")
				skipped++
				continue
			}
			return nil, err
		}
		if err := f.save(ctx, model); err != nil {
			zap.L().Error("persist curve model", zap.Error(err), zap.Int("target_id", targetID))
			f.Metrics.IncrementCurveFits("persist_failed")
			continue
		}
		f.Metrics.IncrementCurveFits(model.Status)
		fitted = append(fitted, *model)
	}

	zap.L().Info("Refit market curves",
		zap.Int("account_id", accountID),
		zap.Int("fitted", len(fitted)),
		zap.Int("skipped", skipped),
		zap.Time("safe_end", data.SafeEnd))
	return fitted, nil
}

// FitTarget rebuilds one target's model from the given rolling window.
// windowDays <= 0 selects the configured default.
func (f *Fitter) FitTarget(ctx context.Context, accountID, targetID, windowDays int) (*models.MarketCurveModel, error) {
	params := f.Params.Current()
	data, err := f.Data.DataForAlgorithm(ctx, accountID, models.AlgoBid, windowDays)
	if err != nil {
		return nil, fmt.Errorf("curve data for target %d: %w", targetID, err)
	}

	var rows []models.PerformanceSnapshot
	for _, row := range data.Rows {
		if row.TargetID == targetID {
			rows = append(rows, row)
		}
	}

	model, err := f.fit(accountID, targetID, rows, params)
	if err != nil {
		if errors.Is(err, ErrInsufficientData) {
			f.Metrics.IncrementCurveFits("insufficient_data")
		}
		return nil, err
	}
	if err := f.save(ctx, model); err != nil {
		return nil, fmt.Errorf("persist curve model for target %d: %w", targetID, err)
	}
	f.Metrics.IncrementCurveFits(model.Status)
	return model, nil
}

func (f *Fitter) save(ctx context.Context, model *models.MarketCurveModel) error {
	id, version, err := f.PG.SaveMarketCurveModel(ctx, *model)
	if err != nil {
		return err
	}
	model.ID = id
	model.Version = version
	return nil
}

// fit runs the full pipeline on one target's merged daily rows: group by
// bid, fit the impression curve, fit the CTR curve, derive conversion
// parameters.
func (f *Fitter) fit(accountID, targetID int, rows []models.PerformanceSnapshot, params models.AlgorithmParams) (*models.MarketCurveModel, error) {
	points := groupByBid(rows)
	if len(points) < params.MinDataPoints {
		return nil, fmt.Errorf("target %d has %d distinct bid points, need %d: %w",
			targetID, len(points), params.MinDataPoints, ErrInsufficientData)
	}

	a, b, c, r2 := fitImpressionCurve(points)
	median := medianBid(points)
	base, posBonus, topBonus := fitCTRCurve(points, median)
	cvr, aov := conversionParams(points)

	model := &models.MarketCurveModel{
		AccountID:  accountID,
		TargetID:   targetID,
		WindowDays: params.CurveWindowDays,
		DataPoints: len(points),

		ImprA:  a,
		ImprB:  b,
		ImprC:  c,
		R2:     r2,
		Status: models.CurveStatusFitted,

		CTRBase:           base,
		CTRPositionBonus:  posBonus,
		CTRTopSearchBonus: topBonus,
		MedianBid:         median,

		CVR:                  cvr,
		AOV:                  aov,
		AttributionDelayDays: params.AttributionDelayDays,

		FittedAt: time.Now().UTC(),
	}
	if r2 < params.CurveR2Fallback {
		model.Status = models.CurveStatusFallback
		model.FallbackPoints = points
	}
	return model, nil
}

// groupByBid collapses daily rows into one aggregated point per observed
// bid level (cent granularity). Rows without a bid carry no information
// about the bid axis and are dropped.
func groupByBid(rows []models.PerformanceSnapshot) []models.CurvePoint {
	byBid := make(map[int64]*models.CurvePoint)
	for _, row := range rows {
		bid, _ := row.Bid.Float64()
		if bid <= 0 {
			continue
		}
		cents := int64(math.Round(bid * 100))
		p, ok := byBid[cents]
		if !ok {
			p = &models.CurvePoint{Bid: float64(cents) / 100}
			byBid[cents] = p
		}
		spend, _ := row.Spend.Float64()
		sales, _ := row.Sales.Float64()
		p.Impressions += float64(row.Impressions)
		p.Clicks += float64(row.Clicks)
		p.Spend += spend
		p.Sales += sales
		p.Orders += float64(row.Orders)
	}

	points := make([]models.CurvePoint, 0, len(byBid))
	for _, p := range byBid {
		points = append(points, *p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Bid < points[j].Bid })
	return points
}

// medianBid returns the median of the observed bid levels.
func medianBid(points []models.CurvePoint) float64 {
	n := len(points)
	if n == 0 {
		return 0
	}
	// points arrive sorted by bid from groupByBid.
	if n%2 == 1 {
		return points[n/2].Bid
	}
	return (points[n/2-1].Bid + points[n/2].Bid) / 2
}

// conversionParams derives window-level CVR and AOV from the aggregated
// points.
func conversionParams(points []models.CurvePoint) (cvr, aov float64) {
	var clicks, orders, sales float64
	for _, p := range points {
		clicks += p.Clicks
		orders += p.Orders
		sales += p.Sales
	}
	if clicks > 0 {
		cvr = orders / clicks
	}
	if orders > 0 {
		aov = sales / orders
	}
	return cvr, aov
}
