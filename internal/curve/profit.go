package curve

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// profitScanPoints is the coarse resolution of the bid-axis search. The best
// coarse point is refined to the cent afterwards.
const profitScanPoints = 200

// BidSolution prices one target from its fitted model: the bid that
// maximizes expected profit, the profit at that bid, and the click price at
// which a click exactly pays for itself.
type BidSolution struct {
	OptimalBid   decimal.Decimal `json:"optimal_bid"`
	MaxProfit    decimal.Decimal `json:"max_profit"`
	BreakEvenCPC decimal.Decimal `json:"break_even_cpc"`
	// ProfitMargin is the margin factor (1 − profitMarginPct) the search
	// priced clicks with.
	ProfitMargin float64 `json:"profit_margin"`
}

// ProfitAt evaluates the model's expected daily profit at one bid:
//
//	profit(b) = impr(b)·ctr(b)·cvr·aov·margin − impr(b)·ctr(b)·b
//
// Adjustment estimates are scored against this figure by the effect
// tracker.
func ProfitAt(m *models.MarketCurveModel, params models.AlgorithmParams, bid float64) float64 {
	valuePerClick := m.BreakEvenCPC(params.Margin()) * params.ConversionValueMultiplier
	traffic := m.Impressions(bid) * m.CTR(bid)
	return traffic * (valuePerClick - bid)
}

// OptimalBid searches [minBid, maxBid] for the bid maximizing ProfitAt with
// a coarse scan followed by cent-level refinement around the best coarse
// point. The search never fails: a model that cannot turn a profit anywhere
// settles on the floor bid with a non-positive MaxProfit, and the caller
// decides what to do with it.
func OptimalBid(m *models.MarketCurveModel, params models.AlgorithmParams) BidSolution {
	minBid, _ := params.MinBid.Float64()
	maxBid, _ := params.MaxBid.Float64()
	margin := params.Margin()
	breakEven := m.BreakEvenCPC(margin)

	profit := func(bid float64) float64 {
		return ProfitAt(m, params, bid)
	}

	step := (maxBid - minBid) / float64(profitScanPoints-1)
	bestBid, bestProfit := minBid, profit(minBid)
	for i := 1; i < profitScanPoints; i++ {
		b := minBid + float64(i)*step
		if p := profit(b); p > bestProfit {
			bestBid, bestProfit = b, p
		}
	}

	// Walk the cents around the winning coarse point.
	lo := math.Max(minBid, bestBid-step)
	hi := math.Min(maxBid, bestBid+step)
	for cents := int64(math.Ceil(lo * 100)); cents <= int64(math.Floor(hi*100)); cents++ {
		b := float64(cents) / 100
		if p := profit(b); p > bestProfit {
			bestBid, bestProfit = b, p
		}
	}

	return BidSolution{
		OptimalBid:   decimal.NewFromFloat(bestBid).Round(2),
		MaxProfit:    decimal.NewFromFloat(bestProfit).Round(4),
		BreakEvenCPC: decimal.NewFromFloat(breakEven).Round(4),
		ProfitMargin: margin,
	}
}
