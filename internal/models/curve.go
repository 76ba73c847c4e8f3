package models

import (
	"math"
	"sort"
	"time"
)

// Curve model statuses. A fitted model evaluates the exponential form; a
// fallback model interpolates the observed points piecewise linearly.
const (
	CurveStatusFitted   = "fitted"
	CurveStatusFallback = "fallback"
)

// CurvePoint is one aggregated observation on the bid axis: the median
// performance seen at (approximately) one bid value.
type CurvePoint struct {
	Bid         float64 `json:"bid"`
	Impressions float64 `json:"impressions"`
	Clicks      float64 `json:"clicks"`
	Spend       float64 `json:"spend"`
	Sales       float64 `json:"sales"`
	Orders      float64 `json:"orders"`
}

// MarketCurveModel holds the fitted market response for one target:
// an impression-vs-bid curve impr(bid) = A·(1 − e^(−B·bid)) + C, a CTR curve
// base + positionBonus·f(bid) + topSearchBonus·g(bid) with saturating f and
// g, and the conversion parameters needed to price a click. Models are
// rebuilt from a rolling window and versioned; a build never mutates an
// earlier row.
type MarketCurveModel struct {
	ID        int `json:"id"`
	AccountID int `json:"account_id"`
	TargetID  int `json:"target_id"`
	Version   int `json:"version"`
	// WindowDays and DataPoints record the fit inputs: the rolling window
	// queried and the distinct bid points that survived grouping.
	WindowDays int `json:"window_days"`
	DataPoints int `json:"data_points"`

	ImprA float64 `json:"impr_a"`
	ImprB float64 `json:"impr_b"`
	ImprC float64 `json:"impr_c"`
	// R2 is the coefficient of determination of the impression fit.
	R2     float64 `json:"r2"`
	Status string  `json:"status"`
	// FallbackPoints back the piecewise-linear form when Status is
	// fallback; they are kept sorted by bid.
	FallbackPoints []CurvePoint `json:"fallback_points,omitempty"`

	CTRBase           float64 `json:"ctr_base"`
	CTRPositionBonus  float64 `json:"ctr_position_bonus"`
	CTRTopSearchBonus float64 `json:"ctr_top_search_bonus"`
	// MedianBid is the saturation scale of the CTR curve terms.
	MedianBid float64 `json:"median_bid"`

	CVR                  float64 `json:"cvr"`
	AOV                  float64 `json:"aov"`
	AttributionDelayDays int     `json:"attribution_delay_days"`

	FittedAt time.Time `json:"fitted_at"`
}

// Impressions evaluates the impression curve at a bid. Fallback models
// interpolate linearly between observed points and hold flat beyond the
// observed range.
func (m *MarketCurveModel) Impressions(bid float64) float64 {
	if m.Status == CurveStatusFallback {
		return interpolate(m.FallbackPoints, bid)
	}
	v := m.ImprA*(1-math.Exp(-m.ImprB*bid)) + m.ImprC
	if v < 0 {
		return 0
	}
	return v
}

// CTR evaluates the click-through curve at a bid. Both bonus terms saturate:
// the position term as bid/(bid+m), the top-of-search term as b²/(b²+m²).
func (m *MarketCurveModel) CTR(bid float64) float64 {
	scale := m.MedianBid
	if scale <= 0 {
		scale = 1
	}
	pos := bid / (bid + scale)
	top := (bid * bid) / (bid*bid + scale*scale)
	v := m.CTRBase + m.CTRPositionBonus*pos + m.CTRTopSearchBonus*top
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BreakEvenCPC returns the click price at which a click exactly pays for
// itself: AOV · CVR · margin.
func (m *MarketCurveModel) BreakEvenCPC(margin float64) float64 {
	return m.AOV * m.CVR * margin
}

// interpolate evaluates a piecewise-linear curve over points sorted by bid.
func interpolate(points []CurvePoint, bid float64) float64 {
	if len(points) == 0 {
		return 0
	}
	if bid <= points[0].Bid {
		return points[0].Impressions
	}
	last := points[len(points)-1]
	if bid >= last.Bid {
		return last.Impressions
	}
	i := sort.Search(len(points), func(i int) bool { return points[i].Bid >= bid })
	lo, hi := points[i-1], points[i]
	if hi.Bid == lo.Bid {
		return lo.Impressions
	}
	frac := (bid - lo.Bid) / (hi.Bid - lo.Bid)
	return lo.Impressions + frac*(hi.Impressions-lo.Impressions)
}
