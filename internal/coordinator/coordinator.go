// Package coordinator fuses per-source bid proposals into one final bid per
// target, enforces the theoretical-CPC cap, and owns the only automated
// write path into target bids.
package coordinator

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// Inputs is everything one coordination decision consumes. PlacementPct is
// the campaign's worst-case tilt percent and DaypartingMult the multiplier
// in force for the current hour (overrides already layered in); together
// with the bid they bound the worst-case click price.
type Inputs struct {
	Account  *models.Account
	Campaign *models.Campaign
	Target   *models.Target

	Proposals      []models.BidProposal
	PlacementPct   int
	DaypartingMult float64

	// ExpectedProfitDelta is the caller's estimate of the daily profit
	// change, recorded on the history row for the effect tracker. Zero
	// when no curve model priced the move.
	ExpectedProfitDelta decimal.Decimal
}

// Coordinate runs the merge-and-cap algorithm and returns the decision
// without persisting anything. The result's FinalBid equals OriginalBid
// when there was nothing actionable.
func Coordinate(in Inputs, params models.AlgorithmParams, now time.Time) *models.CoordinationResult {
	res := &models.CoordinationResult{
		ID:          uuid.NewString(),
		AccountID:   in.Account.ID,
		CampaignID:  in.Campaign.ID,
		TargetID:    in.Target.ID,
		OriginalBid: in.Target.CurrentBid,
		FinalBid:    in.Target.CurrentBid,
		Proposals:   in.Proposals,
		ComputedAt:  now,
	}

	currentBid, _ := in.Target.CurrentBid.Float64()
	if len(in.Proposals) == 0 {
		res.Reason = "no proposals"
		res.EffectiveMultiplier = 1
		return res
	}
	if currentBid <= 0 {
		res.Reason = "target has no current bid"
		res.Warnings = append(res.Warnings, "current bid is zero; coordinator cannot scale it")
		res.EffectiveMultiplier = 1
		return res
	}

	daypartingMult := in.DaypartingMult
	if daypartingMult <= 0 {
		daypartingMult = 1
	}
	placementPct := in.PlacementPct
	if placementPct < 0 {
		placementPct = 0
	}
	placementFactor := 1 + float64(placementPct)/100

	selected := selectPerSource(in.Proposals, currentBid)
	newBid := combine(selected, currentBid, params.Weights)
	res.EffectiveMultiplier = newBid / currentBid

	// Worst-case click price given every multiplier in force.
	cpc := newBid * daypartingMult * placementFactor
	maxCPC, _ := params.MaxAllowedCPC.Float64()
	if cpc > maxCPC {
		capBid := maxCPC / (daypartingMult * placementFactor)
		ceiling := currentBid * params.CircuitBreakerMultiplier
		safe := math.Min(capBid, ceiling)
		res.CircuitBreakerTripped = true
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"[circuit-breaker] theoretical CPC %.2f exceeds cap %.2f; bid capped at %.2f",
			cpc, maxCPC, safe))
		newBid = safe
		cpc = newBid * daypartingMult * placementFactor
	}

	warnCPC, _ := params.CPCWarningThreshold.Float64()
	if cpc > warnCPC {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"theoretical CPC %.2f exceeds warning threshold %.2f", cpc, warnCPC))
	}
	if total := res.EffectiveMultiplier * daypartingMult * placementFactor; total > params.MaxTotalMultiplier {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"total multiplier %.2f exceeds %.2f", total, params.MaxTotalMultiplier))
	}

	res.TheoreticalMaxCPC = decimal.NewFromFloat(cpc).Round(4)
	res.FinalBid = clampAndRound(newBid, params)
	res.Reason = summarize(selected, in.Target.CurrentBid, res.FinalBid)
	return res
}

// selectPerSource reduces each source's proposals to its most credible one:
// highest confidence first, smaller magnitude of change on ties. The merge
// then sees at most one voice per source.
func selectPerSource(proposals []models.BidProposal, currentBid float64) []models.BidProposal {
	bySource := make(map[string][]models.BidProposal)
	var order []string
	for _, p := range proposals {
		if _, seen := bySource[p.Source]; !seen {
			order = append(order, p.Source)
		}
		bySource[p.Source] = append(bySource[p.Source], p)
	}

	selected := make([]models.BidProposal, 0, len(order))
	for _, source := range order {
		group := bySource[source]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Confidence != group[j].Confidence {
				return group[i].Confidence > group[j].Confidence
			}
			return magnitude(group[i], currentBid) < magnitude(group[j], currentBid)
		})
		selected = append(selected, group[0])
	}
	return selected
}

// magnitude measures how far a proposal moves the bid, in relative terms.
func magnitude(p models.BidProposal, currentBid float64) float64 {
	if p.IsAbsolute() {
		abs, _ := p.AbsoluteBid.Float64()
		if currentBid <= 0 {
			return math.Abs(abs)
		}
		return math.Abs(abs-currentBid) / currentBid
	}
	return math.Abs(p.Multiplier - 1)
}

// combine folds the selected proposals into a new base bid. Absolute
// proposals set the base through a weight·confidence-weighted average;
// multiplicative proposals then scale it through the product of their
// confidence-discounted effective multipliers.
func combine(selected []models.BidProposal, currentBid float64, weights models.CoordinationWeights) float64 {
	base := currentBid
	var absSum, absWeight float64
	for _, p := range selected {
		if !p.IsAbsolute() {
			continue
		}
		w := weights.For(p.Source) * p.Confidence
		if w <= 0 {
			continue
		}
		bid, _ := p.AbsoluteBid.Float64()
		absSum += bid * w
		absWeight += w
	}
	if absWeight > 0 {
		base = absSum / absWeight
	}

	mult := 1.0
	for _, p := range selected {
		if p.IsAbsolute() {
			continue
		}
		mult *= 1 + (p.Multiplier-1)*weights.For(p.Source)*p.Confidence
	}
	if mult <= 0 {
		mult = 0.01
	}
	return base * mult
}

func clampAndRound(bid float64, params models.AlgorithmParams) decimal.Decimal {
	d := decimal.NewFromFloat(bid)
	if d.LessThan(params.MinBid) {
		d = params.MinBid
	}
	if d.GreaterThan(params.MaxBid) {
		d = params.MaxBid
	}
	return d.Round(2)
}

func summarize(selected []models.BidProposal, from, to decimal.Decimal) string {
	sources := make([]string, 0, len(selected))
	for _, p := range selected {
		sources = append(sources, p.Source)
	}
	return fmt.Sprintf("merged %d proposal(s) from [%s]: bid %s -> %s",
		len(selected), strings.Join(sources, " "), from.StringFixed(2), to.StringFixed(2))
}
