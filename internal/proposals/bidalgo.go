package proposals

import (
	"context"
	"fmt"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/curve"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// bidAlgoFullVolumePoints is the distinct-bid-point count at which the
// source stops discounting confidence for thin data.
const bidAlgoFullVolumePoints = 20

// BidAlgoSource proposes the profit-maximizing absolute bid from the
// target's latest market-curve model. It is the only absolute source; the
// others nudge multiplicatively around whatever base it establishes.
type BidAlgoSource struct{}

func (s *BidAlgoSource) Name() string { return models.ProposalSourceBaseAlgo }

// Analyze runs the profit search over the persisted curve. Targets without
// a model, and models whose derived confidence falls under the configured
// floor, produce nothing: a low-quality fit must not move money.
func (s *BidAlgoSource) Analyze(ctx context.Context, tc TargetContext) ([]models.BidProposal, error) {
	m := tc.Curve
	if m == nil {
		return nil, nil
	}
	confidence := curveConfidence(m, tc.Params)
	if confidence < tc.Params.MinConfidenceThreshold {
		return nil, nil
	}

	params := tc.Params
	params.ProfitMarginPct = 1 - tc.margin()
	sol := curve.OptimalBid(m, params)

	reason := fmt.Sprintf("profit-optimal bid %s (max profit %s/day, break-even CPC %s)",
		sol.OptimalBid.StringFixed(2), sol.MaxProfit.StringFixed(2), sol.BreakEvenCPC.StringFixed(2))
	if sol.MaxProfit.Sign() <= 0 {
		reason = fmt.Sprintf("no profitable bid on fitted curve (break-even CPC %s); holding at floor",
			sol.BreakEvenCPC.StringFixed(2))
	}

	return []models.BidProposal{{
		TargetID:    tc.Target.ID,
		TargetType:  tc.Target.TargetType,
		Source:      s.Name(),
		AbsoluteBid: sol.OptimalBid,
		Confidence:  confidence,
		Reason:      reason,
		CreatedAt:   tc.Now,
	}}, nil
}

// curveConfidence grades a model by fit quality and data volume. Fallback
// models carry the configured fallback grade; fitted models scale the fit's
// R2 by how much of the full-volume point count the fit saw.
func curveConfidence(m *models.MarketCurveModel, params models.AlgorithmParams) float64 {
	if m.Status == models.CurveStatusFallback {
		return params.CurveR2Fallback
	}
	volume := float64(m.DataPoints) / bidAlgoFullVolumePoints
	if volume > 1 {
		volume = 1
	}
	c := m.R2 * volume
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
