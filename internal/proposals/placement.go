package proposals

import (
	"context"
	"fmt"
	"math"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

const (
	// placementMinClicks is the window click floor for judging a
	// campaign's placement economics.
	placementMinClicks = 30
	// ROAS-to-break-even ratio bands. Between the two the tilt is left
	// alone.
	placementLowRatio  = 0.8
	placementHighRatio = 1.5
	// Proposal multipliers for the two bands.
	placementDownMult = 0.9
	placementUpMult   = 1.1
	// placementTiltStep and placementMaxPct bound the recommended tilt
	// carried in the reason string.
	placementTiltStep = 25
	placementMaxPct   = 200
	// placementMaxConfidence caps the click-volume confidence ramp.
	placementMaxConfidence = 0.8
)

// PlacementSource judges whether the campaign's placement premium is paying
// for itself. When the safe-window ROAS sits clearly below break-even while
// a tilt amplifies every click, it nudges the base bid down and recommends
// a trimmed tilt; when ROAS clears break-even with room to spare it nudges
// up. Tilt writes themselves go through the batch pipeline, never from here.
type PlacementSource struct{}

func (s *PlacementSource) Name() string { return models.ProposalSourcePlacement }

func (s *PlacementSource) Analyze(ctx context.Context, tc TargetContext) ([]models.BidProposal, error) {
	perf := tc.CampaignPerf
	if perf.Clicks < placementMinClicks || perf.Spend.IsZero() {
		return nil, nil
	}
	margin := tc.margin()
	if margin <= 0 {
		return nil, nil
	}
	breakEven := 1 / margin
	ratio := perf.ROAS() / breakEven

	tilt := tc.Campaign.Placements.MaxPct()
	confidence := float64(perf.Clicks) / float64(perf.Clicks+2*placementMinClicks)
	if confidence > placementMaxConfidence {
		confidence = placementMaxConfidence
	}

	switch {
	case ratio < placementLowRatio && tilt > 0:
		recommended := recommendTilt(tilt, ratio)
		return []models.BidProposal{{
			TargetID:   tc.Target.ID,
			TargetType: tc.Target.TargetType,
			Source:     s.Name(),
			Multiplier: placementDownMult,
			Confidence: confidence,
			Reason: fmt.Sprintf("ROAS %.2f is %.0f%% of break-even with +%d%% tilt; recommend tilt +%d%%",
				perf.ROAS(), ratio*100, tilt, recommended),
			CreatedAt: tc.Now,
		}}, nil
	case ratio >= placementHighRatio:
		recommended := tilt + placementTiltStep
		if recommended > placementMaxPct {
			recommended = placementMaxPct
		}
		return []models.BidProposal{{
			TargetID:   tc.Target.ID,
			TargetType: tc.Target.TargetType,
			Source:     s.Name(),
			Multiplier: placementUpMult,
			Confidence: confidence,
			Reason: fmt.Sprintf("ROAS %.2f clears break-even %.2f; recommend tilt +%d%%",
				perf.ROAS(), breakEven, recommended),
			CreatedAt: tc.Now,
		}}, nil
	}
	return nil, nil
}

// recommendTilt scales the current tilt by how much of break-even the
// campaign actually earns, in steps, never below zero.
func recommendTilt(current int, ratio float64) int {
	scaled := float64(current) * ratio
	stepped := int(math.Round(scaled/placementTiltStep)) * placementTiltStep
	if stepped < 0 {
		return 0
	}
	if stepped > placementMaxPct {
		return placementMaxPct
	}
	return stepped
}
