package proposals

import (
	"context"
	"fmt"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// Organic-rank bands. A keyword the shop already wins organically does not
// need a full-price paid slot above it; a keyword the shop barely ranks for
// needs the paid slot to exist at all.
const (
	organicStrongRank = 3
	organicWeakRank   = 20
	organicStrongMult = 0.9
	organicWeakMult   = 1.1
	organicConfidence = 0.6
)

// OrganicRankSource guards against paid/organic cannibalization for keyword
// targets. Product targets and keywords without rank data pass through
// untouched.
type OrganicRankSource struct{}

func (s *OrganicRankSource) Name() string { return models.ProposalSourceOrganicRank }

func (s *OrganicRankSource) Analyze(ctx context.Context, tc TargetContext) ([]models.BidProposal, error) {
	rank := tc.Rank
	if rank == nil || !rank.Found || rank.Rank <= 0 || !tc.Target.IsKeyword() {
		return nil, nil
	}

	var (
		mult   float64
		reason string
	)
	switch {
	case rank.Rank <= organicStrongRank:
		mult = organicStrongMult
		reason = fmt.Sprintf("organic rank %d; easing paid bid to limit cannibalization", rank.Rank)
	case rank.Rank > organicWeakRank:
		mult = organicWeakMult
		reason = fmt.Sprintf("organic rank %d; paid slot must carry visibility", rank.Rank)
	default:
		return nil, nil
	}

	return []models.BidProposal{{
		TargetID:   tc.Target.ID,
		TargetType: tc.Target.TargetType,
		Source:     s.Name(),
		Multiplier: mult,
		Confidence: organicConfidence,
		Reason:     reason,
		CreatedAt:  tc.Now,
	}}, nil
}
