package proposals

import (
	"context"
	"fmt"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform"
)

// Inventory multipliers per stock state. Out-of-stock is a hard constraint:
// paying for clicks that cannot convert only burns budget, so it carries
// full confidence and the deepest cut.
const (
	inventoryOOSMult        = 0.3
	inventoryLowMult        = 0.7
	inventoryOverstockMult  = 1.15
	inventoryOOSConfidence  = 1.0
	inventoryLowConfidence  = 0.9
	inventoryOverConfidence = 0.7
)

// InventorySource encodes stock protection. It reads the stock position the
// builder fetched from the platform and suppresses or pushes bids so ad
// spend tracks what the account can actually sell.
type InventorySource struct{}

func (s *InventorySource) Name() string { return models.ProposalSourceInventory }

func (s *InventorySource) Analyze(ctx context.Context, tc TargetContext) ([]models.BidProposal, error) {
	inv := tc.Inventory
	if inv == nil {
		return nil, nil
	}

	var (
		mult       float64
		confidence float64
		reason     string
	)
	switch inv.Status {
	case platform.StockOutOfStock:
		mult, confidence = inventoryOOSMult, inventoryOOSConfidence
		reason = "out of stock; suppressing bid to minimum participation"
	case platform.StockLow:
		mult, confidence = inventoryLowMult, inventoryLowConfidence
		reason = fmt.Sprintf("stock cover %.1f days; throttling spend until replenished", inv.StockCoverDays)
	case platform.StockOverstocked:
		mult, confidence = inventoryOverstockMult, inventoryOverConfidence
		reason = fmt.Sprintf("overstocked (%.0f days cover); pushing for volume", inv.StockCoverDays)
	default:
		return nil, nil
	}

	return []models.BidProposal{{
		TargetID:   tc.Target.ID,
		TargetType: tc.Target.TargetType,
		Source:     s.Name(),
		Multiplier: mult,
		Confidence: confidence,
		Reason:     reason,
		CreatedAt:  tc.Now,
	}}, nil
}
