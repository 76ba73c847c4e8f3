package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NewTestAccountDataStore creates an in-memory store for testing.
func NewTestAccountDataStore() AccountDataStore {
	return NewInMemoryAccountDataStore()
}

// TestAccountData builds a small single-campaign account for tests: one
// campaign with one ad group and the given targets.
func TestAccountData(accountID, campaignID int, targets ...Target) AccountData {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range targets {
		if targets[i].AccountID == 0 {
			targets[i].AccountID = accountID
		}
		if targets[i].CampaignID == 0 {
			targets[i].CampaignID = campaignID
		}
		if targets[i].AdGroupID == 0 {
			targets[i].AdGroupID = campaignID * 10
		}
		if targets[i].Status == "" {
			targets[i].Status = StatusEnabled
		}
		if targets[i].TargetType == "" {
			targets[i].TargetType = TargetTypeKeyword
		}
	}
	return AccountData{
		Account: Account{
			ID:              accountID,
			ExternalID:      "profile-test",
			Name:            "test account",
			Marketplace:     "US",
			Status:          AccountStatusActive,
			ProfitMarginPct: 0.3,
			CreatedAt:       now,
		},
		Campaigns: []Campaign{{
			ID:           campaignID,
			AccountID:    accountID,
			ExternalID:   "camp-test",
			Name:         "test campaign",
			CampaignType: CampaignTypeSponsoredProducts,
			DailyBudget:  decimal.NewFromInt(100),
			Status:       StatusEnabled,
			CreatedAt:    now,
		}},
		AdGroups: []AdGroup{{
			ID:         campaignID * 10,
			AccountID:  accountID,
			CampaignID: campaignID,
			ExternalID: "ag-test",
			Name:       "test ad group",
			DefaultBid: decimal.NewFromFloat(0.75),
			Status:     StatusEnabled,
		}},
		Targets: targets,
	}
}

// TestKeyword builds an enabled keyword target with the given bid.
func TestKeyword(id int, text string, bid float64) Target {
	return Target{
		ID:         id,
		TargetType: TargetTypeKeyword,
		MatchType:  MatchTypeExact,
		Text:       text,
		CurrentBid: decimal.NewFromFloat(bid),
		Status:     StatusEnabled,
	}
}
