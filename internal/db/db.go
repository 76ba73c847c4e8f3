package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// Init hydrates the in-memory account store from Postgres and validates
// entity relationships. Pipelines read entities exclusively from the store;
// Postgres stays the write side.
func Init(ctx context.Context, pg *Postgres, store models.AccountDataStore) error {
	accounts, err := pg.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	for _, account := range accounts {
		if err := loadAccount(ctx, pg, store, account.ID); err != nil {
			return err
		}
	}
	zap.L().Info("Loaded account data", zap.Int("accounts", len(accounts)))
	return nil
}

// ReloadAccount refreshes a single account's entities in the store. The
// reload ticker calls this so out-of-band imports become visible without a
// restart.
func ReloadAccount(ctx context.Context, pg *Postgres, store models.AccountDataStore, accountID int) error {
	return loadAccount(ctx, pg, store, accountID)
}

func loadAccount(ctx context.Context, pg *Postgres, store models.AccountDataStore, accountID int) error {
	data, err := pg.LoadAccountData(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account %d: %w", accountID, err)
	}
	if err := validateAccountData(data); err != nil {
		return err
	}
	store.SetAccountData(data)
	return nil
}

// validateAccountData checks cross-references before the data becomes
// visible to pipelines. A broken reference here means a corrupt import, and
// serving half an account is worse than failing loudly.
func validateAccountData(data models.AccountData) error {
	campaigns := make(map[int]bool, len(data.Campaigns))
	groups := make(map[int]bool, len(data.Groups))
	for _, g := range data.Groups {
		groups[g.ID] = true
	}
	for _, c := range data.Campaigns {
		if c.AccountID != data.Account.ID {
			return fmt.Errorf("campaign %d references account %d, loaded under %d", c.ID, c.AccountID, data.Account.ID)
		}
		if c.PerformanceGroupID != 0 && !groups[c.PerformanceGroupID] {
			return fmt.Errorf("campaign %d references undefined performance group %d", c.ID, c.PerformanceGroupID)
		}
		campaigns[c.ID] = true
	}
	adGroups := make(map[int]bool, len(data.AdGroups))
	for _, g := range data.AdGroups {
		if !campaigns[g.CampaignID] {
			return fmt.Errorf("ad group %d references undefined campaign %d", g.ID, g.CampaignID)
		}
		adGroups[g.ID] = true
	}
	for _, t := range data.Targets {
		if !campaigns[t.CampaignID] {
			return fmt.Errorf("target %d references undefined campaign %d", t.ID, t.CampaignID)
		}
		if !adGroups[t.AdGroupID] {
			return fmt.Errorf("target %d references undefined ad group %d", t.ID, t.AdGroupID)
		}
	}
	return nil
}
