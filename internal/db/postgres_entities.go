package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// LoadAccounts returns every account row.
func (p *Postgres) LoadAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, external_id, name, marketplace, status, profit_margin_pct, created_at, updated_at
		 FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.ExternalID, &a.Name, &a.Marketplace, &a.Status,
			&a.ProfitMarginPct, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// LoadAccountData loads one account with all of its campaigns, ad groups,
// targets and performance groups. The result feeds the in-memory store.
func (p *Postgres) LoadAccountData(ctx context.Context, accountID int) (models.AccountData, error) {
	var data models.AccountData

	var a models.Account
	err := p.DB.QueryRowContext(ctx,
		`SELECT id, external_id, name, marketplace, status, profit_margin_pct, created_at, updated_at
		 FROM accounts WHERE id = $1`, accountID).
		Scan(&a.ID, &a.ExternalID, &a.Name, &a.Marketplace, &a.Status,
			&a.ProfitMarginPct, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return data, fmt.Errorf("account %d: %w", accountID, models.ErrNotFound)
	}
	if err != nil {
		return data, fmt.Errorf("query account %d: %w", accountID, err)
	}
	data.Account = a

	data.Groups, err = p.loadPerformanceGroups(ctx, accountID)
	if err != nil {
		return data, err
	}
	data.Campaigns, err = p.loadCampaigns(ctx, accountID)
	if err != nil {
		return data, err
	}
	data.AdGroups, err = p.loadAdGroups(ctx, accountID)
	if err != nil {
		return data, err
	}
	data.Targets, err = p.loadTargets(ctx, accountID)
	if err != nil {
		return data, err
	}
	return data, nil
}

func (p *Postgres) loadPerformanceGroups(ctx context.Context, accountID int) ([]models.PerformanceGroup, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, account_id, name, goal, goal_value, profit_margin_pct, created_at, updated_at
		 FROM performance_groups WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query performance_groups: %w", err)
	}
	defer rows.Close()

	var groups []models.PerformanceGroup
	for rows.Next() {
		var g models.PerformanceGroup
		if err := rows.Scan(&g.ID, &g.AccountID, &g.Name, &g.Goal, &g.GoalValue,
			&g.ProfitMarginPct, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan performance group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (p *Postgres) loadCampaigns(ctx context.Context, accountID int) ([]models.Campaign, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, account_id, external_id, name, campaign_type, daily_budget, status,
		        top_of_search_pct, product_page_pct, rest_of_search_pct, dayparting,
		        COALESCE(performance_group_id, 0), created_at, updated_at
		 FROM campaigns WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		var c models.Campaign
		var dayparting []byte
		if err := rows.Scan(&c.ID, &c.AccountID, &c.ExternalID, &c.Name, &c.CampaignType,
			&c.DailyBudget, &c.Status,
			&c.Placements.TopOfSearchPct, &c.Placements.ProductPagePct, &c.Placements.RestOfSearchPct,
			&dayparting, &c.PerformanceGroupID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		if len(dayparting) > 0 {
			var policy models.DaypartingPolicy
			if err := json.Unmarshal(dayparting, &policy); err != nil {
				return nil, fmt.Errorf("decode dayparting for campaign %d: %w", c.ID, err)
			}
			c.Dayparting = &policy
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (p *Postgres) loadAdGroups(ctx context.Context, accountID int) ([]models.AdGroup, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, account_id, campaign_id, external_id, name, default_bid, status
		 FROM ad_groups WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query ad_groups: %w", err)
	}
	defer rows.Close()

	var adGroups []models.AdGroup
	for rows.Next() {
		var g models.AdGroup
		if err := rows.Scan(&g.ID, &g.AccountID, &g.CampaignID, &g.ExternalID,
			&g.Name, &g.DefaultBid, &g.Status); err != nil {
			return nil, fmt.Errorf("scan ad group: %w", err)
		}
		adGroups = append(adGroups, g)
	}
	return adGroups, rows.Err()
}

func (p *Postgres) loadTargets(ctx context.Context, accountID int) ([]models.Target, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT id, account_id, campaign_id, ad_group_id, external_id, target_type,
		        COALESCE(match_type, ''), text, COALESCE(keyword_type, ''),
		        current_bid, status, created_at, updated_at
		 FROM targets WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var targets []models.Target
	for rows.Next() {
		var t models.Target
		if err := rows.Scan(&t.ID, &t.AccountID, &t.CampaignID, &t.AdGroupID, &t.ExternalID,
			&t.TargetType, &t.MatchType, &t.Text, &t.KeywordType,
			&t.CurrentBid, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// UpdateTargetBid writes the durable bid; the caller is responsible for
// pushing the same value to the ad platform.
func (p *Postgres) UpdateTargetBid(ctx context.Context, accountID, targetID int, bid decimal.Decimal) error {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE targets SET current_bid = $1, updated_at = NOW() WHERE id = $2 AND account_id = $3`,
		bid, targetID, accountID)
	if err != nil {
		return fmt.Errorf("update target %d bid: %w", targetID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("target %d: %w", targetID, models.ErrNotFound)
	}
	return nil
}

// UpdateTargetStatus transitions a target between enabled, paused and archived.
func (p *Postgres) UpdateTargetStatus(ctx context.Context, accountID, targetID int, status string) error {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE targets SET status = $1, updated_at = NOW() WHERE id = $2 AND account_id = $3`,
		status, targetID, accountID)
	if err != nil {
		return fmt.Errorf("update target %d status: %w", targetID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("target %d: %w", targetID, models.ErrNotFound)
	}
	return nil
}

// UpdateCampaignStatus transitions a campaign between enabled and paused.
func (p *Postgres) UpdateCampaignStatus(ctx context.Context, accountID, campaignID int, status string) error {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2 AND account_id = $3`,
		status, campaignID, accountID)
	if err != nil {
		return fmt.Errorf("update campaign %d status: %w", campaignID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %d: %w", campaignID, models.ErrNotFound)
	}
	return nil
}

// UpdateAccountStatus flags an account, typically active -> needs_reauth when
// the platform rejects our credentials.
func (p *Postgres) UpdateAccountStatus(ctx context.Context, accountID int, status string) error {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE accounts SET status = $1, updated_at = NOW() WHERE id = $2`, status, accountID)
	if err != nil {
		return fmt.Errorf("update account %d status: %w", accountID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %d: %w", accountID, models.ErrNotFound)
	}
	return nil
}

// InsertAccount creates an account row and returns its id. Used by the data
// seeder and tests; production accounts arrive through the import pipeline.
func (p *Postgres) InsertAccount(ctx context.Context, a models.Account) (int, error) {
	var id int
	err := p.DB.QueryRowContext(ctx,
		`INSERT INTO accounts (external_id, name, marketplace, status, profit_margin_pct)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		a.ExternalID, a.Name, a.Marketplace, a.Status, a.ProfitMarginPct).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return id, nil
}

// InsertPerformanceGroup creates a performance group row and returns its id.
func (p *Postgres) InsertPerformanceGroup(ctx context.Context, g models.PerformanceGroup) (int, error) {
	var id int
	err := p.DB.QueryRowContext(ctx,
		`INSERT INTO performance_groups (account_id, name, goal, goal_value, profit_margin_pct)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		g.AccountID, g.Name, g.Goal, g.GoalValue, g.ProfitMarginPct).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert performance group: %w", err)
	}
	return id, nil
}

// InsertCampaign creates a campaign row and returns its id.
func (p *Postgres) InsertCampaign(ctx context.Context, c models.Campaign) (int, error) {
	var dayparting []byte
	if c.Dayparting != nil {
		var err error
		dayparting, err = json.Marshal(c.Dayparting)
		if err != nil {
			return 0, fmt.Errorf("marshal dayparting: %w", err)
		}
	}
	var groupID interface{}
	if c.PerformanceGroupID > 0 {
		groupID = c.PerformanceGroupID
	}
	var id int
	err := p.DB.QueryRowContext(ctx,
		`INSERT INTO campaigns (account_id, external_id, name, campaign_type, daily_budget, status,
		        top_of_search_pct, product_page_pct, rest_of_search_pct, dayparting, performance_group_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		c.AccountID, c.ExternalID, c.Name, c.CampaignType, c.DailyBudget, c.Status,
		c.Placements.TopOfSearchPct, c.Placements.ProductPagePct, c.Placements.RestOfSearchPct,
		dayparting, groupID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert campaign: %w", err)
	}
	return id, nil
}

// InsertAdGroup creates an ad group row and returns its id.
func (p *Postgres) InsertAdGroup(ctx context.Context, g models.AdGroup) (int, error) {
	var id int
	err := p.DB.QueryRowContext(ctx,
		`INSERT INTO ad_groups (account_id, campaign_id, external_id, name, default_bid, status)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		g.AccountID, g.CampaignID, g.ExternalID, g.Name, g.DefaultBid, g.Status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert ad group: %w", err)
	}
	return id, nil
}

// InsertTarget creates a target row and returns its id.
func (p *Postgres) InsertTarget(ctx context.Context, t models.Target) (int, error) {
	var id int
	err := p.DB.QueryRowContext(ctx,
		`INSERT INTO targets (account_id, campaign_id, ad_group_id, external_id, target_type,
		        match_type, text, keyword_type, current_bid, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		t.AccountID, t.CampaignID, t.AdGroupID, t.ExternalID, t.TargetType,
		t.MatchType, t.Text, t.KeywordType, t.CurrentBid, t.Status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert target: %w", err)
	}
	return id, nil
}

// SetPlacementTilts stores the integer percent tilts for a campaign.
func (p *Postgres) SetPlacementTilts(ctx context.Context, accountID, campaignID int, tilts models.PlacementTilts) error {
	res, err := p.DB.ExecContext(ctx,
		`UPDATE campaigns SET top_of_search_pct = $1, product_page_pct = $2, rest_of_search_pct = $3,
		        updated_at = NOW()
		 WHERE id = $4 AND account_id = $5`,
		tilts.TopOfSearchPct, tilts.ProductPagePct, tilts.RestOfSearchPct, campaignID, accountID)
	if err != nil {
		return fmt.Errorf("update campaign %d placements: %w", campaignID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %d: %w", campaignID, models.ErrNotFound)
	}
	return nil
}
