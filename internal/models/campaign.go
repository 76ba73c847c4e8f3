package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Campaign types mirror the sponsored-ads product families on the external
// platform.
const (
	CampaignTypeSponsoredProducts = "sponsored_products"
	CampaignTypeSponsoredBrands   = "sponsored_brands"
	CampaignTypeSponsoredDisplay  = "sponsored_display"
)

// Placement identifiers. Placement tilts and placement-level report rows use
// these names.
const (
	PlacementTopOfSearch  = "top_of_search"
	PlacementProductPage  = "product_page"
	PlacementRestOfSearch = "rest_of_search"
)

// PlacementTilts holds a campaign's placement bid uplifts as integer percents,
// the convention used by the external platform ("+50" means the base bid is
// raised 50% at that placement). Internal math converts with 1 + pct/100.
type PlacementTilts struct {
	TopOfSearchPct  int `json:"top_of_search_pct"`
	ProductPagePct  int `json:"product_page_pct"`
	RestOfSearchPct int `json:"rest_of_search_pct"`
}

// MaxPct returns the largest tilt across placements. The coordinator uses it
// for the worst-case theoretical CPC.
func (p PlacementTilts) MaxPct() int {
	max := p.TopOfSearchPct
	if p.ProductPagePct > max {
		max = p.ProductPagePct
	}
	if p.RestOfSearchPct > max {
		max = p.RestOfSearchPct
	}
	return max
}

// Multiplier converts the tilt for a placement into the factor applied to the
// base bid at auction time.
func (p PlacementTilts) Multiplier(placement string) float64 {
	switch placement {
	case PlacementTopOfSearch:
		return 1 + float64(p.TopOfSearchPct)/100
	case PlacementProductPage:
		return 1 + float64(p.ProductPagePct)/100
	case PlacementRestOfSearch:
		return 1 + float64(p.RestOfSearchPct)/100
	default:
		return 1
	}
}

// DaypartingPolicy is an hour-of-week multiplier grid applied on top of the
// base bid. A zero entry means "no policy for that hour" and is read as 1.0,
// so the zero value is a no-op policy.
type DaypartingPolicy struct {
	Multipliers [7][24]float64 `json:"multipliers"`
}

// MultiplierAt returns the policy multiplier for the given instant (UTC).
func (d *DaypartingPolicy) MultiplierAt(t time.Time) float64 {
	if d == nil {
		return 1
	}
	m := d.Multipliers[int(t.UTC().Weekday())][t.UTC().Hour()]
	if m <= 0 {
		return 1
	}
	return m
}

// Campaign owns ad groups and a daily budget, and carries the placement tilts
// and optional dayparting policy that, together with target base bids,
// determine the effective auction bid. A campaign may belong to at most one
// performance group.
type Campaign struct {
	ID           int             `json:"id"`
	AccountID    int             `json:"account_id"`
	ExternalID   string          `json:"external_id"`
	Name         string          `json:"name"`
	CampaignType string          `json:"campaign_type"`
	DailyBudget  decimal.Decimal `json:"daily_budget"`
	Status       string          `json:"status"`
	Placements   PlacementTilts  `json:"placements"`
	// Dayparting is nil when the campaign has no hour-of-week policy.
	Dayparting *DaypartingPolicy `json:"dayparting,omitempty"`
	// PerformanceGroupID is zero when the campaign is ungrouped.
	PerformanceGroupID int       `json:"performance_group_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// DaypartingMultiplierAt resolves the campaign's dayparting multiplier for an
// instant, treating a missing policy as 1.0. Hourly overrides written by the
// intraday controller live in Redis and are layered on by the caller.
func (c *Campaign) DaypartingMultiplierAt(t time.Time) float64 {
	return c.Dayparting.MultiplierAt(t)
}

// AdGroup groups targets under a campaign and provides the default bid used
// when a target has no explicit bid yet.
type AdGroup struct {
	ID         int             `json:"id"`
	AccountID  int             `json:"account_id"`
	CampaignID int             `json:"campaign_id"`
	ExternalID string          `json:"external_id"`
	Name       string          `json:"name"`
	DefaultBid decimal.Decimal `json:"default_bid"`
	Status     string          `json:"status"`
}

// Account statuses. An account whose credentials failed re-auth is excluded
// from sync and optimization until it is re-authorized.
const (
	AccountStatusActive      = "active"
	AccountStatusNeedsReauth = "needs_reauth"
	AccountStatusDisabled    = "disabled"
)

// Account is an advertiser profile on the external platform. Every entity in
// the system is owned by exactly one account; pipelines are scheduled per
// account so one slow or broken account never stalls the others.
type Account struct {
	ID          int       `json:"id"`
	ExternalID  string    `json:"external_id"` // Advertising profile id on the platform.
	Name        string    `json:"name"`
	Marketplace string    `json:"marketplace"` // e.g. "US", "DE".
	Status      string    `json:"status"`
	// ProfitMarginPct is the account-level default cost fraction used in
	// profit formulas when no performance group overrides it.
	ProfitMarginPct float64   `json:"profit_margin_pct"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Optimization goals for performance groups.
const (
	GoalMaximizeSales   = "maximize_sales"
	GoalTargetACOS      = "target_acos"
	GoalTargetROAS      = "target_roas"
	GoalDailySpendLimit = "daily_spend_limit"
	GoalDailyCost       = "daily_cost"
)

// PerformanceGroup is a goal container: a set of campaigns optimized toward a
// shared objective. Group-level operations (optimal-bid application, budget
// reallocation) iterate member campaigns.
type PerformanceGroup struct {
	ID        int    `json:"id"`
	AccountID int    `json:"account_id"`
	Name      string `json:"name"`
	Goal      string `json:"goal"`
	// GoalValue is interpreted per Goal: a percentage for target_acos, a
	// ratio for target_roas, a daily money amount for the spend goals.
	GoalValue decimal.Decimal `json:"goal_value"`
	// ProfitMarginPct overrides the account default when > 0.
	ProfitMarginPct float64   `json:"profit_margin_pct,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
