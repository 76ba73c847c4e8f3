// Package proposals hosts the independent bid analyzers. Each source reads
// a prepared TargetContext and emits BidProposal suggestions; none of them
// writes bids. The coordinator owns merging, capping and persistence.
package proposals

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform"
)

// daypartingLookbackDays bounds the hour-of-day profile window. Two weeks
// keeps the profile seasonal-fresh while leaving enough rows per hour.
const daypartingLookbackDays = 14

// CampaignWindowPerf sums a campaign's safe-window performance. The
// placement source reads it for tilt analysis.
type CampaignWindowPerf struct {
	Impressions int64
	Clicks      int64
	Spend       decimal.Decimal
	Sales       decimal.Decimal
	Orders      int64
}

// ROAS returns sales per spend unit, zero when nothing was spent.
func (p CampaignWindowPerf) ROAS() float64 {
	if p.Spend.IsZero() {
		return 0
	}
	v, _ := p.Sales.Div(p.Spend).Float64()
	return v
}

// TargetContext carries everything a source may consult for one target.
// Contexts are assembled once per cycle by the Builder so that sources stay
// pure functions over their inputs.
type TargetContext struct {
	Account  *models.Account
	Campaign *models.Campaign
	Target   *models.Target
	Params   models.AlgorithmParams

	// Curve is the latest persisted market-curve model for the target,
	// nil when no fit has been stored yet.
	Curve *models.MarketCurveModel
	// HourProfile is the campaign's hour-of-day stream aggregate over the
	// dayparting safe window. Nil when the telemetry store had nothing.
	HourProfile []dataplane.HourBucket
	// CampaignPerf sums the campaign's target rows over the placement
	// safe window.
	CampaignPerf CampaignWindowPerf
	// Inventory is the stock position behind the campaign's products, nil
	// when the platform lookup failed or was skipped.
	Inventory *platform.Inventory
	// Rank is the keyword's organic search rank, nil for product targets
	// and when the lookup failed.
	Rank *platform.OrganicRank

	Now time.Time
}

// margin returns the gross-margin fraction for profit math, preferring the
// account-level figure over the global parameter.
func (tc TargetContext) margin() float64 {
	pct := tc.Params.ProfitMarginPct
	if tc.Account != nil && tc.Account.ProfitMarginPct > 0 {
		pct = tc.Account.ProfitMarginPct
	}
	return 1 - pct
}

// Source is one bid analyzer. Analyze never mutates the context and returns
// no proposals when the source has nothing useful to say about the target.
type Source interface {
	Name() string
	Analyze(ctx context.Context, tc TargetContext) ([]models.BidProposal, error)
}

// DefaultSources returns the five standard analyzers in coordinator weight
// order.
func DefaultSources() []Source {
	return []Source{
		&BidAlgoSource{},
		&DaypartingSource{},
		&PlacementSource{},
		&InventorySource{},
		&OrganicRankSource{},
	}
}

// Collect runs every source against one context, isolating per-source
// failures: a broken analyzer costs its own proposals, never the cycle.
func Collect(ctx context.Context, sources []Source, tc TargetContext, metrics observability.MetricsRegistry) []models.BidProposal {
	var out []models.BidProposal
	for _, s := range sources {
		props, err := s.Analyze(ctx, tc)
		if err != nil {
			zap.L().Warn("proposal source failed",
				zap.String("source", s.Name()),
				zap.Int("account_id", tc.Account.ID),
				zap.Int("target_id", tc.Target.ID),
				zap.Error(err))
			continue
		}
		for range props {
			metrics.IncrementProposals(s.Name())
		}
		out = append(out, props...)
	}
	return out
}

// Builder assembles TargetContexts for a whole account: one pass over the
// store, one telemetry query per concern, one platform lookup per campaign
// (inventory) and per keyword (organic rank). Platform calls ride the shared
// per-account rate buckets, so a large account simply takes longer.
type Builder struct {
	Data     dataplane.Reader
	Store    models.AccountDataStore
	PG       *db.Postgres
	Platform platform.Client
	Params   *models.ParamsStore
	Metrics  observability.MetricsRegistry

	now func() time.Time
}

// NewBuilder wires a context builder.
func NewBuilder(data dataplane.Reader, store models.AccountDataStore, pg *db.Postgres, pc platform.Client, params *models.ParamsStore, metrics observability.MetricsRegistry) *Builder {
	return &Builder{
		Data:     data,
		Store:    store,
		PG:       pg,
		Platform: pc,
		Params:   params,
		Metrics:  metrics,
		now:      time.Now,
	}
}

// Contexts builds one TargetContext per enabled target of the account's
// enabled campaigns. Degraded inputs (missing curve models, failed platform
// lookups) leave the corresponding context field nil rather than failing
// the cycle.
func (b *Builder) Contexts(ctx context.Context, accountID int) ([]TargetContext, error) {
	account := b.Store.GetAccount(accountID)
	if account == nil {
		return nil, errs.Newf(errs.KindNotFound, "account %d not found", accountID)
	}
	params := b.Params.Current()
	now := b.now()

	curves := b.curveModels(ctx, accountID)
	perf := b.campaignPerf(ctx, accountID)

	var out []TargetContext
	for _, campaign := range b.Store.CampaignsForAccount(accountID) {
		if campaign.Status != models.StatusEnabled {
			continue
		}
		campaign := campaign
		targets := enabledTargets(b.Store.TargetsForCampaign(accountID, campaign.ID))
		if len(targets) == 0 {
			continue
		}

		hourly, err := b.Data.HourlyProfile(ctx, accountID, campaign.ID, daypartingLookbackDays)
		if err != nil {
			zap.L().Warn("hourly profile unavailable",
				zap.Int("campaign_id", campaign.ID), zap.Error(err))
		}
		inventory := b.inventory(ctx, accountID, campaign.ID)

		for i := range targets {
			target := targets[i]
			tc := TargetContext{
				Account:      account,
				Campaign:     &campaign,
				Target:       &target,
				Params:       params,
				HourProfile:  hourly,
				CampaignPerf: perf[campaign.ID],
				Inventory:    inventory,
				Now:          now,
			}
			if m, ok := curves[target.ID]; ok {
				curve := m
				tc.Curve = &curve
			}
			if target.IsKeyword() && target.Text != "" {
				tc.Rank = b.organicRank(ctx, accountID, target.Text)
			}
			out = append(out, tc)
		}
	}
	return out, nil
}

func (b *Builder) curveModels(ctx context.Context, accountID int) map[int]models.MarketCurveModel {
	if b.PG == nil {
		return nil
	}
	curves, err := b.PG.LatestMarketCurveModels(ctx, accountID)
	if err != nil {
		zap.L().Warn("curve models unavailable", zap.Int("account_id", accountID), zap.Error(err))
		return nil
	}
	return curves
}

// campaignPerf sums the account's target rows per campaign over the
// placement safe window.
func (b *Builder) campaignPerf(ctx context.Context, accountID int) map[int]CampaignWindowPerf {
	data, err := b.Data.DataForAlgorithm(ctx, accountID, models.AlgoPlacement, 0)
	if err != nil {
		zap.L().Warn("placement window unavailable", zap.Int("account_id", accountID), zap.Error(err))
		return nil
	}
	perf := make(map[int]CampaignWindowPerf)
	for _, row := range data.Rows {
		p := perf[row.CampaignID]
		p.Impressions += row.Impressions
		p.Clicks += row.Clicks
		p.Spend = p.Spend.Add(row.Spend)
		p.Sales = p.Sales.Add(row.Sales)
		p.Orders += row.Orders
		perf[row.CampaignID] = p
	}
	return perf
}

func (b *Builder) inventory(ctx context.Context, accountID, campaignID int) *platform.Inventory {
	if b.Platform == nil {
		return nil
	}
	inv, err := b.Platform.GetInventory(ctx, accountID, campaignID)
	if err != nil {
		zap.L().Warn("inventory lookup failed",
			zap.Int("campaign_id", campaignID), zap.Error(err))
		return nil
	}
	return inv
}

func (b *Builder) organicRank(ctx context.Context, accountID int, keyword string) *platform.OrganicRank {
	if b.Platform == nil {
		return nil
	}
	rank, err := b.Platform.GetOrganicRank(ctx, accountID, keyword)
	if err != nil {
		zap.L().Warn("organic rank lookup failed",
			zap.String("keyword", keyword), zap.Error(err))
		return nil
	}
	return rank
}

func enabledTargets(targets []models.Target) []models.Target {
	out := targets[:0:0]
	for _, t := range targets {
		if t.Status == models.StatusEnabled {
			out = append(out, t)
		}
	}
	return out
}
