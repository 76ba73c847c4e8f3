package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/batch"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/coordinator"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/curve"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/proposals"
)

// OptimizationRequest scopes one unified-optimization run. Empty filters
// mean "everything enabled under the account".
type OptimizationRequest struct {
	AccountID           int      `json:"account_id"`
	CampaignIDs         []int    `json:"campaign_ids,omitempty"`
	PerformanceGroupIDs []int    `json:"performance_group_ids,omitempty"`
	OptimizationTypes   []string `json:"optimization_types,omitempty"`
	// MinBidDifferencePct suppresses changes smaller than this percent of
	// the current bid; zero selects the configured default.
	MinBidDifferencePct float64 `json:"min_bid_difference_pct,omitempty"`
}

// AnalysisSummary reports what one unified-optimization run did. Counters
// partition TargetsAnalyzed: every analyzed target lands in exactly one of
// applied/staged/unchanged/below-threshold/skipped/failed.
type AnalysisSummary struct {
	AccountID           int             `json:"account_id"`
	TargetsAnalyzed     int             `json:"targets_analyzed"`
	ProposalsCollected  int             `json:"proposals_collected"`
	Applied             int             `json:"applied"`
	StagedItems         int             `json:"staged_items,omitempty"`
	Unchanged           int             `json:"unchanged"`
	BelowThreshold      int             `json:"below_threshold"`
	Skipped             int             `json:"skipped"`
	Failed              int             `json:"failed"`
	CircuitBreakerTrips int             `json:"circuit_breaker_trips"`
	ExpectedProfitDelta decimal.Decimal `json:"expected_profit_delta"`
	// StagedBatchID is set when the run staged a review batch instead of
	// writing bids directly.
	StagedBatchID string `json:"staged_batch_id,omitempty"`
}

// optimizationMode selects what happens to actionable decisions.
type optimizationMode int

const (
	// modeApply writes bids through the coordinator engine immediately.
	modeApply optimizationMode = iota
	// modeStagePending collects decisions into a batch awaiting approval.
	modeStagePending
	// modeStageApproved collects decisions into a pre-approved batch the
	// operator executes when ready.
	modeStageApproved
)

// RunUnifiedOptimization refreshes the account's models, collects proposals
// from every selected source and applies the coordinated outcome per target
// through the engine. Per-target guard rejections (cooldown, daily cap,
// lock) count as skipped; other per-target failures count as failed and
// never abort the run.
func (s *Service) RunUnifiedOptimization(ctx context.Context, req OptimizationRequest) (*AnalysisSummary, error) {
	return s.runOptimization(ctx, req, modeApply, "")
}

func (s *Service) runOptimization(ctx context.Context, req OptimizationRequest, mode optimizationMode, sourceTaskID string) (*AnalysisSummary, error) {
	started := s.now()
	account, err := s.account(req.AccountID)
	if err != nil {
		s.Metrics.IncrementOptimizationRuns("rejected")
		return nil, err
	}
	sources, err := s.selectSources(req.OptimizationTypes)
	if err != nil {
		s.Metrics.IncrementOptimizationRuns("rejected")
		return nil, err
	}

	s.refreshModels(ctx, account.ID)

	contexts, err := s.Builder.Contexts(ctx, account.ID)
	if err != nil {
		s.Metrics.IncrementOptimizationRuns("failed")
		return nil, err
	}
	contexts = filterContexts(contexts, req.CampaignIDs, req.PerformanceGroupIDs)

	params := s.Params.Current()
	minDiff := req.MinBidDifferencePct
	if minDiff <= 0 {
		minDiff = params.MinBidDifferencePct
	}

	summary := &AnalysisSummary{AccountID: account.ID}
	var staged []models.BatchItemPayload
	for i := range contexts {
		if err := ctx.Err(); err != nil {
			s.Metrics.IncrementOptimizationRuns("cancelled")
			return summary, err
		}
		tc := contexts[i]
		summary.TargetsAnalyzed++

		props := proposals.Collect(ctx, sources, tc, s.Metrics)
		summary.ProposalsCollected += len(props)
		if len(props) == 0 {
			summary.Unchanged++
			continue
		}

		in := coordinator.Inputs{
			Account:        tc.Account,
			Campaign:       tc.Campaign,
			Target:         tc.Target,
			Proposals:      props,
			PlacementPct:   tc.Campaign.Placements.MaxPct(),
			DaypartingMult: s.daypartingMult(tc.Campaign, tc.Now),
		}
		preview := coordinator.Coordinate(in, params, s.now())
		if !preview.Changed() {
			summary.Unchanged++
			continue
		}
		if bidChangePct(preview) < minDiff {
			summary.BelowThreshold++
			continue
		}
		if preview.CircuitBreakerTripped {
			summary.CircuitBreakerTrips++
		}
		delta := expectedDelta(tc.Curve, params, preview.OriginalBid, preview.FinalBid)

		if mode != modeApply {
			staged = append(staged, models.BatchItemPayload{BidAdjustment: &models.BidAdjustmentPayload{
				TargetID:            tc.Target.ID,
				NewBid:              preview.FinalBid,
				ExpectedProfitDelta: delta,
				Reason:              preview.Reason,
			}})
			summary.StagedItems++
			summary.ExpectedProfitDelta = summary.ExpectedProfitDelta.Add(delta)
			continue
		}

		in.ExpectedProfitDelta = delta
		res, err := s.Coord.Run(ctx, in)
		switch {
		case errs.IsConflict(err):
			summary.Skipped++
		case err != nil:
			summary.Failed++
			zap.L().Warn("coordinated apply failed",
				zap.Int("account_id", account.ID),
				zap.Int("target_id", tc.Target.ID),
				zap.Error(err))
		case res.Changed():
			summary.Applied++
			summary.ExpectedProfitDelta = summary.ExpectedProfitDelta.Add(delta)
		default:
			summary.Unchanged++
		}
	}

	if mode != modeApply && len(staged) > 0 {
		op, err := s.Batches.Create(ctx, batch.CreateRequest{
			AccountID:        account.ID,
			Owner:            "optimizer",
			OperationType:    models.OpTypeBidAdjustment,
			Name:             fmt.Sprintf("unified optimization %s", started.UTC().Format("2006-01-02 15:04")),
			Description:      fmt.Sprintf("%d coordinated bid changes staged for review", len(staged)),
			RequiresApproval: mode == modeStagePending,
			SourceType:       models.BatchSourceOptimization,
			SourceTaskID:     sourceTaskID,
			Items:            staged,
		})
		if err != nil {
			s.Metrics.IncrementOptimizationRuns("failed")
			return summary, errs.Wrap(errs.KindOf(err), "stage optimization batch", err)
		}
		summary.StagedBatchID = op.ID
	}

	s.Metrics.IncrementOptimizationRuns("completed")
	s.Metrics.RecordOptimizationDuration(s.now().Sub(started))
	zap.L().Info("unified optimization finished",
		zap.Int("account_id", account.ID),
		zap.Int("targets", summary.TargetsAnalyzed),
		zap.Int("applied", summary.Applied),
		zap.Int("staged", summary.StagedItems),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.String("staged_batch_id", summary.StagedBatchID),
		zap.Duration("elapsed", s.now().Sub(started)))
	return summary, nil
}

// refreshModels refits the account's market curves and retrains its
// prediction trees. Both degrade gracefully: yesterday's models keep serving
// when a refresh fails.
func (s *Service) refreshModels(ctx context.Context, accountID int) {
	if s.Curves != nil {
		if _, err := s.Curves.FitAccount(ctx, accountID); err != nil {
			zap.L().Warn("curve refit failed, proposals will use stored models",
				zap.Int("account_id", accountID), zap.Error(err))
		}
	}
	if s.Trees != nil {
		for _, kind := range []string{models.ModelKindCR, models.ModelKindCV} {
			if _, err := s.Trees.TrainAccount(ctx, accountID, kind); err != nil {
				zap.L().Warn("tree training failed",
					zap.Int("account_id", accountID),
					zap.String("kind", kind),
					zap.Error(err))
			}
		}
	}
}

// selectSources filters the configured proposal sources by name. An unknown
// name is a validation error so typos fail loudly instead of silently
// analyzing nothing.
func (s *Service) selectSources(types []string) ([]proposals.Source, error) {
	if len(types) == 0 {
		return s.Sources, nil
	}
	byName := make(map[string]proposals.Source, len(s.Sources))
	for _, src := range s.Sources {
		byName[src.Name()] = src
	}
	out := make([]proposals.Source, 0, len(types))
	for _, t := range types {
		src, ok := byName[t]
		if !ok {
			return nil, errs.Newf(errs.KindValidation, "unknown optimization type %q", t)
		}
		out = append(out, src)
	}
	return out, nil
}

// daypartingMult resolves the campaign's effective dayparting multiplier for
// the worst-case CPC bound: the hour-of-week policy with any intraday pacing
// override layered on top.
func (s *Service) daypartingMult(campaign *models.Campaign, now time.Time) float64 {
	mult := campaign.DaypartingMultiplierAt(now)
	if s.Redis == nil {
		return mult
	}
	utc := now.UTC()
	override, ok, err := s.Redis.HourlyMultiplier(campaign.ID, utc.Format("2006-01-02"), utc.Hour())
	if err != nil {
		zap.L().Warn("hourly override read failed",
			zap.Int("campaign_id", campaign.ID), zap.Error(err))
		return mult
	}
	if ok && override > 0 {
		mult *= override
	}
	return mult
}

func filterContexts(contexts []proposals.TargetContext, campaignIDs, groupIDs []int) []proposals.TargetContext {
	if len(campaignIDs) == 0 && len(groupIDs) == 0 {
		return contexts
	}
	campaigns := make(map[int]bool, len(campaignIDs))
	for _, id := range campaignIDs {
		campaigns[id] = true
	}
	groups := make(map[int]bool, len(groupIDs))
	for _, id := range groupIDs {
		groups[id] = true
	}
	out := contexts[:0:0]
	for _, tc := range contexts {
		if campaigns[tc.Campaign.ID] || groups[tc.Campaign.PerformanceGroupID] {
			out = append(out, tc)
		}
	}
	return out
}

func bidChangePct(res *models.CoordinationResult) float64 {
	if res.OriginalBid.IsZero() {
		return 0
	}
	pct, _ := res.FinalBid.Sub(res.OriginalBid).Abs().
		Div(res.OriginalBid).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// expectedDelta prices a bid move against the target's market-curve model.
// No model means no estimate, recorded as zero.
func expectedDelta(m *models.MarketCurveModel, params models.AlgorithmParams, from, to decimal.Decimal) decimal.Decimal {
	if m == nil {
		return decimal.Zero
	}
	fromBid, _ := from.Float64()
	toBid, _ := to.Float64()
	delta := curve.ProfitAt(m, params, toBid) - curve.ProfitAt(m, params, fromBid)
	return decimal.NewFromFloat(delta).Round(4)
}

// ---- Performance-group optimal bids ----

// TargetBidPlan is one target's position against its curve model.
type TargetBidPlan struct {
	TargetID   int             `json:"target_id"`
	TargetText string          `json:"target_text,omitempty"`
	CurrentBid decimal.Decimal `json:"current_bid"`
	// HasModel is false when no curve model exists for the target; the
	// optimal fields are zero then.
	HasModel            bool            `json:"has_model"`
	OptimalBid          decimal.Decimal `json:"optimal_bid,omitempty"`
	MaxDailyProfit      decimal.Decimal `json:"max_daily_profit,omitempty"`
	ExpectedProfitDelta decimal.Decimal `json:"expected_profit_delta,omitempty"`
	ChangePct           float64         `json:"change_pct,omitempty"`
}

// CampaignBidPlan groups target plans under their campaign.
type CampaignBidPlan struct {
	CampaignID   int             `json:"campaign_id"`
	CampaignName string          `json:"campaign_name"`
	Targets      []TargetBidPlan `json:"targets"`
}

// GroupBidsSummary aggregates a group plan.
type GroupBidsSummary struct {
	TargetsTotal      int `json:"targets_total"`
	TargetsWithModels int `json:"targets_with_models"`
	// TotalExpectedProfitIncrease sums the positive per-target deltas: what
	// applying every beneficial optimal bid is expected to gain per day.
	TotalExpectedProfitIncrease decimal.Decimal `json:"total_expected_profit_increase"`
}

// GroupBidsResult is the full optimal-bid plan for one performance group.
type GroupBidsResult struct {
	GroupID   int               `json:"group_id"`
	GroupName string            `json:"group_name"`
	Goal      string            `json:"goal"`
	Summary   GroupBidsSummary  `json:"summary"`
	Campaigns []CampaignBidPlan `json:"campaigns"`
}

// GetPerformanceGroupOptimalBids computes, per enabled target in the group,
// the profit-maximizing bid from the latest curve models. Read-only.
func (s *Service) GetPerformanceGroupOptimalBids(ctx context.Context, groupID, accountID int) (*GroupBidsResult, error) {
	account, err := s.account(accountID)
	if err != nil {
		return nil, err
	}
	group := s.Data.GetPerformanceGroup(accountID, groupID)
	if group == nil {
		return nil, errs.Newf(errs.KindNotFound, "performance group %d not found", groupID)
	}
	if s.PG == nil {
		return nil, errs.New(errs.KindInternal, "group bid plans need the relational store")
	}
	curves, err := s.PG.LatestMarketCurveModels(ctx, accountID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "load curve models", err)
	}

	params := groupParams(s.Params.Current(), account, group)
	result := &GroupBidsResult{GroupID: group.ID, GroupName: group.Name, Goal: group.Goal}
	for _, campaign := range s.Data.CampaignsForGroup(accountID, groupID) {
		if campaign.Status != models.StatusEnabled {
			continue
		}
		plan := CampaignBidPlan{CampaignID: campaign.ID, CampaignName: campaign.Name}
		for _, target := range s.Data.TargetsForCampaign(accountID, campaign.ID) {
			if target.Status != models.StatusEnabled {
				continue
			}
			result.Summary.TargetsTotal++
			tp := TargetBidPlan{TargetID: target.ID, TargetText: target.Text, CurrentBid: target.CurrentBid}
			if m, ok := curves[target.ID]; ok {
				result.Summary.TargetsWithModels++
				sol := curve.OptimalBid(&m, params)
				tp.HasModel = true
				tp.OptimalBid = sol.OptimalBid
				tp.MaxDailyProfit = sol.MaxProfit
				tp.ExpectedProfitDelta = expectedDelta(&m, params, target.CurrentBid, sol.OptimalBid)
				tp.ChangePct = changePctBetween(target.CurrentBid, sol.OptimalBid)
				if tp.ExpectedProfitDelta.IsPositive() {
					result.Summary.TotalExpectedProfitIncrease = result.Summary.TotalExpectedProfitIncrease.Add(tp.ExpectedProfitDelta)
				}
			}
			plan.Targets = append(plan.Targets, tp)
		}
		if len(plan.Targets) > 0 {
			result.Campaigns = append(result.Campaigns, plan)
		}
	}
	return result, nil
}

// GroupApplyResult reports an optimal-bid application sweep.
type GroupApplyResult struct {
	GroupID      int             `json:"group_id"`
	AppliedCount int             `json:"applied_count"`
	SkippedCount int             `json:"skipped_count"`
	ErrorCount   int             `json:"error_count"`
	// TotalExpectedProfitIncrease sums the deltas of the applied changes,
	// priced at the bid that actually landed after capping and clamping.
	TotalExpectedProfitIncrease decimal.Decimal `json:"total_expected_profit_increase"`
}

// ApplyGroupOptimalBids pushes each beneficial optimal bid through the
// coordinator as an absolute base-algo proposal, so the usual guards (daily
// cap, cooldown, circuit breaker, locks) still apply. Changes smaller than
// minBidDifferencePct (default 5) and non-positive deltas are skipped.
func (s *Service) ApplyGroupOptimalBids(ctx context.Context, groupID, accountID int, minBidDifferencePct float64) (*GroupApplyResult, error) {
	account, err := s.account(accountID)
	if err != nil {
		return nil, err
	}
	group := s.Data.GetPerformanceGroup(accountID, groupID)
	if group == nil {
		return nil, errs.Newf(errs.KindNotFound, "performance group %d not found", groupID)
	}
	if s.PG == nil {
		return nil, errs.New(errs.KindInternal, "group bid application needs the relational store")
	}
	curves, err := s.PG.LatestMarketCurveModels(ctx, accountID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "load curve models", err)
	}

	baseParams := s.Params.Current()
	if minBidDifferencePct <= 0 {
		minBidDifferencePct = baseParams.MinBidDifferencePct
	}
	params := groupParams(baseParams, account, group)

	result := &GroupApplyResult{GroupID: group.ID}
	now := s.now()
	for _, campaign := range s.Data.CampaignsForGroup(accountID, groupID) {
		if campaign.Status != models.StatusEnabled {
			continue
		}
		campaign := campaign
		for _, target := range s.Data.TargetsForCampaign(accountID, campaign.ID) {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if target.Status != models.StatusEnabled {
				continue
			}
			m, ok := curves[target.ID]
			if !ok {
				result.SkippedCount++
				continue
			}
			target := target
			sol := curve.OptimalBid(&m, params)
			delta := expectedDelta(&m, params, target.CurrentBid, sol.OptimalBid)
			if !delta.IsPositive() || changePctBetween(target.CurrentBid, sol.OptimalBid) < minBidDifferencePct {
				result.SkippedCount++
				continue
			}

			confidence := m.R2
			if m.Status == models.CurveStatusFallback {
				confidence = params.CurveR2Fallback
			}
			in := coordinator.Inputs{
				Account:  account,
				Campaign: &campaign,
				Target:   &target,
				Proposals: []models.BidProposal{{
					TargetID:    target.ID,
					TargetType:  target.TargetType,
					Source:      models.ProposalSourceBaseAlgo,
					AbsoluteBid: sol.OptimalBid,
					Confidence:  confidence,
					Reason:      fmt.Sprintf("group %q optimal bid (max daily profit %s)", group.Name, sol.MaxProfit.StringFixed(2)),
					CreatedAt:   now,
				}},
				PlacementPct:        campaign.Placements.MaxPct(),
				DaypartingMult:      s.daypartingMult(&campaign, now),
				ExpectedProfitDelta: delta,
			}
			res, err := s.Coord.Run(ctx, in)
			switch {
			case errs.IsConflict(err):
				result.SkippedCount++
			case err != nil:
				result.ErrorCount++
			case res.Changed():
				result.AppliedCount++
				result.TotalExpectedProfitIncrease = result.TotalExpectedProfitIncrease.Add(
					expectedDelta(&m, params, res.OriginalBid, res.FinalBid))
			default:
				result.SkippedCount++
			}
		}
	}
	zap.L().Info("group optimal bids applied",
		zap.Int("group_id", groupID),
		zap.Int("applied", result.AppliedCount),
		zap.Int("skipped", result.SkippedCount),
		zap.Int("errors", result.ErrorCount))
	return result, nil
}

// groupParams layers the account and group margin overrides onto the global
// parameters for profit math.
func groupParams(params models.AlgorithmParams, account *models.Account, group *models.PerformanceGroup) models.AlgorithmParams {
	if account != nil && account.ProfitMarginPct > 0 {
		params.ProfitMarginPct = account.ProfitMarginPct
	}
	if group != nil && group.ProfitMarginPct > 0 {
		params.ProfitMarginPct = group.ProfitMarginPct
	}
	return params
}

func changePctBetween(from, to decimal.Decimal) float64 {
	if from.IsZero() {
		return 0
	}
	pct, _ := to.Sub(from).Abs().Div(from).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}
