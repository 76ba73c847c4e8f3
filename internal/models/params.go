package models

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// CoordinationWeights are the per-source weights the coordinator applies
// when fusing proposals. Inventory matches base_algo because it encodes
// stock-protection hard constraints.
type CoordinationWeights struct {
	BaseAlgo    float64 `json:"base_algo"`
	Dayparting  float64 `json:"dayparting"`
	Placement   float64 `json:"placement"`
	Inventory   float64 `json:"inventory"`
	OrganicRank float64 `json:"organic_rank"`
}

// For returns the weight for a proposal source; unknown sources weigh zero
// and therefore cannot move a bid.
func (w CoordinationWeights) For(source string) float64 {
	switch source {
	case ProposalSourceBaseAlgo:
		return w.BaseAlgo
	case ProposalSourceDayparting:
		return w.Dayparting
	case ProposalSourcePlacement:
		return w.Placement
	case ProposalSourceInventory:
		return w.Inventory
	case ProposalSourceOrganicRank:
		return w.OrganicRank
	default:
		return 0
	}
}

// AlgorithmParams is the process-wide algorithm configuration: bid bounds,
// breaker thresholds, coordination weights, freshness windows, pacing and
// anomaly thresholds, and rollback defaults. It persists as a single row and
// is read through a ParamsStore with copy-on-write updates, so a change only
// affects work initiated after it.
type AlgorithmParams struct {
	// Bid bounds and adjustment limits.
	MinBid           decimal.Decimal `json:"min_bid"`
	MaxBid           decimal.Decimal `json:"max_bid"`
	MaxAdjustmentPct float64         `json:"max_adjustment_pct"`
	// MaxDailyAdjustments and CooldownPeriodHours throttle how often the
	// automated path may move one target.
	MaxDailyAdjustments    int     `json:"max_daily_adjustments"`
	CooldownPeriodHours    int     `json:"cooldown_period_hours"`
	MinConfidenceThreshold float64 `json:"min_confidence_threshold"`

	// Circuit breaker and CPC caps.
	MaxAllowedCPC            decimal.Decimal `json:"max_allowed_cpc"`
	CPCWarningThreshold      decimal.Decimal `json:"cpc_warning_threshold"`
	MaxTotalMultiplier       float64         `json:"max_total_multiplier"`
	CircuitBreakerMultiplier float64         `json:"circuit_breaker_multiplier"`

	Weights CoordinationWeights `json:"weights"`

	// Profit model.
	ProfitMarginPct           float64 `json:"profit_margin_pct"`
	ConversionValueMultiplier float64 `json:"conversion_value_multiplier"`

	// Attribution and freshness. Exclude days hide the unattributed tail
	// from each algorithm kind.
	AttributionDelayHours int `json:"attribution_delay_hours"`
	AttributionDelayDays  int `json:"attribution_delay_days"`
	BidExcludeDays        int `json:"bid_exclude_days"`
	PlacementExcludeDays  int `json:"placement_exclude_days"`
	DaypartingExcludeDays int `json:"dayparting_exclude_days"`
	SearchTermExcludeDays int `json:"search_term_exclude_days"`

	// Curve fitter.
	MinDataPoints   int     `json:"min_data_points"`
	CurveWindowDays int     `json:"curve_window_days"`
	CurveR2Fallback float64 `json:"curve_r2_fallback"`

	// Decision tree.
	TreeMaxDepth           int `json:"tree_max_depth"`
	TreeMinLeafSamples     int `json:"tree_min_leaf_samples"`
	TreeMinTrainingSamples int `json:"tree_min_training_samples"`

	// Intraday pacing ladder and anomaly thresholds.
	PacingStartHour         int             `json:"pacing_start_hour"`
	PacingTargetEndHour     int             `json:"pacing_target_end_hour"`
	PacingCriticalRatio     float64         `json:"pacing_critical_ratio"`
	PacingOverRatio         float64         `json:"pacing_over_ratio"`
	PacingUnderRatio        float64         `json:"pacing_under_ratio"`
	PacingCriticalFactor    float64         `json:"pacing_critical_factor"`
	PacingOverFactor        float64         `json:"pacing_over_factor"`
	PacingUnderFactor       float64         `json:"pacing_under_factor"`
	ClickFraudClicksPerHour int             `json:"click_fraud_clicks_per_hour"`
	ClickFraudCTR           float64         `json:"click_fraud_ctr"`
	BudgetDrainClicks       int             `json:"budget_drain_clicks"`
	BudgetDrainCostPerClick decimal.Decimal `json:"budget_drain_cost_per_click"`

	// Data-plane consistency.
	ConsistencyThresholdPct float64 `json:"consistency_threshold_pct"`
	ConsistencyAlertRuns    int     `json:"consistency_alert_runs"`

	// Rollback and tracking.
	SuggestionRetentionDays int     `json:"suggestion_retention_days"`
	AccuracyEpsilon         float64 `json:"accuracy_epsilon"`
	MinBidDifferencePct     float64 `json:"min_bid_difference_pct"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultAlgorithmParams returns the documented defaults. Operators override
// them via the seed file or the persisted parameter row.
func DefaultAlgorithmParams() AlgorithmParams {
	return AlgorithmParams{
		MinBid:           decimal.NewFromFloat(0.02),
		MaxBid:           decimal.NewFromInt(100),
		MaxAdjustmentPct: 100,

		MaxDailyAdjustments:    10,
		CooldownPeriodHours:    4,
		MinConfidenceThreshold: 0.3,

		MaxAllowedCPC:            decimal.NewFromInt(5),
		CPCWarningThreshold:      decimal.NewFromInt(3),
		MaxTotalMultiplier:       2.5,
		CircuitBreakerMultiplier: 1.5,

		Weights: CoordinationWeights{
			BaseAlgo:    1.0,
			Dayparting:  0.8,
			Placement:   0.7,
			Inventory:   1.0,
			OrganicRank: 0.6,
		},

		ProfitMarginPct:           0.3,
		ConversionValueMultiplier: 1.0,

		AttributionDelayHours: 48,
		AttributionDelayDays:  7,
		BidExcludeDays:        1,
		PlacementExcludeDays:  3,
		DaypartingExcludeDays: 3,
		SearchTermExcludeDays: 1,

		MinDataPoints:   5,
		CurveWindowDays: 30,
		CurveR2Fallback: 0.3,

		TreeMaxDepth:           6,
		TreeMinLeafSamples:     20,
		TreeMinTrainingSamples: 50,

		PacingStartHour:         0,
		PacingTargetEndHour:     22,
		PacingCriticalRatio:     2.0,
		PacingOverRatio:         1.5,
		PacingUnderRatio:        0.5,
		PacingCriticalFactor:    0.5,
		PacingOverFactor:        0.8,
		PacingUnderFactor:       1.2,
		ClickFraudClicksPerHour: 100,
		ClickFraudCTR:           0.15,
		BudgetDrainClicks:       50,
		BudgetDrainCostPerClick: decimal.NewFromInt(2),

		ConsistencyThresholdPct: 5,
		ConsistencyAlertRuns:    3,

		SuggestionRetentionDays: 90,
		AccuracyEpsilon:         0.01,
		MinBidDifferencePct:     5,
	}
}

// ExcludeDaysFor returns the freshness exclusion for an algorithm kind.
// Unknown kinds get the most conservative window in use.
func (p AlgorithmParams) ExcludeDaysFor(algo string) int {
	switch algo {
	case AlgoBid:
		return p.BidExcludeDays
	case AlgoPlacement:
		return p.PlacementExcludeDays
	case AlgoDayparting:
		return p.DaypartingExcludeDays
	case AlgoSearchTerm:
		return p.SearchTermExcludeDays
	default:
		max := p.BidExcludeDays
		for _, d := range []int{p.PlacementExcludeDays, p.DaypartingExcludeDays, p.SearchTermExcludeDays} {
			if d > max {
				max = d
			}
		}
		return max
	}
}

// Margin returns the profit margin factor (1 − profitMarginPct) used by the
// profit-maximizing bid search.
func (p AlgorithmParams) Margin() float64 {
	return 1 - p.ProfitMarginPct
}

// ParamsStore holds the current AlgorithmParams behind an atomic pointer.
// Readers get a consistent copy without locking; updates swap the whole
// value, so in-flight work keeps the parameters it started with.
type ParamsStore struct {
	v atomic.Pointer[AlgorithmParams]
}

// NewParamsStore seeds a store.
func NewParamsStore(p AlgorithmParams) *ParamsStore {
	s := &ParamsStore{}
	s.v.Store(&p)
	return s
}

// Current returns the parameters as of now.
func (s *ParamsStore) Current() AlgorithmParams {
	return *s.v.Load()
}

// Update replaces the parameters for work initiated after this call.
func (s *ParamsStore) Update(p AlgorithmParams) {
	p.UpdatedAt = time.Now().UTC()
	s.v.Store(&p)
}
