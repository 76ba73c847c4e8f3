package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// AlgorithmSeed is the YAML shape of algorithm-parameter overrides. Every
// field is optional; zero values leave the corresponding default untouched.
// Money values are plain decimals in the file and converted at this boundary.
type AlgorithmSeed struct {
	MinBid              float64 `yaml:"min_bid"`
	MaxBid              float64 `yaml:"max_bid"`
	MaxAllowedCPC       float64 `yaml:"max_allowed_cpc"`
	CPCWarningThreshold float64 `yaml:"cpc_warning_threshold"`
	MaxTotalMultiplier  float64 `yaml:"max_total_multiplier"`
	CircuitBreakerMult  float64 `yaml:"circuit_breaker_multiplier"`
	MaxAdjustmentPct    float64 `yaml:"max_adjustment_pct"`

	Weights struct {
		BaseAlgo    float64 `yaml:"base_algo"`
		Dayparting  float64 `yaml:"dayparting"`
		Placement   float64 `yaml:"placement"`
		Inventory   float64 `yaml:"inventory"`
		OrganicRank float64 `yaml:"organic_rank"`
	} `yaml:"weights"`

	ProfitMarginPct float64 `yaml:"profit_margin_pct"`
	MinDataPoints   int     `yaml:"min_data_points"`
	CurveWindowDays int     `yaml:"curve_window_days"`

	ExcludeDays struct {
		Bid        int `yaml:"bid"`
		Placement  int `yaml:"placement"`
		Dayparting int `yaml:"dayparting"`
		SearchTerm int `yaml:"search_term"`
	} `yaml:"exclude_days"`

	Rules []RuleSeed `yaml:"rollback_rules"`
}

// RuleSeed is a rollback rule declared in the seed file. Seed rules are
// inserted only when the rules table is empty.
type RuleSeed struct {
	Name                 string  `yaml:"name"`
	ProfitThresholdPct   float64 `yaml:"profit_threshold_pct"`
	MinTrackingDays      int     `yaml:"min_tracking_days"`
	MinSampleCount       int     `yaml:"min_sample_count"`
	IncludeNegativeAdjs  bool    `yaml:"include_negative_adjustments"`
	AutoRollback         bool    `yaml:"auto_rollback"`
	SendNotification     bool    `yaml:"send_notification"`
	Priority             string  `yaml:"priority"`
}

// LoadAlgorithmSeed reads and parses a seed file.
func LoadAlgorithmSeed(path string) (*AlgorithmSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading params file: %w", err)
	}
	var seed AlgorithmSeed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parsing params file: %w", err)
	}
	return &seed, nil
}

// ApplyTo overlays the seed's non-zero fields onto params.
func (s *AlgorithmSeed) ApplyTo(p *models.AlgorithmParams) {
	if s.MinBid > 0 {
		p.MinBid = decimal.NewFromFloat(s.MinBid)
	}
	if s.MaxBid > 0 {
		p.MaxBid = decimal.NewFromFloat(s.MaxBid)
	}
	if s.MaxAllowedCPC > 0 {
		p.MaxAllowedCPC = decimal.NewFromFloat(s.MaxAllowedCPC)
	}
	if s.CPCWarningThreshold > 0 {
		p.CPCWarningThreshold = decimal.NewFromFloat(s.CPCWarningThreshold)
	}
	if s.MaxTotalMultiplier > 0 {
		p.MaxTotalMultiplier = s.MaxTotalMultiplier
	}
	if s.CircuitBreakerMult > 0 {
		p.CircuitBreakerMultiplier = s.CircuitBreakerMult
	}
	if s.MaxAdjustmentPct > 0 {
		p.MaxAdjustmentPct = s.MaxAdjustmentPct
	}
	if s.Weights.BaseAlgo > 0 {
		p.Weights.BaseAlgo = s.Weights.BaseAlgo
	}
	if s.Weights.Dayparting > 0 {
		p.Weights.Dayparting = s.Weights.Dayparting
	}
	if s.Weights.Placement > 0 {
		p.Weights.Placement = s.Weights.Placement
	}
	if s.Weights.Inventory > 0 {
		p.Weights.Inventory = s.Weights.Inventory
	}
	if s.Weights.OrganicRank > 0 {
		p.Weights.OrganicRank = s.Weights.OrganicRank
	}
	if s.ProfitMarginPct > 0 {
		p.ProfitMarginPct = s.ProfitMarginPct
	}
	if s.MinDataPoints > 0 {
		p.MinDataPoints = s.MinDataPoints
	}
	if s.CurveWindowDays > 0 {
		p.CurveWindowDays = s.CurveWindowDays
	}
	if s.ExcludeDays.Bid > 0 {
		p.BidExcludeDays = s.ExcludeDays.Bid
	}
	if s.ExcludeDays.Placement > 0 {
		p.PlacementExcludeDays = s.ExcludeDays.Placement
	}
	if s.ExcludeDays.Dayparting > 0 {
		p.DaypartingExcludeDays = s.ExcludeDays.Dayparting
	}
	if s.ExcludeDays.SearchTerm > 0 {
		p.SearchTermExcludeDays = s.ExcludeDays.SearchTerm
	}
}

// SeedRules converts the file's rule declarations to domain rules.
func (s *AlgorithmSeed) SeedRules() []models.RollbackRule {
	rules := make([]models.RollbackRule, 0, len(s.Rules))
	for _, r := range s.Rules {
		priority := r.Priority
		if priority == "" {
			priority = models.RulePriorityMedium
		}
		rules = append(rules, models.RollbackRule{
			Name:    r.Name,
			Enabled: true,
			Version: 1,
			Conditions: models.RollbackConditions{
				ProfitThresholdPct:         r.ProfitThresholdPct,
				MinTrackingDays:            r.MinTrackingDays,
				MinSampleCount:             r.MinSampleCount,
				IncludeNegativeAdjustments: r.IncludeNegativeAdjs,
			},
			Actions: models.RollbackActions{
				AutoRollback:     r.AutoRollback,
				SendNotification: r.SendNotification,
				Priority:         priority,
			},
		})
	}
	return rules
}
