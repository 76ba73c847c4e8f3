package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rule priorities order suggestion review queues.
const (
	RulePriorityHigh   = "high"
	RulePriorityMedium = "medium"
	RulePriorityLow    = "low"
)

// Suggestion statuses.
const (
	SuggestionStatusPending  = "pending"
	SuggestionStatusApproved = "approved"
	SuggestionStatusRejected = "rejected"
	SuggestionStatusExecuted = "executed"
)

// RollbackConditions gate which adjustments a rule matches.
type RollbackConditions struct {
	// ProfitThresholdPct is the relative profit drop that triggers the
	// rule, as a positive percent: 20 matches drops of 20% or worse against
	// the estimate.
	ProfitThresholdPct float64 `json:"profit_threshold_pct"`
	// MinTrackingDays selects the horizon to evaluate: 7, 14 or 30.
	MinTrackingDays int `json:"min_tracking_days"`
	// MinSampleCount is the minimum clicks observed in the tracking window;
	// below it the adjustment is skipped as statistically empty.
	MinSampleCount int `json:"min_sample_count"`
	// IncludeNegativeAdjustments extends the rule to adjustments that
	// lowered the bid; when false only raises are evaluated.
	IncludeNegativeAdjustments bool `json:"include_negative_adjustments"`
}

// RollbackActions describe what a matching rule does.
type RollbackActions struct {
	// AutoRollback approves and executes the suggestion without review.
	AutoRollback     bool   `json:"auto_rollback"`
	SendNotification bool   `json:"send_notification"`
	Priority         string `json:"priority"`
}

// RollbackRule scores tracked adjustments and proposes reversal of
// regressions. Rules are versioned; editing a rule bumps Version and never
// retro-evaluates suggestions produced by earlier versions.
type RollbackRule struct {
	ID        int    `json:"id"`
	AccountID int    `json:"account_id"` // Zero applies to all accounts.
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Version   int    `json:"version"`

	Conditions RollbackConditions `json:"conditions"`
	Actions    RollbackActions    `json:"actions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RollbackSuggestion is a rule match awaiting review (or auto-executed). An
// executed suggestion references the restore batch it created.
type RollbackSuggestion struct {
	ID           string `json:"id"`
	RuleID       int    `json:"rule_id"`
	RuleVersion  int    `json:"rule_version"`
	AdjustmentID int64  `json:"adjustment_id"`
	AccountID    int    `json:"account_id"`
	CampaignID   int    `json:"campaign_id"`
	TargetID     int    `json:"target_id"`

	// Horizon is the tracking horizon (days) the evaluation used.
	Horizon         int             `json:"horizon"`
	EstimatedProfit decimal.Decimal `json:"estimated_profit"`
	ActualProfit    decimal.Decimal `json:"actual_profit"`
	// DropPct is (actual − estimated) / max(|estimated|, ε); negative for
	// regressions.
	DropPct  float64 `json:"drop_pct"`
	Priority string  `json:"priority"`
	Reason   string  `json:"reason"`

	Status     string     `json:"status"`
	ReviewedBy string     `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	// BatchID is the restore batch created on execution.
	BatchID   string    `json:"batch_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
