package models

import "time"

// Task types the scheduler knows how to run.
const (
	TaskTypeOptimization       = "optimization"
	TaskTypeEffectTracking     = "effect_tracking"
	TaskTypeRollbackEvaluation = "rollback_evaluation"
	TaskTypePacingCheck        = "pacing_check"
	TaskTypeConsistencyCheck   = "consistency_check"
	TaskTypeSuggestionCleanup  = "suggestion_cleanup"
)

// Schedule kinds.
const (
	ScheduleInterval = "interval" // Every Interval.
	ScheduleHourly   = "hourly"   // Top of every hour.
	ScheduleDaily    = "daily"    // Once a day at RunTime (UTC "HH:MM").
)

// Task execution statuses.
const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusSucceeded = "succeeded"
	ExecutionStatusFailed    = "failed"
)

// TaskParameters is the tagged union of per-task-type parameters; the
// variant matching the task's TaskType is set, the rest are nil.
type TaskParameters struct {
	Optimization       *OptimizationTaskParams       `json:"optimization,omitempty"`
	EffectTracking     *EffectTrackingTaskParams     `json:"effect_tracking,omitempty"`
	RollbackEvaluation *RollbackEvaluationTaskParams `json:"rollback_evaluation,omitempty"`
	PacingCheck        *PacingCheckTaskParams        `json:"pacing_check,omitempty"`
	ConsistencyCheck   *ConsistencyCheckTaskParams   `json:"consistency_check,omitempty"`
	SuggestionCleanup  *SuggestionCleanupTaskParams  `json:"suggestion_cleanup,omitempty"`
}

// OptimizationTaskParams scope a unified-optimization run.
type OptimizationTaskParams struct {
	AccountID int `json:"account_id"` // Zero runs every active account.
	// CampaignIDs/PerformanceGroupIDs narrow the run; empty means all.
	CampaignIDs         []int `json:"campaign_ids,omitempty"`
	PerformanceGroupIDs []int `json:"performance_group_ids,omitempty"`
	// OptimizationTypes selects proposal sources by name; empty means all.
	OptimizationTypes []string `json:"optimization_types,omitempty"`
	// MinBidDifferencePct suppresses changes smaller than this percent.
	MinBidDifferencePct float64 `json:"min_bid_difference_pct,omitempty"`
}

// EffectTrackingTaskParams select the measurement horizon.
type EffectTrackingTaskParams struct {
	Period int `json:"period"` // 7, 14 or 30.
}

// RollbackEvaluationTaskParams scope a rule-evaluation run.
type RollbackEvaluationTaskParams struct {
	AccountID int `json:"account_id"` // Zero evaluates every account.
}

// PacingCheckTaskParams scope an intraday pacing sweep.
type PacingCheckTaskParams struct {
	AccountID int `json:"account_id"` // Zero sweeps every active account.
}

// ConsistencyCheckTaskParams scope a report-vs-stream comparison.
type ConsistencyCheckTaskParams struct {
	AccountID  int `json:"account_id"`
	WindowDays int `json:"window_days"`
}

// SuggestionCleanupTaskParams override the retention window.
type SuggestionCleanupTaskParams struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

// ScheduledTask is a recurring unit of background work. The scheduler owns
// NextRun/LastRun; operators own the rest.
type ScheduledTask struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	TaskType string `json:"task_type"`

	Schedule string        `json:"schedule"`
	Interval time.Duration `json:"interval,omitempty"` // For interval schedules.
	RunTime  string        `json:"run_time,omitempty"` // "HH:MM" UTC for daily schedules.

	Enabled bool `json:"enabled"`
	// AutoApply lets optimization tasks execute their produced batch
	// immediately; RequireApproval forces the batch to pend review instead.
	AutoApply       bool `json:"auto_apply"`
	RequireApproval bool `json:"require_approval"`

	Parameters TaskParameters `json:"parameters"`

	NextRun   time.Time  `json:"next_run"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TaskExecution records one scheduler invocation of a task. Failures are
// captured here and never propagate across accounts or tasks.
type TaskExecution struct {
	ID         string     `json:"id"`
	TaskID     int        `json:"task_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	// Summary is a JSON blob produced by the task runner (counts, ids).
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}
