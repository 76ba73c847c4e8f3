package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Batch statuses. The batch machine enforces the legal transitions; anything
// else is a Conflict.
const (
	BatchStatusPending    = "pending"
	BatchStatusApproved   = "approved"
	BatchStatusExecuting  = "executing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
	BatchStatusCancelled  = "cancelled"
	BatchStatusRolledBack = "rolled_back"
)

// Item statuses. Items never move backwards; a rolled-back item keeps its
// snapshot for audit.
const (
	ItemStatusPending    = "pending"
	ItemStatusSuccess    = "success"
	ItemStatusFailed     = "failed"
	ItemStatusSkipped    = "skipped"
	ItemStatusRolledBack = "rolled_back"
)

// Batch operation types.
const (
	OpTypeNegativeKeyword  = "negative_keyword"
	OpTypeBidAdjustment    = "bid_adjustment"
	OpTypeKeywordMigration = "keyword_migration"
	OpTypeCampaignStatus   = "campaign_status"
)

// Batch source types record what produced a batch.
const (
	BatchSourceManual       = "manual"
	BatchSourceOptimization = "optimization" // Coordinator output staged by a task.
	BatchSourceScheduler    = "scheduler"
	BatchSourceRollback     = "rollback" // Restore batch from an executed suggestion.
)

// Entity types referenced by batch items.
const (
	EntityTypeTarget   = "target"
	EntityTypeCampaign = "campaign"
	EntityTypeAdGroup  = "ad_group"
)

// BatchOperation aggregates items that are reviewed and executed together.
// The batch owns lifecycle state and counters; items own per-unit outcomes.
type BatchOperation struct {
	ID            string `json:"id"`
	AccountID     int    `json:"account_id"`
	Owner         string `json:"owner"`
	OperationType string `json:"operation_type"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	// RequiresApproval batches start pending; the rest go straight to
	// approved at creation.
	RequiresApproval bool   `json:"requires_approval"`
	SourceType       string `json:"source_type"`
	SourceTaskID     string `json:"source_task_id,omitempty"`

	Status       string `json:"status"`
	TotalItems   int    `json:"total_items"`
	SuccessItems int    `json:"success_items"`
	FailedItems  int    `json:"failed_items"`
	SkippedItems int    `json:"skipped_items"`

	ApprovedBy   string     `json:"approved_by,omitempty"`
	ExecutedBy   string     `json:"executed_by,omitempty"`
	CancelledBy  string     `json:"cancelled_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty"`
}

// BatchOperationItem is one atomic unit of work inside a batch. Items
// execute sequentially in Seq order; a failure is recorded on the item and
// never aborts the batch.
type BatchOperationItem struct {
	ID      string `json:"id"`
	BatchID string `json:"batch_id"`
	Seq     int    `json:"seq"`

	EntityType string `json:"entity_type"`
	EntityID   int    `json:"entity_id"`

	Payload BatchItemPayload `json:"payload"`
	// Snapshot is captured during execution and is sufficient to reverse
	// the item. Nil until the item succeeds.
	Snapshot *RollbackSnapshot `json:"snapshot,omitempty"`

	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
}

// BatchItemPayload is the tagged union of per-operation-type payloads;
// exactly one variant is set, matching the owning batch's OperationType.
type BatchItemPayload struct {
	NegativeKeyword  *NegativeKeywordPayload  `json:"negative_keyword,omitempty"`
	BidAdjustment    *BidAdjustmentPayload    `json:"bid_adjustment,omitempty"`
	KeywordMigration *KeywordMigrationPayload `json:"keyword_migration,omitempty"`
	CampaignStatus   *CampaignStatusPayload   `json:"campaign_status,omitempty"`
}

// NegativeKeywordPayload adds a negative keyword at campaign or ad-group
// level. Exactly one of CampaignID/AdGroupID is set. Negative match types
// are restricted to phrase and exact.
type NegativeKeywordPayload struct {
	CampaignID  int    `json:"campaign_id,omitempty"`
	AdGroupID   int    `json:"ad_group_id,omitempty"`
	KeywordText string `json:"keyword_text"`
	MatchType   string `json:"match_type"`
}

// BidAdjustmentPayload moves one target to a new base bid.
type BidAdjustmentPayload struct {
	TargetID int             `json:"target_id"`
	NewBid   decimal.Decimal `json:"new_bid"`
	// ExpectedProfitDelta is carried into the bid-adjustment history row so
	// the effect tracker can score the estimate later.
	ExpectedProfitDelta decimal.Decimal `json:"expected_profit_delta"`
	Reason              string          `json:"reason,omitempty"`
}

// KeywordMigrationPayload moves a keyword between ad groups (typically a
// match-type graduation): create the keyword in the destination, negate it
// in the source.
type KeywordMigrationPayload struct {
	SourceAdGroupID int             `json:"source_ad_group_id"`
	DestAdGroupID   int             `json:"dest_ad_group_id"`
	KeywordText     string          `json:"keyword_text"`
	SourceMatchType string          `json:"source_match_type"`
	DestMatchType   string          `json:"dest_match_type"`
	Bid             decimal.Decimal `json:"bid"`
}

// CampaignStatusPayload flips a campaign between enabled and paused.
type CampaignStatusPayload struct {
	CampaignID int    `json:"campaign_id"`
	NewStatus  string `json:"new_status"`
}

// RollbackSnapshot is the tagged union of reversal records; exactly one
// variant is set. The blob is opaque to storage and typed here at the
// producing/consuming boundary.
type RollbackSnapshot struct {
	RestoreBid     *RestoreBidSnapshot     `json:"restore_bid,omitempty"`
	RemoveNegative *RemoveNegativeSnapshot `json:"remove_negative,omitempty"`
	UndoMigration  *UndoMigrationSnapshot  `json:"undo_migration,omitempty"`
	RestoreStatus  *RestoreStatusSnapshot  `json:"restore_status,omitempty"`
}

// RestoreBidSnapshot reverses a bid adjustment.
type RestoreBidSnapshot struct {
	TargetID    int             `json:"target_id"`
	OriginalBid decimal.Decimal `json:"original_bid"`
}

// RemoveNegativeSnapshot reverses a negative-keyword creation.
type RemoveNegativeSnapshot struct {
	NegativeID  string `json:"negative_id"` // External id returned at creation.
	CampaignID  int    `json:"campaign_id,omitempty"`
	AdGroupID   int    `json:"ad_group_id,omitempty"`
	KeywordText string `json:"keyword_text"`
	MatchType   string `json:"match_type"`
}

// UndoMigrationSnapshot reverses a keyword migration: remove the created
// keyword, remove the source negative.
type UndoMigrationSnapshot struct {
	CreatedKeywordID string `json:"created_keyword_id"`
	NegativeID       string `json:"negative_id"`
	SourceAdGroupID  int    `json:"source_ad_group_id"`
	DestAdGroupID    int    `json:"dest_ad_group_id"`
}

// RestoreStatusSnapshot reverses a campaign status change.
type RestoreStatusSnapshot struct {
	CampaignID     int    `json:"campaign_id"`
	OriginalStatus string `json:"original_status"`
}
