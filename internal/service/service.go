// Package service is the typed facade over the optimization engines. Every
// externally reachable operation — scheduled task, ops endpoint, MCP tool —
// goes through a method here, takes and returns exported structs, and fails
// with a taxonomy error. Nothing in this package owns an algorithm; it
// resolves accounts, normalizes paging, fans out per-account work and maps
// outcomes.
package service

import (
	"context"
	"time"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/batch"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/coordinator"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/curve"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/pacing"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/proposals"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/tracking"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/tree"
)

// statsWindowDays bounds the tracking stats summary lookback.
const statsWindowDays = 90

// ConsistencyChecker runs the report-vs-stream comparison. *dataplane.DataPlane
// implements it.
type ConsistencyChecker interface {
	CheckConsistency(ctx context.Context, accountID int, windowStart, windowEnd time.Time) (*models.ConsistencyAudit, error)
}

// Deps carries the stores and engines the facade fronts. PG and Redis may be
// nil in reduced deployments; methods that need them say so.
type Deps struct {
	Data        models.AccountDataStore
	PG          *db.Postgres
	Redis       *db.RedisStore
	Plane       dataplane.Reader
	Consistency ConsistencyChecker
	Curves      *curve.Fitter
	Trees       *tree.Trainer
	Builder     *proposals.Builder
	Sources     []proposals.Source
	Coord       *coordinator.Engine
	Pacing      *pacing.Controller
	Batches     *batch.Machine
	Tracking    *tracking.Engine
	Params      *models.ParamsStore
	Metrics     observability.MetricsRegistry
}

// Service implements the operation surface.
type Service struct {
	Deps

	now func() time.Time
}

// New wires the facade.
func New(deps Deps) *Service {
	return &Service{Deps: deps, now: time.Now}
}

// account resolves an account and rejects ones that cannot be operated on.
func (s *Service) account(accountID int) (*models.Account, error) {
	account := s.Data.GetAccount(accountID)
	if account == nil {
		return nil, errs.Newf(errs.KindNotFound, "account %d not found", accountID)
	}
	if account.Status == models.AccountStatusNeedsReauth {
		return nil, errs.Newf(errs.KindAuthExpired, "account %d needs re-authorization", accountID)
	}
	if account.Status == models.AccountStatusDisabled {
		return nil, errs.Newf(errs.KindValidation, "account %d is disabled", accountID)
	}
	return account, nil
}

// activeAccounts lists the accounts eligible for background work.
func (s *Service) activeAccounts() []models.Account {
	var out []models.Account
	for _, a := range s.Data.Accounts() {
		if a.Status == models.AccountStatusActive {
			out = append(out, a)
		}
	}
	return out
}

// Page selects a result window. The zero value means the first page at the
// default size.
type Page struct {
	Number int `json:"number"`
	Size   int `json:"size"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func (p Page) limitOffset() (limit, offset int) {
	size := p.Size
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	number := p.Number
	if number <= 0 {
		number = 1
	}
	return size, (number - 1) * size
}

// ---- Batch operations ----

// BatchRequest carries the batch header shared by all creation operations.
type BatchRequest struct {
	AccountID        int    `json:"account_id"`
	Owner            string `json:"owner"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
}

func (s *Service) createBatch(ctx context.Context, req BatchRequest, opType string, items []models.BatchItemPayload) (*models.BatchOperation, error) {
	return s.Batches.Create(ctx, batch.CreateRequest{
		AccountID:        req.AccountID,
		Owner:            req.Owner,
		OperationType:    opType,
		Name:             req.Name,
		Description:      req.Description,
		RequiresApproval: req.RequiresApproval,
		SourceType:       models.BatchSourceManual,
		Items:            items,
	})
}

// CreateNegativeKeywordBatch stages negative-keyword creations.
func (s *Service) CreateNegativeKeywordBatch(ctx context.Context, req BatchRequest, items []models.NegativeKeywordPayload) (*models.BatchOperation, error) {
	payloads := make([]models.BatchItemPayload, len(items))
	for i := range items {
		item := items[i]
		payloads[i] = models.BatchItemPayload{NegativeKeyword: &item}
	}
	return s.createBatch(ctx, req, models.OpTypeNegativeKeyword, payloads)
}

// CreateBidAdjustmentBatch stages bid changes.
func (s *Service) CreateBidAdjustmentBatch(ctx context.Context, req BatchRequest, items []models.BidAdjustmentPayload) (*models.BatchOperation, error) {
	payloads := make([]models.BatchItemPayload, len(items))
	for i := range items {
		item := items[i]
		payloads[i] = models.BatchItemPayload{BidAdjustment: &item}
	}
	return s.createBatch(ctx, req, models.OpTypeBidAdjustment, payloads)
}

// CreateKeywordMigrationBatch stages exact-match keyword promotions.
func (s *Service) CreateKeywordMigrationBatch(ctx context.Context, req BatchRequest, items []models.KeywordMigrationPayload) (*models.BatchOperation, error) {
	payloads := make([]models.BatchItemPayload, len(items))
	for i := range items {
		item := items[i]
		payloads[i] = models.BatchItemPayload{KeywordMigration: &item}
	}
	return s.createBatch(ctx, req, models.OpTypeKeywordMigration, payloads)
}

// CreateCampaignStatusBatch stages campaign pauses and resumes.
func (s *Service) CreateCampaignStatusBatch(ctx context.Context, req BatchRequest, items []models.CampaignStatusPayload) (*models.BatchOperation, error) {
	payloads := make([]models.BatchItemPayload, len(items))
	for i := range items {
		item := items[i]
		payloads[i] = models.BatchItemPayload{CampaignStatus: &item}
	}
	return s.createBatch(ctx, req, models.OpTypeCampaignStatus, payloads)
}

// ApproveBatch moves a pending batch to approved.
func (s *Service) ApproveBatch(ctx context.Context, id, by string) (*models.BatchOperation, error) {
	return s.Batches.Approve(ctx, id, by)
}

// ExecuteBatch runs an approved batch item by item.
func (s *Service) ExecuteBatch(ctx context.Context, id, by string) (*models.BatchOperation, error) {
	return s.Batches.Execute(ctx, id, by)
}

// RollbackBatch reverses a completed batch inside the rollback window.
func (s *Service) RollbackBatch(ctx context.Context, id, by string) (*models.BatchOperation, error) {
	return s.Batches.Rollback(ctx, id, by)
}

// CancelBatch withdraws a batch that has not started executing.
func (s *Service) CancelBatch(ctx context.Context, id, by string) (*models.BatchOperation, error) {
	return s.Batches.Cancel(ctx, id, by)
}

// BatchListOptions filter the batch listing.
type BatchListOptions struct {
	AccountID     int    `json:"account_id,omitempty"`
	Status        string `json:"status,omitempty"`
	OperationType string `json:"operation_type,omitempty"`
	SourceType    string `json:"source_type,omitempty"`
}

// BatchPage is one page of batch headers.
type BatchPage struct {
	Batches []models.BatchOperation `json:"batches"`
	Total   int                     `json:"total"`
	Page    int                     `json:"page"`
	Size    int                     `json:"size"`
}

// ListBatches returns batch headers matching the filter, newest first.
func (s *Service) ListBatches(ctx context.Context, opts BatchListOptions, page Page) (BatchPage, error) {
	if s.PG == nil {
		return BatchPage{}, errs.New(errs.KindInternal, "batch listing needs the relational store")
	}
	limit, offset := page.limitOffset()
	batches, total, err := s.PG.ListBatches(ctx, db.BatchFilter{
		AccountID:     opts.AccountID,
		Status:        opts.Status,
		OperationType: opts.OperationType,
		SourceType:    opts.SourceType,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		return BatchPage{}, errs.Wrap(errs.KindInternal, "list batches", err)
	}
	return BatchPage{Batches: batches, Total: total, Page: pageNumber(offset, limit), Size: limit}, nil
}

// BatchDetail is a batch with its items.
type BatchDetail struct {
	Batch models.BatchOperation       `json:"batch"`
	Items []models.BatchOperationItem `json:"items"`
}

// GetBatchDetail returns one batch and all its items in stored order.
func (s *Service) GetBatchDetail(ctx context.Context, id string) (BatchDetail, error) {
	op, err := s.Batches.Get(ctx, id)
	if err != nil {
		return BatchDetail{}, err
	}
	items, err := s.Batches.Items(ctx, id)
	if err != nil {
		return BatchDetail{}, err
	}
	return BatchDetail{Batch: *op, Items: items}, nil
}

// ---- Adjustment history ----

// HistoryOptions filter the bid-adjustment history listing.
type HistoryOptions struct {
	AccountID  int       `json:"account_id,omitempty"`
	CampaignID int       `json:"campaign_id,omitempty"`
	TargetID   int       `json:"target_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Until      time.Time `json:"until,omitempty"`
}

// HistoryPage is one page of adjustment records.
type HistoryPage struct {
	Records []models.BidAdjustmentRecord `json:"records"`
	Total   int                          `json:"total"`
	Page    int                          `json:"page"`
	Size    int                          `json:"size"`
}

// ListAdjustmentHistory returns history rows matching the filter, newest
// first.
func (s *Service) ListAdjustmentHistory(ctx context.Context, opts HistoryOptions, page Page) (HistoryPage, error) {
	if s.PG == nil {
		return HistoryPage{}, errs.New(errs.KindInternal, "history listing needs the relational store")
	}
	limit, offset := page.limitOffset()
	records, total, err := s.PG.ListBidAdjustments(ctx, db.HistoryFilter{
		AccountID:  opts.AccountID,
		CampaignID: opts.CampaignID,
		TargetID:   opts.TargetID,
		Source:     opts.Source,
		Since:      opts.Since,
		Until:      opts.Until,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return HistoryPage{}, errs.Wrap(errs.KindInternal, "list adjustment history", err)
	}
	return HistoryPage{Records: records, Total: total, Page: pageNumber(offset, limit), Size: limit}, nil
}

// ---- Effect tracking ----

// RunEffectTracking measures every effect record whose horizon has fully
// attributed. Period must be one of the tracked horizons.
func (s *Service) RunEffectTracking(ctx context.Context, period int) (tracking.HorizonSummary, error) {
	return s.Tracking.RunHorizonTask(ctx, period)
}

// TrackingStatsSummary aggregates measurement accuracy per horizon over the
// stats window. accountID zero spans all accounts.
func (s *Service) TrackingStatsSummary(ctx context.Context, accountID int) ([]models.EffectStats, error) {
	since := s.now().UTC().AddDate(0, 0, -statsWindowDays)
	return s.Tracking.Summary(ctx, accountID, since)
}

// ---- Auto-rollback ----

// RollbackRules lists an account's rules; accountID zero lists all.
func (s *Service) RollbackRules(ctx context.Context, accountID int) ([]models.RollbackRule, error) {
	return s.Tracking.Rules(ctx, accountID)
}

// CreateRollbackRule validates and stores a new rule.
func (s *Service) CreateRollbackRule(ctx context.Context, rule models.RollbackRule) (models.RollbackRule, error) {
	return s.Tracking.CreateRule(ctx, rule)
}

// UpdateRollbackRule replaces a rule's definition and bumps its version.
func (s *Service) UpdateRollbackRule(ctx context.Context, rule models.RollbackRule) (models.RollbackRule, error) {
	return s.Tracking.UpdateRule(ctx, rule)
}

// RunRollbackEvaluation evaluates active rules against measured effects.
// accountID zero evaluates every active account; per-account failures are
// recorded in the summary and do not stop the sweep.
func (s *Service) RunRollbackEvaluation(ctx context.Context, accountID int) ([]tracking.EvaluationSummary, error) {
	if accountID > 0 {
		if _, err := s.account(accountID); err != nil {
			return nil, err
		}
		summary, err := s.Tracking.EvaluateRules(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return []tracking.EvaluationSummary{summary}, nil
	}

	var out []tracking.EvaluationSummary
	for _, account := range s.activeAccounts() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		summary, err := s.Tracking.EvaluateRules(ctx, account.ID)
		if err != nil {
			summary.AccountID = account.ID
			summary.Failed++
		}
		out = append(out, summary)
	}
	return out, nil
}

// ReviewSuggestion approves or rejects a pending rollback suggestion.
func (s *Service) ReviewSuggestion(ctx context.Context, id string, approve bool, by string) (models.RollbackSuggestion, error) {
	return s.Tracking.ReviewSuggestion(ctx, id, approve, by)
}

// ExecuteSuggestion runs an approved suggestion's restore batch.
func (s *Service) ExecuteSuggestion(ctx context.Context, id, by string) (models.RollbackSuggestion, error) {
	return s.Tracking.ExecuteSuggestion(ctx, id, by)
}

// SuggestionOptions filter the suggestion listing.
type SuggestionOptions struct {
	AccountID int    `json:"account_id,omitempty"`
	Status    string `json:"status,omitempty"`
	RuleID    int    `json:"rule_id,omitempty"`
}

// SuggestionPage is one page of rollback suggestions.
type SuggestionPage struct {
	Suggestions []models.RollbackSuggestion `json:"suggestions"`
	Total       int                         `json:"total"`
	Page        int                         `json:"page"`
	Size        int                         `json:"size"`
}

// ListSuggestions returns rollback suggestions matching the filter, newest
// first.
func (s *Service) ListSuggestions(ctx context.Context, opts SuggestionOptions, page Page) (SuggestionPage, error) {
	if s.PG == nil {
		return SuggestionPage{}, errs.New(errs.KindInternal, "suggestion listing needs the relational store")
	}
	limit, offset := page.limitOffset()
	suggestions, total, err := s.PG.ListRollbackSuggestions(ctx, db.SuggestionFilter{
		AccountID: opts.AccountID,
		Status:    opts.Status,
		RuleID:    opts.RuleID,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return SuggestionPage{}, errs.Wrap(errs.KindInternal, "list rollback suggestions", err)
	}
	return SuggestionPage{Suggestions: suggestions, Total: total, Page: pageNumber(offset, limit), Size: limit}, nil
}

func pageNumber(offset, limit int) int {
	if limit <= 0 {
		return 1
	}
	return offset/limit + 1
}
