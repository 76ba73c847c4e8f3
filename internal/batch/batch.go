// Package batch implements the write path of the control plane: every
// mutation of the ads platform is staged as a batch of items, reviewed,
// executed item by item with rollback snapshots, and reversible within a
// bounded window. The state machine is
//
//	pending → approved → executing → completed | failed
//	pending/approved → cancelled
//	completed → rolled_back
//
// and every illegal transition surfaces as a Conflict.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform"
)

// defaultRollbackWindow bounds how long after completion a batch stays
// reversible. Past it the snapshots are considered historical record only.
const defaultRollbackWindow = 72 * time.Hour

// Store is the persistence surface the machine drives. Transition methods
// are guarded updates: false means the batch was not in a state the
// transition is legal from.
type Store interface {
	InsertBatch(ctx context.Context, op models.BatchOperation, items []models.BatchOperationItem) error
	GetBatch(ctx context.Context, id string) (models.BatchOperation, error)
	BatchItems(ctx context.Context, batchID string) ([]models.BatchOperationItem, error)
	ApproveBatch(ctx context.Context, id, by string) (bool, error)
	StartBatchExecution(ctx context.Context, id, by string) (bool, error)
	FinishBatch(ctx context.Context, id, finalStatus string, success, failed, skipped int) (bool, error)
	CancelBatch(ctx context.Context, id, by string) (bool, error)
	MarkBatchRolledBack(ctx context.Context, id string) (bool, error)
	UpdateBatchItem(ctx context.Context, item models.BatchOperationItem) error
	InsertBidAdjustment(ctx context.Context, rec models.BidAdjustmentRecord) (int64, error)
}

// EffectOpener starts effect tracking for a bid adjustment applied by an
// executed item. Nil disables tracking.
type EffectOpener interface {
	OpenForAdjustment(ctx context.Context, rec models.BidAdjustmentRecord) error
}

// Machine stages, executes and reverses batches.
type Machine struct {
	Store    Store
	Data     models.AccountDataStore
	Platform platform.Client
	Params   *models.ParamsStore
	Metrics  observability.MetricsRegistry
	Tracking EffectOpener

	RollbackWindow time.Duration

	now func() time.Time
}

// NewMachine wires a batch machine with the default rollback window.
func NewMachine(store Store, data models.AccountDataStore, pc platform.Client, params *models.ParamsStore, metrics observability.MetricsRegistry) *Machine {
	return &Machine{
		Store:          store,
		Data:           data,
		Platform:       pc,
		Params:         params,
		Metrics:        metrics,
		RollbackWindow: defaultRollbackWindow,
		now:            time.Now,
	}
}

// CreateRequest stages a new batch. Items are payloads only; the machine
// assigns ids, sequence numbers and entity references.
type CreateRequest struct {
	AccountID        int
	Owner            string
	OperationType    string
	Name             string
	Description      string
	RequiresApproval bool
	SourceType       string
	SourceTaskID     string
	Items            []models.BatchItemPayload
}

// Create validates the request and persists the batch with all its items.
// Any invalid item aborts the whole creation; nothing is stored.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (*models.BatchOperation, error) {
	if req.AccountID <= 0 {
		return nil, errs.New(errs.KindValidation, "batch needs an account")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, errs.New(errs.KindValidation, "batch needs a name")
	}
	if !validOpType(req.OperationType) {
		return nil, errs.Newf(errs.KindValidation, "unknown operation type %q", req.OperationType)
	}
	if len(req.Items) == 0 {
		return nil, errs.New(errs.KindValidation, "batch needs at least one item")
	}
	if req.SourceType == "" {
		req.SourceType = models.BatchSourceManual
	}

	params := m.Params.Current()
	items := make([]models.BatchOperationItem, 0, len(req.Items))
	batchID := uuid.NewString()
	for i, payload := range req.Items {
		entityType, entityID, err := m.validateItem(req.AccountID, req.OperationType, payload, params)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, fmt.Sprintf("item %d", i), err)
		}
		items = append(items, models.BatchOperationItem{
			ID:         uuid.NewString(),
			BatchID:    batchID,
			Seq:        i,
			EntityType: entityType,
			EntityID:   entityID,
			Payload:    payload,
			Status:     models.ItemStatusPending,
		})
	}

	status := models.BatchStatusApproved
	if req.RequiresApproval {
		status = models.BatchStatusPending
	}
	op := models.BatchOperation{
		ID:               batchID,
		AccountID:        req.AccountID,
		Owner:            req.Owner,
		OperationType:    req.OperationType,
		Name:             req.Name,
		Description:      req.Description,
		RequiresApproval: req.RequiresApproval,
		SourceType:       req.SourceType,
		SourceTaskID:     req.SourceTaskID,
		Status:           status,
		TotalItems:       len(items),
		CreatedAt:        m.now().UTC(),
	}
	if err := m.Store.InsertBatch(ctx, op, items); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "persist batch", err)
	}
	m.Metrics.IncrementBatchExecutions("created")
	return &op, nil
}

// Approve moves a pending batch to approved.
func (m *Machine) Approve(ctx context.Context, id, by string) (*models.BatchOperation, error) {
	ok, err := m.Store.ApproveBatch(ctx, id, by)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "approve batch", err)
	}
	if !ok {
		return nil, m.transitionConflict(ctx, id, "approve", models.BatchStatusPending)
	}
	return m.get(ctx, id)
}

// Cancel abandons a batch that has not started executing.
func (m *Machine) Cancel(ctx context.Context, id, by string) (*models.BatchOperation, error) {
	ok, err := m.Store.CancelBatch(ctx, id, by)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "cancel batch", err)
	}
	if !ok {
		return nil, m.transitionConflict(ctx, id, "cancel", "pending or approved")
	}
	return m.get(ctx, id)
}

// Get returns the batch with the taxonomy's NotFound when the id does not
// resolve.
func (m *Machine) Get(ctx context.Context, id string) (*models.BatchOperation, error) {
	return m.get(ctx, id)
}

// Items returns a batch's items in execution order.
func (m *Machine) Items(ctx context.Context, id string) ([]models.BatchOperationItem, error) {
	if _, err := m.get(ctx, id); err != nil {
		return nil, err
	}
	items, err := m.Store.BatchItems(ctx, id)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "load batch items", err)
	}
	return items, nil
}

func (m *Machine) get(ctx context.Context, id string) (*models.BatchOperation, error) {
	op, err := m.Store.GetBatch(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, errs.Newf(errs.KindNotFound, "batch %s not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "load batch", err)
	}
	return &op, nil
}

// transitionConflict builds the Conflict for a refused guarded update,
// naming the state the batch was actually in.
func (m *Machine) transitionConflict(ctx context.Context, id, verb, wantState string) error {
	op, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	return errs.Newf(errs.KindConflict, "cannot %s batch %s: status is %s, %s required", verb, id, op.Status, wantState)
}

// validateItem checks one payload against the operation type and the bid
// invariants, returning the entity reference the item targets.
func (m *Machine) validateItem(accountID int, opType string, p models.BatchItemPayload, params models.AlgorithmParams) (string, int, error) {
	switch opType {
	case models.OpTypeBidAdjustment:
		ba := p.BidAdjustment
		if ba == nil {
			return "", 0, errors.New("payload does not match operation type bid_adjustment")
		}
		if ba.NewBid.LessThan(params.MinBid) || ba.NewBid.GreaterThan(params.MaxBid) {
			return "", 0, errs.Newf(errs.KindValidation, "bid %s outside [%s, %s]",
				ba.NewBid.StringFixed(2), params.MinBid.StringFixed(2), params.MaxBid.StringFixed(2))
		}
		target := m.Data.GetTarget(accountID, ba.TargetID)
		if target == nil {
			return "", 0, errs.Newf(errs.KindValidation, "target %d not found in account %d", ba.TargetID, accountID)
		}
		if target.CurrentBid.IsPositive() {
			changePct := ba.NewBid.Sub(target.CurrentBid).Abs().
				Div(target.CurrentBid).InexactFloat64() * 100
			if changePct > params.MaxAdjustmentPct {
				return "", 0, errs.Newf(errs.KindValidation, "change of %.0f%% exceeds the %.0f%% limit",
					changePct, params.MaxAdjustmentPct)
			}
		}
		return models.EntityTypeTarget, ba.TargetID, nil

	case models.OpTypeNegativeKeyword:
		nk := p.NegativeKeyword
		if nk == nil {
			return "", 0, errors.New("payload does not match operation type negative_keyword")
		}
		if strings.TrimSpace(nk.KeywordText) == "" {
			return "", 0, errs.New(errs.KindValidation, "negative keyword text is empty")
		}
		if nk.MatchType != models.MatchTypePhrase && nk.MatchType != models.MatchTypeExact {
			return "", 0, errs.Newf(errs.KindValidation, "negative match type %q: only phrase and exact are allowed", nk.MatchType)
		}
		if (nk.CampaignID == 0) == (nk.AdGroupID == 0) {
			return "", 0, errs.New(errs.KindValidation, "exactly one of campaign or ad group must be set")
		}
		if nk.CampaignID != 0 {
			return models.EntityTypeCampaign, nk.CampaignID, nil
		}
		return models.EntityTypeAdGroup, nk.AdGroupID, nil

	case models.OpTypeKeywordMigration:
		km := p.KeywordMigration
		if km == nil {
			return "", 0, errors.New("payload does not match operation type keyword_migration")
		}
		if strings.TrimSpace(km.KeywordText) == "" {
			return "", 0, errs.New(errs.KindValidation, "migration keyword text is empty")
		}
		if km.SourceAdGroupID == km.DestAdGroupID {
			return "", 0, errs.New(errs.KindValidation, "source and destination ad groups are the same")
		}
		if !validMatchType(km.DestMatchType) || !validMatchType(km.SourceMatchType) {
			return "", 0, errs.Newf(errs.KindValidation, "invalid match type %s -> %s", km.SourceMatchType, km.DestMatchType)
		}
		if km.Bid.LessThan(params.MinBid) || km.Bid.GreaterThan(params.MaxBid) {
			return "", 0, errs.Newf(errs.KindValidation, "migration bid %s outside [%s, %s]",
				km.Bid.StringFixed(2), params.MinBid.StringFixed(2), params.MaxBid.StringFixed(2))
		}
		return models.EntityTypeAdGroup, km.DestAdGroupID, nil

	case models.OpTypeCampaignStatus:
		cs := p.CampaignStatus
		if cs == nil {
			return "", 0, errors.New("payload does not match operation type campaign_status")
		}
		if cs.NewStatus != models.StatusEnabled && cs.NewStatus != models.StatusPaused {
			return "", 0, errs.Newf(errs.KindValidation, "campaign status %q: only enabled and paused are allowed", cs.NewStatus)
		}
		if m.Data.GetCampaign(accountID, cs.CampaignID) == nil {
			return "", 0, errs.Newf(errs.KindValidation, "campaign %d not found in account %d", cs.CampaignID, accountID)
		}
		return models.EntityTypeCampaign, cs.CampaignID, nil
	}
	return "", 0, errs.Newf(errs.KindValidation, "unknown operation type %q", opType)
}

func validOpType(op string) bool {
	switch op {
	case models.OpTypeBidAdjustment, models.OpTypeNegativeKeyword,
		models.OpTypeKeywordMigration, models.OpTypeCampaignStatus:
		return true
	}
	return false
}

func validMatchType(mt string) bool {
	switch mt {
	case models.MatchTypeBroad, models.MatchTypePhrase, models.MatchTypeExact:
		return true
	}
	return false
}
