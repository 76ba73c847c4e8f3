package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform"
)

// memStore mirrors the Postgres guarded-update semantics in memory.
type memStore struct {
	mu      sync.Mutex
	batches map[string]*models.BatchOperation
	items   map[string][]models.BatchOperationItem
	history []models.BidAdjustmentRecord
	nextID  int64
}

func newMemStore() *memStore {
	return &memStore{
		batches: make(map[string]*models.BatchOperation),
		items:   make(map[string][]models.BatchOperationItem),
	}
}

func (s *memStore) InsertBatch(ctx context.Context, op models.BatchOperation, items []models.BatchOperationItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[op.ID] = &op
	s.items[op.ID] = append([]models.BatchOperationItem(nil), items...)
	return nil
}

func (s *memStore) GetBatch(ctx context.Context, id string) (models.BatchOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.batches[id]
	if !ok {
		return models.BatchOperation{}, fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	return *op, nil
}

func (s *memStore) BatchItems(ctx context.Context, batchID string) ([]models.BatchOperationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := append([]models.BatchOperationItem(nil), s.items[batchID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

func (s *memStore) ApproveBatch(ctx context.Context, id, by string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.batches[id]
	if !ok || op.Status != models.BatchStatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	op.Status = models.BatchStatusApproved
	op.ApprovedBy, op.ApprovedAt = by, &now
	return true, nil
}

func (s *memStore) StartBatchExecution(ctx context.Context, id, by string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.batches[id]
	if !ok {
		return false, nil
	}
	legal := op.Status == models.BatchStatusApproved ||
		(op.Status == models.BatchStatusPending && !op.RequiresApproval)
	if !legal {
		return false, nil
	}
	now := time.Now().UTC()
	op.Status = models.BatchStatusExecuting
	op.ExecutedBy, op.ExecutedAt = by, &now
	return true, nil
}

func (s *memStore) FinishBatch(ctx context.Context, id, finalStatus string, success, failed, skipped int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.batches[id]
	if !ok || op.Status != models.BatchStatusExecuting {
		return false, nil
	}
	now := time.Now().UTC()
	op.Status = finalStatus
	op.SuccessItems, op.FailedItems, op.SkippedItems = success, failed, skipped
	op.CompletedAt = &now
	return true, nil
}

func (s *memStore) CancelBatch(ctx context.Context, id, by string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.batches[id]
	if !ok || (op.Status != models.BatchStatusPending && op.Status != models.BatchStatusApproved) {
		return false, nil
	}
	now := time.Now().UTC()
	op.Status = models.BatchStatusCancelled
	op.CancelledBy, op.CancelledAt = by, &now
	return true, nil
}

func (s *memStore) MarkBatchRolledBack(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.batches[id]
	if !ok || op.Status != models.BatchStatusCompleted {
		return false, nil
	}
	now := time.Now().UTC()
	op.Status = models.BatchStatusRolledBack
	op.RolledBackAt = &now
	return true, nil
}

func (s *memStore) UpdateBatchItem(ctx context.Context, item models.BatchOperationItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.items[item.BatchID]
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item
			return nil
		}
	}
	return fmt.Errorf("item %s: %w", item.ID, models.ErrNotFound)
}

func (s *memStore) InsertBidAdjustment(ctx context.Context, rec models.BidAdjustmentRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.history = append(s.history, rec)
	return rec.ID, nil
}

func (s *memStore) historyBySources() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, rec := range s.history {
		counts[rec.Source]++
	}
	return counts
}

type recordingOpener struct {
	records []models.BidAdjustmentRecord
}

func (r *recordingOpener) OpenForAdjustment(ctx context.Context, rec models.BidAdjustmentRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func setupMachine(t *testing.T) (*Machine, *memStore, *platform.Fake) {
	t.Helper()
	store := newMemStore()
	data := models.NewTestAccountDataStore()
	err := data.SetAccountData(models.TestAccountData(7, 100,
		models.TestKeyword(1, "alpha", 0.50),
		models.TestKeyword(2, "beta", 1.00)))
	if err != nil {
		t.Fatalf("SetAccountData: %v", err)
	}
	fake := platform.NewFake()
	m := NewMachine(store, data, fake, models.NewParamsStore(models.DefaultAlgorithmParams()), observability.NewNoOpRegistry())
	return m, store, fake
}

func bidItem(targetID int, newBid float64) models.BatchItemPayload {
	return models.BatchItemPayload{BidAdjustment: &models.BidAdjustmentPayload{
		TargetID: targetID,
		NewBid:   decimal.NewFromFloat(newBid),
	}}
}

func bidBatch(items ...models.BatchItemPayload) CreateRequest {
	return CreateRequest{
		AccountID:     7,
		Owner:         "tester",
		OperationType: models.OpTypeBidAdjustment,
		Name:          "bid adjustments",
		Items:         items,
	}
}

func TestCreateValidation(t *testing.T) {
	m, store, _ := setupMachine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"bid above max", bidBatch(bidItem(1, 0.80), bidItem(2, 500))},
		{"bid below min", bidBatch(bidItem(1, 0.01))},
		{"change above limit", bidBatch(bidItem(1, 1.50))}, // 0.50 -> 1.50 is +200%
		{"unknown target", bidBatch(bidItem(999, 0.80))},
		{"empty batch", bidBatch()},
		{"unknown op type", CreateRequest{AccountID: 7, Name: "x", OperationType: "bulk_delete", Items: []models.BatchItemPayload{bidItem(1, 0.8)}}},
		{"empty negative text", CreateRequest{
			AccountID: 7, Name: "negatives", OperationType: models.OpTypeNegativeKeyword,
			Items: []models.BatchItemPayload{{NegativeKeyword: &models.NegativeKeywordPayload{CampaignID: 100, KeywordText: "  ", MatchType: models.MatchTypeExact}}},
		}},
		{"broad negative match", CreateRequest{
			AccountID: 7, Name: "negatives", OperationType: models.OpTypeNegativeKeyword,
			Items: []models.BatchItemPayload{{NegativeKeyword: &models.NegativeKeywordPayload{CampaignID: 100, KeywordText: "cheap", MatchType: models.MatchTypeBroad}}},
		}},
		{"negative with both scopes", CreateRequest{
			AccountID: 7, Name: "negatives", OperationType: models.OpTypeNegativeKeyword,
			Items: []models.BatchItemPayload{{NegativeKeyword: &models.NegativeKeywordPayload{CampaignID: 100, AdGroupID: 1000, KeywordText: "cheap", MatchType: models.MatchTypeExact}}},
		}},
		{"payload type mismatch", CreateRequest{
			AccountID: 7, Name: "mixed", OperationType: models.OpTypeCampaignStatus,
			Items: []models.BatchItemPayload{bidItem(1, 0.8)},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Create(ctx, tc.req); !errs.IsValidation(err) {
				t.Errorf("err = %v, want Validation", err)
			}
		})
	}
	if len(store.batches) != 0 {
		t.Errorf("invalid creations persisted %d batches; creation must be atomic", len(store.batches))
	}
}

func TestLifecycleTransitions(t *testing.T) {
	m, _, _ := setupMachine(t)
	ctx := context.Background()

	req := bidBatch(bidItem(1, 0.80))
	req.RequiresApproval = true
	op, err := m.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if op.Status != models.BatchStatusPending {
		t.Fatalf("status = %s, want pending for approval-gated batch", op.Status)
	}

	if _, err := m.Execute(ctx, op.ID, "tester"); !errs.IsConflict(err) {
		t.Errorf("execute before approval err = %v, want Conflict", err)
	}
	if _, err := m.Approve(ctx, op.ID, "reviewer"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := m.Approve(ctx, op.ID, "reviewer"); !errs.IsConflict(err) {
		t.Errorf("double approve err = %v, want Conflict", err)
	}
	done, err := m.Execute(ctx, op.ID, "tester")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if done.Status != models.BatchStatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if _, err := m.Cancel(ctx, op.ID, "tester"); !errs.IsConflict(err) {
		t.Errorf("cancel after completion err = %v, want Conflict", err)
	}
	rolled, err := m.Rollback(ctx, op.ID, "tester")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rolled.Status != models.BatchStatusRolledBack {
		t.Fatalf("status = %s, want rolled_back", rolled.Status)
	}
	if _, err := m.Rollback(ctx, op.ID, "tester"); !errs.IsConflict(err) {
		t.Errorf("double rollback err = %v, want Conflict", err)
	}
}

func TestApprovalSkippedWhenNotRequired(t *testing.T) {
	m, _, _ := setupMachine(t)

	op, err := m.Create(context.Background(), bidBatch(bidItem(1, 0.80)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if op.Status != models.BatchStatusApproved {
		t.Errorf("status = %s, want approved without the gate", op.Status)
	}
}

func TestExecuteRollbackRoundTrip(t *testing.T) {
	m, store, fake := setupMachine(t)
	ctx := context.Background()

	op, err := m.Create(ctx, bidBatch(bidItem(1, 0.80), bidItem(2, 1.40)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	done, err := m.Execute(ctx, op.ID, "tester")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if done.SuccessItems != 2 || done.FailedItems != 0 {
		t.Fatalf("counts = %d/%d, want 2 success", done.SuccessItems, done.FailedItems)
	}
	if got := fake.Bids[1].StringFixed(2); got != "0.80" {
		t.Errorf("platform bid for target 1 = %s, want 0.80", got)
	}
	if got := fake.Bids[2].StringFixed(2); got != "1.40" {
		t.Errorf("platform bid for target 2 = %s, want 1.40", got)
	}
	if counts := store.historyBySources(); counts[models.AdjustSourceBatchCampaign] != 2 {
		t.Errorf("history rows = %v, want 2 batch_campaign", counts)
	}

	rolled, err := m.Rollback(ctx, op.ID, "tester")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rolled.Status != models.BatchStatusRolledBack {
		t.Fatalf("status = %s, want rolled_back", rolled.Status)
	}
	if got := fake.Bids[1].StringFixed(2); got != "0.50" {
		t.Errorf("restored bid for target 1 = %s, want 0.50", got)
	}
	if got := fake.Bids[2].StringFixed(2); got != "1.00" {
		t.Errorf("restored bid for target 2 = %s, want 1.00", got)
	}
	target := m.Data.GetTarget(7, 1)
	if target.CurrentBid.StringFixed(2) != "0.50" {
		t.Errorf("store bid for target 1 = %s, want 0.50", target.CurrentBid)
	}
	if counts := store.historyBySources(); counts[models.AdjustSourceRollback] != 2 {
		t.Errorf("history rows = %v, want 2 rollback", counts)
	}
	items, _ := m.Items(ctx, op.ID)
	for _, item := range items {
		if item.Status != models.ItemStatusRolledBack {
			t.Errorf("item %d status = %s, want rolled_back", item.Seq, item.Status)
		}
	}
}

func TestExecuteContinuesOnItemFailure(t *testing.T) {
	m, _, fake := setupMachine(t)
	ctx := context.Background()

	fake.Fail("UpdateTargetBid", 1, &platform.APIError{StatusCode: 500, Message: "boom"})
	op, err := m.Create(ctx, bidBatch(bidItem(1, 0.80), bidItem(2, 1.40)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	done, err := m.Execute(ctx, op.ID, "tester")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if done.Status != models.BatchStatusCompleted {
		t.Errorf("status = %s, want completed when one item survives", done.Status)
	}
	if done.SuccessItems != 1 || done.FailedItems != 1 {
		t.Errorf("counts = %d/%d, want 1/1", done.SuccessItems, done.FailedItems)
	}
	if done.SuccessItems+done.FailedItems+done.SkippedItems != done.TotalItems {
		t.Errorf("item counts do not add up: %+v", done)
	}
}

func TestExecuteAllItemsFailing(t *testing.T) {
	m, _, fake := setupMachine(t)
	ctx := context.Background()

	fake.Fail("UpdateTargetBid", -1, &platform.APIError{StatusCode: 500, Message: "down"})
	op, err := m.Create(ctx, bidBatch(bidItem(1, 0.80), bidItem(2, 1.40)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	done, err := m.Execute(ctx, op.ID, "tester")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if done.Status != models.BatchStatusFailed {
		t.Errorf("status = %s, want failed when every item failed", done.Status)
	}
}

func TestRollbackWindowExpires(t *testing.T) {
	m, store, _ := setupMachine(t)
	ctx := context.Background()

	op, err := m.Create(ctx, bidBatch(bidItem(1, 0.80)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Execute(ctx, op.ID, "tester"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	stale := time.Now().UTC().Add(-73 * time.Hour)
	store.batches[op.ID].CompletedAt = &stale

	if _, err := m.Rollback(ctx, op.ID, "tester"); !errs.IsConflict(err) {
		t.Fatalf("expired rollback err = %v, want Conflict", err)
	}
}

func TestKeywordMigrationRoundTrip(t *testing.T) {
	m, _, fake := setupMachine(t)
	ctx := context.Background()

	op, err := m.Create(ctx, CreateRequest{
		AccountID:     7,
		Owner:         "tester",
		OperationType: models.OpTypeKeywordMigration,
		Name:          "graduate exact",
		Items: []models.BatchItemPayload{{KeywordMigration: &models.KeywordMigrationPayload{
			SourceAdGroupID: 1000,
			DestAdGroupID:   1001,
			KeywordText:     "wireless earbuds",
			SourceMatchType: models.MatchTypeBroad,
			DestMatchType:   models.MatchTypeExact,
			Bid:             decimal.NewFromFloat(0.90),
		}}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Execute(ctx, op.ID, "tester"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := fake.CallCount("CreateKeyword"); n != 1 {
		t.Errorf("CreateKeyword calls = %d, want 1", n)
	}
	if n := fake.CallCount("CreateNegativeKeyword"); n != 1 {
		t.Errorf("CreateNegativeKeyword calls = %d, want 1", n)
	}
	items, _ := m.Items(ctx, op.ID)
	if items[0].Snapshot == nil || items[0].Snapshot.UndoMigration == nil {
		t.Fatalf("migration item missing undo snapshot: %+v", items[0])
	}

	if _, err := m.Rollback(ctx, op.ID, "tester"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if n := fake.CallCount("RemoveKeyword"); n != 1 {
		t.Errorf("RemoveKeyword calls = %d, want 1", n)
	}
	if n := fake.CallCount("RemoveNegativeKeyword"); n != 1 {
		t.Errorf("RemoveNegativeKeyword calls = %d, want 1", n)
	}
}

func TestCampaignStatusRoundTrip(t *testing.T) {
	m, _, _ := setupMachine(t)
	ctx := context.Background()

	op, err := m.Create(ctx, CreateRequest{
		AccountID:     7,
		Owner:         "tester",
		OperationType: models.OpTypeCampaignStatus,
		Name:          "pause campaign",
		Items: []models.BatchItemPayload{{CampaignStatus: &models.CampaignStatusPayload{
			CampaignID: 100,
			NewStatus:  models.StatusPaused,
		}}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Execute(ctx, op.ID, "tester"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := m.Data.GetCampaign(7, 100).Status; got != models.StatusPaused {
		t.Errorf("campaign status = %s, want paused", got)
	}
	if _, err := m.Rollback(ctx, op.ID, "tester"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got := m.Data.GetCampaign(7, 100).Status; got != models.StatusEnabled {
		t.Errorf("campaign status after rollback = %s, want enabled", got)
	}
}

func TestTrackingOpensOnBidItems(t *testing.T) {
	m, _, _ := setupMachine(t)
	opener := &recordingOpener{}
	m.Tracking = opener
	ctx := context.Background()

	op, err := m.Create(ctx, bidBatch(bidItem(1, 0.80)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Execute(ctx, op.ID, "tester"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(opener.records) != 1 {
		t.Fatalf("tracking opened %d records, want 1", len(opener.records))
	}
	rec := opener.records[0]
	if rec.ID == 0 || rec.BatchItemID == "" || rec.Source != models.AdjustSourceBatchCampaign {
		t.Errorf("tracking record incomplete: %+v", rec)
	}
}

func TestEstimateDuration(t *testing.T) {
	if EstimateDuration(0, models.OpTypeBidAdjustment) != 0 {
		t.Error("empty batch must estimate zero")
	}
	bid := EstimateDuration(10, models.OpTypeBidAdjustment)
	migration := EstimateDuration(10, models.OpTypeKeywordMigration)
	if migration <= bid {
		t.Errorf("migration estimate %s must exceed bid estimate %s (two calls per item)", migration, bid)
	}
	if EstimateDuration(100, models.OpTypeBidAdjustment) <= bid {
		t.Error("estimates must grow with item count")
	}
}
