package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/batch"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/coordinator"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/pacing"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/proposals"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/tracking"
)

var svcNow = time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)

// stubSource proposes a fixed multiplier for every target it sees. The
// proposal rides the base_algo channel so the coordinator weighs it at 1.0.
type stubSource struct {
	name string
	mult float64
	conf float64
}

func (s stubSource) Name() string { return s.name }

func (s stubSource) Analyze(ctx context.Context, tc proposals.TargetContext) ([]models.BidProposal, error) {
	if s.mult == 0 {
		return nil, nil
	}
	return []models.BidProposal{{
		TargetID:   tc.Target.ID,
		TargetType: tc.Target.TargetType,
		Source:     models.ProposalSourceBaseAlgo,
		Multiplier: s.mult,
		Confidence: s.conf,
		Reason:     "stub",
		CreatedAt:  tc.Now,
	}}, nil
}

// memBatchStore mirrors the Postgres guarded-update semantics in memory.
type memBatchStore struct {
	mu      sync.Mutex
	batches map[string]*models.BatchOperation
	items   map[string][]models.BatchOperationItem
	nextID  int64
}

func newMemBatchStore() *memBatchStore {
	return &memBatchStore{
		batches: make(map[string]*models.BatchOperation),
		items:   make(map[string][]models.BatchOperationItem),
	}
}

func (s *memBatchStore) InsertBatch(ctx context.Context, op models.BatchOperation, items []models.BatchOperationItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[op.ID] = &op
	s.items[op.ID] = append([]models.BatchOperationItem(nil), items...)
	return nil
}

func (s *memBatchStore) GetBatch(ctx context.Context, id string) (models.BatchOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.batches[id]
	if !ok {
		return models.BatchOperation{}, fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	return *op, nil
}

func (s *memBatchStore) BatchItems(ctx context.Context, batchID string) ([]models.BatchOperationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := append([]models.BatchOperationItem(nil), s.items[batchID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

func (s *memBatchStore) ApproveBatch(ctx context.Context, id, by string) (bool, error) {
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

func (s *memBatchStore) StartBatchExecution(ctx context.Context, id, by string) (bool, error) {
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

func (s *memBatchStore) FinishBatch(ctx context.Context, id, finalStatus string, success, failed, skipped int) (bool, error) {
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

func (s *memBatchStore) CancelBatch(ctx context.Context, id, by string) (bool, error) {
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

func (s *memBatchStore) MarkBatchRolledBack(ctx context.Context, id string) (bool, error) {
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

func (s *memBatchStore) UpdateBatchItem(ctx context.Context, item models.BatchOperationItem) error {
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

func (s *memBatchStore) InsertBidAdjustment(ctx context.Context, rec models.BidAdjustmentRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *memBatchStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

type fakeChecker struct {
	mu         sync.Mutex
	calls      int
	gotAccount int
	gotStart   time.Time
	gotEnd     time.Time
}

func (f *fakeChecker) CheckConsistency(ctx context.Context, accountID int, start, end time.Time) (*models.ConsistencyAudit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotAccount, f.gotStart, f.gotEnd = accountID, start, end
	return &models.ConsistencyAudit{
		AccountID:   accountID,
		WindowStart: start,
		WindowEnd:   end,
		Consistent:  true,
		CheckedAt:   svcNow,
	}, nil
}

func (f *fakeChecker) window() (time.Time, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gotStart, f.gotEnd
}

type fixture struct {
	svc     *Service
	fake    *platform.Fake
	reader  *dataplane.MockReader
	batches *memBatchStore
	checker *fakeChecker
}

// setupService wires the facade over in-memory stores: miniredis, the mock
// telemetry reader, the fake platform and a memory batch store. Account 7 is
// active with one enabled keyword, account 9 is active with its campaign
// paused, account 8 needs re-auth.
func setupService(t *testing.T, sources ...proposals.Source) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	redisStore := &db.RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Ctx:    context.Background(),
	}

	data := models.NewTestAccountDataStore()
	active := models.TestAccountData(7, 100, models.TestKeyword(42, "wireless earbuds", 1.00))
	active.Groups = []models.PerformanceGroup{{ID: 5, AccountID: 7, Name: "core", Goal: models.GoalMaximizeSales}}
	if err := data.SetAccountData(active); err != nil {
		t.Fatalf("SetAccountData: %v", err)
	}
	second := models.TestAccountData(9, 300, models.TestKeyword(43, "usb hub", 0.80))
	second.Campaigns[0].Status = models.StatusPaused
	if err := data.SetAccountData(second); err != nil {
		t.Fatalf("SetAccountData: %v", err)
	}
	reauth := models.TestAccountData(8, 200)
	reauth.Account.Status = models.AccountStatusNeedsReauth
	if err := data.SetAccountData(reauth); err != nil {
		t.Fatalf("SetAccountData: %v", err)
	}

	fake := platform.NewFake()
	reader := &dataplane.MockReader{}
	params := models.NewParamsStore(models.DefaultAlgorithmParams())
	metrics := observability.NewNoOpRegistry()
	batchStore := newMemBatchStore()
	checker := &fakeChecker{}

	svc := New(Deps{
		Data:        data,
		Redis:       redisStore,
		Plane:       reader,
		Consistency: checker,
		Builder:     proposals.NewBuilder(reader, data, nil, fake, params, metrics),
		Sources:     sources,
		Coord:       coordinator.NewEngine(data, redisStore, nil, fake, params, metrics),
		Pacing:      pacing.NewController(reader, data, redisStore, nil, params, metrics, 0),
		Batches:     batch.NewMachine(batchStore, data, fake, params, metrics),
		Tracking:    tracking.NewEngine(nil, data, nil, nil, params, metrics),
		Params:      params,
		Metrics:     metrics,
	})
	svc.now = func() time.Time { return svcNow }
	return &fixture{svc: svc, fake: fake, reader: reader, batches: batchStore, checker: checker}
}

func TestPageLimitOffset(t *testing.T) {
	cases := []struct {
		name       string
		page       Page
		wantLimit  int
		wantOffset int
	}{
		{"zero value", Page{}, 50, 0},
		{"explicit", Page{Number: 3, Size: 20}, 20, 40},
		{"size capped", Page{Number: 1, Size: 9999}, 500, 0},
		{"negative normalized", Page{Number: -2, Size: -5}, 50, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			limit, offset := tc.page.limitOffset()
			if limit != tc.wantLimit || offset != tc.wantOffset {
				t.Errorf("limitOffset() = (%d, %d), want (%d, %d)", limit, offset, tc.wantLimit, tc.wantOffset)
			}
		})
	}
}

func TestSelectSources(t *testing.T) {
	f := setupService(t, proposals.DefaultSources()...)

	all, err := f.svc.selectSources(nil)
	if err != nil || len(all) != 5 {
		t.Fatalf("selectSources(nil) = %d sources, err %v; want all 5", len(all), err)
	}
	subset, err := f.svc.selectSources([]string{models.ProposalSourceDayparting, models.ProposalSourceInventory})
	if err != nil || len(subset) != 2 {
		t.Fatalf("selectSources(subset) = %d sources, err %v; want 2", len(subset), err)
	}
	if _, err := f.svc.selectSources([]string{"daypartng"}); !errs.IsValidation(err) {
		t.Errorf("typo err = %v, want Validation", err)
	}
}

func TestRunUnifiedOptimizationGuards(t *testing.T) {
	f := setupService(t, stubSource{name: "stub", mult: 1.2, conf: 1.0})
	ctx := context.Background()

	if _, err := f.svc.RunUnifiedOptimization(ctx, OptimizationRequest{AccountID: 404}); !errs.IsNotFound(err) {
		t.Errorf("unknown account err = %v, want NotFound", err)
	}
	if _, err := f.svc.RunUnifiedOptimization(ctx, OptimizationRequest{AccountID: 8}); !errs.IsAuthExpired(err) {
		t.Errorf("needs_reauth account err = %v, want AuthExpired", err)
	}
	req := OptimizationRequest{AccountID: 7, OptimizationTypes: []string{"no_such_analyzer"}}
	if _, err := f.svc.RunUnifiedOptimization(ctx, req); !errs.IsValidation(err) {
		t.Errorf("unknown analyzer err = %v, want Validation", err)
	}
}

func TestRunUnifiedOptimizationApplies(t *testing.T) {
	f := setupService(t, stubSource{name: "stub", mult: 1.2, conf: 1.0})
	ctx := context.Background()

	summary, err := f.svc.RunUnifiedOptimization(ctx, OptimizationRequest{AccountID: 7})
	if err != nil {
		t.Fatalf("RunUnifiedOptimization: %v", err)
	}
	if summary.TargetsAnalyzed != 1 || summary.Applied != 1 {
		t.Fatalf("summary = %+v, want 1 analyzed and 1 applied", summary)
	}
	if summary.ProposalsCollected != 1 {
		t.Errorf("proposals collected = %d, want 1", summary.ProposalsCollected)
	}
	if got := f.fake.Bids[42].StringFixed(2); got != "1.20" {
		t.Errorf("platform bid = %s, want 1.20", got)
	}
	if !summary.ExpectedProfitDelta.IsZero() {
		t.Errorf("delta without a curve model = %s, want 0", summary.ExpectedProfitDelta)
	}

	// The cooldown from the first apply turns the second run into a skip.
	again, err := f.svc.RunUnifiedOptimization(ctx, OptimizationRequest{AccountID: 7})
	if err != nil {
		t.Fatalf("second RunUnifiedOptimization: %v", err)
	}
	if again.Applied != 0 || again.Skipped != 1 {
		t.Errorf("second run = %+v, want 1 skipped by the cooldown", again)
	}
}

func TestRunUnifiedOptimizationBelowThreshold(t *testing.T) {
	f := setupService(t, stubSource{name: "stub", mult: 1.02, conf: 1.0})

	summary, err := f.svc.RunUnifiedOptimization(context.Background(), OptimizationRequest{AccountID: 7})
	if err != nil {
		t.Fatalf("RunUnifiedOptimization: %v", err)
	}
	if summary.BelowThreshold != 1 || summary.Applied != 0 {
		t.Fatalf("summary = %+v, want the 2%% change suppressed", summary)
	}
	if n := f.fake.CallCount("UpdateTargetBid"); n != 0 {
		t.Errorf("platform called %d times for a suppressed change", n)
	}
}

func TestRunUnifiedOptimizationCampaignFilter(t *testing.T) {
	f := setupService(t, stubSource{name: "stub", mult: 1.2, conf: 1.0})

	summary, err := f.svc.RunUnifiedOptimization(context.Background(),
		OptimizationRequest{AccountID: 7, CampaignIDs: []int{999}})
	if err != nil {
		t.Fatalf("RunUnifiedOptimization: %v", err)
	}
	if summary.TargetsAnalyzed != 0 {
		t.Errorf("analyzed %d targets outside the filter, want 0", summary.TargetsAnalyzed)
	}
}

func optimizationTask(id int, accountID int) models.ScheduledTask {
	return models.ScheduledTask{
		ID:       id,
		TaskType: models.TaskTypeOptimization,
		Parameters: models.TaskParameters{
			Optimization: &models.OptimizationTaskParams{AccountID: accountID},
		},
	}
}

func TestRunTaskStagesPendingBatch(t *testing.T) {
	f := setupService(t, stubSource{name: "stub", mult: 1.2, conf: 1.0})
	task := optimizationTask(31, 7)
	task.RequireApproval = true

	out, err := f.svc.RunTask(context.Background(), task)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	summary := out.(*AnalysisSummary)
	if summary.StagedItems != 1 || summary.Applied != 0 {
		t.Fatalf("summary = %+v, want 1 staged and nothing applied", summary)
	}
	if summary.StagedBatchID == "" {
		t.Fatal("staging run did not record a batch id")
	}
	if n := f.fake.CallCount("UpdateTargetBid"); n != 0 {
		t.Errorf("platform called %d times by a staging run", n)
	}

	op, err := f.batches.GetBatch(context.Background(), summary.StagedBatchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if op.Status != models.BatchStatusPending {
		t.Errorf("batch status = %s, want pending behind the approval gate", op.Status)
	}
	if op.SourceType != models.BatchSourceOptimization || op.SourceTaskID != "31" {
		t.Errorf("batch source = %s/%s, want optimization/31", op.SourceType, op.SourceTaskID)
	}
	if op.TotalItems != 1 {
		t.Errorf("batch items = %d, want 1", op.TotalItems)
	}
}

func TestRunTaskStagesApprovedBatch(t *testing.T) {
	f := setupService(t, stubSource{name: "stub", mult: 1.2, conf: 1.0})

	// Neither auto-apply nor approval-gated: the batch is staged pre-approved
	// for the operator to execute.
	out, err := f.svc.RunTask(context.Background(), optimizationTask(32, 7))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	summary := out.(*AnalysisSummary)
	op, err := f.batches.GetBatch(context.Background(), summary.StagedBatchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if op.Status != models.BatchStatusApproved {
		t.Errorf("batch status = %s, want approved", op.Status)
	}
}

func TestRunTaskAppliesWithAutoApply(t *testing.T) {
	f := setupService(t, stubSource{name: "stub", mult: 1.2, conf: 1.0})
	task := optimizationTask(33, 7)
	task.AutoApply = true

	out, err := f.svc.RunTask(context.Background(), task)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	summary := out.(*AnalysisSummary)
	if summary.Applied != 1 || summary.StagedBatchID != "" {
		t.Fatalf("summary = %+v, want a direct apply and no batch", summary)
	}
	if got := f.fake.Bids[42].StringFixed(2); got != "1.20" {
		t.Errorf("platform bid = %s, want 1.20", got)
	}
	if f.batches.count() != 0 {
		t.Errorf("auto-apply staged %d batches, want none", f.batches.count())
	}
}

func TestRunTaskFansOutAccounts(t *testing.T) {
	f := setupService(t, stubSource{name: "stub", mult: 1.2, conf: 1.0})
	task := optimizationTask(34, 0)
	task.AutoApply = true

	out, err := f.svc.RunTask(context.Background(), task)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	runs := out.([]AccountRun)
	if len(runs) != 2 {
		t.Fatalf("fan-out covered %d accounts, want the 2 active ones", len(runs))
	}
	seen := map[int]AccountRun{}
	for _, run := range runs {
		if run.Error != "" {
			t.Errorf("account %d failed: %s", run.AccountID, run.Error)
		}
		if run.Optimization == nil {
			t.Errorf("account %d run carries no summary", run.AccountID)
			continue
		}
		seen[run.AccountID] = run
	}
	if run, ok := seen[7]; !ok || run.Optimization.Applied != 1 {
		t.Errorf("account 7 run = %+v, want 1 applied", run.Optimization)
	}
	// Account 9's only campaign is paused, so its run analyzes nothing.
	if run, ok := seen[9]; !ok || run.Optimization.TargetsAnalyzed != 0 {
		t.Errorf("account 9 run = %+v, want nothing analyzed", run.Optimization)
	}
}

func TestRunTaskDispatchErrors(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	_, err := f.svc.RunTask(ctx, models.ScheduledTask{ID: 1, TaskType: "refresh_cache"})
	if !errs.IsValidation(err) {
		t.Errorf("unknown task type err = %v, want Validation", err)
	}

	_, err = f.svc.RunTask(ctx, models.ScheduledTask{
		ID:       2,
		TaskType: models.TaskTypeEffectTracking,
		Parameters: models.TaskParameters{
			EffectTracking: &models.EffectTrackingTaskParams{Period: 9},
		},
	})
	if !errs.IsValidation(err) {
		t.Errorf("bad horizon err = %v, want Validation", err)
	}

	_, err = f.svc.RunTask(ctx, models.ScheduledTask{
		ID:       3,
		TaskType: models.TaskTypeRollbackEvaluation,
		Parameters: models.TaskParameters{
			RollbackEvaluation: &models.RollbackEvaluationTaskParams{AccountID: 404},
		},
	})
	if !errs.IsNotFound(err) {
		t.Errorf("rollback for unknown account err = %v, want NotFound", err)
	}
}

func TestCheckAllCampaignsPacingSweep(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	sweep, err := f.svc.CheckAllCampaignsPacing(ctx, 7)
	if err != nil {
		t.Fatalf("CheckAllCampaignsPacing: %v", err)
	}
	if sweep.Checked != 1 || sweep.Failed != 0 || sweep.Skipped != 0 {
		t.Fatalf("first sweep = %+v, want the one enabled campaign checked", sweep)
	}

	// The per-campaign gate is still armed, so an immediate re-sweep skips.
	again, err := f.svc.CheckAllCampaignsPacing(ctx, 7)
	if err != nil {
		t.Fatalf("second CheckAllCampaignsPacing: %v", err)
	}
	if again.Checked != 0 || again.Skipped != 1 {
		t.Errorf("second sweep = %+v, want 1 skipped by the gate", again)
	}

	if _, err := f.svc.CheckAllCampaignsPacing(ctx, 8); !errs.IsAuthExpired(err) {
		t.Errorf("needs_reauth sweep err = %v, want AuthExpired", err)
	}
}

func TestRunTaskPacingFanOut(t *testing.T) {
	f := setupService(t)

	out, err := f.svc.RunTask(context.Background(), models.ScheduledTask{
		ID:       4,
		TaskType: models.TaskTypePacingCheck,
	})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	runs := out.([]AccountRun)
	if len(runs) != 2 {
		t.Fatalf("fan-out covered %d accounts, want 2", len(runs))
	}
	for _, run := range runs {
		if run.Error != "" || run.Pacing == nil {
			t.Errorf("account %d run = %+v, want a sweep and no error", run.AccountID, run)
		}
	}
}

func TestGetDualTrackStatus(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	f.reader.Realtime = &dataplane.RealtimeSpend{
		Spend:      decimal.NewFromFloat(12.5),
		Clicks:     40,
		Source:     dataplane.RealtimeSourceStream,
		LastUpdate: svcNow.Add(-time.Minute),
	}
	if err := f.svc.Redis.RecordStreamDelta(7, 100, "2025-06-10", 14, 12.5, 40, 900); err != nil {
		t.Fatalf("RecordStreamDelta: %v", err)
	}

	status, err := f.svc.GetDualTrackStatus(ctx, 7)
	if err != nil {
		t.Fatalf("GetDualTrackStatus: %v", err)
	}
	if !status.Healthy {
		t.Errorf("fresh feed reported unhealthy: %+v", status)
	}
	if status.StreamLastUpdate.IsZero() {
		t.Error("stream marker not surfaced")
	}
	if status.Realtime == nil || status.Realtime.Source != dataplane.RealtimeSourceStream {
		t.Errorf("realtime tier = %+v, want the stream answer", status.Realtime)
	}

	f.reader.Realtime.Stale = true
	status, err = f.svc.GetDualTrackStatus(ctx, 7)
	if err != nil {
		t.Fatalf("GetDualTrackStatus stale: %v", err)
	}
	if status.Healthy {
		t.Error("stale realtime track reported healthy")
	}

	// Status is a read: accounts halted for re-auth still answer.
	if _, err := f.svc.GetDualTrackStatus(ctx, 8); err != nil {
		t.Errorf("needs_reauth status err = %v, want readable", err)
	}
	if _, err := f.svc.GetDualTrackStatus(ctx, 404); !errs.IsNotFound(err) {
		t.Errorf("unknown account err = %v, want NotFound", err)
	}
}

func TestRunConsistencyCheckWindows(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	audit, err := f.svc.RunConsistencyCheck(ctx, 7, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("RunConsistencyCheck: %v", err)
	}
	if !audit.Consistent {
		t.Errorf("audit = %+v, want the checker's consistent verdict", audit)
	}
	start, end := f.checker.window()
	wantEnd := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	wantStart := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) || !end.Equal(wantEnd) {
		t.Errorf("default window = [%s, %s], want [%s, %s]",
			start.Format("2006-01-02"), end.Format("2006-01-02"),
			wantStart.Format("2006-01-02"), wantEnd.Format("2006-01-02"))
	}

	day := time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC)
	if _, err := f.svc.RunConsistencyCheck(ctx, 7, day, time.Time{}); !errs.IsValidation(err) {
		t.Errorf("half window err = %v, want Validation", err)
	}
	if _, err := f.svc.RunConsistencyCheck(ctx, 7, day, day.AddDate(0, 0, -3)); !errs.IsValidation(err) {
		t.Errorf("inverted window err = %v, want Validation", err)
	}
	if _, err := f.svc.RunConsistencyCheck(ctx, 404, time.Time{}, time.Time{}); !errs.IsNotFound(err) {
		t.Errorf("unknown account err = %v, want NotFound", err)
	}
}

func TestRunTaskConsistencyFanOut(t *testing.T) {
	f := setupService(t)

	out, err := f.svc.RunTask(context.Background(), models.ScheduledTask{
		ID:       5,
		TaskType: models.TaskTypeConsistencyCheck,
		Parameters: models.TaskParameters{
			ConsistencyCheck: &models.ConsistencyCheckTaskParams{WindowDays: 3},
		},
	})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	runs := out.([]AccountRun)
	if len(runs) != 2 {
		t.Fatalf("fan-out covered %d accounts, want 2", len(runs))
	}
	for _, run := range runs {
		if run.Error != "" || run.Consistency == nil {
			t.Errorf("account %d run = %+v, want an audit and no error", run.AccountID, run)
		}
	}
	start, end := f.checker.window()
	if got := int(end.Sub(start).Hours()/24) + 1; got != 3 {
		t.Errorf("window spans %d days, want 3", got)
	}
}

func TestDaypartingMultLayersOverride(t *testing.T) {
	f := setupService(t)
	policy := &models.DaypartingPolicy{}
	policy.Multipliers[int(svcNow.Weekday())][svcNow.Hour()] = 2.0
	campaign := &models.Campaign{ID: 100, AccountID: 7, Dayparting: policy}

	if got := f.svc.daypartingMult(campaign, svcNow); got != 2.0 {
		t.Errorf("policy-only multiplier = %v, want 2.0", got)
	}
	if err := f.svc.Redis.SetHourlyMultiplier(100, "2025-06-10", svcNow.Hour(), 0.5); err != nil {
		t.Fatalf("SetHourlyMultiplier: %v", err)
	}
	if got := f.svc.daypartingMult(campaign, svcNow); got != 1.0 {
		t.Errorf("layered multiplier = %v, want 2.0 x 0.5 = 1.0", got)
	}
}

func TestGroupBidGuards(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	if _, err := f.svc.GetPerformanceGroupOptimalBids(ctx, 99, 7); !errs.IsNotFound(err) {
		t.Errorf("unknown group err = %v, want NotFound", err)
	}
	// Group 5 exists, but the fixture runs without the relational store.
	if _, err := f.svc.GetPerformanceGroupOptimalBids(ctx, 5, 7); errs.KindOf(err) != errs.KindInternal {
		t.Errorf("no-store err = %v, want Internal", err)
	}
	if _, err := f.svc.ListBatches(ctx, BatchListOptions{}, Page{}); errs.KindOf(err) != errs.KindInternal {
		t.Errorf("ListBatches without store err = %v, want Internal", err)
	}
}

func TestBatchLifecycleThroughFacade(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	op, err := f.svc.CreateBidAdjustmentBatch(ctx, BatchRequest{
		AccountID:        7,
		Owner:            "tester",
		Name:             "manual tweak",
		RequiresApproval: true,
	}, []models.BidAdjustmentPayload{{TargetID: 42, NewBid: decimal.NewFromFloat(1.10)}})
	if err != nil {
		t.Fatalf("CreateBidAdjustmentBatch: %v", err)
	}
	if op.SourceType != models.BatchSourceManual {
		t.Errorf("source = %s, want manual", op.SourceType)
	}

	if _, err := f.svc.ExecuteBatch(ctx, op.ID, "tester"); !errs.IsConflict(err) {
		t.Errorf("execute before approval err = %v, want Conflict", err)
	}
	if _, err := f.svc.ApproveBatch(ctx, op.ID, "reviewer"); err != nil {
		t.Fatalf("ApproveBatch: %v", err)
	}
	done, err := f.svc.ExecuteBatch(ctx, op.ID, "tester")
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if done.Status != models.BatchStatusCompleted || done.SuccessItems != 1 {
		t.Fatalf("executed batch = %+v, want 1 success", done)
	}
	if got := f.fake.Bids[42].StringFixed(2); got != "1.10" {
		t.Errorf("platform bid = %s, want 1.10", got)
	}

	detail, err := f.svc.GetBatchDetail(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetBatchDetail: %v", err)
	}
	if len(detail.Items) != 1 || detail.Items[0].Status != models.ItemStatusSuccess {
		t.Errorf("detail items = %+v, want one succeeded item", detail.Items)
	}
}
