package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/coordinator"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/pacing"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/proposals"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/service"
)

// fixedSource proposes a constant multiplier so tool outcomes are
// deterministic without telemetry.
type fixedSource struct{ mult, conf float64 }

func (fixedSource) Name() string { return models.ProposalSourceBaseAlgo }

func (s fixedSource) Analyze(ctx context.Context, tc proposals.TargetContext) ([]models.BidProposal, error) {
	return []models.BidProposal{{
		TargetID:   tc.Target.ID,
		TargetType: tc.Target.TargetType,
		Source:     models.ProposalSourceBaseAlgo,
		Multiplier: s.mult,
		Confidence: s.conf,
		Reason:     "fixed",
		CreatedAt:  tc.Now,
	}}, nil
}

func newToolServer(t *testing.T) (*toolServer, *platform.Fake) {
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
	if err := data.SetAccountData(models.TestAccountData(7, 100, models.TestKeyword(42, "wireless earbuds", 1.00))); err != nil {
		t.Fatalf("SetAccountData: %v", err)
	}

	fake := platform.NewFake()
	reader := &dataplane.MockReader{}
	params := models.NewParamsStore(models.DefaultAlgorithmParams())
	metrics := observability.NewNoOpRegistry()

	svc := service.New(service.Deps{
		Data:    data,
		Redis:   redisStore,
		Plane:   reader,
		Builder: proposals.NewBuilder(reader, data, nil, fake, params, metrics),
		Sources: []proposals.Source{fixedSource{mult: 1.2, conf: 0.9}},
		Coord:   coordinator.NewEngine(data, redisStore, nil, fake, params, metrics),
		Pacing:  pacing.NewController(reader, data, redisStore, nil, params, metrics, 0),
		Params:  params,
		Metrics: metrics,
	})

	return &toolServer{svc: svc, logger: zap.NewNop()}, fake
}

func TestRunOptimizationTool(t *testing.T) {
	ts, fake := newToolServer(t)

	_, summary, err := ts.RunOptimization(context.Background(), nil, RunOptimizationInput{AccountID: 7})
	if err != nil {
		t.Fatalf("RunOptimization: %v", err)
	}
	if summary.TargetsAnalyzed != 1 || summary.Applied != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := fake.CallCount("UpdateTargetBid"); got != 1 {
		t.Fatalf("expected 1 bid write, got %d", got)
	}
}

func TestRunOptimizationToolUnknownAccount(t *testing.T) {
	ts, _ := newToolServer(t)

	_, _, err := ts.RunOptimization(context.Background(), nil, RunOptimizationInput{AccountID: 404})
	if err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestCheckPacingTool(t *testing.T) {
	ts, _ := newToolServer(t)

	_, sweep, err := ts.CheckPacing(context.Background(), nil, CheckPacingInput{AccountID: 7})
	if err != nil {
		t.Fatalf("CheckPacing: %v", err)
	}
	if sweep.Checked != 1 {
		t.Fatalf("unexpected sweep %+v", sweep)
	}
}

func TestListBatchesToolUnavailable(t *testing.T) {
	ts, _ := newToolServer(t)

	// No Postgres behind the facade, so listing reports the outage instead
	// of inventing an empty page.
	_, _, err := ts.ListBatches(context.Background(), nil, ListBatchesInput{})
	if err == nil {
		t.Fatal("expected error without postgres")
	}
}

func TestReviewBatchToolUnknownAction(t *testing.T) {
	ts, _ := newToolServer(t)

	_, _, err := ts.ReviewBatch(context.Background(), nil, ReviewBatchInput{BatchID: "b1", Action: "promote"})
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
}
