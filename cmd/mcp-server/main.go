// The mcp-server binary exposes the optimization control plane to MCP hosts:
// an agent can trigger optimization runs, sweep pacing, and review staged
// batches without touching the ops HTTP surface. Transport is stdio.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/batch"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/config"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/coordinator"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/curve"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/pacing"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform/ratelimit"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/proposals"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/service"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/tracking"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/tree"
)

// toolServer holds the facade the tools call into.
type toolServer struct {
	svc    *service.Service
	logger *zap.Logger
}

// RunOptimizationInput selects what one optimization pass covers.
type RunOptimizationInput struct {
	AccountID           int      `json:"account_id"`
	CampaignIDs         []int    `json:"campaign_ids,omitempty"`
	OptimizationTypes   []string `json:"optimization_types,omitempty"`
	MinBidDifferencePct float64  `json:"min_bid_difference_pct,omitempty"`
}

// RunOptimization runs one unified optimization pass and applies the
// coordinated bids.
func (s *toolServer) RunOptimization(ctx context.Context, req *mcp.CallToolRequest, input RunOptimizationInput) (*mcp.CallToolResult, service.AnalysisSummary, error) {
	summary, err := s.svc.RunUnifiedOptimization(ctx, service.OptimizationRequest{
		AccountID:           input.AccountID,
		CampaignIDs:         input.CampaignIDs,
		OptimizationTypes:   input.OptimizationTypes,
		MinBidDifferencePct: input.MinBidDifferencePct,
	})
	if err != nil {
		return nil, service.AnalysisSummary{}, err
	}
	s.logger.Info("MCP optimization run",
		zap.Int("account_id", input.AccountID),
		zap.Int("analyzed", summary.TargetsAnalyzed),
		zap.Int("applied", summary.Applied))
	return nil, *summary, nil
}

// CheckPacingInput names the account to sweep.
type CheckPacingInput struct {
	AccountID int `json:"account_id"`
}

// CheckPacing sweeps the account's campaigns through the intraday guard.
func (s *toolServer) CheckPacing(ctx context.Context, req *mcp.CallToolRequest, input CheckPacingInput) (*mcp.CallToolResult, service.PacingSweep, error) {
	sweep, err := s.svc.CheckAllCampaignsPacing(ctx, input.AccountID)
	if err != nil {
		return nil, service.PacingSweep{}, err
	}
	return nil, *sweep, nil
}

// ListBatchesInput filters the batch listing.
type ListBatchesInput struct {
	AccountID int    `json:"account_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Page      int    `json:"page,omitempty"`
	Size      int    `json:"size,omitempty"`
}

// ListBatches pages batch headers, newest first.
func (s *toolServer) ListBatches(ctx context.Context, req *mcp.CallToolRequest, input ListBatchesInput) (*mcp.CallToolResult, service.BatchPage, error) {
	page, err := s.svc.ListBatches(ctx,
		service.BatchListOptions{AccountID: input.AccountID, Status: input.Status},
		service.Page{Number: input.Page, Size: input.Size})
	if err != nil {
		return nil, service.BatchPage{}, err
	}
	return nil, page, nil
}

// ReviewBatchInput carries one lifecycle decision for a staged batch.
type ReviewBatchInput struct {
	BatchID string `json:"batch_id"`
	// Action is one of approve, execute, cancel, rollback.
	Action string `json:"action"`
	By     string `json:"by,omitempty"`
}

// ReviewBatchOutput reports the batch state after the transition.
type ReviewBatchOutput struct {
	Batch models.BatchOperation `json:"batch"`
}

// ReviewBatch moves a batch through its lifecycle.
func (s *toolServer) ReviewBatch(ctx context.Context, req *mcp.CallToolRequest, input ReviewBatchInput) (*mcp.CallToolResult, ReviewBatchOutput, error) {
	by := input.By
	if by == "" {
		by = "mcp"
	}
	var (
		op  *models.BatchOperation
		err error
	)
	switch input.Action {
	case "approve":
		op, err = s.svc.ApproveBatch(ctx, input.BatchID, by)
	case "execute":
		op, err = s.svc.ExecuteBatch(ctx, input.BatchID, by)
	case "cancel":
		op, err = s.svc.CancelBatch(ctx, input.BatchID, by)
	case "rollback":
		op, err = s.svc.RollbackBatch(ctx, input.BatchID, by)
	default:
		return nil, ReviewBatchOutput{}, fmt.Errorf("unknown action %q", input.Action)
	}
	if err != nil {
		return nil, ReviewBatchOutput{}, err
	}
	s.logger.Info("MCP batch transition",
		zap.String("batch_id", input.BatchID),
		zap.String("action", input.Action),
		zap.String("status", op.Status))
	return nil, ReviewBatchOutput{Batch: *op}, nil
}

// registerTools attaches the tool set to an MCP server.
func registerTools(server *mcp.Server, ts *toolServer) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_optimization",
		Description: "Run one bid-optimization pass for an account and apply the coordinated changes",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"account_id": map[string]interface{}{
					"type":        "integer",
					"description": "Account to optimize",
				},
				"campaign_ids": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "integer"},
					"description": "Restrict the run to these campaigns (optional)",
				},
				"optimization_types": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Proposal sources to run: base_algo, dayparting, placement, inventory, organic_rank (optional, defaults to all)",
				},
				"min_bid_difference_pct": map[string]interface{}{
					"type":        "number",
					"description": "Suppress changes smaller than this percent of the current bid (optional)",
				},
			},
			"required": []string{"account_id"},
		},
	}, ts.RunOptimization)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "check_pacing",
		Description: "Sweep an account's campaigns through the intraday budget-pacing guard",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"account_id": map[string]interface{}{
					"type":        "integer",
					"description": "Account to sweep",
				},
			},
			"required": []string{"account_id"},
		},
	}, ts.CheckPacing)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_batches",
		Description: "List batch operations, newest first",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"account_id": map[string]interface{}{
					"type":        "integer",
					"description": "Filter by account (optional)",
				},
				"status": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"pending", "approved", "executing", "completed", "failed", "cancelled", "rolled_back"},
					"description": "Filter by status (optional)",
				},
				"page": map[string]interface{}{
					"type":        "integer",
					"description": "Page number, 1-based (optional)",
				},
				"size": map[string]interface{}{
					"type":        "integer",
					"description": "Page size (optional)",
				},
			},
		},
	}, ts.ListBatches)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "review_batch",
		Description: "Approve, execute, cancel or roll back a staged batch operation",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"batch_id": map[string]interface{}{
					"type":        "string",
					"description": "Batch to act on",
				},
				"action": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"approve", "execute", "cancel", "rollback"},
					"description": "Lifecycle transition to apply",
				},
				"by": map[string]interface{}{
					"type":        "string",
					"description": "Reviewer identity recorded on the batch (optional)",
				},
			},
			"required": []string{"batch_id", "action"},
		},
	}, ts.ReviewBatch)
}

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName + "-mcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pg.Close()

	params, err := pg.LoadAlgorithmParams(ctx)
	if err != nil {
		logger.Fatal("Failed to load algorithm parameters", zap.Error(err))
	}
	paramsStore := models.NewParamsStore(params)

	store := models.NewInMemoryAccountDataStore()
	if err := db.Init(ctx, pg, store); err != nil {
		logger.Fatal("Failed to load account data", zap.Error(err))
	}

	redisStore, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisStore.Close()

	// ClickHouse is optional here: batch review and listing work without
	// telemetry, optimization degrades to an explicit failure.
	ch, err := dataplane.InitClickHouse(cfg.ClickHouseDSN)
	if err != nil {
		logger.Warn("ClickHouse unavailable, telemetry reads will fail", zap.Error(err))
		ch = nil
	} else {
		defer func() { _ = ch.DB.Close() }()
	}

	metrics := observability.NewNoOpRegistry()
	plane := dataplane.New(ch, redisStore, pg, paramsStore, metrics)
	plane.StaleAfter = cfg.RealtimeStaleAfter
	plane.BackfillAfter = cfg.AMSBackfillAfter

	limiter := ratelimit.NewAccountLimiter(ratelimit.Config{
		Capacity:   cfg.RateLimitCapacity,
		RefillRate: cfg.RateLimitRefillRate,
		Enabled:    cfg.RateLimitEnabled,
	}, metrics)
	client := platform.NewRetryClient(platform.NewFake(), limiter, metrics, cfg.PlatformMaxRetries, cfg.PlatformCallTimeout)

	batches := batch.NewMachine(pg, store, client, paramsStore, metrics)
	batches.RollbackWindow = cfg.BatchRollbackWindow
	tracker := tracking.NewEngine(pg, store, plane, batches, paramsStore, metrics)

	svc := service.New(service.Deps{
		Data:        store,
		PG:          pg,
		Redis:       redisStore,
		Plane:       plane,
		Consistency: plane,
		Curves:      curve.NewFitter(plane, pg, paramsStore, metrics),
		Trees:       tree.NewTrainer(plane, store, pg, paramsStore, metrics),
		Builder:     proposals.NewBuilder(plane, store, pg, client, paramsStore, metrics),
		Sources:     proposals.DefaultSources(),
		Coord:       coordinator.NewEngine(store, redisStore, pg, client, paramsStore, metrics),
		Pacing:      pacing.NewController(plane, store, redisStore, pg, paramsStore, metrics, cfg.PacingMinInterval),
		Batches:     batches,
		Tracking:    tracker,
		Params:      paramsStore,
		Metrics:     metrics,
	})

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "ads-optimizer",
		Version: "1.0.0",
	}, nil)
	registerTools(server, &toolServer{svc: svc, logger: logger})

	stdioTransport := &mcp.StdioTransport{}
	var logBuffer bytes.Buffer
	loggingTransport := &mcp.LoggingTransport{
		Transport: stdioTransport,
		Writer:    &logBuffer,
	}

	logger.Info("MCP server running via stdio")

	if err := server.Run(context.Background(), loggingTransport); err != nil {
		logger.Fatal("Server error", zap.Error(err), zap.String("mcp_logs", logBuffer.String()))
	}
}
