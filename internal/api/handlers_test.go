package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/config"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/coordinator"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/pacing"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/proposals"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/service"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/tracking"
)

// liftSource proposes a fixed multiplier for every target. It rides the
// base_algo channel so the coordinator weighs it at 1.0.
type liftSource struct {
	mult float64
	conf float64
}

func (liftSource) Name() string { return models.ProposalSourceBaseAlgo }

func (s liftSource) Analyze(ctx context.Context, tc proposals.TargetContext) ([]models.BidProposal, error) {
	return []models.BidProposal{{
		TargetID:   tc.Target.ID,
		TargetType: tc.Target.TargetType,
		Source:     models.ProposalSourceBaseAlgo,
		Multiplier: s.mult,
		Confidence: s.conf,
		Reason:     "lift",
		CreatedAt:  tc.Now,
	}}, nil
}

// newTestServer wires a Server over in-memory infrastructure: miniredis, an
// account store with one optimizable keyword, the platform fake and no
// Postgres. Handlers that need Postgres should map onto 500s.
func newTestServer(t *testing.T) (*Server, *platform.Fake) {
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
	reauth := models.TestAccountData(8, 200)
	reauth.Account.Status = models.AccountStatusNeedsReauth
	if err := data.SetAccountData(reauth); err != nil {
		t.Fatalf("SetAccountData: %v", err)
	}

	fake := platform.NewFake()
	reader := &dataplane.MockReader{}
	params := models.NewParamsStore(models.DefaultAlgorithmParams())
	metrics := observability.NewNoOpRegistry()

	svc := service.New(service.Deps{
		Data:     data,
		Redis:    redisStore,
		Plane:    reader,
		Builder:  proposals.NewBuilder(reader, data, nil, fake, params, metrics),
		Sources:  []proposals.Source{liftSource{mult: 1.2, conf: 0.9}},
		Coord:    coordinator.NewEngine(data, redisStore, nil, fake, params, metrics),
		Pacing:   pacing.NewController(reader, data, redisStore, nil, params, metrics, 0),
		Tracking: tracking.NewEngine(nil, data, nil, nil, params, metrics),
		Params:   params,
		Metrics:  metrics,
	})

	return NewServer(zap.NewNop(), svc, data, nil, metrics, config.Config{}), fake
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Kind
}

func TestHealthHandler(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.HealthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestRunOptimizationHandler(t *testing.T) {
	srv, fake := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/optimize", `{"account_id":7}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var summary service.AnalysisSummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.TargetsAnalyzed != 1 || summary.Applied != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := fake.CallCount("UpdateTargetBid"); got != 1 {
		t.Fatalf("expected 1 bid write, got %d", got)
	}
}

func TestRunOptimizationHandlerRejects(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/optimize", `{"account_id":404}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if kind := decodeKind(t, rec); kind != "not_found" {
		t.Fatalf("expected not_found, got %q", kind)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/optimize", `{"account_id":8}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for re-auth account, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/optimize", `{`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}
}

func TestGroupBidsHandlerErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/groups/99/bids?account_id=7", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown group, got %d", rec.Code)
	}

	// Known group, but bid optimization needs the curve table.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/groups/5/bids?account_id=7", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without postgres, got %d", rec.Code)
	}
	if kind := decodeKind(t, rec); kind != "internal" {
		t.Fatalf("expected internal, got %q", kind)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/groups/abc/bids?account_id=7", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric id, got %d", rec.Code)
	}
}

func TestListBatchesUnavailable(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/batches", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without postgres, got %d", rec.Code)
	}
}

func TestCreateBatchHandlerUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/batches",
		`{"account_id":7,"operation_type":"bulk_delete","items":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPacingCheckHandler(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/pacing/check", `{"account_id":7}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var sweep service.PacingSweep
	if err := json.NewDecoder(rec.Body).Decode(&sweep); err != nil {
		t.Fatalf("decode sweep: %v", err)
	}
	if sweep.Checked != 1 || sweep.Skipped != 0 {
		t.Fatalf("unexpected first sweep %+v", sweep)
	}

	// The per-campaign gate is still armed, so an immediate re-check skips.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/pacing/check", `{"account_id":7}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	sweep = service.PacingSweep{}
	if err := json.NewDecoder(rec.Body).Decode(&sweep); err != nil {
		t.Fatalf("decode sweep: %v", err)
	}
	if sweep.Checked != 0 || sweep.Skipped != 1 {
		t.Fatalf("unexpected second sweep %+v", sweep)
	}
}

func TestDualTrackHandler(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/status/dual-track?account_id=7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var status service.DualTrackStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.AccountID != 7 {
		t.Fatalf("unexpected status %+v", status)
	}

	// Status reads stay available for accounts halted on re-auth.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/status/dual-track?account_id=8", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for re-auth account, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/status/dual-track?account_id=404", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRunTrackingHandlerBadPeriod(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/tracking/run", `{"period":9}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown horizon, got %d", rec.Code)
	}
	if kind := decodeKind(t, rec); kind != "validation" {
		t.Fatalf("expected validation, got %q", kind)
	}
}

func TestHistoryHandlerBadQuery(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/history?since=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timestamp, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/history?account_id=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad account_id, got %d", rec.Code)
	}
}

func TestConsistencyCheckHandlerBadWindow(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/consistency/check",
		`{"account_id":7,"start":"not-a-date","end":"2025-06-09"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad window date, got %d", rec.Code)
	}
}
