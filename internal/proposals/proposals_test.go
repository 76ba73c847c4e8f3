package proposals

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform"
)

func testContext(t *testing.T) TargetContext {
	t.Helper()
	kw := models.TestKeyword(42, "wireless earbuds", 1.00)
	kw.AccountID = 7
	kw.CampaignID = 100
	return TargetContext{
		Account:  &models.Account{ID: 7, ProfitMarginPct: 0.3, Status: models.AccountStatusActive},
		Campaign: &models.Campaign{ID: 100, AccountID: 7, Status: models.StatusEnabled},
		Target:   &kw,
		Params:   models.DefaultAlgorithmParams(),
		Now:      time.Date(2025, 6, 10, 20, 15, 0, 0, time.UTC),
	}
}

func fittedCurve(r2 float64, points int) *models.MarketCurveModel {
	return &models.MarketCurveModel{
		AccountID:  7,
		TargetID:   42,
		WindowDays: 30,
		DataPoints: points,
		ImprA:      5000,
		ImprB:      2.0,
		ImprC:      0,
		R2:         r2,
		Status:     models.CurveStatusFitted,
		CTRBase:    0.01,
		MedianBid:  1.0,
		CVR:        0.10,
		AOV:        30,
	}
}

func TestBidAlgoProposesOptimalBid(t *testing.T) {
	tc := testContext(t)
	tc.Curve = fittedCurve(0.95, 25)

	src := &BidAlgoSource{}
	props, err := src.Analyze(context.Background(), tc)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(props) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(props))
	}
	p := props[0]
	if !p.IsAbsolute() {
		t.Fatalf("base_algo must propose an absolute bid, got %+v", p)
	}
	if p.Source != models.ProposalSourceBaseAlgo {
		t.Errorf("source = %q", p.Source)
	}
	if p.Confidence < 0.9 {
		t.Errorf("confidence = %.3f, want >= 0.9 for a clean high-volume fit", p.Confidence)
	}
	minBid, _ := tc.Params.MinBid.Float64()
	maxBid, _ := tc.Params.MaxBid.Float64()
	bid, _ := p.AbsoluteBid.Float64()
	if bid < minBid || bid > maxBid {
		t.Errorf("optimal bid %.2f outside [%.2f, %.2f]", bid, minBid, maxBid)
	}
	if p.Reason == "" {
		t.Error("reason must explain the proposal")
	}
}

func TestBidAlgoSelfFilters(t *testing.T) {
	tests := []struct {
		name  string
		curve *models.MarketCurveModel
	}{
		{"no curve model", nil},
		{"weak fit", fittedCurve(0.10, 25)},
		{"thin data", fittedCurve(0.90, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := testContext(t)
			tc.Curve = tt.curve
			props, err := (&BidAlgoSource{}).Analyze(context.Background(), tc)
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if len(props) != 0 {
				t.Fatalf("expected no proposals, got %+v", props)
			}
		})
	}
}

func TestBidAlgoFallbackCurveUsesFallbackConfidence(t *testing.T) {
	tc := testContext(t)
	tc.Curve = &models.MarketCurveModel{
		AccountID:  7,
		TargetID:   42,
		DataPoints: 5,
		Status:     models.CurveStatusFallback,
		FallbackPoints: []models.CurvePoint{
			{Bid: 0.50, Impressions: 800},
			{Bid: 1.00, Impressions: 2000},
			{Bid: 1.50, Impressions: 2600},
		},
		CTRBase:   0.02,
		MedianBid: 1.0,
		CVR:       0.12,
		AOV:       40,
	}

	props, err := (&BidAlgoSource{}).Analyze(context.Background(), tc)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(props) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(props))
	}
	if got, want := props[0].Confidence, tc.Params.CurveR2Fallback; got != want {
		t.Errorf("confidence = %.3f, want fallback grade %.3f", got, want)
	}
}

// profile builds 24 quiet hours and lets the caller override a few.
func profile(overrides ...dataplane.HourBucket) []dataplane.HourBucket {
	buckets := make([]dataplane.HourBucket, 24)
	for h := range buckets {
		buckets[h] = dataplane.HourBucket{
			Hour:        h,
			Impressions: 1000,
			Clicks:      20,
			Spend:       10,
			Sales:       30,
		}
	}
	for _, o := range overrides {
		buckets[o.Hour] = o
	}
	return buckets
}

func TestDaypartingBoostsStrongHour(t *testing.T) {
	tc := testContext(t)
	// Hour 20 converts at twice the campaign-average sales per click.
	tc.HourProfile = profile(dataplane.HourBucket{
		Hour: 20, Impressions: 1000, Clicks: 40, Spend: 20, Sales: 130,
	})

	props, err := (&DaypartingSource{}).Analyze(context.Background(), tc)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(props) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(props))
	}
	p := props[0]
	if p.Multiplier <= 1 {
		t.Errorf("multiplier = %.3f, want > 1 for a strong hour", p.Multiplier)
	}
	if p.Multiplier > daypartingIndexCeil {
		t.Errorf("multiplier = %.3f exceeds clamp %.2f", p.Multiplier, daypartingIndexCeil)
	}
	if p.Confidence <= 0 || p.Confidence > daypartingMaxConfidence {
		t.Errorf("confidence = %.3f outside (0, %.2f]", p.Confidence, daypartingMaxConfidence)
	}
}

func TestDaypartingStaysQuietOnThinOrAverageHours(t *testing.T) {
	tests := []struct {
		name    string
		current dataplane.HourBucket
	}{
		{"thin hour", dataplane.HourBucket{Hour: 20, Impressions: 100, Clicks: 5, Spend: 2, Sales: 40}},
		{"average hour", dataplane.HourBucket{Hour: 20, Impressions: 1000, Clicks: 20, Spend: 10, Sales: 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := testContext(t)
			tc.HourProfile = profile(tt.current)
			props, err := (&DaypartingSource{}).Analyze(context.Background(), tc)
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if len(props) != 0 {
				t.Fatalf("expected no proposals, got %+v", props)
			}
		})
	}
}

func TestDaypartingFallsBackToCTRWithoutSales(t *testing.T) {
	buckets := make([]dataplane.HourBucket, 24)
	for h := range buckets {
		buckets[h] = dataplane.HourBucket{Hour: h, Impressions: 1000, Clicks: 20}
	}
	// Hour 20 clicks at half the average CTR with no sales anywhere.
	buckets[20] = dataplane.HourBucket{Hour: 20, Impressions: 2000, Clicks: 20}

	tc := testContext(t)
	tc.HourProfile = buckets

	props, err := (&DaypartingSource{}).Analyze(context.Background(), tc)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(props) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(props))
	}
	if got := props[0].Multiplier; got != daypartingIndexFloor {
		t.Errorf("multiplier = %.3f, want clamp floor %.2f for a weak hour", got, daypartingIndexFloor)
	}
}

func TestPlacementRecommendsTrimmingUnprofitableTilt(t *testing.T) {
	tc := testContext(t)
	tc.Campaign.Placements = models.PlacementTilts{TopOfSearchPct: 50}
	// Break-even ROAS at margin 0.7 is ~1.43; 0.5 is far below it.
	tc.CampaignPerf = CampaignWindowPerf{
		Clicks: 200,
		Spend:  decimal.NewFromInt(100),
		Sales:  decimal.NewFromInt(50),
	}

	props, err := (&PlacementSource{}).Analyze(context.Background(), tc)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(props) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(props))
	}
	p := props[0]
	if p.Multiplier != placementDownMult {
		t.Errorf("multiplier = %.2f, want %.2f", p.Multiplier, placementDownMult)
	}
	if p.Reason == "" {
		t.Error("reason must carry the tilt recommendation")
	}
}

func TestPlacementPushesProfitableCampaigns(t *testing.T) {
	tc := testContext(t)
	tc.CampaignPerf = CampaignWindowPerf{
		Clicks: 200,
		Spend:  decimal.NewFromInt(100),
		Sales:  decimal.NewFromInt(400),
	}

	props, err := (&PlacementSource{}).Analyze(context.Background(), tc)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(props) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(props))
	}
	if got := props[0].Multiplier; got != placementUpMult {
		t.Errorf("multiplier = %.2f, want %.2f", got, placementUpMult)
	}
}

func TestPlacementIgnoresThinCampaigns(t *testing.T) {
	tc := testContext(t)
	tc.CampaignPerf = CampaignWindowPerf{
		Clicks: 5,
		Spend:  decimal.NewFromInt(3),
		Sales:  decimal.NewFromInt(1),
	}
	props, err := (&PlacementSource{}).Analyze(context.Background(), tc)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(props) != 0 {
		t.Fatalf("expected no proposals, got %+v", props)
	}
}

func TestInventoryBands(t *testing.T) {
	tests := []struct {
		name       string
		inv        *platform.Inventory
		wantMult   float64
		wantConf   float64
		wantNone bool
	}{
		{"out of stock", &platform.Inventory{Status: platform.StockOutOfStock}, inventoryOOSMult, inventoryOOSConfidence, false},
		{"low stock", &platform.Inventory{Status: platform.StockLow, StockCoverDays: 4.5}, inventoryLowMult, inventoryLowConfidence, false},
		{"overstocked", &platform.Inventory{Status: platform.StockOverstocked, StockCoverDays: 120}, inventoryOverstockMult, inventoryOverConfidence, false},
		{"in stock", &platform.Inventory{Status: platform.StockInStock, StockCoverDays: 30}, 0, 0, true},
		{"no lookup", nil, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := testContext(t)
			tc.Inventory = tt.inv
			props, err := (&InventorySource{}).Analyze(context.Background(), tc)
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if tt.wantNone {
				if len(props) != 0 {
					t.Fatalf("expected no proposals, got %+v", props)
				}
				return
			}
			if len(props) != 1 {
				t.Fatalf("expected 1 proposal, got %d", len(props))
			}
			if props[0].Multiplier != tt.wantMult {
				t.Errorf("multiplier = %.2f, want %.2f", props[0].Multiplier, tt.wantMult)
			}
			if props[0].Confidence != tt.wantConf {
				t.Errorf("confidence = %.2f, want %.2f", props[0].Confidence, tt.wantConf)
			}
		})
	}
}

func TestOrganicRankBands(t *testing.T) {
	tests := []struct {
		name     string
		rank     *platform.OrganicRank
		wantMult float64
	}{
		{"top three", &platform.OrganicRank{Rank: 2, Found: true}, organicStrongMult},
		{"mid ranks stay quiet", &platform.OrganicRank{Rank: 10, Found: true}, 0},
		{"deep rank", &platform.OrganicRank{Rank: 25, Found: true}, organicWeakMult},
		{"unranked", &platform.OrganicRank{Found: false}, 0},
		{"no lookup", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := testContext(t)
			tc.Rank = tt.rank
			props, err := (&OrganicRankSource{}).Analyze(context.Background(), tc)
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if tt.wantMult == 0 {
				if len(props) != 0 {
					t.Fatalf("expected no proposals, got %+v", props)
				}
				return
			}
			if len(props) != 1 {
				t.Fatalf("expected 1 proposal, got %d", len(props))
			}
			if props[0].Multiplier != tt.wantMult {
				t.Errorf("multiplier = %.2f, want %.2f", props[0].Multiplier, tt.wantMult)
			}
		})
	}
}

func TestOrganicRankIgnoresProductTargets(t *testing.T) {
	tc := testContext(t)
	tc.Target.TargetType = models.TargetTypeProductTarget
	tc.Rank = &platform.OrganicRank{Rank: 1, Found: true}
	props, err := (&OrganicRankSource{}).Analyze(context.Background(), tc)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(props) != 0 {
		t.Fatalf("expected no proposals for a product target, got %+v", props)
	}
}

type failingSource struct{}

func (failingSource) Name() string { return "failing" }
func (failingSource) Analyze(context.Context, TargetContext) ([]models.BidProposal, error) {
	return nil, errors.New("boom")
}

func TestCollectIsolatesFailingSources(t *testing.T) {
	tc := testContext(t)
	tc.Inventory = &platform.Inventory{Status: platform.StockOutOfStock}

	sources := []Source{failingSource{}, &InventorySource{}}
	props := Collect(context.Background(), sources, tc, observability.NewNoOpRegistry())
	if len(props) != 1 {
		t.Fatalf("expected the healthy source's proposal, got %d", len(props))
	}
	if props[0].Source != models.ProposalSourceInventory {
		t.Errorf("source = %q", props[0].Source)
	}
}

func TestBuilderAssemblesContexts(t *testing.T) {
	store := models.NewTestAccountDataStore()
	kw := models.TestKeyword(42, "wireless earbuds", 1.00)
	product := models.Target{
		ID:         43,
		TargetType: models.TargetTypeProductTarget,
		Text:       `asin="B0TEST"`,
		CurrentBid: decimal.NewFromFloat(0.80),
	}
	if err := store.SetAccountData(models.TestAccountData(7, 100, kw, product)); err != nil {
		t.Fatalf("SetAccountData: %v", err)
	}

	day := time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC)
	reader := &dataplane.MockReader{
		Data: map[string]*dataplane.AlgorithmData{
			models.AlgoPlacement: {
				Algo: models.AlgoPlacement,
				Rows: []models.PerformanceSnapshot{
					{AccountID: 7, CampaignID: 100, TargetID: 42, Date: day,
						Impressions: 5000, Clicks: 100,
						Spend: decimal.NewFromInt(80), Sales: decimal.NewFromInt(240), Orders: 8},
				},
			},
		},
		Hourly: map[int][]dataplane.HourBucket{
			100: {{Hour: 20, Impressions: 1000, Clicks: 40, Spend: 20, Sales: 90}},
		},
	}

	fake := platform.NewFake()
	fake.Ranks["wireless earbuds"] = 2

	b := NewBuilder(reader, store, nil, fake, models.NewParamsStore(models.DefaultAlgorithmParams()), observability.NewNoOpRegistry())
	contexts, err := b.Contexts(context.Background(), 7)
	if err != nil {
		t.Fatalf("Contexts: %v", err)
	}
	if len(contexts) != 2 {
		t.Fatalf("expected 2 contexts, got %d", len(contexts))
	}

	byID := map[int]TargetContext{}
	for _, tc := range contexts {
		byID[tc.Target.ID] = tc
	}

	kwCtx, ok := byID[42]
	if !ok {
		t.Fatal("missing context for keyword 42")
	}
	if kwCtx.CampaignPerf.Clicks != 100 {
		t.Errorf("campaign perf clicks = %d, want 100", kwCtx.CampaignPerf.Clicks)
	}
	if len(kwCtx.HourProfile) != 1 || kwCtx.HourProfile[0].Hour != 20 {
		t.Errorf("hour profile not threaded through: %+v", kwCtx.HourProfile)
	}
	if kwCtx.Inventory == nil || kwCtx.Inventory.Status != platform.StockInStock {
		t.Errorf("inventory not threaded through: %+v", kwCtx.Inventory)
	}
	if kwCtx.Rank == nil || !kwCtx.Rank.Found || kwCtx.Rank.Rank != 2 {
		t.Errorf("organic rank not threaded through: %+v", kwCtx.Rank)
	}
	if kwCtx.Curve != nil {
		t.Errorf("no store configured, curve should be nil, got %+v", kwCtx.Curve)
	}

	prodCtx, ok := byID[43]
	if !ok {
		t.Fatal("missing context for product target 43")
	}
	if prodCtx.Rank != nil {
		t.Errorf("product targets must not get rank lookups, got %+v", prodCtx.Rank)
	}
}

func TestBuilderSkipsDisabledEntities(t *testing.T) {
	store := models.NewTestAccountDataStore()
	paused := models.TestKeyword(42, "paused keyword", 1.00)
	paused.Status = models.StatusPaused
	if err := store.SetAccountData(models.TestAccountData(7, 100, paused)); err != nil {
		t.Fatalf("SetAccountData: %v", err)
	}

	b := NewBuilder(&dataplane.MockReader{}, store, nil, platform.NewFake(), models.NewParamsStore(models.DefaultAlgorithmParams()), observability.NewNoOpRegistry())
	contexts, err := b.Contexts(context.Background(), 7)
	if err != nil {
		t.Fatalf("Contexts: %v", err)
	}
	if len(contexts) != 0 {
		t.Fatalf("paused targets must not produce contexts, got %d", len(contexts))
	}
}

func TestBuilderUnknownAccount(t *testing.T) {
	b := NewBuilder(&dataplane.MockReader{}, models.NewTestAccountDataStore(), nil, platform.NewFake(), models.NewParamsStore(models.DefaultAlgorithmParams()), observability.NewNoOpRegistry())
	if _, err := b.Contexts(context.Background(), 999); err == nil {
		t.Fatal("expected an error for an unknown account")
	}
}
