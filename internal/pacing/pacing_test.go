package pacing

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/dataplane"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/db"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
)

// checkTime falls in hour 10 UTC, the hour used by most ladder fixtures.
var checkTime = time.Date(2025, 6, 10, 10, 40, 0, 0, time.UTC)

func rtSpend(spend float64, clicks, impressions int64) *dataplane.RealtimeSpend {
	return &dataplane.RealtimeSpend{
		Spend:       decimal.NewFromFloat(spend),
		Clicks:      clicks,
		Impressions: impressions,
		LastUpdate:  checkTime.Add(-time.Minute),
		Source:      dataplane.RealtimeSourceStream,
	}
}

func testCampaign(budget float64) *models.Campaign {
	return &models.Campaign{
		ID:          100,
		AccountID:   7,
		DailyBudget: decimal.NewFromFloat(budget),
		Status:      models.StatusEnabled,
	}
}

func TestEvaluateCriticalOverspend(t *testing.T) {
	adj := Evaluate(testCampaign(100), rtSpend(90, 30, 3000), models.DefaultAlgorithmParams(), checkTime)

	if adj.Status != models.PacingStatusCritical {
		t.Errorf("status = %s, want %s", adj.Status, models.PacingStatusCritical)
	}
	if adj.Action != models.PacingActionReduceBid {
		t.Errorf("action = %s, want %s", adj.Action, models.PacingActionReduceBid)
	}
	if adj.Multiplier != 0.5 {
		t.Errorf("multiplier = %v, want 0.5", adj.Multiplier)
	}
	if math.Abs(adj.IdealSpendPct-0.45) > 1e-9 || math.Abs(adj.ActualSpendPct-0.90) > 1e-9 {
		t.Errorf("pcts = %.2f/%.2f, want 0.90 actual vs 0.45 ideal", adj.ActualSpendPct, adj.IdealSpendPct)
	}
	if math.Abs(adj.Ratio-2.0) > 1e-9 {
		t.Errorf("ratio = %v, want 2.0", adj.Ratio)
	}
	if !adj.Actionable() {
		t.Error("critical overspend must carry an override")
	}
	if len(adj.Anomalies) != 0 {
		t.Errorf("unexpected anomalies: %v", adj.Anomalies)
	}
}

func TestEvaluateLadder(t *testing.T) {
	params := models.DefaultAlgorithmParams()
	cases := []struct {
		name       string
		hour       int
		spend      float64
		wantStatus string
		wantAction string
		wantMult   float64
	}{
		{"overspending", 10, 75, models.PacingStatusOverspend, models.PacingActionReduceBid, 0.8},
		{"on track", 11, 50, models.PacingStatusOnTrack, models.PacingActionNone, 1},
		{"underspending", 12, 25, models.PacingStatusUnderspend, models.PacingActionIncreaseBid, 1.2},
		{"ideal saturates after target end", 23, 100, models.PacingStatusOnTrack, models.PacingActionNone, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now := time.Date(2025, 6, 10, tc.hour, 40, 0, 0, time.UTC)
			adj := Evaluate(testCampaign(100), rtSpend(tc.spend, 20, 2000), params, now)
			if adj.Status != tc.wantStatus || adj.Action != tc.wantAction {
				t.Errorf("got %s/%s, want %s/%s", adj.Status, adj.Action, tc.wantStatus, tc.wantAction)
			}
			if adj.Multiplier != tc.wantMult {
				t.Errorf("multiplier = %v, want %v", adj.Multiplier, tc.wantMult)
			}
		})
	}
}

func TestEvaluateInsufficientData(t *testing.T) {
	params := models.DefaultAlgorithmParams()

	t.Run("before window start", func(t *testing.T) {
		midnight := time.Date(2025, 6, 10, 0, 5, 0, 0, time.UTC)
		adj := Evaluate(testCampaign(100), rtSpend(5, 3, 300), params, midnight)
		if adj.Status != models.PacingStatusInsufficient || adj.Action != models.PacingActionNone {
			t.Errorf("got %s/%s, want insufficient/none", adj.Status, adj.Action)
		}
	})
	t.Run("zero budget", func(t *testing.T) {
		adj := Evaluate(testCampaign(0), rtSpend(5, 3, 300), params, checkTime)
		if adj.Status != models.PacingStatusInsufficient {
			t.Errorf("status = %s, want insufficient", adj.Status)
		}
	})
	t.Run("stale data holds everything", func(t *testing.T) {
		rt := rtSpend(90, 5000, 10000) // fraud-level clicks, but untrusted
		rt.Stale = true
		adj := Evaluate(testCampaign(100), rt, params, checkTime)
		if adj.Status != models.PacingStatusInsufficient || adj.Action != models.PacingActionNone {
			t.Errorf("got %s/%s, want insufficient/none", adj.Status, adj.Action)
		}
		if len(adj.Anomalies) != 0 {
			t.Errorf("stale data must not trigger anomalies: %v", adj.Anomalies)
		}
	})
}

func TestEvaluateClickFraud(t *testing.T) {
	params := models.DefaultAlgorithmParams()

	t.Run("clicks per hour", func(t *testing.T) {
		adj := Evaluate(testCampaign(100), rtSpend(50, 1500, 100000), params, checkTime)
		if adj.Action != models.PacingActionPause {
			t.Errorf("action = %s, want pause", adj.Action)
		}
		if adj.Actionable() {
			t.Error("pause must not write an hourly override")
		}
		if len(adj.Anomalies) == 0 {
			t.Error("fraud must be recorded as an anomaly")
		}
	})
	t.Run("ctr", func(t *testing.T) {
		adj := Evaluate(testCampaign(100), rtSpend(50, 400, 2000), params, checkTime)
		if adj.Action != models.PacingActionPause {
			t.Errorf("action = %s, want pause for 20%% CTR", adj.Action)
		}
	})
}

func TestEvaluateBudgetDrain(t *testing.T) {
	params := models.DefaultAlgorithmParams()

	t.Run("drain beats a boost", func(t *testing.T) {
		adj := Evaluate(testCampaign(1000), rtSpend(150, 60, 6000), params, checkTime)
		if adj.Status != models.PacingStatusUnderspend {
			t.Errorf("status = %s, want underspending", adj.Status)
		}
		if adj.Action != models.PacingActionAlert {
			t.Errorf("action = %s, want alert instead of a boost while draining", adj.Action)
		}
		if adj.Actionable() {
			t.Error("alert must not write an hourly override")
		}
	})
	t.Run("throttle survives a drain", func(t *testing.T) {
		adj := Evaluate(testCampaign(100), rtSpend(150, 60, 6000), params, checkTime)
		if adj.Action != models.PacingActionReduceBid {
			t.Errorf("action = %s, want the critical throttle to stand", adj.Action)
		}
		if len(adj.Anomalies) == 0 {
			t.Error("drain must still be recorded")
		}
	})
}

func setupController(t *testing.T) *Controller {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	redisStore := &db.RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: s.Addr()}),
		Ctx:    context.Background(),
	}

	store := models.NewTestAccountDataStore()
	if err := store.SetAccountData(models.TestAccountData(7, 100, models.TestKeyword(42, "wireless earbuds", 1.00))); err != nil {
		t.Fatalf("SetAccountData: %v", err)
	}
	paused := models.TestAccountData(8, 200)
	paused.Campaigns[0].Status = models.StatusPaused
	if err := store.SetAccountData(paused); err != nil {
		t.Fatalf("SetAccountData: %v", err)
	}

	reader := &dataplane.MockReader{Realtime: rtSpend(90, 30, 3000)}
	c := NewController(reader, store, redisStore, nil, models.NewParamsStore(models.DefaultAlgorithmParams()), observability.NewNoOpRegistry(), 0)
	c.now = func() time.Time { return checkTime }
	return c
}

func TestControllerRunAppliesOverride(t *testing.T) {
	c := setupController(t)

	adj, err := c.Run(context.Background(), 7, 100)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if adj.Status != models.PacingStatusCritical {
		t.Fatalf("status = %s, want critical", adj.Status)
	}
	mult, ok, err := c.Redis.HourlyMultiplier(100, "2025-06-10", 10)
	if err != nil || !ok || mult != 0.5 {
		t.Errorf("override = (%v, %v, %v), want (0.5, true, nil)", mult, ok, err)
	}
}

func TestControllerGateBlocksSecondCheck(t *testing.T) {
	c := setupController(t)
	ctx := context.Background()

	if _, err := c.Run(ctx, 7, 100); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	_, err := c.Run(ctx, 7, 100)
	if !errs.IsConflict(err) {
		t.Fatalf("second Run err = %v, want Conflict from the interval gate", err)
	}
}

func TestControllerIntervalFloor(t *testing.T) {
	c := setupController(t)
	if c.Interval != minCheckInterval {
		t.Errorf("interval = %s, want floor %s", c.Interval, minCheckInterval)
	}
}

func TestControllerSnapshotLeavesGateOpen(t *testing.T) {
	c := setupController(t)
	ctx := context.Background()

	if _, err := c.Snapshot(ctx, 7, 100); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, err := c.Run(ctx, 7, 100); err != nil {
		t.Fatalf("Run after Snapshot: %v", err)
	}
}

func TestControllerRejectsBadCampaigns(t *testing.T) {
	c := setupController(t)
	ctx := context.Background()

	if _, err := c.CheckCampaign(ctx, 7, 999); !errs.IsNotFound(err) {
		t.Errorf("unknown campaign err = %v, want NotFound", err)
	}
	if _, err := c.CheckCampaign(ctx, 8, 200); !errs.IsValidation(err) {
		t.Errorf("paused campaign err = %v, want Validation", err)
	}
}

func TestApplySkipsNonActionable(t *testing.T) {
	c := setupController(t)

	adj := &Adjustment{
		AccountID:  7,
		CampaignID: 100,
		Hour:       10,
		CheckedAt:  checkTime,
		Status:     models.PacingStatusOnTrack,
		Action:     models.PacingActionAlert,
		Multiplier: 1,
	}
	if err := c.Apply(context.Background(), adj); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, ok, _ := c.Redis.HourlyMultiplier(100, "2025-06-10", 10); ok {
		t.Error("alert wrote an hourly override")
	}
}
