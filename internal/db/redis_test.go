package db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis spins up an in-memory Redis and returns a store wired to it.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	store := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: s.Addr()}),
		Ctx:    context.Background(),
	}
	return s, store
}

func TestRecordStreamDeltaAccumulates(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()

	date := "2025-06-01"
	if err := store.RecordStreamDelta(1, 10, date, 9, 2.50, 3, 120); err != nil {
		t.Fatalf("record delta: %v", err)
	}
	if err := store.RecordStreamDelta(1, 10, date, 9, 1.25, 1, 40); err != nil {
		t.Fatalf("record delta: %v", err)
	}

	spend, clicks, impressions, err := store.CampaignRealtime(10, date)
	if err != nil {
		t.Fatalf("campaign realtime: %v", err)
	}
	if spend != 3.75 || clicks != 4 || impressions != 160 {
		t.Fatalf("got spend=%v clicks=%d impressions=%d", spend, clicks, impressions)
	}

	spend, clicks, _, err = store.AccountRealtime(1, date)
	if err != nil {
		t.Fatalf("account realtime: %v", err)
	}
	if spend != 3.75 || clicks != 4 {
		t.Fatalf("account totals diverged: spend=%v clicks=%d", spend, clicks)
	}

	last, err := store.LastStreamUpdate(1)
	if err != nil {
		t.Fatalf("last update: %v", err)
	}
	if last.IsZero() {
		t.Fatal("expected last update timestamp to be set")
	}

	hourly, err := store.HourlyClicks(10, date)
	if err != nil {
		t.Fatalf("hourly clicks: %v", err)
	}
	if hourly[9] != 4 {
		t.Fatalf("expected 4 clicks in hour 9, got %d", hourly[9])
	}
}

func TestRealtimeMissingKeysReadZero(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()

	spend, clicks, impressions, err := store.CampaignRealtime(99, "2025-06-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spend != 0 || clicks != 0 || impressions != 0 {
		t.Fatalf("expected zeros, got %v/%d/%d", spend, clicks, impressions)
	}

	last, err := store.LastStreamUpdate(99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !last.IsZero() {
		t.Fatalf("expected zero time, got %v", last)
	}
}

func TestHourlyMultiplierRoundTrip(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()

	date := "2025-06-01"
	if _, set, err := store.HourlyMultiplier(7, date, 10); err != nil || set {
		t.Fatalf("expected unset multiplier, got set=%v err=%v", set, err)
	}
	if err := store.SetHourlyMultiplier(7, date, 10, 0.5); err != nil {
		t.Fatalf("set multiplier: %v", err)
	}
	val, set, err := store.HourlyMultiplier(7, date, 10)
	if err != nil {
		t.Fatalf("get multiplier: %v", err)
	}
	if !set || val != 0.5 {
		t.Fatalf("expected 0.5 set, got %v set=%v", val, set)
	}

	all, err := store.HourlyMultipliers(7, date)
	if err != nil {
		t.Fatalf("get multipliers: %v", err)
	}
	if len(all) != 1 || all[10] != 0.5 {
		t.Fatalf("unexpected override map: %v", all)
	}
}

func TestBidLockExcludesSecondHolder(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()

	ok, err := store.AcquireBidLock(1, 42, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = store.AcquireBidLock(1, 42, time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire should be excluded")
	}
	if err := store.ReleaseBidLock(1, 42); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = store.AcquireBidLock(1, 42, time.Minute)
	if err != nil || !ok {
		t.Fatalf("reacquire after release should succeed: ok=%v err=%v", ok, err)
	}
}

func TestPacingCheckGate(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()

	ok, err := store.TryPacingCheck(5, 15*time.Minute)
	if err != nil || !ok {
		t.Fatalf("first check should pass: ok=%v err=%v", ok, err)
	}
	ok, err = store.TryPacingCheck(5, 15*time.Minute)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if ok {
		t.Fatal("second check inside the interval should be gated")
	}

	ms.FastForward(15 * time.Minute)
	ok, err = store.TryPacingCheck(5, 15*time.Minute)
	if err != nil || !ok {
		t.Fatalf("check after interval should pass: ok=%v err=%v", ok, err)
	}
}

func TestInconsistencyStreak(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrInconsistency(2)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if got != want {
			t.Fatalf("streak = %d, want %d", got, want)
		}
	}
	if err := store.ResetInconsistency(2); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, err := store.IncrInconsistency(2)
	if err != nil || got != 1 {
		t.Fatalf("streak after reset = %d err=%v, want 1", got, err)
	}
}

func TestDailyAdjustmentCounter(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()

	for i := 0; i < 3; i++ {
		if _, err := store.IncrDailyAdjustments(1, 7); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	count, err := store.DailyAdjustments(1, 7)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	// Other targets are unaffected.
	count, err = store.DailyAdjustments(1, 8)
	if err != nil || count != 0 {
		t.Fatalf("count for untouched target = %d err=%v, want 0", count, err)
	}
}

func TestAdjustmentCooldown(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()

	ok, err := store.TryAdjustmentCooldown(1, 7, 4*time.Hour)
	if err != nil || !ok {
		t.Fatalf("first adjustment should arm the cooldown: ok=%v err=%v", ok, err)
	}
	ok, err = store.TryAdjustmentCooldown(1, 7, 4*time.Hour)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if ok {
		t.Fatal("second attempt inside the cooldown should be blocked")
	}
	ms.FastForward(4 * time.Hour)
	ok, err = store.TryAdjustmentCooldown(1, 7, 4*time.Hour)
	if err != nil || !ok {
		t.Fatalf("attempt after cooldown should pass: ok=%v err=%v", ok, err)
	}
}
