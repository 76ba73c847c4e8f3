package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
)

func TestDisabledLimiterAlwaysAllows(t *testing.T) {
	l := NewAccountLimiter(Config{Enabled: false}, observability.NewNoOpRegistry())
	for i := 0; i < 100; i++ {
		if !l.Allow(7, "bids") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestBucketsIsolatePerAccountAndFamily(t *testing.T) {
	l := NewAccountLimiter(Config{Capacity: 2, RefillRate: 1, Enabled: true}, observability.NewNoOpRegistry())

	// Drain account 7's bids bucket.
	if !l.Allow(7, "bids") || !l.Allow(7, "bids") {
		t.Fatal("first two calls should pass")
	}
	if l.Allow(7, "bids") {
		t.Fatal("third call should be limited")
	}

	// Same account, different family: fresh bucket.
	if !l.Allow(7, "reports") {
		t.Fatal("reports family must not share the bids bucket")
	}
	// Different account, same family: fresh bucket.
	if !l.Allow(8, "bids") {
		t.Fatal("account 8 must not share account 7's bucket")
	}
}

func TestWaitSuspendsUntilRefill(t *testing.T) {
	l := NewAccountLimiter(Config{Capacity: 1, RefillRate: 50, Enabled: true}, observability.NewNoOpRegistry())
	ctx := context.Background()

	if err := l.Wait(ctx, 7, "bids"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	// Bucket is empty; at 50 tokens/second the next token arrives well
	// within the deadline.
	start := time.Now()
	if err := l.Wait(ctx, 7, "bids"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("wait took too long for a 50/s refill rate")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	l := NewAccountLimiter(Config{Capacity: 1, RefillRate: 0, Enabled: true}, observability.NewNoOpRegistry())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, 7, "bids"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	// No refill ever happens; the second wait must give up with the context.
	if err := l.Wait(ctx, 7, "bids"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStatsTrackHits(t *testing.T) {
	l := NewAccountLimiter(Config{Capacity: 1, RefillRate: 0, Enabled: true}, observability.NewNoOpRegistry())
	l.Allow(7, "bids")
	l.Allow(7, "bids")

	stats := l.Stats()
	s, ok := stats["7:bids"]
	if !ok {
		t.Fatalf("no stats for 7:bids, got %v", stats)
	}
	if s.Total != 2 || s.Hits != 1 {
		t.Fatalf("stats = %+v, want total 2 hits 1", s)
	}
}
