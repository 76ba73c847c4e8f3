package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
)

// AccountLimiter manages rate limiting for external ads-API calls.
//
// Each (account, API family) pair gets its own token bucket, created lazily
// on first access, so one account's bid-update burst cannot starve another
// account or its own report syncs. The limiter reports activity through the
// injected metrics registry.
type AccountLimiter struct {
	buckets map[string]*TokenBucket       // Keyed by account id + API family
	mu      sync.RWMutex                  // Protects the buckets map
	config  Config                        // Rate limiting configuration
	metrics observability.MetricsRegistry // Tracks rate limiting activity
}

// Config holds the configuration for rate limiting.
type Config struct {
	Capacity   int  // Token bucket capacity (burst allowance)
	RefillRate int  // Tokens added per second (sustained rate)
	Enabled    bool // Whether rate limiting is active
}

// NewAccountLimiter creates a limiter with the given configuration.
func NewAccountLimiter(config Config, metrics observability.MetricsRegistry) *AccountLimiter {
	return &AccountLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
		metrics: metrics,
	}
}

// Allow checks whether a call for the given account and API family may
// proceed right now. If rate limiting is disabled via config it always
// returns true.
func (al *AccountLimiter) Allow(accountID int, apiFamily string) bool {
	if !al.config.Enabled {
		return true
	}

	al.metrics.IncrementRateLimitRequests(apiFamily)

	bucket := al.bucket(accountID, apiFamily)
	allowed := bucket.Allow()
	if !allowed {
		al.metrics.IncrementRateLimitHits(apiFamily)
	}
	return allowed
}

// Wait blocks until a token is available for the account and API family, or
// until the context is done. Callers drawing on an exhausted bucket suspend
// here rather than erroring.
func (al *AccountLimiter) Wait(ctx context.Context, accountID int, apiFamily string) error {
	if !al.config.Enabled {
		return nil
	}

	bucket := al.bucket(accountID, apiFamily)
	for {
		al.metrics.IncrementRateLimitRequests(apiFamily)
		if bucket.Allow() {
			return nil
		}
		al.metrics.IncrementRateLimitHits(apiFamily)

		interval := bucket.RefillInterval()
		if interval > time.Second {
			interval = time.Second
		}
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// bucket returns the token bucket for the pair, creating it when absent.
func (al *AccountLimiter) bucket(accountID int, apiFamily string) *TokenBucket {
	key := fmt.Sprintf("%d:%s", accountID, apiFamily)

	al.mu.RLock()
	bucket, exists := al.buckets[key]
	al.mu.RUnlock()

	if !exists {
		// Double-checked locking pattern to avoid race conditions
		al.mu.Lock()
		bucket, exists = al.buckets[key]
		if !exists {
			bucket = NewTokenBucket(al.config.Capacity, al.config.RefillRate)
			al.buckets[key] = bucket
		}
		al.mu.Unlock()
	}
	return bucket
}

// Stats returns rate limiting statistics for all buckets, keyed by
// "account:family". Thread-safe snapshot.
func (al *AccountLimiter) Stats() map[string]BucketStats {
	al.mu.RLock()
	defer al.mu.RUnlock()

	stats := make(map[string]BucketStats, len(al.buckets))
	for key, bucket := range al.buckets {
		hits, total := bucket.Stats()
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(hits) / float64(total)
		}
		stats[key] = BucketStats{
			Key:     key,
			Hits:    hits,
			Total:   total,
			HitRate: hitRate,
		}
	}
	return stats
}

// BucketStats contains statistics about rate limiting for one bucket.
type BucketStats struct {
	Key     string  `json:"Key"`     // account:family pair
	Hits    int64   `json:"Hits"`    // Number of rate limited calls
	Total   int64   `json:"Total"`   // Total number of calls processed
	HitRate float64 `json:"HitRate"` // Fraction of calls rate limited (0.0-1.0)
}

// String returns a human-readable representation of the bucket statistics.
func (bs BucketStats) String() string {
	return fmt.Sprintf("Bucket %s: %d/%d hits (%.2f%%)",
		bs.Key, bs.Hits, bs.Total, bs.HitRate*100)
}
