// Package ratelimit implements token bucket rate limiting for external
// ads-API calls.
//
// The token bucket algorithm allows burst traffic up to the bucket capacity
// while maintaining a sustained rate over time. The external platform
// throttles per account and per API family, so the limiter keys its buckets
// the same way; callers that exhaust a bucket suspend until it refills.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a thread-safe token bucket rate limiter.
//
// The bucket has a fixed capacity and refills at a constant rate. Each call
// consumes one token. When the bucket is empty, calls are rejected until
// tokens refill.
type TokenBucket struct {
	capacity   int        // Maximum number of tokens the bucket can hold
	tokens     int        // Current number of tokens in the bucket
	refillRate int        // Number of tokens added per second
	lastRefill time.Time  // Last time tokens were added to the bucket
	mu         sync.Mutex // Protects all bucket state
	hitCount   int64      // Number of calls that were rate limited
	totalCount int64      // Total number of calls processed
}

// NewTokenBucket creates a new token bucket with the specified capacity
// (burst allowance) and refill rate (sustained calls per second). The bucket
// starts full.
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow attempts to consume one token from the bucket.
//
// Returns true if a token was available and consumed. Returns false if the
// call should be held back. Thread-safe; refills lazily based on elapsed
// time since the last refill.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.totalCount++

	// Refill tokens based on elapsed time
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
		tb.lastRefill = now
	}

	// Try to consume a token
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}

	// No tokens available - rate limit hit
	tb.hitCount++
	return false
}

// RefillInterval returns how long one token takes to accrue, used by
// waiting callers to size their sleep.
func (tb *TokenBucket) RefillInterval() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.refillRate <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(tb.refillRate)
}

// Stats returns the number of rate-limited calls and the total calls
// processed by this bucket. Thread-safe.
func (tb *TokenBucket) Stats() (hits, total int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.hitCount, tb.totalCount
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
