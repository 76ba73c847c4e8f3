package platform

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/platform/ratelimit"
)

// RetryClient wraps a Client with the call policy: a per-call timeout,
// exponential backoff with full jitter on transient failures, per-account
// rate-limit gating, and classification of raw transport errors into the
// taxonomy. Every Client write carries an idempotency token, so retrying
// after an ambiguous failure is safe.
type RetryClient struct {
	inner   Client
	limiter *ratelimit.AccountLimiter
	metrics observability.MetricsRegistry

	maxRetries  int
	callTimeout time.Duration
	baseDelay   time.Duration
	maxDelay    time.Duration

	// sleep is replaced in tests so backoff does not slow them down.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ Client = (*RetryClient)(nil)

// NewRetryClient wraps inner with the call policy. limiter may be nil to
// disable rate-limit gating (tests). maxRetries <= 0 and callTimeout <= 0
// select the defaults (3 retries, 30s per call).
func NewRetryClient(inner Client, limiter *ratelimit.AccountLimiter, metrics observability.MetricsRegistry, maxRetries int, callTimeout time.Duration) *RetryClient {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &RetryClient{
		inner:       inner,
		limiter:     limiter,
		metrics:     metrics,
		maxRetries:  maxRetries,
		callTimeout: callTimeout,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    15 * time.Second,
		sleep:       sleepCtx,
	}
}

// Classify maps a raw platform failure onto the error taxonomy. Errors that
// already carry a kind pass through untouched, as do context cancellations.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var kindErr *errs.Error
	if errors.As(err, &kindErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return errs.Wrap(errs.KindAuthExpired, "platform credentials rejected", err)
		case apiErr.StatusCode == http.StatusNotFound:
			return errs.Wrap(errs.KindNotFound, "platform entity not found", err)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return errs.Wrap(errs.KindExternal, "platform throttled", err)
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return errs.Wrap(errs.KindValidation, "platform rejected request", err)
		default:
			return errs.Wrap(errs.KindExternal, "platform error", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindExternal, "platform call timed out", err)
	}
	// Network-level and other unclassified failures are transient until
	// proven otherwise.
	return errs.Wrap(errs.KindExternal, "platform call failed", err)
}

// retryable reports whether a classified error is worth another attempt.
// Only external failures are; auth, validation and not-found outcomes will
// not change on retry.
func retryable(err error) bool {
	return errs.IsKind(err, errs.KindExternal)
}

// do runs one logical platform call under the policy. fn must be restartable:
// it is invoked once per attempt with a fresh per-call deadline.
func (rc *RetryClient) do(ctx context.Context, accountID int, family, method string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		if attempt > 0 {
			delay := rc.backoff(attempt)
			zap.L().Debug("retrying platform call",
				zap.String("method", method),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			if err := rc.sleep(ctx, delay); err != nil {
				return lastErr
			}
		}
		if rc.limiter != nil {
			if err := rc.limiter.Wait(ctx, accountID, family); err != nil {
				if lastErr != nil {
					return lastErr
				}
				return err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, rc.callTimeout)
		start := time.Now()
		err := fn(callCtx)
		cancel()
		rc.metrics.RecordPlatformCallLatency(method, time.Since(start))

		if err == nil {
			rc.metrics.IncrementPlatformCalls(method, "ok")
			return nil
		}
		lastErr = Classify(err)
		if !retryable(lastErr) || attempt == rc.maxRetries {
			rc.metrics.IncrementPlatformCalls(method, errs.KindOf(lastErr).String())
			return lastErr
		}
		rc.metrics.IncrementPlatformCalls(method, "retry")
	}
	return lastErr
}

// backoff returns the delay before the given retry attempt: exponential with
// full jitter, random(0, min(maxDelay, baseDelay·2^(attempt−1))).
func (rc *RetryClient) backoff(attempt int) time.Duration {
	exp := float64(rc.baseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(rc.maxDelay) {
		exp = float64(rc.maxDelay)
	}
	jittered := time.Duration(rand.Float64() * exp)
	if jittered < 50*time.Millisecond {
		jittered = 50 * time.Millisecond
	}
	return jittered
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rc *RetryClient) UpdateTargetBid(ctx context.Context, accountID, targetID int, bid decimal.Decimal, token string) error {
	return rc.do(ctx, accountID, FamilyBids, "update_target_bid", func(ctx context.Context) error {
		return rc.inner.UpdateTargetBid(ctx, accountID, targetID, bid, token)
	})
}

func (rc *RetryClient) CreateNegativeKeyword(ctx context.Context, accountID int, p models.NegativeKeywordPayload, token string) (string, error) {
	var id string
	err := rc.do(ctx, accountID, FamilyKeywords, "create_negative_keyword", func(ctx context.Context) error {
		var err error
		id, err = rc.inner.CreateNegativeKeyword(ctx, accountID, p, token)
		return err
	})
	return id, err
}

func (rc *RetryClient) RemoveNegativeKeyword(ctx context.Context, accountID int, negativeID, token string) error {
	return rc.do(ctx, accountID, FamilyKeywords, "remove_negative_keyword", func(ctx context.Context) error {
		return rc.inner.RemoveNegativeKeyword(ctx, accountID, negativeID, token)
	})
}

func (rc *RetryClient) CreateKeyword(ctx context.Context, accountID, adGroupID int, text, matchType string, bid decimal.Decimal, token string) (string, error) {
	var id string
	err := rc.do(ctx, accountID, FamilyKeywords, "create_keyword", func(ctx context.Context) error {
		var err error
		id, err = rc.inner.CreateKeyword(ctx, accountID, adGroupID, text, matchType, bid, token)
		return err
	})
	return id, err
}

func (rc *RetryClient) RemoveKeyword(ctx context.Context, accountID int, keywordID, token string) error {
	return rc.do(ctx, accountID, FamilyKeywords, "remove_keyword", func(ctx context.Context) error {
		return rc.inner.RemoveKeyword(ctx, accountID, keywordID, token)
	})
}

func (rc *RetryClient) SetCampaignStatus(ctx context.Context, accountID, campaignID int, status, token string) error {
	return rc.do(ctx, accountID, FamilyCampaigns, "set_campaign_status", func(ctx context.Context) error {
		return rc.inner.SetCampaignStatus(ctx, accountID, campaignID, status, token)
	})
}

func (rc *RetryClient) SetPlacementTilt(ctx context.Context, accountID, campaignID int, tilts models.PlacementTilts, token string) error {
	return rc.do(ctx, accountID, FamilyCampaigns, "set_placement_tilt", func(ctx context.Context) error {
		return rc.inner.SetPlacementTilt(ctx, accountID, campaignID, tilts, token)
	})
}

func (rc *RetryClient) GetInventory(ctx context.Context, accountID, campaignID int) (*Inventory, error) {
	var inv *Inventory
	err := rc.do(ctx, accountID, FamilyInventory, "get_inventory", func(ctx context.Context) error {
		var err error
		inv, err = rc.inner.GetInventory(ctx, accountID, campaignID)
		return err
	})
	return inv, err
}

func (rc *RetryClient) GetOrganicRank(ctx context.Context, accountID int, keyword string) (*OrganicRank, error) {
	var rank *OrganicRank
	err := rc.do(ctx, accountID, FamilyInventory, "get_organic_rank", func(ctx context.Context) error {
		var err error
		rank, err = rc.inner.GetOrganicRank(ctx, accountID, keyword)
		return err
	})
	return rank, err
}

func (rc *RetryClient) RequestReportSync(ctx context.Context, accountID int, start, end time.Time) error {
	return rc.do(ctx, accountID, FamilyReports, "request_report_sync", func(ctx context.Context) error {
		return rc.inner.RequestReportSync(ctx, accountID, start, end)
	})
}
