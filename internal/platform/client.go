// Package platform defines the boundary to the external advertising
// platform: the typed client interface the control plane writes and reads
// through, a retrying wrapper that applies the call policy (timeouts,
// backoff, rate limiting, error classification), and an in-memory fake for
// tests and local development.
//
// The real HTTP transport, request signing and OAuth token refresh live
// outside this repository; everything here programs against Client.
package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// API families for rate limiting. The external platform throttles these
// independently, so the limiter buckets them independently too.
const (
	FamilyBids      = "bids"
	FamilyKeywords  = "keywords"
	FamilyCampaigns = "campaigns"
	FamilyReports   = "reports"
	FamilyInventory = "inventory"
)

// Inventory stock levels for the products a campaign advertises. The
// inventory proposal source maps these onto bid multipliers.
const (
	StockOutOfStock  = "out_of_stock"
	StockLow         = "low_stock"
	StockInStock     = "in_stock"
	StockOverstocked = "overstocked"
)

// Inventory is the stock position behind a campaign's advertised products.
type Inventory struct {
	Status string `json:"status"`
	// StockCoverDays is the days of cover left at the current
	// sell-through rate.
	StockCoverDays float64 `json:"stock_cover_days"`
}

// OrganicRank is the organic search position of a keyword's product.
type OrganicRank struct {
	Keyword string `json:"keyword"`
	// Rank is 1-based; zero when the product is not ranked for the keyword.
	Rank  int  `json:"rank"`
	Found bool `json:"found"`
}

// Client is the ads-platform operation surface. All writes take an
// idempotency token derived from the work unit that issued them, so a retry
// after an ambiguous failure cannot double-apply.
type Client interface {
	// UpdateTargetBid sets the base bid of one target.
	UpdateTargetBid(ctx context.Context, accountID, targetID int, bid decimal.Decimal, token string) error
	// CreateNegativeKeyword adds a negative keyword at campaign or ad-group
	// level and returns the platform id of the created negative.
	CreateNegativeKeyword(ctx context.Context, accountID int, p models.NegativeKeywordPayload, token string) (string, error)
	// RemoveNegativeKeyword deletes a previously created negative.
	RemoveNegativeKeyword(ctx context.Context, accountID int, negativeID, token string) error
	// CreateKeyword adds a keyword to an ad group and returns its platform id.
	CreateKeyword(ctx context.Context, accountID, adGroupID int, text, matchType string, bid decimal.Decimal, token string) (string, error)
	// RemoveKeyword archives a previously created keyword.
	RemoveKeyword(ctx context.Context, accountID int, keywordID, token string) error
	// SetCampaignStatus flips a campaign between enabled and paused.
	SetCampaignStatus(ctx context.Context, accountID, campaignID int, status, token string) error
	// SetPlacementTilt updates a campaign's placement percentages.
	SetPlacementTilt(ctx context.Context, accountID, campaignID int, tilts models.PlacementTilts, token string) error

	// GetInventory reports the stock position behind a campaign.
	GetInventory(ctx context.Context, accountID, campaignID int) (*Inventory, error)
	// GetOrganicRank reports the organic position of a keyword.
	GetOrganicRank(ctx context.Context, accountID int, keyword string) (*OrganicRank, error)
	// RequestReportSync asks the platform to regenerate report data for a
	// date range; ingestion picks the rows up asynchronously.
	RequestReportSync(ctx context.Context, accountID int, start, end time.Time) error
}

// APIError is the transport-level failure shape of the external platform.
// The retry wrapper classifies it into the error taxonomy; nothing above
// the platform package inspects status codes.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform API %d: %s", e.StatusCode, e.Message)
}

// IdempotencyToken derives the deterministic client token for one attempt
// of one work unit. The same (unit, attempt) always maps to the same token,
// so a timed-out call retried by a later attempt is recognizable upstream.
func IdempotencyToken(unitID string, attempt int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d", unitID, attempt))).String()
}
