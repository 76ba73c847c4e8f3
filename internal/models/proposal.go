package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Proposal sources. Each source is an independent analyzer; none of them
// writes bids directly. The coordinator weighs them against each other.
const (
	ProposalSourceBaseAlgo    = "base_algo"    // Market-curve profit maximization.
	ProposalSourceDayparting  = "dayparting"   // Hour-of-day performance tilt.
	ProposalSourcePlacement   = "placement"    // Placement ROAS tilt.
	ProposalSourceInventory   = "inventory"    // Stock-protection constraint.
	ProposalSourceOrganicRank = "organic_rank" // Organic-rank cannibalization guard.
)

// BidProposal is one source's suggestion for one target within a coordinator
// cycle. It carries either a multiplicative suggestion (Multiplier, 1.2 means
// +20%) or an absolute bid, never both. Proposals are transient: they are
// consumed by the coordinator in the cycle that produced them and survive
// only inside the CoordinationResult audit.
type BidProposal struct {
	TargetID   int    `json:"target_id"`
	TargetType string `json:"target_type"`
	Source     string `json:"source"`
	// Multiplier is the multiplicative suggestion; zero means the proposal
	// is absolute instead.
	Multiplier float64 `json:"multiplier,omitempty"`
	// AbsoluteBid is the absolute suggestion; zero means the proposal is
	// multiplicative instead.
	AbsoluteBid decimal.Decimal `json:"absolute_bid,omitempty"`
	Confidence  float64         `json:"confidence"` // In [0,1].
	Reason      string          `json:"reason"`
	CreatedAt   time.Time       `json:"created_at"`
}

// IsAbsolute reports whether the proposal suggests an absolute bid rather
// than a multiplier.
func (p *BidProposal) IsAbsolute() bool {
	return !p.AbsoluteBid.IsZero()
}

// CoordinationResult records one coordinator invocation for one target: what
// went in, what came out, and why. Written to the coordination audit;
// referenced by any batch item the invocation produces.
type CoordinationResult struct {
	ID         string `json:"id"`
	AccountID  int    `json:"account_id"`
	CampaignID int    `json:"campaign_id"`
	TargetID   int    `json:"target_id"`

	OriginalBid       decimal.Decimal `json:"original_bid"`
	FinalBid          decimal.Decimal `json:"final_bid"`
	TheoreticalMaxCPC decimal.Decimal `json:"theoretical_max_cpc"`
	// EffectiveMultiplier is the combined multiplier the proposals produced
	// before the circuit breaker and clamping.
	EffectiveMultiplier float64 `json:"effective_multiplier"`

	Proposals             []BidProposal `json:"proposals"`
	CircuitBreakerTripped bool          `json:"circuit_breaker_tripped"`
	Reason                string        `json:"reason"`
	Warnings              []string      `json:"warnings,omitempty"`
	ComputedAt            time.Time     `json:"computed_at"`
}

// Changed reports whether the coordinator actually moved the bid.
func (r *CoordinationResult) Changed() bool {
	return !r.FinalBid.Equal(r.OriginalBid)
}
