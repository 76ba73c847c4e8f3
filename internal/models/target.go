package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Target types. A target is any biddable entity in an ad group.
const (
	TargetTypeKeyword       = "keyword"        // Search keyword with a match type.
	TargetTypeProductTarget = "product_target" // ASIN or category targeting expression.
	TargetTypeAudience      = "audience"       // Audience segment (sponsored display).
)

// Keyword match types. Product targets and audiences carry an empty match type.
const (
	MatchTypeBroad  = "broad"
	MatchTypePhrase = "phrase"
	MatchTypeExact  = "exact"
)

// Entity statuses shared by campaigns, ad groups and targets. The external
// platform uses the same three-state lifecycle for all of them.
const (
	StatusEnabled  = "enabled"
	StatusPaused   = "paused"
	StatusArchived = "archived"
)

// Keyword classes. These feed the decision-tree predictor as a categorical
// feature and are assigned during keyword research/import.
const (
	KeywordTypeBrand      = "brand"      // Contains the advertiser's own brand terms.
	KeywordTypeCompetitor = "competitor" // Contains a known competitor brand.
	KeywordTypeGeneric    = "generic"    // Unbranded category terms.
	KeywordTypeProduct    = "product"    // Product-attribute terms (size, color, model).
)

// Target is a biddable entity: a keyword, a product-targeting expression or an
// audience. The bid stored here is the base bid before placement and
// dayparting multipliers; the coordinator is the only writer of this field in
// the automated path.
type Target struct {
	ID         int    `json:"id"`
	AccountID  int    `json:"account_id"`
	CampaignID int    `json:"campaign_id"`
	AdGroupID  int    `json:"ad_group_id"`
	ExternalID string `json:"external_id"` // Identifier on the external ads platform.
	TargetType string `json:"target_type"` // One of the TargetType* constants.
	MatchType  string `json:"match_type,omitempty"`
	// Text is the keyword text for keyword targets or the targeting
	// expression (e.g. asin="B0...") for product targets.
	Text        string          `json:"text"`
	KeywordType string          `json:"keyword_type,omitempty"`
	CurrentBid  decimal.Decimal `json:"current_bid"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WordCount returns the number of whitespace-separated words in the target
// text. Used as a decision-tree feature; product targets count as one word.
func (t *Target) WordCount() int {
	if t.TargetType != TargetTypeKeyword {
		return 1
	}
	return len(strings.Fields(t.Text))
}

// IsKeyword reports whether the target participates in keyword-only
// operations such as negative-keyword conflicts and match-type migration.
func (t *Target) IsKeyword() bool {
	return t.TargetType == TargetTypeKeyword
}
