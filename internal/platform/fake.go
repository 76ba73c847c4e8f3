package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
)

// FakeKeyword is a keyword created through the fake.
type FakeKeyword struct {
	AdGroupID int
	Text      string
	MatchType string
	Bid       decimal.Decimal
	Archived  bool
}

// ReportSyncRequest records one RequestReportSync call.
type ReportSyncRequest struct {
	AccountID int
	Start     time.Time
	End       time.Time
}

type failure struct {
	remaining int // negative means fail forever
	err       error
}

// Fake is an in-memory Client for tests and local development. Writes apply
// to its exported maps, repeated idempotency tokens are recognized and not
// re-applied, and individual methods can be told to fail.
type Fake struct {
	mu sync.Mutex

	Bids             map[int]decimal.Decimal
	Negatives        map[string]models.NegativeKeywordPayload
	Keywords         map[string]FakeKeyword
	CampaignStatuses map[int]string
	Tilts            map[int]models.PlacementTilts
	Inventories      map[int]Inventory
	Ranks            map[string]int
	ReportSyncs      []ReportSyncRequest

	calls    map[string]int
	failures map[string]*failure
	tokens   map[string]string
	nextID   int
}

var _ Client = (*Fake)(nil)

// NewFake returns an empty fake platform.
func NewFake() *Fake {
	return &Fake{
		Bids:             make(map[int]decimal.Decimal),
		Negatives:        make(map[string]models.NegativeKeywordPayload),
		Keywords:         make(map[string]FakeKeyword),
		CampaignStatuses: make(map[int]string),
		Tilts:            make(map[int]models.PlacementTilts),
		Inventories:      make(map[int]Inventory),
		Ranks:            make(map[string]int),
		calls:            make(map[string]int),
		failures:         make(map[string]*failure),
		tokens:           make(map[string]string),
	}
}

// Fail arranges for the next n calls of method to return err; n < 0 fails
// every call until cleared by another Fail.
func (f *Fake) Fail(method string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = &failure{remaining: n, err: err}
}

// CallCount reports how many times a method was invoked, failed calls
// included.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// enter records the call and returns the injected failure, if any. Callers
// hold f.mu.
func (f *Fake) enter(method string) error {
	f.calls[method]++
	fl := f.failures[method]
	if fl == nil || fl.remaining == 0 {
		return nil
	}
	if fl.remaining > 0 {
		fl.remaining--
	}
	return fl.err
}

// seen reports whether the idempotency token was already applied and, if so,
// the id the original call produced.
func (f *Fake) seen(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	id, ok := f.tokens[token]
	return id, ok
}

func (f *Fake) UpdateTargetBid(ctx context.Context, accountID, targetID int, bid decimal.Decimal, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateTargetBid"); err != nil {
		return err
	}
	if _, ok := f.seen(token); ok {
		return nil
	}
	f.Bids[targetID] = bid
	if token != "" {
		f.tokens[token] = ""
	}
	return nil
}

func (f *Fake) CreateNegativeKeyword(ctx context.Context, accountID int, p models.NegativeKeywordPayload, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateNegativeKeyword"); err != nil {
		return "", err
	}
	if id, ok := f.seen(token); ok {
		return id, nil
	}
	f.nextID++
	id := fmt.Sprintf("neg-%d", f.nextID)
	f.Negatives[id] = p
	if token != "" {
		f.tokens[token] = id
	}
	return id, nil
}

func (f *Fake) RemoveNegativeKeyword(ctx context.Context, accountID int, negativeID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RemoveNegativeKeyword"); err != nil {
		return err
	}
	if _, ok := f.seen(token); ok {
		return nil
	}
	if _, ok := f.Negatives[negativeID]; !ok {
		return &APIError{StatusCode: 404, Message: "negative keyword not found"}
	}
	delete(f.Negatives, negativeID)
	if token != "" {
		f.tokens[token] = ""
	}
	return nil
}

func (f *Fake) CreateKeyword(ctx context.Context, accountID, adGroupID int, text, matchType string, bid decimal.Decimal, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateKeyword"); err != nil {
		return "", err
	}
	if id, ok := f.seen(token); ok {
		return id, nil
	}
	f.nextID++
	id := fmt.Sprintf("kw-%d", f.nextID)
	f.Keywords[id] = FakeKeyword{AdGroupID: adGroupID, Text: text, MatchType: matchType, Bid: bid}
	if token != "" {
		f.tokens[token] = id
	}
	return id, nil
}

func (f *Fake) RemoveKeyword(ctx context.Context, accountID int, keywordID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RemoveKeyword"); err != nil {
		return err
	}
	if _, ok := f.seen(token); ok {
		return nil
	}
	kw, ok := f.Keywords[keywordID]
	if !ok {
		return &APIError{StatusCode: 404, Message: "keyword not found"}
	}
	kw.Archived = true
	f.Keywords[keywordID] = kw
	if token != "" {
		f.tokens[token] = ""
	}
	return nil
}

func (f *Fake) SetCampaignStatus(ctx context.Context, accountID, campaignID int, status, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetCampaignStatus"); err != nil {
		return err
	}
	if _, ok := f.seen(token); ok {
		return nil
	}
	f.CampaignStatuses[campaignID] = status
	if token != "" {
		f.tokens[token] = ""
	}
	return nil
}

func (f *Fake) SetPlacementTilt(ctx context.Context, accountID, campaignID int, tilts models.PlacementTilts, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetPlacementTilt"); err != nil {
		return err
	}
	if _, ok := f.seen(token); ok {
		return nil
	}
	f.Tilts[campaignID] = tilts
	if token != "" {
		f.tokens[token] = ""
	}
	return nil
}

func (f *Fake) GetInventory(ctx context.Context, accountID, campaignID int) (*Inventory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetInventory"); err != nil {
		return nil, err
	}
	if inv, ok := f.Inventories[campaignID]; ok {
		out := inv
		return &out, nil
	}
	return &Inventory{Status: StockInStock, StockCoverDays: 30}, nil
}

func (f *Fake) GetOrganicRank(ctx context.Context, accountID int, keyword string) (*OrganicRank, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetOrganicRank"); err != nil {
		return nil, err
	}
	if rank, ok := f.Ranks[keyword]; ok {
		return &OrganicRank{Keyword: keyword, Rank: rank, Found: true}, nil
	}
	return &OrganicRank{Keyword: keyword}, nil
}

func (f *Fake) RequestReportSync(ctx context.Context, accountID int, start, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RequestReportSync"); err != nil {
		return err
	}
	f.ReportSyncs = append(f.ReportSyncs, ReportSyncRequest{AccountID: accountID, Start: start, End: end})
	return nil
}
