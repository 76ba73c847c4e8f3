package models

import (
	"errors"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when an entity is not found in the data store.
var ErrNotFound = errors.New("entity not found")

// AccountData is the full entity set for one account, as loaded from the
// authoritative store.
type AccountData struct {
	Account   Account
	Campaigns []Campaign
	AdGroups  []AdGroup
	Targets   []Target
	Groups    []PerformanceGroup
}

// AccountDataStore provides thread-safe access to account entity data
// without global variables. Reads are lock-free against an immutable
// snapshot; writes swap the snapshot. Entities reference each other by id,
// never by pointer; a dangling id resolves to nil here and becomes NotFound
// at the edge.
type AccountDataStore interface {
	// Read operations (hot path).
	GetAccount(accountID int) *Account
	Accounts() []Account
	GetCampaign(accountID, campaignID int) *Campaign
	CampaignsForAccount(accountID int) []Campaign
	CampaignsForGroup(accountID, groupID int) []Campaign
	GetAdGroup(accountID, adGroupID int) *AdGroup
	GetTarget(accountID, targetID int) *Target
	TargetsForCampaign(accountID, campaignID int) []Target
	TargetsForAdGroup(accountID, adGroupID int) []Target
	GetPerformanceGroup(accountID, groupID int) *PerformanceGroup
	PerformanceGroupsForAccount(accountID int) []PerformanceGroup

	// Write operations (reload path).
	SetAccountData(data AccountData) error
	ReloadAll(data []AccountData) error

	// Post-write cache maintenance. The authoritative row is updated first;
	// these keep the snapshot in step until the next reload.
	UpdateTargetBid(accountID, targetID int, bid decimal.Decimal) error
	UpdateCampaignStatus(accountID, campaignID int, status string) error
	UpdateAccountStatus(accountID int, status string) error
}

// accountBucket is the immutable per-account slice of a snapshot.
type accountBucket struct {
	account           Account
	campaigns         []Campaign
	campaignIndex     map[int]*Campaign
	adGroups          []AdGroup
	adGroupIndex      map[int]*AdGroup
	targets           []Target
	targetIndex       map[int]*Target
	targetsByCampaign map[int][]Target
	targetsByAdGroup  map[int][]Target
	groups            []PerformanceGroup
	groupIndex        map[int]*PerformanceGroup
}

// storeSnapshot is an immutable view of every account.
type storeSnapshot struct {
	buckets map[int]*accountBucket
}

// InMemoryAccountDataStore implements AccountDataStore with atomic snapshot
// updates. Writers rebuild only the touched account's bucket and swap the
// snapshot pointer; readers never block.
type InMemoryAccountDataStore struct {
	data atomic.Pointer[storeSnapshot]
}

// NewInMemoryAccountDataStore creates an empty store.
func NewInMemoryAccountDataStore() *InMemoryAccountDataStore {
	s := &InMemoryAccountDataStore{}
	s.data.Store(&storeSnapshot{buckets: make(map[int]*accountBucket)})
	return s
}

func buildBucket(data AccountData) *accountBucket {
	b := &accountBucket{
		account:           data.Account,
		campaigns:         data.Campaigns,
		campaignIndex:     make(map[int]*Campaign, len(data.Campaigns)),
		adGroups:          data.AdGroups,
		adGroupIndex:      make(map[int]*AdGroup, len(data.AdGroups)),
		targets:           data.Targets,
		targetIndex:       make(map[int]*Target, len(data.Targets)),
		targetsByCampaign: make(map[int][]Target),
		targetsByAdGroup:  make(map[int][]Target),
		groups:            data.Groups,
		groupIndex:        make(map[int]*PerformanceGroup, len(data.Groups)),
	}
	for i := range b.campaigns {
		b.campaignIndex[b.campaigns[i].ID] = &b.campaigns[i]
	}
	for i := range b.adGroups {
		b.adGroupIndex[b.adGroups[i].ID] = &b.adGroups[i]
	}
	for i := range b.targets {
		t := &b.targets[i]
		b.targetIndex[t.ID] = t
		b.targetsByCampaign[t.CampaignID] = append(b.targetsByCampaign[t.CampaignID], *t)
		b.targetsByAdGroup[t.AdGroupID] = append(b.targetsByAdGroup[t.AdGroupID], *t)
	}
	for i := range b.groups {
		b.groupIndex[b.groups[i].ID] = &b.groups[i]
	}
	return b
}

// GetAccount returns the account, or nil when unknown.
func (s *InMemoryAccountDataStore) GetAccount(accountID int) *Account {
	if b, ok := s.data.Load().buckets[accountID]; ok {
		a := b.account
		return &a
	}
	return nil
}

// Accounts returns every loaded account.
func (s *InMemoryAccountDataStore) Accounts() []Account {
	data := s.data.Load()
	out := make([]Account, 0, len(data.buckets))
	for _, b := range data.buckets {
		out = append(out, b.account)
	}
	return out
}

// GetCampaign retrieves a campaign by account and id.
func (s *InMemoryAccountDataStore) GetCampaign(accountID, campaignID int) *Campaign {
	if b, ok := s.data.Load().buckets[accountID]; ok {
		if c, ok := b.campaignIndex[campaignID]; ok {
			return c
		}
	}
	return nil
}

// CampaignsForAccount returns all campaigns of one account.
func (s *InMemoryAccountDataStore) CampaignsForAccount(accountID int) []Campaign {
	if b, ok := s.data.Load().buckets[accountID]; ok {
		out := make([]Campaign, len(b.campaigns))
		copy(out, b.campaigns)
		return out
	}
	return nil
}

// CampaignsForGroup returns the campaigns belonging to a performance group.
func (s *InMemoryAccountDataStore) CampaignsForGroup(accountID, groupID int) []Campaign {
	if b, ok := s.data.Load().buckets[accountID]; ok {
		var out []Campaign
		for _, c := range b.campaigns {
			if c.PerformanceGroupID == groupID {
				out = append(out, c)
			}
		}
		return out
	}
	return nil
}

// GetAdGroup retrieves an ad group by account and id.
func (s *InMemoryAccountDataStore) GetAdGroup(accountID, adGroupID int) *AdGroup {
	if b, ok := s.data.Load().buckets[accountID]; ok {
		if g, ok := b.adGroupIndex[adGroupID]; ok {
			return g
		}
	}
	return nil
}

// GetTarget retrieves a target by account and id.
func (s *InMemoryAccountDataStore) GetTarget(accountID, targetID int) *Target {
	if b, ok := s.data.Load().buckets[accountID]; ok {
		if t, ok := b.targetIndex[targetID]; ok {
			return t
		}
	}
	return nil
}

// TargetsForCampaign returns all targets under a campaign.
func (s *InMemoryAccountDataStore) TargetsForCampaign(accountID, campaignID int) []Target {
	if b, ok := s.data.Load().buckets[accountID]; ok {
		if ts, ok := b.targetsByCampaign[campaignID]; ok {
			out := make([]Target, len(ts))
			copy(out, ts)
			return out
		}
	}
	return nil
}

// TargetsForAdGroup returns all targets under an ad group.
func (s *InMemoryAccountDataStore) TargetsForAdGroup(accountID, adGroupID int) []Target {
	if b, ok := s.data.Load().buckets[accountID]; ok {
		if ts, ok := b.targetsByAdGroup[adGroupID]; ok {
			out := make([]Target, len(ts))
			copy(out, ts)
			return out
		}
	}
	return nil
}

// GetPerformanceGroup retrieves a performance group by account and id.
func (s *InMemoryAccountDataStore) GetPerformanceGroup(accountID, groupID int) *PerformanceGroup {
	if b, ok := s.data.Load().buckets[accountID]; ok {
		if g, ok := b.groupIndex[groupID]; ok {
			return g
		}
	}
	return nil
}

// PerformanceGroupsForAccount returns all groups of one account.
func (s *InMemoryAccountDataStore) PerformanceGroupsForAccount(accountID int) []PerformanceGroup {
	if b, ok := s.data.Load().buckets[accountID]; ok {
		out := make([]PerformanceGroup, len(b.groups))
		copy(out, b.groups)
		return out
	}
	return nil
}

// SetAccountData replaces one account's bucket and swaps the snapshot.
func (s *InMemoryAccountDataStore) SetAccountData(data AccountData) error {
	current := s.data.Load()
	next := &storeSnapshot{buckets: make(map[int]*accountBucket, len(current.buckets)+1)}
	for id, b := range current.buckets {
		next.buckets[id] = b
	}
	next.buckets[data.Account.ID] = buildBucket(data)
	s.data.Store(next)
	return nil
}

// ReloadAll replaces the entire snapshot in one swap.
func (s *InMemoryAccountDataStore) ReloadAll(data []AccountData) error {
	next := &storeSnapshot{buckets: make(map[int]*accountBucket, len(data))}
	for _, d := range data {
		next.buckets[d.Account.ID] = buildBucket(d)
	}
	s.data.Store(next)
	return nil
}

// UpdateTargetBid rewrites one target's bid in a fresh bucket.
func (s *InMemoryAccountDataStore) UpdateTargetBid(accountID, targetID int, bid decimal.Decimal) error {
	current := s.data.Load()
	b, ok := current.buckets[accountID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := b.targetIndex[targetID]; !ok {
		return ErrNotFound
	}
	data := bucketData(b)
	for i := range data.Targets {
		if data.Targets[i].ID == targetID {
			data.Targets[i].CurrentBid = bid
			break
		}
	}
	return s.SetAccountData(data)
}

// UpdateCampaignStatus rewrites one campaign's status in a fresh bucket.
func (s *InMemoryAccountDataStore) UpdateCampaignStatus(accountID, campaignID int, status string) error {
	current := s.data.Load()
	b, ok := current.buckets[accountID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := b.campaignIndex[campaignID]; !ok {
		return ErrNotFound
	}
	data := bucketData(b)
	for i := range data.Campaigns {
		if data.Campaigns[i].ID == campaignID {
			data.Campaigns[i].Status = status
			break
		}
	}
	return s.SetAccountData(data)
}

// UpdateAccountStatus rewrites the account status (e.g. needs_reauth after
// an auth failure) in a fresh bucket.
func (s *InMemoryAccountDataStore) UpdateAccountStatus(accountID int, status string) error {
	current := s.data.Load()
	b, ok := current.buckets[accountID]
	if !ok {
		return ErrNotFound
	}
	data := bucketData(b)
	data.Account.Status = status
	return s.SetAccountData(data)
}

// bucketData copies a bucket back out to mutable AccountData.
func bucketData(b *accountBucket) AccountData {
	data := AccountData{
		Account:   b.account,
		Campaigns: make([]Campaign, len(b.campaigns)),
		AdGroups:  make([]AdGroup, len(b.adGroups)),
		Targets:   make([]Target, len(b.targets)),
		Groups:    make([]PerformanceGroup, len(b.groups)),
	}
	copy(data.Campaigns, b.campaigns)
	copy(data.AdGroups, b.adGroups)
	copy(data.Targets, b.targets)
	copy(data.Groups, b.groups)
	return data
}
