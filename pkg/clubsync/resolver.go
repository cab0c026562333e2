// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/aiku/clubsync/pkg/eventschema"
	"github.com/aiku/clubsync/pkg/groupref"
	"github.com/aiku/clubsync/pkg/storage"
)

// MembershipCacheKey is the KV key the membership cache persists under.
const MembershipCacheKey = "clubsync:membership_cache"

// ResolverConfig carries the relay set and timeouts used by the tiers.
type ResolverConfig struct {
	Relays        []string
	DirectRelay   string
	ListName      string
	QueryTimeout  time.Duration
	DirectTimeout time.Duration
}

// Resolver answers membership questions. It owns the membership cache:
// per group, the set of known members and the set of members with an
// unconfirmed join request. Entries never expire; they change only on an
// explicit refresh or an observed membership event.
type Resolver struct {
	log    zerolog.Logger
	client RelayClient
	direct DirectQuerier
	kv     storage.KV
	cfg    ResolverConfig

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	// latest membership record per group|member, for last-write-wins
	records map[string]eventschema.MembershipRecord
}

type cacheEntry struct {
	members map[string]struct{}
	pending map[string]struct{}
}

func newCacheEntry() *cacheEntry {
	return &cacheEntry{
		members: make(map[string]struct{}),
		pending: make(map[string]struct{}),
	}
}

// NewResolver creates a resolver. kv may be nil, in which case the cache
// lives in memory only.
func NewResolver(log zerolog.Logger, client RelayClient, direct DirectQuerier, kv storage.KV, cfg ResolverConfig) *Resolver {
	if cfg.ListName == "" {
		cfg.ListName = eventschema.DefaultListName
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = defaultDirectTimeout
	}
	if cfg.DirectRelay == "" && len(cfg.Relays) > 0 {
		cfg.DirectRelay = cfg.Relays[0]
	}
	return &Resolver{
		log:     log.With().Str("component", "resolver").Logger(),
		client:  client,
		direct:  direct,
		kv:      kv,
		cfg:     cfg,
		entries: make(map[string]*cacheEntry),
		records: make(map[string]eventschema.MembershipRecord),
	}
}

// IsMember reports whether user belongs to group. A cached positive answer
// is returned without touching the network unless forceRefresh is set.
// Otherwise the tiers run in order and the first match wins; a tier that
// errors counts as a miss.
func (r *Resolver) IsMember(ctx context.Context, group groupref.GroupID, user string, forceRefresh bool) (bool, error) {
	if user == "" {
		return false, ErrUnauthenticated
	}
	if !forceRefresh && r.IsCachedMember(group, user) {
		return true, nil
	}
	if !r.checkTiers(ctx, group, user) {
		return false, nil
	}
	r.setMember(group, user, true)
	r.persist(ctx)
	return true, nil
}

// RefreshMembershipStatus runs every tier regardless of the cache, writes
// the answer into the cache and clears any pending marker for user.
func (r *Resolver) RefreshMembershipStatus(ctx context.Context, group groupref.GroupID, user string) (bool, error) {
	if user == "" {
		return false, ErrUnauthenticated
	}
	ok := r.checkTiers(ctx, group, user)
	r.setMember(group, user, ok)
	r.persist(ctx)
	return ok, nil
}

type tier struct {
	name string
	run  func(ctx context.Context, group groupref.GroupID, user string) (*nostr.Event, error)
}

func (r *Resolver) tiers() []tier {
	return []tier{
		{name: "list", run: r.tierList},
		{name: "flexible", run: r.tierFlexible},
		{name: "direct", run: r.tierDirect},
	}
}

func (r *Resolver) checkTiers(ctx context.Context, group groupref.GroupID, user string) bool {
	log := r.log.With().Str("group", group.Key()).Str("user", user).Logger()
	for _, t := range r.tiers() {
		evidence, err := t.run(ctx, group, user)
		if err != nil {
			log.Warn().Err(err).Str("tier", t.name).Msg("Membership tier failed")
			continue
		}
		if evidence == nil {
			log.Debug().Str("tier", t.name).Msg("Membership tier found nothing")
			continue
		}
		if r.superseded(group, user, evidence.CreatedAt) {
			log.Debug().
				Str("tier", t.name).
				Str("event_id", evidence.ID).
				Msg("Ignoring membership evidence older than a known leave")
			continue
		}
		log.Debug().Str("tier", t.name).Str("event_id", evidence.ID).Msg("Membership confirmed")
		return true
	}
	return false
}

func (r *Resolver) listFilter(user string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{eventschema.KindMembershipList},
		Authors: []string{user},
		Tags:    nostr.TagMap{"d": {r.cfg.ListName}},
	}
}

// tierList looks for group in the user's latest membership list.
func (r *Resolver) tierList(ctx context.Context, group groupref.GroupID, user string) (*nostr.Event, error) {
	events, err := r.client.QueryMany(ctx, r.cfg.Relays, r.listFilter(user), r.cfg.QueryTimeout)
	if err != nil {
		return nil, err
	}
	list := latest(events)
	if list != nil && group.MatchesTags(list.Tags) {
		return list, nil
	}
	return nil, nil
}

// tierFlexible runs three queries in parallel: events by user referencing
// the group, the membership list again, and join requests keyed by the
// group's short id. It fails only when all three fail.
func (r *Resolver) tierFlexible(ctx context.Context, group groupref.GroupID, user string) (*nostr.Event, error) {
	filters := []nostr.Filter{
		{
			Kinds:   []int{eventschema.KindGroupMembership, eventschema.KindJoinRequest},
			Authors: []string{user},
			Tags:    nostr.TagMap{groupref.ReferenceTag: group.ReferenceKeys()},
		},
		r.listFilter(user),
		{
			Kinds:   []int{eventschema.KindJoinRequest},
			Authors: []string{user},
			Tags:    nostr.TagMap{"h": {group.ShortID()}},
		},
	}
	results := make([][]*nostr.Event, len(filters))
	errs := make([]error, len(filters))
	var wg sync.WaitGroup
	for i, f := range filters {
		wg.Add(1)
		go func(i int, f nostr.Filter) {
			defer wg.Done()
			results[i], errs[i] = r.client.QueryMany(ctx, r.cfg.Relays, f, r.cfg.QueryTimeout)
		}(i, f)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	if failures == len(filters) {
		return nil, errors.Join(errs...)
	}

	var candidates []*nostr.Event
	var lists []*nostr.Event
	for _, events := range results {
		for _, evt := range events {
			switch evt.Kind {
			case eventschema.KindMembershipList:
				lists = append(lists, evt)
			case eventschema.KindGroupMembership:
				rec, err := eventschema.MembershipFromEvent(evt)
				if err != nil || rec.Member != user || !group.MatchesTags(evt.Tags) {
					continue
				}
				rec.Group = group
				r.recordObservation(rec)
				if !rec.Left() {
					candidates = append(candidates, evt)
				}
			default:
				if group.MatchesTags(evt.Tags) {
					candidates = append(candidates, evt)
				}
			}
		}
	}
	if list := latest(lists); list != nil && group.MatchesTags(list.Tags) {
		candidates = append(candidates, list)
	}

	// Prefer the newest evidence so a later leave is the only thing that
	// can override it.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt > candidates[j].CreatedAt })
	for _, evt := range candidates {
		if !r.superseded(group, user, evt.CreatedAt) {
			return evt, nil
		}
	}
	return nil, nil
}

// tierDirect repeats the list lookup over a dedicated socket.
func (r *Resolver) tierDirect(ctx context.Context, group groupref.GroupID, user string) (*nostr.Event, error) {
	if r.direct == nil || r.cfg.DirectRelay == "" {
		return nil, fmt.Errorf("no direct relay configured")
	}
	events, err := r.direct.Query(ctx, r.cfg.DirectRelay, r.listFilter(user), r.cfg.DirectTimeout)
	if err != nil {
		return nil, err
	}
	list := latest(events)
	if list != nil && group.MatchesTags(list.Tags) {
		return list, nil
	}
	return nil, nil
}

// latest returns the newest event, ties broken by id.
func latest(events []*nostr.Event) *nostr.Event {
	var best *nostr.Event
	for _, evt := range events {
		if best == nil || evt.CreatedAt > best.CreatedAt || (evt.CreatedAt == best.CreatedAt && evt.ID > best.ID) {
			best = evt
		}
	}
	return best
}

func recordKey(group groupref.GroupID, member string) string {
	return group.Key() + "|" + member
}

// recordObservation stores rec if it is newer than what is known and
// reports whether it was applied.
func (r *Resolver) recordObservation(rec eventschema.MembershipRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := recordKey(rec.Group, rec.Member)
	if cur, ok := r.records[key]; ok && !rec.Newer(cur) {
		return false
	}
	r.records[key] = rec
	return true
}

// superseded reports whether a leave newer than at is known for user.
func (r *Resolver) superseded(group groupref.GroupID, user string, at nostr.Timestamp) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[recordKey(group, user)]
	return ok && rec.Left() && rec.JoinedAt > int64(at)
}

// ObserveMembership applies a membership record seen on a relay. Stale
// records are ignored; the newest record decides whether the member is
// in the cached member set. It reports whether the record was applied.
func (r *Resolver) ObserveMembership(rec eventschema.MembershipRecord) bool {
	if !r.recordObservation(rec) {
		return false
	}
	r.setMember(rec.Group, rec.Member, !rec.Left())
	return true
}

// setMember adds or removes user from the member set. Either way the
// pending marker is cleared.
func (r *Resolver) setMember(group groupref.GroupID, user string, member bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entryLocked(group)
	if member {
		entry.members[user] = struct{}{}
	} else {
		delete(entry.members, user)
	}
	delete(entry.pending, user)
}

func (r *Resolver) entryLocked(group groupref.GroupID) *cacheEntry {
	key := group.Key()
	entry, ok := r.entries[key]
	if !ok {
		entry = newCacheEntry()
		r.entries[key] = entry
	}
	return entry
}

// LoadMembers adds members to the cached member set of group.
func (r *Resolver) LoadMembers(group groupref.GroupID, members []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entryLocked(group)
	for _, m := range members {
		entry.members[m] = struct{}{}
		delete(entry.pending, m)
	}
}

// MarkPending records that user asked to join group.
func (r *Resolver) MarkPending(group groupref.GroupID, user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entryLocked(group)
	if _, ok := entry.members[user]; !ok {
		entry.pending[user] = struct{}{}
	}
}

func (r *Resolver) IsPending(group groupref.GroupID, user string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[group.Key()]
	if !ok {
		return false
	}
	_, pending := entry.pending[user]
	return pending
}

func (r *Resolver) IsCachedMember(group groupref.GroupID, user string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[group.Key()]
	if !ok {
		return false
	}
	_, member := entry.members[user]
	return member
}

// CachedMembers returns the cached member set of group, sorted.
func (r *Resolver) CachedMembers(group groupref.GroupID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[group.Key()]
	if !ok {
		return nil
	}
	return sortedKeys(entry.members)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type persistedEntry struct {
	Members []string `json:"members"`
	Pending []string `json:"pending,omitempty"`
}

// SaveCache writes the member and pending sets to the KV store.
func (r *Resolver) SaveCache(ctx context.Context) error {
	if r.kv == nil {
		return nil
	}
	r.mu.RLock()
	snapshot := make(map[string]persistedEntry, len(r.entries))
	for key, entry := range r.entries {
		snapshot[key] = persistedEntry{
			Members: sortedKeys(entry.members),
			Pending: sortedKeys(entry.pending),
		}
	}
	r.mu.RUnlock()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode membership cache: %w", err)
	}
	if err := r.kv.Set(ctx, MembershipCacheKey, data); err != nil {
		return fmt.Errorf("failed to save membership cache: %w", err)
	}
	return nil
}

// LoadCache merges the persisted cache into memory.
func (r *Resolver) LoadCache(ctx context.Context) error {
	if r.kv == nil {
		return nil
	}
	data, err := r.kv.Get(ctx, MembershipCacheKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to load membership cache: %w", err)
	}
	var snapshot map[string]persistedEntry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to decode membership cache: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, pe := range snapshot {
		group, err := groupref.Parse(key)
		if err != nil {
			r.log.Warn().Err(err).Str("group", key).Msg("Dropping unparseable cache entry")
			continue
		}
		entry := r.entryLocked(group)
		for _, m := range pe.Members {
			entry.members[m] = struct{}{}
		}
		for _, p := range pe.Pending {
			if _, ok := entry.members[p]; !ok {
				entry.pending[p] = struct{}{}
			}
		}
	}
	r.log.Debug().Int("groups", len(snapshot)).Msg("Loaded membership cache")
	return nil
}

func (r *Resolver) persist(ctx context.Context) {
	if err := r.SaveCache(ctx); err != nil {
		r.log.Warn().Err(err).Msg("Failed to persist membership cache")
	}
}
