// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.mau.fi/util/ptr"

	"github.com/aiku/clubsync/pkg/eventschema"
	"github.com/aiku/clubsync/pkg/groupref"
)

// SubscriptionState tracks how far a group's subscription set has been
// opened. A fully subscribed group is in StateMembership.
type SubscriptionState int

const (
	StateUnsubscribed SubscriptionState = iota
	StateMessages
	StateMetadata
	StateMembership
)

func (s SubscriptionState) String() string {
	switch s {
	case StateMessages:
		return "subscribed"
	case StateMetadata:
		return "subscribed+metadata"
	case StateMembership:
		return "subscribed+metadata+membership"
	default:
		return "unsubscribed"
	}
}

// streamClass is one of the three event classes every group subscribes to.
type streamClass int

const (
	classMessages streamClass = iota
	classMetadata
	classMembership
)

func (c streamClass) String() string {
	switch c {
	case classMessages:
		return "messages"
	case classMetadata:
		return "metadata"
	default:
		return "membership"
	}
}

var errSubscriptionClosed = errors.New("subscription closed while opening")

// GroupSubscription holds the three live streams of one group.
type GroupSubscription struct {
	Group groupref.GroupID

	// ready is closed once opening finished; err is set before that when
	// it failed.
	ready chan struct{}
	err   error

	mu      sync.Mutex
	state   SubscriptionState
	streams []EventStream
	wg      sync.WaitGroup
	closed  bool
}

func newGroupSubscription(group groupref.GroupID) *GroupSubscription {
	return &GroupSubscription{Group: group, ready: make(chan struct{})}
}

// attach adds an opened stream and starts its reader. It reports false
// when the subscription was closed in the meantime.
func (s *GroupSubscription) attach(e *Engine, class streamClass, stream EventStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.streams = append(s.streams, stream)
	s.state = SubscriptionState(int(class) + 1)
	s.wg.Add(1)
	go e.readStream(s, class, stream)
	return true
}

func (s *GroupSubscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close closes every stream and waits for the readers to exit. It is safe
// to call more than once.
func (s *GroupSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := s.streams
	s.state = StateUnsubscribed
	s.mu.Unlock()
	for _, st := range streams {
		st.Close()
	}
	s.wg.Wait()
}

func referenceFilter(group groupref.GroupID, kinds ...int) nostr.Filter {
	return nostr.Filter{
		Kinds: kinds,
		Tags:  nostr.TagMap{groupref.ReferenceTag: group.ReferenceKeys()},
	}
}

func createFilter(group groupref.GroupID) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{eventschema.KindGroupCreate, eventschema.KindLegacyCommunity},
		Authors: []string{group.PubKey},
		Tags:    nostr.TagMap{"d": {group.Identifier}},
	}
}

func (e *Engine) filtersFor(group groupref.GroupID, class streamClass) nostr.Filters {
	switch class {
	case classMessages:
		f := referenceFilter(group, eventschema.KindGroupMessage)
		f.Since = ptr.Ptr(nostr.Now())
		return nostr.Filters{f}
	case classMetadata:
		return nostr.Filters{
			referenceFilter(group, eventschema.KindGroupMetadataUpdate),
			createFilter(group),
		}
	default:
		return nostr.Filters{referenceFilter(group, eventschema.KindGroupMembership)}
	}
}

// Subscribe opens the message, metadata and membership streams for group,
// then fetches its message history and current members. Subscribing to a
// group that is already subscribed returns the existing handle, waiting
// for it to finish opening if needed.
func (e *Engine) Subscribe(ctx context.Context, group groupref.GroupID) (*GroupSubscription, error) {
	e.subMu.Lock()
	if existing, ok := e.subs[group.Key()]; ok {
		e.subMu.Unlock()
		select {
		case <-existing.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if existing.err != nil {
			return nil, existing.err
		}
		return existing, nil
	}
	sub := newGroupSubscription(group)
	e.subs[group.Key()] = sub
	e.subMu.Unlock()

	if err := e.openStreams(ctx, sub); err != nil {
		e.subMu.Lock()
		if e.subs[group.Key()] == sub {
			delete(e.subs, group.Key())
		}
		e.subMu.Unlock()
		sub.Close()
		sub.err = err
		close(sub.ready)
		return nil, err
	}
	close(sub.ready)

	e.log.Info().Str("group", group.Key()).Msg("Subscribed to group")
	e.fetchHistory(ctx, group)
	e.fetchMembers(ctx, group)
	return sub, nil
}

func (e *Engine) openStreams(ctx context.Context, sub *GroupSubscription) error {
	for _, class := range []streamClass{classMessages, classMetadata, classMembership} {
		stream, err := e.client.Subscribe(context.WithoutCancel(ctx), e.cfg.Relays, e.filtersFor(sub.Group, class))
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s of %s: %w", class, sub.Group.Key(), err)
		}
		if !sub.attach(e, class, stream) {
			stream.Close()
			return fmt.Errorf("%s of %s: %w", class, sub.Group.Key(), errSubscriptionClosed)
		}
	}
	return nil
}

// SubscriptionState reports the state of group's subscription.
func (e *Engine) SubscriptionState(group groupref.GroupID) SubscriptionState {
	e.subMu.Lock()
	sub, ok := e.subs[group.Key()]
	e.subMu.Unlock()
	if !ok {
		return StateUnsubscribed
	}
	return sub.State()
}

// Unsubscribe closes and forgets group's subscription.
func (e *Engine) Unsubscribe(group groupref.GroupID) bool {
	e.subMu.Lock()
	sub, ok := e.subs[group.Key()]
	delete(e.subs, group.Key())
	e.subMu.Unlock()
	if !ok {
		return false
	}
	sub.Close()
	e.log.Info().Str("group", group.Key()).Msg("Unsubscribed from group")
	return true
}

func (e *Engine) closeAllSubscriptions() {
	e.subMu.Lock()
	subs := e.subs
	e.subs = make(map[string]*GroupSubscription)
	e.subMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (e *Engine) resubscribeAll(ctx context.Context) {
	for _, group := range e.Mappings.Groups() {
		if _, err := e.Subscribe(ctx, group); err != nil {
			e.log.Warn().Err(err).Str("group", group.Key()).Msg("Failed to restore subscription")
		}
	}
}

func (e *Engine) readStream(sub *GroupSubscription, class streamClass, stream EventStream) {
	defer sub.wg.Done()
	for evt := range stream.Events() {
		e.handleEvent(sub.Group, evt)
	}
	e.log.Debug().Str("group", sub.Group.Key()).Stringer("class", class).Msg("Stream closed")
}

// belongsTo reports whether evt is about group.
func belongsTo(group groupref.GroupID, evt *nostr.Event) bool {
	if evt.Kind == eventschema.KindGroupCreate || evt.Kind == eventschema.KindLegacyCommunity {
		return evt.PubKey == group.PubKey && eventschema.FirstValue(evt.Tags, "d") == group.Identifier
	}
	return group.MatchesTags(evt.Tags)
}

// handleEvent routes one live event to the bus. Events for groups that no
// club maps to are dropped.
func (e *Engine) handleEvent(group groupref.GroupID, evt *nostr.Event) {
	if evt == nil || !belongsTo(group, evt) {
		return
	}
	clubID, ok := e.Mappings.GetClubFor(group)
	if !ok {
		e.log.Debug().Str("group", group.Key()).Str("event_id", evt.ID).Msg("Dropping event for unmapped group")
		return
	}

	switch evt.Kind {
	case eventschema.KindGroupMessage:
		if seen, _ := e.seen.ContainsOrAdd(evt.ID, struct{}{}); seen {
			return
		}
		e.Bus.Notify(Notification{Type: NotifyIncomingMessage, ClubID: clubID, Group: group, Event: evt})
	case eventschema.KindGroupMetadataUpdate, eventschema.KindGroupCreate, eventschema.KindLegacyCommunity:
		if seen, _ := e.seen.ContainsOrAdd(evt.ID, struct{}{}); seen {
			return
		}
		meta := eventschema.ParseMetadata(evt)
		e.Bus.Notify(Notification{Type: NotifyMetadataUpdate, ClubID: clubID, Group: group, Event: evt, Metadata: &meta})
	case eventschema.KindGroupMembership:
		rec, err := eventschema.MembershipFromEvent(evt)
		if err != nil {
			e.log.Debug().Err(err).Str("event_id", evt.ID).Msg("Ignoring malformed membership event")
			return
		}
		rec.Group = group
		if !e.Resolver.ObserveMembership(rec) {
			return
		}
		e.Bus.Notify(Notification{Type: NotifyMembershipChange, ClubID: clubID, Group: group, Event: evt, Membership: &rec})
	}
}

// fetchHistory loads the messages of the lookback window and emits them
// as one group_history notification, oldest first.
func (e *Engine) fetchHistory(ctx context.Context, group groupref.GroupID) {
	filter := referenceFilter(group, eventschema.KindGroupMessage)
	filter.Since = ptr.Ptr(nostr.Timestamp(time.Now().Add(-e.cfg.HistoryWindow()).Unix()))
	events, err := e.client.QueryMany(ctx, e.cfg.Relays, filter, e.cfg.QueryTimeout())
	if err != nil {
		e.log.Warn().Err(err).Str("group", group.Key()).Msg("Failed to fetch group history")
		return
	}
	var history []*nostr.Event
	for _, evt := range events {
		if !belongsTo(group, evt) {
			continue
		}
		e.seen.Add(evt.ID, struct{}{})
		history = append(history, evt)
	}
	sortByCreatedAt(history)
	clubID, _ := e.Mappings.GetClubFor(group)
	e.Bus.Notify(Notification{Type: NotifyGroupHistory, ClubID: clubID, Group: group, Events: history})
}

// fetchMembers loads the membership events of group into the resolver and
// emits the resulting member set.
func (e *Engine) fetchMembers(ctx context.Context, group groupref.GroupID) {
	events, err := e.client.QueryMany(ctx, e.cfg.Relays, referenceFilter(group, eventschema.KindGroupMembership), e.cfg.QueryTimeout())
	if err != nil {
		e.log.Warn().Err(err).Str("group", group.Key()).Msg("Failed to fetch group members")
		return
	}
	var records []eventschema.MembershipRecord
	for _, evt := range events {
		if !belongsTo(group, evt) {
			continue
		}
		rec, err := eventschema.MembershipFromEvent(evt)
		if err != nil {
			continue
		}
		rec.Group = group
		records = append(records, rec)
	}
	for _, rec := range eventschema.ReduceMembership(records) {
		e.Resolver.ObserveMembership(rec)
	}
	e.Resolver.persist(ctx)
	clubID, _ := e.Mappings.GetClubFor(group)
	e.Bus.Notify(Notification{
		Type:    NotifyMembersLoaded,
		ClubID:  clubID,
		Group:   group,
		Members: e.Resolver.CachedMembers(group),
	})
}

func sortByCreatedAt(events []*nostr.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt < events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}
