// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/aiku/clubsync/pkg/eventschema"
	"github.com/aiku/clubsync/pkg/groupref"
)

func TestEngine_DedupIncomingMessages(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner := newTestKey(t)
	te := newTestEngine(t, relays, owner.signer(t))
	ctx := context.Background()

	cg, err := te.CreateGroupForClub(ctx, ClubData{ID: "c1", Name: "Runners"})
	if err != nil {
		t.Fatalf("CreateGroupForClub: %v", err)
	}
	msg := owner.event(t, eventschema.KindGroupMessage, nostr.Now()+5, "hello",
		nostr.Tag{"a", cg.Group.Key()}, nostr.Tag{"h", cg.Group.ShortID()})

	if relays.Deliver(msg) == 0 {
		t.Fatal("no open stream accepted the message")
	}
	relays.Deliver(msg)
	waitFor(t, "incoming message", func() bool { return len(te.rec.OfType(NotifyIncomingMessage)) > 0 })
	// Feed the same id once more synchronously to rule out a race with
	// the reader goroutine.
	te.handleEvent(cg.Group, msg)

	got := te.rec.OfType(NotifyIncomingMessage)
	if len(got) != 1 {
		t.Fatalf("expected exactly one incoming_message, got %d", len(got))
	}
	if got[0].ClubID != "c1" || got[0].Event.ID != msg.ID {
		t.Errorf("unexpected notification: %+v", got[0])
	}
}

func TestEngine_UnmappedGroupDropped(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner := newTestKey(t)
	te := newTestEngine(t, relays, owner.signer(t))
	group := groupOf(owner, "orphan")

	msg := owner.event(t, eventschema.KindGroupMessage, nostr.Now(), "hi",
		nostr.Tag{"a", group.Key()}, nostr.Tag{"h", group.ShortID()})
	te.handleEvent(group, msg)
	if n := len(te.rec.OfType(NotifyIncomingMessage)); n != 0 {
		t.Errorf("event for an unmapped group must be dropped, got %d notifications", n)
	}
}

func TestEngine_CreateThenJoinElsewhere(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	creator, joiner := newTestKey(t), newTestKey(t)
	a := newTestEngine(t, relays, creator.signer(t))
	b := newTestEngine(t, relays, joiner.signer(t))
	ctx := context.Background()

	cg, err := a.CreateGroupForClub(ctx, ClubData{ID: "c1", Name: "Runners"})
	if err != nil {
		t.Fatalf("CreateGroupForClub: %v", err)
	}
	if cg.ClubID != "c1" || cg.Group.PubKey != creator.pk || cg.Group.Kind != groupref.KindGroup {
		t.Fatalf("unexpected result %+v", cg)
	}
	if len(relays.Published(eventschema.KindGroupCreate)) != 1 {
		t.Fatal("creation event not published")
	}

	res, err := b.JoinExistingGroup(ctx, cg.Group, ClubData{ID: "c2"})
	if err != nil {
		t.Fatalf("JoinExistingGroup: %v", err)
	}
	if !res.Success || res.ClubID != "c2" {
		t.Fatalf("join failed: %+v (%s)", res, res.Error())
	}
	// The joiner's own membership event comes back through the member
	// fetch and confirms the pending join.
	if b.Resolver.IsPending(cg.Group, joiner.pk) || !b.Resolver.IsCachedMember(cg.Group, joiner.pk) {
		t.Error("joiner should be confirmed by the membership echo")
	}
	if n := len(relays.Published(eventschema.KindJoinRequest)); n != 1 {
		t.Errorf("join requests published: got %d, want 1", n)
	}

	// Two clubs referencing the same remote group is accepted; the
	// reverse lookup picks one of them deterministically.
	res, err = a.JoinExistingGroup(ctx, cg.Group, ClubData{ID: "c2"})
	if err != nil || !res.Success {
		t.Fatalf("second local club join: %+v %v", res, err)
	}
	clubs := a.Mappings.ClubsFor(cg.Group)
	if len(clubs) != 2 {
		t.Fatalf("ClubsFor: got %v, want both clubs", clubs)
	}
	if club, _ := a.Mappings.GetClubFor(cg.Group); club != "c1" {
		t.Errorf("GetClubFor: got %q, want c1", club)
	}
}

func TestEngine_JoinUnknownGroup(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner, user := newTestKey(t), newTestKey(t)
	te := newTestEngine(t, relays, user.signer(t))

	res, err := te.JoinExistingGroup(context.Background(), groupOf(owner, "ghost"), ClubData{ID: "c9"})
	if err != nil {
		t.Fatalf("absence should be reported in the result, got error %v", err)
	}
	if res.Success || !errors.Is(res.Err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound result, got %+v", res)
	}
	if _, ok := te.Mappings.GetGroupFor("c9"); ok {
		t.Error("failed join must not record a mapping")
	}
}

func TestEngine_Unauthenticated(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner := newTestKey(t)
	te := newTestEngine(t, relays, &KeySigner{})
	ctx := context.Background()

	if _, err := te.CreateGroupForClub(ctx, ClubData{Name: "x"}); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("CreateGroupForClub: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := te.JoinExistingGroup(ctx, groupOf(owner, "x"), ClubData{}); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("JoinExistingGroup: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := te.LeaveGroup(ctx, "c1"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("LeaveGroup: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := te.IsGroupMember(ctx, groupOf(owner, "x"), ""); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("IsGroupMember: expected ErrUnauthenticated, got %v", err)
	}
	if relays.QueryCount() != 0 {
		t.Error("unauthenticated calls must fail before touching the relays")
	}
}

func TestEngine_LeaveCleansUp(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner := newTestKey(t)
	te := newTestEngine(t, relays, owner.signer(t))
	ctx := context.Background()

	cg, err := te.CreateGroupForClub(ctx, ClubData{ID: "c1", Name: "Runners"})
	if err != nil {
		t.Fatal(err)
	}
	streams := relays.Streams()
	if len(streams) != 3 {
		t.Fatalf("expected three subscriptions, got %d", len(streams))
	}
	if st := te.SubscriptionState(cg.Group); st != StateMembership {
		t.Fatalf("state: got %v, want %v", st, StateMembership)
	}

	res, err := te.LeaveGroup(ctx, "c1")
	if err != nil || !res.Success {
		t.Fatalf("LeaveGroup: %+v %v", res, err)
	}
	if _, ok := te.Mappings.GetGroupFor("c1"); ok {
		t.Error("mapping should be removed")
	}
	for i, s := range streams {
		if !s.Closed() {
			t.Errorf("subscription %d still open", i)
		}
	}
	if st := te.SubscriptionState(cg.Group); st != StateUnsubscribed {
		t.Errorf("state after leave: %v", st)
	}
	var tombstone *nostr.Event
	for _, evt := range relays.Published(eventschema.KindGroupMembership) {
		if eventschema.FirstValue(evt.Tags, "p") == owner.pk {
			e := evt
			tombstone = &e
		}
	}
	if tombstone == nil {
		t.Fatal("no membership event published")
	}
	rec, err := eventschema.MembershipFromEvent(tombstone)
	if err != nil || !rec.Left() {
		t.Errorf("leave should publish a tombstone, got %+v %v", rec, err)
	}
	if te.Resolver.IsCachedMember(cg.Group, owner.pk) {
		t.Error("leaver should be removed from the member cache")
	}

	if res, _ := te.LeaveGroup(ctx, "c1"); res.Success || !errors.Is(res.Err, ErrNotMapped) {
		t.Errorf("second leave: expected ErrNotMapped, got %+v", res)
	}
}

func TestEngine_LeavePublishFailureKeepsState(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner := newTestKey(t)
	te := newTestEngine(t, relays, owner.signer(t))
	ctx := context.Background()

	cg, err := te.CreateGroupForClub(ctx, ClubData{ID: "c1", Name: "Runners"})
	if err != nil {
		t.Fatal(err)
	}
	relays.FailPublish = true
	res, err := te.LeaveGroup(ctx, "c1")
	if err != nil || res.Success {
		t.Fatalf("expected a failed result, got %+v %v", res, err)
	}
	if _, ok := te.Mappings.GetGroupFor("c1"); !ok {
		t.Error("mapping must survive a failed leave")
	}
	if te.SubscriptionState(cg.Group) != StateMembership {
		t.Error("subscriptions must survive a failed leave")
	}
}

func TestEngine_SubscribeIdempotent(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner := newTestKey(t)
	te := newTestEngine(t, relays, owner.signer(t))
	group := groupOf(owner, "runners")

	first, err := te.Subscribe(context.Background(), group)
	if err != nil {
		t.Fatal(err)
	}
	second, err := te.Subscribe(context.Background(), group.WithRelays([]string{"wss://hint.example"}))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("subscribing twice should return the existing handle")
	}
	if n := len(relays.Streams()); n != 3 {
		t.Errorf("expected 3 streams, got %d", n)
	}
}

// gatedRelays holds every Subscribe call until gate is closed.
type gatedRelays struct {
	*fakeRelays
	gate    chan struct{}
	waiting atomic.Int32
}

func (g *gatedRelays) Subscribe(ctx context.Context, urls []string, filters nostr.Filters) (EventStream, error) {
	g.waiting.Add(1)
	<-g.gate
	return g.fakeRelays.Subscribe(ctx, urls, filters)
}

func newGatedEngine(t *testing.T, signer Signer) (*Engine, *gatedRelays) {
	t.Helper()
	relays := &gatedRelays{fakeRelays: newFakeRelays(), gate: make(chan struct{})}
	e := NewEngine(zerolog.Nop(), testConfig(t), Deps{
		Relays: relays,
		Direct: &fakeDirect{},
		Signer: signer,
	})
	t.Cleanup(e.Stop)
	return e, relays
}

type subscribeResult struct {
	sub *GroupSubscription
	err error
}

func TestEngine_SubscribeDoesNotBlockOtherGroups(t *testing.T) {
	t.Parallel()
	owner := newTestKey(t)
	e, relays := newGatedEngine(t, owner.signer(t))
	slow, other := groupOf(owner, "slow"), groupOf(owner, "other")
	ctx := context.Background()

	first := make(chan subscribeResult, 1)
	go func() {
		sub, err := e.Subscribe(ctx, slow)
		first <- subscribeResult{sub, err}
	}()
	waitFor(t, "stream opening", func() bool { return relays.waiting.Load() == 1 })
	second := make(chan subscribeResult, 1)
	go func() {
		sub, err := e.Subscribe(ctx, slow)
		second <- subscribeResult{sub, err}
	}()

	states := make(chan SubscriptionState, 2)
	go func() {
		states <- e.SubscriptionState(other)
		states <- e.SubscriptionState(slow)
	}()
	for i := 0; i < 2; i++ {
		select {
		case st := <-states:
			if st != StateUnsubscribed {
				t.Errorf("state while opening: %v", st)
			}
		case <-time.After(time.Second):
			close(relays.gate)
			t.Fatal("SubscriptionState blocked behind a subscription that is still opening")
		}
	}

	close(relays.gate)
	r1, r2 := <-first, <-second
	if r1.err != nil || r2.err != nil {
		t.Fatalf("Subscribe: %v / %v", r1.err, r2.err)
	}
	if r1.sub != r2.sub {
		t.Error("concurrent Subscribe calls should share one handle")
	}
	if st := e.SubscriptionState(slow); st != StateMembership {
		t.Errorf("final state: %v", st)
	}
	if n := len(relays.Streams()); n != 3 {
		t.Errorf("opened %d streams, want 3", n)
	}
}

func TestEngine_UnsubscribeWhileOpening(t *testing.T) {
	t.Parallel()
	owner := newTestKey(t)
	e, relays := newGatedEngine(t, owner.signer(t))
	group := groupOf(owner, "short-lived")
	ctx := context.Background()

	done := make(chan subscribeResult, 1)
	go func() {
		sub, err := e.Subscribe(ctx, group)
		done <- subscribeResult{sub, err}
	}()
	waitFor(t, "stream opening", func() bool { return relays.waiting.Load() == 1 })
	if !e.Unsubscribe(group) {
		t.Fatal("opening subscription should be known to Unsubscribe")
	}
	close(relays.gate)

	res := <-done
	if !errors.Is(res.err, errSubscriptionClosed) {
		t.Fatalf("expected errSubscriptionClosed, got %v", res.err)
	}
	streams := relays.Streams()
	if len(streams) != 1 || !streams[0].Closed() {
		t.Errorf("the stream opened after Unsubscribe should be closed: %d streams", len(streams))
	}
	if st := e.SubscriptionState(group); st != StateUnsubscribed {
		t.Errorf("state after Unsubscribe: %v", st)
	}
}

func TestEngine_SubscribeFetchesHistoryAndMembers(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner, member, leaver := newTestKey(t), newTestKey(t), newTestKey(t)
	te := newTestEngine(t, relays, owner.signer(t))
	ctx := context.Background()
	group := groupOf(owner, "runners")
	ref := nostr.Tag{"a", group.Key()}
	h := nostr.Tag{"h", group.ShortID()}
	now := nostr.Now()

	relays.Add(
		member.event(t, eventschema.KindGroupMessage, now-20, "second", ref, h),
		member.event(t, eventschema.KindGroupMessage, now-30, "first", ref, h),
		owner.event(t, eventschema.KindGroupMembership, now-100, "", ref, nostr.Tag{"p", member.pk, "member"}),
		owner.event(t, eventschema.KindGroupMembership, now-100, "", ref, nostr.Tag{"p", leaver.pk, "member"}),
		owner.event(t, eventschema.KindGroupMembership, now-50, "", ref, nostr.Tag{"p", leaver.pk}),
	)
	if err := te.Mappings.SetMapping(ctx, "c1", group); err != nil {
		t.Fatal(err)
	}
	if _, err := te.Subscribe(ctx, group); err != nil {
		t.Fatal(err)
	}

	history := te.rec.OfType(NotifyGroupHistory)
	if len(history) != 1 || len(history[0].Events) != 2 {
		t.Fatalf("expected one history notification with 2 events, got %+v", history)
	}
	if history[0].Events[0].Content != "first" {
		t.Error("history should be oldest first")
	}
	loaded := te.rec.OfType(NotifyMembersLoaded)
	if len(loaded) != 1 {
		t.Fatalf("expected one members_loaded, got %d", len(loaded))
	}
	if len(loaded[0].Members) != 1 || loaded[0].Members[0] != member.pk {
		t.Errorf("members: got %v, want only %s", loaded[0].Members, member.pk)
	}

	// History ids are already known, so a live echo is not re-announced.
	te.handleEvent(group, history[0].Events[0])
	if n := len(te.rec.OfType(NotifyIncomingMessage)); n != 0 {
		t.Errorf("historical message re-announced as incoming: %d", n)
	}
}

func TestEngine_MembershipChangeFromStream(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner, user := newTestKey(t), newTestKey(t)
	te := newTestEngine(t, relays, owner.signer(t))
	ctx := context.Background()

	cg, err := te.CreateGroupForClub(ctx, ClubData{ID: "c1", Name: "Runners"})
	if err != nil {
		t.Fatal(err)
	}
	ref := nostr.Tag{"a", cg.Group.Key()}
	now := nostr.Now()
	te.handleEvent(cg.Group, owner.event(t, eventschema.KindGroupMembership, now+1, "", ref, nostr.Tag{"p", user.pk, "member"}))
	if !te.Resolver.IsCachedMember(cg.Group, user.pk) {
		t.Fatal("membership event should add the member to the cache")
	}
	te.handleEvent(cg.Group, owner.event(t, eventschema.KindGroupMembership, now+2, "", ref, nostr.Tag{"p", user.pk}))
	if te.Resolver.IsCachedMember(cg.Group, user.pk) {
		t.Error("tombstone should remove the member")
	}
	// Stale join arriving late changes nothing and is not announced.
	te.handleEvent(cg.Group, owner.event(t, eventschema.KindGroupMembership, now, "", ref, nostr.Tag{"p", user.pk, "member"}))
	changes := te.rec.OfType(NotifyMembershipChange)
	if len(changes) != 2 {
		t.Fatalf("expected 2 membership_change notifications, got %d", len(changes))
	}
	if !changes[1].Membership.Left() {
		t.Error("second change should be the leave")
	}
}

func TestEngine_MetadataUpdate(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner := newTestKey(t)
	te := newTestEngine(t, relays, owner.signer(t))
	ctx := context.Background()

	cg, err := te.CreateGroupForClub(ctx, ClubData{ID: "c1", Name: "Runners", About: "5k every sunday"})
	if err != nil {
		t.Fatal(err)
	}
	update, err := eventschema.Build(eventschema.KindGroupMetadataUpdate, eventschema.Params{
		Group:    cg.Group,
		PubKey:   owner.pk,
		Metadata: eventschema.GroupMetadata{Name: "Trail Runners"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := update.Sign(owner.sk); err != nil {
		t.Fatal(err)
	}
	relays.Add(update)
	te.handleEvent(cg.Group, update)

	notes := te.rec.OfType(NotifyMetadataUpdate)
	if len(notes) != 1 || notes[0].Metadata.Name != "Trail Runners" {
		t.Fatalf("unexpected metadata notifications: %+v", notes)
	}

	meta, err := te.GetGroupMetadata(ctx, cg.Group)
	if err != nil {
		t.Fatalf("GetGroupMetadata: %v", err)
	}
	if meta.Name != "Trail Runners" || meta.About != "5k every sunday" {
		t.Errorf("merged metadata: %+v", meta)
	}
	if _, err := te.GetGroupMetadata(ctx, groupOf(owner, "ghost")); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestEngine_SyncGroups(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner := newTestKey(t)
	te := newTestEngine(t, relays, owner.signer(t))
	ctx := context.Background()
	group := groupOf(owner, "runners")
	ref := nostr.Tag{"a", group.Key()}
	h := nostr.Tag{"h", group.ShortID()}

	for i := 0; i < 3; i++ {
		relays.Add(owner.event(t, eventschema.KindGroupMessage, nostr.Timestamp(1000+i), "m", ref, h))
	}
	other := groupOf(owner, "elsewhere")
	relays.Add(owner.event(t, eventschema.KindGroupMessage, 1000, "x", nostr.Tag{"a", other.Key()}, nostr.Tag{"h", "elsewhere"}))
	if err := te.Mappings.SetMapping(ctx, "c1", group); err != nil {
		t.Fatal(err)
	}

	report, err := te.SyncGroups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Groups != 1 || report.Events != 3 {
		t.Errorf("report: %+v", report)
	}
	if n := len(te.rec.OfType(NotifySyncMessage)); n != 3 {
		t.Errorf("expected 3 sync_message notifications, got %d", n)
	}

	relays.FailQueries = true
	report, _ = te.SyncGroups(ctx)
	if report.Failed != 1 {
		t.Errorf("failed query should be counted, got %+v", report)
	}
}

func TestEngine_StartRestoresSubscriptions(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner := newTestKey(t)
	te := newTestEngine(t, relays, owner.signer(t))
	ctx := context.Background()
	group := groupOf(owner, "runners")

	// Persist a mapping as a previous process would have.
	if err := (&KVStrategy{KV: te.kv}).Save(ctx, map[string]groupref.GroupID{"c1": group}); err != nil {
		t.Fatal(err)
	}
	if err := te.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if te.SubscriptionState(group) != StateMembership {
		t.Fatal("restored mapping should be re-subscribed on start")
	}
	te.Stop()
	if te.SubscriptionState(group) != StateUnsubscribed {
		t.Error("Stop should close every subscription")
	}
	for _, s := range relays.Streams() {
		if !s.Closed() {
			t.Error("stream left open after Stop")
		}
	}

	// The engine can be started again.
	if err := te.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !te.Running() || te.SubscriptionState(group) != StateMembership {
		t.Error("restart should re-arm loops and subscriptions")
	}
}

func TestEngine_VisibilityCheck(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner := newTestKey(t)
	cfg := testConfig(t)
	cfg.VisibilityDelayMs = 10
	te := newTestEngineWithConfig(t, relays, owner.signer(t), cfg)

	if _, err := te.CreateGroupForClub(context.Background(), ClubData{ID: "c1", Name: "Runners"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "visibility check", func() bool { return relays.CountCalls() == 1 })
}

func TestEngine_QuerySurface(t *testing.T) {
	t.Parallel()
	relays := newFakeRelays()
	owner := newTestKey(t)
	te := newTestEngine(t, relays, owner.signer(t))
	ctx := context.Background()

	cg, err := te.CreateGroupForClub(ctx, ClubData{ID: "c1", Name: "Runners"})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := te.IsGroupMember(ctx, cg.Group, "")
	if err != nil || !ok {
		t.Errorf("creator should be a member, got (%v, %v)", ok, err)
	}

	first, err := te.SendMessage(ctx, cg.Group, "hello", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, err := te.SendMessage(ctx, cg.Group, "reply", first.ID); err != nil {
		t.Fatalf("SendMessage reply: %v", err)
	}
	var malformed *eventschema.MalformedEventError
	if _, err := te.SendMessage(ctx, cg.Group, "", ""); !errors.As(err, &malformed) {
		t.Errorf("empty message should be rejected, got %v", err)
	}

	msgs, err := te.FetchGroupMessages(ctx, cg.Group, 1, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("limit not honoured: %d", len(msgs))
	}

	res, err := te.LeaveGroupByID(ctx, cg.Group)
	if err != nil || !res.Success {
		t.Fatalf("LeaveGroupByID: %+v %v", res, err)
	}
	res, err = te.JoinGroup(ctx, cg.Group)
	if err != nil || !res.Success || res.ClubID == "" {
		t.Fatalf("JoinGroup: %+v %v", res, err)
	}
}
