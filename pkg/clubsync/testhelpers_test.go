// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package clubsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/aiku/clubsync/pkg/groupref"
	"github.com/aiku/clubsync/pkg/relaypool"
	"github.com/aiku/clubsync/pkg/storage"
)

var errRelayDown = errors.New("relay down")

// fakeRelays is an in-memory RelayClient. Published events become
// queryable; live delivery to open streams goes through Deliver.
type fakeRelays struct {
	mu        sync.Mutex
	events    []*nostr.Event
	queries   []nostr.Filter
	published []nostr.Event
	streams   []*fakeStream
	counts    int

	// FailKinds makes any query whose filter includes one of these kinds
	// fail.
	FailKinds map[int]bool
	// FailQueries makes every query fail.
	FailQueries bool
	// FailPublish makes every publish fail.
	FailPublish bool
}

var _ RelayClient = (*fakeRelays)(nil)

func newFakeRelays() *fakeRelays {
	return &fakeRelays{FailKinds: make(map[int]bool)}
}

func (f *fakeRelays) Add(evts ...*nostr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evts...)
}

func (f *fakeRelays) QueryOne(ctx context.Context, url string, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error) {
	return f.QueryMany(ctx, []string{url}, filter, timeout)
}

func (f *fakeRelays) QueryMany(_ context.Context, urls []string, filter nostr.Filter, _ time.Duration) ([]*nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, filter)
	if f.FailQueries {
		return nil, &relaypool.NetworkError{Relay: urls[0], Op: "query", Err: errRelayDown}
	}
	for _, k := range filter.Kinds {
		if f.FailKinds[k] {
			return nil, &relaypool.NetworkError{Relay: urls[0], Op: "query", Err: errRelayDown}
		}
	}
	var out []*nostr.Event
	for _, evt := range f.events {
		if filter.Matches(evt) {
			out = append(out, evt)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRelays) Publish(_ context.Context, urls []string, evt nostr.Event, _ time.Duration) (int, error) {
	f.mu.Lock()
	if f.FailPublish {
		f.mu.Unlock()
		return 0, relaypool.ErrNoneAccepted
	}
	f.published = append(f.published, evt)
	stored := evt
	f.events = append(f.events, &stored)
	f.mu.Unlock()
	return len(urls), nil
}

func (f *fakeRelays) Subscribe(_ context.Context, _ []string, filters nostr.Filters) (EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeStream{filters: filters, ch: make(chan *nostr.Event, 16)}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeRelays) CountVisible(_ context.Context, _ []string, id string, _ time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts++
	for _, evt := range f.events {
		if evt.ID == id {
			return 1
		}
	}
	return 0
}

func (f *fakeRelays) QueryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeRelays) CountCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts
}

// Published returns the published events of kind.
func (f *fakeRelays) Published(kind int) []nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []nostr.Event
	for _, evt := range f.published {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func (f *fakeRelays) Streams() []*fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeStream(nil), f.streams...)
}

// Deliver pushes evt to every open stream whose filters match it.
func (f *fakeRelays) Deliver(evt *nostr.Event) int {
	n := 0
	for _, s := range f.Streams() {
		if s.push(evt) {
			n++
		}
	}
	return n
}

type fakeStream struct {
	filters nostr.Filters

	mu     sync.Mutex
	ch     chan *nostr.Event
	closed bool
}

func (s *fakeStream) Events() <-chan *nostr.Event {
	return s.ch
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *fakeStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) push(evt *nostr.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.filters.Match(evt) {
		return false
	}
	s.ch <- evt
	return true
}

// fakeDirect is a DirectQuerier returning canned results.
type fakeDirect struct {
	mu     sync.Mutex
	events []*nostr.Event
	err    error
	calls  int
}

func (d *fakeDirect) Query(_ context.Context, _ string, filter nostr.Filter, _ time.Duration) ([]*nostr.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	var out []*nostr.Event
	for _, evt := range d.events {
		if filter.Matches(evt) {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (d *fakeDirect) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// recorder collects bus notifications.
type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Listen(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) OfType(t NotificationType) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testKey struct {
	sk string
	pk string
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	return testKey{sk: sk, pk: pk}
}

func (k testKey) signer(t *testing.T) *KeySigner {
	t.Helper()
	s, err := NewKeySigner(k.sk)
	if err != nil {
		t.Fatalf("NewKeySigner: %v", err)
	}
	return s
}

// event signs an event by k with the given kind, tags and timestamp.
func (k testKey) event(t *testing.T, kind int, createdAt nostr.Timestamp, content string, tags ...nostr.Tag) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{
		Kind:      kind,
		CreatedAt: createdAt,
		Tags:      nostr.Tags(tags),
		Content:   content,
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	if err := evt.Sign(k.sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return evt
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Relays:             []string{"wss://relay-a.example", "wss://relay-b.example"},
		QueueIntervalMs:    3_600_000,
		ResyncIntervalMs:   3_600_000,
		VisibilityDelayMs:  3_600_000,
		QueueItemDelayMs:   0,
		MembershipListName: "groups",
		Storage:            StorageConfig{KVBackend: "memory"},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

type testEngine struct {
	*Engine
	relays *fakeRelays
	rec    *recorder
	kv     *storage.MemoryKV
}

func newTestEngine(t *testing.T, relays *fakeRelays, signer Signer) *testEngine {
	t.Helper()
	return newTestEngineWithConfig(t, relays, signer, testConfig(t))
}

func newTestEngineWithConfig(t *testing.T, relays *fakeRelays, signer Signer, cfg *Config) *testEngine {
	t.Helper()
	kv := storage.NewMemoryKV()
	e := NewEngine(zerolog.Nop(), cfg, Deps{
		Relays:      relays,
		Direct:      &fakeDirect{},
		Signer:      signer,
		KV:          kv,
		Persistence: &KVStrategy{KV: kv},
	})
	rec := &recorder{}
	e.Bus.AddListener(rec.Listen)
	t.Cleanup(e.Stop)
	return &testEngine{Engine: e, relays: relays, rec: rec, kv: kv}
}

func groupOf(k testKey, identifier string) groupref.GroupID {
	return groupref.New(k.pk, identifier)
}
