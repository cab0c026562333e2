// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/aiku/clubsync/pkg/eventschema"
	"github.com/aiku/clubsync/pkg/groupref"
)

// NotificationType names what a Notification carries.
type NotificationType string

const (
	NotifyIncomingMessage  NotificationType = "incoming_message"
	NotifyGroupHistory     NotificationType = "group_history"
	NotifyMetadataUpdate   NotificationType = "metadata_update"
	NotifyMembershipChange NotificationType = "membership_change"
	NotifyMembersLoaded    NotificationType = "members_loaded"
	NotifySyncMessage      NotificationType = "sync_message"
)

// Notification is one change delivered to listeners. Which payload fields
// are set depends on Type.
type Notification struct {
	Type   NotificationType
	ClubID string
	Group  groupref.GroupID

	// Event is set for incoming_message, sync_message, metadata_update
	// and membership_change.
	Event *nostr.Event
	// Events is set for group_history.
	Events []*nostr.Event
	// Members is set for members_loaded.
	Members []string
	// Metadata is set for metadata_update.
	Metadata *eventschema.GroupMetadata
	// Membership is set for membership_change.
	Membership *eventschema.MembershipRecord
}

// Listener receives notifications. It is called synchronously from the
// goroutine that observed the change and should not block for long.
type Listener func(Notification)

type ListenerID int

// Bus fans notifications out to registered listeners.
type Bus struct {
	log zerolog.Logger

	mu        sync.RWMutex
	nextID    ListenerID
	listeners map[ListenerID]Listener
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:       log.With().Str("component", "bus").Logger(),
		listeners: make(map[ListenerID]Listener),
	}
}

// AddListener registers fn and returns a handle for RemoveListener.
func (b *Bus) AddListener(fn Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[b.nextID] = fn
	return b.nextID
}

func (b *Bus) RemoveListener(id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Notify delivers n to every listener in registration order.
func (b *Bus) Notify(n Notification) {
	b.mu.RLock()
	ids := make([]ListenerID, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Listener, len(ids))
	for i, id := range ids {
		fns[i] = b.listeners[id]
	}
	b.mu.RUnlock()

	for i, fn := range fns {
		b.deliver(ids[i], fn, n)
	}
}

func (b *Bus) deliver(id ListenerID, fn Listener, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Int("listener", int(id)).
				Str("type", string(n.Type)).
				Interface("panic", r).
				Msg("Listener panicked")
		}
	}()
	fn(n)
}
