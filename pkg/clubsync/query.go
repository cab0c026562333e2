// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.mau.fi/util/ptr"

	"github.com/aiku/clubsync/pkg/eventschema"
	"github.com/aiku/clubsync/pkg/groupref"
)

// IsGroupMember reports whether user belongs to group. An empty user
// means the current user.
func (e *Engine) IsGroupMember(ctx context.Context, group groupref.GroupID, user string) (bool, error) {
	if user == "" {
		pub, err := e.currentUser(ctx)
		if err != nil {
			return false, err
		}
		user = pub
	}
	return e.Resolver.IsMember(ctx, group, user, false)
}

// GetGroupMetadata returns the creation metadata of group with every
// later metadata update applied in order. ErrGroupNotFound is returned
// when no relay has the creation event.
func (e *Engine) GetGroupMetadata(ctx context.Context, group groupref.GroupID) (eventschema.GroupMetadata, error) {
	create, err := e.fetchCreateEvent(ctx, group)
	if err != nil {
		return eventschema.GroupMetadata{}, err
	}
	if create == nil {
		return eventschema.GroupMetadata{}, ErrGroupNotFound
	}
	meta := eventschema.ParseMetadata(create)

	updates, err := e.client.QueryMany(ctx, e.cfg.Relays, referenceFilter(group, eventschema.KindGroupMetadataUpdate), e.cfg.QueryTimeout())
	if err != nil {
		e.log.Debug().Err(err).Str("group", group.Key()).Msg("Metadata updates unavailable, using creation metadata")
		return meta, nil
	}
	sortByCreatedAt(updates)
	for _, evt := range updates {
		if evt.CreatedAt < create.CreatedAt || !belongsTo(group, evt) {
			continue
		}
		meta = meta.Merge(eventschema.ParseMetadata(evt))
	}
	return meta, nil
}

// FetchGroupMessages returns up to limit messages of group newer than
// since, oldest first. A zero since means no lower bound.
func (e *Engine) FetchGroupMessages(ctx context.Context, group groupref.GroupID, limit int, since time.Time) ([]*nostr.Event, error) {
	filter := referenceFilter(group, eventschema.KindGroupMessage)
	if limit > 0 {
		filter.Limit = limit
	}
	if !since.IsZero() {
		filter.Since = ptr.Ptr(nostr.Timestamp(since.Unix()))
	}
	events, err := e.client.QueryMany(ctx, e.cfg.Relays, filter, e.cfg.QueryTimeout())
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, evt := range events {
		if belongsTo(group, evt) {
			out = append(out, evt)
		}
	}
	sortByCreatedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// SendMessage publishes a message to group right away, bypassing the
// queue. replyTo may name an earlier message id.
func (e *Engine) SendMessage(ctx context.Context, group groupref.GroupID, content, replyTo string) (*nostr.Event, error) {
	pub, err := e.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	evt, err := eventschema.Build(eventschema.KindGroupMessage, eventschema.Params{
		Group:   group,
		PubKey:  pub,
		Content: content,
		ReplyTo: replyTo,
	})
	if err != nil {
		return nil, err
	}
	if err := e.signAndPublish(ctx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// JoinGroup joins group under a newly allocated club id, or under the
// club already mapped to it.
func (e *Engine) JoinGroup(ctx context.Context, group groupref.GroupID) (Result, error) {
	return e.JoinExistingGroup(ctx, group, ClubData{})
}

// LeaveGroupByID leaves group through every club mapped to it.
func (e *Engine) LeaveGroupByID(ctx context.Context, group groupref.GroupID) (Result, error) {
	clubs := e.Mappings.ClubsFor(group)
	if len(clubs) == 0 {
		return failed("", group, ErrNotMapped), nil
	}
	var res Result
	for _, club := range clubs {
		var err error
		res, err = e.LeaveGroup(ctx, club)
		if err != nil {
			return res, err
		}
		if !res.Success {
			return res, nil
		}
	}
	return res, nil
}
