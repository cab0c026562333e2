// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/aiku/clubsync/pkg/eventschema"
	"github.com/aiku/clubsync/pkg/groupref"
)

// ClubData describes the local club a group is created for or joined into.
type ClubData struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	About   string `json:"about,omitempty"`
	Picture string `json:"picture,omitempty"`
	Private bool   `json:"private,omitempty"`
}

// ClubGroup is a club id together with the group it maps to.
type ClubGroup struct {
	ClubID string           `json:"club_id"`
	Group  groupref.GroupID `json:"group"`
}

// signAndPublish signs evt and sends it to every relay.
func (e *Engine) signAndPublish(ctx context.Context, evt *nostr.Event) error {
	if err := e.signer.SignEvent(ctx, evt); err != nil {
		return fmt.Errorf("failed to sign %s event: %w", eventschema.KindName(evt.Kind), err)
	}
	accepted, err := e.client.Publish(ctx, e.cfg.Relays, *evt, e.cfg.PublishTimeout())
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventschema.KindName(evt.Kind), err)
	}
	e.log.Debug().
		Str("event_id", evt.ID).
		Str("kind", eventschema.KindName(evt.Kind)).
		Int("accepted", accepted).
		Msg("Event published")
	return nil
}

// CreateGroupForClub publishes a new group for club, maps club to it and
// subscribes. A visibility check is scheduled to report how many relays
// carry the creation event.
func (e *Engine) CreateGroupForClub(ctx context.Context, club ClubData) (ClubGroup, error) {
	pub, err := e.currentUser(ctx)
	if err != nil {
		return ClubGroup{}, err
	}
	if club.ID == "" {
		club.ID = uuid.NewString()
	}
	identifier := uuid.NewString()
	evt, err := eventschema.Build(eventschema.KindGroupCreate, eventschema.Params{
		Group:  groupref.GroupID{Kind: groupref.KindGroup, PubKey: pub, Identifier: identifier},
		PubKey: pub,
		Metadata: eventschema.GroupMetadata{
			Name:    club.Name,
			About:   club.About,
			Picture: club.Picture,
			Private: club.Private,
		},
	})
	if err != nil {
		return ClubGroup{}, err
	}
	if err := e.signAndPublish(ctx, evt); err != nil {
		return ClubGroup{}, err
	}

	group := groupref.New(evt.PubKey, identifier, e.cfg.Relays...)
	if err := e.Mappings.SetMapping(ctx, club.ID, group); err != nil {
		e.log.Warn().Err(err).Str("club_id", club.ID).Msg("Mapping not persisted")
	}
	e.Resolver.setMember(group, evt.PubKey, true)
	if _, err := e.Subscribe(ctx, group); err != nil {
		e.log.Warn().Err(err).Str("group", group.Key()).Msg("Failed to subscribe to new group")
	}
	e.updateMembershipList(ctx, evt.PubKey, group, true)
	e.scheduleVisibilityCheck(evt.ID, group)

	e.log.Info().Str("club_id", club.ID).Str("group", group.Key()).Msg("Created group for club")
	return ClubGroup{ClubID: club.ID, Group: group}, nil
}

func (e *Engine) scheduleVisibilityCheck(eventID string, group groupref.GroupID) {
	e.after(e.cfg.VisibilityDelay(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.QueryTimeout()*2)
		defer cancel()
		visible := e.client.CountVisible(ctx, e.cfg.Relays, eventID, e.cfg.QueryTimeout())
		evt := e.log.Info()
		if visible == 0 {
			evt = e.log.Warn()
		}
		evt.Str("group", group.Key()).
			Str("event_id", eventID).
			Int("visible", visible).
			Int("relays", len(e.cfg.Relays)).
			Msg("Group creation visibility")
	})
}

// fetchCreateEvent returns the newest creation event for group, or nil.
func (e *Engine) fetchCreateEvent(ctx context.Context, group groupref.GroupID) (*nostr.Event, error) {
	events, err := e.client.QueryMany(ctx, e.cfg.Relays, createFilter(group), e.cfg.QueryTimeout())
	if err != nil {
		return nil, err
	}
	var matching []*nostr.Event
	for _, evt := range events {
		if belongsTo(group, evt) {
			matching = append(matching, evt)
		}
	}
	return latest(matching), nil
}

// JoinExistingGroup joins group as the current user and maps it to club.
// A missing identity is returned as an error; every other failure is
// reported in the Result.
func (e *Engine) JoinExistingGroup(ctx context.Context, group groupref.GroupID, club ClubData) (Result, error) {
	pub, err := e.currentUser(ctx)
	if err != nil {
		return Result{}, err
	}
	create, err := e.fetchCreateEvent(ctx, group)
	if err != nil {
		return failed(club.ID, group, fmt.Errorf("failed to look up group: %w", err)), nil
	}
	if create == nil {
		return failed(club.ID, group, ErrGroupNotFound), nil
	}

	membership, err := eventschema.Build(eventschema.KindGroupMembership, eventschema.Params{
		Group:  group,
		PubKey: pub,
		Member: pub,
		Role:   "member",
	})
	if err != nil {
		return failed(club.ID, group, err), nil
	}
	if err := e.signAndPublish(ctx, membership); err != nil {
		return failed(club.ID, group, err), nil
	}

	request, err := eventschema.Build(eventschema.KindJoinRequest, eventschema.Params{Group: group, PubKey: pub})
	if err == nil {
		err = e.signAndPublish(ctx, request)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("group", group.Key()).Msg("Join request not published")
	}
	e.Resolver.MarkPending(group, pub)

	clubID := club.ID
	if clubID == "" {
		if existing, ok := e.Mappings.GetClubFor(group); ok {
			clubID = existing
		} else {
			clubID = uuid.NewString()
		}
	}
	if err := e.Mappings.SetMapping(ctx, clubID, group); err != nil {
		e.log.Warn().Err(err).Str("club_id", clubID).Msg("Mapping not persisted")
	}
	if _, err := e.Subscribe(ctx, group); err != nil {
		e.log.Warn().Err(err).Str("group", group.Key()).Msg("Failed to subscribe to joined group")
	}
	e.updateMembershipList(ctx, pub, group, true)

	e.log.Info().Str("club_id", clubID).Str("group", group.Key()).Msg("Joined group")
	return Result{Success: true, ClubID: clubID, Group: group}, nil
}

// LeaveGroup publishes a leave for the current user, closes the group's
// subscriptions once no other club references it, and removes the
// mapping. If the leave cannot be published nothing local changes.
func (e *Engine) LeaveGroup(ctx context.Context, clubID string) (Result, error) {
	pub, err := e.currentUser(ctx)
	if err != nil {
		return Result{}, err
	}
	group, ok := e.Mappings.GetGroupFor(clubID)
	if !ok {
		return failed(clubID, groupref.GroupID{}, ErrNotMapped), nil
	}

	tombstone, err := eventschema.Build(eventschema.KindGroupMembership, eventschema.Params{
		Group:  group,
		PubKey: pub,
		Member: pub,
	})
	if err != nil {
		return failed(clubID, group, err), nil
	}
	if err := e.signAndPublish(ctx, tombstone); err != nil {
		return failed(clubID, group, err), nil
	}
	e.Resolver.ObserveMembership(eventschema.MembershipRecord{
		Group:         group,
		Member:        pub,
		JoinedAt:      int64(tombstone.CreatedAt),
		SourceEventID: tombstone.ID,
	})
	e.Resolver.persist(ctx)

	if _, _, err := e.Mappings.RemoveMapping(ctx, clubID); err != nil {
		e.log.Warn().Err(err).Str("club_id", clubID).Msg("Mapping removal not persisted")
	}
	if len(e.Mappings.ClubsFor(group)) == 0 {
		e.Unsubscribe(group)
	}
	e.updateMembershipList(ctx, pub, group, false)

	e.log.Info().Str("club_id", clubID).Str("group", group.Key()).Msg("Left group")
	return Result{Success: true, ClubID: clubID, Group: group}, nil
}

// updateMembershipList republishes the user's membership list with group
// added or removed. Failures are logged only.
func (e *Engine) updateMembershipList(ctx context.Context, pub string, group groupref.GroupID, add bool) {
	log := e.log.With().Str("group", group.Key()).Bool("add", add).Logger()
	events, err := e.client.QueryMany(ctx, e.cfg.Relays, e.Resolver.listFilter(pub), e.cfg.QueryTimeout())
	if err != nil {
		log.Debug().Err(err).Msg("Could not read membership list, starting a new one")
	}
	var refs []string
	present := false
	if current := latest(events); current != nil {
		for _, ref := range eventschema.Values(current.Tags, groupref.ReferenceTag) {
			if _, ok := group.Matches(ref); ok {
				present = true
				continue
			}
			refs = append(refs, ref)
		}
	}
	if !add && !present {
		return
	}
	if add {
		refs = append(refs, group.Key())
	}
	evt, err := eventschema.Build(eventschema.KindMembershipList, eventschema.Params{
		PubKey:     pub,
		ListName:   e.cfg.MembershipListName,
		References: refs,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to build membership list")
		return
	}
	if err := e.signAndPublish(ctx, evt); err != nil {
		log.Warn().Err(err).Msg("Failed to publish membership list")
		return
	}
	log.Debug().Int("references", len(refs)).Msg("Membership list updated")
}

func trimmedEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
