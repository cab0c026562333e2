// Copyright 2024-2026 Aiku AI

package eventschema

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"

	"github.com/aiku/clubsync/pkg/groupref"
)

// MembershipRecord is one observed membership statement. An empty Role is
// a tombstone meaning the member left.
type MembershipRecord struct {
	Group         groupref.GroupID `json:"group"`
	Member        string           `json:"member"`
	Role          string           `json:"role"`
	JoinedAt      int64            `json:"joined_at"`
	SourceEventID string           `json:"source_event_id"`
}

// Left reports whether the record is a tombstone.
func (r MembershipRecord) Left() bool {
	return r.Role == ""
}

// Newer reports whether r supersedes other under last-write-wins. Ties
// are broken by event id so the result is deterministic.
func (r MembershipRecord) Newer(other MembershipRecord) bool {
	if r.JoinedAt != other.JoinedAt {
		return r.JoinedAt > other.JoinedAt
	}
	return r.SourceEventID > other.SourceEventID
}

var ErrNotMembership = errors.New("not a membership event")

// MembershipFromEvent extracts the record carried by a membership event.
func MembershipFromEvent(evt *nostr.Event) (MembershipRecord, error) {
	if evt == nil || evt.Kind != KindGroupMembership {
		return MembershipRecord{}, ErrNotMembership
	}
	ref := FirstValue(evt.Tags, groupref.ReferenceTag)
	group, err := groupref.Parse(ref)
	if err != nil {
		return MembershipRecord{}, fmt.Errorf("membership event %s: %w", evt.ID, err)
	}
	ptag, ok := Find(evt.Tags, "p")
	if !ok || TagAt(ptag, 1) == "" {
		return MembershipRecord{}, fmt.Errorf("membership event %s: missing member", evt.ID)
	}
	return MembershipRecord{
		Group:         group,
		Member:        TagAt(ptag, 1),
		Role:          TagAt(ptag, 2),
		JoinedAt:      int64(evt.CreatedAt),
		SourceEventID: evt.ID,
	}, nil
}

// ReduceMembership keeps only the authoritative record per
// (group, member) pair. The result is sorted by group key then member.
func ReduceMembership(records []MembershipRecord) []MembershipRecord {
	latest := make(map[string]MembershipRecord, len(records))
	for _, rec := range records {
		key := rec.Group.Key() + "|" + rec.Member
		if cur, ok := latest[key]; !ok || rec.Newer(cur) {
			latest[key] = rec
		}
	}
	out := make([]MembershipRecord, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group.Key() != out[j].Group.Key() {
			return out[i].Group.Key() < out[j].Group.Key()
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// ParseMetadata reads group metadata from event content, falling back to
// name/about/picture tags for fields the content leaves empty.
func ParseMetadata(evt *nostr.Event) GroupMetadata {
	var m GroupMetadata
	if evt == nil {
		return m
	}
	if gjson.Valid(evt.Content) {
		c := gjson.Parse(evt.Content)
		m.Name = c.Get("name").String()
		m.About = c.Get("about").String()
		m.Picture = c.Get("picture").String()
		m.Private = c.Get("private").Bool()
	}
	if m.Name == "" {
		m.Name = FirstValue(evt.Tags, "name")
	}
	if m.About == "" {
		m.About = FirstValue(evt.Tags, "about")
	}
	if m.Picture == "" {
		m.Picture = FirstValue(evt.Tags, "picture")
	}
	if _, ok := Find(evt.Tags, "private"); ok {
		m.Private = true
	}
	return m
}

// Merge overlays the non-empty fields of update onto m.
func (m GroupMetadata) Merge(update GroupMetadata) GroupMetadata {
	if update.Name != "" {
		m.Name = update.Name
	}
	if update.About != "" {
		m.About = update.About
	}
	if update.Picture != "" {
		m.Picture = update.Picture
	}
	if update.Private {
		m.Private = true
	}
	return m
}
