// Copyright 2024-2026 Aiku AI

package eventschema

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/aiku/clubsync/pkg/groupref"
)

// Params carries the inputs for Build. Only the fields relevant to the
// requested kind are read.
type Params struct {
	Group     groupref.GroupID
	PubKey    string
	CreatedAt nostr.Timestamp

	Metadata GroupMetadata

	Member string
	Role   string

	Content string
	ReplyTo string

	Target string
	Reason string

	ListName   string
	References []string
}

// Build constructs an unsigned event of the given kind and validates it
// before returning. A construction that fails validation yields a
// *MalformedEventError listing every problem.
func Build(kind int, p Params) (*nostr.Event, error) {
	evt := &nostr.Event{
		Kind:      kind,
		PubKey:    p.PubKey,
		CreatedAt: p.CreatedAt,
		Tags:      nostr.Tags{},
	}
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}

	switch kind {
	case KindGroupCreate:
		if p.Group.Identifier != "" {
			evt.Tags = append(evt.Tags, nostr.Tag{"d", p.Group.Identifier})
		}
		evt.Tags = append(evt.Tags, metadataTags(p.Metadata)...)
		if p.Metadata.Private {
			evt.Tags = append(evt.Tags, nostr.Tag{"private"})
		} else {
			evt.Tags = append(evt.Tags, nostr.Tag{"public"})
		}
		evt.Content = p.Metadata.JSON()
	case KindGroupMetadataUpdate:
		evt.Tags = append(evt.Tags, groupTags(p.Group)...)
		evt.Tags = append(evt.Tags, metadataTags(p.Metadata)...)
		evt.Content = p.Metadata.JSON()
	case KindGroupMembership:
		evt.Tags = append(evt.Tags, groupTags(p.Group)...)
		if p.Member != "" {
			if p.Role != "" {
				evt.Tags = append(evt.Tags, nostr.Tag{"p", p.Member, p.Role})
			} else {
				evt.Tags = append(evt.Tags, nostr.Tag{"p", p.Member})
			}
		}
	case KindGroupMessage:
		evt.Tags = append(evt.Tags, groupTags(p.Group)...)
		if p.ReplyTo != "" {
			evt.Tags = append(evt.Tags, nostr.Tag{"e", p.ReplyTo, "", "reply"})
		}
		evt.Content = p.Content
	case KindGroupModeration:
		evt.Tags = append(evt.Tags, groupTags(p.Group)...)
		if p.Target != "" {
			evt.Tags = append(evt.Tags, nostr.Tag{"e", p.Target})
		}
		if p.Member != "" {
			evt.Tags = append(evt.Tags, nostr.Tag{"p", p.Member})
		}
		evt.Content = p.Reason
	case KindJoinRequest:
		evt.Tags = append(evt.Tags, groupTags(p.Group)...)
		evt.Content = p.Reason
	case KindMembershipList:
		name := p.ListName
		if name == "" {
			name = DefaultListName
		}
		evt.Tags = append(evt.Tags, nostr.Tag{"d", name})
		for _, ref := range p.References {
			evt.Tags = append(evt.Tags, nostr.Tag{groupref.ReferenceTag, ref})
		}
	default:
		return nil, &MalformedEventError{Kind: kind, Errors: []string{fmt.Sprintf("no builder for kind %d", kind)}}
	}

	if res := Validate(evt); !res.Valid {
		return nil, &MalformedEventError{Kind: kind, Errors: res.Errors}
	}
	return evt, nil
}

// groupTags returns the a/h pair referencing g, or nothing for a zero g.
func groupTags(g groupref.GroupID) nostr.Tags {
	if g.IsZero() {
		return nil
	}
	return nostr.Tags{
		{groupref.ReferenceTag, g.Key()},
		{"h", g.ShortID()},
	}
}

func metadataTags(m GroupMetadata) nostr.Tags {
	var tags nostr.Tags
	if m.Name != "" {
		tags = append(tags, nostr.Tag{"name", m.Name})
	}
	if m.About != "" {
		tags = append(tags, nostr.Tag{"about", m.About})
	}
	if m.Picture != "" {
		tags = append(tags, nostr.Tag{"picture", m.Picture})
	}
	return tags
}

// GroupMetadata is the descriptive part of a group.
type GroupMetadata struct {
	Name    string `json:"name"`
	About   string `json:"about,omitempty"`
	Picture string `json:"picture,omitempty"`
	Private bool   `json:"private,omitempty"`
}

// JSON returns m encoded as a JSON object.
func (m GroupMetadata) JSON() string {
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
