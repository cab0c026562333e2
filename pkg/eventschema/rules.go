// Copyright 2024-2026 Aiku AI

package eventschema

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// TagRule describes one tag a kind may carry. When Marker is set, the tag
// must carry it at position 3 (the NIP-10 style marker slot).
type TagRule struct {
	Name     string
	Required bool
	Marker   string
}

// Rule is the schema of one event kind.
type Rule struct {
	Kind         int
	RequiredTags []TagRule
	OptionalTags []TagRule
	// Content returns nil when the content has an acceptable shape.
	Content func(content string) error
}

func contentAny(string) error { return nil }

func contentNonEmpty(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content must not be empty")
	}
	return nil
}

func contentObject(content string) error {
	if !gjson.Valid(content) || !gjson.Parse(content).IsObject() {
		return errors.New("content must be a JSON object")
	}
	return nil
}

func contentObjectWithName(content string) error {
	if err := contentObject(content); err != nil {
		return err
	}
	if strings.TrimSpace(gjson.Get(content, "name").String()) == "" {
		return errors.New(`content must have a non-empty "name" field`)
	}
	return nil
}

func required(names ...string) []TagRule {
	rules := make([]TagRule, len(names))
	for i, name := range names {
		rules[i] = TagRule{Name: name, Required: true}
	}
	return rules
}

func optional(names ...string) []TagRule {
	rules := make([]TagRule, len(names))
	for i, name := range names {
		rules[i] = TagRule{Name: name}
	}
	return rules
}

var rules = map[int]Rule{
	KindGroupCreate: {
		Kind:         KindGroupCreate,
		RequiredTags: required("d"),
		OptionalTags: optional("name", "about", "picture", "public", "private", "relay"),
		Content:      contentObjectWithName,
	},
	KindGroupMetadataUpdate: {
		Kind:         KindGroupMetadataUpdate,
		RequiredTags: required("a", "h"),
		OptionalTags: optional("name", "about", "picture"),
		Content:      contentObject,
	},
	KindGroupMembership: {
		Kind:         KindGroupMembership,
		RequiredTags: required("a", "p"),
		OptionalTags: optional("h"),
		Content:      contentAny,
	},
	KindGroupMessage: {
		Kind:         KindGroupMessage,
		RequiredTags: required("a", "h"),
		OptionalTags: []TagRule{{Name: "e", Marker: "reply"}, {Name: "p"}},
		Content:      contentNonEmpty,
	},
	KindGroupModeration: {
		Kind:         KindGroupModeration,
		RequiredTags: required("a", "e"),
		OptionalTags: optional("h", "p"),
		Content:      contentAny,
	},
	KindJoinRequest: {
		Kind:         KindJoinRequest,
		RequiredTags: required("h", "a"),
		Content:      contentAny,
	},
	KindMembershipList: {
		Kind:         KindMembershipList,
		RequiredTags: required("d"),
		OptionalTags: optional("a"),
		Content:      contentAny,
	},
}

// RuleFor returns the schema for kind.
func RuleFor(kind int) (Rule, bool) {
	r, ok := rules[kind]
	return r, ok
}
