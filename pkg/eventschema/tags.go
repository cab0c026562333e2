// Copyright 2024-2026 Aiku AI

package eventschema

import "github.com/nbd-wtf/go-nostr"

// TagAt returns element i of tag, or "" when the tag is shorter.
func TagAt(tag nostr.Tag, i int) string {
	if i < 0 || i >= len(tag) {
		return ""
	}
	return tag[i]
}

// Find returns the first tag named name.
func Find(tags nostr.Tags, name string) (nostr.Tag, bool) {
	for _, tag := range tags {
		if len(tag) > 0 && tag[0] == name {
			return tag, true
		}
	}
	return nil, false
}

// FirstValue returns the value of the first tag named name.
func FirstValue(tags nostr.Tags, name string) string {
	tag, ok := Find(tags, name)
	if !ok {
		return ""
	}
	return TagAt(tag, 1)
}

// Values returns the values of every tag named name, skipping empty ones.
func Values(tags nostr.Tags, name string) []string {
	var out []string
	for _, tag := range tags {
		if len(tag) > 1 && tag[0] == name && tag[1] != "" {
			out = append(out, tag[1])
		}
	}
	return out
}
