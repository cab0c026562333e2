// Copyright 2024-2026 Aiku AI

package groupref

import (
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Encoding names one of the historically used ways a group reference has
// been written into an "a" tag.
type Encoding int

const (
	EncodingNone Encoding = iota
	// EncodingExact is the canonical kind:pubkey:identifier string.
	EncodingExact
	// EncodingLegacyKind is the canonical string with the group kind and
	// the legacy community kind swapped.
	EncodingLegacyKind
	// EncodingPubkeyIdentifier matches any value containing
	// pubkey:identifier, whatever kind prefix it carries.
	EncodingPubkeyIdentifier
)

func (e Encoding) String() string {
	switch e {
	case EncodingExact:
		return "exact"
	case EncodingLegacyKind:
		return "legacy-kind"
	case EncodingPubkeyIdentifier:
		return "pubkey-identifier"
	default:
		return "none"
	}
}

// Encodings is the compatibility table, in the order it is tried. It is
// fixed; do not add entries without a client that actually wrote them.
var Encodings = []Encoding{EncodingExact, EncodingLegacyKind, EncodingPubkeyIdentifier}

// ReferenceTag is the tag name group references are written under.
const ReferenceTag = "a"

func (g GroupID) legacyKey() string {
	kind := g.Kind
	switch kind {
	case KindGroup:
		kind = KindLegacyCommunity
	case KindLegacyCommunity:
		kind = KindGroup
	default:
		return ""
	}
	return strconv.Itoa(kind) + ":" + g.PubKey + ":" + g.Identifier
}

func (g GroupID) matchEncoding(enc Encoding, value string) bool {
	switch enc {
	case EncodingExact:
		return value == g.Key()
	case EncodingLegacyKind:
		legacy := g.legacyKey()
		return legacy != "" && value == legacy
	case EncodingPubkeyIdentifier:
		if g.PubKey == "" || g.Identifier == "" {
			return false
		}
		return strings.Contains(value, g.PubKey+":"+g.Identifier)
	default:
		return false
	}
}

// Matches reports whether value references g under any accepted encoding
// and which encoding matched first.
func (g GroupID) Matches(value string) (Encoding, bool) {
	if value == "" {
		return EncodingNone, false
	}
	for _, enc := range Encodings {
		if g.matchEncoding(enc, value) {
			return enc, true
		}
	}
	return EncodingNone, false
}

// MatchesTags reports whether any reference tag in tags points at g.
func (g GroupID) MatchesTags(tags nostr.Tags) bool {
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != ReferenceTag {
			continue
		}
		if _, ok := g.Matches(tag[1]); ok {
			return true
		}
	}
	return false
}

// ReferenceKeys returns the exact reference values under which g may have
// been written, for use as an a-tag filter. Substring matches cannot be
// expressed in a filter and are only applied client-side.
func (g GroupID) ReferenceKeys() []string {
	keys := []string{g.Key()}
	if legacy := g.legacyKey(); legacy != "" {
		keys = append(keys, legacy)
	}
	return keys
}
