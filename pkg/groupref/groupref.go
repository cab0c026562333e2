// Copyright 2024-2026 Aiku AI

// Package groupref identifies relay-hosted groups.
//
// A group is addressed by the composite key (kind, creator public key,
// identifier), written as "kind:pubkey:identifier" or as a bech32 naddr.
// Older clients wrote group references in other shapes, so matching a tag
// value against a group goes through the fixed table in encoding.go.
package groupref

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

const (
	// KindGroup is the addressable kind a group identity is derived from.
	KindGroup = 39000
	// KindLegacyCommunity is the kind older clients used in group references.
	KindLegacyCommunity = 34550
)

var ErrInvalidAddress = errors.New("invalid group address")

// GroupID is the immutable identity of a group. Relays are hints only and
// do not take part in equality.
type GroupID struct {
	Kind       int      `json:"kind"`
	PubKey     string   `json:"pubkey"`
	Identifier string   `json:"identifier"`
	Relays     []string `json:"relays,omitempty"`
}

// New returns a GroupID of the current group kind.
func New(pubkey, identifier string, relays ...string) GroupID {
	return GroupID{Kind: KindGroup, PubKey: pubkey, Identifier: identifier, Relays: relays}
}

// Parse decodes a "kind:pubkey:identifier" string or an naddr.
func Parse(addr string) (GroupID, error) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "nostr:")
	if strings.HasPrefix(addr, "naddr1") {
		return parseNaddr(addr)
	}
	parts := strings.SplitN(addr, ":", 3)
	if len(parts) != 3 {
		return GroupID{}, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || kind <= 0 {
		return GroupID{}, fmt.Errorf("%w: bad kind in %q", ErrInvalidAddress, addr)
	}
	if !IsHexKey(parts[1]) {
		return GroupID{}, fmt.Errorf("%w: bad pubkey in %q", ErrInvalidAddress, addr)
	}
	if parts[2] == "" {
		return GroupID{}, fmt.Errorf("%w: empty identifier in %q", ErrInvalidAddress, addr)
	}
	return GroupID{Kind: kind, PubKey: parts[1], Identifier: parts[2]}, nil
}

func parseNaddr(addr string) (GroupID, error) {
	prefix, value, err := nip19.Decode(addr)
	if err != nil {
		return GroupID{}, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if prefix != "naddr" {
		return GroupID{}, fmt.Errorf("%w: expected naddr, got %s", ErrInvalidAddress, prefix)
	}
	ptr, ok := value.(nostr.EntityPointer)
	if !ok {
		return GroupID{}, fmt.Errorf("%w: unexpected naddr payload %T", ErrInvalidAddress, value)
	}
	if ptr.Identifier == "" {
		return GroupID{}, fmt.Errorf("%w: naddr without identifier", ErrInvalidAddress)
	}
	return GroupID{
		Kind:       ptr.Kind,
		PubKey:     ptr.PublicKey,
		Identifier: ptr.Identifier,
		Relays:     ptr.Relays,
	}, nil
}

// Key returns the canonical "kind:pubkey:identifier" form.
func (g GroupID) Key() string {
	return strconv.Itoa(g.Kind) + ":" + g.PubKey + ":" + g.Identifier
}

func (g GroupID) String() string {
	return g.Key()
}

// ShortID is the group-local identifier used by join requests.
func (g GroupID) ShortID() string {
	return g.Identifier
}

func (g GroupID) IsZero() bool {
	return g.Kind == 0 && g.PubKey == "" && g.Identifier == ""
}

// Equal compares the three identity components; relay hints are ignored.
func (g GroupID) Equal(other GroupID) bool {
	return g.Kind == other.Kind && g.PubKey == other.PubKey && g.Identifier == other.Identifier
}

// WithRelays returns a copy carrying the given relay hints.
func (g GroupID) WithRelays(relays []string) GroupID {
	g.Relays = append([]string(nil), relays...)
	return g
}

// Naddr encodes the identity (with its relay hints) as a bech32 naddr.
func (g GroupID) Naddr() (string, error) {
	return nip19.EncodeEntity(g.PubKey, g.Kind, g.Identifier, g.Relays)
}

// IsHexKey reports whether s looks like a 32-byte hex public key.
func IsHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
