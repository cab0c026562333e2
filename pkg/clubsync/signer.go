// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/aiku/clubsync/pkg/groupref"
)

// Signer is the identity provider. Signing may be slow or interactive;
// callers pass a context so it can be abandoned.
type Signer interface {
	// PublicKey returns the current user's hex public key, or
	// ErrUnauthenticated when nobody is signed in.
	PublicKey(ctx context.Context) (string, error)
	// SignEvent fills in PubKey, ID and Sig.
	SignEvent(ctx context.Context, evt *nostr.Event) error
}

// KeySigner signs with a locally held private key.
type KeySigner struct {
	secret string
	public string
}

var _ Signer = (*KeySigner)(nil)

// NewKeySigner accepts a hex or nsec private key. An empty key yields a
// signer that reports ErrUnauthenticated.
func NewKeySigner(key string) (*KeySigner, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return &KeySigner{}, nil
	}
	if strings.HasPrefix(key, "nsec1") {
		prefix, val, err := nip19.Decode(key)
		if err != nil {
			return nil, fmt.Errorf("failed to decode nsec: %w", err)
		}
		hexKey, ok := val.(string)
		if prefix != "nsec" || !ok {
			return nil, fmt.Errorf("unexpected %s entity in private key", prefix)
		}
		key = hexKey
	}
	if !groupref.IsHexKey(key) {
		return nil, fmt.Errorf("private key must be 64 hex characters or nsec")
	}
	pub, err := nostr.GetPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return &KeySigner{secret: key, public: pub}, nil
}

func (s *KeySigner) PublicKey(context.Context) (string, error) {
	if s.public == "" {
		return "", ErrUnauthenticated
	}
	return s.public, nil
}

func (s *KeySigner) SignEvent(_ context.Context, evt *nostr.Event) error {
	if s.secret == "" {
		return ErrUnauthenticated
	}
	if err := evt.Sign(s.secret); err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	return nil
}
