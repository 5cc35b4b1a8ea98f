package pool

import (
	"context"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Signer is the external signing capability the pool delegates to when a
// relay demands authentication. The pool never handles key material beyond
// this interface.
type Signer interface {
	// PublicKey returns the hex public key the signer signs with.
	PublicKey(ctx context.Context) (string, error)
	// SignEvent computes the event id and signature in place.
	SignEvent(ctx context.Context, evt *nostr.Event) error
}

// KeySigner signs with an in-memory secret key.
type KeySigner struct {
	secretKey string
	publicKey string
}

// NewKeySigner derives the public key from a hex secret key.
func NewKeySigner(secretKey string) (*KeySigner, error) {
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return &KeySigner{secretKey: secretKey, publicKey: pk}, nil
}

func (s *KeySigner) PublicKey(context.Context) (string, error) {
	return s.publicKey, nil
}

func (s *KeySigner) SignEvent(_ context.Context, evt *nostr.Event) error {
	return evt.Sign(s.secretKey)
}
