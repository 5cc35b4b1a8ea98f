package pool

import (
	"context"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip42"
)

// authHandler performs the NIP-42 challenge/response handshake for one
// connection. Authentication is optional: a connection without a signer, or
// one that never receives a challenge, never authenticates.
type authHandler struct {
	relayURL string
	signer   Signer
}

func newAuthHandler(relayURL string, signer Signer) *authHandler {
	return &authHandler{relayURL: relayURL, signer: signer}
}

// buildAuthEvent constructs and signs the ephemeral kind-22242 event binding
// the relay URL and the relay-supplied challenge.
func (a *authHandler) buildAuthEvent(ctx context.Context, challenge string) (*nostr.Event, error) {
	if a.signer == nil {
		return nil, ErrNoSigner
	}
	pk, err := a.signer.PublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: resolve public key: %w", err)
	}
	evt := nip42.CreateUnsignedAuthEvent(challenge, pk, a.relayURL)
	if err := a.signer.SignEvent(ctx, &evt); err != nil {
		return nil, fmt.Errorf("auth: sign event: %w", err)
	}
	return &evt, nil
}
