package pool

import (
	"context"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeySignerRejectsBadKey(t *testing.T) {
	_, err := NewKeySigner("not-a-key")
	assert.Error(t, err)
}

func TestKeySignerSignsEvents(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	signer, err := NewKeySigner(sk)
	require.NoError(t, err)

	pk, err := signer.PublicKey(context.Background())
	require.NoError(t, err)
	expected, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	assert.Equal(t, expected, pk)

	evt := &nostr.Event{Kind: nostr.KindTextNote, Content: "hi", CreatedAt: nostr.Now()}
	require.NoError(t, signer.SignEvent(context.Background(), evt))
	assert.NotEmpty(t, evt.ID)
	assert.NotEmpty(t, evt.Sig)

	valid, err := evt.CheckSignature()
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestBuildAuthEventBindsChallengeAndRelay(t *testing.T) {
	signer, err := NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	handler := newAuthHandler("wss://relay.example.com", signer)

	evt, err := handler.buildAuthEvent(context.Background(), "challenge-123")
	require.NoError(t, err)

	assert.Equal(t, nostr.KindClientAuthentication, evt.Kind)
	assert.Equal(t, "challenge-123", evt.Tags.GetFirst([]string{"challenge"}).Value())
	assert.Equal(t, "wss://relay.example.com", evt.Tags.GetFirst([]string{"relay"}).Value())
	assert.NotEmpty(t, evt.Sig)
}

func TestBuildAuthEventWithoutSigner(t *testing.T) {
	handler := newAuthHandler("wss://relay.example.com", nil)
	_, err := handler.buildAuthEvent(context.Background(), "challenge")
	assert.ErrorIs(t, err, ErrNoSigner)
}
