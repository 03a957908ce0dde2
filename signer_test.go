package custodian

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

func TestNewKeySignerInputs(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	ks, err := NewKeySigner(sk)
	require.NoError(t, err)
	got, err := ks.GetPublicKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, pk, got)

	// short hex keys are left-padded
	ks, err = NewKeySigner("01")
	require.NoError(t, err)
	got, err = ks.GetPublicKey(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 64)

	_, err = NewKeySigner("definitely not a key")
	require.Error(t, err)
}

func TestKeySignerSignEvent(t *testing.T) {
	ks, err := NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	evt := nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{},
		Content:   "hello",
	}
	require.NoError(t, ks.SignEvent(context.Background(), &evt))
	require.NotEmpty(t, evt.ID)
	require.NotEmpty(t, evt.Sig)

	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNip04RoundTrip(t *testing.T) {
	ctx := context.Background()

	alice, err := NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	bob, err := NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	alicePub, _ := alice.GetPublicKey(ctx)
	bobPub, _ := bob.GetPublicKey(ctx)

	ciphertext, err := alice.Encrypt04(ctx, bobPub, "secret message")
	require.NoError(t, err)
	require.NotEqual(t, "secret message", ciphertext)

	plaintext, err := bob.Decrypt04(ctx, alicePub, ciphertext)
	require.NoError(t, err)
	require.Equal(t, "secret message", plaintext)
}

func TestNip17RoundTrip(t *testing.T) {
	ctx := context.Background()

	alice, err := NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	bob, err := NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	carol, err := NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	alicePub, _ := alice.GetPublicKey(ctx)
	bobPub, _ := bob.GetPublicKey(ctx)
	carolPub, _ := carol.GetPublicKey(ctx)

	wraps, err := alice.Encrypt17(ctx, []string{bobPub, carolPub}, "group secret")
	require.NoError(t, err)
	require.Len(t, wraps, 2)
	require.Equal(t, bobPub, wraps[0].PubKey)
	require.Equal(t, carolPub, wraps[1].PubKey)

	plaintext, err := bob.Decrypt17(ctx, alicePub, wraps[0].Ciphertext)
	require.NoError(t, err)
	require.Equal(t, "group secret", plaintext)

	plaintext, err = carol.Decrypt17(ctx, alicePub, wraps[1].Ciphertext)
	require.NoError(t, err)
	require.Equal(t, "group secret", plaintext)

	// bob cannot open carol's wrap
	_, err = bob.Decrypt17(ctx, alicePub, wraps[1].Ciphertext)
	require.Error(t, err)
}

func TestNip17SenderMismatch(t *testing.T) {
	ctx := context.Background()

	alice, _ := NewKeySigner(nostr.GeneratePrivateKey())
	bob, _ := NewKeySigner(nostr.GeneratePrivateKey())
	mallory, _ := NewKeySigner(nostr.GeneratePrivateKey())

	bobPub, _ := bob.GetPublicKey(ctx)
	malloryPub, _ := mallory.GetPublicKey(ctx)

	wraps, err := alice.Encrypt17(ctx, []string{bobPub}, "hi")
	require.NoError(t, err)

	_, err = bob.Decrypt17(ctx, malloryPub, wraps[0].Ciphertext)
	require.ErrorContains(t, err, "does not match expected sender")
}
