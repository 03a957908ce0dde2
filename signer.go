package custodian

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/nbd-wtf/go-nostr/nip59"
	"github.com/puzpuzpuz/xsync/v3"
)

var _ Signer = (*KeySigner)(nil)

// KeySigner holds the secret key in memory and performs every operation
// locally.
type KeySigner struct {
	sk string
	pk string

	// nip04 shared secrets are cached per counterparty
	sharedKeys *xsync.MapOf[string, []byte]
}

// NewKeySigner accepts an nsec or a hex secret key. Short hex keys are
// left-padded with zeroes, like '01' becoming the full 64-character key.
func NewKeySigner(input string) (*KeySigner, error) {
	var sk string

	if strings.HasPrefix(input, "nsec") {
		prefix, value, err := nip19.Decode(input)
		if err != nil || prefix != "nsec" {
			return nil, fmt.Errorf("invalid nsec key: %w", err)
		}
		sk = value.(string)
	} else if _, err := hex.DecodeString(input); err == nil && len(input) <= 64 {
		sk = strings.Repeat("0", 64-len(input)) + input
	} else {
		return nil, fmt.Errorf("unsupported secret key format")
	}

	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &KeySigner{
		sk:         sk,
		pk:         pk,
		sharedKeys: xsync.NewMapOf[string, []byte](),
	}, nil
}

func (ks *KeySigner) GetPublicKey(ctx context.Context) (string, error) { return ks.pk, nil }

func (ks *KeySigner) SignEvent(ctx context.Context, evt *nostr.Event) error {
	return evt.Sign(ks.sk)
}

func (ks *KeySigner) sharedKey(thirdPartyPubkey string) ([]byte, error) {
	if sk, ok := ks.sharedKeys.Load(thirdPartyPubkey); ok {
		return sk, nil
	}
	sk, err := nip04.ComputeSharedSecret(thirdPartyPubkey, ks.sk)
	if err != nil {
		return nil, err
	}
	ks.sharedKeys.Store(thirdPartyPubkey, sk)
	return sk, nil
}

func (ks *KeySigner) Encrypt04(ctx context.Context, thirdPartyPubkey string, plaintext string) (string, error) {
	sk, err := ks.sharedKey(thirdPartyPubkey)
	if err != nil {
		return "", err
	}
	return nip04.Encrypt(plaintext, sk)
}

func (ks *KeySigner) Decrypt04(ctx context.Context, thirdPartyPubkey string, ciphertext string) (string, error) {
	sk, err := ks.sharedKey(thirdPartyPubkey)
	if err != nil {
		return "", err
	}
	return nip04.Decrypt(ciphertext, sk)
}

// Encrypt17 builds an unsigned kind-14 rumor carrying plaintext and gift
// wraps it once per recipient, so each recipient gets a wrap only they can
// open.
func (ks *KeySigner) Encrypt17(ctx context.Context, recipients []string, plaintext string) ([]WrappedMessage, error) {
	tags := make(nostr.Tags, 0, len(recipients))
	for _, r := range recipients {
		tags = append(tags, nostr.Tag{"p", r})
	}

	rumor := nostr.Event{
		Kind:      14,
		Content:   plaintext,
		Tags:      tags,
		CreatedAt: nostr.Now(),
		PubKey:    ks.pk,
	}
	rumor.ID = rumor.GetID()

	wraps := make([]WrappedMessage, 0, len(recipients))
	for _, recipient := range recipients {
		gw, err := nip59.GiftWrap(
			rumor,
			recipient,
			func(plaintext string) (string, error) {
				ck, err := nip44.GenerateConversationKey(recipient, ks.sk)
				if err != nil {
					return "", err
				}
				return nip44.Encrypt(plaintext, ck)
			},
			func(evt *nostr.Event) error { return evt.Sign(ks.sk) },
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap for %s: %w", recipient, err)
		}
		wraps = append(wraps, WrappedMessage{PubKey: recipient, Ciphertext: gw.String()})
	}
	return wraps, nil
}

// Decrypt17 unwraps a serialized gift-wrap event addressed to us and returns
// the rumor's content. When senderPubkey is given, the unwrapped rumor must
// actually come from that key.
func (ks *KeySigner) Decrypt17(ctx context.Context, senderPubkey string, wrap string) (string, error) {
	var gw nostr.Event
	if err := easyjson.Unmarshal([]byte(wrap), &gw); err != nil {
		return "", fmt.Errorf("ciphertext is not a gift-wrap event: %w", err)
	}

	rumor, err := nip59.GiftUnwrap(gw, func(otherpubkey, ciphertext string) (string, error) {
		ck, err := nip44.GenerateConversationKey(otherpubkey, ks.sk)
		if err != nil {
			return "", err
		}
		return nip44.Decrypt(ciphertext, ck)
	})
	if err != nil {
		return "", err
	}

	if senderPubkey != "" && rumor.PubKey != senderPubkey {
		return "", fmt.Errorf("message author %s does not match expected sender %s", rumor.PubKey, senderPubkey)
	}
	return rumor.Content, nil
}
