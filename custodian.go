// Package custodian implements a NIP-07-style key custodian: a gateway that
// holds a single nostr identity and mediates signing and encryption requests
// from untrusted origins, enforcing a per-domain trust policy with optional
// interactive approval by the operator.
//
// The gateway never hands the secret key to callers. Each request is either
// answered directly (public key, relays), auto-resolved from a stored
// permission, or suspended until the operator approves or rejects it through
// an approval surface that is correlated back by an opaque request id.
package custodian

import (
	"context"
	"errors"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Error messages surfaced to callers. Auto-denial from a stored "deny"
// permission and an explicit rejection by the operator both produce
// ErrUserRejected, so a denied site cannot tell which one it hit.
var (
	ErrNotLoggedIn  = errors.New("no private key found")
	ErrUserRejected = errors.New("User rejected")
	ErrDialogClosed = errors.New("User closed dialog")
	ErrNoDialog     = errors.New("no approval surface available")
)

// MalformedEventError accumulates every structural defect found in an event
// submitted for signing, so the caller sees all of them at once.
type MalformedEventError struct {
	Reasons []string
}

func (e MalformedEventError) Error() string {
	return "invalid event: " + strings.Join(e.Reasons, "; ")
}

// WrappedMessage is one recipient's share of a NIP-17 encryption: the
// gift-wrap event, serialized, that only this recipient can open.
type WrappedMessage struct {
	PubKey     string `json:"pubkey"`
	Ciphertext string `json:"ciphertext"`
}

// Signer is the cryptographic capability the gateway delegates to. It is the
// only component that ever touches the secret key.
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, evt *nostr.Event) error

	Encrypt04(ctx context.Context, thirdPartyPubkey string, plaintext string) (string, error)
	Decrypt04(ctx context.Context, thirdPartyPubkey string, ciphertext string) (string, error)

	Encrypt17(ctx context.Context, recipients []string, plaintext string) ([]WrappedMessage, error)
	Decrypt17(ctx context.Context, senderPubkey string, wrap string) (string, error)
}

// RelayReadWrite is the per-relay capability pair returned by get_relays.
type RelayReadWrite struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// HistoryEntry records one successful signature.
type HistoryEntry struct {
	Domain    string          `json:"domain" db:"domain"`
	EventKind int             `json:"event_kind" db:"event_kind"`
	EventID   string          `json:"event_id" db:"event_id"`
	CreatedAt nostr.Timestamp `json:"created_at" db:"created_at"`
}

// History receives a HistoryEntry after every signature. Failures are logged
// and otherwise ignored: history is a side channel, never a reason to fail
// the signing response.
type History interface {
	Append(entry HistoryEntry) error
}

// Notifier is told about every auto-signed event so the host can surface a
// passive notification. Best-effort, like History.
type Notifier interface {
	Notify(domain string, evt *nostr.Event)
}

// DialogOpener presents an approval surface for a pending request. The
// surface receives only the opaque request id; it fetches the payload
// through the gateway. The returned window id is fed back to
// Gateway.WindowClosed when the surface goes away without answering.
type DialogOpener interface {
	OpenDialog(requestID string) (windowID string, err error)
}
