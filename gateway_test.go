package custodian

import (
	"context"
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/nbd-wtf/custodian/permission"
	"github.com/nbd-wtf/custodian/store/memory"
)

// countingSigner wraps a real signer and counts signature operations, so
// tests can assert the signer was never reached.
type countingSigner struct {
	Signer
	signs int
}

func (c *countingSigner) SignEvent(ctx context.Context, evt *nostr.Event) error {
	c.signs++
	return c.Signer.SignEvent(ctx, evt)
}

type fakeOpener struct {
	requests []string
	windows  []string
	fail     bool
}

func (f *fakeOpener) OpenDialog(requestID string) (string, error) {
	if f.fail {
		return "", ErrNoDialog
	}
	f.requests = append(f.requests, requestID)
	windowID := fmt.Sprintf("window-%d", len(f.windows))
	f.windows = append(f.windows, windowID)
	return windowID, nil
}

type fakeHistory struct {
	entries []HistoryEntry
}

func (f *fakeHistory) Append(e HistoryEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

type gatewayFixture struct {
	gw     *Gateway
	signer *countingSigner
	perms  *permission.Store
	kv     *memory.Store
	opener *fakeOpener
	hist   *fakeHistory
}

func newFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	ks, err := NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	kv := memory.NewStore()
	signer := &countingSigner{Signer: ks}
	perms := permission.NewStore(kv)
	opener := &fakeOpener{}
	hist := &fakeHistory{}

	gw := NewGateway(GatewayOptions{
		Signer:      signer,
		Permissions: perms,
		KV:          kv,
		History:     hist,
		Dialogs:     opener,
		Relays: map[string]RelayReadWrite{
			"wss://relay.example.com": {Read: true, Write: true},
		},
	})
	return &gatewayFixture{gw: gw, signer: signer, perms: perms, kv: kv, opener: opener, hist: hist}
}

func validEventJSON() []byte {
	return []byte(fmt.Sprintf(`{"kind":1,"created_at":%d,"tags":[],"content":"hello"}`, nostr.Now()))
}

func signEventRequest(domain string, event []byte) Request {
	return Request{
		Type:   SignEvent,
		Domain: domain,
		Origin: "https://" + domain,
		Params: []byte(fmt.Sprintf(`{"event":%s}`, event)),
	}
}

func dispatch(gw *Gateway, req Request) *[]Response {
	replies := &[]Response{}
	gw.Dispatch(context.Background(), req, func(r Response) { *replies = append(*replies, r) })
	return replies
}

func TestGetPublicKey(t *testing.T) {
	f := newFixture(t)

	replies := dispatch(f.gw, Request{Type: GetPublicKey})
	require.Len(t, *replies, 1)
	require.Empty(t, (*replies)[0].Error)
	require.Len(t, (*replies)[0].Result, 64)
}

func TestNotLoggedIn(t *testing.T) {
	f := newFixture(t)
	f.gw.signer = nil

	for _, rt := range []RequestType{GetPublicKey, SignEvent, Nip04Encrypt, Nip04Decrypt, Nip17Encrypt, Nip17Decrypt} {
		replies := dispatch(f.gw, Request{Type: rt, Params: []byte(`{}`)})
		require.Len(t, *replies, 1, "type %s", rt)
		require.Equal(t, ErrNotLoggedIn.Error(), (*replies)[0].Error, "type %s", rt)
	}
}

func TestGetRelays(t *testing.T) {
	f := newFixture(t)

	replies := dispatch(f.gw, Request{Type: GetRelays})
	require.Len(t, *replies, 1)
	relays, ok := (*replies)[0].Result.(map[string]RelayReadWrite)
	require.True(t, ok)
	require.Equal(t, RelayReadWrite{Read: true, Write: true}, relays["wss://relay.example.com"])
}

func TestDeniedDomainAutoRejects(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.perms.Upsert("evil.example", permission.Denied, nil))

	replies := dispatch(f.gw, signEventRequest("evil.example", validEventJSON()))

	// one synchronous rejection, indistinguishable from a human reject
	require.Len(t, *replies, 1)
	require.Equal(t, "User rejected", (*replies)[0].Error)

	// no dialog, no signature, no history
	require.Empty(t, f.opener.requests)
	require.Zero(t, f.signer.signs)
	require.Empty(t, f.hist.entries)
}

func TestAllowedDomainAutoSigns(t *testing.T) {
	f := newFixture(t)
	future := nostr.Now() + 60
	require.NoError(t, f.perms.Upsert("trusted.example", permission.Allowed, &future))

	replies := dispatch(f.gw, signEventRequest("trusted.example", validEventJSON()))
	require.Len(t, *replies, 1)
	require.Empty(t, (*replies)[0].Error)

	evt, ok := (*replies)[0].Result.(*nostr.Event)
	require.True(t, ok)
	require.NotEmpty(t, evt.Sig)
	require.NotEmpty(t, evt.ID)
	require.Empty(t, f.opener.requests)

	require.Len(t, f.hist.entries, 1)
	require.Equal(t, "trusted.example", f.hist.entries[0].Domain)
	require.Equal(t, 1, f.hist.entries[0].EventKind)
	require.Equal(t, evt.ID, f.hist.entries[0].EventID)
}

func TestExpiredPermissionOpensDialog(t *testing.T) {
	f := newFixture(t)
	past := nostr.Now() - 1
	require.NoError(t, f.perms.Upsert("trusted.example", permission.Allowed, &past))

	replies := dispatch(f.gw, signEventRequest("trusted.example", validEventJSON()))

	// the expired grant is treated as no decision at all
	require.Empty(t, *replies)
	require.Len(t, f.opener.requests, 1)
	require.Zero(t, f.signer.signs)
}

func TestMalformedEventBeatsPermission(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.perms.Upsert("trusted.example", permission.Allowed, nil))

	stale := []byte(fmt.Sprintf(`{"kind":1,"created_at":%d,"tags":[],"content":""}`, nostr.Now()-7200))
	replies := dispatch(f.gw, signEventRequest("trusted.example", stale))

	require.Len(t, *replies, 1)
	require.Contains(t, (*replies)[0].Error, "created_at")
	require.Zero(t, f.signer.signs)
	require.Empty(t, f.opener.requests)
	require.Empty(t, f.hist.entries)
}

func TestApprovalFlowWithTimedScope(t *testing.T) {
	f := newFixture(t)

	replies := dispatch(f.gw, signEventRequest("new.example", validEventJSON()))
	require.Empty(t, *replies)
	require.Len(t, f.opener.requests, 1)
	requestID := f.opener.requests[0]

	// the payload the approval surface will fetch is persisted
	raw, err := f.kv.Get(signRequestKey(requestID))
	require.NoError(t, err)
	require.NotNil(t, raw)

	fetch := dispatch(f.gw, Request{
		Type:   GetSignRequest,
		Params: []byte(fmt.Sprintf(`{"requestId":%q}`, requestID)),
	})
	require.Len(t, *fetch, 1)
	payload, ok := (*fetch)[0].Result.(SignRequestPayload)
	require.True(t, ok)
	require.Equal(t, "new.example", payload.Domain)

	// operator clicks "allow for 15 minutes"
	ack := dispatch(f.gw, Request{
		Type:   DialogResponse,
		Params: []byte(fmt.Sprintf(`{"requestId":%q,"approved":true,"scopeMinutes":15}`, requestID)),
	})
	require.Len(t, *ack, 1)
	require.Empty(t, (*ack)[0].Error)

	// the original caller got its signed event
	require.Len(t, *replies, 1)
	evt, ok := (*replies)[0].Result.(*nostr.Event)
	require.True(t, ok)
	require.NotEmpty(t, evt.Sig)

	// the transient payload is gone and nothing is pending
	raw, err = f.kv.Get(signRequestKey(requestID))
	require.NoError(t, err)
	require.Nil(t, raw)
	require.Zero(t, f.gw.PendingCount())

	// a second request within the window auto-signs without a dialog
	replies2 := dispatch(f.gw, signEventRequest("new.example", validEventJSON()))
	require.Len(t, *replies2, 1)
	require.Empty(t, (*replies2)[0].Error)
	require.Len(t, f.opener.requests, 1)
}

func TestApprovalRejectedOnce(t *testing.T) {
	f := newFixture(t)

	replies := dispatch(f.gw, signEventRequest("new.example", validEventJSON()))
	requestID := f.opener.requests[0]

	dispatch(f.gw, Request{
		Type:   DialogResponse,
		Params: []byte(fmt.Sprintf(`{"requestId":%q,"approved":false,"scopeMinutes":0}`, requestID)),
	})

	require.Len(t, *replies, 1)
	require.Equal(t, "User rejected", (*replies)[0].Error)
	require.Zero(t, f.signer.signs)

	// "just this once" stores nothing
	d, err := f.perms.Get("new.example")
	require.NoError(t, err)
	require.Equal(t, permission.Unknown, d)
}

func TestPermanentDenyStored(t *testing.T) {
	f := newFixture(t)

	dispatch(f.gw, signEventRequest("shady.example", validEventJSON()))
	requestID := f.opener.requests[0]

	dispatch(f.gw, Request{
		Type:   DialogResponse,
		Params: []byte(fmt.Sprintf(`{"requestId":%q,"approved":false,"scopeMinutes":-1}`, requestID)),
	})

	d, err := f.perms.Get("shady.example")
	require.NoError(t, err)
	require.Equal(t, permission.Denied, d)

	// and from now on requests are rejected without a dialog
	replies := dispatch(f.gw, signEventRequest("shady.example", validEventJSON()))
	require.Len(t, *replies, 1)
	require.Equal(t, "User rejected", (*replies)[0].Error)
	require.Len(t, f.opener.requests, 1)
}

func TestWindowAbandonment(t *testing.T) {
	f := newFixture(t)

	replies := dispatch(f.gw, signEventRequest("new.example", validEventJSON()))
	require.Len(t, f.opener.windows, 1)
	requestID := f.opener.requests[0]
	windowID := f.opener.windows[0]

	f.gw.WindowClosed(windowID)

	require.Len(t, *replies, 1)
	require.Equal(t, "User closed dialog", (*replies)[0].Error)
	require.Zero(t, f.gw.PendingCount())

	raw, err := f.kv.Get(signRequestKey(requestID))
	require.NoError(t, err)
	require.Nil(t, raw)

	// closing again is a no-op
	f.gw.WindowClosed(windowID)
	require.Len(t, *replies, 1)
}

func TestDialogResponseRacingWindowClose(t *testing.T) {
	f := newFixture(t)

	replies := dispatch(f.gw, signEventRequest("new.example", validEventJSON()))
	requestID := f.opener.requests[0]
	windowID := f.opener.windows[0]

	dispatch(f.gw, Request{
		Type:   DialogResponse,
		Params: []byte(fmt.Sprintf(`{"requestId":%q,"approved":true,"scopeMinutes":0}`, requestID)),
	})
	// the window close that follows the click must not resolve again
	f.gw.WindowClosed(windowID)

	require.Len(t, *replies, 1)
	require.Empty(t, (*replies)[0].Error)
}

// answeringOpener adjudicates the request before OpenDialog even returns,
// like an operator clicking faster than the window bookkeeping.
type answeringOpener struct {
	gw       *Gateway
	requests []string
}

func (o *answeringOpener) OpenDialog(requestID string) (string, error) {
	o.requests = append(o.requests, requestID)
	dispatch(o.gw, Request{
		Type:   DialogResponse,
		Params: []byte(fmt.Sprintf(`{"requestId":%q,"approved":true,"scopeMinutes":0}`, requestID)),
	})
	return "window-early", nil
}

func TestDialogAnsweredBeforeOpenReturns(t *testing.T) {
	ks, err := NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	kv := memory.NewStore()
	opener := &answeringOpener{}
	gw := NewGateway(GatewayOptions{
		Signer:      ks,
		Permissions: permission.NewStore(kv),
		KV:          kv,
		Dialogs:     opener,
	})
	opener.gw = gw

	replies := dispatch(gw, signEventRequest("fast.example", validEventJSON()))

	// the caller got its signed event
	require.Len(t, *replies, 1)
	require.Empty(t, (*replies)[0].Error)
	require.Zero(t, gw.PendingCount())

	// and the window that raced the answer is not left tracked
	_, tracked := gw.windows.takeWindow("window-early")
	require.False(t, tracked)
}

func TestDialogResponseForUnknownRequest(t *testing.T) {
	f := newFixture(t)

	ack := dispatch(f.gw, Request{
		Type:   DialogResponse,
		Params: []byte(`{"requestId":"never-existed","approved":true,"scopeMinutes":0}`),
	})
	require.Len(t, *ack, 1)
	require.Empty(t, (*ack)[0].Error)
}

func TestDialogResponseCarryingError(t *testing.T) {
	f := newFixture(t)

	replies := dispatch(f.gw, signEventRequest("new.example", validEventJSON()))
	requestID := f.opener.requests[0]

	// the approval surface re-validated and found the event malformed
	dispatch(f.gw, Request{
		Type: DialogResponse,
		Params: []byte(fmt.Sprintf(
			`{"requestId":%q,"approved":false,"scopeMinutes":0,"error":"invalid event: oops"}`, requestID)),
	})

	require.Len(t, *replies, 1)
	require.Equal(t, "invalid event: oops", (*replies)[0].Error)
}

func TestNoDialogOpenerAvailable(t *testing.T) {
	f := newFixture(t)
	f.opener.fail = true

	replies := dispatch(f.gw, signEventRequest("new.example", validEventJSON()))
	require.Len(t, *replies, 1)
	require.Equal(t, ErrNoDialog.Error(), (*replies)[0].Error)
	require.Zero(t, f.gw.PendingCount())
}

func TestUnknownRequestType(t *testing.T) {
	f := newFixture(t)

	replies := dispatch(f.gw, Request{Type: "make_coffee"})
	require.Len(t, *replies, 1)
	require.Contains(t, (*replies)[0].Error, "unknown request type")
}

func TestMissingDomainCoercedToUnknown(t *testing.T) {
	f := newFixture(t)

	dispatch(f.gw, Request{Type: SignEvent, Params: []byte(fmt.Sprintf(`{"event":%s}`, validEventJSON()))})
	require.Len(t, f.opener.requests, 1)

	raw, err := f.kv.Get(signRequestKey(f.opener.requests[0]))
	require.NoError(t, err)
	var payload SignRequestPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Equal(t, "unknown", payload.Domain)
	require.Equal(t, "unknown", payload.Origin)
}

func TestHistoryDisabledBySettings(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, SaveSettings(f.kv, Settings{HistoryEnabled: false, NotificationsEnabled: false}))
	require.NoError(t, f.perms.Upsert("trusted.example", permission.Allowed, nil))

	replies := dispatch(f.gw, signEventRequest("trusted.example", validEventJSON()))
	require.Len(t, *replies, 1)
	require.Empty(t, (*replies)[0].Error)
	require.Empty(t, f.hist.entries)
}

func TestConcurrentApprovals(t *testing.T) {
	f := newFixture(t)

	// two origins suspended at once, each independently resolvable
	repliesA := dispatch(f.gw, signEventRequest("a.example", validEventJSON()))
	repliesB := dispatch(f.gw, signEventRequest("b.example", validEventJSON()))
	require.Equal(t, 2, f.gw.PendingCount())

	// the later one resolves first; no ordering guarantee across dialogs
	dispatch(f.gw, Request{
		Type:   DialogResponse,
		Params: []byte(fmt.Sprintf(`{"requestId":%q,"approved":true,"scopeMinutes":0}`, f.opener.requests[1])),
	})
	require.Len(t, *repliesB, 1)
	require.Empty(t, *repliesA)

	f.gw.WindowClosed(f.opener.windows[0])
	require.Len(t, *repliesA, 1)
	require.Equal(t, "User closed dialog", (*repliesA)[0].Error)
}
