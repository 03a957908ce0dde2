package custodian

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nbd-wtf/custodian/permission"
	"github.com/nbd-wtf/custodian/store"
)

// GatewayOptions wires the gateway's collaborators. Signer may be nil, in
// which case every identity-requiring request fails with ErrNotLoggedIn.
// History, Notifier and Dialogs may be nil to disable those paths.
type GatewayOptions struct {
	Signer      Signer
	Permissions *permission.Store
	KV          store.KV
	History     History
	Notifier    Notifier
	Dialogs     DialogOpener
	Relays      map[string]RelayReadWrite
}

// Gateway mediates between untrusted callers and the Signer. Exactly one
// reply is produced for every dispatched request, including on panics, on
// permission auto-denial, and when an approval window is abandoned.
type Gateway struct {
	signer   Signer
	perms    *permission.Store
	kv       store.KV
	history  History
	notifier Notifier
	dialogs  DialogOpener
	relays   map[string]RelayReadWrite

	pending *pendingTable
	windows *windowTracker
}

func NewGateway(opts GatewayOptions) *Gateway {
	return &Gateway{
		signer:   opts.Signer,
		perms:    opts.Permissions,
		kv:       opts.KV,
		history:  opts.History,
		notifier: opts.Notifier,
		dialogs:  opts.Dialogs,
		relays:   opts.Relays,
		pending:  newPendingTable(),
		windows:  newWindowTracker(),
	}
}

// SignRequestPayload is what the approval surface fetches for a pending
// request: enough to render the event and name the requester, keyed only by
// the opaque request id so nothing sensitive travels in a URL.
type SignRequestPayload struct {
	Event  stdjson.RawMessage `json:"event"`
	Domain string             `json:"domain"`
	Origin string             `json:"origin"`
}

func signRequestKey(requestID string) []byte {
	return []byte("sign_request_" + requestID)
}

// replyOnce guards the caller's reply callback so that no code path, not
// even a panic recovery racing a dialog resolution, can answer twice.
type replyOnce struct {
	once sync.Once
	fn   func(Response)
}

func (r *replyOnce) send(resp Response) {
	r.once.Do(func() { r.fn(resp) })
}

// Dispatch handles one inbound request and guarantees reply is invoked
// exactly once, now or when the operator eventually adjudicates. Callers
// whose request suspends for approval get no reply until the approval
// surface answers or its window closes.
func (g *Gateway) Dispatch(ctx context.Context, req Request, reply func(Response)) {
	r := &replyOnce{fn: reply}
	defer func() {
		if rec := recover(); rec != nil {
			InfoLogger.Printf("panic while handling %s: %v", req.Type, rec)
			r.send(Response{Error: fmt.Sprintf("internal error: %v", rec)})
		}
	}()

	domain := req.Domain
	if domain == "" {
		domain = "unknown"
	}
	origin := req.Origin
	if origin == "" {
		origin = "unknown"
	}

	switch req.Type {
	case GetPublicKey:
		if g.signer == nil {
			r.send(errorResponse(ErrNotLoggedIn))
			return
		}
		pk, err := g.signer.GetPublicKey(ctx)
		if err != nil {
			r.send(errorResponse(err))
			return
		}
		r.send(Response{Result: pk})

	case SignEvent:
		g.handleSignEvent(ctx, domain, origin, req.Params, r)

	case GetRelays:
		relays := g.relays
		if relays == nil {
			relays = map[string]RelayReadWrite{}
		}
		r.send(Response{Result: relays})

	case Nip04Encrypt:
		if g.signer == nil {
			r.send(errorResponse(ErrNotLoggedIn))
			return
		}
		var p nip04EncryptParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			r.send(Response{Error: fmt.Sprintf("invalid nip04_encrypt params: %s", err)})
			return
		}
		ciphertext, err := g.signer.Encrypt04(ctx, p.Pubkey, p.Plaintext)
		if err != nil {
			r.send(errorResponse(err))
			return
		}
		r.send(Response{Result: ciphertext})

	case Nip04Decrypt:
		if g.signer == nil {
			r.send(errorResponse(ErrNotLoggedIn))
			return
		}
		var p nip04DecryptParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			r.send(Response{Error: fmt.Sprintf("invalid nip04_decrypt params: %s", err)})
			return
		}
		plaintext, err := g.signer.Decrypt04(ctx, p.Pubkey, p.Ciphertext)
		if err != nil {
			r.send(errorResponse(err))
			return
		}
		r.send(Response{Result: plaintext})

	case Nip17Encrypt:
		if g.signer == nil {
			r.send(errorResponse(ErrNotLoggedIn))
			return
		}
		var p nip17EncryptParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			r.send(Response{Error: fmt.Sprintf("invalid nip17_encrypt params: %s", err)})
			return
		}
		wraps, err := g.signer.Encrypt17(ctx, p.Recipients, p.Plaintext)
		if err != nil {
			r.send(errorResponse(err))
			return
		}
		r.send(Response{Result: wraps})

	case Nip17Decrypt:
		if g.signer == nil {
			r.send(errorResponse(ErrNotLoggedIn))
			return
		}
		var p nip17DecryptParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			r.send(Response{Error: fmt.Sprintf("invalid nip17_decrypt params: %s", err)})
			return
		}
		plaintext, err := g.signer.Decrypt17(ctx, p.SenderPubkey, p.Ciphertext)
		if err != nil {
			r.send(errorResponse(err))
			return
		}
		r.send(Response{Result: plaintext})

	case GetSignRequest:
		g.handleGetSignRequest(req.Params, r)

	case DialogResponse:
		g.handleDialogResponse(ctx, req.Params, r)

	default:
		r.send(Response{Error: fmt.Sprintf("unknown request type '%s'", req.Type)})
	}
}

func (g *Gateway) handleSignEvent(ctx context.Context, domain, origin string, params stdjson.RawMessage, r *replyOnce) {
	if g.signer == nil {
		r.send(errorResponse(ErrNotLoggedIn))
		return
	}

	var p signEventParams
	if err := json.Unmarshal(params, &p); err != nil {
		r.send(Response{Error: fmt.Sprintf("invalid sign_event params: %s", err)})
		return
	}

	// validation comes before the permission check: a malformed event is
	// refused even from an allowed domain and never reaches the signer
	if reasons := ValidateEventJSON(p.Event, nostr.Now()); len(reasons) > 0 {
		r.send(errorResponse(MalformedEventError{Reasons: reasons}))
		return
	}

	decision, err := g.perms.Get(domain)
	if err != nil {
		// a broken permission read falls back to asking the operator
		InfoLogger.Printf("failed to read permission for %s: %s", domain, err)
		decision = permission.Unknown
	}

	switch decision {
	case permission.Denied:
		r.send(errorResponse(ErrUserRejected))
	case permission.Allowed:
		g.signNow(ctx, domain, p.Event, r.send)
	default:
		g.awaitApproval(domain, origin, p.Event, r)
	}
}

func (g *Gateway) signNow(ctx context.Context, domain string, raw []byte, resolve func(Response)) {
	var evt nostr.Event
	if err := easyjson.Unmarshal(raw, &evt); err != nil {
		resolve(Response{Error: fmt.Sprintf("failed to decode event: %s", err)})
		return
	}
	if err := g.signer.SignEvent(ctx, &evt); err != nil {
		resolve(errorResponse(err))
		return
	}
	g.recordSignature(domain, &evt)
	resolve(Response{Result: &evt})
}

// recordSignature feeds the history and notification side channels. Both
// are best-effort: their failures are logged and never affect the reply.
func (g *Gateway) recordSignature(domain string, evt *nostr.Event) {
	settings := LoadSettings(g.kv)
	if g.history != nil && settings.HistoryEnabled {
		if err := g.history.Append(HistoryEntry{
			Domain:    domain,
			EventKind: evt.Kind,
			EventID:   evt.ID,
			CreatedAt: nostr.Now(),
		}); err != nil {
			InfoLogger.Printf("failed to record signature for %s: %s", domain, err)
		}
	}
	if g.notifier != nil && settings.NotificationsEnabled {
		g.notifier.Notify(domain, evt)
	}
}

func (g *Gateway) awaitApproval(domain, origin string, raw []byte, r *replyOnce) {
	if g.dialogs == nil {
		r.send(errorResponse(ErrNoDialog))
		return
	}

	requestID := uuid.NewString()

	payload, err := json.Marshal(SignRequestPayload{Event: raw, Domain: domain, Origin: origin})
	if err != nil {
		r.send(errorResponse(err))
		return
	}
	if err := g.kv.Set(signRequestKey(requestID), payload); err != nil {
		r.send(Response{Error: fmt.Sprintf("failed to persist pending request: %s", err)})
		return
	}

	p := &pendingRequest{
		id:     requestID,
		domain: domain,
		origin: origin,
		event:  raw,
		reply:  r.send,
	}
	g.pending.add(p)

	windowID, err := g.dialogs.OpenDialog(requestID)
	if err != nil {
		g.pending.take(requestID)
		g.kv.Delete(signRequestKey(requestID))
		p.resolve(errorResponse(err))
		return
	}
	g.windows.track(windowID, requestID)

	// the dialog may have answered before OpenDialog even returned, in
	// which case untracking by request id found nothing; don't leave the
	// stale window behind
	if _, ok := g.pending.get(requestID); !ok {
		g.windows.takeWindow(windowID)
	}
}

func (g *Gateway) handleGetSignRequest(params stdjson.RawMessage, r *replyOnce) {
	var p getSignRequestParams
	if err := json.Unmarshal(params, &p); err != nil {
		r.send(Response{Error: fmt.Sprintf("invalid get_sign_request params: %s", err)})
		return
	}

	raw, err := g.kv.Get(signRequestKey(p.RequestID))
	if err != nil || raw == nil {
		r.send(Response{Error: fmt.Sprintf("no pending request '%s'", p.RequestID)})
		return
	}

	var payload SignRequestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		r.send(errorResponse(err))
		return
	}
	r.send(Response{Result: payload})
}

// handleDialogResponse settles a pending request with the operator's
// verdict. An unknown request id is a no-op: the request may already have
// been resolved by a window close racing the click.
func (g *Gateway) handleDialogResponse(ctx context.Context, params stdjson.RawMessage, r *replyOnce) {
	var p dialogResponseParams
	if err := json.Unmarshal(params, &p); err != nil {
		r.send(Response{Error: fmt.Sprintf("invalid dialog_response params: %s", err)})
		return
	}

	pr, ok := g.pending.take(p.RequestID)
	if !ok {
		r.send(Response{Result: "ok"})
		return
	}

	g.windows.dropRequest(p.RequestID)
	g.kv.Delete(signRequestKey(p.RequestID))

	// the decision is remembered before it is acted on, so a crash between
	// the two leaves the stricter state (stored decision, unanswered caller)
	if p.ScopeMinutes != 0 {
		decision := permission.Denied
		if p.Approved {
			decision = permission.Allowed
		}
		var expiresAt *nostr.Timestamp
		if p.ScopeMinutes > 0 {
			t := nostr.Now() + nostr.Timestamp(p.ScopeMinutes*60)
			expiresAt = &t
		}
		if err := g.perms.Upsert(pr.domain, decision, expiresAt); err != nil {
			InfoLogger.Printf("failed to store permission for %s: %s", pr.domain, err)
		}
	}

	switch {
	case p.Approved:
		g.signNow(ctx, pr.domain, pr.event, pr.resolve)
	case p.Error != "":
		// e.g. the approval surface re-validated the event and found it
		// malformed; its message is passed through
		pr.resolve(Response{Error: p.Error})
	default:
		pr.resolve(errorResponse(ErrUserRejected))
	}

	r.send(Response{Result: "ok"})
}

// WindowClosed tells the gateway an approval window went away through any
// path other than a dialog response. If its request is still pending the
// caller is answered with ErrDialogClosed; otherwise this is a no-op.
func (g *Gateway) WindowClosed(windowID string) {
	requestID, ok := g.windows.takeWindow(windowID)
	if !ok {
		return
	}
	pr, ok := g.pending.take(requestID)
	if !ok {
		return
	}
	g.kv.Delete(signRequestKey(requestID))
	pr.resolve(errorResponse(ErrDialogClosed))
}

// PendingCount reports how many requests are awaiting adjudication.
func (g *Gateway) PendingCount() int {
	return g.pending.reqs.Size()
}
