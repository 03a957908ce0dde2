package custodian

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RequestType discriminates inbound messages. The names follow the NIP-46
// method vocabulary where one exists.
type RequestType string

const (
	GetPublicKey RequestType = "get_public_key"
	SignEvent    RequestType = "sign_event"
	GetRelays    RequestType = "get_relays"
	Nip04Encrypt RequestType = "nip04_encrypt"
	Nip04Decrypt RequestType = "nip04_decrypt"
	Nip17Encrypt RequestType = "nip17_encrypt"
	Nip17Decrypt RequestType = "nip17_decrypt"

	// internal types, only ever sent by the approval surface
	GetSignRequest RequestType = "get_sign_request"
	DialogResponse RequestType = "dialog_response"
)

// Internal reports whether t may only be sent by the approval surface, never
// by a page.
func (t RequestType) Internal() bool {
	return t == GetSignRequest || t == DialogResponse
}

// Request is one inbound message. Domain and Origin identify the requester;
// when the transport cannot resolve them they are both "unknown" rather than
// the request failing.
type Request struct {
	Type   RequestType     `json:"type"`
	Domain string          `json:"domain,omitempty"`
	Origin string          `json:"origin,omitempty"`
	Params stdjson.RawMessage `json:"params,omitempty"`
}

// Response is the single reply every request eventually gets.
type Response struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func errorResponse(err error) Response {
	return Response{Error: err.Error()}
}

type signEventParams struct {
	Event stdjson.RawMessage `json:"event"`
}

type nip04EncryptParams struct {
	Pubkey    string `json:"pubkey"`
	Plaintext string `json:"plaintext"`
}

type nip04DecryptParams struct {
	Pubkey     string `json:"pubkey"`
	Ciphertext string `json:"ciphertext"`
}

type nip17EncryptParams struct {
	Recipients []string `json:"recipients"`
	Plaintext  string   `json:"plaintext"`
}

type nip17DecryptParams struct {
	Ciphertext   string `json:"ciphertext"`
	SenderPubkey string `json:"senderPubkey"`
}

type getSignRequestParams struct {
	RequestID string `json:"requestId"`
}

// dialogResponseParams carries the operator's verdict. ScopeMinutes selects
// how long the decision is remembered: 0 applies it to this request only,
// a positive value stores it with that expiry, ScopePermanent stores it
// without one.
type dialogResponseParams struct {
	RequestID    string `json:"requestId"`
	Approved     bool   `json:"approved"`
	ScopeMinutes int    `json:"scopeMinutes"`
	Error        string `json:"error,omitempty"`
}

// ScopePermanent as a dialogResponseParams.ScopeMinutes value stores the
// decision with no expiry.
const ScopePermanent = -1
