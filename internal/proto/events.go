package proto

import (
	"encoding/json"
	"fmt"

	"github.com/elmops/elm/internal/errs"
	"github.com/elmops/elm/internal/identity"
)

type EventType string

const (
	ServerKeyExchange   EventType = "SERVER_KEY_EXCHANGE"
	ClientKeyExchange   EventType = "CLIENT_KEY_EXCHANGE"
	KeyExchangeAccepted EventType = "KEY_EXCHANGE_ACCEPTED"
	RequestInitialState EventType = "REQUEST_INITIAL_STATE"
	SecureStoreAction   EventType = "SECURE_STORE_ACTION"
	SecureStoreUpdate   EventType = "SECURE_STORE_UPDATE"
	StoreAction         EventType = "STORE_ACTION"
	StoreUpdate         EventType = "STORE_UPDATE"
	Error               EventType = "ERROR"
)

// signed lists the event types whose payload is a SignedEnvelope.
var signed = map[EventType]bool{
	ServerKeyExchange:   true,
	ClientKeyExchange:   true,
	KeyExchangeAccepted: true,
	RequestInitialState: true,
	SecureStoreAction:   true,
	SecureStoreUpdate:   true,
	StoreAction:         false,
	StoreUpdate:         false,
	Error:               false,
}

func (t EventType) String() string {
	return string(t)
}

// Known reports whether t belongs to the closed set of event types.
func (t EventType) Known() bool {
	_, ok := signed[t]
	return ok
}

// Signed reports whether frames of type t carry a SignedEnvelope.
func (t EventType) Signed() bool {
	return signed[t]
}

type Meta struct {
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
	Target    string `json:"target,omitempty"`
}

// Frame is one message on the wire.
type Frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Meta    *Meta           `json:"meta,omitempty"`
}

// NewFrame encodes payload as the frame body.
func NewFrame(t EventType, payload any) (Frame, error) {
	if !t.Known() {
		return Frame{}, fmt.Errorf("%w: unknown type %q", errs.ErrMalformedFrame, t)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Frame{Type: t, Payload: body}, nil
}

func EncodeFrameJSON(f Frame) ([]byte, error) {
	if !f.Type.Known() {
		return nil, fmt.Errorf("%w: unknown type %q", errs.ErrMalformedFrame, f.Type)
	}
	return json.Marshal(f)
}

// DecodeFrameJSON parses a frame and rejects unknown types and frames
// without a payload. Signed types must carry a well-formed envelope.
func DecodeFrameJSON(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errs.ErrMalformedFrame, err)
	}
	if !f.Type.Known() {
		return Frame{}, fmt.Errorf("%w: unknown type %q", errs.ErrMalformedFrame, f.Type)
	}
	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		return Frame{}, fmt.Errorf("%w: %s without payload", errs.ErrMalformedFrame, f.Type)
	}
	if f.Type.Signed() {
		if _, err := Envelope(f); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// Envelope extracts the signed envelope of a signed frame.
func Envelope(f Frame) (identity.SignedEnvelope, error) {
	if !f.Type.Signed() {
		return identity.SignedEnvelope{}, fmt.Errorf("%w: %s is not signed", errs.ErrMalformedFrame, f.Type)
	}
	var env identity.SignedEnvelope
	if err := json.Unmarshal(f.Payload, &env); err != nil {
		return identity.SignedEnvelope{}, fmt.Errorf("%w: %v", errs.ErrMalformedFrame, err)
	}
	if env.SenderID == "" || len(env.Signature) == 0 || len(env.Payload) == 0 {
		return identity.SignedEnvelope{}, fmt.Errorf("%w: incomplete envelope", errs.ErrMalformedFrame)
	}
	return env, nil
}

// DecodePayload decodes the body of an unsigned frame.
func DecodePayload[T any](f Frame) (T, error) {
	var out T
	if err := json.Unmarshal(f.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", errs.ErrMalformedFrame, f.Type, err)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Payloads
// -----------------------------------------------------------------------------

// KeyExchange is carried (signed) by SERVER_KEY_EXCHANGE and
// CLIENT_KEY_EXCHANGE.
type KeyExchange struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
}

type KeyExchangeAccept struct {
	ClientID string `json:"clientId"`
	RoleID   string `json:"roleId"`
	HostID   string `json:"hostId"`
}

type InitialStateRequest struct {
	Since uint64 `json:"since,omitempty"`
}

// Action is the body of STORE_ACTION and, signed, of SECURE_STORE_ACTION.
type Action struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewAction encodes payload as the action body.
func NewAction(actionType string, payload any) (Action, error) {
	if payload == nil {
		return Action{Type: actionType}, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Action{}, fmt.Errorf("encode %s: %w", actionType, err)
	}
	return Action{Type: actionType, Payload: body}, nil
}

// Update is the body of STORE_UPDATE and, signed, of SECURE_STORE_UPDATE.
type Update struct {
	State     json.RawMessage `json:"state"`
	Version   uint64          `json:"version"`
	Timestamp int64           `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorPayload) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap maps the wire code back onto the sentinel error.
func (e ErrorPayload) Unwrap() error {
	return errs.FromCode(e.Code)
}
