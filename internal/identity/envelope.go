package identity

import (
	"encoding/json"
	"fmt"

	"github.com/elmops/elm/internal/codec"
	"github.com/elmops/elm/internal/crypto"
)

// SignedEnvelope carries a JSON payload plus the data the signature covers.
type SignedEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Nonce     uint64          `json:"nonce"`
	SenderID  string          `json:"senderId"`
	Signature []byte          `json:"signature"`
}

type signingInput struct {
	_         struct{} `cbor:",toarray"`
	Payload   []byte
	Timestamp int64
	Nonce     uint64
	SenderID  string
}

// SigningInput is the exact byte string that is signed: a deterministic CBOR
// array of payload bytes, timestamp, nonce and sender id.
func SigningInput(env SignedEnvelope) ([]byte, error) {
	out, err := codec.Marshal(signingInput{
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
		Nonce:     env.Nonce,
		SenderID:  env.SenderID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode signing input: %w", err)
	}
	return out, nil
}

// VerifyEnvelope checks env's signature under pub.
func VerifyEnvelope(pub crypto.PublicKey, env SignedEnvelope) bool {
	input, err := SigningInput(env)
	if err != nil {
		return false
	}
	return crypto.Verify(pub, input, env.Signature)
}

// Open decodes the payload of env.
func Open[T any](env SignedEnvelope) (T, error) {
	var out T
	if len(env.Payload) == 0 {
		return out, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
