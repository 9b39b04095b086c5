package network

import (
	"encoding/json"
	"fmt"

	"github.com/elmops/elm/internal/proto"
)

// Control frames never reach the message handler. Their type names cannot
// collide with application event types.
const (
	ctlHello = "_hello"
	ctlBye   = "_bye"
)

type controlPayload struct {
	Peer string `json:"peer,omitempty"`
}

type control struct {
	Type    string         `json:"type"`
	Payload controlPayload `json:"payload"`
}

func controlFrame(kind, peer string) []byte {
	data, _ := json.Marshal(control{Type: kind, Payload: controlPayload{Peer: peer}})
	return data
}

func isControl(data []byte, kind string) bool {
	t, ok := proto.SniffType(data)
	return ok && t == kind
}

// parseHello extracts the peer id announced by a hello frame.
func parseHello(data []byte) (string, error) {
	var c control
	if err := json.Unmarshal(data, &c); err != nil {
		return "", fmt.Errorf("decode hello: %w", err)
	}
	if c.Type != ctlHello || c.Payload.Peer == "" {
		return "", fmt.Errorf("expected hello, got %q", c.Type)
	}
	return c.Payload.Peer, nil
}
