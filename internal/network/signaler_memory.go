package network

import (
	"context"
	"strings"
	"sync"
	"time"
)

var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler exchanges offers and answers through process memory. Two
// WebRTCTransports sharing one MemorySignaler can connect without any
// signaling server.
type MemorySignaler struct {
	mu       sync.Mutex
	offers   map[string]SignalMessage // offerer|target
	answers  map[string]SignalMessage // offerer|target
	lastSeen map[string]time.Time
}

func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: make(map[string]time.Time),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, local, target, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[signalKey(local, target)] = SignalMessage{
		Peer:      local,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, local, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[signalKey(offerer, local)] = SignalMessage{
		Peer:      local,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, local string) ([]SignalMessage, error) {
	suffix := signalingSeparator + local
	return s.poll("offers", local, s.offers, func(key string) bool {
		return strings.HasSuffix(key, suffix)
	}), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, local string) ([]SignalMessage, error) {
	prefix := local + signalingSeparator
	return s.poll("answers", local, s.answers, func(key string) bool {
		return strings.HasPrefix(key, prefix)
	}), nil
}

func (s *MemorySignaler) poll(label, local string, store map[string]SignalMessage, match func(string) bool) []SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SignalMessage
	for key, msg := range store {
		if !match(key) {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
		if err != nil {
			continue
		}
		seen := label + ":" + local + ":" + key
		if last, ok := s.lastSeen[seen]; ok && !ts.After(last) {
			continue
		}
		s.lastSeen[seen] = ts
		out = append(out, msg)
	}
	return out
}
