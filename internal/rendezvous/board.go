package rendezvous

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elmops/elm/internal/network"
)

const DefaultTTL = 5 * time.Minute

const separator = "|"

type entry struct {
	msg network.SignalMessage
	at  time.Time
}

// Board holds the latest offer and answer per (offerer, target) pair.
// Entries older than the TTL are pruned on write.
type Board struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	offers  map[string]entry
	answers map[string]entry
}

func NewBoard(ttl time.Duration, clock func() time.Time) *Board {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Board{
		ttl:     ttl,
		clock:   clock,
		offers:  make(map[string]entry),
		answers: make(map[string]entry),
	}
}

func (b *Board) PutOffer(offerer, target, sdp string) network.SignalMessage {
	return b.put(b.offers, offerer, target, offerer, sdp)
}

func (b *Board) PutAnswer(offerer, target, sdp string) network.SignalMessage {
	return b.put(b.answers, offerer, target, target, sdp)
}

func (b *Board) put(m map[string]entry, offerer, target, peer, sdp string) network.SignalMessage {
	now := b.clock().UTC()
	msg := network.SignalMessage{Peer: peer, SDP: sdp, Timestamp: now.Format(time.RFC3339Nano)}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)
	m[offerer+separator+target] = entry{msg: msg, at: now}
	return msg
}

// Offers lists offers addressed to target newer than since.
func (b *Board) Offers(target string, since time.Time) []network.SignalMessage {
	suffix := separator + target
	return b.list(b.offers, since, func(key string) bool { return strings.HasSuffix(key, suffix) })
}

// Answers lists answers to offers made by offerer newer than since.
func (b *Board) Answers(offerer string, since time.Time) []network.SignalMessage {
	prefix := offerer + separator
	return b.list(b.answers, since, func(key string) bool { return strings.HasPrefix(key, prefix) })
}

func (b *Board) list(m map[string]entry, since time.Time, match func(string) bool) []network.SignalMessage {
	b.mu.Lock()
	var hits []entry
	for key, e := range m {
		if match(key) && e.at.After(since) {
			hits = append(hits, e)
		}
	}
	b.mu.Unlock()
	sort.Slice(hits, func(i, j int) bool { return hits[i].at.Before(hits[j].at) })
	out := make([]network.SignalMessage, len(hits))
	for i, e := range hits {
		out[i] = e.msg
	}
	return out
}

func (b *Board) pruneLocked(now time.Time) {
	for key, e := range b.offers {
		if now.Sub(e.at) > b.ttl {
			delete(b.offers, key)
		}
	}
	for key, e := range b.answers {
		if now.Sub(e.at) > b.ttl {
			delete(b.answers, key)
		}
	}
}
