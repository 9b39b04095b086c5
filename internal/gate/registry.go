package gate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/elmops/elm/internal/crypto"
	"github.com/elmops/elm/internal/errs"
)

// ClientRecord is what a session knows about one identity.
type ClientRecord struct {
	ID        string
	PublicKey crypto.PublicKey
	LastNonce uint64
	JoinedAt  time.Time
}

// Registry maps identity ids to their records. A record's key never
// changes once registered. Removed ids leave their nonce high-water mark
// behind so envelopes captured before the removal stay rejected.
type Registry struct {
	mu      sync.Mutex
	records map[string]*ClientRecord
	retired map[string]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*ClientRecord),
		retired: make(map[string]uint64),
	}
}

// Register adds rec. Registering an id again with the same key keeps the
// existing nonce high-water mark; a different key fails with
// errs.ErrKeyMismatch. Re-registering a removed id needs a nonce above
// the one it left with, otherwise errs.ErrReplayedNonce.
func (r *Registry) Register(rec ClientRecord) (ClientRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(rec)
}

func (r *Registry) registerLocked(rec ClientRecord) (ClientRecord, error) {
	if cur, ok := r.records[rec.ID]; ok {
		if !crypto.ComparePublicKeys(cur.PublicKey, rec.PublicKey) {
			return ClientRecord{}, fmt.Errorf("%w: %s", errs.ErrKeyMismatch, rec.ID)
		}
		if rec.LastNonce > cur.LastNonce {
			cur.LastNonce = rec.LastNonce
		}
		return cur.copy(), nil
	}
	if last, ok := r.retired[rec.ID]; ok {
		if rec.LastNonce <= last {
			return ClientRecord{}, fmt.Errorf("%w: %s rejoined at %d <= %d", errs.ErrReplayedNonce, rec.ID, rec.LastNonce, last)
		}
		delete(r.retired, rec.ID)
	}
	stored := rec.copy()
	r.records[rec.ID] = &stored
	return stored.copy(), nil
}

func (r *Registry) Get(id string) (ClientRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return ClientRecord{}, false
	}
	return rec.copy(), true
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return
	}
	if rec.LastNonce > r.retired[id] {
		r.retired[id] = rec.LastNonce
	}
	delete(r.records, id)
}

// Retired reports the nonce high-water mark id left with, if it was removed
// and has not registered again.
func (r *Registry) Retired(id string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.retired[id]
	return n, ok
}

func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for id := range r.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (c ClientRecord) copy() ClientRecord {
	c.PublicKey = append(crypto.PublicKey(nil), c.PublicKey...)
	return c
}
