// Package store holds one replicated state value. An authoritative store
// changes only through registered action handlers; a follower store changes
// only by adopting newer snapshots.
package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elmops/elm/internal/authz"
	"github.com/elmops/elm/internal/codec"
	"github.com/elmops/elm/internal/errs"
	"github.com/elmops/elm/internal/metrics"
	"github.com/elmops/elm/internal/proto"
)

type Role int

const (
	Authoritative Role = iota
	Follower
)

func (r Role) String() string {
	if r == Authoritative {
		return "authoritative"
	}
	return "follower"
}

// Update is a versioned full snapshot.
type Update[S any] struct {
	State     S
	Version   uint64
	Timestamp int64
}

// Handler applies one action type. Apply receives a private copy of the
// state; it is committed only when Apply returns nil.
type Handler[S any] struct {
	Capability authz.Capability
	Apply      func(state *S, payload json.RawMessage) error
}

// Cloner lets a state type provide its own deep copy. Types that do not
// implement it are copied through a CBOR round trip.
type Cloner[S any] interface {
	Clone() S
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type subscriber[S any] struct {
	id uint64
	fn func(Update[S])
}

type Store[S any] struct {
	id       string
	role     Role
	handlers map[string]Handler[S]
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time

	mu        sync.RWMutex
	state     S
	version   uint64
	timestamp int64
	received  bool

	subMu  sync.Mutex
	nextID uint64
	subs   []subscriber[S]
}

func NewAuthoritative[S any](id string, initial S, handlers map[string]Handler[S], opts Options) *Store[S] {
	s := newStore(id, Authoritative, initial, opts)
	s.handlers = make(map[string]Handler[S], len(handlers))
	for name, h := range handlers {
		s.handlers[name] = h
	}
	s.received = true
	return s
}

func NewFollower[S any](id string, initial S, opts Options) *Store[S] {
	return newStore(id, Follower, initial, opts)
}

func newStore[S any](id string, role Role, initial S, opts Options) *Store[S] {
	opts = opts.withDefaults()
	return &Store[S]{
		id:      id,
		role:    role,
		logger:  opts.Logger.Named("store").With(zap.String("store", id), zap.Stringer("role", role)),
		metrics: opts.Metrics,
		clock:   opts.Clock,
		state:   initial,
	}
}

func (s *Store[S]) ID() string {
	return s.id
}

func (s *Store[S]) Role() Role {
	return s.role
}

// Capability returns the capability guarding actionType.
func (s *Store[S]) Capability(actionType string) (authz.Capability, bool) {
	h, ok := s.handlers[actionType]
	return h.Capability, ok
}

// Apply runs the handler for action and bumps the version. Followers
// always fail with errs.ErrReadOnly.
func (s *Store[S]) Apply(action proto.Action) (Update[S], error) {
	if s.role != Authoritative {
		return Update[S]{}, fmt.Errorf("%w: %s", errs.ErrReadOnly, action.Type)
	}
	h, ok := s.handlers[action.Type]
	if !ok || h.Apply == nil {
		return Update[S]{}, fmt.Errorf("%w: %q", errs.ErrUnknownAction, action.Type)
	}

	s.mu.Lock()
	work, err := s.cloneLocked()
	if err != nil {
		s.mu.Unlock()
		return Update[S]{}, err
	}
	if err := h.Apply(&work, action.Payload); err != nil {
		s.mu.Unlock()
		return Update[S]{}, fmt.Errorf("%s: %w", action.Type, err)
	}
	s.state = work
	s.version++
	s.timestamp = s.clock().UnixMilli()
	u, err := s.snapshotLocked()
	s.mu.Unlock()
	if err != nil {
		return Update[S]{}, err
	}

	s.logger.Debug("action applied", zap.String("action", action.Type), zap.Uint64("version", u.Version))
	s.notify(u)
	return u, nil
}

// ApplyUpdate adopts u when nothing was received yet or u is newer than the
// local version. It reports whether u was applied.
func (s *Store[S]) ApplyUpdate(u Update[S]) bool {
	if s.role != Follower {
		s.logger.Warn("authoritative store ignores updates", zap.Uint64("version", u.Version))
		return false
	}
	s.mu.Lock()
	if s.received && u.Version <= s.version {
		local := s.version
		s.mu.Unlock()
		s.metrics.IncUpdateDropped()
		s.logger.Debug("stale update dropped", zap.Uint64("version", u.Version), zap.Uint64("local", local))
		return false
	}
	s.state = u.State
	s.version = u.Version
	s.timestamp = u.Timestamp
	s.received = true
	snap, err := s.snapshotLocked()
	s.mu.Unlock()
	s.metrics.IncUpdateApplied()
	if err != nil {
		s.logger.Error("snapshot after update", zap.Error(err))
		return true
	}
	s.notify(snap)
	return true
}

// Reset makes the next update apply regardless of its version. The current
// state stays readable until then.
func (s *Store[S]) Reset() {
	if s.role != Follower {
		return
	}
	s.mu.Lock()
	s.received = false
	s.mu.Unlock()
}

// Received reports whether the store holds a state from its source.
func (s *Store[S]) Received() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.received
}

func (s *Store[S]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// State returns a deep copy of the current state.
func (s *Store[S]) State() S {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, err := s.cloneLocked()
	if err != nil {
		s.logger.Error("copy state", zap.Error(err))
		var zero S
		return zero
	}
	return out
}

func (s *Store[S]) Snapshot() (Update[S], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Subscribe registers fn for every committed change. The returned function
// unsubscribes.
func (s *Store[S]) Subscribe(fn func(Update[S])) func() {
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber[S]{id: id, fn: fn})
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Store[S]) notify(u Update[S]) {
	s.subMu.Lock()
	subs := append([]subscriber[S](nil), s.subs...)
	s.subMu.Unlock()
	for _, sub := range subs {
		st, err := clone(u.State)
		if err != nil {
			s.logger.Error("copy state for subscriber", zap.Error(err))
			continue
		}
		sub.fn(Update[S]{State: st, Version: u.Version, Timestamp: u.Timestamp})
	}
}

func (s *Store[S]) snapshotLocked() (Update[S], error) {
	st, err := s.cloneLocked()
	if err != nil {
		return Update[S]{}, err
	}
	return Update[S]{State: st, Version: s.version, Timestamp: s.timestamp}, nil
}

func (s *Store[S]) cloneLocked() (S, error) {
	return clone(s.state)
}

func clone[S any](v S) (S, error) {
	if c, ok := any(v).(Cloner[S]); ok {
		return c.Clone(), nil
	}
	out, err := codec.Clone(v)
	if err != nil {
		return out, fmt.Errorf("copy state: %w", err)
	}
	return out, nil
}

// EncodeUpdate converts u to its wire form.
func EncodeUpdate[S any](u Update[S]) (proto.Update, error) {
	body, err := json.Marshal(u.State)
	if err != nil {
		return proto.Update{}, fmt.Errorf("encode state: %w", err)
	}
	return proto.Update{State: body, Version: u.Version, Timestamp: u.Timestamp}, nil
}

// DecodeUpdate converts a wire update back into a typed snapshot.
func DecodeUpdate[S any](u proto.Update) (Update[S], error) {
	var st S
	if err := json.Unmarshal(u.State, &st); err != nil {
		return Update[S]{}, fmt.Errorf("%w: state: %v", errs.ErrMalformedFrame, err)
	}
	return Update[S]{State: st, Version: u.Version, Timestamp: u.Timestamp}, nil
}
