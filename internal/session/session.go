// Package session runs the replication protocol on top of a router: the
// host owns the authoritative store and admits followers through a key
// exchange; followers mirror the host's snapshots.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elmops/elm/internal/authz"
	"github.com/elmops/elm/internal/identity"
	"github.com/elmops/elm/internal/proto"
	"github.com/elmops/elm/internal/router"
	"github.com/elmops/elm/internal/store"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectGrace = 30 * time.Second
	DefaultSendTimeout    = 5 * time.Second
)

// Mode selects between the signed protocol and the unsigned open variant.
type Mode int

const (
	ModeSecure Mode = iota
	ModeOpen
)

func (m Mode) String() string {
	if m == ModeOpen {
		return "open"
	}
	return "secure"
}

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Feature describes the replicated application: its action table and how
// its authorization domain is set up.
type Feature[S any] struct {
	Name     string
	Domain   authz.DomainID
	Handlers map[string]store.Handler[S]
	// Bootstrap attaches the feature's domain to a fresh system model owned
	// by hostID.
	Bootstrap func(model *authz.Model, hostID string) error
	// Role picks the role granted to an admitted identity.
	Role func(founder bool) authz.RoleID
	// Departure, if set, builds the action the host applies when an
	// identity leaves the session.
	Departure func(identityID string) (proto.Action, bool)
	// Subject, if set, names the identity an action speaks for. A sender
	// other than the subject needs Delegate.
	Subject  func(action proto.Action) (string, bool)
	Delegate authz.Capability
}

func (f Feature[S]) storeID() string {
	if f.Name == "" {
		return "store"
	}
	return f.Name
}

// Replica is what application code sees of either side of a session.
type Replica[S any] interface {
	State() S
	Dispatch(ctx context.Context, action proto.Action) error
	Subscribe(fn func(store.Update[S])) func()
}

var (
	_ Replica[struct{}] = (*Host[struct{}])(nil)
	_ Replica[struct{}] = (*Follower[struct{}])(nil)
)

func signedFrame(ids *identity.Manager, t proto.EventType, payload any) (proto.Frame, identity.SignedEnvelope, error) {
	env, err := ids.SignMessage(payload)
	if err != nil {
		return proto.Frame{}, identity.SignedEnvelope{}, fmt.Errorf("sign %s: %w", t, err)
	}
	f, err := proto.NewFrame(t, env)
	if err != nil {
		return proto.Frame{}, identity.SignedEnvelope{}, err
	}
	return f, env, nil
}

// outbox sends frames to each peer in the order they were queued without
// blocking the caller. Signed frames must reach a peer in nonce order.
type outbox struct {
	router  *router.Router
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	queues map[string]*peerQueue
}

type peerQueue struct {
	frames  []proto.Frame
	running bool
}

func newOutbox(r *router.Router, timeout time.Duration, logger *zap.Logger) *outbox {
	return &outbox{router: r, timeout: timeout, logger: logger, queues: make(map[string]*peerQueue)}
}

func (o *outbox) push(peer string, f proto.Frame) {
	o.mu.Lock()
	q, ok := o.queues[peer]
	if !ok {
		q = &peerQueue{}
		o.queues[peer] = q
	}
	q.frames = append(q.frames, f)
	if q.running {
		o.mu.Unlock()
		return
	}
	q.running = true
	o.mu.Unlock()
	go o.flush(peer, q)
}

func (o *outbox) flush(peer string, q *peerQueue) {
	for {
		o.mu.Lock()
		if len(q.frames) == 0 {
			q.running = false
			o.mu.Unlock()
			return
		}
		f := q.frames[0]
		q.frames = q.frames[1:]
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		err := o.router.EmitTo(ctx, peer, f)
		cancel()
		if err != nil {
			o.logger.Warn("send failed", zap.String("peer", peer), zap.Stringer("type", f.Type), zap.Error(err))
		}
	}
}

// forget drops frames still queued for peer.
func (o *outbox) forget(peer string) {
	o.mu.Lock()
	if q, ok := o.queues[peer]; ok {
		q.frames = nil
		delete(o.queues, peer)
	}
	o.mu.Unlock()
}
