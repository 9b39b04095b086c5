// Package network moves opaque frames between one host and its followers.
// Implementations differ in how links are established (in-process, QUIC,
// WebRTC data channels) but share connection state, retry and peer
// bookkeeping.
package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elmops/elm/internal/errs"
)

const (
	DefaultRetryBase   = time.Second
	DefaultMaxRetries  = 3
	DefaultDialTimeout = 10 * time.Second
)

// Transport is the session layer's view of the network. A host transport
// accepts any number of followers; a follower transport has exactly one
// upstream peer, the host.
type Transport interface {
	LocalID() string
	// Connect is idempotent. Concurrent callers share one attempt.
	Connect(ctx context.Context) error
	// Send broadcasts on a host and goes upstream on a follower.
	Send(ctx context.Context, data []byte) error
	SendTo(ctx context.Context, peer string, data []byte) error
	// OnMessage installs the single inbound handler, replacing any previous.
	OnMessage(func(Message))
	OnPeer(func(PeerEvent))
	// Disconnect is idempotent.
	Disconnect() error
	State() State
}

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Role int

const (
	RoleHost Role = iota
	RoleFollower
)

type PeerEventKind int

const (
	PeerJoined PeerEventKind = iota
	// PeerLost means the link dropped without a goodbye.
	PeerLost
	// PeerLeft means the peer disconnected on purpose.
	PeerLeft
)

func (k PeerEventKind) String() string {
	switch k {
	case PeerJoined:
		return "joined"
	case PeerLost:
		return "lost"
	case PeerLeft:
		return "left"
	default:
		return "unknown"
	}
}

type PeerEvent struct {
	Peer string
	Kind PeerEventKind
}

type Message struct {
	From string
	Data []byte
}

// Options are shared by every transport implementation.
type Options struct {
	LocalID    string
	Logger     *zap.Logger
	RetryBase  time.Duration
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

var errNotOpen = errors.New("link not open")

// link is one established connection to a peer.
type link interface {
	write(ctx context.Context, data []byte) error
	close() error
}

type attempt struct {
	done chan struct{}
	err  error
}

type event struct {
	msg  *Message
	peer *PeerEvent
}

// core holds what every transport shares: state machine, connect
// memoization, peer links, ordered delivery and send retry.
type core struct {
	opts   Options
	role   Role
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	inflight *attempt
	links    map[string]link
	upstream string
	onMsg    func(Message)
	onPeer   func(PeerEvent)

	qmu      sync.Mutex
	queue    []event
	draining bool
}

func newCore(role Role, opts Options) *core {
	opts = opts.withDefaults()
	return &core{
		opts:   opts,
		role:   role,
		logger: opts.Logger.With(zap.String("local", opts.LocalID)),
		links:  make(map[string]link),
	}
}

func (c *core) LocalID() string {
	return c.opts.LocalID
}

func (c *core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *core) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

func (c *core) OnPeer(fn func(PeerEvent)) {
	c.mu.Lock()
	c.onPeer = fn
	c.mu.Unlock()
}

// Peers lists currently linked peers.
func (c *core) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.links))
	for id := range c.links {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// connect runs dial at most once at a time. A caller arriving while an
// attempt is in flight waits for that attempt's result.
func (c *core) connect(ctx context.Context, dial func(context.Context) error) error {
	c.mu.Lock()
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	if a := c.inflight; a != nil {
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &attempt{done: make(chan struct{})}
	c.inflight = a
	c.state = Connecting
	c.mu.Unlock()

	err := dial(ctx)

	c.mu.Lock()
	c.inflight = nil
	if err != nil {
		c.state = Error
	} else if c.state == Connecting {
		c.state = Connected
	}
	a.err = err
	close(a.done)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("connect failed", zap.Error(err))
	}
	return err
}

func (c *core) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// attach registers an established link. A previous link to the same peer is
// closed silently.
func (c *core) attach(peer string, l link) {
	c.mu.Lock()
	old := c.links[peer]
	c.links[peer] = l
	if c.role == RoleFollower {
		c.upstream = peer
	}
	c.mu.Unlock()
	if old != nil && old != l {
		_ = old.close()
	}
	c.logger.Debug("peer attached", zap.String("peer", peer))
	c.enqueue(event{peer: &PeerEvent{Peer: peer, Kind: PeerJoined}})
}

// detach removes l if it is still the current link for peer. A follower that
// loses its upstream becomes Disconnected until Connect is called again.
func (c *core) detach(peer string, l link, kind PeerEventKind) {
	c.mu.Lock()
	cur, ok := c.links[peer]
	if !ok || cur != l {
		c.mu.Unlock()
		return
	}
	delete(c.links, peer)
	if c.role == RoleFollower && peer == c.upstream {
		c.upstream = ""
		c.state = Disconnected
	}
	c.mu.Unlock()
	_ = l.close()
	c.logger.Info("peer detached", zap.String("peer", peer), zap.Stringer("reason", kind))
	c.enqueue(event{peer: &PeerEvent{Peer: peer, Kind: kind}})
}

// receive handles one inbound frame from peer over l.
func (c *core) receive(peer string, l link, data []byte) {
	if isControl(data, ctlBye) {
		c.detach(peer, l, PeerLeft)
		return
	}
	if isControl(data, ctlHello) {
		return
	}
	c.enqueue(event{msg: &Message{From: peer, Data: data}})
}

func (c *core) enqueue(ev event) {
	c.qmu.Lock()
	c.queue = append(c.queue, ev)
	if c.draining {
		c.qmu.Unlock()
		return
	}
	c.draining = true
	c.qmu.Unlock()
	go c.drain()
}

func (c *core) drain() {
	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.qmu.Unlock()
			return
		}
		ev := c.queue[0]
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		c.mu.Lock()
		onMsg, onPeer := c.onMsg, c.onPeer
		c.mu.Unlock()
		switch {
		case ev.msg != nil && onMsg != nil:
			onMsg(*ev.msg)
		case ev.peer != nil && onPeer != nil:
			onPeer(*ev.peer)
		}
	}
}

func (c *core) Send(ctx context.Context, data []byte) error {
	if c.role == RoleFollower {
		return c.sendWithRetry(ctx, func() error {
			c.mu.Lock()
			l := c.links[c.upstream]
			c.mu.Unlock()
			if l == nil {
				return errNotOpen
			}
			return l.write(ctx, data)
		})
	}
	c.mu.Lock()
	targets := make(map[string]link, len(c.links))
	for id, l := range c.links {
		targets[id] = l
	}
	c.mu.Unlock()
	delivered := 0
	for id, l := range targets {
		if err := l.write(ctx, data); err != nil {
			c.logger.Warn("broadcast write failed", zap.String("peer", id), zap.Error(err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("%w: broadcast reached none of %d links", errs.ErrNoOpenConnection, len(targets))
	}
	return nil
}

func (c *core) SendTo(ctx context.Context, peer string, data []byte) error {
	return c.sendWithRetry(ctx, func() error {
		c.mu.Lock()
		l := c.links[peer]
		c.mu.Unlock()
		if l == nil {
			return errNotOpen
		}
		return l.write(ctx, data)
	})
}

// Disconnect says goodbye on every link and closes it.
func (c *core) Disconnect() error {
	c.mu.Lock()
	links := c.links
	c.links = make(map[string]link)
	c.upstream = ""
	c.state = Disconnected
	c.mu.Unlock()

	bye := controlFrame(ctlBye, "")
	for id, l := range links {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := l.write(ctx, bye); err != nil {
			c.logger.Debug("goodbye not delivered", zap.String("peer", id), zap.Error(err))
		}
		cancel()
		_ = l.close()
	}
	return nil
}
