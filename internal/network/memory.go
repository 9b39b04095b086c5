package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	_ Transport = (*MemoryTransport)(nil)
	_ Transport = (*QUICTransport)(nil)
	_ Transport = (*WebRTCTransport)(nil)
)

const memoryDialPoll = 10 * time.Millisecond

// MemoryNetwork connects MemoryTransports inside one process. It can sever
// links without a goodbye and silence a host, which makes it the transport
// of choice for tests and embedding.
type MemoryNetwork struct {
	mu         sync.Mutex
	transports map[string]*MemoryTransport
	listening  map[string]bool
	blackholed map[string]bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		transports: make(map[string]*MemoryTransport),
		listening:  make(map[string]bool),
		blackholed: make(map[string]bool),
	}
}

// MemoryTransport is one endpoint on a MemoryNetwork.
type MemoryTransport struct {
	*core
	net    *MemoryNetwork
	hostID string
}

// NewHost registers a listening endpoint. It accepts followers once
// Connect has been called.
func (n *MemoryNetwork) NewHost(opts Options) *MemoryTransport {
	t := &MemoryTransport{core: newCore(RoleHost, opts), net: n}
	n.register(t)
	return t
}

// NewFollower registers an endpoint that dials hostID on Connect.
func (n *MemoryNetwork) NewFollower(hostID string, opts Options) *MemoryTransport {
	t := &MemoryTransport{core: newCore(RoleFollower, opts), net: n, hostID: hostID}
	n.register(t)
	return t
}

func (n *MemoryNetwork) register(t *MemoryTransport) {
	n.mu.Lock()
	n.transports[t.LocalID()] = t
	n.mu.Unlock()
}

// Blackhole makes id silently discard everything sent to it.
func (n *MemoryNetwork) Blackhole(id string, on bool) {
	n.mu.Lock()
	n.blackholed[id] = on
	n.mu.Unlock()
}

// Drop severs the link between a and b without a goodbye, as a network
// failure would.
func (n *MemoryNetwork) Drop(a, b string) {
	n.mu.Lock()
	t := n.transports[a]
	n.mu.Unlock()
	if t == nil {
		return
	}
	t.core.mu.Lock()
	l := t.links[b]
	t.core.mu.Unlock()
	if l != nil {
		t.detach(b, l, PeerLost)
	}
}

func (n *MemoryNetwork) host(id string) (*MemoryTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.transports[id]
	if !ok || !n.listening[id] {
		return nil, false
	}
	return t, true
}

func (n *MemoryNetwork) isBlackholed(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blackholed[id]
}

func (t *MemoryTransport) Connect(ctx context.Context) error {
	return t.connect(ctx, func(ctx context.Context) error {
		if t.role == RoleHost {
			t.net.mu.Lock()
			t.net.listening[t.LocalID()] = true
			t.net.mu.Unlock()
			return nil
		}
		return t.dial(ctx)
	})
}

// dial waits for the host to start listening, as a real dialer waits for
// signaling or a handshake.
func (t *MemoryTransport) dial(ctx context.Context) error {
	ticker := time.NewTicker(memoryDialPoll)
	defer ticker.Stop()
	for {
		if h, ok := t.net.host(t.hostID); ok {
			local, remote := newMemLinkPair(t, h)
			h.attach(t.LocalID(), remote)
			t.attach(t.hostID, local)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dial %s: %w", t.hostID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (t *MemoryTransport) Disconnect() error {
	if t.role == RoleHost {
		t.net.mu.Lock()
		delete(t.net.listening, t.LocalID())
		t.net.mu.Unlock()
	}
	return t.core.Disconnect()
}

// memLink is one direction-owner of an in-process link. Writes deliver to
// the twin's owner.
type memLink struct {
	owner  *MemoryTransport
	remote *MemoryTransport
	twin   *memLink
	closed atomic.Bool
}

func newMemLinkPair(a, b *MemoryTransport) (*memLink, *memLink) {
	la := &memLink{owner: a, remote: b}
	lb := &memLink{owner: b, remote: a}
	la.twin, lb.twin = lb, la
	return la, lb
}

func (l *memLink) write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.closed.Load() {
		return errNotOpen
	}
	if l.owner.net.isBlackholed(l.remote.LocalID()) {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	l.remote.receive(l.owner.LocalID(), l.twin, buf)
	return nil
}

// close tears down both ends. The remote side sees PeerLost unless a
// goodbye already detached it.
func (l *memLink) close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.remote.detach(l.owner.LocalID(), l.twin, PeerLost)
	return nil
}
