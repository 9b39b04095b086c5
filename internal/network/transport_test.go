package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elmops/elm/internal/errs"
)

type recorder struct {
	mu     sync.Mutex
	msgs   []Message
	events []PeerEvent
}

func (r *recorder) attach(t Transport) {
	t.OnMessage(func(m Message) {
		r.mu.Lock()
		r.msgs = append(r.msgs, m)
		r.mu.Unlock()
	})
	t.OnPeer(func(e PeerEvent) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.From + ":" + string(m.Data)
	}
	return out
}

func (r *recorder) has(e PeerEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.events {
		if got == e {
			return true
		}
	}
	return false
}

func fastOpts(id string) Options {
	return Options{LocalID: id, RetryBase: 5 * time.Millisecond, MaxRetries: 2}
}

func memoryPair(t *testing.T) (*MemoryNetwork, *MemoryTransport, *MemoryTransport, *recorder, *recorder) {
	t.Helper()
	n := NewMemoryNetwork()
	host := n.NewHost(fastOpts("host"))
	follower := n.NewFollower("host", fastOpts("f1"))
	hr, fr := &recorder{}, &recorder{}
	hr.attach(host)
	fr.attach(follower)
	ctx := context.Background()
	require.NoError(t, host.Connect(ctx))
	require.NoError(t, follower.Connect(ctx))
	return n, host, follower, hr, fr
}

func TestMemoryConnectAndExchange(t *testing.T) {
	_, host, follower, hr, fr := memoryPair(t)
	ctx := context.Background()
	require.Equal(t, Connected, host.State())
	require.Equal(t, Connected, follower.State())

	require.NoError(t, follower.Send(ctx, []byte(`{"type":"a"}`)))
	require.NoError(t, host.SendTo(ctx, "f1", []byte(`{"type":"b"}`)))
	require.NoError(t, host.Send(ctx, []byte(`{"type":"c"}`)))

	require.Eventually(t, func() bool { return len(hr.messages()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(fr.messages()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{`f1:{"type":"a"}`}, hr.messages())
	require.Equal(t, []string{`host:{"type":"b"}`, `host:{"type":"c"}`}, fr.messages())
	require.True(t, hr.has(PeerEvent{Peer: "f1", Kind: PeerJoined}))
}

func TestMemoryConnectIsMemoized(t *testing.T) {
	n := NewMemoryNetwork()
	host := n.NewHost(fastOpts("host"))
	follower := n.NewFollower("host", fastOpts("f1"))
	joins := 0
	var mu sync.Mutex
	host.OnPeer(func(e PeerEvent) {
		if e.Kind == PeerJoined {
			mu.Lock()
			joins++
			mu.Unlock()
		}
	})

	ctx := context.Background()
	require.NoError(t, host.Connect(ctx))
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, follower.Connect(ctx))
		}()
	}
	wg.Wait()
	require.NoError(t, follower.Connect(ctx))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return joins == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"f1"}, host.Peers())
}

func TestMemoryExplicitLeaveVersusLoss(t *testing.T) {
	n, host, follower, hr, fr := memoryPair(t)

	n.Drop("f1", "host")
	require.Eventually(t, func() bool { return hr.has(PeerEvent{Peer: "f1", Kind: PeerLost}) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return fr.has(PeerEvent{Peer: "host", Kind: PeerLost}) }, time.Second, 5*time.Millisecond)
	require.Equal(t, Disconnected, follower.State())

	// Follower closure is terminal until Connect; the host re-accepts.
	err := follower.Send(context.Background(), []byte(`{"type":"x"}`))
	require.ErrorIs(t, err, errs.ErrNoOpenConnection)
	require.NoError(t, follower.Connect(context.Background()))
	require.Equal(t, Connected, follower.State())
	require.Eventually(t, func() bool { return len(host.Peers()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, follower.Disconnect())
	require.Eventually(t, func() bool { return hr.has(PeerEvent{Peer: "f1", Kind: PeerLeft}) }, time.Second, 5*time.Millisecond)
	require.Empty(t, host.Peers())
	require.NoError(t, follower.Disconnect())
	require.Equal(t, Disconnected, follower.State())
}

func TestSendToUnknownPeerExhaustsRetries(t *testing.T) {
	_, host, _, _, _ := memoryPair(t)
	start := time.Now()
	err := host.SendTo(context.Background(), "nobody", []byte(`{"type":"x"}`))
	require.ErrorIs(t, err, errs.ErrNoOpenConnection)
	// base×1 + base×2
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestHostBroadcastWithoutPeers(t *testing.T) {
	n := NewMemoryNetwork()
	host := n.NewHost(fastOpts("host"))
	require.NoError(t, host.Connect(context.Background()))
	err := host.Send(context.Background(), []byte(`{"type":"x"}`))
	require.ErrorIs(t, err, errs.ErrNoOpenConnection)
}

func TestHostBroadcastReportsOnlyTotalFailure(t *testing.T) {
	n, host, _, hr, _ := memoryPair(t)
	other := n.NewFollower("host", fastOpts("f2"))
	require.NoError(t, other.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(host.Peers()) == 2 }, time.Second, 5*time.Millisecond)

	// Losing one follower leaves the broadcast deliverable.
	n.Drop("f1", "host")
	require.Eventually(t, func() bool { return hr.has(PeerEvent{Peer: "f1", Kind: PeerLost}) }, time.Second, 5*time.Millisecond)
	require.NoError(t, host.Send(context.Background(), []byte(`{"type":"x"}`)))

	require.NoError(t, other.Disconnect())
	require.Eventually(t, func() bool { return len(host.Peers()) == 0 }, time.Second, 5*time.Millisecond)
	err := host.Send(context.Background(), []byte(`{"type":"y"}`))
	require.ErrorIs(t, err, errs.ErrNoOpenConnection)
}

func TestFollowerDialWaitsForHost(t *testing.T) {
	n := NewMemoryNetwork()
	follower := n.NewFollower("host", fastOpts("f1"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := follower.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, Error, follower.State())

	host := n.NewHost(fastOpts("host"))
	require.NoError(t, host.Connect(context.Background()))
	require.NoError(t, follower.Connect(context.Background()))
	require.Equal(t, Connected, follower.State())
}

func TestBlackholedHostSwallowsFrames(t *testing.T) {
	n, _, follower, hr, _ := memoryPair(t)
	n.Blackhole("host", true)
	require.NoError(t, follower.Send(context.Background(), []byte(`{"type":"x"}`)))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, hr.messages())
}

func TestOnMessageReplacesHandler(t *testing.T) {
	_, host, follower, _, _ := memoryPair(t)
	var mu sync.Mutex
	var first, second int
	host.OnMessage(func(Message) { mu.Lock(); first++; mu.Unlock() })
	host.OnMessage(func(Message) { mu.Lock(); second++; mu.Unlock() })
	require.NoError(t, follower.Send(context.Background(), []byte(`{"type":"x"}`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return second == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, first)
}

func TestControlFramesAreNotDelivered(t *testing.T) {
	_, _, follower, hr, _ := memoryPair(t)
	require.NoError(t, follower.Send(context.Background(), controlFrame(ctlHello, "f1")))
	require.NoError(t, follower.Send(context.Background(), []byte(`{"type":"y"}`)))
	require.Eventually(t, func() bool { return len(hr.messages()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{`f1:{"type":"y"}`}, hr.messages())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "connected", Connected.String())
	require.Equal(t, "left", PeerLeft.String())
}
