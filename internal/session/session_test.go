package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elmops/elm/internal/crypto"
	"github.com/elmops/elm/internal/errs"
	"github.com/elmops/elm/internal/gate"
	"github.com/elmops/elm/internal/identity"
	"github.com/elmops/elm/internal/meeting"
	"github.com/elmops/elm/internal/metrics"
	"github.com/elmops/elm/internal/network"
	"github.com/elmops/elm/internal/proto"
	"github.com/elmops/elm/internal/session"
	"github.com/elmops/elm/internal/storage"
	"github.com/elmops/elm/internal/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func netOpts(id string) network.Options {
	return network.Options{LocalID: id, RetryBase: 5 * time.Millisecond, MaxRetries: 2}
}

func newIdentity(t *testing.T) (*identity.Manager, identity.Identity) {
	t.Helper()
	ids := identity.NewManager(storage.NewMemoryStore())
	ident, err := ids.Initialize(context.Background())
	require.NoError(t, err)
	return ids, ident
}

type harness struct {
	t       *testing.T
	net     *network.MemoryNetwork
	host    *session.Host[meeting.State]
	hostIDs *identity.Manager
	metrics *metrics.Metrics
	mode    session.Mode
}

type hostOption func(*session.HostConfig[meeting.State])

func startHost(t *testing.T, mode session.Mode, opts ...hostOption) *harness {
	t.Helper()
	ids, ident := newIdentity(t)
	initial, err := meeting.NewMeeting(meeting.StandupTemplate(), meeting.Participant{ID: ident.ID, Name: "Host"})
	require.NoError(t, err)

	n := network.NewMemoryNetwork()
	m := metrics.New()
	cfg := session.HostConfig[meeting.State]{
		Identity:       ids,
		Transport:      n.NewHost(netOpts("host")),
		Feature:        meeting.Feature(),
		Initial:        initial,
		Mode:           mode,
		ReconnectGrace: 100 * time.Millisecond,
		SendTimeout:    time.Second,
		Metrics:        m,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	host, err := session.NewHost(cfg)
	require.NoError(t, err)
	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(func() { _ = host.Stop() })
	return &harness{t: t, net: n, host: host, hostIDs: ids, metrics: m, mode: mode}
}

type member struct {
	session   *session.Follower[meeting.State]
	ids       *identity.Manager
	ident     identity.Identity
	transport *network.MemoryTransport
	metrics   *metrics.Metrics
}

func (h *harness) newMember(name string, ids *identity.Manager, ident identity.Identity, timeout time.Duration) member {
	h.t.Helper()
	if ids == nil {
		ids, ident = newIdentity(h.t)
	}
	tr := h.net.NewFollower("host", netOpts(name))
	m := metrics.New()
	f, err := session.NewFollower(session.FollowerConfig[meeting.State]{
		Identity:       ids,
		Transport:      tr,
		StoreID:        "meeting",
		Mode:           h.mode,
		ConnectTimeout: timeout,
		Metrics:        m,
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = f.Close() })
	return member{session: f, ids: ids, ident: ident, transport: tr, metrics: m}
}

func (h *harness) join(name string) member {
	h.t.Helper()
	m := h.newMember(name, nil, identity.Identity{}, waitFor)
	require.NoError(h.t, m.session.Connect(context.Background()))
	return m
}

func participants(st meeting.State) []string {
	if st.Meeting == nil {
		return nil
	}
	out := make([]string, 0, len(st.Meeting.Participants))
	for _, p := range st.Meeting.Participants {
		out = append(out, p.ID)
	}
	return out
}

func hasParticipant(st meeting.State, id string) bool {
	for _, p := range participants(st) {
		if p == id {
			return true
		}
	}
	return false
}

func mustAction(t *testing.T) func(proto.Action, error) proto.Action {
	return func(a proto.Action, err error) proto.Action {
		t.Helper()
		require.NoError(t, err)
		return a
	}
}

// Scenario A: bootstrap gives the host the executor role and nobody else.
func TestHostBootstrapAuthorizesHost(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	model := h.host.Model()
	require.True(t, model.IsAuthorized(h.host.ID(), meeting.StartMeeting))
	require.False(t, model.IsAuthorized("random-id", meeting.StartMeeting))
	role, ok := model.RoleOf(meeting.DomainID, h.host.ID())
	require.True(t, ok)
	require.Equal(t, meeting.ExecutorRole, role)

	_, ok = h.host.Registry().Get(h.host.ID())
	require.True(t, ok)
}

func TestFollowerReceivesInitialState(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	m := h.join("f1")

	require.Equal(t, session.StatusConnected, m.session.Status())
	require.Equal(t, h.host.ID(), m.session.HostID())
	require.Equal(t, meeting.ParticipantRole, m.session.Role())
	require.Equal(t, []string{h.host.ID()}, participants(m.session.State()))

	role, ok := h.host.Model().RoleOf(meeting.DomainID, m.ident.ID)
	require.True(t, ok)
	require.Equal(t, meeting.ParticipantRole, role)
	require.Equal(t, uint64(1), h.metrics.Snapshot().KeyExchange.Accepted)
}

// Scenario B: a signed join is applied, versioned and broadcast.
func TestFollowerActionIsAppliedAndBroadcast(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	a := h.join("f1")
	b := h.join("f2")
	require.Zero(t, h.host.Version())

	join := mustAction(t)(meeting.Join(meeting.Participant{ID: a.ident.ID, Name: "Ada"}))
	require.NoError(t, a.session.Dispatch(context.Background(), join))

	require.Eventually(t, func() bool { return h.host.Version() == 1 }, waitFor, tick)
	for _, m := range []member{a, b} {
		require.Eventually(t, func() bool {
			return m.session.Version() == 1 && hasParticipant(m.session.State(), a.ident.ID)
		}, waitFor, tick)
	}
	snap := h.metrics.Snapshot()
	require.Equal(t, uint64(1), snap.Store.ActionsApplied)
	require.Equal(t, uint64(1), snap.Store.UpdatesBroadcast)
	require.Equal(t, a.ident.ID, snap.Recent[0].Sender)
}

// Scenario C: replaying a captured action does nothing.
func TestReplayedActionIsDropped(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	a := h.join("f1")

	join := mustAction(t)(meeting.Join(meeting.Participant{ID: a.ident.ID, Name: "Ada"}))
	env, err := a.ids.SignMessage(join)
	require.NoError(t, err)
	f, err := proto.NewFrame(proto.SecureStoreAction, env)
	require.NoError(t, err)
	raw, err := proto.EncodeFrameJSON(f)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.transport.Send(ctx, raw))
	require.Eventually(t, func() bool { return a.session.Version() == 1 }, waitFor, tick)

	require.NoError(t, a.transport.Send(ctx, raw))
	require.Eventually(t, func() bool {
		return h.metrics.Snapshot().Gate.DropByReason[errs.CodeReplayedNonce] == 1
	}, waitFor, tick)
	require.Equal(t, uint64(1), h.host.Version())
	require.Equal(t, uint64(1), h.metrics.Snapshot().Store.UpdatesBroadcast)
}

// Scenario D: a participant cannot stop the meeting and is told so.
func TestPermissionDeniedIsReportedToSender(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	a := h.join("f1")

	got := make(chan proto.ErrorPayload, 1)
	a.session.OnError(func(e proto.ErrorPayload) { got <- e })

	stop := mustAction(t)(meeting.Stop(time.Now()))
	require.NoError(t, a.session.Dispatch(context.Background(), stop))

	select {
	case e := <-got:
		require.Equal(t, errs.CodePermissionDenied, e.Code)
		require.True(t, errors.Is(e, errs.ErrPermissionDenied))
	case <-time.After(waitFor):
		t.Fatalf("no error reported")
	}
	require.Zero(t, h.host.Version())
	require.Zero(t, a.session.Version())
}

// Scenario E: an unreachable host fails Connect with a timeout and no state.
func TestConnectTimesOutWithoutHost(t *testing.T) {
	n := network.NewMemoryNetwork()
	ids, _ := newIdentity(t)
	f, err := session.NewFollower(session.FollowerConfig[meeting.State]{
		Identity:       ids,
		Transport:      n.NewFollower("nobody", netOpts("f1")),
		ConnectTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer f.Close()

	err = f.Connect(context.Background())
	require.ErrorIs(t, err, errs.ErrConnectionTimeout)
	require.Equal(t, session.StatusDisconnected, f.Status())
	require.Nil(t, f.State().Meeting)
	require.Zero(t, f.Version())
}

func TestConnectTimesOutWhenHostIsSilent(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	h.net.Blackhole("host", true)
	m := h.newMember("f1", nil, identity.Identity{}, 150*time.Millisecond)

	err := m.session.Connect(context.Background())
	require.ErrorIs(t, err, errs.ErrConnectionTimeout)
	require.Equal(t, session.StatusDisconnected, m.session.Status())
	require.Nil(t, m.session.State().Meeting)

	// The same follower can retry once the host answers again.
	h.net.Blackhole("host", false)
	require.NoError(t, m.session.Connect(context.Background()))
	require.NotNil(t, m.session.State().Meeting)
}

func TestConnectIsIdempotent(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	m := h.join("f1")
	require.NoError(t, m.session.Connect(context.Background()))
	require.Equal(t, uint64(1), h.metrics.Snapshot().KeyExchange.Accepted)
}

func TestHostDispatchReachesFollowers(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	a := h.join("f1")

	updates := make(chan uint64, 4)
	a.session.Subscribe(func(u store.Update[meeting.State]) { updates <- u.Version })

	require.NoError(t, h.host.Dispatch(context.Background(), mustAction(t)(meeting.Start(time.Now()))))
	select {
	case v := <-updates:
		require.Equal(t, uint64(1), v)
	case <-time.After(waitFor):
		t.Fatalf("no update")
	}
	require.True(t, a.session.State().Meeting.IsActive)

	err := h.host.Dispatch(context.Background(), mustAction(t)(meeting.UpdatePhase(99)))
	require.ErrorIs(t, err, meeting.ErrPhaseOutOfRange)
	require.Equal(t, uint64(1), h.host.Version())
}

func TestDispatchWhileDisconnected(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	m := h.newMember("f1", nil, identity.Identity{}, waitFor)
	err := m.session.Dispatch(context.Background(), mustAction(t)(meeting.Leave("x")))
	require.ErrorIs(t, err, errs.ErrNoOpenConnection)
}

func TestFollowerStoreIsReadOnlyLocally(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	m := h.join("f1")
	st := m.session.State()
	st.Meeting.Participants = nil
	require.Len(t, m.session.State().Meeting.Participants, 1)
}

func TestLeaveRemovesIdentity(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	a := h.join("f1")
	b := h.join("f2")
	require.NoError(t, a.session.Dispatch(context.Background(),
		mustAction(t)(meeting.Join(meeting.Participant{ID: a.ident.ID, Name: "Ada"}))))
	require.Eventually(t, func() bool { return hasParticipant(b.session.State(), a.ident.ID) }, waitFor, tick)

	require.NoError(t, a.session.Disconnect())
	require.NoError(t, a.session.Disconnect())
	require.Equal(t, session.StatusDisconnected, a.session.Status())

	require.Eventually(t, func() bool { return !hasParticipant(b.session.State(), a.ident.ID) }, waitFor, tick)
	_, ok := h.host.Registry().Get(a.ident.ID)
	require.False(t, ok)
	_, ok = h.host.Model().RoleOf(meeting.DomainID, a.ident.ID)
	require.False(t, ok)
}

func rawFrame(t *testing.T, ids *identity.Manager, typ proto.EventType, payload any) []byte {
	t.Helper()
	env, err := ids.SignMessage(payload)
	require.NoError(t, err)
	f, err := proto.NewFrame(typ, env)
	require.NoError(t, err)
	raw, err := proto.EncodeFrameJSON(f)
	require.NoError(t, err)
	return raw
}

func TestKeyExchangeReplayedAfterLeaveIsRejected(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	ids, ident := newIdentity(t)
	ctx := context.Background()

	kx := rawFrame(t, ids, proto.ClientKeyExchange, proto.KeyExchange{
		ID:        ident.ID,
		PublicKey: crypto.ExportPublic(ident.Keys.Public),
	})
	join := rawFrame(t, ids, proto.SecureStoreAction,
		mustAction(t)(meeting.Join(meeting.Participant{ID: ident.ID, Name: "Ada"})))

	first := h.net.NewFollower("host", netOpts("v1"))
	require.NoError(t, first.Connect(ctx))
	require.NoError(t, first.Send(ctx, kx))
	require.NoError(t, first.Send(ctx, join))
	require.Eventually(t, func() bool { return hasParticipant(h.host.State(), ident.ID) }, waitFor, tick)

	require.NoError(t, first.Disconnect())
	require.Eventually(t, func() bool { return !hasParticipant(h.host.State(), ident.ID) }, waitFor, tick)
	version := h.host.Version()
	retired, ok := h.host.Registry().Retired(ident.ID)
	require.True(t, ok)
	require.Greater(t, retired, uint64(0))

	// Same bytes over a new connection.
	second := h.net.NewFollower("host", netOpts("v2"))
	require.NoError(t, second.Connect(ctx))
	require.NoError(t, second.Send(ctx, kx))
	require.NoError(t, second.Send(ctx, join))
	require.Eventually(t, func() bool {
		return h.metrics.Snapshot().Gate.DropByReason[errs.CodeUnknownSender] == 1
	}, waitFor, tick)
	require.Equal(t, uint64(1), h.metrics.Snapshot().Gate.DropByReason[errs.CodeReplayedNonce])
	require.Equal(t, version, h.host.Version())
	require.False(t, hasParticipant(h.host.State(), ident.ID))
	_, ok = h.host.Registry().Get(ident.ID)
	require.False(t, ok)

	// A fresh exchange from the real owner is still welcome.
	back := h.newMember("f1", ids, ident, waitFor)
	require.NoError(t, back.session.Connect(ctx))
	_, ok = h.host.Registry().Get(ident.ID)
	require.True(t, ok)
}

func TestParticipantActsOnlyForSelf(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	a := h.join("f1")
	b := h.join("f2")
	require.NoError(t, b.session.Dispatch(context.Background(),
		mustAction(t)(meeting.Join(meeting.Participant{ID: b.ident.ID, Name: "Bea"}))))
	require.Eventually(t, func() bool { return hasParticipant(a.session.State(), b.ident.ID) }, waitFor, tick)
	version := h.host.Version()

	got := make(chan proto.ErrorPayload, 2)
	a.session.OnError(func(e proto.ErrorPayload) { got <- e })
	require.NoError(t, a.session.Dispatch(context.Background(), mustAction(t)(meeting.Leave(b.ident.ID))))
	require.NoError(t, a.session.Dispatch(context.Background(),
		mustAction(t)(meeting.Join(meeting.Participant{ID: "mallory", Name: "Mallory"}))))
	for range 2 {
		select {
		case e := <-got:
			require.Equal(t, errs.CodePermissionDenied, e.Code)
		case <-time.After(waitFor):
			t.Fatalf("no error reported")
		}
	}
	require.Equal(t, version, h.host.Version())
	require.True(t, hasParticipant(h.host.State(), b.ident.ID))
	require.Equal(t, uint64(2), h.metrics.Snapshot().Gate.DropByReason[errs.CodePermissionDenied])

	// The executor manages anyone.
	require.NoError(t, h.host.Dispatch(context.Background(), mustAction(t)(meeting.Leave(b.ident.ID))))
	require.False(t, hasParticipant(h.host.State(), b.ident.ID))
}

func TestLostPeerKeepsRecordForGrace(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	a := h.join("f1")
	require.NoError(t, a.session.Dispatch(context.Background(),
		mustAction(t)(meeting.Join(meeting.Participant{ID: a.ident.ID, Name: "Ada"}))))
	require.Eventually(t, func() bool { return hasParticipant(h.host.State(), a.ident.ID) }, waitFor, tick)

	h.net.Drop("host", "f1")
	require.Eventually(t, func() bool { return a.session.Status() == session.StatusDisconnected }, waitFor, tick)
	_, ok := h.host.Registry().Get(a.ident.ID)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := h.host.Registry().Get(a.ident.ID)
		return !ok && !hasParticipant(h.host.State(), a.ident.ID)
	}, waitFor, tick)
}

func TestLostPeerCanResume(t *testing.T) {
	h := startHost(t, session.ModeSecure, func(cfg *session.HostConfig[meeting.State]) {
		cfg.ReconnectGrace = time.Minute
	})
	a := h.join("f1")
	h.net.Drop("host", "f1")
	require.Eventually(t, func() bool { return a.session.Status() == session.StatusDisconnected }, waitFor, tick)

	require.NoError(t, a.session.Connect(context.Background()))
	require.NoError(t, a.session.Dispatch(context.Background(),
		mustAction(t)(meeting.Join(meeting.Participant{ID: a.ident.ID, Name: "Ada"}))))
	require.Eventually(t, func() bool { return hasParticipant(a.session.State(), a.ident.ID) }, waitFor, tick)
	members, err := h.host.Members(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{a.ident.ID}, members)
}

func TestFounderGetsExecutorRole(t *testing.T) {
	ids, ident := newIdentity(t)
	pub := ident.Public()
	h := startHost(t, session.ModeSecure, func(cfg *session.HostConfig[meeting.State]) {
		cfg.Founder = &pub
	})
	m := h.newMember("f1", ids, ident, waitFor)
	require.NoError(t, m.session.Connect(context.Background()))
	require.Equal(t, meeting.ExecutorRole, m.session.Role())

	require.NoError(t, m.session.Dispatch(context.Background(), mustAction(t)(meeting.Stop(time.Now()))))
	require.Eventually(t, func() bool { return h.host.Version() == 1 }, waitFor, tick)
}

func TestPinnedHostKeyMismatch(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	ids, _ := newIdentity(t)
	f, err := session.NewFollower(session.FollowerConfig[meeting.State]{
		Identity:        ids,
		Transport:       h.net.NewFollower("host", netOpts("f1")),
		ExpectedHostKey: other.Public,
		ConnectTimeout:  waitFor,
	})
	require.NoError(t, err)
	defer f.Close()

	err = f.Connect(context.Background())
	require.ErrorIs(t, err, errs.ErrKeyMismatch)
	require.Equal(t, session.StatusDisconnected, f.Status())
}

func TestPinnedHostKeyMatch(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	hostIdent, err := h.hostIDs.Current()
	require.NoError(t, err)
	ids, _ := newIdentity(t)
	f, err := session.NewFollower(session.FollowerConfig[meeting.State]{
		Identity:        ids,
		Transport:       h.net.NewFollower("host", netOpts("f1")),
		ExpectedHostKey: hostIdent.Keys.Public,
		ConnectTimeout:  waitFor,
	})
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Connect(context.Background()))
}

func TestSenderMustMatchConnection(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	a := h.join("f1")
	b := h.join("f2")

	// b forwards an action signed by a over its own connection.
	join := mustAction(t)(meeting.Join(meeting.Participant{ID: a.ident.ID}))
	env, err := a.ids.SignMessage(join)
	require.NoError(t, err)
	f, err := proto.NewFrame(proto.SecureStoreAction, env)
	require.NoError(t, err)
	raw, err := proto.EncodeFrameJSON(f)
	require.NoError(t, err)
	require.NoError(t, b.transport.Send(context.Background(), raw))

	require.Eventually(t, func() bool {
		return h.metrics.Snapshot().Gate.DropByReason[errs.CodeUnknownSender] == 1
	}, waitFor, tick)
	require.Zero(t, h.host.Version())
}

func TestOpenMode(t *testing.T) {
	h := startHost(t, session.ModeOpen)
	a := h.join("f1")
	require.NotNil(t, a.session.State().Meeting)

	require.NoError(t, a.session.Dispatch(context.Background(),
		mustAction(t)(meeting.Join(meeting.Participant{ID: "guest", Name: "Guest"}))))
	require.Eventually(t, func() bool { return hasParticipant(a.session.State(), "guest") }, waitFor, tick)
	require.Zero(t, h.metrics.Snapshot().KeyExchange.Accepted)
}

func TestConcurrentDispatchKeepsNonceOrder(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	a := h.join("f1")

	actions := make([]proto.Action, 10)
	for i := range actions {
		actions[i] = mustAction(t)(meeting.Join(meeting.Participant{ID: a.ident.ID, Name: string(rune('a' + i))}))
	}
	var wg sync.WaitGroup
	for _, action := range actions {
		wg.Add(1)
		go func(action proto.Action) {
			defer wg.Done()
			_ = a.session.Dispatch(context.Background(), action)
		}(action)
	}
	wg.Wait()
	require.Eventually(t, func() bool { return h.host.Version() == 10 }, waitFor, tick)
	require.Zero(t, h.metrics.Snapshot().Gate.DropByReason[errs.CodeReplayedNonce])
}

func TestRegistryHelpers(t *testing.T) {
	h := startHost(t, session.ModeSecure)
	a := h.join("f1")
	rec, ok := h.host.Registry().Get(a.ident.ID)
	require.True(t, ok)
	require.True(t, crypto.ComparePublicKeys(a.ident.Keys.Public, rec.PublicKey))
	require.IsType(t, gate.ClientRecord{}, rec)
}
