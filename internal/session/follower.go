package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elmops/elm/internal/authz"
	"github.com/elmops/elm/internal/crypto"
	"github.com/elmops/elm/internal/errs"
	"github.com/elmops/elm/internal/gate"
	"github.com/elmops/elm/internal/identity"
	"github.com/elmops/elm/internal/metrics"
	"github.com/elmops/elm/internal/network"
	"github.com/elmops/elm/internal/proto"
	"github.com/elmops/elm/internal/router"
	"github.com/elmops/elm/internal/store"
)

type FollowerConfig[S any] struct {
	Identity  *identity.Manager
	Transport network.Transport
	// StoreID names the local replica in logs.
	StoreID string
	Initial S
	Mode    Mode
	// ConnectTimeout bounds the whole of Connect: link, key exchange and
	// initial state.
	ConnectTimeout time.Duration
	// ExpectedHostKey pins the host key. Without it the first key the host
	// presents is trusted.
	ExpectedHostKey crypto.PublicKey
	MaxMessageAge   time.Duration
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	Clock           func() time.Time
}

// handshake collects the replies Connect is waiting for.
type handshake struct {
	serverKey chan hostLink
	accepted  chan proto.KeyExchangeAccept
	synced    chan struct{}
	failed    chan error
}

func newHandshake() *handshake {
	return &handshake{
		serverKey: make(chan hostLink, 1),
		accepted:  make(chan proto.KeyExchangeAccept, 1),
		synced:    make(chan struct{}, 1),
		failed:    make(chan error, 1),
	}
}

// hostLink pairs the host identity with the transport peer it speaks
// through.
type hostLink struct {
	id   string
	conn string
}

func signal[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// Follower is a read-only replica of a host's store.
type Follower[S any] struct {
	cfg     FollowerConfig[S]
	self    identity.Identity
	logger  *zap.Logger
	metrics *metrics.Metrics

	router   *router.Router
	store    *store.Store[S]
	registry *gate.Registry
	gate     *gate.Gate

	connectMu sync.Mutex
	// sendMu keeps signing order equal to send order.
	sendMu sync.Mutex

	mu      sync.Mutex
	status  Status
	host    hostLink
	role    authz.RoleID
	pending *handshake
	onError func(proto.ErrorPayload)
}

func NewFollower[S any](cfg FollowerConfig[S]) (*Follower[S], error) {
	if cfg.Identity == nil || cfg.Transport == nil {
		return nil, errors.New("session: follower needs an identity and a transport")
	}
	self, err := cfg.Identity.Current()
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.StoreID == "" {
		cfg.StoreID = "store"
	}

	registry := gate.NewRegistry()
	f := &Follower[S]{
		cfg:      cfg,
		self:     self,
		logger:   cfg.Logger.Named("follower").With(zap.String("identity", self.ID), zap.Stringer("mode", cfg.Mode)),
		metrics:  cfg.Metrics,
		router:   router.New(cfg.Transport, router.Options{Logger: cfg.Logger, Metrics: cfg.Metrics, Clock: cfg.Clock}),
		store:    store.NewFollower(cfg.StoreID, cfg.Initial, store.Options{Logger: cfg.Logger, Metrics: cfg.Metrics, Clock: cfg.Clock}),
		registry: registry,
		gate: gate.New(registry, nil, gate.Options{
			MaxMessageAge: cfg.MaxMessageAge,
			Clock:         cfg.Clock,
			Logger:        cfg.Logger,
			Metrics:       cfg.Metrics,
		}),
	}

	f.router.OnPeer(f.onPeer)
	f.router.On(proto.Error, f.handleError)
	if cfg.Mode == ModeOpen {
		f.router.On(proto.StoreUpdate, f.onOpenUpdate)
	} else {
		f.router.On(proto.ServerKeyExchange, f.onServerKeyExchange)
		f.router.On(proto.KeyExchangeAccepted, f.onAccepted)
		f.router.On(proto.SecureStoreUpdate, f.onSecureUpdate)
	}
	return f, nil
}

// Connect links to the host, completes the key exchange and waits for the
// first snapshot. On timeout it returns errs.ErrConnectionTimeout and
// leaves the follower disconnected.
func (f *Follower[S]) Connect(ctx context.Context) error {
	f.connectMu.Lock()
	defer f.connectMu.Unlock()
	if f.Status() == StatusConnected && f.cfg.Transport.State() == network.Connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	defer cancel()

	hs := newHandshake()
	f.mu.Lock()
	f.status = StatusConnecting
	f.pending = hs
	f.mu.Unlock()
	f.store.Reset()

	role, err := f.connect(ctx, hs)

	f.mu.Lock()
	f.pending = nil
	if err != nil {
		f.status = StatusDisconnected
	} else {
		f.status = StatusConnected
		f.role = role
	}
	f.mu.Unlock()

	if err != nil {
		_ = f.cfg.Transport.Disconnect()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", errs.ErrConnectionTimeout, err)
		}
		f.logger.Warn("connect failed", zap.Error(err))
		return err
	}
	f.logger.Info("connected", zap.String("host", f.HostID()), zap.String("role", string(role)), zap.Uint64("version", f.store.Version()))
	return nil
}

func (f *Follower[S]) connect(ctx context.Context, hs *handshake) (authz.RoleID, error) {
	if err := f.cfg.Transport.Connect(ctx); err != nil {
		return "", err
	}
	if f.cfg.Mode == ModeOpen {
		return "", wait(ctx, hs, hs.synced)
	}

	host, err := waitValue(ctx, hs, hs.serverKey)
	if err != nil {
		return "", err
	}
	kx := proto.KeyExchange{ID: f.self.ID, PublicKey: crypto.ExportPublic(f.self.Keys.Public)}
	if err := f.sendSigned(ctx, host.conn, proto.ClientKeyExchange, kx); err != nil {
		return "", err
	}
	accept, err := waitValue(ctx, hs, hs.accepted)
	if err != nil {
		return "", err
	}
	if err := f.sendSigned(ctx, host.conn, proto.RequestInitialState, proto.InitialStateRequest{}); err != nil {
		return "", err
	}
	if err := wait(ctx, hs, hs.synced); err != nil {
		return "", err
	}
	return authz.RoleID(accept.RoleID), nil
}

func wait(ctx context.Context, hs *handshake, ch chan struct{}) error {
	_, err := waitValue(ctx, hs, ch)
	return err
}

func waitValue[T any](ctx context.Context, hs *handshake, ch chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case err := <-hs.failed:
		return zero, err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (f *Follower[S]) sendSigned(ctx context.Context, conn string, t proto.EventType, payload any) error {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	fr, _, err := signedFrame(f.cfg.Identity, t, payload)
	if err != nil {
		return err
	}
	return f.router.EmitTo(ctx, conn, fr)
}

// Dispatch sends action to the host. The result is observed as a later
// update, or as an ERROR for permission failures.
func (f *Follower[S]) Dispatch(ctx context.Context, action proto.Action) error {
	f.mu.Lock()
	host, status := f.host, f.status
	f.mu.Unlock()
	if status != StatusConnected || (f.cfg.Mode == ModeSecure && host.conn == "") {
		return fmt.Errorf("%w: not connected", errs.ErrNoOpenConnection)
	}
	if f.cfg.Mode == ModeOpen {
		fr, err := proto.NewFrame(proto.StoreAction, action)
		if err != nil {
			return err
		}
		return f.router.Emit(ctx, fr)
	}
	return f.sendSigned(ctx, host.conn, proto.SecureStoreAction, action)
}

// Disconnect leaves the session. It is safe to call more than once.
func (f *Follower[S]) Disconnect() error {
	f.mu.Lock()
	f.status = StatusDisconnected
	f.mu.Unlock()
	return f.cfg.Transport.Disconnect()
}

// Close disconnects and stops dispatch for good.
func (f *Follower[S]) Close() error {
	err := f.Disconnect()
	f.router.Close()
	return err
}

func (f *Follower[S]) OnError(fn func(proto.ErrorPayload)) {
	f.mu.Lock()
	f.onError = fn
	f.mu.Unlock()
}

func (f *Follower[S]) State() S {
	return f.store.State()
}

func (f *Follower[S]) Version() uint64 {
	return f.store.Version()
}

func (f *Follower[S]) Subscribe(fn func(store.Update[S])) func() {
	return f.store.Subscribe(fn)
}

func (f *Follower[S]) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Follower[S]) HostID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.host.id
}

// Role is the role the host granted on the last key exchange.
func (f *Follower[S]) Role() authz.RoleID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.role
}

func (f *Follower[S]) pendingHandshake() *handshake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (f *Follower[S]) onPeer(ev network.PeerEvent) {
	switch ev.Kind {
	case network.PeerJoined:
		f.metrics.PeerJoined()
	case network.PeerLeft, network.PeerLost:
		f.metrics.PeerGone(ev.Kind == network.PeerLeft)
		f.mu.Lock()
		if f.status == StatusConnected {
			f.status = StatusDisconnected
		}
		f.mu.Unlock()
		f.logger.Warn("host link closed", zap.String("peer", ev.Peer), zap.Stringer("reason", ev.Kind))
	}
}

func (f *Follower[S]) onServerKeyExchange(ev router.Event) {
	if ev.Local() {
		return
	}
	hs := f.pendingHandshake()
	env, err := proto.Envelope(ev.Frame())
	if err != nil {
		return
	}
	if pinned := f.cfg.ExpectedHostKey; len(pinned) > 0 {
		kx, err := identity.Open[proto.KeyExchange](env)
		if err != nil {
			return
		}
		key, err := crypto.ImportPublic(kx.PublicKey)
		if err != nil || !crypto.ComparePublicKeys(key, pinned) {
			f.metrics.IncKeyExchange(false)
			f.logger.Error("host key does not match the pinned key", zap.String("host", env.SenderID))
			if hs != nil {
				signal(hs.failed, fmt.Errorf("%w: host %s", errs.ErrKeyMismatch, env.SenderID))
			}
			return
		}
	}
	if cur := f.HostID(); cur != "" && cur != env.SenderID {
		f.logger.Error("unexpected host identity", zap.String("host", cur), zap.String("presented", env.SenderID))
		if hs != nil {
			signal(hs.failed, fmt.Errorf("%w: host changed from %s to %s", errs.ErrKeyMismatch, cur, env.SenderID))
		}
		return
	}
	rec, err := f.gate.VerifyKeyExchange(env)
	if err != nil {
		if hs != nil {
			signal(hs.failed, err)
		}
		return
	}
	link := hostLink{id: rec.ID, conn: ev.From}
	f.mu.Lock()
	f.host = link
	f.mu.Unlock()
	f.logger.Info("host key accepted", zap.String("host", rec.ID), zap.String("fingerprint", crypto.Fingerprint(rec.PublicKey)))
	if hs != nil {
		signal(hs.serverKey, link)
	}
}

// fromHost verifies ev as a signed message of the current host.
func (f *Follower[S]) fromHost(ev router.Event) (identity.SignedEnvelope, bool) {
	if ev.Local() {
		return identity.SignedEnvelope{}, false
	}
	env, err := proto.Envelope(ev.Frame())
	if err != nil {
		return env, false
	}
	if host := f.HostID(); host == "" || env.SenderID != host {
		f.metrics.IncGateDrop(errs.CodeUnknownSender)
		return env, false
	}
	if _, err := f.gate.Verify(env, authz.Capability{}); err != nil {
		return env, false
	}
	return env, true
}

func (f *Follower[S]) onAccepted(ev router.Event) {
	env, ok := f.fromHost(ev)
	if !ok {
		return
	}
	accept, err := identity.Open[proto.KeyExchangeAccept](env)
	if err != nil || accept.ClientID != f.self.ID {
		f.logger.Debug("acceptance for someone else", zap.String("client", accept.ClientID))
		return
	}
	if hs := f.pendingHandshake(); hs != nil {
		signal(hs.accepted, accept)
	}
}

func (f *Follower[S]) onSecureUpdate(ev router.Event) {
	env, ok := f.fromHost(ev)
	if !ok {
		return
	}
	wire, err := identity.Open[proto.Update](env)
	if err != nil {
		f.logger.Debug("undecodable update", zap.Error(err))
		return
	}
	f.applyUpdate(wire)
}

func (f *Follower[S]) onOpenUpdate(ev router.Event) {
	if ev.Local() {
		return
	}
	wire, err := proto.DecodePayload[proto.Update](ev.Frame())
	if err != nil {
		return
	}
	f.applyUpdate(wire)
}

func (f *Follower[S]) applyUpdate(wire proto.Update) {
	u, err := store.DecodeUpdate[S](wire)
	if err != nil {
		f.logger.Debug("undecodable state", zap.Error(err))
		return
	}
	hs := f.pendingHandshake()
	if f.store.ApplyUpdate(u) && hs != nil {
		signal(hs.synced, struct{}{})
	}
}

func (f *Follower[S]) handleError(ev router.Event) {
	if ev.Local() {
		return
	}
	f.mu.Lock()
	conn := f.host.conn
	f.mu.Unlock()
	if conn != "" && ev.From != conn {
		return
	}
	body, err := proto.DecodePayload[proto.ErrorPayload](ev.Frame())
	if err != nil {
		return
	}
	f.logger.Warn("host reported error", zap.String("code", body.Code), zap.String("message", body.Message))
	if hs := f.pendingHandshake(); hs != nil {
		signal(hs.failed, error(body))
		return
	}
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	if fn != nil {
		fn(body)
	}
}
