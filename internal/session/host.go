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

type HostConfig[S any] struct {
	Identity  *identity.Manager
	Transport network.Transport
	Feature   Feature[S]
	Initial   S
	Mode      Mode
	// Founder is the identity that receives the founder role. Defaults to
	// the host's own identity.
	Founder *identity.PublicIdentity
	// ReconnectGrace is how long an identity whose link dropped keeps its
	// record and role.
	ReconnectGrace time.Duration
	SendTimeout    time.Duration
	MaxMessageAge  time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Clock          func() time.Time
}

type founder struct {
	id  string
	key crypto.PublicKey
}

// Host is the authoritative side of a session.
type Host[S any] struct {
	cfg     HostConfig[S]
	self    identity.Identity
	founder founder
	logger  *zap.Logger
	metrics *metrics.Metrics

	router   *router.Router
	out      *outbox
	store    *store.Store[S]
	model    *authz.Model
	registry *gate.Registry
	gate     *gate.Gate

	// Router goroutine only.
	byConn     map[string]string
	byIdentity map[string]string
	lost       map[string]*time.Timer

	closeOnce sync.Once
}

func NewHost[S any](cfg HostConfig[S]) (*Host[S], error) {
	if cfg.Identity == nil || cfg.Transport == nil {
		return nil, errors.New("session: host needs an identity and a transport")
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
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = DefaultReconnectGrace
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	logger := cfg.Logger.Named("host").With(zap.String("host", self.ID), zap.Stringer("mode", cfg.Mode))

	fd := founder{id: self.ID, key: self.Keys.Public}
	if cfg.Founder != nil {
		key, err := crypto.ImportPublic(cfg.Founder.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("founder key: %w", err)
		}
		fd = founder{id: cfg.Founder.ID, key: key}
	}

	model := authz.NewSystemModel(self.ID)
	if cfg.Feature.Bootstrap != nil {
		if err := cfg.Feature.Bootstrap(model, self.ID); err != nil {
			return nil, fmt.Errorf("bootstrap %s: %w", cfg.Feature.storeID(), err)
		}
	}

	registry := gate.NewRegistry()
	if _, err := registry.Register(gate.ClientRecord{ID: self.ID, PublicKey: self.Keys.Public, JoinedAt: cfg.Clock()}); err != nil {
		return nil, err
	}

	r := router.New(cfg.Transport, router.Options{Logger: cfg.Logger, Metrics: cfg.Metrics, Clock: cfg.Clock})
	h := &Host[S]{
		cfg:     cfg,
		self:    self,
		founder: fd,
		logger:  logger,
		metrics: cfg.Metrics,
		router:  r,
		out:     newOutbox(r, cfg.SendTimeout, logger),
		store: store.NewAuthoritative(cfg.Feature.storeID(), cfg.Initial, cfg.Feature.Handlers, store.Options{
			Logger: cfg.Logger, Metrics: cfg.Metrics, Clock: cfg.Clock,
		}),
		model:    model,
		registry: registry,
		gate: gate.New(registry, model, gate.Options{
			MaxMessageAge: cfg.MaxMessageAge,
			Clock:         cfg.Clock,
			Logger:        cfg.Logger,
			Metrics:       cfg.Metrics,
		}),
		byConn:     make(map[string]string),
		byIdentity: make(map[string]string),
		lost:       make(map[string]*time.Timer),
	}

	r.OnPeer(h.onPeer)
	if cfg.Mode == ModeOpen {
		r.On(proto.StoreAction, h.onOpenAction)
	} else {
		r.On(proto.ClientKeyExchange, h.onClientKeyExchange)
		r.On(proto.RequestInitialState, h.onRequestInitialState)
		r.On(proto.SecureStoreAction, h.onSecureAction)
	}
	return h, nil
}

// Start opens the transport for followers.
func (h *Host[S]) Start(ctx context.Context) error {
	if err := h.cfg.Transport.Connect(ctx); err != nil {
		return err
	}
	h.logger.Info("hosting", zap.String("store", h.store.ID()), zap.String("fingerprint", crypto.Fingerprint(h.self.Keys.Public)))
	return nil
}

// Stop says goodbye to every follower and stops dispatch.
func (h *Host[S]) Stop() error {
	var err error
	h.closeOnce.Do(func() {
		_ = h.router.Run(context.Background(), func() {
			for id, t := range h.lost {
				t.Stop()
				delete(h.lost, id)
			}
		})
		err = h.cfg.Transport.Disconnect()
		h.router.Close()
	})
	return err
}

func (h *Host[S]) ID() string {
	return h.self.ID
}

func (h *Host[S]) Model() *authz.Model {
	return h.model
}

func (h *Host[S]) Registry() *gate.Registry {
	return h.registry
}

func (h *Host[S]) State() S {
	return h.store.State()
}

func (h *Host[S]) Version() uint64 {
	return h.store.Version()
}

func (h *Host[S]) Subscribe(fn func(store.Update[S])) func() {
	return h.store.Subscribe(fn)
}

// Members lists identities currently bound to a connection.
func (h *Host[S]) Members(ctx context.Context) ([]string, error) {
	var out []string
	err := h.router.Run(ctx, func() {
		for id := range h.byIdentity {
			out = append(out, id)
		}
	})
	return out, err
}

// Dispatch signs action with the host identity and runs it through the same
// verification path as a follower's action.
func (h *Host[S]) Dispatch(ctx context.Context, action proto.Action) error {
	var err error
	runErr := h.router.Run(ctx, func() {
		err = h.dispatchLocal(action)
	})
	if runErr != nil {
		return runErr
	}
	return err
}

func (h *Host[S]) dispatchLocal(action proto.Action) error {
	if h.cfg.Mode == ModeOpen {
		return h.applyAndBroadcast(action, h.self.ID)
	}
	env, err := h.cfg.Identity.SignMessage(action)
	if err != nil {
		return err
	}
	return h.handleAction(env, action)
}

// -----------------------------------------------------------------------------
// Peers
// -----------------------------------------------------------------------------

func (h *Host[S]) onPeer(ev network.PeerEvent) {
	switch ev.Kind {
	case network.PeerJoined:
		h.metrics.PeerJoined()
		if h.cfg.Mode == ModeOpen {
			h.sendSnapshot(ev.Peer, proto.StoreUpdate)
			return
		}
		f, _, err := signedFrame(h.cfg.Identity, proto.ServerKeyExchange, proto.KeyExchange{
			ID:        h.self.ID,
			PublicKey: crypto.ExportPublic(h.self.Keys.Public),
		})
		if err != nil {
			h.logger.Error("server key exchange", zap.Error(err))
			return
		}
		h.out.push(ev.Peer, f)
	case network.PeerLeft:
		h.metrics.PeerGone(true)
		h.out.forget(ev.Peer)
		if id, ok := h.unbind(ev.Peer); ok {
			h.depart(id)
		}
	case network.PeerLost:
		h.metrics.PeerGone(false)
		h.out.forget(ev.Peer)
		if id, ok := h.unbind(ev.Peer); ok {
			h.logger.Info("peer lost, holding record", zap.String("identity", id), zap.Duration("grace", h.cfg.ReconnectGrace))
			h.lost[id] = time.AfterFunc(h.cfg.ReconnectGrace, func() {
				_ = h.router.Do(func() { h.expire(id) })
			})
		}
	}
}

func (h *Host[S]) bind(conn, id string) {
	if prev, ok := h.byIdentity[id]; ok && prev != conn {
		delete(h.byConn, prev)
	}
	if prev, ok := h.byConn[conn]; ok && prev != id {
		delete(h.byIdentity, prev)
	}
	h.byConn[conn] = id
	h.byIdentity[id] = conn
	if t, ok := h.lost[id]; ok {
		t.Stop()
		delete(h.lost, id)
	}
}

func (h *Host[S]) unbind(conn string) (string, bool) {
	id, ok := h.byConn[conn]
	if !ok {
		return "", false
	}
	delete(h.byConn, conn)
	if h.byIdentity[id] == conn {
		delete(h.byIdentity, id)
	}
	return id, true
}

func (h *Host[S]) expire(id string) {
	if _, ok := h.lost[id]; !ok {
		return
	}
	delete(h.lost, id)
	if _, back := h.byIdentity[id]; back {
		return
	}
	h.depart(id)
}

// depart forgets id: record, role and, if the feature wants it, its
// presence in the state.
func (h *Host[S]) depart(id string) {
	if id == h.self.ID {
		return
	}
	h.registry.Remove(id)
	if h.cfg.Feature.Domain != "" {
		if err := h.model.RevokeRole(h.self.ID, h.cfg.Feature.Domain, id); err != nil {
			h.logger.Warn("revoke role", zap.String("identity", id), zap.Error(err))
		}
	}
	h.logger.Info("identity departed", zap.String("identity", id))
	if h.cfg.Feature.Departure == nil {
		return
	}
	if action, ok := h.cfg.Feature.Departure(id); ok {
		if err := h.dispatchLocal(action); err != nil {
			h.logger.Warn("departure action", zap.String("identity", id), zap.Error(err))
		}
	}
}

// -----------------------------------------------------------------------------
// Secure protocol
// -----------------------------------------------------------------------------

func (h *Host[S]) onClientKeyExchange(ev router.Event) {
	if ev.Local() {
		return
	}
	env, err := proto.Envelope(ev.Frame())
	if err != nil {
		h.logger.Debug("bad key exchange", zap.String("conn", ev.From), zap.Error(err))
		return
	}
	if bound, ok := h.byConn[ev.From]; ok && bound != env.SenderID {
		h.sendError(ev.From, fmt.Errorf("%w: connection bound to another identity", errs.ErrUnknownSender))
		return
	}
	rec, err := h.gate.VerifyKeyExchange(env)
	if err != nil {
		h.sendError(ev.From, err)
		return
	}

	isFounder := rec.ID == h.founder.id && crypto.ComparePublicKeys(rec.PublicKey, h.founder.key)
	var role authz.RoleID
	if h.cfg.Feature.Role != nil && h.cfg.Feature.Domain != "" {
		role = h.cfg.Feature.Role(isFounder)
		if err := h.model.AssignRole(h.self.ID, h.cfg.Feature.Domain, rec.ID, role); err != nil {
			h.logger.Error("assign role", zap.String("identity", rec.ID), zap.Error(err))
			h.sendError(ev.From, err)
			return
		}
	}
	h.bind(ev.From, rec.ID)

	f, _, err := signedFrame(h.cfg.Identity, proto.KeyExchangeAccepted, proto.KeyExchangeAccept{
		ClientID: rec.ID,
		RoleID:   string(role),
		HostID:   h.self.ID,
	})
	if err != nil {
		h.logger.Error("accept key exchange", zap.Error(err))
		return
	}
	h.logger.Info("identity admitted",
		zap.String("identity", rec.ID),
		zap.String("conn", ev.From),
		zap.String("role", string(role)),
		zap.Bool("founder", isFounder),
		zap.String("fingerprint", crypto.Fingerprint(rec.PublicKey)))
	h.out.push(ev.From, f)
}

// boundEnvelope returns the envelope of ev when its sender is the identity
// bound to the connection it arrived on.
func (h *Host[S]) boundEnvelope(ev router.Event) (identity.SignedEnvelope, bool) {
	env, err := proto.Envelope(ev.Frame())
	if err != nil {
		return env, false
	}
	if h.byConn[ev.From] != env.SenderID {
		h.metrics.IncGateDrop(errs.CodeUnknownSender)
		h.logger.Debug("sender not bound to connection", zap.String("conn", ev.From), zap.String("sender", env.SenderID))
		return env, false
	}
	return env, true
}

func (h *Host[S]) onRequestInitialState(ev router.Event) {
	if ev.Local() {
		return
	}
	env, ok := h.boundEnvelope(ev)
	if !ok {
		return
	}
	if _, err := h.gate.Verify(env, authz.Capability{}); err != nil {
		return
	}
	h.sendSnapshot(ev.From, proto.SecureStoreUpdate)
}

func (h *Host[S]) onSecureAction(ev router.Event) {
	if ev.Local() {
		return
	}
	env, ok := h.boundEnvelope(ev)
	if !ok {
		return
	}
	action, err := identity.Open[proto.Action](env)
	if err != nil {
		h.logger.Debug("undecodable action", zap.String("sender", env.SenderID), zap.Error(err))
		return
	}
	if err := h.handleAction(env, action); err != nil && errors.Is(err, errs.ErrPermissionDenied) {
		h.sendError(ev.From, err)
	}
}

// handleAction verifies env and applies action. The capability comes from
// the host's handler table, never from the sender.
func (h *Host[S]) handleAction(env identity.SignedEnvelope, action proto.Action) error {
	required, _ := h.store.Capability(action.Type)
	if _, err := h.gate.Verify(env, required); err != nil {
		return err
	}
	if err := h.actsForSelf(env.SenderID, action); err != nil {
		h.metrics.IncGateDrop(errs.Code(err))
		h.logger.Warn("message rejected",
			zap.String("sender", env.SenderID),
			zap.String("action", action.Type),
			zap.Error(err))
		return err
	}
	return h.applyAndBroadcast(action, env.SenderID)
}

func (h *Host[S]) actsForSelf(sender string, action proto.Action) error {
	if h.cfg.Feature.Subject == nil {
		return nil
	}
	subject, ok := h.cfg.Feature.Subject(action)
	if !ok || subject == sender {
		return nil
	}
	if h.model.IsAuthorized(sender, h.cfg.Feature.Delegate) {
		return nil
	}
	return fmt.Errorf("%w: %s cannot %s for %s", errs.ErrPermissionDenied, sender, action.Type, subject)
}

func (h *Host[S]) applyAndBroadcast(action proto.Action, sender string) error {
	u, err := h.store.Apply(action)
	if err != nil {
		h.metrics.IncActionRejected()
		h.logger.Info("action rejected", zap.String("action", action.Type), zap.String("sender", sender), zap.Error(err))
		return err
	}
	h.metrics.IncActionApplied(metrics.ActionRecord{Type: action.Type, Sender: sender, Version: u.Version, At: h.cfg.Clock()})
	h.broadcast(u)
	return nil
}

func (h *Host[S]) broadcast(u store.Update[S]) {
	wire, err := store.EncodeUpdate(u)
	if err != nil {
		h.logger.Error("encode update", zap.Error(err))
		return
	}
	h.metrics.IncUpdateBroadcast()
	if h.cfg.Mode == ModeOpen {
		f, err := proto.NewFrame(proto.StoreUpdate, wire)
		if err != nil {
			h.logger.Error("update frame", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SendTimeout)
		defer cancel()
		err = h.router.Emit(ctx, f)
		switch {
		case errors.Is(err, errs.ErrNoOpenConnection):
			h.logger.Debug("broadcast without followers", zap.Uint64("version", u.Version))
		case err != nil:
			h.logger.Warn("broadcast", zap.Error(err))
		}
		return
	}
	if len(h.byConn) == 0 {
		return
	}
	f, _, err := signedFrame(h.cfg.Identity, proto.SecureStoreUpdate, wire)
	if err != nil {
		h.logger.Error("sign update", zap.Error(err))
		return
	}
	for conn := range h.byConn {
		h.out.push(conn, f)
	}
}

func (h *Host[S]) sendSnapshot(conn string, t proto.EventType) {
	u, err := h.store.Snapshot()
	if err != nil {
		h.logger.Error("snapshot", zap.Error(err))
		return
	}
	wire, err := store.EncodeUpdate(u)
	if err != nil {
		h.logger.Error("encode snapshot", zap.Error(err))
		return
	}
	var f proto.Frame
	if t.Signed() {
		f, _, err = signedFrame(h.cfg.Identity, t, wire)
	} else {
		f, err = proto.NewFrame(t, wire)
	}
	if err != nil {
		h.logger.Error("snapshot frame", zap.Error(err))
		return
	}
	h.out.push(conn, f)
}

func (h *Host[S]) sendError(conn string, cause error) {
	f, err := proto.NewFrame(proto.Error, proto.ErrorPayload{Code: errs.Code(cause), Message: cause.Error()})
	if err != nil {
		return
	}
	h.out.push(conn, f)
}

// -----------------------------------------------------------------------------
// Open protocol
// -----------------------------------------------------------------------------

func (h *Host[S]) onOpenAction(ev router.Event) {
	if ev.Local() {
		return
	}
	action, err := proto.DecodePayload[proto.Action](ev.Frame())
	if err != nil {
		h.logger.Debug("undecodable action", zap.String("conn", ev.From), zap.Error(err))
		return
	}
	_ = h.applyAndBroadcast(action, ev.From)
}
