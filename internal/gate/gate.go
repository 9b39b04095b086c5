// Package gate verifies signed envelopes before any of their effects are
// applied: sender known, signature valid, nonce fresh, timestamp recent,
// capability granted.
package gate

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/elmops/elm/internal/authz"
	"github.com/elmops/elm/internal/crypto"
	"github.com/elmops/elm/internal/errs"
	"github.com/elmops/elm/internal/identity"
	"github.com/elmops/elm/internal/metrics"
	"github.com/elmops/elm/internal/proto"
)

const (
	DefaultMaxMessageAge = 30 * time.Second
	DefaultMaxClockSkew  = 30 * time.Second
)

// Authorizer answers capability checks. *authz.Model implements it.
type Authorizer interface {
	IsAuthorized(userID string, c authz.Capability) bool
}

type Options struct {
	MaxMessageAge time.Duration
	MaxClockSkew  time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type Gate struct {
	registry *Registry
	authz    Authorizer
	maxAge   time.Duration
	maxSkew  time.Duration
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(reg *Registry, az Authorizer, opts Options) *Gate {
	if opts.MaxMessageAge <= 0 {
		opts.MaxMessageAge = DefaultMaxMessageAge
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = DefaultMaxClockSkew
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Gate{
		registry: reg,
		authz:    az,
		maxAge:   opts.MaxMessageAge,
		maxSkew:  opts.MaxClockSkew,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("gate"),
		metrics:  opts.Metrics,
	}
}

func (g *Gate) Registry() *Registry {
	return g.registry
}

// Verify runs every check on env in a fixed order. The sender's nonce
// high-water mark moves as soon as the nonce check passes, so a later
// failure still burns the nonce. A zero required capability skips the
// permission check.
func (g *Gate) Verify(env identity.SignedEnvelope, required authz.Capability) (ClientRecord, error) {
	rec, err := g.verify(env, required)
	if err != nil {
		g.reject(env, err)
		return ClientRecord{}, err
	}
	g.metrics.IncGateAccepted()
	return rec, nil
}

func (g *Gate) verify(env identity.SignedEnvelope, required authz.Capability) (ClientRecord, error) {
	reg := g.registry
	reg.mu.Lock()
	cur, ok := reg.records[env.SenderID]
	if !ok {
		reg.mu.Unlock()
		return ClientRecord{}, fmt.Errorf("%w: %s", errs.ErrUnknownSender, env.SenderID)
	}
	if !identity.VerifyEnvelope(cur.PublicKey, env) {
		reg.mu.Unlock()
		return ClientRecord{}, fmt.Errorf("%w: from %s", errs.ErrInvalidSignature, env.SenderID)
	}
	if env.Nonce <= cur.LastNonce {
		last := cur.LastNonce
		reg.mu.Unlock()
		return ClientRecord{}, fmt.Errorf("%w: %d <= %d", errs.ErrReplayedNonce, env.Nonce, last)
	}
	cur.LastNonce = env.Nonce
	rec := cur.copy()
	reg.mu.Unlock()

	if err := g.fresh(env); err != nil {
		return ClientRecord{}, err
	}
	if required.Valid() && (g.authz == nil || !g.authz.IsAuthorized(env.SenderID, required)) {
		return ClientRecord{}, fmt.Errorf("%w: %s lacks %s", errs.ErrPermissionDenied, env.SenderID, required)
	}
	return rec, nil
}

func (g *Gate) fresh(env identity.SignedEnvelope) error {
	now := g.clock()
	sent := time.UnixMilli(env.Timestamp)
	if age := now.Sub(sent); age > g.maxAge {
		return fmt.Errorf("%w: %s old", errs.ErrStaleMessage, age.Truncate(time.Millisecond))
	}
	if ahead := sent.Sub(now); ahead > g.maxSkew {
		return fmt.Errorf("%w: %s in the future", errs.ErrStaleMessage, ahead.Truncate(time.Millisecond))
	}
	return nil
}

// VerifyKeyExchange checks a CLIENT_KEY_EXCHANGE or SERVER_KEY_EXCHANGE
// envelope against the key it carries and registers the sender. A sender
// already registered must present the same key and a fresh nonce.
func (g *Gate) VerifyKeyExchange(env identity.SignedEnvelope) (ClientRecord, error) {
	rec, err := g.verifyKeyExchange(env)
	if err != nil {
		g.metrics.IncKeyExchange(false)
		g.reject(env, err)
		return ClientRecord{}, err
	}
	g.metrics.IncKeyExchange(true)
	return rec, nil
}

func (g *Gate) verifyKeyExchange(env identity.SignedEnvelope) (ClientRecord, error) {
	kx, err := identity.Open[proto.KeyExchange](env)
	if err != nil {
		return ClientRecord{}, fmt.Errorf("%w: key exchange: %v", errs.ErrMalformedFrame, err)
	}
	if kx.ID != env.SenderID {
		return ClientRecord{}, fmt.Errorf("%w: envelope from %s claims %s", errs.ErrUnknownSender, env.SenderID, kx.ID)
	}
	pub, err := crypto.ImportPublic(kx.PublicKey)
	if err != nil {
		return ClientRecord{}, fmt.Errorf("%w: %v", errs.ErrInvalidSignature, err)
	}
	if !identity.VerifyEnvelope(pub, env) {
		return ClientRecord{}, fmt.Errorf("%w: key exchange from %s", errs.ErrInvalidSignature, env.SenderID)
	}
	if err := g.fresh(env); err != nil {
		return ClientRecord{}, err
	}

	reg := g.registry
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if cur, ok := reg.records[env.SenderID]; ok {
		if !crypto.ComparePublicKeys(cur.PublicKey, pub) {
			return ClientRecord{}, fmt.Errorf("%w: %s", errs.ErrKeyMismatch, env.SenderID)
		}
		if env.Nonce <= cur.LastNonce {
			return ClientRecord{}, fmt.Errorf("%w: %d <= %d", errs.ErrReplayedNonce, env.Nonce, cur.LastNonce)
		}
	}
	return reg.registerLocked(ClientRecord{
		ID:        env.SenderID,
		PublicKey: pub,
		LastNonce: env.Nonce,
		JoinedAt:  g.clock(),
	})
}

func (g *Gate) reject(env identity.SignedEnvelope, err error) {
	code := errs.Code(err)
	g.metrics.IncGateDrop(code)
	fields := []zap.Field{zap.String("sender", env.SenderID), zap.Uint64("nonce", env.Nonce), zap.String("reason", code), zap.Error(err)}
	if code == errs.CodePermissionDenied {
		g.logger.Warn("message rejected", fields...)
		return
	}
	g.logger.Debug("message dropped", fields...)
}
