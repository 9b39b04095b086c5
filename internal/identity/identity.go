// Package identity owns the local peer's long-lived identity and produces
// signed envelopes with a strictly increasing nonce.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elmops/elm/internal/crypto"
	"github.com/elmops/elm/internal/errs"
	"github.com/elmops/elm/internal/storage"
)

// StorageKey is where the identity is persisted.
const StorageKey = "secure_identity"

// DefaultNonceReservation is how many nonces are reserved per storage write.
// On restart signing resumes from the reserved high-water mark, so nonces
// are never reused even when the process dies between writes.
const DefaultNonceReservation = 64

type Identity struct {
	ID        string
	Keys      crypto.KeyPair
	Nonce     uint64
	CreatedAt time.Time
}

// Public returns the shareable half of the identity.
func (id Identity) Public() PublicIdentity {
	return PublicIdentity{ID: id.ID, PublicKey: crypto.ExportPublic(id.Keys.Public)}
}

// PublicIdentity is what peers learn about each other.
type PublicIdentity struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
}

type storedIdentity struct {
	ID         string `json:"id"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	Nonce      uint64 `json:"nonce"`
	CreatedAt  int64  `json:"createdAt"`
}

// IDProvider issues identity ids.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithIDProvider(p IDProvider) Option {
	return func(m *Manager) {
		if p != nil {
			m.ids = p
		}
	}
}

func WithNonceReservation(n uint64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.reservation = n
		}
	}
}

// Manager creates, loads and signs with the local identity. All methods are
// safe for concurrent use; nonce increments are serialized.
type Manager struct {
	storage     storage.Storage
	logger      *zap.Logger
	clock       func() time.Time
	ids         IDProvider
	reservation uint64

	mu       sync.Mutex
	current  *Identity
	reserved uint64
}

func NewManager(store storage.Storage, opts ...Option) *Manager {
	m := &Manager{
		storage:     store,
		logger:      zap.NewNop(),
		clock:       time.Now,
		ids:         NewUUIDProvider(),
		reservation: DefaultNonceReservation,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize loads the persisted identity or creates a new one.
func (m *Manager) Initialize(ctx context.Context) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return *m.current, nil
	}
	raw, ok, err := m.storage.Get(ctx, StorageKey)
	if err != nil {
		return Identity{}, wrapStorage(errs.ErrStorageLoad, err)
	}
	if !ok {
		return m.createLocked(ctx)
	}
	ident, err := decodeStored(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", errs.ErrStorageLoad, err)
	}
	m.current = &ident
	m.reserved = ident.Nonce
	m.logger.Info("identity loaded",
		zap.String("id", ident.ID),
		zap.String("fingerprint", crypto.Fingerprint(ident.Keys.Public)),
	)
	return ident, nil
}

// Create replaces any identity with a freshly generated one.
func (m *Manager) Create(ctx context.Context) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(ctx)
}

func (m *Manager) createLocked(ctx context.Context) (Identity, error) {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return Identity{}, err
	}
	id, err := m.ids.NewID()
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", errs.ErrKeyGenerationFailed, err)
	}
	ident := Identity{ID: id, Keys: keys, CreatedAt: m.clock().UTC()}
	if err := m.persist(ctx, ident, 0); err != nil {
		return Identity{}, err
	}
	m.current = &ident
	m.reserved = 0
	m.logger.Info("identity created",
		zap.String("id", ident.ID),
		zap.String("fingerprint", crypto.Fingerprint(keys.Public)),
	)
	return ident, nil
}

// Current returns the loaded identity.
func (m *Manager) Current() (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Identity{}, errs.ErrIdentityNotInitialized
	}
	return *m.current, nil
}

// SignMessage increments the nonce and signs payload together with the
// timestamp, nonce and sender id.
func (m *Manager) SignMessage(payload any) (SignedEnvelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return SignedEnvelope{}, fmt.Errorf("encode payload: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return SignedEnvelope{}, errs.ErrIdentityNotInitialized
	}
	m.current.Nonce++
	env := SignedEnvelope{
		Payload:   body,
		Timestamp: m.clock().UnixMilli(),
		Nonce:     m.current.Nonce,
		SenderID:  m.current.ID,
	}
	input, err := SigningInput(env)
	if err != nil {
		return SignedEnvelope{}, err
	}
	sig, err := crypto.Sign(m.current.Keys.Private, input)
	if err != nil {
		return SignedEnvelope{}, err
	}
	env.Signature = sig
	m.reserveLocked()
	return env, nil
}

func (m *Manager) reserveLocked() {
	if m.current.Nonce <= m.reserved {
		return
	}
	next := m.current.Nonce + m.reservation
	if err := m.persist(context.Background(), *m.current, next); err != nil {
		m.logger.Warn("nonce reservation not persisted", zap.Error(err))
		return
	}
	m.reserved = next
}

// Close persists the current nonce.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	mark := m.current.Nonce
	if m.reserved > mark {
		mark = m.reserved
	}
	return m.persist(ctx, *m.current, mark)
}

func (m *Manager) persist(ctx context.Context, ident Identity, nonce uint64) error {
	raw, err := json.Marshal(storedIdentity{
		ID:         ident.ID,
		PublicKey:  crypto.ExportPublic(ident.Keys.Public),
		PrivateKey: crypto.ExportPrivate(ident.Keys.Private),
		Nonce:      nonce,
		CreatedAt:  ident.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageSave, err)
	}
	if err := m.storage.Set(ctx, StorageKey, raw); err != nil {
		return wrapStorage(errs.ErrStorageSave, err)
	}
	return nil
}

func decodeStored(raw []byte) (Identity, error) {
	var s storedIdentity
	if err := json.Unmarshal(raw, &s); err != nil {
		return Identity{}, err
	}
	if s.ID == "" {
		return Identity{}, errors.New("missing id")
	}
	pub, err := crypto.ImportPublic(s.PublicKey)
	if err != nil {
		return Identity{}, err
	}
	priv, err := crypto.ImportPrivate(s.PrivateKey)
	if err != nil {
		return Identity{}, err
	}
	if !crypto.ComparePublicKeys(priv.Public(), pub) {
		return Identity{}, errors.New("public key does not match private key")
	}
	return Identity{
		ID:        s.ID,
		Keys:      crypto.KeyPair{Public: pub, Private: priv},
		Nonce:     s.Nonce,
		CreatedAt: time.UnixMilli(s.CreatedAt).UTC(),
	}, nil
}

func wrapStorage(kind, err error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %v", kind, err)
}
