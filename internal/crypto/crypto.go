// internal/crypto/crypto.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/elmops/elm/internal/errs"
)

// -----------------------------------------------------------------------------
// elm crypto provider
//
// - Ed25519 only; keys travel as lowercase hex
// - Verify never panics, malformed input is simply "not valid"
// - SHA3-256 for fingerprints
// -----------------------------------------------------------------------------

const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize

	fingerprintBytes = 8
)

type PublicKey []byte

type PrivateKey []byte

func (k PrivateKey) String() string {
	return "PrivateKey{REDACTED}"
}

func (k PrivateKey) GoString() string {
	return "crypto.PrivateKey{REDACTED}"
}

// Public derives the public half of k. It returns nil for malformed keys.
func (k PrivateKey) Public() PublicKey {
	if len(k) != PrivateKeySize {
		return nil
	}
	pub := ed25519.PrivateKey(k).Public().(ed25519.PublicKey)
	out := make(PublicKey, len(pub))
	copy(out, pub)
	return out
}

type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// Fingerprint is a short, human-comparable digest of a public key.
func Fingerprint(pub PublicKey) string {
	if len(pub) == 0 {
		return ""
	}
	return hex.EncodeToString(SHA3_256(pub)[:fingerprintBytes])
}

// -----------------------------------------------------------------------------
// Key generation / signing
// -----------------------------------------------------------------------------

func GenerateKeyPair() (KeyPair, error) {
	return GenerateKeyPairFrom(rand.Reader)
}

// GenerateKeyPairFrom uses r as the entropy source.
func GenerateKeyPairFrom(r io.Reader) (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", errs.ErrKeyGenerationFailed, err)
	}
	return KeyPair{Public: PublicKey(pub), Private: PrivateKey(priv)}, nil
}

func Sign(priv PrivateKey, msg []byte) ([]byte, error) {
	if len(priv) != PrivateKeySize {
		return nil, errors.New("bad private key size")
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
}

func Verify(pub PublicKey, msg, sig []byte) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// ComparePublicKeys reports whether a and b are the same key.
func ComparePublicKeys(a, b PublicKey) bool {
	if len(a) != PublicKeySize || len(b) != PublicKeySize {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// -----------------------------------------------------------------------------
// Portable encoding
// -----------------------------------------------------------------------------

func ExportPublic(pub PublicKey) string {
	return hex.EncodeToString(pub)
}

func ExportPrivate(priv PrivateKey) string {
	return hex.EncodeToString(priv)
}

func ImportPublic(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("bad public key encoding")
	}
	if len(raw) != PublicKeySize {
		return nil, fmt.Errorf("bad public key size: %d", len(raw))
	}
	return PublicKey(raw), nil
}

func ImportPrivate(s string) (PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("bad private key encoding")
	}
	if len(raw) != PrivateKeySize {
		return nil, fmt.Errorf("bad private key size: %d", len(raw))
	}
	return PrivateKey(raw), nil
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveKeypair(dir string, kp KeyPair) error {
	if len(kp.Public) == 0 || len(kp.Private) == 0 {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(ExportPublic(kp.Public)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(ExportPrivate(kp.Private)), 0600)
}

func LoadKeypair(dir string) (KeyPair, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return KeyPair{}, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return KeyPair{}, err
	}
	pub, err := ImportPublic(string(pubHex))
	if err != nil {
		return KeyPair{}, fmt.Errorf("bad pub.hex")
	}
	priv, err := ImportPrivate(string(privHex))
	if err != nil {
		return KeyPair{}, fmt.Errorf("bad priv.hex")
	}
	if !ComparePublicKeys(priv.Public(), pub) {
		return KeyPair{}, fmt.Errorf("pub.hex does not match priv.hex")
	}
	return KeyPair{Public: pub, Private: priv}, nil
}
