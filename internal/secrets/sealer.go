// Package secrets seals provider API keys before they are stored.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealedPrefix = "v1:"
	hkdfInfo     = "visibility-engine api keys"
)

// ErrNoKey is returned when sealing is attempted without a configured key.
var ErrNoKey = eris.New("secrets: encryption key not configured")

// ErrInvalidSealed is returned for values that were not produced by Seal
// with the same key and scope.
var ErrInvalidSealed = eris.New("secrets: invalid sealed value")

// Sealer encrypts and authenticates short secrets with XChaCha20-Poly1305.
// The scope passed to Seal and Open (the provider name) is bound as
// additional data, so a sealed key cannot be moved to another provider.
type Sealer struct {
	key []byte
}

// NewSealer builds a Sealer from the configured key. A base64 value that
// decodes to 32 bytes is used directly; anything else is treated as a
// passphrase and stretched with HKDF-SHA256.
func NewSealer(configured string) (*Sealer, error) {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return nil, ErrNoKey
	}

	if raw, err := base64.StdEncoding.DecodeString(configured); err == nil && len(raw) == chacha20poly1305.KeySize {
		return &Sealer{key: raw}, nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(configured), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, eris.Wrap(err, "secrets: derive key")
	}
	return &Sealer{key: key}, nil
}

// GenerateKey returns a random base64 key suitable for security.encryption_key.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", eris.Wrap(err, "secrets: generate key")
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext bound to scope.
func (s *Sealer) Seal(scope, plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", eris.Wrap(err, "secrets: init cipher")
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", eris.Wrap(err, "secrets: nonce")
	}
	out := aead.Seal(nonce, nonce, []byte(plaintext), []byte(scope))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal with the same scope.
func (s *Sealer) Open(scope, sealed string) (string, error) {
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", ErrInvalidSealed
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", eris.Wrap(ErrInvalidSealed, err.Error())
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", eris.Wrap(err, "secrets: init cipher")
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrInvalidSealed
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(scope))
	if err != nil {
		return "", ErrInvalidSealed
	}
	return string(plain), nil
}

// Hint returns a display form of a key that keeps only its last four
// characters.
func Hint(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", 4) + key[len(key)-4:]
}
