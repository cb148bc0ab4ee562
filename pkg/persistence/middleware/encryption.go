package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/ports"
)

// SealedPrefix marks a field value encrypted by the middleware.
const SealedPrefix = "[SEALED]"

// ErrNotSealed is returned when loading a field that was stored in plain text.
var ErrNotSealed = errors.New("snapshot field is not encrypted")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

type encryptionMiddleware struct {
	next     ports.SnapshotStore
	active   cipher.AEAD
	fallback []cipher.AEAD
}

// NewEncryptionMiddleware creates a middleware that seals every field value
// with AES-256-GCM. Keys, timestamps and origins stay readable so stores can
// still merge snapshots field by field; each ciphertext is bound to its
// session and key. It panics if any key is not 32 bytes.
func NewEncryptionMiddleware(config EncryptionConfig) Middleware {
	active := mustAEAD(config.ActiveKey)
	fallback := make([]cipher.AEAD, len(config.FallbackKeys))
	for i, k := range config.FallbackKeys {
		fallback[i] = mustAEAD(k)
	}
	return func(next ports.SnapshotStore) ports.SnapshotStore {
		return &encryptionMiddleware{next: next, active: active, fallback: fallback}
	}
}

func mustAEAD(key []byte) cipher.AEAD {
	if len(key) != 32 {
		panic("encryption key must be 32 bytes (AES-256)")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return gcm
}

// additionalData ties a ciphertext to the field it was written for.
func additionalData(sessionID, key string) []byte {
	return []byte(sessionID + "\x00" + key)
}

func (m *encryptionMiddleware) Save(ctx context.Context, sessionID string, snap *domain.Snapshot) error {
	sealed := snap.Clone()
	for k, f := range sealed.Fields {
		nonce := make([]byte, m.active.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}
		ct := m.active.Seal(nonce, nonce, []byte(f.Value), additionalData(sessionID, k))
		f.Value = domain.EncodedValue(SealedPrefix + base64.StdEncoding.EncodeToString(ct))
		sealed.Fields[k] = f
	}
	return m.next.Save(ctx, sessionID, sealed)
}

func (m *encryptionMiddleware) Load(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	sealed, err := m.next.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap := sealed.Clone()
	for k, f := range snap.Fields {
		plain, err := m.open(sessionID, k, f.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt field %q of %q: %w", k, sessionID, err)
		}
		f.Value = domain.EncodedValue(plain)
		snap.Fields[k] = f
	}
	return snap, nil
}

// open tries the active key first, then every fallback key.
func (m *encryptionMiddleware) open(sessionID, key string, value domain.EncodedValue) ([]byte, error) {
	encoded, ok := strings.CutPrefix(string(value), SealedPrefix)
	if !ok {
		return nil, ErrNotSealed
	}
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}
	aad := additionalData(sessionID, key)
	for _, aead := range append([]cipher.AEAD{m.active}, m.fallback...) {
		if len(ct) < aead.NonceSize() {
			return nil, errors.New("ciphertext too short")
		}
		nonce, body := ct[:aead.NonceSize()], ct[aead.NonceSize():]
		if plain, err := aead.Open(nil, nonce, body, aad); err == nil {
			return plain, nil
		}
	}
	return nil, errors.New("decryption failed with all available keys")
}

func (m *encryptionMiddleware) Delete(ctx context.Context, sessionID string) error {
	return m.next.Delete(ctx, sessionID)
}

func (m *encryptionMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}
