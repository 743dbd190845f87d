// Package encryption provides envelope encryption for data at rest in the
// Spiral Memory Store.
//
// Every sealed payload gets a fresh random 32-byte data key. The payload is
// encrypted under the data key with AES-256-GCM, then the data key itself is
// encrypted under a key-encryption-key (KEK) derived from the master secret.
// The envelope carries both ciphertexts plus their nonces and authentication
// tags; the data key is never stored or transmitted in the clear and exists
// unencrypted only transiently during seal/unseal.
//
// Features:
//   - AES-256-GCM authenticated encryption (tampering is a hard failure)
//   - Per-payload data keys (envelope encryption)
//   - PBKDF2-HMAC-SHA256 key derivation, purpose-separated so subsystems
//     (data, topology, keys) never share a derived key
//   - Optional: with no master secret, payloads pass through unencrypted and
//     callers tag writes as clear-form so mixed-mode stores are detectable
//   - Best-effort zeroing of in-memory key material on shutdown
//
// Example:
//
//	mgr := encryption.NewManager("master-secret-from-env", nil)
//	defer mgr.ClearSensitiveData()
//
//	env, err := mgr.EncryptPayload([]byte("sensitive"))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	plain, err := mgr.DecryptPayload(env)
//	if err != nil {
//		log.Fatal(err) // ErrDecryptionFailed on tamper or wrong key
//	}
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// AlgorithmAESGCM identifies the only cipher suite envelopes currently use.
const AlgorithmAESGCM = "AES-256-GCM"

// kdfIterations is the PBKDF2 iteration count (OWASP 2023 recommendation).
const kdfIterations = 600000

// Errors
var (
	ErrNotEnabled       = errors.New("encryption: encryption is not enabled")
	ErrInvalidEnvelope  = errors.New("encryption: invalid envelope")
	ErrDecryptionFailed = errors.New("encryption: decryption failed (authentication error)")
)

// Envelope wraps a single encrypted payload. Envelopes are ephemeral:
// recreated on every seal/unseal, never cached.
type Envelope struct {
	// Ciphertext is the payload encrypted under the data key.
	Ciphertext []byte `json:"ciphertext"`
	// IV is the GCM nonce used for the payload.
	IV []byte `json:"iv"`
	// Tag is the GCM authentication tag for the payload.
	Tag []byte `json:"tag"`
	// Algorithm identifies the cipher suite (always AES-256-GCM today).
	Algorithm string `json:"algorithm"`
	// EncryptedDataKey is the per-payload data key encrypted under the KEK.
	EncryptedDataKey []byte `json:"encryptedDataKey"`
	// KeyIV is the GCM nonce used when sealing the data key.
	KeyIV []byte `json:"keyIv"`
	// KeyTag is the GCM authentication tag for the sealed data key.
	KeyTag []byte `json:"keyTag"`
}

// Manager performs envelope encryption for the store. A Manager with an
// empty master secret is disabled: payloads pass through untouched and
// IsEnabled reports false so callers can tag records as clear-form.
//
// Manager is safe for concurrent use; it holds no mutable state beyond the
// derived KEK, which is only mutated by ClearSensitiveData.
type Manager struct {
	enabled bool
	kek     []byte // key-encryption-key derived from the master secret
}

// NewManager creates an encryption manager from a master secret.
//
// An empty masterSecret disables encryption entirely. The salt should be
// unique per installation; when nil, a fixed default is used (acceptable for
// development, not for production).
func NewManager(masterSecret string, salt []byte) *Manager {
	if masterSecret == "" {
		return &Manager{enabled: false}
	}

	if len(salt) == 0 {
		salt = []byte("spiralmem-default-salt-change-me")
	}

	m := &Manager{enabled: true}
	m.kek = deriveKey([]byte(masterSecret), purposeSalt("kek", salt))
	return m
}

// IsEnabled reports whether payloads are actually encrypted. Callers use
// this to tag writes, so migration tooling and health checks can detect
// mixed-mode stores.
func (m *Manager) IsEnabled() bool {
	return m.enabled
}

// EncryptPayload seals data into a fresh envelope.
//
// A new random data key is generated per call, the payload is encrypted
// under it, and the data key is encrypted under the KEK. The plaintext data
// key is zeroed before returning.
func (m *Manager) EncryptPayload(data []byte) (*Envelope, error) {
	if !m.enabled {
		return nil, ErrNotEnabled
	}

	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, fmt.Errorf("encryption: generating data key: %w", err)
	}
	defer zero(dataKey)

	ciphertext, iv, tag, err := seal(dataKey, data)
	if err != nil {
		return nil, err
	}

	sealedKey, keyIV, keyTag, err := seal(m.kek, dataKey)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Ciphertext:       ciphertext,
		IV:               iv,
		Tag:              tag,
		Algorithm:        AlgorithmAESGCM,
		EncryptedDataKey: sealedKey,
		KeyIV:            keyIV,
		KeyTag:           keyTag,
	}, nil
}

// DecryptPayload unseals an envelope and returns the original payload.
//
// Authentication failure (tampered ciphertext, wrong master secret) returns
// ErrDecryptionFailed. This is a hard failure: corrupted data is never
// returned silently.
func (m *Manager) DecryptPayload(env *Envelope) ([]byte, error) {
	if !m.enabled {
		return nil, ErrNotEnabled
	}
	if env == nil || len(env.Ciphertext) == 0 || len(env.EncryptedDataKey) == 0 {
		return nil, ErrInvalidEnvelope
	}
	if env.Algorithm != "" && env.Algorithm != AlgorithmAESGCM {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidEnvelope, env.Algorithm)
	}

	dataKey, err := open(m.kek, env.EncryptedDataKey, env.KeyIV, env.KeyTag)
	if err != nil {
		return nil, err
	}
	defer zero(dataKey)

	return open(dataKey, env.Ciphertext, env.IV, env.Tag)
}

// DeriveKey derives a 32-byte key from the master secret for a named
// purpose. Different purpose strings always yield different keys, so
// subsystems (data, topology, keys) never share key material.
//
// Returns nil when encryption is disabled.
func (m *Manager) DeriveKey(purpose string, salt []byte) []byte {
	if !m.enabled {
		return nil
	}
	if len(salt) == 0 {
		salt = []byte("spiralmem-default-salt-change-me")
	}
	return deriveKey(m.kek, purposeSalt(purpose, salt))
}

// ClearSensitiveData zeroes the in-memory key material and disables the
// manager. Best-effort hygiene, not a guarantee against process-memory
// inspection.
func (m *Manager) ClearSensitiveData() {
	zero(m.kek)
	m.kek = nil
	m.enabled = false
}

// seal encrypts plaintext under key with AES-256-GCM and returns the
// ciphertext, nonce and authentication tag separately.
func seal(key, plaintext []byte) (ciphertext, nonce, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	// GCM appends the tag; the envelope stores it as a separate field.
	split := len(sealed) - gcm.Overhead()
	return sealed[:split], nonce, sealed[split:], nil
}

// open reverses seal. Any authentication failure maps to ErrDecryptionFailed.
func open(key, ciphertext, nonce, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, ErrInvalidEnvelope
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// deriveKey stretches secret material into a 32-byte AES-256 key.
func deriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, kdfIterations, 32, sha256.New)
}

// purposeSalt binds a purpose string into the salt so derivations for
// different subsystems never collide.
func purposeSalt(purpose string, salt []byte) []byte {
	h := sha256.New()
	h.Write([]byte("spiralmem:" + purpose + ":"))
	h.Write(salt)
	return h.Sum(nil)
}

// zero overwrites key material in place.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
