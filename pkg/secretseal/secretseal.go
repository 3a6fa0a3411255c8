// Package secretseal encrypts environment variable values at rest,
// adapted from cuemby-warren's pkg/security secrets manager: same
// AES-256-GCM construction, generalized from cluster secrets to a
// deployment's environment variables (§6 env set/unset).
package secretseal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// Sealer encrypts and decrypts environment variable values with a single
// AES-256-GCM key derived for the deployment.
type Sealer struct {
	key []byte
}

// New builds a Sealer from a 32-byte AES-256 key.
func New(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secretseal: key must be 32 bytes, got %d", len(key))
	}
	return &Sealer{key: key}, nil
}

// NewFromPassphrase derives a key from a passphrase via SHA-256, for
// environments configuring the sealer from a single CLI flag or env var.
func NewFromPassphrase(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("secretseal: passphrase cannot be empty")
	}
	sum := sha256.Sum256([]byte(passphrase))
	return New(sum[:])
}

// Seal encrypts plaintext, prepending the nonce to the returned ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secretseal: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("secretseal: ciphertext too short")
	}
	nonce, body := ciphertext[:n], ciphertext[n:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("secretseal: decrypt: %w", err)
	}
	return plaintext, nil
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("secretseal: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretseal: new gcm: %w", err)
	}
	return gcm, nil
}

// EnvVar is one sealed environment variable entry persisted alongside a
// deployment's function bundle.
type EnvVar struct {
	Name      string
	Sealed    []byte
	IsSecret  bool // if false, Sealed is still encrypted at rest but may be shown back to the caller
}

// SealEnv encrypts a plaintext value for storage as an EnvVar.
func (s *Sealer) SealEnv(name, value string, isSecret bool) (EnvVar, error) {
	sealed, err := s.Seal([]byte(value))
	if err != nil {
		return EnvVar{}, err
	}
	return EnvVar{Name: name, Sealed: sealed, IsSecret: isSecret}, nil
}

// OpenEnv decrypts an EnvVar's value for injection into a function's env.get.
func (s *Sealer) OpenEnv(v EnvVar) (string, error) {
	plaintext, err := s.Open(v.Sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
