// Package vault encrypts OAuth tokens at rest. A single X25519 identity is
// loaded from configuration at boot; there is no per-call key material.
package vault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

var (
	// ErrKeyMissing means no encryption key was configured. Fatal at boot.
	ErrKeyMissing = errors.New("vault: encryption key not configured")

	// ErrKeyMalformed means the configured key is not a valid age X25519
	// identity. Fatal at boot.
	ErrKeyMalformed = errors.New("vault: encryption key malformed")

	// ErrCredentialCorrupt means a stored ciphertext could not be decrypted
	// (truncated, tampered, or encrypted under a different key). Callers must
	// treat the owning account's session as unusable and force a re-auth;
	// retrying cannot help.
	ErrCredentialCorrupt = errors.New("vault: stored credential corrupt")
)

// Vault encrypts and decrypts short credential strings. Safe for concurrent
// use; the identity is immutable after New.
type Vault struct {
	identity *age.X25519Identity
}

// New parses the configured key and fails fast if it is absent or malformed.
// The key is an age secret key string ("AGE-SECRET-KEY-1...").
func New(key string) (*Vault, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrKeyMissing
	}

	identity, err := age.ParseX25519Identity(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMalformed, err)
	}

	return &Vault{identity: identity}, nil
}

// Encrypt returns the base64-encoded age ciphertext of plaintext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	var buf bytes.Buffer

	w, err := age.Encrypt(&buf, v.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("vault: creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("vault: encrypting credential: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("vault: finalizing encryption: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt reverses Encrypt. Any failure is reported as ErrCredentialCorrupt;
// the distinction between a truncated blob and a wrong key is not actionable
// for callers.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialCorrupt, err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), v.identity)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialCorrupt, err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialCorrupt, err)
	}

	return string(plaintext), nil
}

// GenerateKey returns a fresh age secret key string, for the init command.
func GenerateKey() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("vault: generating key: %w", err)
	}
	return identity.String(), nil
}
