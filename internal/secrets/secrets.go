// Package secrets encrypts provider API keys before they are stored. Values
// are sealed with NaCl secretbox under a key derived from the configured
// VIGIL_ENCRYPTION_KEY and encoded as URL-safe base64 for storage in a text
// column.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecrypt is returned when a ciphertext cannot be opened, typically
// because the encryption key changed after the value was stored.
var ErrDecrypt = errors.New("decryption failed, encryption key may have changed")

const nonceSize = 24

// Box seals and opens secret strings under a fixed symmetric key.
type Box struct {
	key [32]byte
}

// NewBox derives a Box from the configured encryption key string. The key
// may be any non-empty string; it is stretched to 32 bytes with SHA-256.
func NewBox(key string) (*Box, error) {
	if key == "" {
		return nil, errors.New("encryption key is required, set VIGIL_ENCRYPTION_KEY")
	}
	b := &Box{key: sha256.Sum256([]byte(key))}
	return b, nil
}

// Encrypt seals plaintext under a fresh random nonce. Two encryptions of the
// same plaintext produce different ciphertexts.
func (b *Box) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Returns ErrDecrypt when
// the ciphertext is malformed or was sealed under a different key.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(opened), nil
}

// Mask renders a key for display, keeping only a short prefix, e.g.
// "sk-abc123..." becomes "sk-abc****".
func Mask(key string) string {
	if len(key) < 8 {
		return "****"
	}
	return key[:6] + "****"
}
