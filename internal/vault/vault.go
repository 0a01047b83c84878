// Package vault encrypts per-tenant platform credentials at rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ciphertextPrefix marks values produced by Encrypt. Integration rows
// written before encryption was introduced hold bare plaintext tokens,
// so readers use IsEncrypted to accept both.
const ciphertextPrefix = "encv1:"

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Cipher implements authenticated credential encryption with AES-256-GCM.
// The key is derived from the configured vault secret.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the AES key from the vault secret.
func NewCipher(secret string) (*Cipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("vault secret is required")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals a plaintext credential into a self-describing string.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// Decrypt is the exact inverse of Encrypt for every value it produced.
func (c *Cipher) Decrypt(value string) (string, error) {
	encoded, ok := strings.CutPrefix(value, ciphertextPrefix)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}

// IsEncrypted reports whether the value was produced by Encrypt.
// Plain key-shaped strings are reported as unencrypted.
func (c *Cipher) IsEncrypted(value string) bool {
	encoded, ok := strings.CutPrefix(value, ciphertextPrefix)
	if !ok {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	return len(raw) >= c.aead.NonceSize()
}

// Resolve returns the plaintext credential for a stored value,
// decrypting when necessary.
func (c *Cipher) Resolve(stored string) (string, error) {
	if !c.IsEncrypted(stored) {
		return stored, nil
	}
	return c.Decrypt(stored)
}
