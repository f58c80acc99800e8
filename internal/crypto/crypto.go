// Package crypto encrypts secrets at rest: ESP API keys, OAuth access and
// refresh tokens, and subscriber email addresses.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const nonceSize = 12

// ErrMalformedCiphertext is returned when stored ciphertext is truncated or
// otherwise structurally invalid, before any decryption is attempted.
var ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")

// ErrDecryptFailed is returned when GCM authentication fails, which means
// the ciphertext was tampered with or encrypted under a different key.
var ErrDecryptFailed = errors.New("crypto: decryption failed")

// Service performs AES-256-GCM encryption. The stored form is
// base64(nonce || ciphertext || tag).
type Service struct {
	aead cipher.AEAD
}

// New builds a Service from a hex-encoded 32-byte key.
func New(hexKey string) (*Service, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Service{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (s *Service) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. The nonce and the minimum
// tag length are checked independently so truncation is reported as
// ErrMalformedCiphertext rather than a generic auth failure.
func (s *Service) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: missing nonce", ErrMalformedCiphertext)
	}
	if len(raw) < nonceSize+s.aead.Overhead() {
		return "", fmt.Errorf("%w: missing auth tag", ErrMalformedCiphertext)
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}
