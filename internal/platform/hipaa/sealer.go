// Package hipaa carries the compliance-sensitive primitives: authenticated
// encryption for stored credentials, the append-only incident audit log,
// and retention policy enforcement.
package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Sealer provides AES-256-GCM authenticated encryption for tokens and
// client secrets. Nothing encrypted by it is ever stored in plaintext.
type Sealer struct {
	aead cipher.AEAD
}

// KeyFromConfig turns the ENCRYPTION_KEY setting into a 32-byte key.
// A 64-character hex string is decoded directly; anything else is treated
// as a passphrase and expanded with HKDF-SHA256.
func KeyFromConfig(encryptionKey string) ([]byte, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("sealer: encryption key is empty")
	}
	if len(encryptionKey) == 64 {
		if key, err := hex.DecodeString(encryptionKey); err == nil {
			return key, nil
		}
	}
	if len(encryptionKey) < 16 {
		return nil, fmt.Errorf("sealer: passphrase must be at least 16 characters")
	}
	r := hkdf.New(sha256.New, []byte(encryptionKey), nil, []byte("ehrsync token sealing v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("sealer: derive key: %w", err)
	}
	return key, nil
}

// NewSealer creates a Sealer from a 32-byte AES-256 key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealer: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealer: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealer: create GCM: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts the plaintext and returns base64 of nonce + ciphertext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	sealed, err := s.SealBytes([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decodes the base64 ciphertext, extracts the prepended nonce, and
// decrypts.
func (s *Sealer) Open(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("sealer open: base64 decode: %w", err)
	}

	plaintext, err := s.OpenBytes(data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// SealBytes encrypts data and returns the nonce prepended to the ciphertext.
func (s *Sealer) SealBytes(data []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("sealer: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	return s.aead.Seal(nonce, nonce, data, nil), nil
}

// OpenBytes extracts the nonce from the front of data and decrypts the rest.
func (s *Sealer) OpenBytes(data []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("sealer open: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("sealer open: %w", err)
	}
	return plaintext, nil
}
