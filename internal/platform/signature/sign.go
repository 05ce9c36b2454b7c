// Package signature implements the shared-secret HMAC scheme used on
// webhook bodies, both for verifying vendor deliveries and for signing
// outbound notifications.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
)

// Supported HMAC algorithms.
const (
	AlgoSHA256 = "sha256"
	AlgoSHA512 = "sha512"
)

func hashFor(algo string) func() hash.Hash {
	if algo == AlgoSHA512 {
		return sha512.New
	}
	return sha256.New
}

// Sign computes the hex-encoded HMAC of payload under secret using the given
// algorithm (sha256 or sha512; anything else falls back to sha256).
func Sign(payload []byte, secret, algo string) string {
	mac := hmac.New(hashFor(algo), []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the HMAC of payload under secret.
// The signature may carry an optional "sha256="/"sha512=" prefix; a prefix
// naming a different algorithm than configured fails verification. The
// comparison is constant-time.
func Verify(payload []byte, secret, algo, signature string) bool {
	if signature == "" {
		return false
	}
	if idx := strings.IndexByte(signature, '='); idx > 0 {
		prefix := strings.ToLower(signature[:idx])
		if prefix == AlgoSHA256 || prefix == AlgoSHA512 {
			if prefix != algo {
				return false
			}
			signature = signature[idx+1:]
		}
	}
	expected := Sign(payload, secret, algo)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
