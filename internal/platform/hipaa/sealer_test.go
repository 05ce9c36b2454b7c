package hipaa

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	key, err := KeyFromConfig("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := NewSealer(key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func TestSealer_RoundTrip(t *testing.T) {
	s := testSealer(t)

	plaintext := `{"access_token":"eyJhbGc...","refresh_token":"rt-123"}`
	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sealed == plaintext {
		t.Fatal("expected sealed value to differ from plaintext")
	}
	if strings.Contains(sealed, "rt-123") {
		t.Fatal("sealed value leaks plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opened != plaintext {
		t.Fatalf("expected %q, got %q", plaintext, opened)
	}
}

func TestSealer_RoundTripBytes(t *testing.T) {
	s := testSealer(t)

	plaintext := []byte("binary\x00payload")
	sealed, err := s.SealBytes(plaintext)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opened, err := s.OpenBytes(sealed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("expected %q, got %q", plaintext, opened)
	}
}

func TestSealer_UniqueNonces(t *testing.T) {
	s := testSealer(t)

	first, err := s.Seal("same input")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.Seal("same input")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct ciphertexts for repeated seals")
	}
}

func TestSealer_TamperDetected(t *testing.T) {
	s := testSealer(t)

	sealed, err := s.SealBytes([]byte("token material"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := s.OpenBytes(sealed); err == nil {
		t.Fatal("expected tampered ciphertext to fail")
	}
}

func TestSealer_WrongKey(t *testing.T) {
	s := testSealer(t)
	sealed, err := s.Seal("secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	otherKey, err := KeyFromConfig("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	other, err := NewSealer(otherKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := other.Open(sealed); err == nil {
		t.Fatal("expected open with wrong key to fail")
	}
}

func TestKeyFromConfig_Passphrase(t *testing.T) {
	key, err := KeyFromConfig("correct horse battery staple")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(key))
	}

	again, err := KeyFromConfig("correct horse battery staple")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(key, again) {
		t.Fatal("expected derivation to be deterministic")
	}
}

func TestKeyFromConfig_Rejects(t *testing.T) {
	cases := []string{
		"",
		"short",
		"zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", // 63 chars
	}
	for _, input := range cases {
		if _, err := KeyFromConfig(input); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestNewSealer_RejectsShortKey(t *testing.T) {
	if _, err := NewSealer([]byte("too short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestRetention_Cutoffs(t *testing.T) {
	r := NewRetention(nil, zerolog.Nop(), map[string]int{
		"LOW":      30,
		"MEDIUM":   90,
		"HIGH":     180,
		"CRITICAL": 365,
	}, 6)

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	if got := r.Cutoff("LOW", now); !got.Equal(now.AddDate(0, 0, -30)) {
		t.Fatalf("unexpected LOW cutoff: %v", got)
	}
	if got := r.Cutoff("CRITICAL", now); !got.Equal(now.AddDate(0, 0, -365)) {
		t.Fatalf("unexpected CRITICAL cutoff: %v", got)
	}
	// Unknown severities keep the widest window.
	if got := r.Cutoff("UNKNOWN", now); !got.Equal(now.AddDate(0, 0, -365)) {
		t.Fatalf("unexpected fallback cutoff: %v", got)
	}
	if got := r.ComplianceCutoff(now); !got.Equal(now.AddDate(-6, 0, 0)) {
		t.Fatalf("unexpected compliance cutoff: %v", got)
	}
}

func TestRetention_EnforcesComplianceFloor(t *testing.T) {
	r := NewRetention(nil, zerolog.Nop(), map[string]int{"LOW": 30}, 2)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := r.ComplianceCutoff(now); !got.Equal(now.AddDate(-6, 0, 0)) {
		t.Fatalf("expected floor of 6 years, got cutoff %v", got)
	}
}
