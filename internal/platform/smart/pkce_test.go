package smart

import (
	"regexp"
	"testing"
)

func TestGenerateVerifier_Format(t *testing.T) {
	seen := map[string]bool{}
	valid := regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	for i := 0; i < 20; i++ {
		v, err := GenerateVerifier()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(v) < 43 || len(v) > 128 {
			t.Fatalf("verifier length %d outside 43..128", len(v))
		}
		if !valid.MatchString(v) {
			t.Fatalf("verifier %q contains characters outside the unreserved set", v)
		}
		if seen[v] {
			t.Fatalf("verifier repeated: %q", v)
		}
		seen[v] = true
	}
}

func TestChallengeS256_KnownVector(t *testing.T) {
	// Appendix B of RFC 7636.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := ChallengeS256(verifier); got != want {
		t.Fatalf("challenge = %q, want %q", got, want)
	}
}

func TestGenerateState_HexAndUnique(t *testing.T) {
	hexRe := regexp.MustCompile(`^[0-9a-f]{64}$`)
	a, err := GenerateState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := GenerateState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hexRe.MatchString(a) || !hexRe.MatchString(b) {
		t.Fatalf("states not 64 hex chars: %q %q", a, b)
	}
	if a == b {
		t.Fatal("two states collided")
	}
}
