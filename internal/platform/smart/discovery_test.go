package smart

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
)

func TestDiscover_ReadsWellKnown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/r4/.well-known/smart-configuration" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"authorization_endpoint": "https://auth.example.com/authorize",
			"token_endpoint": "https://auth.example.com/token",
			"code_challenge_methods_supported": ["S256"],
			"capabilities": ["launch-standalone", "client-public"]
		}`))
	}))
	defer srv.Close()

	// Trailing slash on the base url must not double up.
	cfg, err := Discover(context.Background(), srv.Client(), srv.URL+"/r4/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AuthorizationEndpoint != "https://auth.example.com/authorize" {
		t.Fatalf("authorization endpoint = %q", cfg.AuthorizationEndpoint)
	}
	if cfg.TokenEndpoint != "https://auth.example.com/token" {
		t.Fatalf("token endpoint = %q", cfg.TokenEndpoint)
	}
	if len(cfg.CodeChallengeMethods) != 1 || cfg.CodeChallengeMethods[0] != "S256" {
		t.Fatalf("code challenge methods = %v", cfg.CodeChallengeMethods)
	}
}

func TestDiscover_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := Discover(context.Background(), srv.Client(), srv.URL)
	if err == nil {
		t.Fatal("expected error")
	}
	if apperror.CodeOf(err) != apperror.CodeValidation {
		t.Fatalf("code = %q, want %q", apperror.CodeOf(err), apperror.CodeValidation)
	}
}

func TestDiscover_MissingEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"capabilities": ["launch-standalone"]}`))
	}))
	defer srv.Close()

	_, err := Discover(context.Background(), srv.Client(), srv.URL)
	if err == nil {
		t.Fatal("expected error for configuration without endpoints")
	}
	if apperror.CodeOf(err) != apperror.CodeValidation {
		t.Fatalf("code = %q, want %q", apperror.CodeOf(err), apperror.CodeValidation)
	}
}

func TestDiscover_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := Discover(context.Background(), srv.Client(), srv.URL)
	if err == nil {
		t.Fatal("expected error for malformed configuration")
	}
}

func TestDiscover_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := Discover(context.Background(), nil, srv.URL)
	if err == nil {
		t.Fatal("expected error for unreachable issuer")
	}
	if apperror.CodeOf(err) != apperror.CodeValidation {
		t.Fatalf("code = %q, want %q", apperror.CodeOf(err), apperror.CodeValidation)
	}
}
