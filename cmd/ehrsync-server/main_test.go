package main

import (
	"testing"

	"github.com/medbridge/ehrsync/internal/config"
	"github.com/medbridge/ehrsync/internal/platform/notify"
)

func TestResolveSealKeyFromHex(t *testing.T) {
	cfg := &config.Config{
		Env:           "production",
		EncryptionKey: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	}
	key, ephemeral, err := resolveSealKey(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ephemeral {
		t.Error("expected configured key, not ephemeral")
	}
	if len(key) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(key))
	}
}

func TestResolveSealKeyEphemeralInDev(t *testing.T) {
	key, ephemeral, err := resolveSealKey(&config.Config{Env: "development"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ephemeral {
		t.Error("expected ephemeral key in development")
	}
	if len(key) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(key))
	}
}

func TestResolveSealKeyRequiredInProduction(t *testing.T) {
	if _, _, err := resolveSealKey(&config.Config{Env: "production"}); err == nil {
		t.Fatal("expected error for missing key in production")
	}
}

func TestBuildNotifierDefaultsToNop(t *testing.T) {
	n := buildNotifier(&config.Config{})
	if _, ok := n.(notify.Nop); !ok {
		t.Fatalf("expected Nop notifier, got %T", n)
	}
}

func TestBuildNotifierFansOutToConfiguredSinks(t *testing.T) {
	n := buildNotifier(&config.Config{
		SlackWebhookURL: "https://hooks.example.com/slack",
		AlertWebhookURL: "https://alerts.example.com/ops",
		WebhookSecret:   "shared",
	})
	multi, ok := n.(notify.Multi)
	if !ok {
		t.Fatalf("expected Multi notifier, got %T", n)
	}
	if len(multi) != 2 {
		t.Errorf("expected 2 sinks, got %d", len(multi))
	}
}
