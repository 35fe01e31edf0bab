package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(string) string { return "secret" }

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("expected default http address %s, got %s", defaultHTTPAddress, cfg.HTTPAddress)
	}
	if cfg.Provider.Name != defaultProviderName {
		t.Fatalf("expected default provider %s, got %s", defaultProviderName, cfg.Provider.Name)
	}
	if cfg.Replay.Window != defaultReplayWindow {
		t.Fatalf("expected default replay window %s, got %s", defaultReplayWindow, cfg.Replay.Window)
	}
	if cfg.RateLimit.MaxRequests != defaultRateMax {
		t.Fatalf("expected default rate cap %d, got %d", defaultRateMax, cfg.RateLimit.MaxRequests)
	}
	if cfg.Propagation.MaxDepth != defaultPropagationDepth {
		t.Fatalf("expected default propagation depth %d, got %d", defaultPropagationDepth, cfg.Propagation.MaxDepth)
	}
	if cfg.Host.ID != defaultProviderName {
		t.Fatalf("expected host id to fall back to provider name, got %s", cfg.Host.ID)
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`
http_address: "127.0.0.1:7001"
log_level: "debug"
shutdown_grace_period: "5s"
provider:
  name: "crabmail.ai"
relay:
  ttl: "2h"
keystore:
  path: "/tmp/keystore.json"
  passphrase_env: "CUSTOM_ENV"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("AMP_HTTP_ADDRESS", ":6000")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddress != ":6000" {
		t.Fatalf("expected env override for http address, got %s", cfg.HTTPAddress)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != 5*time.Second {
		t.Fatalf("expected grace 5s, got %s", cfg.ShutdownGracePeriod)
	}
	if cfg.Provider.Name != "crabmail.ai" {
		t.Fatalf("expected provider from file, got %s", cfg.Provider.Name)
	}
	if cfg.Relay.TTL != 2*time.Hour {
		t.Fatalf("expected relay ttl 2h, got %s", cfg.Relay.TTL)
	}
	if cfg.Keystore.PassphraseEnv != "CUSTOM_ENV" {
		t.Fatalf("expected passphrase env CUSTOM_ENV, got %s", cfg.Keystore.PassphraseEnv)
	}
}

func TestPassphraseFetch(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(key string) string {
		if key == "CUSTOM_ENV" {
			return "hunter2"
		}
		return ""
	}

	cfg := Config{Keystore: KeystoreConfig{PassphraseEnv: "CUSTOM_ENV"}}
	pass, err := cfg.Passphrase()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pass != "hunter2" {
		t.Fatalf("expected passphrase from env, got %s", pass)
	}

	cfg.Keystore.PassphraseEnv = "MISSING_ENV"
	if _, err := cfg.Passphrase(); err == nil {
		t.Fatal("expected error when passphrase env is missing")
	}
}
