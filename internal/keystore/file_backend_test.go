package keystore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestInitializeUnlockRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keystore.json")

	backend := NewFileBackend(path)
	if err := backend.Initialize(ctx, "passphrase-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := backend.Initialize(ctx, "passphrase-1"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on re-init, got %v", err)
	}

	if err := backend.StoreSecret(ctx, "agent_key/A1", []byte("super-secret")); err != nil {
		t.Fatalf("store secret: %v", err)
	}

	reopened := NewFileBackend(path)
	if err := reopened.Unlock(ctx, "wrong"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass for wrong passphrase, got %v", err)
	}
	if err := reopened.Unlock(ctx, "passphrase-1"); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	secret, err := reopened.LoadSecret(ctx, "agent_key/A1")
	if err != nil {
		t.Fatalf("load secret: %v", err)
	}
	if !bytes.Equal(secret, []byte("super-secret")) {
		t.Fatalf("unexpected secret %q", secret)
	}

	ids, err := reopened.ListSecrets(ctx)
	if err != nil {
		t.Fatalf("list secrets: %v", err)
	}
	if len(ids) != 1 || ids[0] != "agent_key/A1" {
		t.Fatalf("unexpected secret ids %v", ids)
	}

	if err := reopened.DeleteSecret(ctx, "agent_key/A1"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	if _, err := reopened.LoadSecret(ctx, "agent_key/A1"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist after delete, got %v", err)
	}
}

func TestLockedBackendRejectsAccess(t *testing.T) {
	ctx := context.Background()
	backend := NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))

	if err := backend.StoreSecret(ctx, "id", []byte("x")); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := backend.LoadSecret(ctx, "id"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := backend.Unlock(ctx, "pass"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestEnsureAgentKeyGeneratesOnceAndReloads(t *testing.T) {
	ctx := context.Background()
	backend := NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))
	if err := backend.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	pub1, priv1, err := EnsureAgentKey(ctx, backend, "A1")
	if err != nil {
		t.Fatalf("ensure agent key: %v", err)
	}
	pub2, priv2, err := EnsureAgentKey(ctx, backend, "A1")
	if err != nil {
		t.Fatalf("ensure agent key again: %v", err)
	}
	if !bytes.Equal(pub1, pub2) || !bytes.Equal(priv1, priv2) {
		t.Fatal("expected a stable key for the same agent")
	}

	pubOther, _, err := EnsureAgentKey(ctx, backend, "A2")
	if err != nil {
		t.Fatalf("ensure second agent key: %v", err)
	}
	if bytes.Equal(pub1, pubOther) {
		t.Fatal("expected distinct keys per agent")
	}

	if _, _, err := EnsureAgentKey(ctx, backend, ""); err == nil {
		t.Fatal("expected error for empty agent id")
	}
}
