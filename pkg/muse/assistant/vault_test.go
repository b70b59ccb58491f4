package assistant

import (
	"path/filepath"
	"testing"
)

func TestVaultCreateAndRoundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), VaultFile)
	v := NewVault(path)

	if v.Exists() {
		t.Fatal("vault must not exist before Create")
	}
	if err := v.Create("correct horse"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !v.Exists() || !v.IsUnlocked() {
		t.Fatal("vault must exist and be unlocked after Create")
	}

	if err := v.Set("api_key", "sk-test-12345"); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := v.Get("api_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "sk-test-12345" {
		t.Errorf("got %q, want stored secret", got)
	}

	// Missing keys are an empty string, not an error.
	if missing, err := v.Get("no_such_key"); err != nil || missing != "" {
		t.Errorf("missing key = (%q, %v), want empty", missing, err)
	}
}

func TestVaultUnlockWrongPassword(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), VaultFile)
	v := NewVault(path)
	if err := v.Create("right"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Set("api_key", "secret"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v.Lock()

	fresh := NewVault(path)
	if err := fresh.Unlock("wrong"); err == nil {
		t.Fatal("wrong password must fail to unlock")
	}
	if fresh.IsUnlocked() {
		t.Error("failed unlock must leave the vault locked")
	}

	if err := fresh.Unlock("right"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	got, err := fresh.Get("api_key")
	if err != nil || got != "secret" {
		t.Errorf("after reopen got (%q, %v), want secret", got, err)
	}
}

func TestVaultLockedOperations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), VaultFile)
	v := NewVault(path)
	if err := v.Create("pw"); err != nil {
		t.Fatalf("create: %v", err)
	}
	v.Lock()

	if err := v.Set("k", "v"); err == nil {
		t.Error("Set on a locked vault must fail")
	}
	if _, err := v.Get("k"); err == nil {
		t.Error("Get on a locked vault must fail")
	}
	if _, err := v.Keys(); err == nil {
		t.Error("Keys on a locked vault must fail")
	}
}

func TestVaultKeysExcludeInternal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), VaultFile)
	v := NewVault(path)
	if err := v.Create("pw"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Set("api_key", "a"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := v.Set("gemini_key", "b"); err != nil {
		t.Fatalf("set: %v", err)
	}

	keys, err := v.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("keys = %v, internal entries must be hidden", keys)
	}

	if err := v.Delete("gemini_key"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	keys, _ = v.Keys()
	if len(keys) != 1 || keys[0] != "api_key" {
		t.Errorf("keys after delete = %v", keys)
	}
}

func TestVaultCreateRefusesOverwrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), VaultFile)
	v := NewVault(path)
	if err := v.Create("pw"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := NewVault(path).Create("other"); err == nil {
		t.Fatal("Create must refuse to overwrite an existing vault")
	}
}
