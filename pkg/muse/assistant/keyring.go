// Package assistant – keyring.go resolves credentials through a priority
// chain: encrypted vault, OS keyring, environment variable, config value.
// A missing API key is a hard precondition failure for any network call.
package assistant

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	keyringService = "muse"
	keyringAPIKey  = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, empty when absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks whether the OS keyring is usable.
func KeyringAvailable() bool {
	testKey := "__muse_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveAPIKey resolves the generation API key using the priority chain
// vault -> keyring -> env -> config, updating the config in place. When a
// vault exists but is locked, the MUSE_VAULT_PASSWORD env var is tried
// first, then an interactive prompt if stdin is a terminal.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) *Vault {
	vault := NewVault(VaultFile)
	if vault.Exists() {
		if !vault.IsUnlocked() {
			if envPass := os.Getenv("MUSE_VAULT_PASSWORD"); envPass != "" {
				if err := vault.Unlock(envPass); err != nil {
					logger.Warn("failed to unlock vault with MUSE_VAULT_PASSWORD", "error", err)
				}
			}
		}

		if !vault.IsUnlocked() && term.IsTerminal(int(os.Stdin.Fd())) {
			password, err := ReadPassword("Vault password: ")
			if err != nil {
				logger.Warn("failed to read vault password", "error", err)
			} else if err := vault.Unlock(password); err != nil {
				logger.Warn("failed to unlock vault", "error", err)
			}
		}

		if vault.IsUnlocked() {
			if val, err := vault.Get("MUSE_API_KEY"); err == nil && val != "" {
				cfg.API.APIKey = val
				logger.Debug("API key loaded from encrypted vault")
			}
			if val, err := vault.Get("GEMINI_API_KEY"); err == nil && val != "" {
				cfg.Embedding.APIKey = val
				logger.Debug("embedding key loaded from encrypted vault")
			}
			return vault
		}
	}

	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.API.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return nil
	}

	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) {
		logger.Debug("API key loaded from config/env")
		return nil
	}

	logger.Warn("no API key found. Set one with: muse config set-key or muse config vault-set")
	return nil
}

// RequireAPIKey returns an error when no generation key is configured.
func RequireAPIKey(cfg *Config) error {
	if cfg.API.APIKey == "" || IsEnvReference(cfg.API.APIKey) {
		return fmt.Errorf("no API key configured: run 'muse config set-key' or set MUSE_API_KEY")
	}
	return nil
}
