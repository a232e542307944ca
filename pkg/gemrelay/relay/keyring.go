// OS keyring storage for the key pool (Linux: Secret Service/GNOME Keyring,
// macOS: Keychain, Windows: Credential Manager).
//
// Priority for resolving keys:
//  1. Encrypted vault (.gemrelay.vault, requires master password)
//  2. OS keyring (encrypted by the OS, requires user session)
//  3. GEMINI_API_KEYS environment variable (comma separated)
//  4. config keys list (after env expansion)
package relay

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "gemrelay"

	// keyringPoolKey is the keyring entry holding the newline-joined pool.
	keyringPoolKey = "api_keys"
)

// StoreKeyringKeys saves the key pool to the OS keyring.
func StoreKeyringKeys(keys []string) error {
	return keyring.Set(keyringService, keyringPoolKey, strings.Join(keys, "\n"))
}

// GetKeyringKeys retrieves the key pool from the OS keyring, nil if absent.
func GetKeyringKeys() []string {
	joined, err := keyring.Get(keyringService, keyringPoolKey)
	if err != nil || joined == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(joined, "\n") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// DeleteKeyringKeys removes the key pool from the OS keyring.
func DeleteKeyringKeys() error {
	return keyring.Delete(keyringService, keyringPoolKey)
}

// KeyringAvailable checks whether the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__gemrelay_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveKeys fills cfg.Keys from the most secure available source:
// vault, then OS keyring, then GEMINI_API_KEYS, then the config values that
// survived env expansion. Returns the unlocked vault, if any, for reuse.
func ResolveKeys(cfg *Config, logger *slog.Logger) *Vault {
	vault := NewVault(VaultFile)
	if vault.Exists() {
		if !vault.IsUnlocked() {
			if envPass := os.Getenv("GEMRELAY_VAULT_PASSWORD"); envPass != "" {
				if err := vault.Unlock(envPass); err != nil {
					logger.Warn("failed to unlock vault with GEMRELAY_VAULT_PASSWORD", "error", err)
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
			if keys, err := vault.GetKeys(); err == nil && len(keys) > 0 {
				cfg.Keys = keys
				logger.Debug("API keys loaded from encrypted vault", "count", len(keys))
				return vault
			}
		}
	}

	if keys := GetKeyringKeys(); len(keys) > 0 {
		cfg.Keys = keys
		logger.Debug("API keys loaded from OS keyring", "count", len(keys))
		return nil
	}

	if env := os.Getenv("GEMINI_API_KEYS"); env != "" {
		var keys []string
		for _, k := range strings.Split(env, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) > 0 {
			cfg.Keys = keys
			logger.Debug("API keys loaded from environment", "count", len(keys))
			return nil
		}
	}

	var resolved []string
	for _, k := range cfg.Keys {
		if k != "" && !IsEnvReference(k) {
			resolved = append(resolved, k)
		}
	}
	cfg.Keys = resolved
	if len(resolved) == 0 {
		logger.Warn("no API keys found. Add some with: gemrelay keys add")
	}
	return nil
}

// ReadPassword prompts for a password without echoing it.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}
