package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jjoaquim/gemrelay/pkg/gemrelay/relay"
)

// newKeysCmd groups key pool management subcommands.
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the API key pool",
	}
	cmd.AddCommand(
		newKeysAddCmd(),
		newKeysListCmd(),
		newKeysRemoveCmd(),
		newKeysValidateCmd(),
		newKeysVaultCmd(),
	)
	return cmd
}

func newKeysAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add",
		Short: "Add a key to the pool (prompted, not echoed)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := relay.ReadPassword("API key: ")
			if err != nil {
				return err
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return fmt.Errorf("empty key")
			}

			keys := loadStoredKeys()
			for _, existing := range keys {
				if existing == key {
					fmt.Println("Key already in pool.")
					return nil
				}
			}
			keys = append(keys, key)
			if err := storeKeys(keys); err != nil {
				return err
			}
			fmt.Printf("Added %s (pool size: %d)\n", relay.MaskKey(key), len(keys))
			return nil
		},
	}
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pool keys (masked)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys := loadStoredKeys()
			if len(keys) == 0 {
				fmt.Println("No keys stored.")
				return nil
			}
			for i, k := range keys {
				fmt.Printf("%2d. %s  (%s)\n", i+1, relay.MaskKey(k), relay.KeyFingerprint(k))
			}
			return nil
		},
	}
}

func newKeysRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <fingerprint>",
		Short: "Remove a key by its fingerprint (see keys list)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := loadStoredKeys()
			kept := keys[:0]
			removed := 0
			for _, k := range keys {
				if relay.KeyFingerprint(k) == args[0] {
					removed++
					continue
				}
				kept = append(kept, k)
			}
			if removed == 0 {
				return fmt.Errorf("no key with fingerprint %s", args[0])
			}
			if err := storeKeys(kept); err != nil {
				return err
			}
			fmt.Printf("Removed %d key(s) (pool size: %d)\n", removed, len(kept))
			return nil
		},
	}
}

func newKeysValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Probe every key and report its status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := buildLogger(cmd, cfg)
			relay.ResolveKeys(cfg, logger)
			if len(cfg.Keys) == 0 {
				return exitOnNoKeys(relay.ErrNoCredentials)
			}

			pool := relay.NewKeyPool(cfg.Keys)
			transport := newTransport(cfg, logger)
			validator := relay.NewValidator(pool, transport.Probe, "", 0, logger)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			results := validator.RunOnce(ctx)

			valid := 0
			for _, res := range results {
				if res.Err == nil {
					valid++
					fmt.Printf("  ok   %s\n", res.Credential.Masked())
				} else {
					fmt.Printf("  FAIL %s  [%s] %v\n",
						res.Credential.Masked(), res.Classification.Category, res.Err)
				}
			}
			fmt.Printf("\n%d/%d keys valid\n", valid, len(results))
			return nil
		},
	}
}

// newKeysVaultCmd moves the pool into the encrypted vault.
func newKeysVaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vault",
		Short: "Move the key pool into the encrypted vault",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys := loadStoredKeys()
			if len(keys) == 0 {
				return fmt.Errorf("no keys to move; add some first with: gemrelay keys add")
			}

			vault := relay.NewVault(relay.VaultFile)
			if vault.Exists() {
				password, err := relay.ReadPassword("Vault password: ")
				if err != nil {
					return err
				}
				if err := vault.Unlock(password); err != nil {
					return err
				}
			} else {
				password, err := relay.ReadPassword("New vault password: ")
				if err != nil {
					return err
				}
				confirm, err := relay.ReadPassword("Confirm password: ")
				if err != nil {
					return err
				}
				if password != confirm {
					return fmt.Errorf("passwords do not match")
				}
				if err := vault.Create(password); err != nil {
					return err
				}
			}
			if err := vault.SetKeys(keys); err != nil {
				return err
			}
			_ = relay.DeleteKeyringKeys()
			fmt.Printf("%d key(s) stored in %s\n", len(keys), vault.Path())
			return nil
		},
	}
}

// loadStoredKeys reads the pool from the most secure writable source:
// vault if unlocked via GEMRELAY_VAULT_PASSWORD, otherwise the OS keyring.
func loadStoredKeys() []string {
	vault := relay.NewVault(relay.VaultFile)
	if vault.Exists() {
		if pass := os.Getenv("GEMRELAY_VAULT_PASSWORD"); pass != "" {
			if err := vault.Unlock(pass); err == nil {
				if keys, err := vault.GetKeys(); err == nil {
					return keys
				}
			}
		}
	}
	return relay.GetKeyringKeys()
}

// storeKeys writes the pool back to where it was loaded from.
func storeKeys(keys []string) error {
	vault := relay.NewVault(relay.VaultFile)
	if vault.Exists() {
		if pass := os.Getenv("GEMRELAY_VAULT_PASSWORD"); pass != "" {
			if err := vault.Unlock(pass); err == nil {
				return vault.SetKeys(keys)
			}
		}
		password, err := relay.ReadPassword("Vault password: ")
		if err != nil {
			return err
		}
		if err := vault.Unlock(password); err != nil {
			return err
		}
		return vault.SetKeys(keys)
	}
	if err := relay.StoreKeyringKeys(keys); err != nil {
		return fmt.Errorf("storing keys in OS keyring: %w (consider: gemrelay keys vault)", err)
	}
	return nil
}
