package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jjoaquim/gemrelay/pkg/gemrelay/relay"
)

// newSetupCmd creates the `gemrelay setup` wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Walks through creating gemrelay.yaml and storing your API keys.
Keys go to the encrypted vault or the OS keyring, never into the file.

Examples:
  gemrelay setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := relay.DefaultConfig()

	var (
		rawKeys   string
		storage   string
		addr      = cfg.Gateway.Address
		enableVal = true
		schedule  = cfg.Validator.Schedule
	)
	model := cfg.Model

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Primary model").
				Options(
					huh.NewOption("gemini-2.5-pro (best quality)", "gemini-2.5-pro"),
					huh.NewOption("gemini-2.5-flash (balanced)", "gemini-2.5-flash"),
					huh.NewOption("gemini-2.5-flash-lite (cheapest)", "gemini-2.5-flash-lite"),
				).
				Value(&model),
			huh.NewText().
				Title("API keys").
				Description("One per line. More keys mean more quota headroom.").
				Value(&rawKeys),
			huh.NewSelect[string]().
				Title("Key storage").
				Options(
					huh.NewOption("Encrypted vault (password protected)", "vault"),
					huh.NewOption("OS keyring", "keyring"),
				).
				Value(&storage),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway listen address").
				Value(&addr),
			huh.NewConfirm().
				Title("Enable background key validation?").
				Value(&enableVal),
			huh.NewInput().
				Title("Validation schedule").
				Description(`Cron expression or shorthand like "@every 30m".`).
				Value(&schedule),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	var keys []string
	for _, line := range strings.Split(rawKeys, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			keys = append(keys, line)
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("at least one API key is required")
	}

	switch storage {
	case "vault":
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
		vault := relay.NewVault(relay.VaultFile)
		if !vault.Exists() {
			if err := vault.Create(password); err != nil {
				return err
			}
		} else if err := vault.Unlock(password); err != nil {
			return err
		}
		if err := vault.SetKeys(keys); err != nil {
			return err
		}
		fmt.Printf("Stored %d key(s) in %s\n", len(keys), vault.Path())
	case "keyring":
		if !relay.KeyringAvailable() {
			return fmt.Errorf("OS keyring unavailable; re-run setup and choose the vault")
		}
		if err := relay.StoreKeyringKeys(keys); err != nil {
			return err
		}
		fmt.Printf("Stored %d key(s) in the OS keyring\n", len(keys))
	}

	cfg.Model = model
	cfg.Gateway.Address = addr
	cfg.Validator.Enabled = enableVal
	cfg.Validator.Schedule = schedule
	if err := relay.SaveConfigToFile(cfg, "gemrelay.yaml"); err != nil {
		return err
	}

	fmt.Println("\nWrote gemrelay.yaml. Start the gateway with: gemrelay serve")
	fmt.Println("Pool size: " + strconv.Itoa(len(keys)))
	return nil
}
