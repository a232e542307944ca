package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jjoaquim/gemrelay/pkg/gemrelay/relay"
)

// newConfigCmd groups config subcommands.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("output")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists; remove it first or choose another path", path)
			}
			if err := relay.SaveConfigToFile(relay.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "gemrelay.yaml", "where to write the config")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			redacted := *cfg
			redacted.Keys = make([]string, len(cfg.Keys))
			for i, k := range cfg.Keys {
				if relay.IsEnvReference(k) {
					redacted.Keys[i] = k
				} else {
					redacted.Keys[i] = relay.MaskKey(k)
				}
			}
			if redacted.Gateway.AuthToken != "" && !relay.IsEnvReference(redacted.Gateway.AuthToken) {
				redacted.Gateway.AuthToken = relay.MaskKey(redacted.Gateway.AuthToken)
			}

			data, err := yaml.Marshal(&redacted)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}
