// Package commands implements the gemrelay CLI using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jjoaquim/gemrelay/pkg/gemrelay/relay"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gemrelay",
		Short: "Resilient multi-key relay for the Gemini API",
		Long: `gemrelay pools multiple Gemini API keys behind one endpoint, rotating
through them on failure, retrying with adaptive backoff, and falling back to
a cheaper model when quotas run dry.

Examples:
  gemrelay serve
  gemrelay chat "explain goroutines"
  gemrelay keys add
  gemrelay health`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newKeysCmd(),
		newHealthCmd(),
		newConfigCmd(),
		newSetupCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads config from --config, the standard locations, or
// defaults when no file exists.
func resolveConfig(cmd *cobra.Command) (*relay.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = relay.FindConfigFile()
	}
	if path == "" {
		return relay.DefaultConfig(), nil
	}
	cfg, err := relay.LoadConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// buildLogger derives the process logger, honoring --verbose.
func buildLogger(cmd *cobra.Command, cfg *relay.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg.Logger()
}

// buildService assembles the full relay stack from config: key resolution,
// health store, pool, dispatcher, service.
func buildService(cfg *relay.Config, logger *slog.Logger) (*relay.Service, *relay.KeyPool, error) {
	relay.ResolveKeys(cfg, logger)
	if len(cfg.Keys) == 0 {
		return nil, nil, relay.ErrNoCredentials
	}

	var poolOpts []relay.KeyPoolOption
	if cfg.Health.Path != "" {
		store, err := relay.OpenHealthStore(cfg.Health.Path)
		if err != nil {
			logger.Warn("health store unavailable, continuing without persistence", "error", err)
		} else {
			poolOpts = append(poolOpts, relay.WithHealthStore(store))
		}
	}
	pool := relay.NewKeyPool(cfg.Keys, poolOpts...)
	if pool.Size() == 0 {
		return nil, nil, relay.ErrNoCredentials
	}

	transport := newTransport(cfg, logger)
	dispatcher := relay.NewDispatcher(pool, cfg.RetryEngine(), cfg.FallbackChain(), logger)
	service := relay.NewService(transport, pool, dispatcher, logger)
	return service, pool, nil
}

// exitOnNoKeys prints a friendly hint and exits when the pool is empty.
func exitOnNoKeys(err error) error {
	if err == relay.ErrNoCredentials {
		fmt.Fprintln(os.Stderr, "No API keys configured. Add some with: gemrelay keys add")
	}
	return err
}
