package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jjoaquim/gemrelay/pkg/gemrelay/gateway"
	"github.com/jjoaquim/gemrelay/pkg/gemrelay/relay"
)

// newServeCmd creates the `gemrelay serve` command that starts the gateway.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Long: `Start gemrelay as a daemon, serving the chat API and the /v1beta/
credential-injecting proxy until interrupted.

Examples:
  gemrelay serve
  gemrelay serve --address 0.0.0.0:8790
  gemrelay serve --config ./gemrelay.yaml`,
		RunE: runServe,
	}

	cmd.Flags().String("address", "", "listen address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.Gateway.Address = addr
	}

	service, pool, err := buildService(cfg, logger)
	if err != nil {
		return exitOnNoKeys(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTransport(cfg, logger)
	var validator *relay.Validator
	if cfg.Validator.Enabled {
		validator = relay.NewValidator(
			pool,
			transport.Probe,
			cfg.Validator.Schedule,
			time.Duration(cfg.Validator.ProbeTimeoutSeconds)*time.Second,
			logger,
		)
		if err := validator.Start(ctx); err != nil {
			logger.Error("failed to start key validator", "error", err)
		}
		defer validator.Stop()
	}

	gw := gateway.New(service, validator, cfg.Gateway, upstreamBase(cfg), logger)
	if err := gw.Start(ctx); err != nil {
		return err
	}

	logger.Info("gemrelay running",
		"address", cfg.Gateway.Address,
		"model", cfg.Model,
		"keys", pool.Size())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return gw.Stop(shutdownCtx)
}
