package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newHealthCmd creates the `gemrelay health` command showing pool state.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show credential pool health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			logger := buildLogger(cmd, cfg)

			_, pool, err := buildService(cfg, logger)
			if err != nil {
				return exitOnNoKeys(err)
			}

			snapshot := pool.Snapshot()
			activeIdx := pool.ActiveIndex()
			fmt.Printf("Credential pool: %d key(s)\n\n", len(snapshot))
			for _, h := range snapshot {
				status := "healthy"
				if !h.Healthy {
					status = "UNHEALTHY"
				}
				active := " "
				if h.Index == activeIdx {
					active = "*"
				}
				fmt.Printf("%s %s  %-9s  ok=%-5d err=%-5d consecutive=%d\n",
					active, h.Masked, status, h.SuccessCount, h.ErrorCount, h.ConsecutiveErrors)
				if !h.LastUsedAt.IsZero() {
					fmt.Printf("    last used %s ago\n", time.Since(h.LastUsedAt).Round(time.Second))
				}
				if h.LastError != "" {
					fmt.Printf("    last error: %s\n", h.LastError)
				}
			}
			return nil
		},
	}
}
