package main

import (
	"rowsync/config"
	"rowsync/daemon"

	"github.com/spf13/cobra"
)

func maintainCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance pass (prune, compact, snapshot GC, audit prune)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return daemon.RunMaintenance(cmd.Context(), cfg)
		},
	}
}
