package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meshprov/internal/config"
)

// Config returns the config command group.
func Config() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the meshprov configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
			return nil
		},
	})
	return cmd
}
