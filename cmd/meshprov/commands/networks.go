package commands

import (
	"github.com/spf13/cobra"

	"github.com/chaz8081/meshprov/internal/directory"
)

// Networks returns the networks command.
func Networks(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List the networks and nodes in the directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := directory.Load(a.cfg.DirectoryPath)
			if err != nil {
				return err
			}
			renderNetworks(cmd.OutOrStdout(), store.Networks(), store.Nodes())
			return nil
		},
	}
}
