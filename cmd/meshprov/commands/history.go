package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meshprov/internal/outcome"
)

// History returns the history command.
func History(a *app) *cobra.Command {
	var failedOnly bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded provisioning outcomes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := outcome.ReadAll(a.cfg.OutcomePath)
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(cmd.OutOrStdout(), "No outcomes recorded at %s\n", a.cfg.OutcomePath)
				return nil
			}
			if err != nil && len(records) == 0 {
				return err
			}
			if failedOnly {
				kept := records[:0]
				for _, r := range records {
					if !r.Success {
						kept = append(kept, r)
					}
				}
				records = kept
			}
			renderHistory(cmd.OutOrStdout(), records)
			return err
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only show sessions that did not complete")
	return cmd
}
