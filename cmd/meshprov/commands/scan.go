package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meshprov/internal/scan"
)

// Scan returns the scan command.
func Scan(a *app) *cobra.Command {
	var (
		duration time.Duration
		flags    filterFlags
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Listen for mesh advertisements and list what was heard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			l, err := a.startListener()
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
			case <-time.After(duration):
			}
			l.stop()

			out := cmd.OutOrStdout()
			renderProvisionPool(out, a.scanFilter(flags).Apply(l.cache.Query(scan.ProvisionPool)))
			renderNodePool(out, l.cache.Query(scan.NodePool))
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to scan")
	cmd.Flags().IntVar(&flags.rssiMin, "rssi-min", 0, "weakest signal to list, as a magnitude (80 for -80 dBm)")
	cmd.Flags().IntVar(&flags.rssiMax, "rssi-max", 0, "strongest signal to list, as a magnitude")
	cmd.Flags().StringVar(&flags.name, "name", "", "only list devices whose name contains this")
	cmd.Flags().StringVar(&flags.uuid, "uuid", "", "only list devices whose UUID contains this hex string")
	return cmd
}
