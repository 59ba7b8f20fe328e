package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meshprov/internal/directory"
	"github.com/chaz8081/meshprov/internal/fastprov"
	"github.com/chaz8081/meshprov/internal/mesh"
)

// Watch returns the watch command.
func Watch(a *app) *cobra.Command {
	var (
		unicast    uint16
		address    string
		networkIdx int
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Wait for a fast-provisioned node to advertise its identity",
		Long: "Watch scans for node identity beacons until one matches the given\n" +
			"unicast address on the chosen network, confirming the node joined.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := directory.Load(a.cfg.DirectoryPath)
			if err != nil {
				return err
			}

			idx := a.cfg.Provision.NetworkKeyIndex
			if networkIdx >= 0 {
				idx = uint16(networkIdx)
			}
			network, ok := store.Network(idx)
			if !ok {
				return fmt.Errorf("network %d not in %s", idx, store.Path())
			}

			node := &mesh.Node{UnicastAddress: unicast, NetKeyIndex: idx}
			if address != "" {
				known, ok := store.NodeByAddress(address)
				if !ok {
					return fmt.Errorf("node %s not in %s", address, store.Path())
				}
				node = known
			}
			if !mesh.IsUnicast(node.UnicastAddress) {
				return errors.New("watch needs --unicast or a known --address")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			l, err := a.startListener()
			if err != nil {
				return err
			}
			defer l.stop()

			m := fastprov.NewMatcher(l.cache, fastprov.Options{PollInterval: a.cfg.FastProv.PollInterval})
			e, err := m.Run(ctx, node, network)
			if err != nil {
				return fmt.Errorf("no identity beacon for 0x%04x: %w", node.UnicastAddress, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(fmt.Sprintf(
				"Node 0x%04x joined %q, advertising from %s at %d dBm", node.UnicastAddress, network.Name, e.Address, e.RSSI)))
			return nil
		},
	}
	cmd.Flags().Uint16Var(&unicast, "unicast", 0, "unicast address of the node (0x prefix for hex)")
	cmd.Flags().StringVar(&address, "address", "", "BLE address of a node recorded in the directory")
	cmd.Flags().IntVar(&networkIdx, "network", -1, "network key index (default: provision.network_key_index)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits until interrupted)")
	return cmd
}
