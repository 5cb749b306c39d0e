package main

import (
	"fmt"
	"path/filepath"

	"github.com/hyperdrive-os/hyperdrive/pkg/identity"
	"github.com/hyperdrive-os/hyperdrive/pkg/pki"
	"github.com/hyperdrive-os/hyperdrive/pkg/storage"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/spf13/cobra"
)

var fakenetCmd = &cobra.Command{
	Use:   "fakenet [home]",
	Short: "Run a node with no on-chain connectivity, for local development",
	Long: `fakenet skips on-chain registration and resolution entirely and
seeds a local, in-memory PKI from this node's own generated identity,
letting a dev cluster run on loopback without any chain connectivity.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFakenet,
}

func init() {
	fakenetCmd.Flags().String("fakenet-node-id", "fake.os", "Node id to use under fakenet")
}

func runFakenet(cmd *cobra.Command, args []string) error {
	cfg, err := configFromFlags(cmd, args)
	if err != nil {
		return err
	}
	fakeNodeID, _ := cmd.Flags().GetString("fakenet-node-id")
	cfg.nodeID = types.NodeId(fakeNodeID)

	id, err := identity.New(cfg.nodeID, types.NodeRouting{
		Kind: types.RoutingDirect,
		Ports: map[string]uint16{
			"ws":  cfg.wsPort,
			"tcp": cfg.tcpPort,
		},
	})
	if err != nil {
		return fmt.Errorf("generating fakenet identity: %w", err)
	}

	store, err := storage.NewBoltStore(filepath.Join(cfg.home, "kernel"))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	resolver := pki.NewFakeResolver(id.Identity())

	fmt.Printf("fakenet node %s listening ws=%d tcp=%d (no chain connectivity)\n", cfg.nodeID, cfg.wsPort, cfg.tcpPort)
	return bootstrap(cfg, id, store, resolver)
}
