package main

import (
	"fmt"
	"os"

	"github.com/hyperdrive-os/hyperdrive/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hyperdrive [home]",
	Short: "Hyperdrive - a sovereign cloud computer runtime kernel",
	Long: `Hyperdrive runs a single node of a sovereign cloud computer: a
WASM process supervisor, capability-secured message router, and
peer-to-peer networking layer, all addressable by on-chain identity.

Given a home directory, hyperdrive loads or creates the node's keyfile,
resolves its on-chain identity, and starts serving processes.`,
	Version: Version,
	Args:    cobra.MaximumNArgs(1),
	RunE:    runNode,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hyperdrive version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format (forced on when --detached is set)")
	rootCmd.PersistentFlags().Int64("log-max-bytes", 16<<20, "Rotate the active log file once it exceeds this many bytes")
	rootCmd.PersistentFlags().Int("log-max-files", 4, "Number of rotated log files to retain")

	rootCmd.PersistentFlags().Uint16("ws-port", 9000, "WebSocket listen port for direct peer connections")
	rootCmd.PersistentFlags().Uint16("tcp-port", 9001, "TCP listen port for direct peer connections")
	rootCmd.PersistentFlags().Int("max-peers", 128, "Maximum number of simultaneously connected peers")
	rootCmd.PersistentFlags().Int("max-passthroughs", 64, "Maximum number of passthrough connections relayed for other routers")
	rootCmd.PersistentFlags().Uint64("fd-static-max", 0, "Static file-descriptor budget override (0 autodetects from the process ulimit)")
	rootCmd.PersistentFlags().StringToString("rpc-url", nil, "Ethereum RPC URL override, chain=url (repeatable)")
	rootCmd.PersistentFlags().Bool("detached", false, "Run without an interactive terminal; forces JSON logging")
	rootCmd.PersistentFlags().String("admin-socket", "", "Unix socket path for the admin API (default <home>/admin.sock)")
	rootCmd.PersistentFlags().String("admin-addr", "", "mTLS TCP address for the admin API (disabled if unset)")
	rootCmd.PersistentFlags().String("password", "", "Keyfile password (encrypts a fresh keyfile, decrypts an existing one)")
	rootCmd.PersistentFlags().String("node-id", "", "Node id to register under when creating a fresh keyfile")

	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(fakenetCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	detached, _ := rootCmd.PersistentFlags().GetBool("detached")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON || detached,
	})
}
