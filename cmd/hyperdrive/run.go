package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/adapters/ethrpc"
	"github.com/hyperdrive-os/hyperdrive/pkg/adapters/httpserver"
	"github.com/hyperdrive-os/hyperdrive/pkg/adapters/timerservice"
	"github.com/hyperdrive-os/hyperdrive/pkg/adapters/vfs"
	"github.com/hyperdrive-os/hyperdrive/pkg/adminapi"
	"github.com/hyperdrive-os/hyperdrive/pkg/fdmanager"
	"github.com/hyperdrive-os/hyperdrive/pkg/identity"
	"github.com/hyperdrive-os/hyperdrive/pkg/kernel"
	"github.com/hyperdrive-os/hyperdrive/pkg/log"
	"github.com/hyperdrive-os/hyperdrive/pkg/metrics"
	"github.com/hyperdrive-os/hyperdrive/pkg/network"
	"github.com/hyperdrive-os/hyperdrive/pkg/pki"
	"github.com/hyperdrive-os/hyperdrive/pkg/security"
	"github.com/hyperdrive-os/hyperdrive/pkg/storage"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/spf13/cobra"
)

const shutdownGrace = 10 * time.Second

// peerProxy forwards router.PeerSender calls to a *network.Network that
// is constructed after the supervisor that requires this interface.
type peerProxy struct {
	net *network.Network
}

func (p *peerProxy) SendToPeer(ctx context.Context, km types.KernelMessage) error {
	if p.net == nil {
		return fmt.Errorf("peer network not yet initialized")
	}
	return p.net.SendToPeer(ctx, km)
}

// nodeConfig is the flag-derived configuration shared by the root
// command and fakenet, which differ only in where the PKI comes from.
type nodeConfig struct {
	home            string
	nodeID          types.NodeId
	password        string
	wsPort          uint16
	tcpPort         uint16
	maxPeers        int
	maxPassthroughs int
	fdStaticMax     uint64
	rpcURLs         map[string]string
	adminSocket     string
	adminAddr       string
	logMaxBytes     int64
	logMaxFiles     int
}

func configFromFlags(cmd *cobra.Command, args []string) (nodeConfig, error) {
	home := "."
	if len(args) == 1 {
		home = args[0]
	}
	home, err := filepath.Abs(home)
	if err != nil {
		return nodeConfig{}, fmt.Errorf("resolving home directory: %w", err)
	}

	flags := cmd.Flags()
	wsPort, _ := flags.GetUint16("ws-port")
	tcpPort, _ := flags.GetUint16("tcp-port")
	maxPeers, _ := flags.GetInt("max-peers")
	maxPassthroughs, _ := flags.GetInt("max-passthroughs")
	fdStaticMax, _ := flags.GetUint64("fd-static-max")
	rpcURLs, _ := flags.GetStringToString("rpc-url")
	adminSocket, _ := flags.GetString("admin-socket")
	adminAddr, _ := flags.GetString("admin-addr")
	password, _ := flags.GetString("password")
	nodeID, _ := flags.GetString("node-id")
	logMaxBytes, _ := flags.GetInt64("log-max-bytes")
	logMaxFiles, _ := flags.GetInt("log-max-files")

	if adminSocket == "" {
		adminSocket = filepath.Join(home, "admin.sock")
	}

	return nodeConfig{
		home:            home,
		nodeID:          types.NodeId(nodeID),
		password:        password,
		wsPort:          wsPort,
		tcpPort:         tcpPort,
		maxPeers:        maxPeers,
		maxPassthroughs: maxPassthroughs,
		fdStaticMax:     fdStaticMax,
		rpcURLs:         rpcURLs,
		adminSocket:     adminSocket,
		adminAddr:       adminAddr,
		logMaxBytes:     logMaxBytes,
		logMaxFiles:     logMaxFiles,
	}, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := configFromFlags(cmd, args)
	if err != nil {
		return err
	}
	if cfg.nodeID == "" && !identity.KeyfileExists(filepath.Join(cfg.home, "hyperdrive.key")) {
		return fmt.Errorf("--node-id is required on first boot to create a keyfile")
	}

	logDir := filepath.Join(cfg.home, "logs")
	rotating, err := log.NewRotatingFile(logDir, cfg.logMaxBytes, cfg.logMaxFiles)
	if err != nil {
		return fmt.Errorf("opening rotating log file: %w", err)
	}
	log.Logger = log.Logger.Output(rotating)

	id, err := loadOrCreateIdentity(cfg)
	if err != nil {
		return fmt.Errorf("loading node identity: %w", err)
	}

	store, err := storage.NewBoltStore(filepath.Join(cfg.home, "kernel"))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	resolver, err := pki.New(store, nil)
	if err != nil {
		return fmt.Errorf("loading PKI cache: %w", err)
	}

	return bootstrap(cfg, id, store, resolver)
}

// loadOrCreateIdentity loads the node's keyfile with cfg.password if the
// keyfile exists, or otherwise creates a fresh Ed25519 identity named
// cfg.nodeID and saves it as a keyfile encrypted with cfg.password.
func loadOrCreateIdentity(cfg nodeConfig) (*identity.NodeIdentity, error) {
	keyfilePath := filepath.Join(cfg.home, "hyperdrive.key")
	routing := types.NodeRouting{
		Kind: types.RoutingDirect,
		Ports: map[string]uint16{
			"ws":  cfg.wsPort,
			"tcp": cfg.tcpPort,
		},
	}

	if identity.KeyfileExists(keyfilePath) {
		id, err := identity.LoadKeyfile(keyfilePath, cfg.password)
		if err != nil {
			return nil, err
		}
		id.Routing = routing
		return id, nil
	}

	id, err := identity.New(cfg.nodeID, routing)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.home, 0o755); err != nil {
		return nil, fmt.Errorf("creating home directory: %w", err)
	}
	if err := id.SaveKeyfile(keyfilePath, cfg.password); err != nil {
		return nil, fmt.Errorf("saving keyfile: %w", err)
	}
	return id, nil
}

// bootstrap wires together the kernel, peer networking, adapters, metrics,
// and admin API, then blocks until SIGINT/SIGTERM.
func bootstrap(cfg nodeConfig, id *identity.NodeIdentity, store storage.Store, resolver network.Resolver) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fds := fdmanager.New(cfg.fdStaticMax)
	go fds.Run(ctx)

	// The supervisor needs a router.PeerSender at construction time, and
	// the peer network needs the supervisor's inbound channel at its own
	// construction time. peerProxy breaks the cycle: the supervisor is
	// built first against the proxy, and the proxy is pointed at the
	// real network once it exists.
	proxy := &peerProxy{}
	sup := kernel.New(ctx, id.Name, proxy, store)
	net := network.New(id, resolver, sup.Inbound(), cfg.maxPassthroughs)
	net.SetMaxPeers(cfg.maxPeers)
	proxy.net = net
	go sup.Run(ctx)

	if err := net.Listen(ctx, cfg.wsPort, cfg.tcpPort); err != nil {
		return fmt.Errorf("listening for peers: %w", err)
	}
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				net.Keepalive()
			case <-ctx.Done():
				return
			}
		}
	}()

	timers := timerservice.New(sup.Registrar(), sup.Outbound(), id.Name)
	go timers.Run(ctx)

	vfsDir := filepath.Join(cfg.home, "vfs")
	vfsSvc := vfs.New(sup.Registrar(), sup.Outbound(), sup.Oracle(), vfsDir, id.Name)
	go vfsSvc.Run(ctx)

	httpSvc := httpserver.New(sup.Registrar(), sup.Outbound(), id.Name)
	go httpSvc.Run(ctx)

	ethCfg := ethrpc.Config{}
	if len(cfg.rpcURLs) > 0 {
		chainURLs := make(map[uint64][]string)
		for chainStr, url := range cfg.rpcURLs {
			chain, err := strconv.ParseUint(chainStr, 10, 64)
			if err != nil {
				return fmt.Errorf("malformed --rpc-url chain id %q: %w", chainStr, err)
			}
			chainURLs[chain] = append(chainURLs[chain], url)
		}
		for chain, urls := range chainURLs {
			ethCfg[chain] = ethrpc.ChainConfig{URLs: urls}
		}
	}
	ethSvc := ethrpc.New(sup.Registrar(), sup.Outbound(), ethCfg, id.Name)
	go ethSvc.Run(ctx)

	collector := metrics.NewCollector(sup, fds, net)
	collector.Start()

	ca := security.NewCertAuthority()
	if err := ca.Initialize(); err != nil {
		return fmt.Errorf("initializing admin API certificate authority: %w", err)
	}
	admin := adminapi.NewServer(sup)
	if err := admin.ListenUnix(cfg.adminSocket); err != nil {
		return fmt.Errorf("starting admin API Unix listener: %w", err)
	}
	if cfg.adminAddr != "" {
		if err := admin.ListenTCP(cfg.adminAddr, ca); err != nil {
			return fmt.Errorf("starting admin API TCP listener: %w", err)
		}
	}
	defer admin.Stop()

	log.Logger.Info().
		Str("node", string(id.Name)).
		Str("home", cfg.home).
		Uint16("ws_port", cfg.wsPort).
		Uint16("tcp_port", cfg.tcpPort).
		Msg("hyperdrive node started")

	<-ctx.Done()
	log.Logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return sup.Shutdown(shutdownCtx)
}
