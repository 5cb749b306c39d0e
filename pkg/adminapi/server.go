package adminapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"

	"github.com/hyperdrive-os/hyperdrive/pkg/kernel"
	"github.com/hyperdrive-os/hyperdrive/pkg/security"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// adminServer is the set of RPCs the hand-rolled service descriptor below
// dispatches to. Server is its only implementation; the interface exists
// so _AdminAPI_*_Handler can type-assert against it the way generated
// gRPC code type-asserts against a XxxServer interface.
type adminServer interface {
	ListProcesses(context.Context, *ListProcessesRequest) (*ListProcessesResponse, error)
	SpawnProcess(context.Context, *SpawnProcessRequest) (*SpawnProcessResponse, error)
	KillProcess(context.Context, *KillProcessRequest) (*KillProcessResponse, error)
	RebootProcess(context.Context, *RebootProcessRequest) (*RebootProcessResponse, error)
	GrantCapabilities(context.Context, *GrantCapabilitiesRequest) (*GrantCapabilitiesResponse, error)
	RouterStats(context.Context, *RouterStatsRequest) (*RouterStatsResponse, error)
}

// Server is the kernel's local control surface: a gRPC service, reachable
// over a Unix socket (trusted local operator, filesystem-permission
// gated, full read/write) and optionally over mTLS TCP (remote
// operator), that lets a CLI spawn, kill, reboot, and grant capabilities
// to processes without going through the process message-passing
// surface itself. The Unix and TCP listeners run on separate *grpc.Server
// instances sharing the same handler, since grpc-go's transport
// credentials are a server-wide option and a Unix socket carries no TLS.
type Server struct {
	sup *kernel.Supervisor

	unixGRPC *grpc.Server
	tcpGRPC  *grpc.Server
	unixLis  net.Listener
	tcpLis   net.Listener
}

// NewServer wraps sup in a gRPC service using the json codec registered
// in codec.go.
func NewServer(sup *kernel.Supervisor) *Server {
	return &Server{sup: sup}
}

// ListenUnix binds a Unix domain socket at path and starts serving on it
// in the background. Existing sockets at path are removed first (a
// leftover from an unclean shutdown); permissions are set to 0600 so only
// the node's own user can reach it. Unlike the teacher's Unix listener,
// this one is not restricted to read-only methods: a Hyperdrive node has
// exactly one local operator, so the socket is its primary, fully
// privileged control surface, the way dockerd treats docker.sock.
func (s *Server) ListenUnix(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing stale admin socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on admin socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		lis.Close()
		return fmt.Errorf("restricting admin socket permissions: %w", err)
	}
	s.unixLis = lis
	s.unixGRPC = grpc.NewServer()
	s.unixGRPC.RegisterService(&serviceDesc, s)
	go s.serve(s.unixGRPC, lis, "unix", path)
	return nil
}

// ListenTCP binds addr with TLS, issuing itself a server certificate from
// ca. A client certificate is requested but neither required nor verified
// (tls.RequestClientCert).
func (s *Server) ListenTCP(addr string, ca *security.CertAuthority) error {
	cert, err := ca.IssueNodeCertificate("local", "admin", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	if err != nil {
		return fmt.Errorf("issuing admin API server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS13,
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on admin API address %s: %w", addr, err)
	}
	s.tcpLis = lis
	s.tcpGRPC = grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsConfig)))
	s.tcpGRPC.RegisterService(&serviceDesc, s)
	go s.serve(s.tcpGRPC, lis, "tcp", addr)
	return nil
}

func (s *Server) serve(grpcServer *grpc.Server, lis net.Listener, transport, addr string) {
	log.Info().Str("transport", transport).Str("addr", addr).Msg("admin API listening")
	if err := grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		log.Error().Err(err).Str("transport", transport).Msg("admin API listener stopped")
	}
}

// Stop gracefully stops whichever listeners were started.
func (s *Server) Stop() {
	if s.unixGRPC != nil {
		s.unixGRPC.GracefulStop()
	}
	if s.tcpGRPC != nil {
		s.tcpGRPC.GracefulStop()
	}
}

// --- RPC implementations ---

func (s *Server) ListProcesses(ctx context.Context, req *ListProcessesRequest) (*ListProcessesResponse, error) {
	recs := s.sup.Processes()
	out := make([]ProcessInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ProcessInfo{
			Id:         rec.Address.Process.String(),
			WasmPath:   rec.WasmPath,
			WitVersion: rec.WitVersion,
			OnExitKind: string(rec.OnExit.Kind),
			Public:     rec.Public,
		})
	}
	return &ListProcessesResponse{Processes: out}, nil
}

func (s *Server) SpawnProcess(ctx context.Context, req *SpawnProcessRequest) (*SpawnProcessResponse, error) {
	id, err := types.ParseProcessId(req.Id)
	if err != nil {
		return nil, fmt.Errorf("malformed process id: %w", err)
	}
	caps, err := capabilitiesFromJSON(req.InitialCapabilities)
	if err != nil {
		return nil, fmt.Errorf("malformed initial capability: %w", err)
	}
	kind := types.OnExitKind(req.OnExitKind)
	if kind == "" {
		kind = types.OnExitNone
	}
	rec := types.ProcessRecord{
		Address:    types.Address{Node: s.sup.Node(), Process: id},
		WasmPath:   req.WasmPath,
		WitVersion: req.WitVersion,
		OnExit:     types.OnExit{Kind: kind},
		Public:     req.Public,
	}
	if err := s.sup.InitializeProcess(ctx, rec, caps); err != nil {
		return nil, err
	}
	if err := s.sup.RunProcess(ctx, id); err != nil {
		return nil, err
	}
	return &SpawnProcessResponse{Id: id.String()}, nil
}

func (s *Server) KillProcess(ctx context.Context, req *KillProcessRequest) (*KillProcessResponse, error) {
	id, err := types.ParseProcessId(req.Id)
	if err != nil {
		return nil, fmt.Errorf("malformed process id: %w", err)
	}
	if err := s.sup.KillProcess(ctx, id, req.NoRevoke); err != nil {
		return nil, err
	}
	return &KillProcessResponse{}, nil
}

func (s *Server) RebootProcess(ctx context.Context, req *RebootProcessRequest) (*RebootProcessResponse, error) {
	id, err := types.ParseProcessId(req.Id)
	if err != nil {
		return nil, fmt.Errorf("malformed process id: %w", err)
	}
	if err := s.sup.RebootProcess(ctx, id); err != nil {
		return nil, err
	}
	return &RebootProcessResponse{}, nil
}

func (s *Server) GrantCapabilities(ctx context.Context, req *GrantCapabilitiesRequest) (*GrantCapabilitiesResponse, error) {
	target, err := types.ParseProcessId(req.Target)
	if err != nil {
		return nil, fmt.Errorf("malformed target process id: %w", err)
	}
	caps, err := capabilitiesFromJSON(req.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("malformed capability: %w", err)
	}
	if err := s.sup.GrantCapabilities(ctx, target, caps); err != nil {
		return nil, err
	}
	return &GrantCapabilitiesResponse{}, nil
}

func (s *Server) RouterStats(ctx context.Context, req *RouterStatsRequest) (*RouterStatsResponse, error) {
	stats := s.sup.Router().Stats()
	return &RouterStatsResponse{
		RoutedTotal:     stats.RoutedTotal,
		DeliveredLocal:  stats.DeliveredLocal,
		DeliveredRemote: stats.DeliveredRemote,
		DeliveryErrors:  stats.DeliveryErrors,
		RestartTotal:    s.sup.RestartCount(),
	}, nil
}
