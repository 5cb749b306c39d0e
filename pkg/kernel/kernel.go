package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/capabilities"
	"github.com/hyperdrive-os/hyperdrive/pkg/log"
	"github.com/hyperdrive-os/hyperdrive/pkg/process"
	"github.com/hyperdrive-os/hyperdrive/pkg/router"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/rs/zerolog"
)

// restartState tracks the exponential-backoff counter for one process's
// OnExit::Restart policy (spec §4.G): the first restart after a crash is
// immediate, each subsequent restart within the hot window doubles the
// wait, and the counter resets once a run survives past nextSoonest.
type restartState struct {
	attempts    int
	nextSoonest time.Time
}

func backoffFor(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	return time.Duration(1<<uint(attempts-1)) * time.Second
}

// Supervisor is the kernel control plane: it owns process records and
// restart bookkeeping, and drives pkg/process, pkg/router, and
// pkg/capabilities on every process lifecycle operation.
type Supervisor struct {
	ourNode types.NodeId
	oracle  *capabilities.Oracle
	router  *router.Router
	host    *process.Host
	logger  zerolog.Logger

	mu       sync.Mutex
	records  map[types.ProcessId]types.ProcessRecord
	restarts map[types.ProcessId]*restartState

	restartTotal uint64
}

// RestartCount returns the number of process restarts carried out since
// startup, polled by pkg/metrics.
func (s *Supervisor) RestartCount() uint64 {
	return atomic.LoadUint64(&s.restartTotal)
}

// Router exposes the supervisor's message router so adapters and the
// metrics collector can read its throughput counters without the caller
// needing to construct a router of its own.
func (s *Supervisor) Router() *router.Router {
	return s.router
}

// New constructs the capability oracle, message router, and process host and
// wires them together; peers is the peer networking layer's SendToPeer
// implementation (pkg/network.Network) and state persists process state
// blobs across restarts (pkg/storage). Run must be called to start the
// router's event loop.
func New(ctx context.Context, ourNode types.NodeId, peers router.PeerSender, state process.StateSink) *Supervisor {
	oracle := capabilities.New(ctx)
	r := router.New(ourNode, oracle, peers)

	s := &Supervisor{
		ourNode:  ourNode,
		oracle:   oracle,
		router:   r,
		logger:   log.WithComponent("kernel"),
		records:  make(map[types.ProcessId]types.ProcessRecord),
		restarts: make(map[types.ProcessId]*restartState),
	}
	s.host = process.New(ctx, r, oracle, r.Outbound(), state, s.handleCrash)
	return s
}

// Run starts the router's event loop; it blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.router.Run(ctx)
}

// Inbound is the channel the peer networking layer delivers decoded
// KernelMessages to.
func (s *Supervisor) Inbound() chan<- types.KernelMessage { return s.router.Inbound() }

// Oracle exposes the capability oracle for components that need to check
// or grant capabilities outside of a process lifecycle call (adapters,
// the admin API).
func (s *Supervisor) Oracle() *capabilities.Oracle { return s.oracle }

// Node returns the node id this supervisor runs processes on behalf of.
func (s *Supervisor) Node() types.NodeId { return s.ourNode }

// Registrar exposes the router's mailbox registration surface to the
// external-interface adapters (spec §4.H), which are native Go services
// rather than WASM guests but still send and receive KernelMessages
// through an ordinary process mailbox.
func (s *Supervisor) Registrar() process.Registrar { return s.router }

// Outbound is the channel adapters enqueue outgoing KernelMessages on, the
// same one pkg/process's Host uses to hand router.Outbound() to the guest
// host-call surface.
func (s *Supervisor) Outbound() chan<- types.KernelMessage { return s.router.Outbound() }

// Processes returns a snapshot of every process record the kernel currently
// knows about, for the admin API's process listing.
func (s *Supervisor) Processes() []types.ProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]types.ProcessRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	return recs
}

func (s *Supervisor) recordFor(id types.ProcessId) (types.ProcessRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *Supervisor) restartStateFor(id types.ProcessId) *restartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.restarts[id]
	if !ok {
		rs = &restartState{}
		s.restarts[id] = rs
	}
	return rs
}

func (s *Supervisor) forgetProcess(id types.ProcessId) {
	s.mu.Lock()
	delete(s.records, id)
	delete(s.restarts, id)
	s.mu.Unlock()
}

// InitializeProcess persists rec, compiles and prepares its WASM module, and
// grants it any initial capabilities, per spec §4.G. It does not start the
// process; call RunProcess for that.
func (s *Supervisor) InitializeProcess(ctx context.Context, rec types.ProcessRecord, initialCapabilities []types.Capability) error {
	if err := s.host.InitializeProcess(ctx, rec); err != nil {
		return fmt.Errorf("initializing process %s: %w", rec.Address.Process, err)
	}
	s.mu.Lock()
	s.records[rec.Address.Process] = rec
	s.mu.Unlock()

	if len(initialCapabilities) > 0 {
		if err := s.oracle.Grant(ctx, rec.Address.Process, initialCapabilities); err != nil {
			return fmt.Errorf("granting initial capabilities to %s: %w", rec.Address.Process, err)
		}
	}
	return nil
}

// RunProcess invokes the process's init entrypoint in a fresh task.
func (s *Supervisor) RunProcess(ctx context.Context, id types.ProcessId) error {
	return s.host.RunProcess(ctx, id)
}

// KillProcess terminates the running task if any, drops its mailbox, and
// notifies the oracle. noRevoke suppresses revocation of capabilities this
// process issued to others (used by callers replicating restart semantics
// manually; the automatic restart path always passes true itself).
func (s *Supervisor) KillProcess(ctx context.Context, id types.ProcessId, noRevoke bool) error {
	if err := s.host.KillProcess(ctx, id); err != nil {
		return fmt.Errorf("killing process %s: %w", id, err)
	}
	if err := s.oracle.Drop(ctx, id, noRevoke); err != nil {
		return fmt.Errorf("dropping capabilities for %s: %w", id, err)
	}
	s.forgetProcess(id)
	return nil
}

// GrantCapabilities is the kernel-authoritative capability grant, used by
// the admin API and by spawn-time initial-capabilities wiring.
func (s *Supervisor) GrantCapabilities(ctx context.Context, target types.ProcessId, caps []types.Capability) error {
	return s.oracle.Grant(ctx, target, caps)
}

// RebootProcess kills and re-initializes a process manually (an operator
// action, not a crash), preserving its current capability set across the
// restart exactly as the automatic OnExit::Restart path does.
func (s *Supervisor) RebootProcess(ctx context.Context, id types.ProcessId) error {
	rec, ok := s.recordFor(id)
	if !ok {
		return fmt.Errorf("process %s is not known to the kernel", id)
	}

	caps, err := s.oracle.GetAll(ctx, id)
	if err != nil {
		return fmt.Errorf("fetching capabilities for %s before reboot: %w", id, err)
	}

	if err := s.host.KillProcess(ctx, id); err != nil {
		return fmt.Errorf("killing process %s for reboot: %w", id, err)
	}
	if err := s.oracle.Drop(ctx, id, true); err != nil {
		return fmt.Errorf("dropping process %s for reboot: %w", id, err)
	}

	if err := s.host.InitializeProcess(ctx, rec); err != nil {
		return fmt.Errorf("re-initializing process %s: %w", id, err)
	}
	if len(caps) > 0 {
		if err := s.oracle.Grant(ctx, id, caps.Slice()); err != nil {
			return fmt.Errorf("re-granting capabilities to %s: %w", id, err)
		}
	}
	return s.host.RunProcess(ctx, id)
}

// Shutdown kills every known process and closes the process host's wazero
// runtime.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]types.ProcessId, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.KillProcess(ctx, id, true); err != nil {
			s.logger.Warn().Err(err).Str("process", id.String()).Msg("failed to kill process during shutdown")
		}
	}
	return s.host.Close(ctx)
}

// handleCrash is the process host's CrashHandler: it applies the crashed
// process's declared OnExit policy.
func (s *Supervisor) handleCrash(id types.ProcessId, crashErr error) {
	ctx := context.Background()
	rec, ok := s.recordFor(id)
	if !ok {
		return
	}
	s.logger.Warn().Err(crashErr).Str("process", id.String()).Msg("process crashed")

	switch rec.OnExit.Kind {
	case types.OnExitRestart:
		s.restartProcess(ctx, id, rec)
	case types.OnExitRequests:
		s.fireOnExitRequests(rec.OnExit.Requests, rec.Address)
		s.finalizeKill(ctx, id)
	default:
		s.finalizeKill(ctx, id)
	}
}

func (s *Supervisor) finalizeKill(ctx context.Context, id types.ProcessId) {
	if err := s.host.KillProcess(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("process", id.String()).Msg("failed to kill crashed process")
	}
	if err := s.oracle.Drop(ctx, id, false); err != nil {
		s.logger.Warn().Err(err).Str("process", id.String()).Msg("failed to drop capabilities for crashed process")
	}
	s.forgetProcess(id)
}

// fireOnExitRequests sends each declared fire-and-forget request before the
// process record is dropped, per spec §4.G's Requests(list) policy.
func (s *Supervisor) fireOnExitRequests(reqs []types.OnExitRequest, from types.Address) {
	for _, req := range reqs {
		km := types.KernelMessage{
			Source:  from,
			Target:  req.Target,
			Message: types.Message{Kind: types.KindRequest, Request: &req.Request},
		}
		if len(req.Blob) > 0 {
			km.Blob = &types.Blob{Bytes: req.Blob}
		}
		select {
		case s.router.Outbound() <- km:
		default:
			go func(km types.KernelMessage) { s.router.Outbound() <- km }(km)
		}
	}
}

// restartProcess re-initializes rec with the capability set it held right
// before being killed, honouring the exponential restart backoff.
func (s *Supervisor) restartProcess(ctx context.Context, id types.ProcessId, rec types.ProcessRecord) {
	atomic.AddUint64(&s.restartTotal, 1)
	caps, err := s.oracle.GetAll(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("process", id.String()).Msg("failed to fetch capabilities before restart")
		caps = types.NewCapabilitySet()
	}

	rs := s.restartStateFor(id)
	now := time.Now()
	s.mu.Lock()
	if now.After(rs.nextSoonest) {
		rs.attempts = 0
	}
	wait := backoffFor(rs.attempts)
	rs.attempts++
	hotWindow := wait
	if hotWindow == 0 {
		hotWindow = time.Second
	}
	rs.nextSoonest = now.Add(wait + hotWindow)
	s.mu.Unlock()

	if err := s.host.KillProcess(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("process", id.String()).Msg("failed to kill process before restart")
	}
	if err := s.oracle.Drop(ctx, id, true); err != nil {
		s.logger.Warn().Err(err).Str("process", id.String()).Msg("failed to drop process before restart")
	}

	go func() {
		if wait > 0 {
			time.Sleep(wait)
		}
		if err := s.host.InitializeProcess(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("process", id.String()).Msg("failed to re-initialize process after crash")
			return
		}
		if len(caps) > 0 {
			if err := s.oracle.Grant(ctx, id, caps.Slice()); err != nil {
				s.logger.Error().Err(err).Str("process", id.String()).Msg("failed to re-grant capabilities after restart")
			}
		}
		if err := s.host.RunProcess(ctx, id); err != nil {
			s.logger.Error().Err(err).Str("process", id.String()).Msg("failed to run process after restart")
		}
	}()
}
