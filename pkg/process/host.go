// Package process hosts WASM processes inside wazero sandboxes and serves
// the host-call surface described in spec §4.D: receive, send-request,
// send-response, send-and-await-response, get-blob, capability queries,
// and get-state/set-state.
package process

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/capabilities"
	"github.com/hyperdrive-os/hyperdrive/pkg/log"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
)

// Registrar is the narrow slice of router.Router the process host needs:
// wiring a process's inbox in and out of message delivery. Kept as a local
// interface so this package does not import pkg/router.
type Registrar interface {
	RegisterProcess(id types.ProcessId, inbox chan types.KernelMessage, public bool)
	UnregisterProcess(id types.ProcessId)
}

// StateSink persists a process's set-state blob so it survives restarts;
// the kernel wires this to pkg/storage.
type StateSink interface {
	SaveProcessState(id types.ProcessId, state []byte) error
	LoadProcessState(id types.ProcessId) ([]byte, error)
}

// CrashHandler is notified when a running process's guest code returns an
// error or traps, so the supervisor can apply the process's OnExit policy.
type CrashHandler func(id types.ProcessId, err error)

// Host owns the wazero runtime shared by every process sandbox and the
// per-process instance table.
type Host struct {
	engine   wazero.Runtime
	oracle   *capabilities.Oracle
	router   Registrar
	outbound chan<- types.KernelMessage
	state    StateSink
	onCrash  CrashHandler
	logger   zerolog.Logger

	mu        sync.Mutex
	instances map[types.ProcessId]*instance
	compiled  map[string]wazero.CompiledModule

	// nextID mints message ids for send-and-await-response calls. Ids must
	// be unique across every process on the node because the router's
	// pending-request table is keyed by id regardless of source.
	nextID uint64
}

func (h *Host) nextMessageID() uint64 {
	return atomic.AddUint64(&h.nextID, 1)
}

// New creates a Host. outbound is the router's input channel for messages
// originating from local processes (router.Router.Outbound()).
func New(ctx context.Context, router Registrar, oracle *capabilities.Oracle, outbound chan<- types.KernelMessage, state StateSink, onCrash CrashHandler) *Host {
	return &Host{
		engine:    wazero.NewRuntime(ctx),
		oracle:    oracle,
		router:    router,
		outbound:  outbound,
		state:     state,
		onCrash:   onCrash,
		logger:    log.WithComponent("process-host"),
		instances: make(map[types.ProcessId]*instance),
		compiled:  make(map[string]wazero.CompiledModule),
	}
}

// Close tears down the wazero runtime and every compiled module.
func (h *Host) Close(ctx context.Context) error {
	return h.engine.Close(ctx)
}

// compile loads and compiles a process's wasm bytecode, caching the
// compiled module by path so restarts skip recompilation.
func (h *Host) compile(ctx context.Context, wasmPath string) (wazero.CompiledModule, error) {
	h.mu.Lock()
	if cm, ok := h.compiled[wasmPath]; ok {
		h.mu.Unlock()
		return cm, nil
	}
	h.mu.Unlock()

	bytecode, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("reading wasm module %s: %w", wasmPath, err)
	}
	cm, err := h.engine.CompileModule(ctx, bytecode)
	if err != nil {
		return nil, fmt.Errorf("compiling wasm module %s: %w", wasmPath, err)
	}

	h.mu.Lock()
	h.compiled[wasmPath] = cm
	h.mu.Unlock()
	return cm, nil
}

// InitializeProcess compiles the process's module (without running it yet),
// registers its mailbox with the router, and restores the set-state blob
// persisted by a prior run; process contexts are not restored.
func (h *Host) InitializeProcess(ctx context.Context, rec types.ProcessRecord) error {
	if _, err := h.compile(ctx, rec.WasmPath); err != nil {
		return err
	}
	if _, err := lookupABI(rec.WitVersion); err != nil {
		return err
	}

	in := newInstance(rec, 64)
	if h.state != nil {
		if blob, err := h.state.LoadProcessState(rec.Address.Process); err == nil {
			in.setState(blob)
		}
	}

	h.mu.Lock()
	h.instances[rec.Address.Process] = in
	h.mu.Unlock()

	h.router.RegisterProcess(rec.Address.Process, in.inbox, rec.Public)
	return nil
}

// RunProcess instantiates the compiled module and starts its message loop:
// a goroutine reading the process's inbox and invoking the guest's
// exported message handler per the process's ABI version. It returns once
// the instance is running; the message loop continues until ctx is
// cancelled or the guest traps.
func (h *Host) RunProcess(ctx context.Context, id types.ProcessId) error {
	h.mu.Lock()
	in, ok := h.instances[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("process %s not initialized", id)
	}

	cm, err := h.compile(ctx, in.record.WasmPath)
	if err != nil {
		return err
	}
	abi, err := lookupABI(in.record.WitVersion)
	if err != nil {
		return err
	}

	binding, err := abi.bind(ctx, h, in, cm)
	if err != nil {
		return fmt.Errorf("binding process %s: %w", id, err)
	}

	go h.pumpLoop(ctx, in, binding)
	return nil
}

// pumpLoop is the process's message loop: every inbox message is dispatched
// to the guest's handler. A guest-side error or panic is reported to
// onCrash, which applies the process's OnExit policy.
func (h *Host) pumpLoop(ctx context.Context, in *instance, binding guestBinding) {
	defer binding.close(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.stop:
			return
		case km := <-in.inbox:
			if km.Message.Kind == types.KindResponse {
				if in.resolvePending(km.Id, km) {
					continue
				}
				// No waiter: deliver as an unsolicited message to the
				// guest's handler so it can correlate via its own context.
			}
			if err := binding.handle(ctx, km); err != nil {
				h.logger.Error().Err(err).Str("process", in.id.String()).Msg("process guest call failed")
				if h.onCrash != nil {
					h.onCrash(in.id, err)
				}
				return
			}
		}
	}
}

// KillProcess stops the message loop, persists final state, and
// unregisters the process's mailbox from the router.
func (h *Host) KillProcess(ctx context.Context, id types.ProcessId) error {
	h.mu.Lock()
	in, ok := h.instances[id]
	if ok {
		delete(h.instances, id)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}

	close(in.stop)
	h.router.UnregisterProcess(id)

	if h.state != nil {
		if err := h.state.SaveProcessState(id, in.getState()); err != nil {
			h.logger.Warn().Err(err).Str("process", id.String()).Msg("failed to persist process state on kill")
		}
	}
	return nil
}

// --- host-call surface, invoked by the ABI binding on behalf of the guest ---

func (h *Host) hostSendRequest(ctx context.Context, in *instance, km types.KernelMessage) {
	km.Source = in.record.Address
	select {
	case h.outbound <- km:
	case <-ctx.Done():
	}
}

func (h *Host) hostSendResponse(ctx context.Context, in *instance, km types.KernelMessage) {
	km.Source = in.record.Address
	select {
	case h.outbound <- km:
	case <-ctx.Done():
	}
}

// hostSendAndAwaitResponse sends a request and blocks until a Response
// with its message id arrives in the process's inbox or the requested
// timeout elapses.
func (h *Host) hostSendAndAwaitResponse(ctx context.Context, in *instance, km types.KernelMessage) (types.KernelMessage, error) {
	km.Source = in.record.Address
	if km.Id == 0 {
		km.Id = h.nextMessageID()
	}
	pr := in.registerPending(km.Id)

	timeout := 30 * time.Second
	if km.Message.Request != nil && km.Message.Request.ExpectsResponse != nil {
		timeout = time.Duration(*km.Message.Request.ExpectsResponse) * time.Second
	}

	select {
	case h.outbound <- km:
	case <-ctx.Done():
		in.resolvePending(km.Id, types.KernelMessage{})
		return types.KernelMessage{}, ctx.Err()
	}

	select {
	case resp := <-pr.deliver:
		return resp, nil
	case <-time.After(timeout):
		in.resolvePending(km.Id, types.KernelMessage{})
		return types.KernelMessage{}, types.ErrTimeout
	case <-ctx.Done():
		return types.KernelMessage{}, ctx.Err()
	}
}

func (h *Host) hostGetBlob(in *instance) *types.Blob {
	return in.getLastBlob()
}

func (h *Host) hostGetCapability(ctx context.Context, in *instance, cap types.Capability) (bool, error) {
	return h.oracle.Has(ctx, in.id, cap)
}

func (h *Host) hostOurCapabilities(ctx context.Context, in *instance) (types.CapabilitySet, error) {
	return h.oracle.GetAll(ctx, in.id)
}

// hostShareCapability grants a capability this process holds to another
// process; the oracle does not itself verify the caller holds it, so that
// check happens here.
func (h *Host) hostShareCapability(ctx context.Context, in *instance, target types.ProcessId, cap types.Capability) error {
	held, err := h.oracle.GetAll(ctx, in.id)
	if err != nil {
		return err
	}
	if !held.Has(cap) {
		return fmt.Errorf("process %s does not hold capability to share", in.id)
	}
	return h.oracle.Grant(ctx, target, []types.Capability{cap})
}

func (h *Host) hostSetState(in *instance, b []byte) {
	in.setState(b)
	if h.state != nil {
		if err := h.state.SaveProcessState(in.id, b); err != nil {
			h.logger.Warn().Err(err).Str("process", in.id.String()).Msg("failed to persist state")
		}
	}
}

func (h *Host) hostGetState(in *instance) []byte {
	return in.getState()
}
