package process

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// guestBinding is a running guest module bound to one process instance: a
// handle used by the pump loop to push inbox messages into the guest and
// to tear the instantiation down on kill.
type guestBinding interface {
	handle(ctx context.Context, km types.KernelMessage) error
	close(ctx context.Context)
}

// abi describes one wit-version's calling convention between host and
// guest. Hyperdrive defines a single ABI today (version 1); lookupABI is
// the seam a future wit-version would extend without touching the rest of
// the host.
type abi struct {
	version uint32
	bind    func(ctx context.Context, h *Host, in *instance, cm wazero.CompiledModule) (guestBinding, error)
}

var abiRegistry = map[uint32]abi{
	1: {version: 1, bind: bindV1},
}

func lookupABI(version uint32) (abi, error) {
	a, ok := abiRegistry[version]
	if !ok {
		return abi{}, fmt.Errorf("%w: %d", types.ErrUnsupportedABI, version)
	}
	return a, nil
}

// callFrame is the JSON envelope exchanged across the host/guest memory
// boundary. The guest exports hd_alloc(len) -> ptr and hd_handle(ptr, len)
// -> packed(ptr,len); hd_alloc reserves guest memory for the host to write
// into, hd_handle is invoked by the host once per inbox message.
//
// Host calls (send-request, send-response, send-and-await-response,
// get-blob, get-capability, our-capabilities, share-capability, get-state,
// set-state) are imported by the guest under the "hyperdrive" module name
// using the same ptr/len-pair convention: the guest writes a JSON-encoded
// hostCall into memory it owns and passes (ptr, len); the host writes its
// JSON-encoded result into guest memory it requests via hd_alloc and
// returns the packed (ptr, len) of that buffer.
type callFrame struct {
	Message types.KernelMessage `json:"message"`
}

type hostCallOp string

const (
	opSendRequest            hostCallOp = "send-request"
	opSendResponse            hostCallOp = "send-response"
	opSendAndAwaitResponse    hostCallOp = "send-and-await-response"
	opGetBlob                hostCallOp = "get-blob"
	opGetCapability           hostCallOp = "get-capability"
	opOurCapabilities         hostCallOp = "our-capabilities"
	opShareCapability         hostCallOp = "share-capability"
	opGetState                hostCallOp = "get-state"
	opSetState                hostCallOp = "set-state"
)

type hostCall struct {
	Op         hostCallOp       `json:"op"`
	Message    *types.KernelMessage `json:"message,omitempty"`
	Capability *types.Capability    `json:"capability,omitempty"`
	Target     *types.ProcessId     `json:"target,omitempty"`
	State      []byte               `json:"state,omitempty"`
}

type hostCallResult struct {
	Message      *types.KernelMessage  `json:"message,omitempty"`
	Blob         *types.Blob           `json:"blob,omitempty"`
	Bool         bool                  `json:"bool,omitempty"`
	Capabilities types.CapabilitySet   `json:"capabilities,omitempty"`
	State        []byte                `json:"state,omitempty"`
	Error        string                `json:"error,omitempty"`
}

func packPtrLen(ptr, size uint32) uint64 {
	return uint64(ptr)<<32 | uint64(size)
}

func unpackPtrLen(v uint64) (uint32, uint32) {
	return uint32(v >> 32), uint32(v)
}

// v1Binding instantiates one wasm module with the ABI-1 host module
// attached, closed over the owning instance so every host call operates
// on that process's state.
type v1Binding struct {
	mod    api.Module
	alloc  api.Function
	handle api.Function
}

// bindV1 links the "hyperdrive" host module (the functions in
// hostFunctionsV1) and instantiates cm for in, returning a guestBinding
// that drives the guest's hd_handle export from the pump loop.
func bindV1(ctx context.Context, h *Host, in *instance, cm wazero.CompiledModule) (guestBinding, error) {
	hostMod, err := hostFunctionsV1(ctx, h, in)
	if err != nil {
		return nil, err
	}

	modCfg := wazero.NewModuleConfig().WithName(in.id.String())
	mod, err := h.engine.InstantiateModule(ctx, cm, modCfg)
	if err != nil {
		return nil, fmt.Errorf("instantiating guest module: %w", err)
	}

	alloc := mod.ExportedFunction("hd_alloc")
	handleFn := mod.ExportedFunction("hd_handle")
	if alloc == nil || handleFn == nil {
		mod.Close(ctx)
		hostMod.Close(ctx)
		return nil, fmt.Errorf("guest module for %s does not export hd_alloc/hd_handle", in.id)
	}

	return &v1Binding{mod: mod, alloc: alloc, handle: handleFn}, nil
}

func (b *v1Binding) handle(ctx context.Context, km types.KernelMessage) error {
	frame, err := json.Marshal(callFrame{Message: km})
	if err != nil {
		return err
	}

	res, err := b.alloc.Call(ctx, uint64(len(frame)))
	if err != nil {
		return fmt.Errorf("guest hd_alloc failed: %w", err)
	}
	ptr := uint32(res[0])
	if !b.mod.Memory().Write(ptr, frame) {
		return fmt.Errorf("writing call frame into guest memory out of range")
	}

	if _, err := b.handle.Call(ctx, uint64(ptr), uint64(len(frame))); err != nil {
		return fmt.Errorf("guest hd_handle trapped: %w", err)
	}
	return nil
}

func (b *v1Binding) close(ctx context.Context) {
	_ = b.mod.Close(ctx)
}

// hostFunctionsV1 builds the "hyperdrive" host module for ABI version 1.
// Every export follows the (ptr, len) -> packed(ptr, len) convention: the
// guest writes a JSON hostCall at (ptr, len), the host decodes it,
// performs the call against in/h, and writes a JSON hostCallResult back
// into guest memory it requests via the guest's hd_alloc export.
func hostFunctionsV1(ctx context.Context, h *Host, in *instance) (api.Closer, error) {
	builder := h.engine.NewHostModuleBuilder("hyperdrive")

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			ptr, size := unpackPtrLen(stack[0])
			buf, ok := mod.Memory().Read(ptr, size)
			if !ok {
				stack[0] = 0
				return
			}
			var call hostCall
			if err := json.Unmarshal(buf, &call); err != nil {
				stack[0] = 0
				return
			}

			result := dispatchHostCall(ctx, h, in, call)
			out, err := json.Marshal(result)
			if err != nil {
				stack[0] = 0
				return
			}

			allocRes, err := mod.ExportedFunction("hd_alloc").Call(ctx, uint64(len(out)))
			if err != nil {
				stack[0] = 0
				return
			}
			outPtr := uint32(allocRes[0])
			if !mod.Memory().Write(outPtr, out) {
				stack[0] = 0
				return
			}
			stack[0] = packPtrLen(outPtr, uint32(len(out)))
		}),
			[]api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64}).
		Export("hd_call")

	return builder.Instantiate(ctx)
}

// dispatchHostCall is the synchronous host-call logic, independent of
// wazero's memory marshaling, so it can be exercised directly in tests.
func dispatchHostCall(ctx context.Context, h *Host, in *instance, call hostCall) hostCallResult {
	switch call.Op {
	case opSendRequest:
		h.hostSendRequest(ctx, in, *call.Message)
		return hostCallResult{}

	case opSendResponse:
		h.hostSendResponse(ctx, in, *call.Message)
		return hostCallResult{}

	case opSendAndAwaitResponse:
		resp, err := h.hostSendAndAwaitResponse(ctx, in, *call.Message)
		if err != nil {
			return hostCallResult{Error: err.Error()}
		}
		return hostCallResult{Message: &resp}

	case opGetBlob:
		return hostCallResult{Blob: h.hostGetBlob(in)}

	case opGetCapability:
		has, err := h.hostGetCapability(ctx, in, *call.Capability)
		if err != nil {
			return hostCallResult{Error: err.Error()}
		}
		return hostCallResult{Bool: has}

	case opOurCapabilities:
		caps, err := h.hostOurCapabilities(ctx, in)
		if err != nil {
			return hostCallResult{Error: err.Error()}
		}
		return hostCallResult{Capabilities: caps}

	case opShareCapability:
		if err := h.hostShareCapability(ctx, in, *call.Target, *call.Capability); err != nil {
			return hostCallResult{Error: err.Error()}
		}
		return hostCallResult{Bool: true}

	case opGetState:
		return hostCallResult{State: h.hostGetState(in)}

	case opSetState:
		h.hostSetState(in, call.State)
		return hostCallResult{}

	default:
		return hostCallResult{Error: fmt.Sprintf("unknown host call op %q", call.Op)}
	}
}
