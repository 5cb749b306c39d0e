package process

import (
	"sync"
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/types"
)

// pendingRequest is a process's own send-and-await-response bookkeeping:
// the guest blocked a host call waiting for exactly one Response or
// synthetic timeout/offline with this message id.
type pendingRequest struct {
	deliver chan types.KernelMessage
}

// processContext is the "prompting message" a process was handling when it
// issued a request with expects-response set. The host does not record
// these (saveContext has no caller), and they are not carried across a
// restart.
type processContext struct {
	requestID  uint64
	prompting  types.KernelMessage
	issuedAt   time.Time
}

// instance is the per-process runtime state the host keeps alongside the
// wazero module instance: its inbox, its outstanding awaits, its
// persisted state blob, and a context table keyed by request id that is
// not carried across restarts.
type instance struct {
	id     types.ProcessId
	record types.ProcessRecord

	inbox chan types.KernelMessage

	mu       sync.Mutex
	pending  map[uint64]*pendingRequest
	contexts map[uint64]processContext
	stateBlob []byte
	lastBlob  *types.Blob

	stop chan struct{}
}

func newInstance(rec types.ProcessRecord, inboxSize int) *instance {
	return &instance{
		id:       rec.Address.Process,
		record:   rec,
		inbox:    make(chan types.KernelMessage, inboxSize),
		pending:  make(map[uint64]*pendingRequest),
		contexts: make(map[uint64]processContext),
		stop:     make(chan struct{}),
	}
}

func (in *instance) registerPending(id uint64) *pendingRequest {
	pr := &pendingRequest{deliver: make(chan types.KernelMessage, 1)}
	in.mu.Lock()
	in.pending[id] = pr
	in.mu.Unlock()
	return pr
}

func (in *instance) resolvePending(id uint64, km types.KernelMessage) bool {
	in.mu.Lock()
	pr, ok := in.pending[id]
	if ok {
		delete(in.pending, id)
	}
	in.mu.Unlock()
	if !ok {
		return false
	}
	pr.deliver <- km
	return true
}

func (in *instance) saveContext(id uint64, pc processContext) {
	in.mu.Lock()
	in.contexts[id] = pc
	in.mu.Unlock()
}

func (in *instance) takeContext(id uint64) (processContext, bool) {
	in.mu.Lock()
	pc, ok := in.contexts[id]
	if ok {
		delete(in.contexts, id)
	}
	in.mu.Unlock()
	return pc, ok
}

// contextsSnapshot returns a copy of all unresolved contexts. The host does
// not call it; a restarted instance starts with an empty table.
func (in *instance) contextsSnapshot() map[uint64]processContext {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[uint64]processContext, len(in.contexts))
	for k, v := range in.contexts {
		out[k] = v
	}
	return out
}

func (in *instance) setState(b []byte) {
	in.mu.Lock()
	in.stateBlob = append([]byte(nil), b...)
	in.mu.Unlock()
}

func (in *instance) getState() []byte {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]byte(nil), in.stateBlob...)
}

func (in *instance) setLastBlob(b *types.Blob) {
	in.mu.Lock()
	in.lastBlob = b
	in.mu.Unlock()
}

func (in *instance) getLastBlob() *types.Blob {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastBlob
}
