package adapters

import (
	"context"

	"github.com/hyperdrive-os/hyperdrive/pkg/process"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
)

// Bus registers a fixed kernel-owned process id's mailbox with the router
// and gives an adapter a place to send outgoing KernelMessages.
type Bus struct {
	Self types.ProcessId

	registrar process.Registrar
	outbound  chan<- types.KernelMessage
	inbox     chan types.KernelMessage
}

// NewBus registers self as a public mailbox (any process may message a
// system adapter without holding a messaging capability for it, per spec
// §3 invariant 3's "process is public" clause) and returns a Bus ready to
// pump from.
func NewBus(registrar process.Registrar, outbound chan<- types.KernelMessage, self types.ProcessId) *Bus {
	inbox := make(chan types.KernelMessage, 64)
	registrar.RegisterProcess(self, inbox, true)
	return &Bus{Self: self, registrar: registrar, outbound: outbound, inbox: inbox}
}

// Close unregisters the adapter's mailbox.
func (b *Bus) Close() {
	b.registrar.UnregisterProcess(b.Self)
}

// Inbox is the channel of KernelMessages addressed to this adapter.
func (b *Bus) Inbox() <-chan types.KernelMessage { return b.inbox }

// Respond sends a Response back to a Request's source (or its rsvp, if
// set), correlated by the request's message id.
func (b *Bus) Respond(ctx context.Context, req types.KernelMessage, resp types.Response, blob *types.Blob) {
	target := req.Source
	if req.Rsvp != nil {
		target = *req.Rsvp
	}
	km := types.KernelMessage{
		Id: req.Id,
		// req.Target.Node is always our node: the router only delivers
		// locally-addressed requests to a registered mailbox.
		Source:  types.Address{Node: req.Target.Node, Process: b.Self},
		Target:  target,
		Message: types.Message{Kind: types.KindResponse, Response: &resp},
		Blob:    blob,
	}
	b.send(ctx, km)
}

// Send enqueues an arbitrary outgoing KernelMessage (used for
// fire-and-forget pushes, e.g. the HTTP server's WebSocket frame delivery
// or the Ethereum RPC service's subscription log events).
func (b *Bus) Send(ctx context.Context, km types.KernelMessage) {
	b.send(ctx, km)
}

func (b *Bus) send(ctx context.Context, km types.KernelMessage) {
	select {
	case b.outbound <- km:
	case <-ctx.Done():
	}
}
