// Package router implements the message router: the single logical event
// loop described in spec §4.E that moves messages between local
// processes, between local and remote processes, and synthesizes
// delivery-failure responses.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/capabilities"
	"github.com/hyperdrive-os/hyperdrive/pkg/log"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/rs/zerolog"
)

// MessagingCapabilityParams is the well-known params byte string for the
// capability that gates cross-node sends to a non-public process: holding
// Capability{Issuer: source, Params: MessagingCapabilityParams} lets the
// receiver accept messages from source.
var MessagingCapabilityParams = []byte("messaging")

// PeerSender is the narrow interface the peer networking layer implements
// so the router can hand it messages bound for a remote node without
// importing pkg/network (which in turn depends on the router to receive
// inbound traffic).
type PeerSender interface {
	SendToPeer(ctx context.Context, km types.KernelMessage) error
}

// pendingEntry tracks one outstanding Request with expects-response set,
// originated on this node (a local process's send-request or a
// send-and-await-response); requests arriving from another node get none.
type pendingEntry struct {
	source Address
	rsvp   *Address
	target Address
	timer  *time.Timer
}

// Address is a type alias kept local to avoid a stutter of types.Address
// throughout this file.
type Address = types.Address

// Router is the kernel's message bus.
type Router struct {
	ourNode types.NodeId
	oracle  *capabilities.Oracle
	peers   PeerSender
	logger  zerolog.Logger

	localIn chan types.KernelMessage // outbound messages from local processes
	netIn   chan types.KernelMessage // inbound messages from peer networking
	ctrlIn  chan controlMsg          // spawn/kill/etc control plane messages
	timeout chan uint64              // ids whose timer fired

	nextID uint64

	routedTotal     uint64
	deliveredLocal  uint64
	deliveredRemote uint64
	deliveryErrors  uint64

	mu        sync.Mutex
	mailboxes map[types.ProcessId]chan types.KernelMessage
	public    map[types.ProcessId]bool
	pending   map[uint64]pendingEntry
}

// Stats is a snapshot of router throughput counters, polled by pkg/metrics.
type Stats struct {
	RoutedTotal     uint64
	DeliveredLocal  uint64
	DeliveredRemote uint64
	DeliveryErrors  uint64
}

// Stats returns the current throughput counters. Safe for concurrent use.
func (r *Router) Stats() Stats {
	return Stats{
		RoutedTotal:     atomic.LoadUint64(&r.routedTotal),
		DeliveredLocal:  atomic.LoadUint64(&r.deliveredLocal),
		DeliveredRemote: atomic.LoadUint64(&r.deliveredRemote),
		DeliveryErrors:  atomic.LoadUint64(&r.deliveryErrors),
	}
}

type controlMsg struct {
	fn   func()
	done chan struct{}
}

// New creates a Router for ourNode. oracle performs permission checks;
// peers is consulted for any target whose node differs from ourNode.
func New(ourNode types.NodeId, oracle *capabilities.Oracle, peers PeerSender) *Router {
	return &Router{
		ourNode:   ourNode,
		oracle:    oracle,
		peers:     peers,
		logger:    log.WithComponent("router"),
		localIn:   make(chan types.KernelMessage, 256),
		netIn:     make(chan types.KernelMessage, 256),
		ctrlIn:    make(chan controlMsg, 64),
		timeout:   make(chan uint64, 256),
		mailboxes: make(map[types.ProcessId]chan types.KernelMessage),
		public:    make(map[types.ProcessId]bool),
		pending:   make(map[uint64]pendingEntry),
	}
}

// Outbound returns the channel local process hosts send outbound messages
// to; it is the first of the router's four input streams.
func (r *Router) Outbound() chan<- types.KernelMessage { return r.localIn }

// Inbound returns the channel the peer networking layer pushes
// wire-deserialised messages to; it is the second input stream.
func (r *Router) Inbound() chan<- types.KernelMessage { return r.netIn }

// Run is the router's event loop. It blocks until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case km := <-r.localIn:
			r.route(ctx, km)
		case km := <-r.netIn:
			r.route(ctx, km)
		case cm := <-r.ctrlIn:
			cm.fn()
			close(cm.done)
		case id := <-r.timeout:
			r.fireTimeout(id)
		}
	}
}

// withLock runs fn serialized on the router's own goroutine, used by
// RegisterProcess/UnregisterProcess so mailbox/public-set mutation never
// races message routing for the same process.
func (r *Router) withLock(fn func()) {
	done := make(chan struct{})
	r.ctrlIn <- controlMsg{fn: fn, done: done}
	<-done
}

// RegisterProcess wires a process's inbox into the router so messages
// addressed to it can be enqueued, and records whether it is public
// (receivable without a messaging capability).
func (r *Router) RegisterProcess(id types.ProcessId, inbox chan types.KernelMessage, public bool) {
	r.withLock(func() {
		r.mailboxes[id] = inbox
		r.public[id] = public
	})
}

// UnregisterProcess removes a killed process's mailbox. Per invariant 5,
// it stops receiving new messages immediately; any pending entry whose
// target was this process is resolved as Offline to its waiter right away
// rather than left to time out.
func (r *Router) UnregisterProcess(id types.ProcessId) {
	r.withLock(func() {
		delete(r.mailboxes, id)
		delete(r.public, id)
		for msgID, pe := range r.pending {
			if pe.target.Process == id {
				pe.timer.Stop()
				delete(r.pending, msgID)
				r.deliverOffline(pe, id)
			}
		}
	})
}

func (r *Router) nextMessageID() uint64 {
	return atomic.AddUint64(&r.nextID, 1)
}

// route resolves km.Target.Node: local targets are delivered (after the
// permission check); remote targets are handed to peer networking.
func (r *Router) route(ctx context.Context, km types.KernelMessage) {
	if km.Id == 0 {
		km.Id = r.nextMessageID()
	}
	atomic.AddUint64(&r.routedTotal, 1)

	if km.Message.Kind == types.KindResponse {
		if km.Target.Node != r.ourNode {
			if err := r.peers.SendToPeer(ctx, km); err != nil {
				r.logger.Warn().Err(err).Str("target", km.Target.String()).Msg("peer send failed for response")
				atomic.AddUint64(&r.deliveryErrors, 1)
				return
			}
			atomic.AddUint64(&r.deliveredRemote, 1)
			return
		}
		r.deliverResponse(km)
		return
	}

	// A pending entry (and its timeout timer) is only owned by the node
	// that originated the request: a local process sending to a local or
	// remote target. A request merely arriving over the wire for local
	// delivery is not re-registered here; the originating node already
	// holds the pending entry and times it out itself.
	if km.Source.Node == r.ourNode {
		r.registerPendingIfNeeded(km)
	}

	if km.Target.Node != r.ourNode {
		if err := r.peers.SendToPeer(ctx, km); err != nil {
			r.logger.Warn().Err(err).Str("target", km.Target.String()).Msg("peer send failed")
			atomic.AddUint64(&r.deliveryErrors, 1)
			r.resolveOffline(km)
			return
		}
		atomic.AddUint64(&r.deliveredRemote, 1)
		return
	}

	r.deliverLocal(km)
}

func (r *Router) registerPendingIfNeeded(km types.KernelMessage) {
	req := km.Message.Request
	if req == nil || req.ExpectsResponse == nil {
		return
	}
	seconds := *req.ExpectsResponse

	r.mu.Lock()
	entry := pendingEntry{source: km.Source, rsvp: km.Rsvp, target: km.Target}
	id := km.Id
	entry.timer = time.AfterFunc(time.Duration(seconds)*time.Second, func() {
		select {
		case r.timeout <- id:
		default:
			go func() { r.timeout <- id }()
		}
	})
	r.pending[id] = entry
	r.mu.Unlock()
}

func (r *Router) fireTimeout(id uint64) {
	r.mu.Lock()
	pe, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.deliverSendError(pe, types.SendErrorTimeout, "no response within requested window")
}

func (r *Router) deliverOffline(pe pendingEntry, _ types.ProcessId) {
	r.deliverSendError(pe, types.SendErrorOffline, "target process killed")
}

func (r *Router) resolveOffline(km types.KernelMessage) {
	req := km.Message.Request
	if req == nil || req.ExpectsResponse == nil {
		return
	}
	r.mu.Lock()
	pe, ok := r.pending[km.Id]
	if ok {
		pe.timer.Stop()
		delete(r.pending, km.Id)
	}
	r.mu.Unlock()
	if !ok {
		pe = pendingEntry{source: km.Source, rsvp: km.Rsvp, target: km.Target}
	}
	r.deliverSendError(pe, types.SendErrorOffline, "target unreachable")
}

func (r *Router) deliverSendError(pe pendingEntry, kind types.SendErrorKind, msg string) {
	dest := pe.source
	if pe.rsvp != nil {
		dest = *pe.rsvp
	}
	body := types.SendError{Kind: kind, Message: msg, Target: pe.target}
	resp := types.KernelMessage{
		Id:     0,
		Source: pe.target,
		Target: dest,
		Message: types.Message{
			Kind:     types.KindResponse,
			Response: &types.Response{Body: encodeSendError(body)},
		},
	}
	r.deliverLocal(resp)
}

// deliverLocal enqueues km into its target's mailbox after enforcing the
// receive-permission rule, or synthesizes a delivery failure.
func (r *Router) deliverLocal(km types.KernelMessage) {
	r.mu.Lock()
	mailbox, ok := r.mailboxes[km.Target.Process]
	isPublic := r.public[km.Target.Process]
	r.mu.Unlock()

	if !ok {
		atomic.AddUint64(&r.deliveryErrors, 1)
		r.resolveOffline(km)
		return
	}

	if km.Message.Kind == types.KindRequest {
		allowed := r.checkPermission(km.Source, km.Target, isPublic)
		if !allowed {
			r.mu.Lock()
			pe, hadPending := r.pending[km.Id]
			if hadPending {
				pe.timer.Stop()
				delete(r.pending, km.Id)
			}
			r.mu.Unlock()
			if !hadPending && km.Message.Request != nil && km.Message.Request.ExpectsResponse != nil {
				pe, hadPending = pendingEntry{source: km.Source, rsvp: km.Rsvp, target: km.Target}, true
			}
			atomic.AddUint64(&r.deliveryErrors, 1)
			if hadPending {
				r.deliverSendError(pe, types.SendErrorPermissionDenied, "missing messaging capability")
			}
			return
		}
	}

	atomic.AddUint64(&r.deliveredLocal, 1)
	select {
	case mailbox <- km:
	default:
		go func() { mailbox <- km }()
	}
}

// checkPermission implements spec invariant 3: a process only receives a
// message whose source it is allowed to hear from. Same-node traffic
// (which subsumes "local-same-package" delivery per §4.B) and public
// targets are unconditionally allowed; cross-node traffic to a non-public
// target requires a messaging capability issued by the source.
func (r *Router) checkPermission(source, target types.Address, isPublic bool) bool {
	if source == target {
		return true
	}
	if source.Node == target.Node {
		return true
	}
	if isPublic {
		return true
	}
	reqCap := types.Capability{Issuer: source, Params: MessagingCapabilityParams}
	has, err := r.oracle.Has(context.Background(), target.Process, reqCap)
	if err != nil {
		r.logger.Error().Err(err).Msg("oracle check failed during delivery")
		return false
	}
	return has
}

// deliverResponse correlates an inbound Response to its pending Request by
// id, cancelling the timeout timer and delivering exactly once. A second
// response for the same id (which should not happen but might across
// restarts) is dropped.
func (r *Router) deliverResponse(km types.KernelMessage) {
	r.mu.Lock()
	pe, ok := r.pending[km.Id]
	if ok {
		pe.timer.Stop()
		delete(r.pending, km.Id)
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Debug().Uint64("id", km.Id).Msg("dropping response with no pending request")
		return
	}

	dest := pe.source
	if pe.rsvp != nil {
		dest = *pe.rsvp
	}
	out := km
	out.Target = dest
	r.deliverLocal(out)
}

// encodeSendError serialises a SendError to the Response.Body wire format
// used throughout the kernel for synthetic failure responses.
func encodeSendError(se types.SendError) []byte {
	b, err := json.Marshal(se)
	if err != nil {
		// SendError's fields are all plain serialisable types; Marshal
		// cannot fail here short of a bug in the struct definition.
		panic(err)
	}
	return b
}
