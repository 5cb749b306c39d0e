// Package network implements the peer-to-peer overlay described in spec
// §4.F: direct and router-relayed (indirect) nodes, the "ws"/"tcp"
// transport protocols, an Ed25519-authenticated handshake with per-
// connection symmetric encryption, and passthrough relaying for nodes
// this node routes for.
package network

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/identity"
	"github.com/hyperdrive-os/hyperdrive/pkg/log"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/rs/zerolog"
)

const keepaliveInterval = 30 * time.Second

// Resolver is the PKI lookup pkg/pki provides: routing information for a
// node id, and (via PeerKeyResolver) its networking public key.
type Resolver interface {
	PeerKeyResolver
	Routing(node types.NodeId) (types.NodeRouting, bool)
}

// Network manages this node's peer connections: dialing direct nodes,
// accepting inbound connections, relaying passthrough traffic for nodes it
// routes for, and forwarding decoded KernelMessages to the router.
type Network struct {
	id       *identity.NodeIdentity
	resolver Resolver
	inbound  chan<- types.KernelMessage // router.Router.Inbound()
	logger   zerolog.Logger

	maxPassthroughs int
	maxPeers        int

	mu         sync.Mutex
	peers      map[types.NodeId]*Peer
	routingFor map[types.NodeId]bool
}

// New creates a Network. maxPassthroughs bounds how many indirect nodes
// this node will relay for simultaneously; cmd/hyperdrive sets it from
// --max-passthroughs, and it does not change with the FD budget. The peer
// cap starts at 0 (unbounded); see SetMaxPeers.
func New(id *identity.NodeIdentity, resolver Resolver, inbound chan<- types.KernelMessage, maxPassthroughs int) *Network {
	return &Network{
		id:              id,
		resolver:        resolver,
		inbound:         inbound,
		logger:          log.WithComponent("network").With().Str("node", string(id.Name)).Logger(),
		maxPassthroughs: maxPassthroughs,
		peers:           make(map[types.NodeId]*Peer),
		routingFor:      make(map[types.NodeId]bool),
	}
}

// SetMaxPeers bounds the number of simultaneously connected peers; inbound
// connections beyond the cap are refused. 0 (the default) is unbounded.
func (n *Network) SetMaxPeers(max int) {
	n.mu.Lock()
	n.maxPeers = max
	n.mu.Unlock()
}

// Listen starts a tcp and a websocket listener on the given ports and
// accepts peer connections until ctx is cancelled.
func (n *Network) Listen(ctx context.Context, wsPort, tcpPort uint16) error {
	if tcpPort != 0 {
		ln, err := ListenTCP(fmt.Sprintf(":%d", tcpPort))
		if err != nil {
			return fmt.Errorf("listening tcp: %w", err)
		}
		go n.acceptTCP(ctx, ln)
	}
	if wsPort != 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/hyperdrive", func(w http.ResponseWriter, r *http.Request) {
			c, err := wsUpgrader.Upgrade(w, r, nil)
			if err != nil {
				n.logger.Warn().Err(err).Msg("ws upgrade failed")
				return
			}
			n.acceptConn(ctx, newWSConn(c))
		})
		srv := &http.Server{Addr: fmt.Sprintf(":%d", wsPort), Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.logger.Error().Err(err).Msg("ws listener stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}
	return nil
}

func (n *Network) acceptTCP(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.logger.Warn().Err(err).Msg("tcp accept failed")
			continue
		}
		go n.acceptConn(ctx, newTCPConn(c))
	}
}

// acceptConn performs the responder side of the handshake on a freshly
// accepted connection, then starts its read loop.
func (n *Network) acceptConn(ctx context.Context, conn Conn) {
	n.mu.Lock()
	atCap := n.maxPeers > 0 && len(n.peers) >= n.maxPeers
	n.mu.Unlock()
	if atCap {
		n.logger.Warn().Int("max_peers", n.maxPeers).Msg("rejecting inbound connection: peer cap reached")
		_ = conn.Close()
		return
	}

	sharedKey, node, err := performHandshake(conn, n.id, n.resolver, false)
	if err != nil {
		n.logger.Warn().Err(err).Msg("inbound handshake failed")
		_ = conn.Close()
		return
	}
	peer, err := newPeer(node, conn, sharedKey)
	if err != nil {
		n.logger.Warn().Err(err).Msg("failed to establish peer session")
		_ = conn.Close()
		return
	}
	n.mu.Lock()
	n.peers[node] = peer
	n.mu.Unlock()
	n.readLoop(ctx, peer)
}

// Dial performs the initiator side of the handshake to a direct node's
// address and registers the resulting peer.
func (n *Network) Dial(ctx context.Context, node types.NodeId, routing types.NodeRouting) (*Peer, error) {
	n.mu.Lock()
	if p, ok := n.peers[node]; ok {
		n.mu.Unlock()
		return p, nil
	}
	n.mu.Unlock()

	var conn Conn
	var err error
	if wsPort, ok := routing.Ports["ws"]; ok {
		conn, err = DialWS(fmt.Sprintf("%s:%d", routing.IP, wsPort))
	} else if tcpPort, ok := routing.Ports["tcp"]; ok {
		conn, err = DialTCP(fmt.Sprintf("%s:%d", routing.IP, tcpPort))
	} else {
		return nil, fmt.Errorf("node %s has no direct ws/tcp port", node)
	}
	if err != nil {
		return nil, err
	}

	sharedKey, gotNode, err := performHandshake(conn, n.id, n.resolver, true)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake with %s failed: %w", node, err)
	}
	if gotNode != node {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake identity mismatch: dialed %s, got %s", node, gotNode)
	}

	peer, err := newPeer(node, conn, sharedKey)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	n.mu.Lock()
	n.peers[node] = peer
	n.mu.Unlock()
	go n.readLoop(ctx, peer)
	return peer, nil
}

// DialRouter dials one of an indirect node's declared routers and asks it
// to relay traffic for us, used when this node is itself Indirect.
func (n *Network) DialRouter(ctx context.Context, router types.NodeId, routing types.NodeRouting) (*Peer, error) {
	peer, err := n.Dial(ctx, router, routing)
	if err != nil {
		return nil, err
	}
	if err := peer.sendEnvelope(wireEnvelope{RegisterRouting: true}); err != nil {
		return nil, fmt.Errorf("registering for routing with %s: %w", router, err)
	}
	return peer, nil
}

// SendToPeer implements router.PeerSender: it resolves target's node,
// reaches it directly if possible, or relays through one of its declared
// routers if it is Indirect.
func (n *Network) SendToPeer(ctx context.Context, km types.KernelMessage) error {
	target := km.Target.Node

	n.mu.Lock()
	peer, ok := n.peers[target]
	n.mu.Unlock()
	if ok {
		return peer.SendMessage(km)
	}

	routing, ok := n.resolver.Routing(target)
	if !ok {
		return fmt.Errorf("%w: no PKI routing record for %s", types.ErrOffline, target)
	}

	switch routing.Kind {
	case types.RoutingDirect:
		p, err := n.Dial(ctx, target, routing)
		if err != nil {
			return err
		}
		return p.SendMessage(km)

	case types.RoutingIndirect:
		var lastErr error
		for _, r := range routing.Routers {
			n.mu.Lock()
			routerPeer, ok := n.peers[r]
			n.mu.Unlock()
			if ok {
				return routerPeer.SendMessage(km)
			}

			routerRouting, ok := n.resolver.Routing(r)
			if !ok {
				continue
			}
			p, err := n.Dial(ctx, r, routerRouting)
			if err != nil {
				lastErr = err
				continue
			}
			return p.SendMessage(km)
		}
		if lastErr != nil {
			return fmt.Errorf("%w: dialing router for indirect node %s: %v", types.ErrOffline, target, lastErr)
		}
		return fmt.Errorf("%w: no reachable router for indirect node %s", types.ErrOffline, target)

	default:
		return fmt.Errorf("%w: unknown routing kind for %s", types.ErrOffline, target)
	}
}

// readLoop decodes inbound frames from peer, handling keepalives and
// routing registrations itself and forwarding message/passthrough traffic.
func (n *Network) readLoop(ctx context.Context, peer *Peer) {
	defer func() {
		n.mu.Lock()
		delete(n.peers, peer.node)
		delete(n.routingFor, peer.node)
		n.mu.Unlock()
		_ = peer.Close()
	}()

	for {
		env, err := peer.readEnvelope()
		if err != nil {
			if ctx.Err() == nil {
				n.logger.Debug().Err(err).Str("peer", string(peer.node)).Msg("peer connection closed")
			}
			return
		}

		switch {
		case env.Keepalive:
			continue

		case env.RegisterRouting:
			n.handleRegisterRouting(peer)

		case env.Message != nil:
			n.handleInboundMessage(ctx, peer, *env.Message)
		}
	}
}

func (n *Network) handleRegisterRouting(peer *Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.routingFor) >= n.maxPassthroughs {
		n.logger.Warn().Str("peer", string(peer.node)).Msg("rejecting routing registration: passthrough cap reached")
		return
	}
	n.routingFor[peer.node] = true
}

// handleInboundMessage delivers a message addressed to this node to the
// router, or relays it (a passthrough) if it is addressed to a node this
// node routes for.
func (n *Network) handleInboundMessage(ctx context.Context, from *Peer, km types.KernelMessage) {
	if km.Target.Node == n.id.Name {
		select {
		case n.inbound <- km:
		case <-ctx.Done():
		}
		return
	}

	n.mu.Lock()
	routing := n.routingFor[km.Target.Node]
	target, haveConn := n.peers[km.Target.Node]
	n.mu.Unlock()

	if !routing || !haveConn {
		n.logger.Debug().Str("target", string(km.Target.Node)).Msg("dropping passthrough for node we do not route for")
		return
	}
	if err := target.SendMessage(km); err != nil {
		n.logger.Warn().Err(err).Str("target", string(km.Target.Node)).Msg("passthrough relay failed")
	}
}

// Keepalive sends a keepalive ping to every peer idle for more than
// keepaliveInterval; cmd/hyperdrive calls it on a 30-second ticker.
func (n *Network) Keepalive() {
	n.mu.Lock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	for _, p := range peers {
		if p.idleSince() >= keepaliveInterval {
			if err := p.sendKeepalive(); err != nil {
				n.logger.Debug().Err(err).Str("peer", string(p.node)).Msg("keepalive failed")
			}
		}
	}
}

// PassthroughCount returns how many nodes this node currently routes for.
func (n *Network) PassthroughCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.routingFor)
}

// PeerCount returns how many live peer connections this node holds.
func (n *Network) PeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

// DisconnectPeer closes any open connection to node, if present, so the
// next send re-verifies against a fresh handshake. It matches the onChange
// hook of pki.New; cmd/hyperdrive builds the PKI cache with a nil hook, so
// an HnsUpdate that changes a node's identity does not close an open
// connection to that node.
func (n *Network) DisconnectPeer(node types.NodeId) {
	n.mu.Lock()
	peer, ok := n.peers[node]
	n.mu.Unlock()
	if ok {
		_ = peer.Close()
	}
}
