package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/identity"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	pubKeys map[types.NodeId][]byte
	routing map[types.NodeId]types.NodeRouting
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{pubKeys: map[types.NodeId][]byte{}, routing: map[types.NodeId]types.NodeRouting{}}
}

func (f *fakeResolver) NetworkingPubKey(node types.NodeId) ([]byte, bool) {
	k, ok := f.pubKeys[node]
	return k, ok
}

func (f *fakeResolver) Routing(node types.NodeId) (types.NodeRouting, bool) {
	r, ok := f.routing[node]
	return r, ok
}

func newTestIdentity(t *testing.T, name types.NodeId) *identity.NodeIdentity {
	t.Helper()
	id, err := identity.New(name, types.NodeRouting{Kind: types.RoutingDirect})
	require.NoError(t, err)
	return id
}

func TestPerformHandshakeBothSidesDeriveSameKey(t *testing.T) {
	alice := newTestIdentity(t, "alice.os")
	bob := newTestIdentity(t, "bob.os")

	resolver := newFakeResolver()
	resolver.pubKeys[alice.Name] = alice.PublicKey
	resolver.pubKeys[bob.Name] = bob.PublicKey

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	type result struct {
		key  [32]byte
		node types.NodeId
		err  error
	}
	clientCh := make(chan result, 1)
	go func() {
		key, node, err := performHandshake(newTCPConn(clientConn), alice, resolver, true)
		clientCh <- result{key, node, err}
	}()

	serverKey, serverNode, err := performHandshake(newTCPConn(serverConn), bob, resolver, false)
	require.NoError(t, err)
	assert.Equal(t, alice.Name, serverNode)

	clientRes := <-clientCh
	require.NoError(t, clientRes.err)
	assert.Equal(t, bob.Name, clientRes.node)
	assert.Equal(t, serverKey, clientRes.key)
}

func TestPerformHandshakeFailsOnUnknownPeer(t *testing.T) {
	alice := newTestIdentity(t, "alice.os")
	bob := newTestIdentity(t, "bob.os")

	resolver := newFakeResolver()
	// bob's key intentionally omitted: alice cannot verify bob's signature.
	resolver.pubKeys[alice.Name] = alice.PublicKey

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	errCh := make(chan error, 1)
	go func() {
		_, _, err := performHandshake(newTCPConn(clientConn), alice, resolver, true)
		errCh <- err
	}()

	// bob does hold alice's key, so only alice's side of the handshake fails.
	_, _, err := performHandshake(newTCPConn(serverConn), bob, resolver, false)
	assert.NoError(t, err)
	assert.Error(t, <-errCh)
}

func TestPeerEncryptDecryptRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	var sharedKey [32]byte
	for i := range sharedKey {
		sharedKey[i] = byte(i)
	}

	sender, err := newPeer("bob.os", newTCPConn(clientConn), sharedKey)
	require.NoError(t, err)
	receiver, err := newPeer("alice.os", newTCPConn(serverConn), sharedKey)
	require.NoError(t, err)

	km := types.KernelMessage{
		Id:     7,
		Source: types.Address{Node: "alice.os", Process: types.ProcessId{ProcessName: "p", PackageName: "pkg", Publisher: "alice.os"}},
		Target: types.Address{Node: "bob.os", Process: types.ProcessId{ProcessName: "q", PackageName: "pkg", Publisher: "bob.os"}},
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sender.SendMessage(km) }()

	env, err := receiver.readEnvelope()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.NotNil(t, env.Message)
	assert.Equal(t, km.Id, env.Message.Id)
	assert.Equal(t, km.Source, env.Message.Source)
	assert.Equal(t, km.Target, env.Message.Target)
}

func TestNetworkHandleRegisterRoutingRespectsPassthroughCap(t *testing.T) {
	id := newTestIdentity(t, "router.os")
	n := New(id, newFakeResolver(), make(chan types.KernelMessage, 1), 1)

	var keyA, keyB [32]byte
	connA, _ := net.Pipe()
	connB, _ := net.Pipe()
	t.Cleanup(func() { _ = connA.Close(); _ = connB.Close() })

	peerA, err := newPeer("a.os", newTCPConn(connA), keyA)
	require.NoError(t, err)
	peerB, err := newPeer("b.os", newTCPConn(connB), keyB)
	require.NoError(t, err)

	n.handleRegisterRouting(peerA)
	assert.Equal(t, 1, n.PassthroughCount())

	n.handleRegisterRouting(peerB)
	assert.Equal(t, 1, n.PassthroughCount(), "second registration should be rejected once the cap is reached")
}

func TestNetworkHandleInboundMessageDeliversLocal(t *testing.T) {
	id := newTestIdentity(t, "bob.os")
	inbound := make(chan types.KernelMessage, 1)
	n := New(id, newFakeResolver(), inbound, 4)

	km := types.KernelMessage{
		Id:     1,
		Target: types.Address{Node: "bob.os", Process: types.ProcessId{ProcessName: "q", PackageName: "pkg", Publisher: "bob.os"}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.handleInboundMessage(ctx, nil, km)

	select {
	case got := <-inbound:
		assert.Equal(t, km.Id, got.Id)
	case <-time.After(time.Second):
		t.Fatal("expected message to be delivered to inbound channel")
	}
}

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return uint16(port)
}

func TestSendToPeerIndirectDialsDeclaredRouterFromColdStart(t *testing.T) {
	routerId := newTestIdentity(t, "router.os")
	senderId := newTestIdentity(t, "sender.os")
	routerResolver := newFakeResolver()
	routerResolver.pubKeys[routerId.Name] = routerId.PublicKey
	routerResolver.pubKeys[senderId.Name] = senderId.PublicKey
	router := New(routerId, routerResolver, make(chan types.KernelMessage, 1), 4)

	port := freeTCPPort(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, router.Listen(ctx, 0, port))

	senderResolver := newFakeResolver()
	senderResolver.pubKeys[senderId.Name] = senderId.PublicKey
	senderResolver.pubKeys[routerId.Name] = routerId.PublicKey
	senderResolver.routing[routerId.Name] = types.NodeRouting{
		Kind:  types.RoutingDirect,
		IP:    "127.0.0.1",
		Ports: map[string]uint16{"tcp": port},
	}
	senderResolver.routing["indirect.os"] = types.NodeRouting{
		Kind:    types.RoutingIndirect,
		Routers: []types.NodeId{routerId.Name},
	}
	sender := New(senderId, senderResolver, make(chan types.KernelMessage, 1), 4)

	// sender has no connection to router.os yet: SendToPeer must dial it
	// cold, per the declared Routers list, rather than returning ErrOffline.
	km := types.KernelMessage{
		Id:     1,
		Source: types.Address{Node: senderId.Name, Process: types.ProcessId{ProcessName: "a", PackageName: "pkg", Publisher: senderId.Name}},
		Target: types.Address{Node: "indirect.os", Process: types.ProcessId{ProcessName: "b", PackageName: "pkg", Publisher: "indirect.os"}},
	}
	err := sender.SendToPeer(ctx, km)
	require.NoError(t, err)
	assert.Equal(t, 1, sender.PeerCount(), "sender should now hold a dialed connection to the router")
}

func TestNetworkHandleInboundMessageDropsUnroutedPassthrough(t *testing.T) {
	id := newTestIdentity(t, "router.os")
	inbound := make(chan types.KernelMessage, 1)
	n := New(id, newFakeResolver(), inbound, 4)

	km := types.KernelMessage{
		Id:     1,
		Target: types.Address{Node: "stranger.os", Process: types.ProcessId{ProcessName: "q", PackageName: "pkg", Publisher: "stranger.os"}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	n.handleInboundMessage(ctx, nil, km)

	select {
	case <-inbound:
		t.Fatal("message addressed to an unrouted stranger should not be delivered locally")
	case <-time.After(50 * time.Millisecond):
	}
}
