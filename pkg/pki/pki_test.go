package pki

import (
	"testing"

	"github.com/hyperdrive-os/hyperdrive/pkg/storage"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyUpdateUpsertsDirectNode(t *testing.T) {
	c, err := New(nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.ApplyUpdate(types.HnsUpdate{
		Name:   "alice.os",
		NetKey: []byte("alice-pubkey"),
		IP:     "10.0.0.1",
		WsPort: 9000,
	}))

	pub, ok := c.NetworkingPubKey("alice.os")
	require.True(t, ok)
	assert.Equal(t, []byte("alice-pubkey"), pub)

	routing, ok := c.Routing("alice.os")
	require.True(t, ok)
	assert.Equal(t, types.RoutingDirect, routing.Kind)
	assert.Equal(t, "10.0.0.1", routing.IP)
	assert.Equal(t, uint16(9000), routing.Ports["ws"])
}

func TestApplyUpdateLeavesUnsetNotesUnchanged(t *testing.T) {
	c, err := New(nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.ApplyUpdate(types.HnsUpdate{Name: "bob.os", NetKey: []byte("k1"), IP: "10.0.0.2"}))
	require.NoError(t, c.ApplyUpdate(types.HnsUpdate{Name: "bob.os", WsPort: 8080}))

	id, ok := c.Get("bob.os")
	require.True(t, ok)
	assert.Equal(t, []byte("k1"), id.NetworkingPubKey, "a later update omitting net-key must not clear it")
	assert.Equal(t, "10.0.0.2", id.Routing.IP)
	assert.Equal(t, uint16(8080), id.Routing.Ports["ws"])
}

func TestApplyUpdateRejectsMalformedName(t *testing.T) {
	c, err := New(nil, nil)
	require.NoError(t, err)

	err = c.ApplyUpdate(types.HnsUpdate{Name: "", NetKey: []byte("x")})
	assert.Error(t, err)
}

func TestApplyUpdateFiresOnChangeWhenKeyDiffers(t *testing.T) {
	var changed []types.NodeId
	c, err := New(nil, func(n types.NodeId) { changed = append(changed, n) })
	require.NoError(t, err)

	require.NoError(t, c.ApplyUpdate(types.HnsUpdate{Name: "carol.os", NetKey: []byte("k1")}))
	assert.Equal(t, []types.NodeId{"carol.os"}, changed, "first sighting of a node always counts as changed")

	require.NoError(t, c.ApplyUpdate(types.HnsUpdate{Name: "carol.os", NetKey: []byte("k1")}))
	assert.Len(t, changed, 1, "re-applying the same key must not fire onChange again")

	require.NoError(t, c.ApplyUpdate(types.HnsUpdate{Name: "carol.os", NetKey: []byte("k2")}))
	assert.Equal(t, []types.NodeId{"carol.os", "carol.os"}, changed, "a changed key must fire onChange")
}

func TestApplyBatchUpdateIsAllOrNothing(t *testing.T) {
	c, err := New(nil, nil)
	require.NoError(t, err)

	err = c.ApplyBatchUpdate(types.HnsBatchUpdate{Updates: []types.HnsUpdate{
		{Name: "dave.os", NetKey: []byte("k")},
		{Name: "", NetKey: []byte("bad")},
	}})
	assert.Error(t, err)

	_, ok := c.Get("dave.os")
	assert.False(t, ok, "no entry from a rejected batch should be applied")
}

func TestApplyUpdateIndirectNode(t *testing.T) {
	c, err := New(nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.ApplyUpdate(types.HnsUpdate{
		Name:    "eve.os",
		NetKey:  []byte("eve-pubkey"),
		Routers: []types.NodeId{"router1.os", "router2.os"},
	}))

	routing, ok := c.Routing("eve.os")
	require.True(t, ok)
	assert.Equal(t, types.RoutingIndirect, routing.Kind)
	assert.Equal(t, []types.NodeId{"router1.os", "router2.os"}, routing.Routers)
}

func TestNewFakeResolverPrepopulates(t *testing.T) {
	c := NewFakeResolver(
		types.Identity{Name: "alice.os", NetworkingPubKey: []byte("a"), Routing: types.NodeRouting{Kind: types.RoutingDirect, IP: "127.0.0.1"}},
		types.Identity{Name: "bob.os", NetworkingPubKey: []byte("b")},
	)

	pub, ok := c.NetworkingPubKey("alice.os")
	require.True(t, ok)
	assert.Equal(t, []byte("a"), pub)

	_, ok = c.Get("carol.os")
	assert.False(t, ok)
}

func TestCachePersistsAndReloadsSnapshot(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	c, err := New(store, nil)
	require.NoError(t, err)
	require.NoError(t, c.ApplyUpdate(types.HnsUpdate{Name: "frank.os", NetKey: []byte("fk"), IP: "10.0.0.9"}))

	reloaded, err := New(store, nil)
	require.NoError(t, err)
	id, ok := reloaded.Get("frank.os")
	require.True(t, ok)
	assert.Equal(t, []byte("fk"), id.NetworkingPubKey)
	assert.Equal(t, "10.0.0.9", id.Routing.IP)
}
