package storage

import (
	"testing"

	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testProcessId() types.ProcessId {
	return types.ProcessId{ProcessName: "app", PackageName: "pkg", Publisher: "alice.os"}
}

func TestProcessStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	pid := testProcessId()

	state, err := store.LoadProcessState(pid)
	require.NoError(t, err)
	assert.Nil(t, state, "no state saved yet")

	require.NoError(t, store.SaveProcessState(pid, []byte("hello")))
	state, err = store.LoadProcessState(pid)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), state)

	require.NoError(t, store.DeleteProcessState(pid))
	state, err = store.LoadProcessState(pid)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestPKICacheRoundTrip(t *testing.T) {
	store := newTestStore(t)

	snapshot, err := store.LoadPKICache()
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	require.NoError(t, store.SavePKICache([]byte("identities")))
	snapshot, err = store.LoadPKICache()
	require.NoError(t, err)
	assert.Equal(t, []byte("identities"), snapshot)

	require.NoError(t, store.SavePKICache([]byte("identities-v2")))
	snapshot, err = store.LoadPKICache()
	require.NoError(t, err)
	assert.Equal(t, []byte("identities-v2"), snapshot, "save overwrites the single cache key")
}

func TestFDBudgetCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveFDBudgetCheckpoint([]byte("budget-v1")))
	snapshot, err := store.LoadFDBudgetCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, []byte("budget-v1"), snapshot)
}

func TestBoltStoreSatisfiesStoreInterface(t *testing.T) {
	var _ Store = (*BoltStore)(nil)
}

func TestReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	pid := testProcessId()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveProcessState(pid, []byte("persisted")))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	state, err := reopened.LoadProcessState(pid)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), state)
}
