package adminapi

import (
	"context"
	"testing"

	"github.com/hyperdrive-os/hyperdrive/pkg/kernel"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopPeers struct{}

func (noopPeers) SendToPeer(ctx context.Context, km types.KernelMessage) error { return nil }

func newTestServer(t *testing.T) (*Server, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sup := kernel.New(ctx, "local.os", noopPeers{}, nil)
	go sup.Run(ctx)
	return NewServer(sup), ctx
}

func TestGrantCapabilitiesDelegatesToSupervisor(t *testing.T) {
	srv, ctx := newTestServer(t)
	target := types.ProcessId{ProcessName: "app", PackageName: "pkg", Publisher: "local.os"}

	req := &GrantCapabilitiesRequest{
		Target: target.String(),
		Capabilities: []CapabilityJSON{
			{Issuer: "local.os@granter:pkg:local.os", Params: []byte("x")},
		},
	}
	_, err := srv.GrantCapabilities(ctx, req)
	require.NoError(t, err)

	held, err := srv.sup.Oracle().GetAll(ctx, target)
	require.NoError(t, err)
	assert.True(t, held.Has(types.Capability{
		Issuer: types.Address{Node: "local.os", Process: types.ProcessId{ProcessName: "granter", PackageName: "pkg", Publisher: "local.os"}},
		Params: []byte("x"),
	}))
}

func TestGrantCapabilitiesRejectsMalformedIssuer(t *testing.T) {
	srv, ctx := newTestServer(t)
	req := &GrantCapabilitiesRequest{
		Target:       "app:pkg:local.os",
		Capabilities: []CapabilityJSON{{Issuer: "not-an-address"}},
	}
	_, err := srv.GrantCapabilities(ctx, req)
	assert.Error(t, err)
}

func TestRouterStatsReflectsSupervisorCounters(t *testing.T) {
	srv, ctx := newTestServer(t)
	resp, err := srv.RouterStats(ctx, &RouterStatsRequest{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), resp.RoutedTotal)
	assert.Equal(t, uint64(0), resp.RestartTotal)
}

func TestListProcessesEmptyOnFreshSupervisor(t *testing.T) {
	srv, ctx := newTestServer(t)
	resp, err := srv.ListProcesses(ctx, &ListProcessesRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Processes)
}

func TestSpawnProcessRejectsMalformedId(t *testing.T) {
	srv, ctx := newTestServer(t)
	_, err := srv.SpawnProcess(ctx, &SpawnProcessRequest{Id: "not-a-process-id"})
	assert.Error(t, err)
}

func TestSpawnProcessPropagatesHostErrorForMissingModule(t *testing.T) {
	srv, ctx := newTestServer(t)
	req := &SpawnProcessRequest{
		Id:       "app:pkg:local.os",
		WasmPath: "/nonexistent/module.wasm",
	}
	_, err := srv.SpawnProcess(ctx, req)
	assert.Error(t, err)
}

func TestKillProcessRejectsMalformedId(t *testing.T) {
	srv, ctx := newTestServer(t)
	_, err := srv.KillProcess(ctx, &KillProcessRequest{Id: "???"})
	assert.Error(t, err)
}

func TestRebootProcessRejectsUnknownProcess(t *testing.T) {
	srv, ctx := newTestServer(t)
	_, err := srv.RebootProcess(ctx, &RebootProcessRequest{Id: "app:pkg:local.os"})
	assert.Error(t, err)
}
