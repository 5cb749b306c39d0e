package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/fdmanager"
	"github.com/hyperdrive-os/hyperdrive/pkg/kernel"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeStateSink struct{}

func (fakeStateSink) SaveProcessState(id types.ProcessId, state []byte) error { return nil }
func (fakeStateSink) LoadProcessState(id types.ProcessId) ([]byte, error)     { return nil, nil }

type fakePeerSender struct{}

func (fakePeerSender) SendToPeer(ctx context.Context, km types.KernelMessage) error { return nil }

func TestCollectorSetsRouterAndFdGauges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := kernel.New(ctx, "local.os", fakePeerSender{}, fakeStateSink{})
	go sup.Run(ctx)

	fds := fdmanager.New(64)
	go fds.Run(ctx)

	target := types.ProcessId{ProcessName: "app", PackageName: "myapp", Publisher: "local.os"}
	inbox := make(chan types.KernelMessage, 4)
	sup.Registrar().RegisterProcess(target, inbox, true)

	sup.Outbound() <- types.KernelMessage{
		Source:  types.Address{Node: "local.os", Process: target},
		Target:  types.Address{Node: "local.os", Process: target},
		Message: types.Message{Kind: types.KindRequest, Request: &types.Request{Body: []byte(`{}`)}},
	}
	<-inbox

	c := NewCollector(sup, fds, nil)
	c.collect()

	if got := testutil.ToFloat64(RouterMessagesRoutedTotal); got < 1 {
		t.Errorf("expected at least one routed message, got %v", got)
	}
	if got := testutil.ToFloat64(FdBudgetMax); got != 64 {
		t.Errorf("expected fd budget max 64, got %v", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := kernel.New(ctx, "local.os", fakePeerSender{}, fakeStateSink{})
	go sup.Run(ctx)
	fds := fdmanager.New(32)
	go fds.Run(ctx)

	c := NewCollector(sup, fds, nil)
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}
