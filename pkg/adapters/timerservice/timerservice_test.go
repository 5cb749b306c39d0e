package timerservice

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistrar struct {
	inbox chan types.KernelMessage
	id    types.ProcessId
}

func (f *fakeRegistrar) RegisterProcess(id types.ProcessId, inbox chan types.KernelMessage, public bool) {
	f.id = id
	f.inbox = inbox
}

func (f *fakeRegistrar) UnregisterProcess(id types.ProcessId) {}

func TestSetTimerDeliversContextAfterElapsing(t *testing.T) {
	reg := &fakeRegistrar{}
	outbound := make(chan types.KernelMessage, 4)
	svc := New(reg, outbound, "local.os")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go svc.Run(ctx)

	body, err := json.Marshal(SetTimerParams{Ms: 10})
	require.NoError(t, err)

	caller := types.ProcessId{ProcessName: "app", PackageName: "pkg", Publisher: "local.os"}
	reg.inbox <- types.KernelMessage{
		Id:     1,
		Source: types.Address{Node: "local.os", Process: caller},
		Target: types.Address{Node: "local.os", Process: SelfID("local.os")},
		Message: types.Message{
			Kind:    types.KindRequest,
			Request: &types.Request{Body: body, Metadata: []byte("ctx-123")},
		},
	}

	select {
	case km := <-outbound:
		require.NotNil(t, km.Message.Response)
		assert.Equal(t, []byte("ctx-123"), km.Message.Response.Body)
		assert.Equal(t, uint64(1), km.Id)
		assert.Equal(t, caller, km.Target.Process)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a timer response")
	}
}

func TestSetTimerRejectsMalformedBody(t *testing.T) {
	reg := &fakeRegistrar{}
	outbound := make(chan types.KernelMessage, 4)
	svc := New(reg, outbound, "local.os")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go svc.Run(ctx)

	reg.inbox <- types.KernelMessage{
		Id:      2,
		Source:  types.Address{Node: "local.os", Process: types.ProcessId{ProcessName: "app", PackageName: "pkg", Publisher: "local.os"}},
		Target:  types.Address{Node: "local.os", Process: SelfID("local.os")},
		Message: types.Message{Kind: types.KindRequest, Request: &types.Request{Body: []byte("not json")}},
	}

	select {
	case km := <-outbound:
		require.NotNil(t, km.Message.Response)
		assert.Contains(t, string(km.Message.Response.Body), "bad set-timer request")
	case <-time.After(2 * time.Second):
		t.Fatal("expected an error response")
	}
}

func TestRunCancelsPendingTimersOnShutdown(t *testing.T) {
	reg := &fakeRegistrar{}
	outbound := make(chan types.KernelMessage, 4)
	svc := New(reg, outbound, "local.os")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { svc.Run(ctx); close(done) }()

	body, err := json.Marshal(SetTimerParams{Ms: 60_000})
	require.NoError(t, err)
	reg.inbox <- types.KernelMessage{
		Id:      3,
		Target:  types.Address{Node: "local.os", Process: SelfID("local.os")},
		Message: types.Message{Kind: types.KindRequest, Request: &types.Request{Body: body}},
	}
	time.Sleep(20 * time.Millisecond) // let the goroutine register the pending timer

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should exit once ctx is cancelled")
	}

	select {
	case <-outbound:
		t.Fatal("a 60s timer should not fire just from cancellation")
	default:
	}
}
