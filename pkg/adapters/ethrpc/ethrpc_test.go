package ethrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistrar struct {
	inbox chan types.KernelMessage
}

func (f *fakeRegistrar) RegisterProcess(id types.ProcessId, inbox chan types.KernelMessage, public bool) {
	f.inbox = inbox
}
func (f *fakeRegistrar) UnregisterProcess(id types.ProcessId) {}

// fakeRPCServer speaks just enough JSON-RPC 2.0 over WebSocket to drive
// the adapter: eth_call echoes a fixed result, eth_subscribe issues a
// subscription id and lets the test push notifications through pushed,
// eth_unsubscribe acknowledges.
type fakeRPCServer struct {
	srv    *httptest.Server
	pushed chan json.RawMessage
}

func newFakeRPCServer(t *testing.T) *fakeRPCServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	f := &fakeRPCServer{pushed: make(chan json.RawMessage, 8)}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     uint64          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			switch req.Method {
			case "eth_call":
				writeResult(conn, req.ID, json.RawMessage(`"0xresult"`))
			case "eth_subscribe":
				writeResult(conn, req.ID, json.RawMessage(`"0xsub1"`))
				go func() {
					for raw := range f.pushed {
						note, _ := json.Marshal(struct {
							JSONRPC string `json:"jsonrpc"`
							Method  string `json:"method"`
							Params  struct {
								Subscription string          `json:"subscription"`
								Result       json.RawMessage `json:"result"`
							} `json:"params"`
						}{
							JSONRPC: "2.0",
							Method:  "eth_subscription",
							Params: struct {
								Subscription string          `json:"subscription"`
								Result       json.RawMessage `json:"result"`
							}{Subscription: "0xsub1", Result: raw},
						})
						_ = conn.WriteMessage(websocket.TextMessage, note)
					}
				}()
			case "eth_unsubscribe":
				writeResult(conn, req.ID, json.RawMessage(`true`))
			}
		}
	})
	f.srv = httptest.NewServer(mux)
	return f
}

func writeResult(conn *websocket.Conn, id uint64, result json.RawMessage) {
	resp, _ := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint64          `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{"2.0", id, result})
	_ = conn.WriteMessage(websocket.TextMessage, resp)
}

func (f *fakeRPCServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRPCServer) close() {
	close(f.pushed)
	f.srv.Close()
}

func caller() types.ProcessId {
	return types.ProcessId{ProcessName: "app", PackageName: "myapp", Publisher: "local.os"}
}

func newTestService(t *testing.T, cfg Config) (*fakeRegistrar, chan types.KernelMessage, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := &fakeRegistrar{}
	outbound := make(chan types.KernelMessage, 32)
	svc := New(reg, outbound, cfg, "local.os")
	go svc.Run(ctx)
	return reg, outbound, ctx
}

func send(t *testing.T, reg *fakeRegistrar, id uint64, body Body) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	reg.inbox <- types.KernelMessage{
		Id:      id,
		Source:  types.Address{Node: "local.os", Process: caller()},
		Target:  types.Address{Node: "local.os", Process: SelfID("local.os")},
		Message: types.Message{Kind: types.KindRequest, Request: &types.Request{Body: payload}},
	}
}

func recv(t *testing.T, outbound chan types.KernelMessage) types.KernelMessage {
	t.Helper()
	select {
	case km := <-outbound:
		return km
	case <-time.After(3 * time.Second):
		t.Fatal("expected a message")
		return types.KernelMessage{}
	}
}

func TestHandleRequestCallsUpstream(t *testing.T) {
	fake := newFakeRPCServer(t)
	defer fake.close()

	reg, outbound, _ := newTestService(t, Config{1: {URLs: []string{fake.wsURL()}}})

	send(t, reg, 1, Body{Action: ActionRequest, Chain: 1, Method: "eth_call", Params: json.RawMessage(`[]`)})
	km := recv(t, outbound)
	require.Equal(t, types.KindResponse, km.Message.Kind)

	var resp Body
	require.NoError(t, json.Unmarshal(km.Message.Response.Body, &resp))
	assert.Equal(t, json.RawMessage(`"0xresult"`), resp.Result)
}

func TestHandleRequestNoProviderReturnsError(t *testing.T) {
	reg, outbound, _ := newTestService(t, Config{})

	send(t, reg, 1, Body{Action: ActionRequest, Chain: 99, Method: "eth_call"})
	km := recv(t, outbound)

	var resp Body
	require.NoError(t, json.Unmarshal(km.Message.Response.Body, &resp))
	assert.NotEmpty(t, resp.Error)
}

func TestSubscribeLogsLocalDeliversEvents(t *testing.T) {
	fake := newFakeRPCServer(t)
	defer fake.close()

	reg, outbound, _ := newTestService(t, Config{1: {URLs: []string{fake.wsURL()}}})

	send(t, reg, 1, Body{Action: ActionSubscribeLogs, Chain: 1, Kind: "logs", Params: json.RawMessage(`{}`), SubId: 42})
	ack := recv(t, outbound)
	require.Equal(t, types.KindResponse, ack.Message.Kind)

	fake.pushed <- json.RawMessage(`{"address":"0xabc"}`)

	push := recv(t, outbound)
	require.Equal(t, types.KindRequest, push.Message.Kind)
	var body Body
	require.NoError(t, json.Unmarshal(push.Message.Request.Body, &body))
	assert.Equal(t, ActionSubEvent, body.Action)
	assert.Equal(t, uint64(42), body.SubId)
	assert.Equal(t, json.RawMessage(`{"address":"0xabc"}`), body.Result)
}

func TestUnsubscribeLogsStopsDelivery(t *testing.T) {
	fake := newFakeRPCServer(t)
	defer fake.close()

	reg, outbound, _ := newTestService(t, Config{1: {URLs: []string{fake.wsURL()}}})

	send(t, reg, 1, Body{Action: ActionSubscribeLogs, Chain: 1, Kind: "logs", Params: json.RawMessage(`{}`), SubId: 7})
	recv(t, outbound)

	send(t, reg, 2, Body{Action: ActionUnsubscribeLogs, SubId: 7})
	ack := recv(t, outbound)
	var resp Body
	require.NoError(t, json.Unmarshal(ack.Message.Response.Body, &resp))
	assert.Empty(t, resp.Error)

	send(t, reg, 3, Body{Action: ActionUnsubscribeLogs, SubId: 7})
	again := recv(t, outbound)
	var again2 Body
	require.NoError(t, json.Unmarshal(again.Message.Response.Body, &again2))
	assert.NotEmpty(t, again2.Error, "second unsubscribe of an already-closed subscription should fail")
}
