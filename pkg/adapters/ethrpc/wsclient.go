package ethrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// wsClient is a minimal JSON-RPC 2.0 client over a single WebSocket
// connection, enough to issue eth_* calls and hold eth_subscribe pubsub
// streams open. There is no third-party Ethereum client in the pack, so
// this plays the role alloy's pubsub transport plays in the original:
// one physical connection multiplexing request/response pairs and
// subscription notifications by id.
type wsClient struct {
	conn   *websocket.Conn
	nextID uint64

	mu      sync.Mutex
	pending map[uint64]chan rpcMessage
	subs    map[string]chan json.RawMessage
	closed  chan struct{}
}

type rpcMessage struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type subscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

func dialWS(ctx context.Context, url string) (*wsClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &wsClient{
		conn:    conn,
		pending: make(map[uint64]chan rpcMessage),
		subs:    make(map[string]chan json.RawMessage),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *wsClient) readLoop() {
	defer close(c.closed)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = map[uint64]chan rpcMessage{}
			c.mu.Unlock()
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Method == "eth_subscription" {
			var p subscriptionParams
			if err := json.Unmarshal(msg.Params, &p); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.subs[p.Subscription]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- p.Result:
				default:
				}
			}
			continue
		}
		if msg.ID == nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		delete(c.pending, *msg.ID)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// Call issues a JSON-RPC request and blocks for its response.
func (c *wsClient) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint64          `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}{"2.0", id, method, params}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan rpcMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	c.mu.Lock()
	writeErr := c.conn.WriteMessage(websocket.TextMessage, body)
	c.mu.Unlock()
	if writeErr != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, writeErr
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("rpc connection closed")
	case msg, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("rpc connection closed")
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	}
}

// Subscribe issues an eth_subscribe call and returns the subscription id
// plus a channel of raw notification results.
func (c *wsClient) Subscribe(ctx context.Context, kind string, params json.RawMessage) (string, <-chan json.RawMessage, error) {
	args, err := json.Marshal([]json.RawMessage{rawString(kind), params})
	if err != nil {
		return "", nil, err
	}
	result, err := c.Call(ctx, "eth_subscribe", args)
	if err != nil {
		return "", nil, err
	}
	var subID string
	if err := json.Unmarshal(result, &subID); err != nil {
		return "", nil, fmt.Errorf("malformed eth_subscribe result: %w", err)
	}

	ch := make(chan json.RawMessage, 32)
	c.mu.Lock()
	c.subs[subID] = ch
	c.mu.Unlock()
	return subID, ch, nil
}

// Unsubscribe tears down a prior Subscribe's server-side subscription.
func (c *wsClient) Unsubscribe(ctx context.Context, subID string) error {
	c.mu.Lock()
	if ch, ok := c.subs[subID]; ok {
		delete(c.subs, subID)
		close(ch)
	}
	c.mu.Unlock()

	args, err := json.Marshal([]string{subID})
	if err != nil {
		return err
	}
	_, err = c.Call(ctx, "eth_unsubscribe", args)
	return err
}

// Alive reports whether the underlying connection's read loop is still
// running.
func (c *wsClient) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Close tears down the underlying WebSocket connection.
func (c *wsClient) Close() error {
	return c.conn.Close()
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
