package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hyperdrive-os/hyperdrive/pkg/adapters"
	"github.com/hyperdrive-os/hyperdrive/pkg/log"
	"github.com/hyperdrive-os/hyperdrive/pkg/process"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/rs/zerolog"
)

// Action names accepted in an HTTP server request body.
const (
	ActionBindPath   = "BindPath"
	ActionUnbindPath = "UnbindPath"
	ActionPushWS     = "PushWS"
	ActionCloseWS    = "CloseWS"

	// Pushed to a bound process as fire-and-forget requests.
	eventWsOpen    = "WsOpen"
	eventWsMessage = "WsMessage"
	eventWsClose   = "WsClose"
	eventHTTP      = "HttpRequest"
)

// Body is the JSON body shared by bind/unbind/push/close actions and by
// every event this service delivers to a bound process.
type Body struct {
	Action  string            `json:"action"`
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	ConnId  string            `json:"connId,omitempty"`
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   string            `json:"query,omitempty"`
}

// SelfID is the fixed process id the HTTP server service registers its
// mailbox under.
func SelfID(ourNode types.NodeId) types.ProcessId {
	return types.ProcessId{ProcessName: "http-server", PackageName: "sys", Publisher: ourNode}
}

type binding struct {
	owner types.ProcessId
	isWS  bool
}

// Service is the HTTP server adapter: a single gin.Engine with one
// wildcard catch-all route, dispatching to whichever process most
// recently bound the matched method+path.
type Service struct {
	bus     *adapters.Bus
	ourNode types.NodeId
	logger  zerolog.Logger

	engine *gin.Engine
	server *http.Server

	mu       sync.RWMutex
	bindings map[string]binding // key: method+" "+path, or "WS "+path
	conns    map[string]*wsConn

	pendingMu sync.Mutex
	pending   map[uint64]chan types.KernelMessage
}

type wsConn struct {
	owner types.ProcessId
	conn  *websocket.Conn
	mu    sync.Mutex
}

// New registers the HTTP server's mailbox and builds its gin.Engine, but
// does not start listening; call Serve for that.
func New(registrar process.Registrar, outbound chan<- types.KernelMessage, ourNode types.NodeId) *Service {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	s := &Service{
		bus:      adapters.NewBus(registrar, outbound, SelfID(ourNode)),
		ourNode:  ourNode,
		logger:   log.WithComponent("httpserver"),
		engine:   engine,
		bindings: make(map[string]binding),
		conns:    make(map[string]*wsConn),
		pending:  make(map[uint64]chan types.KernelMessage),
	}
	engine.NoRoute(s.dispatch)
	return s
}

// Run pumps the service's inbox (bind/unbind/push/close requests from
// processes) until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	defer s.bus.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case km, ok := <-s.bus.Inbox():
			if !ok {
				return
			}
			if km.Message.Kind == types.KindResponse {
				s.deliverResponse(km)
				continue
			}
			if km.Message.Kind == types.KindRequest && km.Message.Request != nil {
				s.handleControl(ctx, km)
			}
		}
	}
}

// Serve starts the HTTP listener on addr and blocks until ctx is
// cancelled, at which point it shuts down gracefully, mirroring the
// teacher's ingress Proxy.Start lifecycle.
func (s *Service) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.server = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Service) deliverResponse(km types.KernelMessage) {
	s.pendingMu.Lock()
	ch, ok := s.pending[km.Id]
	if ok {
		delete(s.pending, km.Id)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- km
	}
}

func (s *Service) handleControl(ctx context.Context, km types.KernelMessage) {
	var body Body
	if err := json.Unmarshal(km.Message.Request.Body, &body); err != nil {
		s.respondErr(ctx, km, fmt.Errorf("bad http-server request: %w", err))
		return
	}

	switch body.Action {
	case ActionBindPath:
		key := bindingKey(body.Method, body.Path)
		s.mu.Lock()
		s.bindings[key] = binding{owner: km.Source.Process, isWS: strings.EqualFold(body.Method, "WS")}
		s.mu.Unlock()
		s.bus.Respond(ctx, km, types.Response{}, nil)
	case ActionUnbindPath:
		key := bindingKey(body.Method, body.Path)
		s.mu.Lock()
		delete(s.bindings, key)
		s.mu.Unlock()
		s.bus.Respond(ctx, km, types.Response{}, nil)
	case ActionPushWS:
		err := s.pushWS(body.ConnId, km.Blob)
		if err != nil {
			s.respondErr(ctx, km, err)
			return
		}
		s.bus.Respond(ctx, km, types.Response{}, nil)
	case ActionCloseWS:
		s.closeWS(body.ConnId)
		s.bus.Respond(ctx, km, types.Response{}, nil)
	default:
		s.respondErr(ctx, km, fmt.Errorf("unknown http-server action %q", body.Action))
	}
}

func bindingKey(method, path string) string {
	if strings.EqualFold(method, "WS") {
		return "WS " + path
	}
	return strings.ToUpper(method) + " " + path
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// dispatch is gin's catch-all handler: it looks up whichever process
// bound the incoming method+path (or its WS variant) and either proxies
// an HTTP request/response cycle or upgrades and tracks a WebSocket
// connection.
func (s *Service) dispatch(c *gin.Context) {
	path := c.Request.URL.Path

	s.mu.RLock()
	wsBind, hasWS := s.bindings[bindingKey("WS", path)]
	httpBind, hasHTTP := s.bindings[bindingKey(c.Request.Method, path)]
	s.mu.RUnlock()

	if hasWS && websocket.IsWebSocketUpgrade(c.Request) {
		s.serveWS(c, wsBind.owner, path)
		return
	}
	if !hasHTTP {
		c.String(http.StatusNotFound, "no process bound to %s %s", c.Request.Method, path)
		return
	}
	s.serveHTTP(c, httpBind.owner, path)
}

func (s *Service) serveHTTP(c *gin.Context, owner types.ProcessId, path string) {
	reqBody, _ := readAll(c.Request)
	headers := map[string]string{}
	for k := range c.Request.Header {
		headers[k] = c.Request.Header.Get(k)
	}
	body, _ := json.Marshal(Body{
		Action:  eventHTTP,
		Method:  c.Request.Method,
		Path:    path,
		Query:   c.Request.URL.RawQuery,
		Headers: headers,
	})

	resp, err := s.callOwner(c.Request.Context(), owner, body, &types.Blob{Bytes: reqBody}, 30*time.Second)
	if err != nil {
		c.String(http.StatusBadGateway, "upstream process error: %s", err)
		return
	}

	var respBody Body
	if resp.Message.Response != nil {
		_ = json.Unmarshal(resp.Message.Response.Body, &respBody)
	}
	status := respBody.Status
	if status == 0 {
		status = http.StatusOK
	}
	for k, v := range respBody.Headers {
		c.Header(k, v)
	}
	var payload []byte
	if resp.Blob != nil {
		payload = resp.Blob.Bytes
	}
	c.Data(status, contentTypeOr(respBody.Headers, "application/octet-stream"), payload)
}

func contentTypeOr(headers map[string]string, fallback string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Type") {
			return v
		}
	}
	return fallback
}

func (s *Service) serveWS(c *gin.Context, owner types.ProcessId, path string) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	connID := uuid.NewString()
	wc := &wsConn{owner: owner, conn: conn}
	s.mu.Lock()
	s.conns[connID] = wc
	s.mu.Unlock()

	openBody, _ := json.Marshal(Body{Action: eventWsOpen, ConnId: connID, Path: path})
	s.bus.Send(c.Request.Context(), s.event(owner, openBody, nil))

	go s.readWS(connID, wc, owner, path)
}

func (s *Service) readWS(connID string, wc *wsConn, owner types.ProcessId, path string) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, connID)
		s.mu.Unlock()
		wc.conn.Close()
		closeBody, _ := json.Marshal(Body{Action: eventWsClose, ConnId: connID, Path: path})
		s.bus.Send(context.Background(), s.event(owner, closeBody, nil))
	}()
	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		msgBody, _ := json.Marshal(Body{Action: eventWsMessage, ConnId: connID, Path: path})
		s.bus.Send(context.Background(), s.event(owner, msgBody, &types.Blob{Bytes: data}))
	}
}

func (s *Service) pushWS(connID string, blob *types.Blob) error {
	s.mu.RLock()
	wc, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no open websocket connection %q", connID)
	}
	var payload []byte
	if blob != nil {
		payload = blob.Bytes
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Service) closeWS(connID string) {
	s.mu.Lock()
	wc, ok := s.conns[connID]
	delete(s.conns, connID)
	s.mu.Unlock()
	if ok {
		wc.conn.Close()
	}
}

// event builds a fire-and-forget KernelMessage Request addressed to
// owner, used for WsOpen/WsMessage/WsClose pushes.
func (s *Service) event(owner types.ProcessId, body []byte, blob *types.Blob) types.KernelMessage {
	return types.KernelMessage{
		Id:      uint64(time.Now().UnixNano()),
		Source:  types.Address{Node: s.ourNode, Process: s.bus.Self},
		Target:  types.Address{Node: owner.Publisher, Process: owner},
		Message: types.Message{Kind: types.KindRequest, Request: &types.Request{Body: body}},
		Blob:    blob,
	}
}

// callOwner sends body (plus an optional blob) to owner as a Request and
// blocks for its Response, used to proxy one HTTP request/response cycle
// through the owning process.
func (s *Service) callOwner(ctx context.Context, owner types.ProcessId, body []byte, blob *types.Blob, timeout time.Duration) (types.KernelMessage, error) {
	id := uint64(time.Now().UnixNano())
	ch := make(chan types.KernelMessage, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	km := types.KernelMessage{
		Id:      id,
		Source:  types.Address{Node: s.ourNode, Process: s.bus.Self},
		Target:  types.Address{Node: owner.Publisher, Process: owner},
		Message: types.Message{Kind: types.KindRequest, Request: &types.Request{Body: body}},
		Blob:    blob,
	}
	s.bus.Send(ctx, km)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return types.KernelMessage{}, fmt.Errorf("timed out waiting for %s", owner)
	case <-ctx.Done():
		return types.KernelMessage{}, ctx.Err()
	}
}

func (s *Service) respondErr(ctx context.Context, km types.KernelMessage, err error) {
	s.logger.Warn().Err(err).Str("requester", km.Source.Process.String()).Msg("http-server request failed")
	s.bus.Respond(ctx, km, types.Response{Body: []byte(err.Error())}, nil)
}

func readAll(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
