package ethrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/adapters"
	"github.com/hyperdrive-os/hyperdrive/pkg/log"
	"github.com/hyperdrive-os/hyperdrive/pkg/process"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/rs/zerolog"
)

// Action names accepted in an Ethereum RPC request body.
const (
	ActionRequest        = "Request"
	ActionSubscribeLogs  = "SubscribeLogs"
	ActionUnsubscribeLogs = "UnsubscribeLogs"
	ActionSubEvent       = "SubEvent"
	ActionKeepalive      = "Keepalive"
)

const (
	keepaliveInterval = 30 * time.Second
	keepaliveTimeout  = 10 * time.Second
	watchdogWindow    = 2 * time.Hour
)

// Body is the JSON body shared by every action this service accepts and
// every push/response it emits; unused fields are left zero.
type Body struct {
	Action string          `json:"action"`
	Chain  uint64          `json:"chain,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Kind   string          `json:"kind,omitempty"`
	SubId  uint64          `json:"subId,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ChainConfig is one chain's configured providers: direct RPC URLs we can
// dial ourselves, and other Hyperdrive nodes willing to relay a
// subscription on our behalf when we have no direct endpoint.
type ChainConfig struct {
	URLs  []string
	Nodes []types.NodeId
}

// Config maps a chain id to its providers.
type Config map[uint64]ChainConfig

// SelfID is the fixed process id the Ethereum RPC service registers its
// mailbox under.
func SelfID(ourNode types.NodeId) types.ProcessId {
	return types.ProcessId{ProcessName: "eth", PackageName: "sys", Publisher: ourNode}
}

type subKey struct {
	owner types.ProcessId
	subId uint64
}

// localSub is a subscription this node holds directly against its own
// RPC pool, whether opened on behalf of a local process or forwarded to
// us by another node acting as our client.
type localSub struct {
	cancel context.CancelFunc
}

// forwardSub is a subscription a local process asked us to open, that we
// in turn relayed to a node provider because we had no usable local
// endpoint for the chain.
type forwardSub struct {
	cancel       context.CancelFunc
	providerNode types.NodeId
	remoteSubId  uint64
}

// Service is the Ethereum RPC adapter.
type Service struct {
	bus    *adapters.Bus
	ourNode types.NodeId
	cfg    Config
	logger zerolog.Logger

	poolsMu sync.Mutex
	pools   map[uint64]*Pool

	mu       sync.Mutex
	subs     map[subKey]*localSub
	forwards map[subKey]*forwardSub
	pushChans map[subKey]chan Body
	pending  map[uint64]chan types.KernelMessage
}

// New registers the Ethereum RPC service's mailbox.
func New(registrar process.Registrar, outbound chan<- types.KernelMessage, cfg Config, ourNode types.NodeId) *Service {
	return &Service{
		bus:       adapters.NewBus(registrar, outbound, SelfID(ourNode)),
		ourNode:   ourNode,
		cfg:       cfg,
		logger:    log.WithComponent("ethrpc"),
		pools:     make(map[uint64]*Pool),
		subs:      make(map[subKey]*localSub),
		forwards:  make(map[subKey]*forwardSub),
		pushChans: make(map[subKey]chan Body),
		pending:   make(map[uint64]chan types.KernelMessage),
	}
}

// Run pumps the service's inbox until ctx is cancelled.
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
				go s.handle(ctx, km)
			}
		}
	}
}

func (s *Service) deliverResponse(km types.KernelMessage) {
	s.mu.Lock()
	ch, ok := s.pending[km.Id]
	if ok {
		delete(s.pending, km.Id)
	}
	s.mu.Unlock()
	if ok {
		ch <- km
	}
}

func (s *Service) handle(ctx context.Context, km types.KernelMessage) {
	var body Body
	if err := json.Unmarshal(km.Message.Request.Body, &body); err != nil {
		s.respondErr(ctx, km, fmt.Errorf("bad eth request: %w", err))
		return
	}

	switch body.Action {
	case ActionRequest:
		s.handleRequest(ctx, km, body)
	case ActionSubscribeLogs:
		s.handleSubscribeLogs(ctx, km, body)
	case ActionUnsubscribeLogs:
		s.handleUnsubscribeLogs(ctx, km, body)
	case ActionSubEvent:
		s.handleSubEvent(km, body)
	case ActionKeepalive:
		s.handleKeepalive(ctx, km, body)
	default:
		s.respondErr(ctx, km, fmt.Errorf("unknown eth action %q", body.Action))
	}
}

func (s *Service) pool(chain uint64) *Pool {
	s.poolsMu.Lock()
	defer s.poolsMu.Unlock()
	if p, ok := s.pools[chain]; ok {
		return p
	}
	p := NewPool(chain, s.cfg[chain].URLs)
	s.pools[chain] = p
	return p
}

// maxRequestRetries bounds ExecuteWithFailover-style retries across a
// chain's endpoint pool before giving up on a single Request call.
const maxRequestRetries = 3

func (s *Service) handleRequest(ctx context.Context, km types.KernelMessage, body Body) {
	pool := s.pool(body.Chain)

	var lastErr error
	for attempt := 0; attempt < maxRequestRetries; attempt++ {
		var client *wsClient
		var url string
		var err error
		if attempt == 0 {
			client, url, err = pool.Best(ctx)
		} else {
			client, url, err = pool.Next(ctx)
		}
		if err != nil {
			lastErr = err
			break
		}

		start := time.Now()
		result, err := client.Call(ctx, body.Method, body.Params)
		if err != nil {
			pool.markUnhealthy(url)
			lastErr = err
			continue
		}
		pool.MarkHealthy(url, time.Since(start))
		resp, _ := json.Marshal(Body{Action: ActionRequest, Result: result})
		s.bus.Respond(ctx, km, types.Response{Body: resp}, nil)
		return
	}
	s.respondErr(ctx, km, lastErr)
}

func (s *Service) handleSubscribeLogs(ctx context.Context, km types.KernelMessage, body Body) {
	key := subKey{owner: km.Source.Process, subId: body.SubId}
	target := km.Source
	if km.Rsvp != nil {
		target = *km.Rsvp
	}

	if client, url, err := s.pool(body.Chain).Best(ctx); err == nil {
		subID, ch, err := client.Subscribe(ctx, body.Kind, body.Params)
		if err != nil {
			s.pool(body.Chain).markUnhealthy(url)
		} else {
			subCtx, cancel := context.WithCancel(ctx)
			s.mu.Lock()
			s.subs[key] = &localSub{cancel: cancel}
			s.mu.Unlock()
			go s.maintainLocal(subCtx, key, target, client, subID, ch)
			s.bus.Respond(ctx, km, types.Response{}, nil)
			return
		}
	}

	for _, node := range s.cfg[body.Chain].Nodes {
		remoteSubId := body.SubId ^ uint64(time.Now().UnixNano())
		forwardBody := body
		forwardBody.SubId = remoteSubId
		reqID, resp, err := s.forward(ctx, node, forwardBody, 15*time.Second)
		if err != nil {
			s.logger.Debug().Err(err).Str("node", string(node)).Msg("eth subscribe forward failed")
			continue
		}
		_ = reqID
		if resp.Message.Response != nil && resp.Message.Response.Body != nil {
			var respBody Body
			if jsonErr := json.Unmarshal(resp.Message.Response.Body, &respBody); jsonErr == nil && respBody.Error != "" {
				continue
			}
		}
		subCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.forwards[key] = &forwardSub{cancel: cancel, providerNode: node, remoteSubId: remoteSubId}
		pushKey := subKey{owner: types.ProcessId{ProcessName: "eth", PackageName: "sys", Publisher: node}, subId: remoteSubId}
		pushCh := make(chan Body, 32)
		s.pushChans[pushKey] = pushCh
		s.mu.Unlock()
		go s.maintainRemote(subCtx, key, pushKey, node, remoteSubId, target, pushCh)
		s.bus.Respond(ctx, km, types.Response{}, nil)
		return
	}

	s.respondErr(ctx, km, fmt.Errorf("no usable RPC provider for chain %d", body.Chain))
}

func (s *Service) handleUnsubscribeLogs(ctx context.Context, km types.KernelMessage, body Body) {
	key := subKey{owner: km.Source.Process, subId: body.SubId}

	s.mu.Lock()
	if sub, ok := s.subs[key]; ok {
		delete(s.subs, key)
		s.mu.Unlock()
		sub.cancel()
		s.bus.Respond(ctx, km, types.Response{}, nil)
		return
	}
	if fwd, ok := s.forwards[key]; ok {
		delete(s.forwards, key)
		s.mu.Unlock()
		fwd.cancel()
		s.bus.Respond(ctx, km, types.Response{}, nil)
		return
	}
	s.mu.Unlock()
	s.respondErr(ctx, km, fmt.Errorf("no subscription %d held for %s", body.SubId, km.Source.Process))
}

// handleSubEvent delivers a subscription push from a node we are relaying
// through to the maintainRemote goroutine awaiting it.
func (s *Service) handleSubEvent(km types.KernelMessage, body Body) {
	key := subKey{owner: km.Source.Process, subId: body.SubId}
	s.mu.Lock()
	ch, ok := s.pushChans[key]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- body:
		default:
		}
	}
}

// handleKeepalive answers a relay client's liveness check for a
// subscription we hold locally on its behalf.
func (s *Service) handleKeepalive(ctx context.Context, km types.KernelMessage, body Body) {
	key := subKey{owner: km.Source.Process, subId: body.SubId}
	s.mu.Lock()
	_, ok := s.subs[key]
	s.mu.Unlock()
	if !ok {
		s.respondErr(ctx, km, fmt.Errorf("subscription %d no longer held", body.SubId))
		return
	}
	s.bus.Respond(ctx, km, types.Response{}, nil)
}

// forward sends body as a Request to node's Ethereum RPC mailbox and
// blocks for its Response, used both to open a relayed subscription and
// to issue its periodic keepalive.
func (s *Service) forward(ctx context.Context, node types.NodeId, body Body, timeout time.Duration) (uint64, types.KernelMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, types.KernelMessage{}, err
	}
	id := uint64(time.Now().UnixNano())
	ch := make(chan types.KernelMessage, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	km := types.KernelMessage{
		Id:     id,
		Source: types.Address{Node: s.ourNode, Process: s.bus.Self},
		Target: types.Address{Node: node, Process: SelfID(node)},
		Message: types.Message{
			Kind:    types.KindRequest,
			Request: &types.Request{Body: payload},
		},
	}
	s.bus.Send(ctx, km)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return id, resp, nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return 0, types.KernelMessage{}, fmt.Errorf("timed out waiting for %s", node)
	case <-ctx.Done():
		return 0, types.KernelMessage{}, ctx.Err()
	}
}

// maintainLocal pumps a live subscription's notification channel,
// pushing each result to target as a fire-and-forget SubEvent, until the
// channel closes or subCtx is cancelled.
func (s *Service) maintainLocal(subCtx context.Context, key subKey, target types.Address, client *wsClient, subID string, ch <-chan json.RawMessage) {
	defer func() {
		s.mu.Lock()
		delete(s.subs, key)
		s.mu.Unlock()
		_ = client.Unsubscribe(context.Background(), subID)
	}()
	for {
		select {
		case <-subCtx.Done():
			return
		case result, ok := <-ch:
			if !ok {
				s.pushSubEvent(subCtx, target, key.subId, nil, "subscription closed unexpectedly")
				return
			}
			s.pushSubEvent(subCtx, target, key.subId, result, "")
		}
	}
}

// maintainRemote keeps a relayed subscription alive: it forwards incoming
// pushes from the provider node to the original local target, sends a
// keepalive every 30s, and tears the subscription down if no update
// arrives within a 2-hour window, mirroring the original's no-updates
// watchdog.
func (s *Service) maintainRemote(subCtx context.Context, key, pushKey subKey, providerNode types.NodeId, remoteSubId uint64, target types.Address, pushCh chan Body) {
	defer func() {
		s.mu.Lock()
		delete(s.forwards, key)
		delete(s.pushChans, pushKey)
		s.mu.Unlock()
		unsub, _ := json.Marshal(Body{Action: ActionUnsubscribeLogs, SubId: remoteSubId})
		s.bus.Send(context.Background(), types.KernelMessage{
			Id:      uint64(time.Now().UnixNano()),
			Source:  types.Address{Node: s.ourNode, Process: s.bus.Self},
			Target:  types.Address{Node: providerNode, Process: SelfID(providerNode)},
			Message: types.Message{Kind: types.KindRequest, Request: &types.Request{Body: unsub}},
		})
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	lastReceived := time.Now()

	for {
		remaining := watchdogWindow - time.Since(lastReceived)
		if remaining < 0 {
			remaining = 0
		}
		watchdog := time.NewTimer(remaining)

		select {
		case <-subCtx.Done():
			watchdog.Stop()
			return
		case body, ok := <-pushCh:
			watchdog.Stop()
			if !ok {
				return
			}
			if body.Error != "" {
				s.pushSubEvent(subCtx, target, key.subId, nil, body.Error)
				return
			}
			lastReceived = time.Now()
			s.pushSubEvent(subCtx, target, key.subId, body.Result, "")
		case <-ticker.C:
			watchdog.Stop()
			keepalive := Body{Action: ActionKeepalive, SubId: remoteSubId}
			if _, _, err := s.forward(subCtx, providerNode, keepalive, keepaliveTimeout); err != nil {
				s.pushSubEvent(subCtx, target, key.subId, nil, "subscription node-provider failed keepalive")
				return
			}
		case <-watchdog.C:
			s.pushSubEvent(subCtx, target, key.subId, nil, "no updates received for 2 hours, subscription considered dead")
			return
		}
	}
}

func (s *Service) pushSubEvent(ctx context.Context, target types.Address, subId uint64, result json.RawMessage, errMsg string) {
	body, _ := json.Marshal(Body{Action: ActionSubEvent, SubId: subId, Result: result, Error: errMsg})
	s.bus.Send(ctx, types.KernelMessage{
		Id:      uint64(time.Now().UnixNano()),
		Source:  types.Address{Node: s.ourNode, Process: s.bus.Self},
		Target:  target,
		Message: types.Message{Kind: types.KindRequest, Request: &types.Request{Body: body}},
	})
}

func (s *Service) respondErr(ctx context.Context, km types.KernelMessage, err error) {
	s.logger.Warn().Err(err).Str("requester", km.Source.Process.String()).Msg("eth request failed")
	body, _ := json.Marshal(Body{Error: err.Error()})
	s.bus.Respond(ctx, km, types.Response{Body: body}, nil)
}
