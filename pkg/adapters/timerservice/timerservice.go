package timerservice

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

// SetTimerParams is the JSON body of a set-timer request: ms milliseconds
// from now, the kernel delivers a Response whose Body is context verbatim.
type SetTimerParams struct {
	Ms uint64 `json:"ms"`
}

// SelfID is the fixed process id the timer service registers its mailbox
// under.
func SelfID(ourNode types.NodeId) types.ProcessId {
	return types.ProcessId{ProcessName: "timer", PackageName: "sys", Publisher: ourNode}
}

// Service is the timer adapter. Each pending timer is tracked by its
// request id so Stop can cancel every outstanding timer on shutdown,
// mirroring the teacher's HealthMonitor cancelFns-map shape.
type Service struct {
	bus    *adapters.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[uint64]context.CancelFunc
}

// New registers the timer service's mailbox and returns a Service ready
// for Run.
func New(registrar process.Registrar, outbound chan<- types.KernelMessage, ourNode types.NodeId) *Service {
	return &Service{
		bus:     adapters.NewBus(registrar, outbound, SelfID(ourNode)),
		logger:  log.WithComponent("timerservice"),
		pending: make(map[uint64]context.CancelFunc),
	}
}

// Run pumps the service's inbox until ctx is cancelled, starting one timer
// goroutine per set-timer request.
func (s *Service) Run(ctx context.Context) {
	defer s.bus.Close()
	for {
		select {
		case <-ctx.Done():
			s.cancelAll()
			return
		case km, ok := <-s.bus.Inbox():
			if !ok {
				return
			}
			if km.Message.Kind != types.KindRequest || km.Message.Request == nil {
				continue
			}
			s.handleSetTimer(ctx, km)
		}
	}
}

func (s *Service) handleSetTimer(ctx context.Context, km types.KernelMessage) {
	var params SetTimerParams
	if err := json.Unmarshal(km.Message.Request.Body, &params); err != nil {
		s.bus.Respond(ctx, km, types.Response{Body: []byte(fmt.Sprintf("bad set-timer request: %s", err))}, nil)
		return
	}

	timerCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.pending[km.Id] = cancel
	s.mu.Unlock()

	go s.fire(timerCtx, cancel, km, time.Duration(params.Ms)*time.Millisecond)
}

func (s *Service) fire(ctx context.Context, cancel context.CancelFunc, km types.KernelMessage, after time.Duration) {
	defer func() {
		s.mu.Lock()
		delete(s.pending, km.Id)
		s.mu.Unlock()
		cancel()
	}()

	timer := time.NewTimer(after)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		s.bus.Respond(ctx, km, types.Response{Body: append([]byte(nil), km.Message.Request.Metadata...)}, nil)
	}
}

func (s *Service) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.pending {
		cancel()
		delete(s.pending, id)
	}
}
