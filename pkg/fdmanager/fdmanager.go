// Package fdmanager implements the file-descriptor budget feedback
// controller described in spec §4.C: it divides the OS-level
// file-descriptor budget among requesting processes and recomputes limits
// whenever a process opts in, reports pressure, or the ulimit changes.
package fdmanager

import (
	"context"
	"sync"
	"time"

	"github.com/hyperdrive-os/hyperdrive/pkg/log"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/rs/zerolog"
)

const (
	defaultMaxOpenFDsUnix = 180
	sysReservedFDsUnix    = 30
	defaultFDFractionPct  = 90
	defaultUpdateInterval = time.Hour
)

// Mode selects whether max-fds is pinned by the operator (StaticMax, the
// only option on Windows) or periodically refreshed from the OS ulimit
// (DynamicMax, Unix only).
type Mode int

const (
	StaticMax Mode = iota
	DynamicMax
)

// Update is pushed to every subscriber whenever limits are recomputed.
type Update struct {
	Limits map[types.ProcessId]types.FdsLimit
	MaxFDs uint64
}

// Manager is the FD budget controller. All mutation flows through its own
// goroutine; subscribers receive Updates on a channel, matching the
// "process-visible limits are announced, processes re-check before
// opening new descriptors" contract in spec §5.
type Manager struct {
	mode              Mode
	fractionPct       uint64
	updateInterval    time.Duration
	logger            zerolog.Logger

	mu          sync.Mutex
	maxFDs      uint64
	limits      map[types.ProcessId]types.FdsLimit
	subscribers []chan Update
}

// New creates a Manager. staticMax, if non-zero, pins max-fds and disables
// ulimit refresh (Mode == StaticMax); otherwise max-fds starts at
// defaultMaxOpenFDsUnix and is refreshed periodically on Unix.
func New(staticMax uint64) *Manager {
	m := &Manager{
		fractionPct:    defaultFDFractionPct,
		updateInterval: defaultUpdateInterval,
		logger:         log.WithComponent("fd-manager"),
		limits:         make(map[types.ProcessId]types.FdsLimit),
	}
	if staticMax > 0 {
		m.mode = StaticMax
		m.maxFDs = staticMax
	} else {
		m.mode = DynamicMax
		m.maxFDs = defaultMaxOpenFDsUnix
	}
	return m
}

// Run starts the periodic ulimit refresh loop (a no-op in StaticMax mode)
// and blocks until ctx is cancelled, mirroring the teacher's
// ticker-plus-mutex reconciliation loop shape. The startup ulimit checks
// below use logger.Fatal (os.Exit) rather than a panic: the spec calls for
// "panics at startup" on insufficient FD headroom, but zerolog's Fatal is
// the teacher's own idiom for an unrecoverable startup condition, and the
// effect (process exits before serving anything) is the same.
func (m *Manager) Run(ctx context.Context) {
	if m.mode != DynamicMax {
		<-ctx.Done()
		return
	}

	if err := m.refreshFromUlimit(); err != nil {
		m.logger.Fatal().Err(err).Msg("ulimit headroom insufficient to operate Hyperdrive")
	}

	ticker := time.NewTicker(m.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.refreshFromUlimit(); err != nil {
				m.logger.Error().Err(err).Msg("ulimit refresh failed")
			}
		}
	}
}

func (m *Manager) refreshFromUlimit() error {
	ulimit, err := currentUlimit()
	if err != nil {
		return err
	}
	minUlimit := sysReservedFDsUnix + 10
	if ulimit <= minUlimit {
		m.logger.Fatal().
			Uint64("ulimit", ulimit).
			Uint64("min_required", minUlimit).
			Msg("ulimit from system is too small to operate Hyperdrive; run with a larger ulimit")
	}

	m.mu.Lock()
	m.maxFDs = ulimit*m.fractionPct/100 - sysReservedFDsUnix
	m.mu.Unlock()

	m.recompute()
	return nil
}

// Subscribe registers a channel that receives an Update every time limits
// are recomputed. Typically called once by the peer networking layer and
// once per running process.
func (m *Manager) Subscribe() <-chan Update {
	ch := make(chan Update, 4)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// RequestFdsLimit opts a process into the FD budget; it is allocated a
// share on the next recomputation (and immediately with its starting
// hit-count of zero).
func (m *Manager) RequestFdsLimit(p types.ProcessId) {
	m.mu.Lock()
	if _, ok := m.limits[p]; !ok {
		m.limits[p] = types.FdsLimit{}
	}
	m.mu.Unlock()
	m.recompute()
}

// FdsLimitHit records that p reported running into its current limit,
// increasing its weighted share on the next recomputation.
func (m *Manager) FdsLimitHit(p types.ProcessId) {
	m.mu.Lock()
	l := m.limits[p]
	l.HitCount++
	m.limits[p] = l
	m.mu.Unlock()
	m.recompute()
}

// Forget removes a process from the budget (called on process kill).
func (m *Manager) Forget(p types.ProcessId) {
	m.mu.Lock()
	delete(m.limits, p)
	m.mu.Unlock()
	m.recompute()
}

// recompute applies the spec §4.C formula:
//
//	half_static           = max_fds / 2
//	per_process_unweighted = half_static / max(num_processes, 1)
//	per_process_weighted   = half_static / max(sum_hit_counts, 1)
//	limit(p) = floor(per_process_unweighted + per_process_weighted * hit_count(p))
//
// and pushes the result to every subscriber.
func (m *Manager) recompute() {
	m.mu.Lock()
	halfStatic := float64(m.maxFDs) / 2.0

	var sumHits uint64
	for _, l := range m.limits {
		sumHits += l.HitCount
	}
	numProcesses := uint64(len(m.limits))
	if numProcesses == 0 {
		numProcesses = 1
	}
	if sumHits == 0 {
		sumHits = 1
	}
	perProcessUnweighted := halfStatic / float64(numProcesses)
	perProcessWeighted := halfStatic / float64(sumHits)

	out := make(map[types.ProcessId]types.FdsLimit, len(m.limits))
	for p, l := range m.limits {
		limit := perProcessUnweighted + perProcessWeighted*float64(l.HitCount)
		l.Limit = uint64(limit)
		m.limits[p] = l
		out[p] = l
	}
	update := Update{Limits: out, MaxFDs: m.maxFDs}
	subs := append([]chan Update(nil), m.subscribers...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- update:
		default:
			// a slow subscriber misses an intermediate update; the next
			// recompute supersedes it, matching the feedback-loop design
			// (limits are a converging series, not a queue of commands).
		}
	}
}

// MaxFDs returns the current process-global ceiling.
func (m *Manager) MaxFDs() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxFDs
}

// Limit returns p's currently announced limit.
func (m *Manager) Limit(p types.ProcessId) types.FdsLimit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits[p]
}
