package ethrpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// urlEndpoint is one configured RPC endpoint for a chain: either already
// connected (conn set) or not yet dialed. Health bookkeeping mirrors the
// teacher's chain.RPCEndpoint, generalized from NEO N3 HTTP polling to
// lazily-dialed Ethereum WebSocket connections.
type urlEndpoint struct {
	url              string
	conn             *wsClient
	healthy          bool
	consecutiveFails int
	avgLatency       time.Duration
}

// Pool tracks every configured URL provider for one chain ID, preferring
// the lowest-latency healthy endpoint and falling back to round-robin
// failover when a provider goes unhealthy, exactly as the teacher's
// RPCPool does across its NEO N3 node set.
type Pool struct {
	mu            sync.Mutex
	chain         uint64
	endpoints     []*urlEndpoint
	current       int
	maxFails      int
	dialTimeout   time.Duration
}

// NewPool builds a Pool for chain from a static list of ws(s):// URLs.
func NewPool(chain uint64, urls []string) *Pool {
	eps := make([]*urlEndpoint, 0, len(urls))
	for _, u := range urls {
		eps = append(eps, &urlEndpoint{url: u, healthy: true})
	}
	return &Pool{chain: chain, endpoints: eps, maxFails: 3, dialTimeout: 10 * time.Second}
}

// Best returns the connected, healthy endpoint with the lowest average
// latency, dialing one lazily if none is connected yet.
func (p *Pool) Best(ctx context.Context) (*wsClient, string, error) {
	p.mu.Lock()
	candidates := make([]*urlEndpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if e.healthy {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].avgLatency < candidates[j].avgLatency })
	p.mu.Unlock()

	var lastErr error
	for _, e := range candidates {
		client, err := p.connect(ctx, e)
		if err != nil {
			lastErr = err
			p.markUnhealthy(e.url)
			continue
		}
		p.mu.Lock()
		for i, ep := range p.endpoints {
			if ep == e {
				p.current = (i + 1) % len(p.endpoints)
			}
		}
		p.mu.Unlock()
		return client, e.url, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no configured RPC endpoint for chain %d", p.chain)
	}
	return nil, "", lastErr
}

// Next advances the round-robin cursor and returns the next healthy
// endpoint after the one that just failed, for ExecuteWithFailover-style
// retries.
func (p *Pool) Next(ctx context.Context) (*wsClient, string, error) {
	p.mu.Lock()
	n := len(p.endpoints)
	if n == 0 {
		p.mu.Unlock()
		return nil, "", fmt.Errorf("no configured RPC endpoints for chain %d", p.chain)
	}
	start := p.current
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		p.mu.Lock()
		e := p.endpoints[idx]
		p.current = (idx + 1) % n
		healthy := e.healthy
		p.mu.Unlock()
		if !healthy {
			continue
		}
		client, err := p.connect(ctx, e)
		if err != nil {
			p.markUnhealthy(e.url)
			continue
		}
		return client, e.url, nil
	}
	return nil, "", fmt.Errorf("every RPC endpoint for chain %d is unhealthy", p.chain)
}

func (p *Pool) connect(ctx context.Context, e *urlEndpoint) (*wsClient, error) {
	p.mu.Lock()
	if e.conn != nil && e.conn.Alive() {
		c := e.conn
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	client, err := dialWS(dialCtx, e.url)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", e.url, err)
	}

	p.mu.Lock()
	e.conn = client
	p.mu.Unlock()
	return client, nil
}

// MarkHealthy resets an endpoint's failure count and folds latency into
// its running average, same exponential-moving-average weighting the
// teacher's pool uses (7:3 old:new).
func (p *Pool) MarkHealthy(url string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.endpoints {
		if e.url != url {
			continue
		}
		e.healthy = true
		e.consecutiveFails = 0
		if e.avgLatency == 0 {
			e.avgLatency = latency
		} else {
			e.avgLatency = (e.avgLatency*7 + latency*3) / 10
		}
		return
	}
}

func (p *Pool) markUnhealthy(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.endpoints {
		if e.url != url {
			continue
		}
		e.consecutiveFails++
		if e.consecutiveFails >= p.maxFails {
			e.healthy = false
			if e.conn != nil {
				e.conn.Close()
				e.conn = nil
			}
		}
		return
	}
}

// HealthyCount reports how many configured endpoints are currently
// considered usable.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.endpoints {
		if e.healthy {
			n++
		}
	}
	return n
}
