package pki

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hyperdrive-os/hyperdrive/pkg/log"
	"github.com/hyperdrive-os/hyperdrive/pkg/storage"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// Cache is the PKI cache: a concurrent map of known node identities, read
// by the peer networking layer on every send and mutated only by HnsUpdate
// ingestion. A RWMutex matches the spec's "concurrent map read by many
// tasks" framing directly, rather than serializing reads through an actor
// the way pkg/capabilities does for its rarer, order-sensitive mutations.
type Cache struct {
	store    storage.Store // nil for fakenet: no persistence
	onChange func(types.NodeId)
	logger   zerolog.Logger

	mu      sync.RWMutex
	records map[types.NodeId]types.Identity
}

// New loads any persisted snapshot from store and returns a Cache ready
// for HnsUpdate ingestion. onChange is invoked, outside the lock, whenever
// an update replaces a node's networking key or routing record, so the
// caller (the peer networking layer) can close any connection that was
// authenticated against the stale identity.
func New(store storage.Store, onChange func(types.NodeId)) (*Cache, error) {
	c := &Cache{
		store:    store,
		onChange: onChange,
		logger:   log.WithComponent("pki"),
		records:  make(map[types.NodeId]types.Identity),
	}
	if onChange == nil {
		c.onChange = func(types.NodeId) {}
	}
	if store == nil {
		return c, nil
	}

	snapshot, err := store.LoadPKICache()
	if err != nil {
		return nil, fmt.Errorf("loading PKI cache snapshot: %w", err)
	}
	if snapshot == nil {
		return c, nil
	}
	var records map[types.NodeId]types.Identity
	if err := json.Unmarshal(snapshot, &records); err != nil {
		return nil, fmt.Errorf("decoding PKI cache snapshot: %w", err)
	}
	c.records = records
	return c, nil
}

// NewFakeResolver returns a Cache pre-populated with the given identities
// and no chain indexer or persistence behind it, for --fakenet bootstrap:
// a deterministic test identity set lets a multi-node dev cluster resolve
// each other without any on-chain registration.
func NewFakeResolver(identities ...types.Identity) *Cache {
	c := &Cache{
		onChange: func(types.NodeId) {},
		logger:   log.WithComponent("pki-fakenet"),
		records:  make(map[types.NodeId]types.Identity, len(identities)),
	}
	for _, id := range identities {
		c.records[id.Name] = id
	}
	return c
}

// NetworkingPubKey implements network.PeerKeyResolver: the long-term
// Ed25519 key a handshake signature from node must verify against.
func (c *Cache) NetworkingPubKey(node types.NodeId) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.records[node]
	if !ok {
		return nil, false
	}
	return id.NetworkingPubKey, true
}

// Routing implements network.Resolver: how to reach node, direct or via
// its routers.
func (c *Cache) Routing(node types.NodeId) (types.NodeRouting, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.records[node]
	if !ok {
		return types.NodeRouting{}, false
	}
	return id.Routing, true
}

// Get returns the full cached Identity for node.
func (c *Cache) Get(node types.NodeId) (types.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.records[node]
	return id, ok
}

// All returns every cached Identity, for admin/diagnostic listing.
func (c *Cache) All() []types.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Identity, 0, len(c.records))
	for _, id := range c.records {
		out = append(out, id)
	}
	return out
}

// ApplyUpdate upserts one HnsUpdate into the cache (spec §4.F PKI
// ingestion). A zero-valued field on the update leaves the cached value
// for that note unchanged, matching the registry's per-note write model.
// If the networking key or routing record actually changes, onChange
// fires so stale connections get closed.
func (c *Cache) ApplyUpdate(u types.HnsUpdate) error {
	if u.Name == "" {
		return fmt.Errorf("hns update name must not be empty")
	}
	if _, ok := dns.IsDomainName(string(u.Name)); !ok {
		return fmt.Errorf("hns update name %q is not a valid dotted node name", u.Name)
	}

	c.mu.Lock()
	existing, had := c.records[u.Name]
	next := existing
	next.Name = u.Name
	if u.Owner != "" {
		next.Owner = u.Owner
	}
	if len(u.NetKey) > 0 {
		next.NetworkingPubKey = u.NetKey
	}
	if u.IP != "" {
		next.Routing.Kind = types.RoutingDirect
		next.Routing.IP = u.IP
	}
	if u.WsPort != 0 || u.TcpPort != 0 {
		next.Routing.Kind = types.RoutingDirect
		if next.Routing.Ports == nil {
			next.Routing.Ports = make(map[string]uint16, 2)
		}
		if u.WsPort != 0 {
			next.Routing.Ports["ws"] = u.WsPort
		}
		if u.TcpPort != 0 {
			next.Routing.Ports["tcp"] = u.TcpPort
		}
	}
	if len(u.Routers) > 0 {
		next.Routing.Kind = types.RoutingIndirect
		next.Routing.Routers = u.Routers
	}
	c.records[u.Name] = next
	changed := !had || identityChanged(existing, next)
	c.mu.Unlock()

	if err := c.persist(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist PKI cache snapshot")
	}
	if changed {
		c.onChange(u.Name)
	}
	return nil
}

// ApplyBatchUpdate upserts every entry in b, keeping HnsBatchUpdate's
// all-or-nothing ingestion contract for a validation failure: if any
// entry's name is malformed, no entry in the batch is applied.
func (c *Cache) ApplyBatchUpdate(b types.HnsBatchUpdate) error {
	for _, u := range b.Updates {
		if u.Name == "" {
			return fmt.Errorf("hns batch update rejected: name must not be empty")
		}
		if _, ok := dns.IsDomainName(string(u.Name)); !ok {
			return fmt.Errorf("hns batch update rejected: name %q is not a valid dotted node name", u.Name)
		}
	}
	for _, u := range b.Updates {
		if err := c.ApplyUpdate(u); err != nil {
			return err
		}
	}
	return nil
}

func identityChanged(a, b types.Identity) bool {
	if string(a.NetworkingPubKey) != string(b.NetworkingPubKey) {
		return true
	}
	if a.Routing.Kind != b.Routing.Kind || a.Routing.IP != b.Routing.IP {
		return true
	}
	if len(a.Routing.Ports) != len(b.Routing.Ports) {
		return true
	}
	for proto, port := range a.Routing.Ports {
		if b.Routing.Ports[proto] != port {
			return true
		}
	}
	if len(a.Routing.Routers) != len(b.Routing.Routers) {
		return true
	}
	for i, r := range a.Routing.Routers {
		if b.Routing.Routers[i] != r {
			return true
		}
	}
	return false
}

func (c *Cache) persist() error {
	if c.store == nil {
		return nil
	}
	c.mu.RLock()
	snapshot, err := json.Marshal(c.records)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding PKI cache snapshot: %w", err)
	}
	return c.store.SavePKICache(snapshot)
}
