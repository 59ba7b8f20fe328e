// Package scan keeps the two pools of recently heard mesh devices: nodes
// already on a network and devices waiting to be provisioned.
package scan

import (
	"bytes"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chaz8081/meshprov/internal/mesh/beacon"
	"github.com/chaz8081/meshprov/internal/metrics"
)

// Pool selects one of the two cache pools.
type Pool uint8

const (
	// NodePool holds network and node identity beacons.
	NodePool Pool = iota
	// ProvisionPool holds unprovisioned device beacons.
	ProvisionPool
)

func (p Pool) String() string {
	if p == NodePool {
		return "node"
	}
	return "provision"
}

const (
	DefaultKeepTime      = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Observation is one received advertisement.
type Observation struct {
	Address    string
	Payload    []byte
	RSSI       int
	ObservedAt time.Time
}

// Entry is an observation held by a pool.
type Entry struct {
	Observation
	Kind      beacon.Kind
	FirstSeen time.Time
	LastSeen  time.Time
}

// Options configures a Cache.
type Options struct {
	KeepTime      time.Duration
	SweepInterval time.Duration
	Decoder       beacon.Decoder
	Clock         clockwork.Clock
	Logger        *slog.Logger
}

// DefaultOptions returns options with the standard expiry timings and the
// advertising data decoder.
func DefaultOptions() Options {
	return Options{
		KeepTime:      DefaultKeepTime,
		SweepInterval: DefaultSweepInterval,
		Decoder:       beacon.AD{},
		Clock:         clockwork.NewRealClock(),
	}
}

type pool struct {
	name    string
	mu      sync.Mutex
	entries map[string]Entry
}

func newPool(p Pool) *pool {
	return &pool{name: p.String(), entries: make(map[string]Entry)}
}

// upsert inserts or refreshes an entry, keeping its FirstSeen time.
func (p *pool) upsert(obs Observation, kind beacon.Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[obs.Address]
	if !ok {
		e.FirstSeen = obs.ObservedAt
	}
	e.Observation = obs
	e.Kind = kind
	e.LastSeen = obs.ObservedAt
	p.entries[obs.Address] = e
	metrics.CacheEntries.WithLabelValues(p.name).Set(float64(len(p.entries)))
}

func (p *pool) remove(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[addr]; !ok {
		return false
	}
	delete(p.entries, addr)
	metrics.CacheEntries.WithLabelValues(p.name).Set(float64(len(p.entries)))
	return true
}

// evict removes entries not refreshed within keep and returns how many.
func (p *pool) evict(now time.Time, keep time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for addr, e := range p.entries {
		if now.Sub(e.LastSeen) > keep {
			delete(p.entries, addr)
			n++
		}
	}
	metrics.CacheEntries.WithLabelValues(p.name).Set(float64(len(p.entries)))
	return n
}

// Cache is safe for concurrent use. Each pool has its own lock and no
// operation holds both.
type Cache struct {
	opts  Options
	log   *slog.Logger
	pools [2]*pool

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// NewCache creates an empty cache. Zero option fields take their defaults.
func NewCache(opts Options) *Cache {
	def := DefaultOptions()
	if opts.KeepTime <= 0 {
		opts.KeepTime = def.KeepTime
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.Decoder == nil {
		opts.Decoder = def.Decoder
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		opts:      opts,
		log:       logger,
		pools:     [2]*pool{newPool(NodePool), newPool(ProvisionPool)},
		lastSweep: opts.Clock.Now(),
	}
}

// Observe records an observation stamped with the cache clock.
func (c *Cache) Observe(address string, payload []byte, rssi int) beacon.Kind {
	return c.RecordObservation(address, payload, rssi, c.opts.Clock.Now())
}

// RecordObservation classifies payload and files the observation into the
// matching pool, removing the address from the other one. Unknown payloads
// are dropped. A sweep of both pools runs when more than SweepInterval has
// passed since the previous one.
func (c *Cache) RecordObservation(address string, payload []byte, rssi int, now time.Time) beacon.Kind {
	kind := beacon.Classify(c.opts.Decoder, payload)
	metrics.ObservationsTotal.WithLabelValues(kind.String()).Inc()

	var target, other Pool
	switch kind {
	case beacon.NetworkIdentity, beacon.NodeIdentity:
		target, other = NodePool, ProvisionPool
	case beacon.Provisioning:
		target, other = ProvisionPool, NodePool
	default:
		c.maybeSweep(now)
		return kind
	}

	obs := Observation{
		Address:    address,
		Payload:    bytes.Clone(payload),
		RSSI:       rssi,
		ObservedAt: now,
	}
	// Insert before removing from the other pool: two racing observations
	// of the same address can then never leave it in both pools.
	c.pools[target].upsert(obs, kind)
	if c.pools[other].remove(address) {
		c.log.Debug("[SCAN] moved between pools", "address", address, "to", target.String())
	}

	c.maybeSweep(now)
	return kind
}

func (c *Cache) maybeSweep(now time.Time) {
	c.sweepMu.Lock()
	if now.Sub(c.lastSweep) <= c.opts.SweepInterval {
		c.sweepMu.Unlock()
		return
	}
	c.lastSweep = now
	c.sweepMu.Unlock()

	metrics.CacheSweepsTotal.Inc()
	for _, p := range c.pools {
		if n := p.evict(now, c.opts.KeepTime); n > 0 {
			metrics.CacheEvictionsTotal.WithLabelValues(p.name).Add(float64(n))
			c.log.Debug("[SCAN] evicted stale entries", "pool", p.name, "count", n)
		}
	}
}

// Query returns a snapshot of the pool sorted by address.
func (c *Cache) Query(p Pool) []Entry {
	pl := c.pools[p]
	pl.mu.Lock()
	out := make([]Entry, 0, len(pl.entries))
	for _, e := range pl.entries {
		out = append(out, e)
	}
	pl.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Get returns the entry for address in the pool.
func (c *Cache) Get(address string, p Pool) (Entry, bool) {
	pl := c.pools[p]
	pl.mu.Lock()
	defer pl.mu.Unlock()
	e, ok := pl.entries[address]
	return e, ok
}

// Len returns the number of entries in the pool.
func (c *Cache) Len(p Pool) int {
	pl := c.pools[p]
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.entries)
}

// Remove deletes address from the pool, typically when a provisioning
// candidate is handed to a session. It reports whether an entry was removed.
func (c *Cache) Remove(address string, p Pool) bool {
	return c.pools[p].remove(address)
}

// Clear empties the pool.
func (c *Cache) Clear(p Pool) {
	pl := c.pools[p]
	pl.mu.Lock()
	defer pl.mu.Unlock()
	clear(pl.entries)
	metrics.CacheEntries.WithLabelValues(pl.name).Set(0)
}
