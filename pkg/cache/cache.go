// Package cache implements the coherent cache described in spec
// §4.5: a bounded LRU of key/value entries with a MESI-like
// MODIFIED/SHARED/INVALID state per key, where a write on one node
// invalidates every other node's copy by fire-and-forget broadcast
// rather than waiting for acknowledgment.
package cache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/types"
)

// Transport is the peer capability the cache needs to propagate
// invalidations (spec §6.2).
type Transport interface {
	Invalidate(ctx context.Context, target types.NodeID, key string) error
}

// WriteThroughFunc optionally persists a write to a backing store
// before the local cache entry is updated. Spec §4.5 leaves the
// backing store out of scope for the core; this hook is how a caller
// wires one in without the cache package depending on it directly.
type WriteThroughFunc func(ctx context.Context, key string, value []byte) error

type entry struct {
	value []byte
	state types.CacheState
}

// Config constructs a Cache.
type Config struct {
	Cluster      types.Cluster
	MaxSize      int
	Transport    Transport
	WriteThrough WriteThroughFunc
}

// Cache is one node's coherent cache.
type Cache struct {
	mu           sync.Mutex
	lru          *lru.Cache
	cluster      types.Cluster
	transport    Transport
	writeThrough WriteThroughFunc

	hits   uint64
	misses uint64
}

// New constructs a Cache with the given entry capacity.
func New(cfg Config) (*Cache, error) {
	size := cfg.MaxSize
	if size <= 0 {
		size = 1024
	}
	l, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{
		lru:          l,
		cluster:      cfg.Cluster,
		transport:    cfg.Transport,
		writeThrough: cfg.WriteThrough,
	}, nil
}

// Get returns the locally cached value for key and its coherence
// state. A miss or an INVALID entry both report ok=false: spec §4.5
// requires a refetch from the backing store before an invalid entry
// can be read again.
func (c *Cache) Get(key string) (value []byte, state types.CacheState, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, found := c.lru.Get(key)
	if !found {
		c.misses++
		return nil, "", false
	}
	e := v.(*entry)
	if e.state == types.Invalid {
		c.misses++
		return nil, types.Invalid, false
	}
	c.hits++
	return e.value, e.state, true
}

// Put writes key locally as MODIFIED, optionally persisting through
// to a backing store first, then broadcasts an invalidation to every
// peer so at most one node holds a MODIFIED copy at a time.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	if c.writeThrough != nil {
		if err := c.writeThrough(ctx, key, value); err != nil {
			return err
		}
	}

	c.mu.Lock()
	evicted := c.lru.Add(key, &entry{value: value, state: types.Modified})
	c.mu.Unlock()
	_ = evicted

	c.broadcastInvalidate(ctx, key)
	return nil
}

// Invalidate drops the local entry for key, if present (spec §4.5:
// "invalidate(key) (from peer): drop the local entry if present").
// The next Get for key is therefore a clean MISS that refetches from
// the backing source, rather than serving a stale value tagged
// INVALID.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Refresh installs value as a SHARED entry, the state a node adopts
// after fetching a fresh copy from the backing store following a
// miss or an invalidation.
func (c *Cache) Refresh(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, &entry{value: value, state: types.SharedC})
}

func (c *Cache) broadcastInvalidate(ctx context.Context, key string) {
	if c.transport == nil {
		return
	}
	for _, p := range c.cluster.Peers() {
		peer := p
		go func() {
			if err := c.transport.Invalidate(ctx, peer, key); err != nil {
				log.WithPeer(string(peer)).Warn().Err(err).Str("key", key).Msg("invalidate failed")
			}
		}()
	}
}

// Stats is a point-in-time snapshot for the metrics surface.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Size        int
	StateCounts map[types.CacheState]int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := map[types.CacheState]int{types.Modified: 0, types.SharedC: 0, types.Invalid: 0}
	for _, k := range c.lru.Keys() {
		v, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		counts[v.(*entry).state]++
	}
	return Stats{Hits: c.hits, Misses: c.misses, Size: c.lru.Len(), StateCounts: counts}
}
