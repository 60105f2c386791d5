// Package nodecache keeps recently used R*-tree nodes in memory in front of
// the paged node store, writing dirty nodes back when they are evicted.
package nodecache

import (
	"context"
	"fmt"
	"slices"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sushant-115/rstardb/core/indexing/spatial/nodestore"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
	"github.com/sushant-115/rstardb/pkg/telemetry"
	"go.uber.org/zap"
)

// NodeStore is the persistence layer behind the cache.
type NodeStore interface {
	ReadNode(pageID pagemanager.PageID) (*nodestore.Node, error)
	WriteNode(pageID pagemanager.PageID, n *nodestore.Node) (pagemanager.PageID, error)
}

// Stats are cumulative counters plus the current residency.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	WriteBacks uint64
	Resident   int
	Dirty      int
}

type frame struct {
	node  *nodestore.Node
	dirty bool
}

// NodeCache is a bounded LRU of nodes keyed by page id. Evicting a dirty node
// writes it through the store synchronously, so Fetch can perform write I/O.
// It is not safe for concurrent use.
type NodeCache struct {
	store       NodeStore
	lru         *simplelru.LRU[pagemanager.PageID, *frame]
	stats       Stats
	evictErr    error
	dropping    bool
	instruments *telemetry.Instruments
	logger      *zap.Logger
}

// New returns a cache holding at most capacity nodes. instruments may be nil.
func New(store NodeStore, capacity int, logger *zap.Logger, instruments *telemetry.Instruments) (*NodeCache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: node cache capacity must be positive, got %d", flushmanager.ErrInvalidInput, capacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &NodeCache{
		store:       store,
		instruments: instruments,
		logger:      logger.With(zap.String("component", "nodecache")),
	}
	lru, err := simplelru.NewLRU[pagemanager.PageID, *frame](capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create node cache: %w", err)
	}
	c.lru = lru
	return c, nil
}

// onEvict runs for capacity evictions and for explicit removals. Removals go
// through Discard and Clear, which mark the frame clean and set dropping first.
func (c *NodeCache) onEvict(pageID pagemanager.PageID, f *frame) {
	if c.dropping {
		return
	}
	c.stats.Evictions++
	wroteBack := false
	if f.dirty {
		c.logger.Debug("writing back evicted node", zap.Int32("page_id", int32(pageID)))
		if _, err := c.store.WriteNode(pageID, f.node); err != nil {
			if c.evictErr == nil {
				c.evictErr = fmt.Errorf("write-back of evicted page %d: %w", pageID, err)
			}
		} else {
			f.dirty = false
			wroteBack = true
			c.stats.WriteBacks++
		}
	}
	c.instruments.CacheEviction(context.Background(), wroteBack)
}

func (c *NodeCache) takeEvictErr() error {
	err := c.evictErr
	c.evictErr = nil
	return err
}

// Fetch returns the node at pageID, reading it through the store on a miss.
// The returned node is the cached instance; callers that modify it must hand it
// back through Store.
func (c *NodeCache) Fetch(pageID pagemanager.PageID) (*nodestore.Node, error) {
	if f, ok := c.lru.Get(pageID); ok {
		c.stats.Hits++
		c.instruments.CacheHit(context.Background())
		return f.node, nil
	}
	c.stats.Misses++
	c.instruments.CacheMiss(context.Background())
	n, err := c.store.ReadNode(pageID)
	if err != nil {
		return nil, err
	}
	c.lru.Add(pageID, &frame{node: n})
	if err := c.takeEvictErr(); err != nil {
		return nil, err
	}
	return n, nil
}

// Store marks n dirty, caching it if it is not resident.
func (c *NodeCache) Store(n *nodestore.Node) error {
	if !n.PageID.IsData() {
		return fmt.Errorf("%w: cannot cache node with page id %d", flushmanager.ErrInvalidInput, n.PageID)
	}
	if f, ok := c.lru.Get(n.PageID); ok {
		f.node = n
		f.dirty = true
		return nil
	}
	c.lru.Add(n.PageID, &frame{node: n, dirty: true})
	return c.takeEvictErr()
}

// Allocate persists a brand new node to obtain its page id and caches it clean.
func (c *NodeCache) Allocate(n *nodestore.Node) (pagemanager.PageID, error) {
	pageID, err := c.store.WriteNode(pagemanager.InvalidPageID, n)
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	c.lru.Add(pageID, &frame{node: n})
	if err := c.takeEvictErr(); err != nil {
		return pagemanager.InvalidPageID, err
	}
	return pageID, nil
}

// Discard drops an abandoned page without writing it back.
func (c *NodeCache) Discard(pageID pagemanager.PageID) {
	c.dropping = true
	c.lru.Remove(pageID)
	c.dropping = false
}

// FlushAll writes every dirty node in page order and keeps them resident.
func (c *NodeCache) FlushAll() error {
	keys := c.lru.Keys()
	slices.Sort(keys)
	flushed := 0
	for _, pageID := range keys {
		f, ok := c.lru.Peek(pageID)
		if !ok || !f.dirty {
			continue
		}
		if _, err := c.store.WriteNode(pageID, f.node); err != nil {
			return fmt.Errorf("flushing page %d: %w", pageID, err)
		}
		f.dirty = false
		flushed++
	}
	if flushed > 0 {
		c.logger.Debug("node cache flushed", zap.Int("pages", flushed))
	}
	return nil
}

// Clear drops every entry without flushing. Call FlushAll first unless the
// dirty nodes are meant to be lost.
func (c *NodeCache) Clear() {
	c.dropping = true
	c.lru.Purge()
	c.dropping = false
}

// Len is the number of resident nodes.
func (c *NodeCache) Len() int { return c.lru.Len() }

// Stats returns the counters with the current resident and dirty counts.
func (c *NodeCache) Stats() Stats {
	s := c.stats
	s.Resident = c.lru.Len()
	for _, pageID := range c.lru.Keys() {
		if f, ok := c.lru.Peek(pageID); ok && f.dirty {
			s.Dirty++
		}
	}
	return s
}
