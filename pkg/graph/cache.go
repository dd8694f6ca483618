package graph

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// =============================================================================
// ENTITY CACHE INVARIANTS
// =============================================================================
//
// The cache mirrors committed primary records and is never the source of
// truth.
//
// Invariants:
//   - Entries are deep copies (copyNode / copyEdge) and reads return deep
//     copies, so callers cannot mutate cached state.
//   - Entries are written only after the batch creating the record has been
//     committed, and removed after the batch updating or deleting it has been
//     committed. Updates evict; the next read repopulates from the store.
//   - Every eviction bumps gen before removing the entry. A read that loaded
//     from the store fills the cache through fillNode / fillEdge with the gen
//     it saw before loading, and backs its entry out if gen moved meanwhile,
//     so a read racing an update never leaves the replaced version behind.
//   - Counts are adjusted in the same hooks, keeping Statistics O(1).
//
// Entry points:
//   - cacheOnNodeCreated / cacheOnNodeUpdated / cacheOnNodeDeleted
//   - cacheOnEdgeCreated / cacheOnEdgeUpdated / cacheOnEdgeDeleted

// entityCache holds decoded nodes and edges keyed by id. xsync.MapOf shards
// internally, so unrelated ids never contend on one lock.
type entityCache struct {
	nodes      *xsync.MapOf[NodeID, *Node]
	edges      *xsync.MapOf[EdgeID, *Edge]
	maxEntries int
	gen        atomic.Uint64

	hits   *metrics.Counter
	misses *metrics.Counter
}

func newEntityCache(maxEntries int, set *metrics.Set) *entityCache {
	return &entityCache{
		nodes:      xsync.NewMapOf[NodeID, *Node](),
		edges:      xsync.NewMapOf[EdgeID, *Edge](),
		maxEntries: maxEntries,
		hits:       set.NewCounter(`graphstore_cache_requests_total{result="hit"}`),
		misses:     set.NewCounter(`graphstore_cache_requests_total{result="miss"}`),
	}
}

func (c *entityCache) getNode(id NodeID) (*Node, bool) {
	n, ok := c.nodes.Load(id)
	if !ok {
		c.misses.Inc()
		return nil, false
	}
	c.hits.Inc()
	return copyNode(n), true
}

func (c *entityCache) getEdge(id EdgeID) (*Edge, bool) {
	e, ok := c.edges.Load(id)
	if !ok {
		c.misses.Inc()
		return nil, false
	}
	c.hits.Inc()
	return copyEdge(e), true
}

func (c *entityCache) storeNode(n *Node) {
	if n == nil {
		return
	}
	// Simple eviction: if the cache is too large, clear it.
	if c.maxEntries > 0 && c.nodes.Size() >= c.maxEntries {
		c.nodes.Clear()
	}
	c.nodes.Store(n.ID, copyNode(n))
}

func (c *entityCache) storeEdge(e *Edge) {
	if e == nil {
		return
	}
	if c.maxEntries > 0 && c.edges.Size() >= c.maxEntries {
		c.edges.Clear()
	}
	c.edges.Store(e.ID, copyEdge(e))
}

// generation must be read before loading a record that is then passed to
// fillNode or fillEdge.
func (c *entityCache) generation() uint64 { return c.gen.Load() }

// fillNode caches n, loaded from the store at generation gen.
func (c *entityCache) fillNode(n *Node, gen uint64) {
	c.storeNode(n)
	if c.gen.Load() != gen {
		c.nodes.Delete(n.ID)
	}
}

// fillEdge caches e, loaded from the store at generation gen.
func (c *entityCache) fillEdge(e *Edge, gen uint64) {
	c.storeEdge(e)
	if c.gen.Load() != gen {
		c.edges.Delete(e.ID)
	}
}

func (c *entityCache) deleteNode(id NodeID) {
	c.gen.Add(1)
	c.nodes.Delete(id)
}

func (c *entityCache) deleteEdge(id EdgeID) {
	c.gen.Add(1)
	c.edges.Delete(id)
}

// occupancy returns the number of cached nodes plus edges.
func (c *entityCache) occupancy() int {
	return c.nodes.Size() + c.edges.Size()
}

func (c *entityCache) clear() {
	c.gen.Add(1)
	c.nodes.Clear()
	c.edges.Clear()
}

// ============================================================================
// Engine hooks, called after a successful commit
// ============================================================================

func (e *Engine) cacheOnNodeCreated(n *Node) {
	e.cache.storeNode(n)
	e.nodeCount.Add(1)
}

// cacheOnNodeUpdated evicts the node; the next read loads the committed
// version.
func (e *Engine) cacheOnNodeUpdated(id NodeID) {
	e.cache.deleteNode(id)
}

// cacheOnNodeDeleted evicts the node and every edge removed with it.
func (e *Engine) cacheOnNodeDeleted(id NodeID, cascaded []EdgeID) {
	e.cache.deleteNode(id)
	e.nodeCount.Add(-1)
	for _, edgeID := range cascaded {
		e.cache.deleteEdge(edgeID)
	}
	if n := int64(len(cascaded)); n > 0 {
		e.edgeCount.Add(-n)
	}
}

func (e *Engine) cacheOnEdgeCreated(edge *Edge) {
	e.cache.storeEdge(edge)
	e.edgeCount.Add(1)
}

func (e *Engine) cacheOnEdgeUpdated(id EdgeID) {
	e.cache.deleteEdge(id)
}

func (e *Engine) cacheOnEdgeDeleted(id EdgeID) {
	e.cache.deleteEdge(id)
	e.edgeCount.Add(-1)
}
