package graph

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Stats is a point-in-time view of engine counters.
type Stats struct {
	NodeCount      int64  `json:"node_count"`
	EdgeCount      int64  `json:"edge_count"`
	CacheOccupancy int    `json:"cache_occupancy"`
	CacheHits      uint64 `json:"cache_hits"`
	CacheMisses    uint64 `json:"cache_misses"`
}

// Statistics returns entity counts and cache occupancy. It does not touch
// the store.
func (e *Engine) Statistics() Stats {
	return Stats{
		NodeCount:      e.nodeCount.Load(),
		EdgeCount:      e.edgeCount.Load(),
		CacheOccupancy: e.cache.occupancy(),
		CacheHits:      e.cache.hits.Get(),
		CacheMisses:    e.cache.misses.Get(),
	}
}

// NodeCount returns the number of stored nodes.
func (e *Engine) NodeCount() int64 {
	return e.nodeCount.Load()
}

// EdgeCount returns the number of stored edges.
func (e *Engine) EdgeCount() int64 {
	return e.edgeCount.Load()
}

// engineMetrics is the per-engine metrics set. Every engine owns its own
// set, so several engines in one process don't collide on metric names.
type engineMetrics struct {
	set *metrics.Set

	commits         *metrics.Counter
	commitFailures  *metrics.Counter
	commitConflicts *metrics.Counter
	queries         *metrics.Counter
	queryErrors     *metrics.Counter
	queryDuration   *metrics.Histogram
}

func newEngineMetrics(e *Engine, set *metrics.Set) *engineMetrics {
	set.NewGauge("graphstore_nodes", func() float64 {
		return float64(e.nodeCount.Load())
	})
	set.NewGauge("graphstore_edges", func() float64 {
		return float64(e.edgeCount.Load())
	})
	set.NewGauge("graphstore_cache_entries", func() float64 {
		return float64(e.cache.occupancy())
	})

	return &engineMetrics{
		set:             set,
		commits:         set.NewCounter(`graphstore_commits_total{result="ok"}`),
		commitFailures:  set.NewCounter(`graphstore_commits_total{result="error"}`),
		commitConflicts: set.NewCounter(`graphstore_commits_total{result="conflict"}`),
		queries:         set.NewCounter(`graphstore_queries_total{result="ok"}`),
		queryErrors:     set.NewCounter(`graphstore_queries_total{result="error"}`),
		queryDuration:   set.NewHistogram("graphstore_query_duration_seconds"),
	}
}

// WriteMetrics writes the engine metrics to w in Prometheus text format.
func (e *Engine) WriteMetrics(w io.Writer) {
	e.metrics.set.WritePrometheus(w)
}
