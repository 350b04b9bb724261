// Package cache implements the pipeline's flow-cache: a fingerprint
// memoization layer that lets a packet replay a previously computed
// instruction-set walk instead of re-running the table-by-table lookup,
// invalidated wholesale whenever the flow, group or meter tables change
// underneath it.
package cache

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/lagopus-go/dpcore/flowdb"
)

// Entry is one memoized lookup result: the chain of flows a packet's
// fingerprint walked through, tagged with the generation that was
// current when it was computed.
type Entry struct {
	Generation uint64
	Flows      []*flowdb.Flow
}

// Cache maps a packet fingerprint (see group.Hash) to the flow chain
// it last resolved to. A single atomic generation counter stands in for
// per-entry invalidation: bumping it on any FlowDB/GroupTable/MeterTable
// mutation makes every previously stored Entry stale without having to
// walk or clear the map, the same trade the teacher's xsync-backed
// tables make for id lookups.
type Cache struct {
	entries    *xsync.MapOf[uint64, Entry]
	generation atomic.Uint64
}

// New returns an empty cache at generation 1 (0 is reserved so a
// zero-value Entry never reads as current).
func New() *Cache {
	c := &Cache{entries: xsync.NewMapOf[uint64, Entry]()}
	c.generation.Store(1)
	return c
}

// Generation returns the cache's current generation.
func (c *Cache) Generation() uint64 {
	return c.generation.Load()
}

// Invalidate bumps the generation, making every entry stored under an
// older generation unreadable, and returns the new generation. Callers
// hold the write side of the update barrier (see the concurrency
// package) while the underlying table mutation that triggered this is
// still in effect, so there's no race between the bump and the mutation
// becoming visible.
func (c *Cache) Invalidate() uint64 {
	return c.generation.Add(1)
}

// Lookup returns the flow chain stored for hash, provided it was
// computed at the cache's current generation. A hit from a stale
// generation is treated as a miss.
func (c *Cache) Lookup(hash uint64) ([]*flowdb.Flow, bool) {
	e, ok := c.entries.Load(hash)
	if !ok || e.Generation != c.generation.Load() {
		return nil, false
	}
	return e.Flows, true
}

// Store records flows as the resolution for hash at the cache's current
// generation.
func (c *Cache) Store(hash uint64, flows []*flowdb.Flow) {
	c.entries.Store(hash, Entry{Generation: c.generation.Load(), Flows: flows})
}

// Len reports the number of entries currently stored, stale or not —
// exposed for telemetry rather than for correctness.
func (c *Cache) Len() int {
	return c.entries.Size()
}
