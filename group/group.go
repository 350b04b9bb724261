// Package group implements the OpenFlow group table: ALL, SELECT,
// INDIRECT and FAST_FAILOVER group semantics, bucket liveness (watch_port
// / watch_group), chaining-loop rejection on add/modify, and the
// cumulative per-group/per-bucket counters surfaced through multipart
// group-stats and group-desc replies.
package group

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/lagopus-go/dpcore/lerr"
	"github.com/lagopus-go/dpcore/ofp"
)

// PortState reports whether a port is currently live, used to resolve
// FAST_FAILOVER bucket liveness without this package depending on the
// bridge's port management directly.
type PortState interface {
	PortLive(ofp.PortNo) bool
}

// Group is a single group-table entry.
type Group struct {
	ID      ofp.Group
	Type    ofp.GroupType
	Buckets []Bucket

	created time.Time
	mu      sync.RWMutex

	packetCount atomic.Uint64
	byteCount   atomic.Uint64
}

// Bucket pairs a wire Bucket with its own cumulative counters.
type Bucket struct {
	ofp.Bucket

	packetCount atomic.Uint64
	byteCount   atomic.Uint64
}

func newGroup(id ofp.Group, typ ofp.GroupType, buckets []ofp.Bucket) *Group {
	g := &Group{ID: id, Type: typ, created: time.Now()}
	g.Buckets = make([]Bucket, len(buckets))
	for i, b := range buckets {
		g.Buckets[i].Bucket = b
	}
	return g
}

// Duration returns how long the group has existed.
func (g *Group) Duration() time.Duration {
	return time.Since(g.created)
}

// Stats returns the group's cumulative packet and byte counts.
func (g *Group) Stats() (packets, bytes uint64) {
	return g.packetCount.Load(), g.byteCount.Load()
}

// bucketLive reports whether a bucket should be considered for selection: a
// bucket with no watch_port/watch_group is always live; otherwise it is
// live only if its watched port or group is live.
func (g *Group) bucketLive(b *Bucket, ports PortState, groups *Table) bool {
	if b.WatchPort != ofp.PortAny && b.WatchPort != 0 {
		if ports == nil || !ports.PortLive(b.WatchPort) {
			return false
		}
	}
	if b.WatchGroup != ofp.GroupAny && b.WatchGroup != 0 {
		watched, ok := groups.Get(b.WatchGroup)
		if !ok || !watched.IsLive(ports, groups) {
			return false
		}
	}
	return true
}

// IsLive reports whether a group currently has at least one live bucket
// (ALL/SELECT groups are always considered live if they have any
// bucket; FAST_FAILOVER groups require a genuinely live bucket).
func (g *Group) IsLive(ports PortState, groups *Table) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.Buckets) == 0 {
		return false
	}
	if g.Type != ofp.GroupTypeFastFailover {
		return true
	}
	for i := range g.Buckets {
		if g.bucketLive(&g.Buckets[i], ports, groups) {
			return true
		}
	}
	return false
}

// Select picks the bucket(s) a packet of the given entropy should be
// sent through, per the group's type:
//   - ALL: every bucket.
//   - SELECT: exactly one bucket, weighted by Bucket.Weight and chosen
//     deterministically from hash.
//   - INDIRECT: the (sole) bucket.
//   - FAST_FAILOVER: the first live bucket, in array order.
func (g *Group) Select(hash uint64, ports PortState, groups *Table) []*Bucket {
	g.mu.RLock()
	defer g.mu.RUnlock()

	switch g.Type {
	case ofp.GroupTypeAll:
		out := make([]*Bucket, len(g.Buckets))
		for i := range g.Buckets {
			out[i] = &g.Buckets[i]
		}
		return out

	case ofp.GroupTypeIndirect:
		if len(g.Buckets) == 0 {
			return nil
		}
		return []*Bucket{&g.Buckets[0]}

	case ofp.GroupTypeFastFailover:
		for i := range g.Buckets {
			if g.bucketLive(&g.Buckets[i], ports, groups) {
				return []*Bucket{&g.Buckets[i]}
			}
		}
		return nil

	case ofp.GroupTypeSelect:
		var total uint64
		for i := range g.Buckets {
			w := uint64(g.Buckets[i].Weight)
			if w == 0 {
				w = 1
			}
			total += w
		}
		if total == 0 {
			return nil
		}
		target := hash % total
		var acc uint64
		for i := range g.Buckets {
			w := uint64(g.Buckets[i].Weight)
			if w == 0 {
				w = 1
			}
			acc += w
			if target < acc {
				return []*Bucket{&g.Buckets[i]}
			}
		}
		return nil
	}
	return nil
}

// AccountPacket records one packet of packetLen bytes as having entered
// the group, regardless of how many buckets it fans out to.
func (g *Group) AccountPacket(packetLen int) {
	g.packetCount.Add(1)
	g.byteCount.Add(uint64(packetLen))
}

// Account records a packet of packetLen bytes as having been forwarded
// through this specific bucket.
func (b *Bucket) Account(packetLen int) {
	b.packetCount.Add(1)
	b.byteCount.Add(uint64(packetLen))
}

// Table is the per-bridge collection of groups, keyed by group id.
type Table struct {
	groups *xsync.MapOf[uint32, *Group]
	log    *zerolog.Logger
}

// NewTable creates an empty group table.
func NewTable(log *zerolog.Logger) *Table {
	return &Table{groups: xsync.NewMapOf[uint32, *Group](), log: log}
}

// Get returns the group for id, or nil if absent.
func (t *Table) Get(id ofp.Group) (*Group, bool) {
	return t.groups.Load(uint32(id))
}

// bucketRefs lists the groups a bucket chains into, through its
// watch_group and through any OFPAT_GROUP action it carries.
func bucketRefs(b ofp.Bucket) []ofp.Group {
	var refs []ofp.Group
	if b.WatchGroup != 0 && b.WatchGroup != ofp.GroupAny {
		refs = append(refs, b.WatchGroup)
	}
	for _, a := range b.Actions {
		if ag, ok := a.(*ofp.ActionGroup); ok {
			refs = append(refs, ag.Group)
		}
	}
	return refs
}

// hasLoop walks every group reachable from the candidate buckets
// through watch_group and OFPAT_GROUP references, and reports whether
// id would become reachable from itself. A watch_group naming the
// candidate directly counts as a loop too (see DESIGN.md Open
// Question 2).
func (t *Table) hasLoop(id ofp.Group, buckets []ofp.Bucket) bool {
	visited := make(map[ofp.Group]bool)

	var walk func(bs []ofp.Bucket) bool
	walk = func(bs []ofp.Bucket) bool {
		for _, b := range bs {
			for _, next := range bucketRefs(b) {
				if next == id {
					return true
				}
				if visited[next] {
					continue
				}
				visited[next] = true

				g, ok := t.Get(next)
				if !ok {
					continue
				}
				g.mu.RLock()
				chained := make([]ofp.Bucket, len(g.Buckets))
				for i := range g.Buckets {
					chained[i] = g.Buckets[i].Bucket
				}
				g.mu.RUnlock()
				if walk(chained) {
					return true
				}
			}
		}
		return false
	}
	return walk(buckets)
}

// Add installs a new group. It fails with lerr.AlreadyExists if id is
// already in use, and rejects buckets that would make id reachable from
// itself through watch_group or group-action references.
func (t *Table) Add(id ofp.Group, typ ofp.GroupType, buckets []ofp.Bucket) error {
	if id == 0 || id > ofp.GroupMax {
		return lerr.OFP(ofp.ErrTypeGroupModFailed, ofp.ErrCodeGroupModFailedInvalidGroup, "group: reserved or out-of-range group id")
	}
	if typ == ofp.GroupTypeIndirect && len(buckets) != 1 {
		return lerr.OFP(ofp.ErrTypeGroupModFailed, ofp.ErrCodeGroupModFailedInvalidGroup, "group: indirect group requires exactly one bucket")
	}
	if t.hasLoop(id, buckets) {
		return lerr.OFP(ofp.ErrTypeGroupModFailed, ofp.ErrCodeGroupModFailedLoop, "group: watch_group or group-action references form a loop")
	}

	g := newGroup(id, typ, buckets)
	_, loaded := t.groups.LoadOrStore(uint32(id), g)
	if loaded {
		return lerr.Newf(lerr.AlreadyExists, "group: %d already exists", id)
	}
	if t.log != nil {
		t.log.Debug().Uint32("group", uint32(id)).Str("type", groupTypeName(typ)).Msg("group added")
	}
	return nil
}

// Modify replaces an existing group's type and buckets in place, keeping
// the same Group identity for any flow or bucket already referencing it.
func (t *Table) Modify(id ofp.Group, typ ofp.GroupType, buckets []ofp.Bucket) error {
	g, ok := t.groups.Load(uint32(id))
	if !ok {
		return lerr.Newf(lerr.NotFound, "group: %d not found", id)
	}
	if t.hasLoop(id, buckets) {
		return lerr.OFP(ofp.ErrTypeGroupModFailed, ofp.ErrCodeGroupModFailedLoop, "group: watch_group or group-action references form a loop")
	}

	newBuckets := make([]Bucket, len(buckets))
	for i, b := range buckets {
		newBuckets[i].Bucket = b
	}

	g.mu.Lock()
	g.Type = typ
	g.Buckets = newBuckets
	g.mu.Unlock()
	return nil
}

// Delete removes a group. Deleting ofp.GroupAll removes every group.
func (t *Table) Delete(id ofp.Group) error {
	if id == ofp.GroupAll {
		t.groups.Range(func(k uint32, _ *Group) bool {
			t.groups.Delete(k)
			return true
		})
		return nil
	}

	if _, ok := t.groups.LoadAndDelete(uint32(id)); !ok {
		return lerr.Newf(lerr.NotFound, "group: %d not found", id)
	}
	return nil
}

// Desc returns the GroupDescStats replies for every group currently
// installed.
func (t *Table) Desc() []ofp.GroupDescStats {
	var out []ofp.GroupDescStats
	t.groups.Range(func(_ uint32, g *Group) bool {
		g.mu.RLock()
		buckets := make([]ofp.Bucket, len(g.Buckets))
		for i := range g.Buckets {
			buckets[i] = g.Buckets[i].Bucket
		}
		out = append(out, ofp.GroupDescStats{Type: g.Type, Group: g.ID, Buckets: buckets})
		g.mu.RUnlock()
		return true
	})
	return out
}

// Stats returns the GroupStats replies for id, or for every group when
// id is ofp.GroupAll.
func (t *Table) Stats(id ofp.Group) []ofp.GroupStats {
	collect := func(g *Group) ofp.GroupStats {
		g.mu.RLock()
		defer g.mu.RUnlock()

		packets, bytes := g.Stats()
		dur := g.Duration()
		counters := make([]ofp.BucketCounter, len(g.Buckets))
		for i := range g.Buckets {
			p, b := g.Buckets[i].packetCount.Load(), g.Buckets[i].byteCount.Load()
			counters[i] = ofp.BucketCounter{PacketCount: p, ByteCount: b}
		}

		return ofp.GroupStats{
			Group:        g.ID,
			PacketCount:  packets,
			ByteCount:    bytes,
			DurationSec:  uint32(dur.Seconds()),
			DurationNSec: uint32(dur.Nanoseconds() % 1e9),
			BucketStats:  counters,
		}
	}

	var out []ofp.GroupStats
	if id == ofp.GroupAll {
		t.groups.Range(func(_ uint32, g *Group) bool {
			out = append(out, collect(g))
			return true
		})
		return out
	}
	if g, ok := t.groups.Load(uint32(id)); ok {
		out = append(out, collect(g))
	}
	return out
}

func groupTypeName(t ofp.GroupType) string {
	switch t {
	case ofp.GroupTypeAll:
		return "all"
	case ofp.GroupTypeSelect:
		return "select"
	case ofp.GroupTypeIndirect:
		return "indirect"
	case ofp.GroupTypeFastFailover:
		return "fast-failover"
	default:
		return "unknown"
	}
}

// Hash computes a deterministic selection key for SELECT groups from a
// flow's 5-tuple-ish byte fields, using FNV-1a as the teacher codebase's
// own byte-oriented helpers never implement hashing themselves.
func Hash(fields ...[]byte) uint64 {
	h := fnv.New64a()
	for _, f := range fields {
		h.Write(f)
	}
	return h.Sum64()
}
