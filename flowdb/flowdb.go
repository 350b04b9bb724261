// Package flowdb implements the per-table flow store: priority-ordered
// flow entries, add/modify/delete against the overlap, prerequisite and
// mask rules OpenFlow flow-mod validation requires, and the multipart
// flow/aggregate statistics replies read back out of it.
package flowdb

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lagopus-go/dpcore/action"
	"github.com/lagopus-go/dpcore/lerr"
	"github.com/lagopus-go/dpcore/ofp"
	"github.com/lagopus-go/dpcore/oxm"
)

// Flow is a single installed flow entry. Counters are atomic so the
// pipeline can account a hit without taking the table lock. Match is
// immutable after insertion; an add with the same match and priority
// replaces the Flow wholesale, while a modify rewrites Instructions in
// place under the flow's own mutex.
type Flow struct {
	Cookie       uint64
	Table        ofp.Table
	Priority     uint16
	Match        ofp.Match
	Instructions ofp.Instructions
	IdleTimeout  uint16
	HardTimeout  uint16
	Flags        ofp.FlowModFlag

	mu          sync.RWMutex
	created     time.Time
	lastHit     atomic.Int64
	packetCount atomic.Uint64
	byteCount   atomic.Uint64
}

func newFlow(fm *ofp.FlowMod) *Flow {
	f := &Flow{
		Cookie:       fm.Cookie,
		Table:        fm.Table,
		Priority:     fm.Priority,
		Match:        fm.Match,
		Instructions: fm.Instructions,
		IdleTimeout:  fm.IdleTimeout,
		HardTimeout:  fm.HardTimeout,
		Flags:        fm.Flags,
		created:      time.Now(),
	}
	f.lastHit.Store(f.created.UnixNano())
	return f
}

// Duration reports how long the flow has existed.
func (f *Flow) Duration() time.Duration {
	return time.Since(f.created)
}

// Idle reports how long it has been since the flow was last matched.
func (f *Flow) Idle() time.Duration {
	return time.Since(time.Unix(0, f.lastHit.Load()))
}

// Account records a packet of packetLen bytes as having hit the flow.
func (f *Flow) Account(packetLen int) {
	f.packetCount.Add(1)
	f.byteCount.Add(uint64(packetLen))
	f.lastHit.Store(time.Now().UnixNano())
}

// Stats returns the flow's cumulative packet and byte counts.
func (f *Flow) Stats() (packets, bytes uint64) {
	return f.packetCount.Load(), f.byteCount.Load()
}

// CounterValues returns the counters as they go on the wire: flows
// installed with the no-packet-counts or no-byte-counts flags report
// all-ones for the suppressed counter.
func (f *Flow) CounterValues() (packets, bytes uint64) {
	packets, bytes = f.Stats()
	if f.Flags&ofp.FlowFlagNoPktCounts != 0 {
		packets = ^uint64(0)
	}
	if f.Flags&ofp.FlowFlagNoByteCounts != 0 {
		bytes = ^uint64(0)
	}
	return packets, bytes
}

// expired reports whether the flow's idle or hard timeout has elapsed.
func (f *Flow) expired() bool {
	if f.HardTimeout != 0 && f.Duration() >= time.Duration(f.HardTimeout)*time.Second {
		return true
	}
	if f.IdleTimeout != 0 && f.Idle() >= time.Duration(f.IdleTimeout)*time.Second {
		return true
	}
	return false
}

// refersTo reports whether the flow's write-actions set or its
// apply-actions direct packets to the given port or group, used by
// flow-delete's
// out_port/out_group filter. ofp.PortAny/ofp.GroupAny mean "no
// restriction" and always match.
func (f *Flow) refersTo(outPort ofp.PortNo, outGroup ofp.Group) bool {
	if outPort == ofp.PortAny && outGroup == ofp.GroupAny {
		return true
	}

	set := action.NewSet()
	for _, inst := range f.Instructions {
		switch it := inst.(type) {
		case *ofp.InstructionWriteActions:
			set.WriteAll(it.Actions)
		case *ofp.InstructionApplyActions:
			// APPLY_ACTIONS actions are not part of the action set, but
			// the wire spec still has delete filters inspect them for
			// an immediate OUTPUT/GROUP reference.
			for _, a := range it.Actions {
				switch act := a.(type) {
				case *ofp.ActionOutput:
					if outPort != ofp.PortAny && act.Port == outPort {
						return true
					}
				case *ofp.ActionGroup:
					if outGroup != ofp.GroupAny && act.Group == outGroup {
						return true
					}
				}
			}
		}
	}

	if outPort != ofp.PortAny {
		if p, ok := set.HasOutput(); ok && p == outPort {
			return true
		}
	}
	if outGroup != ofp.GroupAny {
		if g, ok := set.HasGroup(); ok && g == outGroup {
			return true
		}
	}
	return false
}

// refersToGroup reports whether the flow's action set or apply-actions
// send packets to group id, used when a group is deleted to find flows
// that must be evicted with FlowReasonGroupDelete.
func (f *Flow) refersToGroup(id ofp.Group) bool {
	return f.refersTo(ofp.PortAny, id)
}

// matchSubset reports whether every field in sub is present with an
// equal value and an equal mask in super — the "non-strict" flow-mod match semantics: a candidate flow
// matches a modify/delete request's match m when m's fields are a
// subset of the flow's own fields.
func matchSubset(sub, super ofp.Match) bool {
	for _, want := range sub.Fields {
		found := false
		for _, have := range super.Fields {
			if have.Type != want.Type {
				continue
			}
			if !valueMaskEqual(want, have) {
				return false
			}
			found = true
			break
		}
		if !found {
			return false
		}
	}
	return true
}

func valueMaskEqual(a, b ofp.XM) bool {
	return bytesEqual(a.Value, b.Value) && bytesEqual(a.Mask, b.Mask)
}

func bytesEqual(a, b ofp.XMValue) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// matchEqual reports whether two matches have exactly the same set of
// fields with the same values and masks — used for strict matching and
// for FlowFlagCheckOverlap's identical-match detection.
func matchEqual(a, b ofp.Match) bool {
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	return matchSubset(a, b) && matchSubset(b, a)
}

// overlaps reports whether two matches could both match some common
// packet: every field the two matches have in common must agree, and
// neither match may define a field absent from the other without that
// being a point of possible overlap (wildcarded fields always overlap).
func overlaps(a, b ofp.Match) bool {
	for _, fa := range a.Fields {
		for _, fb := range b.Fields {
			if fa.Type != fb.Type {
				continue
			}
			if !valueMaskEqual(fa, fb) {
				return false
			}
		}
	}
	return true
}

// validate checks an incoming match against the OXM prerequisite and
// maskability rules before a flow referencing it is inserted.
func validate(m ofp.Match) error {
	for i, xm := range m.Fields {
		for _, prior := range m.Fields[:i] {
			if prior.Type == xm.Type {
				return lerr.OFP(ofp.ErrTypeBadMatch, ofp.ErrCodeBadMatchDupField,
					"flowdb: duplicate match field")
			}
		}
		if !oxm.PrereqsMet(xm.Type, m.Fields) {
			return lerr.OFP(ofp.ErrTypeBadMatch, ofp.ErrCodeBadMatchBadPrereq,
				"flowdb: match field missing prerequisite")
		}
		if !oxm.ValidateMask(xm.Type, xm.Mask) {
			return lerr.OFP(ofp.ErrTypeBadMatch, ofp.ErrCodeBadMatchBadWildcards,
				"flowdb: match field mask invalid for its type")
		}
		if len(xm.Mask) == len(xm.Value) {
			for i := range xm.Value {
				if xm.Value[i]&^xm.Mask[i] != 0 {
					return lerr.OFP(ofp.ErrTypeBadMatch, ofp.ErrCodeBadMatchBadWildcards,
						"flowdb: match value has bits outside its mask")
				}
			}
		}
	}
	return nil
}

// Table is a single flow table: a priority-ordered list of flows,
// consulted highest priority first.
type Table struct {
	id ofp.Table

	mu    sync.RWMutex
	flows []*Flow

	lookupCount  atomic.Uint64
	matchedCount atomic.Uint64

	log *zerolog.Logger
}

func newTable(id ofp.Table, log *zerolog.Logger) *Table {
	return &Table{id: id, log: log}
}

// ID returns the table's number.
func (t *Table) ID() ofp.Table { return t.id }

// Lookup returns the highest-priority flow whose match is satisfied by
// the packet fields in pkt (a fully-populated OXM field list describing
// the packet, built by the pipeline from its Classification), or nil on
// a table miss.
func (t *Table) Lookup(pkt []ofp.XM) *Flow {
	t.lookupCount.Add(1)

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, f := range t.flows {
		if flowMatchesPacket(f.Match, pkt) {
			if f.Priority > 0 {
				t.matchedCount.Add(1)
			}
			return f
		}
	}
	return nil
}

func flowMatchesPacket(m ofp.Match, pkt []ofp.XM) bool {
	for _, want := range m.Fields {
		have := fieldByType(pkt, want.Type)
		if have == nil {
			return false
		}
		if !valueMatches(want, *have) {
			return false
		}
	}
	return true
}

func fieldByType(fs []ofp.XM, t ofp.XMType) *ofp.XM {
	for i := range fs {
		if fs[i].Type == t {
			return &fs[i]
		}
	}
	return nil
}

func valueMatches(want, have ofp.XM) bool {
	if len(want.Mask) == 0 {
		return bytesEqual(want.Value, have.Value)
	}
	if len(want.Mask) != len(want.Value) || len(want.Mask) != len(have.Value) {
		return false
	}
	for i := range want.Mask {
		if want.Value[i]&want.Mask[i] != have.Value[i]&want.Mask[i] {
			return false
		}
	}
	return true
}

// resort keeps t.flows ordered from highest to lowest priority; ties
// keep insertion order (stable sort), matching the oldest-wins
// tie-break a linear first-match scan implies.
func (t *Table) resort() {
	sort.SliceStable(t.flows, func(i, j int) bool {
		return t.flows[i].Priority > t.flows[j].Priority
	})
}

// Add inserts a new flow. It enforces FlowFlagCheckOverlap when
// requested, and otherwise replaces any flow with an identical match
// and priority (OpenFlow's implicit non-overlap-checked add-over-add
// semantics).
func (t *Table) Add(fm *ofp.FlowMod) error {
	if err := validate(fm.Match); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, f := range t.flows {
		if fm.Flags&ofp.FlowFlagCheckOverlap != 0 &&
			f.Priority == fm.Priority && overlaps(f.Match, fm.Match) {
			return lerr.OFP(ofp.ErrTypeFlowModFailed, ofp.ErrCodeFlowModFailedOverlap,
				"flowdb: overlapping flow at same priority")
		}
		if f.Priority == fm.Priority && matchEqual(f.Match, fm.Match) {
			t.flows[i] = newFlow(fm)
			return nil
		}
	}

	t.flows = append(t.flows, newFlow(fm))
	t.resort()
	if t.log != nil {
		t.log.Debug().Uint8("table", uint8(t.id)).Uint16("priority", fm.Priority).Msg("flow added")
	}
	return nil
}

// cookieMatches applies the flow mod's cookie/cookie_mask filter; a
// zero mask means no restriction.
func cookieMatches(f *Flow, fm *ofp.FlowMod) bool {
	return fm.CookieMask == 0 ||
		f.Cookie&fm.CookieMask == fm.Cookie&fm.CookieMask
}

// modifyMatch rewrites the instructions (and, if resetCounts is set,
// the counters) of every flow matching m; strict restricts the search
// to an exact (match, priority) pair.
func (t *Table) modifyMatch(m ofp.Match, priority uint16, strict bool, fm *ofp.FlowMod) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, f := range t.flows {
		if strict {
			if f.Priority != priority || !matchEqual(f.Match, m) {
				continue
			}
		} else if !matchSubset(m, f.Match) {
			continue
		}
		if !cookieMatches(f, fm) {
			continue
		}

		f.mu.Lock()
		f.Instructions = fm.Instructions
		if fm.Flags&ofp.FlowFlagResetCounts != 0 {
			f.packetCount.Store(0)
			f.byteCount.Store(0)
		}
		f.mu.Unlock()
		n++
	}
	return n
}

// Modify rewrites the instructions of flows matching fm.Match
// (non-strict: subset matching across wildcards).
func (t *Table) Modify(fm *ofp.FlowMod) error {
	if err := validate(fm.Match); err != nil {
		return err
	}
	t.modifyMatch(fm.Match, fm.Priority, false, fm)
	return nil
}

// ModifyStrict rewrites the instructions of the flow with an exactly
// matching (match, priority) pair.
func (t *Table) ModifyStrict(fm *ofp.FlowMod) error {
	if err := validate(fm.Match); err != nil {
		return err
	}
	t.modifyMatch(fm.Match, fm.Priority, true, fm)
	return nil
}

// Evicted describes a flow removed from a table, paired with the
// reason a FlowRemoved notification (when requested) should carry.
type Evicted struct {
	Flow   *Flow
	Table  ofp.Table
	Reason ofp.FlowRemovedReason
}

// deleteMatch removes every flow matching fm (or, if strict, the exact
// (match, priority) pair) whose cookie and out_port/out_group filters
// are satisfied, and returns the evicted flows for FlowRemoved
// notification.
func (t *Table) deleteMatch(fm *ofp.FlowMod, strict bool) []Evicted {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.flows[:0:0]
	var evicted []Evicted
	for _, f := range t.flows {
		match := false
		if strict {
			match = f.Priority == fm.Priority && matchEqual(f.Match, fm.Match)
		} else {
			match = matchSubset(fm.Match, f.Match)
		}

		if match && cookieMatches(f, fm) && f.refersTo(fm.OutPort, fm.OutGroup) {
			evicted = append(evicted, Evicted{Flow: f, Table: t.id, Reason: ofp.FlowReasonDelete})
			continue
		}
		kept = append(kept, f)
	}
	t.flows = kept
	return evicted
}

// Delete removes flows matching fm.Match (non-strict), honoring
// fm.Cookie/fm.CookieMask and fm.OutPort/fm.OutGroup restrictions.
func (t *Table) Delete(fm *ofp.FlowMod) []Evicted {
	return t.deleteMatch(fm, false)
}

// DeleteStrict removes the flow with an exactly matching (match,
// priority) pair, honoring the same filters as Delete.
func (t *Table) DeleteStrict(fm *ofp.FlowMod) []Evicted {
	return t.deleteMatch(fm, true)
}

// DeleteByGroup evicts every flow in the table that references group
// id in its action set, used when that group is deleted.
func (t *Table) DeleteByGroup(id ofp.Group) []Evicted {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.flows[:0:0]
	var evicted []Evicted
	for _, f := range t.flows {
		if f.refersToGroup(id) {
			evicted = append(evicted, Evicted{Flow: f, Table: t.id, Reason: ofp.FlowReasonGroupDelete})
			continue
		}
		kept = append(kept, f)
	}
	t.flows = kept
	return evicted
}

// ExpireTimeouts removes and returns every flow whose idle or hard
// timeout has elapsed, for the periodic aging sweep.
func (t *Table) ExpireTimeouts() []Evicted {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.flows[:0:0]
	var evicted []Evicted
	for _, f := range t.flows {
		if f.expired() {
			reason := ofp.FlowReasonIdleTimeout
			if f.HardTimeout != 0 && f.Duration() >= time.Duration(f.HardTimeout)*time.Second {
				reason = ofp.FlowReasonHardTimeout
			}
			evicted = append(evicted, Evicted{Flow: f, Table: t.id, Reason: reason})
			continue
		}
		kept = append(kept, f)
	}
	t.flows = kept
	return evicted
}

// NoteCachedHit accounts a flow-cache replay against the table's
// lookup and matched counters, so warm and cold runs of the same packet
// move the counters identically.
func (t *Table) NoteCachedHit(f *Flow) {
	t.lookupCount.Add(1)
	if f.Priority > 0 {
		t.matchedCount.Add(1)
	}
}

// MeterID returns the meter referenced by the flow's InstructionMeter,
// or false when the flow is not metered.
func (f *Flow) MeterID() (ofp.Meter, bool) {
	for _, inst := range f.Instructions {
		if im, ok := inst.(*ofp.InstructionMeter); ok {
			return im.Meter, true
		}
	}
	return 0, false
}

// DeleteByMeter evicts every flow in the table whose InstructionMeter
// references meter id, used when that meter is deleted.
func (t *Table) DeleteByMeter(id ofp.Meter) []Evicted {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.flows[:0:0]
	var evicted []Evicted
	for _, f := range t.flows {
		if m, ok := f.MeterID(); ok && m == id {
			evicted = append(evicted, Evicted{Flow: f, Table: t.id, Reason: ofp.FlowReasonDelete})
			continue
		}
		kept = append(kept, f)
	}
	t.flows = kept
	return evicted
}

// Flows returns a snapshot of the table's flow list in priority order.
func (t *Table) Flows() []*Flow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Flow(nil), t.flows...)
}

// Count returns the number of flows currently installed.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.flows)
}

// Stats returns the FlowStats entries for flows matching req.
func (t *Table) Stats(req *ofp.FlowStatsRequest) []ofp.FlowStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []ofp.FlowStats
	for _, f := range t.flows {
		if !matchSubset(req.Match, f.Match) {
			continue
		}
		if !f.refersTo(req.OutPort, req.OutGroup) {
			continue
		}
		if req.CookieMask != 0 && f.Cookie&req.CookieMask != req.Cookie&req.CookieMask {
			continue
		}

		packets, bytes := f.CounterValues()
		dur := f.Duration()
		out = append(out, ofp.FlowStats{
			Table:        t.id,
			DurationSec:  uint32(dur.Seconds()),
			DurationNSec: uint32(dur.Nanoseconds() % 1e9),
			Priority:     f.Priority,
			IdleTimeout:  f.IdleTimeout,
			HardTimeout:  f.HardTimeout,
			Flags:        f.Flags,
			Cookie:       f.Cookie,
			PacketCount:  packets,
			ByteCount:    bytes,
			Match:        f.Match,
			Instructions: f.Instructions,
		})
	}
	return out
}

// Aggregate returns the aggregate packet/byte/flow counts for flows
// matching req.
func (t *Table) Aggregate(req *ofp.AggregateStatsRequest) ofp.AggregateStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var agg ofp.AggregateStats
	for _, f := range t.flows {
		if !matchSubset(req.Match, f.Match) {
			continue
		}
		if !f.refersTo(req.OutPort, req.OutGroup) {
			continue
		}
		if req.CookieMask != 0 && f.Cookie&req.CookieMask != req.Cookie&req.CookieMask {
			continue
		}

		packets, bytes := f.Stats()
		agg.PacketCount += packets
		agg.ByteCount += bytes
		agg.FlowCount++
	}
	return agg
}

// DB is the complete set of flow tables for one bridge, indexed by
// table number 0..TableMax.
type DB struct {
	tables []*Table
	log    *zerolog.Logger
}

// New creates a DB with n tables (0..n-1), n capped to ofp.TableMax+1.
func New(n int, log *zerolog.Logger) *DB {
	if n > int(ofp.TableMax)+1 {
		n = int(ofp.TableMax) + 1
	}
	db := &DB{tables: make([]*Table, n), log: log}
	for i := range db.tables {
		db.tables[i] = newTable(ofp.Table(i), log)
	}
	return db
}

// Table returns the table with the given id, or nil if out of range.
func (db *DB) Table(id ofp.Table) *Table {
	if int(id) >= len(db.tables) {
		return nil
	}
	return db.tables[id]
}

// Tables returns every table in the DB, in table-number order.
func (db *DB) Tables() []*Table {
	return db.tables
}

// Apply dispatches a flow mod to the right table(s) based on its
// command, returning any flows that must be announced as removed.
func (db *DB) Apply(fm *ofp.FlowMod) ([]Evicted, error) {
	switch fm.Command {
	case ofp.FlowAdd:
		t := db.Table(fm.Table)
		if t == nil {
			return nil, lerr.OFP(ofp.ErrTypeFlowModFailed, ofp.ErrCodeFlowModFailedBadTableID, "flowdb: unknown table")
		}
		return nil, t.Add(fm)

	case ofp.FlowModify:
		return nil, db.forTables(fm.Table, func(t *Table) error { return t.Modify(fm) })

	case ofp.FlowModifyStrict:
		return nil, db.forTables(fm.Table, func(t *Table) error { return t.ModifyStrict(fm) })

	case ofp.FlowDelete:
		var evicted []Evicted
		err := db.forTables(fm.Table, func(t *Table) error {
			evicted = append(evicted, t.Delete(fm)...)
			return nil
		})
		return evicted, err

	case ofp.FlowDeleteStrict:
		var evicted []Evicted
		err := db.forTables(fm.Table, func(t *Table) error {
			evicted = append(evicted, t.DeleteStrict(fm)...)
			return nil
		})
		return evicted, err
	}

	return nil, lerr.OFP(ofp.ErrTypeFlowModFailed, ofp.ErrCodeFlowModFailedBadCommand, "flowdb: unknown flow mod command")
}

func (db *DB) forTables(id ofp.Table, fn func(*Table) error) error {
	if id == ofp.TableAll {
		for _, t := range db.tables {
			if err := fn(t); err != nil {
				return err
			}
		}
		return nil
	}
	t := db.Table(id)
	if t == nil {
		return lerr.OFP(ofp.ErrTypeFlowModFailed, ofp.ErrCodeFlowModFailedBadTableID, "flowdb: unknown table")
	}
	return fn(t)
}

// DeleteByGroup evicts flows referencing group id from every table,
// for the bridge to announce as FlowReasonGroupDelete removals.
func (db *DB) DeleteByGroup(id ofp.Group) []Evicted {
	var evicted []Evicted
	for _, t := range db.tables {
		evicted = append(evicted, t.DeleteByGroup(id)...)
	}
	return evicted
}

// DeleteByMeter evicts flows referencing meter id from every table.
func (db *DB) DeleteByMeter(id ofp.Meter) []Evicted {
	var evicted []Evicted
	for _, t := range db.tables {
		evicted = append(evicted, t.DeleteByMeter(id)...)
	}
	return evicted
}

// ExpireTimeouts sweeps every table for timed-out flows.
func (db *DB) ExpireTimeouts() []Evicted {
	var evicted []Evicted
	for _, t := range db.tables {
		evicted = append(evicted, t.ExpireTimeouts()...)
	}
	return evicted
}

// Stats returns FlowStats across the table(s) req.Table names.
func (db *DB) Stats(req *ofp.FlowStatsRequest) []ofp.FlowStats {
	var out []ofp.FlowStats
	if req.Table == ofp.TableAll {
		for _, t := range db.tables {
			out = append(out, t.Stats(req)...)
		}
		return out
	}
	if t := db.Table(req.Table); t != nil {
		out = append(out, t.Stats(req)...)
	}
	return out
}

// Aggregate returns the aggregate stats across the table(s) req.Table
// names.
func (db *DB) Aggregate(req *ofp.AggregateStatsRequest) ofp.AggregateStats {
	var agg ofp.AggregateStats
	if req.Table == ofp.TableAll {
		for _, t := range db.tables {
			s := t.Aggregate(req)
			agg.PacketCount += s.PacketCount
			agg.ByteCount += s.ByteCount
			agg.FlowCount += s.FlowCount
		}
		return agg
	}
	if t := db.Table(req.Table); t != nil {
		agg = t.Aggregate(req)
	}
	return agg
}

// TableFeatures returns the read-only per-table feature descriptions
// for the TableFeatures multipart reply.
func (db *DB) TableFeatures() []ofp.TableFeatures {
	out := make([]ofp.TableFeatures, len(db.tables))
	for i, t := range db.tables {
		out[i] = ofp.TableFeatures{
			Table:         t.id,
			Name:          fmt.Sprintf("table%d", i),
			MetadataMatch: ^uint64(0),
			MetadataWrite: ^uint64(0),
			MaxEntries:    1 << 16,
		}
	}
	return out
}

// TableStats returns the per-table occupancy/lookup/match counts for
// the TableStats multipart reply.
func (db *DB) TableStats() []ofp.TableStats {
	out := make([]ofp.TableStats, len(db.tables))
	for i, t := range db.tables {
		out[i] = ofp.TableStats{
			Table:        t.id,
			ActiveCount:  uint32(t.Count()),
			LookupCount:  t.lookupCount.Load(),
			MatchedCount: t.matchedCount.Load(),
		}
	}
	return out
}
