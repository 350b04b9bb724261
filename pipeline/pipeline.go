// Package pipeline is the per-packet engine: it classifies an ingress
// frame, walks the flow tables from table 0, executes the matched
// flows' instructions (metering, immediate actions, action-set writes,
// metadata, goto-table), and finally runs the accumulated action set to
// forward, rewrite, punt or drop the packet. A fingerprint cache lets a
// repeat packet replay its previous walk without touching the tables.
package pipeline

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/lagopus-go/dpcore/action"
	"github.com/lagopus-go/dpcore/cache"
	"github.com/lagopus-go/dpcore/flowdb"
	"github.com/lagopus-go/dpcore/group"
	"github.com/lagopus-go/dpcore/meter"
	"github.com/lagopus-go/dpcore/ofp"
)

const (
	// maxTableWalk bounds the goto-table chain for one packet.
	maxTableWalk = 64

	// maxGroupDepth bounds group chaining at packet time; installs are
	// loop-checked, but a bounded walk keeps a modify race from
	// spinning a worker.
	maxGroupDepth = 16
)

var meterRemark = meter.RemarkDSCP

// OOB is the out-of-band context a packet carries beside its buffer:
// where it came in and the pipeline metadata fields.
type OOB struct {
	InPort    ofp.PortNo
	InPhyPort ofp.PortNo
	Metadata  uint64
	TunnelID  uint64

	// PacketType is the ONF (namespace << 16) | type tuple; the zero
	// value is ONF/ETHERNET, which every frame entering through
	// PacketIO carries until an encap/decap action changes it.
	PacketType uint32
}

// PhyPort returns the physical ingress port, defaulting to the logical
// one when the packet did not arrive through a logical port.
func (o OOB) PhyPort() ofp.PortNo {
	if o.InPhyPort != 0 {
		return o.InPhyPort
	}
	return o.InPort
}

// Emit is one egress frame produced by a pipeline run.
type Emit struct {
	Port  ofp.PortNo
	Queue ofp.Queue
	Frame []byte
}

// Result collects everything one packet's run produced.
type Result struct {
	Emits     []Emit
	PacketIns []*ofp.PacketIn
	CacheHit  bool
	Dropped   bool
}

// PortSet is the view of the bridge's ports the pipeline needs:
// liveness for fast-failover buckets and the forwarding set for
// FLOOD/ALL output.
type PortSet interface {
	group.PortState
	ForwardingPorts() []ofp.PortNo
}

// Pipeline wires the per-packet engine to the tables it reads. All
// fields are set once at bridge construction; Run is safe for
// concurrent use under the bridge's read lock.
type Pipeline struct {
	DB     *flowdb.DB
	Groups *group.Table
	Meters *meter.Table
	Cache  *cache.Cache
	Ports  PortSet

	// Standalone enables the fail-standalone fallback: a table-miss in
	// table 0 floods (or calls Normal) instead of dropping.
	Standalone bool

	// Normal, when set, handles OFPP_NORMAL output and the standalone
	// fallback; when unset both flood to every forwarding port except
	// the ingress one.
	Normal func(frame []byte, inPort ofp.PortNo) []Emit

	// Now overrides the metering clock; nil means time.Now.
	Now func() time.Time

	// ExperimenterHook handles OFPAT_EXPERIMENTER actions; unset means
	// the action is a no-op.
	ExperimenterHook func(experimenter uint32, frame []byte)

	Log *zerolog.Logger
}

// Run pushes one frame through the pipeline and returns what came out.
func (p *Pipeline) Run(frame []byte, oob OOB) *Result {
	res := &Result{}
	ex := &executor{p: p, frame: frame, oob: oob, res: res}
	ex.reclassify()

	fp := ex.fingerprint()
	if p.Cache != nil {
		if flows, ok := p.Cache.Lookup(fp); ok {
			res.CacheHit = true
			p.replay(ex, flows)
			p.finish(ex, len(flows) > 0)
			return res
		}
	}

	matched := p.walk(ex)
	p.finish(ex, len(matched) > 0)

	if p.Cache != nil && !ex.stopped && len(matched) > 0 {
		p.Cache.Store(fp, matched)
	}
	return res
}

// walk runs the table-by-table lookup loop, returning the flows the
// packet matched in order.
func (p *Pipeline) walk(ex *executor) []*flowdb.Flow {
	var matched []*flowdb.Flow
	set := action.NewSet()

	for {
		tableID := ofp.Table(0)
		for i := 0; i < maxTableWalk; i++ {
			t := p.DB.Table(tableID)
			if t == nil {
				break
			}
			f := t.Lookup(ex.fields())
			if f == nil {
				// Table miss: drop, unless the caller configured the
				// standalone fallback and nothing matched at all.
				break
			}
			matched = append(matched, f)
			ex.current = f
			ex.tableID = tableID

			next, hasGoto := p.execInstructions(ex, f, set)
			if ex.stopped {
				return matched
			}
			if !hasGoto {
				goto done
			}
			tableID = next
		}
	done:
		set.Execute(ex)
		if !ex.restart {
			break
		}
		// OFPP_TABLE resubmission: run the (possibly rewritten) frame
		// through the pipeline once more from table 0.
		ex.restart = false
		ex.current = nil
		set.Clear()
	}
	return matched
}

// replay re-executes a cached flow chain: counters move exactly as a
// cold walk would move them, but table lookups and goto-table
// bookkeeping are skipped since the chain is already linear.
func (p *Pipeline) replay(ex *executor, flows []*flowdb.Flow) {
	set := action.NewSet()
	for _, f := range flows {
		if t := p.DB.Table(f.Table); t != nil {
			t.NoteCachedHit(f)
		}
		ex.current = f
		ex.tableID = f.Table

		p.execInstructions(ex, f, set)
		if ex.stopped {
			return
		}
	}
	set.Execute(ex)
}

// execInstructions dispatches one flow's instructions in the fixed
// order meter, apply-actions, clear-actions, write-actions,
// write-metadata, goto-table. It returns the goto target, if any.
func (p *Pipeline) execInstructions(ex *executor, f *flowdb.Flow, set *action.Set) (ofp.Table, bool) {
	var apply *ofp.InstructionApplyActions
	var write *ofp.InstructionWriteActions
	var wmeta *ofp.InstructionWriteMetadata
	var gotoTable *ofp.InstructionGotoTable
	var meterInst *ofp.InstructionMeter
	clear := false

	for _, inst := range f.Instructions {
		switch it := inst.(type) {
		case *ofp.InstructionMeter:
			meterInst = it
		case *ofp.InstructionApplyActions:
			apply = it
		case *ofp.InstructionClearActions:
			clear = true
		case *ofp.InstructionWriteActions:
			write = it
		case *ofp.InstructionWriteMetadata:
			wmeta = it
		case *ofp.InstructionGotoTable:
			gotoTable = it
		}
	}

	if meterInst != nil && p.Meters != nil {
		if m, ok := p.Meters.Get(meterInst.Meter); ok {
			now := time.Now()
			if p.Now != nil {
				now = p.Now()
			}
			color, prec := m.Police(len(ex.frame), now)
			switch color {
			case meter.ColorRed:
				if p.Log != nil {
					p.Log.Debug().Uint32("meter", uint32(m.ID)).Msg("meter drop")
				}
				ex.stopped = true
				return 0, false
			case meter.ColorYellow:
				ex.remarkDSCP(prec)
			}
		}
	}

	// A meter-dropped packet never counts against the flow.
	f.Account(len(ex.frame))

	if apply != nil {
		action.ApplyActions(apply.Actions, ex)
		if ex.stopped {
			return 0, false
		}
	}
	if clear {
		set.Clear()
	}
	if write != nil {
		set.WriteAll(write.Actions)
	}
	if wmeta != nil {
		mask := wmeta.MetadataMask
		ex.oob.Metadata = ex.oob.Metadata&^mask | wmeta.Metadata&mask
		ex.fieldList = nil
	}
	if gotoTable != nil {
		return gotoTable.Table, true
	}
	return 0, false
}

// finish settles the run: a packet that matched nothing either drops
// (secure mode) or falls back to normal forwarding (standalone mode);
// a packet whose actions emitted nothing is a drop.
func (p *Pipeline) finish(ex *executor, hadMatch bool) {
	if !hadMatch && !ex.stopped && p.Standalone {
		if p.Normal != nil {
			ex.res.Emits = append(ex.res.Emits, p.Normal(ex.cloneFrame(), ex.oob.InPort)...)
		} else {
			ex.flood()
		}
	}
	if len(ex.res.Emits) == 0 && len(ex.res.PacketIns) == 0 {
		ex.res.Dropped = true
	}
}

// execGroup fans a packet out according to a group's type. Every
// bucket runs over its own copy of the frame, so one bucket's header
// rewrites never leak into another's.
func (p *Pipeline) execGroup(ex *executor, id ofp.Group) {
	if p.Groups == nil || ex.depth >= maxGroupDepth {
		return
	}
	g, ok := p.Groups.Get(id)
	if !ok {
		return
	}

	buckets := g.Select(ex.fingerprint(), p.Ports, p.Groups)
	if len(buckets) == 0 {
		return
	}
	g.AccountPacket(len(ex.frame))

	for _, b := range buckets {
		clone := &executor{
			p:       p,
			frame:   ex.cloneFrame(),
			oob:     ex.oob,
			res:     ex.res,
			current: ex.current,
			tableID: ex.tableID,
			depth:   ex.depth + 1,
		}
		clone.reclassify()

		set := action.NewSet()
		set.WriteAll(b.Actions)
		set.Execute(clone)
		b.Account(len(ex.frame))
	}
}
