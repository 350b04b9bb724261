// Package bridge is the compositional root of the dataplane core: one
// Bridge owns a flow database, a group table, a meter table, the port
// map and the per-packet pipeline, and applies control-plane mutations
// under the shared write barrier. A Registry routes external requests
// to bridges by datapath id.
package bridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lagopus-go/dpcore/cache"
	"github.com/lagopus-go/dpcore/concurrency"
	"github.com/lagopus-go/dpcore/flowdb"
	"github.com/lagopus-go/dpcore/group"
	"github.com/lagopus-go/dpcore/iface"
	"github.com/lagopus-go/dpcore/internal/telemetry"
	"github.com/lagopus-go/dpcore/lerr"
	"github.com/lagopus-go/dpcore/meter"
	"github.com/lagopus-go/dpcore/ofp"
	"github.com/lagopus-go/dpcore/packet"
	"github.com/lagopus-go/dpcore/pipeline"
)

const (
	// putDataTimeout bounds a packet-in enqueue toward the controller
	// channel; expiry drops the packet-in with a log line.
	putDataTimeout = 5 * time.Millisecond

	// putEventTimeout bounds flow-removed and port-status enqueues.
	putEventTimeout = 100 * time.Millisecond

	// rxBurstSize is how many frames one RxBurst call may hand over.
	rxBurstSize = 32
)

// Options carries the collaborators a Bridge consumes. Every field is
// optional: a nil PacketIO means Input is driven externally, a nil
// EventQueue discards notifications, a nil Timer disables the
// timeout sweeps.
type Options struct {
	PacketIO iface.PacketIO
	Events   iface.EventQueue
	Clock    iface.Time
	Timer    iface.Timer
	Metrics  *telemetry.Metrics
	Log      *zerolog.Logger
}

// Bridge is one datapath instance.
type Bridge struct {
	name string
	cfg  Config

	bar    concurrency.Barrier
	db     *flowdb.DB
	groups *group.Table
	meters *meter.Table
	fcache *cache.Cache
	ports  *portMap
	pipe   *pipeline.Pipeline

	macs    *macTable
	pio     iface.PacketIO
	events  iface.EventQueue
	clock   iface.Time
	timer   iface.Timer
	metrics *telemetry.Metrics
	log     zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a bridge with its own flow/group/meter tables and flow
// cache. The bridge starts stopped; attach ports and call Start to
// drive packet I/O.
func New(name string, cfg Config, opts Options) *Bridge {
	if cfg.Tables <= 0 {
		cfg.Tables = DefaultTables
	}
	log := zerolog.Nop()
	if opts.Log != nil {
		log = opts.Log.With().Str("bridge", name).Logger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = iface.SystemTime{}
	}

	b := &Bridge{
		name:    name,
		cfg:     cfg,
		db:      flowdb.New(cfg.Tables, &log),
		groups:  group.NewTable(&log),
		meters:  meter.NewTable(&log),
		fcache:  cache.New(),
		ports:   newPortMap(),
		pio:     opts.PacketIO,
		events:  opts.Events,
		clock:   clock,
		timer:   opts.Timer,
		metrics: opts.Metrics,
		log:     log,
	}
	b.macs = newMACTable(cfg, clock)
	b.pipe = &pipeline.Pipeline{
		DB:         b.db,
		Groups:     b.groups,
		Meters:     b.meters,
		Cache:      b.fcache,
		Ports:      b.ports,
		Standalone: cfg.FailMode == FailModeStandalone,
		Normal:     b.normalForward,
		Log:        &log,
	}
	return b
}

// Name returns the bridge's process-unique name.
func (b *Bridge) Name() string { return b.name }

// DPID returns the datapath id.
func (b *Bridge) DPID() uint64 { return b.cfg.DPID }

// AddPort attaches a port to the bridge under the write barrier.
func (b *Bridge) AddPort(p *Port) error {
	return b.bar.Update(func() error {
		if err := b.ports.add(p); err != nil {
			return err
		}
		p.bridge = b
		b.fcache.Invalidate()
		return nil
	})
}

// RemovePort detaches a port. The back-reference is cleared before the
// slot is released, so a stale Port handle never reaches a dead bridge.
func (b *Bridge) RemovePort(no ofp.PortNo) error {
	return b.bar.Update(func() error {
		p, err := b.ports.remove(no)
		if err != nil {
			return err
		}
		p.bridge = nil
		b.fcache.Invalidate()
		return nil
	})
}

// Port returns the attached port with the given number.
func (b *Bridge) Port(no ofp.PortNo) (*Port, bool) {
	return b.ports.get(no)
}

// PortCount returns the number of attached ports.
func (b *Bridge) PortCount() int { return b.ports.len() }

// PortStart brings the named port administratively up.
func (b *Bridge) PortStart(name string) error {
	p, ok := b.ports.byName(name)
	if !ok {
		return lerr.Newf(lerr.NotFound, "bridge: port %q not attached", name)
	}
	p.SetUp(true)
	return nil
}

// PortStop takes the named port administratively down.
func (b *Bridge) PortStop(name string) error {
	p, ok := b.ports.byName(name)
	if !ok {
		return lerr.Newf(lerr.NotFound, "bridge: port %q not attached", name)
	}
	p.SetUp(false)
	return nil
}

// PortInterfaceSet binds the named port to a backend interface and
// records its hardware address from the PacketIO capability.
func (b *Bridge) PortInterfaceSet(name, ifName string) error {
	p, ok := b.ports.byName(name)
	if !ok {
		return lerr.Newf(lerr.NotFound, "bridge: port %q not attached", name)
	}
	p.IfName = ifName
	if b.pio != nil {
		if hw, err := b.pio.HWAddr(ifName); err == nil {
			p.HWAddr = hw
		}
	}
	return nil
}

// PortInterfaceUnset detaches the named port from its backend
// interface.
func (b *Bridge) PortInterfaceUnset(name string) error {
	p, ok := b.ports.byName(name)
	if !ok {
		return lerr.Newf(lerr.NotFound, "bridge: port %q not attached", name)
	}
	p.IfName = ""
	return nil
}

// PortLinkChanged records a link-state transition reported by the
// PacketIO backend and announces it toward the controller.
func (b *Bridge) PortLinkChanged(no ofp.PortNo, link bool) {
	p, ok := b.ports.get(no)
	if !ok {
		return
	}
	p.SetLink(link)
	b.fcache.Invalidate()

	if b.events == nil {
		return
	}
	status := &ofp.PortStatus{
		Reason: ofp.PortReasonModify,
		Port:   b.wirePort(p),
	}
	if err := b.events.PutEventQ(b.cfg.DPID, status, putEventTimeout); err != nil {
		b.log.Warn().Err(err).Uint32("port", uint32(no)).Msg("port-status event dropped")
	}
}

func (b *Bridge) wirePort(p *Port) ofp.Port {
	wp := ofp.Port{
		PortNo: p.No,
		HWAddr: p.HWAddr,
		Name:   p.Name,
	}
	if len(wp.HWAddr) == 0 {
		wp.HWAddr = make([]byte, 6)
	}
	if !p.up.Load() {
		wp.Config |= ofp.PortConfigDown
	}
	if !p.link.Load() {
		wp.State |= ofp.PortStateLinkDown
	}
	return wp
}

// instructionKinds verifies the at-most-one-per-kind rule.
func instructionKinds(inst ofp.Instructions) error {
	seen := make(map[ofp.InstructionType]bool, len(inst))
	for _, in := range inst {
		switch in.(type) {
		case *ofp.InstructionGotoTable, *ofp.InstructionWriteMetadata,
			*ofp.InstructionWriteActions, *ofp.InstructionApplyActions,
			*ofp.InstructionClearActions, *ofp.InstructionMeter:
		default:
			return lerr.OFP(ofp.ErrTypeBadInstruction, ofp.ErrCodeBadInstructionUnknown,
				"bridge: unknown instruction kind")
		}
		if seen[in.Type()] {
			return lerr.OFP(ofp.ErrTypeFlowModFailed, ofp.ErrCodeFlowModFailedUnknown,
				"bridge: duplicate instruction kind")
		}
		seen[in.Type()] = true
	}
	return nil
}

func (b *Bridge) validateActions(actions ofp.Actions) error {
	for _, a := range actions {
		switch act := a.(type) {
		case *ofp.ActionOutput:
			if act.Port <= ofp.PortMax {
				if _, ok := b.ports.get(act.Port); !ok {
					return lerr.OFP(ofp.ErrTypeBadAction, ofp.ErrCodeBadActionOutPort,
						"bridge: output to unknown port")
				}
			}
		case *ofp.ActionGroup:
			if _, ok := b.groups.Get(act.Group); !ok {
				return lerr.OFP(ofp.ErrTypeBadAction, ofp.ErrCodeBadActionOutGroup,
					"bridge: group action references unknown group")
			}
		}
	}
	return nil
}

func (b *Bridge) validateFlowMod(fm *ofp.FlowMod) error {
	if fm.Table == ofp.TableAll {
		return lerr.OFP(ofp.ErrTypeFlowModFailed, ofp.ErrCodeFlowModFailedBadTableID,
			"bridge: OFPTT_ALL is only valid for delete and stats")
	}
	if err := instructionKinds(fm.Instructions); err != nil {
		return err
	}
	for _, inst := range fm.Instructions {
		switch it := inst.(type) {
		case *ofp.InstructionGotoTable:
			if it.Table > ofp.TableMax || b.db.Table(it.Table) == nil {
				return lerr.OFP(ofp.ErrTypeBadInstruction, ofp.ErrCodeBadInstructionTableID,
					"bridge: goto-table target out of range")
			}
		case *ofp.InstructionMeter:
			if _, ok := b.meters.Get(it.Meter); !ok {
				return lerr.OFP(ofp.ErrTypeMeterModFailed, ofp.ErrCodeMeterModFailedUnknownMeter,
					"bridge: flow references unknown meter")
			}
		case *ofp.InstructionApplyActions:
			if err := b.validateActions(it.Actions); err != nil {
				return err
			}
		case *ofp.InstructionWriteActions:
			if err := b.validateActions(it.Actions); err != nil {
				return err
			}
		}
	}
	return nil
}

// syncMeterFlowCounts recomputes each meter's flow reference count
// from the installed flows; called under the write barrier.
func (b *Bridge) syncMeterFlowCounts() {
	counts := make(map[ofp.Meter]int)
	for _, t := range b.db.Tables() {
		for _, f := range t.Flows() {
			if id, ok := f.MeterID(); ok {
				counts[id]++
			}
		}
	}
	b.meters.SyncFlowCounts(counts)
}

// FlowMod applies one flow modification under the write barrier.
func (b *Bridge) FlowMod(fm *ofp.FlowMod) error {
	var evicted []flowdb.Evicted
	err := b.bar.Update(func() error {
		switch fm.Command {
		case ofp.FlowAdd, ofp.FlowModify, ofp.FlowModifyStrict:
			if err := b.validateFlowMod(fm); err != nil {
				return err
			}
		}

		var err error
		evicted, err = b.db.Apply(fm)
		if err != nil {
			return err
		}

		b.syncMeterFlowCounts()
		b.fcache.Invalidate()
		b.armFlowTimer(fm)
		return nil
	})
	if err != nil {
		return err
	}

	b.notifyRemoved(evicted)
	b.updateFlowGauges()
	return nil
}

// armFlowTimer schedules a timeout sweep for a freshly added flow. The
// callback re-enters the write barrier through Sweep.
func (b *Bridge) armFlowTimer(fm *ofp.FlowMod) {
	if b.timer == nil || fm.Command != ofp.FlowAdd {
		return
	}
	timeout := fm.IdleTimeout
	if fm.HardTimeout != 0 && (timeout == 0 || fm.HardTimeout < timeout) {
		timeout = fm.HardTimeout
	}
	if timeout == 0 {
		return
	}
	b.timer.Schedule(time.Duration(timeout)*time.Second, func() { b.Sweep() })
}

// GroupMod applies one group modification under the write barrier.
func (b *Bridge) GroupMod(gm *ofp.GroupMod) error {
	var evicted []flowdb.Evicted
	err := b.bar.Update(func() error {
		switch gm.Command {
		case ofp.GroupAdd:
			err := b.groups.Add(gm.Group, gm.Type, gm.Buckets)
			if lerr.Is(err, lerr.AlreadyExists) {
				return lerr.OFP(ofp.ErrTypeGroupModFailed, ofp.ErrCodeGroupModFailedGroupExists,
					"bridge: group already exists")
			}
			if err != nil {
				return err
			}

		case ofp.GroupModify:
			err := b.groups.Modify(gm.Group, gm.Type, gm.Buckets)
			if lerr.Is(err, lerr.NotFound) {
				return lerr.OFP(ofp.ErrTypeGroupModFailed, ofp.ErrCodeGroupModFailedUnknownGroup,
					"bridge: group not found")
			}
			if err != nil {
				return err
			}

		case ofp.GroupDelete:
			ids := []ofp.Group{gm.Group}
			if gm.Group == ofp.GroupAll {
				ids = ids[:0]
				for _, desc := range b.groups.Desc() {
					ids = append(ids, desc.Group)
				}
			}
			for _, id := range ids {
				evicted = append(evicted, b.db.DeleteByGroup(id)...)
				if err := b.groups.Delete(id); err != nil && !lerr.Is(err, lerr.NotFound) {
					return err
				}
			}

		default:
			return lerr.OFP(ofp.ErrTypeGroupModFailed, ofp.ErrCodeGroupModBadCommand,
				"bridge: unknown group mod command")
		}

		b.syncMeterFlowCounts()
		b.fcache.Invalidate()
		return nil
	})
	if err != nil {
		return err
	}

	b.notifyRemoved(evicted)
	b.updateFlowGauges()
	return nil
}

// MeterMod applies one meter modification under the write barrier.
// Deleting a meter also deletes the flows that reference it.
func (b *Bridge) MeterMod(mm *ofp.MeterMod) error {
	var evicted []flowdb.Evicted
	err := b.bar.Update(func() error {
		switch mm.Command {
		case ofp.MeterAdd:
			err := b.meters.Add(mm.Meter, mm.Flags, mm.Bands)
			if lerr.Is(err, lerr.AlreadyExists) {
				return lerr.OFP(ofp.ErrTypeMeterModFailed, ofp.ErrCodeMeterModFailedMeterExists,
					"bridge: meter already exists")
			}
			if err != nil {
				return err
			}

		case ofp.MeterModify:
			err := b.meters.Modify(mm.Meter, mm.Flags, mm.Bands)
			if lerr.Is(err, lerr.NotFound) {
				return lerr.OFP(ofp.ErrTypeMeterModFailed, ofp.ErrCodeMeterModFailedUnknownMeter,
					"bridge: meter not found")
			}
			if err != nil {
				return err
			}

		case ofp.MeterDelete:
			if mm.Meter != ofp.MeterAll {
				evicted = append(evicted, b.db.DeleteByMeter(mm.Meter)...)
			} else {
				for _, mc := range b.meters.Config(ofp.MeterAll) {
					evicted = append(evicted, b.db.DeleteByMeter(mc.Meter)...)
				}
			}
			if err := b.meters.Delete(mm.Meter); err != nil && !lerr.Is(err, lerr.NotFound) {
				return err
			}

		default:
			return lerr.OFP(ofp.ErrTypeMeterModFailed, ofp.ErrCodeMeterModFailedBadCommand,
				"bridge: unknown meter mod command")
		}

		b.syncMeterFlowCounts()
		b.fcache.Invalidate()
		return nil
	})
	if err != nil {
		return err
	}

	b.notifyRemoved(evicted)
	b.updateFlowGauges()
	return nil
}

// Sweep evicts flows whose idle or hard timeout elapsed. The timer
// capability calls this from the control plane.
func (b *Bridge) Sweep() {
	var evicted []flowdb.Evicted
	_ = b.bar.Update(func() error {
		evicted = b.db.ExpireTimeouts()
		if len(evicted) > 0 {
			b.syncMeterFlowCounts()
			b.fcache.Invalidate()
		}
		return nil
	})
	b.notifyRemoved(evicted)
	b.updateFlowGauges()
}

// notifyRemoved enqueues a FlowRemoved event for each evicted flow
// that asked for one.
func (b *Bridge) notifyRemoved(evicted []flowdb.Evicted) {
	if b.events == nil {
		return
	}
	for _, ev := range evicted {
		if ev.Flow.Flags&ofp.FlowFlagSendFlowRem == 0 {
			continue
		}
		msg := flowRemovedMsg(ev)
		if err := b.events.PutEventQ(b.cfg.DPID, msg, putEventTimeout); err != nil {
			b.log.Warn().Err(err).Uint8("table", uint8(ev.Table)).
				Msg("flow-removed event dropped")
		}
	}
}

func flowRemovedMsg(ev flowdb.Evicted) *ofp.FlowRemoved {
	packets, bytes := ev.Flow.CounterValues()
	dur := ev.Flow.Duration()
	return &ofp.FlowRemoved{
		Cookie:       ev.Flow.Cookie,
		Priority:     ev.Flow.Priority,
		Reason:       ev.Reason,
		Table:        ev.Table,
		DurationSec:  uint32(dur.Seconds()),
		DurationNSec: uint32(dur.Nanoseconds() % 1e9),
		IdleTimeout:  ev.Flow.IdleTimeout,
		HardTimeout:  ev.Flow.HardTimeout,
		PacketCount:  packets,
		ByteCount:    bytes,
		Match:        ev.Flow.Match,
	}
}

func (b *Bridge) updateFlowGauges() {
	if b.metrics == nil {
		return
	}
	for _, t := range b.db.Tables() {
		b.metrics.SetFlowCount(b.cfg.DPID, uint8(t.ID()), t.Count())
	}
}

// Input pushes one received frame through the pipeline under the read
// side of the barrier, then dispatches whatever came out.
func (b *Bridge) Input(frame []byte, inPort ofp.PortNo) *pipeline.Result {
	b.bar.RLock()
	res := b.pipe.Run(frame, pipeline.OOB{InPort: inPort})
	b.bar.RUnlock()

	b.dispatch(res)
	return res
}

func (b *Bridge) dispatch(res *pipeline.Result) {
	if b.metrics != nil {
		if res.CacheHit {
			b.metrics.CacheHit(b.cfg.DPID)
		}
		if res.Dropped {
			b.metrics.Drop(b.cfg.DPID, "pipeline")
		}
		b.metrics.Emit(b.cfg.DPID, len(res.Emits))
	}

	if b.pio != nil {
		for _, e := range res.Emits {
			p, ok := b.ports.get(e.Port)
			if !ok || p.IfName == "" {
				continue
			}
			if err := b.pio.Tx(p.IfName, packet.View{Data: e.Frame}); err != nil {
				b.log.Debug().Err(err).Uint32("port", uint32(e.Port)).Msg("tx failed")
			}
		}
	}

	if b.events != nil {
		for _, pin := range res.PacketIns {
			if err := b.events.PutDataQ(b.cfg.DPID, pin, putDataTimeout); err != nil {
				b.log.Debug().Err(err).Msg("packet-in dropped")
			}
		}
	}
}

// Start spawns one receive loop per attached port that has a bound
// interface. Safe to call only on a stopped bridge.
func (b *Bridge) Start() {
	if b.pio == nil {
		return
	}
	b.stop = make(chan struct{})
	b.ports.each(func(p *Port) {
		if p.IfName == "" {
			return
		}
		b.wg.Add(1)
		go b.rxLoop(p)
	})
}

// Stop terminates the receive loops; each drains its current burst
// before exiting.
func (b *Bridge) Stop() {
	if b.stop == nil {
		return
	}
	close(b.stop)
	b.wg.Wait()
	b.stop = nil
}

func (b *Bridge) rxLoop(p *Port) {
	defer b.wg.Done()

	views := make([]packet.View, rxBurstSize)
	for {
		select {
		case <-b.stop:
			return
		default:
		}

		n, err := b.pio.RxBurst(p.IfName, views)
		if err != nil {
			b.log.Warn().Err(err).Str("iface", p.IfName).Msg("rx failed")
			return
		}
		for i := 0; i < n; i++ {
			b.Input(views[i].Data, p.No)
		}
	}
}

// FlowStats answers the multipart flow statistics request.
func (b *Bridge) FlowStats(req *ofp.FlowStatsRequest) []ofp.FlowStats {
	b.bar.RLock()
	defer b.bar.RUnlock()
	return b.db.Stats(req)
}

// AggregateStats answers the multipart aggregate request.
func (b *Bridge) AggregateStats(req *ofp.AggregateStatsRequest) ofp.AggregateStats {
	b.bar.RLock()
	defer b.bar.RUnlock()
	return b.db.Aggregate(req)
}

// TableStats answers the multipart table statistics request.
func (b *Bridge) TableStats() []ofp.TableStats {
	b.bar.RLock()
	defer b.bar.RUnlock()
	return b.db.TableStats()
}

// TableFeatures answers the multipart table features request; the
// features are read-only in this core.
func (b *Bridge) TableFeatures() []ofp.TableFeatures {
	return b.db.TableFeatures()
}

// GroupStats answers the multipart group statistics request.
func (b *Bridge) GroupStats(req *ofp.GroupStatsRequest) []ofp.GroupStats {
	return b.groups.Stats(req.Group)
}

// GroupDesc answers the multipart group description request.
func (b *Bridge) GroupDesc() []ofp.GroupDescStats {
	return b.groups.Desc()
}

// GroupFeatures answers the multipart group features request.
func (b *Bridge) GroupFeatures() ofp.GroupFeatures {
	return ofp.GroupFeatures{
		Types: 1<<ofp.GroupTypeAll | 1<<ofp.GroupTypeSelect |
			1<<ofp.GroupTypeIndirect | 1<<ofp.GroupTypeFastFailover,
		Capabilities: uint32(ofp.GroupCapabilitySelectWeight |
			ofp.GroupCapabilitySelectLiveness |
			ofp.GroupCapabilityChaining |
			ofp.GroupCapabilityChainingChecks),
		MaxGroups: [4]uint32{
			uint32(ofp.GroupMax), uint32(ofp.GroupMax),
			uint32(ofp.GroupMax), uint32(ofp.GroupMax),
		},
	}
}

// MeterStats answers the multipart meter statistics request.
func (b *Bridge) MeterStats(req *ofp.MeterStatsRequest) []ofp.MeterStats {
	return b.meters.Stats(req.Meter)
}

// MeterConfig answers the multipart meter configuration request.
func (b *Bridge) MeterConfig(req *ofp.MeterConfigRequest) []ofp.MeterConfig {
	return b.meters.Config(req.Meter)
}

// MeterFeatures answers the multipart meter features request.
func (b *Bridge) MeterFeatures() ofp.MeterFeatures {
	return meter.Features(uint32(ofp.MeterMax))
}

// PortStats answers the multipart port statistics request from the
// PacketIO backend's counters.
func (b *Bridge) PortStats(no ofp.PortNo) ([]ofp.PortStats, error) {
	if b.pio == nil {
		return nil, lerr.New(lerr.NotFound, "bridge: no packet I/O attached")
	}

	var out []ofp.PortStats
	var firstErr error
	collect := func(p *Port) {
		if p.IfName == "" {
			return
		}
		st, err := b.pio.Stats(p.IfName)
		if err != nil {
			if firstErr == nil {
				firstErr = lerr.Wrap(lerr.IO, err)
			}
			return
		}
		st.PortNo = p.No
		out = append(out, st)
	}

	if no == ofp.PortAny {
		b.ports.each(collect)
		return out, firstErr
	}
	p, ok := b.ports.get(no)
	if !ok {
		return nil, lerr.Newf(lerr.NotFound, "bridge: port %d not attached", no)
	}
	collect(p)
	return out, firstErr
}
