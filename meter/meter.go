// Package meter implements the OpenFlow meter table: per-meter
// one-second rate windows with a band list evaluated in descending rate
// order, DSCP
// remarking, and the cumulative packet/byte counters surfaced through
// multipart meter-stats and meter-config replies.
package meter

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/lagopus-go/dpcore/lerr"
	"github.com/lagopus-go/dpcore/ofp"
)

// Color is the result of running a packet through a meter, following the
// three-color marking scheme a DSCP-remark band applies.
type Color int

const (
	// ColorGreen means the packet was not subject to any band.
	ColorGreen Color = iota

	// ColorYellow means a DSCP-remark band applied: the packet should
	// be forwarded with its DSCP field rewritten.
	ColorYellow

	// ColorRed means a drop band applied: the packet must be dropped.
	ColorRed
)

// Meter is a single metering instance: an ordered list of bands plus the
// cumulative counters spec.md §4.9 requires to stay lock-free under
// concurrent Apply calls.
type Meter struct {
	ID    ofp.Meter
	Flags ofp.MeterFlag
	Bands ofp.MeterBands

	packetCount atomic.Uint64
	byteCount   atomic.Uint64
	flowCount   atomic.Int32
	created     time.Time

	mu sync.RWMutex

	// One-second observation window feeding the default coloring
	// oracle (Police). Guarded by winMu, not mu: Apply must stay
	// callable while a Modify holds mu.
	winMu      sync.Mutex
	winStart   int64
	winPackets uint64
	winBytes   uint64
}

func newMeter(id ofp.Meter, flags ofp.MeterFlag, bands ofp.MeterBands) *Meter {
	return &Meter{ID: id, Flags: flags, Bands: bands, created: time.Now()}
}

// Stats returns the meter's cumulative packet and byte counts.
func (m *Meter) Stats() (packets, bytes uint64) {
	return m.packetCount.Load(), m.byteCount.Load()
}

// FlowCount returns the number of installed flows currently
// referencing this meter.
func (m *Meter) FlowCount() uint32 {
	n := m.flowCount.Load()
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// Duration returns how long the meter has existed.
func (m *Meter) Duration() time.Duration {
	return time.Since(m.created)
}

// Apply runs a packet of the given size through the meter's bands,
// in descending-rate order as ofp §4.9 requires (the band with the
// highest configured rate that the packet's rate reaches or exceeds
// wins), and
// returns the resulting color plus, for a DSCP-remark band, the
// precedence increment to apply.
func (m *Meter) Apply(packetLen int, rateKbps uint64) (Color, uint8) {
	m.packetCount.Add(1)
	m.byteCount.Add(uint64(packetLen))

	m.mu.RLock()
	bands := append(ofp.MeterBands(nil), m.Bands...)
	m.mu.RUnlock()

	sort.SliceStable(bands, func(i, j int) bool {
		return bandRate(bands[i]) > bandRate(bands[j])
	})

	for _, band := range bands {
		if rateKbps < uint64(bandRate(band)) {
			continue
		}
		switch b := band.(type) {
		case *ofp.MeterBandDrop:
			return ColorRed, 0
		case *ofp.MeterBandDSCPRemark:
			return ColorYellow, b.PrecLevel
		}
	}

	return ColorGreen, 0
}

// Police is the default coloring oracle: it measures the traffic that
// already arrived in the current one-second window, expresses it in the
// meter's configured unit (packets per second, or kilobits per second),
// and feeds that rate to Apply. The packet being policed is not part of
// its own rate, so a DROP band with rate 1 lets the first packet of
// each second through and drops the ones behind it.
func (m *Meter) Police(packetLen int, now time.Time) (Color, uint8) {
	sec := now.Unix()

	m.winMu.Lock()
	if m.winStart != sec {
		m.winStart = sec
		m.winPackets = 0
		m.winBytes = 0
	}
	var rate uint64
	if m.Flags&ofp.MeterFlagPacketPerSec != 0 {
		rate = m.winPackets
	} else {
		rate = m.winBytes * 8 / 1000
	}
	m.winPackets++
	m.winBytes += uint64(packetLen)
	m.winMu.Unlock()

	return m.Apply(packetLen, rate)
}

// RemarkDSCP returns the DSCP value a DSCP-remark band of the given
// precedence level rewrites dscp to. Class-selector code points (low
// three bits zero) drop by prec whole classes; assured-forwarding code
// points (low three bits 2 or 4) step up their drop precedence while it
// still fits in the AF space; anything else is left alone, so remarking
// an already maximally remarked packet is a no-op.
func RemarkDSCP(dscp, prec uint8) uint8 {
	switch dscp & 0x07 {
	case 0:
		if d := prec << 3; dscp >= d {
			return dscp - d
		}
	case 2, 4:
		if v := dscp&0x07 + prec<<1; v <= 7 {
			return dscp&^0x07 | v
		}
	}
	return dscp
}

func bandRate(b ofp.MeterBand) uint32 {
	switch v := b.(type) {
	case *ofp.MeterBandDrop:
		return v.Rate
	case *ofp.MeterBandDSCPRemark:
		return v.Rate
	case *ofp.MeterBandExperimenter:
		return v.Rate
	default:
		return 0
	}
}

// setBands replaces the meter's band list under its own lock, used by
// Table.Modify.
func (m *Meter) setBands(flags ofp.MeterFlag, bands ofp.MeterBands) {
	m.mu.Lock()
	m.Flags = flags
	m.Bands = bands
	m.mu.Unlock()
}

// Table is the per-bridge collection of meters, keyed by meter id.
type Table struct {
	meters *xsync.MapOf[uint32, *Meter]
	log    *zerolog.Logger
}

// NewTable creates an empty meter table.
func NewTable(log *zerolog.Logger) *Table {
	return &Table{
		meters: xsync.NewMapOf[uint32, *Meter](),
		log:    log,
	}
}

// Add installs a new meter. It fails with lerr.AlreadyExists if id is
// already in use.
func (t *Table) Add(id ofp.Meter, flags ofp.MeterFlag, bands ofp.MeterBands) error {
	if id == 0 || id > ofp.MeterMax {
		return lerr.OFP(ofp.ErrTypeMeterModFailed, ofp.ErrCodeMeterModFailedInvalidMeter, "meter: reserved or out-of-range meter id")
	}

	m := newMeter(id, flags, bands)
	_, loaded := t.meters.LoadOrStore(uint32(id), m)
	if loaded {
		return lerr.Newf(lerr.AlreadyExists, "meter: %d already exists", id)
	}
	if t.log != nil {
		t.log.Debug().Uint32("meter", uint32(id)).Msg("meter added")
	}
	return nil
}

// Modify replaces an existing meter's flags and bands in place, so that
// any flow currently referencing this meter id keeps pointing at the
// same Meter object.
func (t *Table) Modify(id ofp.Meter, flags ofp.MeterFlag, bands ofp.MeterBands) error {
	m, ok := t.meters.Load(uint32(id))
	if !ok {
		return lerr.Newf(lerr.NotFound, "meter: %d not found", id)
	}
	m.setBands(flags, bands)
	return nil
}

// Delete removes a meter. Deleting ofp.MeterAll removes every meter in
// the table.
func (t *Table) Delete(id ofp.Meter) error {
	if id == ofp.MeterAll {
		t.meters.Range(func(k uint32, _ *Meter) bool {
			t.meters.Delete(k)
			return true
		})
		return nil
	}

	if _, ok := t.meters.LoadAndDelete(uint32(id)); !ok {
		return lerr.Newf(lerr.NotFound, "meter: %d not found", id)
	}
	return nil
}

// Get returns the meter for id, or nil if absent.
func (t *Table) Get(id ofp.Meter) (*Meter, bool) {
	return t.meters.Load(uint32(id))
}

// SyncFlowCounts replaces every meter's flow reference count with the
// value counts carries; meters absent from counts reset to zero. The
// owning bridge calls this under its write barrier after any flow or
// meter mutation, keeping the counts equal to the number of installed
// flows whose METER instruction names each meter.
func (t *Table) SyncFlowCounts(counts map[ofp.Meter]int) {
	t.meters.Range(func(id uint32, m *Meter) bool {
		m.flowCount.Store(int32(counts[ofp.Meter(id)]))
		return true
	})
}

// Config returns the current MeterConfig replies for id, or for every
// meter when id is ofp.MeterAll.
func (t *Table) Config(id ofp.Meter) []ofp.MeterConfig {
	var out []ofp.MeterConfig
	collect := func(_ uint32, m *Meter) bool {
		m.mu.RLock()
		out = append(out, ofp.MeterConfig{Flags: m.Flags, Meter: m.ID, Bands: m.Bands})
		m.mu.RUnlock()
		return true
	}

	if id == ofp.MeterAll {
		t.meters.Range(collect)
		return out
	}
	if m, ok := t.meters.Load(uint32(id)); ok {
		collect(uint32(id), m)
	}
	return out
}

// Stats returns the current MeterStats replies for id, or for every
// meter when id is ofp.MeterAll.
func (t *Table) Stats(id ofp.Meter) []ofp.MeterStats {
	var out []ofp.MeterStats
	collect := func(_ uint32, m *Meter) bool {
		packets, bytes := m.Stats()
		dur := m.Duration()
		out = append(out, ofp.MeterStats{
			Meter:         m.ID,
			FlowCount:     m.FlowCount(),
			PacketInCount: packets,
			ByteInCount:   bytes,
			DurationSec:   uint32(dur.Seconds()),
			DurationNSec:  uint32(dur.Nanoseconds() % 1e9),
		})
		return true
	}

	if id == ofp.MeterAll {
		t.meters.Range(collect)
		return out
	}
	if m, ok := t.meters.Load(uint32(id)); ok {
		collect(uint32(id), m)
	}
	return out
}

// Features returns the metering subsystem's static capabilities.
func Features(maxMeter uint32) ofp.MeterFeatures {
	return ofp.MeterFeatures{
		MaxMeter: maxMeter,
		BandTypes: 1<<ofp.MeterBandTypeDrop |
			1<<ofp.MeterBandTypeDSCPRemark,
		Capabilities: uint32(ofp.MeterFlagKBitPerSec | ofp.MeterFlagPacketPerSec |
			ofp.MeterFlagBurst | ofp.MeterFlagStats),
		MaxBands: 16,
		MaxColor: 8,
	}
}
