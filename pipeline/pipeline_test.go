package pipeline

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagopus-go/dpcore/cache"
	"github.com/lagopus-go/dpcore/flowdb"
	"github.com/lagopus-go/dpcore/group"
	"github.com/lagopus-go/dpcore/meter"
	"github.com/lagopus-go/dpcore/ofp"
)

type fakePorts struct {
	live map[ofp.PortNo]bool
	fwd  []ofp.PortNo
}

func (f *fakePorts) PortLive(p ofp.PortNo) bool    { return f.live[p] }
func (f *fakePorts) ForwardingPorts() []ofp.PortNo { return f.fwd }

// ethFrame builds a minimal Ethernet II frame padded to 64 bytes.
func ethFrame(etherType uint16) []byte {
	f := make([]byte, 64)
	copy(f[0:6], []byte{0x02, 0, 0, 0, 0, 2})
	copy(f[6:12], []byte{0x02, 0, 0, 0, 0, 1})
	binary.BigEndian.PutUint16(f[12:14], etherType)
	return f
}

// ipv4Frame builds an Ethernet+IPv4 frame with the given TTL.
func ipv4Frame(ttl uint8) []byte {
	f := ethFrame(0x0800)
	f[14] = 0x45
	f[22] = ttl
	f[23] = 17 // UDP
	copy(f[26:30], []byte{10, 0, 0, 1})
	copy(f[30:34], []byte{10, 0, 0, 2})
	binary.BigEndian.PutUint16(f[34:36], 1000)
	binary.BigEndian.PutUint16(f[36:38], 2000)
	return f
}

func inPortMatch(port uint32) ofp.Match {
	v := make(ofp.XMValue, 4)
	binary.BigEndian.PutUint32(v, port)
	return ofp.Match{Type: ofp.MatchTypeXM, Fields: []ofp.XM{
		{Class: ofp.XMClassOpenflowBasic, Type: ofp.XMTypeInPort, Value: v},
	}}
}

func addFlow(t *testing.T, db *flowdb.DB, table ofp.Table, priority uint16, m ofp.Match, inst ofp.Instructions) {
	t.Helper()
	require.NoError(t, db.Table(table).Add(&ofp.FlowMod{
		Table:        table,
		Command:      ofp.FlowAdd,
		Priority:     priority,
		Match:        m,
		OutPort:      ofp.PortAny,
		OutGroup:     ofp.GroupAny,
		Instructions: inst,
	}))
}

func output(port ofp.PortNo) ofp.Instructions {
	return ofp.Instructions{&ofp.InstructionApplyActions{
		Actions: ofp.Actions{&ofp.ActionOutput{Port: port}},
	}}
}

func newPipeline(tables int) (*Pipeline, *flowdb.DB) {
	db := flowdb.New(tables, nil)
	return &Pipeline{
		DB:     db,
		Groups: group.NewTable(nil),
		Meters: meter.NewTable(nil),
		Cache:  cache.New(),
		Ports:  &fakePorts{fwd: []ofp.PortNo{1, 2, 3}},
	}, db
}

func TestStaticForward(t *testing.T) {
	p, db := newPipeline(1)
	addFlow(t, db, 0, 100, inPortMatch(1), output(2))

	res := p.Run(ethFrame(0x0800), OOB{InPort: 1})

	require.Len(t, res.Emits, 1)
	assert.Equal(t, ofp.PortNo(2), res.Emits[0].Port)
	assert.False(t, res.Dropped)

	stats := db.TableStats()
	assert.Equal(t, uint64(1), stats[0].LookupCount)
	assert.Equal(t, uint64(1), stats[0].MatchedCount)

	fs := db.Stats(&ofp.FlowStatsRequest{Table: 0, OutPort: ofp.PortAny, OutGroup: ofp.GroupAny})
	require.Len(t, fs, 1)
	assert.Equal(t, uint64(1), fs[0].PacketCount)
}

func TestTableMissDropsInSecureMode(t *testing.T) {
	p, _ := newPipeline(1)
	res := p.Run(ethFrame(0x0800), OOB{InPort: 1})
	assert.True(t, res.Dropped)
	assert.Empty(t, res.Emits)
}

func TestTableMissFloodsInStandaloneMode(t *testing.T) {
	p, _ := newPipeline(1)
	p.Standalone = true
	res := p.Run(ethFrame(0x0800), OOB{InPort: 1})
	require.Len(t, res.Emits, 2)
	assert.Equal(t, ofp.PortNo(2), res.Emits[0].Port)
	assert.Equal(t, ofp.PortNo(3), res.Emits[1].Port)
}

func TestEqualPriorityPrefersEarlierInsertion(t *testing.T) {
	p, db := newPipeline(1)
	addFlow(t, db, 0, 10, inPortMatch(1), output(2))
	addFlow(t, db, 0, 10, ofp.Match{Type: ofp.MatchTypeXM}, output(3))

	res := p.Run(ethFrame(0x0800), OOB{InPort: 1})
	require.Len(t, res.Emits, 1)
	assert.Equal(t, ofp.PortNo(2), res.Emits[0].Port)

	// Deleting the first flow hands the match to the second.
	db.Table(0).DeleteStrict(&ofp.FlowMod{
		Command: ofp.FlowDeleteStrict, Priority: 10,
		Match: inPortMatch(1), OutPort: ofp.PortAny, OutGroup: ofp.GroupAny,
	})
	p.Cache.Invalidate()

	res = p.Run(ethFrame(0x0800), OOB{InPort: 1})
	require.Len(t, res.Emits, 1)
	assert.Equal(t, ofp.PortNo(3), res.Emits[0].Port)
}

func TestPushVLANSetsVIDAndGrowsFrame(t *testing.T) {
	p, db := newPipeline(1)
	vid := make(ofp.XMValue, 2)
	binary.BigEndian.PutUint16(vid, vlanPresent|100)
	addFlow(t, db, 0, 10, inPortMatch(1), ofp.Instructions{
		&ofp.InstructionApplyActions{Actions: ofp.Actions{
			&ofp.ActionPushVLAN{EtherType: etherTypeVLAN},
			&ofp.ActionSetField{Field: ofp.XM{
				Class: ofp.XMClassOpenflowBasic, Type: ofp.XMTypeVlanID, Value: vid,
			}},
			&ofp.ActionOutput{Port: 2},
		}},
	})

	in := ethFrame(0x0800)
	res := p.Run(append([]byte(nil), in...), OOB{InPort: 1})

	require.Len(t, res.Emits, 1)
	out := res.Emits[0].Frame
	assert.Len(t, out, len(in)+4)
	assert.Equal(t, uint16(etherTypeVLAN), binary.BigEndian.Uint16(out[12:14]))
	assert.Equal(t, uint16(100), binary.BigEndian.Uint16(out[14:16])&0x0fff)
}

func TestGotoChainLaterWriteActionsWins(t *testing.T) {
	p, db := newPipeline(2)
	addFlow(t, db, 0, 10, inPortMatch(1), ofp.Instructions{
		&ofp.InstructionWriteActions{Actions: ofp.Actions{&ofp.ActionOutput{Port: 2}}},
		&ofp.InstructionGotoTable{Table: 1},
	})
	addFlow(t, db, 1, 10, inPortMatch(1), ofp.Instructions{
		&ofp.InstructionWriteActions{Actions: ofp.Actions{&ofp.ActionOutput{Port: 3}}},
	})

	res := p.Run(ethFrame(0x0800), OOB{InPort: 1})
	require.Len(t, res.Emits, 1)
	assert.Equal(t, ofp.PortNo(3), res.Emits[0].Port)
}

func TestGroupAllFansOutOncePerBucket(t *testing.T) {
	p, db := newPipeline(1)
	require.NoError(t, p.Groups.Add(10, ofp.GroupTypeAll, []ofp.Bucket{
		{Actions: ofp.Actions{&ofp.ActionOutput{Port: 2}}},
		{Actions: ofp.Actions{&ofp.ActionOutput{Port: 3}}},
	}))
	addFlow(t, db, 0, 10, inPortMatch(1), ofp.Instructions{
		&ofp.InstructionApplyActions{Actions: ofp.Actions{&ofp.ActionGroup{Group: 10}}},
	})

	in := ethFrame(0x0800)
	res := p.Run(append([]byte(nil), in...), OOB{InPort: 1})

	require.Len(t, res.Emits, 2)
	ports := map[ofp.PortNo]bool{res.Emits[0].Port: true, res.Emits[1].Port: true}
	assert.True(t, ports[2] && ports[3])
	assert.Equal(t, res.Emits[0].Frame, res.Emits[1].Frame)

	g, _ := p.Groups.Get(10)
	packets, _ := g.Stats()
	assert.Equal(t, uint64(1), packets)
}

func TestMeterDropSecondPacketInWindow(t *testing.T) {
	p, db := newPipeline(1)
	fixed := time.Unix(1700000000, 0)
	p.Now = func() time.Time { return fixed }
	require.NoError(t, p.Meters.Add(5, ofp.MeterFlagPacketPerSec,
		ofp.MeterBands{&ofp.MeterBandDrop{Rate: 1, BurstSize: 1}}))
	addFlow(t, db, 0, 10, inPortMatch(1), ofp.Instructions{
		&ofp.InstructionMeter{Meter: 5},
		&ofp.InstructionApplyActions{Actions: ofp.Actions{&ofp.ActionOutput{Port: 2}}},
	})

	first := p.Run(ethFrame(0x0800), OOB{InPort: 1})
	second := p.Run(ethFrame(0x0800), OOB{InPort: 1})

	assert.Len(t, first.Emits, 1)
	assert.True(t, second.Dropped)

	m, _ := p.Meters.Get(5)
	packets, _ := m.Stats()
	assert.Equal(t, uint64(2), packets)

	fs := db.Stats(&ofp.FlowStatsRequest{Table: 0, OutPort: ofp.PortAny, OutGroup: ofp.GroupAny})
	require.Len(t, fs, 1)
	assert.Equal(t, uint64(1), fs[0].PacketCount)
}

func TestCacheReplayMovesSameCounters(t *testing.T) {
	p, db := newPipeline(1)
	addFlow(t, db, 0, 100, inPortMatch(1), output(2))

	cold := p.Run(ethFrame(0x0800), OOB{InPort: 1})
	warm := p.Run(ethFrame(0x0800), OOB{InPort: 1})

	assert.False(t, cold.CacheHit)
	assert.True(t, warm.CacheHit)
	assert.Equal(t, cold.Emits, warm.Emits)

	stats := db.TableStats()
	assert.Equal(t, uint64(2), stats[0].LookupCount)
	assert.Equal(t, uint64(2), stats[0].MatchedCount)

	fs := db.Stats(&ofp.FlowStatsRequest{Table: 0, OutPort: ofp.PortAny, OutGroup: ofp.GroupAny})
	require.Len(t, fs, 1)
	assert.Equal(t, uint64(2), fs[0].PacketCount)
}

func TestCacheInvalidatedByFlowChange(t *testing.T) {
	p, db := newPipeline(1)
	addFlow(t, db, 0, 10, inPortMatch(1), output(2))

	p.Run(ethFrame(0x0800), OOB{InPort: 1})

	addFlow(t, db, 0, 20, inPortMatch(1), output(3))
	p.Cache.Invalidate()

	res := p.Run(ethFrame(0x0800), OOB{InPort: 1})
	assert.False(t, res.CacheHit)
	require.Len(t, res.Emits, 1)
	assert.Equal(t, ofp.PortNo(3), res.Emits[0].Port)
}

func TestDecNetworkTTLAtOnePuntsInvalidTTL(t *testing.T) {
	p, db := newPipeline(1)
	addFlow(t, db, 0, 10, inPortMatch(1), ofp.Instructions{
		&ofp.InstructionApplyActions{Actions: ofp.Actions{
			&ofp.ActionDecNetworkTTL{},
			&ofp.ActionOutput{Port: 2},
		}},
	})

	res := p.Run(ipv4Frame(1), OOB{InPort: 1})

	assert.Empty(t, res.Emits)
	require.Len(t, res.PacketIns, 1)
	assert.Equal(t, ofp.PacketInReasonInvalidTTL, res.PacketIns[0].Reason)
}

func TestDecNetworkTTLDecrementsAndFixesChecksum(t *testing.T) {
	p, db := newPipeline(1)
	addFlow(t, db, 0, 10, inPortMatch(1), ofp.Instructions{
		&ofp.InstructionApplyActions{Actions: ofp.Actions{
			&ofp.ActionDecNetworkTTL{},
			&ofp.ActionOutput{Port: 2},
		}},
	})

	res := p.Run(ipv4Frame(64), OOB{InPort: 1})
	require.Len(t, res.Emits, 1)
	out := res.Emits[0].Frame
	assert.Equal(t, uint8(63), out[22])
	assert.Equal(t, ipv4HeaderChecksum(out[14:34]), binary.BigEndian.Uint16(out[24:26]))
}

func TestVlanNoneMatchesUntaggedOnly(t *testing.T) {
	p, db := newPipeline(1)
	none := ofp.Match{Type: ofp.MatchTypeXM, Fields: []ofp.XM{
		{Class: ofp.XMClassOpenflowBasic, Type: ofp.XMTypeVlanID, Value: ofp.XMValue{0, 0}},
	}}
	addFlow(t, db, 0, 10, none, output(2))

	res := p.Run(ethFrame(0x0800), OOB{InPort: 1})
	assert.Len(t, res.Emits, 1)

	tagged := ethFrame(etherTypeVLAN)
	binary.BigEndian.PutUint16(tagged[14:16], 100)
	binary.BigEndian.PutUint16(tagged[16:18], 0x0800)
	p.Cache.Invalidate()

	res = p.Run(tagged, OOB{InPort: 1})
	assert.True(t, res.Dropped)
}

func TestOutputControllerBuildsPacketIn(t *testing.T) {
	p, db := newPipeline(1)
	addFlow(t, db, 0, 10, inPortMatch(1), output(ofp.PortController))

	frame := ethFrame(0x0800)
	res := p.Run(frame, OOB{InPort: 1})

	require.Len(t, res.PacketIns, 1)
	pin := res.PacketIns[0]
	assert.Equal(t, ofp.PacketInReasonAction, pin.Reason)
	assert.Equal(t, frame, pin.Data)
	assert.Equal(t, ofp.NoBuffer, pin.Buffer)
}

func TestTableMissFlowPuntsNoMatchReason(t *testing.T) {
	p, db := newPipeline(1)
	addFlow(t, db, 0, 0, ofp.Match{Type: ofp.MatchTypeXM}, output(ofp.PortController))

	res := p.Run(ethFrame(0x0800), OOB{InPort: 1})
	require.Len(t, res.PacketIns, 1)
	assert.Equal(t, ofp.PacketInReasonNoMatch, res.PacketIns[0].Reason)
}

func TestPopOnlyMPLSLabelClearsStack(t *testing.T) {
	p, db := newPipeline(1)
	addFlow(t, db, 0, 10, inPortMatch(1), ofp.Instructions{
		&ofp.InstructionApplyActions{Actions: ofp.Actions{
			&ofp.ActionPushMPLS{EtherType: etherTypeMPLS},
			&ofp.ActionPopMPLS{EtherType: 0x0800},
			&ofp.ActionOutput{Port: 2},
		}},
	})

	in := ipv4Frame(64)
	res := p.Run(append([]byte(nil), in...), OOB{InPort: 1})

	require.Len(t, res.Emits, 1)
	out := res.Emits[0].Frame
	assert.Equal(t, in, out)
}

func TestWriteMetadataFeedsLaterTable(t *testing.T) {
	p, db := newPipeline(2)
	addFlow(t, db, 0, 10, inPortMatch(1), ofp.Instructions{
		&ofp.InstructionWriteMetadata{Metadata: 0xbeef, MetadataMask: ^uint64(0)},
		&ofp.InstructionGotoTable{Table: 1},
	})

	md := make(ofp.XMValue, 8)
	binary.BigEndian.PutUint64(md, 0xbeef)
	metaMatch := ofp.Match{Type: ofp.MatchTypeXM, Fields: []ofp.XM{
		{Class: ofp.XMClassOpenflowBasic, Type: ofp.XMTypeMetadata, Value: md},
	}}
	addFlow(t, db, 1, 10, metaMatch, output(3))

	res := p.Run(ethFrame(0x0800), OOB{InPort: 1})
	require.Len(t, res.Emits, 1)
	assert.Equal(t, ofp.PortNo(3), res.Emits[0].Port)
}
