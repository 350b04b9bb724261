package flowdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagopus-go/dpcore/ofp"
)

func xmValue(v ...byte) ofp.XMValue { return ofp.XMValue(v) }

func inPortMatch(port byte) ofp.Match {
	return ofp.Match{Fields: []ofp.XM{
		{Type: ofp.XMTypeInPort, Value: xmValue(0, 0, 0, port)},
	}}
}

func outputFlowMod(table ofp.Table, priority uint16, m ofp.Match, port ofp.PortNo) *ofp.FlowMod {
	return &ofp.FlowMod{
		Table:    table,
		Command:  ofp.FlowAdd,
		Priority: priority,
		Match:    m,
		OutPort:  ofp.PortAny,
		OutGroup: ofp.GroupAny,
		Instructions: ofp.Instructions{
			&ofp.InstructionApplyActions{Actions: ofp.Actions{
				&ofp.ActionOutput{Port: port},
			}},
		},
	}
}

func TestAddAndLookupExactMatch(t *testing.T) {
	db := New(1, nil)
	fm := outputFlowMod(0, 10, inPortMatch(1), 2)
	require.NoError(t, db.Table(0).Add(fm))

	pkt := []ofp.XM{{Type: ofp.XMTypeInPort, Value: xmValue(0, 0, 0, 1)}}
	f := db.Table(0).Lookup(pkt)
	require.NotNil(t, f)
	assert.Equal(t, uint16(10), f.Priority)
}

func TestLookupPrefersHigherPriority(t *testing.T) {
	db := New(1, nil)
	require.NoError(t, db.Table(0).Add(outputFlowMod(0, 5, ofp.Match{}, 1)))
	require.NoError(t, db.Table(0).Add(outputFlowMod(0, 20, inPortMatch(1), 2)))

	pkt := []ofp.XM{{Type: ofp.XMTypeInPort, Value: xmValue(0, 0, 0, 1)}}
	f := db.Table(0).Lookup(pkt)
	require.NotNil(t, f)
	assert.Equal(t, uint16(20), f.Priority)
}

func TestLookupMissReturnsNil(t *testing.T) {
	db := New(1, nil)
	require.NoError(t, db.Table(0).Add(outputFlowMod(0, 5, inPortMatch(1), 2)))

	pkt := []ofp.XM{{Type: ofp.XMTypeInPort, Value: xmValue(0, 0, 0, 9)}}
	assert.Nil(t, db.Table(0).Lookup(pkt))
}

func TestAddSameMatchAndPriorityReplaces(t *testing.T) {
	db := New(1, nil)
	require.NoError(t, db.Table(0).Add(outputFlowMod(0, 5, inPortMatch(1), 2)))
	require.NoError(t, db.Table(0).Add(outputFlowMod(0, 5, inPortMatch(1), 3)))

	assert.Equal(t, 1, db.Table(0).Count())
}

func TestAddRejectsOverlapWhenFlagSet(t *testing.T) {
	db := New(1, nil)
	fm1 := outputFlowMod(0, 5, ofp.Match{}, 1)
	require.NoError(t, db.Table(0).Add(fm1))

	fm2 := outputFlowMod(0, 5, inPortMatch(1), 2)
	fm2.Flags = ofp.FlowFlagCheckOverlap
	err := db.Table(0).Add(fm2)
	assert.Error(t, err)
}

func TestModifyNonStrictRewritesInstructions(t *testing.T) {
	db := New(1, nil)
	require.NoError(t, db.Table(0).Add(outputFlowMod(0, 5, inPortMatch(1), 2)))

	mod := &ofp.FlowMod{
		Command: ofp.FlowModify,
		Match:   inPortMatch(1),
		Instructions: ofp.Instructions{
			&ofp.InstructionApplyActions{Actions: ofp.Actions{&ofp.ActionOutput{Port: 9}}},
		},
	}
	require.NoError(t, db.Table(0).Modify(mod))

	pkt := []ofp.XM{{Type: ofp.XMTypeInPort, Value: xmValue(0, 0, 0, 1)}}
	f := db.Table(0).Lookup(pkt)
	require.NotNil(t, f)
	ia := f.Instructions[0].(*ofp.InstructionApplyActions)
	assert.Equal(t, ofp.PortNo(9), ia.Actions[0].(*ofp.ActionOutput).Port)
}

func TestDeleteNonStrictRemovesSubsetMatches(t *testing.T) {
	db := New(1, nil)
	require.NoError(t, db.Table(0).Add(outputFlowMod(0, 5, inPortMatch(1), 2)))
	require.NoError(t, db.Table(0).Add(outputFlowMod(0, 6, inPortMatch(2), 3)))

	del := &ofp.FlowMod{
		Command:  ofp.FlowDelete,
		Match:    inPortMatch(1),
		OutPort:  ofp.PortAny,
		OutGroup: ofp.GroupAny,
	}
	evicted := db.Table(0).Delete(del)
	require.Len(t, evicted, 1)
	assert.Equal(t, ofp.FlowReasonDelete, evicted[0].Reason)
	assert.Equal(t, 1, db.Table(0).Count())
}

func TestDeleteHonorsOutPortFilter(t *testing.T) {
	db := New(1, nil)
	require.NoError(t, db.Table(0).Add(outputFlowMod(0, 5, inPortMatch(1), 2)))

	del := &ofp.FlowMod{
		Command:  ofp.FlowDelete,
		Match:    ofp.Match{},
		OutPort:  99,
		OutGroup: ofp.GroupAny,
	}
	evicted := db.Table(0).Delete(del)
	assert.Len(t, evicted, 0)
	assert.Equal(t, 1, db.Table(0).Count())
}

func TestAddRejectsDuplicateMatchField(t *testing.T) {
	db := New(1, nil)
	m := ofp.Match{Fields: []ofp.XM{
		{Type: ofp.XMTypeInPort, Value: xmValue(0, 0, 0, 1)},
		{Type: ofp.XMTypeInPort, Value: xmValue(0, 0, 0, 2)},
	}}
	err := db.Table(0).Add(outputFlowMod(0, 5, m, 2))
	assert.Error(t, err)
}

func TestAddRejectsValueBitsOutsideMask(t *testing.T) {
	db := New(1, nil)
	m := ofp.Match{Fields: []ofp.XM{
		{Type: ofp.XMTypeIPv4Src,
			Value: xmValue(10, 0, 0, 1),
			Mask:  xmValue(0xff, 0xff, 0xff, 0)},
	}}
	err := db.Table(0).Add(outputFlowMod(0, 5, m, 2))
	assert.Error(t, err)
}

func TestCounterValuesMaskedByNoCountFlags(t *testing.T) {
	db := New(1, nil)
	fm := outputFlowMod(0, 5, inPortMatch(1), 2)
	fm.Flags = ofp.FlowFlagNoPktCounts
	require.NoError(t, db.Table(0).Add(fm))

	f := db.Table(0).Lookup([]ofp.XM{{Type: ofp.XMTypeInPort, Value: xmValue(0, 0, 0, 1)}})
	require.NotNil(t, f)
	f.Account(100)

	packets, bytes := f.CounterValues()
	assert.Equal(t, ^uint64(0), packets)
	assert.Equal(t, uint64(100), bytes)
}

func TestNoteCachedHitMovesTableCounters(t *testing.T) {
	db := New(1, nil)
	require.NoError(t, db.Table(0).Add(outputFlowMod(0, 5, inPortMatch(1), 2)))

	f := db.Table(0).Lookup([]ofp.XM{{Type: ofp.XMTypeInPort, Value: xmValue(0, 0, 0, 1)}})
	require.NotNil(t, f)
	db.Table(0).NoteCachedHit(f)

	stats := db.TableStats()
	assert.Equal(t, uint64(2), stats[0].LookupCount)
	assert.Equal(t, uint64(2), stats[0].MatchedCount)
}

func TestDeleteByMeterEvictsReferencingFlows(t *testing.T) {
	db := New(1, nil)
	fm := &ofp.FlowMod{
		Table:    0,
		Command:  ofp.FlowAdd,
		Priority: 1,
		Match:    ofp.Match{},
		OutPort:  ofp.PortAny,
		OutGroup: ofp.GroupAny,
		Instructions: ofp.Instructions{
			&ofp.InstructionMeter{Meter: 6},
		},
	}
	require.NoError(t, db.Table(0).Add(fm))

	evicted := db.DeleteByMeter(6)
	require.Len(t, evicted, 1)
	assert.Equal(t, 0, db.Table(0).Count())
}

func TestDeleteHonorsCookieMask(t *testing.T) {
	db := New(1, nil)
	fm1 := outputFlowMod(0, 5, inPortMatch(1), 2)
	fm1.Cookie = 0x11
	require.NoError(t, db.Table(0).Add(fm1))
	fm2 := outputFlowMod(0, 5, inPortMatch(2), 2)
	fm2.Cookie = 0x22
	require.NoError(t, db.Table(0).Add(fm2))

	del := &ofp.FlowMod{
		Command:    ofp.FlowDelete,
		Match:      ofp.Match{},
		Cookie:     0x11,
		CookieMask: 0xff,
		OutPort:    ofp.PortAny,
		OutGroup:   ofp.GroupAny,
	}
	evicted := db.Table(0).Delete(del)
	require.Len(t, evicted, 1)
	assert.Equal(t, uint64(0x11), evicted[0].Flow.Cookie)
	assert.Equal(t, 1, db.Table(0).Count())
}

func TestDeleteByGroupEvictsReferencingFlows(t *testing.T) {
	db := New(1, nil)
	fm := &ofp.FlowMod{
		Table:    0,
		Command:  ofp.FlowAdd,
		Priority: 1,
		Match:    ofp.Match{},
		OutPort:  ofp.PortAny,
		OutGroup: ofp.GroupAny,
		Instructions: ofp.Instructions{
			&ofp.InstructionWriteActions{Actions: ofp.Actions{&ofp.ActionGroup{Group: 7}}},
		},
	}
	require.NoError(t, db.Table(0).Add(fm))

	evicted := db.DeleteByGroup(7)
	require.Len(t, evicted, 1)
	assert.Equal(t, ofp.FlowReasonGroupDelete, evicted[0].Reason)
}

func TestApplyRejectsUnknownTable(t *testing.T) {
	db := New(1, nil)
	fm := outputFlowMod(5, 1, ofp.Match{}, 1)
	_, err := db.Apply(fm)
	assert.Error(t, err)
}

func TestAggregateSumsMatchingFlows(t *testing.T) {
	db := New(1, nil)
	require.NoError(t, db.Table(0).Add(outputFlowMod(0, 5, inPortMatch(1), 2)))
	require.NoError(t, db.Table(0).Add(outputFlowMod(0, 6, inPortMatch(2), 3)))

	f1 := db.Table(0).Lookup([]ofp.XM{{Type: ofp.XMTypeInPort, Value: xmValue(0, 0, 0, 1)}})
	f1.Account(100)

	agg := db.Aggregate(&ofp.AggregateStatsRequest{
		Table: ofp.TableAll, OutPort: ofp.PortAny, OutGroup: ofp.GroupAny,
	})
	assert.Equal(t, uint32(2), agg.FlowCount)
	assert.Equal(t, uint64(100), agg.ByteCount)
}

func TestValidateRejectsMissingPrerequisite(t *testing.T) {
	db := New(1, nil)
	fm := outputFlowMod(0, 1, ofp.Match{Fields: []ofp.XM{
		{Type: ofp.XMTypeTCPSrc, Value: xmValue(0, 80)},
	}}, 1)
	err := db.Table(0).Add(fm)
	assert.Error(t, err)
}
