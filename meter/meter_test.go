package meter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagopus-go/dpcore/ofp"
)

func TestAddAndGet(t *testing.T) {
	table := NewTable(nil)

	bands := ofp.MeterBands{&ofp.MeterBandDrop{Rate: 100, BurstSize: 10}}
	require.NoError(t, table.Add(1, ofp.MeterFlagPacketPerSec, bands))

	m, ok := table.Get(1)
	require.True(t, ok)
	assert.Equal(t, ofp.Meter(1), m.ID)
}

func TestAddDuplicateFails(t *testing.T) {
	table := NewTable(nil)
	bands := ofp.MeterBands{&ofp.MeterBandDrop{Rate: 100}}

	require.NoError(t, table.Add(1, 0, bands))
	err := table.Add(1, 0, bands)
	assert.Error(t, err)
}

func TestAddRejectsReservedID(t *testing.T) {
	table := NewTable(nil)
	err := table.Add(ofp.MeterController, 0, nil)
	assert.Error(t, err)
}

func TestModifyKeepsSameMeterIdentity(t *testing.T) {
	table := NewTable(nil)
	bands := ofp.MeterBands{&ofp.MeterBandDrop{Rate: 10}}
	require.NoError(t, table.Add(1, 0, bands))

	before, _ := table.Get(1)

	newBands := ofp.MeterBands{&ofp.MeterBandDrop{Rate: 99}}
	require.NoError(t, table.Modify(1, ofp.MeterFlagBurst, newBands))

	after, _ := table.Get(1)
	assert.Same(t, before, after)
	assert.Equal(t, newBands[0], after.Bands[0])
}

func TestDeleteAllClearsTable(t *testing.T) {
	table := NewTable(nil)
	require.NoError(t, table.Add(1, 0, nil))
	require.NoError(t, table.Add(2, 0, nil))

	require.NoError(t, table.Delete(ofp.MeterAll))

	_, ok := table.Get(1)
	assert.False(t, ok)
	_, ok = table.Get(2)
	assert.False(t, ok)
}

func TestApplyDropBandExceedingRate(t *testing.T) {
	bands := ofp.MeterBands{&ofp.MeterBandDrop{Rate: 100}}
	m := newMeter(1, ofp.MeterFlagKBitPerSec, bands)

	color, _ := m.Apply(1000, 50)
	assert.Equal(t, ColorGreen, color)

	color, _ = m.Apply(1000, 150)
	assert.Equal(t, ColorRed, color)
}

func TestApplyPicksHighestExceededBand(t *testing.T) {
	bands := ofp.MeterBands{
		&ofp.MeterBandDSCPRemark{Rate: 50, PrecLevel: 1},
		&ofp.MeterBandDrop{Rate: 100},
	}
	m := newMeter(1, 0, bands)

	color, prec := m.Apply(1000, 60)
	assert.Equal(t, ColorYellow, color)
	assert.Equal(t, uint8(1), prec)

	color, _ = m.Apply(1000, 120)
	assert.Equal(t, ColorRed, color)
}

func TestApplyAccumulatesCounters(t *testing.T) {
	m := newMeter(1, 0, nil)
	m.Apply(100, 1)
	m.Apply(200, 1)

	packets, bytes := m.Stats()
	assert.Equal(t, uint64(2), packets)
	assert.Equal(t, uint64(300), bytes)
}

func TestPoliceWindowResetsEachSecond(t *testing.T) {
	bands := ofp.MeterBands{&ofp.MeterBandDrop{Rate: 1, BurstSize: 1}}
	m := newMeter(5, ofp.MeterFlagPacketPerSec, bands)

	t0 := time.Unix(1700000000, 0)
	color, _ := m.Police(64, t0)
	assert.Equal(t, ColorGreen, color)

	color, _ = m.Police(64, t0)
	assert.Equal(t, ColorRed, color)

	color, _ = m.Police(64, t0.Add(time.Second))
	assert.Equal(t, ColorGreen, color)

	packets, _ := m.Stats()
	assert.Equal(t, uint64(3), packets)
}

func TestRemarkDSCPClassSelectorSubtractsClasses(t *testing.T) {
	assert.Equal(t, uint8(40), RemarkDSCP(48, 1)) // CS6 -> CS5
	assert.Equal(t, uint8(0), RemarkDSCP(0, 1))   // CS0 can't go lower
}

func TestRemarkDSCPAssuredForwardingRaisesDropPrecedence(t *testing.T) {
	assert.Equal(t, uint8(12), RemarkDSCP(10, 1)) // AF11 -> AF12
	assert.Equal(t, uint8(14), RemarkDSCP(10, 2)) // AF11 -> AF13
}

func TestRemarkDSCPIdempotentAtMaxRemarkLevel(t *testing.T) {
	// AF13 (low bits 6) is already at the highest drop precedence.
	assert.Equal(t, uint8(14), RemarkDSCP(14, 1))
	// Overflow past the AF space leaves the value alone.
	assert.Equal(t, uint8(12), RemarkDSCP(12, 3))
}

func TestStatsAllAggregatesEveryMeter(t *testing.T) {
	table := NewTable(nil)
	require.NoError(t, table.Add(1, 0, nil))
	require.NoError(t, table.Add(2, 0, nil))

	stats := table.Stats(ofp.MeterAll)
	assert.Len(t, stats, 2)
}
