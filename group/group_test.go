package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagopus-go/dpcore/ofp"
)

type fakePorts map[ofp.PortNo]bool

func (f fakePorts) PortLive(p ofp.PortNo) bool { return f[p] }

func TestAddAllGroupSelectsEveryBucket(t *testing.T) {
	table := NewTable(nil)
	buckets := []ofp.Bucket{
		{Actions: ofp.Actions{&ofp.ActionOutput{Port: 1}}},
		{Actions: ofp.Actions{&ofp.ActionOutput{Port: 2}}},
	}
	require.NoError(t, table.Add(1, ofp.GroupTypeAll, buckets))

	g, ok := table.Get(1)
	require.True(t, ok)

	selected := g.Select(0, nil, table)
	assert.Len(t, selected, 2)
}

func TestIndirectRequiresExactlyOneBucket(t *testing.T) {
	table := NewTable(nil)
	buckets := []ofp.Bucket{
		{Actions: ofp.Actions{&ofp.ActionOutput{Port: 1}}},
		{Actions: ofp.Actions{&ofp.ActionOutput{Port: 2}}},
	}
	err := table.Add(1, ofp.GroupTypeIndirect, buckets)
	assert.Error(t, err)
}

func TestFastFailoverPicksFirstLiveBucket(t *testing.T) {
	table := NewTable(nil)
	buckets := []ofp.Bucket{
		{WatchPort: 1, Actions: ofp.Actions{&ofp.ActionOutput{Port: 1}}},
		{WatchPort: 2, Actions: ofp.Actions{&ofp.ActionOutput{Port: 2}}},
	}
	require.NoError(t, table.Add(1, ofp.GroupTypeFastFailover, buckets))
	g, _ := table.Get(1)

	ports := fakePorts{2: true}
	selected := g.Select(0, ports, table)
	require.Len(t, selected, 1)
	assert.Equal(t, ofp.PortNo(2), selected[0].WatchPort)
}

func TestFastFailoverNoLiveBucketSelectsNothing(t *testing.T) {
	table := NewTable(nil)
	buckets := []ofp.Bucket{
		{WatchPort: 1, Actions: ofp.Actions{&ofp.ActionOutput{Port: 1}}},
	}
	require.NoError(t, table.Add(1, ofp.GroupTypeFastFailover, buckets))
	g, _ := table.Get(1)

	selected := g.Select(0, fakePorts{}, table)
	assert.Nil(t, selected)
}

func TestSelectGroupWeightedDistribution(t *testing.T) {
	table := NewTable(nil)
	buckets := []ofp.Bucket{
		{Weight: 1, Actions: ofp.Actions{&ofp.ActionOutput{Port: 1}}},
		{Weight: 3, Actions: ofp.Actions{&ofp.ActionOutput{Port: 2}}},
	}
	require.NoError(t, table.Add(1, ofp.GroupTypeSelect, buckets))
	g, _ := table.Get(1)

	counts := map[ofp.PortNo]int{}
	for h := uint64(0); h < 4; h++ {
		sel := g.Select(h, nil, table)
		require.Len(t, sel, 1)
		counts[sel[0].Actions[0].(*ofp.ActionOutput).Port]++
	}
	assert.Equal(t, 1, counts[1])
	assert.Equal(t, 3, counts[2])
}

func TestAddRejectsSelfWatchGroupLoop(t *testing.T) {
	table := NewTable(nil)
	buckets := []ofp.Bucket{
		{WatchGroup: 1, Actions: ofp.Actions{&ofp.ActionOutput{Port: 1}}},
	}
	err := table.Add(1, ofp.GroupTypeFastFailover, buckets)
	assert.Error(t, err)
}

func TestAddRejectsChainedGroupLoop(t *testing.T) {
	table := NewTable(nil)
	require.NoError(t, table.Add(1, ofp.GroupTypeAll, []ofp.Bucket{
		{Actions: ofp.Actions{&ofp.ActionGroup{Group: 2}}},
	}))

	// 2 -> 1 -> 2 closes a cycle through the OFPAT_GROUP edge.
	err := table.Add(2, ofp.GroupTypeAll, []ofp.Bucket{
		{Actions: ofp.Actions{&ofp.ActionGroup{Group: 1}}},
	})
	assert.Error(t, err)
}

func TestDeleteAllClearsTable(t *testing.T) {
	table := NewTable(nil)
	require.NoError(t, table.Add(1, ofp.GroupTypeAll, nil))
	require.NoError(t, table.Add(2, ofp.GroupTypeAll, nil))

	require.NoError(t, table.Delete(ofp.GroupAll))

	_, ok := table.Get(1)
	assert.False(t, ok)
}

func TestModifyKeepsGroupIdentity(t *testing.T) {
	table := NewTable(nil)
	require.NoError(t, table.Add(1, ofp.GroupTypeAll, nil))
	before, _ := table.Get(1)

	newBuckets := []ofp.Bucket{{Actions: ofp.Actions{&ofp.ActionOutput{Port: 5}}}}
	require.NoError(t, table.Modify(1, ofp.GroupTypeAll, newBuckets))

	after, _ := table.Get(1)
	assert.Same(t, before, after)
	assert.Len(t, after.Buckets, 1)
}

func TestAccountAccumulatesCounters(t *testing.T) {
	table := NewTable(nil)
	buckets := []ofp.Bucket{{Actions: ofp.Actions{&ofp.ActionOutput{Port: 1}}}}
	require.NoError(t, table.Add(1, ofp.GroupTypeAll, buckets))
	g, _ := table.Get(1)

	g.AccountPacket(64)
	g.Buckets[0].Account(64)
	g.AccountPacket(128)
	g.Buckets[0].Account(128)

	packets, bytes := g.Stats()
	assert.Equal(t, uint64(2), packets)
	assert.Equal(t, uint64(192), bytes)
}
