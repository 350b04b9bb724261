package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagopus-go/dpcore/flowdb"
)

func TestStoreThenLookupHits(t *testing.T) {
	c := New()
	flows := []*flowdb.Flow{{Priority: 5}}
	c.Store(42, flows)

	got, ok := c.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, flows, got)
}

func TestLookupMissOnUnknownHash(t *testing.T) {
	c := New()
	_, ok := c.Lookup(1)
	assert.False(t, ok)
}

func TestInvalidateStalesExistingEntries(t *testing.T) {
	c := New()
	c.Store(7, []*flowdb.Flow{{Priority: 1}})

	c.Invalidate()

	_, ok := c.Lookup(7)
	assert.False(t, ok)
}

func TestStoreAfterInvalidateIsCurrent(t *testing.T) {
	c := New()
	c.Invalidate()
	c.Store(7, []*flowdb.Flow{{Priority: 1}})

	_, ok := c.Lookup(7)
	assert.True(t, ok)
}

func TestGenerationIncreasesMonotonically(t *testing.T) {
	c := New()
	g0 := c.Generation()
	g1 := c.Invalidate()
	assert.Greater(t, g1, g0)
	assert.Equal(t, g1, c.Generation())
}
