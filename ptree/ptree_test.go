package ptree

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ipv4Key(s string) ([]byte, uint16) {
	ip := net.ParseIP(s).To4()
	return []byte(ip), 32
}

func TestInsertLookupExact(t *testing.T) {
	tree, err := New(32)
	require.NoError(t, err)

	key, bits := ipv4Key("10.0.0.1")
	n, err := tree.Insert(key, bits)
	require.NoError(t, err)
	n.SetInfo("route-a")

	got := tree.Lookup(key, bits)
	require.NotNil(t, got)
	assert.Equal(t, "route-a", got.Info())
	tree.Release(got)
	tree.Release(n)
}

func TestLookupMissingReturnsNil(t *testing.T) {
	tree, err := New(32)
	require.NoError(t, err)

	key, bits := ipv4Key("192.168.1.1")
	assert.Nil(t, tree.Lookup(key, bits))
}

func TestMatchLongestPrefix(t *testing.T) {
	tree, err := New(32)
	require.NoError(t, err)

	broad, _ := ipv4Key("10.0.0.0")
	broadNode, err := tree.Insert(broad, 8)
	require.NoError(t, err)
	broadNode.SetInfo("10.0.0.0/8")

	narrow, _ := ipv4Key("10.1.0.0")
	narrowNode, err := tree.Insert(narrow, 16)
	require.NoError(t, err)
	narrowNode.SetInfo("10.1.0.0/16")

	probe, bits := ipv4Key("10.1.2.3")
	m := tree.Match(probe, bits)
	require.NotNil(t, m)
	assert.Equal(t, "10.1.0.0/16", m.Info())
	tree.Release(m)

	other, bits := ipv4Key("10.2.2.3")
	m2 := tree.Match(other, bits)
	require.NotNil(t, m2)
	assert.Equal(t, "10.0.0.0/8", m2.Info())
	tree.Release(m2)

	tree.Release(broadNode)
	tree.Release(narrowNode)
}

func TestMatchNoPrefixReturnsNil(t *testing.T) {
	tree, err := New(32)
	require.NoError(t, err)

	key, _ := ipv4Key("172.16.0.0")
	n, err := tree.Insert(key, 16)
	require.NoError(t, err)
	n.SetInfo("172.16/16")
	defer tree.Release(n)

	probe, bits := ipv4Key("10.0.0.1")
	assert.Nil(t, tree.Match(probe, bits))
}

func TestReleaseSplicesUnreferencedNode(t *testing.T) {
	tree, err := New(32)
	require.NoError(t, err)

	key, bits := ipv4Key("10.10.10.10")
	n, err := tree.Insert(key, bits)
	require.NoError(t, err)

	tree.Release(n)

	visited := 0
	tree.Iterate(func(*Node) bool { visited++; return true })
	assert.Zero(t, visited)
}

func TestInsertRejectsOversizedKey(t *testing.T) {
	tree, err := New(16)
	require.NoError(t, err)

	key, bits := ipv4Key("10.0.0.1")
	_, err = tree.Insert(key, bits)
	assert.Error(t, err)
}

func TestIterateVisitsAllInfoNodes(t *testing.T) {
	tree, err := New(32)
	require.NoError(t, err)

	keys := []string{"10.0.0.1", "10.0.0.2", "192.168.0.1"}
	var kept []*Node
	for _, k := range keys {
		key, bits := ipv4Key(k)
		n, err := tree.Insert(key, bits)
		require.NoError(t, err)
		n.SetInfo(k)
		kept = append(kept, n)
	}

	seen := map[string]bool{}
	tree.Iterate(func(n *Node) bool {
		if v, ok := n.Info().(string); ok {
			seen[v] = true
		}
		return true
	})

	for _, k := range keys {
		assert.True(t, seen[k], "expected iterate to visit %s", k)
	}

	for _, n := range kept {
		tree.Release(n)
	}
}
