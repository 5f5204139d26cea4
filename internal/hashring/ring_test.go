package hashring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_Empty(t *testing.T) {
	r := New(DefaultConfig())

	assert.Equal(t, 0, r.Size())
	assert.Equal(t, "", r.GetNode("anything"))
	assert.Empty(t, r.GetNodes("anything", 3))
}

func TestRing_SingleNodeOwnsEverything(t *testing.T) {
	r := New(DefaultConfig())
	r.AddNode("node-1")

	for i := 0; i < 100; i++ {
		assert.Equal(t, "node-1", r.GetNode(fmt.Sprintf("job-%d", i)))
	}
}

func TestRing_Distribution(t *testing.T) {
	r := New(DefaultConfig())
	r.AddNode("node-a")
	r.AddNode("node-b")
	r.AddNode("node-c")

	dist := r.GetDistribution()
	require.Len(t, dist, 3)
	for node, n := range dist {
		assert.Equal(t, DefaultVirtualNodes, n, "virtual positions for %s", node)
	}

	counts := map[string]int{}
	total := 10000
	for i := 0; i < total; i++ {
		counts[r.GetNode(fmt.Sprintf("key-%d", i))]++
	}
	for node, c := range counts {
		pct := float64(c) / float64(total)
		assert.Truef(t, pct > 0.20 && pct < 0.46, "node %s got %.1f%% of keys", node, pct*100)
	}
}

func TestRing_Deterministic(t *testing.T) {
	a := New(DefaultConfig())
	b := New(DefaultConfig())
	for _, n := range []string{"x", "y", "z"} {
		a.AddNode(n)
	}
	for _, n := range []string{"z", "x", "y"} {
		b.AddNode(n)
	}

	for i := 0; i < 500; i++ {
		k := fmt.Sprintf("k-%d", i)
		require.Equal(t, a.GetNode(k), b.GetNode(k), "ownership of %s differs", k)
	}
}

func TestRing_RemoveNodeKeepsSurvivorOwnership(t *testing.T) {
	r := New(DefaultConfig())
	r.AddNode("A")
	r.AddNode("B")
	r.AddNode("C")
	r.AddNode("D")

	before := map[string]string{}
	for i := 0; i < 2000; i++ {
		k := fmt.Sprintf("k-%d", i)
		before[k] = r.GetNode(k)
	}

	r.RemoveNode("B")

	movedFromB := 0
	for k, owner := range before {
		now := r.GetNode(k)
		if owner == "B" {
			assert.NotEqual(t, "B", now)
			movedFromB++
			continue
		}
		require.Equal(t, owner, now, "key %s owned by surviving node moved", k)
	}
	// ~1/N das chaves
	assert.Less(t, float64(movedFromB)/2000.0, 0.40)
	assert.Equal(t, 3, r.Size())
	assert.NotContains(t, r.GetDistribution(), "B")
}

func TestRing_GetNodesDistinctAndCapped(t *testing.T) {
	r := New(DefaultConfig())
	r.AddNode("x")
	r.AddNode("y")
	r.AddNode("z")

	nodes := r.GetNodes("test-key", 2)
	require.Len(t, nodes, 2)
	assert.NotEqual(t, nodes[0], nodes[1])
	assert.Equal(t, r.GetNode("test-key"), nodes[0], "first replica is the owner")

	assert.Len(t, r.GetNodes("test-key", 5), 3)
}

func TestRing_AddNodeIdempotent(t *testing.T) {
	r := New(Config{VirtualNodes: 10})
	r.AddNode("a")
	r.AddNode("a")

	assert.Equal(t, map[string]int{"a": 10}, r.GetDistribution())
	assert.Equal(t, []string{"a"}, r.Nodes())
}
