package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemsim/parsim/internal/graph"
	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/timebase"
)

// chainGraph builds n components in a chain with 10ns links.
func chainGraph(t *testing.T, n int) *graph.ConfigGraph {
	t.Helper()
	g := graph.New()
	comps := make([]ids.ComponentID, n)
	for i := 0; i < n; i++ {
		id, err := g.AddComponent(string(rune('a'+i)), "lib.t")
		require.NoError(t, err)
		comps[i] = id
	}
	for i := 0; i+1 < n; i++ {
		l := g.CreateLink("link_"+string(rune('a'+i)), "10ns")
		require.NoError(t, g.AddLink(comps[i], l, "right", ""))
		require.NoError(t, g.AddLink(comps[i+1], l, "left", ""))
	}
	tb, err := timebase.New("1ps")
	require.NoError(t, err)
	require.NoError(t, g.PostCreationCleanup(tb))
	return g
}

func TestRoundRobinPlacement(t *testing.T) {
	g := chainGraph(t, 4)
	world := ids.RankInfo{Rank: 2, Thread: 2}

	require.NoError(t, Run("roundrobin", g, world, ids.RankInfo{Rank: 0, Thread: 0}, 0))

	want := []ids.RankInfo{
		{Rank: 0, Thread: 0},
		{Rank: 1, Thread: 0},
		{Rank: 0, Thread: 1},
		{Rank: 1, Thread: 1},
	}
	for i, comp := range g.Components() {
		assert.Equal(t, want[i], comp.Rank, "component %d", i)
	}
	require.NoError(t, g.CheckRanks(world))
}

func TestSinglePartitioner(t *testing.T) {
	g := chainGraph(t, 3)
	world := ids.RankInfo{Rank: 1, Thread: 1}
	require.NoError(t, Run("single", g, world, ids.RankInfo{}, 0))
	for _, comp := range g.Components() {
		assert.Equal(t, ids.RankInfo{Rank: 0, Thread: 0}, comp.Rank)
	}

	// Precondition: world must be serial.
	_, err := Lookup("single")
	require.NoError(t, err)
	err = Run("single", g, ids.RankInfo{Rank: 2, Thread: 1}, ids.RankInfo{}, 0)
	assert.ErrorIs(t, err, ErrUnsupportedWorld)
}

func TestSimplePartitionerCoversAllParts(t *testing.T) {
	g := chainGraph(t, 16)
	world := ids.RankInfo{Rank: 2, Thread: 2}
	require.NoError(t, Run("simple", g, world, ids.RankInfo{}, 0))

	seen := make(map[ids.RankInfo]int)
	for _, comp := range g.Components() {
		require.True(t, comp.Rank.IsAssigned())
		assert.True(t, world.InRange(comp.Rank))
		seen[comp.Rank]++
	}
	// 2^2 partitions, all populated for a 16-vertex chain.
	assert.Len(t, seen, 4)
}

func TestKWayPartitioner(t *testing.T) {
	g := chainGraph(t, 12)
	world := ids.RankInfo{Rank: 2, Thread: 2}
	require.NoError(t, Run("kway", g, world, ids.RankInfo{}, 0))

	seen := make(map[ids.RankInfo]bool)
	for _, comp := range g.Components() {
		require.True(t, comp.Rank.IsAssigned())
		assert.True(t, world.InRange(comp.Rank))
		seen[comp.Rank] = true
	}
	assert.Len(t, seen, 4)
}

func TestKWayRespectsNoCutGroups(t *testing.T) {
	g := chainGraph(t, 8)
	// Make the whole chain no-cut: everything must land on one part.
	for _, link := range g.Links() {
		require.NoError(t, g.SetLinkNoCut(link.ID))
	}
	world := ids.RankInfo{Rank: 2, Thread: 1}
	require.NoError(t, Run("kway", g, world, ids.RankInfo{}, 0))

	first := g.Components()[0].Rank
	for _, comp := range g.Components() {
		assert.Equal(t, first, comp.Rank)
	}
}

func TestGreedyKernelBalances(t *testing.T) {
	// Two unconnected heavy vertices and two light ones over two parts.
	xadj := []int64{0, 0, 0, 0, 0}
	vwgt := []int64{10, 10, 1, 1}
	parts, err := greedyKernel{}.Partition(xadj, nil, vwgt, nil, 2, 1.04)
	require.NoError(t, err)
	require.Len(t, parts, 4)
	assert.NotEqual(t, parts[0], parts[1], "heavy vertices split across parts")
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("does-not-exist")
	assert.ErrorIs(t, err, ErrUnknownPartitioner)
}
