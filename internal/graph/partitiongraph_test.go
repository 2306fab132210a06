package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/timebase"
)

func TestGetPartitionGraph(t *testing.T) {
	g, comps, links := buildRing(t)
	pg := g.GetPartitionGraph()

	require.Equal(t, 4, pg.NumComponents())
	require.Len(t, pg.Links(), 4)

	pc := pg.FindComponent(comps[0])
	require.NotNil(t, pc)
	assert.Equal(t, 1.0, pc.Weight)
	assert.ElementsMatch(t, []ids.LinkID{links[0], links[3]}, pc.Links)
	assert.Equal(t, []ids.ComponentID{comps[0]}, pc.Members)
}

func TestPartitionGraphSumsSubcomponentWeight(t *testing.T) {
	g := New()
	c0, _ := g.AddComponent("c0", "lib.t")
	comp := g.FindComponent(c0)
	comp.Weight = 2
	sub, err := comp.AddSubComponent("s", "lib.s", 0)
	require.NoError(t, err)
	sub.Weight = 3

	pg := g.GetPartitionGraph()
	assert.Equal(t, 5.0, pg.FindComponent(c0).Weight)
}

func TestCollapsedPartitionGraph(t *testing.T) {
	g := New()
	comps := make([]ids.ComponentID, 4)
	for i, name := range []string{"a", "b", "c", "d"} {
		id, err := g.AddComponent(name, "lib.t")
		require.NoError(t, err)
		comps[i] = id
	}
	// a-b no-cut, b-c cuttable, c-d no-cut.
	lab := g.CreateLink("lab", "1ns")
	require.NoError(t, g.AddLink(comps[0], lab, "p0", ""))
	require.NoError(t, g.AddLink(comps[1], lab, "p1", ""))
	require.NoError(t, g.SetLinkNoCut(lab))

	lbc := g.CreateLink("lbc", "1ns")
	require.NoError(t, g.AddLink(comps[1], lbc, "p2", ""))
	require.NoError(t, g.AddLink(comps[2], lbc, "p3", ""))

	lcd := g.CreateLink("lcd", "1ns")
	require.NoError(t, g.AddLink(comps[2], lcd, "p4", ""))
	require.NoError(t, g.AddLink(comps[3], lcd, "p5", ""))
	require.NoError(t, g.SetLinkNoCut(lcd))

	tb, err := timebase.New("1ps")
	require.NoError(t, err)
	require.NoError(t, g.PostCreationCleanup(tb))

	pg := g.GetCollapsedPartitionGraph()
	require.Equal(t, 2, pg.NumComponents())

	ab := pg.FindComponent(comps[0])
	require.NotNil(t, ab)
	assert.Equal(t, 2.0, ab.Weight)
	assert.Equal(t, []ids.ComponentID{comps[0], comps[1]}, ab.Members)

	cd := pg.FindComponent(comps[2])
	require.NotNil(t, cd)
	assert.Equal(t, []ids.ComponentID{comps[2], comps[3]}, cd.Members)

	// Only the cuttable link survives, joining the two groups.
	require.Len(t, pg.Links(), 1)
	pl := pg.Links()[0]
	assert.Equal(t, lbc, pl.ID)
	assert.Equal(t, [2]ids.ComponentID{comps[0], comps[2]}, pl.Component)
}

func TestApplyPartition(t *testing.T) {
	g, comps, _ := buildRing(t)
	pg := g.GetPartitionGraph()
	for i, pc := range pg.Components() {
		pc.Rank = ids.RankInfo{Rank: uint32(i % 2), Thread: 0}
	}
	g.ApplyPartition(pg)
	assert.Equal(t, uint32(0), g.FindComponent(comps[0]).Rank.Rank)
	assert.Equal(t, uint32(1), g.FindComponent(comps[1]).Rank.Rank)
}
