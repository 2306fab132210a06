package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemsim/parsim/internal/config"
	"github.com/systemsim/parsim/internal/graph"
	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/timebase"
)

func testConfig(dir string) *config.Config {
	return &config.Config{
		Run: config.RunConfig{
			Timebase:     "1ps",
			Partitioner:  "single",
			NumRanks:     1,
			NumThreads:   1,
			DLBindPolicy: "lazy",
		},
		Checkpoint: config.CheckpointConfig{Directory: dir, Prefix: "test"},
	}
}

// smallGraph builds a two-component, one-link graph.
func smallGraph(t *testing.T) *graph.ConfigGraph {
	t.Helper()
	g := graph.New()
	c0, err := g.AddComponent("left", "lib.node")
	require.NoError(t, err)
	c1, err := g.AddComponent("right", "lib.node")
	require.NoError(t, err)
	l := g.CreateLink("wire", "10ns")
	require.NoError(t, g.AddLink(c0, l, "out", ""))
	require.NoError(t, g.AddLink(c1, l, "in", ""))
	tb, err := timebase.New("1ps")
	require.NoError(t, err)
	require.NoError(t, g.PostCreationCleanup(tb))
	for _, comp := range g.Components() {
		comp.SetRank(ids.RankInfo{Rank: 0, Thread: 0})
	}
	return g
}

func TestWriteAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	w, err := NewWriter(cfg.Checkpoint, 500)
	require.NoError(t, err)

	globals := &Globals{
		Config:          cfg,
		Ranks:           ids.RankInfo{Rank: 1, Thread: 1},
		CurrentSimCycle: 500,
		MinPart:         250,
		MinPartTimebase: "1ps",
		MaxEventID:      99,
		LibNames:        []string{"lib.node"},
	}
	require.NoError(t, w.WriteGlobals(globals, []byte("shared-objs"), []byte("stats")))
	require.NoError(t, w.WriteRankGraph(0, smallGraph(t)))
	require.NoError(t, w.WriteManifest(1))

	var loadedLibs []string
	restart, err := Load(w.ManifestPath(), testConfig(dir), 0, func(names []string) error {
		loadedLibs = names
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"lib.node"}, loadedLibs)
	assert.Equal(t, uint64(500), restart.Globals.CurrentSimCycle)
	assert.Equal(t, []byte("shared-objs"), restart.SharedObjects)
	assert.Equal(t, []byte("stats"), restart.StatsConfig)

	g := restart.Graph
	require.NotNil(t, g)
	assert.Equal(t, 2, g.NumComponents())
	assert.Equal(t, 1, g.NumLinks())
	// Back-pointers are re-linked on load.
	comp := g.FindComponentByName("left")
	require.NotNil(t, comp)
	assert.Same(t, g, comp.Graph())
	// Checkpoint-carried fields land on the graph.
	assert.Equal(t, uint64(250), g.Cpt.MinPart)
	assert.Equal(t, uint64(99), g.Cpt.MaxEventID)
}

func TestLoadRejectsParallelismMismatch(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	w, err := NewWriter(cfg.Checkpoint, 0)
	require.NoError(t, err)
	globals := &Globals{Ranks: ids.RankInfo{Rank: 4, Thread: 2}}
	require.NoError(t, w.WriteGlobals(globals, nil, nil))
	require.NoError(t, w.WriteManifest(4))

	// 2x2 restart of a 4x2 checkpoint: neither exact nor serial.
	bad := testConfig(dir)
	bad.Run.NumRanks = 2
	bad.Run.NumThreads = 2
	_, err = Load(w.ManifestPath(), bad, 0, nil)
	assert.ErrorIs(t, err, ErrCheckpointMismatch)
}

func TestSerialRestartMergesRankGraphs(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	// Build a 2-rank split of a 4-ring and checkpoint both halves.
	full := graph.New()
	comps := make([]ids.ComponentID, 4)
	for i, name := range []string{"c0", "c1", "c2", "c3"} {
		id, err := full.AddComponent(name, "lib.t")
		require.NoError(t, err)
		comps[i] = id
	}
	for i, name := range []string{"l01", "l12", "l23", "l30"} {
		l := full.CreateLink(name, "10ns")
		require.NoError(t, full.AddLink(comps[i], l, "right", ""))
		require.NoError(t, full.AddLink(comps[(i+1)%4], l, "left", ""))
	}
	ranks := []uint32{0, 0, 1, 1}
	for i, id := range comps {
		full.FindComponent(id).SetRank(ids.RankInfo{Rank: ranks[i], Thread: 0})
	}
	tb, err := timebase.New("1ps")
	require.NoError(t, err)
	require.NoError(t, full.PostCreationCleanup(tb))
	require.NoError(t, full.CheckRanks(ids.RankInfo{Rank: 2, Thread: 1}))
	newGraph, err := full.SplitGraph(graph.NewRankSet(0), graph.NewRankSet(1))
	require.NoError(t, err)

	w, err := NewWriter(cfg.Checkpoint, 100)
	require.NoError(t, err)
	globals := &Globals{Ranks: ids.RankInfo{Rank: 2, Thread: 1}, MinPart: 10000}
	require.NoError(t, w.WriteGlobals(globals, nil, nil))
	require.NoError(t, w.WriteRankGraph(0, full))
	require.NoError(t, w.WriteRankGraph(1, newGraph))
	require.NoError(t, w.WriteManifest(2))

	restart, err := Load(w.ManifestPath(), testConfig(dir), 0, nil)
	require.NoError(t, err)

	merged := restart.Graph
	assert.Equal(t, 4, merged.NumComponents())
	assert.Equal(t, 4, merged.NumLinks())
	for _, link := range merged.Links() {
		assert.False(t, link.NonLocal, "link %s still non-local after merge", link.Name)
	}
	// Every component resolves and lists its links again.
	for _, comp := range merged.Components() {
		assert.Len(t, comp.Links, 2)
		for _, lid := range comp.Links {
			require.NotNil(t, merged.FindLink(lid))
		}
	}
}
