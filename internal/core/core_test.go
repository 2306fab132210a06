package core

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/systemsim/parsim/internal/config"
	"github.com/systemsim/parsim/internal/graph"
	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/syncmgr"
	"github.com/systemsim/parsim/internal/timebase"
	"github.com/systemsim/parsim/internal/transport"
)

func testCfg(ranks, threads, myRank uint32) *config.Config {
	return &config.Config{
		Run: config.RunConfig{
			Timebase:     "1ps",
			Partitioner:  "single",
			NumRanks:     ranks,
			NumThreads:   threads,
			MyRank:       myRank,
			DLBindPolicy: "lazy",
		},
		Checkpoint: config.CheckpointConfig{Directory: "./checkpoints", Prefix: "test"},
	}
}

// pairGraph builds two components joined by the named links, placed on one
// rank/thread.
func pairGraph(t *testing.T, linkNames []string) (*graph.ConfigGraph, []ids.LinkID) {
	t.Helper()
	g := graph.New()
	c0, err := g.AddComponent("src", "lib.t")
	require.NoError(t, err)
	c1, err := g.AddComponent("dst", "lib.t")
	require.NoError(t, err)
	links := make([]ids.LinkID, len(linkNames))
	for i, name := range linkNames {
		l := g.CreateLink(name, "10ns")
		require.NoError(t, g.AddLink(c0, l, "out_"+name, ""))
		require.NoError(t, g.AddLink(c1, l, "in_"+name, ""))
		links[i] = l
	}
	tb, err := timebase.New("1ps")
	require.NoError(t, err)
	require.NoError(t, g.PostCreationCleanup(tb))
	for _, comp := range g.Components() {
		comp.SetRank(ids.RankInfo{Rank: 0, Thread: 0})
	}
	require.NoError(t, g.CheckRanks(ids.RankInfo{Rank: 1, Thread: 1}))
	return g, links
}

func TestSerialDeliveryAndOrdering(t *testing.T) {
	g, _ := pairGraph(t, []string{"bravo", "alpha"})
	sim, err := New(testCfg(1, 1, 0), g, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	for _, link := range g.Links() {
		name := link.Name
		sim.RegisterHandler(link.Order, func(thread int, ev *syncmgr.Event) {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
		})
	}

	// Send on bravo first; alpha must still deliver first at the same
	// cycle because its order tag is lower.
	for _, name := range []string{"bravo", "alpha"} {
		link := findLinkByName(t, g, name)
		ep, err := sim.Endpoint(link.Order, 0)
		require.NoError(t, err)
		ep.Send(0, 0, []byte(name))
	}

	code, err := sim.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"alpha", "bravo"}, got)

	// Both events arrived one link latency after the send.
	assert.Equal(t, uint64(10000), sim.CurrentSimCycle())
}

func findLinkByName(t *testing.T, g *graph.ConfigGraph, name string) *graph.ConfigLink {
	t.Helper()
	for _, link := range g.Links() {
		if link.Name == name {
			return link
		}
	}
	t.Fatalf("link %s not found", name)
	return nil
}

func TestCrossRankDelivery(t *testing.T) {
	// c0 (rank 0) -- wire -- c1 (rank 1)
	full := graph.New()
	c0, err := full.AddComponent("c0", "lib.t")
	require.NoError(t, err)
	c1, err := full.AddComponent("c1", "lib.t")
	require.NoError(t, err)
	l := full.CreateLink("wire", "10ns")
	require.NoError(t, full.AddLink(c0, l, "out", ""))
	require.NoError(t, full.AddLink(c1, l, "in", ""))
	tb, err := timebase.New("1ps")
	require.NoError(t, err)
	require.NoError(t, full.PostCreationCleanup(tb))
	full.FindComponent(c0).SetRank(ids.RankInfo{Rank: 0, Thread: 0})
	full.FindComponent(c1).SetRank(ids.RankInfo{Rank: 1, Thread: 0})
	require.NoError(t, full.CheckRanks(ids.RankInfo{Rank: 2, Thread: 1}))

	rank1Graph, err := full.SplitGraph(graph.NewRankSet(0), graph.NewRankSet(1))
	require.NoError(t, err)
	graphs := []*graph.ConfigGraph{full, rank1Graph}

	hub := transport.NewLoopbackHub(2)
	sims := make([]*Simulation, 2)
	for rank := uint32(0); rank < 2; rank++ {
		cfg := testCfg(2, 1, rank)
		cfg.Run.StopAt = "25ns"
		sim, err := New(cfg, graphs[rank], hub.RankTransport(int(rank)))
		require.NoError(t, err)
		sims[rank] = sim
	}

	tag := findLinkByName(t, full, "wire").Order

	var mu sync.Mutex
	var deliveries []uint64
	sims[1].RegisterHandler(tag, func(thread int, ev *syncmgr.Event) {
		mu.Lock()
		deliveries = append(deliveries, ev.Time)
		mu.Unlock()
	})

	ep, err := sims[0].Endpoint(tag, 0)
	require.NoError(t, err)
	ep.Send(0, 0, []byte("ping"))

	var eg errgroup.Group
	for rank := 0; rank < 2; rank++ {
		sim := sims[rank]
		eg.Go(func() error {
			_, err := sim.Run(context.Background())
			return err
		})
	}
	require.NoError(t, eg.Wait())

	require.Len(t, deliveries, 1)
	assert.Equal(t, uint64(10000), deliveries[0])
}

func TestTimeVortexOrderingAndDepth(t *testing.T) {
	v := NewTimeVortex()
	v.Insert(&syncmgr.Event{Time: 5, OrderTag: 2})
	v.Insert(&syncmgr.Event{Time: 5, OrderTag: 1})
	v.Insert(&syncmgr.Event{Time: 3, OrderTag: 9})
	v.Insert(&syncmgr.Event{Time: 5, Priority: -1, OrderTag: 5})

	assert.Equal(t, uint64(4), v.MaxDepth())

	var order []uint32
	for ev := v.Pop(); ev != nil; ev = v.Pop() {
		order = append(order, ev.OrderTag)
	}
	assert.Equal(t, []uint32{9, 5, 1, 2}, order)
	assert.Equal(t, uint64(4), v.MaxDepth())
}

func TestShutdownSignalStopsRun(t *testing.T) {
	g, _ := pairGraph(t, []string{"only"})
	sim, err := New(testCfg(1, 1, 0), g, nil)
	require.NoError(t, err)

	sim.SignalShutdown(true)
	code, err := sim.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, code)
}
