// Package partition assigns every component of a configuration graph to a
// (rank, thread) placement. Partitioners register themselves with a
// capability record and are looked up by name at startup.
package partition

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/systemsim/parsim/internal/graph"
	"github.com/systemsim/parsim/internal/ids"
)

var (
	// ErrUnknownPartitioner is returned for lookup of an unregistered name.
	ErrUnknownPartitioner = errors.New("unknown partitioner")
	// ErrUnsupportedWorld is returned when a partitioner cannot handle the
	// requested world size.
	ErrUnsupportedWorld = errors.New("unsupported world size")
)

// Partitioner assigns a RankInfo to every vertex of a partition graph.
type Partitioner interface {
	PerformPartition(pg *graph.PartitionGraph) error
}

// Factory builds a partitioner for a given world size and local rank.
type Factory func(world, me ids.RankInfo, verbosity int) (Partitioner, error)

// Info describes one registered partitioner and its capabilities.
type Info struct {
	Name        string
	Description string
	// UseCollapsedGraph selects the no-cut collapsed projection instead of
	// the 1:1 projection as the partitioner's input.
	UseCollapsedGraph bool
	// SpawnOnAllRanks is set for partitioners that run collectively rather
	// than on rank 0 only.
	SpawnOnAllRanks bool
	New             Factory
}

var registry = struct {
	sync.Mutex
	byName map[string]Info
}{byName: make(map[string]Info)}

// Register adds a partitioner to the registry. Later registrations of the
// same name win, which lets applications override the built-ins.
func Register(info Info) {
	registry.Lock()
	defer registry.Unlock()
	registry.byName[info.Name] = info
}

// Lookup resolves a partitioner by name.
func Lookup(name string) (Info, error) {
	registry.Lock()
	defer registry.Unlock()
	info, ok := registry.byName[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrUnknownPartitioner, name)
	}
	return info, nil
}

// Names returns the registered partitioner names, sorted.
func Names() []string {
	registry.Lock()
	defer registry.Unlock()
	names := make([]string, 0, len(registry.byName))
	for n := range registry.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run looks up the named partitioner, projects the graph the way it wants,
// partitions, and writes the assignment back onto the config graph.
func Run(name string, g *graph.ConfigGraph, world, me ids.RankInfo, verbosity int) error {
	info, err := Lookup(name)
	if err != nil {
		return err
	}
	part, err := info.New(world, me, verbosity)
	if err != nil {
		return err
	}
	var pg *graph.PartitionGraph
	if info.UseCollapsedGraph {
		pg = g.GetCollapsedPartitionGraph()
	} else {
		pg = g.GetPartitionGraph()
	}
	if err := part.PerformPartition(pg); err != nil {
		return fmt.Errorf("partitioner %q: %w", name, err)
	}
	g.ApplyPartition(pg)
	return nil
}

// flatPart converts a flat partition index into a (rank, thread) pair by
// decomposing over the thread count.
func flatPart(index uint32, world ids.RankInfo) ids.RankInfo {
	return ids.RankInfo{Rank: index / world.Thread, Thread: index % world.Thread}
}
