package partition

import (
	"fmt"

	"github.com/systemsim/parsim/internal/graph"
	"github.com/systemsim/parsim/internal/ids"
)

// singlePartitioner places everything on (0,0). Only valid for a serial
// world.
type singlePartitioner struct{}

func init() {
	Register(Info{
		Name:        "single",
		Description: "allocates all components to rank 0, thread 0",
		New: func(world, _ ids.RankInfo, _ int) (Partitioner, error) {
			if world.Rank != 1 || world.Thread != 1 {
				return nil, fmt.Errorf("%w: single partitioner requires a (1,1) world, got (%d,%d)",
					ErrUnsupportedWorld, world.Rank, world.Thread)
			}
			return singlePartitioner{}, nil
		},
	})
}

func (singlePartitioner) PerformPartition(pg *graph.PartitionGraph) error {
	for _, pc := range pg.Components() {
		pc.Rank = ids.RankInfo{Rank: 0, Thread: 0}
	}
	return nil
}
