package partition

import (
	"github.com/systemsim/parsim/internal/graph"
	"github.com/systemsim/parsim/internal/ids"
)

// rrobinPartitioner deals components out in insertion order, cycling ranks
// first and bumping the thread on each wrap. It ignores weights and
// topology; useful for quick smoke tests of parallel runs.
type rrobinPartitioner struct {
	world ids.RankInfo
}

func init() {
	Register(Info{
		Name:        "roundrobin",
		Description: "partitions components using a simple round robin scheme based on component id",
		New: func(world, _ ids.RankInfo, _ int) (Partitioner, error) {
			return &rrobinPartitioner{world: world}, nil
		},
	})
}

func (p *rrobinPartitioner) PerformPartition(pg *graph.PartitionGraph) error {
	rank := uint32(0)
	thread := uint32(0)
	for _, pc := range pg.Components() {
		pc.Rank = ids.RankInfo{Rank: rank, Thread: thread}
		rank++
		if rank == p.world.Rank {
			rank = 0
			thread = (thread + 1) % p.world.Thread
		}
	}
	return nil
}
