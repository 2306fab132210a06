package partition

import (
	"github.com/systemsim/parsim/internal/graph"
	"github.com/systemsim/parsim/internal/ids"
)

// simplePartitioner is a recursive bisection over the collapsed partition
// graph. Each level splits a vertex set in two by alternating insertion
// order, then runs a pairwise swap pass over the two halves. The swap pass
// accepts any swap that does not lower the weight of edges crossing the
// split, so the algorithm settles on a maximum cut; that is the behavior the
// original implementation has always had, and consumers depend on the
// resulting placements being stable, so it is preserved as-is.
type simplePartitioner struct {
	world      ids.RankInfo
	totalParts uint32
}

func init() {
	Register(Info{
		Name:              "simple",
		Description:       "simple partitioning scheme which attempts to partition on minimum wire weight",
		UseCollapsedGraph: true,
		New: func(world, _ ids.RankInfo, _ int) (Partitioner, error) {
			return &simplePartitioner{world: world, totalParts: world.Rank * world.Thread}, nil
		},
	})
}

// edgeTable maps each vertex to its neighbors and the summed link weight
// between the pair.
type edgeTable map[ids.ComponentID]map[ids.ComponentID]uint64

func buildEdgeTable(pg *graph.PartitionGraph) edgeTable {
	table := make(edgeTable, pg.NumComponents())
	for _, pc := range pg.Components() {
		table[pc.ID] = make(map[ids.ComponentID]uint64)
	}
	for _, pl := range pg.Links() {
		c0, c1 := pl.Component[0], pl.Component[1]
		table[c0][c1] += pl.MinLatency
		table[c1][c0] += pl.MinLatency
	}
	return table
}

// externalCost sums the weight of edges that originate in setA and end in
// setB.
func externalCost(setA, setB []ids.ComponentID, table edgeTable) uint64 {
	inB := make(map[ids.ComponentID]bool, len(setB))
	for _, id := range setB {
		inB[id] = true
	}
	var cost uint64
	for _, a := range setA {
		for b, w := range table[a] {
			if inB[b] {
				cost += w
			}
		}
	}
	return cost
}

func (p *simplePartitioner) PerformPartition(pg *graph.PartitionGraph) error {
	comps := pg.Components()

	if p.totalParts == 1 {
		for _, pc := range comps {
			pc.Rank = ids.RankInfo{Rank: 0, Thread: 0}
		}
		return nil
	}

	table := buildEdgeTable(pg)

	// Initial halves alternate insertion order.
	var setA, setB []ids.ComponentID
	for i, pc := range comps {
		if i%2 == 0 {
			setA = append(setA, pc.ID)
		} else {
			setB = append(setB, pc.ID)
		}
	}

	assignment := make(map[ids.ComponentID]uint32, len(comps))
	p.step(setA, 0, setB, 1, table, 1, assignment)

	for _, pc := range comps {
		pc.Rank = flatPart(assignment[pc.ID], p.world)
	}
	return nil
}

// step performs one level of the recursion: refine the A/B split with the
// swap pass, record the part assignments, then subdivide each half with a
// doubled rank stride until the stride leaves the partition count.
func (p *simplePartitioner) step(setA []ids.ComponentID, partA uint32, setB []ids.ComponentID, partB uint32,
	table edgeTable, stride uint32, assignment map[ids.ComponentID]uint32) {

	cost := externalCost(setA, setB, table)
	for i := range setA {
		for j := range setB {
			setA[i], setB[j] = setB[j], setA[i]
			newCost := externalCost(setA, setB, table)
			if newCost >= cost {
				cost = newCost
			} else {
				setA[i], setB[j] = setB[j], setA[i]
			}
		}
	}

	for _, id := range setA {
		assignment[id] = partA
	}
	for _, id := range setB {
		assignment[id] = partB
	}

	offset := stride * 2
	if partA+offset < p.totalParts {
		a1, a2 := alternate(setA)
		p.step(a1, partA, a2, partA+offset, table, offset, assignment)
	}
	if partB+offset < p.totalParts {
		b1, b2 := alternate(setB)
		p.step(b1, partB, b2, partB+offset, table, offset, assignment)
	}
}

// alternate deals a set into two halves by alternating positions.
func alternate(set []ids.ComponentID) ([]ids.ComponentID, []ids.ComponentID) {
	var a, b []ids.ComponentID
	for i, id := range set {
		if i%2 == 0 {
			a = append(a, id)
		} else {
			b = append(b, id)
		}
	}
	return a, b
}
