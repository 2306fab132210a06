package partition

import (
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/systemsim/parsim/internal/graph"
	"github.com/systemsim/parsim/internal/ids"
)

// kwayImbalanceTolerance is the load-imbalance tolerance handed to the k-way
// kernel.
const kwayImbalanceTolerance = 1.04

// KWayKernel is the pluggable k-way graph partitioning engine behind the
// "kway" CSR partitioner. The graph arrives in CSR form with int64 vertex
// and edge weights; the kernel returns one partition index per vertex.
// External engines (a METIS binding, for instance) implement this; a greedy
// in-tree kernel is the default.
type KWayKernel interface {
	Partition(xadj []int64, adjncy []int64, vwgt, adjwgt []int64, nparts int, imbalance float64) ([]int, error)
}

// kwayPartitioner builds the CSR representation of the partition graph,
// scales the floating-point weights into int64 preserving dynamic range,
// runs the kernel, and distributes the flat partition ids over
// (rank, thread).
type kwayPartitioner struct {
	world  ids.RankInfo
	kernel KWayKernel
}

func init() {
	Register(Info{
		Name:              "kway",
		Description:       "k-way partitioning over a CSR graph with node and edge weights",
		UseCollapsedGraph: true,
		New: func(world, _ ids.RankInfo, _ int) (Partitioner, error) {
			return &kwayPartitioner{world: world, kernel: greedyKernel{}}, nil
		},
	})
}

// weightScale maps float weights onto int64 so the kernel sees integer
// weights without losing relative magnitude.
func weightScale(maxWeight float64) float64 {
	if maxWeight <= 0 {
		return 1
	}
	return float64(1<<31) / maxWeight
}

func (p *kwayPartitioner) PerformPartition(pg *graph.PartitionGraph) error {
	comps := pg.Components()
	nparts := int(p.world.Rank * p.world.Thread)
	if nparts == 1 || len(comps) == 0 {
		for _, pc := range comps {
			pc.Rank = ids.RankInfo{Rank: 0, Thread: 0}
		}
		return nil
	}

	vertexIndex := make(map[ids.ComponentID]int, len(comps))
	for i, pc := range comps {
		vertexIndex[pc.ID] = i
	}

	maxVWeight := 0.0
	for _, pc := range comps {
		maxVWeight = math.Max(maxVWeight, pc.Weight)
	}
	vscale := weightScale(maxVWeight)

	maxEWeight := 0.0
	for _, pl := range pg.Links() {
		maxEWeight = math.Max(maxEWeight, float64(pl.MinLatency))
	}
	escale := weightScale(maxEWeight)

	// CSR arrays: each undirected link appears once in each endpoint's
	// adjacency run.
	neighbors := make(map[int]map[int]int64, len(comps))
	for _, pl := range pg.Links() {
		u := vertexIndex[pl.Component[0]]
		v := vertexIndex[pl.Component[1]]
		if u == v {
			continue
		}
		w := int64(float64(pl.MinLatency)*escale) + 1
		for _, pair := range [][2]int{{u, v}, {v, u}} {
			if neighbors[pair[0]] == nil {
				neighbors[pair[0]] = make(map[int]int64)
			}
			neighbors[pair[0]][pair[1]] += w
		}
	}

	xadj := make([]int64, len(comps)+1)
	var adjncy, adjwgt []int64
	vwgt := make([]int64, len(comps))
	for i, pc := range comps {
		vwgt[i] = int64(pc.Weight*vscale) + 1
		adj := lo.Keys(neighbors[i])
		sort.Ints(adj)
		for _, j := range adj {
			adjncy = append(adjncy, int64(j))
			adjwgt = append(adjwgt, neighbors[i][j])
		}
		xadj[i+1] = int64(len(adjncy))
	}

	parts, err := p.kernel.Partition(xadj, adjncy, vwgt, adjwgt, nparts, kwayImbalanceTolerance)
	if err != nil {
		return fmt.Errorf("k-way kernel: %w", err)
	}
	if len(parts) != len(comps) {
		return fmt.Errorf("k-way kernel returned %d assignments for %d vertices", len(parts), len(comps))
	}

	for i, pc := range comps {
		pc.Rank = flatPart(uint32(parts[i]), p.world)
	}

	p.reportQuality(pg, vertexIndex, parts, nparts)
	return nil
}

// reportQuality logs the observed weight imbalance and edge-cut percentage.
func (p *kwayPartitioner) reportQuality(pg *graph.PartitionGraph, vertexIndex map[ids.ComponentID]int, parts []int, nparts int) {
	loads := make([]float64, nparts)
	total := 0.0
	for i, pc := range pg.Components() {
		loads[parts[i]] += pc.Weight
		total += pc.Weight
	}
	avg := total / float64(nparts)
	maxLoad := lo.Max(loads)

	cut := 0
	for _, pl := range pg.Links() {
		if parts[vertexIndex[pl.Component[0]]] != parts[vertexIndex[pl.Component[1]]] {
			cut++
		}
	}
	cutPct := 0.0
	if n := len(pg.Links()); n > 0 {
		cutPct = 100 * float64(cut) / float64(n)
	}

	imbalance := 0.0
	if avg > 0 {
		imbalance = maxLoad / avg
	}
	logrus.WithFields(logrus.Fields{
		"parts":         nparts,
		"max_weight":    maxLoad,
		"avg_weight":    avg,
		"imbalance":     imbalance,
		"edge_cut_pct":  cutPct,
	}).Info("k-way partition quality")
}

// greedyKernel is the default k-way engine: vertices are placed heaviest
// first onto the part with the strongest existing affinity, falling back to
// the lightest part, while respecting the imbalance tolerance.
type greedyKernel struct{}

func (greedyKernel) Partition(xadj, adjncy, vwgt, adjwgt []int64, nparts int, imbalance float64) ([]int, error) {
	n := len(xadj) - 1
	if n < 0 {
		return nil, fmt.Errorf("empty CSR graph")
	}
	parts := make([]int, n)
	for i := range parts {
		parts[i] = -1
	}

	var totalW int64
	for _, w := range vwgt {
		totalW += w
	}
	capacity := int64(float64(totalW) * imbalance / float64(nparts))

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return vwgt[order[a]] > vwgt[order[b]] })

	loads := make([]int64, nparts)
	for _, v := range order {
		// Affinity of v to each part through already-placed neighbors.
		affinity := make([]int64, nparts)
		for e := xadj[v]; e < xadj[v+1]; e++ {
			u := adjncy[e]
			if pu := parts[u]; pu >= 0 {
				affinity[pu] += adjwgt[e]
			}
		}
		best := -1
		var bestScore int64 = -1
		for part := 0; part < nparts; part++ {
			if loads[part]+vwgt[v] > capacity {
				continue
			}
			if affinity[part] > bestScore {
				best = part
				bestScore = affinity[part]
			}
		}
		if best == -1 || bestScore == 0 {
			// No affinity (or nothing fits): take the lightest part.
			lightest := 0
			for part := 1; part < nparts; part++ {
				if loads[part] < loads[lightest] {
					lightest = part
				}
			}
			// The lightest part takes the vertex even when that breaks
			// the tolerance; every vertex must land somewhere.
			best = lightest
		}
		parts[v] = best
		loads[best] += vwgt[v]
	}
	return parts, nil
}
