package graph

import (
	"fmt"

	"github.com/systemsim/parsim/internal/ids"
)

// RankSet is a set of rank numbers used to direct a graph split.
type RankSet map[uint32]bool

// NewRankSet builds a RankSet from rank numbers.
func NewRankSet(ranks ...uint32) RankSet {
	s := make(RankSet, len(ranks))
	for _, r := range ranks {
		s[r] = true
	}
	return s
}

// remoteRankSentinel stands in for the rank of the far side of a link that
// is already non-local; it can never match a real rank set.
const remoteRankSentinel = ids.Unassigned

// SplitGraph partitions the graph in place between two disjoint rank sets.
// Components and links whose ranks fall in origSet stay in g; those in
// newSet move to the returned graph; entities in neither set are dropped. A
// link spanning the two sets becomes a non-local link on each side, with the
// far side's (rank, thread) recorded in its index-1 slots.
func (g *ConfigGraph) SplitGraph(origSet, newSet RankSet) (*ConfigGraph, error) {
	var ng *ConfigGraph
	if len(newSet) > 0 {
		ng = New()
		// Restart data rides along with the new graph.
		ng.Cpt = g.Cpt
	}

	// Links are filtered before components so that every cross-partition
	// fact is captured on the links while both endpoints still resolve.
	err := g.links.Filter(func(link *ConfigLink) (*ConfigLink, bool) {
		var ranks [2]ids.RankInfo
		ranks[0] = g.FindComponent(link.Component[0]).Rank
		if link.NonLocal {
			ranks[1] = ids.RankInfo{Rank: remoteRankSentinel, Thread: remoteRankSentinel}
		} else {
			ranks[1] = g.FindComponent(link.Component[1]).Rank
		}

		c0InOrig := origSet[ranks[0].Rank]
		c1InOrig := origSet[ranks[1].Rank]
		c0InNew := newSet[ranks[0].Rank]
		c1InNew := newSet[ranks[1].Rank]

		flag := 0
		if c0InOrig || c1InOrig {
			flag |= 1
		}
		if c0InNew || c1InNew {
			flag |= 2
		}

		switch flag {
		case 0:
			// Connected in neither partition: an extraneous link, drop it.
			return nil, false
		case 1:
			// Stays in the original graph.
			if !link.NonLocal && (c0InOrig != c1InOrig) {
				local := 0
				if c1InOrig {
					local = 1
				}
				link.SetAsNonLocal(local, ranks[(local+1)%2])
			}
			return link, true
		case 2:
			// Moves to the new graph.
			if !link.NonLocal && (c0InNew != c1InNew) {
				local := 0
				if c1InNew {
					local = 1
				}
				link.SetAsNonLocal(local, ranks[(local+1)%2])
			}
			ng.links.Insert(link)
			return nil, false
		default:
			// Connected in both graphs: one endpoint stays and the other
			// moves. Clone the link and turn both copies non-local pointing
			// at each other.
			clone := link.clone()
			ng.links.Insert(clone)
			if c0InNew {
				link.SetAsNonLocal(1, ranks[0])
				clone.SetAsNonLocal(0, ranks[1])
			} else {
				link.SetAsNonLocal(0, ranks[1])
				clone.SetAsNonLocal(1, ranks[0])
			}
			return link, true
		}
	})
	if err != nil {
		return nil, fmt.Errorf("splitting links: %w", err)
	}

	// Components carry no cross-partition bookkeeping of their own; they
	// simply stay, move (re-homing the graph handle), or get dropped.
	err = g.comps.Filter(func(comp *ConfigComponent) (*ConfigComponent, bool) {
		switch {
		case origSet[comp.Rank.Rank]:
			return comp, true
		case newSet[comp.Rank.Rank]:
			comp.relink(ng)
			ng.comps.Insert(comp)
			ng.compsByName[comp.Name] = comp.ID
			delete(g.compsByName, comp.Name)
			return nil, false
		default:
			delete(g.compsByName, comp.Name)
			return nil, false
		}
	})
	if err != nil {
		return nil, fmt.Errorf("splitting components: %w", err)
	}

	if ng != nil {
		ng.Stats.Outputs = append([]StatOutput(nil), g.Stats.Outputs...)
		ng.Stats.LoadLevel = g.Stats.LoadLevel
		if ng.comps.Len() > 0 {
			ng.nextCompID = ng.comps.At(ng.comps.Len()-1).ID + 1
		}
	}

	// Stat groups follow their member components. Rank 0 keeps every group
	// so the whole set lands in the checkpoint, which only rank 0 writes.
	origKeepsZero := origSet[0]
	newGetsZero := newSet[0]
	for name, grp := range g.Stats.Groups {
		copyGroup := false
		remove := true
		for _, id := range grp.Components {
			if (ng != nil && ng.ContainsComponent(id)) || newGetsZero {
				copyGroup = true
				if !remove {
					break
				}
			}
			if g.ContainsComponent(id) || origKeepsZero {
				remove = false
				if ng == nil || copyGroup {
					break
				}
			}
		}
		if copyGroup {
			ng.Stats.Groups[name] = grp
		}
		if remove {
			delete(g.Stats.Groups, name)
		}
	}

	return ng, nil
}

// ReduceGraphToSingleRank drops everything except rank r's partition.
func (g *ConfigGraph) ReduceGraphToSingleRank(r uint32) error {
	_, err := g.SplitGraph(NewRankSet(r), nil)
	return err
}
