package graph

import (
	"fmt"

	"github.com/systemsim/parsim/internal/ids"
)

// MergeGraphs fuses per-rank graphs back into one, used for a serial
// restart of a parallel checkpoint. Components move over unchanged; link
// ids are reassigned (they were only unique per rank) and non-local link
// halves are paired up by their order tag, which was assigned from the
// globally sorted link names before the original split. Every component's
// link list is rebuilt from the merged links.
func MergeGraphs(graphs []*ConfigGraph) (*ConfigGraph, error) {
	if len(graphs) == 1 {
		return graphs[0], nil
	}

	merged := New()
	merged.Cpt = graphs[0].Cpt
	merged.Cpt.Ranks = ids.RankInfo{Rank: 1, Thread: 1}
	merged.Stats = graphs[0].Stats

	for _, g := range graphs {
		for _, comp := range g.comps.Values() {
			comp.Links = nil
			comp.relink(merged)
			merged.comps.Insert(comp)
			merged.compsByName[comp.Name] = comp.ID
			if comp.ID >= merged.nextCompID {
				merged.nextCompID = comp.ID + 1
			}
		}
	}

	pending := make(map[uint32]*ConfigLink)
	nextID := ids.LinkID(0)
	addLink := func(l *ConfigLink) {
		l.ID = nextID
		nextID++
		merged.links.Insert(l)
	}

	for _, g := range graphs {
		for _, link := range g.links.Values() {
			if !link.NonLocal {
				addLink(link)
				continue
			}
			other, ok := pending[link.Order]
			if !ok {
				pending[link.Order] = link
				continue
			}
			delete(pending, link.Order)
			// Fuse the two halves: each half's local side becomes one end.
			fused := &ConfigLink{
				Name:        other.Name,
				Order:       other.Order,
				Component:   [2]ids.ComponentID{other.Component[0], link.Component[0]},
				Port:        [2]string{other.Port[0], link.Port[0]},
				Latency:     [2]uint64{other.Latency[0], link.Latency[0]},
				NoCut:       other.NoCut,
				Finalized:   true,
				CrossRank:   false,
				CrossThread: false,
			}
			addLink(fused)
		}
	}
	if len(pending) > 0 {
		return nil, fmt.Errorf("merge: %d non-local links found no pair", len(pending))
	}

	// Rebuild every component's link list from the merged link map.
	for _, link := range merged.links.Values() {
		for side := 0; side < 2; side++ {
			comp := merged.FindComponent(link.Component[side])
			if comp == nil {
				return nil, fmt.Errorf("merge: link %s endpoint %d does not resolve", link.Name, side)
			}
			if side == 1 && link.Component[0].ConfigID() == link.Component[1].ConfigID() {
				// Loopback: listed once.
				continue
			}
			comp.Links = append(comp.Links, link.ID)
		}
	}

	return merged, nil
}
