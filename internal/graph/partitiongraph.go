package graph

import (
	"github.com/systemsim/parsim/internal/ids"
)

// PartitionComponent is one vertex of the coarsened partition graph. It may
// stand for a group of components joined by no-cut links, in which case the
// group's weight is summed and its members recorded.
type PartitionComponent struct {
	ID     ids.ComponentID
	Weight float64
	Rank   ids.RankInfo
	// Links lists the partition links touching this vertex.
	Links []ids.LinkID
	// Members holds the top-level component ids collapsed into this vertex.
	Members []ids.ComponentID
}

// Key makes PartitionComponent storable in a SparseVectorMap.
func (pc *PartitionComponent) Key() ids.ComponentID { return pc.ID }

// PartitionLink is the projection of a ConfigLink onto partition vertices.
type PartitionLink struct {
	ID         ids.LinkID
	Component  [2]ids.ComponentID
	MinLatency uint64
	NoCut      bool
}

// Key makes PartitionLink storable in a SparseVectorMap.
func (pl *PartitionLink) Key() ids.LinkID { return pl.ID }

// PartitionGraph is the weighted projection of a ConfigGraph handed to
// partitioners.
type PartitionGraph struct {
	comps ids.SparseVectorMap[ids.ComponentID, *PartitionComponent]
	links ids.SparseVectorMap[ids.LinkID, *PartitionLink]
}

// Components returns the partition vertices in id order.
func (pg *PartitionGraph) Components() []*PartitionComponent { return pg.comps.Values() }

// Links returns the partition links in id order.
func (pg *PartitionGraph) Links() []*PartitionLink { return pg.links.Values() }

// NumComponents returns the vertex count.
func (pg *PartitionGraph) NumComponents() int { return pg.comps.Len() }

// FindComponent resolves a partition vertex by id.
func (pg *PartitionGraph) FindComponent(id ids.ComponentID) *PartitionComponent {
	pc, ok := pg.comps.Get(id)
	if !ok {
		return nil
	}
	return pc
}

// FindLink resolves a partition link by id.
func (pg *PartitionGraph) FindLink(id ids.LinkID) *PartitionLink {
	pl, ok := pg.links.Get(id)
	if !ok {
		return nil
	}
	return pl
}

// totalWeight sums a component's weight with all of its subcomponents.
func totalWeight(c *ConfigComponent) float64 {
	w := c.Weight
	for _, sub := range c.Subcomponents {
		w += totalWeight(sub)
	}
	return w
}

// GetPartitionGraph returns the 1:1 projection: one vertex per top-level
// component.
func (g *ConfigGraph) GetPartitionGraph() *PartitionGraph {
	pg := &PartitionGraph{}

	// SparseVectorMap insertion is cheapest in key order, which the
	// component and link maps already provide.
	for _, comp := range g.comps.Values() {
		pg.comps.Insert(&PartitionComponent{
			ID:      comp.ID,
			Weight:  totalWeight(comp),
			Rank:    comp.Rank,
			Members: []ids.ComponentID{comp.ID},
		})
	}

	for _, link := range g.links.Values() {
		if link.NonLocal {
			continue
		}
		c0 := link.Component[0].TopComponent()
		c1 := link.Component[1].TopComponent()
		pg.links.Insert(&PartitionLink{
			ID:         link.ID,
			Component:  [2]ids.ComponentID{c0, c1},
			MinLatency: link.MinLatency(),
			NoCut:      link.NoCut,
		})
		pg.comps.MustGet(c0).Links = append(pg.comps.MustGet(c0).Links, link.ID)
		pg.comps.MustGet(c1).Links = append(pg.comps.MustGet(c1).Links, link.ID)
	}
	return pg
}

// GetCollapsedPartitionGraph collapses every maximal connected subgraph of
// no-cut links into a single vertex, so a partitioner can never separate
// components the model forbids cutting apart.
func (g *ConfigGraph) GetCollapsedPartitionGraph() *PartitionGraph {
	// Group top-level components by walking no-cut links depth-first.
	groupOf := make(map[ids.ComponentID]ids.ComponentID)
	adj := make(map[ids.ComponentID][]ids.ComponentID)
	for _, link := range g.links.Values() {
		if link.NonLocal || !link.NoCut {
			continue
		}
		c0 := link.Component[0].TopComponent()
		c1 := link.Component[1].TopComponent()
		adj[c0] = append(adj[c0], c1)
		adj[c1] = append(adj[c1], c0)
	}
	for _, comp := range g.comps.Values() {
		if _, seen := groupOf[comp.ID]; seen {
			continue
		}
		// The group takes the id of its lowest member, which is the first
		// one reached in id order.
		root := comp.ID
		stack := []ids.ComponentID{root}
		groupOf[root] = root
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, next := range adj[cur] {
				if _, seen := groupOf[next]; !seen {
					groupOf[next] = root
					stack = append(stack, next)
				}
			}
		}
	}

	pg := &PartitionGraph{}
	for _, comp := range g.comps.Values() {
		root := groupOf[comp.ID]
		if pc := pg.FindComponent(root); pc != nil {
			pc.Weight += totalWeight(comp)
			pc.Members = append(pc.Members, comp.ID)
			continue
		}
		pg.comps.Insert(&PartitionComponent{
			ID:      root,
			Weight:  totalWeight(comp),
			Rank:    comp.Rank,
			Members: []ids.ComponentID{comp.ID},
		})
	}

	for _, link := range g.links.Values() {
		if link.NonLocal {
			continue
		}
		g0 := groupOf[link.Component[0].TopComponent()]
		g1 := groupOf[link.Component[1].TopComponent()]
		if g0 == g1 {
			// Internal to a collapsed group.
			continue
		}
		pg.links.Insert(&PartitionLink{
			ID:         link.ID,
			Component:  [2]ids.ComponentID{g0, g1},
			MinLatency: link.MinLatency(),
			NoCut:      link.NoCut,
		})
		pg.comps.MustGet(g0).Links = append(pg.comps.MustGet(g0).Links, link.ID)
		pg.comps.MustGet(g1).Links = append(pg.comps.MustGet(g1).Links, link.ID)
	}
	return pg
}

// ApplyPartition writes each partition vertex's rank assignment back onto
// its member components (and their subcomponents).
func (g *ConfigGraph) ApplyPartition(pg *PartitionGraph) {
	for _, pc := range pg.Components() {
		for _, member := range pc.Members {
			if comp := g.FindComponent(member); comp != nil {
				comp.SetRank(pc.Rank)
			}
		}
	}
}
