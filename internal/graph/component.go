package graph

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/params"
)

// ErrDuplicateSlot is returned when two subcomponents are placed in the same
// (slot name, slot number) of one parent.
var ErrDuplicateSlot = errors.New("slot already occupied")

// PortModule is one entry in a port's module chain.
type PortModule struct {
	Type   string         `json:"type"`
	Params *params.Params `json:"params"`
}

// ConfigComponent is the configuration of a component or subcomponent. The
// graph owns all components; subcomponents are owned exclusively by their
// parent and deletion cascades. Components hold only their id plus a graph
// handle that is re-linked after deserialization.
type ConfigComponent struct {
	ID   ids.ComponentID `json:"id"`
	Name string          `json:"name"`
	Type string          `json:"type"`

	// SlotName and SlotNum are set only on subcomponents.
	SlotName string `json:"slot_name,omitempty"`
	SlotNum  int    `json:"slot_num,omitempty"`

	Rank   ids.RankInfo `json:"rank"`
	Weight float64      `json:"weight"`

	Params        *params.Params     `json:"params"`
	Links         []ids.LinkID       `json:"links,omitempty"`
	Subcomponents []*ConfigComponent `json:"subcomponents,omitempty"`

	// EnabledStats maps statistic name to id for statistics enabled on
	// this component. The backing ConfigStatistic objects live on the
	// top-level parent only.
	EnabledStats map[string]ids.StatisticID          `json:"enabled_stats,omitempty"`
	StatObjects  map[ids.StatisticID]*ConfigStatistic `json:"stat_objects,omitempty"`

	PortModules map[string][]PortModule `json:"port_modules,omitempty"`

	// Coords is at least three-dimensional, padded with zeros.
	Coords []float64 `json:"coords,omitempty"`

	// NextSubID and NextStatID are used only on the top-level component.
	NextSubID  uint16 `json:"next_sub_id"`
	NextStatID uint16 `json:"next_stat_id"`

	graph *ConfigGraph
}

func newConfigComponent(g *ConfigGraph, id ids.ComponentID, name, typ string) *ConfigComponent {
	return &ConfigComponent{
		ID:         id,
		Name:       name,
		Type:       typ,
		Rank:       ids.UnassignedRank(),
		Weight:     1.0,
		Params:     params.New(),
		NextSubID:  1,
		NextStatID: 1,
		graph:      g,
	}
}

// Key makes ConfigComponent storable in a SparseVectorMap.
func (c *ConfigComponent) Key() ids.ComponentID { return c.ID }

// Graph returns the owning configuration graph.
func (c *ConfigComponent) Graph() *ConfigGraph { return c.graph }

// topLevel returns the top-level component that owns c.
func (c *ConfigComponent) topLevel() *ConfigComponent {
	if !c.ID.IsSubComponent() {
		return c
	}
	return c.graph.FindComponent(c.ID.TopComponent())
}

// nextSubComponentID allocates the next subcomponent id under c's top-level
// parent.
func (c *ConfigComponent) nextSubComponentID() ids.ComponentID {
	top := c.topLevel()
	sub := top.NextSubID
	top.NextSubID++
	return ids.SubComponentID(top.ID, sub)
}

// nextStatisticID allocates the next statistic id owned by c's top-level
// parent.
func (c *ConfigComponent) nextStatisticID() ids.StatisticID {
	top := c.topLevel()
	n := top.NextStatID
	top.NextStatID++
	return ids.StatisticIDFor(top.ID, n)
}

// AddSubComponent creates a subcomponent in the named slot. Two
// subcomponents of the same parent may not share (slot name, slot number).
func (c *ConfigComponent) AddSubComponent(slotName, typ string, slotNum int) (*ConfigComponent, error) {
	for _, sub := range c.Subcomponents {
		if sub.SlotName == slotName && sub.SlotNum == slotNum {
			return nil, fmt.Errorf("%w: %s[%d] on component %s", ErrDuplicateSlot, slotName, slotNum, c.Name)
		}
	}
	sub := newConfigComponent(c.graph, c.nextSubComponentID(), c.Name+":"+slotName+"["+strconv.Itoa(slotNum)+"]", typ)
	sub.SlotName = slotName
	sub.SlotNum = slotNum
	sub.Rank = c.Rank
	c.Subcomponents = append(c.Subcomponents, sub)
	return sub, nil
}

// findSubComponent resolves a subcomponent id anywhere under c.
func (c *ConfigComponent) findSubComponent(id ids.ComponentID) *ConfigComponent {
	if c.ID == id {
		return c
	}
	for _, sub := range c.Subcomponents {
		if found := sub.findSubComponent(id); found != nil {
			return found
		}
	}
	return nil
}

// FindSubComponentByName resolves a path of the form "slot[num]" or
// "slot[num]:slot[num]..." relative to c. A bare "slot" means slot number 0.
func (c *ConfigComponent) FindSubComponentByName(path string) *ConfigComponent {
	head := path
	rest := ""
	if i := strings.Index(path, ":"); i >= 0 {
		head, rest = path[:i], path[i+1:]
	}
	slot := head
	num := 0
	if i := strings.Index(head, "["); i >= 0 && strings.HasSuffix(head, "]") {
		n, err := strconv.Atoi(head[i+1 : len(head)-1])
		if err != nil {
			return nil
		}
		slot, num = head[:i], n
	}
	for _, sub := range c.Subcomponents {
		if sub.SlotName == slot && sub.SlotNum == num {
			if rest == "" {
				return sub
			}
			return sub.FindSubComponentByName(rest)
		}
	}
	return nil
}

// SetRank assigns the placement of c and all of its subcomponents.
func (c *ConfigComponent) SetRank(rank ids.RankInfo) {
	c.Rank = rank
	for _, sub := range c.Subcomponents {
		sub.SetRank(rank)
	}
}

// SetWeight sets the partition weight of c and its subcomponents.
func (c *ConfigComponent) SetWeight(w float64) {
	c.Weight = w
	for _, sub := range c.Subcomponents {
		sub.SetWeight(w)
	}
}

// SetCoordinates stores the component's spatial coordinates, padding to at
// least three dimensions.
func (c *ConfigComponent) SetCoordinates(coords []float64) {
	c.Coords = append([]float64(nil), coords...)
	for len(c.Coords) < 3 {
		c.Coords = append(c.Coords, 0)
	}
}

// AddPortModule appends a port module to the named port's chain.
func (c *ConfigComponent) AddPortModule(port, typ string, p *params.Params) {
	if c.PortModules == nil {
		c.PortModules = make(map[string][]PortModule)
	}
	if p == nil {
		p = params.New()
	}
	c.PortModules[port] = append(c.PortModules[port], PortModule{Type: typ, Params: p})
}

// EnableStatistic enables the named statistic on this component. The
// backing ConfigStatistic is owned by the top-level parent; re-enabling an
// already enabled statistic merges parameters into the existing instance.
func (c *ConfigComponent) EnableStatistic(statName string, p *params.Params) ids.StatisticID {
	if c.EnabledStats == nil {
		c.EnabledStats = make(map[string]ids.StatisticID)
	}
	if id, ok := c.EnabledStats[statName]; ok {
		if p != nil {
			if stat := c.FindStatistic(id); stat != nil {
				stat.Params.InsertAll(p)
			}
		}
		return id
	}
	id := c.nextStatisticID()
	c.EnabledStats[statName] = id

	top := c.topLevel()
	if top.StatObjects == nil {
		top.StatObjects = make(map[ids.StatisticID]*ConfigStatistic)
	}
	stat := &ConfigStatistic{ID: id, Name: statName, Params: params.New()}
	if p != nil {
		stat.Params.InsertAll(p)
	}
	top.StatObjects[id] = stat
	return id
}

// EnableSharedStatistic enables a statistic whose backing instance may be
// referenced from multiple enable sites.
func (c *ConfigComponent) EnableSharedStatistic(statName string, p *params.Params) ids.StatisticID {
	id := c.EnableStatistic(statName, p)
	if stat := c.FindStatistic(id); stat != nil {
		stat.Shared = true
	}
	return id
}

// FindStatistic resolves a statistic id through the top-level owner.
func (c *ConfigComponent) FindStatistic(id ids.StatisticID) *ConfigStatistic {
	top := c.topLevel()
	if top == nil || top.StatObjects == nil {
		return nil
	}
	return top.StatObjects[id]
}

// checkPorts verifies that no port is attached to two different links. A
// loopback link attached to the same port on both sides is allowed.
func (c *ConfigComponent) checkPorts() error {
	used := make(map[string]ids.LinkID)
	for _, lid := range c.Links {
		link, ok := c.graph.links.Get(lid)
		if !ok {
			return fmt.Errorf("component %s references unknown link %d", c.Name, lid)
		}
		for side := 0; side < 2; side++ {
			if link.NonLocal && side == 1 {
				continue
			}
			if link.Component[side].ConfigID() != c.ID.ConfigID() {
				continue
			}
			port := link.Port[side]
			if prev, ok := used[port]; ok && prev != link.ID {
				return fmt.Errorf("component %s: port %q attached to two links (%d and %d)",
					c.Name, port, prev, link.ID)
			}
			used[port] = link.ID
		}
	}
	if validate := c.graph.portValidator; validate != nil {
		for port := range used {
			if !validate(c.Type, port) {
				return fmt.Errorf("component %s (%s): unknown port %q", c.Name, c.Type, port)
			}
		}
	}
	for _, sub := range c.Subcomponents {
		if err := sub.checkPorts(); err != nil {
			return err
		}
	}
	return nil
}

// relink restores the graph back-pointer after deserialization.
func (c *ConfigComponent) relink(g *ConfigGraph) {
	c.graph = g
	for _, sub := range c.Subcomponents {
		sub.relink(g)
	}
}

// sortedStatIDs returns the statistic ids owned by c in ascending order.
func (c *ConfigComponent) sortedStatIDs() []ids.StatisticID {
	out := make([]ids.StatisticID, 0, len(c.StatObjects))
	for id := range c.StatObjects {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
