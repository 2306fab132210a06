package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/namecheck"
	"github.com/systemsim/parsim/internal/params"
	"github.com/systemsim/parsim/internal/timebase"
)

// Model-structure error kinds. All are fatal at graph validation time.
var (
	ErrDuplicateComponentName = errors.New("component name already exists")
	ErrUnknownLink            = errors.New("unknown link")
	ErrLinkOverConnected      = errors.New("link referenced more than two times")
	ErrLinkNonLocalConflict   = errors.New("conflicting non-local link use")
	ErrLinkNoLatency          = errors.New("link connected with no latency assigned")
	ErrUnusedLink             = errors.New("unused link")
	ErrDanglingLink           = errors.New("dangling link")
	ErrUnassignedRank         = errors.New("component has no assigned rank")
	ErrRankOutOfRange         = errors.New("component rank out of range")
)

// PortValidator checks a port name against a component type's port list.
// It is supplied by the element library, which is outside the core.
type PortValidator func(compType, port string) bool

// ConfigGraph is the in-memory representation of the simulation model from
// which the simulation is elaborated: an ordered component map, an ordered
// link map, a name index, and the statistics configuration. The graph is the
// unique owner of its components; components refer back to it through a
// handle that is re-linked after deserialization.
type ConfigGraph struct {
	links       ids.SparseVectorMap[ids.LinkID, *ConfigLink]
	comps       ids.SparseVectorMap[ids.ComponentID, *ConfigComponent]
	compsByName map[string]ids.ComponentID
	nextCompID  ids.ComponentID

	Stats *StatsConfig

	// Checkpoint-carried state, populated only on restart runs.
	Cpt CheckpointState

	portValidator PortValidator
	compWarner    *namecheck.Warner
	linkWarner    *namecheck.Warner
}

// CheckpointState is the run-global state a restarted graph carries from the
// checkpoint it was loaded from.
type CheckpointState struct {
	Ranks           ids.RankInfo `json:"ranks"`
	CurrentSimCycle uint64       `json:"current_sim_cycle"`
	CurrentPriority uint64       `json:"current_priority"`
	MinPart         uint64       `json:"min_part"`
	MinPartTimebase string       `json:"min_part_timebase"`
	MaxEventID      uint64       `json:"max_event_id"`
	LibNames        []string     `json:"lib_names"`
	SharedObjects   []byte       `json:"shared_objects,omitempty"`
	StatsConfig     []byte       `json:"stats_config,omitempty"`
}

// New returns an empty configuration graph.
func New() *ConfigGraph {
	return &ConfigGraph{
		compsByName: make(map[string]ids.ComponentID),
		Stats:       NewStatsConfig(),
		compWarner:  namecheck.NewWarner("component"),
		linkWarner:  namecheck.NewWarner("link"),
	}
}

// SetPortValidator installs the element-library port check used during
// structural validation.
func (g *ConfigGraph) SetPortValidator(v PortValidator) {
	g.portValidator = v
}

// NumComponents returns the number of top-level components.
func (g *ConfigGraph) NumComponents() int { return g.comps.Len() }

// NumLinks returns the number of links.
func (g *ConfigGraph) NumLinks() int { return g.links.Len() }

// Components returns the top-level components in id order.
func (g *ConfigGraph) Components() []*ConfigComponent { return g.comps.Values() }

// Links returns the links in id order.
func (g *ConfigGraph) Links() []*ConfigLink { return g.links.Values() }

// AddComponent creates a top-level component. Component names must be
// unique across the graph.
func (g *ConfigGraph) AddComponent(name, typ string) (ids.ComponentID, error) {
	if !namecheck.IsComponentNameValid(name) {
		g.compWarner.Warn(name)
	}
	if _, taken := g.compsByName[name]; taken {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateComponentName, name)
	}
	id := g.nextCompID
	g.nextCompID++
	g.comps.Insert(newConfigComponent(g, id, name, typ))
	g.compsByName[name] = id
	return id, nil
}

// CreateLink allocates a link. The latency, when given, becomes the default
// for both sides. Link names are not centrally deduplicated; a duplicate
// self-rectifies because AddLink addresses links by id.
func (g *ConfigGraph) CreateLink(name, latency string) ids.LinkID {
	if !namecheck.IsLinkNameValid(name) {
		g.linkWarner.Warn(name)
	}
	id := ids.LinkID(g.links.Len())
	link := newConfigLink(id, name)
	if latency != "" {
		idx := uint64(LatencyIndex(latency))
		link.Latency[0] = idx
		link.Latency[1] = idx
	}
	g.links.Insert(link)
	return id
}

// AddLink attaches a link to a component's port. An empty latency string
// means use the latency given at link creation.
func (g *ConfigGraph) AddLink(compID ids.ComponentID, linkID ids.LinkID, port, latency string) error {
	link, ok := g.links.Get(linkID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLink, linkID)
	}
	if link.Finalized {
		return fmt.Errorf("%w: %s", ErrLinkFinalized, link.Name)
	}
	if link.Order >= 2 {
		return fmt.Errorf("%w: %s", ErrLinkOverConnected, link.Name)
	}
	if link.Order == 1 && link.NonLocal {
		return fmt.Errorf("%w: attempting to connect second component to non-local link %s",
			ErrLinkNonLocalConflict, link.Name)
	}
	if latency == "" && link.Latency[0] == 0 {
		return fmt.Errorf("%w: %s", ErrLinkNoLatency, link.Name)
	}

	index := link.Order
	link.Order++
	link.Component[index] = compID
	link.Port[index] = port
	if latency != "" {
		link.Latency[index] = uint64(LatencyIndex(latency))
	}

	// Add the link to the component's link list unless it is already there,
	// which can only happen when the link loops back to the same component.
	if link.Order == 1 || link.Component[0] != compID {
		comp := g.FindComponent(compID)
		if comp == nil {
			return fmt.Errorf("unknown component %d on link %s", compID, link.Name)
		}
		comp.Links = append(comp.Links, link.ID)
	}
	return nil
}

// AddNonLocalLink marks a link as connected to a component on another
// (rank, thread) partition. The remote pair is encoded in the index-1 slots.
func (g *ConfigGraph) AddNonLocalLink(linkID ids.LinkID, rank, thread uint32) error {
	link, ok := g.links.Get(linkID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLink, linkID)
	}
	if link.NonLocal {
		return fmt.Errorf("%w: link %s already non-local", ErrLinkNonLocalConflict, link.Name)
	}
	if link.Order == 2 {
		return fmt.Errorf("%w: link %s already connected to two components", ErrLinkNonLocalConflict, link.Name)
	}
	link.NonLocal = true
	link.Component[1] = ids.ComponentID(rank)
	link.Latency[1] = uint64(thread)
	return nil
}

// SetLinkNoCut forbids the partitioner from cutting the link.
func (g *ConfigGraph) SetLinkNoCut(linkID ids.LinkID) error {
	link, ok := g.links.Get(linkID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLink, linkID)
	}
	link.NoCut = true
	return nil
}

// AddSharedParam publishes a key/value into a process-wide shared set.
func (g *ConfigGraph) AddSharedParam(set, key, value string) {
	params.InsertShared(set, key, value, true)
}

// SetStatisticOutput sets the type of the default statistic output.
func (g *ConfigGraph) SetStatisticOutput(name string) {
	g.Stats.Outputs[0].Type = name
}

// SetStatisticOutputParams replaces the default output's parameters.
func (g *ConfigGraph) SetStatisticOutputParams(p *params.Params) {
	g.Stats.Outputs[0].Params = p
}

// SetStatisticLoadLevel sets the global statistic load level.
func (g *ConfigGraph) SetStatisticLoadLevel(level uint8) {
	g.Stats.LoadLevel = level
}

// ContainsComponent reports whether id (component or subcomponent) resolves
// in the graph.
func (g *ConfigGraph) ContainsComponent(id ids.ComponentID) bool {
	return g.FindComponent(id) != nil
}

// FindComponent resolves a component or subcomponent id.
func (g *ConfigGraph) FindComponent(id ids.ComponentID) *ConfigComponent {
	top, ok := g.comps.Get(id.TopComponent())
	if !ok {
		return nil
	}
	if id.ConfigID() == id.TopComponent() {
		return top
	}
	return top.findSubComponent(id.ConfigID())
}

// FindLink resolves a link id.
func (g *ConfigGraph) FindLink(id ids.LinkID) *ConfigLink {
	link, ok := g.links.Get(id)
	if !ok {
		return nil
	}
	return link
}

// FindComponentByName resolves "component" or "component:slot[num]:..."
// paths.
func (g *ConfigGraph) FindComponentByName(name string) *ConfigComponent {
	compName := name
	rest := ""
	if i := strings.Index(name, ":"); i >= 0 {
		compName, rest = name[:i], name[i+1:]
	}
	id, ok := g.compsByName[compName]
	if !ok {
		return nil
	}
	comp, _ := g.comps.Get(id)
	if rest == "" {
		return comp
	}
	return comp.FindSubComponentByName(rest)
}

// FindStatistic resolves a statistic id through its owning component.
func (g *ConfigGraph) FindStatistic(id ids.StatisticID) *ConfigStatistic {
	comp := g.FindComponent(id.Component())
	if comp == nil {
		return nil
	}
	return comp.FindStatistic(id)
}

// PostCreationCleanup finalizes the graph after model construction: latency
// indices become cycle counts, and the link order field is repurposed from a
// reference count to a delivery tag assigned alphabetically by link name so
// tie-breaking is deterministic across ranks.
func (g *ConfigGraph) PostCreationCleanup(tb *timebase.TimeBase) error {
	table, err := resolveLatencyTable(tb)
	if err != nil {
		return err
	}
	for _, link := range g.links.Values() {
		link.resolveLatencies(table)
	}

	count := uint32(1)
	g.links.SortBy(
		func(a, b *ConfigLink) bool { return a.Name < b.Name },
		func(l *ConfigLink) {
			l.Order = count
			l.Finalized = true
			count++
		})

	// Force statistic registration for group statistics on each member.
	for _, grp := range g.Stats.Groups {
		for _, cid := range grp.Components {
			comp := g.FindComponent(cid)
			if comp == nil {
				continue
			}
			for stat, p := range grp.StatMap {
				comp.EnableStatistic(stat, p)
			}
		}
	}
	return nil
}

// CheckForStructuralErrors flags unused links, dangling links and port
// conflicts. It returns all findings joined into one error.
func (g *ConfigGraph) CheckForStructuralErrors() error {
	var errs []error
	for _, link := range g.links.Values() {
		switch {
		case link.Order == 0 && !link.Finalized:
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnusedLink, link.Name))
		case link.Component[0] == ids.UnsetComponentID:
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnusedLink, link.Name))
		case link.Component[1] == ids.UnsetComponentID && !link.NonLocal:
			comp := g.FindComponent(link.Component[0])
			name := "<unknown>"
			if comp != nil {
				name = comp.Name
			}
			errs = append(errs, fmt.Errorf("%w: %s connected on one side to component %s",
				ErrDanglingLink, link.Name, name))
		}
	}
	for _, comp := range g.comps.Values() {
		if err := comp.checkPorts(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckRanks verifies that every component has an assigned, in-range
// placement and sets each link's cross-rank/cross-thread flags.
func (g *ConfigGraph) CheckRanks(world ids.RankInfo) error {
	for _, comp := range g.comps.Values() {
		if !comp.Rank.IsAssigned() {
			return fmt.Errorf("%w: %s", ErrUnassignedRank, comp.Name)
		}
		if !world.InRange(comp.Rank) {
			return fmt.Errorf("%w: %s placed at (%d,%d), world is (%d,%d)",
				ErrRankOutOfRange, comp.Name, comp.Rank.Rank, comp.Rank.Thread, world.Rank, world.Thread)
		}
	}
	for _, link := range g.links.Values() {
		c0 := g.FindComponent(link.Component[0])
		if c0 == nil {
			return fmt.Errorf("%w: %s", ErrUnusedLink, link.Name)
		}
		r0 := c0.Rank
		var r1 ids.RankInfo
		if link.NonLocal {
			r1 = link.RemoteRank()
		} else {
			c1 := g.FindComponent(link.Component[1])
			if c1 == nil {
				return fmt.Errorf("%w: %s", ErrDanglingLink, link.Name)
			}
			r1 = c1.Rank
		}
		link.CrossRank = r0.Rank != r1.Rank
		link.CrossThread = r0.Rank == r1.Rank && r0.Thread != r1.Thread
	}
	return nil
}

// MinimumPartitionLatency returns the minimum latency over all cross-rank
// links, which bounds the rank-sync window. On a restart run with no local
// components the checkpointed value is used.
func (g *ConfigGraph) MinimumPartitionLatency() uint64 {
	if g.comps.Len() == 0 {
		return g.Cpt.MinPart
	}
	min := ^uint64(0)
	for _, link := range g.links.Values() {
		if link.CrossRank {
			if lat := link.MinLatency(); lat < min {
				min = lat
			}
		}
	}
	return min
}
