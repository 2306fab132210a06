package graph

import (
	"encoding/json"

	"github.com/systemsim/parsim/internal/ids"
)

// wireGraph is the serialized form of a ConfigGraph. The component name
// index is rebuilt and the component graph handles re-linked in one pass on
// unpack, so neither is written.
type wireGraph struct {
	Components []*ConfigComponent `json:"components"`
	Links      []*ConfigLink      `json:"links"`
	NextCompID ids.ComponentID    `json:"next_component_id"`
	Stats      *StatsConfig       `json:"stats"`
	Cpt        CheckpointState    `json:"checkpoint"`
}

// MarshalJSON implements json.Marshaler.
func (g *ConfigGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireGraph{
		Components: g.comps.Values(),
		Links:      g.links.Values(),
		NextCompID: g.nextCompID,
		Stats:      g.Stats,
		Cpt:        g.Cpt,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *ConfigGraph) UnmarshalJSON(data []byte) error {
	var w wireGraph
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*g = *New()
	if w.Stats != nil {
		g.Stats = w.Stats
	}
	g.nextCompID = w.NextCompID
	g.Cpt = w.Cpt
	for _, comp := range w.Components {
		comp.relink(g)
		g.comps.Insert(comp)
		g.compsByName[comp.Name] = comp.ID
	}
	for _, link := range w.Links {
		g.links.Insert(link)
	}
	return nil
}
