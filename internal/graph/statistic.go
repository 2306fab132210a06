package graph

import (
	"fmt"

	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/params"
)

// ConfigStatistic holds the configuration of one enabled statistic.
// Identity is the StatisticID; a shared statistic may be referenced from
// several enable sites but backs a single instance.
type ConfigStatistic struct {
	ID     ids.StatisticID `json:"id"`
	Name   string          `json:"name"`
	Params *params.Params  `json:"params"`
	Shared bool            `json:"shared"`
}

// StatOutput describes one statistic output backend.
type StatOutput struct {
	Type   string         `json:"type"`
	Params *params.Params `json:"params"`
}

// ConfigStatGroup collects statistics from a set of components into one
// output with a common frequency.
type ConfigStatGroup struct {
	Name       string                    `json:"name"`
	StatMap    map[string]*params.Params `json:"stats"`
	Components []ids.ComponentID         `json:"components"`
	Output     int                       `json:"output"`
	Frequency  string                    `json:"frequency"`
}

// NewConfigStatGroup returns an empty group bound to the default output.
func NewConfigStatGroup(name string) *ConfigStatGroup {
	return &ConfigStatGroup{Name: name, StatMap: make(map[string]*params.Params)}
}

// AddComponent adds a member component, keeping the list sorted and unique.
func (g *ConfigStatGroup) AddComponent(id ids.ComponentID) {
	for i, c := range g.Components {
		if c == id {
			return
		}
		if c > id {
			g.Components = append(g.Components, 0)
			copy(g.Components[i+1:], g.Components[i:])
			g.Components[i] = id
			return
		}
	}
	g.Components = append(g.Components, id)
}

// AddStatistic registers a statistic name with its parameters.
func (g *ConfigStatGroup) AddStatistic(name string, p *params.Params) {
	if p == nil {
		p = params.New()
	}
	g.StatMap[name] = p
}

// SetOutput binds the group to stat output index out.
func (g *ConfigStatGroup) SetOutput(out int) {
	g.Output = out
}

// SetFrequency sets the output frequency string.
func (g *ConfigStatGroup) SetFrequency(freq string) {
	g.Frequency = freq
}

// StatsConfig is the statistics portion of a configuration graph: the stat
// groups, the output vector (entry 0 is the default output), and the global
// load level.
type StatsConfig struct {
	Groups    map[string]*ConfigStatGroup `json:"groups"`
	Outputs   []StatOutput                `json:"outputs"`
	LoadLevel uint8                       `json:"load_level"`
}

// NewStatsConfig returns a StatsConfig with the default console output.
func NewStatsConfig() *StatsConfig {
	return &StatsConfig{
		Groups:  make(map[string]*ConfigStatGroup),
		Outputs: []StatOutput{{Type: "statoutputconsole", Params: params.New()}},
	}
}

// Group returns the named stat group, creating it if needed.
func (sc *StatsConfig) Group(name string) *ConfigStatGroup {
	g, ok := sc.Groups[name]
	if !ok {
		g = NewConfigStatGroup(name)
		sc.Groups[name] = g
	}
	return g
}

// AddOutput appends an output backend and returns its index.
func (sc *StatsConfig) AddOutput(typ string, p *params.Params) int {
	if p == nil {
		p = params.New()
	}
	sc.Outputs = append(sc.Outputs, StatOutput{Type: typ, Params: p})
	return len(sc.Outputs) - 1
}

// VerifyGroupOutputs checks each group's bound output index and that every
// member component supports every statistic in the group. The supported
// callback is supplied by the element library; a nil callback skips the
// per-component check.
func (sc *StatsConfig) VerifyGroupOutputs(g *ConfigGraph, supported func(compType, statName string) bool) error {
	for _, grp := range sc.Groups {
		if grp.Output < 0 || grp.Output >= len(sc.Outputs) {
			return fmt.Errorf("stat group %q bound to unknown output %d", grp.Name, grp.Output)
		}
		if supported == nil {
			continue
		}
		for _, cid := range grp.Components {
			comp := g.FindComponent(cid)
			if comp == nil {
				return fmt.Errorf("stat group %q references unknown component %d", grp.Name, cid)
			}
			for stat := range grp.StatMap {
				if !supported(comp.Type, stat) {
					return fmt.Errorf("stat group %q: component %s (%s) does not support statistic %q",
						grp.Name, comp.Name, comp.Type, stat)
				}
			}
		}
	}
	return nil
}
