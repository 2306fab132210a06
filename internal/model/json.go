// Package model loads JSON model descriptions into a configuration graph
// and writes graphs back out as JSON, DOT or XML.
package model

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/systemsim/parsim/internal/graph"
	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/params"
)

// jsonModel is the file-level schema.
type jsonModel struct {
	ProgramOptions map[string]string            `json:"program_options,omitempty"`
	SharedParams   map[string]map[string]string `json:"shared_params,omitempty"`
	StatsOptions   *jsonStatsOptions            `json:"statistics_options,omitempty"`
	StatsGroups    []jsonStatsGroup             `json:"statistics_group,omitempty"`
	Components     []jsonComponent              `json:"components"`
	Links          []jsonLink                   `json:"links"`
}

type jsonStatsOptions struct {
	LoadLevel uint8             `json:"statisticLoadLevel,omitempty"`
	Output    string            `json:"statisticOutput,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

type jsonStatsGroup struct {
	Name       string                       `json:"name"`
	Frequency  string                       `json:"frequency,omitempty"`
	Output     *jsonStatsOutput             `json:"output,omitempty"`
	Components []string                     `json:"components,omitempty"`
	Statistics map[string]map[string]string `json:"statistics,omitempty"`
}

type jsonStatsOutput struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

type jsonComponent struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
	// params_shared_sets and params_global_sets are aliases; both are
	// accepted on read, the writer emits params_shared_sets.
	ParamsSharedSets []string           `json:"params_shared_sets,omitempty"`
	ParamsGlobalSets []string           `json:"params_global_sets,omitempty"`
	Partition        *jsonPartition     `json:"partition,omitempty"`
	Statistics       []jsonStatistic    `json:"statistics,omitempty"`
	Subcomponents    []jsonSubComponent `json:"subcomponents,omitempty"`
}

type jsonSubComponent struct {
	jsonComponent
	Slot    string `json:"slot_name"`
	SlotNum int    `json:"slot_number"`
}

type jsonPartition struct {
	Rank   uint32 `json:"rank"`
	Thread uint32 `json:"thread"`
}

type jsonStatistic struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

type jsonLink struct {
	Name  string        `json:"name"`
	NoCut bool          `json:"noCut,omitempty"`
	Left  *jsonLinkSide `json:"left,omitempty"`
	Right *jsonLinkSide `json:"right,omitempty"`
	// Rank/Thread describe the far side of a non-local link.
	Rank   *uint32 `json:"rank,omitempty"`
	Thread *uint32 `json:"thread,omitempty"`
}

type jsonLinkSide struct {
	Component string `json:"component"`
	Port      string `json:"port"`
	Latency   string `json:"latency"`
}

// LoadResult carries everything the front end pulled from the file besides
// the graph itself.
type LoadResult struct {
	Graph          *graph.ConfigGraph
	ProgramOptions map[string]string
}

// LoadFile reads a JSON model description from disk.
func LoadFile(path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a configuration graph from a JSON model description.
func Parse(data []byte) (*LoadResult, error) {
	var m jsonModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing model: %w", err)
	}

	g := graph.New()

	for set, kvs := range m.SharedParams {
		for k, v := range kvs {
			g.AddSharedParam(set, k, v)
		}
	}

	if m.StatsOptions != nil {
		if m.StatsOptions.Output != "" {
			g.SetStatisticOutput(m.StatsOptions.Output)
		}
		g.SetStatisticLoadLevel(m.StatsOptions.LoadLevel)
		for k, v := range m.StatsOptions.Params {
			g.Stats.Outputs[0].Params.Insert(k, v, true)
		}
	}

	for _, jc := range m.Components {
		id, err := g.AddComponent(jc.Name, jc.Type)
		if err != nil {
			return nil, err
		}
		comp := g.FindComponent(id)
		if err := fillComponent(g, comp, &jc); err != nil {
			return nil, err
		}
	}

	for _, jg := range m.StatsGroups {
		grp := g.Stats.Group(jg.Name)
		grp.SetFrequency(jg.Frequency)
		if jg.Output != nil {
			idx := g.Stats.AddOutput(jg.Output.Type, paramsFromMap(jg.Output.Params))
			grp.SetOutput(idx)
		}
		for _, compName := range jg.Components {
			comp := g.FindComponentByName(compName)
			if comp == nil {
				return nil, fmt.Errorf("statistics_group %q references unknown component %q", jg.Name, compName)
			}
			grp.AddComponent(comp.ID)
		}
		for stat, p := range jg.Statistics {
			grp.AddStatistic(stat, paramsFromMap(p))
		}
	}

	for _, jl := range m.Links {
		if err := addLink(g, &jl); err != nil {
			return nil, err
		}
	}

	return &LoadResult{Graph: g, ProgramOptions: m.ProgramOptions}, nil
}

func paramsFromMap(kvs map[string]string) *params.Params {
	p := params.New()
	for k, v := range kvs {
		p.Insert(k, v, true)
	}
	return p
}

func fillComponent(g *graph.ConfigGraph, comp *graph.ConfigComponent, jc *jsonComponent) error {
	for k, v := range jc.Params {
		comp.Params.Insert(k, v, true)
	}
	// Both spellings subscribe shared sets.
	for _, set := range append(append([]string(nil), jc.ParamsSharedSets...), jc.ParamsGlobalSets...) {
		comp.Params.AddSharedParamSet(set)
	}
	if jc.Partition != nil {
		comp.SetRank(ids.RankInfo{Rank: jc.Partition.Rank, Thread: jc.Partition.Thread})
	}
	for _, st := range jc.Statistics {
		comp.EnableStatistic(st.Name, paramsFromMap(st.Params))
	}
	for i := range jc.Subcomponents {
		js := &jc.Subcomponents[i]
		sub, err := comp.AddSubComponent(js.Slot, js.Type, js.SlotNum)
		if err != nil {
			return err
		}
		if err := fillComponent(g, sub, &js.jsonComponent); err != nil {
			return err
		}
	}
	return nil
}

func addLink(g *graph.ConfigGraph, jl *jsonLink) error {
	id := g.CreateLink(jl.Name, "")
	if jl.NoCut {
		if err := g.SetLinkNoCut(id); err != nil {
			return err
		}
	}
	for _, side := range []*jsonLinkSide{jl.Left, jl.Right} {
		if side == nil {
			continue
		}
		comp := g.FindComponentByName(side.Component)
		if comp == nil {
			return fmt.Errorf("link %q references unknown component %q", jl.Name, side.Component)
		}
		if err := g.AddLink(comp.ID, id, side.Port, side.Latency); err != nil {
			return err
		}
	}
	if jl.Rank != nil {
		thread := uint32(0)
		if jl.Thread != nil {
			thread = *jl.Thread
		}
		if err := g.AddNonLocalLink(id, *jl.Rank, thread); err != nil {
			return err
		}
	}
	return nil
}
