package model

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"

	"github.com/samber/lo"

	"github.com/systemsim/parsim/internal/graph"
	"github.com/systemsim/parsim/internal/ids"
)

// Verbosity levels for the DOT writer.
const (
	// DotComponentsOnly renders one node per component.
	DotComponentsOnly = 0
	// DotWithPorts adds port labels to the record nodes.
	DotWithPorts = 1
	// DotFull adds subcomponents, latency edge labels and clusters the
	// nodes by (rank, thread).
	DotFull = 2
)

// WriteJSON renders the graph in the same schema the reader accepts. The
// shared-set subscriptions are emitted under params_shared_sets.
func WriteJSON(w io.Writer, g *graph.ConfigGraph) error {
	m := jsonModel{}

	for _, comp := range g.Components() {
		m.Components = append(m.Components, jsonComponentOf(comp))
	}

	for _, link := range g.Links() {
		jl := jsonLink{Name: link.Name, NoCut: link.NoCut}
		left := &jsonLinkSide{
			Component: componentName(g, link.Component[0]),
			Port:      link.Port[0],
			Latency:   latencyString(link, 0),
		}
		jl.Left = left
		if link.NonLocal {
			remote := link.RemoteRank()
			jl.Rank = &remote.Rank
			jl.Thread = &remote.Thread
		} else {
			jl.Right = &jsonLinkSide{
				Component: componentName(g, link.Component[1]),
				Port:      link.Port[1],
				Latency:   latencyString(link, 1),
			}
		}
		m.Links = append(m.Links, jl)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

func jsonComponentOf(comp *graph.ConfigComponent) jsonComponent {
	jc := jsonComponent{
		Name:             comp.Name,
		Type:             comp.Type,
		Params:           comp.Params.LocalItems(),
		ParamsSharedSets: comp.Params.SharedSets(),
	}
	if comp.Rank.IsAssigned() {
		jc.Partition = &jsonPartition{Rank: comp.Rank.Rank, Thread: comp.Rank.Thread}
	}
	stats := lo.Keys(comp.EnabledStats)
	sort.Strings(stats)
	for _, name := range stats {
		jc.Statistics = append(jc.Statistics, jsonStatistic{Name: name})
	}
	for _, sub := range comp.Subcomponents {
		jc.Subcomponents = append(jc.Subcomponents, jsonSubComponent{
			jsonComponent: jsonComponentOf(sub),
			Slot:          sub.SlotName,
			SlotNum:       sub.SlotNum,
		})
	}
	return jc
}

func componentName(g *graph.ConfigGraph, id ids.ComponentID) string {
	if comp := g.FindComponent(id); comp != nil {
		return comp.Name
	}
	return fmt.Sprintf("<%d>", id)
}

// latencyString renders a link side latency: the interned string during
// construction, the resolved cycle count afterwards.
func latencyString(link *graph.ConfigLink, side int) string {
	if !link.Finalized {
		return link.LatencyString(side)
	}
	return fmt.Sprintf("%d", link.Latency[side])
}

// xmlComponent mirrors the XML component element.
type xmlComponent struct {
	XMLName xml.Name   `xml:"component"`
	ID      uint64     `xml:"id,attr"`
	Name    string     `xml:"name,attr"`
	Type    string     `xml:"type,attr"`
	Params  []xmlParam `xml:"param"`
}

type xmlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlLink struct {
	XMLName   xml.Name `xml:"link"`
	ID        uint32   `xml:"id,attr"`
	Name      string   `xml:"name,attr"`
	Left      string   `xml:"left,attr"`
	Right     string   `xml:"right,attr"`
	LeftPort  string   `xml:"leftport,attr"`
	RightPort string   `xml:"rightport,attr"`
}

// WriteXML renders the graph as flat component and link elements.
func WriteXML(w io.Writer, g *graph.ConfigGraph) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "<model>\n"); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("  ", "  ")

	for _, comp := range g.Components() {
		xc := xmlComponent{ID: uint64(comp.ID), Name: comp.Name, Type: comp.Type}
		items := comp.Params.LocalItems()
		keys := lo.Keys(items)
		sort.Strings(keys)
		for _, k := range keys {
			xc.Params = append(xc.Params, xmlParam{Name: k, Value: items[k]})
		}
		if err := enc.Encode(xc); err != nil {
			return err
		}
	}
	for _, link := range g.Links() {
		xl := xmlLink{
			ID:       link.ID,
			Name:     link.Name,
			Left:     componentName(g, link.Component[0]),
			LeftPort: link.Port[0],
		}
		if link.NonLocal {
			remote := link.RemoteRank()
			xl.Right = fmt.Sprintf("rank%d.thread%d", remote.Rank, remote.Thread)
		} else {
			xl.Right = componentName(g, link.Component[1])
			xl.RightPort = link.Port[1]
		}
		if err := enc.Encode(xl); err != nil {
			return err
		}
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n</model>\n")
	return err
}

// WriteDOT renders the graph for graphviz. At DotFull verbosity components
// are grouped into clusters by (rank, thread) and edges carry latency
// labels.
func WriteDOT(w io.Writer, g *graph.ConfigGraph, verbosity int) error {
	fmt.Fprintln(w, "graph model {")

	if verbosity >= DotFull {
		byRank := make(map[ids.RankInfo][]*graph.ConfigComponent)
		for _, comp := range g.Components() {
			byRank[comp.Rank] = append(byRank[comp.Rank], comp)
		}
		ranks := lo.Keys(byRank)
		sort.Slice(ranks, func(i, j int) bool { return ranks[i].Less(ranks[j]) })
		for _, rank := range ranks {
			fmt.Fprintf(w, "  subgraph \"cluster_%d_%d\" {\n", rank.Rank, rank.Thread)
			fmt.Fprintf(w, "    label=\"rank %d thread %d\";\n", rank.Rank, rank.Thread)
			for _, comp := range byRank[rank] {
				writeDotNode(w, g, comp, verbosity, "    ")
			}
			fmt.Fprintln(w, "  }")
		}
	} else {
		for _, comp := range g.Components() {
			writeDotNode(w, g, comp, verbosity, "  ")
		}
	}

	for _, link := range g.Links() {
		if link.NonLocal {
			continue
		}
		label := ""
		if verbosity >= DotFull {
			label = fmt.Sprintf(" [label=\"%s\"]", latencyString(link, 0))
		}
		fmt.Fprintf(w, "  \"%s\" -- \"%s\"%s;\n",
			componentName(g, link.Component[0].TopComponent()),
			componentName(g, link.Component[1].TopComponent()),
			label)
	}

	fmt.Fprintln(w, "}")
	return nil
}

func writeDotNode(w io.Writer, g *graph.ConfigGraph, comp *graph.ConfigComponent, verbosity int, indent string) {
	label := comp.Name
	if verbosity >= DotWithPorts {
		ports := portsOf(g, comp)
		for _, p := range ports {
			label += "|<" + p + "> " + p
		}
	}
	if verbosity >= DotFull {
		for _, sub := range comp.Subcomponents {
			label += "|" + sub.SlotName + ": " + sub.Type
		}
	}
	fmt.Fprintf(w, "%s\"%s\" [shape=record, label=\"%s\"];\n", indent, comp.Name, label)
}

func portsOf(g *graph.ConfigGraph, comp *graph.ConfigComponent) []string {
	var ports []string
	for _, lid := range comp.Links {
		link := g.FindLink(lid)
		if link == nil {
			continue
		}
		for side := 0; side < 2; side++ {
			if link.NonLocal && side == 1 {
				continue
			}
			if link.Component[side].ConfigID() == comp.ID.ConfigID() && link.Port[side] != "" {
				ports = append(ports, link.Port[side])
			}
		}
	}
	sort.Strings(ports)
	return lo.Uniq(ports)
}
