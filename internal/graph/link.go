package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/timebase"
)

// ErrLinkFinalized is returned when a build-time mutation is attempted after
// the graph has gone through post-creation cleanup.
var ErrLinkFinalized = errors.New("link already finalized")

// Latency strings are interned process-wide: each unique string gets a
// positive index (0 is reserved), and the indices are converted to cycle
// counts in one pass before simulation. This keeps string parsing off the
// per-link path.
var latencies = struct {
	sync.Mutex
	index   map[string]uint32
	strings []string
}{
	index:   make(map[string]uint32),
	strings: []string{""},
}

// LatencyIndex interns a latency string and returns its index.
func LatencyIndex(latency string) uint32 {
	latencies.Lock()
	defer latencies.Unlock()
	if i, ok := latencies.index[latency]; ok {
		return i
	}
	i := uint32(len(latencies.strings))
	latencies.index[latency] = i
	latencies.strings = append(latencies.strings, latency)
	return i
}

// LatencyString returns the interned latency string for index i.
func LatencyString(i uint32) string {
	latencies.Lock()
	defer latencies.Unlock()
	if int(i) < len(latencies.strings) {
		return latencies.strings[i]
	}
	return ""
}

// resolveLatencyTable materializes the index-to-cycles vector using the
// simulation timebase.
func resolveLatencyTable(tb *timebase.TimeBase) ([]uint64, error) {
	latencies.Lock()
	defer latencies.Unlock()
	table := make([]uint64, len(latencies.strings))
	for i := 1; i < len(latencies.strings); i++ {
		cycles, err := tb.Cycles(latencies.strings[i])
		if err != nil {
			return nil, fmt.Errorf("latency %q: %w", latencies.strings[i], err)
		}
		table[i] = cycles
	}
	return table, nil
}

// ConfigLink is the configuration of one link between two components (or
// one component and a remote rank when NonLocal is set).
//
// Two fields are stage-dependent. During construction, Latency holds
// interned latency-string indices and Order counts how many components
// reference the link; after finalization, Latency holds cycle counts and
// Order holds the deterministic delivery tag assigned alphabetically by
// link name. The Finalized flag records which stage the link is in.
type ConfigLink struct {
	ID   ids.LinkID `json:"id"`
	Name string     `json:"name"`

	// Component holds the connected endpoints in attachment order. For a
	// non-local link, Component[1] holds the remote rank instead.
	Component [2]ids.ComponentID `json:"component"`
	// Port holds the port names, indices matching Component.
	Port [2]string `json:"port"`
	// Latency is per-side: the latency applied to events sent from the
	// corresponding component. For a non-local link, Latency[1] holds the
	// remote thread.
	Latency [2]uint64 `json:"latency"`

	Order       uint32 `json:"order"`
	NoCut       bool   `json:"no_cut"`
	NonLocal    bool   `json:"nonlocal"`
	CrossRank   bool   `json:"cross_rank"`
	CrossThread bool   `json:"cross_thread"`
	Finalized   bool   `json:"finalized"`
}

func newConfigLink(id ids.LinkID, name string) *ConfigLink {
	return &ConfigLink{
		ID:        id,
		Name:      name,
		Component: [2]ids.ComponentID{ids.UnsetComponentID, ids.UnsetComponentID},
	}
}

// Key makes ConfigLink storable in a SparseVectorMap.
func (l *ConfigLink) Key() ids.LinkID { return l.ID }

// MinLatency returns the smaller of the two side latencies. For a non-local
// link only the local side is meaningful.
func (l *ConfigLink) MinLatency() uint64 {
	if l.NonLocal {
		return l.Latency[0]
	}
	if l.Latency[0] < l.Latency[1] {
		return l.Latency[0]
	}
	return l.Latency[1]
}

// LatencyString returns the latency string for side i. Only valid during
// construction, before the indices are replaced by cycle counts.
func (l *ConfigLink) LatencyString(i int) string {
	return LatencyString(uint32(l.Latency[i]))
}

// RemoteRank returns the (rank, thread) of the far side of a non-local link.
func (l *ConfigLink) RemoteRank() ids.RankInfo {
	return ids.RankInfo{Rank: uint32(l.Component[1]), Thread: uint32(l.Latency[1])}
}

// SetAsNonLocal converts the link to non-local form. The local side is moved
// to index 0 and the remote (rank, thread) is encoded in index 1.
func (l *ConfigLink) SetAsNonLocal(whichLocal int, remote ids.RankInfo) {
	if whichLocal == 1 {
		l.Component[0] = l.Component[1]
		l.Port[0] = l.Port[1]
		l.Latency[0] = l.Latency[1]
	}
	l.Component[1] = ids.ComponentID(remote.Rank)
	l.Latency[1] = uint64(remote.Thread)
	l.Port[1] = ""
	l.NonLocal = true
}

// resolveLatencies replaces the latency indices with cycle counts.
func (l *ConfigLink) resolveLatencies(table []uint64) {
	l.Latency[0] = table[l.Latency[0]]
	if !l.NonLocal {
		l.Latency[1] = table[l.Latency[1]]
	}
}

// clone returns a copy of the link for the both-graphs case of a split.
func (l *ConfigLink) clone() *ConfigLink {
	c := *l
	return &c
}
