package model

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemsim/parsim/internal/ids"
)

const modelJSON = `{
  "program_options": {"stop-at": "1ms"},
  "shared_params": {
    "memory_defaults": {"mem_size": "4GiB"}
  },
  "statistics_options": {
    "statisticLoadLevel": 4,
    "statisticOutput": "statoutputcsv"
  },
  "statistics_group": [
    {
      "name": "cache_stats",
      "frequency": "10us",
      "components": ["cpu0"],
      "statistics": {"hits": {}}
    }
  ],
  "components": [
    {
      "name": "cpu0",
      "type": "proc.cpu",
      "params": {"clock": "2GHz"},
      "params_global_sets": ["memory_defaults"],
      "partition": {"rank": 0, "thread": 0},
      "subcomponents": [
        {
          "slot_name": "cache",
          "slot_number": 0,
          "name": "l1",
          "type": "proc.cache",
          "params": {"size": "32KiB"}
        }
      ]
    },
    {
      "name": "mem0",
      "type": "mem.ctrl",
      "params_shared_sets": ["memory_defaults"],
      "partition": {"rank": 1, "thread": 0}
    }
  ],
  "links": [
    {
      "name": "bus",
      "left":  {"component": "cpu0", "port": "mem_port", "latency": "20ns"},
      "right": {"component": "mem0", "port": "cpu_port", "latency": "20ns"}
    },
    {
      "name": "remote_wire",
      "left": {"component": "mem0", "port": "far_port", "latency": "50ns"},
      "rank": 1,
      "thread": 0
    }
  ]
}`

func TestParseModel(t *testing.T) {
	res, err := Parse([]byte(modelJSON))
	require.NoError(t, err)
	g := res.Graph

	assert.Equal(t, "1ms", res.ProgramOptions["stop-at"])
	assert.Equal(t, 2, g.NumComponents())
	assert.Equal(t, 2, g.NumLinks())

	cpu := g.FindComponentByName("cpu0")
	require.NotNil(t, cpu)
	clock, _ := cpu.Params.FindString("clock", "")
	assert.Equal(t, "2GHz", clock)

	// params_global_sets is accepted as an alias of params_shared_sets.
	memSize, found := cpu.Params.FindString("mem_size", "")
	require.True(t, found)
	assert.Equal(t, "4GiB", memSize)

	mem := g.FindComponentByName("mem0")
	require.NotNil(t, mem)
	memSize, found = mem.Params.FindString("mem_size", "")
	require.True(t, found)
	assert.Equal(t, "4GiB", memSize)

	assert.Equal(t, ids.RankInfo{Rank: 1, Thread: 0}, mem.Rank)

	sub := g.FindComponentByName("cpu0:cache[0]")
	require.NotNil(t, sub)
	assert.Equal(t, "proc.cache", sub.Type)

	// Statistics options and groups.
	assert.Equal(t, uint8(4), g.Stats.LoadLevel)
	assert.Equal(t, "statoutputcsv", g.Stats.Outputs[0].Type)
	grp, ok := g.Stats.Groups["cache_stats"]
	require.True(t, ok)
	assert.Equal(t, []ids.ComponentID{cpu.ID}, grp.Components)

	// The non-local link records the far (rank, thread).
	var nonlocal int
	for _, link := range g.Links() {
		if link.NonLocal {
			nonlocal++
			assert.Equal(t, uint32(1), link.RemoteRank().Rank)
		}
	}
	assert.Equal(t, 1, nonlocal)
}

func TestJSONRoundTrip(t *testing.T) {
	res, err := Parse([]byte(modelJSON))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, res.Graph))
	assert.Contains(t, buf.String(), "params_shared_sets")

	res2, err := Parse(buf.Bytes())
	require.NoError(t, err)
	g2 := res2.Graph
	assert.Equal(t, res.Graph.NumComponents(), g2.NumComponents())
	assert.Equal(t, res.Graph.NumLinks(), g2.NumLinks())
	cpu := g2.FindComponentByName("cpu0")
	require.NotNil(t, cpu)
	clock, _ := cpu.Params.FindString("clock", "")
	assert.Equal(t, "2GHz", clock)
	require.NotNil(t, g2.FindComponentByName("cpu0:cache[0]"))
}

func TestWriteDOT(t *testing.T) {
	res, err := Parse([]byte(modelJSON))
	require.NoError(t, err)

	var low bytes.Buffer
	require.NoError(t, WriteDOT(&low, res.Graph, DotComponentsOnly))
	assert.Contains(t, low.String(), `"cpu0"`)
	assert.NotContains(t, low.String(), "cluster_")

	var full bytes.Buffer
	require.NoError(t, WriteDOT(&full, res.Graph, DotFull))
	assert.Contains(t, full.String(), "cluster_0_0")
	assert.Contains(t, full.String(), "cluster_1_0")
	assert.Contains(t, full.String(), `label="20ns"`)
	assert.Contains(t, full.String(), "cache: proc.cache")
}

func TestWriteXML(t *testing.T) {
	res, err := Parse([]byte(modelJSON))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteXML(&buf, res.Graph))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, xmlHeaderPrefix), "xml header missing")
	assert.Contains(t, out, `name="cpu0"`)
	assert.Contains(t, out, `left="cpu0"`)
	assert.Contains(t, out, `rightport="cpu_port"`)
	assert.Contains(t, out, `right="rank1.thread0"`)
}

const xmlHeaderPrefix = "<?xml"
