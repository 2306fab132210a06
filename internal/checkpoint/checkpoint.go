// Package checkpoint writes and restores simulation checkpoints. A
// checkpoint is a manifest pointing at a run-global "globals" file plus one
// serialized configuration graph per rank; every section in the binary
// files is its byte length (little-endian uint64) followed by the bytes.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/systemsim/parsim/internal/config"
	"github.com/systemsim/parsim/internal/graph"
	"github.com/systemsim/parsim/internal/ids"
)

// ErrCheckpointMismatch is returned when the restart parallelism neither
// matches the checkpoint nor collapses to serial.
var ErrCheckpointMismatch = errors.New("rank or thread counts do not match checkpoint")

// globalsMarker is the manifest line prefix locating the globals file.
const globalsMarker = "** (globals): "

// rankMarker prefixes the per-rank graph file lines.
const rankMarker = "** (rank %d): "

// Globals is the run-global state written once per checkpoint.
type Globals struct {
	Config          *config.Config `json:"config"`
	Ranks           ids.RankInfo   `json:"ranks"`
	CurrentSimCycle uint64         `json:"current_sim_cycle"`
	CurrentPriority uint64         `json:"current_priority"`
	MinPart         uint64         `json:"min_part"`
	MinPartTimebase string         `json:"min_part_timebase"`
	MaxEventID      uint64         `json:"max_event_id"`
	LibNames        []string       `json:"lib_names"`
}

// Writer produces one checkpoint. Rank 0 writes the globals and manifest;
// every rank writes its own graph file.
type Writer struct {
	dir    string
	prefix string
	runID  string

	archive *Archive
}

// NewWriter creates the checkpoint directory and names the checkpoint after
// the prefix, the simulation cycle and a fresh run id.
func NewWriter(cfg config.CheckpointConfig, simCycle uint64) (*Writer, error) {
	runID := uuid.New().String()[:8]
	dir := filepath.Join(cfg.Directory, fmt.Sprintf("%s_%d_%s", cfg.Prefix, simCycle, runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &Writer{dir: dir, prefix: cfg.Prefix, runID: runID}, nil
}

// SetArchive attaches an optional Redis archive that receives a copy of
// every blob written.
func (w *Writer) SetArchive(a *Archive) {
	w.archive = a
}

// Dir returns the checkpoint directory.
func (w *Writer) Dir() string { return w.dir }

// ManifestPath returns the path of the manifest file.
func (w *Writer) ManifestPath() string {
	return filepath.Join(w.dir, w.prefix+".cpt_manifest")
}

func (w *Writer) globalsName() string { return w.prefix + "_globals.bin" }

func (w *Writer) rankName(rank uint32) string {
	return fmt.Sprintf("%s_%d.bin", w.prefix, rank)
}

// writeSection writes one length-prefixed section.
func writeSection(f io.Writer, data []byte) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(data)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := f.Write(data)
	return err
}

// readSection reads one length-prefixed section.
func readSection(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	data := make([]byte, binary.LittleEndian.Uint64(lenBuf[:]))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteGlobals writes the globals file: the header section, then the
// shared-object and stats-config blobs. Only rank 0 calls this.
func (w *Writer) WriteGlobals(g *Globals, sharedObjects, statsConfig []byte) error {
	header, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint globals: %w", err)
	}

	path := filepath.Join(w.dir, w.globalsName())
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating globals file: %w", err)
	}
	defer f.Close()

	for _, section := range [][]byte{header, sharedObjects, statsConfig} {
		if err := writeSection(f, section); err != nil {
			return fmt.Errorf("writing globals section: %w", err)
		}
	}
	if w.archive != nil {
		w.archive.Store(w.runID, "globals", header)
	}
	logrus.WithField("path", path).Info("checkpoint globals written")
	return nil
}

// WriteRankGraph serializes one rank's configuration graph.
func (w *Writer) WriteRankGraph(rank uint32, g *graph.ConfigGraph) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshaling rank %d graph: %w", rank, err)
	}

	path := filepath.Join(w.dir, w.rankName(rank))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating rank graph file: %w", err)
	}
	defer f.Close()

	if err := writeSection(f, data); err != nil {
		return fmt.Errorf("writing rank %d graph: %w", rank, err)
	}
	if w.archive != nil {
		w.archive.Store(w.runID, fmt.Sprintf("rank_%d", rank), data)
	}
	return nil
}

// WriteManifest writes the manifest pointing at the globals and per-rank
// files. Only rank 0 calls this, after all ranks have written.
func (w *Writer) WriteManifest(numRanks uint32) error {
	f, err := os.Create(w.ManifestPath())
	if err != nil {
		return fmt.Errorf("creating manifest: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "Checkpoint manifest (run %s)\n", w.runID)
	fmt.Fprintf(f, "%s%s\n", globalsMarker, w.globalsName())
	for rank := uint32(0); rank < numRanks; rank++ {
		fmt.Fprintf(f, rankMarker+"%s\n", rank, w.rankName(rank))
	}
	logrus.WithField("path", w.ManifestPath()).Info("checkpoint manifest written")
	return nil
}

// Restart is the result of loading a checkpoint on one rank.
type Restart struct {
	Globals       *Globals
	Graph         *graph.ConfigGraph
	SharedObjects []byte
	StatsConfig   []byte
}

// LibraryLoader reloads the element libraries named in the checkpoint. It
// is supplied by the loader subsystem, which is outside the core.
type LibraryLoader func(names []string) error

// Load restores a checkpoint for the given rank. The restart-time config is
// merged with the checkpointed one (see config.MergeCheckpoint), the parallelism
// is validated, libraries are reloaded, and the rank's graph is
// deserialized with its component back-pointers re-linked. A serial restart
// of a parallel checkpoint merges every rank's graph.
func Load(manifestPath string, cfg *config.Config, myRank uint32, loadLibs LibraryLoader) (*Restart, error) {
	dir := filepath.Dir(manifestPath)
	globalsFile, rankFiles, err := scanManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, globalsFile))
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint globals file: %w", err)
	}
	defer f.Close()

	header, err := readSection(f)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint globals: %w", err)
	}
	globals := &Globals{}
	if err := json.Unmarshal(header, globals); err != nil {
		return nil, fmt.Errorf("decoding checkpoint globals: %w", err)
	}

	if globals.Config != nil {
		cfg.MergeCheckpoint(globals.Config)
	}

	serialRestart := cfg.Run.NumRanks == 1 && cfg.Run.NumThreads == 1
	if (cfg.Run.NumRanks != globals.Ranks.Rank || cfg.Run.NumThreads != globals.Ranks.Thread) && !serialRestart {
		return nil, fmt.Errorf("%w: checkpoint requires %d ranks and %d threads, serial restarts are also permitted",
			ErrCheckpointMismatch, globals.Ranks.Rank, globals.Ranks.Thread)
	}

	if loadLibs != nil {
		if err := loadLibs(globals.LibNames); err != nil {
			return nil, fmt.Errorf("reloading libraries: %w", err)
		}
	}

	sharedObjects, err := readSection(f)
	if err != nil {
		return nil, fmt.Errorf("reading shared-object blob: %w", err)
	}
	statsBlob, err := readSection(f)
	if err != nil {
		return nil, fmt.Errorf("reading stats-config blob: %w", err)
	}

	var g *graph.ConfigGraph
	if serialRestart && globals.Ranks.Rank > 1 {
		graphs := make([]*graph.ConfigGraph, 0, len(rankFiles))
		for rank := uint32(0); rank < globals.Ranks.Rank; rank++ {
			rg, err := loadRankGraph(dir, rankFiles, rank)
			if err != nil {
				return nil, err
			}
			graphs = append(graphs, rg)
		}
		g, err = graph.MergeGraphs(graphs)
		if err != nil {
			return nil, fmt.Errorf("merging rank graphs for serial restart: %w", err)
		}
	} else {
		g, err = loadRankGraph(dir, rankFiles, myRank)
		if err != nil {
			return nil, err
		}
	}

	g.Cpt.Ranks = globals.Ranks
	g.Cpt.CurrentSimCycle = globals.CurrentSimCycle
	g.Cpt.CurrentPriority = globals.CurrentPriority
	g.Cpt.MinPart = globals.MinPart
	g.Cpt.MinPartTimebase = globals.MinPartTimebase
	g.Cpt.MaxEventID = globals.MaxEventID
	g.Cpt.LibNames = globals.LibNames
	g.Cpt.SharedObjects = sharedObjects
	g.Cpt.StatsConfig = statsBlob

	return &Restart{
		Globals:       globals,
		Graph:         g,
		SharedObjects: sharedObjects,
		StatsConfig:   statsBlob,
	}, nil
}

// scanManifest extracts the globals file name and the per-rank graph file
// names.
func scanManifest(path string) (string, map[uint32]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("opening checkpoint manifest: %w", err)
	}
	defer f.Close()

	var globalsFile string
	rankFiles := make(map[uint32]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, globalsMarker) {
			globalsFile = strings.TrimSpace(line[len(globalsMarker):])
			continue
		}
		var rank uint32
		var name string
		if n, _ := fmt.Sscanf(line, "** (rank %d): %s", &rank, &name); n == 2 {
			rankFiles[rank] = name
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, fmt.Errorf("reading checkpoint manifest: %w", err)
	}
	if globalsFile == "" {
		return "", nil, fmt.Errorf("checkpoint manifest %s has no globals entry", path)
	}
	return globalsFile, rankFiles, nil
}

func loadRankGraph(dir string, rankFiles map[uint32]string, rank uint32) (*graph.ConfigGraph, error) {
	name, ok := rankFiles[rank]
	if !ok {
		return nil, fmt.Errorf("checkpoint manifest has no graph file for rank %d", rank)
	}
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("opening rank %d graph file: %w", rank, err)
	}
	defer f.Close()

	data, err := readSection(f)
	if err != nil {
		return nil, fmt.Errorf("reading rank %d graph: %w", rank, err)
	}
	g := graph.New()
	if err := json.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("decoding rank %d graph: %w", rank, err)
	}
	return g, nil
}
