package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "1ps", cfg.Run.Timebase)
	assert.Equal(t, "single", cfg.Run.Partitioner)
	assert.Equal(t, uint32(1), cfg.Run.NumRanks)
	assert.Equal(t, uint32(1), cfg.Run.NumThreads)
	assert.Equal(t, "lazy", cfg.Run.DLBindPolicy)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
run:
  timebase: 10ps
  partitioner: roundrobin
  num_ranks: 2
  num_threads: 4
  dl_bind_policy: now
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10ps", cfg.Run.Timebase)
	assert.Equal(t, "roundrobin", cfg.Run.Partitioner)
	assert.Equal(t, uint32(2), cfg.Run.NumRanks)
	assert.Equal(t, uint32(4), cfg.Run.NumThreads)
	assert.Equal(t, "now", cfg.Run.DLBindPolicy)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PARSIM_PARTITIONER", "kway")
	t.Setenv("PARSIM_NUM_THREADS", "8")
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
run:
  partitioner: roundrobin
  num_threads: 4
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "kway", cfg.Run.Partitioner)
	assert.Equal(t, uint32(8), cfg.Run.NumThreads)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaults()
	cfg.Run.DLBindPolicy = "eventually"
	assert.Error(t, Validate(cfg))

	cfg = defaults()
	cfg.Run.NumRanks = 0
	assert.Error(t, Validate(cfg))

	cfg = defaults()
	cfg.Run.MyRank = 3
	assert.Error(t, Validate(cfg))
}

func TestMergeCheckpoint(t *testing.T) {
	cfg := defaults()
	cfg.Run.StopAt = ""
	cpt := defaults()
	cpt.Run.StopAt = "5ms"
	cpt.Run.Timebase = "2ps"

	cfg.MergeCheckpoint(cpt)
	assert.Equal(t, "5ms", cfg.Run.StopAt)
	// Timebase always follows the checkpoint.
	assert.Equal(t, "2ps", cfg.Run.Timebase)
}
