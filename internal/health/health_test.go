package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemsim/parsim/internal/config"
	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/transport"
)

type stubControl struct {
	cycle       uint64
	checkpoints []uint64
	shutdowns   []bool
}

func (s *stubControl) Rank() ids.RankInfo             { return ids.RankInfo{Rank: 0, Thread: 0} }
func (s *stubControl) NumRanks() ids.RankInfo         { return ids.RankInfo{Rank: 1, Thread: 1} }
func (s *stubControl) CurrentSimCycle() uint64        { return s.cycle }
func (s *stubControl) ElapsedSimTime() string         { return "5 us" }
func (s *stubControl) SignalShutdown(emergency bool)  { s.shutdowns = append(s.shutdowns, emergency) }
func (s *stubControl) PrintStatus(bool)               {}
func (s *stubControl) ScheduleCheckpoint(cyc uint64)  { s.checkpoints = append(s.checkpoints, cyc) }
func (s *stubControl) TimeVortexMaxDepth() uint64     { return 3 }
func (s *stubControl) MemPoolUsage() (int64, int64)   { return 128, 2 }
func (s *stubControl) SyncQueueDataSize() uint64      { return 0 }
func (s *stubControl) Transport() transport.Transport { return nil }

type failingPinger struct{}

func (failingPinger) Ping() error { return errors.New("connection refused") }

func TestCheckHealth(t *testing.T) {
	checker := NewChecker(&stubControl{cycle: 42}, nil)
	report := checker.CheckHealth()
	assert.Equal(t, StatusHealthy, report.Status)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "scheduler", report.Checks[0].Name)
}

func TestArchiveFailureDegrades(t *testing.T) {
	checker := NewChecker(&stubControl{}, failingPinger{})
	report := checker.CheckHealth()
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestServerEndpoints(t *testing.T) {
	control := &stubControl{cycle: 77}
	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, NewChecker(control, nil), control)

	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "active", status["status"])
	assert.Equal(t, float64(77), status["sim_cycle"])

	w = httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/checkpoint", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []uint64{77}, control.checkpoints)

	w = httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/shutdown", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []bool{false}, control.shutdowns)
}
