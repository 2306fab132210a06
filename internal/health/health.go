// Package health implements the control-plane health checker and HTTP
// endpoints for a running simulation rank.
package health

import (
	"runtime"
	"sync"
	"time"

	"github.com/systemsim/parsim/internal/rt"
)

// Status grades a health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of a single health check.
type Check struct {
	Name        string                 `json:"name"`
	Status      Status                 `json:"status"`
	Message     string                 `json:"message"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Report is the aggregate health report.
type Report struct {
	Status     Status                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     time.Duration          `json:"uptime"`
	Checks     []Check                `json:"checks"`
	SystemInfo map[string]interface{} `json:"system_info"`
}

// Pinger is anything with a connection worth probing (the checkpoint
// archive, for instance).
type Pinger interface {
	Ping() error
}

// Checker runs health checks against the simulation control surface.
type Checker struct {
	control   rt.SimulationControl
	archive   Pinger
	startTime time.Time
	mu        sync.Mutex
}

// NewChecker builds a health checker. archive may be nil.
func NewChecker(control rt.SimulationControl, archive Pinger) *Checker {
	return &Checker{
		control:   control,
		archive:   archive,
		startTime: time.Now(),
	}
}

// CheckHealth runs all checks and assembles the report.
func (h *Checker) CheckHealth() *Report {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime),
	}

	report.Checks = append(report.Checks, h.checkScheduler())
	if h.archive != nil {
		report.Checks = append(report.Checks, h.checkArchive())
	}

	for _, c := range report.Checks {
		if c.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
		if c.Status == StatusDegraded {
			report.Status = StatusDegraded
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	report.SystemInfo = map[string]interface{}{
		"goroutines":   runtime.NumGoroutine(),
		"heap_alloc":   mem.HeapAlloc,
		"num_gc":       mem.NumGC,
		"go_version":   runtime.Version(),
		"rank":         h.control.Rank().Rank,
		"num_ranks":    h.control.NumRanks().Rank,
		"num_threads":  h.control.NumRanks().Thread,
	}
	return report
}

func (h *Checker) checkScheduler() Check {
	start := time.Now()
	_, activities := h.control.MemPoolUsage()
	return Check{
		Name:        "scheduler",
		Status:      StatusHealthy,
		Message:     "scheduler responding",
		LastChecked: start,
		Duration:    time.Since(start),
		Details: map[string]interface{}{
			"sim_time":         h.control.ElapsedSimTime(),
			"sim_cycle":        h.control.CurrentSimCycle(),
			"activities":       activities,
			"tv_max_depth":     h.control.TimeVortexMaxDepth(),
			"sync_data_bytes":  h.control.SyncQueueDataSize(),
		},
	}
}

func (h *Checker) checkArchive() Check {
	start := time.Now()
	check := Check{
		Name:        "checkpoint_archive",
		LastChecked: start,
	}
	if err := h.archive.Ping(); err != nil {
		check.Status = StatusDegraded
		check.Message = err.Error()
	} else {
		check.Status = StatusHealthy
		check.Message = "archive reachable"
	}
	check.Duration = time.Since(start)
	return check
}
