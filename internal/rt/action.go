// Package rt is the real-time control plane: OS-signal intake, wall-clock
// interval alarms, and the catalog of actions they trigger. Real time is
// orthogonal to simulated time; actions are observed at explicit poll
// points and, on parallel runs, deferred to the next sync horizon so all
// partitions act coherently.
package rt

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/transport"
)

// SimulationControl is the slice of the simulation core that real-time
// actions operate on.
type SimulationControl interface {
	Rank() ids.RankInfo
	NumRanks() ids.RankInfo

	CurrentSimCycle() uint64
	// ElapsedSimTime formats the current simulated time for banners.
	ElapsedSimTime() string

	// SignalShutdown requests the end of the run; emergency selects the
	// abnormal-exit path.
	SignalShutdown(emergency bool)

	// PrintStatus prints scheduler state; components extends the report to
	// every component.
	PrintStatus(components bool)

	// ScheduleCheckpoint arranges a checkpoint at the given simulated time.
	ScheduleCheckpoint(simCycle uint64)

	// TimeVortexMaxDepth returns the deepest event queue across this
	// rank's threads.
	TimeVortexMaxDepth() uint64
	// MemPoolUsage returns pool bytes and live activity count for this
	// rank.
	MemPoolUsage() (bytes int64, activities int64)
	// SyncQueueDataSize returns the bytes buffered for the next sync
	// exchange.
	SyncQueueDataSize() uint64

	// Transport returns the collective transport, or nil on serial runs.
	Transport() transport.Transport
}

// Action is a real-time action: a plain object executed from poll points or
// sync horizons, never from inside a signal handler.
type Action interface {
	Execute()
	// CanInitiateCheckpoint marks actions whose execution may schedule a
	// checkpoint; the manager uses it to pre-arm checkpoint machinery.
	CanInitiateCheckpoint() bool
	// Begin is called once when the run starts, with the wall-clock start
	// time.
	Begin(start time.Time)
}

// baseAction provides the defaults actions embed.
type baseAction struct{}

func (baseAction) CanInitiateCheckpoint() bool { return false }
func (baseAction) Begin(time.Time)             {}

// ExitCleanAction prints the shutdown banner and requests a clean end of
// simulation.
type ExitCleanAction struct {
	baseAction
	control SimulationControl
}

// NewExitCleanAction builds the clean-exit action.
func NewExitCleanAction(control SimulationControl) *ExitCleanAction {
	return &ExitCleanAction{control: control}
}

func (a *ExitCleanAction) Execute() {
	rank := a.control.Rank()
	fmt.Printf("EXIT-AFTER TIME REACHED; SHUTDOWN (%d,%d)!\n", rank.Rank, rank.Thread)
	fmt.Printf("# Simulated time:                  %s\n", a.control.ElapsedSimTime())
	a.control.SignalShutdown(false)
}

// ExitEmergencyAction prints the emergency banner and requests an abnormal
// shutdown with a nonzero exit code.
type ExitEmergencyAction struct {
	baseAction
	control SimulationControl
}

// NewExitEmergencyAction builds the emergency-exit action.
func NewExitEmergencyAction(control SimulationControl) *ExitEmergencyAction {
	return &ExitEmergencyAction{control: control}
}

func (a *ExitEmergencyAction) Execute() {
	rank := a.control.Rank()
	fmt.Printf("EMERGENCY SHUTDOWN (%d,%d)!\n", rank.Rank, rank.Thread)
	fmt.Printf("# Simulated time:                  %s\n", a.control.ElapsedSimTime())
	a.control.SignalShutdown(true)
}

// CoreStatusAction prints scheduler status.
type CoreStatusAction struct {
	baseAction
	control SimulationControl
}

// NewCoreStatusAction builds the core-status action.
func NewCoreStatusAction(control SimulationControl) *CoreStatusAction {
	return &CoreStatusAction{control: control}
}

func (a *CoreStatusAction) Execute() {
	a.control.PrintStatus(false)
}

// ComponentStatusAction prints scheduler status plus per-component status.
type ComponentStatusAction struct {
	baseAction
	control SimulationControl
}

// NewComponentStatusAction builds the component-status action.
func NewComponentStatusAction(control SimulationControl) *ComponentStatusAction {
	return &ComponentStatusAction{control: control}
}

func (a *ComponentStatusAction) Execute() {
	a.control.PrintStatus(true)
}

// CheckpointAction schedules a checkpoint at the current simulation cycle.
type CheckpointAction struct {
	baseAction
	control SimulationControl
}

// NewCheckpointAction builds the checkpoint trigger action.
func NewCheckpointAction(control SimulationControl) *CheckpointAction {
	return &CheckpointAction{control: control}
}

func (a *CheckpointAction) CanInitiateCheckpoint() bool { return true }

func (a *CheckpointAction) Execute() {
	cycle := a.control.CurrentSimCycle()
	logrus.WithField("sim_cycle", cycle).Info("scheduling checkpoint")
	a.control.ScheduleCheckpoint(cycle)
}

// HeartbeatAction aggregates and prints resource usage: memory pool bytes,
// live activities, event-queue depth and sync buffer sizes. Reductions run
// max+sum across ranks in one pass; only rank 0 prints.
type HeartbeatAction struct {
	baseAction
	control  SimulationControl
	lastTime time.Time

	// lastGlobalTVDepth records the reduced TimeVortex maximum from the
	// most recent beat.
	lastGlobalTVDepth int64
}

// LastGlobalTimeVortexDepth returns the global maximum event-queue depth
// observed at the most recent heartbeat.
func (a *HeartbeatAction) LastGlobalTimeVortexDepth() int64 {
	return a.lastGlobalTVDepth
}

// NewHeartbeatAction builds the heartbeat reporter.
func NewHeartbeatAction(control SimulationControl) *HeartbeatAction {
	return &HeartbeatAction{control: control}
}

func (a *HeartbeatAction) Begin(start time.Time) {
	a.lastTime = start
}

func (a *HeartbeatAction) Execute() {
	control := a.control
	rank := control.Rank()
	numRanks := control.NumRanks()

	if rank.Rank == 0 && rank.Thread == 0 {
		now := time.Now()
		fmt.Printf("# Simulation Heartbeat: Simulated Time %s (Real CPU time since last period %.5f seconds)\n",
			control.ElapsedSimTime(), now.Sub(a.lastTime).Seconds())
		a.lastTime = now
	}

	mempool, activities := control.MemPoolUsage()
	tvDepth := int64(control.TimeVortexMaxDepth())
	syncSize := int64(control.SyncQueueDataSize())

	maxTV := tvDepth
	maxSync, sumSync := syncSize, int64(0)
	maxPool, sumPool := mempool, mempool
	sumActivities := activities

	if tp := control.Transport(); tp != nil && numRanks.Rank > 1 {
		ctx := context.Background()
		maxes, err := tp.AllreduceMax(ctx, []int64{tvDepth, syncSize, mempool})
		if err != nil {
			logrus.WithError(err).Error("heartbeat: max reduction failed")
			return
		}
		sums, err := tp.AllreduceSum(ctx, []int64{syncSize, mempool, activities})
		if err != nil {
			logrus.WithError(err).Error("heartbeat: sum reduction failed")
			return
		}
		maxTV, maxSync, maxPool = maxes[0], maxes[1], maxes[2]
		sumSync, sumPool, sumActivities = sums[0], sums[1], sums[2]
	}
	a.lastGlobalTVDepth = maxTV

	if rank.Rank == 0 && rank.Thread == 0 {
		fmt.Printf("\tMax mempool usage:               %dB\n", maxPool)
		fmt.Printf("\tGlobal mempool usage:            %dB\n", sumPool)
		fmt.Printf("\tGlobal active activities         %d activities\n", sumActivities)
		fmt.Printf("\tMax TimeVortex depth:            %d entries\n", maxTV)
		if numRanks.Rank > 1 {
			fmt.Printf("\tMax Sync data size:              %dB\n", maxSync)
			fmt.Printf("\tGlobal Sync data size:           %dB\n", sumSync)
		}
	}
}

// exitOnSecondSignal is a helper used by the manager to make a double
// interrupt terminate the process immediately.
func exitOnSecondSignal(sig os.Signal) {
	logrus.WithField("signal", sig).Warn("second fatal signal, terminating")
	os.Exit(130)
}
