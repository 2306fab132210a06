package rt

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/transport"
)

type fakeControl struct {
	rank     ids.RankInfo
	numRanks ids.RankInfo
	tp       transport.Transport

	cycle    uint64
	tvDepth  uint64
	mempool  int64
	acts     int64
	syncSize uint64

	shutdowns   []bool
	statusCalls []bool
	checkpoints []uint64
}

func (f *fakeControl) Rank() ids.RankInfo               { return f.rank }
func (f *fakeControl) NumRanks() ids.RankInfo           { return f.numRanks }
func (f *fakeControl) CurrentSimCycle() uint64          { return f.cycle }
func (f *fakeControl) ElapsedSimTime() string           { return "1 ms" }
func (f *fakeControl) SignalShutdown(emergency bool)    { f.shutdowns = append(f.shutdowns, emergency) }
func (f *fakeControl) PrintStatus(components bool)      { f.statusCalls = append(f.statusCalls, components) }
func (f *fakeControl) ScheduleCheckpoint(cycle uint64)  { f.checkpoints = append(f.checkpoints, cycle) }
func (f *fakeControl) TimeVortexMaxDepth() uint64       { return f.tvDepth }
func (f *fakeControl) MemPoolUsage() (int64, int64)     { return f.mempool, f.acts }
func (f *fakeControl) SyncQueueDataSize() uint64        { return f.syncSize }
func (f *fakeControl) Transport() transport.Transport   { return f.tp }

func serialControl() *fakeControl {
	return &fakeControl{
		rank:     ids.RankInfo{Rank: 0, Thread: 0},
		numRanks: ids.RankInfo{Rank: 1, Thread: 1},
	}
}

func TestSerialSignalExecutesAtPoll(t *testing.T) {
	control := serialControl()
	m := NewManager(control, nil)
	m.RegisterDefaultSignals()

	m.sigEndFromOS.Store(int32(syscall.SIGINT))
	m.NotifySignal()

	require.Len(t, control.shutdowns, 1)
	assert.False(t, control.shutdowns[0])

	m.sigUsrFromOS.Store(int32(syscall.SIGUSR2))
	m.NotifySignal()
	require.Len(t, control.statusCalls, 1)
	assert.True(t, control.statusCalls[0])
}

func TestParallelSignalDeferredToSync(t *testing.T) {
	control := serialControl()
	control.numRanks = ids.RankInfo{Rank: 2, Thread: 1}
	m := NewManager(control, nil)
	m.RegisterDefaultSignals()

	m.sigUsrFromOS.Store(int32(syscall.SIGUSR1))
	m.NotifySignal()

	// Nothing executed yet; the signal waits for the horizon.
	assert.Empty(t, control.statusCalls)
	end, usr, alrm := m.GetSignals()
	assert.Equal(t, int32(0), end)
	assert.Equal(t, int32(syscall.SIGUSR1), usr)
	assert.Equal(t, int32(0), alrm)

	// The sync plane hands the agreed set back for execution.
	m.PerformSignal(usr)
	require.Len(t, control.statusCalls, 1)
	assert.False(t, control.statusCalls[0])

	// Pending set is cleared by the read.
	end, usr, alrm = m.GetSignals()
	assert.Zero(t, end)
	assert.Zero(t, usr)
	assert.Zero(t, alrm)
}

func TestExitActions(t *testing.T) {
	control := serialControl()
	NewExitCleanAction(control).Execute()
	NewExitEmergencyAction(control).Execute()
	require.Equal(t, []bool{false, true}, control.shutdowns)
}

func TestCheckpointActionSchedulesCurrentCycle(t *testing.T) {
	control := serialControl()
	control.cycle = 12345
	a := NewCheckpointAction(control)
	assert.True(t, a.CanInitiateCheckpoint())
	a.Execute()
	require.Equal(t, []uint64{12345}, control.checkpoints)
}

func TestIntervalActionApply(t *testing.T) {
	control := serialControl()
	cp := NewCheckpointAction(control)
	ia := NewIntervalAction(30, cp)

	ia.Apply(10)
	assert.Equal(t, uint32(20), ia.NextFire())
	assert.Empty(t, control.checkpoints)

	ia.Apply(25)
	assert.Len(t, control.checkpoints, 1)
	// Countdown resets to the full interval after firing.
	assert.Equal(t, uint32(30), ia.NextFire())
}

func TestAlarmManagerAdvancesAllIntervals(t *testing.T) {
	control := serialControl()
	am := NewAlarmManager(control, func() {})

	cp := NewCheckpointAction(control)
	status := NewCoreStatusAction(control)
	am.AddInterval(10, status)
	am.AddInterval(25, cp)
	am.Begin(time.Now().Add(-11 * time.Second))
	defer am.Stop()

	// 11 seconds elapsed: the 10s interval fires, the 25s one advances.
	am.Execute()
	assert.Len(t, control.statusCalls, 1)
	assert.Empty(t, control.checkpoints)
}

func TestHeartbeatReducesAcrossRanks(t *testing.T) {
	hub := transport.NewLoopbackHub(2)
	depths := []uint64{7, 19}

	beats := make([]*HeartbeatAction, 2)
	var g errgroup.Group
	for rank := 0; rank < 2; rank++ {
		control := &fakeControl{
			rank:     ids.RankInfo{Rank: uint32(rank), Thread: 0},
			numRanks: ids.RankInfo{Rank: 2, Thread: 1},
			tp:       hub.RankTransport(rank),
			tvDepth:  depths[rank],
			mempool:  int64(100 * (rank + 1)),
			acts:     int64(rank + 1),
		}
		beat := NewHeartbeatAction(control)
		beat.Begin(time.Now())
		beats[rank] = beat
		g.Go(func() error {
			beat.Execute()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// The printed global TimeVortex max equals the maximum across ranks.
	assert.Equal(t, int64(19), beats[0].LastGlobalTimeVortexDepth())
	assert.Equal(t, int64(19), beats[1].LastGlobalTimeVortexDepth())
}
