package syncmgr

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/transport"
)

// syncType records which plane the next horizon belongs to.
type syncType int

const (
	syncRank syncType = iota
	syncThread
)

// maxSimTime stands in for "never".
const maxSimTime = math.MaxUint64

// Shared is the per-rank state common to all thread-local sync managers:
// the two sync planes, the barriers that order them, and the agreed
// checkpoint schedule.
type Shared struct {
	Rank     ids.RankInfo
	NumRanks ids.RankInfo

	// MinPart is the minimum cross-rank link latency; MinPartThread the
	// minimum cross-thread latency within the rank.
	MinPart       uint64
	MinPartThread uint64

	RankSyncPlane   *RankSync
	ThreadSyncPlane *ThreadSync

	execBarrier *Barrier

	nextRankSync   atomic.Uint64
	nextCheckpoint atomic.Uint64

	// SignalHandler receives the agreed signal set after each horizon; it
	// runs on thread 0 only.
	SignalHandler func(end, usr, alrm int32)
	// CheckpointHook runs on thread 0 when a scheduled checkpoint falls at
	// or before a rank horizon; all ranks reach it together.
	CheckpointHook func(simTime uint64)

	rankSyncErr atomic.Value
}

// NewShared wires the shared sync state for one rank. tp may be nil for a
// single-rank job.
func NewShared(tp transport.Transport, rank, numRanks ids.RankInfo, minPart, minPartThread uint64, d Deliverer) *Shared {
	s := &Shared{
		Rank:          rank,
		NumRanks:      numRanks,
		MinPart:       minPart,
		MinPartThread: minPartThread,
		execBarrier:   NewBarrier(int(numRanks.Thread)),
	}
	s.ThreadSyncPlane = NewThreadSync(int(numRanks.Thread), d)
	if numRanks.Rank > 1 {
		s.RankSyncPlane = NewRankSync(tp, numRanks, d)
	}
	s.nextCheckpoint.Store(maxSimTime)
	return s
}

// ScheduleCheckpoint arranges for the checkpoint hook to fire at the first
// rank horizon at or after simTime.
func (s *Shared) ScheduleCheckpoint(simTime uint64) {
	s.nextCheckpoint.Store(simTime)
}

// RegisterLink returns the activity queue a cross-partition link inserts
// into, based on where its far side lives: another rank goes through the
// rank plane, another thread of this rank through the thread plane. A nil
// return means the link is thread-local and inserts directly into the
// thread's own queue.
func (s *Shared) RegisterLink(to, from ids.RankInfo) ActivityQueue {
	if to.Rank != from.Rank {
		return s.RankSyncPlane.RegisterLink(to)
	}
	if to.Thread != from.Thread {
		return s.ThreadSyncPlane.RegisterLink(int(from.Thread), int(to.Thread))
	}
	return nil
}

// DataSize reports the bytes buffered for the next exchanges on both
// planes.
func (s *Shared) DataSize() uint64 {
	var total uint64
	if s.RankSyncPlane != nil {
		total += s.RankSyncPlane.DataSize()
	}
	total += s.ThreadSyncPlane.DataSize()
	return total
}

// Manager is the per-thread sync action. The simulation core schedules it
// as a recurring activity; Execute runs when simulated time reaches the
// horizon and computes the next one.
type Manager struct {
	shared *Shared
	thread int

	nextSyncTime uint64
	nextType     syncType
}

// NewManager returns the sync manager for one thread, with its first
// horizon computed from time zero.
func NewManager(s *Shared, thread int) *Manager {
	m := &Manager{shared: s, thread: thread}
	m.computeNextInsert(0)
	return m
}

// NextSyncTime returns the current horizon.
func (m *Manager) NextSyncTime() uint64 { return m.nextSyncTime }

// SetRestartTime re-bases the horizon after a checkpoint restart.
func (m *Manager) SetRestartTime(t uint64) {
	m.nextSyncTime = t
}

// computeNextInsert picks the nearer of the rank and thread horizons from
// now, clamping the rank horizon to a pending checkpoint boundary.
func (m *Manager) computeNextInsert(now uint64) {
	rankHorizon := uint64(maxSimTime)
	if m.shared.RankSyncPlane != nil {
		rankHorizon = now + m.shared.MinPart
		if cp := m.shared.nextCheckpoint.Load(); cp != maxSimTime && cp < rankHorizon {
			if cp > now {
				rankHorizon = cp
			} else {
				rankHorizon = now
			}
		}
	}
	threadHorizon := uint64(maxSimTime)
	if m.shared.NumRanks.Thread > 1 {
		threadHorizon = now + m.shared.MinPartThread
	}

	if rankHorizon <= threadHorizon {
		m.nextSyncTime = rankHorizon
		m.nextType = syncRank
	} else {
		m.nextSyncTime = threadHorizon
		m.nextType = syncThread
	}
}

// Execute performs the sync due at the current horizon. All threads of the
// rank call it at the same simulated time.
func (m *Manager) Execute(ctx context.Context, now uint64) error {
	s := m.shared
	switch m.nextType {
	case syncThread:
		ts := s.ThreadSyncPlane
		ts.Before()
		ts.Execute(m.thread)
		end, usr, alrm := ts.After(m.thread)
		m.handleSignals(end, usr, alrm)

	case syncRank:
		ts := s.ThreadSyncPlane
		s.execBarrier.Wait()
		if m.thread == 0 {
			if err := s.RankSyncPlane.Execute(ctx); err != nil {
				s.rankSyncErr.Store(err)
			} else if end, usr, alrm := s.RankSyncPlane.GetSignals(); end != 0 || usr != 0 || alrm != 0 {
				// Feed the agreed rank-level signals into the thread plane
				// so every thread of this rank observes them too.
				ts.SetSignals(end, usr, alrm)
			}
			if cp := s.nextCheckpoint.Load(); cp <= now && s.CheckpointHook != nil {
				s.nextCheckpoint.Store(maxSimTime)
				logrus.WithField("sim_time", now).Info("checkpoint boundary reached")
				s.CheckpointHook(now)
			}
		}
		s.execBarrier.Wait()
		if err, ok := s.rankSyncErr.Load().(error); ok && err != nil {
			return err
		}

		// Piggyback a thread sync on every rank sync.
		ts.Before()
		ts.Execute(m.thread)
		end, usr, alrm := ts.After(m.thread)
		m.handleSignals(end, usr, alrm)
	}

	m.computeNextInsert(now)
	return nil
}

// handleSignals hands the agreed signal set to the registered handler once
// per rank per horizon.
func (m *Manager) handleSignals(end, usr, alrm int32) {
	if m.thread != 0 || m.shared.SignalHandler == nil {
		return
	}
	if end != 0 || usr != 0 || alrm != 0 {
		m.shared.SignalHandler(end, usr, alrm)
	}
}
