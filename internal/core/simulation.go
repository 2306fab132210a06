// Package core runs the simulation: per-thread event loops over their time
// vortices, cooperative advance to sync horizons, and the glue between the
// configuration graph, the sync manager, the real-time manager and the
// checkpoint subsystem.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/systemsim/parsim/internal/checkpoint"
	"github.com/systemsim/parsim/internal/config"
	"github.com/systemsim/parsim/internal/graph"
	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/rt"
	"github.com/systemsim/parsim/internal/syncmgr"
	"github.com/systemsim/parsim/internal/timebase"
	"github.com/systemsim/parsim/internal/transport"
)

// maxCycle stands in for "run forever".
const maxCycle = ^uint64(0)

// Handler consumes events delivered to a registered link endpoint.
type Handler func(thread int, ev *syncmgr.Event)

// Simulation drives one rank of the parallel job.
type Simulation struct {
	cfg   *config.Config
	tb    *timebase.TimeBase
	graph *graph.ConfigGraph
	tp    transport.Transport

	myRank   ids.RankInfo
	numRanks ids.RankInfo

	shared   *syncmgr.Shared
	rtm      *rt.Manager
	vortices []TimeVortex

	handlersMu sync.RWMutex
	handlers   map[uint64]Handler
	endpoints  map[endpointKey]*endpoint

	threadCycle  []atomic.Uint64
	currentCycle atomic.Uint64
	stopAt       uint64

	shutdownRequested atomic.Bool
	emergency         atomic.Bool

	checkpointRequest   atomic.Uint64
	checkpointSimPeriod uint64
	activities          atomic.Int64
}

// New assembles a simulation for this rank from an already partitioned and
// split graph. tp may be nil on single-rank runs.
func New(cfg *config.Config, g *graph.ConfigGraph, tp transport.Transport) (*Simulation, error) {
	tb, err := timebase.New(cfg.Run.Timebase)
	if err != nil {
		return nil, err
	}

	s := &Simulation{
		cfg:      cfg,
		tb:       tb,
		graph:    g,
		tp:       tp,
		myRank:   ids.RankInfo{Rank: cfg.Run.MyRank, Thread: 0},
		numRanks: ids.RankInfo{Rank: cfg.Run.NumRanks, Thread: cfg.Run.NumThreads},
		handlers: make(map[uint64]Handler),
		stopAt:   maxCycle,
	}

	if cfg.Run.StopAt != "" {
		cycles, err := tb.Cycles(cfg.Run.StopAt)
		if err != nil {
			return nil, fmt.Errorf("stop-at time: %w", err)
		}
		s.stopAt = cycles
	}

	threads := int(cfg.Run.NumThreads)
	s.vortices = make([]TimeVortex, threads)
	for i := range s.vortices {
		s.vortices[i] = NewTimeVortex()
	}
	s.threadCycle = make([]atomic.Uint64, threads)
	s.checkpointRequest.Store(maxCycle)

	minPart := g.MinimumPartitionLatency()
	minThread := s.minInterThreadLatency()
	s.shared = syncmgr.NewShared(tp, s.myRank, s.numRanks, minPart, minThread, s)
	if cfg.Run.CheckpointSimPeriod != "" {
		period, err := tb.Cycles(cfg.Run.CheckpointSimPeriod)
		if err != nil {
			return nil, fmt.Errorf("checkpoint sim period: %w", err)
		}
		s.checkpointSimPeriod = period
	}

	s.shared.SignalHandler = s.handleAgreedSignals
	s.shared.CheckpointHook = func(simTime uint64) {
		if err := s.WriteCheckpoint(simTime); err != nil {
			logrus.WithError(err).Error("checkpoint write failed")
		}
		if s.checkpointSimPeriod > 0 {
			s.ScheduleCheckpoint(simTime + s.checkpointSimPeriod)
		}
	}
	if s.checkpointSimPeriod > 0 {
		s.ScheduleCheckpoint(s.checkpointSimPeriod)
	}

	s.rtm = rt.NewManager(s, nil)
	s.rtm.RegisterDefaultSignals()
	if err := s.wireLinks(); err != nil {
		return nil, err
	}
	return s, nil
}

// minInterThreadLatency scans this rank's cross-thread links for the
// thread-sync window.
func (s *Simulation) minInterThreadLatency() uint64 {
	min := uint64(maxCycle)
	for _, link := range s.graph.Links() {
		if link.CrossThread {
			if lat := link.MinLatency(); lat < min {
				min = lat
			}
		}
	}
	if min == maxCycle {
		// No cross-thread links: fall back to the rank window so threads
		// still rendezvous.
		min = s.graph.MinimumPartitionLatency()
	}
	return min
}

// RealTime exposes the real-time manager for action registration.
func (s *Simulation) RealTime() *rt.Manager { return s.rtm }

// SyncShared exposes the shared sync state, mainly for tests.
func (s *Simulation) SyncShared() *syncmgr.Shared { return s.shared }

// endpoint is the send side of one wired link.
type endpoint struct {
	sim     *Simulation
	latency uint64
	tag     uint32
	queue   syncmgr.ActivityQueue // nil means thread-local delivery
	thread  int                   // destination thread for local delivery
}

// Send schedules payload for delivery after the link latency.
func (e *endpoint) Send(now uint64, priority int32, payload []byte) {
	ev := &syncmgr.Event{
		Time:        now + e.latency,
		Priority:    priority,
		OrderTag:    e.tag,
		DeliveryTag: uint64(e.tag),
		Payload:     payload,
	}
	if e.queue != nil {
		e.queue.Insert(ev)
		return
	}
	e.sim.Deliver(e.thread, ev)
}

// endpoints built during wiring, keyed by (link order tag, side).
type endpointKey struct {
	tag  uint32
	side int
}

var errUnwiredEndpoint = errors.New("no endpoint wired for link side")

// wireLinks walks the rank's links and asks the sync planes for the queue
// each send side inserts into. The paired side's delivery info is the link
// order tag, which is identical on every rank by construction.
func (s *Simulation) wireLinks() error {
	s.endpoints = make(map[endpointKey]*endpoint)
	for _, link := range s.graph.Links() {
		if link.NonLocal {
			comp := s.graph.FindComponent(link.Component[0])
			if comp == nil {
				return fmt.Errorf("link %s: local endpoint does not resolve", link.Name)
			}
			queue := s.shared.RegisterLink(link.RemoteRank(), comp.Rank)
			s.endpoints[endpointKey{tag: link.Order, side: 0}] = &endpoint{
				sim:     s,
				latency: link.Latency[0],
				tag:     link.Order,
				queue:   queue,
			}
			continue
		}
		for side := 0; side < 2; side++ {
			from := s.graph.FindComponent(link.Component[side])
			to := s.graph.FindComponent(link.Component[1-side])
			if from == nil || to == nil {
				return fmt.Errorf("link %s: endpoint does not resolve", link.Name)
			}
			ep := &endpoint{
				sim:     s,
				latency: link.Latency[side],
				tag:     link.Order,
				thread:  int(to.Rank.Thread),
			}
			if from.Rank.Thread != to.Rank.Thread {
				ep.queue = s.shared.RegisterLink(to.Rank, from.Rank)
			}
			s.endpoints[endpointKey{tag: link.Order, side: side}] = ep
		}
	}
	return nil
}

// Endpoint returns the send handle for one side of a wired link.
func (s *Simulation) Endpoint(tag uint32, side int) (*endpoint, error) {
	ep, ok := s.endpoints[endpointKey{tag: tag, side: side}]
	if !ok {
		return nil, fmt.Errorf("%w: tag %d side %d", errUnwiredEndpoint, tag, side)
	}
	return ep, nil
}

// RegisterHandler binds a delivery handler to a link order tag.
func (s *Simulation) RegisterHandler(tag uint32, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[uint64(tag)] = h
}

// Deliver implements syncmgr.Deliverer: inbound events land in the
// destination thread's time vortex.
func (s *Simulation) Deliver(thread int, ev *syncmgr.Event) {
	if thread < 0 || thread >= len(s.vortices) {
		logrus.WithField("thread", thread).Error("dropping event for unknown thread")
		return
	}
	s.activities.Add(1)
	s.vortices[thread].Insert(ev)
}

// Run executes the simulation to the stop time (or until shutdown is
// signaled), one goroutine per thread. It returns the exit code.
func (s *Simulation) Run(ctx context.Context) (int, error) {
	s.rtm.Begin()
	defer s.rtm.Stop()

	if s.shared.RankSyncPlane != nil {
		if err := s.shared.RankSyncPlane.ExchangeUntimedData(ctx); err != nil {
			return 1, err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for thread := 0; thread < len(s.vortices); thread++ {
		g.Go(func() error { return s.threadLoop(ctx, thread) })
	}
	if err := g.Wait(); err != nil {
		return 1, err
	}

	if s.shared.RankSyncPlane != nil {
		if err := s.shared.RankSyncPlane.ExchangeUntimedData(ctx); err != nil {
			return 1, err
		}
	}

	if s.emergency.Load() {
		return 1, nil
	}
	return 0, nil
}

// threadLoop advances one thread: drain local events up to the next
// horizon, then participate in the sync.
func (s *Simulation) threadLoop(ctx context.Context, thread int) error {
	mgr := syncmgr.NewManager(s.shared, thread)
	vortex := s.vortices[thread]
	now := uint64(0)

	for {
		if thread == 0 {
			s.pollRealTime()
		}

		horizon := mgr.NextSyncTime()
		stopping := false
		if s.stopAt <= horizon {
			horizon = s.stopAt
			stopping = true
		}

		for {
			ev := vortex.Peek()
			if ev == nil || ev.Time > horizon {
				break
			}
			vortex.Pop()
			s.activities.Add(-1)
			now = ev.Time
			s.advance(thread, now)
			s.dispatch(thread, ev)
		}
		if horizon != maxCycle {
			now = horizon
			s.advance(thread, now)
		}

		// Serial checkpoint path; parallel runs go through the sync
		// manager's coordination hook instead.
		if cp := s.checkpointRequest.Load(); cp != maxCycle && cp <= now &&
			s.shared.RankSyncPlane == nil && thread == 0 {
			s.checkpointRequest.Store(maxCycle)
			if err := s.WriteCheckpoint(now); err != nil {
				logrus.WithError(err).Error("checkpoint write failed")
			}
			if s.checkpointSimPeriod > 0 {
				s.ScheduleCheckpoint(now + s.checkpointSimPeriod)
			}
		}

		if stopping || s.shutdownRequested.Load() {
			return nil
		}

		// Serial runs have no horizons; without one there is nothing left
		// once the vortex drains.
		if horizon == maxCycle {
			return nil
		}

		if err := mgr.Execute(ctx, now); err != nil {
			return err
		}
	}
}

// advance publishes a thread's progress.
func (s *Simulation) advance(thread int, now uint64) {
	s.threadCycle[thread].Store(now)
	for {
		cur := s.currentCycle.Load()
		if now <= cur || s.currentCycle.CompareAndSwap(cur, now) {
			return
		}
	}
}

// dispatch hands an event to its registered handler, if any.
func (s *Simulation) dispatch(thread int, ev *syncmgr.Event) {
	s.handlersMu.RLock()
	h, ok := s.handlers[ev.DeliveryTag]
	s.handlersMu.RUnlock()
	if ok {
		h(thread, ev)
	}
}

// pollRealTime drains OS signal flags and forwards pending signals to the
// sync planes for agreement at the next horizon.
func (s *Simulation) pollRealTime() {
	s.rtm.NotifySignal()
	end, usr, alrm := s.rtm.GetSignals()
	if end == 0 && usr == 0 && alrm == 0 {
		return
	}
	if s.shared.RankSyncPlane != nil {
		s.shared.RankSyncPlane.SetSignals(end, usr, alrm)
	} else {
		s.shared.ThreadSyncPlane.SetSignals(end, usr, alrm)
	}
}

// handleAgreedSignals executes the signal set agreed across partitions.
func (s *Simulation) handleAgreedSignals(end, usr, alrm int32) {
	for _, sig := range []int32{end, usr, alrm} {
		if sig != 0 {
			s.rtm.PerformSignal(sig)
		}
	}
}

// WriteCheckpoint writes this rank's checkpoint files; rank 0 also writes
// the globals and manifest.
func (s *Simulation) WriteCheckpoint(simTime uint64) error {
	w, err := checkpoint.NewWriter(s.cfg.Checkpoint, simTime)
	if err != nil {
		return err
	}
	if s.cfg.Redis.Enabled {
		if archive, err := checkpoint.NewArchive(s.cfg.Redis); err != nil {
			logrus.WithError(err).Warn("checkpoint archive unavailable")
		} else {
			w.SetArchive(archive)
			defer archive.Close()
		}
	}

	if s.myRank.Rank == 0 {
		globals := &checkpoint.Globals{
			Config:          s.cfg,
			Ranks:           s.numRanks,
			CurrentSimCycle: simTime,
			MinPart:         s.graph.MinimumPartitionLatency(),
			MinPartTimebase: s.tb.String(),
			LibNames:        s.libraryNames(),
		}
		if err := w.WriteGlobals(globals, s.graph.Cpt.SharedObjects, s.graph.Cpt.StatsConfig); err != nil {
			return err
		}
	}
	if err := w.WriteRankGraph(s.myRank.Rank, s.graph); err != nil {
		return err
	}
	if s.myRank.Rank == 0 {
		return w.WriteManifest(s.numRanks.Rank)
	}
	return nil
}

// libraryNames collects the element libraries the graph depends on.
func (s *Simulation) libraryNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, comp := range s.graph.Components() {
		lib := comp.Type
		if i := indexByte(lib, '.'); i > 0 {
			lib = lib[:i]
		}
		if _, ok := seen[lib]; !ok {
			seen[lib] = struct{}{}
			names = append(names, lib)
		}
	}
	return names
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

/**** rt.SimulationControl ****/

// Rank returns this process's rank.
func (s *Simulation) Rank() ids.RankInfo { return s.myRank }

// NumRanks returns the world size.
func (s *Simulation) NumRanks() ids.RankInfo { return s.numRanks }

// CurrentSimCycle returns the furthest simulated cycle any thread reached.
func (s *Simulation) CurrentSimCycle() uint64 { return s.currentCycle.Load() }

// ElapsedSimTime formats the current simulated time.
func (s *Simulation) ElapsedSimTime() string {
	return s.tb.FormatCycles(s.currentCycle.Load())
}

// SignalShutdown requests the end of the run at the next horizon.
func (s *Simulation) SignalShutdown(emergency bool) {
	if emergency {
		s.emergency.Store(true)
	}
	s.shutdownRequested.Store(true)
}

// PrintStatus logs scheduler state; components extends it per component.
func (s *Simulation) PrintStatus(components bool) {
	logrus.WithFields(logrus.Fields{
		"sim_time":   s.ElapsedSimTime(),
		"activities": s.activities.Load(),
		"tv_depth":   s.TimeVortexMaxDepth(),
	}).Info("scheduler status")
	if components {
		for _, comp := range s.graph.Components() {
			logrus.WithFields(logrus.Fields{
				"component": comp.Name,
				"type":      comp.Type,
				"rank":      comp.Rank.Rank,
				"thread":    comp.Rank.Thread,
			}).Info("component status")
		}
	}
}

// ScheduleCheckpoint arranges a checkpoint at simCycle.
func (s *Simulation) ScheduleCheckpoint(simCycle uint64) {
	s.checkpointRequest.Store(simCycle)
	s.shared.ScheduleCheckpoint(simCycle)
}

// TimeVortexMaxDepth returns the deepest queue across this rank's threads.
func (s *Simulation) TimeVortexMaxDepth() uint64 {
	var max uint64
	for _, v := range s.vortices {
		if d := v.MaxDepth(); d > max {
			max = d
		}
	}
	return max
}

// MemPoolUsage approximates pool bytes from live activity counts.
func (s *Simulation) MemPoolUsage() (int64, int64) {
	activities := s.activities.Load()
	return activities * 64, activities
}

// SyncQueueDataSize returns the bytes buffered for the next exchange.
func (s *Simulation) SyncQueueDataSize() uint64 {
	return s.shared.DataSize()
}

// Transport returns the collective transport, nil on single-rank runs.
func (s *Simulation) Transport() transport.Transport { return s.tp }
