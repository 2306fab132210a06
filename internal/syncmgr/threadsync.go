package syncmgr

import (
	"sort"
	"sync/atomic"
)

// ThreadSync exchanges events between the threads of one rank. Each
// (producer, consumer) pair has its own queue that only the producer writes
// between barriers and only the consumer drains after the barrier, so no
// queue needs a lock; the barrier provides the ordering.
type ThreadSync struct {
	threads int
	barrier *Barrier

	// queues[from][to]
	queues [][]*threadQueue

	// Signals exchanged across the barrier through shared atomics.
	sigEnd  atomic.Int32
	sigUsr  atomic.Int32
	sigAlrm atomic.Int32

	deliverer Deliverer
}

// threadQueue is a single-producer single-consumer event buffer.
type threadQueue struct {
	events []*Event
}

func (q *threadQueue) Insert(ev *Event) {
	q.events = append(q.events, ev)
}

// NewThreadSync builds the intra-rank sync structure for the given thread
// count.
func NewThreadSync(threads int, d Deliverer) *ThreadSync {
	ts := &ThreadSync{
		threads:   threads,
		barrier:   NewBarrier(threads),
		deliverer: d,
	}
	ts.queues = make([][]*threadQueue, threads)
	for from := range ts.queues {
		ts.queues[from] = make([]*threadQueue, threads)
		for to := range ts.queues[from] {
			ts.queues[from][to] = &threadQueue{}
		}
	}
	return ts
}

// RegisterLink returns the queue into which thread from inserts events
// destined for thread to.
func (ts *ThreadSync) RegisterLink(from, to int) ActivityQueue {
	return ts.queues[from][to]
}

// SetSignals publishes this thread's pending signals for the exchange.
// Zero values are ignored so one thread's signals are not clobbered by
// another's empty report.
func (ts *ThreadSync) SetSignals(end, usr, alrm int32) {
	if end != 0 {
		ts.sigEnd.Store(end)
	}
	if usr != 0 {
		ts.sigUsr.Store(usr)
	}
	if alrm != 0 {
		ts.sigAlrm.Store(alrm)
	}
}

// GetSignals reads the signal set observed at the last exchange.
func (ts *ThreadSync) GetSignals() (end, usr, alrm int32) {
	return ts.sigEnd.Load(), ts.sigUsr.Load(), ts.sigAlrm.Load()
}

// clearSignals resets the exchanged signals; called by one thread after all
// threads have read them.
func (ts *ThreadSync) clearSignals() {
	ts.sigEnd.Store(0)
	ts.sigUsr.Store(0)
	ts.sigAlrm.Store(0)
}

// Before is the pre-exchange hook for one thread.
func (ts *ThreadSync) Before() {
	ts.barrier.Wait()
}

// Execute drains every queue destined for thread and delivers the events in
// (time, priority, order tag) order. Callers run Before first, Execute, then
// After; the surrounding barriers make the producer writes visible.
func (ts *ThreadSync) Execute(thread int) {
	var inbound []*Event
	for from := 0; from < ts.threads; from++ {
		q := ts.queues[from][thread]
		inbound = append(inbound, q.events...)
		q.events = q.events[:0]
	}
	sort.SliceStable(inbound, func(i, j int) bool { return inbound[i].Before(inbound[j]) })
	for _, ev := range inbound {
		ts.deliverer.Deliver(thread, ev)
	}
}

// After is the post-exchange hook for one thread. It returns the signal set
// observed by any thread of the rank this round; every thread sees the same
// values.
func (ts *ThreadSync) After(thread int) (end, usr, alrm int32) {
	ts.barrier.Wait()
	end, usr, alrm = ts.GetSignals()
	ts.barrier.Wait()
	if thread == 0 {
		ts.clearSignals()
	}
	ts.barrier.Wait()
	return end, usr, alrm
}

// DataSize returns the bytes currently buffered across all queues.
func (ts *ThreadSync) DataSize() uint64 {
	var total uint64
	for _, row := range ts.queues {
		for _, q := range row {
			for _, ev := range q.events {
				total += ev.Size()
			}
		}
	}
	return total
}
