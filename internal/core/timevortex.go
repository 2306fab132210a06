package core

import (
	"container/heap"
	"sync"

	"github.com/systemsim/parsim/internal/syncmgr"
)

// TimeVortex is the per-thread priority queue of pending activities. The
// queue implementation proper is replaceable; the core only needs ordered
// extraction and depth reporting.
type TimeVortex interface {
	Insert(ev *syncmgr.Event)
	// Peek returns the earliest event without removing it, or nil.
	Peek() *syncmgr.Event
	// Pop removes and returns the earliest event, or nil.
	Pop() *syncmgr.Event
	Len() int
	// MaxDepth reports the deepest the queue has been.
	MaxDepth() uint64
}

// heapVortex is the default TimeVortex: a binary heap ordered by
// (time, priority, order tag) with an insertion sequence breaking the final
// tie so delivery is stable.
type heapVortex struct {
	mu       sync.Mutex
	items    eventHeap
	seq      uint64
	maxDepth uint64
}

// NewTimeVortex returns the default heap-backed queue.
func NewTimeVortex() TimeVortex {
	return &heapVortex{}
}

type heapItem struct {
	ev  *syncmgr.Event
	seq uint64
}

type eventHeap []heapItem

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].ev.Before(h[j].ev) {
		return true
	}
	if h[j].ev.Before(h[i].ev) {
		return false
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (v *heapVortex) Insert(ev *syncmgr.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	heap.Push(&v.items, heapItem{ev: ev, seq: v.seq})
	if depth := uint64(len(v.items)); depth > v.maxDepth {
		v.maxDepth = depth
	}
}

func (v *heapVortex) Peek() *syncmgr.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.items) == 0 {
		return nil
	}
	return v.items[0].ev
}

func (v *heapVortex) Pop() *syncmgr.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.items) == 0 {
		return nil
	}
	return heap.Pop(&v.items).(heapItem).ev
}

func (v *heapVortex) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}

func (v *heapVortex) MaxDepth() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.maxDepth
}
