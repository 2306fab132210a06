package syncmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/transport"
)

// RankSync batches events destined for other ranks and exchanges them
// collectively at rank-sync horizons. One RankSync is shared by all threads
// of the rank; only thread 0 drives the collective while the others hold at
// the thread barrier.
type RankSync struct {
	tp       transport.Transport
	numRanks ids.RankInfo

	mu      sync.Mutex
	batches map[uint32]*rankBatch // keyed by destination rank
	untimed map[uint32][]*Event

	deliverer Deliverer

	// Pending local signals, folded into the next exchange.
	sigEnd, sigUsr, sigAlrm int32
	// Signal set agreed at the last exchange.
	gotEnd, gotUsr, gotAlrm int32
}

// rankBatch buffers the events bound for one destination rank.
type rankBatch struct {
	events []*Event
}

// rankQueue is the ActivityQueue handed to one registered link; it stamps
// each event with the link's destination thread and appends it to the
// destination rank's batch.
type rankQueue struct {
	sync       *RankSync
	destRank   uint32
	destThread uint32
}

func (q *rankQueue) Insert(ev *Event) {
	ev.DestThread = q.destThread
	q.sync.mu.Lock()
	defer q.sync.mu.Unlock()
	batch := q.sync.batches[q.destRank]
	batch.events = append(batch.events, ev)
}

// NewRankSync builds the inter-rank sync over the given transport.
func NewRankSync(tp transport.Transport, numRanks ids.RankInfo, d Deliverer) *RankSync {
	return &RankSync{
		tp:        tp,
		numRanks:  numRanks,
		batches:   make(map[uint32]*rankBatch),
		untimed:   make(map[uint32][]*Event),
		deliverer: d,
	}
}

// RegisterLink returns the activity queue for events sent toward to. The
// queue stamps each event with the destination thread so the receiving rank
// can route it without link-name translation.
func (rs *RankSync) RegisterLink(to ids.RankInfo) ActivityQueue {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.batches[to.Rank]; !ok {
		rs.batches[to.Rank] = &rankBatch{}
	}
	return &rankQueue{sync: rs, destRank: to.Rank, destThread: to.Thread}
}

// SetSignals folds this rank's pending signals into the next exchange.
func (rs *RankSync) SetSignals(end, usr, alrm int32) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if end != 0 {
		rs.sigEnd = end
	}
	if usr != 0 {
		rs.sigUsr = usr
	}
	if alrm != 0 {
		rs.sigAlrm = alrm
	}
}

// GetSignals returns the signal set agreed at the last exchange and clears
// it.
func (rs *RankSync) GetSignals() (end, usr, alrm int32) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	end, usr, alrm = rs.gotEnd, rs.gotUsr, rs.gotAlrm
	rs.gotEnd, rs.gotUsr, rs.gotAlrm = 0, 0, 0
	return end, usr, alrm
}

// Execute performs one collective exchange: timed event batches out and in,
// plus a max-reduction over the three signal numbers so every rank observes
// the same signal set at the horizon. Only thread 0 calls Execute.
func (rs *RankSync) Execute(ctx context.Context) error {
	out, pendingSignals := rs.drainTimed()
	in, err := rs.tp.Exchange(ctx, out)
	if err != nil {
		return fmt.Errorf("rank sync exchange: %w", err)
	}
	rs.deliverBatches(in)

	reduced, err := rs.tp.AllreduceMax(ctx, pendingSignals)
	if err != nil {
		return fmt.Errorf("rank sync signal reduction: %w", err)
	}
	rs.mu.Lock()
	rs.gotEnd, rs.gotUsr, rs.gotAlrm = int32(reduced[0]), int32(reduced[1]), int32(reduced[2])
	rs.mu.Unlock()
	return nil
}

// drainTimed snapshots and clears the outbound batches and pending signals.
func (rs *RankSync) drainTimed() (map[int][]byte, []int64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make(map[int][]byte, len(rs.batches))
	for rank, batch := range rs.batches {
		if len(batch.events) == 0 {
			continue
		}
		out[int(rank)] = marshalBatch(batch.events)
		batch.events = batch.events[:0]
	}
	signals := []int64{int64(rs.sigEnd), int64(rs.sigUsr), int64(rs.sigAlrm)}
	rs.sigEnd, rs.sigUsr, rs.sigAlrm = 0, 0, 0
	return out, signals
}

// deliverBatches routes inbound events to their destination threads in
// source-rank order so delivery is deterministic.
func (rs *RankSync) deliverBatches(in map[int][]byte) {
	srcs := make([]int, 0, len(in))
	for src := range in {
		srcs = append(srcs, src)
	}
	sort.Ints(srcs)
	for _, src := range srcs {
		events, err := unmarshalBatch(in[src])
		if err != nil {
			logrus.WithError(err).WithField("src", src).Error("rank sync: dropping undecodable batch")
			continue
		}
		for _, ev := range events {
			rs.deliverer.Deliver(int(ev.DestThread), ev)
		}
	}
}

// InsertUntimed queues an out-of-band message for delivery during the
// untimed exchange loops that run before simulation and at teardown.
func (rs *RankSync) InsertUntimed(to ids.RankInfo, ev *Event) {
	ev.DestThread = to.Thread
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.untimed[to.Rank] = append(rs.untimed[to.Rank], ev)
}

// ExchangeUntimedData loops exchanges until the global count of queued
// untimed messages reaches zero. Delivery may enqueue replies, which the
// next iteration carries.
func (rs *RankSync) ExchangeUntimedData(ctx context.Context) error {
	for {
		rs.mu.Lock()
		out := make(map[int][]byte, len(rs.untimed))
		for rank, events := range rs.untimed {
			if len(events) > 0 {
				out[int(rank)] = marshalBatch(events)
			}
			delete(rs.untimed, rank)
		}
		rs.mu.Unlock()

		in, err := rs.tp.Exchange(ctx, out)
		if err != nil {
			return fmt.Errorf("untimed exchange: %w", err)
		}
		rs.deliverBatches(in)

		rs.mu.Lock()
		var pending int64
		for _, events := range rs.untimed {
			pending += int64(len(events))
		}
		rs.mu.Unlock()

		total, err := rs.tp.AllreduceSum(ctx, []int64{pending})
		if err != nil {
			return fmt.Errorf("untimed count reduction: %w", err)
		}
		if total[0] == 0 {
			return nil
		}
	}
}

// DataSize returns the bytes buffered for the next exchange.
func (rs *RankSync) DataSize() uint64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var total uint64
	for _, batch := range rs.batches {
		for _, ev := range batch.events {
			total += ev.Size()
		}
	}
	return total
}
