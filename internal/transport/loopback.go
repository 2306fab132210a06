package transport

import (
	"context"
	"fmt"
	"sync"
)

// LoopbackHub connects N in-process ranks. Each rank gets its Transport from
// RankTransport; collectives rendezvous through per-operation rounds keyed
// by a per-rank operation counter, which stays aligned because collectives
// are issued in the same order on every rank.
type LoopbackHub struct {
	size int

	mu     sync.Mutex
	rounds map[uint64]*loopbackRound
}

type loopbackRound struct {
	arrived int
	readers int
	done    chan struct{}

	// per-op accumulation
	payloads map[int]map[int][]byte // src -> dst -> bytes
	vals     map[int][]int64
	bcast    []byte
}

// NewLoopbackHub creates a hub for size ranks.
func NewLoopbackHub(size int) *LoopbackHub {
	return &LoopbackHub{size: size, rounds: make(map[uint64]*loopbackRound)}
}

// RankTransport returns the Transport endpoint for one rank.
func (h *LoopbackHub) RankTransport(rank int) Transport {
	return &loopbackRank{hub: h, rank: rank}
}

// enter deposits a contribution into the round for seq and returns it once
// all ranks have arrived.
func (h *LoopbackHub) enter(ctx context.Context, seq uint64, deposit func(*loopbackRound)) (*loopbackRound, error) {
	h.mu.Lock()
	r, ok := h.rounds[seq]
	if !ok {
		r = &loopbackRound{
			done:     make(chan struct{}),
			payloads: make(map[int]map[int][]byte),
			vals:     make(map[int][]int64),
		}
		h.rounds[seq] = r
	}
	deposit(r)
	r.arrived++
	if r.arrived == h.size {
		close(r.done)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mu.Lock()
	r.readers++
	if r.readers == h.size {
		delete(h.rounds, seq)
	}
	h.mu.Unlock()
	return r, nil
}

type loopbackRank struct {
	hub  *LoopbackHub
	rank int
	seq  uint64
}

func (t *loopbackRank) Rank() int { return t.rank }
func (t *loopbackRank) Size() int { return t.hub.size }

func (t *loopbackRank) nextSeq() uint64 {
	t.seq++
	return t.seq
}

func (t *loopbackRank) Exchange(ctx context.Context, out map[int][]byte) (map[int][]byte, error) {
	seq := t.nextSeq()
	r, err := t.hub.enter(ctx, seq, func(r *loopbackRound) {
		dsts := make(map[int][]byte, len(out))
		for dst, data := range out {
			dsts[dst] = data
		}
		r.payloads[t.rank] = dsts
	})
	if err != nil {
		return nil, err
	}
	in := make(map[int][]byte)
	for src, dsts := range r.payloads {
		if data, ok := dsts[t.rank]; ok {
			in[src] = data
		}
	}
	return in, nil
}

func (t *loopbackRank) Barrier(ctx context.Context) error {
	_, err := t.hub.enter(ctx, t.nextSeq(), func(*loopbackRound) {})
	return err
}

func (t *loopbackRank) AllreduceMax(ctx context.Context, vals []int64) ([]int64, error) {
	return t.allreduce(ctx, vals, func(a, b int64) int64 {
		if a > b {
			return a
		}
		return b
	})
}

func (t *loopbackRank) AllreduceSum(ctx context.Context, vals []int64) ([]int64, error) {
	return t.allreduce(ctx, vals, func(a, b int64) int64 { return a + b })
}

func (t *loopbackRank) allreduce(ctx context.Context, vals []int64, combine func(a, b int64) int64) ([]int64, error) {
	seq := t.nextSeq()
	r, err := t.hub.enter(ctx, seq, func(r *loopbackRound) {
		r.vals[t.rank] = append([]int64(nil), vals...)
	})
	if err != nil {
		return nil, err
	}
	var result []int64
	for rank := 0; rank < t.hub.size; rank++ {
		contrib, ok := r.vals[rank]
		if !ok {
			return nil, fmt.Errorf("allreduce: missing contribution from rank %d", rank)
		}
		if result == nil {
			result = append([]int64(nil), contrib...)
			continue
		}
		for i := range result {
			if i < len(contrib) {
				result[i] = combine(result[i], contrib[i])
			}
		}
	}
	return result, nil
}

func (t *loopbackRank) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	seq := t.nextSeq()
	r, err := t.hub.enter(ctx, seq, func(r *loopbackRound) {
		if t.rank == root {
			r.bcast = append([]byte(nil), data...)
		}
	})
	if err != nil {
		return nil, err
	}
	return r.bcast, nil
}

func (t *loopbackRank) Close() error { return nil }
