package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestLoopbackExchange(t *testing.T) {
	hub := NewLoopbackHub(3)
	results := make([]map[int][]byte, 3)

	var g errgroup.Group
	for rank := 0; rank < 3; rank++ {
		tr := hub.RankTransport(rank)
		g.Go(func() error {
			// Every rank sends one byte to every other rank.
			out := make(map[int][]byte)
			for dst := 0; dst < 3; dst++ {
				if dst != tr.Rank() {
					out[dst] = []byte{byte(tr.Rank()*10 + dst)}
				}
			}
			in, err := tr.Exchange(context.Background(), out)
			if err != nil {
				return err
			}
			results[tr.Rank()] = in
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for rank := 0; rank < 3; rank++ {
		require.Len(t, results[rank], 2)
		for src, data := range results[rank] {
			assert.Equal(t, []byte{byte(src*10 + rank)}, data)
		}
	}
}

func TestLoopbackAllreduceAndBroadcast(t *testing.T) {
	hub := NewLoopbackHub(2)

	var g errgroup.Group
	sums := make([][]int64, 2)
	maxes := make([][]int64, 2)
	bcasts := make([][]byte, 2)
	for rank := 0; rank < 2; rank++ {
		tr := hub.RankTransport(rank)
		g.Go(func() error {
			ctx := context.Background()
			sum, err := tr.AllreduceSum(ctx, []int64{int64(tr.Rank() + 1), 10})
			if err != nil {
				return err
			}
			sums[tr.Rank()] = sum
			max, err := tr.AllreduceMax(ctx, []int64{int64(tr.Rank() + 1), 10})
			if err != nil {
				return err
			}
			maxes[tr.Rank()] = max
			var payload []byte
			if tr.Rank() == 0 {
				payload = []byte("hello")
			}
			got, err := tr.Broadcast(ctx, 0, payload)
			if err != nil {
				return err
			}
			bcasts[tr.Rank()] = got
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for rank := 0; rank < 2; rank++ {
		assert.Equal(t, []int64{3, 20}, sums[rank])
		assert.Equal(t, []int64{2, 10}, maxes[rank])
		assert.Equal(t, []byte("hello"), bcasts[rank])
	}
}

func TestLoopbackBarrierContextCancel(t *testing.T) {
	hub := NewLoopbackHub(2)
	tr := hub.RankTransport(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The peer never arrives; the canceled context unblocks the barrier.
	err := tr.Barrier(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &envelope{
		Seq: 42,
		Op:  opExchange,
		Src: 3,
		Pairs: []pair{
			{Dst: 0, Data: []byte("to-zero")},
			{Dst: 2, Data: []byte{}},
		},
		Vals: []int64{-5, 0, 1 << 40},
		Data: []byte("blob"),
	}

	got, err := unmarshalEnvelope(env.marshal())
	require.NoError(t, err)
	assert.Equal(t, env.Seq, got.Seq)
	assert.Equal(t, env.Op, got.Op)
	assert.Equal(t, env.Src, got.Src)
	require.Len(t, got.Pairs, 2)
	assert.Equal(t, []byte("to-zero"), got.Pairs[0].Data)
	assert.Equal(t, uint64(2), got.Pairs[1].Dst)
	assert.Equal(t, env.Vals, got.Vals)
	assert.Equal(t, []byte("blob"), got.Data)
}

func TestEnvelopeUnmarshalGarbage(t *testing.T) {
	_, err := unmarshalEnvelope([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
