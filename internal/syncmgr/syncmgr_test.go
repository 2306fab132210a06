package syncmgr

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/systemsim/parsim/internal/ids"
	"github.com/systemsim/parsim/internal/transport"
)

// recorder collects delivered events per thread.
type recorder struct {
	mu     sync.Mutex
	events map[int][]*Event
}

func newRecorder() *recorder {
	return &recorder{events: make(map[int][]*Event)}
}

func (r *recorder) Deliver(thread int, ev *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[thread] = append(r.events[thread], ev)
}

func TestEventOrdering(t *testing.T) {
	a := &Event{Time: 5, Priority: 1, OrderTag: 2}
	b := &Event{Time: 5, Priority: 1, OrderTag: 3}
	c := &Event{Time: 5, Priority: 0, OrderTag: 9}
	d := &Event{Time: 4, Priority: 9, OrderTag: 9}

	assert.True(t, a.Before(b))
	assert.True(t, c.Before(a))
	assert.True(t, d.Before(c))
}

func TestEventBatchRoundTrip(t *testing.T) {
	batch := []*Event{
		{Time: 10, Priority: -2, OrderTag: 1, DeliveryTag: 7, DestThread: 1, Payload: []byte("x")},
		{Time: 11, Priority: 0, OrderTag: 2, DeliveryTag: 9, Payload: nil},
	}
	got, err := unmarshalBatch(marshalBatch(batch))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(10), got[0].Time)
	assert.Equal(t, int32(-2), got[0].Priority)
	assert.Equal(t, uint64(7), got[0].DeliveryTag)
	assert.Equal(t, uint32(1), got[0].DestThread)
	assert.Equal(t, []byte("x"), got[0].Payload)
	assert.Equal(t, uint64(9), got[1].DeliveryTag)
}

func TestThreadSyncExchange(t *testing.T) {
	rec := newRecorder()
	ts := NewThreadSync(2, rec)

	q01 := ts.RegisterLink(0, 1)
	q10 := ts.RegisterLink(1, 0)

	var g errgroup.Group
	for thread := 0; thread < 2; thread++ {
		g.Go(func() error {
			if thread == 0 {
				q01.Insert(&Event{Time: 3, OrderTag: 2, Payload: []byte("a")})
				q01.Insert(&Event{Time: 3, OrderTag: 1, Payload: []byte("b")})
			} else {
				q10.Insert(&Event{Time: 2, Payload: []byte("c")})
			}
			ts.Before()
			ts.Execute(thread)
			ts.After(thread)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Thread 1 received thread 0's events, tie-broken by order tag.
	require.Len(t, rec.events[1], 2)
	assert.Equal(t, []byte("b"), rec.events[1][0].Payload)
	assert.Equal(t, []byte("a"), rec.events[1][1].Payload)
	require.Len(t, rec.events[0], 1)
	assert.Equal(t, []byte("c"), rec.events[0][0].Payload)
}

func TestThreadSyncSignals(t *testing.T) {
	rec := newRecorder()
	ts := NewThreadSync(2, rec)

	results := make([][3]int32, 2)
	var g errgroup.Group
	for thread := 0; thread < 2; thread++ {
		g.Go(func() error {
			if thread == 1 {
				ts.SetSignals(0, 10, 0)
			}
			ts.Before()
			ts.Execute(thread)
			end, usr, alrm := ts.After(thread)
			results[thread] = [3]int32{end, usr, alrm}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for thread := 0; thread < 2; thread++ {
		assert.Equal(t, [3]int32{0, 10, 0}, results[thread])
	}
}

// twoRankSetup builds one sync Shared per rank over a loopback transport.
func twoRankSetup(t *testing.T) (hub *transport.LoopbackHub, shareds []*Shared, recs []*recorder) {
	t.Helper()
	hub = transport.NewLoopbackHub(2)
	numRanks := ids.RankInfo{Rank: 2, Thread: 1}
	for rank := 0; rank < 2; rank++ {
		rec := newRecorder()
		s := NewShared(hub.RankTransport(rank), ids.RankInfo{Rank: uint32(rank), Thread: 0},
			numRanks, 100, 0, rec)
		shareds = append(shareds, s)
		recs = append(recs, rec)
	}
	return hub, shareds, recs
}

func TestRankSyncExchangeDeliversInSendOrder(t *testing.T) {
	_, shareds, recs := twoRankSetup(t)

	q := shareds[0].RegisterLink(ids.RankInfo{Rank: 1, Thread: 0}, ids.RankInfo{Rank: 0, Thread: 0})
	require.NotNil(t, q)
	q.Insert(&Event{Time: 150, DeliveryTag: 4, Payload: []byte("first")})
	q.Insert(&Event{Time: 150, DeliveryTag: 4, Payload: []byte("second")})

	assert.Greater(t, shareds[0].DataSize(), uint64(0))

	var g errgroup.Group
	for rank := 0; rank < 2; rank++ {
		m := NewManager(shareds[rank], 0)
		assert.Equal(t, uint64(100), m.NextSyncTime())
		g.Go(func() error { return m.Execute(context.Background(), 100) })
	}
	require.NoError(t, g.Wait())

	got := recs[1].events[0]
	require.Len(t, got, 2)
	assert.Equal(t, []byte("first"), got[0].Payload)
	assert.Equal(t, []byte("second"), got[1].Payload)
	assert.Empty(t, recs[0].events[0])
}

func TestRankSyncPropagatesSignals(t *testing.T) {
	_, shareds, _ := twoRankSetup(t)

	observed := make([][3]int32, 2)
	for rank := 0; rank < 2; rank++ {
		s := shareds[rank]
		s.SignalHandler = func(end, usr, alrm int32) {
			observed[rank] = [3]int32{end, usr, alrm}
		}
	}

	// SIGUSR1 arrives only on rank 0.
	shareds[0].RankSyncPlane.SetSignals(0, 10, 0)

	var g errgroup.Group
	for rank := 0; rank < 2; rank++ {
		m := NewManager(shareds[rank], 0)
		g.Go(func() error { return m.Execute(context.Background(), 100) })
	}
	require.NoError(t, g.Wait())

	// Both ranks observe the same signal set at the horizon.
	assert.Equal(t, [3]int32{0, 10, 0}, observed[0])
	assert.Equal(t, [3]int32{0, 10, 0}, observed[1])
}

func TestUntimedExchangeLoop(t *testing.T) {
	_, shareds, recs := twoRankSetup(t)

	shareds[0].RankSyncPlane.InsertUntimed(ids.RankInfo{Rank: 1, Thread: 0},
		&Event{DeliveryTag: 1, Payload: []byte("init")})

	var g errgroup.Group
	for rank := 0; rank < 2; rank++ {
		rs := shareds[rank].RankSyncPlane
		g.Go(func() error { return rs.ExchangeUntimedData(context.Background()) })
	}
	require.NoError(t, g.Wait())

	require.Len(t, recs[1].events[0], 1)
	assert.Equal(t, []byte("init"), recs[1].events[0][0].Payload)
}

func TestManagerHorizonSelection(t *testing.T) {
	hub := transport.NewLoopbackHub(1)
	rec := newRecorder()

	// Two threads, one rank: only the thread plane is active.
	s := NewShared(hub.RankTransport(0), ids.RankInfo{Rank: 0, Thread: 0},
		ids.RankInfo{Rank: 1, Thread: 2}, 0, 50, rec)
	m := NewManager(s, 0)
	assert.Equal(t, uint64(50), m.NextSyncTime())
	assert.Equal(t, syncThread, m.nextType)

	// Two ranks, minPart 100: the rank plane wins when nearer or equal.
	_, shareds, _ := twoRankSetup(t)
	m2 := NewManager(shareds[0], 0)
	assert.Equal(t, uint64(100), m2.NextSyncTime())
	assert.Equal(t, syncRank, m2.nextType)
}

func TestCheckpointClampsRankHorizon(t *testing.T) {
	_, shareds, _ := twoRankSetup(t)

	fired := make([]uint64, 2)
	for rank := 0; rank < 2; rank++ {
		s := shareds[rank]
		s.CheckpointHook = func(simTime uint64) { fired[rank] = simTime }
		s.ScheduleCheckpoint(60)
	}

	var g errgroup.Group
	ms := make([]*Manager, 2)
	for rank := 0; rank < 2; rank++ {
		ms[rank] = NewManager(shareds[rank], 0)
		// The horizon is pulled in from 100 to the checkpoint boundary.
		assert.Equal(t, uint64(60), ms[rank].NextSyncTime())
	}
	for rank := 0; rank < 2; rank++ {
		m := ms[rank]
		g.Go(func() error { return m.Execute(context.Background(), 60) })
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, uint64(60), fired[0])
	assert.Equal(t, uint64(60), fired[1])
	// After the checkpoint fires, the horizon returns to the full window.
	assert.Equal(t, uint64(160), ms[0].NextSyncTime())
}
