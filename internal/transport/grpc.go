package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// The transport runs one bidirectional stream per non-zero rank to the
// rank-0 coordinator. There is no generated protobuf service: the stream
// method is registered with a hand-built service descriptor and a
// passthrough codec, and the messages are protowire-framed envelopes.

const sessionMethod = "/parsim.Transport/Session"

// rawCodec passes pre-encoded bytes through grpc untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: unexpected message type %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "parsim-raw" }

// sessionService is the coordinator-side contract for the stream handler.
type sessionService interface {
	Session(stream grpc.ServerStream) error
}

func sessionHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(sessionService).Session(stream)
}

var sessionStreamDesc = grpc.StreamDesc{
	StreamName:    "Session",
	Handler:       sessionHandler,
	ServerStreams: true,
	ClientStreams: true,
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "parsim.Transport",
	HandlerType: (*sessionService)(nil),
	Streams:     []grpc.StreamDesc{sessionStreamDesc},
}

// grpcRound accumulates one collective on the coordinator.
type grpcRound struct {
	arrived int
	envs    map[int]*envelope
}

// coordinator gathers envelopes from all ranks, computes collective
// results, and pushes one reply envelope per rank.
type coordinator struct {
	size int

	mu     sync.Mutex
	rounds map[uint64]*grpcRound
	out    []chan []byte
}

func newCoordinator(size int) *coordinator {
	c := &coordinator{
		size:   size,
		rounds: make(map[uint64]*grpcRound),
		out:    make([]chan []byte, size),
	}
	for i := range c.out {
		c.out[i] = make(chan []byte, 4)
	}
	return c
}

// submit deposits one rank's contribution; the round completes when all
// ranks have contributed.
func (c *coordinator) submit(env *envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rounds[env.Seq]
	if !ok {
		r = &grpcRound{envs: make(map[int]*envelope)}
		c.rounds[env.Seq] = r
	}
	r.envs[int(env.Src)] = env
	r.arrived++
	if r.arrived < c.size {
		return
	}
	delete(c.rounds, env.Seq)
	for rank := 0; rank < c.size; rank++ {
		reply := c.reduce(r, rank)
		reply.Seq = env.Seq
		c.out[rank] <- reply.marshal()
	}
}

// reduce computes the reply for one rank from a completed round.
func (c *coordinator) reduce(r *grpcRound, rank int) *envelope {
	var op uint64
	for _, env := range r.envs {
		op = env.Op
		break
	}
	reply := &envelope{Op: op}
	switch op {
	case opExchange:
		for src := 0; src < c.size; src++ {
			env := r.envs[src]
			for _, p := range env.Pairs {
				if int(p.Dst) == rank {
					reply.Pairs = append(reply.Pairs, pair{Dst: uint64(src), Data: p.Data})
				}
			}
		}
	case opAllreduceMax, opAllreduceSum:
		for src := 0; src < c.size; src++ {
			contrib := r.envs[src].Vals
			if reply.Vals == nil {
				reply.Vals = append([]int64(nil), contrib...)
				continue
			}
			for i := range reply.Vals {
				if i >= len(contrib) {
					break
				}
				if op == opAllreduceSum {
					reply.Vals[i] += contrib[i]
				} else if contrib[i] > reply.Vals[i] {
					reply.Vals[i] = contrib[i]
				}
			}
		}
	case opBroadcast:
		for _, env := range r.envs {
			if env.Data != nil {
				reply.Data = env.Data
			}
		}
	case opBarrier:
		// Nothing to carry.
	}
	return reply
}

// Session is the stream handler: the first envelope identifies the remote
// rank, then contributions stream in and replies stream out.
func (c *coordinator) Session(stream grpc.ServerStream) error {
	var raw []byte
	if err := stream.RecvMsg(&raw); err != nil {
		return err
	}
	hello, err := unmarshalEnvelope(raw)
	if err != nil || hello.Op != opHello {
		return fmt.Errorf("transport session: expected hello, got %v", err)
	}
	rank := int(hello.Src)
	if rank <= 0 || rank >= c.size {
		return fmt.Errorf("transport session: invalid rank %d", rank)
	}
	logrus.WithField("rank", rank).Debug("transport: rank connected")

	errc := make(chan error, 2)
	go func() {
		for {
			var raw []byte
			if err := stream.RecvMsg(&raw); err != nil {
				errc <- err
				return
			}
			env, err := unmarshalEnvelope(raw)
			if err != nil {
				errc <- err
				return
			}
			c.submit(env)
		}
	}()
	go func() {
		for reply := range c.out[rank] {
			r := reply
			if err := stream.SendMsg(&r); err != nil {
				errc <- err
				return
			}
		}
	}()

	err = <-errc
	if err == io.EOF {
		return nil
	}
	return err
}

// GRPCTransport implements Transport over the coordinator star.
type GRPCTransport struct {
	rank int
	size int
	seq  uint64

	// coordinator side (rank 0)
	coord  *coordinator
	server *grpc.Server

	// client side (rank > 0)
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

// NewGRPCTransport builds the transport endpoint for one rank. Rank 0
// listens on listenAddr and coordinates; other ranks dial coordinatorAddr,
// retrying with exponential backoff while the coordinator comes up.
func NewGRPCTransport(ctx context.Context, rank, size int, listenAddr, coordinatorAddr string) (*GRPCTransport, error) {
	t := &GRPCTransport{rank: rank, size: size}
	if size == 1 {
		t.coord = newCoordinator(1)
		return t, nil
	}
	if rank == 0 {
		t.coord = newCoordinator(size)
		lis, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return nil, fmt.Errorf("transport listen %s: %w", listenAddr, err)
		}
		t.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
		t.server.RegisterService(&transportServiceDesc, t.coord)
		go func() {
			if err := t.server.Serve(lis); err != nil {
				logrus.WithError(err).Debug("transport server stopped")
			}
		}()
		return t, nil
	}

	conn, err := grpc.NewClient(coordinatorAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})))
	if err != nil {
		return nil, fmt.Errorf("transport dial %s: %w", coordinatorAddr, err)
	}
	t.conn = conn

	// The stream open races with the coordinator's startup, so retry it.
	stream, err := backoff.Retry(ctx, func() (grpc.ClientStream, error) {
		s, err := conn.NewStream(ctx, &sessionStreamDesc, sessionMethod)
		if err != nil {
			return nil, err
		}
		hello := (&envelope{Op: opHello, Src: uint64(rank)}).marshal()
		if err := s.SendMsg(&hello); err != nil {
			return nil, err
		}
		return s, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(time.Minute))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport connect: %w", err)
	}
	t.stream = stream
	return t, nil
}

func (t *GRPCTransport) Rank() int { return t.rank }
func (t *GRPCTransport) Size() int { return t.size }

// roundTrip submits one collective contribution and waits for the reply.
func (t *GRPCTransport) roundTrip(ctx context.Context, env *envelope) (*envelope, error) {
	t.seq++
	env.Seq = t.seq
	env.Src = uint64(t.rank)

	if t.rank == 0 {
		t.coord.submit(env)
		select {
		case raw := <-t.coord.out[0]:
			return unmarshalEnvelope(raw)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	raw := env.marshal()
	if err := t.stream.SendMsg(&raw); err != nil {
		return nil, fmt.Errorf("transport send: %w", err)
	}
	var reply []byte
	if err := t.stream.RecvMsg(&reply); err != nil {
		return nil, fmt.Errorf("transport recv: %w", err)
	}
	return unmarshalEnvelope(reply)
}

func (t *GRPCTransport) Exchange(ctx context.Context, out map[int][]byte) (map[int][]byte, error) {
	env := &envelope{Op: opExchange}
	for dst, data := range out {
		env.Pairs = append(env.Pairs, pair{Dst: uint64(dst), Data: data})
	}
	reply, err := t.roundTrip(ctx, env)
	if err != nil {
		return nil, err
	}
	in := make(map[int][]byte, len(reply.Pairs))
	for _, p := range reply.Pairs {
		in[int(p.Dst)] = p.Data
	}
	return in, nil
}

func (t *GRPCTransport) Barrier(ctx context.Context) error {
	_, err := t.roundTrip(ctx, &envelope{Op: opBarrier})
	return err
}

func (t *GRPCTransport) AllreduceMax(ctx context.Context, vals []int64) ([]int64, error) {
	reply, err := t.roundTrip(ctx, &envelope{Op: opAllreduceMax, Vals: vals})
	if err != nil {
		return nil, err
	}
	return reply.Vals, nil
}

func (t *GRPCTransport) AllreduceSum(ctx context.Context, vals []int64) ([]int64, error) {
	reply, err := t.roundTrip(ctx, &envelope{Op: opAllreduceSum, Vals: vals})
	if err != nil {
		return nil, err
	}
	return reply.Vals, nil
}

func (t *GRPCTransport) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	env := &envelope{Op: opBroadcast}
	if t.rank == root {
		env.Data = data
	}
	reply, err := t.roundTrip(ctx, env)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// Close tears the endpoint down.
func (t *GRPCTransport) Close() error {
	if t.stream != nil {
		_ = t.stream.CloseSend()
	}
	if t.conn != nil {
		_ = t.conn.Close()
	}
	if t.server != nil {
		t.server.GracefulStop()
	}
	return nil
}
