// Package transport provides the collective communication primitive the
// rank synchronization runs over. The simulator treats the interconnect as
// external: bytes in, bytes out, barrier-synchronous collectives. Two
// implementations ship with the core: an in-process loopback for serial and
// test runs, and a gRPC star for multi-process jobs.
package transport

import "context"

// Transport is the collective communication contract between ranks. Every
// method is collective: all ranks of the job must call it in the same order
// with matching arguments, and it completes on a rank only when the
// collective completes globally.
type Transport interface {
	// Rank returns this process's rank number.
	Rank() int
	// Size returns the number of ranks in the job.
	Size() int

	// Exchange delivers out[dst] to each destination rank and returns the
	// payloads addressed to this rank, keyed by source rank. Ranks with
	// nothing to send pass an empty map.
	Exchange(ctx context.Context, out map[int][]byte) (map[int][]byte, error)

	// Barrier blocks until every rank has entered it.
	Barrier(ctx context.Context) error

	// AllreduceMax returns the element-wise maximum of vals across ranks.
	AllreduceMax(ctx context.Context, vals []int64) ([]int64, error)

	// AllreduceSum returns the element-wise sum of vals across ranks.
	AllreduceSum(ctx context.Context, vals []int64) ([]int64, error)

	// Broadcast distributes root's data to every rank.
	Broadcast(ctx context.Context, root int, data []byte) ([]byte, error)

	// Close releases the transport. Only valid after the last collective.
	Close() error
}
