// Package syncmgr implements the multi-level synchronization that bounds
// time skew between partitions: a ThreadSync across the threads of one rank
// and a RankSync conducted collectively across ranks. Cross-partition events
// are released just-in-time at sync horizons spaced by the minimum
// cross-partition link latency.
package syncmgr

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Event is the unit of cross-partition traffic: an opaque payload stamped
// with its delivery time and the ordering fields that break ties at equal
// simulated time. DeliveryTag identifies the destination link on the
// receiving side; link order tags are assigned deterministically from link
// names, so the tag needs no per-rank translation.
type Event struct {
	Time        uint64
	Priority    int32
	OrderTag    uint32
	DeliveryTag uint64
	DestThread  uint32
	Payload     []byte
}

// Before orders events by (time, priority, order tag), the delivery order
// the scheduler guarantees.
func (e *Event) Before(other *Event) bool {
	if e.Time != other.Time {
		return e.Time < other.Time
	}
	if e.Priority != other.Priority {
		return e.Priority < other.Priority
	}
	return e.OrderTag < other.OrderTag
}

// Size returns the serialized footprint used for data-size reporting.
func (e *Event) Size() uint64 {
	return uint64(len(e.Payload)) + 32
}

// ActivityQueue accepts send-side event insertions. Cross-rank links get a
// RankSync-backed queue, cross-thread links a ThreadSync-backed queue, and
// local links insert straight into the thread's own time vortex.
type ActivityQueue interface {
	Insert(ev *Event)
}

// Deliverer dispatches inbound events to their destination thread's event
// queue. The simulation core implements it.
type Deliverer interface {
	Deliver(thread int, ev *Event)
}

// Event batches cross the transport protowire-framed:
//
//	1: time, 2: priority (zigzag), 3: order tag, 4: delivery tag,
//	5: dest thread, 6: payload.
// Each event is one length-delimited field 1 of the batch.

func appendEvent(b []byte, e *Event) []byte {
	var sub []byte
	sub = protowire.AppendTag(sub, 1, protowire.VarintType)
	sub = protowire.AppendVarint(sub, e.Time)
	sub = protowire.AppendTag(sub, 2, protowire.VarintType)
	sub = protowire.AppendVarint(sub, protowire.EncodeZigZag(int64(e.Priority)))
	sub = protowire.AppendTag(sub, 3, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(e.OrderTag))
	sub = protowire.AppendTag(sub, 4, protowire.VarintType)
	sub = protowire.AppendVarint(sub, e.DeliveryTag)
	sub = protowire.AppendTag(sub, 5, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(e.DestThread))
	sub = protowire.AppendTag(sub, 6, protowire.BytesType)
	sub = protowire.AppendBytes(sub, e.Payload)

	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// marshalBatch encodes a batch of events.
func marshalBatch(events []*Event) []byte {
	var b []byte
	for _, e := range events {
		b = appendEvent(b, e)
	}
	return b
}

// unmarshalBatch decodes a batch, preserving order.
func unmarshalBatch(b []byte) ([]*Event, error) {
	var events []*Event
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("event batch: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("event batch: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		sub, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("event batch: bad event: %w", protowire.ParseError(n))
		}
		b = b[n:]
		ev, err := unmarshalEvent(sub)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func unmarshalEvent(b []byte) (*Event, error) {
	e := &Event{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("event: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1, 2, 3, 4, 5:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("event: bad varint: %w", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case 1:
				e.Time = v
			case 2:
				e.Priority = int32(protowire.DecodeZigZag(v))
			case 3:
				e.OrderTag = uint32(v)
			case 4:
				e.DeliveryTag = v
			case 5:
				e.DestThread = uint32(v)
			}
		case 6:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("event: bad payload: %w", protowire.ParseError(n))
			}
			b = b[n:]
			e.Payload = append([]byte(nil), data...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("event: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}
