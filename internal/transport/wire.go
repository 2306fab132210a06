package transport

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Collective operation codes carried in envelopes.
const (
	opHello uint64 = iota + 1
	opExchange
	opBarrier
	opAllreduceMax
	opAllreduceSum
	opBroadcast
)

// envelope is the unit of traffic between a rank and the coordinator. It is
// encoded with the protobuf wire format directly; there is no generated
// message type because the payloads are already opaque bytes.
//
//	1: seq (varint)     per-rank collective sequence number
//	2: op (varint)      operation code
//	3: src (varint)     source rank
//	4: pairs (bytes)    repeated destination payloads (sub-message)
//	5: vals (bytes)     packed int64 reduction operands
//	6: data (bytes)     broadcast payload
//
// pair sub-message: 1: dst (varint), 2: data (bytes).
type envelope struct {
	Seq   uint64
	Op    uint64
	Src   uint64
	Pairs []pair
	Vals  []int64
	Data  []byte
}

type pair struct {
	Dst  uint64
	Data []byte
}

func (e *envelope) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Seq)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Op)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Src)
	for _, p := range e.Pairs {
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.VarintType)
		sub = protowire.AppendVarint(sub, p.Dst)
		sub = protowire.AppendTag(sub, 2, protowire.BytesType)
		sub = protowire.AppendBytes(sub, p.Data)
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if len(e.Vals) > 0 {
		var packed []byte
		for _, v := range e.Vals {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(v))
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if e.Data != nil {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Data)
	}
	return b
}

func unmarshalEnvelope(b []byte) (*envelope, error) {
	e := &envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("envelope: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1, 2, 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope: bad varint: %w", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case 1:
				e.Seq = v
			case 2:
				e.Op = v
			case 3:
				e.Src = v
			}
		case 4:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope: bad pair: %w", protowire.ParseError(n))
			}
			b = b[n:]
			p, err := unmarshalPair(sub)
			if err != nil {
				return nil, err
			}
			e.Pairs = append(e.Pairs, p)
		case 5:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope: bad vals: %w", protowire.ParseError(n))
			}
			b = b[n:]
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return nil, fmt.Errorf("envelope: bad packed varint: %w", protowire.ParseError(n))
				}
				packed = packed[n:]
				e.Vals = append(e.Vals, protowire.DecodeZigZag(v))
			}
		case 6:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope: bad data: %w", protowire.ParseError(n))
			}
			b = b[n:]
			e.Data = append([]byte(nil), data...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("envelope: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

func unmarshalPair(b []byte) (pair, error) {
	var p pair
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, fmt.Errorf("pair: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, fmt.Errorf("pair: bad dst: %w", protowire.ParseError(n))
			}
			b = b[n:]
			p.Dst = v
		case 2:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, fmt.Errorf("pair: bad data: %w", protowire.ParseError(n))
			}
			b = b[n:]
			p.Data = append([]byte(nil), data...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, fmt.Errorf("pair: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}
