// Package comm defines the process-group communication primitives the
// extraction pipeline is built on: broadcast-from-root, gather-to-root (both
// generic payloads and bulk numeric arrays), barrier, and group splitting by
// (color, key).
//
// All collectives are blocking and must be called by every member of a group
// in the same order. Two implementations ship with the package: Single, for
// runs without any process group, and LocalGroup, which joins N in-process
// members through shared memory. A NATS-backed implementation for
// multi-process runs lives in internal/natscomm.
package comm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Communicator is a group of cooperating workers. Rank identifies this
// worker within the group; Size is the number of members.
type Communicator interface {
	Rank() int
	Size() int

	// Bcast distributes payload from root to every member. The root passes
	// the payload; other members pass nil. All members return the payload.
	Bcast(ctx context.Context, root int, payload []byte) ([]byte, error)

	// Gather collects one payload per member at root, indexed by rank.
	// Non-root members return nil.
	Gather(ctx context.Context, root int, payload []byte) ([][]byte, error)

	// GatherFloat64 collects numeric arrays at root, concatenated in rank
	// order. This avoids per-element serialization for bulk results.
	// Non-root members return nil.
	GatherFloat64(ctx context.Context, root int, data []float64) ([]float64, error)

	// Barrier blocks until every member has reached it.
	Barrier(ctx context.Context) error

	// Split partitions the group into disjoint sub-groups, one per distinct
	// color; within a sub-group members are ranked by (key, parent rank).
	Split(ctx context.Context, color, key int) (Communicator, error)
}

// BcastJSON broadcasts a JSON-encodable value from root to every member.
func BcastJSON[T any](ctx context.Context, c Communicator, root int, v T) (T, error) {
	var out T
	var payload []byte
	if c.Rank() == root {
		var err error
		payload, err = json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("bcast encode: %w", err)
		}
	}
	payload, err := c.Bcast(ctx, root, payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("bcast decode: %w", err)
	}
	return out, nil
}

// GatherJSON gathers one JSON-encodable value per member to root, indexed by
// rank. Non-root members return nil.
func GatherJSON[T any](ctx context.Context, c Communicator, root int, v T) ([]T, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("gather encode: %w", err)
	}
	raw, err := c.Gather(ctx, root, payload)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	out := make([]T, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return nil, fmt.Errorf("gather decode rank %d: %w", i, err)
		}
	}
	return out, nil
}

// EncodeFloat64 packs a float64 slice as little-endian bytes.
func EncodeFloat64(data []float64) []byte {
	buf := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

// DecodeFloat64 unpacks little-endian bytes into a float64 slice.
func DecodeFloat64(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("float64 payload length %d is not a multiple of 8", len(buf))
	}
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return out, nil
}

// Single is the no-group communicator: one worker, rank 0.
type Single struct{}

// NewSingle returns a communicator for a run without any process group.
func NewSingle() Single { return Single{} }

func (Single) Rank() int { return 0 }
func (Single) Size() int { return 1 }

func (Single) Bcast(_ context.Context, _ int, payload []byte) ([]byte, error) {
	return payload, nil
}

func (Single) Gather(_ context.Context, _ int, payload []byte) ([][]byte, error) {
	return [][]byte{payload}, nil
}

func (Single) GatherFloat64(_ context.Context, _ int, data []float64) ([]float64, error) {
	out := make([]float64, len(data))
	copy(out, data)
	return out, nil
}

func (Single) Barrier(context.Context) error { return nil }

func (s Single) Split(context.Context, int, int) (Communicator, error) {
	return s, nil
}
