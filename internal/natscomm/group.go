package natscomm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/helios-data/specter/pkg/comm"
	specerr "github.com/helios-data/specter/pkg/errors"
)

// chunkSize keeps individual NATS messages under the default server payload
// limit; payloads larger than this are transferred as numbered chunks.
const chunkSize = 512 * 1024

// retryInterval is the per-attempt timeout for collective requests. A member
// that arrives at a collective before its peers keeps retrying at this
// interval until the whole group has arrived.
const retryInterval = 500 * time.Millisecond

// Group is a NATS-backed communication group. Every member must call the
// collectives in the same order; subjects are sequenced per operation kind so
// successive collectives never collide.
type Group struct {
	nc     *nats.Conn
	logger *zap.Logger
	prefix string
	rank   int
	size   int
	seq    map[string]int
	closed atomic.Bool
}

// NewGroup joins a process group identified by runID. All members must agree
// on runID, their ranks must be distinct in [0, size), and they must share a
// NATS deployment.
func NewGroup(nc *nats.Conn, runID string, rank, size int, logger *zap.Logger) (*Group, error) {
	if nc == nil {
		return nil, errors.New("NATS connection cannot be nil")
	}
	if runID == "" {
		return nil, errors.New("run ID cannot be empty")
	}
	if size <= 0 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("invalid rank %d for group size %d", rank, size)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{
		nc:     nc,
		logger: logger,
		prefix: "specter.comm." + runID,
		rank:   rank,
		size:   size,
		seq:    make(map[string]int),
	}, nil
}

func (g *Group) Rank() int { return g.rank }
func (g *Group) Size() int { return g.size }

// Close marks the group unusable. A member that leaves the group must not
// issue further collectives: its peers are gone, so the collective would
// block until the caller's context expires. Close makes that a fast failure.
func (g *Group) Close() {
	g.closed.Store(true)
}

func (g *Group) guard() error {
	if g.closed.Load() {
		return specerr.NewError("GROUP_CLOSED",
			fmt.Sprintf("collective on closed group (rank %d)", g.rank), specerr.ErrGroupClosed)
	}
	return nil
}

func (g *Group) subject(kind string) string {
	seq := g.seq[kind]
	g.seq[kind]++
	return fmt.Sprintf("%s.%s.%d", g.prefix, kind, seq)
}

// Bcast distributes payload from root with a pull protocol: the root serves
// chunk requests on the collective's subject until every other member has
// fetched the final chunk, so a slow subscriber can never miss the message.
func (g *Group) Bcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	if err := g.guard(); err != nil {
		return nil, err
	}
	subj := g.subject("bcast")
	if g.size == 1 {
		return payload, nil
	}

	if g.rank == root {
		chunks := splitChunks(payload)
		served := make(map[int]bool)
		done := make(chan struct{})
		var mu sync.Mutex
		sub, err := g.nc.Subscribe(subj, func(m *nats.Msg) {
			rank, chunk, ok := decodeChunkRequest(m.Data)
			if !ok || chunk >= len(chunks) {
				return
			}
			if err := m.Respond(encodeChunkReply(len(chunks), chunks[chunk])); err != nil {
				g.logger.Warn("bcast respond failed", zap.Error(err))
				return
			}
			if chunk == len(chunks)-1 {
				mu.Lock()
				if !served[rank] {
					served[rank] = true
					if len(served) == g.size-1 {
						close(done)
					}
				}
				mu.Unlock()
			}
		})
		if err != nil {
			return nil, fmt.Errorf("bcast subscribe: %w", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
		select {
		case <-done:
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var out []byte
	nchunks := 1
	for chunk := 0; chunk < nchunks; chunk++ {
		reply, err := g.request(ctx, subj, encodeChunkRequest(g.rank, chunk))
		if err != nil {
			return nil, err
		}
		var data []byte
		nchunks, data = decodeChunkReply(reply)
		out = append(out, data...)
	}
	return out, nil
}

// Gather collects one payload per member at root. Members push rank-tagged
// chunks and retry until the root acknowledges each one.
func (g *Group) Gather(ctx context.Context, root int, payload []byte) ([][]byte, error) {
	if err := g.guard(); err != nil {
		return nil, err
	}
	subj := g.subject("gather")
	if g.size == 1 {
		return [][]byte{payload}, nil
	}

	if g.rank != root {
		chunks := splitChunks(payload)
		for i, c := range chunks {
			frame := encodeGatherFrame(g.rank, i, len(chunks), c)
			if _, err := g.request(ctx, subj, frame); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	parts := make(map[int][][]byte)
	counts := make(map[int]int)
	complete := 0
	done := make(chan struct{})
	var mu sync.Mutex
	sub, err := g.nc.Subscribe(subj, func(m *nats.Msg) {
		rank, chunk, nchunks, data, ok := decodeGatherFrame(m.Data)
		if !ok || rank == root {
			return
		}
		mu.Lock()
		if parts[rank] == nil {
			parts[rank] = make([][]byte, nchunks)
		}
		if chunk < len(parts[rank]) && parts[rank][chunk] == nil {
			parts[rank][chunk] = data
			counts[rank]++
			if counts[rank] == nchunks {
				complete++
				if complete == g.size-1 {
					close(done)
				}
			}
		}
		mu.Unlock()
		_ = m.Respond([]byte("ok"))
	})
	if err != nil {
		return nil, fmt.Errorf("gather subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([][]byte, g.size)
	out[root] = payload
	for rank, chunks := range parts {
		var buf []byte
		for _, c := range chunks {
			buf = append(buf, c...)
		}
		out[rank] = buf
	}
	for r := 0; r < g.size; r++ {
		if r != root && parts[r] == nil {
			return nil, specerr.NewError("GATHER_MISSING",
				fmt.Sprintf("no contribution from rank %d", r), specerr.ErrGatherIncomplete)
		}
	}
	return out, nil
}

// GatherFloat64 ships raw little-endian frames rather than per-element
// serialization; results are concatenated in rank order at root.
func (g *Group) GatherFloat64(ctx context.Context, root int, data []float64) ([]float64, error) {
	raw, err := g.Gather(ctx, root, comm.EncodeFloat64(data))
	if err != nil || raw == nil {
		return nil, err
	}
	var out []float64
	for _, r := range raw {
		part, err := comm.DecodeFloat64(r)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}

// Barrier rendezvouses the whole group: an empty gather to rank 0 followed by
// an empty broadcast back out.
func (g *Group) Barrier(ctx context.Context) error {
	if _, err := g.Gather(ctx, 0, nil); err != nil {
		return err
	}
	_, err := g.Bcast(ctx, 0, []byte{1})
	return err
}

type splitAssignment struct {
	Prefix string `json:"prefix"`
	Rank   int    `json:"rank"`
	Size   int    `json:"size"`
}

type splitRequest struct {
	Rank  int `json:"rank"`
	Color int `json:"color"`
	Key   int `json:"key"`
}

// Split partitions the group by color; rank 0 collects every member's
// (color, key), computes the sub-group layout, and broadcasts it back.
// Within a sub-group members are ranked by (key, parent rank).
func (g *Group) Split(ctx context.Context, color, key int) (comm.Communicator, error) {
	seq := g.seq["split"]
	g.seq["split"]++

	reqs, err := comm.GatherJSON(ctx, g, 0, splitRequest{Rank: g.rank, Color: color, Key: key})
	if err != nil {
		return nil, err
	}

	var table map[int]splitAssignment
	if g.rank == 0 {
		table = assignSplit(reqs, g.prefix, seq)
	}
	table, err = comm.BcastJSON(ctx, g, 0, table)
	if err != nil {
		return nil, err
	}

	a, ok := table[g.rank]
	if !ok {
		return nil, fmt.Errorf("split table has no entry for rank %d", g.rank)
	}
	return &Group{
		nc:     g.nc,
		logger: g.logger,
		prefix: a.Prefix,
		rank:   a.Rank,
		size:   a.Size,
		seq:    make(map[string]int),
	}, nil
}

func assignSplit(reqs []splitRequest, prefix string, seq int) map[int]splitAssignment {
	byColor := make(map[int][]splitRequest)
	for _, r := range reqs {
		byColor[r.Color] = append(byColor[r.Color], r)
	}
	table := make(map[int]splitAssignment, len(reqs))
	for color, group := range byColor {
		// rank order within a color: key first, parent rank second
		sort.Slice(group, func(i, j int) bool {
			if group[i].Key != group[j].Key {
				return group[i].Key < group[j].Key
			}
			return group[i].Rank < group[j].Rank
		})
		childPrefix := fmt.Sprintf("%s.s%d.c%d", prefix, seq, color)
		for newRank, m := range group {
			table[m.Rank] = splitAssignment{Prefix: childPrefix, Rank: newRank, Size: len(group)}
		}
	}
	return table
}

// request sends a collective frame and retries until a peer responds or the
// context is cancelled. Collectives block indefinitely by design; only the
// caller's context bounds them.
func (g *Group) request(ctx context.Context, subj string, data []byte) ([]byte, error) {
	for {
		attempt, cancel := context.WithTimeout(ctx, retryInterval)
		msg, err := g.nc.RequestWithContext(attempt, subj, data)
		cancel()
		if err == nil {
			return msg.Data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, nats.ErrNoResponders) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("collective request on %s: %w", subj, err)
		}
	}
}

func splitChunks(payload []byte) [][]byte {
	if len(payload) == 0 {
		return [][]byte{nil}
	}
	var chunks [][]byte
	for off := 0; off < len(payload); off += chunkSize {
		end := min(off+chunkSize, len(payload))
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}

func encodeChunkRequest(rank, chunk int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(rank))
	binary.LittleEndian.PutUint32(buf[4:], uint32(chunk))
	return buf
}

func decodeChunkRequest(buf []byte) (rank, chunk int, ok bool) {
	if len(buf) != 8 {
		return 0, 0, false
	}
	return int(binary.LittleEndian.Uint32(buf[0:])), int(binary.LittleEndian.Uint32(buf[4:])), true
}

func encodeChunkReply(nchunks int, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf[0:], uint32(nchunks))
	copy(buf[4:], data)
	return buf
}

func decodeChunkReply(buf []byte) (nchunks int, data []byte) {
	if len(buf) < 4 {
		return 1, nil
	}
	return int(binary.LittleEndian.Uint32(buf[0:])), buf[4:]
}

func encodeGatherFrame(rank, chunk, nchunks int, data []byte) []byte {
	buf := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint32(buf[0:], uint32(rank))
	binary.LittleEndian.PutUint32(buf[4:], uint32(chunk))
	binary.LittleEndian.PutUint32(buf[8:], uint32(nchunks))
	copy(buf[12:], data)
	return buf
}

func decodeGatherFrame(buf []byte) (rank, chunk, nchunks int, data []byte, ok bool) {
	if len(buf) < 12 {
		return 0, 0, 0, nil, false
	}
	return int(binary.LittleEndian.Uint32(buf[0:])),
		int(binary.LittleEndian.Uint32(buf[4:])),
		int(binary.LittleEndian.Uint32(buf[8:])),
		buf[12:], true
}
