package comm

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Local is one member of an in-process group. Members share a hub and
// coordinate through it; every member must run on its own goroutine and call
// the collectives in the same order.
type Local struct {
	hub  *hub
	rank int
	seq  map[string]int
}

// NewLocalGroup creates an n-member in-process group and returns one
// communicator per rank.
func NewLocalGroup(n int) []*Local {
	h := &hub{size: n, ops: make(map[opKey]*opState)}
	members := make([]*Local, n)
	for i := range members {
		members[i] = &Local{hub: h, rank: i, seq: make(map[string]int)}
	}
	return members
}

// RunLocal runs fn once per rank of an n-member local group, each on its own
// goroutine, and waits for all of them.
func RunLocal(ctx context.Context, n int, fn func(ctx context.Context, c Communicator) error) error {
	members := NewLocalGroup(n)
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range members {
		g.Go(func() error { return fn(ctx, m) })
	}
	return g.Wait()
}

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return l.hub.size }

func (l *Local) next(kind string) opKey {
	k := opKey{kind: kind, seq: l.seq[kind]}
	l.seq[kind]++
	return k
}

func (l *Local) Bcast(ctx context.Context, root int, payload []byte) ([]byte, error) {
	key := l.next("bcast")
	if l.rank == root {
		op := l.hub.op(key)
		l.hub.mu.Lock()
		op.payloads[root] = payload
		close(op.done)
		if l.hub.size == 1 {
			delete(l.hub.ops, key)
		}
		l.hub.mu.Unlock()
		return payload, nil
	}
	op := l.hub.op(key)
	if err := await(ctx, op.done); err != nil {
		return nil, err
	}
	l.hub.mu.Lock()
	out := op.payloads[root]
	op.consumed++
	if op.consumed == l.hub.size-1 {
		delete(l.hub.ops, key)
	}
	l.hub.mu.Unlock()
	return out, nil
}

func (l *Local) Gather(ctx context.Context, root int, payload []byte) ([][]byte, error) {
	key := l.next("gather")
	op := l.hub.op(key)
	l.hub.mu.Lock()
	op.payloads[l.rank] = payload
	op.arrived++
	if op.arrived == l.hub.size {
		close(op.done)
	}
	l.hub.mu.Unlock()

	if l.rank != root {
		return nil, nil
	}
	if err := await(ctx, op.done); err != nil {
		return nil, err
	}
	l.hub.mu.Lock()
	out := make([][]byte, l.hub.size)
	for r := 0; r < l.hub.size; r++ {
		out[r] = op.payloads[r]
	}
	delete(l.hub.ops, key)
	l.hub.mu.Unlock()
	return out, nil
}

func (l *Local) GatherFloat64(ctx context.Context, root int, data []float64) ([]float64, error) {
	raw, err := l.Gather(ctx, root, EncodeFloat64(data))
	if err != nil || raw == nil {
		return nil, err
	}
	var out []float64
	for _, r := range raw {
		part, err := DecodeFloat64(r)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}

func (l *Local) Barrier(ctx context.Context) error {
	key := l.next("barrier")
	op := l.hub.op(key)
	l.hub.mu.Lock()
	op.arrived++
	if op.arrived == l.hub.size {
		close(op.done)
	}
	l.hub.mu.Unlock()

	if err := await(ctx, op.done); err != nil {
		return err
	}
	l.hub.mu.Lock()
	op.consumed++
	if op.consumed == l.hub.size {
		delete(l.hub.ops, key)
	}
	l.hub.mu.Unlock()
	return nil
}

func (l *Local) Split(ctx context.Context, color, key int) (Communicator, error) {
	opk := l.next("split")
	op := l.hub.op(opk)
	l.hub.mu.Lock()
	op.members = append(op.members, splitMember{rank: l.rank, color: color, key: key})
	op.arrived++
	if op.arrived == l.hub.size {
		l.formSubGroups(op)
		close(op.done)
	}
	l.hub.mu.Unlock()

	if err := await(ctx, op.done); err != nil {
		return nil, err
	}
	l.hub.mu.Lock()
	sub := op.subGroups[l.rank]
	op.consumed++
	if op.consumed == l.hub.size {
		delete(l.hub.ops, opk)
	}
	l.hub.mu.Unlock()
	return sub, nil
}

// formSubGroups builds one new hub per distinct color and ranks its members
// by (key, parent rank). Called with the hub lock held by the last arriver.
func (l *Local) formSubGroups(op *opState) {
	byColor := make(map[int][]splitMember)
	for _, m := range op.members {
		byColor[m.color] = append(byColor[m.color], m)
	}
	op.subGroups = make(map[int]*Local, l.hub.size)
	for _, group := range byColor {
		sort.Slice(group, func(i, j int) bool {
			if group[i].key != group[j].key {
				return group[i].key < group[j].key
			}
			return group[i].rank < group[j].rank
		})
		h := &hub{size: len(group), ops: make(map[opKey]*opState)}
		for newRank, m := range group {
			op.subGroups[m.rank] = &Local{hub: h, rank: newRank, seq: make(map[string]int)}
		}
	}
}

type opKey struct {
	kind string
	seq  int
}

type splitMember struct {
	rank, color, key int
}

type opState struct {
	payloads  map[int][]byte
	members   []splitMember
	subGroups map[int]*Local
	arrived   int
	consumed  int
	done      chan struct{}
}

type hub struct {
	size int
	mu   sync.Mutex
	ops  map[opKey]*opState
}

// op returns the shared state for a collective instance, creating it on
// first arrival.
func (h *hub) op(key opKey) *opState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.ops[key]; ok {
		return st
	}
	st := &opState{
		payloads: make(map[int][]byte),
		done:     make(chan struct{}),
	}
	h.ops[key] = st
	return st
}

func await(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
