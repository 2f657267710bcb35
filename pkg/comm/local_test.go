package comm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleCollectives(t *testing.T) {
	ctx := context.Background()
	c := NewSingle()

	assert.Equal(t, 0, c.Rank())
	assert.Equal(t, 1, c.Size())

	out, err := c.Bcast(ctx, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)

	parts, err := c.Gather(ctx, 0, []byte("only"))
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, []byte("only"), parts[0])

	data, err := c.GatherFloat64(ctx, 0, []float64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, data)

	require.NoError(t, c.Barrier(ctx))

	sub, err := c.Split(ctx, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Size())
}

func TestLocalGroupBcast(t *testing.T) {
	ctx := context.Background()
	err := RunLocal(ctx, 4, func(ctx context.Context, c Communicator) error {
		var payload []byte
		if c.Rank() == 1 {
			payload = []byte("from rank one")
		}
		out, err := c.Bcast(ctx, 1, payload)
		if err != nil {
			return err
		}
		if string(out) != "from rank one" {
			return fmt.Errorf("rank %d got %q", c.Rank(), out)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLocalGroupGatherIsRankOrdered(t *testing.T) {
	ctx := context.Background()
	err := RunLocal(ctx, 4, func(ctx context.Context, c Communicator) error {
		parts, err := c.Gather(ctx, 0, []byte{byte(c.Rank() * 10)})
		if err != nil {
			return err
		}
		if c.Rank() != 0 {
			if parts != nil {
				return fmt.Errorf("rank %d expected nil gather result", c.Rank())
			}
			return nil
		}
		for r, p := range parts {
			if len(p) != 1 || p[0] != byte(r*10) {
				return fmt.Errorf("rank %d slot holds %v", r, p)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLocalGroupGatherFloat64ConcatenatesInRankOrder(t *testing.T) {
	ctx := context.Background()
	err := RunLocal(ctx, 3, func(ctx context.Context, c Communicator) error {
		mine := []float64{float64(c.Rank()), float64(c.Rank()) + 0.5}
		out, err := c.GatherFloat64(ctx, 0, mine)
		if err != nil {
			return err
		}
		if c.Rank() != 0 {
			return nil
		}
		want := []float64{0, 0.5, 1, 1.5, 2, 2.5}
		if len(out) != len(want) {
			return fmt.Errorf("got %v", out)
		}
		for i := range want {
			if out[i] != want[i] {
				return fmt.Errorf("got %v", out)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLocalGroupBarrierReleasesAllMembers(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	arrived := 0

	err := RunLocal(ctx, 4, func(ctx context.Context, c Communicator) error {
		mu.Lock()
		arrived++
		mu.Unlock()
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if arrived != 4 {
			return fmt.Errorf("barrier released with %d arrivals", arrived)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLocalGroupSplit(t *testing.T) {
	ctx := context.Background()

	t.Run("splits by color and ranks by key", func(t *testing.T) {
		// Ranks 0,1 share color 0; ranks 2,3 share color 1. Keys reverse
		// the parent order inside each sub-group.
		err := RunLocal(ctx, 4, func(ctx context.Context, c Communicator) error {
			color := c.Rank() / 2
			key := -c.Rank()
			sub, err := c.Split(ctx, color, key)
			if err != nil {
				return err
			}
			if sub.Size() != 2 {
				return fmt.Errorf("rank %d got sub-group size %d", c.Rank(), sub.Size())
			}
			wantRank := 1 - c.Rank()%2
			if sub.Rank() != wantRank {
				return fmt.Errorf("rank %d got sub-rank %d, want %d", c.Rank(), sub.Rank(), wantRank)
			}
			// The sub-group must be a working communicator in its own right.
			parts, err := sub.Gather(ctx, 0, []byte{byte(c.Rank())})
			if err != nil {
				return err
			}
			if sub.Rank() == 0 && len(parts) != 2 {
				return fmt.Errorf("sub-group gather returned %d parts", len(parts))
			}
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("single-member colors form singleton groups", func(t *testing.T) {
		err := RunLocal(ctx, 3, func(ctx context.Context, c Communicator) error {
			sub, err := c.Split(ctx, c.Rank(), 0)
			if err != nil {
				return err
			}
			if sub.Size() != 1 || sub.Rank() != 0 {
				return fmt.Errorf("rank %d got size %d rank %d", c.Rank(), sub.Size(), sub.Rank())
			}
			return nil
		})
		require.NoError(t, err)
	})
}

func TestLocalGroupRepeatedCollectivesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	err := RunLocal(ctx, 3, func(ctx context.Context, c Communicator) error {
		for i := 0; i < 10; i++ {
			payload := []byte(fmt.Sprintf("round %d", i))
			var in []byte
			if c.Rank() == 0 {
				in = payload
			}
			out, err := c.Bcast(ctx, 0, in)
			if err != nil {
				return err
			}
			if string(out) != string(payload) {
				return fmt.Errorf("round %d rank %d got %q", i, c.Rank(), out)
			}
			if err := c.Barrier(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLocalGroupHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	members := NewLocalGroup(2)
	// Only one member reaches the barrier; the context deadline must
	// release it with an error instead of deadlocking.
	err := members[0].Barrier(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBcastJSONAndGatherJSON(t *testing.T) {
	ctx := context.Background()

	type msg struct {
		Rank  int    `json:"rank"`
		Label string `json:"label"`
	}

	err := RunLocal(ctx, 3, func(ctx context.Context, c Communicator) error {
		var v msg
		if c.Rank() == 0 {
			v = msg{Rank: 0, Label: "shared"}
		}
		got, err := BcastJSON(ctx, c, 0, v)
		if err != nil {
			return err
		}
		if got.Label != "shared" {
			return fmt.Errorf("rank %d got %+v", c.Rank(), got)
		}

		all, err := GatherJSON(ctx, c, 0, msg{Rank: c.Rank(), Label: "mine"})
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			for r, m := range all {
				if m.Rank != r {
					return fmt.Errorf("slot %d holds rank %d", r, m.Rank)
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestFloat64Codec(t *testing.T) {
	in := []float64{0, 1.5, -2.25, 1e300}
	out, err := DecodeFloat64(EncodeFloat64(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeFloat64([]byte{1, 2, 3})
	assert.Error(t, err)
}
