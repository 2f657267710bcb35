package natscomm

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/helios-data/specter/pkg/comm"
	specerr "github.com/helios-data/specter/pkg/errors"
)

// runGroup runs fn once per rank of a size-member group, each rank on its
// own NATS connection. Requires a reachable server; set SPECTER_NATS_URL to
// enable these tests.
func runGroup(t *testing.T, size int, fn func(ctx context.Context, c comm.Communicator) error) {
	t.Helper()
	url := os.Getenv("SPECTER_NATS_URL")
	if url == "" {
		t.Skip("SPECTER_NATS_URL not set; skipping NATS integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runID := uuid.New().String()
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		g.Go(func() error {
			nc, err := Connect(ctx, DefaultConnectionConfig(url), zap.NewNop())
			if err != nil {
				return err
			}
			defer Close(nc)
			grp, err := NewGroup(nc, runID, rank, size, zap.NewNop())
			if err != nil {
				return err
			}
			return fn(ctx, grp)
		})
	}
	require.NoError(t, g.Wait())
}

func TestGroupBcast(t *testing.T) {
	runGroup(t, 3, func(ctx context.Context, c comm.Communicator) error {
		var payload []byte
		if c.Rank() == 0 {
			payload = []byte("shared state")
		}
		out, err := c.Bcast(ctx, 0, payload)
		if err != nil {
			return err
		}
		if string(out) != "shared state" {
			return fmt.Errorf("rank %d got %q", c.Rank(), out)
		}
		return nil
	})
}

func TestGroupGather(t *testing.T) {
	runGroup(t, 3, func(ctx context.Context, c comm.Communicator) error {
		parts, err := c.Gather(ctx, 0, []byte{byte(c.Rank())})
		if err != nil {
			return err
		}
		if c.Rank() != 0 {
			return nil
		}
		for r, p := range parts {
			if len(p) != 1 || p[0] != byte(r) {
				return fmt.Errorf("slot %d holds %v", r, p)
			}
		}
		return nil
	})
}

func TestGroupGatherFloat64LargePayloadChunks(t *testing.T) {
	runGroup(t, 2, func(ctx context.Context, c comm.Communicator) error {
		// Big enough to force multi-chunk frames through the broker.
		mine := make([]float64, 200_000)
		for i := range mine {
			mine[i] = float64(c.Rank()*len(mine) + i)
		}
		out, err := c.GatherFloat64(ctx, 0, mine)
		if err != nil {
			return err
		}
		if c.Rank() != 0 {
			return nil
		}
		if len(out) != 2*len(mine) {
			return fmt.Errorf("gathered %d values", len(out))
		}
		for i, v := range out {
			if v != float64(i) {
				return fmt.Errorf("value %d is %g", i, v)
			}
		}
		return nil
	})
}

func TestGroupBarrierAndSplit(t *testing.T) {
	runGroup(t, 4, func(ctx context.Context, c comm.Communicator) error {
		if err := c.Barrier(ctx); err != nil {
			return err
		}
		sub, err := c.Split(ctx, c.Rank()%2, c.Rank())
		if err != nil {
			return err
		}
		if sub.Size() != 2 {
			return fmt.Errorf("rank %d got sub-group size %d", c.Rank(), sub.Size())
		}
		wantRank := c.Rank() / 2
		if sub.Rank() != wantRank {
			return fmt.Errorf("rank %d got sub-rank %d", c.Rank(), sub.Rank())
		}
		// The child group must itself support collectives.
		_, err = sub.Gather(ctx, 0, []byte{byte(c.Rank())})
		return err
	})
}

func TestNewGroupValidation(t *testing.T) {
	_, err := NewGroup(nil, "run", 0, 1, zap.NewNop())
	require.Error(t, err)
}

func TestClosedGroupRejectsCollectives(t *testing.T) {
	// Single-member collectives short-circuit before touching the wire, so
	// the connection is never used and no server is needed.
	grp, err := NewGroup(&nats.Conn{}, "run", 0, 1, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	out, err := grp.Bcast(ctx, 0, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("x"), out)

	grp.Close()

	_, err = grp.Bcast(ctx, 0, []byte("x"))
	require.ErrorIs(t, err, specerr.ErrGroupClosed)
	_, err = grp.Gather(ctx, 0, []byte("x"))
	require.ErrorIs(t, err, specerr.ErrGroupClosed)
	_, err = grp.GatherFloat64(ctx, 0, []float64{1})
	require.ErrorIs(t, err, specerr.ErrGroupClosed)
	require.ErrorIs(t, grp.Barrier(ctx), specerr.ErrGroupClosed)
}
