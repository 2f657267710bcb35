package topology

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helios-data/specter/pkg/comm"
	specerr "github.com/helios-data/specter/pkg/errors"
)

func TestPlanSingleWorker(t *testing.T) {
	topo, err := Plan(context.Background(), comm.NewSingle(), Config{}, nil)
	require.NoError(t, err)

	assert.Nil(t, topo.FrameComm)
	assert.Nil(t, topo.BundleComm)
	assert.Equal(t, 0, topo.BundleStart)
	assert.Equal(t, 1, topo.BundleStep)
	assert.Equal(t, 0, topo.BundleRank)
	assert.Equal(t, -1, topo.DeviceID)
}

func TestPlanWholeGroupWorksOneBundle(t *testing.T) {
	// Default CPU decomposition: every worker joins a single bundle group.
	err := comm.RunLocal(context.Background(), 4, func(ctx context.Context, c comm.Communicator) error {
		topo, err := Plan(ctx, c, Config{}, nil)
		if err != nil {
			return err
		}
		if topo.FrameComm != nil {
			return fmt.Errorf("rank %d got a frame group", c.Rank())
		}
		if topo.BundleComm == nil || topo.BundleComm.Size() != 4 {
			return fmt.Errorf("rank %d bundle group missing or wrong size", c.Rank())
		}
		if topo.BundleStep != 1 || topo.BundleRank != c.Rank() {
			return fmt.Errorf("rank %d got step %d rank %d", c.Rank(), topo.BundleStep, topo.BundleRank)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPlanRanksPerBundleOverride(t *testing.T) {
	// Four workers in pairs: bundle groups {0,1} and {2,3}, frame group
	// joining the two roots.
	err := comm.RunLocal(context.Background(), 4, func(ctx context.Context, c comm.Communicator) error {
		topo, err := Plan(ctx, c, Config{RanksPerBundle: 2}, nil)
		if err != nil {
			return err
		}
		wantGroup := c.Rank() / 2
		wantRank := c.Rank() % 2
		if topo.BundleStart != wantGroup || topo.BundleRank != wantRank || topo.BundleStep != 2 {
			return fmt.Errorf("rank %d got group %d rank %d step %d",
				c.Rank(), topo.BundleStart, topo.BundleRank, topo.BundleStep)
		}
		if topo.BundleComm == nil || topo.BundleComm.Size() != 2 || topo.BundleComm.Rank() != wantRank {
			return fmt.Errorf("rank %d bundle comm wrong", c.Rank())
		}
		if topo.FrameComm == nil || topo.FrameComm.Size() != 2 || topo.FrameComm.Rank() != wantGroup {
			return fmt.Errorf("rank %d frame comm wrong", c.Rank())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPlanSingleRankBundleGroups(t *testing.T) {
	// RanksPerBundle of one gives every worker its own bundle group; the
	// frame group is the whole world.
	err := comm.RunLocal(context.Background(), 3, func(ctx context.Context, c comm.Communicator) error {
		topo, err := Plan(ctx, c, Config{RanksPerBundle: 1}, nil)
		if err != nil {
			return err
		}
		if topo.BundleComm != nil {
			return fmt.Errorf("rank %d got a bundle group", c.Rank())
		}
		if topo.FrameComm == nil || topo.FrameComm.Size() != 3 {
			return fmt.Errorf("rank %d frame comm wrong", c.Rank())
		}
		if topo.BundleStart != c.Rank() || topo.BundleStep != 3 {
			return fmt.Errorf("rank %d got group %d step %d", c.Rank(), topo.BundleStart, topo.BundleStep)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPlanGPUDeviceBinding(t *testing.T) {
	// Four workers over two devices: ranks 0,1 on device 0 and 2,3 on
	// device 1, each device's workers forming one bundle group.
	err := comm.RunLocal(context.Background(), 4, func(ctx context.Context, c comm.Communicator) error {
		topo, err := Plan(ctx, c, Config{GPU: true, DeviceCount: 2}, nil)
		if err != nil {
			return err
		}
		if topo.DeviceID != c.Rank()/2 {
			return fmt.Errorf("rank %d bound device %d", c.Rank(), topo.DeviceID)
		}
		if topo.BundleComm == nil || topo.BundleComm.Size() != 2 {
			return fmt.Errorf("rank %d bundle comm wrong", c.Rank())
		}
		if topo.BundleStep != 2 {
			return fmt.Errorf("rank %d got step %d", c.Rank(), topo.BundleStep)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPlanGPUFaults(t *testing.T) {
	ctx := context.Background()

	t.Run("no devices", func(t *testing.T) {
		_, err := Plan(ctx, comm.NewSingle(), Config{GPU: true}, nil)
		require.ErrorIs(t, err, specerr.ErrNoDevices)
		assert.True(t, specerr.IsConfigFault(err))
	})

	t.Run("worker count not divisible by devices", func(t *testing.T) {
		// Reported before any collective so peers cannot block in a Split.
		err := comm.RunLocal(ctx, 3, func(ctx context.Context, c comm.Communicator) error {
			_, err := Plan(ctx, c, Config{GPU: true, DeviceCount: 2}, nil)
			if err == nil {
				return fmt.Errorf("rank %d expected an error", c.Rank())
			}
			if !specerr.IsNotDivisible(err) {
				return fmt.Errorf("rank %d got %v", c.Rank(), err)
			}
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ranks per bundle exceeds workers", func(t *testing.T) {
		_, err := Plan(ctx, comm.NewSingle(), Config{RanksPerBundle: 4}, nil)
		require.Error(t, err)
		assert.True(t, specerr.IsConfigFault(err))
	})
}
