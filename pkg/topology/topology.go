// Package topology computes, once at startup, how extraction worker
// processes are grouped and which accelerator device each one binds to.
//
// Workers are arranged into bundle groups (members cooperate on one bundle,
// gathering patch results to the group root) and, when more than one bundle
// group exists, a frame group (the corresponding ranks of each bundle group,
// used to gather distinct bundles into one frame). The mapping lets a
// deployment trade depth against breadth: many workers cooperating on one
// bundle for patch-level batching, or many groups each owning independent
// bundles.
package topology

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/helios-data/specter/pkg/comm"
	specerr "github.com/helios-data/specter/pkg/errors"
)

// Config selects the decomposition strategy.
type Config struct {
	// GPU requests accelerator binding for every worker.
	GPU bool
	// DeviceCount is the number of accelerator devices available on this
	// host. Only consulted when GPU is set; devices beyond the worker count
	// are ignored.
	DeviceCount int
	// RanksPerBundle overrides how many workers cooperate on one bundle.
	// Zero selects the default: workers-per-device when GPU is set,
	// otherwise the whole group.
	RanksPerBundle int
}

// Topology is the immutable decomposition of a worker group. It is computed
// once and passed explicitly through the pipeline.
type Topology struct {
	// FrameComm joins the same bundle-rank across bundle groups; nil when a
	// single bundle group covers everyone.
	FrameComm comm.Communicator
	// BundleComm joins the workers cooperating on one bundle; nil when each
	// bundle group has a single member.
	BundleComm comm.Communicator
	// BundleStart is this worker's bundle-group id; groups own the bundle
	// indices congruent to it modulo BundleStep.
	BundleStart int
	// BundleStep is the number of bundle groups.
	BundleStep int
	// BundleRank is this worker's position within its bundle group.
	BundleRank int
	// DeviceID is the accelerator this worker is bound to, or -1.
	DeviceID int
}

// Plan decomposes the worker group described by c. All precondition failures
// are reported before any collective operation is entered, so a failing
// worker cannot leave its peers blocked in a Split.
func Plan(ctx context.Context, c comm.Communicator, cfg Config, logger *zap.Logger) (*Topology, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = comm.NewSingle()
	}
	rank, size := c.Rank(), c.Size()

	deviceID := -1
	deviceSize := size
	if cfg.GPU {
		deviceCount := min(size, cfg.DeviceCount)
		if deviceCount <= 0 {
			return nil, specerr.NewError("TOPOLOGY_DEVICES",
				"accelerator extraction requested but no devices are available",
				specerr.ErrNoDevices)
		}
		if size%deviceCount != 0 {
			return nil, specerr.NewError("TOPOLOGY_DEVICES",
				fmt.Sprintf("worker count %d is not divisible by device count %d", size, deviceCount),
				specerr.ErrNotDivisible)
		}
		deviceSize = size / deviceCount
		deviceID = rank / deviceSize
	}

	bundleSize := deviceSize
	if cfg.RanksPerBundle > 0 {
		bundleSize = cfg.RanksPerBundle
	}
	if !cfg.GPU && cfg.RanksPerBundle == 0 {
		// no accelerator and no override: the whole group works one bundle
		// at a time
		bundleSize = size
	}
	if bundleSize > size {
		return nil, specerr.NewError("TOPOLOGY_BUNDLE_GROUP",
			fmt.Sprintf("ranks per bundle %d exceeds worker count %d", bundleSize, size),
			specerr.ErrNotDivisible)
	}

	bundleStart := rank / bundleSize
	bundleRank := rank % bundleSize
	bundleStep := (size-1)/bundleSize + 1

	t := &Topology{
		BundleStart: bundleStart,
		BundleStep:  bundleStep,
		BundleRank:  bundleRank,
		DeviceID:    deviceID,
	}

	if bundleStep > 1 {
		// multiple bundle groups: cross-group communication happens at the
		// frame level so groups can work distinct bundles in parallel
		if bundleSize > 1 {
			frameComm, err := c.Split(ctx, bundleRank, bundleStart)
			if err != nil {
				return nil, fmt.Errorf("split frame group: %w", err)
			}
			bundleComm, err := c.Split(ctx, bundleStart, bundleRank)
			if err != nil {
				return nil, fmt.Errorf("split bundle group: %w", err)
			}
			t.FrameComm = frameComm
			t.BundleComm = bundleComm
		} else {
			t.FrameComm = c
		}
	} else if size > 1 {
		t.BundleComm = c
	}

	logger.Debug("planned worker topology",
		zap.Int("rank", rank),
		zap.Int("size", size),
		zap.Int("bundleGroup", bundleStart),
		zap.Int("bundleRank", bundleRank),
		zap.Int("bundleGroups", bundleStep),
		zap.Int("device", deviceID))
	return t, nil
}
