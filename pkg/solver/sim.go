package solver

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	specerr "github.com/helios-data/specter/pkg/errors"
	"github.com/helios-data/specter/pkg/patch"
)

// GridProjection is a rectilinear optics model: spectrum s of the bundle
// lands on detector column Col0+s and wavelength bin w on row Row0+w. Real
// point-spread-function optics curve across the detector; the grid model is
// enough to exercise every index path of the pipeline deterministically.
type GridProjection struct {
	Rows, Cols int // detector extent
	Row0, Col0 int // pixel anchor of (wavelength 0, spectrum 0) for the bundle
}

func (g GridProjection) PatchBounds(specOffset, nspec, iwave, nwavestep, wavepad int) *patch.Bounds {
	rowStart := g.Row0 + iwave - wavepad
	rowStop := rowStart + nwavestep
	colStart := g.Col0 + specOffset
	colStop := colStart + nspec

	rowStart = max(rowStart, 0)
	colStart = max(colStart, 0)
	rowStop = min(rowStop, g.Rows)
	colStop = min(colStop, g.Cols)
	if rowStart >= rowStop || colStart >= colStop {
		return nil
	}
	return &patch.Bounds{
		Row: patch.Span{Start: rowStart, Stop: rowStop},
		Col: patch.Span{Start: colStart, Stop: colStop},
	}
}

// Sim is a deterministic host solver: extracted flux is the detector value
// at each bin's projected pixel, the resolution band is an identity delta,
// and off-image bins report a fully masked pixel fraction. It implements
// Solver, BatchSolver, and DeviceSolver so every dispatch mode can run
// without real accelerator kernels.
type Sim struct {
	// Devices is the simulated accelerator count reported to the topology
	// planner. Zero means host-only.
	Devices int

	bound int
}

// NewSim returns a host-only simulation solver.
func NewSim() *Sim { return &Sim{bound: -1} }

// NewSimWithDevices returns a simulation solver that reports n accelerator
// devices.
func NewSimWithDevices(n int) *Sim { return &Sim{Devices: n, bound: -1} }

func (s *Sim) SolvePatch(ctx context.Context, req *Request) (*Result, error) {
	prep, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	solved, err := s.SolveBatch(ctx, []*Prepared{prep})
	if err != nil {
		return nil, err
	}
	return s.Finalize(ctx, prep, solved[0])
}

func (s *Sim) Prepare(_ context.Context, req *Request) (*Prepared, error) {
	gp, ok := req.Projection.(GridProjection)
	if !ok {
		return nil, specerr.NewError("SIM_PROJECTION",
			fmt.Sprintf("simulation solver requires a GridProjection, got %T", req.Projection),
			specerr.ErrSolverFailure)
	}
	bounds := gp.PatchBounds(req.SpecOffset, req.NSpec, req.IWave, req.NWaveStep, req.WavePad)

	var pixels, ivar *mat.Dense
	if bounds != nil {
		pixels = mat.DenseCopyOf(req.Image.Slice(bounds.Row.Start, bounds.Row.Stop, bounds.Col.Start, bounds.Col.Stop))
		ivar = mat.DenseCopyOf(req.Ivar.Slice(bounds.Row.Start, bounds.Row.Stop, bounds.Col.Start, bounds.Col.Stop))
	}
	return &Prepared{Req: req, Pixels: pixels, Ivar: ivar, Bounds: bounds}, nil
}

func (s *Sim) SolveBatch(ctx context.Context, batch []*Prepared) ([]*Solved, error) {
	out := make([]*Solved, len(batch))
	for i, prep := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req := prep.Req
		gp := req.Projection.(GridProjection)

		flux := mat.NewDense(req.NSpec, req.NWaveStep, nil)
		fluxivar := mat.NewDense(req.NSpec, req.NWaveStep, nil)
		rdiags := make([]*mat.Dense, req.NSpec)
		band := 2*req.NDiag + 1
		for spec := 0; spec < req.NSpec; spec++ {
			rdiags[spec] = mat.NewDense(band, req.NWaveStep, nil)
			for k := 0; k < req.NWaveStep; k++ {
				r := gp.Row0 + req.IWave - req.WavePad + k
				c := gp.Col0 + req.SpecOffset + spec
				if r >= 0 && r < gp.Rows && c >= 0 && c < gp.Cols {
					flux.Set(spec, k, req.Image.At(r, c))
					fluxivar.Set(spec, k, req.Ivar.At(r, c))
				}
				rdiags[spec].Set(req.NDiag, k, 1.0)
			}
		}
		out[i] = &Solved{Flux: flux, Ivar: fluxivar, Rdiags: rdiags}
	}
	return out, nil
}

func (s *Sim) Finalize(_ context.Context, prep *Prepared, sol *Solved) (*Result, error) {
	req := prep.Req
	gp := req.Projection.(GridProjection)

	pixmask := mat.NewDense(req.NSpec, req.NWaveStep, nil)
	chi2 := mat.NewDense(req.NSpec, req.NWaveStep, nil)
	for spec := 0; spec < req.NSpec; spec++ {
		for k := 0; k < req.NWaveStep; k++ {
			r := gp.Row0 + req.IWave - req.WavePad + k
			c := gp.Col0 + req.SpecOffset + spec
			if r < 0 || r >= gp.Rows || c < 0 || c >= gp.Cols {
				pixmask.Set(spec, k, 1.0)
			}
		}
	}

	var model *mat.Dense
	if req.WantModel && prep.Bounds != nil {
		model = mat.NewDense(prep.Bounds.Row.Len(), prep.Bounds.Col.Len(), nil)
		for spec := 0; spec < req.NSpec; spec++ {
			for k := 0; k < req.NWaveStep; k++ {
				r := gp.Row0 + req.IWave - req.WavePad + k
				c := gp.Col0 + req.SpecOffset + spec
				if r >= prep.Bounds.Row.Start && r < prep.Bounds.Row.Stop &&
					c >= prep.Bounds.Col.Start && c < prep.Bounds.Col.Stop {
					model.Set(r-prep.Bounds.Row.Start, c-prep.Bounds.Col.Start, sol.Flux.At(spec, k))
				}
			}
		}
	}

	return &Result{
		Flux:            sol.Flux,
		Ivar:            sol.Ivar,
		Rdiags:          sol.Rdiags,
		PixmaskFraction: pixmask,
		Chi2Pix:         chi2,
		Model:           model,
		Bounds:          prep.Bounds,
	}, nil
}

func (s *Sim) DeviceCount() int { return s.Devices }

func (s *Sim) Bind(device int) error {
	if device < 0 || device >= s.Devices {
		return specerr.NewError("SIM_DEVICE",
			fmt.Sprintf("device %d out of range [0, %d)", device, s.Devices),
			specerr.ErrNoDevices)
	}
	s.bound = device
	return nil
}

// ToHostBatch is a no-op for the simulation: its arrays are already host
// resident. It keeps the dispatcher's device path exercised end to end.
func (s *Sim) ToHostBatch(_ context.Context, results []*Result) error {
	for _, r := range results {
		if r == nil {
			return specerr.NewError("SIM_TRANSFER", "nil result in device transfer", specerr.ErrSolverFailure)
		}
	}
	return nil
}
