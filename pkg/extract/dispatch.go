package extract

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/helios-data/specter/pkg/comm"
	specerr "github.com/helios-data/specter/pkg/errors"
	"github.com/helios-data/specter/pkg/patch"
	"github.com/helios-data/specter/pkg/solver"
)

// BundleParams configures the extraction of one bundle.
type BundleParams struct {
	// SpecMin is the global index of the bundle's first spectrum.
	SpecMin int
	// BundleSize is the number of spectra in the bundle.
	BundleSize int
	// NSubBundles splits the bundle into spectrum groups; BundleSize must be
	// divisible by it.
	NSubBundles int
	// NWave is the number of target wavelength bins.
	NWave int
	// NWaveStep is the wavelength tile width per patch.
	NWaveStep int
	// WavePad is the padding bin count on each patch end.
	WavePad int
	// NDiag is the resolution diagonal count kept on each side.
	NDiag int
	// PSFErr, Regularize, ClipScale are passed through to the solver.
	PSFErr     float64
	Regularize float64
	ClipScale  float64
	// WantModel requests per-patch model images.
	WantModel bool
	// BatchSubBundle solves each sub-bundle's patches in one batched call;
	// requires a solver.BatchSolver.
	BatchSubBundle bool
}

var tracer = otel.Tracer("specter/extract")

// ExtractBundle extracts all spectra of one bundle. Patches are assigned to
// this worker by strided slicing over the bundle group: patch cost is
// roughly uniform, so the static round-robin assignment needs no
// coordination. When the group has more than one member, results are
// gathered to the group root, which assembles and returns the bundle;
// other members return a nil bundle.
func ExtractBundle(ctx context.Context, image, imgivar *mat.Dense, proj solver.Projection,
	params BundleParams, sv solver.Solver, bundleComm comm.Communicator, logger *zap.Logger) (*Bundle, error) {

	if logger == nil {
		logger = zap.NewNop()
	}
	rank, size := 0, 1
	if bundleComm != nil {
		rank, size = bundleComm.Rank(), bundleComm.Size()
	}

	ctx, span := tracer.Start(ctx, "extract.bundle", trace.WithAttributes(
		attribute.Int("bundle.specmin", params.SpecMin),
		attribute.Int("bundle.rank", rank),
		attribute.Int("bundle.size", size),
	))
	defer span.End()

	subbundles, err := patch.Partition(patch.PartitionParams{
		BSpecMin:    params.SpecMin,
		BundleSize:  params.BundleSize,
		NSubBundles: params.NSubBundles,
		NWave:       params.NWave,
		NWaveStep:   params.NWaveStep,
		WavePad:     params.WavePad,
		NDiag:       params.NDiag,
	})
	if err != nil {
		return nil, err
	}

	batchSolver, canBatch := sv.(solver.BatchSolver)
	useBatch := params.BatchSubBundle && canBatch

	var own []PatchOutput
	if useBatch {
		own, err = solveBatched(ctx, image, imgivar, proj, params, batchSolver, subbundles, rank, size)
	} else {
		own, err = solvePatches(ctx, image, imgivar, proj, params, sv, patch.Flatten(subbundles), rank, size, logger)
	}
	if err != nil {
		return nil, err
	}

	all := own
	if bundleComm != nil && size > 1 {
		deviceSolver, onDevice := sv.(solver.DeviceSolver)
		if useBatch && onDevice {
			all, err = gatherBatched(ctx, bundleComm, deviceSolver, own, logger)
		} else {
			all, err = gatherRecords(ctx, bundleComm, own)
		}
		if err != nil {
			return nil, err
		}
	}
	if all == nil {
		// non-root member of the bundle group
		return nil, nil
	}

	logger.Debug("assembling bundle",
		zap.Int("specmin", params.SpecMin),
		zap.Int("patches", len(all)))
	return AssembleBundle(params.SpecMin, all)
}

// solvePatches is the per-patch mode: one synchronous solver call per
// assigned patch.
func solvePatches(ctx context.Context, image, imgivar *mat.Dense, proj solver.Projection,
	params BundleParams, sv solver.Solver, patches []*patch.Planned, rank, size int, logger *zap.Logger) ([]PatchOutput, error) {

	var out []PatchOutput
	for i := rank; i < len(patches); i += size {
		p := patches[i]
		res, err := sv.SolvePatch(ctx, requestFor(image, imgivar, proj, params, p))
		if err != nil {
			return nil, specerr.NewError("DISPATCH_SOLVE",
				fmt.Sprintf("patch at spec %d wave %d", p.ISpec, p.IWave),
				fmt.Errorf("%w: %w", specerr.ErrSolverFailure, err))
		}
		if res.Bounds == nil {
			logger.Debug("patch is off the edge of the image",
				zap.Int("ispec", p.ISpec), zap.Int("iwave", p.IWave))
		}
		out = append(out, PatchOutput{Patch: p.Resolve(res.Bounds), Result: res})
	}
	return out, nil
}

// solveBatched is the accelerator mode: each assigned sub-bundle's patches
// are staged, solved in one batched call, then finalized individually.
// Batching amortizes the fixed per-call accelerator overhead.
func solveBatched(ctx context.Context, image, imgivar *mat.Dense, proj solver.Projection,
	params BundleParams, sv solver.BatchSolver, subbundles [][]*patch.Planned, rank, size int) ([]PatchOutput, error) {

	var out []PatchOutput
	for i := rank; i < len(subbundles); i += size {
		group := subbundles[i]
		preps := make([]*solver.Prepared, len(group))
		for j, p := range group {
			prep, err := sv.Prepare(ctx, requestFor(image, imgivar, proj, params, p))
			if err != nil {
				return nil, specerr.NewError("DISPATCH_PREPARE",
					fmt.Sprintf("patch at spec %d wave %d", p.ISpec, p.IWave),
					fmt.Errorf("%w: %w", specerr.ErrSolverFailure, err))
			}
			preps[j] = prep
		}

		batchCtx, batchSpan := tracer.Start(ctx, "solver.batch",
			trace.WithAttributes(attribute.Int("batch.patches", len(group))))
		solved, err := sv.SolveBatch(batchCtx, preps)
		batchSpan.End()
		if err != nil {
			return nil, specerr.NewError("DISPATCH_BATCH",
				fmt.Sprintf("sub-bundle %d of bundle %d", i, params.SpecMin),
				fmt.Errorf("%w: %w", specerr.ErrSolverFailure, err))
		}

		for j, p := range group {
			res, err := sv.Finalize(ctx, preps[j], solved[j])
			if err != nil {
				return nil, specerr.NewError("DISPATCH_FINALIZE",
					fmt.Sprintf("patch at spec %d wave %d", p.ISpec, p.IWave),
					fmt.Errorf("%w: %w", specerr.ErrSolverFailure, err))
			}
			out = append(out, PatchOutput{Patch: p.Resolve(res.Bounds), Result: res})
		}
	}
	return out, nil
}

func requestFor(image, imgivar *mat.Dense, proj solver.Projection, params BundleParams, p *patch.Planned) *solver.Request {
	return &solver.Request{
		Image:      image,
		Ivar:       imgivar,
		Projection: proj,
		SpecOffset: p.ISpec - p.BSpecMin,
		NSpec:      p.NSpecPerPatch,
		IWave:      p.IWave,
		NWaveStep:  p.NWaveStep,
		WavePad:    p.WavePad,
		BundleSize: p.BundleSize,
		NDiag:      p.NDiag,
		PSFErr:     params.PSFErr,
		Regularize: params.Regularize,
		ClipScale:  params.ClipScale,
		WantModel:  params.WantModel,
	}
}

// gatherRecords gathers structured (patch, result) records to the group
// root. Returns nil on non-root members.
func gatherRecords(ctx context.Context, c comm.Communicator, own []PatchOutput) ([]PatchOutput, error) {
	wires := make([]resultWire, len(own))
	for i, po := range own {
		wires[i] = encodeResult(po.Patch, po.Result)
	}
	gathered, err := comm.GatherJSON(ctx, c, 0, wires)
	if err != nil {
		return nil, err
	}
	if gathered == nil {
		return nil, nil
	}
	var all []PatchOutput
	for _, rankWires := range gathered {
		for _, w := range rankWires {
			p, res := decodeResult(w)
			all = append(all, PatchOutput{Patch: p, Result: res})
		}
	}
	return all, nil
}

// gatherBatched first transfers device-resident arrays to host in bulk, then
// gathers each array kind as one contiguous float64 frame and the patch
// metadata as structured records. Model images travel as structured records
// since their extents vary per patch.
func gatherBatched(ctx context.Context, c comm.Communicator, ds solver.DeviceSolver, own []PatchOutput, logger *zap.Logger) ([]PatchOutput, error) {
	results := make([]*solver.Result, len(own))
	for i, po := range own {
		results[i] = po.Result
	}
	if err := ds.ToHostBatch(ctx, results); err != nil {
		return nil, err
	}

	ownPatches := make([]*patch.Resolved, len(own))
	ownModels := make([]*denseWire, len(own))
	var flux, ivar, rdiags, pixmask, chi2 []float64
	for i, po := range own {
		ownPatches[i] = po.Patch
		ownModels[i] = toWire(po.Result.Model)
		flux = flattenDense(flux, po.Result.Flux)
		ivar = flattenDense(ivar, po.Result.Ivar)
		pixmask = flattenDense(pixmask, po.Result.PixmaskFraction)
		chi2 = flattenDense(chi2, po.Result.Chi2Pix)
		for _, rd := range po.Result.Rdiags {
			rdiags = flattenDense(rdiags, rd)
		}
	}

	patchesByRank, err := comm.GatherJSON(ctx, c, 0, ownPatches)
	if err != nil {
		return nil, err
	}
	allFlux, err := c.GatherFloat64(ctx, 0, flux)
	if err != nil {
		return nil, err
	}
	allIvar, err := c.GatherFloat64(ctx, 0, ivar)
	if err != nil {
		return nil, err
	}
	allRdiags, err := c.GatherFloat64(ctx, 0, rdiags)
	if err != nil {
		return nil, err
	}
	allPixmask, err := c.GatherFloat64(ctx, 0, pixmask)
	if err != nil {
		return nil, err
	}
	allChi2, err := c.GatherFloat64(ctx, 0, chi2)
	if err != nil {
		return nil, err
	}
	modelsByRank, err := comm.GatherJSON(ctx, c, 0, ownModels)
	if err != nil {
		return nil, err
	}
	if patchesByRank == nil {
		return nil, nil
	}

	logger.Debug("repacking batched bundle gather", zap.Int("ranks", len(patchesByRank)))
	var all []PatchOutput
	offFlux, offRdiags := 0, 0
	for r, rankPatches := range patchesByRank {
		for i, p := range rankPatches {
			nspec, nstep, band := p.NSpecPerPatch, p.NWaveStep, p.NDiagBand()
			res := &solver.Result{
				Flux:            mat.NewDense(nspec, nstep, allFlux[offFlux:offFlux+nspec*nstep]),
				Ivar:            mat.NewDense(nspec, nstep, allIvar[offFlux:offFlux+nspec*nstep]),
				PixmaskFraction: mat.NewDense(nspec, nstep, allPixmask[offFlux:offFlux+nspec*nstep]),
				Chi2Pix:         mat.NewDense(nspec, nstep, allChi2[offFlux:offFlux+nspec*nstep]),
				Model:           fromWire(modelsByRank[r][i]),
				Bounds:          p.Bounds,
			}
			for s := 0; s < nspec; s++ {
				res.Rdiags = append(res.Rdiags,
					mat.NewDense(band, nstep, allRdiags[offRdiags:offRdiags+band*nstep]))
				offRdiags += band * nstep
			}
			offFlux += nspec * nstep
			all = append(all, PatchOutput{Patch: p, Result: res})
		}
	}
	return all, nil
}
