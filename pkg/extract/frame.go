package extract

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/helios-data/specter/pkg/comm"
	specerr "github.com/helios-data/specter/pkg/errors"
	"github.com/helios-data/specter/pkg/patch"
	"github.com/helios-data/specter/pkg/solver"
	"github.com/helios-data/specter/pkg/topology"
)

// Optics is the loaded point-spread-function model. It provides per-bundle
// projections and the metadata the extraction derives defaults from.
type Optics interface {
	// BundleProjection returns the projection for one bundle over the padded
	// wavelength grid.
	BundleProjection(specmin, bundlesize int, fullwave []float64) (solver.Projection, error)
	// WaveBounds is the wavelength range the optics model covers.
	WaveBounds() (wmin, wmax float64)
	// NDiag is the resolution diagonal count implied by the optics kernel.
	NDiag() int
	// PSFErr is the model's default fractional error.
	PSFErr() float64
}

// Frame is the full extraction output for one exposure: all bundles stacked
// in spectrum order, flux converted to density per wavelength.
type Frame struct {
	Wave            []float64
	Flux            *mat.Dense
	Ivar            *mat.Dense
	Mask            *mat.Dense // 1 where Ivar is exactly zero
	Rdiags          []*mat.Dense
	PixmaskFraction *mat.Dense
	Chi2Pix         *mat.Dense
	Model           *mat.Dense // nil unless a model image was requested
}

// FrameParams configures a frame extraction.
type FrameParams struct {
	// SpecMin is the first spectrum to extract; NSpec the count. NSpec must
	// be divisible by BundleSize.
	SpecMin int
	NSpec   int
	// BundleSize is the fixed number of spectra per bundle.
	BundleSize int
	// NSubBundles is the sub-bundle split within each bundle.
	NSubBundles int
	// NWaveStep is the wavelength tile width; WavePad the padding per end.
	NWaveStep int
	WavePad   int
	// Wavelength overrides the extraction range; nil derives it from the
	// optics bounds with the default bin width.
	Wavelength *WaveRange
	// PSFErr overrides the optics' model-error fraction when positive.
	PSFErr     float64
	Regularize float64
	ClipScale  float64
	// WantModel requests the full-frame model image.
	WantModel bool
	// GPU selects accelerator extraction: device binding, batched
	// sub-bundle solves, and the bulk-array gather path.
	GPU bool
	// RanksPerBundle overrides the bundle-group size.
	RanksPerBundle int
}

// defaultDW is the wavelength bin width used when no range is given.
const defaultDW = 0.8

// AssembleFrame merges bundle outputs into the frame arrays. Bundles may
// arrive in any order from different groups; they are sorted by starting
// spectrum index before stacking. The model image is accumulated additively
// at each bundle's recorded pixel offset since bundle edges can still
// overlap in pixel space.
func AssembleFrame(bundles []*Bundle, grid *Grid, imgRows, imgCols int, wantModel bool) (*Frame, error) {
	if len(bundles) == 0 {
		return nil, specerr.NewError("FRAME_EMPTY", "no bundles to assemble", specerr.ErrEmptyBundle)
	}
	sorted := make([]*Bundle, len(bundles))
	copy(sorted, bundles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SpecMin < sorted[j].SpecMin })

	nwave := grid.NWave()
	nspec := 0
	for _, b := range sorted {
		r, _ := b.Flux.Dims()
		nspec += r
	}

	f := &Frame{
		Wave:            append([]float64(nil), grid.Wave...),
		Flux:            mat.NewDense(nspec, nwave, nil),
		Ivar:            mat.NewDense(nspec, nwave, nil),
		Mask:            mat.NewDense(nspec, nwave, nil),
		PixmaskFraction: mat.NewDense(nspec, nwave, nil),
		Chi2Pix:         mat.NewDense(nspec, nwave, nil),
	}
	if wantModel {
		f.Model = mat.NewDense(imgRows, imgCols, nil)
	}

	row := 0
	for _, b := range sorted {
		r, _ := b.Flux.Dims()
		f.Flux.Slice(row, row+r, 0, nwave).(*mat.Dense).Copy(b.Flux)
		f.Ivar.Slice(row, row+r, 0, nwave).(*mat.Dense).Copy(b.Ivar)
		f.PixmaskFraction.Slice(row, row+r, 0, nwave).(*mat.Dense).Copy(b.PixmaskFraction)
		f.Chi2Pix.Slice(row, row+r, 0, nwave).(*mat.Dense).Copy(b.Chi2Pix)
		f.Rdiags = append(f.Rdiags, b.Rdiags...)
		row += r

		if wantModel && b.Model != nil && b.Bounds != nil {
			dst := f.Model.Slice(b.Bounds.Row.Start, b.Bounds.Row.Stop,
				b.Bounds.Col.Start, b.Bounds.Col.Stop).(*mat.Dense)
			dst.Add(dst, b.Model)
		}
	}

	// photons per bin -> flux density per wavelength
	dwave := grid.BinWidths()
	for i := 0; i < nspec; i++ {
		fluxRow := f.Flux.RawRowView(i)
		ivarRow := f.Ivar.RawRowView(i)
		for j := 0; j < nwave; j++ {
			fluxRow[j] /= dwave[j]
			ivarRow[j] *= dwave[j] * dwave[j]
			if ivarRow[j] == 0 {
				f.Mask.Set(i, j, 1)
			}
		}
	}
	return f, nil
}

// ExtractFrame runs the whole pipeline: plan the topology, broadcast the
// detector arrays, extract this worker's share of bundles, gather them
// across groups, and assemble the frame on the world root. Workers other
// than the world root return a nil frame.
func ExtractFrame(ctx context.Context, image, imgivar *mat.Dense, optics Optics,
	params FrameParams, world comm.Communicator, sv solver.Solver, logger *zap.Logger) (*Frame, error) {

	if logger == nil {
		logger = zap.NewNop()
	}
	if world == nil {
		world = comm.NewSingle()
	}
	rank := world.Rank()

	ctx, span := tracer.Start(ctx, "extract.ExtractFrame", trace.WithAttributes(
		attribute.Int("frame.specmin", params.SpecMin),
		attribute.Int("frame.nspec", params.NSpec),
		attribute.Bool("frame.gpu", params.GPU),
	))
	defer span.End()

	// configuration faults must surface before the first collective; a
	// post-hoc error on one worker would leave the others blocked
	if params.BundleSize <= 0 || params.NSpec%params.BundleSize != 0 {
		return nil, specerr.NewError("FRAME_BUNDLES",
			fmt.Sprintf("spectrum count %d is not divisible by bundle size %d", params.NSpec, params.BundleSize),
			specerr.ErrNotDivisible)
	}

	wr := params.Wavelength
	if wr == nil {
		wmin, wmax := optics.WaveBounds()
		wr = &WaveRange{WMin: wmin, WMax: wmax, DW: defaultDW}
	}
	grid, err := NewGrid(*wr, params.WavePad, params.NWaveStep)
	if err != nil {
		return nil, err
	}

	ranksPerBundle := params.RanksPerBundle
	batch := false
	deviceCount := 0
	deviceSolver, onDevice := sv.(solver.DeviceSolver)
	if params.GPU {
		if ranksPerBundle == 0 {
			ranksPerBundle = 1
		}
		batch = true
		if onDevice {
			deviceCount = deviceSolver.DeviceCount()
		}
	}

	topo, err := topology.Plan(ctx, world, topology.Config{
		GPU:            params.GPU,
		DeviceCount:    deviceCount,
		RanksPerBundle: ranksPerBundle,
	}, logger)
	if err != nil {
		return nil, err
	}
	if params.GPU && onDevice && topo.DeviceID >= 0 {
		if err := deviceSolver.Bind(topo.DeviceID); err != nil {
			return nil, err
		}
	}

	if world.Size() > 1 {
		if rank == 0 {
			logger.Info("broadcasting inputs to workers", zap.Int("workers", world.Size()))
		}
		image, err = BcastDense(ctx, world, 0, image)
		if err != nil {
			return nil, err
		}
		imgivar, err = BcastDense(ctx, world, 0, imgivar)
		if err != nil {
			return nil, err
		}
	}
	imgRows, imgCols := image.Dims()

	psferr := params.PSFErr
	if psferr <= 0 {
		psferr = optics.PSFErr()
	}
	logger.Info("extracting wavelengths",
		zap.Float64("wmin", wr.WMin), zap.Float64("wmax", wr.WMax), zap.Float64("dw", wr.DW),
		zap.Int("nwave", grid.NWave()))

	var bspecmins []int
	for s := params.SpecMin; s < params.SpecMin+params.NSpec; s += params.BundleSize {
		bspecmins = append(bspecmins, s)
	}

	var bundles []*Bundle
	for i := topo.BundleStart; i < len(bspecmins); i += topo.BundleStep {
		bspecmin := bspecmins[i]
		proj, err := optics.BundleProjection(bspecmin, params.BundleSize, grid.FullWave)
		if err != nil {
			return nil, fmt.Errorf("projection for bundle %d: %w", bspecmin, err)
		}
		b, err := ExtractBundle(ctx, image, imgivar, proj, BundleParams{
			SpecMin:        bspecmin,
			BundleSize:     params.BundleSize,
			NSubBundles:    params.NSubBundles,
			NWave:          grid.NWave(),
			NWaveStep:      params.NWaveStep,
			WavePad:        params.WavePad,
			NDiag:          optics.NDiag(),
			PSFErr:         psferr,
			Regularize:     params.Regularize,
			ClipScale:      params.ClipScale,
			WantModel:      params.WantModel,
			BatchSubBundle: batch,
		}, sv, topo.BundleComm, logger)
		if err != nil {
			return nil, err
		}
		if b != nil {
			bundles = append(bundles, b)
		}
		// keep the group in lockstep so all members start the next bundle
		// together
		if topo.BundleComm != nil {
			if err := topo.BundleComm.Barrier(ctx); err != nil {
				return nil, err
			}
		}
	}

	if topo.FrameComm != nil {
		if topo.BundleComm == nil || topo.BundleComm.Rank() == 0 {
			bundles, err = gatherFrame(ctx, topo.FrameComm, bundles, logger)
			if err != nil {
				return nil, err
			}
		} else {
			bundles = nil
		}
	}

	if rank != 0 {
		return nil, nil
	}
	logger.Info("assembling frame", zap.Int("bundles", len(bundles)))
	return AssembleFrame(bundles, grid, imgRows, imgCols, params.WantModel)
}

// bundleMeta travels in the structured part of the frame gather; the dense
// arrays travel as bulk float64 frames.
type bundleMeta struct {
	SpecMin int           `json:"specmin"`
	Rows    int           `json:"rows"`
	NWave   int           `json:"nwave"`
	Band    int           `json:"band"`
	Bounds  *patch.Bounds `json:"bounds,omitempty"`
}

// gatherFrame collects distinct bundles from the bundle-group leaders into
// the frame root. Mirrors the bundle-level split: fixed-shape arrays go
// through the bulk gather, metadata and variable-extent model images go
// through the structured gather.
func gatherFrame(ctx context.Context, c comm.Communicator, bundles []*Bundle, logger *zap.Logger) ([]*Bundle, error) {
	metas := make([]bundleMeta, len(bundles))
	models := make([]*denseWire, len(bundles))
	var flux, ivar, rdiags, pixmask, chi2 []float64
	for i, b := range bundles {
		r, nw := b.Flux.Dims()
		band := 0
		if len(b.Rdiags) > 0 {
			band, _ = b.Rdiags[0].Dims()
		}
		metas[i] = bundleMeta{SpecMin: b.SpecMin, Rows: r, NWave: nw, Band: band, Bounds: b.Bounds}
		models[i] = toWire(b.Model)
		flux = flattenDense(flux, b.Flux)
		ivar = flattenDense(ivar, b.Ivar)
		pixmask = flattenDense(pixmask, b.PixmaskFraction)
		chi2 = flattenDense(chi2, b.Chi2Pix)
		for _, rd := range b.Rdiags {
			rdiags = flattenDense(rdiags, rd)
		}
	}

	metasByRank, err := comm.GatherJSON(ctx, c, 0, metas)
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
	modelsByRank, err := comm.GatherJSON(ctx, c, 0, models)
	if err != nil {
		return nil, err
	}
	if metasByRank == nil {
		return nil, nil
	}

	logger.Debug("repacking frame gather", zap.Int("ranks", len(metasByRank)))
	var all []*Bundle
	off, offR := 0, 0
	for r, rankMetas := range metasByRank {
		for i, m := range rankMetas {
			n := m.Rows * m.NWave
			b := &Bundle{
				SpecMin:         m.SpecMin,
				Flux:            mat.NewDense(m.Rows, m.NWave, allFlux[off:off+n]),
				Ivar:            mat.NewDense(m.Rows, m.NWave, allIvar[off:off+n]),
				PixmaskFraction: mat.NewDense(m.Rows, m.NWave, allPixmask[off:off+n]),
				Chi2Pix:         mat.NewDense(m.Rows, m.NWave, allChi2[off:off+n]),
				Model:           fromWire(modelsByRank[r][i]),
				Bounds:          m.Bounds,
			}
			for s := 0; s < m.Rows; s++ {
				b.Rdiags = append(b.Rdiags,
					mat.NewDense(m.Band, m.NWave, allRdiags[offR:offR+m.Band*m.NWave]))
				offR += m.Band * m.NWave
			}
			off += n
			all = append(all, b)
		}
	}
	return all, nil
}
