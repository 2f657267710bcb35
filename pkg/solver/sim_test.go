package solver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/helios-data/specter/pkg/patch"
)

func rampImage(rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			m.Set(r, c, float64(r*cols+c))
		}
	}
	return m
}

func onesImage(rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			m.Set(r, c, 1.0)
		}
	}
	return m
}

func TestGridProjectionPatchBounds(t *testing.T) {
	gp := GridProjection{Rows: 100, Cols: 50, Row0: 0, Col0: 10}

	t.Run("interior patch", func(t *testing.T) {
		b := gp.PatchBounds(5, 5, 20, 30, 10)
		require.NotNil(t, b)
		assert.Equal(t, patch.Span{Start: 10, Stop: 40}, b.Row)
		assert.Equal(t, patch.Span{Start: 15, Stop: 20}, b.Col)
	})

	t.Run("clips to the image", func(t *testing.T) {
		b := gp.PatchBounds(35, 10, 90, 30, 10)
		require.NotNil(t, b)
		assert.Equal(t, patch.Span{Start: 80, Stop: 100}, b.Row)
		assert.Equal(t, patch.Span{Start: 45, Stop: 50}, b.Col)
	})

	t.Run("off-image patch is nil", func(t *testing.T) {
		assert.Nil(t, gp.PatchBounds(50, 5, 20, 30, 10))
		assert.Nil(t, gp.PatchBounds(0, 5, 110, 30, 0))
	})
}

func TestSimSolvePatchReadsProjectedPixels(t *testing.T) {
	img := rampImage(60, 20)
	ivar := onesImage(60, 20)
	gp := GridProjection{Rows: 60, Cols: 20, Row0: 0, Col0: 0}

	req := &Request{
		Image:      img,
		Ivar:       ivar,
		Projection: gp,
		SpecOffset: 2,
		NSpec:      3,
		IWave:      10,
		NWaveStep:  25,
		WavePad:    10,
		BundleSize: 5,
		NDiag:      4,
	}
	res, err := NewSim().SolvePatch(context.Background(), req)
	require.NoError(t, err)

	r, c := res.Flux.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 25, c)
	// Flux at (spec, k) is the image value at row k, column SpecOffset+spec.
	assert.Equal(t, img.At(0, 2), res.Flux.At(0, 0))
	assert.Equal(t, img.At(24, 4), res.Flux.At(2, 24))
	assert.Equal(t, 1.0, res.Ivar.At(1, 7))

	require.Len(t, res.Rdiags, 3)
	br, bc := res.Rdiags[0].Dims()
	assert.Equal(t, 9, br)
	assert.Equal(t, 25, bc)
	// Identity resolution: the central diagonal is one, everything else zero.
	assert.Equal(t, 1.0, res.Rdiags[1].At(4, 12))
	assert.Equal(t, 0.0, res.Rdiags[1].At(3, 12))

	assert.Equal(t, 0.0, res.PixmaskFraction.At(0, 0))
	require.NotNil(t, res.Bounds)
	assert.Equal(t, patch.Span{Start: 0, Stop: 25}, res.Bounds.Row)
	assert.Equal(t, patch.Span{Start: 2, Stop: 5}, res.Bounds.Col)
}

func TestSimMasksOffImageBins(t *testing.T) {
	img := rampImage(20, 10)
	ivar := onesImage(20, 10)
	gp := GridProjection{Rows: 20, Cols: 10, Row0: 0, Col0: 0}

	// The tile runs past the bottom of the detector: rows 10..29 projected
	// onto a 20-row image leave the last ten bins off image.
	req := &Request{
		Image:      img,
		Ivar:       ivar,
		Projection: gp,
		SpecOffset: 0,
		NSpec:      2,
		IWave:      15,
		NWaveStep:  20,
		WavePad:    5,
		BundleSize: 2,
		NDiag:      1,
	}
	res, err := NewSim().SolvePatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.PixmaskFraction.At(0, 9))
	assert.Equal(t, 1.0, res.PixmaskFraction.At(0, 10))
	assert.Equal(t, 0.0, res.Flux.At(0, 10))
}

func TestSimModelCoversPatchBounds(t *testing.T) {
	img := rampImage(30, 10)
	ivar := onesImage(30, 10)
	gp := GridProjection{Rows: 30, Cols: 10, Row0: 0, Col0: 0}

	req := &Request{
		Image:      img,
		Ivar:       ivar,
		Projection: gp,
		SpecOffset: 1,
		NSpec:      2,
		IWave:      5,
		NWaveStep:  10,
		WavePad:    5,
		BundleSize: 3,
		NDiag:      1,
		WantModel:  true,
	}
	res, err := NewSim().SolvePatch(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Model)

	mr, mc := res.Model.Dims()
	assert.Equal(t, res.Bounds.Row.Len(), mr)
	assert.Equal(t, res.Bounds.Col.Len(), mc)
	// The simulation model reproduces the detector values it read.
	assert.Equal(t, img.At(3, 2), res.Model.At(3-res.Bounds.Row.Start, 2-res.Bounds.Col.Start))
}

func TestSimBatchMatchesPerPatch(t *testing.T) {
	img := rampImage(40, 12)
	ivar := onesImage(40, 12)
	gp := GridProjection{Rows: 40, Cols: 12, Row0: 0, Col0: 0}
	ctx := context.Background()
	sim := NewSim()

	reqs := []*Request{
		{Image: img, Ivar: ivar, Projection: gp, SpecOffset: 0, NSpec: 3, IWave: 10, NWaveStep: 15, WavePad: 10, BundleSize: 6, NDiag: 2},
		{Image: img, Ivar: ivar, Projection: gp, SpecOffset: 3, NSpec: 3, IWave: 25, NWaveStep: 15, WavePad: 10, BundleSize: 6, NDiag: 2},
	}

	preps := make([]*Prepared, len(reqs))
	for i, req := range reqs {
		prep, err := sim.Prepare(ctx, req)
		require.NoError(t, err)
		preps[i] = prep
	}
	solved, err := sim.SolveBatch(ctx, preps)
	require.NoError(t, err)
	require.Len(t, solved, 2)

	for i := range reqs {
		batched, err := sim.Finalize(ctx, preps[i], solved[i])
		require.NoError(t, err)
		direct, err := sim.SolvePatch(ctx, reqs[i])
		require.NoError(t, err)
		assert.True(t, mat.Equal(direct.Flux, batched.Flux))
		assert.True(t, mat.Equal(direct.Ivar, batched.Ivar))
	}
}

func TestSimDeviceBinding(t *testing.T) {
	sim := NewSimWithDevices(2)
	assert.Equal(t, 2, sim.DeviceCount())

	require.NoError(t, sim.Bind(0))
	require.NoError(t, sim.Bind(1))
	assert.Error(t, sim.Bind(2))
	assert.Error(t, sim.Bind(-1))

	require.NoError(t, sim.ToHostBatch(context.Background(), []*Result{{}}))
	assert.Error(t, sim.ToHostBatch(context.Background(), []*Result{nil}))
}

func TestSimRejectsUnknownProjection(t *testing.T) {
	_, err := NewSim().Prepare(context.Background(), &Request{Projection: nil})
	require.Error(t, err)
}

func TestGridOpticsDefaults(t *testing.T) {
	o := GridOptics{Rows: 100, Cols: 50, WMin: 3000, WMax: 3100, Diag: 7, SpecMin: 20}

	wmin, wmax := o.WaveBounds()
	assert.Equal(t, 3000.0, wmin)
	assert.Equal(t, 3100.0, wmax)
	assert.Equal(t, 7, o.NDiag())
	assert.Equal(t, 0.01, o.PSFErr())
	assert.Equal(t, 0.05, GridOptics{ModelErr: 0.05}.PSFErr())

	proj, err := o.BundleProjection(45, 25, nil)
	require.NoError(t, err)
	gp, ok := proj.(GridProjection)
	require.True(t, ok)
	assert.Equal(t, 25, gp.Col0)
	assert.Equal(t, 0, gp.Row0)
}
