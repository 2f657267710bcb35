package solver

// GridOptics is the optics model paired with the simulation solver: every
// bundle projects onto a rectilinear pixel grid, spectrum index to column and
// wavelength bin to row. It satisfies the extraction pipeline's Optics
// contract without a real point-spread-function fit.
type GridOptics struct {
	// Rows, Cols is the detector extent.
	Rows, Cols int
	// WMin, WMax is the wavelength coverage.
	WMin, WMax float64
	// Diag is the resolution diagonal count on each side.
	Diag int
	// ModelErr is the default fractional model error.
	ModelErr float64
	// SpecMin is the global spectrum index mapped to detector column 0.
	SpecMin int
}

func (o GridOptics) BundleProjection(specmin, bundlesize int, fullwave []float64) (Projection, error) {
	return GridProjection{
		Rows: o.Rows,
		Cols: o.Cols,
		Row0: 0,
		Col0: specmin - o.SpecMin,
	}, nil
}

func (o GridOptics) WaveBounds() (wmin, wmax float64) { return o.WMin, o.WMax }

func (o GridOptics) NDiag() int { return o.Diag }

func (o GridOptics) PSFErr() float64 {
	if o.ModelErr > 0 {
		return o.ModelErr
	}
	return 0.01
}
