package extract

import (
	"fmt"
	"math"

	specerr "github.com/helios-data/specter/pkg/errors"
)

// WaveRange is a wavelength extraction range: wmin to wmax inclusive with
// uniform bin width dw.
type WaveRange struct {
	WMin, WMax, DW float64
}

// ParseWaveRange parses the "wmin,wmax,dw" triple used on the command line.
func ParseWaveRange(s string) (WaveRange, error) {
	var r WaveRange
	if _, err := fmt.Sscanf(s, "%f,%f,%f", &r.WMin, &r.WMax, &r.DW); err != nil {
		return r, specerr.NewError("WAVE_PARSE",
			fmt.Sprintf("wavelength range %q is not wmin,wmax,dw", s),
			specerr.ErrBadWavelengthRange)
	}
	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}

// Validate checks the range is ascending with a positive bin width.
func (r WaveRange) Validate() error {
	if r.DW <= 0 || r.WMax < r.WMin {
		return specerr.NewError("WAVE_RANGE",
			fmt.Sprintf("wavelength range %g,%g,%g must ascend with positive bin width", r.WMin, r.WMax, r.DW),
			specerr.ErrBadWavelengthRange)
	}
	return nil
}

// Grid holds the wavelength grids a frame extraction works over: the target
// grid and the padded grid that carries wavepad buffer bins on each end plus
// one extra nwavestep block so a final partial tile has full coverage.
type Grid struct {
	Wave     []float64
	FullWave []float64
	WavePad  int
}

// NewGrid builds the extraction grids for a range.
func NewGrid(r WaveRange, wavepad, nwavestep int) (*Grid, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var wave []float64
	for w := r.WMin; w <= r.WMax+0.5*r.DW; w += r.DW {
		wave = append(wave, w)
	}

	full := make([]float64, 0, len(wave)+2*wavepad+nwavestep)
	for i := wavepad; i > 0; i-- {
		full = append(full, r.WMin-float64(i)*r.DW)
	}
	full = append(full, wave...)
	last := wave[len(wave)-1]
	for i := 1; i <= wavepad+nwavestep; i++ {
		full = append(full, last+float64(i)*r.DW)
	}
	if !uniform(full, r.DW) {
		return nil, specerr.NewError("WAVE_GRID",
			fmt.Sprintf("padded grid spacing is not uniformly %g", r.DW),
			specerr.ErrBadWavelengthRange)
	}
	return &Grid{Wave: wave, FullWave: full, WavePad: wavepad}, nil
}

// NWave is the number of target wavelength bins.
func (g *Grid) NWave() int { return len(g.Wave) }

// BinWidths is the local wavelength bin width at each target bin, the
// discrete gradient of the grid. Used to convert photons-per-bin flux to
// flux density per wavelength.
func (g *Grid) BinWidths() []float64 {
	n := len(g.Wave)
	d := make([]float64, n)
	if n == 1 {
		d[0] = 1
		return d
	}
	d[0] = g.Wave[1] - g.Wave[0]
	for i := 1; i < n-1; i++ {
		d[i] = (g.Wave[i+1] - g.Wave[i-1]) / 2
	}
	d[n-1] = g.Wave[n-1] - g.Wave[n-2]
	return d
}

// uniform reports whether consecutive grid spacings agree to tolerance.
func uniform(w []float64, dw float64) bool {
	for i := 1; i < len(w); i++ {
		if math.Abs((w[i]-w[i-1])-dw) > 1e-8*math.Max(1, math.Abs(dw)) {
			return false
		}
	}
	return true
}
