// Package extract implements the divide-and-conquer extraction engine:
// patches are dispatched to workers, solved by an external kernel, and the
// partial results merged back into bundle- and frame-level spectra with
// exact overlap and padding bookkeeping.
package extract

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	specerr "github.com/helios-data/specter/pkg/errors"
	"github.com/helios-data/specter/pkg/patch"
	"github.com/helios-data/specter/pkg/solver"
)

// PatchOutput is one extracted patch awaiting assembly.
type PatchOutput struct {
	Patch  *patch.Resolved
	Result *solver.Result
}

// Bundle is the merged output of all patches covering one fiber bundle.
type Bundle struct {
	// SpecMin is the global index of the bundle's first spectrum.
	SpecMin int
	// Flux, Ivar, PixmaskFraction, Chi2Pix are bundlesize x nwave.
	Flux            *mat.Dense
	Ivar            *mat.Dense
	PixmaskFraction *mat.Dense
	Chi2Pix         *mat.Dense
	// Rdiags holds one (2*ndiag+1) x nwave resolution band per spectrum.
	Rdiags []*mat.Dense
	// Model is the stitched model image over Bounds, or nil when no patch
	// had pixel coverage.
	Model  *mat.Dense
	Bounds *patch.Bounds
}

// AssembleBundle merges the full set of patch results for one bundle,
// already gathered to one process. The dense arrays are tiled from each
// patch's kept wavelength range at its declared bundle-relative slices; the
// kept regions are disjoint by construction, so writes never overlap. The
// model image is accumulated additively because padded patches overlap in
// pixel space. Assembly is insensitive to the order of results.
func AssembleBundle(specmin int, results []PatchOutput) (*Bundle, error) {
	if len(results) == 0 {
		return nil, specerr.NewError("ASSEMBLE_EMPTY",
			fmt.Sprintf("bundle %d has no patch results", specmin), specerr.ErrEmptyBundle)
	}

	first := results[0].Patch
	nwave := first.NWave
	bundlesize := first.BundleSize
	band := first.NDiagBand()

	b := &Bundle{
		SpecMin:         specmin,
		Flux:            mat.NewDense(bundlesize, nwave, nil),
		Ivar:            mat.NewDense(bundlesize, nwave, nil),
		PixmaskFraction: mat.NewDense(bundlesize, nwave, nil),
		Chi2Pix:         mat.NewDense(bundlesize, nwave, nil),
		Rdiags:          make([]*mat.Dense, bundlesize),
	}
	for i := range b.Rdiags {
		b.Rdiags[i] = mat.NewDense(band, nwave, nil)
	}

	// union pixel extent of all patches with coverage
	for _, r := range results {
		if r.Patch.Bounds == nil {
			continue
		}
		if b.Bounds == nil {
			box := *r.Patch.Bounds
			b.Bounds = &box
		} else {
			box := b.Bounds.Union(*r.Patch.Bounds)
			b.Bounds = &box
		}
	}
	if b.Bounds != nil {
		b.Model = mat.NewDense(b.Bounds.Row.Len(), b.Bounds.Col.Len(), nil)
	}

	for _, r := range results {
		p, res := r.Patch, r.Result
		spec := p.SpecSlice()
		wave := p.WaveSlice()
		keep := p.KeepSlice()
		if err := checkShape(p, res); err != nil {
			return nil, err
		}

		copyRegion(b.Flux, res.Flux, spec, wave, keep)
		copyRegion(b.Ivar, res.Ivar, spec, wave, keep)
		copyRegion(b.PixmaskFraction, res.PixmaskFraction, spec, wave, keep)
		copyRegion(b.Chi2Pix, res.Chi2Pix, spec, wave, keep)
		for i := 0; i < p.NSpecPerPatch; i++ {
			dst := b.Rdiags[spec.Start+i].Slice(0, band, wave.Start, wave.Stop).(*mat.Dense)
			dst.Copy(res.Rdiags[i].Slice(0, band, keep.Start, keep.Stop))
		}

		// an off-image patch keeps its slot in the dense arrays but has no
		// pixels to model
		if p.Bounds == nil || !usableModel(res.Model) {
			continue
		}
		rowOff := p.Bounds.Row.Start - b.Bounds.Row.Start
		colOff := p.Bounds.Col.Start - b.Bounds.Col.Start
		mr, mc := res.Model.Dims()
		dst := b.Model.Slice(rowOff, rowOff+mr, colOff, colOff+mc).(*mat.Dense)
		dst.Add(dst, res.Model)
	}

	return b, nil
}

func copyRegion(dst, src *mat.Dense, spec, wave, keep patch.Span) {
	out := dst.Slice(spec.Start, spec.Stop, wave.Start, wave.Stop).(*mat.Dense)
	out.Copy(src.Slice(0, spec.Len(), keep.Start, keep.Stop))
}

func checkShape(p *patch.Resolved, res *solver.Result) error {
	r, c := res.Flux.Dims()
	if r != p.NSpecPerPatch || c < p.KeepSlice().Len() {
		return specerr.NewError("ASSEMBLE_SHAPE",
			fmt.Sprintf("patch at spec %d wave %d: result is %dx%d, want %d spectra and at least %d bins",
				p.ISpec, p.IWave, r, c, p.NSpecPerPatch, p.KeepSlice().Len()),
			specerr.ErrShapeMismatch)
	}
	if len(res.Rdiags) != p.NSpecPerPatch {
		return specerr.NewError("ASSEMBLE_SHAPE",
			fmt.Sprintf("patch at spec %d wave %d: %d resolution bands for %d spectra",
				p.ISpec, p.IWave, len(res.Rdiags), p.NSpecPerPatch),
			specerr.ErrShapeMismatch)
	}
	return nil
}

// usableModel reports whether a patch model may be accumulated: present, not
// entirely zero, and finite everywhere. A corrupt per-patch model must not
// corrupt the shared image.
func usableModel(m *mat.Dense) bool {
	if m == nil {
		return false
	}
	r, c := m.Dims()
	any := false
	for i := 0; i < r; i++ {
		for _, v := range m.RawRowView(i)[:c] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
			if v != 0 {
				any = true
			}
		}
	}
	return any
}
