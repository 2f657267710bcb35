// Package patch defines the descriptors for divide-and-conquer extraction
// patches and the partitioner that tiles a fiber bundle into them.
//
// A patch is the smallest unit of extraction work: a sub-bundle spectrum
// range crossed with a wavelength tile, extracted independently and stitched
// back into bundle-level arrays afterwards. Descriptors are two-phase: a
// Planned patch is produced by the partitioner before extraction and is
// immutable; a Resolved patch pairs it with the pixel-space bounding box the
// dispatcher learns from the solver.
package patch

// Span is a half-open index interval [Start, Stop).
type Span struct {
	Start int `json:"start"`
	Stop  int `json:"stop"`
}

// Len returns the number of indices covered by the span.
func (s Span) Len() int {
	return s.Stop - s.Start
}

// Bounds is a pixel-space bounding box in the detector image, rows then
// columns, both half-open.
type Bounds struct {
	Row Span `json:"row"`
	Col Span `json:"col"`
}

// Union returns the smallest bounds covering both b and o.
func (b Bounds) Union(o Bounds) Bounds {
	return Bounds{
		Row: Span{Start: min(b.Row.Start, o.Row.Start), Stop: max(b.Row.Stop, o.Row.Stop)},
		Col: Span{Start: min(b.Col.Start, o.Col.Start), Stop: max(b.Col.Stop, o.Col.Stop)},
	}
}

// Planned describes one patch's position and slicing metadata in every
// coordinate system it touches. All fields are fixed at partition time.
type Planned struct {
	// ISpec is the starting spectrum index (global).
	ISpec int `json:"ispec"`
	// IWave is the starting wavelength index into the padded wavelength grid.
	IWave int `json:"iwave"`
	// BSpecMin is the starting spectrum index of the bundle this patch
	// belongs to; ISpec-BSpecMin is the bundle-relative spectrum offset.
	BSpecMin int `json:"bspecmin"`
	// NSpecPerPatch is the number of spectra to extract, excluding padding.
	NSpecPerPatch int `json:"nspec_per_patch"`
	// NWaveStep is the number of wavelength bins to extract, excluding padding.
	NWaveStep int `json:"nwavestep"`
	// WavePad is the number of extra wavelength bins extracted and discarded
	// on each end of the patch.
	WavePad int `json:"wavepad"`
	// NWave is the total number of wavelength bins in the parent bundle.
	NWave int `json:"nwave"`
	// BundleSize is the number of spectra per bundle.
	BundleSize int `json:"bundlesize"`
	// NDiag is the number of resolution-matrix diagonals kept on each side
	// of the main diagonal.
	NDiag int `json:"ndiag"`
}

// NewPlanned derives the slice metadata for a patch at (ispec, iwave).
func NewPlanned(ispec, iwave, bspecmin, nspecPerPatch, nwavestep, wavepad, nwave, bundlesize, ndiag int) *Planned {
	return &Planned{
		ISpec:         ispec,
		IWave:         iwave,
		BSpecMin:      bspecmin,
		NSpecPerPatch: nspecPerPatch,
		NWaveStep:     nwavestep,
		WavePad:       wavepad,
		NWave:         nwave,
		BundleSize:    bundlesize,
		NDiag:         ndiag,
	}
}

// SpecSlice is where this patch's spectra land in the bundle output arrays.
// Indexing is relative to the bundle, not the frame.
func (p *Planned) SpecSlice() Span {
	start := p.ISpec - p.BSpecMin
	return Span{Start: start, Stop: start + p.NSpecPerPatch}
}

// WaveSlice is where this patch's kept wavelength bins land in the bundle
// output arrays.
func (p *Planned) WaveSlice() Span {
	start := p.IWave - p.WavePad
	keep := p.KeepSlice()
	return Span{Start: start, Stop: start + keep.Len()}
}

// KeepSlice is the sub-range of the patch's own padded output to keep. The
// final patch in a bundle is narrower when NWave is not an exact multiple of
// NWaveStep.
func (p *Planned) KeepSlice() Span {
	nkeep := min(p.NWaveStep, p.NWave-(p.IWave-p.WavePad))
	return Span{Start: 0, Stop: nkeep}
}

// NDiagBand is the width of the stored resolution diagonal band.
func (p *Planned) NDiagBand() int {
	return 2*p.NDiag + 1
}

// Resolved pairs a planned patch with the pixel region it occupies in the
// original image. Bounds is nil when the patch lies entirely off the image;
// such a patch still occupies its slot in the bundle's dense arrays but
// contributes nothing to the model image.
type Resolved struct {
	*Planned
	Bounds *Bounds `json:"bounds,omitempty"`
}

// Resolve fixes the pixel bounding box onto a planned patch.
func (p *Planned) Resolve(b *Bounds) *Resolved {
	return &Resolved{Planned: p, Bounds: b}
}
