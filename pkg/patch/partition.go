package patch

import (
	"fmt"

	specerr "github.com/helios-data/specter/pkg/errors"
)

// PartitionParams configures the tiling of one bundle into patches.
type PartitionParams struct {
	// BSpecMin is the global index of the first spectrum in the bundle.
	BSpecMin int
	// BundleSize is the number of spectra in the bundle.
	BundleSize int
	// NSubBundles is the number of spectrum groups to split the bundle into.
	// BundleSize must be evenly divisible by NSubBundles.
	NSubBundles int
	// NWave is the number of wavelength bins to extract, excluding padding.
	NWave int
	// NWaveStep is the number of wavelength bins per patch.
	NWaveStep int
	// WavePad is the number of padding bins on each end of a patch.
	WavePad int
	// NDiag is the number of resolution diagonals kept on each side.
	NDiag int
}

// Partition tiles a bundle into patches: NSubBundles equal spectrum groups,
// each tiled with consecutive NWaveStep-wide wavelength windows starting at
// WavePad until the padded range is exhausted. The outer index is the
// sub-bundle, the inner index the wavelength tile. Patch order is fixed and
// reproducible for identical inputs; downstream reassembly relies on it.
func Partition(p PartitionParams) ([][]*Planned, error) {
	if p.NSubBundles <= 0 || p.BundleSize%p.NSubBundles != 0 {
		return nil, specerr.NewError("PARTITION_SUBBUNDLES",
			fmt.Sprintf("bundle size %d is not divisible by sub-bundle count %d", p.BundleSize, p.NSubBundles),
			specerr.ErrNotDivisible)
	}
	if p.NWave <= 0 || p.NWaveStep <= 0 {
		return nil, specerr.NewError("PARTITION_WAVE",
			fmt.Sprintf("wavelength counts must be positive: nwave=%d nwavestep=%d", p.NWave, p.NWaveStep),
			specerr.ErrBadWavelengthRange)
	}

	nspecPerPatch := p.BundleSize / p.NSubBundles
	subbundles := make([][]*Planned, 0, p.NSubBundles)
	for ispec := p.BSpecMin; ispec < p.BSpecMin+p.BundleSize; ispec += nspecPerPatch {
		patches := make([]*Planned, 0, (p.NWave+p.NWaveStep-1)/p.NWaveStep)
		for iwave := p.WavePad; iwave < p.WavePad+p.NWave; iwave += p.NWaveStep {
			patches = append(patches, NewPlanned(
				ispec, iwave, p.BSpecMin,
				nspecPerPatch, p.NWaveStep, p.WavePad,
				p.NWave, p.BundleSize, p.NDiag,
			))
		}
		subbundles = append(subbundles, patches)
	}
	return subbundles, nil
}

// Flatten collapses the sub-bundle/tile structure into a single ordered list,
// preserving partition order.
func Flatten(subbundles [][]*Planned) []*Planned {
	var out []*Planned
	for _, sb := range subbundles {
		out = append(out, sb...)
	}
	return out
}
