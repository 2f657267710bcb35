// Package solver defines the contract for the per-patch deconvolution kernel
// consumed by the extraction dispatcher. The kernel itself is an external
// collaborator; this package specifies its inputs and outputs and ships a
// deterministic simulation used by examples and tests.
package solver

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/helios-data/specter/pkg/patch"
)

// Projection is the optics model mapping a patch's spectrum and wavelength
// ranges onto detector pixels. Implementations carry the per-bundle
// pixel-coordinate anchors.
type Projection interface {
	// PatchBounds returns the pixel region a patch projects onto, clipped to
	// the image, or nil when the patch lies entirely off the image.
	PatchBounds(specOffset, nspec, iwave, nwavestep, wavepad int) *patch.Bounds
}

// Request carries one patch's inputs to the solver. Image and Ivar are the
// full detector arrays; the solver has no side effects on them.
type Request struct {
	// Image and Ivar are the detector pixel values and inverse variance.
	Image *mat.Dense
	Ivar  *mat.Dense
	// Projection is the optics model for the owning bundle.
	Projection Projection
	// SpecOffset is the patch's first spectrum, relative to its bundle.
	SpecOffset int
	// NSpec is the number of spectra in the patch.
	NSpec int
	// IWave is the patch's starting index into the padded wavelength grid.
	IWave int
	// NWaveStep is the number of wavelength bins to solve, excluding padding.
	NWaveStep int
	// WavePad is the padding bin count on each end.
	WavePad int
	// BundleSize is the number of spectra in the owning bundle.
	BundleSize int
	// NDiag is the number of resolution diagonals kept on each side.
	NDiag int
	// PSFErr is the assumed fractional model error of the optics.
	PSFErr float64
	// Regularize is the optional regularization strength.
	Regularize float64
	// ClipScale is the optional outlier-clipping scale; zero disables.
	ClipScale float64
	// WantModel requests a dense model image over the patch's pixel bounds.
	WantModel bool
}

// Result is one patch's extraction output. Arrays are NSpec rows by
// NWaveStep columns; padding bins have already been solved and discarded.
// Bounds is nil for a patch entirely off the image; such a result still
// occupies its slot in the bundle arrays. A nil, all-zero, or non-finite
// Model is a valid "no model contribution".
type Result struct {
	Flux            *mat.Dense
	Ivar            *mat.Dense
	Rdiags          []*mat.Dense // one (2*NDiag+1) x NWaveStep band per spectrum
	PixmaskFraction *mat.Dense
	Chi2Pix         *mat.Dense
	Model           *mat.Dense
	Bounds          *patch.Bounds
}

// Solver solves one patch per call.
type Solver interface {
	SolvePatch(ctx context.Context, req *Request) (*Result, error)
}

// Prepared holds a patch's staged sub-arrays between Prepare and SolveBatch.
type Prepared struct {
	Req    *Request
	Pixels *mat.Dense
	Ivar   *mat.Dense
	Bounds *patch.Bounds
}

// Solved holds the raw output of a batched solve, before finalization.
type Solved struct {
	Flux   *mat.Dense
	Ivar   *mat.Dense
	Rdiags []*mat.Dense
}

// BatchSolver amortizes fixed per-call overhead by solving a group of
// patches in one invocation: Prepare stages each patch's sub-arrays,
// SolveBatch runs the whole group, and Finalize turns one batch entry back
// into a per-patch Result.
type BatchSolver interface {
	Solver
	Prepare(ctx context.Context, req *Request) (*Prepared, error)
	SolveBatch(ctx context.Context, batch []*Prepared) ([]*Solved, error)
	Finalize(ctx context.Context, prep *Prepared, sol *Solved) (*Result, error)
}

// DeviceSolver is a BatchSolver whose results live in accelerator memory
// until transferred. The binding is fixed for the process's lifetime.
type DeviceSolver interface {
	BatchSolver
	// DeviceCount reports how many accelerator devices are available.
	DeviceCount() int
	// Bind fixes this process's device.
	Bind(device int) error
	// ToHostBatch transfers a group of results to host memory in bulk
	// array transfers rather than per-patch copies.
	ToHostBatch(ctx context.Context, results []*Result) error
}
