package extract

import (
	"context"
	"encoding/binary"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/helios-data/specter/pkg/comm"
	"github.com/helios-data/specter/pkg/patch"
	"github.com/helios-data/specter/pkg/solver"
)

// denseWire is the JSON envelope for a dense matrix in structured gathers.
// A nil envelope stands for an absent matrix.
type denseWire struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

func toWire(m *mat.Dense) *denseWire {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, m.RawRowView(i)...)
	}
	return &denseWire{Rows: r, Cols: c, Data: data}
}

func fromWire(w *denseWire) *mat.Dense {
	if w == nil {
		return nil
	}
	return mat.NewDense(w.Rows, w.Cols, w.Data)
}

// resultWire carries one (patch, result) pair through the structured gather
// used by the per-patch dispatch mode.
type resultWire struct {
	Patch   *patch.Resolved `json:"patch"`
	Flux    *denseWire      `json:"flux"`
	Ivar    *denseWire      `json:"ivar"`
	Rdiags  []*denseWire    `json:"rdiags"`
	Pixmask *denseWire      `json:"pixmask_fraction"`
	Chi2    *denseWire      `json:"chi2pix"`
	Model   *denseWire      `json:"model,omitempty"`
}

func encodeResult(p *patch.Resolved, res *solver.Result) resultWire {
	w := resultWire{
		Patch:   p,
		Flux:    toWire(res.Flux),
		Ivar:    toWire(res.Ivar),
		Pixmask: toWire(res.PixmaskFraction),
		Chi2:    toWire(res.Chi2Pix),
		Model:   toWire(res.Model),
	}
	for _, rd := range res.Rdiags {
		w.Rdiags = append(w.Rdiags, toWire(rd))
	}
	return w
}

func decodeResult(w resultWire) (*patch.Resolved, *solver.Result) {
	res := &solver.Result{
		Flux:            fromWire(w.Flux),
		Ivar:            fromWire(w.Ivar),
		PixmaskFraction: fromWire(w.Pixmask),
		Chi2Pix:         fromWire(w.Chi2),
		Model:           fromWire(w.Model),
		Bounds:          w.Patch.Bounds,
	}
	for _, rd := range w.Rdiags {
		res.Rdiags = append(res.Rdiags, fromWire(rd))
	}
	return w.Patch, res
}

// flattenDense appends a matrix's values in row-major order; used by the
// bulk-array gather path.
func flattenDense(dst []float64, m *mat.Dense) []float64 {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		dst = append(dst, m.RawRowView(i)...)
	}
	return dst
}

// BcastDense broadcasts a matrix from root as one binary frame: two
// little-endian uint32 dimensions followed by the raw float64 data.
func BcastDense(ctx context.Context, c comm.Communicator, root int, m *mat.Dense) (*mat.Dense, error) {
	var payload []byte
	if c.Rank() == root {
		if m == nil {
			return nil, fmt.Errorf("broadcast of a nil matrix from root")
		}
		r, cols := m.Dims()
		data := make([]float64, 0, r*cols)
		data = flattenDense(data, m)
		payload = make([]byte, 8, 8+8*len(data))
		binary.LittleEndian.PutUint32(payload[0:], uint32(r))
		binary.LittleEndian.PutUint32(payload[4:], uint32(cols))
		payload = append(payload, comm.EncodeFloat64(data)...)
	}
	payload, err := c.Bcast(ctx, root, payload)
	if err != nil {
		return nil, err
	}
	if len(payload) < 8 {
		return nil, fmt.Errorf("dense broadcast frame too short: %d bytes", len(payload))
	}
	rows := int(binary.LittleEndian.Uint32(payload[0:]))
	cols := int(binary.LittleEndian.Uint32(payload[4:]))
	data, err := comm.DecodeFloat64(payload[8:])
	if err != nil {
		return nil, err
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("dense broadcast frame has %d values for %dx%d", len(data), rows, cols)
	}
	return mat.NewDense(rows, cols, data), nil
}
