// Package storage persists extraction inputs and outputs: a JSON document
// codec for detector images and extracted frames, a blob-storage client for
// sharing them between pipeline stages, and a frame store tying the two
// together.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/helios-data/specter/pkg/extract"
	"github.com/helios-data/specter/pkg/solver"
)

// ArrayDoc is the JSON form of a dense matrix, row-major.
type ArrayDoc struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

func toDoc(m *mat.Dense) ArrayDoc {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, m.RawRowView(i)...)
	}
	return ArrayDoc{Rows: r, Cols: c, Data: data}
}

func (d ArrayDoc) matrix() (*mat.Dense, error) {
	if len(d.Data) != d.Rows*d.Cols {
		return nil, fmt.Errorf("array document has %d values for %dx%d", len(d.Data), d.Rows, d.Cols)
	}
	return mat.NewDense(d.Rows, d.Cols, d.Data), nil
}

// ImageDoc is the on-disk form of a detector exposure: pixel values and
// their inverse variance.
type ImageDoc struct {
	Image ImageMeta `json:"_meta"`
	Pix   ArrayDoc  `json:"pix"`
	Ivar  ArrayDoc  `json:"ivar"`
}

// ImageMeta identifies the exposure an image document came from.
type ImageMeta struct {
	Camera   string `json:"camera,omitempty"`
	Exposure int    `json:"exposure,omitempty"`
}

// ReadImage loads an image document from a local file.
func ReadImage(path string) (pix, ivar *mat.Dense, meta ImageMeta, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, meta, fmt.Errorf("read image %s: %w", path, err)
	}
	var doc ImageDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, meta, fmt.Errorf("decode image %s: %w", path, err)
	}
	pix, err = doc.Pix.matrix()
	if err != nil {
		return nil, nil, meta, err
	}
	ivar, err = doc.Ivar.matrix()
	if err != nil {
		return nil, nil, meta, err
	}
	return pix, ivar, doc.Image, nil
}

// WriteImage stores an image document to a local file.
func WriteImage(path string, pix, ivar *mat.Dense, meta ImageMeta) error {
	doc := ImageDoc{Image: meta, Pix: toDoc(pix), Ivar: toDoc(ivar)}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}

// FrameDoc is the versioned document form of an extracted frame.
type FrameDoc struct {
	Version         int        `json:"version"`
	RunID           string     `json:"run_id"`
	CreatedAt       time.Time  `json:"created_at"`
	Wave            []float64  `json:"wave"`
	Flux            ArrayDoc   `json:"flux"`
	Ivar            ArrayDoc   `json:"ivar"`
	Mask            ArrayDoc   `json:"mask"`
	Rdiags          []ArrayDoc `json:"rdiags"`
	PixmaskFraction ArrayDoc   `json:"pixmask_fraction"`
	Chi2Pix         ArrayDoc   `json:"chi2pix"`
	Model           *ArrayDoc  `json:"model,omitempty"`
}

// frameDocVersion guards against decoding documents written by an
// incompatible release.
const frameDocVersion = 1

// EncodeFrame serializes a frame into its document form.
func EncodeFrame(runID string, f *extract.Frame) ([]byte, error) {
	doc := FrameDoc{
		Version:         frameDocVersion,
		RunID:           runID,
		CreatedAt:       time.Now().UTC(),
		Wave:            f.Wave,
		Flux:            toDoc(f.Flux),
		Ivar:            toDoc(f.Ivar),
		Mask:            toDoc(f.Mask),
		PixmaskFraction: toDoc(f.PixmaskFraction),
		Chi2Pix:         toDoc(f.Chi2Pix),
	}
	for _, rd := range f.Rdiags {
		doc.Rdiags = append(doc.Rdiags, toDoc(rd))
	}
	if f.Model != nil {
		md := toDoc(f.Model)
		doc.Model = &md
	}
	return json.Marshal(doc)
}

// DecodeFrame deserializes a frame document.
func DecodeFrame(raw []byte) (*extract.Frame, string, error) {
	var doc FrameDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("decode frame document: %w", err)
	}
	if doc.Version != frameDocVersion {
		return nil, "", fmt.Errorf("unsupported frame document version %d", doc.Version)
	}
	f := &extract.Frame{Wave: doc.Wave}
	var err error
	if f.Flux, err = doc.Flux.matrix(); err != nil {
		return nil, "", err
	}
	if f.Ivar, err = doc.Ivar.matrix(); err != nil {
		return nil, "", err
	}
	if f.Mask, err = doc.Mask.matrix(); err != nil {
		return nil, "", err
	}
	if f.PixmaskFraction, err = doc.PixmaskFraction.matrix(); err != nil {
		return nil, "", err
	}
	if f.Chi2Pix, err = doc.Chi2Pix.matrix(); err != nil {
		return nil, "", err
	}
	for _, rd := range doc.Rdiags {
		m, err := rd.matrix()
		if err != nil {
			return nil, "", err
		}
		f.Rdiags = append(f.Rdiags, m)
	}
	if doc.Model != nil {
		if f.Model, err = doc.Model.matrix(); err != nil {
			return nil, "", err
		}
	}
	return f, doc.RunID, nil
}

// PSFDoc is the on-disk form of a grid point-spread model.
type PSFDoc struct {
	Rows     int     `json:"rows"`
	Cols     int     `json:"cols"`
	WMin     float64 `json:"wmin"`
	WMax     float64 `json:"wmax"`
	NDiag    int     `json:"ndiag"`
	ModelErr float64 `json:"modelerr,omitempty"`
	SpecMin  int     `json:"specmin,omitempty"`
}

// ReadPSF loads a grid optics model from a local file.
func ReadPSF(path string) (*solver.GridOptics, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read psf %s: %w", path, err)
	}
	var doc PSFDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode psf %s: %w", path, err)
	}
	if doc.Rows <= 0 || doc.Cols <= 0 || doc.WMax <= doc.WMin {
		return nil, fmt.Errorf("psf %s: invalid extent", path)
	}
	return &solver.GridOptics{
		Rows:     doc.Rows,
		Cols:     doc.Cols,
		WMin:     doc.WMin,
		WMax:     doc.WMax,
		Diag:     doc.NDiag,
		ModelErr: doc.ModelErr,
		SpecMin:  doc.SpecMin,
	}, nil
}
