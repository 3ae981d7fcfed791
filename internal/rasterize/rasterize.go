// Package rasterize turns an input PDF into page rasters at a resolution
// chosen per page from its physical size.
package rasterize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	fitz "github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/filetype"
)

// ErrUnreadable marks inputs that cannot be opened or have no pages.
var ErrUnreadable = errors.New("unreadable PDF")

// Options controls the adaptive resolution.
type Options struct {
	TargetDPI float64
	MinDPI    float64
	MaxDPI    float64
	// TargetLongSidePx, when positive, picks the DPI that renders the
	// page's longest side at about this many pixels.
	TargetLongSidePx int
}

// DefaultOptions renders A4 at 300 DPI.
func DefaultOptions() Options {
	return Options{TargetDPI: 300, MinDPI: 150, MaxDPI: 400, TargetLongSidePx: 3508}
}

// ChooseDPI picks the render resolution for a page of the given size in points.
func ChooseDPI(widthPt, heightPt float64, o Options) float64 {
	dpi := o.TargetDPI
	long := math.Max(widthPt, heightPt)
	if o.TargetLongSidePx > 0 && long > 0 {
		dpi = float64(o.TargetLongSidePx) / (long / 72)
	}
	if o.MinDPI > 0 && dpi < o.MinDPI {
		dpi = o.MinDPI
	}
	if o.MaxDPI > 0 && dpi > o.MaxDPI {
		dpi = o.MaxDPI
	}
	return math.Round(dpi)
}

// Rasterizer opens PDFs from any supported source.
type Rasterizer struct {
	opts     Options
	fetch    Fetcher
	http     *http.Client
	detector *filetype.Detector
}

// New creates a Rasterizer. fetch may be nil when s3:// inputs are not used.
func New(opts Options, fetch Fetcher, hc *http.Client) *Rasterizer {
	return &Rasterizer{opts: opts, fetch: fetch, http: hc, detector: filetype.New()}
}

// Doc is an opened PDF. Pages are rendered on demand so that only the pages
// currently in flight hold raster buffers.
type Doc struct {
	mu      sync.Mutex
	fz      *fitz.Document
	cleanup func()
	opts    Options
	pages   int
	label   string
}

// Open materializes src, checks it is a PDF and resolves its page count.
func (r *Rasterizer) Open(ctx context.Context, src Source) (*Doc, error) {
	path, cleanup, err := materialize(ctx, src, r.fetch, r.http)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	info, err := r.detector.Detect(path)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if !info.Supported {
		cleanup()
		return nil, fmt.Errorf("%w: %v (%s)", ErrUnreadable, filetype.ErrNotPDF, info.MIMEType)
	}

	fz, err := fitz.New(path)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: open: %v", ErrUnreadable, err)
	}
	n := fz.NumPage()

	switch cpuCount, err := api.PageCountFile(path); {
	case err != nil:
		log.Warn().Err(err).Str("source", src.Label()).Int("mupdf_pages", n).Msg("pdfcpu could not parse file, using MuPDF page count")
	case cpuCount != n:
		fz.Close()
		cleanup()
		return nil, fmt.Errorf("%w: page count disagreement (pdfcpu=%d mupdf=%d)", ErrUnreadable, cpuCount, n)
	}
	if n < 1 {
		fz.Close()
		cleanup()
		return nil, fmt.Errorf("%w: no pages", ErrUnreadable)
	}

	log.Debug().Str("source", src.Label()).Int("pages", n).Msg("opened pdf")
	return &Doc{fz: fz, cleanup: cleanup, opts: r.opts, pages: n, label: src.Label()}, nil
}

// PageCount is the number of pages in the PDF.
func (d *Doc) PageCount() int { return d.pages }

// Render rasterizes the zero-based page index.
func (d *Doc) Render(ctx context.Context, index int) (*document.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if index < 0 || index >= d.pages {
		return nil, fmt.Errorf("page %d out of range [0,%d)", index, d.pages)
	}
	start := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fz == nil {
		return nil, errors.New("document closed")
	}
	bound, err := d.fz.Bound(index)
	if err != nil {
		return nil, fmt.Errorf("bound page %d: %w", index+1, err)
	}
	dpi := ChooseDPI(float64(bound.Dx()), float64(bound.Dy()), d.opts)
	img, err := d.fz.ImageDPI(index, dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", index+1, err)
	}
	log.Debug().
		Str("source", d.label).
		Int("page", index+1).
		Float64("dpi", dpi).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("rendered page")
	return document.NewPage(index, img, dpi), nil
}

// Close releases MuPDF resources and removes temp files.
func (d *Doc) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.fz != nil {
		err = d.fz.Close()
		d.fz = nil
	}
	if d.cleanup != nil {
		d.cleanup()
		d.cleanup = nil
	}
	return err
}

// Count returns the page count of src without rendering.
func (r *Rasterizer) Count(ctx context.Context, src Source) (int, error) {
	d, err := r.Open(ctx, src)
	if err != nil {
		return 0, err
	}
	defer d.Close()
	return d.PageCount(), nil
}
