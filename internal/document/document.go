// Package document holds the in-memory model a single pipeline run works on:
// the document, its logical pages, the tiles cut from them and the OCR
// artifacts produced at the end.
package document

import (
	"fmt"
	"image"
	"time"
)

// Flags are the assessor's judgment about a page.
type Flags struct {
	Distorted         bool    `json:"distorted"`
	LowRes            bool    `json:"low_resolution"`
	Rotated           bool    `json:"rotated"`
	AngleEstimate     float64 `json:"rotation_angle"`
	MultiPage         bool    `json:"multi_page"`
	PageCountEstimate int     `json:"page_count"`
	Confidence        float64 `json:"confidence"`
	// Corners are optional normalized corner estimates (TL, TR, BR, BL).
	Corners *Quad `json:"corners,omitempty"`
}

// Point is a 2D coordinate. Depending on context it is in pixels or normalized.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Quad is four corners in order top-left, top-right, bottom-right, bottom-left.
type Quad [4]Point

// Page annotations surfaced to downstream consumers.
const (
	NoteUnassessed        = "unassessed"
	NoteSplitFailed       = "split-failed"
	NoteUpscaleCapped     = "upscale-capped"
	NoteRotationCapped    = "rotation-capped"
	NotePageCountDoubtful = "page-count-implausible"
)

// Failure records a recoverable stage failure scoped to one page.
type Failure struct {
	Stage string    `json:"stage"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Page is one logical page. Its history is owned by the task processing it.
type Page struct {
	// Index is the zero-based page number in the source PDF.
	Index int
	// Sub is the position within a split sheet, 0 when the page was not split.
	Sub int
	// Split reports whether the page came out of the splitter.
	Split bool

	Image image.Image
	DPI   float64

	Flags    Flags
	Assessed bool

	Annotations []string
	Failures    []Failure

	history []Correction
}

// NewPage wraps a rendered raster.
func NewPage(index int, img image.Image, dpi float64) *Page {
	return &Page{Index: index, Image: img, DPI: dpi}
}

// Label is the human page reference used in logs and text markers.
func (p *Page) Label() string {
	if p.Split {
		return fmt.Sprintf("%d.%d", p.Index+1, p.Sub+1)
	}
	return fmt.Sprintf("%d", p.Index+1)
}

func (p *Page) Width() int {
	if p.Image == nil {
		return 0
	}
	return p.Image.Bounds().Dx()
}

func (p *Page) Height() int {
	if p.Image == nil {
		return 0
	}
	return p.Image.Bounds().Dy()
}

// Annotate adds a note once.
func (p *Page) Annotate(note string) {
	for _, n := range p.Annotations {
		if n == note {
			return
		}
	}
	p.Annotations = append(p.Annotations, note)
}

// HasNote reports whether note was recorded on the page.
func (p *Page) HasNote(note string) bool {
	for _, n := range p.Annotations {
		if n == note {
			return true
		}
	}
	return false
}

// Fail records a recoverable failure for stage.
func (p *Page) Fail(stage string, err error) {
	p.Failures = append(p.Failures, Failure{Stage: stage, Error: err.Error(), At: time.Now().UTC()})
}

// Failed reports whether stage failed on this page.
func (p *Page) Failed(stage string) bool {
	for _, f := range p.Failures {
		if f.Stage == stage {
			return true
		}
	}
	return false
}

// Release drops the raster so the buffer can be collected.
func (p *Page) Release() { p.Image = nil }

// Document is one input PDF for the duration of a run.
type Document struct {
	ID        string
	Source    string
	PageCount int
	// Pages are in arena order: source page, then sub-page.
	Pages []*Page
}
