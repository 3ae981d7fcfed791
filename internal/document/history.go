package document

import (
	"image"
	"math"
	"time"
)

// CorrectionKind names a geometric transform applied to a page.
type CorrectionKind string

const (
	CorrectUpscale     CorrectionKind = "upscale"
	CorrectPerspective CorrectionKind = "perspective"
	CorrectRotation    CorrectionKind = "rotation"
	CorrectSplit       CorrectionKind = "split"
)

// Correction is one entry of a page's audit trail.
type Correction struct {
	Kind   CorrectionKind `json:"kind"`
	Param  float64        `json:"param"`
	Detail string         `json:"detail,omitempty"`
	Before image.Point    `json:"before"`
	After  image.Point    `json:"after"`
	At     time.Time      `json:"at"`
}

// Same reports whether c and o describe the same transform.
func (c Correction) Same(o Correction) bool {
	return c.Kind == o.Kind && math.Abs(c.Param-o.Param) < 1e-9
}

// History returns a copy of the applied corrections in order.
func (p *Page) History() []Correction {
	out := make([]Correction, len(p.history))
	copy(out, p.history)
	return out
}

// Applied reports whether an identical correction is already in the history.
func (p *Page) Applied(c Correction) bool {
	for _, h := range p.history {
		if h.Same(c) {
			return true
		}
	}
	return false
}

// AppliedKind reports whether any correction of kind was recorded.
func (p *Page) AppliedKind(kind CorrectionKind) bool {
	for _, h := range p.history {
		if h.Kind == kind {
			return true
		}
	}
	return false
}

// Apply swaps in the corrected raster and appends c to the history.
// It returns false and changes nothing when c was already applied.
func (p *Page) Apply(c Correction, img image.Image) bool {
	if p.Applied(c) {
		return false
	}
	if p.Image != nil {
		c.Before = image.Pt(p.Width(), p.Height())
	}
	p.Image = img
	c.After = image.Pt(p.Width(), p.Height())
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	p.history = append(p.history, c)
	return true
}

// Derive creates a sub-page that inherits the parent's flags and history.
func (p *Page) Derive(sub int, img image.Image, c Correction) *Page {
	child := &Page{
		Index:       p.Index,
		Sub:         sub,
		Split:       true,
		DPI:         p.DPI,
		Flags:       p.Flags,
		Assessed:    p.Assessed,
		Annotations: append([]string(nil), p.Annotations...),
		Failures:    append([]Failure(nil), p.Failures...),
		history:     append([]Correction(nil), p.history...),
	}
	child.Flags.MultiPage = false
	child.Flags.PageCountEstimate = 1
	child.Image = p.Image
	child.Apply(c, img)
	return child
}
