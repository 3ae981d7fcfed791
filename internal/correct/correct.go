// Package correct applies the geometric corrections the assessor asked for.
// Every transform records itself in the page history and is a no-op when an
// identical entry is already there.
package correct

import (
	"errors"
	"fmt"
	"math"

	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/imageutil"
)

// Settings bound the corrections.
type Settings struct {
	UpscaleFactor float64
	// MaxPixels caps width*height after upscaling.
	MaxPixels             int
	RotationSnapDeg       float64
	RotationMinConfidence float64
}

func DefaultSettings() Settings {
	return Settings{
		UpscaleFactor:         2.0,
		MaxPixels:             40_000_000,
		RotationSnapDeg:       10,
		RotationMinConfidence: 0.5,
	}
}

var errNoRaster = errors.New("page has no raster")

// Upscale raises the page resolution by the configured factor, bounded by
// MaxPixels. It runs at most once per page.
func Upscale(p *document.Page, s Settings) (bool, error) {
	w, h := p.Width(), p.Height()
	if w == 0 || h == 0 {
		return false, errNoRaster
	}
	if p.AppliedKind(document.CorrectUpscale) {
		return false, nil
	}
	factor := s.UpscaleFactor
	if s.MaxPixels > 0 {
		if ceil := math.Sqrt(float64(s.MaxPixels) / float64(w*h)); ceil < factor {
			factor = ceil
		}
	}
	if factor <= 1.01 {
		p.Annotate(document.NoteUpscaleCapped)
		return false, nil
	}
	img := imageutil.Scale(p.Image, factor)
	c := document.Correction{
		Kind:   document.CorrectUpscale,
		Param:  math.Round(factor*1000) / 1000,
		Detail: fmt.Sprintf("requested=%.2f", s.UpscaleFactor),
	}
	if factor < s.UpscaleFactor {
		p.Annotate(document.NoteUpscaleCapped)
	}
	if !p.Apply(c, img) {
		return false, nil
	}
	p.DPI *= factor
	return true, nil
}
