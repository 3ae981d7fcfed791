// Package ocr holds the OCR backends and the dispatcher that fans enhanced
// tiles out to them.
package ocr

import (
	"context"
	"errors"
)

// Backend names as they appear in configuration and artifact filenames.
const (
	DocumentAIName = "document_ai"
	GeminiName     = "gemini"
	TesseractName  = "tesseract"
)

var ErrEmptyImage = errors.New("ocr: empty image")

// Input is one image handed to a backend.
type Input struct {
	DocumentID string
	Page       string
	Tile       int

	Image  []byte // PNG
	Width  int
	Height int
	DPI    int

	Languages []string
}

// Output is what a backend returns for one image.
type Output struct {
	Text       string
	Model      string
	Confidence float64
}

// Backend recognises text in an image. Implementations must not assume
// anything about the image beyond it being a PNG.
type Backend interface {
	Name() string
	Recognize(ctx context.Context, in Input) (Output, error)
}
