// Package tesseract is the local OCR backend. It is kept apart from package
// ocr because gosseract links libtesseract.
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/local/contractocr/internal/ocr"
)

// Engine recognises text with a fresh gosseract client per image.
type Engine struct {
	clientFactory func() *gosseract.Client
	languages     []string
}

// New constructs the engine. languages defaults to jpn+eng.
func New(languages []string) *Engine {
	if len(languages) == 0 {
		languages = []string{"jpn", "eng"}
	}
	return &Engine{clientFactory: gosseract.NewClient, languages: languages}
}

func (e *Engine) Name() string { return ocr.TesseractName }

func (e *Engine) Recognize(ctx context.Context, in ocr.Input) (ocr.Output, error) {
	if len(in.Image) == 0 {
		return ocr.Output{}, ocr.ErrEmptyImage
	}
	if err := ctx.Err(); err != nil {
		return ocr.Output{}, err
	}
	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(in.Image); err != nil {
		return ocr.Output{}, fmt.Errorf("set image: %w", err)
	}
	langs := in.Languages
	if len(langs) == 0 {
		langs = e.languages
	}
	if err := c.SetLanguage(langs...); err != nil {
		return ocr.Output{}, fmt.Errorf("set languages: %w", err)
	}
	if in.DPI > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(in.DPI)); err != nil {
			return ocr.Output{}, fmt.Errorf("set dpi: %w", err)
		}
	}
	text, err := c.Text()
	if err != nil {
		return ocr.Output{}, fmt.Errorf("recognize text: %w", err)
	}
	return ocr.Output{
		Text:       strings.TrimSpace(text),
		Model:      "tesseract:" + strings.Join(langs, "+"),
		Confidence: meanConfidence(c),
	}, nil
}

func meanConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes))
}
