package pipeline

import (
	"context"

	"github.com/local/contractocr/internal/correct"
	"github.com/local/contractocr/internal/document"
)

// Stage names used in logs, metrics and page failure records.
const (
	StageRasterize   = "rasterize"
	StageAssess      = "assess"
	StageUpscale     = "upscale"
	StagePerspective = "perspective"
	StageRotate      = "rotate"
	StageSplit       = "split"
	StageTile        = "tile"
	StageEnhance     = "enhance"
	StageOCR         = "ocr"
	StageWrite       = "write"
	StageMerge       = "merge"
	StageContract    = "contract"
)

// step is one correction stage. The orchestrator evaluates active against
// the page flags; run never checks flags itself.
type step struct {
	name   string
	active func(p *document.Page) bool
	run    func(ctx context.Context, p *document.Page) (bool, error)
}

// correctionSteps are the per-page corrections in their fixed order.
func correctionSteps(s correct.Settings) []step {
	return []step{
		{
			name:   StageUpscale,
			active: func(p *document.Page) bool { return p.Flags.LowRes },
			run:    func(_ context.Context, p *document.Page) (bool, error) { return correct.Upscale(p, s) },
		},
		{
			name:   StagePerspective,
			active: func(p *document.Page) bool { return p.Flags.Distorted },
			run:    func(_ context.Context, p *document.Page) (bool, error) { return correct.Perspective(p, s) },
		},
		{
			name:   StageRotate,
			active: func(p *document.Page) bool { return p.Flags.Rotated },
			run:    func(_ context.Context, p *document.Page) (bool, error) { return correct.Rotate(p, s) },
		},
	}
}
