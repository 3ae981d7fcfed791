// Package assess asks a judgment model whether a page needs geometric
// correction, splitting or a resolution boost.
package assess

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/contractocr/internal/ai"
	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/imageutil"
	mpkg "github.com/local/contractocr/internal/metrics"
)

// Settings are the per-call parameters of the judgment request.
type Settings struct {
	Model        string
	Timeout      time.Duration
	PreviewPx    int
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	UserPrompt   string
}

// DefaultSettings mirrors the production orientation check.
func DefaultSettings() Settings {
	return Settings{
		Model:       "gemini-2.0-flash-lite",
		Timeout:     30 * time.Second,
		PreviewPx:   1600,
		Temperature: 0.1,
		MaxTokens:   8192,
	}
}

// Assessor interprets the judgment service's answer for one page.
type Assessor struct {
	client ai.Client
	s      Settings
}

func New(client ai.Client, s Settings) *Assessor {
	return &Assessor{client: client, s: s}
}

// Assess sets p.Flags from the judgment. It fails closed: any error other
// than cancellation leaves all flags false and marks the page unassessed.
// Only a cancelled or expired parent context is returned.
func (a *Assessor) Assess(ctx context.Context, docID string, p *document.Page) error {
	flags, notes, err := a.judge(ctx, docID, p)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.Flags = document.Flags{PageCountEstimate: 1}
		p.Assessed = false
		p.Annotate(document.NoteUnassessed)
		p.Fail("assess", err)
		mpkg.IncAssessment("unassessed")
		log.Warn().Err(err).Str("document_id", docID).Str("page", p.Label()).Msg("assessment failed, continuing without corrections")
		return nil
	}
	p.Flags = flags
	p.Assessed = true
	for _, n := range notes {
		p.Annotate(n)
	}
	mpkg.IncAssessment("assessed")
	log.Debug().
		Str("document_id", docID).
		Str("page", p.Label()).
		Bool("distorted", flags.Distorted).
		Bool("low_res", flags.LowRes).
		Bool("rotated", flags.Rotated).
		Float64("angle", flags.AngleEstimate).
		Bool("multi_page", flags.MultiPage).
		Int("page_count", flags.PageCountEstimate).
		Msg("page assessed")
	return nil
}

func (a *Assessor) judge(ctx context.Context, docID string, p *document.Page) (document.Flags, []string, error) {
	if a.client == nil {
		return document.Flags{}, nil, errors.New("no judgment client configured")
	}
	if p.Image == nil {
		return document.Flags{}, nil, errors.New("page has no raster")
	}
	preview, err := imageutil.EncodeJPEG(imageutil.Preview(p.Image, a.s.PreviewPx), 85)
	if err != nil {
		return document.Flags{}, nil, fmt.Errorf("encode preview: %w", err)
	}
	resp, err := a.client.Do(ctx, ai.Request{
		DocumentID:   docID,
		Page:         p.Label(),
		Model:        a.s.Model,
		Timeout:      a.s.Timeout,
		Image:        preview,
		ImageMIME:    "image/jpeg",
		SystemPrompt: a.s.SystemPrompt,
		Prompt:       a.s.UserPrompt,
		Temperature:  a.s.Temperature,
		MaxTokens:    a.s.MaxTokens,
		JSON:         true,
	})
	if err != nil {
		return document.Flags{}, nil, err
	}
	return Parse(resp.Text)
}
