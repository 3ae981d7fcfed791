package ocr

import (
	"context"
	"strings"
	"time"

	"github.com/local/contractocr/internal/ai"
)

// Gemini transcribes a tile through a judgment client with the OCR prompt.
type Gemini struct {
	client       ai.Client
	model        string
	timeout      time.Duration
	systemPrompt string
	userPrompt   string
}

func NewGemini(client ai.Client, model string, timeout time.Duration, systemPrompt, userPrompt string) *Gemini {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{client: client, model: model, timeout: timeout, systemPrompt: systemPrompt, userPrompt: userPrompt}
}

func (g *Gemini) Name() string { return GeminiName }

func (g *Gemini) Recognize(ctx context.Context, in Input) (Output, error) {
	if len(in.Image) == 0 {
		return Output{}, ErrEmptyImage
	}
	resp, err := g.client.Do(ctx, ai.Request{
		DocumentID:   in.DocumentID,
		Page:         in.Page,
		Model:        g.model,
		Timeout:      g.timeout,
		Image:        in.Image,
		ImageMIME:    "image/png",
		SystemPrompt: g.systemPrompt,
		Prompt:       g.userPrompt,
		Temperature:  0,
	})
	if err != nil {
		return Output{}, err
	}
	return Output{Text: stripFence(resp.Text), Model: resp.Model}, nil
}

// stripFence removes a markdown code fence the model sometimes wraps
// transcriptions in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
