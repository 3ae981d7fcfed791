package ai

import (
	"context"
	"errors"
	"time"
)

// Request is a single judgment call: an optional image plus prompts.
type Request struct {
	DocumentID string
	Page       string
	Model      string
	Timeout    time.Duration

	Image     []byte // raw encoded image
	ImageMIME string // image/png, image/jpeg

	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
	// JSON asks providers that support it for a JSON-only response.
	JSON bool
}

type Response struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// Client is implemented by every judgment provider (Gemini, OpenAI, Anthropic).
type Client interface {
	Name() string
	Do(ctx context.Context, req Request) (Response, error)
}

var (
	ErrRateLimited    = errors.New("rate_limited")
	ErrContentRefused = errors.New("content_refused")
	ErrMissingKey     = errors.New("missing api key")
)

func IsRateLimited(err error) bool    { return errors.Is(err, ErrRateLimited) }
func IsContentRefused(err error) bool { return errors.Is(err, ErrContentRefused) }

// withTimeout applies the per-call timeout when one is set.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
