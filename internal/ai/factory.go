package ai

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ProviderOptions carries what a provider client needs to be constructed.
type ProviderOptions struct {
	Provider   string // gemini | openai | anthropic
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryBase  time.Duration
	HTTPClient *http.Client
}

// NewClient builds the named provider wrapped with retries.
func NewClient(o ProviderOptions) (Client, error) {
	var c Client
	switch strings.ToLower(o.Provider) {
	case "gemini", "":
		c = NewGeminiClient(o.APIKey, o.BaseURL, o.HTTPClient)
	case "openai":
		c = NewOpenAIClient(o.APIKey, o.BaseURL, o.HTTPClient)
	case "anthropic":
		c = NewAnthropicClient(o.APIKey, o.BaseURL, o.HTTPClient)
	default:
		return nil, fmt.Errorf("unknown judgment provider %q", o.Provider)
	}
	return WithRetry(c, o.MaxRetries, o.RetryBase), nil
}
