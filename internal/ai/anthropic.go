package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type AnthropicClient struct {
	http    *http.Client
	apiKey  string
	baseURL string
}

func NewAnthropicClient(apiKey, baseURL string, hc *http.Client) *AnthropicClient {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &AnthropicClient{http: hc, apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/")}
}
func (c *AnthropicClient) Name() string { return "anthropic" }

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMsg struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicMsgReq struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	System      string         `json:"system,omitempty"`
	Temperature float64        `json:"temperature"`
	Messages    []anthropicMsg `json:"messages"`
}

type anthropicMsgResp struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct{ Type string `json:"type"`; Text string `json:"text"` } `json:"content"`
	Usage      struct{ InputTokens int `json:"input_tokens"`; OutputTokens int `json:"output_tokens"` } `json:"usage"`
}

func (c *AnthropicClient) Do(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, fmt.Errorf("anthropic: %w", ErrMissingKey)
	}
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	var blocks []anthropicBlock
	if len(req.Image) > 0 {
		blocks = append(blocks, anthropicBlock{Type: "image", Source: &anthropicSource{
			Type: "base64", MediaType: req.ImageMIME, Data: base64.StdEncoding.EncodeToString(req.Image),
		}})
	}
	blocks = append(blocks, anthropicBlock{Type: "text", Text: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	payload := anthropicMsgReq{
		Model: req.Model, MaxTokens: maxTokens, System: req.SystemPrompt, Temperature: req.Temperature,
		Messages: []anthropicMsg{{Role: "user", Content: blocks}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, StatusError(c.Name(), req.Model, resp)
	}
	var r anthropicMsgResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Response{}, fmt.Errorf("anthropic: decode response: %w", err)
	}
	if r.StopReason == "refusal" {
		return Response{}, fmt.Errorf("anthropic refused: %w", ErrContentRefused)
	}
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	if sb.Len() == 0 {
		return Response{}, errors.New("anthropic: no content")
	}
	model := r.Model
	if model == "" {
		model = req.Model
	}
	return Response{Text: sb.String(), Model: model, TokensIn: r.Usage.InputTokens, TokensOut: r.Usage.OutputTokens}, nil
}
