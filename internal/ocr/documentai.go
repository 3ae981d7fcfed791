package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/local/contractocr/internal/ai"
)

// DocumentAIOptions addresses one Document AI OCR processor.
type DocumentAIOptions struct {
	// Endpoint overrides https://{location}-documentai.googleapis.com.
	Endpoint    string
	ProjectID   string
	Location    string
	ProcessorID string
	AccessToken string
	Timeout     time.Duration
}

// DocumentAI calls the processors:process REST method with a raw document.
type DocumentAI struct {
	opts DocumentAIOptions
	hc   *http.Client
}

func NewDocumentAI(opts DocumentAIOptions, hc *http.Client) *DocumentAI {
	if opts.Location == "" {
		opts.Location = "us"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = fmt.Sprintf("https://%s-documentai.googleapis.com", opts.Location)
	}
	opts.Endpoint = strings.TrimRight(opts.Endpoint, "/")
	if hc == nil {
		hc = &http.Client{}
	}
	return &DocumentAI{opts: opts, hc: hc}
}

func (d *DocumentAI) Name() string { return DocumentAIName }

func (d *DocumentAI) url() string {
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/processors/%s:process",
		d.opts.Endpoint, d.opts.ProjectID, d.opts.Location, d.opts.ProcessorID)
}

type docAIRawDocument struct {
	Content  string `json:"content"`
	MimeType string `json:"mimeType"`
}

type docAIRequest struct {
	RawDocument     docAIRawDocument `json:"rawDocument"`
	SkipHumanReview bool             `json:"skipHumanReview"`
}

type docAIResponse struct {
	Document struct {
		Text  string `json:"text"`
		Pages []struct {
			Layout struct {
				Confidence float64 `json:"confidence"`
			} `json:"layout"`
		} `json:"pages"`
	} `json:"document"`
}

func (d *DocumentAI) Recognize(ctx context.Context, in Input) (Output, error) {
	if len(in.Image) == 0 {
		return Output{}, ErrEmptyImage
	}
	if d.opts.AccessToken == "" {
		return Output{}, fmt.Errorf("document_ai: %w", ai.ErrMissingKey)
	}
	if d.opts.ProjectID == "" || d.opts.ProcessorID == "" {
		return Output{}, errors.New("document_ai: project and processor id are required")
	}
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(docAIRequest{
		RawDocument:     docAIRawDocument{Content: base64.StdEncoding.EncodeToString(in.Image), MimeType: "image/png"},
		SkipHumanReview: true,
	})
	if err != nil {
		return Output{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url(), bytes.NewReader(body))
	if err != nil {
		return Output{}, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+d.opts.AccessToken)

	resp, err := d.hc.Do(req)
	if err != nil {
		return Output{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Output{}, ai.StatusError(DocumentAIName, d.opts.ProcessorID, resp)
	}

	var out docAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Output{}, fmt.Errorf("document_ai: decode response: %w", err)
	}
	var conf float64
	for _, p := range out.Document.Pages {
		conf += p.Layout.Confidence
	}
	if n := len(out.Document.Pages); n > 0 {
		conf /= float64(n)
	}
	return Output{Text: strings.TrimSpace(out.Document.Text), Model: d.opts.ProcessorID, Confidence: conf}, nil
}
