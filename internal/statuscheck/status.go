package statuscheck

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// RedisPinger models the minimal Redis capability we need for status checks.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// SelfTester renders a built-in page through the linked MuPDF.
type SelfTester interface {
	SelfTest(ctx context.Context) error
}

// Checker aggregates health checks for the pipeline's external dependencies.
type Checker struct {
	redis     RedisPinger
	mupdf     SelfTester
	s3Bucket  string
	bucketOK  func(ctx context.Context, bucket string) error
	lookPath  func(string) (string, error)
	backends  []string
	geminiKey string
	docAI     DocumentAI
}

// DocumentAI is the subset of processor configuration that must be present.
type DocumentAI struct {
	ProjectID   string
	ProcessorID string
	AccessToken string
}

// Options configures the Checker.
type Options struct {
	Redis      RedisPinger
	MuPDF      SelfTester
	S3Bucket   string
	Backends   []string
	GeminiKey  string
	DocumentAI DocumentAI
	// HeadBucket overrides the AWS call, for tests.
	HeadBucket func(ctx context.Context, bucket string) error
	LookPath   func(string) (string, error)
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Redis      Status `json:"redis"`
	S3         Status `json:"s3"`
	MuPDF      Status `json:"mupdf"`
	Tesseract  Status `json:"tesseract"`
	Gemini     Status `json:"gemini"`
	DocumentAI Status `json:"document_ai"`
}

// Healthy reports whether every subsystem the service needs is up. Backends
// that are not enabled do not count.
func (s Summary) Healthy() bool {
	return s.Redis.OK && s.MuPDF.OK
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	c := &Checker{
		redis:     opts.Redis,
		mupdf:     opts.MuPDF,
		s3Bucket:  strings.TrimSpace(opts.S3Bucket),
		bucketOK:  opts.HeadBucket,
		lookPath:  opts.LookPath,
		backends:  opts.Backends,
		geminiKey: strings.TrimSpace(opts.GeminiKey),
		docAI:     opts.DocumentAI,
	}
	if c.bucketOK == nil {
		c.bucketOK = headBucket
	}
	if c.lookPath == nil {
		c.lookPath = exec.LookPath
	}
	return c
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Redis:      c.checkRedis(ctx),
		S3:         c.checkS3(ctx),
		MuPDF:      c.checkMuPDF(ctx),
		Tesseract:  c.checkTesseract(),
		Gemini:     c.checkGemini(),
		DocumentAI: c.checkDocumentAI(),
	}
}

func (c *Checker) enabled(name string) bool {
	for _, b := range c.backends {
		if b == name {
			return true
		}
	}
	return false
}

func (c *Checker) checkRedis(ctx context.Context) Status {
	if c.redis == nil {
		return Status{OK: false, Message: "client unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkS3(ctx context.Context) Status {
	if c.s3Bucket == "" {
		return Status{OK: false, Message: "Bucket not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.bucketOK(ctx, c.s3Bucket); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func headBucket(ctx context.Context, bucket string) error {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return err
	}
	_, err = s3.NewFromConfig(cfg).HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &bucket})
	return err
}

func (c *Checker) checkMuPDF(ctx context.Context) Status {
	if c.mupdf == nil {
		return Status{OK: false, Message: "Rasterizer not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.mupdf.SelfTest(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Available"}
}

func (c *Checker) checkTesseract() Status {
	if !c.enabled("tesseract") {
		return Status{OK: true, Message: "Disabled"}
	}
	// gosseract links libtesseract, but traineddata ships with the CLI package
	if _, err := c.lookPath("tesseract"); err != nil {
		return Status{OK: false, Message: "Binary not found"}
	}
	return Status{OK: true, Message: "Available"}
}

func (c *Checker) checkGemini() Status {
	if !c.enabled("gemini") {
		return Status{OK: true, Message: "Disabled"}
	}
	if c.geminiKey == "" {
		return Status{OK: false, Message: "API key missing"}
	}
	return Status{OK: true, Message: "Configured"}
}

func (c *Checker) checkDocumentAI() Status {
	if !c.enabled("document_ai") {
		return Status{OK: true, Message: "Disabled"}
	}
	var missing []string
	if c.docAI.ProjectID == "" {
		missing = append(missing, "project")
	}
	if c.docAI.ProcessorID == "" {
		missing = append(missing, "processor")
	}
	if c.docAI.AccessToken == "" {
		missing = append(missing, "access token")
	}
	if len(missing) > 0 {
		return Status{OK: false, Message: "Missing " + strings.Join(missing, ", ")}
	}
	return Status{OK: true, Message: "Configured"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}

// Handler serves the summary as JSON, 503 when unhealthy.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := c.Summary(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !s.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = writeJSON(w, s)
	}
}

func writeJSON(w io.Writer, v any) error { return json.NewEncoder(w).Encode(v) }
