package rasterize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/contractocr/internal/storage"
)

// Source identifies one input PDF: raw bytes or a reference.
// Ref may be a filesystem path, file://, http(s):// or s3://bucket/key.
type Source struct {
	Bytes []byte
	Ref   string
	Name  string
}

// Label is a human identifier for logs and OCRResult.SourceFile.
func (s Source) Label() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Ref != "" {
		ref := s.Ref
		if i := strings.Index(ref, "#"); i >= 0 {
			ref = ref[:i]
		}
		return filepath.Base(ref)
	}
	return "upload.pdf"
}

// Fetcher resolves s3:// references.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, *storage.FileMetadata, error)
}

// materialize returns a local PDF path for src and a cleanup func removing any temp file.
func materialize(ctx context.Context, src Source, fetch Fetcher, hc *http.Client) (string, func(), error) {
	noop := func() {}
	if len(src.Bytes) > 0 {
		p, err := writeTemp("contract-*.pdf", func(w io.Writer) error {
			_, err := w.Write(src.Bytes)
			return err
		})
		if err != nil {
			return "", noop, err
		}
		return p, func() { _ = os.Remove(p) }, nil
	}

	ref := src.Ref
	if i := strings.Index(ref, "#"); i >= 0 {
		ref = ref[:i]
	}
	switch {
	case ref == "":
		return "", noop, errors.New("empty source: neither bytes nor ref given")
	case strings.HasPrefix(ref, "file://"):
		return strings.TrimPrefix(ref, "file://"), noop, nil
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		p, err := downloadHTTPToTemp(ctx, hc, ref)
		if err != nil {
			return "", noop, err
		}
		return p, func() { _ = os.Remove(p) }, nil
	case strings.HasPrefix(ref, "s3://"):
		if fetch == nil {
			return "", noop, fmt.Errorf("no S3 fetcher configured for %s", ref)
		}
		data, _, err := fetch.Fetch(ctx, ref)
		if err != nil {
			return "", noop, err
		}
		p, err := writeTemp("s3pdf-*.pdf", func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		})
		if err != nil {
			return "", noop, err
		}
		log.Info().Str("ref", ref).Str("file", filepath.Base(p)).Msg("downloaded s3 pdf to temp")
		return p, func() { _ = os.Remove(p) }, nil
	default:
		return ref, noop, nil
	}
}

func downloadHTTPToTemp(ctx context.Context, hc *http.Client, url string) (string, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: http %d", url, resp.StatusCode)
	}
	return writeTemp("pdfdl-*.pdf", func(w io.Writer) error {
		_, err := io.Copy(w, resp.Body)
		return err
	})
}

// Temp files keep the .pdf extension for pdfcpu.
func writeTemp(pattern string, fill func(io.Writer) error) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
