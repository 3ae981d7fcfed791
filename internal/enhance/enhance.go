// Package enhance raises tile resolution before OCR. Enhancement is best
// effort: a tile that cannot be enhanced goes to OCR as it was cut.
package enhance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/imageutil"
	mpkg "github.com/local/contractocr/internal/metrics"
)

// Enhancer returns a higher-resolution version of img.
type Enhancer interface {
	Name() string
	Enhance(ctx context.Context, img image.Image) (image.Image, error)
}

// Remote posts PNG tiles to a super-resolution model service.
type Remote struct {
	url     string
	model   string
	timeout time.Duration
	hc      *http.Client
}

func NewRemote(url, model string, timeout time.Duration, hc *http.Client) *Remote {
	if hc == nil {
		hc = &http.Client{}
	}
	if model == "" {
		model = "DRCT-L"
	}
	return &Remote{url: url, model: model, timeout: timeout, hc: hc}
}

func (r *Remote) Name() string { return "remote:" + r.model }

func (r *Remote) Enhance(ctx context.Context, img image.Image) (image.Image, error) {
	body, err := imageutil.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "image/png")
	req.Header.Set("X-Model", r.model)

	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("enhancer http %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	out, err := imageutil.Decode(raw)
	if err != nil {
		return nil, err
	}
	in, got := img.Bounds().Size(), out.Bounds().Size()
	if got.X <= in.X || got.Y <= in.Y {
		return nil, fmt.Errorf("enhancer returned %v for %v input", got, in)
	}
	return out, nil
}

// Resampler upscales locally with Catmull-Rom when no model service is set.
type Resampler struct{ Factor float64 }

func (r Resampler) Name() string { return "local" }

func (r Resampler) Enhance(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := r.Factor
	if f <= 1 {
		f = 2
	}
	return imageutil.Scale(img, f), nil
}

// Tiles enhances every tile with at most limit in flight. A failed tile
// keeps its original image with Enhanced=false and the error recorded; only
// cancellation of ctx is returned.
func Tiles(ctx context.Context, e Enhancer, tiles []document.Tile, limit int) error {
	if e == nil {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range tiles {
		t := &tiles[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			out, err := e.Enhance(gctx, t.Image)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				t.Enhanced = false
				t.EnhanceErr = err.Error()
				mpkg.IncTile("fallback")
				log.Warn().Err(err).Int("tile", t.Index).Str("enhancer", e.Name()).Msg("tile enhancement failed, using original")
				return nil
			}
			t.Scale = float64(out.Bounds().Dx()) / float64(t.Image.Bounds().Dx())
			t.Image = out
			t.Enhanced = true
			mpkg.IncTile("enhanced")
			log.Debug().Int("tile", t.Index).Float64("scale", t.Scale).Int64("duration_ms", time.Since(start).Milliseconds()).Msg("tile enhanced")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("enhance tiles: %w", err)
	}
	return nil
}
