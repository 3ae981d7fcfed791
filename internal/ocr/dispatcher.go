package ocr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/contractocr/internal/ai"
	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/imageutil"
	"github.com/local/contractocr/internal/limiter"
	mpkg "github.com/local/contractocr/internal/metrics"
	"github.com/local/contractocr/internal/tile"
)

// TimestampLayout is the timestamp embedded in integrated artifact names.
const TimestampLayout = "20060102_150405"

// Gate bounds and pauses calls per backend. *limiter.Adaptive satisfies it.
type Gate interface {
	Acquire(ctx context.Context, backend string) (func(), error)
	Open(ctx context.Context, backend string) time.Duration
	Reset(ctx context.Context, backend string)
}

type Options struct {
	// TileConcurrency bounds backend calls in flight for one page.
	TileConcurrency int
	Languages       []string
}

// Dispatcher sends every tile of a page to every configured backend.
type Dispatcher struct {
	backends []Backend
	gate     Gate
	opts     Options
}

// NewDispatcher wires backends in the order their results should be
// reported. gate may be nil.
func NewDispatcher(backends []Backend, gate Gate, opts Options) *Dispatcher {
	if opts.TileConcurrency <= 0 {
		opts.TileConcurrency = 4
	}
	return &Dispatcher{backends: backends, gate: gate, opts: opts}
}

// Backends lists backend names in dispatch order.
func (d *Dispatcher) Backends() []string {
	names := make([]string, len(d.backends))
	for i, b := range d.backends {
		names[i] = b.Name()
	}
	return names
}

// RecognizePage OCRs tiles with every backend and stitches the band texts
// into one PageText per backend. A backend failing on a tile leaves that
// band empty and is recorded on the PageText; only cancellation is returned.
func (d *Dispatcher) RecognizePage(ctx context.Context, documentID string, p *document.Page, tiles []document.Tile) (map[string]document.PageText, error) {
	encoded := make([]func() ([]byte, error), len(tiles))
	for i := range tiles {
		img := tiles[i].Image
		encoded[i] = sync.OnceValues(func() ([]byte, error) { return imageutil.EncodePNG(img) })
	}

	texts := make([][]string, len(d.backends))
	errs := make([][]string, len(d.backends))
	for bi := range d.backends {
		texts[bi] = make([]string, len(tiles))
		errs[bi] = make([]string, len(tiles))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.TileConcurrency)
	for ti := range tiles {
		for bi, b := range d.backends {
			g.Go(func() error {
				png, err := encoded[ti]()
				if err != nil {
					errs[bi][ti] = err.Error()
					return nil
				}
				t := tiles[ti]
				out, err := d.call(gctx, b, Input{
					DocumentID: documentID,
					Page:       p.Label(),
					Tile:       t.Index,
					Image:      png,
					Width:      t.Image.Bounds().Dx(),
					Height:     t.Image.Bounds().Dy(),
					DPI:        int(p.DPI * t.Scale),
					Languages:  d.opts.Languages,
				})
				if err != nil {
					if ctxErr := gctx.Err(); ctxErr != nil {
						return ctxErr
					}
					errs[bi][ti] = err.Error()
					return nil
				}
				texts[bi][ti] = out.Text
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := make(map[string]document.PageText, len(d.backends))
	for bi, b := range d.backends {
		pt := document.PageText{Index: p.Index, Sub: p.Sub, Label: p.Label(), Text: tile.Stitch(texts[bi])}
		for ti, e := range errs[bi] {
			if e != "" {
				pt.Errors = append(pt.Errors, fmt.Sprintf("tile %d: %s", ti, e))
			}
		}
		pt.Failed = len(pt.Errors) > 0
		res[b.Name()] = pt
	}
	return res, nil
}

func (d *Dispatcher) call(ctx context.Context, b Backend, in Input) (Output, error) {
	name := b.Name()
	if d.gate != nil {
		release, err := d.gate.Acquire(ctx, name)
		if err != nil {
			if errors.Is(err, limiter.ErrCoolingDown) {
				mpkg.ObserveBackend(name, "", "cooling_down", 0)
			}
			return Output{}, err
		}
		defer release()
	}

	start := time.Now()
	out, err := b.Recognize(ctx, in)
	dur := time.Since(start)
	result := ai.Outcome(err)
	mpkg.ObserveBackend(name, out.Model, result, dur)

	if err != nil {
		if d.gate != nil && ai.IsRateLimited(err) {
			cool := d.gate.Open(ctx, name)
			log.Warn().Str("backend", name).Dur("cooldown", cool).Msg("backend rate limited, cooling down")
		}
		log.Warn().Err(err).
			Str("document_id", in.DocumentID).
			Str("page", in.Page).
			Int("tile", in.Tile).
			Str("backend", name).
			Str("result", result).
			Int64("duration_ms", dur.Milliseconds()).
			Msg("ocr call failed")
		return Output{}, err
	}
	if d.gate != nil {
		d.gate.Reset(ctx, name)
	}
	log.Debug().
		Str("document_id", in.DocumentID).
		Str("page", in.Page).
		Int("tile", in.Tile).
		Str("backend", name).
		Str("model", out.Model).
		Int("chars", len(out.Text)).
		Int64("duration_ms", dur.Milliseconds()).
		Msg("ocr call ok")
	return out, nil
}

// Assemble builds a backend's document result from its page texts. Pages
// are sorted by (Index, Sub) so arrival order never leaks into the output.
func Assemble(backend string, pages []document.PageText, ts time.Time, source string) document.OCRResult {
	sorted := append([]document.PageText(nil), pages...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Index != sorted[j].Index {
			return sorted[i].Index < sorted[j].Index
		}
		return sorted[i].Sub < sorted[j].Sub
	})

	var b strings.Builder
	failed := 0
	for i, p := range sorted {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "=== Page %s ===\n", p.Label)
		b.WriteString(p.Text)
		if p.Failed {
			failed++
		}
	}
	return document.OCRResult{
		Backend:    backend,
		Text:       b.String(),
		Timestamp:  ts,
		SourceFile: source,
		Pages:      sorted,
		Metadata: map[string]string{
			"pages":        fmt.Sprint(len(sorted)),
			"pages_failed": fmt.Sprint(failed),
		},
	}
}

// IntegratedName is the artifact name a backend's document text is saved as.
func IntegratedName(backend string, ts time.Time) string {
	return fmt.Sprintf("%s_integrated_%s.txt", backend, ts.Format(TimestampLayout))
}

// WriteIntegrated writes r.Text into dir and returns the file path.
func WriteIntegrated(dir string, r document.OCRResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, IntegratedName(r.Backend, r.Timestamp))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(r.Text), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return path, nil
}
