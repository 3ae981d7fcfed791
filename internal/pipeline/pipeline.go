// Package pipeline runs one document through rasterization, assessment,
// geometric correction, splitting, tiling, enhancement and OCR, then
// reconciles the Document AI and Gemini outputs and extracts the contract
// record.
//
// Stage order per page is fixed. Pages run concurrently and are put back in
// (page, sub-page) order before anything is written. A failing optional
// stage is recorded on its page and the page continues; only rasterization
// failures and cancellation abandon the document.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/local/contractocr/internal/contract"
	"github.com/local/contractocr/internal/correct"
	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/enhance"
	"github.com/local/contractocr/internal/logger"
	mpkg "github.com/local/contractocr/internal/metrics"
	"github.com/local/contractocr/internal/ocr"
	"github.com/local/contractocr/internal/rasterize"
	"github.com/local/contractocr/internal/split"
	"github.com/local/contractocr/internal/tile"
)

// Settings is the immutable configuration threaded through every stage.
type Settings struct {
	Correct         correct.Settings
	Split           split.Settings
	Tile            tile.Settings
	PageConcurrency int
	TileConcurrency int
	// WorkDir receives one directory per document holding the integrated
	// backend outputs.
	WorkDir string
	Merge   bool
}

func DefaultSettings() Settings {
	return Settings{
		Correct:         correct.DefaultSettings(),
		Split:           split.DefaultSettings(),
		Tile:            tile.DefaultSettings(),
		PageConcurrency: 2,
		TileConcurrency: 4,
		WorkDir:         "uploads/work",
		Merge:           true,
	}
}

// PageSource is an opened PDF. *rasterize.Doc implements it.
type PageSource interface {
	PageCount() int
	Render(ctx context.Context, index int) (*document.Page, error)
	Close() error
}

// textLayerReader is implemented by *rasterize.Doc.
type textLayerReader interface {
	TextLayer(threshold int) (bool, int)
}

type Opener interface {
	Open(ctx context.Context, src rasterize.Source) (PageSource, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, src rasterize.Source) (PageSource, error)

func (f OpenerFunc) Open(ctx context.Context, src rasterize.Source) (PageSource, error) {
	return f(ctx, src)
}

// FromRasterizer adapts a rasterizer to Opener.
func FromRasterizer(r *rasterize.Rasterizer) Opener {
	return OpenerFunc(func(ctx context.Context, src rasterize.Source) (PageSource, error) {
		d, err := r.Open(ctx, src)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

type Assessor interface {
	Assess(ctx context.Context, documentID string, p *document.Page) error
}

type Recognizer interface {
	Backends() []string
	RecognizePage(ctx context.Context, documentID string, p *document.Page, tiles []document.Tile) (map[string]document.PageText, error)
}

type Merger interface {
	Merge(ctx context.Context, a, b string) (*document.MergedResult, error)
}

// ContractExtractor is implemented by *contract.Extractor.
type ContractExtractor interface {
	Run(ctx context.Context, docID, basename, text, dir string) (*contract.Result, error)
}

// Dependencies are the stage implementations. Assessor, Enhancer, Merger and
// Contract may be nil, which disables that stage.
type Dependencies struct {
	Opener   Opener
	Assessor Assessor
	Enhancer enhance.Enhancer
	OCR      Recognizer
	Merger   Merger
	Contract ContractExtractor
	// Now stamps the integrated outputs, time.Now when nil.
	Now func() time.Time
}

type Pipeline struct {
	s     Settings
	deps  Dependencies
	steps []step
}

func New(s Settings, deps Dependencies) *Pipeline {
	if s.PageConcurrency <= 0 {
		s.PageConcurrency = 1
	}
	if s.TileConcurrency <= 0 {
		s.TileConcurrency = 1
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{s: s, deps: deps, steps: correctionSteps(s.Correct)}
}

// Input is one document. Exactly one of Bytes and Ref is expected.
type Input struct {
	DocumentID string
	Bytes      []byte
	Ref        string
	Name       string
}

// Outcome is everything a run produced. Page rasters are released by the
// time it is returned.
type Outcome struct {
	Document *document.Document
	Results  []document.OCRResult
	// Integrated maps backend name to the written integrated file.
	Integrated map[string]string
	Merged     *document.MergedResult
	Contract   *contract.Result
}

type pageResult struct {
	page  *document.Page
	texts map[string]document.PageText
}

// Process runs the whole pipeline for in.
func (pl *Pipeline) Process(ctx context.Context, in Input) (Outcome, error) {
	docID := in.DocumentID
	if docID == "" {
		docID = uuid.NewString()
	}
	src := rasterize.Source{Bytes: in.Bytes, Ref: in.Ref, Name: in.Name}
	doc := &document.Document{ID: docID, Source: src.Label()}
	out := Outcome{Document: doc}
	lg := logger.Stage(StageRasterize, docID)

	start := time.Now()
	pdf, err := pl.deps.Opener.Open(ctx, src)
	observe(StageRasterize, err, start)
	if err != nil {
		lg.Error().Err(err).Str("source", doc.Source).Msg("cannot open document")
		return out, stageError(docID, StageRasterize, err)
	}
	defer pdf.Close()
	doc.PageCount = pdf.PageCount()
	textLayer := "unknown"
	if tl, ok := pdf.(textLayerReader); ok {
		has, chars := tl.TextLayer(0)
		textLayer = strconv.FormatBool(has)
		if has {
			lg.Warn().Int("chars", chars).Msg("source already carries a text layer")
		}
	}
	lg.Info().Str("source", doc.Source).Int("pages", doc.PageCount).Str("text_layer", textLayer).Msg("document opened")

	slots := make([][]pageResult, doc.PageCount)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pl.s.PageConcurrency)
	for i := range doc.PageCount {
		g.Go(func() error {
			res, err := pl.processPage(gctx, docID, pdf, i)
			if err != nil {
				return err
			}
			slots[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		lg.Error().Err(err).Str("failed_stage", FailedStage(err)).Msg("document abandoned")
		return out, stageError(docID, StageRasterize, err)
	}

	backends := pl.deps.OCR.Backends()
	perBackend := make(map[string][]document.PageText, len(backends))
	for _, slot := range slots {
		for _, r := range slot {
			doc.Pages = append(doc.Pages, r.page)
			for _, b := range backends {
				perBackend[b] = append(perBackend[b], r.texts[b])
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return out, stageError(docID, StageWrite, err)
	}
	ts := pl.deps.Now().UTC()
	dir := filepath.Join(pl.s.WorkDir, docID)
	out.Integrated = make(map[string]string, len(backends))
	for _, b := range backends {
		r := ocr.Assemble(b, perBackend[b], ts, doc.Source)
		r.Metadata["document_id"] = docID
		r.Metadata["text_layer"] = textLayer
		path, err := ocr.WriteIntegrated(dir, r)
		if err != nil {
			return out, stageError(docID, StageWrite, err)
		}
		out.Integrated[b] = path
		out.Results = append(out.Results, r)
	}
	wl := logger.Stage(StageWrite, docID)
	wl.Info().Str("dir", dir).Int("backends", len(backends)).Msg("integrated outputs written")

	if err := pl.merge(ctx, docID, &out); err != nil {
		return out, err
	}
	if pl.deps.Contract == nil {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return out, stageError(docID, StageContract, err)
	}
	res, err := pl.deps.Contract.Run(ctx, docID, contract.Basename(in.Name, docID), contractText(out), dir)
	if err != nil {
		return out, stageError(docID, StageContract, err)
	}
	out.Contract = res
	return out, nil
}

func (pl *Pipeline) merge(ctx context.Context, docID string, out *Outcome) error {
	if !pl.s.Merge || pl.deps.Merger == nil {
		return nil
	}
	a, okA := out.Integrated[ocr.DocumentAIName]
	b, okB := out.Integrated[ocr.GeminiName]
	if !okA || !okB {
		ml := logger.Stage(StageMerge, docID)
		ml.Warn().Strs("backends", pl.deps.OCR.Backends()).Msg("merge skipped, document_ai and gemini outputs are both required")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return stageError(docID, StageMerge, err)
	}
	merged, err := pl.deps.Merger.Merge(ctx, a, b)
	if err != nil {
		return stageError(docID, StageMerge, err)
	}
	out.Merged = merged
	return nil
}

// contractText is the merged text when there is one, otherwise the Document
// AI text, otherwise the first backend with any text.
func contractText(out Outcome) string {
	if out.Merged != nil {
		return out.Merged.Text
	}
	for _, r := range out.Results {
		if r.Backend == ocr.DocumentAIName && strings.TrimSpace(r.Text) != "" {
			return r.Text
		}
	}
	for _, r := range out.Results {
		if strings.TrimSpace(r.Text) != "" {
			return r.Text
		}
	}
	return ""
}

// Merge validates and merges an existing pair of integrated outputs.
func (pl *Pipeline) Merge(ctx context.Context, a, b string) (*document.MergedResult, error) {
	if pl.deps.Merger == nil {
		return nil, errors.New("merging is not configured")
	}
	return pl.deps.Merger.Merge(ctx, a, b)
}

// processPage owns page index for its whole life: no other task touches it
// or the sub-pages split from it.
func (pl *Pipeline) processPage(ctx context.Context, docID string, pdf PageSource, index int) ([]pageResult, error) {
	start := time.Now()
	p, err := pdf.Render(ctx, index)
	observe(StageRasterize, err, start)
	if err != nil {
		return nil, stageError(docID, StageRasterize, err)
	}

	if err := pl.assess(ctx, docID, p); err != nil {
		return nil, err
	}
	for _, st := range pl.steps {
		if err := ctx.Err(); err != nil {
			return nil, stageError(docID, st.name, err)
		}
		if !st.active(p) {
			continue
		}
		t := time.Now()
		changed, err := st.run(ctx, p)
		observe(st.name, err, t)
		lg := logger.Stage(st.name, docID)
		if err != nil {
			p.Fail(st.name, err)
			lg.Warn().Err(err).Str("page", p.Label()).Msg("correction failed, page continues uncorrected")
			continue
		}
		lg.Debug().Str("page", p.Label()).Bool("changed", changed).Int64("duration_ms", time.Since(t).Milliseconds()).Msg("correction step done")
	}

	pages := []*document.Page{p}
	if p.Flags.MultiPage {
		t := time.Now()
		pages = split.Split(p, pl.s.Split)
		result := "ok"
		if p.Failed(StageSplit) {
			result = "failed"
		}
		mpkg.ObserveStage(StageSplit, result, time.Since(t))
		if len(pages) > 1 {
			p.Release()
		}
		sl := logger.Stage(StageSplit, docID)
		sl.Debug().Str("page", p.Label()).Int("sub_pages", len(pages)).Msg("split evaluated")
	}

	out := make([]pageResult, 0, len(pages))
	for _, q := range pages {
		texts, err := pl.recognize(ctx, docID, q)
		if err != nil {
			return nil, err
		}
		q.Release()
		if len(q.Failures) > 0 {
			mpkg.IncPage("degraded")
		} else {
			mpkg.IncPage("ok")
		}
		out = append(out, pageResult{page: q, texts: texts})
	}
	return out, nil
}

func (pl *Pipeline) assess(ctx context.Context, docID string, p *document.Page) error {
	if pl.deps.Assessor == nil {
		p.Flags = document.Flags{PageCountEstimate: 1}
		p.Annotate(document.NoteUnassessed)
		return nil
	}
	t := time.Now()
	err := pl.deps.Assessor.Assess(ctx, docID, p)
	result := "ok"
	if err != nil || !p.Assessed {
		result = "unassessed"
	}
	mpkg.ObserveStage(StageAssess, result, time.Since(t))
	if err != nil {
		return stageError(docID, StageAssess, err)
	}
	return nil
}

// recognize tiles, enhances and OCRs one logical page.
func (pl *Pipeline) recognize(ctx context.Context, docID string, p *document.Page) (map[string]document.PageText, error) {
	t := time.Now()
	tiles, err := tile.Cut(p, pl.s.Tile)
	if err == nil {
		err = tile.Verify(tiles, p.Height())
	}
	observe(StageTile, err, t)
	if err != nil {
		p.Fail(StageTile, err)
		tl := logger.Stage(StageTile, docID)
		tl.Warn().Err(err).Str("page", p.Label()).Msg("tiling failed, page has no text")
		return pl.failedTexts(p, err), nil
	}

	if pl.deps.Enhancer != nil {
		t = time.Now()
		err := enhance.Tiles(ctx, pl.deps.Enhancer, tiles, pl.s.TileConcurrency)
		observe(StageEnhance, err, t)
		if err != nil {
			return nil, stageError(docID, StageEnhance, err)
		}
		for _, tl := range tiles {
			if tl.EnhanceErr != "" {
				p.Fail(StageEnhance, fmt.Errorf("tile %d: %s", tl.Index, tl.EnhanceErr))
			}
		}
	}

	t = time.Now()
	texts, err := pl.deps.OCR.RecognizePage(ctx, docID, p, tiles)
	observe(StageOCR, err, t)
	if err != nil {
		return nil, stageError(docID, StageOCR, err)
	}
	for _, backend := range pl.deps.OCR.Backends() {
		if pt := texts[backend]; pt.Failed {
			p.Fail(StageOCR, fmt.Errorf("%s: %s", backend, strings.Join(pt.Errors, "; ")))
		}
	}
	return texts, nil
}

func (pl *Pipeline) failedTexts(p *document.Page, err error) map[string]document.PageText {
	texts := make(map[string]document.PageText)
	for _, b := range pl.deps.OCR.Backends() {
		texts[b] = document.PageText{Index: p.Index, Sub: p.Sub, Label: p.Label(), Failed: true, Errors: []string{err.Error()}}
	}
	return texts
}

func observe(stage string, err error, start time.Time) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	mpkg.ObserveStage(stage, result, time.Since(start))
}
