package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/contractocr/internal/ai"
	"github.com/local/contractocr/internal/assess"
	"github.com/local/contractocr/internal/config"
	"github.com/local/contractocr/internal/contract"
	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/imageutil"
	"github.com/local/contractocr/internal/merger"
	"github.com/local/contractocr/internal/ocr"
	"github.com/local/contractocr/internal/rasterize"
)

var stamp = time.Date(2025, 9, 10, 8, 30, 42, 0, time.UTC)

func inked(w, h int, blocks ...image.Rectangle) *image.RGBA {
	img := imageutil.Blank(w, h)
	for _, r := range blocks {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				img.SetRGBA(x, y, color.RGBA{A: 255})
			}
		}
	}
	return img
}

type fakeSource struct {
	pages  []image.Image
	closed atomic.Bool
	fail   int // page index whose render fails, -1 for none
}

func (s *fakeSource) PageCount() int { return len(s.pages) }

func (s *fakeSource) Render(ctx context.Context, index int) (*document.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if index == s.fail {
		return nil, errors.New("mupdf: broken content stream")
	}
	return document.NewPage(index, imageutil.Crop(s.pages[index], s.pages[index].Bounds()), 150), nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

func opener(src *fakeSource) Opener {
	return OpenerFunc(func(ctx context.Context, _ rasterize.Source) (PageSource, error) { return src, nil })
}

// flagAssessor returns canned flags per page index.
type flagAssessor map[int]document.Flags

func (f flagAssessor) Assess(ctx context.Context, docID string, p *document.Page) error {
	p.Flags = document.Flags{PageCountEstimate: 1}
	if fl, ok := f[p.Index]; ok {
		p.Flags = fl
	}
	p.Assessed = true
	return nil
}

// echoBackend transcribes a tile as "<backend> <page> t<tile>".
type echoBackend struct{ name string }

func (e echoBackend) Name() string { return e.name }

func (e echoBackend) Recognize(ctx context.Context, in ocr.Input) (ocr.Output, error) {
	if err := ctx.Err(); err != nil {
		return ocr.Output{}, err
	}
	return ocr.Output{Text: fmt.Sprintf("%s %s t%d", e.name, in.Page, in.Tile)}, nil
}

func dispatcher() *ocr.Dispatcher {
	return ocr.NewDispatcher([]ocr.Backend{echoBackend{ocr.DocumentAIName}, echoBackend{ocr.GeminiName}}, nil, ocr.Options{TileConcurrency: 4})
}

func settings(t *testing.T) Settings {
	s := DefaultSettings()
	s.WorkDir = t.TempDir()
	s.PageConcurrency = 3
	return s
}

func TestProcessRunsEveryStageInOrder(t *testing.T) {
	src := &fakeSource{fail: -1, pages: []image.Image{
		inked(100, 300, image.Rect(10, 10, 90, 290)),
		inked(200, 400, image.Rect(10, 10, 190, 170), image.Rect(10, 230, 190, 390)),
	}}
	s := settings(t)
	pl := New(s, Dependencies{
		Opener: opener(src),
		Assessor: flagAssessor{
			0: {Rotated: true, AngleEstimate: 90, Confidence: 0.9, PageCountEstimate: 1},
			1: {MultiPage: true, PageCountEstimate: 2},
		},
		OCR:    dispatcher(),
		Merger: merger.New(nil, merger.Options{Now: func() time.Time { return stamp }}),
		Now:    func() time.Time { return stamp },
	})

	out, err := pl.Process(context.Background(), Input{DocumentID: "doc-1", Bytes: []byte("%PDF"), Name: "contract.pdf"})
	require.NoError(t, err)
	assert.True(t, src.closed.Load())

	doc := out.Document
	assert.Equal(t, 2, doc.PageCount)
	var labels []string
	for _, p := range doc.Pages {
		labels = append(labels, p.Label())
		assert.Nil(t, p.Image, "rasters are released")
		assert.Empty(t, p.Failures)
	}
	assert.Equal(t, []string{"1", "2.1", "2.2"}, labels)

	h := doc.Pages[0].History()
	require.Len(t, h, 1)
	assert.Equal(t, document.CorrectRotation, h[0].Kind)
	assert.Equal(t, image.Pt(300, 100), h[0].After)

	dir := filepath.Join(s.WorkDir, "doc-1")
	assert.Equal(t, filepath.Join(dir, "document_ai_integrated_20250910_083042.txt"), out.Integrated[ocr.DocumentAIName])
	assert.Equal(t, filepath.Join(dir, "gemini_integrated_20250910_083042.txt"), out.Integrated[ocr.GeminiName])
	require.Len(t, out.Results, 2)
	assert.Equal(t, "unknown", out.Results[0].Metadata["text_layer"])

	text := out.Results[0].Text
	assert.True(t, strings.HasPrefix(text, "=== Page 1 ===\ndocument_ai 1 t0\n"), text)
	assert.Less(t, strings.Index(text, "=== Page 2.1 ==="), strings.Index(text, "=== Page 2.2 ==="))

	require.NotNil(t, out.Merged)
	assert.Equal(t, filepath.Join(dir, "output", "merged_ocr_20250910_083042.txt"), out.Merged.TextPath)
	assert.FileExists(t, out.Merged.MetaPath)
	assert.Equal(t, merger.StrategyFallback, out.Merged.Metadata.Strategy)
}

func TestRasterizationFailureAbandonsDocument(t *testing.T) {
	src := &fakeSource{fail: 1, pages: []image.Image{imageutil.Blank(50, 100), imageutil.Blank(50, 100)}}
	s := settings(t)
	pl := New(s, Dependencies{Opener: opener(src), OCR: dispatcher()})

	_, err := pl.Process(context.Background(), Input{DocumentID: "doc-2", Ref: "in.pdf"})
	require.Error(t, err)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageRasterize, se.Stage)
	assert.Equal(t, "doc-2", se.DocumentID)
	assert.NoDirExists(t, filepath.Join(s.WorkDir, "doc-2"))
}

func TestUnopenableDocumentIsFatal(t *testing.T) {
	pl := New(settings(t), Dependencies{
		Opener: OpenerFunc(func(ctx context.Context, _ rasterize.Source) (PageSource, error) {
			return nil, rasterize.ErrUnreadable
		}),
		OCR: dispatcher(),
	})
	_, err := pl.Process(context.Background(), Input{Bytes: []byte("not a pdf")})
	assert.ErrorIs(t, err, rasterize.ErrUnreadable)
	assert.Equal(t, StageRasterize, FailedStage(err))
}

type downJudge struct{}

func (downJudge) Name() string { return "gemini" }

func (downJudge) Do(ctx context.Context, req ai.Request) (ai.Response, error) {
	return ai.Response{}, &ai.HTTPError{StatusCode: 503, Provider: "gemini", Body: "unavailable"}
}

func TestUnassessedPagesStillProduceText(t *testing.T) {
	src := &fakeSource{fail: -1, pages: []image.Image{imageutil.Blank(60, 200)}}
	pl := New(settings(t), Dependencies{
		Opener:   opener(src),
		Assessor: assess.New(downJudge{}, assess.DefaultSettings()),
		OCR:      dispatcher(),
	})
	out, err := pl.Process(context.Background(), Input{Bytes: []byte("%PDF")})
	require.NoError(t, err)
	p := out.Document.Pages[0]
	assert.True(t, p.HasNote(document.NoteUnassessed))
	assert.True(t, p.Failed(StageAssess))
	assert.Empty(t, p.History())
	assert.Contains(t, out.Results[1].Text, "gemini 1 t4")
}

func TestPageLevelFailuresAreIsolated(t *testing.T) {
	src := &fakeSource{fail: -1, pages: []image.Image{
		imageutil.Blank(40, 3), // too short to tile
		imageutil.Blank(40, 200),
	}}
	pl := New(settings(t), Dependencies{
		Opener: opener(src),
		Assessor: flagAssessor{
			1: {Distorted: true, PageCountEstimate: 1}, // blank page: no corners to find
		},
		OCR: dispatcher(),
	})
	out, err := pl.Process(context.Background(), Input{Bytes: []byte("%PDF")})
	require.NoError(t, err)

	short, distorted := out.Document.Pages[0], out.Document.Pages[1]
	assert.True(t, short.Failed(StageTile))
	assert.True(t, distorted.Failed(StagePerspective))
	assert.False(t, distorted.Failed(StageTile))

	pages := out.Results[0].Pages
	require.Len(t, pages, 2)
	assert.True(t, pages[0].Failed)
	assert.Empty(t, pages[0].Text)
	assert.Contains(t, pages[1].Text, "document_ai 2 t0")
	assert.Nil(t, out.Merged, "no merger configured")
}

// flakyEnhancer fails every third call.
type flakyEnhancer struct{ n atomic.Int32 }

func (f *flakyEnhancer) Name() string { return "flaky" }

func (f *flakyEnhancer) Enhance(ctx context.Context, img image.Image) (image.Image, error) {
	if f.n.Add(1)%3 == 0 {
		return nil, errors.New("gpu out of memory")
	}
	return imageutil.Scale(img, 2), nil
}

func TestEnhancerFailuresFallBackPerTile(t *testing.T) {
	src := &fakeSource{fail: -1, pages: []image.Image{imageutil.Blank(40, 200)}}
	pl := New(settings(t), Dependencies{Opener: opener(src), Enhancer: &flakyEnhancer{}, OCR: dispatcher()})
	out, err := pl.Process(context.Background(), Input{Bytes: []byte("%PDF")})
	require.NoError(t, err)

	p := out.Document.Pages[0]
	assert.True(t, p.Failed(StageEnhance))
	assert.False(t, out.Results[0].Pages[0].Failed)
	assert.Equal(t, "document_ai 1 t0\ndocument_ai 1 t1\ndocument_ai 1 t2\ndocument_ai 1 t3\ndocument_ai 1 t4", out.Results[0].Pages[0].Text)
}

func TestCancellationWritesNothing(t *testing.T) {
	src := &fakeSource{fail: -1, pages: []image.Image{imageutil.Blank(40, 200), imageutil.Blank(40, 200)}}
	s := settings(t)
	pl := New(s, Dependencies{Opener: opener(src), OCR: dispatcher()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pl.Process(ctx, Input{DocumentID: "doc-c", Bytes: []byte("%PDF")})
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(filepath.Join(s.WorkDir, "doc-c"))
	assert.True(t, os.IsNotExist(statErr))
}

// cancelAfter cancels the run once the wrapped recognizer has returned.
type cancelAfter struct {
	Recognizer
	cancel context.CancelFunc
}

func (c cancelAfter) RecognizePage(ctx context.Context, docID string, p *document.Page, tiles []document.Tile) (map[string]document.PageText, error) {
	texts, err := c.Recognizer.RecognizePage(ctx, docID, p, tiles)
	c.cancel()
	return texts, err
}

func TestCancellationAfterOCRWritesNothing(t *testing.T) {
	src := &fakeSource{fail: -1, pages: []image.Image{imageutil.Blank(40, 200)}}
	s := settings(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pl := New(s, Dependencies{
		Opener: opener(src),
		OCR:    cancelAfter{Recognizer: dispatcher(), cancel: cancel},
		Merger: merger.New(nil, merger.Options{}),
	})

	out, err := pl.Process(ctx, Input{DocumentID: "doc-w", Bytes: []byte("%PDF")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StageWrite, FailedStage(err))
	assert.Empty(t, out.Integrated)
	assert.Nil(t, out.Merged)
	assert.NoDirExists(t, filepath.Join(s.WorkDir, "doc-w"))
}

// cancellingReconciler cancels the run and then fails, as a model call
// interrupted by its parent would.
type cancellingReconciler struct{ cancel context.CancelFunc }

func (c cancellingReconciler) Reconcile(ctx context.Context, text1, text2 string) (string, error) {
	c.cancel()
	return "", errors.New("request interrupted")
}

func TestCancellationDuringMergeWritesNoMergedOutput(t *testing.T) {
	src := &fakeSource{fail: -1, pages: []image.Image{imageutil.Blank(40, 200)}}
	s := settings(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ex := &recordingContract{}
	pl := New(s, Dependencies{
		Opener:   opener(src),
		OCR:      dispatcher(),
		Merger:   merger.New(cancellingReconciler{cancel: cancel}, merger.Options{}),
		Contract: ex,
		Now:      func() time.Time { return stamp },
	})

	out, err := pl.Process(ctx, Input{DocumentID: "doc-m", Bytes: []byte("%PDF")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StageMerge, FailedStage(err))
	assert.Nil(t, out.Merged)
	assert.NoDirExists(t, filepath.Join(s.WorkDir, "doc-m", "output"))
	assert.False(t, ex.called)
}

// recordingContract records what the contract stage was given.
type recordingContract struct {
	called         bool
	basename, text string
}

func (r *recordingContract) Run(ctx context.Context, docID, basename, text, dir string) (*contract.Result, error) {
	r.called, r.basename, r.text = true, basename, text
	return &contract.Result{Path: filepath.Join(dir, contract.DirName, basename+".json")}, nil
}

func TestContractStageReadsMergedText(t *testing.T) {
	src := &fakeSource{fail: -1, pages: []image.Image{imageutil.Blank(40, 200)}}
	s := settings(t)
	ex := &recordingContract{}
	pl := New(s, Dependencies{
		Opener:   opener(src),
		OCR:      dispatcher(),
		Merger:   merger.New(nil, merger.Options{}),
		Contract: ex,
		Now:      func() time.Time { return stamp },
	})

	out, err := pl.Process(context.Background(), Input{DocumentID: "doc-k", Bytes: []byte("%PDF"), Name: "/in/賃貸借契約.pdf"})
	require.NoError(t, err)
	require.NotNil(t, out.Merged)
	require.NotNil(t, out.Contract)
	assert.Equal(t, "賃貸借契約", ex.basename)
	assert.Equal(t, out.Merged.Text, ex.text)
	assert.Equal(t, filepath.Join(s.WorkDir, "doc-k", contract.DirName, "賃貸借契約.json"), out.Contract.Path)
}

func TestContractStageWithoutMergeUsesDocumentAIText(t *testing.T) {
	src := &fakeSource{fail: -1, pages: []image.Image{imageutil.Blank(40, 200)}}
	s := settings(t)
	s.Merge = false
	ex := &recordingContract{}
	pl := New(s, Dependencies{Opener: opener(src), OCR: dispatcher(), Contract: ex})

	out, err := pl.Process(context.Background(), Input{DocumentID: "doc-d", Bytes: []byte("%PDF")})
	require.NoError(t, err)
	assert.Nil(t, out.Merged)
	assert.Equal(t, "doc-d", ex.basename)
	assert.Equal(t, out.Results[0].Text, ex.text)
	assert.Contains(t, ex.text, "document_ai 1 t0")
}

func TestContractFallbackKeepsDocument(t *testing.T) {
	src := &fakeSource{fail: -1, pages: []image.Image{imageutil.Blank(40, 200)}}
	s := settings(t)
	pl := New(s, Dependencies{
		Opener:   opener(src),
		OCR:      dispatcher(),
		Merger:   merger.New(nil, merger.Options{}),
		Contract: contract.New(downJudge{}, contract.DefaultSettings(), config.DefaultPrompts()),
	})

	out, err := pl.Process(context.Background(), Input{DocumentID: "doc-f", Bytes: []byte("%PDF"), Name: "lease.pdf"})
	require.NoError(t, err)
	require.NotNil(t, out.Contract)
	assert.True(t, out.Contract.Fallback)
	assert.False(t, out.Contract.Contract.Success)
	assert.Equal(t, "lease", out.Contract.Contract.Info.Title)
	assert.FileExists(t, filepath.Join(s.WorkDir, "doc-f", contract.DirName, "lease.json"))
}

func TestMergeWithoutMerger(t *testing.T) {
	pl := New(settings(t), Dependencies{OCR: dispatcher()})
	_, err := pl.Merge(context.Background(), "a", "b")
	assert.Error(t, err)
}
