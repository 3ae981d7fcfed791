package main

import (
	"bytes"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/local/contractocr/internal/config"
	"github.com/local/contractocr/internal/contract"
	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/ocr"
	"github.com/local/contractocr/internal/pipeline"
)

func TestBuildSettingsFromEnv(t *testing.T) {
	t.Setenv("TILE_OVERLAP_FRACTION", "0.2")
	t.Setenv("PAGE_CONCURRENCY", "3")
	t.Setenv("MERGE_ENABLED", "false")
	s := buildSettings(cfgpkg.FromEnv())

	assert.Equal(t, 5, s.Tile.Bands)
	assert.Equal(t, 0.2, s.Tile.OverlapFraction)
	assert.Equal(t, 3, s.PageConcurrency)
	assert.False(t, s.Merge)
	assert.Equal(t, 4, s.Split.MaxSplitPages)
	assert.Equal(t, 2.0, s.Correct.UpscaleFactor)
}

func TestBuildBackendsFollowsEnabledOrder(t *testing.T) {
	cfg := cfgpkg.FromEnv()
	cfg.Backends.Enabled = []string{"gemini", "document_ai"}
	got, err := buildBackends(cfg)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ocr.GeminiName, got[0].Name())
	assert.Equal(t, ocr.DocumentAIName, got[1].Name())

	cfg.Backends.Enabled = []string{"abbyy"}
	_, err = buildBackends(cfg)
	assert.Error(t, err)
}

func TestSummarizeListsPageOutcome(t *testing.T) {
	p := document.NewPage(0, image.NewGray(image.Rect(0, 0, 4, 8)), 300)
	p.Apply(document.Correction{Kind: document.CorrectRotation, Param: 90}, image.NewGray(image.Rect(0, 0, 8, 4)))
	p.Annotate(document.NoteUnassessed)
	out := pipeline.Outcome{
		Document:   &document.Document{ID: "d1", Source: "a.pdf", PageCount: 1, Pages: []*document.Page{p}},
		Integrated: map[string]string{"gemini": "/w/d1/gemini_integrated_20240501_090000.txt"},
	}
	s := summarize(out)
	require.Len(t, s.Pages, 1)
	assert.Equal(t, []string{"rotation"}, s.Pages[0].Corrections)
	assert.Equal(t, []string{document.NoteUnassessed}, s.Pages[0].Annotations)
	assert.Empty(t, s.MergedText)
	assert.Nil(t, s.ContractSuccess)

	out.Contract = &contract.Result{Path: "/w/d1/after_ocr/a.json", Fallback: true, Contract: contract.Fallback("a", "")}
	s = summarize(out)
	assert.Equal(t, "/w/d1/after_ocr/a.json", s.Contract)
	require.NotNil(t, s.ContractSuccess)
	assert.False(t, *s.ContractSuccess)
}

func TestBuildContractHonoursEnabled(t *testing.T) {
	cfg := cfgpkg.FromEnv()
	cfg.Contract.Enabled = false
	ex, err := buildContract(cfg)
	require.NoError(t, err)
	assert.Nil(t, ex)

	cfg.Contract.Enabled = true
	ex, err = buildContract(cfg)
	require.NoError(t, err)
	assert.IsType(t, &contract.Extractor{}, ex)
}

func TestMergeCommandRejectsMismatchedPair(t *testing.T) {
	dir := t.TempDir()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	t.Setenv("LOG_FILE", dir+"/test.log")
	t.Setenv("MERGE_PROVIDER", "none")
	root.SetArgs([]string{"merge", dir + "/document_ai_integrated_20240501_090000.txt", dir + "/gemini_integrated_20240501_090001.txt"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timestamp")
}
