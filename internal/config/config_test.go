package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, 5, cfg.Pipeline.Bands)
	assert.Equal(t, 0.1, cfg.Pipeline.OverlapFraction)
	assert.Equal(t, 3508, cfg.Pipeline.TargetLongSidePx)
	assert.Equal(t, 40_000_000, cfg.Pipeline.MaxPixels)
	assert.Equal(t, []string{"document_ai", "gemini"}, cfg.Backends.Enabled)
	assert.Equal(t, "gemini-2.0-flash-lite", cfg.Assessor.Model)
	assert.Equal(t, 30*time.Second, cfg.Assessor.Timeout)
	assert.Equal(t, "DRCT-L", cfg.Enhancer.Model)
	assert.Equal(t, ".txt", cfg.Merger.Extension)
	assert.True(t, cfg.Contract.Enabled)
	assert.Equal(t, "gemini-2.5-pro", cfg.Contract.Model)
	assert.Equal(t, 65536, cfg.Contract.MaxTokens)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("OCR_BACKENDS", " Tesseract , gemini ,")
	t.Setenv("MERGE_ENABLED", "false")
	t.Setenv("TILE_OVERLAP_FRACTION", "0.2")
	t.Setenv("ASSESSOR_TIMEOUT", "5s")
	t.Setenv("MAX_PIXELS", "not-a-number")

	cfg := FromEnv()
	assert.Equal(t, []string{"tesseract", "gemini"}, cfg.Backends.Enabled)
	assert.False(t, cfg.Pipeline.MergeEnabled)
	assert.Equal(t, 0.2, cfg.Pipeline.OverlapFraction)
	assert.Equal(t, 5*time.Second, cfg.Assessor.Timeout)
	assert.Equal(t, 40_000_000, cfg.Pipeline.MaxPixels)
	assert.True(t, cfg.HasBackend("tesseract"))
	assert.False(t, cfg.HasBackend("document_ai"))
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := FromEnv()
	cfg.Pipeline.Bands = 4
	cfg.Pipeline.OverlapFraction = 0.7
	cfg.Backends.Enabled = []string{"gemini", "abbyy"}
	cfg.Contract.Provider = "llama"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TILE_BANDS")
	assert.Contains(t, err.Error(), "TILE_OVERLAP_FRACTION")
	assert.Contains(t, err.Error(), `unknown OCR backend "abbyy"`)
	assert.Contains(t, err.Error(), "MERGE_ENABLED")
	assert.Contains(t, err.Error(), `unknown CONTRACT_PROVIDER "llama"`)
}

func TestLoadPromptsOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ocr_user: |\n  read everything\nmerge_user: \"A={text1} B={text2}\"\n"), 0o644))

	p, err := LoadPrompts(path)
	require.NoError(t, err)
	assert.Equal(t, "read everything\n", p.OCRUser)
	assert.Equal(t, DefaultPrompts().AssessUser, p.AssessUser)
	assert.Equal(t, "A=x B=y", p.RenderMerge("x", "y"))
}

func TestLoadPromptsRejectsMergeWithoutPlaceholders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("merge_user: merge them\n"), 0o644))
	_, err := LoadPrompts(path)
	assert.Error(t, err)
}

func TestDefaultMergePromptCarriesBothTexts(t *testing.T) {
	out := DefaultPrompts().RenderMerge("甲", "乙")
	assert.Contains(t, out, "--- テキスト1 ---\n甲")
	assert.Contains(t, out, "--- テキスト2 ---\n乙")
}

func TestLoadPromptsRejectsContractWithoutText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("contract_user: structure {filename}\n"), 0o644))
	_, err := LoadPrompts(path)
	assert.Error(t, err)
}

func TestRenderContract(t *testing.T) {
	out := DefaultPrompts().RenderContract("lease", "第1条 目的")
	assert.Contains(t, out, "第1条 目的")
	assert.NotContains(t, out, "{text}")
	assert.NotContains(t, out, "{filename}")
}
