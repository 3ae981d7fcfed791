package rasterize

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleIndices(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, sampleIndices(3))
	assert.Equal(t, []int{0, 2, 5, 7, 9}, sampleIndices(10))
	assert.Empty(t, sampleIndices(0))
}

func TestScannedPDFHasNoTextLayer(t *testing.T) {
	d, err := New(DefaultOptions(), nil, nil).Open(context.Background(), Source{Bytes: syntheticPDF(t, 3, 595, 842)})
	require.NoError(t, err)
	defer d.Close()
	has, n := d.TextLayer(0)
	assert.False(t, has)
	assert.Zero(t, n)
}

func TestCountVisible(t *testing.T) {
	assert.Equal(t, 5, countVisible(" 第1条\n甲 乙　"))
}

func TestCleanupTempsRemovesOnlyStaleInputs(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-2 * time.Hour)
	write := func(name string, mod time.Time) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("%PDF"), 0o600))
		require.NoError(t, os.Chtimes(p, mod, mod))
		return p
	}
	stale := write("s3pdf-123.pdf", old)
	fresh := write("contract-456.pdf", time.Now())
	foreign := write("report.pdf", old)

	assert.Equal(t, 1, CleanupTemps(dir, time.Hour))
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, foreign)
}
