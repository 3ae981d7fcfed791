package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Level: "warn", Out: &buf}))
	defer Close()

	Get().Info().Msg("hidden")
	l := Stage("tile", "doc-1")
	l.Warn().Int("band", 2).Msg("visible")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &ev))
	assert.Equal(t, "visible", ev["message"])
	assert.Equal(t, "tile", ev["stage"])
	assert.Equal(t, "doc-1", ev["document_id"])
	assert.Equal(t, "contractocr", ev["service"])
	assert.EqualValues(t, 2, ev["band"])
}

func TestInitFallsBackToInfoOnBadLevel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Options{Level: "loud", Out: &buf}))
	Get().Debug().Msg("no")
	Get().Info().Msg("yes")
	assert.Contains(t, buf.String(), `"message":"yes"`)
	assert.NotContains(t, buf.String(), `"message":"no"`)
}

func TestAxiomSendCountsDropsWhenFull(t *testing.T) {
	c := &axiomClient{ch: make(chan axiom.Event, 1)}
	c.Send(axiom.Event{"message": "kept"})
	c.Send(axiom.Event{"message": "dropped"})
	assert.Len(t, c.ch, 1)
	assert.EqualValues(t, 1, c.dropped.Load())
}
