package document

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyIsIdempotentForSameCorrection(t *testing.T) {
	p := NewPage(0, image.NewGray(image.Rect(0, 0, 10, 20)), 300)
	rotated := image.NewGray(image.Rect(0, 0, 20, 10))

	require.True(t, p.Apply(Correction{Kind: CorrectRotation, Param: 90}, rotated))
	again := image.NewGray(image.Rect(0, 0, 10, 20))
	assert.False(t, p.Apply(Correction{Kind: CorrectRotation, Param: 90}, again))

	assert.Equal(t, rotated, p.Image)
	h := p.History()
	require.Len(t, h, 1)
	assert.Equal(t, image.Pt(10, 20), h[0].Before)
	assert.Equal(t, image.Pt(20, 10), h[0].After)
}

func TestHistoryIsACopy(t *testing.T) {
	p := NewPage(0, image.NewGray(image.Rect(0, 0, 4, 4)), 300)
	p.Apply(Correction{Kind: CorrectUpscale, Param: 2}, image.NewGray(image.Rect(0, 0, 8, 8)))

	h := p.History()
	h[0].Param = 99
	assert.Equal(t, 2.0, p.History()[0].Param)
}

func TestDeriveInheritsFlagsAndHistory(t *testing.T) {
	p := NewPage(3, image.NewGray(image.Rect(0, 0, 10, 40)), 200)
	p.Flags = Flags{MultiPage: true, PageCountEstimate: 2, Rotated: true, AngleEstimate: 90}
	p.Apply(Correction{Kind: CorrectRotation, Param: 90}, image.NewGray(image.Rect(0, 0, 10, 40)))

	child := p.Derive(1, image.NewGray(image.Rect(0, 0, 10, 20)), Correction{Kind: CorrectSplit, Param: 1})

	assert.Equal(t, 3, child.Index)
	assert.Equal(t, 1, child.Sub)
	assert.True(t, child.Split)
	assert.False(t, child.Flags.MultiPage)
	assert.True(t, child.Flags.Rotated)
	assert.Equal(t, "4.2", child.Label())
	require.Len(t, child.History(), 2)
	assert.Equal(t, CorrectSplit, child.History()[1].Kind)
	assert.Len(t, p.History(), 1)
}

func TestAnnotateOnce(t *testing.T) {
	p := &Page{}
	p.Annotate(NoteUnassessed)
	p.Annotate(NoteUnassessed)
	assert.Equal(t, []string{NoteUnassessed}, p.Annotations)
	assert.True(t, p.HasNote(NoteUnassessed))
	assert.False(t, p.HasNote(NoteSplitFailed))
}
