package correct

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/imageutil"
)

var black = color.RGBA{A: 255}

func marked(w, h int, pts ...image.Point) *image.RGBA {
	img := imageutil.Blank(w, h)
	for _, p := range pts {
		img.SetRGBA(p.X, p.Y, black)
	}
	return img
}

func fillRect(img *image.RGBA, r image.Rectangle) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, black)
		}
	}
}

func TestUpscale(t *testing.T) {
	p := document.NewPage(0, imageutil.Blank(100, 50), 150)
	applied, err := Upscale(p, DefaultSettings())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 200, p.Width())
	assert.Equal(t, 100, p.Height())
	assert.Equal(t, 300.0, p.DPI)

	again, err := Upscale(p, DefaultSettings())
	require.NoError(t, err)
	assert.False(t, again)
	assert.Len(t, p.History(), 1)
}

func TestUpscaleRespectsCeiling(t *testing.T) {
	s := DefaultSettings()
	s.MaxPixels = 100 * 50 * 2 // allows sqrt(2)
	p := document.NewPage(0, imageutil.Blank(100, 50), 150)
	applied, err := Upscale(p, s)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.LessOrEqual(t, p.Width()*p.Height(), s.MaxPixels+300)
	assert.True(t, p.HasNote(document.NoteUpscaleCapped))

	s.MaxPixels = 100 * 50
	capped := document.NewPage(0, imageutil.Blank(100, 50), 150)
	applied, err = Upscale(capped, s)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 100, capped.Width())
	assert.True(t, capped.HasNote(document.NoteUpscaleCapped))
	assert.Empty(t, capped.History())
}

func TestNormalizeAngle(t *testing.T) {
	tests := map[float64]float64{0: 0, 90: 90, 270: -90, -180: 180, 180: 180, 540: 180, -450: -90, 359: -1}
	for in, want := range tests {
		assert.InDelta(t, want, NormalizeAngle(in), 1e-9, "%v", in)
	}
}

func TestEffectiveAngle(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 90.0, EffectiveAngle(87, 0.9, s))
	assert.Equal(t, 180.0, EffectiveAngle(-175, 0.9, s))
	assert.Equal(t, 30.0, EffectiveAngle(30, 0.9, s))
	assert.Equal(t, 0.0, EffectiveAngle(30, 0.2, s))
	assert.Equal(t, 0.0, EffectiveAngle(4, 0.9, s))
	assert.Equal(t, -90.0, EffectiveAngle(270, 0.9, s))
}

func TestRotateRightAngles(t *testing.T) {
	// 4 wide, 2 tall, mark top-left
	src := marked(4, 2, image.Pt(0, 0))
	tests := []struct {
		deg  float64
		size image.Point
		at   image.Point
	}{
		{90, image.Pt(2, 4), image.Pt(1, 0)},
		{180, image.Pt(4, 2), image.Pt(3, 1)},
		{-90, image.Pt(2, 4), image.Pt(0, 3)},
	}
	for _, tt := range tests {
		out, scale := rotate(src, tt.deg, 4)
		assert.Equal(t, 1.0, scale)
		assert.Equal(t, tt.size, out.Bounds().Size(), "%v", tt.deg)
		assert.Equal(t, black, out.RGBAAt(tt.at.X, tt.at.Y), "%v", tt.deg)
	}
}

func TestRotateIsIdempotent(t *testing.T) {
	p := document.NewPage(0, marked(40, 20, image.Pt(3, 5)), 300)
	p.Flags = document.Flags{Rotated: true, AngleEstimate: 90, Confidence: 0.9}

	applied, err := Rotate(p, DefaultSettings())
	require.NoError(t, err)
	require.True(t, applied)
	once := imageutil.Crop(p.Image, p.Image.Bounds())

	applied, err = Rotate(p, DefaultSettings())
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, once.Pix, imageutil.Crop(p.Image, p.Image.Bounds()).Pix)
	require.Len(t, p.History(), 1)
	assert.Equal(t, document.CorrectRotation, p.History()[0].Kind)
	assert.Equal(t, image.Pt(40, 20), p.History()[0].Before)
	assert.Equal(t, image.Pt(20, 40), p.History()[0].After)
}

func TestRotateArbitraryGrowsCanvas(t *testing.T) {
	out, scale := rotate(imageutil.Blank(100, 50), 30, 0)
	assert.Equal(t, 1.0, scale)
	rad := 30 * math.Pi / 180
	assert.Equal(t, int(math.Ceil(100*math.Cos(rad)+50*math.Sin(rad))), out.Bounds().Dx())
	assert.Equal(t, int(math.Ceil(100*math.Sin(rad)+50*math.Cos(rad))), out.Bounds().Dy())
	// corners of the new canvas stay white
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, out.RGBAAt(0, 0))
}

func TestRotateArbitraryStaysWithinPixelCeiling(t *testing.T) {
	out, scale := rotate(imageutil.Blank(1000, 1000), 45, 1_000_000)
	assert.Less(t, scale, 1.0)
	assert.LessOrEqual(t, out.Bounds().Dx()*out.Bounds().Dy(), 1_000_000)
	// the unscaled canvas would be about 1415x1415
	assert.Greater(t, out.Bounds().Dx()*out.Bounds().Dy(), 990_000)

	p := document.NewPage(0, marked(1000, 1000, image.Pt(500, 500)), 300)
	p.Flags = document.Flags{Rotated: true, AngleEstimate: 45, Confidence: 0.9}
	s := DefaultSettings()
	s.MaxPixels = 1_000_000
	applied, err := Rotate(p, s)
	require.NoError(t, err)
	require.True(t, applied)
	assert.LessOrEqual(t, p.Width()*p.Height(), s.MaxPixels)
	assert.True(t, p.HasNote(document.NoteRotationCapped))
	assert.InDelta(t, 300*scale, p.DPI, 1)
	assert.Contains(t, p.History()[0].Detail, "scale=")
}

func TestSolveHomographyMapsCorners(t *testing.T) {
	from := [4]document.Point{{X: 0, Y: 0}, {X: 99, Y: 0}, {X: 99, Y: 149}, {X: 0, Y: 149}}
	to := [4]document.Point{{X: 12, Y: 8}, {X: 180, Y: 20}, {X: 170, Y: 260}, {X: 5, Y: 240}}
	hm, err := solveHomography(from, to)
	require.NoError(t, err)
	for i := range from {
		x, y := hm.apply(from[i].X, from[i].Y)
		assert.InDelta(t, to[i].X, x, 1e-6)
		assert.InDelta(t, to[i].Y, y, 1e-6)
	}
}

func TestPerspectiveFromInkExtremes(t *testing.T) {
	img := imageutil.Blank(200, 300)
	fillRect(img, image.Rect(20, 40, 120, 240))
	p := document.NewPage(0, img, 300)
	p.Flags.Distorted = true

	applied, err := Perspective(p, DefaultSettings())
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, 100, p.Width())
	assert.Equal(t, 200, p.Height())
	// the rectified content is ink edge to edge
	assert.Equal(t, black, p.Image.(*image.RGBA).RGBAAt(50, 100))

	again, err := Perspective(p, DefaultSettings())
	require.NoError(t, err)
	assert.False(t, again)
}

func TestPerspectiveFromAssessorCorners(t *testing.T) {
	p := document.NewPage(0, imageutil.Blank(101, 201), 300)
	p.Flags.Corners = &document.Quad{{X: 0.1, Y: 0}, {X: 0.9, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}
	applied, err := Perspective(p, DefaultSettings())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 101, p.Width())
	assert.Equal(t, 201, p.Height())
}

func TestPerspectiveRejectsDegenerateQuads(t *testing.T) {
	blank := document.NewPage(0, imageutil.Blank(50, 50), 300)
	_, err := Perspective(blank, DefaultSettings())
	assert.ErrorIs(t, err, ErrDegenerateQuad)

	p := document.NewPage(0, imageutil.Blank(50, 50), 300)
	p.Flags.Corners = &document.Quad{{X: 0, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: 0}} // counter-clockwise
	_, err = Perspective(p, DefaultSettings())
	assert.ErrorIs(t, err, ErrDegenerateQuad)
	assert.Empty(t, p.History())
}
