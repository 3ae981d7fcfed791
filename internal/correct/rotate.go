package correct

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/imageutil"
)

// NormalizeAngle maps any angle in degrees into (-180, 180].
func NormalizeAngle(a float64) float64 {
	a = math.Mod(a, 360)
	if a <= -180 {
		a += 360
	} else if a > 180 {
		a -= 360
	}
	return a
}

// EffectiveAngle is the clockwise rotation actually applied for an estimate.
// Angles near a right angle, or estimates with low confidence, snap to the
// nearest multiple of 90 so that no interpolation is needed.
func EffectiveAngle(estimate, confidence float64, s Settings) float64 {
	a := NormalizeAngle(estimate)
	nearest := math.Round(a/90) * 90
	if math.Abs(a-nearest) <= s.RotationSnapDeg || confidence < s.RotationMinConfidence {
		a = NormalizeAngle(nearest)
	}
	if a == 0 {
		return 0 // avoid -0
	}
	return a
}

// Rotate turns the page clockwise by its snapped angle estimate. A canvas
// that would exceed s.MaxPixels is scaled down to fit and the page DPI
// follows.
func Rotate(p *document.Page, s Settings) (bool, error) {
	if p.Image == nil {
		return false, errNoRaster
	}
	a := EffectiveAngle(p.Flags.AngleEstimate, p.Flags.Confidence, s)
	if a == 0 {
		return false, nil
	}
	c := document.Correction{Kind: document.CorrectRotation, Param: a}
	if p.Applied(c) {
		return false, nil
	}
	img, scale := rotate(p.Image, a, s.MaxPixels)
	if scale < 1 {
		c.Detail = fmt.Sprintf("scale=%.3f", scale)
	}
	if !p.Apply(c, img) {
		return false, nil
	}
	if scale < 1 {
		p.DPI *= scale
		p.Annotate(document.NoteRotationCapped)
	}
	return true, nil
}

// rotate returns the rotated raster and the scale applied to keep it within
// maxPixels (1 when no scaling was needed, or maxPixels <= 0).
func rotate(img image.Image, deg float64, maxPixels int) (*image.RGBA, float64) {
	switch deg {
	case 90, 180, -90:
		return rotateRight(img, int(deg)), 1
	}
	return rotateArbitrary(img, deg, maxPixels)
}

// rotateRight remaps pixels exactly for multiples of 90 degrees.
func rotateRight(img image.Image, deg int) *image.RGBA {
	src := imageutil.Crop(img, img.Bounds())
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	var dst *image.RGBA
	if deg == 180 {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	}
	for sy := 0; sy < h; sy++ {
		for sx := 0; sx < w; sx++ {
			var dx, dy int
			switch deg {
			case 90:
				dx, dy = h-1-sy, sx
			case 180:
				dx, dy = w-1-sx, h-1-sy
			default: // -90
				dx, dy = sy, w-1-sx
			}
			si := sy*src.Stride + sx*4
			di := dy*dst.Stride + dx*4
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}

// rotateArbitrary rotates about the centre onto a white canvas large enough
// to hold the whole rotated page, shrinking the result when that canvas
// would exceed maxPixels.
func rotateArbitrary(img image.Image, deg float64, maxPixels int) (*image.RGBA, float64) {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	rad := deg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	fw := math.Abs(w*cos) + math.Abs(h*sin)
	fh := math.Abs(w*sin) + math.Abs(h*cos)
	nw, nh := int(math.Ceil(fw)), int(math.Ceil(fh))

	scale := 1.0
	if maxPixels > 0 && nw*nh > maxPixels {
		scale = math.Sqrt(float64(maxPixels) / (fw * fh))
		nw, nh = int(fw*scale), int(fh*scale)
		for nw*nh > maxPixels && nw > 1 && nh > 1 {
			scale *= 0.999
			nw, nh = int(fw*scale), int(fh*scale)
		}
		nw, nh = max(nw, 1), max(nh, 1)
	}

	dst := imageutil.Blank(nw, nh)
	csx, csy := float64(b.Min.X)+w/2, float64(b.Min.Y)+h/2
	cdx, cdy := float64(nw)/2, float64(nh)/2
	sc, ss := scale*cos, scale*sin
	// y points down, so this matrix turns the page clockwise on screen.
	s2d := f64.Aff3{
		sc, -ss, cdx - sc*csx + ss*csy,
		ss, sc, cdy - ss*csx - sc*csy,
	}
	draw.BiLinear.Transform(dst, s2d, img, b, draw.Over, nil)
	return dst, scale
}
