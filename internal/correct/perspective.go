package correct

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/imageutil"
)

// ErrDegenerateQuad is returned when the corner estimate cannot be rectified.
var ErrDegenerateQuad = errors.New("degenerate corner quad")

// Perspective rectifies the page quad onto an upright rectangle.
func Perspective(p *document.Page, s Settings) (bool, error) {
	w, h := p.Width(), p.Height()
	if w == 0 || h == 0 {
		return false, errNoRaster
	}
	if p.AppliedKind(document.CorrectPerspective) {
		return false, nil
	}

	var q document.Quad
	source := "assessor"
	if p.Flags.Corners != nil {
		for i, c := range p.Flags.Corners {
			q[i] = document.Point{X: c.X * float64(w-1), Y: c.Y * float64(h-1)}
		}
	} else {
		var ok bool
		if q, ok = EstimateCorners(p.Image); !ok {
			return false, fmt.Errorf("%w: no ink to estimate corners", ErrDegenerateQuad)
		}
		source = "ink"
	}
	if err := checkQuad(q, w, h); err != nil {
		return false, err
	}

	outW := int(math.Round(math.Max(dist(q[0], q[1]), dist(q[3], q[2])))) + 1
	outH := int(math.Round(math.Max(dist(q[0], q[3]), dist(q[1], q[2])))) + 1
	dst := [4]document.Point{{X: 0, Y: 0}, {X: float64(outW - 1), Y: 0}, {X: float64(outW - 1), Y: float64(outH - 1)}, {X: 0, Y: float64(outH - 1)}}
	hm, err := solveHomography(dst, q)
	if err != nil {
		return false, err
	}

	img := warp(imageutil.Crop(p.Image, p.Image.Bounds()), hm, outW, outH)
	c := document.Correction{
		Kind: document.CorrectPerspective,
		Detail: fmt.Sprintf("%s corners=(%.0f,%.0f)(%.0f,%.0f)(%.0f,%.0f)(%.0f,%.0f)", source,
			q[0].X, q[0].Y, q[1].X, q[1].Y, q[2].X, q[2].Y, q[3].X, q[3].Y),
	}
	return p.Apply(c, img), nil
}

// EstimateCorners takes the extreme ink pixels along the diagonals of the
// thresholded image as the content quad.
func EstimateCorners(img image.Image) (document.Quad, bool) {
	g := imageutil.Gray(img)
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	mask := imageutil.InkMask(g, imageutil.InkThreshold)

	var q document.Quad
	minSum, maxSum := math.MaxInt, math.MinInt
	maxDiff, maxRev := math.MinInt, math.MinInt
	found := false
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !mask[y*w+x] {
				continue
			}
			found = true
			if s := x + y; s < minSum {
				minSum, q[0] = s, document.Point{X: float64(x), Y: float64(y)}
			}
			if d := x - y; d > maxDiff {
				maxDiff, q[1] = d, document.Point{X: float64(x), Y: float64(y)}
			}
			if s := x + y; s > maxSum {
				maxSum, q[2] = s, document.Point{X: float64(x), Y: float64(y)}
			}
			if r := y - x; r > maxRev {
				maxRev, q[3] = r, document.Point{X: float64(x), Y: float64(y)}
			}
		}
	}
	return q, found
}

// checkQuad rejects quads that are not convex, are ordered the wrong way
// round, or cover almost nothing.
func checkQuad(q document.Quad, w, h int) error {
	for i := 0; i < 4; i++ {
		a, b, c := q[i], q[(i+1)%4], q[(i+2)%4]
		// clockwise on screen (y down) means a positive turn at every corner
		cross := (b.X-a.X)*(c.Y-b.Y) - (b.Y-a.Y)*(c.X-b.X)
		if math.Abs(cross) < 1e-6 {
			return fmt.Errorf("%w: collinear corners", ErrDegenerateQuad)
		}
		if cross < 0 {
			return fmt.Errorf("%w: corners not convex in TL, TR, BR, BL order", ErrDegenerateQuad)
		}
	}
	if area := quadArea(q); area < 0.01*float64(w*h) {
		return fmt.Errorf("%w: area %.0f too small", ErrDegenerateQuad, area)
	}
	return nil
}

func quadArea(q document.Quad) float64 {
	s := 0.0
	for i := 0; i < 4; i++ {
		a, b := q[i], q[(i+1)%4]
		s += a.X*b.Y - b.X*a.Y
	}
	return math.Abs(s) / 2
}

func dist(a, b document.Point) float64 { return math.Hypot(b.X-a.X, b.Y-a.Y) }

// homography maps (x, y) to ((h0x+h1y+h2)/(h6x+h7y+1), (h3x+h4y+h5)/(h6x+h7y+1)).
type homography [8]float64

func (hm homography) apply(x, y float64) (float64, float64) {
	d := hm[6]*x + hm[7]*y + 1
	return (hm[0]*x + hm[1]*y + hm[2]) / d, (hm[3]*x + hm[4]*y + hm[5]) / d
}

// solveHomography finds the transform taking from[i] to to[i].
func solveHomography(from, to [4]document.Point) (homography, error) {
	var a [8][9]float64
	for i := 0; i < 4; i++ {
		x, y := from[i].X, from[i].Y
		u, v := to[i].X, to[i].Y
		a[2*i] = [9]float64{x, y, 1, 0, 0, 0, -u * x, -u * y, u}
		a[2*i+1] = [9]float64{0, 0, 0, x, y, 1, -v * x, -v * y, v}
	}
	// Gauss-Jordan with partial pivoting.
	for col := 0; col < 8; col++ {
		pivot := col
		for r := col + 1; r < 8; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return homography{}, fmt.Errorf("%w: singular system", ErrDegenerateQuad)
		}
		a[col], a[pivot] = a[pivot], a[col]
		for r := 0; r < 8; r++ {
			if r == col {
				continue
			}
			f := a[r][col] / a[col][col]
			for c := col; c < 9; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}
	var hm homography
	for i := 0; i < 8; i++ {
		hm[i] = a[i][8] / a[i][i]
	}
	return hm, nil
}

// warp fills an outW x outH image by sampling src through hm (output to
// source) with bilinear interpolation; samples outside src are white.
func warp(src *image.RGBA, hm homography, outW, outH int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	sw, sh := src.Bounds().Dx(), src.Bounds().Dy()
	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			sx, sy := hm.apply(float64(x), float64(y))
			dst.SetRGBA(x, y, bilinear(src, sx, sy, sw, sh))
		}
	}
	return dst
}

func bilinear(src *image.RGBA, x, y float64, w, h int) color.RGBA {
	if x < 0 || y < 0 || x > float64(w-1) || y > float64(h-1) {
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}
	}
	x0, y0 := int(x), int(y)
	x1, y1 := x0+1, y0+1
	if x1 >= w {
		x1 = w - 1
	}
	if y1 >= h {
		y1 = h - 1
	}
	fx, fy := x-float64(x0), y-float64(y0)
	at := func(px, py int) []uint8 {
		i := py*src.Stride + px*4
		return src.Pix[i : i+4]
	}
	p00, p10, p01, p11 := at(x0, y0), at(x1, y0), at(x0, y1), at(x1, y1)
	var out [4]uint8
	for c := 0; c < 4; c++ {
		top := float64(p00[c])*(1-fx) + float64(p10[c])*fx
		bot := float64(p01[c])*(1-fx) + float64(p11[c])*fx
		out[c] = uint8(math.Round(top*(1-fy) + bot*fy))
	}
	return color.RGBA{R: out[0], G: out[1], B: out[2], A: out[3]}
}
