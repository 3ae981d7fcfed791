// Package imageutil holds the raster helpers shared by the correction,
// splitting and tiling stages.
package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	stddraw "image/draw"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// InkThreshold separates content from paper on an 8-bit gray scale.
const InkThreshold = 200

// Gray converts img to an 8-bit grayscale copy anchored at the origin.
func Gray(img image.Image) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	stddraw.Draw(g, g.Bounds(), img, b.Min, stddraw.Src)
	return g
}

// InkMask marks pixels darker than threshold as ink.
// The mask is row-major with the image's width.
func InkMask(g *image.Gray, threshold uint8) []bool {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()
	mask := make([]bool, w*h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			mask[y*w+x] = v < threshold
		}
	}
	return mask
}

// RowInk returns the ink pixel count of every row.
func RowInk(mask []bool, w, h int) []int {
	out := make([]int, h)
	for y := 0; y < h; y++ {
		n := 0
		for _, ink := range mask[y*w : (y+1)*w] {
			if ink {
				n++
			}
		}
		out[y] = n
	}
	return out
}

// ColInk returns the ink pixel count of every column.
func ColInk(mask []bool, w, h int) []int {
	out := make([]int, w)
	for y := 0; y < h; y++ {
		for x, ink := range mask[y*w : (y+1)*w] {
			if ink {
				out[x]++
			}
		}
	}
	return out
}

// Crop copies r out of img into a new RGBA anchored at the origin.
func Crop(img image.Image, r image.Rectangle) *image.RGBA {
	r = r.Intersect(img.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	stddraw.Draw(dst, dst.Bounds(), img, r.Min, stddraw.Src)
	return dst
}

// Blank returns a white RGBA canvas.
func Blank(w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	stddraw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, stddraw.Src)
	return dst
}

// Scale resamples img by factor with Catmull-Rom.
func Scale(img image.Image, factor float64) *image.RGBA {
	b := img.Bounds()
	w := int(float64(b.Dx())*factor + 0.5)
	h := int(float64(b.Dy())*factor + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Preview downscales img so its longest side is at most maxSide.
// Images already small enough are returned unchanged.
func Preview(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	long := b.Dx()
	if b.Dy() > long {
		long = b.Dy()
	}
	if maxSide <= 0 || long <= maxSide {
		return img
	}
	factor := float64(maxSide) / float64(long)
	w := int(float64(b.Dx()) * factor)
	h := int(float64(b.Dy()) * factor)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// EncodePNG encodes img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeJPEG encodes img at quality q.
func EncodeJPEG(img image.Image, q int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decodes a PNG or JPEG payload.
func Decode(b []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
