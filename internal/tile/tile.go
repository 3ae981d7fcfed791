// Package tile cuts a page into overlapping horizontal bands.
//
// Band i owns the core rows [i*H/n, (i+1)*H/n). Its image additionally
// carries up to Overlap rows of each neighbour, where Overlap is
// round(OverlapFraction * H/n) and is the same for every band of a page.
// Text recognised in those rows appears in both bands; Stitch removes the
// repetition when band texts are joined.
package tile

import (
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/imageutil"
)

type Settings struct {
	Bands           int
	OverlapFraction float64
}

func DefaultSettings() Settings {
	return Settings{Bands: 5, OverlapFraction: 0.1}
}

// Overlap is the overlap in rows for a page of the given height.
func Overlap(height int, s Settings) int {
	if s.Bands <= 0 {
		return 0
	}
	return int(math.Round(s.OverlapFraction * float64(height) / float64(s.Bands)))
}

// Cut returns the bands of p in index order.
func Cut(p *document.Page, s Settings) ([]document.Tile, error) {
	if p.Image == nil {
		return nil, fmt.Errorf("page has no raster")
	}
	b := p.Image.Bounds()
	h := b.Dy()
	if s.Bands <= 0 || h < s.Bands {
		return nil, fmt.Errorf("page height %d cannot hold %d bands", h, s.Bands)
	}
	ov := Overlap(h, s)

	tiles := make([]document.Tile, s.Bands)
	for i := range tiles {
		coreStart := i * h / s.Bands
		coreEnd := (i + 1) * h / s.Bands
		top := max(0, coreStart-ov)
		bottom := min(h, coreEnd+ov)
		r := image.Rect(0, top, b.Dx(), bottom)
		tiles[i] = document.Tile{
			Index:         i,
			Bounds:        r,
			CoreStart:     coreStart,
			CoreEnd:       coreEnd,
			OverlapTop:    coreStart - top,
			OverlapBottom: bottom - coreEnd,
			Image:         imageutil.Crop(p.Image, r.Add(b.Min)),
			Scale:         1,
		}
	}
	return tiles, nil
}

// Verify checks that the band cores cover [0, height) exactly once and that
// each band's bounds contain its core.
func Verify(tiles []document.Tile, height int) error {
	next := 0
	for i, t := range tiles {
		if t.Index != i {
			return fmt.Errorf("tile %d out of order (index %d)", i, t.Index)
		}
		if t.CoreStart != next {
			return fmt.Errorf("tile %d core starts at %d, want %d", i, t.CoreStart, next)
		}
		if t.CoreEnd <= t.CoreStart {
			return fmt.Errorf("tile %d has empty core", i)
		}
		if t.Bounds.Min.Y > t.CoreStart || t.Bounds.Max.Y < t.CoreEnd {
			return fmt.Errorf("tile %d bounds %v do not contain core [%d,%d)", i, t.Bounds, t.CoreStart, t.CoreEnd)
		}
		next = t.CoreEnd
	}
	if next != height {
		return fmt.Errorf("cores end at %d, page height %d", next, height)
	}
	return nil
}

// Stitch joins band texts in order, dropping the leading lines of each band
// that repeat the trailing lines of the previous one.
func Stitch(texts []string) string {
	var out []string
	for _, t := range texts {
		lines := splitLines(t)
		if len(lines) == 0 {
			continue
		}
		k := repeated(out, lines)
		out = append(out, lines[k:]...)
	}
	return strings.Join(out, "\n")
}

// repeated is the length of the longest suffix of prev that is a prefix of next.
func repeated(prev, next []string) int {
	maxK := min(len(prev), len(next))
	for k := maxK; k > 0; k-- {
		match := true
		for i := 0; i < k; i++ {
			if norm(prev[len(prev)-k+i]) != norm(next[i]) {
				match = false
				break
			}
		}
		if match {
			return k
		}
	}
	return 0
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Trim(s, "\n")
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func norm(s string) string { return strings.Join(strings.Fields(s), " ") }
