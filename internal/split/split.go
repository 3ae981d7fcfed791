// Package split cuts a scanned sheet holding several logical pages into one
// Page per logical page.
package split

import (
	"fmt"
	"image"

	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/imageutil"
)

type Settings struct {
	MaxSplitPages int
	// GapInkRatio is the highest ink fraction a line may have and still
	// count as blank.
	GapInkRatio float64
}

func DefaultSettings() Settings {
	return Settings{MaxSplitPages: 4, GapInkRatio: 0.003}
}

// Split returns the sub-pages of p in reading order. When p is not flagged
// multi-page it is returned alone. When the expected cuts cannot all be
// found p is returned whole, annotated split-failed.
func Split(p *document.Page, s Settings) []*document.Page {
	if !p.Flags.MultiPage {
		return []*document.Page{p}
	}
	cuts, horizontal, err := findCuts(p, s)
	if err != nil {
		p.Annotate(document.NoteSplitFailed)
		p.Fail("split", err)
		return []*document.Page{p}
	}

	n := len(cuts) + 1
	b := p.Image.Bounds()
	bounds := append([]int{0}, cuts...)
	if horizontal {
		bounds = append(bounds, b.Dy())
	} else {
		bounds = append(bounds, b.Dx())
	}

	axis := "vertical"
	if horizontal {
		axis = "horizontal"
	}
	out := make([]*document.Page, 0, n)
	for i := 0; i < n; i++ {
		var r image.Rectangle
		if horizontal {
			r = image.Rect(b.Min.X, b.Min.Y+bounds[i], b.Max.X, b.Min.Y+bounds[i+1])
		} else {
			r = image.Rect(b.Min.X+bounds[i], b.Min.Y, b.Min.X+bounds[i+1], b.Max.Y)
		}
		c := document.Correction{
			Kind:   document.CorrectSplit,
			Param:  float64(n),
			Detail: fmt.Sprintf("%s part %d/%d rows/cols [%d,%d)", axis, i+1, n, bounds[i], bounds[i+1]),
		}
		out = append(out, p.Derive(i, imageutil.Crop(p.Image, r), c))
	}
	return out
}

// findCuts locates the n-1 cut positions along the dominant axis.
// Sheets taller than wide stack their pages vertically and are cut across rows.
func findCuts(p *document.Page, s Settings) ([]int, bool, error) {
	n := p.Flags.PageCountEstimate
	if n < 2 || (s.MaxSplitPages > 0 && n > s.MaxSplitPages) {
		return nil, false, fmt.Errorf("page count estimate %d outside [2,%d]", n, s.MaxSplitPages)
	}
	if p.Image == nil {
		return nil, false, fmt.Errorf("page has no raster")
	}
	g := imageutil.Gray(p.Image)
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	mask := imageutil.InkMask(g, imageutil.InkThreshold)

	horizontal := h >= w
	profile, across := imageutil.ColInk(mask, w, h), h
	if horizontal {
		profile, across = imageutil.RowInk(mask, w, h), w
	}
	length := len(profile)
	if length < 4*n {
		return nil, horizontal, fmt.Errorf("image too small to cut into %d", n)
	}
	limit := s.GapInkRatio * float64(across)

	window := length / (4 * n)
	cuts := make([]int, 0, n-1)
	for k := 1; k < n; k++ {
		centre := k * length / n
		lo, hi := centre-window, centre+window
		cut, ok := longestBlankRun(profile, lo, hi, limit)
		if !ok {
			return nil, horizontal, fmt.Errorf("no blank gap near line %d for cut %d/%d", centre, k, n-1)
		}
		cuts = append(cuts, cut)
	}
	return cuts, horizontal, nil
}

// longestBlankRun returns the centre of the longest run of lines in
// [lo, hi] whose ink count is at most limit.
func longestBlankRun(profile []int, lo, hi int, limit float64) (int, bool) {
	if lo < 1 {
		lo = 1
	}
	if hi > len(profile)-2 {
		hi = len(profile) - 2
	}
	bestStart, bestLen := -1, 0
	runStart := -1
	for i := lo; i <= hi+1; i++ {
		blank := i <= hi && float64(profile[i]) <= limit
		switch {
		case blank && runStart < 0:
			runStart = i
		case !blank && runStart >= 0:
			if l := i - runStart; l > bestLen {
				bestStart, bestLen = runStart, l
			}
			runStart = -1
		}
	}
	if bestLen == 0 {
		return 0, false
	}
	return bestStart + bestLen/2, true
}
