package rasterize

import (
	"sort"
	"unicode"
)

// DefaultTextThreshold is the non-space rune count above which a sampled
// PDF is considered to carry a text layer.
const DefaultTextThreshold = 300

// TextLayer samples up to five pages (first, middle, last and two spread
// between them) and counts non-space runes MuPDF can extract. Scanned
// contracts normally have none.
func (d *Doc) TextLayer(threshold int) (bool, int) {
	if threshold <= 0 {
		threshold = DefaultTextThreshold
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fz == nil {
		return false, 0
	}
	total := 0
	for _, i := range sampleIndices(d.pages) {
		text, err := d.fz.Text(i)
		if err != nil {
			continue
		}
		total += countVisible(text)
		if total >= threshold {
			break
		}
	}
	return total >= threshold, total
}

func countVisible(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func sampleIndices(total int) []int {
	if total <= 5 {
		idx := make([]int, total)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	set := map[int]struct{}{0: {}, total / 4: {}, total / 2: {}, 3 * total / 4: {}, total - 1: {}}
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
