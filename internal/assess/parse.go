package assess

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/local/contractocr/internal/document"
)

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// judgment accepts both the structured quality keys and the older
// orientation-only keys.
type judgment struct {
	Distorted        *bool           `json:"distorted"`
	LowRes           *bool           `json:"low_resolution"`
	Rotated          *bool           `json:"rotated"`
	RotationNeeded   *bool           `json:"rotation_needed"`
	Angle            *float64        `json:"rotation_angle"`
	RecommendedAngle *float64        `json:"recommended_angle"`
	MultiPage        *bool           `json:"multi_page"`
	PageCount        *float64        `json:"page_count"`
	Corners          json.RawMessage `json:"corners"`
	Confidence       *float64        `json:"confidence"`
	ConfidenceScore  *float64        `json:"confidence_score"`
	Reasoning        string          `json:"reasoning"`
	TextReadability  string          `json:"text_readability"`
}

// ExtractJSON returns the first ```json fenced block, or the whole text.
func ExtractJSON(text string) string {
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// Parse decodes a judgment response into page flags plus any notes.
func Parse(text string) (document.Flags, []string, error) {
	body := ExtractJSON(text)
	if body == "" {
		return document.Flags{}, nil, errors.New("empty judgment")
	}
	var j judgment
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return document.Flags{}, nil, fmt.Errorf("unparsable judgment: %w", err)
	}

	f := document.Flags{
		Distorted:         deref(j.Distorted),
		LowRes:            deref(j.LowRes),
		Rotated:           deref(j.Rotated),
		MultiPage:         deref(j.MultiPage),
		PageCountEstimate: 1,
	}
	if j.Rotated == nil {
		f.Rotated = deref(j.RotationNeeded)
	}
	switch {
	case j.Angle != nil:
		f.AngleEstimate = *j.Angle
	case j.RecommendedAngle != nil:
		f.AngleEstimate = *j.RecommendedAngle
	}
	switch {
	case j.Confidence != nil:
		f.Confidence = clamp01(*j.Confidence)
	case j.ConfidenceScore != nil:
		f.Confidence = clamp01(*j.ConfidenceScore)
	}
	if j.PageCount != nil && *j.PageCount >= 1 {
		f.PageCountEstimate = int(math.Round(*j.PageCount))
	}

	var notes []string
	if f.MultiPage && f.PageCountEstimate < 2 {
		f.MultiPage = false
		f.PageCountEstimate = 1
		notes = append(notes, document.NotePageCountDoubtful)
	}
	if q, ok := parseCorners(j.Corners); ok {
		f.Corners = &q
	}
	return f, notes, nil
}

// parseCorners accepts [[x,y],...] or [{"x":..,"y":..},...] with four
// normalized points; anything else is ignored.
func parseCorners(raw json.RawMessage) (document.Quad, bool) {
	var q document.Quad
	if len(raw) == 0 || string(raw) == "null" {
		return q, false
	}
	var pairs [][]float64
	if err := json.Unmarshal(raw, &pairs); err == nil && len(pairs) == 4 {
		for i, p := range pairs {
			if len(p) != 2 {
				return q, false
			}
			q[i] = document.Point{X: p[0], Y: p[1]}
		}
		return q, normalized(q)
	}
	var pts []document.Point
	if err := json.Unmarshal(raw, &pts); err == nil && len(pts) == 4 {
		copy(q[:], pts)
		return q, normalized(q)
	}
	return q, false
}

func normalized(q document.Quad) bool {
	for _, p := range q {
		if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
			return false
		}
	}
	return true
}

func deref(b *bool) bool { return b != nil && *b }

func clamp01(v float64) float64 { return math.Max(0, math.Min(1, v)) }
