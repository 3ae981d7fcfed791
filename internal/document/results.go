package document

import (
	"image"
	"time"
)

// Tile is a horizontal band of a page image.
//
// Core is the band's own row range [CoreStart, CoreEnd) in page coordinates.
// Bounds extends the core by OverlapTop rows above and OverlapBottom rows
// below, clipped to the page. Consumers that reassemble text must treat the
// overlap rows as shared with the neighbouring band.
type Tile struct {
	Index         int
	Bounds        image.Rectangle
	CoreStart     int
	CoreEnd       int
	OverlapTop    int
	OverlapBottom int

	Image    image.Image
	Enhanced bool
	// Scale is the enhancement factor applied to Image, 1 when not enhanced.
	Scale      float64
	EnhanceErr string
}

// CoreHeight is the number of rows the tile owns exclusively.
func (t Tile) CoreHeight() int { return t.CoreEnd - t.CoreStart }

// PageText is one backend's text for one logical page.
type PageText struct {
	Index  int      `json:"index"`
	Sub    int      `json:"sub"`
	Label  string   `json:"label"`
	Text   string   `json:"text"`
	Failed bool     `json:"failed"`
	Errors []string `json:"errors,omitempty"`
}

// OCRResult is the text one backend produced for a whole document.
type OCRResult struct {
	Backend    string            `json:"backend"`
	Text       string            `json:"text"`
	Timestamp  time.Time         `json:"timestamp"`
	SourceFile string            `json:"source_file"`
	Pages      []PageText        `json:"pages"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// MergeMetadata is persisted next to the merged text.
type MergeMetadata struct {
	InputFiles         []string `json:"input_files"`
	OutputFile         string   `json:"output_file"`
	ProcessedAt        string   `json:"processed_at"`
	Text1Length        int      `json:"text1_length"`
	Text2Length        int      `json:"text2_length"`
	OutputLength       int      `json:"output_length"`
	CommonFilenamePart string   `json:"common_filename_part"`
	ValidationPassed   bool     `json:"validation_passed"`
	FilePattern        string   `json:"file_pattern"`
	Strategy           string   `json:"merge_strategy"`
	LineAgreement      float64  `json:"line_agreement"`
	Notes              []string `json:"notes,omitempty"`
}

// MergedResult is the canonical artifact reconciled from two OCRResults.
type MergedResult struct {
	Timestamp string        `json:"timestamp"`
	Text      string        `json:"-"`
	TextPath  string        `json:"text_path"`
	MetaPath  string        `json:"meta_path"`
	Metadata  MergeMetadata `json:"metadata"`
}
