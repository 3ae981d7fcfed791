package filetype

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// ErrNotPDF is returned when an input's magic bytes are not a PDF.
var ErrNotPDF = errors.New("input is not a PDF document")

// FileTypeInfo contains detected file type information
type FileTypeInfo struct {
	MIMEType    string
	Extension   string
	Supported   bool
	Description string
}

// Detector handles file type detection using magic bytes
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// Detect detects the actual file type of a path using magic bytes, not filename
func (d *Detector) Detect(filePath string) (*FileTypeInfo, error) {
	mtype, err := mimetype.DetectFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	info := d.classify(mtype)
	if ext := strings.ToLower(filepath.Ext(filePath)); ext == ".pdf" && !info.Supported {
		log.Warn().Str("file", filePath).Str("mime", info.MIMEType).Msg("file named .pdf is not a PDF")
	}
	log.Debug().Str("mime", info.MIMEType).Str("ext", info.Extension).Str("file", filePath).Msg("detected file type")
	return info, nil
}

// DetectBytes detects the type of an in-memory payload.
func (d *Detector) DetectBytes(b []byte) *FileTypeInfo {
	return d.classify(mimetype.Detect(b))
}

// RequirePDF returns ErrNotPDF unless b carries PDF magic bytes.
func (d *Detector) RequirePDF(b []byte) error {
	info := d.DetectBytes(b)
	if !info.Supported {
		return fmt.Errorf("%w: detected %s", ErrNotPDF, info.MIMEType)
	}
	return nil
}

// classify determines whether the detected type can enter the pipeline.
// Scanned contracts always arrive as PDF; anything else is rejected.
func (d *Detector) classify(mtype *mimetype.MIME) *FileTypeInfo {
	info := &FileTypeInfo{
		MIMEType:  mtype.String(),
		Extension: mtype.Extension(),
	}
	switch {
	case mtype.Is("application/pdf"):
		info.Supported = true
		info.Description = "PDF document"
	case strings.HasPrefix(info.MIMEType, "image/"):
		info.Description = "Image file (convert to PDF before submitting)"
	default:
		info.Description = fmt.Sprintf("Unsupported file type: %s", info.MIMEType)
	}
	return info
}
