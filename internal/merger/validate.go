package merger

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

// Validation rules reported by ValidationError.
const (
	RuleFormat            = "format"
	RulePrefixCollision   = "prefix_collision"
	RuleTimestampMismatch = "timestamp_mismatch"
)

const (
	documentAIPrefix = "document_ai_integrated"
	geminiPrefix     = "gemini_integrated"
	timestampLayout  = "20060102_150405"
)

// ValidationError rejects an input pair before anything is read or written.
type ValidationError struct {
	Rule    string
	Message string
	Files   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("merge validation failed (%s): %s", e.Rule, e.Message)
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Pair is a validated input pair, always ordered Document AI first.
type Pair struct {
	DocumentAI string
	Gemini     string
	Timestamp  string
}

type patterns struct {
	docAI  *regexp.Regexp
	gemini *regexp.Regexp
	ext    string
}

func newPatterns(ext string) patterns {
	if ext == "" {
		ext = ".txt"
	}
	q := regexp.QuoteMeta(ext)
	return patterns{
		docAI:  regexp.MustCompile(`^` + documentAIPrefix + `_(\d{8}_\d{6})` + q + `$`),
		gemini: regexp.MustCompile(`^` + geminiPrefix + `_(\d{8}_\d{6})` + q + `$`),
		ext:    ext,
	}
}

// classify returns the prefix and timestamp of a file name, or "" when the
// name does not follow the integrated-output convention.
func (p patterns) classify(path string) (prefix, ts string) {
	name := filepath.Base(path)
	if m := p.docAI.FindStringSubmatch(name); m != nil {
		prefix, ts = documentAIPrefix, m[1]
	} else if m := p.gemini.FindStringSubmatch(name); m != nil {
		prefix, ts = geminiPrefix, m[1]
	} else {
		return "", ""
	}
	if _, err := time.Parse(timestampLayout, ts); err != nil {
		return "", ""
	}
	return prefix, ts
}

// Validate checks the naming contract for a and b in either order.
func Validate(a, b, ext string) (Pair, error) {
	p := newPatterns(ext)
	files := []string{a, b}
	pa, ta := p.classify(a)
	pb, tb := p.classify(b)

	for _, bad := range []struct{ path, prefix string }{{a, pa}, {b, pb}} {
		if bad.prefix == "" {
			return Pair{}, &ValidationError{
				Rule: RuleFormat,
				Message: fmt.Sprintf("%q does not match %s_YYYYMMDD_HHMMSS%s or %s_YYYYMMDD_HHMMSS%s",
					filepath.Base(bad.path), documentAIPrefix, p.ext, geminiPrefix, p.ext),
				Files: files,
			}
		}
	}
	if pa == pb {
		return Pair{}, &ValidationError{
			Rule:    RulePrefixCollision,
			Message: fmt.Sprintf("both files are %s outputs", pa),
			Files:   files,
		}
	}
	if ta != tb {
		return Pair{}, &ValidationError{
			Rule:    RuleTimestampMismatch,
			Message: fmt.Sprintf("timestamps differ: %s vs %s", ta, tb),
			Files:   files,
		}
	}
	if pa == documentAIPrefix {
		return Pair{DocumentAI: a, Gemini: b, Timestamp: ta}, nil
	}
	return Pair{DocumentAI: b, Gemini: a, Timestamp: ta}, nil
}

// OutputNames are the merged text and metadata file names for ts.
func OutputNames(ts string) (text, meta string) {
	return "merged_ocr_" + ts + ".txt", "merged_ocr_meta_" + ts + ".json"
}
