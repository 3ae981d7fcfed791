// Package merger pairs the Document AI and Gemini integrated outputs of one
// document by file name and reconciles them into a single text plus a
// metadata record.
package merger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/local/contractocr/internal/document"
	mpkg "github.com/local/contractocr/internal/metrics"
)

const filePattern = "document_ai_integrated & gemini_integrated"

// Merge strategies recorded in the metadata.
const (
	StrategyLLM      = "llm"
	StrategyFallback = "fallback"
)

type Options struct {
	// OutputDir defaults to output/ next to the Document AI file.
	OutputDir string
	// Extension of the input files, ".txt" when empty.
	Extension string
	// Now is the clock stamped into processed_at.
	Now func() time.Time
}

type Merger struct {
	rec  Reconciler
	opts Options
}

// New returns a merger. rec may be nil, in which case texts are concatenated.
func New(rec Reconciler, opts Options) *Merger {
	if opts.Extension == "" {
		opts.Extension = ".txt"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Merger{rec: rec, opts: opts}
}

// Merge validates the pair, reconciles the texts and writes
// merged_ocr_{ts}.txt and merged_ocr_meta_{ts}.json. The argument order does
// not matter. Nothing is written unless both outputs can be written.
func (m *Merger) Merge(ctx context.Context, a, b string) (*document.MergedResult, error) {
	start := time.Now()
	pair, err := Validate(a, b, m.opts.Extension)
	if err != nil {
		mpkg.IncMerge("rejected")
		log.Warn().Err(err).Str("stage", "merge").Strs("files", []string{a, b}).Msg("merge input rejected")
		return nil, err
	}
	res, err := m.merge(ctx, pair)
	result := "ok"
	if err != nil {
		result = "error"
	}
	mpkg.IncMerge(result)
	mpkg.ObserveStage("merge", result, time.Since(start))
	return res, err
}

func (m *Merger) merge(ctx context.Context, pair Pair) (*document.MergedResult, error) {
	text1, enc1, err := readText(pair.DocumentAI)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pair.DocumentAI, err)
	}
	text2, enc2, err := readText(pair.Gemini)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pair.Gemini, err)
	}

	var notes []string
	if filepath.Dir(pair.DocumentAI) != filepath.Dir(pair.Gemini) {
		notes = append(notes, "inputs from different directories, paired by timestamp only")
		log.Warn().Str("stage", "merge").Str("timestamp", pair.Timestamp).Msg("merge inputs come from different directories")
	}
	if enc1 != "utf-8" || enc2 != "utf-8" {
		notes = append(notes, fmt.Sprintf("input encodings: %s, %s", enc1, enc2))
	}
	merged, strategy := "", StrategyFallback
	switch {
	case m.rec == nil:
		notes = append(notes, "no reconciler configured")
	default:
		out, err := m.rec.Reconcile(ctx, text1, text2)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			notes = append(notes, "reconciler failed: "+err.Error())
			log.Warn().Err(err).Str("stage", "merge").Str("timestamp", pair.Timestamp).Msg("reconciler failed, concatenating texts")
		} else {
			merged, strategy = out, StrategyLLM
		}
	}
	if strategy == StrategyFallback {
		merged = Concatenate(text1, text2)
	}

	outDir := m.opts.OutputDir
	if outDir == "" {
		outDir = filepath.Join(filepath.Dir(pair.DocumentAI), "output")
	}
	textName, metaName := OutputNames(pair.Timestamp)
	textPath := filepath.Join(outDir, textName)
	metaPath := filepath.Join(outDir, metaName)

	meta := document.MergeMetadata{
		InputFiles:         []string{pair.DocumentAI, pair.Gemini},
		OutputFile:         textPath,
		ProcessedAt:        m.opts.Now().Format(time.RFC3339),
		Text1Length:        utf8.RuneCountInString(text1),
		Text2Length:        utf8.RuneCountInString(text2),
		OutputLength:       utf8.RuneCountInString(merged),
		CommonFilenamePart: pair.Timestamp,
		ValidationPassed:   true,
		FilePattern:        filePattern,
		Strategy:           strategy,
		LineAgreement:      LineAgreement(text1, text2),
		Notes:              notes,
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := writePair(outDir, textPath, []byte(merged), metaPath, metaJSON); err != nil {
		return nil, err
	}

	log.Info().
		Str("stage", "merge").
		Str("timestamp", pair.Timestamp).
		Str("strategy", strategy).
		Float64("line_agreement", meta.LineAgreement).
		Str("output", textPath).
		Msg("ocr outputs merged (paired by file name timestamp only)")
	return &document.MergedResult{
		Timestamp: pair.Timestamp,
		Text:      merged,
		TextPath:  textPath,
		MetaPath:  metaPath,
		Metadata:  meta,
	}, nil
}

// writePair stages both files as temporaries and renames them into place,
// removing whatever was written when either step fails.
func writePair(dir, textPath string, text []byte, metaPath string, meta []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmpText, err := stage(dir, text)
	if err != nil {
		return err
	}
	tmpMeta, err := stage(dir, meta)
	if err != nil {
		_ = os.Remove(tmpText)
		return err
	}
	if err := os.Rename(tmpText, textPath); err != nil {
		_ = os.Remove(tmpText)
		_ = os.Remove(tmpMeta)
		return fmt.Errorf("write merged text: %w", err)
	}
	if err := os.Rename(tmpMeta, metaPath); err != nil {
		_ = os.Remove(tmpMeta)
		_ = os.Remove(textPath)
		return fmt.Errorf("write merge metadata: %w", err)
	}
	return nil
}

func stage(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".merge-*")
	if err != nil {
		return "", err
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
