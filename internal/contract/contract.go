// Package contract turns the reconciled OCR text of a contract into the
// structured contract record (title, parties, dates and every article) and
// writes it as after_ocr/{basename}.json.
package contract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/contractocr/internal/ai"
	"github.com/local/contractocr/internal/assess"
	"github.com/local/contractocr/internal/config"
	mpkg "github.com/local/contractocr/internal/metrics"
)

// DirName is the directory, inside a document's work directory, that holds
// contract records.
const DirName = "after_ocr"

// fallbackMessage is recorded when no structured record could be produced.
const fallbackMessage = "OCR処理が実行されなかったか、結果の取得に失敗しました"

type Info struct {
	Title          string `json:"title"`
	Party          string `json:"party"`
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date"`
	ConclusionDate string `json:"conclusion_date"`
}

type Article struct {
	ArticleNumber string `json:"article_number,omitempty"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	TableNumber   string `json:"table_number,omitempty"`
}

type Body struct {
	Articles []Article `json:"articles"`
}

// Contract is the record written for one document.
type Contract struct {
	Success bool   `json:"success"`
	Info    Info   `json:"info"`
	Result  Body   `json:"result"`
	Error   string `json:"error,omitempty"`
}

// Fallback is the record written when extraction fails: unsuccessful, titled
// after the input file, with no articles.
func Fallback(basename, reason string) Contract {
	msg := fallbackMessage
	if reason != "" {
		msg += ": " + reason
	}
	return Contract{
		Info:   Info{Title: basename},
		Result: Body{Articles: []Article{}},
		Error:  msg,
	}
}

// record mirrors Contract with pointers so missing required keys are visible.
type record struct {
	Success *bool `json:"success"`
	Info    *Info `json:"info"`
	Result  *struct {
		Articles *[]Article `json:"articles"`
	} `json:"result"`
}

// Parse decodes a model response into a Contract. info, result and
// result.articles are required, and every article needs content. An empty
// title falls back to basename; dates are normalised to YYYY-MM-DD when
// recognisable.
func Parse(text, basename string) (Contract, error) {
	body := assess.ExtractJSON(text)
	if body == "" {
		return Contract{}, errors.New("empty contract response")
	}
	var r record
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return Contract{}, fmt.Errorf("unparsable contract response: %w", err)
	}
	switch {
	case r.Info == nil:
		return Contract{}, errors.New("contract response has no info")
	case r.Result == nil || r.Result.Articles == nil:
		return Contract{}, errors.New("contract response has no articles")
	}

	c := Contract{Success: true, Info: *r.Info, Result: Body{Articles: *r.Result.Articles}}
	if strings.TrimSpace(c.Info.Title) == "" {
		c.Info.Title = basename
	}
	c.Info.StartDate = NormalizeDate(c.Info.StartDate)
	c.Info.EndDate = NormalizeDate(c.Info.EndDate)
	c.Info.ConclusionDate = NormalizeDate(c.Info.ConclusionDate)
	for i, a := range c.Result.Articles {
		if strings.TrimSpace(a.Content) == "" {
			return Contract{}, fmt.Errorf("article %d has no content", i+1)
		}
		if strings.TrimSpace(a.Title) == "" {
			c.Result.Articles[i].Title = a.ArticleNumber
		}
	}
	return c, nil
}

var (
	slashDate = regexp.MustCompile(`^(\d{4})[/.](\d{1,2})[/.](\d{1,2})$`)
	kanjiDate = regexp.MustCompile(`^(\d{4})年\s*(\d{1,2})月\s*(\d{1,2})日$`)
	eraDate   = regexp.MustCompile(`^(令和|平成|昭和)\s*(\d{1,2}|元)年\s*(\d{1,2})月\s*(\d{1,2})日$`)
)

var eraStart = map[string]int{"令和": 2019, "平成": 1989, "昭和": 1926}

// NormalizeDate rewrites the common Japanese date spellings to YYYY-MM-DD.
// Anything it does not recognise is returned trimmed but otherwise as is.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if _, err := time.Parse(time.DateOnly, s); err == nil {
		return s
	}
	var y, m, d int
	if g := slashDate.FindStringSubmatch(s); g != nil {
		y, m, d = atoi(g[1]), atoi(g[2]), atoi(g[3])
	} else if g := kanjiDate.FindStringSubmatch(s); g != nil {
		y, m, d = atoi(g[1]), atoi(g[2]), atoi(g[3])
	} else if g := eraDate.FindStringSubmatch(s); g != nil {
		n := 1
		if g[2] != "元" {
			n = atoi(g[2])
		}
		y, m, d = eraStart[g[1]]+n-1, atoi(g[3]), atoi(g[4])
	} else {
		return s
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Month() != time.Month(m) || t.Day() != d {
		return s
	}
	return t.Format(time.DateOnly)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

type Settings struct {
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

func DefaultSettings() Settings {
	return Settings{Model: "gemini-2.5-pro", Timeout: 5 * time.Minute, MaxTokens: 65536}
}

// Extractor asks a judgment model for the contract record.
type Extractor struct {
	client  ai.Client
	s       Settings
	prompts config.Prompts
}

func New(client ai.Client, s Settings, prompts config.Prompts) *Extractor {
	if s.Model == "" {
		s.Model = DefaultSettings().Model
	}
	return &Extractor{client: client, s: s, prompts: prompts}
}

// Extract makes one structured-output call for text.
func (e *Extractor) Extract(ctx context.Context, docID, basename, text string) (Contract, error) {
	if e.client == nil {
		return Contract{}, errors.New("no judgment client configured")
	}
	if strings.TrimSpace(text) == "" {
		return Contract{}, errors.New("no text to structure")
	}
	resp, err := e.client.Do(ctx, ai.Request{
		DocumentID:   docID,
		Page:         "contract",
		Model:        e.s.Model,
		Timeout:      e.s.Timeout,
		SystemPrompt: e.prompts.ContractSystem,
		Prompt:       e.prompts.RenderContract(basename, text),
		MaxTokens:    e.s.MaxTokens,
		JSON:         true,
	})
	if err != nil {
		return Contract{}, err
	}
	return Parse(resp.Text, basename)
}

// Result is a written contract record.
type Result struct {
	Path     string
	Contract Contract
	Fallback bool
}

// Run extracts the record for text and writes it to
// {dir}/after_ocr/{basename}.json. A failed extraction writes the fallback
// record instead; only cancellation of ctx or a failed write is returned.
func (e *Extractor) Run(ctx context.Context, docID, basename, text, dir string) (*Result, error) {
	start := time.Now()
	res := &Result{}
	c, err := e.Extract(ctx, docID, basename, text)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		log.Warn().Err(err).Str("stage", "contract").Str("document_id", docID).Msg("contract extraction failed, writing fallback record")
		c = Fallback(basename, err.Error())
		res.Fallback = true
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := Write(dir, basename, c)
	if err != nil {
		mpkg.ObserveStage("contract", "failed", time.Since(start))
		return nil, err
	}
	res.Path, res.Contract = path, c

	result := "extracted"
	if res.Fallback {
		result = "fallback"
	}
	mpkg.IncContract(result)
	mpkg.ObserveStage("contract", result, time.Since(start))
	log.Info().
		Str("stage", "contract").
		Str("document_id", docID).
		Bool("success", c.Success).
		Int("articles", len(c.Result.Articles)).
		Str("output", path).
		Msg("contract record written")
	return res, nil
}

// Write stores c as {dir}/after_ocr/{basename}.json through a temporary
// file renamed into place.
func Write(dir, basename string, c Contract) (string, error) {
	name := filepath.Base(basename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid contract basename %q", basename)
	}
	out := filepath.Join(dir, DirName)
	if err := os.MkdirAll(out, 0o755); err != nil {
		return "", fmt.Errorf("create contract dir: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return "", err
	}

	f, err := os.CreateTemp(out, ".contract-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	path := filepath.Join(out, name+".json")
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write contract record: %w", err)
	}
	return path, nil
}

// Basename derives the record name from an input file name, falling back to
// id when the name is empty.
func Basename(name, id string) string {
	b := filepath.Base(strings.TrimSpace(name))
	b = strings.TrimSuffix(b, filepath.Ext(b))
	if b == "" || b == "." || b == string(filepath.Separator) {
		return id
	}
	return b
}
