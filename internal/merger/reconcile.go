package merger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/local/contractocr/internal/ai"
	"github.com/local/contractocr/internal/config"
)

// Reconciler merges two transcriptions of the same document. text1 is
// always the Document AI output and text2 the Gemini output.
type Reconciler interface {
	Reconcile(ctx context.Context, text1, text2 string) (string, error)
}

// LLMReconciler asks a judgment model to merge the texts.
type LLMReconciler struct {
	client  ai.Client
	model   string
	timeout time.Duration
	prompts config.Prompts
}

func NewLLMReconciler(client ai.Client, model string, timeout time.Duration, prompts config.Prompts) *LLMReconciler {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &LLMReconciler{client: client, model: model, timeout: timeout, prompts: prompts}
}

func (r *LLMReconciler) Reconcile(ctx context.Context, text1, text2 string) (string, error) {
	resp, err := r.client.Do(ctx, ai.Request{
		Page:         "merge",
		Model:        r.model,
		Timeout:      r.timeout,
		SystemPrompt: r.prompts.MergeSystem,
		Prompt:       r.prompts.RenderMerge(text1, text2),
		Temperature:  0,
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Text)
	if out == "" {
		return "", errors.New("reconciler returned empty text")
	}
	return out, nil
}

// Concatenate is the merge used when no model result is available.
func Concatenate(text1, text2 string) string {
	return text1 + "\n\n--- テキスト2 ---\n\n" + text2
}

// LineAgreement is the Dice coefficient over the whitespace-normalised,
// non-empty lines of both texts. Page markers are ignored.
func LineAgreement(text1, text2 string) float64 {
	a, b := lineBag(text1), lineBag(text2)
	na, nb := 0, 0
	for _, n := range a {
		na += n
	}
	for _, n := range b {
		nb += n
	}
	if na+nb == 0 {
		return 1
	}
	common := 0
	for l, n := range a {
		common += min(n, b[l])
	}
	return 2 * float64(common) / float64(na+nb)
}

func lineBag(s string) map[string]int {
	bag := map[string]int{}
	for _, l := range strings.Split(s, "\n") {
		l = strings.Join(strings.Fields(l), " ")
		if l == "" || (strings.HasPrefix(l, "=== Page ") && strings.HasSuffix(l, " ===")) {
			continue
		}
		bag[l]++
	}
	return bag
}
