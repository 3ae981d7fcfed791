package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prompts holds the instruction texts sent to judgment and OCR models.
// Any field left empty in a prompts file keeps its built-in default.
type Prompts struct {
	AssessSystem string `yaml:"assess_system"`
	AssessUser   string `yaml:"assess_user"`
	OCRSystem    string `yaml:"ocr_system"`
	OCRUser      string `yaml:"ocr_user"`
	MergeSystem  string `yaml:"merge_system"`
	// MergeUser may reference {text1} and {text2}.
	MergeUser      string `yaml:"merge_user"`
	ContractSystem string `yaml:"contract_system"`
	// ContractUser may reference {filename} and must reference {text}.
	ContractUser string `yaml:"contract_user"`
}

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() Prompts {
	return Prompts{
		AssessSystem: defaultAssessSystem,
		AssessUser:   defaultAssessUser,
		OCRSystem:    defaultOCRSystem,
		OCRUser:      defaultOCRUser,
		MergeSystem:  defaultMergeSystem,
		MergeUser:    defaultMergeUser,

		ContractSystem: defaultContractSystem,
		ContractUser:   defaultContractUser,
	}
}

// LoadPrompts reads a YAML prompts file and overlays it on the defaults.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read prompts: %w", err)
	}
	var over Prompts
	if err := yaml.Unmarshal(raw, &over); err != nil {
		return p, fmt.Errorf("parse prompts %s: %w", path, err)
	}
	overlay(&p.AssessSystem, over.AssessSystem)
	overlay(&p.AssessUser, over.AssessUser)
	overlay(&p.OCRSystem, over.OCRSystem)
	overlay(&p.OCRUser, over.OCRUser)
	overlay(&p.MergeSystem, over.MergeSystem)
	overlay(&p.MergeUser, over.MergeUser)
	overlay(&p.ContractSystem, over.ContractSystem)
	overlay(&p.ContractUser, over.ContractUser)
	if !strings.Contains(p.MergeUser, "{text1}") || !strings.Contains(p.MergeUser, "{text2}") {
		return p, fmt.Errorf("prompts %s: merge_user must reference {text1} and {text2}", path)
	}
	if !strings.Contains(p.ContractUser, "{text}") {
		return p, fmt.Errorf("prompts %s: contract_user must reference {text}", path)
	}
	return p, nil
}

// RenderContract fills the contract prompt with the source file name and text.
func (p Prompts) RenderContract(filename, text string) string {
	return strings.NewReplacer("{filename}", filename, "{text}", text).Replace(p.ContractUser)
}

// RenderMerge fills the merge prompt with the two transcriptions.
func (p Prompts) RenderMerge(text1, text2 string) string {
	return strings.NewReplacer("{text1}", text1, "{text2}", text2).Replace(p.MergeUser)
}

func overlay(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

const defaultAssessSystem = `You inspect scanned contract pages before OCR. Answer only with a JSON object.`

const defaultAssessUser = `Inspect this scanned page image and report its quality.
Return exactly one JSON object with these keys:
  "distorted": true if the page is skewed by perspective (trapezoid, curled, photographed at an angle),
  "low_resolution": true if small text would be hard to read,
  "rotated": true if the text is not upright,
  "rotation_angle": the clockwise angle in degrees that would make the text upright (0, 90, 180, 270 or a small skew angle),
  "multi_page": true if the image contains more than one logical page (for example a two-page spread),
  "page_count": the number of logical pages visible,
  "corners": when distorted, the four page corners as [[x,y],...] in order top-left, top-right, bottom-right, bottom-left, normalized to 0..1, otherwise null,
  "confidence": 0..1,
  "reasoning": one short sentence,
  "text_readability": "high", "medium" or "low".`

const defaultOCRSystem = `あなたは日本語の契約書を正確に文字起こしする専門家です。`

const defaultOCRUser = `この画像に含まれるテキストをすべて、見たとおりの順序で書き起こしてください。
要約や説明、補足は加えないでください。読み取れない文字は推測せず「〓」としてください。
数字、日付、金額、固有名詞は特に正確に書き写してください。`

const defaultMergeSystem = `あなたは二つのOCR結果を照合して一つの正確なテキストにまとめる校正者です。`

const defaultMergeUser = `以下は同じ契約書を二つのOCRエンジンで読み取った結果です。
二つを照合し、一つの正確なテキストに統合してください。

ルール:
- どちらかに含まれている文字はすべて残すこと
- 重複して繰り返されている部分は一度だけ残すこと
- 原文にない内容を追加しないこと
- 数字、日付、固有名詞は特に慎重に確認すること
- 統合したテキストのみを出力すること

--- テキスト1 ---
{text1}

--- テキスト2 ---
{text2}`

const defaultContractSystem = `あなたは契約書のOCRテキストを構造化データに変換する専門家です。JSONのみを出力してください。`

const defaultContractUser = `以下のOCR処理済みテキストを解析し、契約書の構造化データとして抽出してください。

ファイル名: {filename}

テキスト内容:
{text}

次の形式のJSONを一つだけ出力してください:
{"success": true,
 "info": {"title": "", "party": "", "start_date": "", "end_date": "", "conclusion_date": ""},
 "result": {"articles": [{"article_number": "", "title": "", "content": "", "table_number": ""}]}}

抽出指示:
- title: 契約書のタイトル(見つからない場合はファイル名)
- party: 契約当事者をカンマ区切りで記載(例: "株式会社A,株式会社B")
- start_date, end_date, conclusion_date: YYYY-MM-DD形式、見つからない場合は空文字列
- articles: 前文、各条項、署名欄を漏れなく順番どおりに抽出する
  - article_number: "第1条" など、番号がない部分は "前文" や "署名欄"
  - title: 条項の見出し、見出しがない場合は内容から要約
  - content: 条項の完全な内容、省略や要約は禁止
  - table_number: 表がある場合のみ。表はHTML形式でcontentに含める
- 出力は途中で切らず、完全なJSONとして最後まで出力する`
