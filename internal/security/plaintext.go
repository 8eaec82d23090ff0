package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextExtractor はフィード記事のHTMLからリライトに渡すプレーンテキストを取り出す。
// bluemondayのStrictPolicyで全タグを除去するため、並行利用しても安全。
type TextExtractor struct {
	policy *bluemonday.Policy
}

// NewTextExtractor はTextExtractorを生成する。
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{policy: bluemonday.StrictPolicy()}
}

// PlainText はタグを除去し、文字参照を展開して空白を1つにまとめる。
// scriptやstyleの中身は残さない。
func (e *TextExtractor) PlainText(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	stripped := e.policy.Sanitize(rawHTML)
	return strings.Join(strings.Fields(html.UnescapeString(stripped)), " ")
}
