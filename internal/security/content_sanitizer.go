package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は詳細ページから切り出した値をプレーンテキスト化する。
// 切り出し範囲にタグの断片が残っていても、全てのタグを除去してから
// HTMLエンティティを復元する。保存値はAPI経由でそのまま返すため、マークアップを含めない。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はタグを一切許可しないポリシーでTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、エンティティを復元し、空白を1つにまとめた文字列を返す。
func (s *TextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := s.policy.Sanitize(raw)
	// bluemondayは出力をエスケープするため、平文に戻す
	text := html.UnescapeString(stripped)
	return strings.Join(strings.Fields(text), " ")
}
