package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TitleSanitizer はフィードのエントリタイトルからマークアップを除去する。
type TitleSanitizer interface {
	// Sanitize はHTMLタグを取り除き、エンティティを復元したプレーンテキストを返す。
	// 連続する空白は1つにまとめる。
	Sanitize(raw string) string
}

// titleSanitizer はbluemondayのStrictPolicyを使うTitleSanitizerの実装。
type titleSanitizer struct {
	policy *bluemonday.Policy
}

// NewTitleSanitizer はTitleSanitizerの新しいインスタンスを生成する。
func NewTitleSanitizer() *titleSanitizer {
	return &titleSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタイトルをプレーンテキストに変換する。
func (s *titleSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyは出力をHTMLエスケープするため、ファイル名やログに使う前に戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.Fields(text), " ")
}
