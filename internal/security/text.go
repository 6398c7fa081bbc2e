package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextCleaner は外部APIが返すテキストからHTMLを取り除く。
// bluemondayのStrictPolicyで全タグを除去し、文字参照を復元して空白を詰める。
type TextCleaner struct {
	policy *bluemonday.Policy
}

// NewTextCleaner はTextCleanerの新しいインスタンスを生成する。
func NewTextCleaner() *TextCleaner {
	return &TextCleaner{policy: bluemonday.StrictPolicy()}
}

// PlainText はrawをプレーンテキストに変換する。
// 同一入力に対して常に同一出力を返す。
func (c *TextCleaner) PlainText(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := html.UnescapeString(c.policy.Sanitize(raw))
	return strings.Join(strings.Fields(stripped), " ")
}
