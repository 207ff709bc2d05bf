package service

import (
	"regexp"
	"strings"

	stripmd "github.com/writeas/go-strip-markdown/v2"
)

var spaceRe = regexp.MustCompile(`\s+`)

// stripMarkdown 去除 Markdown 标记并把所有空白折叠为单个空格。
// 补全响应在落库/返回前经过这一步。
func stripMarkdown(text string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(stripmd.Strip(text), " "))
}
