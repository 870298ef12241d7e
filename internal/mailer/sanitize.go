package mailer

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// htmlPolicy 保留常见排版标签，剥掉脚本、表单和事件属性
	htmlPolicy = bluemonday.UGCPolicy()
	// textPolicy 剥掉一切标签，只留文本
	textPolicy = bluemonday.StrictPolicy()
)

// SanitizeHTML 消毒 HTML 正文，供前端直接渲染。
func SanitizeHTML(html string) string {
	return htmlPolicy.Sanitize(html)
}

// StripHTML 剥除全部标签得到纯文本。
func StripHTML(html string) string {
	return strings.TrimSpace(textPolicy.Sanitize(html))
}
