package render

import (
	"bytes"
	"html"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// md 默认配置不渲染内联 HTML，输出对浏览器是安全的。
var md = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
)

// Message 把用户输入的消息体渲染为安全的 HTML。总函数：
// 渲染失败时退化为转义后的原文，永远不返回错误。
func Message(raw string) string {
	var buf bytes.Buffer
	if err := md.Convert([]byte(raw), &buf); err != nil {
		return html.EscapeString(raw)
	}
	return buf.String()
}
