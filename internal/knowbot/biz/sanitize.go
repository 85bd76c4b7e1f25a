package biz

import (
	"regexp"
	"strings"
)

// 回复下发的消息通道只渲染纯文本，模型输出中的 Markdown
// 标记需要剥离而不是原样透传。
var (
	headerRe     = regexp.MustCompile(`^\s{0,3}#{1,6}\s+`)
	bulletRe     = regexp.MustCompile(`^\s*[-*+]\s+`)
	orderedRe    = regexp.MustCompile(`^\s*\d+\.\s+`)
	blockquoteRe = regexp.MustCompile(`^\s*>\s?`)
	hruleRe      = regexp.MustCompile(`^\s*(?:(?:-\s*){3,}|(?:\*\s*){3,}|(?:_\s*){3,})$`)
	boldRe       = regexp.MustCompile(`(\*\*|__)(.*?)(\*\*|__)`)
	inlineCodeRe = regexp.MustCompile("`([^`]*)`")
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
)

// Sanitize 将模型输出规整为纯文本：去掉标题、列表符号、
// 引用块、分隔线、强调与代码标记，压缩多余空行并裁剪首尾空白。
func Sanitize(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	inFence := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if !inFence && hruleRe.MatchString(line) {
			continue
		}

		line = headerRe.ReplaceAllString(line, "")
		line = blockquoteRe.ReplaceAllString(line, "")
		line = bulletRe.ReplaceAllString(line, "")
		line = orderedRe.ReplaceAllString(line, "")
		out = append(out, line)
	}

	text := strings.Join(out, "\n")
	text = boldRe.ReplaceAllString(text, "$2")
	text = inlineCodeRe.ReplaceAllString(text, "$1")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
