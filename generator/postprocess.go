package generator

import (
	"regexp"
	"strings"
)

var titleRe = regexp.MustCompile(`(?m)^#\s+(.+)$`)

// PostProcess 把智能体对话记录整理成 Result：有文本的轮次都保留为消息，
// 只有工具调用的轮次跳过；没有最终助手回答时返回空 Result。
func PostProcess(transcript []ChatMessage) Result {
	var res Result
	var final string
	for _, m := range transcript {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		res.Messages = append(res.Messages, Message{Role: m.Role, Content: text})
		if m.Role == RoleAssistant {
			final = text
		}
	}
	if final == "" {
		return Result{}
	}
	res.Title = extractTitle(final)
	return res
}

func extractTitle(md string) string {
	m := titleRe.FindStringSubmatch(md)
	if len(m) >= 2 {
		return strings.TrimSpace(m[1])
	}
	return ""
}
