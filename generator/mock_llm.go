package generator

import (
	"context"
	"fmt"
	"strings"

	"learning_path_generator/toolkit"
)

// MockLLM 一个简单的占位实现，便于本地调试，不调用工具也不访问网络。
type MockLLM struct{}

func (m MockLLM) Chat(_ context.Context, prompt Prompt, tools []toolkit.Tool) (ChatMessage, error) {
	goal := ""
	for _, msg := range prompt.Messages {
		if msg.Role == RoleUser {
			goal = strings.TrimPrefix(msg.Content, "Goal: ")
			break
		}
	}
	var sb strings.Builder
	sb.WriteString("# Learning path (sample)\n\n")
	sb.WriteString(fmt.Sprintf("Goal: %s\n\n", goal))
	for day := 1; day <= 3; day++ {
		sb.WriteString(fmt.Sprintf("## Day %d\n\n- Watch one introductory video\n- Practice for 30 minutes\n\n", day))
	}
	if len(tools) > 0 {
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, t.Name)
		}
		sb.WriteString("Available tools: " + strings.Join(names, ", ") + "\n")
	}
	return ChatMessage{Role: RoleAssistant, Content: sb.String()}, nil
}
