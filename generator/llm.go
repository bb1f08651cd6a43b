package generator

import (
	"context"

	"learning_path_generator/toolkit"
)

// 对话角色。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall 模型发起的一次工具调用。
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ChatMessage 智能体对话中的一轮。
type ChatMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // 工具结果：对应的调用 ID
	Name       string // 工具结果：工具名
}

// ChatModel 抽象智能体背后的大模型，便于替换/Mock。
type ChatModel interface {
	Chat(ctx context.Context, prompt Prompt, tools []toolkit.Tool) (ChatMessage, error)
}

// ModelFactory 用用户的 API Key 为单次生成构建模型。
type ModelFactory func(ctx context.Context, apiKey string) (ChatModel, error)

// LLMSettings 提供给具体实现的基础配置。
type LLMSettings struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}
