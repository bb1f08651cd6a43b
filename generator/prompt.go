package generator

import (
	"fmt"
	"strings"
)

// Prompt 表示每一步发送给 LLM 的消息集合。
type Prompt struct {
	System   string
	Messages []ChatMessage
}

// BuildSystemPrompt 描述任务以及智能体可用的工具。
func BuildSystemPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString("You are a learning path planner. Build a structured, day-by-day learning path for the user's goal.\n")
	sb.WriteString("Rules:\n")
	sb.WriteString("- Use the YouTube tools to find real videos for every day; include each video's title and URL.\n")
	sb.WriteString("- Split the path into the number of days the user asks for (default 7).\n")
	sb.WriteString("- Each day needs a short objective, the videos, and one practice task.\n")
	switch {
	case req.DriveURL != "":
		sb.WriteString("- When the path is final, save it as a Google Doc in the user's Drive using the Drive tools and share the document link.\n")
	case req.NotionURL != "":
		sb.WriteString("- When the path is final, create a Notion page with the path using the Notion tools and share the page link.\n")
	}
	sb.WriteString("- Answer in Markdown with a level-one heading as the title.\n")
	return sb.String()
}

// BuildInitialPrompt 生成首轮对话。
func BuildInitialPrompt(req Request) Prompt {
	return Prompt{
		System: BuildSystemPrompt(req),
		Messages: []ChatMessage{{
			Role:    RoleUser,
			Content: fmt.Sprintf("Goal: %s", req.Goal),
		}},
	}
}
