package generator

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"learning_path_generator/toolkit"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiLLM implements ChatModel with Google's genai SDK and function calling.
type GeminiLLM struct {
	client *genai.Client
	model  string
}

// NewGeminiLLM creates a Gemini client for apiKey.
func NewGeminiLLM(ctx context.Context, apiKey, model string) (*GeminiLLM, error) {
	if apiKey == "" {
		return nil, errors.New("google api key is required")
	}
	if model == "" {
		model = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiLLM{client: client, model: model}, nil
}

func (g *GeminiLLM) Chat(ctx context.Context, prompt Prompt, tools []toolkit.Tool) (ChatMessage, error) {
	cfg := &genai.GenerateContentConfig{}
	if prompt.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(prompt.System, genai.RoleUser)
	}
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.InputSchema,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, geminiContents(prompt.Messages), cfg)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("GenAI generate failed: %w", err)
	}

	out := ChatMessage{Role: RoleAssistant}
	calls := resp.FunctionCalls()
	for _, fc := range calls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
	}
	if len(calls) == 0 {
		out.Content = resp.Text()
	}
	return out, nil
}

// geminiContents maps the conversation onto genai contents. Consecutive tool
// results are folded into one user turn, as the API expects.
func geminiContents(msgs []ChatMessage) []*genai.Content {
	var out []*genai.Content
	var pending []*genai.Part
	flush := func() {
		if len(pending) > 0 {
			out = append(out, genai.NewContentFromParts(pending, genai.RoleUser))
			pending = nil
		}
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleTool:
			part := genai.NewPartFromFunctionResponse(m.Name, map[string]any{"output": m.Content})
			part.FunctionResponse.ID = m.ToolCallID
			pending = append(pending, part)
		case RoleAssistant:
			flush()
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				part := genai.NewPartFromFunctionCall(tc.Name, tc.Args)
				part.FunctionCall.ID = tc.ID
				parts = append(parts, part)
			}
			out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
		default:
			flush()
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	flush()
	return out
}
