// Package toolkit exposes the tools of remote MCP servers (Pipedream endpoints for
// YouTube, Google Drive and Notion) as one flat toolset for the agent.
package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

const (
	clientName    = "learning-path-generator"
	clientVersion = "1.0.0"
)

// Client is the subset of an MCP client the toolset needs.
type Client interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer opens an MCP client for a server URL.
type Dialer func(ctx context.Context, url string) (Client, error)

// DialSSE connects to an MCP server over SSE and performs the initialize handshake.
// ctx must outlive the client: the event stream is bound to it.
func DialSSE(ctx context.Context, url string) (Client, error) {
	c, err := client.NewSSEMCPClient(url)
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start mcp client: %w", err)
	}
	if err := Initialize(ctx, c); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Initialize performs the MCP handshake on a started client.
func Initialize(ctx context.Context, c *client.Client) error {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	req.Params.Capabilities = mcp.ClientCapabilities{}

	if _, err := c.Initialize(initCtx, req); err != nil {
		return fmt.Errorf("initialize mcp client: %w", err)
	}
	return nil
}

// Tool describes one callable tool.
type Tool struct {
	Name        string
	Description string
	// InputSchema is the JSON schema of the arguments object.
	InputSchema map[string]any
	Server      string

	remote string
}

// Toolset merges the tools of several MCP servers.
type Toolset struct {
	mu      sync.Mutex
	clients map[string]Client
	tools   map[string]Tool
	logger  *zap.Logger
}

// New returns an empty toolset.
func New(logger *zap.Logger) *Toolset {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Toolset{
		clients: make(map[string]Client),
		tools:   make(map[string]Tool),
		logger:  logger,
	}
}

// Add lists the tools served by c and registers them under server. The toolset
// owns c afterwards and closes it in Close. A tool name already taken by another
// server is registered as "<server>_<name>".
func (ts *Toolset) Add(ctx context.Context, server string, c Client) (int, error) {
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return 0, fmt.Errorf("list %s tools: %w", server, err)
	}

	schemas := make([]map[string]any, len(res.Tools))
	for i, t := range res.Tools {
		schema, err := inputSchema(t)
		if err != nil {
			_ = c.Close()
			return 0, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		schemas[i] = schema
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, dup := ts.clients[server]; dup {
		_ = c.Close()
		return 0, fmt.Errorf("server %q already added", server)
	}
	ts.clients[server] = c

	for i, t := range res.Tools {
		name := t.Name
		if _, taken := ts.tools[name]; taken {
			name = server + "_" + t.Name
		}
		ts.tools[name] = Tool{
			Name:        name,
			Description: t.Description,
			InputSchema: schemas[i],
			Server:      server,
			remote:      t.Name,
		}
		ts.logger.Debug("tool registered", zap.String("server", server), zap.String("tool", name))
	}
	return len(res.Tools), nil
}

// Tools returns the registered tools sorted by name.
func (ts *Toolset) Tools() []Tool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]Tool, 0, len(ts.tools))
	for _, t := range ts.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call invokes a tool and flattens its content to text. A tool-level failure
// (IsError) is returned as text so the model can react to it.
func (ts *Toolset) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	ts.mu.Lock()
	t, ok := ts.tools[name]
	var c Client
	if ok {
		c = ts.clients[t.Server]
	}
	ts.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.remote
	req.Params.Arguments = args

	res, err := c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}
	text := contentText(res.Content)
	if res.IsError {
		return "tool error: " + text, nil
	}
	return text, nil
}

// Close closes every client and reports all failures.
func (ts *Toolset) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var errs []error
	for server, c := range ts.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", server, err))
		}
		delete(ts.clients, server)
	}
	ts.tools = make(map[string]Tool)
	return errors.Join(errs...)
}

func inputSchema(t mcp.Tool) (map[string]any, error) {
	raw := []byte(t.RawInputSchema)
	if len(raw) == 0 {
		b, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	if schema == nil {
		schema = map[string]any{}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if props, ok := schema["properties"]; !ok || props == nil {
		schema["properties"] = map[string]any{}
	}
	return schema, nil
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			b, err := json.Marshal(v)
			if err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return strings.Join(parts, "\n")
}
