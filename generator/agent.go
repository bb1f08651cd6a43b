package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/flyt"
	"go.uber.org/zap"

	"learning_path_generator/progress"
	"learning_path_generator/toolkit"
)

const (
	defaultMaxSteps    = 20
	defaultToolTimeout = 2 * time.Minute

	keyRequest    = "request"
	keyModel      = "model"
	keyTranscript = "transcript"
)

// Agent is the default Runner. It connects the Pipedream MCP servers, builds a
// model for the user's key and loops model -> tools until the model answers.
type Agent struct {
	newModel    ModelFactory
	dial        toolkit.Dialer
	maxSteps    int
	toolTimeout time.Duration
	logger      *zap.Logger
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithDialer replaces the MCP transport (SSE by default).
func WithDialer(d toolkit.Dialer) AgentOption {
	return func(a *Agent) { a.dial = d }
}

// WithMaxSteps bounds the number of model calls per run.
func WithMaxSteps(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxSteps = n
		}
	}
}

// WithToolTimeout bounds a single tool call.
func WithToolTimeout(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.toolTimeout = d
		}
	}
}

// WithLogger sets the agent logger.
func WithLogger(l *zap.Logger) AgentOption {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewAgent(newModel ModelFactory, opts ...AgentOption) (*Agent, error) {
	if newModel == nil {
		return nil, errors.New("model factory is required")
	}
	a := &Agent{
		newModel:    newModel,
		dial:        toolkit.DialSSE,
		maxSteps:    defaultMaxSteps,
		toolTimeout: defaultToolTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// stepError keeps the failing step's own error visible through flyt's wrapping.
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return e.step + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

// Run implements Runner.
func (a *Agent) Run(ctx context.Context, req Request, report ProgressFunc) (Result, error) {
	if report == nil {
		report = func(string) {}
	}
	tools := toolkit.New(a.logger)
	defer func() {
		if err := tools.Close(); err != nil {
			a.logger.Warn("closing tool clients", zap.Error(err))
		}
	}()

	shared := flyt.NewSharedStore()
	shared.Set(keyRequest, req)

	if err := a.flow(tools, report).Run(ctx, shared); err != nil {
		var se *stepError
		if errors.As(err, &se) {
			return Result{}, se
		}
		return Result{}, err
	}

	v, _ := shared.Get(keyTranscript)
	transcript, _ := v.([]ChatMessage)
	return PostProcess(transcript), nil
}

func (a *Agent) flow(tools *toolkit.Toolset, report ProgressFunc) *flyt.Flow {
	setup := a.setupToolsNode(tools, report)
	create := a.createAgentNode(report)
	generate := a.generateNode(tools, report)
	complete := completeNode(report)

	flow := flyt.NewFlow(setup)
	flow.Connect(setup, flyt.DefaultAction, create)
	flow.Connect(create, flyt.DefaultAction, generate)
	flow.Connect(generate, flyt.DefaultAction, complete)
	return flow
}

func requestFrom(shared *flyt.SharedStore) (Request, error) {
	v, ok := shared.Get(keyRequest)
	if !ok {
		return Request{}, errors.New("request missing from shared store")
	}
	req, ok := v.(Request)
	if !ok {
		return Request{}, fmt.Errorf("unexpected request type %T", v)
	}
	return req, nil
}

func (a *Agent) setupToolsNode(tools *toolkit.Toolset, report ProgressFunc) flyt.Node {
	return flyt.NewNode(
		flyt.WithPrepFunc(func(ctx context.Context, shared *flyt.SharedStore) (any, error) {
			return requestFrom(shared)
		}),
		flyt.WithExecFunc(func(ctx context.Context, prepResult any) (any, error) {
			req := prepResult.(Request)
			report(progress.MsgSetup)

			if err := a.connect(ctx, tools, "youtube", req.YouTubeURL); err != nil {
				return nil, err
			}
			switch {
			case req.DriveURL != "":
				if err := a.connect(ctx, tools, "drive", req.DriveURL); err != nil {
					return nil, err
				}
				report(progress.MsgDrive)
			case req.NotionURL != "":
				if err := a.connect(ctx, tools, "notion", req.NotionURL); err != nil {
					return nil, err
				}
				report(progress.MsgNotion)
			}
			return len(tools.Tools()), nil
		}),
		flyt.WithPostFunc(func(ctx context.Context, shared *flyt.SharedStore, prepResult, execResult any) (flyt.Action, error) {
			a.logger.Debug("tools ready", zap.Any("count", execResult))
			return flyt.DefaultAction, nil
		}),
	)
}

func (a *Agent) connect(ctx context.Context, tools *toolkit.Toolset, server, url string) error {
	c, err := a.dial(ctx, url)
	if err != nil {
		return &stepError{step: "connect " + server, err: err}
	}
	n, err := tools.Add(ctx, server, c)
	if err != nil {
		return &stepError{step: "connect " + server, err: err}
	}
	a.logger.Info("mcp server connected", zap.String("server", server), zap.Int("tools", n))
	return nil
}

func (a *Agent) createAgentNode(report ProgressFunc) flyt.Node {
	return flyt.NewNode(
		flyt.WithPrepFunc(func(ctx context.Context, shared *flyt.SharedStore) (any, error) {
			return requestFrom(shared)
		}),
		flyt.WithExecFunc(func(ctx context.Context, prepResult any) (any, error) {
			req := prepResult.(Request)
			report(progress.MsgCreateAgent)
			model, err := a.newModel(ctx, req.GoogleAPIKey)
			if err != nil {
				return nil, &stepError{step: "create model", err: err}
			}
			return model, nil
		}),
		flyt.WithPostFunc(func(ctx context.Context, shared *flyt.SharedStore, prepResult, execResult any) (flyt.Action, error) {
			shared.Set(keyModel, execResult)
			return flyt.DefaultAction, nil
		}),
	)
}

type generateInput struct {
	req   Request
	model ChatModel
}

func (a *Agent) generateNode(tools *toolkit.Toolset, report ProgressFunc) flyt.Node {
	return flyt.NewNode(
		flyt.WithPrepFunc(func(ctx context.Context, shared *flyt.SharedStore) (any, error) {
			req, err := requestFrom(shared)
			if err != nil {
				return nil, err
			}
			v, _ := shared.Get(keyModel)
			model, ok := v.(ChatModel)
			if !ok {
				return nil, errors.New("model missing from shared store")
			}
			return generateInput{req: req, model: model}, nil
		}),
		flyt.WithExecFunc(func(ctx context.Context, prepResult any) (any, error) {
			in := prepResult.(generateInput)
			report(progress.MsgGenerating)
			return a.loop(ctx, in.model, tools, in.req, report)
		}),
		flyt.WithPostFunc(func(ctx context.Context, shared *flyt.SharedStore, prepResult, execResult any) (flyt.Action, error) {
			shared.Set(keyTranscript, execResult)
			return flyt.DefaultAction, nil
		}),
	)
}

// loop alternates model and tool calls until the model replies without tool calls.
func (a *Agent) loop(ctx context.Context, model ChatModel, tools *toolkit.Toolset, req Request, report ProgressFunc) ([]ChatMessage, error) {
	prompt := BuildInitialPrompt(req)
	available := tools.Tools()

	for step := 0; step < a.maxSteps; step++ {
		reply, err := model.Chat(ctx, prompt, available)
		if err != nil {
			return nil, &stepError{step: "generate", err: err}
		}
		prompt.Messages = append(prompt.Messages, reply)
		if len(reply.ToolCalls) == 0 {
			return prompt.Messages, nil
		}
		for _, call := range reply.ToolCalls {
			report(fmt.Sprintf("Using tool %s...", call.Name))
			out, err := a.callTool(ctx, tools, call)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				a.logger.Warn("tool call failed", zap.String("tool", call.Name), zap.Error(err))
				out = "tool error: " + err.Error()
			}
			prompt.Messages = append(prompt.Messages, ChatMessage{
				Role:       RoleTool,
				Content:    out,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}
	return nil, &stepError{step: "generate", err: fmt.Errorf("agent did not finish within %d steps", a.maxSteps)}
}

func (a *Agent) callTool(ctx context.Context, tools *toolkit.Toolset, call ToolCall) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.toolTimeout)
	defer cancel()
	return tools.Call(callCtx, call.Name, call.Args)
}

func completeNode(report ProgressFunc) flyt.Node {
	return flyt.NewNode(
		flyt.WithExecFunc(func(ctx context.Context, prepResult any) (any, error) {
			report(progress.MsgComplete)
			return nil, nil
		}),
	)
}
