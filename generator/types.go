package generator

import (
	"context"
	"time"

	"learning_path_generator/progress"
)

// Request is what the agent runner receives for one generation.
type Request struct {
	GoogleAPIKey string
	YouTubeURL   string
	DriveURL     string
	NotionURL    string
	Goal         string
}

// Message is one entry of the generated learning path.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the runner's output.
type Result struct {
	Title    string    `json:"title,omitempty"`
	Messages []Message `json:"messages"`
}

// ProgressFunc receives status text while a run is in flight. It is called
// synchronously from inside Runner.Run.
type ProgressFunc func(message string)

// Runner turns a goal and tool URLs into a learning path.
type Runner interface {
	Run(ctx context.Context, req Request, report ProgressFunc) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request, report ProgressFunc) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, req Request, report ProgressFunc) (Result, error) {
	return f(ctx, req, report)
}

// EventKind tells subscribers what an Event carries.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventResult   EventKind = "result"
	// EventFailed must not be "error": browsers' EventSource reserves it.
	EventFailed EventKind = "failed"
)

// Event is one item of a run's progress sequence.
type Event struct {
	Seq      int              `json:"seq"`
	Kind     EventKind        `json:"kind"`
	Update   *progress.Update `json:"update,omitempty"`
	State    progress.State   `json:"state"`
	Messages []Message        `json:"messages,omitempty"`
	Error    string           `json:"error,omitempty"`
	Hint     string           `json:"hint,omitempty"`
	At       time.Time        `json:"at"`
}

// Terminal reports whether no further events follow in this run.
func (e Event) Terminal() bool {
	return e.Kind == EventResult || e.Kind == EventFailed
}
