package generator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"learning_path_generator/progress"
)

var (
	// ErrBusy is returned while a run is still active for the session.
	ErrBusy = errors.New("a learning path is already being generated")
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("session not found")
)

const (
	msgNoResults   = "No results were generated. Please try again."
	msgCancelled   = "Generation cancelled."
	hintCheckInput = "Please check your API keys and URLs, and try again."

	subscriberBuffer = 64
)

// Options tune a session's runs.
type Options struct {
	// RunTimeout bounds one run; zero means no limit.
	RunTimeout time.Duration
	Logger     *zap.Logger
	Metrics    *Metrics
}

// Session holds one user's progress state and the events of its latest run.
type Session struct {
	ID        string
	CreatedAt time.Time

	base   context.Context
	runner Runner
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	state      progress.State
	events     []Event
	result     *Result
	errMsg     string
	hint       string
	running    bool
	cancelled  bool
	cancel     context.CancelFunc
	done       chan struct{}
	subs       map[chan Event]struct{}
	lastActive time.Time
}

// Snapshot is a copy of the session's visible state.
type Snapshot struct {
	ID     string         `json:"session_id"`
	State  progress.State `json:"state"`
	Busy   bool           `json:"busy"`
	Events []Event        `json:"events"`
	Result *Result        `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Hint   string         `json:"hint,omitempty"`
}

// NewSession creates an idle session. Runs started by it end when base is done.
func NewSession(base context.Context, id string, runner Runner, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	return &Session{
		ID:         id,
		CreatedAt:  now,
		base:       base,
		runner:     runner,
		opts:       opts,
		logger:     logger.With(zap.String("session", id)),
		subs:       make(map[chan Event]struct{}),
		lastActive: now,
	}
}

// Generate validates form and starts a run in the background. A *ValidationError
// or ErrBusy means the runner was not invoked.
func (s *Session) Generate(form Form) error {
	if err := form.Validate(); err != nil {
		s.opts.Metrics.reject("validation")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	if s.running || s.state.IsGenerating {
		s.opts.Metrics.reject("busy")
		return ErrBusy
	}

	s.state.Reset()
	s.events = nil
	s.result = nil
	s.errMsg, s.hint = "", ""
	s.cancelled = false

	var ctx context.Context
	var cancel context.CancelFunc
	if s.opts.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.base, s.opts.RunTimeout)
	} else {
		ctx, cancel = context.WithCancel(s.base)
	}
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})

	req := form.Request()
	s.logger.Info("generation started",
		zap.String("secondary_tool", string(form.secondary())),
		zap.Int("goal_len", len(req.Goal)))
	go s.run(ctx, cancel, req, s.done)
	return nil
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, req Request, done chan struct{}) {
	defer close(done)
	defer cancel()

	start := time.Now()
	s.opts.Metrics.started()
	res, err := s.invoke(ctx, req)
	outcome := s.finish(ctx, res, err)
	s.opts.Metrics.finished(outcome, time.Since(start))
}

func (s *Session) invoke(ctx context.Context, req Request) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return s.runner.Run(ctx, req, s.report)
}

func (s *Session) report(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	u := s.state.Apply(message)
	s.logger.Debug("progress", zap.String("section", string(u.Section)), zap.String("message", message))
	s.emit(Event{Kind: EventProgress, Update: &u})
}

func (s *Session) finish(ctx context.Context, res Result, err error) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.state.IsGenerating = false

	var outcome string
	switch {
	case err != nil && s.cancelled:
		outcome = outcomeCancelled
		s.errMsg, s.hint = msgCancelled, ""
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = outcomeError
		s.errMsg = fmt.Sprintf("An error occurred: generation timed out after %s", s.opts.RunTimeout)
		s.hint = hintCheckInput
	case err != nil:
		outcome = outcomeError
		s.errMsg = "An error occurred: " + err.Error()
		s.hint = hintCheckInput
	case len(res.Messages) == 0:
		outcome = outcomeEmpty
		s.errMsg, s.hint = msgNoResults, ""
	default:
		outcome = outcomeSuccess
		r := res
		s.result = &r
	}

	if s.result != nil {
		s.logger.Info("generation finished", zap.Int("messages", len(s.result.Messages)))
		s.emit(Event{Kind: EventResult, Messages: s.result.Messages})
	} else {
		s.logger.Warn("generation failed", zap.String("outcome", outcome), zap.Error(err))
		s.emit(Event{Kind: EventFailed, Error: s.errMsg, Hint: s.hint})
	}
	return outcome
}

// emit must be called with s.mu held.
func (s *Session) emit(ev Event) {
	ev.Seq = len(s.events) + 1
	ev.State = s.state
	ev.At = time.Now()
	s.events = append(s.events, ev)
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// slow consumer; it can reconnect and replay
			delete(s.subs, ch)
			close(ch)
		}
	}
	if ev.Terminal() {
		for ch := range s.subs {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// Subscribe returns the events of the current run so far and a channel carrying
// the rest. The channel is closed after the terminal event, or immediately when
// no run is active. Call the returned func to stop early.
func (s *Session) Subscribe() ([]Event, <-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()

	replay := append([]Event(nil), s.events...)
	ch := make(chan Event, subscriberBuffer)
	if !s.running {
		close(ch)
		return replay, ch, func() {}
	}
	s.subs[ch] = struct{}{}
	return replay, ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// Cancel stops the active run. It reports false when nothing was running.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.cancelled = true
	s.cancel()
	s.logger.Info("generation cancel requested")
	return true
}

// Done is closed when the latest run has finished. It is already closed when
// no run was ever started.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Snapshot copies the session's state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:     s.ID,
		State:  s.state,
		Busy:   s.running || s.state.IsGenerating,
		Events: append([]Event(nil), s.events...),
		Error:  s.errMsg,
		Hint:   s.hint,
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	return snap
}

func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive, s.running
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}
