// Package progress maps agent status messages onto a coarse five-stage progress bar.
package progress

import "strings"

// Stage groups progress messages for display.
type Stage string

const (
	StageSetup       Stage = "Setup"
	StageIntegration Stage = "Integration"
	StageGeneration  Stage = "Generation"
	StageComplete    Stage = "Complete"
	StageProgress    Stage = "Progress"
)

// Canonical messages emitted by the agent runner.
const (
	MsgSetup       = "Setting up agent with tools..."
	MsgDrive       = "Added Google Drive integration..."
	MsgNotion      = "Added Notion integration..."
	MsgCreateAgent = "Creating AI agent..."
	MsgGenerating  = "Generating your learning path..."
	MsgComplete    = "Learning path generation complete!"

	// SuccessLine replaces MsgComplete in the rendered log.
	SuccessLine = "All steps completed! 🎉"
)

type rule struct {
	needles  []string
	stage    Stage
	progress float64
}

// order matters: first match wins.
var rules = []rule{
	{needles: []string{"Setting up agent with tools"}, stage: StageSetup, progress: 0.1},
	{needles: []string{"Added Google Drive integration", "Added Notion integration"}, stage: StageIntegration, progress: 0.2},
	{needles: []string{"Creating AI agent"}, stage: StageSetup, progress: 0.3},
	{needles: []string{"Generating your learning path"}, stage: StageGeneration, progress: 0.5},
	{needles: []string{"Learning path generation complete"}, stage: StageComplete, progress: 1.0},
}

// Classify returns the stage and progress a message maps to. ok is false when the
// message matches none of the canonical substrings.
func Classify(message string) (stage Stage, progress float64, ok bool) {
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(message, n) {
				return r.stage, r.progress, true
			}
		}
	}
	return "", 0, false
}

// State is the per-session progress record.
type State struct {
	CurrentStep  string  `json:"current_step"`
	Progress     float64 `json:"progress"`
	LastSection  Stage   `json:"last_section"`
	IsGenerating bool    `json:"is_generating"`
}

// Update describes how one message changed the state and how to render it.
type Update struct {
	Message        string  `json:"message"`
	Section        Stage   `json:"section"`
	Progress       float64 `json:"progress"`
	SectionChanged bool    `json:"section_changed"`
	Done           bool    `json:"done"`
	Line           string  `json:"line"`
}

// Reset prepares the state for a new generation run.
func (s *State) Reset() {
	*s = State{IsGenerating: true}
}

// Apply records message and returns the resulting update.
func (s *State) Apply(message string) Update {
	s.CurrentStep = message
	prev := s.LastSection

	section, p, ok := Classify(message)
	if ok {
		s.Progress = p
		if section == StageComplete {
			s.IsGenerating = false
		}
	} else {
		section = prev
		if section == "" {
			section = StageProgress
		}
	}
	s.LastSection = section

	return Update{
		Message:        message,
		Section:        section,
		Progress:       s.Progress,
		SectionChanged: section != prev && section != StageComplete,
		Done:           section == StageComplete,
		Line:           Line(message, s.Progress),
	}
}

// Line renders a log line for message at the given progress.
func Line(message string, progress float64) string {
	if message == MsgComplete {
		return SuccessLine
	}
	if progress >= 0.5 {
		return "✓ " + message
	}
	return "→ " + message
}
